// Package transition persists the display transition configuration: how long
// word changes fade, and which easing curves shape the fade in and out. The
// config is stored as a packed blob so the layout stays byte-compatible with
// what earlier firmware wrote.
package transition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/wordclock-io/clockd/internal/kvstore"
)

const (
	// Namespace and keys in the key/value store.
	Namespace  = "transition_config"
	configKey  = "config"
	versionKey = "version"

	// blobVersion is bumped only when the packed layout changes.
	blobVersion uint32 = 1
	blobSize           = 5 // duration u16 LE + enabled u8 + fadein u8 + fadeout u8

	// MinDurationMs and MaxDurationMs bound the transition duration; values
	// outside the range are silently replaced by DefaultDurationMs on load.
	MinDurationMs     = 200
	MaxDurationMs     = 5000
	DefaultDurationMs = 1500
)

// ErrBadBlob is returned when the stored blob cannot be decoded.
var ErrBadBlob = errors.New("transition: malformed config blob")

// Curve selects an easing function for fades.
type Curve uint8

const (
	CurveLinear Curve = iota
	CurveEaseIn
	CurveEaseOut
	CurveEaseInOut
	CurveBounce
)

func (c Curve) String() string {
	switch c {
	case CurveLinear:
		return "linear"
	case CurveEaseIn:
		return "ease_in"
	case CurveEaseOut:
		return "ease_out"
	case CurveEaseInOut:
		return "ease_in_out"
	case CurveBounce:
		return "bounce"
	default:
		return fmt.Sprintf("curve(%d)", uint8(c))
	}
}

// ParseCurve maps a curve name to its value.
func ParseCurve(s string) (Curve, bool) {
	switch s {
	case "linear":
		return CurveLinear, true
	case "ease_in":
		return CurveEaseIn, true
	case "ease_out":
		return CurveEaseOut, true
	case "ease_in_out":
		return CurveEaseInOut, true
	case "bounce":
		return CurveBounce, true
	}
	return 0, false
}

func (c Curve) valid() bool { return c <= CurveBounce }

// Config is the transition configuration.
type Config struct {
	DurationMs   uint16
	Enabled      bool
	FadeInCurve  Curve
	FadeOutCurve Curve
}

// Default returns the configuration used when nothing is stored.
func Default() Config {
	return Config{
		DurationMs:   DefaultDurationMs,
		Enabled:      true,
		FadeInCurve:  CurveEaseIn,
		FadeOutCurve: CurveEaseOut,
	}
}

// pack serializes the config into the persisted layout.
func (c Config) pack() []byte {
	buf := make([]byte, blobSize)
	binary.LittleEndian.PutUint16(buf[0:2], c.DurationMs)
	if c.Enabled {
		buf[2] = 1
	}
	buf[3] = uint8(c.FadeInCurve)
	buf[4] = uint8(c.FadeOutCurve)
	return buf
}

// unpack deserializes a stored blob, sanitizing field values: out-of-range
// durations fall back to the default duration and unknown curves fall back to
// the default curves. Sanitizing rather than erroring keeps a clock with a
// stale blob displaying instead of dark.
func unpack(buf []byte) (Config, error) {
	if len(buf) != blobSize {
		return Config{}, fmt.Errorf("%w: %d bytes", ErrBadBlob, len(buf))
	}
	def := Default()
	cfg := Config{
		DurationMs:   binary.LittleEndian.Uint16(buf[0:2]),
		Enabled:      buf[2] != 0,
		FadeInCurve:  Curve(buf[3]),
		FadeOutCurve: Curve(buf[4]),
	}
	if cfg.DurationMs < MinDurationMs || cfg.DurationMs > MaxDurationMs {
		cfg.DurationMs = def.DurationMs
	}
	if !cfg.FadeInCurve.valid() {
		cfg.FadeInCurve = def.FadeInCurve
	}
	if !cfg.FadeOutCurve.valid() {
		cfg.FadeOutCurve = def.FadeOutCurve
	}
	return cfg, nil
}

// Store reads and writes the transition config in the key/value store.
type Store struct {
	kv     kvstore.Store
	logger *slog.Logger
}

// NewStore wraps the key/value store.
func NewStore(kv kvstore.Store, logger *slog.Logger) *Store {
	return &Store{kv: kv, logger: logger.With("component", "transition")}
}

// Load returns the stored config, or the default when nothing is stored or
// the stored blob is from an incompatible version.
func (s *Store) Load() (Config, error) {
	ver, err := s.kv.GetU32(Namespace, versionKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read version: %w", err)
	}
	if ver != blobVersion {
		s.logger.Warn("unknown transition config version, using defaults", "version", ver)
		return Default(), nil
	}

	blob, err := s.kv.GetBlob(Namespace, configKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg, err := unpack(blob)
	if err != nil {
		s.logger.Warn("malformed transition config, using defaults", "error", err)
		return Default(), nil
	}
	return cfg, nil
}

// Save validates and persists the config. Unlike Load, Save rejects invalid
// values instead of sanitizing them; callers get an error to report.
func (s *Store) Save(cfg Config) error {
	if cfg.DurationMs < MinDurationMs || cfg.DurationMs > MaxDurationMs {
		return fmt.Errorf("transition: duration %dms outside [%d, %d]",
			cfg.DurationMs, MinDurationMs, MaxDurationMs)
	}
	if !cfg.FadeInCurve.valid() || !cfg.FadeOutCurve.valid() {
		return fmt.Errorf("transition: unknown curve")
	}

	if err := s.kv.SetBlob(Namespace, configKey, cfg.pack()); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := s.kv.SetU32(Namespace, versionKey, blobVersion); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	s.logger.Info("transition config saved",
		"duration_ms", cfg.DurationMs,
		"enabled", cfg.Enabled,
		"fadein", cfg.FadeInCurve.String(),
		"fadeout", cfg.FadeOutCurve.String())
	return nil
}
