package transition

import (
	"io"
	"log/slog"
	"testing"

	"github.com/wordclock-io/clockd/internal/kvstore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPackUnpack_RoundTrip(t *testing.T) {
	cfg := Config{
		DurationMs:   2500,
		Enabled:      true,
		FadeInCurve:  CurveBounce,
		FadeOutCurve: CurveEaseInOut,
	}
	got, err := unpack(cfg.pack())
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if got != cfg {
		t.Errorf("round trip: got %+v, want %+v", got, cfg)
	}
}

func TestPack_Layout(t *testing.T) {
	cfg := Config{DurationMs: 0x1234, Enabled: true, FadeInCurve: CurveEaseIn, FadeOutCurve: CurveBounce}
	buf := cfg.pack()
	// duration is little-endian
	if buf[0] != 0x34 || buf[1] != 0x12 {
		t.Errorf("duration bytes = %02x %02x, want 34 12", buf[0], buf[1])
	}
	if buf[2] != 1 || buf[3] != uint8(CurveEaseIn) || buf[4] != uint8(CurveBounce) {
		t.Errorf("unexpected layout: % 02x", buf)
	}
}

func TestUnpack_SanitizesOutOfRange(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want Config
	}{
		{
			"duration below minimum",
			Config{DurationMs: 100, FadeInCurve: CurveLinear, FadeOutCurve: CurveLinear},
			Config{DurationMs: DefaultDurationMs, FadeInCurve: CurveLinear, FadeOutCurve: CurveLinear},
		},
		{
			"duration above maximum",
			Config{DurationMs: 9000, FadeInCurve: CurveLinear, FadeOutCurve: CurveLinear},
			Config{DurationMs: DefaultDurationMs, FadeInCurve: CurveLinear, FadeOutCurve: CurveLinear},
		},
		{
			"unknown curves",
			Config{DurationMs: 1000, FadeInCurve: Curve(42), FadeOutCurve: Curve(99)},
			Config{DurationMs: 1000, FadeInCurve: CurveEaseIn, FadeOutCurve: CurveEaseOut},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unpack(tt.cfg.pack())
			if err != nil {
				t.Fatalf("unpack: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestUnpack_BadLength(t *testing.T) {
	if _, err := unpack([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short blob")
	}
}

func TestStore_LoadDefaultWhenEmpty(t *testing.T) {
	s := NewStore(kvstore.Memory(), testLogger())
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected default config, got %+v", cfg)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	kv := kvstore.Memory()
	s := NewStore(kv, testLogger())

	cfg := Config{DurationMs: 800, Enabled: false, FadeInCurve: CurveEaseInOut, FadeOutCurve: CurveLinear}
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != cfg {
		t.Errorf("got %+v, want %+v", got, cfg)
	}

	ver, err := kv.GetU32(Namespace, "version")
	if err != nil || ver != 1 {
		t.Errorf("version key = %d, %v; want 1", ver, err)
	}
}

func TestStore_SaveRejectsInvalid(t *testing.T) {
	s := NewStore(kvstore.Memory(), testLogger())

	if err := s.Save(Config{DurationMs: 50}); err == nil {
		t.Error("expected error for duration below minimum")
	}
	if err := s.Save(Config{DurationMs: 1000, FadeInCurve: Curve(200)}); err == nil {
		t.Error("expected error for unknown curve")
	}
}

func TestStore_LoadUnknownVersion(t *testing.T) {
	kv := kvstore.Memory()
	if err := kv.SetU32(Namespace, "version", 99); err != nil {
		t.Fatal(err)
	}
	if err := kv.SetBlob(Namespace, "config", []byte{0, 0, 0, 0, 0}); err != nil {
		t.Fatal(err)
	}

	s := NewStore(kv, testLogger())
	cfg, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("expected defaults for unknown version, got %+v", cfg)
	}
}

func TestParseCurve(t *testing.T) {
	for _, c := range []Curve{CurveLinear, CurveEaseIn, CurveEaseOut, CurveEaseInOut, CurveBounce} {
		got, ok := ParseCurve(c.String())
		if !ok || got != c {
			t.Errorf("ParseCurve(%q) = %v, %v", c.String(), got, ok)
		}
	}
	if _, ok := ParseCurve("wiggle"); ok {
		t.Error("expected unknown curve to be rejected")
	}
}
