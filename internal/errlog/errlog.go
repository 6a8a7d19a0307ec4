// Package errlog persists a bounded circular log of notable errors so they
// survive restarts and can be pulled off the device over the command bus.
// Only conditions worth an operator's attention belong here; routine retries
// and validation failures stay in the process log.
package errlog

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/wordclock-io/clockd/internal/clock"
	"github.com/wordclock-io/clockd/internal/kvstore"
)

const (
	// Namespace in the key/value store.
	Namespace = "error_log"

	// Capacity bounds the log; the oldest entry is overwritten when full.
	Capacity = 50

	// MaxMessageLen truncates entry messages.
	MaxMessageLen = 64

	headKey  = "head"
	countKey = "count"
)

// Severity ranks an entry.
type Severity uint8

const (
	SeverityWarning Severity = iota
	SeverityError
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return fmt.Sprintf("severity(%d)", uint8(s))
	}
}

// Entry is one recorded error.
type Entry struct {
	Timestamp     time.Time
	UptimeSeconds int64
	Source        string
	Severity      Severity
	Code          int
	Message       string
}

// entryRecord is the persisted CBOR layout. Integer keys keep rows small;
// fields are never renumbered, only appended.
type entryRecord struct {
	TimestampUnix int64  `cbor:"1,keyasint"`
	UptimeSeconds int64  `cbor:"2,keyasint"`
	Source        string `cbor:"3,keyasint"`
	Severity      uint8  `cbor:"4,keyasint"`
	Code          int    `cbor:"5,keyasint"`
	Message       string `cbor:"6,keyasint"`
}

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("errlog: CBOR encoder initialization failed: " + err.Error())
	}
}

// Stats aggregates entries by source and severity.
type Stats struct {
	TotalRecorded uint64
	BySource      map[string]int
	BySeverity    map[string]int
}

// Log is the persisted circular error log. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	kv      kvstore.Store
	clk     clock.Clock
	logger  *slog.Logger
	started time.Time

	head     uint32 // next slot to write
	count    uint32 // live entries, ≤ Capacity
	recorded uint64
}

// New opens the error log, restoring head and count written by a previous
// process. A nil clk selects the real clock.
func New(kv kvstore.Store, clk clock.Clock, logger *slog.Logger) (*Log, error) {
	if clk == nil {
		clk = clock.Real()
	}
	l := &Log{
		kv:      kv,
		clk:     clk,
		logger:  logger.With("component", "errlog"),
		started: clk.Now(),
	}

	head, err := kv.GetU32(Namespace, headKey)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("read head: %w", err)
	}
	count, err := kv.GetU32(Namespace, countKey)
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return nil, fmt.Errorf("read count: %w", err)
	}
	if head >= Capacity {
		head = 0
	}
	if count > Capacity {
		count = Capacity
	}
	l.head = head
	l.count = count
	return l, nil
}

func slotKey(slot uint32) string { return fmt.Sprintf("entry_%d", slot) }

// Record appends an entry, overwriting the oldest when the log is full. The
// message is truncated to MaxMessageLen bytes.
func (l *Log) Record(source string, sev Severity, code int, message string) error {
	if len(message) > MaxMessageLen {
		message = message[:MaxMessageLen]
	}
	now := l.clk.Now()
	rec := entryRecord{
		TimestampUnix: now.Unix(),
		UptimeSeconds: int64(now.Sub(l.started) / time.Second),
		Source:        source,
		Severity:      uint8(sev),
		Code:          code,
		Message:       message,
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.kv.SetBlob(Namespace, slotKey(l.head), data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	l.head = (l.head + 1) % Capacity
	if l.count < Capacity {
		l.count++
	}
	l.recorded++

	if err := l.kv.SetU32(Namespace, headKey, l.head); err != nil {
		return fmt.Errorf("write head: %w", err)
	}
	if err := l.kv.SetU32(Namespace, countKey, l.count); err != nil {
		return fmt.Errorf("write count: %w", err)
	}

	l.logger.Debug("error recorded",
		"source", source, "severity", sev.String(), "code", code)
	return nil
}

// Recent returns up to n entries, newest first. n ≤ 0 returns everything.
func (l *Log) Recent(n int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n <= 0 || n > int(l.count) {
		n = int(l.count)
	}

	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		slot := (int(l.head) - 1 - i + Capacity) % Capacity
		blob, err := l.kv.GetBlob(Namespace, slotKey(uint32(slot)))
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read entry %d: %w", slot, err)
		}
		var rec entryRecord
		if err := cbor.Unmarshal(blob, &rec); err != nil {
			l.logger.Warn("skipping undecodable error log entry", "slot", slot, "error", err)
			continue
		}
		out = append(out, Entry{
			Timestamp:     time.Unix(rec.TimestampUnix, 0),
			UptimeSeconds: rec.UptimeSeconds,
			Source:        rec.Source,
			Severity:      Severity(rec.Severity),
			Code:          rec.Code,
			Message:       rec.Message,
		})
	}
	return out, nil
}

// Count reports the number of live entries.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.count)
}

// Clear erases the log.
func (l *Log) Clear() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.kv.EraseNamespace(Namespace); err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	l.head = 0
	l.count = 0
	return nil
}

// Stats aggregates the live entries by source and severity. TotalRecorded
// counts every Record call this process made, including overwritten entries.
func (l *Log) Stats() (Stats, error) {
	entries, err := l.Recent(0)
	if err != nil {
		return Stats{}, err
	}

	l.mu.Lock()
	recorded := l.recorded
	l.mu.Unlock()

	st := Stats{
		TotalRecorded: recorded,
		BySource:      make(map[string]int),
		BySeverity:    make(map[string]int),
	}
	for _, e := range entries {
		st.BySource[e.Source]++
		st.BySeverity[e.Severity.String()]++
	}
	return st, nil
}
