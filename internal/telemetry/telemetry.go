// Package telemetry publishes periodic device status snapshots through the
// outbound queue. A snapshot that misses its window is worthless, so each one
// carries a TTL of one interval and is simply replaced by the next.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wordclock-io/clockd/internal/clock"
	"github.com/wordclock-io/clockd/internal/outbound"
	"github.com/wordclock-io/clockd/pkg/wire"
)

// Enqueuer is the slice of the outbound queue the reporter needs.
type Enqueuer interface {
	Enqueue(outbound.Message) (uint32, error)
	Stats() outbound.Stats
}

// Config holds reporter configuration.
type Config struct {
	// DeviceName appears in the status document.
	DeviceName string
	// FirmwareVersion appears in the status document.
	FirmwareVersion string
	// Topic receives the snapshots.
	Topic string
	// Interval between snapshots (default: 60s).
	Interval time.Duration
	// QoS for the published snapshots.
	QoS byte
}

// Reporter samples device state on a fixed cadence and enqueues retained
// status documents.
type Reporter struct {
	cfg      Config
	queue    Enqueuer
	otaState func() string
	clk      clock.Clock
	logger   *slog.Logger
	started  time.Time

	// memInfo is swapped out in tests.
	memInfo func() (*mem.VirtualMemoryStat, error)
}

// New wires a reporter. otaState may be nil when no OTA controller runs.
func New(cfg Config, queue Enqueuer, otaState func() string, clk clock.Clock, logger *slog.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Reporter{
		cfg:      cfg,
		queue:    queue,
		otaState: otaState,
		clk:      clk,
		logger:   logger.With("component", "telemetry"),
		started:  clk.Now(),
		memInfo:  mem.VirtualMemory,
	}
}

// Snapshot builds the current status document.
func (r *Reporter) Snapshot() wire.Status {
	now := r.clk.Now()
	st := wire.Status{
		Device:          r.cfg.DeviceName,
		FirmwareVersion: r.cfg.FirmwareVersion,
		UptimeSeconds:   int64(now.Sub(r.started) / time.Second),
		Timestamp:       now.Unix(),
	}

	if vm, err := r.memInfo(); err == nil {
		st.FreeMemoryBytes = vm.Available
		st.UsedMemoryPct = vm.UsedPercent
	} else {
		r.logger.Warn("memory sample failed", "error", err)
	}

	qs := r.queue.Stats()
	st.QueueDepth = qs.CurrentQueueSize
	st.QueuePeak = qs.PeakQueueSize

	if r.otaState != nil {
		st.OTAState = r.otaState()
	} else {
		st.OTAState = "idle"
	}
	return st
}

// Publish enqueues one snapshot. The message is retained so late subscribers
// see the last known state, and expires after one interval so a stale
// snapshot is never retried past its replacement.
func (r *Reporter) Publish() error {
	doc := r.Snapshot()
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	_, err = r.queue.Enqueue(outbound.Message{
		Topic:    r.cfg.Topic,
		Payload:  payload,
		QoS:      r.cfg.QoS,
		Retain:   true,
		Priority: outbound.PriorityNormal,
		TTL:      r.cfg.Interval,
	})
	if err != nil {
		return fmt.Errorf("enqueue status: %w", err)
	}
	r.logger.Debug("status snapshot enqueued",
		"uptime_s", doc.UptimeSeconds, "queue_depth", doc.QueueDepth)
	return nil
}

// Run publishes snapshots until the context is cancelled. The first snapshot
// goes out immediately so the device shows up without waiting a full
// interval.
func (r *Reporter) Run(ctx context.Context) {
	if err := r.Publish(); err != nil {
		r.logger.Warn("initial snapshot failed", "error", err)
	}

	ticker := r.clk.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("telemetry stopped")
			return
		case <-ticker.C:
			if err := r.Publish(); err != nil {
				r.logger.Warn("snapshot failed", "error", err)
			}
		}
	}
}
