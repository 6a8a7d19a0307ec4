package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/wordclock-io/clockd/internal/clock"
	"github.com/wordclock-io/clockd/internal/outbound"
	"github.com/wordclock-io/clockd/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureQueue struct {
	mu       sync.Mutex
	messages []outbound.Message
	stats    outbound.Stats
}

func (q *captureQueue) Enqueue(m outbound.Message) (uint32, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, m)
	return uint32(len(q.messages)), nil
}

func (q *captureQueue) Stats() outbound.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *captureQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *captureQueue) last() outbound.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages[len(q.messages)-1]
}

func newTestReporter(fc *clock.FakeClock, q *captureQueue, otaState func() string) *Reporter {
	r := New(Config{
		DeviceName:      "livingroom",
		FirmwareVersion: "v1.4.0",
		Topic:           "home/livingroom/status",
		Interval:        60 * time.Second,
		QoS:             1,
	}, q, otaState, fc, testLogger())
	r.memInfo = func() (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Available: 128 << 20, UsedPercent: 37.5}, nil
	}
	return r
}

func TestSnapshot(t *testing.T) {
	fc := clock.Fake(time.Unix(10_000, 0))
	q := &captureQueue{stats: outbound.Stats{CurrentQueueSize: 3, PeakQueueSize: 12}}
	r := newTestReporter(fc, q, func() string { return "downloading" })

	fc.Advance(90 * time.Second)
	st := r.Snapshot()

	if st.Device != "livingroom" || st.FirmwareVersion != "v1.4.0" {
		t.Errorf("identity fields wrong: %+v", st)
	}
	if st.UptimeSeconds != 90 {
		t.Errorf("uptime %d, want 90", st.UptimeSeconds)
	}
	if st.FreeMemoryBytes != 128<<20 || st.UsedMemoryPct != 37.5 {
		t.Errorf("memory fields wrong: %+v", st)
	}
	if st.QueueDepth != 3 || st.QueuePeak != 12 {
		t.Errorf("queue fields wrong: %+v", st)
	}
	if st.OTAState != "downloading" {
		t.Errorf("ota state %q", st.OTAState)
	}
	if st.Timestamp != fc.Now().Unix() {
		t.Errorf("timestamp %d, want %d", st.Timestamp, fc.Now().Unix())
	}
}

func TestPublish_MessageShape(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	q := &captureQueue{}
	r := newTestReporter(fc, q, nil)

	if err := r.Publish(); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	m := q.last()
	if m.Topic != "home/livingroom/status" {
		t.Errorf("topic %q", m.Topic)
	}
	if !m.Retain || m.QoS != 1 {
		t.Errorf("retain=%v qos=%d, want retained QoS 1", m.Retain, m.QoS)
	}
	if m.Priority != outbound.PriorityNormal {
		t.Errorf("priority %s", m.Priority)
	}
	if m.TTL != 60*time.Second {
		t.Errorf("ttl %s, want one interval", m.TTL)
	}

	var st wire.Status
	if err := json.Unmarshal(m.Payload, &st); err != nil {
		t.Fatalf("payload not a status document: %v", err)
	}
	if st.OTAState != "idle" {
		t.Errorf("nil otaState should report idle, got %q", st.OTAState)
	}
}

func TestRun_PublishesOnCadence(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	q := &captureQueue{}
	r := newTestReporter(fc, q, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	// The first snapshot goes out before any tick.
	deadline := time.Now().Add(5 * time.Second)
	for q.count() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("no immediate snapshot")
		}
		time.Sleep(time.Millisecond)
	}

	fc.WaitForWaiters(1)
	fc.Advance(60 * time.Second)
	for q.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("no snapshot after one interval")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	<-done
}
