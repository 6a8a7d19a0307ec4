package clockd

import (
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/wordclock-io/clockd/internal/config"
	"github.com/wordclock-io/clockd/internal/errlog"
	"github.com/wordclock-io/clockd/internal/outbound"
	"github.com/wordclock-io/clockd/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Device.Name = "livingroom"
	cfg.Device.DataDir = t.TempDir()
	cfg.Broker.URL = "mqtt://127.0.0.1:1883"
	cfg.Broker.Username = "clock"
	cfg.Broker.Password = "secret"

	a, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.kv.Close() })
	a.requestRestart = func() error { return nil }
	return a
}

// dispatchEnvelope sends one command through the inbound pump and returns the
// response payload that landed on the queue, or "" when none did.
func dispatchEnvelope(t *testing.T, a *App, envelope string) string {
	t.Helper()
	before := a.queue.Len()
	a.dispatch(a.topics.Command, []byte(envelope))
	msgs := a.queue.List()
	if len(msgs) == before {
		return ""
	}
	m := msgs[len(msgs)-1]
	if m.Topic != a.topics.Response {
		t.Fatalf("response on topic %s, want %s", m.Topic, a.topics.Response)
	}
	if m.Priority != outbound.PriorityHigh {
		t.Fatalf("response priority %s, want high", m.Priority)
	}
	return string(m.Payload)
}

func TestTopicsFor(t *testing.T) {
	topics := TopicsFor("livingroom")
	if topics.Command != "home/livingroom/command" {
		t.Errorf("command topic %q", topics.Command)
	}
	if topics.Response != "home/livingroom/command/response" {
		t.Errorf("response topic %q", topics.Response)
	}
	if topics.Availability != "home/livingroom/availability" {
		t.Errorf("availability topic %q", topics.Availability)
	}
}

func TestDispatch_StatusCommand(t *testing.T) {
	a := newTestApp(t)

	resp := dispatchEnvelope(t, a, `{"command":"status"}`)
	if resp == "" {
		t.Fatal("no response enqueued")
	}
	var st wire.Status
	if err := json.Unmarshal([]byte(resp), &st); err != nil {
		t.Fatalf("response not a status document: %v", err)
	}
	if st.Device != "livingroom" {
		t.Errorf("device %q", st.Device)
	}
	if st.OTAState != "idle" {
		t.Errorf("ota state %q", st.OTAState)
	}
}

func TestDispatch_UnknownCommand(t *testing.T) {
	a := newTestApp(t)
	if resp := dispatchEnvelope(t, a, `{"command":"selfdestruct"}`); resp != "" {
		t.Errorf("unexpected response %q for unknown command", resp)
	}
	if stats := a.processor.Stats(); stats.NotFound != 1 {
		t.Errorf("not-found counter %d, want 1", stats.NotFound)
	}
}

func TestDispatch_InvalidEnvelope(t *testing.T) {
	a := newTestApp(t)
	if resp := dispatchEnvelope(t, a, `{"parameters":{}}`); resp != "" {
		t.Errorf("unexpected response %q for envelope without command", resp)
	}
	if resp := dispatchEnvelope(t, a, `not json`); resp != "" {
		t.Errorf("unexpected response %q for malformed payload", resp)
	}
}

func TestSetBrightness(t *testing.T) {
	a := newTestApp(t)

	resp := dispatchEnvelope(t, a, `{"command":"set_brightness","parameters":{"brightness":128}}`)
	if resp != "Brightness set to 128" {
		t.Errorf("response %q", resp)
	}
	v, err := a.kv.GetU8(displayNamespace, "brightness")
	if err != nil || v != 128 {
		t.Errorf("persisted brightness = %d, %v; want 128", v, err)
	}

	// Out of range is rejected and leaves the stored value alone.
	resp = dispatchEnvelope(t, a, `{"command":"set_brightness","parameters":{"brightness":300}}`)
	if !strings.Contains(resp, "[0, 255]") {
		t.Errorf("response %q", resp)
	}
	if v, _ := a.kv.GetU8(displayNamespace, "brightness"); v != 128 {
		t.Errorf("stored brightness changed to %d on rejected command", v)
	}
}

func TestTransitionCommands(t *testing.T) {
	a := newTestApp(t)

	resp := dispatchEnvelope(t, a,
		`{"command":"set_transition","parameters":{"duration_ms":800,"fade_in":"bounce"}}`)
	if !strings.Contains(resp, "800ms") || !strings.Contains(resp, "bounce") {
		t.Errorf("set response %q", resp)
	}

	resp = dispatchEnvelope(t, a, `{"command":"get_transition"}`)
	var doc map[string]any
	if err := json.Unmarshal([]byte(resp), &doc); err != nil {
		t.Fatalf("get response not JSON: %v", err)
	}
	if doc["duration_ms"].(float64) != 800 || doc["fade_in"].(string) != "bounce" {
		t.Errorf("get response %v", doc)
	}

	// Bad curve name is invalid params.
	resp = dispatchEnvelope(t, a,
		`{"command":"set_transition","parameters":{"fade_in":"warp"}}`)
	if !strings.Contains(resp, "unknown curve") {
		t.Errorf("response %q", resp)
	}
}

func TestTransitionSetTopic(t *testing.T) {
	a := newTestApp(t)

	a.dispatch(a.topics.TransitionSet, []byte(`{"duration_ms":900,"fade_out":"linear"}`))
	cfg, err := a.transitions.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DurationMs != 900 || cfg.FadeOutCurve.String() != "linear" {
		t.Errorf("stored config %+v", cfg)
	}

	// Schema guards the raw topic: out-of-range duration never reaches the store.
	a.dispatch(a.topics.TransitionSet, []byte(`{"duration_ms":60000}`))
	cfg, _ = a.transitions.Load()
	if cfg.DurationMs != 900 {
		t.Errorf("out-of-range update changed stored duration to %d", cfg.DurationMs)
	}
}

func TestOTAStatusCommand(t *testing.T) {
	a := newTestApp(t)
	resp := dispatchEnvelope(t, a, `{"command":"ota_status"}`)
	var doc map[string]any
	if err := json.Unmarshal([]byte(resp), &doc); err != nil {
		t.Fatalf("response not JSON: %v", err)
	}
	if doc["state"].(string) != "idle" || doc["error"].(string) != "none" {
		t.Errorf("ota status %v", doc)
	}
}

func TestErrorLogCommand(t *testing.T) {
	a := newTestApp(t)
	if err := a.elog.Record("ota", errlog.SeverityError, 3, "checksum mismatch"); err != nil {
		t.Fatal(err)
	}

	resp := dispatchEnvelope(t, a, `{"command":"error_log","parameters":{"action":"recent"}}`)
	if !strings.Contains(resp, "checksum mismatch") {
		t.Errorf("recent response %q", resp)
	}

	resp = dispatchEnvelope(t, a, `{"command":"error_log","parameters":{"action":"clear"}}`)
	if resp != "Error log cleared" {
		t.Errorf("clear response %q", resp)
	}
	if a.elog.Count() != 0 {
		t.Errorf("log not cleared, %d entries", a.elog.Count())
	}

	resp = dispatchEnvelope(t, a, `{"command":"error_log","parameters":{"action":"explode"}}`)
	if !strings.Contains(resp, "unknown action") {
		t.Errorf("response %q", resp)
	}
}

func TestRestartCommand(t *testing.T) {
	a := newTestApp(t)
	restarted := make(chan struct{}, 1)
	a.requestRestart = func() error {
		restarted <- struct{}{}
		return nil
	}

	resp := dispatchEnvelope(t, a, `{"command":"restart"}`)
	if resp != "System restart initiated" {
		t.Errorf("response %q", resp)
	}
	select {
	case <-restarted:
	case <-time.After(5 * time.Second):
		t.Fatal("restart never requested")
	}
}

func TestResponseCarriesTTL(t *testing.T) {
	a := newTestApp(t)
	dispatchEnvelope(t, a, `{"command":"status"}`)
	msgs := a.queue.List()
	if len(msgs) == 0 {
		t.Fatal("no queued response")
	}
	if msgs[len(msgs)-1].TTL != 5*time.Minute {
		t.Errorf("response TTL %s", msgs[len(msgs)-1].TTL)
	}
}
