package command

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/wordclock-io/clockd/internal/schema"
	"github.com/wordclock-io/clockd/pkg/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MockValidator is a test validator for unit tests.
type MockValidator struct {
	ValidateFunc func(topic string, payload []byte) schema.Result
	Calls        int
}

func (m *MockValidator) Validate(topic string, payload []byte) schema.Result {
	m.Calls++
	if m.ValidateFunc != nil {
		return m.ValidateFunc(topic, payload)
	}
	return schema.Result{Outcome: schema.OutcomeOK}
}

func newProcessor(t *testing.T) *Processor {
	t.Helper()
	return NewProcessor(nil, testLogger())
}

func successDef(name, response string) Def {
	return Def{
		Name:    name,
		Enabled: true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			if response != "" {
				ctx.Respond(response)
			}
			return wire.ResultSuccess
		}),
	}
}

func findInfo(t *testing.T, p *Processor, name string) Info {
	t.Helper()
	for _, info := range p.List() {
		if info.Name == name {
			return info
		}
	}
	t.Fatalf("command %q not in List()", name)
	return Info{}
}

func TestProcessor_RegisterValidation(t *testing.T) {
	p := newProcessor(t)

	handler := HandlerFunc(func(*Context) wire.Result { return wire.ResultSuccess })
	tests := []struct {
		name string
		def  Def
	}{
		{"empty name", Def{Handler: handler}},
		{"nil handler", Def{Name: "x"}},
		{"over-long name", Def{Name: strings.Repeat("n", MaxNameLen+1), Handler: handler}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.Register(tt.def); !errors.Is(err, ErrInvalidDef) {
				t.Errorf("Register = %v, want ErrInvalidDef", err)
			}
		})
	}
}

func TestProcessor_RegisterCapacityAndReplace(t *testing.T) {
	p := newProcessor(t)

	for i := 0; i < MaxCommands; i++ {
		if err := p.Register(successDef(fmt.Sprintf("cmd%d", i), "")); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}
	if err := p.Register(successDef("overflow", "")); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("Register at capacity = %v, want ErrRegistryFull", err)
	}

	// Run cmd0 once so it has counters, then replace it.
	p.Execute("t", []byte(`{"command": "cmd0"}`))
	if got := findInfo(t, p, "cmd0").Executions; got != 1 {
		t.Fatalf("Executions before replace = %d, want 1", got)
	}

	if err := p.Register(successDef("cmd0", "new")); err != nil {
		t.Fatalf("replace at capacity: %v", err)
	}
	if p.Count() != MaxCommands {
		t.Errorf("Count after replace = %d, want %d", p.Count(), MaxCommands)
	}
	if got := findInfo(t, p, "cmd0").Executions; got != 0 {
		t.Errorf("Executions after replace = %d, want 0 (counters reset)", got)
	}
}

func TestProcessor_RemoveCompactsWithLastEntry(t *testing.T) {
	p := newProcessor(t)
	for _, name := range []string{"a", "b", "c"} {
		if err := p.Register(successDef(name, "")); err != nil {
			t.Fatalf("Register %s: %v", name, err)
		}
	}

	if !p.Remove("a") {
		t.Fatal("Remove(a) = false, want true")
	}
	if p.Remove("a") {
		t.Fatal("second Remove(a) = true, want false")
	}

	list := p.List()
	if len(list) != 2 || list[0].Name != "c" || list[1].Name != "b" {
		t.Errorf("registry after Remove = %v, want [c b]", list)
	}
}

func TestProcessor_ExecuteRestart(t *testing.T) {
	p := newProcessor(t)
	err := p.Register(Def{
		Name:        "restart",
		Description: "Restart the device",
		Enabled:     true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			ctx.Respond("System restart initiated")
			return wire.ResultSuccess
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, response := p.Execute("home/device/command",
		[]byte(`{"command": "restart", "parameters": {}}`))
	if result != wire.ResultSuccess {
		t.Fatalf("result = %v, want Success", result)
	}
	if response != "System restart initiated" {
		t.Errorf("response = %q", response)
	}

	info := findInfo(t, p, "restart")
	if info.Executions != 1 || info.Successes != 1 || info.Failures != 0 {
		t.Errorf("counters = %+v, want executions 1, successes 1, failures 0", info)
	}
	s := p.Stats()
	if s.TotalProcessed != 1 || s.Successful != 1 || s.Failed != 0 {
		t.Errorf("stats = %+v", s)
	}
	if s.LastCommand.IsZero() {
		t.Error("LastCommand not set")
	}
}

func TestProcessor_ExecuteUnknownCommand(t *testing.T) {
	p := newProcessor(t)

	result, _ := p.Execute("home/device/command",
		[]byte(`{"command": "unknown", "parameters": {}}`))
	if result != wire.ResultNotFound {
		t.Fatalf("result = %v, want NotFound", result)
	}
	s := p.Stats()
	if s.NotFound != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v, want NotFound 1, Failed 1", s)
	}
}

func TestProcessor_ExecuteMalformedJSON(t *testing.T) {
	p := newProcessor(t)
	invoked := false
	p.Register(Def{
		Name:    "probe",
		Enabled: true,
		Handler: HandlerFunc(func(*Context) wire.Result {
			invoked = true
			return wire.ResultSuccess
		}),
	})

	result, _ := p.Execute("home/device/command", []byte(`invalid_json`))
	if result != wire.ResultInvalidParams {
		t.Fatalf("result = %v, want InvalidParams", result)
	}
	if invoked {
		t.Error("handler invoked for malformed payload")
	}
	s := p.Stats()
	if s.TotalProcessed != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v, want TotalProcessed 1, Failed 1", s)
	}
}

func TestProcessor_ExecuteEnvelopeEdgeCases(t *testing.T) {
	p := newProcessor(t)

	tests := []struct {
		name    string
		payload string
		want    wire.Result
	}{
		{"missing command field", `{"parameters": {}}`, wire.ResultInvalidParams},
		{"numeric command field", `{"command": 42}`, wire.ResultInvalidParams},
		{"null command field", `{"command": null}`, wire.ResultInvalidParams},
		{"empty command string", `{"command": ""}`, wire.ResultNotFound},
		{"array payload", `[1, 2, 3]`, wire.ResultInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, _ := p.Execute("t", []byte(tt.payload))
			if result != tt.want {
				t.Errorf("result = %v, want %v", result, tt.want)
			}
		})
	}
}

func TestProcessor_HandlerResultPropagates(t *testing.T) {
	p := newProcessor(t)
	err := p.Register(Def{
		Name:    "set_brightness",
		Enabled: true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			v := ctx.IntParam("brightness", -1)
			if v < 0 || v > 255 {
				ctx.Respondf("brightness %d out of range", v)
				return wire.ResultInvalidParams
			}
			return wire.ResultSuccess
		}),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	result, response := p.Execute("home/device/command",
		[]byte(`{"command": "set_brightness", "parameters": {"brightness": 300}}`))
	if result != wire.ResultInvalidParams {
		t.Fatalf("result = %v, want InvalidParams", result)
	}
	// Failure responses still travel back to the caller.
	if response != "brightness 300 out of range" {
		t.Errorf("response = %q", response)
	}

	info := findInfo(t, p, "set_brightness")
	if info.Successes != 0 || info.Failures != 1 {
		t.Errorf("counters = %+v, want failures 1", info)
	}
}

func TestProcessor_DisabledCommandNotFound(t *testing.T) {
	p := newProcessor(t)
	def := successDef("ghost", "")
	def.Enabled = false
	p.Register(def)

	result, _ := p.Execute("t", []byte(`{"command": "ghost"}`))
	if result != wire.ResultNotFound {
		t.Errorf("result = %v, want NotFound", result)
	}
}

func TestProcessor_SchemaValidation(t *testing.T) {
	mv := &MockValidator{
		ValidateFunc: func(topic string, payload []byte) schema.Result {
			return schema.Result{
				Outcome: schema.OutcomeSchemaViolation,
				Message: "Missing required property: command",
				Path:    "/command",
			}
		},
	}
	p := NewProcessor(mv, testLogger())
	invoked := false
	p.Register(Def{
		Name:       "guarded",
		SchemaName: "guarded_schema",
		Enabled:    true,
		Handler: HandlerFunc(func(*Context) wire.Result {
			invoked = true
			return wire.ResultSuccess
		}),
	})

	result, _ := p.Execute("t", []byte(`{"command": "guarded"}`))
	if result != wire.ResultSchemaInvalid {
		t.Fatalf("result = %v, want SchemaInvalid", result)
	}
	if invoked {
		t.Error("handler invoked despite schema rejection")
	}
	if mv.Calls != 1 {
		t.Errorf("validator calls = %d, want 1", mv.Calls)
	}
	s := p.Stats()
	if s.SchemaFailures != 1 || s.Failed != 1 {
		t.Errorf("stats = %+v, want SchemaFailures 1, Failed 1", s)
	}

	// Passing validation lets the handler run.
	mv.ValidateFunc = nil
	result, _ = p.Execute("t", []byte(`{"command": "guarded"}`))
	if result != wire.ResultSuccess || !invoked {
		t.Errorf("result = %v, invoked = %v, want Success and invoked", result, invoked)
	}
}

func TestProcessor_SchemaSkippedWithoutName(t *testing.T) {
	mv := &MockValidator{}
	p := NewProcessor(mv, testLogger())
	p.Register(successDef("plain", ""))

	p.Execute("t", []byte(`{"command": "plain"}`))
	if mv.Calls != 0 {
		t.Errorf("validator calls = %d, want 0 for schema-less command", mv.Calls)
	}
}

func TestProcessor_ParameterExtraction(t *testing.T) {
	p := newProcessor(t)
	var got *Context
	p.Register(Def{
		Name:    "inspect",
		Enabled: true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			got = ctx
			return wire.ResultSuccess
		}),
	})

	payload := `{"command": "inspect", "parameters": {
		"mode": "fast",
		"level": 7.9,
		"dry_run": true,
		"shape": {"w": 1}
	}}`
	if result, _ := p.Execute("t", []byte(payload)); result != wire.ResultSuccess {
		t.Fatalf("result = %v", result)
	}

	if got.ParamCount() != 4 {
		t.Errorf("ParamCount = %d, want 4", got.ParamCount())
	}
	if v := got.StringParam("mode", "slow"); v != "fast" {
		t.Errorf("StringParam(mode) = %q", v)
	}
	if v := got.IntParam("level", 0); v != 7 {
		t.Errorf("IntParam(level) = %d, want 7 (truncated)", v)
	}
	if v := got.BoolParam("dry_run", false); v != true {
		t.Errorf("BoolParam(dry_run) = %v", v)
	}
	// Defaults on missing and on type mismatch.
	if v := got.StringParam("absent", "dflt"); v != "dflt" {
		t.Errorf("StringParam(absent) = %q", v)
	}
	if v := got.IntParam("mode", 9); v != 9 {
		t.Errorf("IntParam(mode) = %d, want default on type mismatch", v)
	}
	if v := got.BoolParam("shape", true); v != true {
		t.Errorf("BoolParam(shape) = %v, want default on type mismatch", v)
	}
}

func TestProcessor_ParameterCapAndTruncation(t *testing.T) {
	p := newProcessor(t)
	var got *Context
	p.Register(Def{
		Name:    "wide",
		Enabled: true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			got = ctx
			return wire.ResultSuccess
		}),
	})

	longName := strings.Repeat("k", 40)
	var members []string
	for i := 0; i < 10; i++ {
		members = append(members, fmt.Sprintf("%q: %d", fmt.Sprintf("p%d", i), i))
	}
	members = append(members, fmt.Sprintf("%q: 99", longName))
	payload := fmt.Sprintf(`{"command": "wide", "parameters": {%s}}`,
		strings.Join(members, ", "))

	if result, _ := p.Execute("t", []byte(payload)); result != wire.ResultSuccess {
		t.Fatalf("result = %v", result)
	}
	if got.ParamCount() != MaxParams {
		t.Fatalf("ParamCount = %d, want %d", got.ParamCount(), MaxParams)
	}
	// Document order wins: the first eight members survive.
	if v := got.IntParam("p7", -1); v != 7 {
		t.Errorf("IntParam(p7) = %d, want 7", v)
	}
	if v := got.IntParam("p8", -1); v != -1 {
		t.Errorf("IntParam(p8) = %d, want default (dropped at cap)", v)
	}

	// Long names are stored truncated and looked up by the truncated form.
	p.Execute("t", []byte(fmt.Sprintf(
		`{"command": "wide", "parameters": {%q: 5}}`, longName)))
	if v := got.IntParam(longName[:MaxParamName], -1); v != 5 {
		t.Errorf("IntParam(truncated) = %d, want 5", v)
	}
	if v := got.IntParam(longName, -1); v != -1 {
		t.Errorf("IntParam(full long name) = %d, want default", v)
	}
}

func TestProcessor_NonObjectParametersIgnored(t *testing.T) {
	p := newProcessor(t)
	var got *Context
	p.Register(Def{
		Name:    "loose",
		Enabled: true,
		Handler: HandlerFunc(func(ctx *Context) wire.Result {
			got = ctx
			return wire.ResultSuccess
		}),
	})

	for _, payload := range []string{
		`{"command": "loose"}`,
		`{"command": "loose", "parameters": 5}`,
		`{"command": "loose", "parameters": [1, 2]}`,
		`{"command": "loose", "parameters": null}`,
	} {
		result, _ := p.Execute("t", []byte(payload))
		if result != wire.ResultSuccess {
			t.Errorf("Execute(%s) = %v, want Success", payload, result)
		}
		if got.ParamCount() != 0 {
			t.Errorf("ParamCount(%s) = %d, want 0", payload, got.ParamCount())
		}
	}
}

func TestProcessor_ResponseTruncation(t *testing.T) {
	p := newProcessor(t)
	p.Register(successDef("verbose", strings.Repeat("x", 600)))

	_, response := p.Execute("t", []byte(`{"command": "verbose"}`))
	if len(response) != wire.MaxResponseLen-1 {
		t.Errorf("len(response) = %d, want %d", len(response), wire.MaxResponseLen-1)
	}
}

func TestProcessor_ResetStatsKeepsRegisteredCount(t *testing.T) {
	p := newProcessor(t)
	p.Register(successDef("a", ""))
	p.Execute("t", []byte(`{"command": "a"}`))

	p.ResetStats()
	s := p.Stats()
	if s.TotalProcessed != 0 || s.Successful != 0 {
		t.Errorf("stats after reset = %+v", s)
	}
	if s.RegisteredCommands != 1 {
		t.Errorf("RegisteredCommands = %d, want 1", s.RegisteredCommands)
	}
}

func TestProcessor_Closed(t *testing.T) {
	p := newProcessor(t)
	p.Register(successDef("a", ""))
	p.Close()

	if result, _ := p.Execute("t", []byte(`{"command": "a"}`)); result != wire.ResultSystemError {
		t.Errorf("Execute after Close = %v, want SystemError", result)
	}
	if err := p.Register(successDef("b", "")); !errors.Is(err, ErrClosed) {
		t.Errorf("Register after Close = %v, want ErrClosed", err)
	}
}
