// Package command decodes inbound command envelopes and dispatches them to
// registered handlers, tracking per-command and processor-wide statistics.
package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wordclock-io/clockd/internal/schema"
	"github.com/wordclock-io/clockd/pkg/wire"
)

const (
	// MaxCommands bounds the handler registry.
	MaxCommands = 16
	// MaxNameLen bounds a command name.
	MaxNameLen = 32
)

var (
	ErrInvalidDef   = errors.New("command: invalid definition")
	ErrRegistryFull = errors.New("command: registry full")
	ErrClosed       = errors.New("command: processor closed")
)

// Handler executes one command invocation. The processor mutex is held across
// the call, so implementations must not call back into the Processor.
type Handler interface {
	Execute(ctx *Context) wire.Result
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(*Context) wire.Result

func (f HandlerFunc) Execute(ctx *Context) wire.Result { return f(ctx) }

// Validator checks a raw payload against the schema registered for a topic.
// *schema.Registry satisfies it.
type Validator interface {
	Validate(topic string, payload []byte) schema.Result
}

// Def declares a named command.
type Def struct {
	Name        string
	Description string
	// SchemaName, when non-empty, routes the raw payload through the
	// validator before the handler runs.
	SchemaName string
	Handler    Handler
	Enabled    bool
}

// Info is a read-only view of a registered command and its counters.
type Info struct {
	Name          string
	Description   string
	SchemaName    string
	Enabled       bool
	Executions    uint64
	Successes     uint64
	Failures      uint64
	LastExecution time.Time
}

// Stats holds the processor-wide counters, copied out under the mutex.
type Stats struct {
	TotalProcessed     uint64
	Successful         uint64
	Failed             uint64
	NotFound           uint64
	SchemaFailures     uint64
	RegisteredCommands int
	LastCommand        time.Time
}

type entry struct {
	def           Def
	executions    uint64
	successes     uint64
	failures      uint64
	lastExecution time.Time
}

// Processor owns the command registry and dispatches envelopes to handlers.
type Processor struct {
	mu        sync.Mutex
	commands  []*entry
	validator Validator
	stats     Stats
	closed    bool
	logger    *slog.Logger
}

// NewProcessor returns a ready processor. validator may be nil when no
// registered command carries a schema name.
func NewProcessor(validator Validator, logger *slog.Logger) *Processor {
	return &Processor{
		commands:  make([]*entry, 0, MaxCommands),
		validator: validator,
		logger:    logger.With("component", "command"),
	}
}

// Register adds def to the registry. Registering an existing name replaces
// the definition in place and resets its counters.
func (p *Processor) Register(def Def) error {
	if def.Name == "" || len(def.Name) > MaxNameLen || def.Handler == nil {
		return fmt.Errorf("%w: name and handler are required", ErrInvalidDef)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	for _, e := range p.commands {
		if e.def.Name == def.Name {
			p.logger.Warn("replacing registered command", "command", def.Name)
			*e = entry{def: def}
			return nil
		}
	}
	if len(p.commands) >= MaxCommands {
		return fmt.Errorf("%w: %d commands", ErrRegistryFull, MaxCommands)
	}
	p.commands = append(p.commands, &entry{def: def})
	p.logger.Info("registered command", "command", def.Name, "schema", def.SchemaName)
	return nil
}

// Remove deletes the named command, compacting the registry by moving the
// last entry into the gap. It reports whether the name was present.
func (p *Processor) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	for i, e := range p.commands {
		if e.def.Name == name {
			last := len(p.commands) - 1
			p.commands[i] = p.commands[last]
			p.commands[last] = nil
			p.commands = p.commands[:last]
			return true
		}
	}
	return false
}

// Clear removes every registered command.
func (p *Processor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commands = make([]*entry, 0, MaxCommands)
}

// Close clears the registry and rejects all further calls.
func (p *Processor) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.commands = nil
}

// List returns a snapshot of every registered command with its counters.
func (p *Processor) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Info, 0, len(p.commands))
	for _, e := range p.commands {
		out = append(out, Info{
			Name:          e.def.Name,
			Description:   e.def.Description,
			SchemaName:    e.def.SchemaName,
			Enabled:       e.def.Enabled,
			Executions:    e.executions,
			Successes:     e.successes,
			Failures:      e.failures,
			LastExecution: e.lastExecution,
		})
	}
	return out
}

// Count reports the number of registered commands.
func (p *Processor) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.commands)
}

// Stats returns a copy of the processor counters.
func (p *Processor) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.RegisteredCommands = len(p.commands)
	return s
}

// ResetStats zeroes the processor counters. The registered-command count is
// derived from the registry and survives the reset.
func (p *Processor) ResetStats() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = Stats{}
}

// Execute decodes the envelope in payload and runs the matching handler. The
// whole call, handler included, runs under the processor mutex. The returned
// response is whatever the handler wrote via Respond, for any result code;
// callers publish it whenever it is non-empty.
func (p *Processor) Execute(topic string, payload []byte) (wire.Result, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return wire.ResultSystemError, ""
	}

	p.stats.TotalProcessed++
	p.stats.LastCommand = time.Now()

	var env struct {
		Command    json.RawMessage `json:"command"`
		Parameters json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		p.logger.Error("invalid command payload", "topic", topic, "error", err)
		p.stats.Failed++
		return wire.ResultInvalidParams, ""
	}
	if env.Command == nil {
		p.logger.Error("missing 'command' field", "topic", topic)
		p.stats.Failed++
		return wire.ResultInvalidParams, ""
	}
	// Decoding through a pointer distinguishes JSON null from a string.
	var namePtr *string
	if err := json.Unmarshal(env.Command, &namePtr); err != nil || namePtr == nil {
		p.logger.Error("non-string 'command' field", "topic", topic)
		p.stats.Failed++
		return wire.ResultInvalidParams, ""
	}
	name := *namePtr

	e := p.find(name)
	if e == nil || !e.def.Enabled {
		p.logger.Warn("command not found", "command", name)
		p.stats.NotFound++
		p.stats.Failed++
		return wire.ResultNotFound, ""
	}

	if e.def.SchemaName != "" && p.validator != nil {
		if res := p.validator.Validate(topic, payload); !res.OK() {
			p.logger.Warn("schema validation failed",
				"command", name, "message", res.Message, "path", res.Path)
			p.stats.SchemaFailures++
			p.stats.Failed++
			return wire.ResultSchemaInvalid, ""
		}
	}

	params, overflow := extractParams(env.Parameters)
	if overflow {
		p.logger.Warn("parameter cap reached, extras ignored",
			"command", name, "cap", MaxParams)
	}

	ctx := &Context{
		Command: name,
		Topic:   topic,
		Payload: payload,
		params:  params,
	}

	e.executions++
	e.lastExecution = time.Now()

	result := e.def.Handler.Execute(ctx)

	if result == wire.ResultSuccess {
		e.successes++
		p.stats.Successful++
		p.logger.Debug("command succeeded", "command", name)
	} else {
		e.failures++
		p.stats.Failed++
		p.logger.Warn("command failed", "command", name, "result", result.String())
	}

	return result, ctx.response
}

func (p *Processor) find(name string) *entry {
	for _, e := range p.commands {
		if e.def.Name == name {
			return e
		}
	}
	return nil
}
