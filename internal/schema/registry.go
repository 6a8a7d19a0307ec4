// Package schema maps inbound topics to JSON schemas and validates payloads
// against them before command dispatch.
//
// The registry holds at most MaxSchemas definitions, keyed by unique name.
// Topic matching is exact string equality: the broker-style wildcards '+'
// and '#' are reserved for a future extension and currently never match.
package schema

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// MaxSchemas caps the registry size.
	MaxSchemas = 32
	// MaxNameLen caps a schema name.
	MaxNameLen = 64
	// MaxTopicLen caps a topic pattern.
	MaxTopicLen = 128
)

var (
	// ErrInvalidDef is returned for definitions with empty or over-long fields.
	ErrInvalidDef = errors.New("schema: invalid definition")
	// ErrRegistryFull is returned when MaxSchemas definitions are registered.
	ErrRegistryFull = errors.New("schema: registry full")
)

// Def is one registered schema. The body is immutable after registration;
// re-registering the same name replaces the whole entry.
type Def struct {
	Name         string
	TopicPattern string
	Body         string
	Hash         uint32
	Enabled      bool
}

// Stats is a snapshot of validator counters. Validations that never reach
// rule evaluation (no schema for topic, unparseable payload) count toward
// none of the three counters.
type Stats struct {
	TotalValidations      uint64
	SuccessfulValidations uint64
	FailedValidations     uint64
	SchemaCount           int
	LastValidation        time.Time
}

// Registry owns the schema table and the validation counters.
type Registry struct {
	mu      sync.Mutex
	schemas []Def
	stats   Stats
	logger  *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{logger: logger.With("component", "schema_registry")}
}

// hashDef folds the schema name and body length into the advisory
// change-detection hash. Equal hashes do not imply equal schemas.
func hashDef(name, body string) uint32 {
	var h uint32
	for i := 0; i < len(name); i++ {
		h = h*31 + uint32(name[i])
	}
	h += uint32(len(body))
	return h
}

// Register adds a definition or replaces the entry with the same name.
// The stored hash is recomputed either way.
func (r *Registry) Register(def Def) error {
	if def.Name == "" || def.TopicPattern == "" || def.Body == "" {
		return ErrInvalidDef
	}
	if len(def.Name) > MaxNameLen || len(def.TopicPattern) > MaxTopicLen {
		return ErrInvalidDef
	}
	def.Hash = hashDef(def.Name, def.Body)

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.schemas {
		if r.schemas[i].Name == def.Name {
			r.schemas[i] = def
			r.logger.Debug("schema replaced", "name", def.Name, "hash", def.Hash)
			return nil
		}
	}
	if len(r.schemas) >= MaxSchemas {
		return ErrRegistryFull
	}
	r.schemas = append(r.schemas, def)
	r.stats.SchemaCount = len(r.schemas)
	r.logger.Debug("schema registered", "name", def.Name, "topic", def.TopicPattern)
	return nil
}

// FindForTopic returns the first enabled definition whose pattern matches
// the topic exactly.
func (r *Registry) FindForTopic(topic string) (Def, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(topic)
}

func (r *Registry) findLocked(topic string) (Def, bool) {
	for i := range r.schemas {
		if r.schemas[i].Enabled && r.schemas[i].TopicPattern == topic {
			return r.schemas[i], true
		}
	}
	return Def{}, false
}

// Remove deletes the named definition, reporting whether it existed.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.schemas {
		if r.schemas[i].Name == name {
			r.schemas = append(r.schemas[:i], r.schemas[i+1:]...)
			r.stats.SchemaCount = len(r.schemas)
			return true
		}
	}
	return false
}

// Clear drops every definition.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas = nil
	r.stats.SchemaCount = 0
}

// List returns a copy of all definitions in registration order.
func (r *Registry) List() []Def {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Def, len(r.schemas))
	copy(out, r.schemas)
	return out
}

// Count returns the number of registered definitions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.schemas)
}

// Stats returns a copy of the counters.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.SchemaCount = len(r.schemas)
	return s
}

// ResetStats zeroes the validation counters, keeping the schema count.
func (r *Registry) ResetStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = Stats{SchemaCount: len(r.schemas)}
}
