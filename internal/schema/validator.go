package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Outcome tags a validation result.
type Outcome int

const (
	// OutcomeOK means the payload satisfied the schema.
	OutcomeOK Outcome = iota
	// OutcomeSchemaNotFound means no enabled schema matched the topic.
	OutcomeSchemaNotFound
	// OutcomeParseError means the payload was not valid JSON.
	OutcomeParseError
	// OutcomeSchemaViolation means a schema rule rejected the payload.
	OutcomeSchemaViolation
)

// Result reports one validation. Constructed per call, never retained.
type Result struct {
	Outcome Outcome
	// Message is a human-readable description of the first failure.
	Message string
	// Path locates the failing value as a JSON-pointer-style path.
	Path string
	// Offset is the byte offset of the first bad byte on parse errors.
	Offset int64
}

// OK reports whether the payload passed.
func (r Result) OK() bool { return r.Outcome == OutcomeOK }

// Validate looks up the schema for topic and evaluates payload against it.
// The call is pure in (registry contents, topic, payload): repeated calls
// yield identical results.
//
// Counters only move for validations that reach rule evaluation; a missing
// schema or a malformed payload leaves them untouched.
func (r *Registry) Validate(topic string, payload []byte) Result {
	r.mu.Lock()
	def, found := r.findLocked(topic)
	r.mu.Unlock()

	if !found {
		return Result{
			Outcome: OutcomeSchemaNotFound,
			Message: fmt.Sprintf("No schema found for topic: %s", topic),
		}
	}

	var value any
	if err := json.Unmarshal(payload, &value); err != nil {
		return Result{
			Outcome: OutcomeParseError,
			Message: "Invalid JSON payload",
			Offset:  parseOffset(err),
		}
	}

	var rules any
	if err := json.Unmarshal([]byte(def.Body), &rules); err != nil {
		return Result{
			Outcome: OutcomeSchemaViolation,
			Message: fmt.Sprintf("Invalid schema JSON for topic: %s", topic),
		}
	}

	node, ok := rules.(map[string]any)
	if !ok {
		return Result{
			Outcome: OutcomeSchemaViolation,
			Message: fmt.Sprintf("Invalid schema JSON for topic: %s", topic),
		}
	}

	v := evaluate(value, node)

	r.mu.Lock()
	r.stats.TotalValidations++
	r.stats.LastValidation = time.Now()
	if v == nil {
		r.stats.SuccessfulValidations++
	} else {
		r.stats.FailedValidations++
	}
	r.mu.Unlock()

	if v == nil {
		return Result{Outcome: OutcomeOK}
	}
	r.logger.Warn("validation failed", "topic", topic, "message", v.message, "path", v.path)
	return Result{Outcome: OutcomeSchemaViolation, Message: v.message, Path: v.path}
}

// parseOffset extracts the index of the first bad byte from a JSON error.
// encoding/json reports the offset after the failing byte.
func parseOffset(err error) int64 {
	var syn *json.SyntaxError
	if errors.As(err, &syn) {
		if syn.Offset > 0 {
			return syn.Offset - 1
		}
	}
	return 0
}

type violation struct {
	message string
	path    string
}

// evaluate walks (value, schema) recursively and returns the first rule
// violation, or nil when the value conforms. Supported keywords: type,
// properties, required, minimum, maximum, enum. Unknown keywords and
// unknown type names are silently ignored.
func evaluate(value any, node map[string]any) *violation {
	want, ok := node["type"].(string)
	if !ok {
		return &violation{message: "Schema missing or invalid 'type' field"}
	}

	switch want {
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return &violation{message: fmt.Sprintf("Expected object, got %s", typeName(value))}
		}
	case "string":
		if _, ok := value.(string); !ok {
			return &violation{message: fmt.Sprintf("Expected string, got %s", typeName(value))}
		}
	case "number":
		num, ok := value.(float64)
		if !ok {
			return &violation{message: fmt.Sprintf("Expected number, got %s", typeName(value))}
		}
		if min, ok := node["minimum"].(float64); ok && num < min {
			return &violation{message: fmt.Sprintf("Number %.2f is below minimum %.2f", num, min)}
		}
		if max, ok := node["maximum"].(float64); ok && num > max {
			return &violation{message: fmt.Sprintf("Number %.2f is above maximum %.2f", num, max)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &violation{message: fmt.Sprintf("Expected boolean, got %s", typeName(value))}
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return &violation{message: fmt.Sprintf("Expected array, got %s", typeName(value))}
		}
	}

	if want == "object" {
		obj := value.(map[string]any)

		// Required membership is checked before property recursion.
		if required, ok := node["required"].([]any); ok {
			for _, item := range required {
				name, ok := item.(string)
				if !ok {
					continue
				}
				if _, present := obj[name]; !present {
					return &violation{
						message: fmt.Sprintf("Missing required property: %s", name),
						path:    "/" + name,
					}
				}
			}
		}

		if props, ok := node["properties"].(map[string]any); ok {
			// Properties are visited in sorted name order so repeated
			// validations of the same payload report the same violation.
			names := make([]string, 0, len(obj))
			for name := range obj {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				propSchema, ok := props[name].(map[string]any)
				if !ok {
					continue
				}
				if v := evaluate(obj[name], propSchema); v != nil {
					if v.path != "" {
						v.path = "/" + name + v.path
					} else {
						v.path = "/" + name
					}
					return v
				}
			}
		}
	}

	if want == "string" {
		if enum, ok := node["enum"].([]any); ok {
			str := value.(string)
			allowed := false
			for _, item := range enum {
				if s, ok := item.(string); ok && s == str {
					allowed = true
					break
				}
			}
			if !allowed {
				return &violation{message: fmt.Sprintf("String '%s' is not in allowed enum values", str)}
			}
		}
	}

	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	default:
		return "unknown"
	}
}
