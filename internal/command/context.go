package command

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/wordclock-io/clockd/pkg/wire"
)

const (
	// MaxParams bounds how many envelope parameters are bound per invocation.
	// Extra members are dropped with a warning.
	MaxParams = 8
	// MaxParamName is the longest parameter name kept; longer names are
	// truncated and accessors match against the truncated form.
	MaxParamName = 31
)

// Context carries one command invocation. Handlers borrow it for the duration
// of the call and must not retain it.
type Context struct {
	Command string
	Topic   string
	Payload []byte

	params   []binding
	response string
}

type binding struct {
	name     string
	value    any
	required bool
}

// extractParams walks the raw parameters object in document order, binding at
// most MaxParams members. A missing or non-object parameters field binds
// nothing. The second return reports whether members were dropped at the cap.
func extractParams(raw json.RawMessage) ([]binding, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil || tok != json.Delim('{') {
		return nil, false
	}
	var out []binding
	for dec.More() {
		if len(out) >= MaxParams {
			return out, true
		}
		keyTok, err := dec.Token()
		if err != nil {
			return out, false
		}
		name, ok := keyTok.(string)
		if !ok {
			return out, false
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return out, false
		}
		if len(name) > MaxParamName {
			name = name[:MaxParamName]
		}
		out = append(out, binding{name: name, value: value})
	}
	return out, false
}

// StringParam returns the named string parameter, or def when the parameter
// is absent or not a string.
func (c *Context) StringParam(name, def string) string {
	for _, b := range c.params {
		if b.name == name {
			if s, ok := b.value.(string); ok {
				return s
			}
		}
	}
	return def
}

// IntParam returns the named numeric parameter truncated toward zero, or def
// when the parameter is absent or not a number.
func (c *Context) IntParam(name string, def int) int {
	for _, b := range c.params {
		if b.name == name {
			if f, ok := b.value.(float64); ok {
				return int(f)
			}
		}
	}
	return def
}

// BoolParam returns the named boolean parameter, or def when the parameter is
// absent or not a boolean.
func (c *Context) BoolParam(name string, def bool) bool {
	for _, b := range c.params {
		if b.name == name {
			if v, ok := b.value.(bool); ok {
				return v
			}
		}
	}
	return def
}

// ParamCount reports how many parameters were bound.
func (c *Context) ParamCount() int { return len(c.params) }

// Respond records the handler's response string. Responses at or over the
// wire cap are truncated to wire.MaxResponseLen-1 bytes.
func (c *Context) Respond(s string) {
	if len(s) >= wire.MaxResponseLen {
		s = s[:wire.MaxResponseLen-1]
	}
	c.response = s
}

// Respondf formats a response via fmt and records it like Respond.
func (c *Context) Respondf(format string, args ...any) {
	c.Respond(fmt.Sprintf(format, args...))
}
