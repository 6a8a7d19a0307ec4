// Package wire defines the message shapes shared between the clockd daemon
// and external tooling: the inbound command envelope, command result codes,
// the OTA version manifest, and the published device status document.
//
// Everything here crosses the MQTT or HTTPS boundary and is therefore
// JSON-serializable and versionless by design: fields are only ever added.
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// Envelope is the inbound command envelope. The payload published to the
// command topic must be a JSON object with a required string field "command"
// and an optional object field "parameters".
type Envelope struct {
	Command    string                     `json:"command"`
	Parameters map[string]json.RawMessage `json:"parameters,omitempty"`
}

// Result is the outcome of one command execution.
type Result int

const (
	ResultSuccess         Result = 0
	ResultInvalidParams   Result = 1
	ResultExecutionFailed Result = 2
	ResultNotFound        Result = 3
	ResultSchemaInvalid   Result = 4
	ResultSystemError     Result = 5
)

// String returns the canonical lower_snake name used in logs and responses.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultInvalidParams:
		return "invalid_params"
	case ResultExecutionFailed:
		return "execution_failed"
	case ResultNotFound:
		return "not_found"
	case ResultSchemaInvalid:
		return "schema_invalid"
	case ResultSystemError:
		return "system_error"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// MaxResponseLen caps the handler response string, terminator excluded.
const MaxResponseLen = 512

var sha256Hex = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// Manifest describes an available firmware image, fetched over HTTPS from
// the update endpoint.
type Manifest struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Validate enforces the manifest contract: a non-empty version, a positive
// image size, and a 64-hex-char digest.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return fmt.Errorf("manifest version is required")
	}
	if m.SizeBytes <= 0 {
		return fmt.Errorf("manifest size_bytes must be positive, got %d", m.SizeBytes)
	}
	if !sha256Hex.MatchString(m.SHA256) {
		return fmt.Errorf("manifest sha256 must be 64 hex characters")
	}
	return nil
}

// Status is the device status document published on the status topic and
// returned by the builtin "status" command.
type Status struct {
	Device          string `json:"device"`
	FirmwareVersion string `json:"firmware_version"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
	FreeMemoryBytes uint64 `json:"free_memory_bytes,omitempty"`
	UsedMemoryPct   float64 `json:"used_memory_pct,omitempty"`
	QueueDepth      int    `json:"queue_depth"`
	QueuePeak       int    `json:"queue_peak"`
	OTAState        string `json:"ota_state"`
	Timestamp       int64  `json:"timestamp"`
}
