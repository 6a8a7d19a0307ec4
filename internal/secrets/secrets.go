// Package secrets resolves sensitive values the daemon needs at startup,
// chiefly the MQTT broker credentials. Backends range from plain environment
// variables for development to an encrypted local file or a 1Password Connect
// vault for managed fleets.
package secrets

import (
	"context"
	"errors"
)

// Well-known secret names.
const (
	BrokerUsername = "broker_username"
	BrokerPassword = "broker_password"
)

// ErrNotFound is returned when a backend has no value for the requested name.
var ErrNotFound = errors.New("secrets: not found")

// Provider resolves named secrets.
type Provider interface {
	// Get returns the secret value, or ErrNotFound.
	Get(ctx context.Context, name string) (string, error)
	// Close releases backend resources.
	Close() error
}
