package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider reads secrets from environment variables. A secret named
// broker_password maps to CLOCKD_SECRET_BROKER_PASSWORD. Intended for
// development and container deployments where the orchestrator injects
// credentials.
type EnvProvider struct{}

// NewEnvProvider returns the environment-backed provider.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

func envVarFor(name string) string {
	return "CLOCKD_SECRET_" + strings.ToUpper(name)
}

func (p *EnvProvider) Get(_ context.Context, name string) (string, error) {
	v, ok := os.LookupEnv(envVarFor(name))
	if !ok {
		return "", fmt.Errorf("%w: %s (%s unset)", ErrNotFound, name, envVarFor(name))
	}
	return v, nil
}

func (p *EnvProvider) Close() error { return nil }
