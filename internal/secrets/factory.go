package secrets

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Config selects and configures the secrets backend.
type Config struct {
	// Backend is "1password", "local", "env", or "auto" (default).
	// "auto" uses 1Password when configured, an encrypted local store when a
	// passphrase is set, and the environment otherwise.
	Backend string

	// FilePath for the local encrypted store (default: <data_dir>/secrets.enc).
	FilePath string

	// Passphrase unseals the local store.
	// Set via environment: CLOCKD_SECRETS_PASSPHRASE
	Passphrase string

	OnePassword OnePasswordConfig
}

// ConfigFromEnv builds a Config from environment variables, with dataDir
// supplying the default local store path.
func ConfigFromEnv(backend, dataDir string) Config {
	return Config{
		Backend:    backend,
		FilePath:   filepath.Join(dataDir, "secrets.enc"),
		Passphrase: os.Getenv("CLOCKD_SECRETS_PASSPHRASE"),
		OnePassword: OnePasswordConfig{
			Host:    os.Getenv("OP_CONNECT_HOST"),
			Token:   os.Getenv("OP_CONNECT_TOKEN"),
			VaultID: os.Getenv("OP_VAULT_ID"),
		},
	}
}

// NewProvider builds the configured backend.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordProvider(cfg.OnePassword, logger)

	case "local":
		return NewLocalStore(cfg.FilePath, cfg.Passphrase, logger)

	case "env":
		return NewEnvProvider(), nil

	case "auto":
		if cfg.OnePassword.Token != "" {
			p, err := NewOnePasswordProvider(cfg.OnePassword, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back", "error", err)
			} else {
				return p, nil
			}
		}
		if cfg.Passphrase != "" {
			return NewLocalStore(cfg.FilePath, cfg.Passphrase, logger)
		}
		logger.Info("no secret backend configured, using environment variables")
		return NewEnvProvider(), nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
