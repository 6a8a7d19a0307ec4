package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// OnePasswordProvider resolves secrets from a 1Password Connect vault. Each
// secret is an item whose title matches the secret name; the value is read
// from the item's "credential" or "password" field.
type OnePasswordProvider struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig holds 1Password Connect settings.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_CONNECT_TOKEN
	VaultID string // OP_VAULT_ID
}

// NewOnePasswordProvider builds the Connect-backed provider.
func NewOnePasswordProvider(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordProvider, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	return &OnePasswordProvider{
		client:  connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "clockd"),
		vaultID: cfg.VaultID,
		logger:  logger.With("component", "secrets"),
		cache:   make(map[string]string),
	}, nil
}

func (p *OnePasswordProvider) Get(_ context.Context, name string) (string, error) {
	p.mu.RLock()
	if v, ok := p.cache[name]; ok {
		p.mu.RUnlock()
		return v, nil
	}
	p.mu.RUnlock()

	items, err := p.client.GetItemsByTitle(name, p.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	item, err := p.client.GetItem(items[0].ID, p.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	for _, field := range item.Fields {
		if field.ID == "credential" || field.ID == "password" {
			p.mu.Lock()
			p.cache[name] = field.Value
			p.mu.Unlock()
			return field.Value, nil
		}
	}
	return "", fmt.Errorf("%w: item %s has no credential field", ErrNotFound, name)
}

func (p *OnePasswordProvider) Close() error {
	p.mu.Lock()
	p.cache = make(map[string]string)
	p.mu.Unlock()
	return nil
}

// isNotFoundError checks whether a Connect API error means the item is
// missing rather than the call failing.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "not found") ||
		strings.Contains(msg, "404") ||
		strings.Contains(msg, "no items")
}
