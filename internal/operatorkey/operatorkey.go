// Package operatorkey manages the single operator secret key used to sign
// bot-originated transactions. It never holds user secret keys (non-goal);
// it is Vault-backed when enabled, falling back to an in-memory cache
// seeded from the OPERATOR_SECRET_KEY environment variable otherwise.
package operatorkey

import (
	"context"
	"fmt"
	"sync"

	"positionbot/config"
	"positionbot/internal/logging"

	"github.com/hashicorp/vault/api"
)

// ErrOperatorKeyMissing mirrors positions.ErrOperatorKeyMissing; the
// process aborts (fatal, per the error handling design) if this is
// returned during startup.
var ErrOperatorKeyMissing = fmt.Errorf("operator key missing")

// Manager owns the operator secret key, cached in memory and optionally
// mirrored to/from Vault.
type Manager struct {
	client *api.Client
	config config.VaultConfig

	mu    sync.RWMutex
	cache string // the operator secret key, base58 or raw bytes-as-string depending on wallet format
}

// NewManager builds a Manager. If cfg.Enabled is false, it operates purely
// against the in-memory cache seeded by Seed.
func NewManager(cfg config.VaultConfig) (*Manager, error) {
	if !cfg.Enabled {
		return &Manager{config: cfg}, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.Address

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}
	client.SetToken(cfg.Token)

	return &Manager{client: client, config: cfg}, nil
}

// Seed installs the fallback operator key read from the environment,
// called once at startup before the Vault-enabled path is consulted.
func (m *Manager) Seed(secretKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = secretKey
}

func (m *Manager) secretPath() string {
	return fmt.Sprintf("%s/data/%s", m.config.MountPath, m.config.SecretPath)
}

// Key returns the operator secret key, preferring the in-memory cache and
// falling back to Vault when enabled and the cache is empty.
func (m *Manager) Key(ctx context.Context) (string, error) {
	m.mu.RLock()
	cached := m.cache
	m.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	if !m.config.Enabled || m.client == nil {
		return "", ErrOperatorKeyMissing
	}

	secret, err := m.client.Logical().ReadWithContext(ctx, m.secretPath())
	if err != nil {
		return "", fmt.Errorf("read operator key from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", ErrOperatorKeyMissing
	}

	data, _ := secret.Data["data"].(map[string]interface{})
	key, _ := data["secret_key"].(string)
	if key == "" {
		return "", ErrOperatorKeyMissing
	}

	m.mu.Lock()
	m.cache = key
	m.mu.Unlock()
	return key, nil
}

// Rotate stores a new operator key both in Vault (if enabled) and the
// in-memory cache.
func (m *Manager) Rotate(ctx context.Context, newKey string) error {
	if m.config.Enabled && m.client != nil {
		secretData := map[string]interface{}{
			"data": map[string]interface{}{"secret_key": newKey},
		}
		if _, err := m.client.Logical().WriteWithContext(ctx, m.secretPath(), secretData); err != nil {
			return fmt.Errorf("write operator key to vault: %w", err)
		}
	}

	m.mu.Lock()
	m.cache = newKey
	m.mu.Unlock()

	logging.Component("operatorkey").Info().Msg("operator key rotated")
	return nil
}

// Health checks Vault connectivity when enabled; a no-op success when
// Vault is disabled since the in-memory/env fallback has no connection to
// verify.
func (m *Manager) Health(ctx context.Context) error {
	if !m.config.Enabled || m.client == nil {
		return nil
	}
	health, err := m.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault is sealed")
	}
	return nil
}
