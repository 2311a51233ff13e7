// Package vault provides the secret-store client used in self-hosted
// deployments to resolve the server key.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/vault/api"
)

// SecretKeyField is the KV field holding the server key.
const SecretKeyField = "secret_key"

// Client wraps the HashiCorp Vault API client for KV v2 reads and
// writes under a single mount.
type Client struct {
	client *api.Client
	logger *slog.Logger
}

// Config holds configuration for the Vault client.
type Config struct {
	Address string
	Token   string
	Timeout time.Duration
}

// New creates a new Vault client with the given configuration.
func New(cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vault: config is required")
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("vault: address is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	vaultCfg := api.DefaultConfig()
	vaultCfg.Address = cfg.Address
	if cfg.Timeout > 0 {
		vaultCfg.Timeout = cfg.Timeout
	}

	client, err := api.NewClient(vaultCfg)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	logger.Info("vault client created", "address", cfg.Address)
	return &Client{client: client, logger: logger}, nil
}

// SecretKey reads the server key from the KV v2 secret at path under
// the "secret" mount.
func (c *Client) SecretKey(ctx context.Context, path string) (string, error) {
	secret, err := c.client.KVv2("secret").Get(ctx, path)
	if err != nil {
		return "", fmt.Errorf("vault: read secret %s: %w", path, err)
	}
	value, ok := secret.Data[SecretKeyField].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault: secret %s has no %s field", path, SecretKeyField)
	}
	return value, nil
}

// PutSecretKey stores the server key at path. Startup seeds the secret
// store with the environment key through this when the secret is absent.
func (c *Client) PutSecretKey(ctx context.Context, path, value string) error {
	_, err := c.client.KVv2("secret").Put(ctx, path, map[string]any{
		SecretKeyField: value,
	})
	if err != nil {
		return fmt.Errorf("vault: write secret %s: %w", path, err)
	}
	c.logger.Info("server key stored", "path", path)
	return nil
}

// Health reports whether the Vault server is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return fmt.Errorf("vault: health check failed: %w", err)
	}
	if health.Sealed {
		return fmt.Errorf("vault: server is sealed")
	}
	return nil
}
