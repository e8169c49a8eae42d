package config

import (
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/vault/api"
)

// VaultClient reads service secrets from HashiCorp Vault
type VaultClient struct {
	client *api.Client
}

// NewVaultClient creates a new Vault client
func NewVaultClient(address, token string) (*VaultClient, error) {
	cfg := &api.Config{
		Address: address,
		HttpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(token)

	return &VaultClient{client: client}, nil
}

// ReadSecrets returns the string values stored at path. KV v2 responses nest the
// values under "data"; both layouts are accepted.
func (v *VaultClient) ReadSecrets(path string) (map[string]string, error) {
	secret, err := v.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret from %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("no secret data found at %s", path)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]interface{}); ok {
		data = nested
	}

	out := make(map[string]string, len(data))
	for key, value := range data {
		if s, ok := value.(string); ok {
			out[key] = s
		}
	}
	return out, nil
}

// ApplyVaultSecrets overrides secret fields of cfg with values from Vault.
// Missing keys leave the configured value in place.
func ApplyVaultSecrets(cfg *Config, secrets map[string]string) {
	if s := secrets["stripe_secret_key"]; s != "" {
		cfg.Stripe.SecretKey = s
	}
	if s := secrets["stripe_webhook_secret"]; s != "" {
		cfg.Stripe.WebhookSecret = s
	}
	if s := secrets["admin_jwt_secret"]; s != "" {
		cfg.Admin.JWTSecret = s
	}
	if s := secrets["database_password"]; s != "" {
		cfg.Database.Password = s
	}
	if s := secrets["redis_password"]; s != "" {
		cfg.Redis.Password = s
	}
}
