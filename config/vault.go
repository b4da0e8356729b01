package config

import (
	"fmt"

	"github.com/hashicorp/vault/api"
)

// SecretManager reads boot secrets out of Vault. The mains construct
// one when VAULT_ADDR is set and fold the result into the settings via
// ApplySecrets.
type SecretManager struct {
	client *api.Client
}

// NewSecretManager returns a Vault client for the given address
// authenticated with token.
func NewSecretManager(address, token string) (*SecretManager, error) {
	cfg := api.DefaultConfig()
	cfg.Address = address

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vault: client for %s: %w", address, err)
	}
	client.SetToken(token)

	return &SecretManager{client: client}, nil
}

// GetSecret reads the raw data map at path. KV v2 callers usually want
// GetKV2 instead, which unwraps the version envelope.
func (s *SecretManager) GetSecret(path string) (map[string]interface{}, error) {
	secret, err := s.client.Logical().Read(path)
	if err != nil {
		return nil, fmt.Errorf("vault: read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault: no data at %s", path)
	}
	return secret.Data, nil
}

// GetKV2 reads from a KV v2 backend and returns the inner "data" map.
func (s *SecretManager) GetKV2(path string) (map[string]interface{}, error) {
	raw, err := s.GetSecret(path)
	if err != nil {
		return nil, err
	}
	data, ok := raw["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("vault: %s is not a kv2 secret", path)
	}
	return data, nil
}
