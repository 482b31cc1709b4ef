// Package secrets holds secret values in memory with atomic hot reload,
// so credentials like webhook URLs can be rotated without a restart.
package secrets

import (
	"fmt"
	"os"
	"sync"
)

// Loader fetches secrets from their source. Implementations may read
// environment variables, files, or a remote store.
type Loader func() (map[string]string, error)

// EnvLoader returns a Loader that reads the given environment variables.
// Unset or empty variables are omitted.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// Vault caches loaded secrets and swaps them atomically on Reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault calls loader once to populate the vault.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" if absent.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Reload re-runs the loader and replaces all values. On loader error
// the previous values are kept.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}
