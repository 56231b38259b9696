// Package configgen projects the current Provider/ProviderAccount state in
// the store into the sidecar's YAML configuration file, written atomically
// (temp file + rename) so a crash mid-write never leaves a half-written
// config behind.
package configgen

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/rakunlabs/gatehouse/internal/crypto"
	"github.com/rakunlabs/gatehouse/internal/store"
)

// sidecarConfig is the rendered shape of the sidecar's own YAML file. Field
// names and nesting are a gatehouse-side convention; the sidecar binary's
// actual schema is an external contract assumed fixed.
type sidecarConfig struct {
	ManagementAddr string           `yaml:"management_addr"`
	Providers      []sidecarProvider `yaml:"providers"`
}

type sidecarProvider struct {
	Name     string                 `yaml:"name"`
	Kind     string                 `yaml:"kind"`
	Settings map[string]any         `yaml:"settings,omitempty"`
	Accounts []sidecarAccount       `yaml:"accounts"`
}

type sidecarAccount struct {
	ID           string `yaml:"id"`
	Email        string `yaml:"email,omitempty"`
	AccessToken  string `yaml:"access_token"`
	RefreshToken string `yaml:"refresh_token,omitempty"`
}

// Render builds the sidecar YAML document for the current DB state.
// Deterministic: providers and accounts are sorted by name/id so identical
// DB state always produces byte-identical output.
func Render(ctx context.Context, managementAddr string, st interface {
	store.ProviderStorer
}, encKey []byte) ([]byte, error) {
	providers, err := st.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	sort.Slice(providers, func(i, j int) bool { return providers[i].Name < providers[j].Name })

	cfg := sidecarConfig{ManagementAddr: managementAddr}

	for _, p := range providers {
		if !p.Enabled {
			continue
		}

		accounts, err := st.ListProviderAccounts(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("list accounts for provider %q: %w", p.Name, err)
		}
		sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })

		sp := sidecarProvider{Name: p.Name, Kind: p.Kind, Settings: p.Settings}

		for _, a := range accounts {
			if a.Status != "active" {
				continue
			}

			pair, err := crypto.DecryptTokenPair(a.EncTokens, encKey)
			if err != nil {
				return nil, fmt.Errorf("decrypt tokens for account %q: %w", a.ID, err)
			}

			sp.Accounts = append(sp.Accounts, sidecarAccount{
				ID:           a.ID,
				Email:        a.Email,
				AccessToken:  pair.AccessToken,
				RefreshToken: pair.RefreshToken,
			})
		}

		cfg.Providers = append(cfg.Providers, sp)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encode sidecar yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close yaml encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteAtomic writes data to path via a temp file in the same directory
// followed by a rename, so readers (the sidecar on SIGHUP reload) never
// observe a partially-written file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp config into place: %w", err)
	}

	return nil
}

// Diff reports whether rendering state against the file currently on disk
// would change it, used by Supervisor.Reload to decide whether a restart is
// warranted.
func Diff(path string, rendered []byte) (bool, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read existing config: %w", err)
	}

	return !bytes.Equal(existing, rendered), nil
}
