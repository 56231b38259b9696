// Package runtimeconfig holds the admin-editable settings surfaced at
// GET/PUT /api/config: unlike internal/config.Config (loaded once at
// process start via chu), these fields live in gh_settings and can change
// without a gatehouse restart.
package runtimeconfig

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/gatehouse/internal/store"
)

const settingKey = "global_config"

// Config is the admin-editable runtime configuration. ModelMappings and
// LoadBalancing are read live by the gateway on every request; AutoStartProxy
// only takes effect on the next gatehouse start.
type Config struct {
	LoadBalancing  string            `json:"load_balancing"`
	TimeoutSeconds int               `json:"timeout_seconds"`
	RequestRetry   int               `json:"request_retry"`
	AutoStartProxy bool              `json:"auto_start_proxy"`
	ModelMappings  map[string]string `json:"model_mappings"`
}

func Default() Config {
	return Config{
		LoadBalancing:  "round_robin",
		TimeoutSeconds: 120,
		RequestRetry:   0,
		AutoStartProxy: true,
		ModelMappings:  map[string]string{},
	}
}

// Load reads the current runtime config, falling back to Default() if unset
// or unreadable (a corrupt settings row should never block requests).
func Load(ctx context.Context, st store.SettingsStorer) (Config, error) {
	raw, ok, err := st.GetSetting(ctx, settingKey)
	if err != nil {
		return Config{}, err
	}
	if !ok {
		return Default(), nil
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return Default(), nil
	}
	if cfg.ModelMappings == nil {
		cfg.ModelMappings = map[string]string{}
	}
	return cfg, nil
}

// Save persists cfg as the current runtime config.
func Save(ctx context.Context, st store.SettingsStorer, cfg Config) error {
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return st.SetSetting(ctx, settingKey, string(encoded))
}

// Resolver returns a closure suitable for gateway.Handler.SetModelResolver:
// it re-reads the live setting on every call (settings reads are served from
// the store's invalidate-on-write in-memory cache, so this never hits disk
// on the hot path) and looks model up in ModelMappings.
func Resolver(st store.SettingsStorer) func(model string) string {
	return func(model string) string {
		cfg, err := Load(context.Background(), st)
		if err != nil {
			return ""
		}
		return cfg.ModelMappings[model]
	}
}
