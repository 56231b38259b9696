package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/config"
	"github.com/rakunlabs/gatehouse/internal/gateway"
	"github.com/rakunlabs/gatehouse/internal/httpserver"
	"github.com/rakunlabs/gatehouse/internal/oauthflow"
	"github.com/rakunlabs/gatehouse/internal/providermgr"
	"github.com/rakunlabs/gatehouse/internal/runtimeconfig"
	"github.com/rakunlabs/gatehouse/internal/store"
	"github.com/rakunlabs/gatehouse/internal/store/sqlite3"
	"github.com/rakunlabs/gatehouse/internal/supervisor"
	"github.com/rakunlabs/gatehouse/internal/usageaccounting"
	"github.com/rakunlabs/gatehouse/internal/usermgr"
)

var (
	name    = "gatehouse"
	version = "v0.0.0"
)

func main() {
	config.Service = name + "/" + version

	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	st, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	if cfg.Store.EncryptionKey == "" {
		return fmt.Errorf("store.encryption_key is required")
	}
	encKey, err := sqlite3.DeriveEncryptionKey(cfg.Store.EncryptionKey)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}

	authMgr := authn.NewManager(st, cfg.Admin.SessionTTL, cfg.Admin.SessionMaxLifetime)
	if err := authMgr.Bootstrap(ctx, cfg.Admin.BootstrapPassword); err != nil {
		return fmt.Errorf("failed to bootstrap admin account: %w", err)
	}
	authMgr.StartSessionSweep(ctx, time.Hour)

	proxy, err := supervisor.New(cfg.Sidecar, st, encKey)
	if err != nil {
		return fmt.Errorf("failed to create sidecar supervisor: %w", err)
	}

	providerMgr, err := providermgr.New(st, proxy, sidecarEndpoint(cfg))
	if err != nil {
		return fmt.Errorf("failed to create provider manager: %w", err)
	}

	userMgr := usermgr.New(st)

	registry := buildOAuthRegistry(cfg)
	oauthFlow := oauthflow.New(registry, st, encKey, func(reloadCtx context.Context) {
		if err := proxy.Reload(reloadCtx); err != nil {
			slog.Error("sidecar reload after oauth callback failed", "error", err)
		}
	})

	gw := gateway.New(sidecarEndpoint(cfg), st, st, cfg.Gateway.RequestTimeout, cfg.Gateway.RateLimitRPM)
	gw.SetModelResolver(runtimeconfig.Resolver(st))
	gw.SetUnauthorizedRefresher(oauthFlow.RefreshActiveAccount)

	usageScheduler := usageaccounting.New(st, cfg.Gateway.UsageLogRetentionDays)
	if err := usageScheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start usage rollup scheduler: %w", err)
	}
	defer usageScheduler.Stop()

	runtimeCfg, err := runtimeconfig.Load(ctx, st)
	if err != nil {
		return fmt.Errorf("failed to load runtime config: %w", err)
	}
	if cfg.Sidecar.AutoStart && runtimeCfg.AutoStartProxy {
		if err := proxy.Start(ctx); err != nil {
			slog.Error("sidecar autostart failed, continuing without it", "error", err)
		}
	}
	defer func() {
		if err := proxy.Stop(context.Background()); err != nil {
			slog.Error("sidecar shutdown failed", "error", err)
		}
	}()

	srv := httpserver.New(cfg.Server, httpserver.Deps{
		Auth:         authMgr,
		Users:        userMgr,
		Providers:    providerMgr,
		OAuth:        oauthFlow,
		Proxy:        proxy,
		Usage:        usageScheduler,
		Gateway:      gw,
		Store:        st,
		CookieSecure: cfg.Admin.CookieSecure,
		SessionTTL:   cfg.Admin.SessionTTL,
	})

	return srv.Start(ctx)
}

func sidecarEndpoint(cfg *config.Config) string {
	return "http://" + cfg.Sidecar.Host + ":" + cfg.Sidecar.Port
}

// buildOAuthRegistry constructs one oauth2.Config per configured provider
// kind. A kind with no entry in cfg.OAuth.Providers is still usable as an
// api_key-only provider; it just can't be authorized through /oauth/*.
func buildOAuthRegistry(cfg *config.Config) *oauthflow.Registry {
	endpoints := make([]oauthflow.Endpoint, 0, len(cfg.OAuth.Providers))

	for kind, p := range cfg.OAuth.Providers {
		endpoints = append(endpoints, oauthflow.Endpoint{
			Kind: kind,
			Config: oauth2.Config{
				ClientID:     p.ClientID,
				ClientSecret: p.ClientSecret,
				RedirectURL:  cfg.OAuth.RedirectBase + "/oauth/" + kind + "/callback",
				Scopes:       p.Scopes,
				Endpoint: oauth2.Endpoint{
					AuthURL:  p.AuthURL,
					TokenURL: p.TokenURL,
				},
			},
		})
	}

	return oauthflow.NewRegistry(endpoints...)
}
