package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/rakunlabs/chu/loader/external/loaderconsul"
	_ "github.com/rakunlabs/chu/loader/external/loadervault"
	"github.com/rakunlabs/chu/loader/loaderenv"
	"github.com/rakunlabs/logi"

	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	"github.com/rakunlabs/chu"
	"github.com/rakunlabs/tell"
)

var Service = ""

type Config struct {
	LogLevel string `cfg:"log_level,no_prefix" default:"info"`

	// Admin configures the first-run bootstrap of the administrator account
	// and the session/CSRF cookie behavior of the control-plane API.
	Admin Admin `cfg:"admin"`

	// Sidecar configures how gatehouse launches and supervises the
	// OpenAI-compatible inference sidecar process.
	Sidecar Sidecar `cfg:"sidecar"`

	Store     Store       `cfg:"store"`
	Server    Server      `cfg:"server"`
	Gateway   Gateway     `cfg:"gateway"`
	OAuth     OAuth       `cfg:"oauth"`
	Telemetry tell.Config `cfg:"telemetry,noprefix"`
}

// OAuth configures the authorization-code flow for each upstream provider
// kind gatehouse knows how to mint accounts for. Keyed by provider kind
// ("anthropic", "openai", "gemini", ...); providers absent from this map
// can still be registered as api_key providers, just never via OAuth.
type OAuth struct {
	Providers map[string]OAuthProvider `cfg:"providers"`

	// RedirectBase is prefixed to "/oauth/{provider}/callback" to build
	// each provider's redirect_uri.
	RedirectBase string `cfg:"redirect_base"`
}

type OAuthProvider struct {
	ClientID     string `cfg:"client_id"`
	ClientSecret string `cfg:"client_secret" log:"-"`
	AuthURL      string `cfg:"auth_url"`
	TokenURL     string `cfg:"token_url"`
	Scopes       []string `cfg:"scopes"`
}

// Gateway configures the data-plane request path: bearer-key enforcement,
// forwarding, rate limiting, and usage retention.
type Gateway struct {
	// RequestTimeout bounds a single forwarded data-plane request.
	RequestTimeout time.Duration `cfg:"request_timeout" default:"120s"`

	// RateLimitRPM is the per-key leaky-bucket rate, in requests per minute.
	// Zero disables rate limiting.
	RateLimitRPM int `cfg:"rate_limit_rpm" default:"0"`

	// UsageLogRetentionDays is how long raw UsageLog rows are kept before
	// the nightly rollup folds them into DailyUsage and deletes them.
	UsageLogRetentionDays int `cfg:"usage_log_retention_days" default:"90"`
}

type Server struct {
	BasePath string `cfg:"base_path"`

	Port string `cfg:"port" default:"8080"`
	Host string `cfg:"host"`

	// ForwardAuth, if set, configures the API to forward auth requests to an
	// external authentication service instead of gatehouse's own session
	// cookies.
	ForwardAuth *mforwardauth.ForwardAuth `cfg:"forward_auth"`

	// UserHeader is the HTTP header name that contains the authenticated
	// user's identity, populated by the forward auth middleware.
	UserHeader string `cfg:"user_header" default:"X-User"`
}

// Admin configures the single built-in administrator account. There is no
// multi-admin RBAC; gatehouse bootstraps exactly one admin identity on first
// run and persists its password hash in gh_settings.
type Admin struct {
	// BootstrapPassword seeds the admin password on first run only. Once
	// gh_settings holds a password hash, this value is ignored on every
	// subsequent start.
	BootstrapPassword string `cfg:"bootstrap_password" log:"-"`

	// SessionTTL is how long an admin session cookie remains valid without
	// activity before it must be re-established. Activity slides the expiry
	// forward, never past SessionMaxLifetime.
	SessionTTL time.Duration `cfg:"session_ttl" default:"24h"`

	// SessionMaxLifetime is the hard cap on a session's total age measured
	// from login; once reached the admin must log in again no matter how
	// active the session has been. Zero disables the cap.
	SessionMaxLifetime time.Duration `cfg:"session_max_lifetime" default:"168h"`

	// CookieSecure controls the Secure attribute on session/CSRF cookies.
	// Defaults true; disable only for plain-HTTP local development.
	CookieSecure bool `cfg:"cookie_secure" default:"true"`
}

// Sidecar configures the child inference process gatehouse supervises and
// proxies to. The sidecar always speaks the OpenAI-compatible wire format;
// gatehouse never translates between provider formats itself.
type Sidecar struct {
	// BinaryPath is the path to the sidecar executable.
	BinaryPath string `cfg:"binary_path"`

	// Args are extra command-line arguments passed to the sidecar on launch.
	Args []string `cfg:"args"`

	// Host/Port is the loopback-only address the sidecar listens on. Never
	// bound to a non-loopback interface.
	Host string `cfg:"host" default:"127.0.0.1"`
	Port string `cfg:"port" default:"9090"`

	// AutoStart, when true, spawns the sidecar during gatehouse startup.
	// When false, the supervisor waits for an explicit Start call.
	AutoStart bool `cfg:"auto_start" default:"true"`

	// ReadyTimeout bounds how long the supervisor waits for the sidecar's
	// ready signal (stdout marker plus health-check poll) before failing
	// startup.
	ReadyTimeout time.Duration `cfg:"ready_timeout" default:"30s"`

	// ShutdownTimeout bounds how long the supervisor waits after SIGINT
	// before force-killing the sidecar process.
	ShutdownTimeout time.Duration `cfg:"shutdown_timeout" default:"10s"`

	// RestartDelay is the base delay before an automatic restart after an
	// unexpected sidecar exit; a second crash within RestartDelay locks the
	// supervisor out of further auto-restarts until an operator intervenes.
	RestartDelay time.Duration `cfg:"restart_delay" default:"2s"`

	// ConfigPath is where internal/configgen renders the sidecar's YAML
	// configuration derived from provider/account state in the store.
	ConfigPath string `cfg:"config_path" default:"./data/sidecar.yaml"`
}

type Store struct {
	SQLite *StoreSQLite `cfg:"sqlite"`

	// EncryptionKey enables AES-256-GCM encryption of provider OAuth tokens
	// and any other sensitive column at rest. The key can be any non-empty
	// string; it is derived to 32 bytes internally. Required — gatehouse
	// refuses to start without it.
	EncryptionKey string `cfg:"encryption_key" log:"-"`

	// DataDir holds the sqlite file, the single-instance lock file, and the
	// generated sidecar config.
	DataDir string `cfg:"data_dir" default:"./data"`
}

type StoreSQLite struct {
	TablePrefix *string `cfg:"table_prefix"`
	Datasource  string  `cfg:"datasource"`

	Migrate Migrate `cfg:"migrate"`
}

type Migrate struct {
	Datasource string            `cfg:"datasource" log:"-"`
	Schema     string            `cfg:"schema"`
	Table      string            `cfg:"table" default:"gh_schema_migrations"`
	Values     map[string]string `cfg:"values"`
}

func Load(ctx context.Context, path string) (*Config, error) {
	var cfg Config
	if err := chu.Load(ctx, path, &cfg, chu.WithLoaderOption(loaderenv.New(loaderenv.WithPrefix("GATEHOUSE_")))); err != nil {
		return nil, err
	}

	if err := logi.SetLogLevel(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("set log level %s: %w", cfg.LogLevel, err)
	}

	slog.Info("loaded configuration", "config", chu.MarshalMap(cfg))

	return &cfg, nil
}
