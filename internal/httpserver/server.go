// Package httpserver wires gatehouse's HTTP surface: an unauthenticated
// health check, session-protected admin CRUD with CSRF on writes, the
// per-provider OAuth start/callback pair, and the API-key-protected
// data-plane gateway. Every route shares the same base middleware stack;
// auth differs per group.
package httpserver

import (
	"context"
	"net"
	"time"

	"github.com/rakunlabs/ada"
	mcors "github.com/rakunlabs/ada/middleware/cors"
	mforwardauth "github.com/rakunlabs/ada/middleware/forwardauth"
	mlog "github.com/rakunlabs/ada/middleware/log"
	mrecover "github.com/rakunlabs/ada/middleware/recover"
	mrequestid "github.com/rakunlabs/ada/middleware/requestid"
	mserver "github.com/rakunlabs/ada/middleware/server"
	mtelemetry "github.com/rakunlabs/ada/middleware/telemetry"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/config"
	"github.com/rakunlabs/gatehouse/internal/gateway"
	"github.com/rakunlabs/gatehouse/internal/oauthflow"
	"github.com/rakunlabs/gatehouse/internal/providermgr"
	"github.com/rakunlabs/gatehouse/internal/store"
	"github.com/rakunlabs/gatehouse/internal/supervisor"
	"github.com/rakunlabs/gatehouse/internal/usageaccounting"
	"github.com/rakunlabs/gatehouse/internal/usermgr"
)

// Server owns the ada mux and every wired component it dispatches to.
type Server struct {
	cfg    config.Server
	server *ada.Server

	auth      *authn.Manager
	users     *usermgr.Manager
	providers *providermgr.Manager
	oauth     *oauthflow.Flow
	proxy     *supervisor.Supervisor
	usage     *usageaccounting.Scheduler
	gw        *gateway.Handler
	store     store.StorerClose

	cookieSecure bool
	sessionTTL   time.Duration
}

// Deps bundles every already-constructed component New wires into routes.
type Deps struct {
	Auth      *authn.Manager
	Users     *usermgr.Manager
	Providers *providermgr.Manager
	OAuth     *oauthflow.Flow
	Proxy     *supervisor.Supervisor
	Usage     *usageaccounting.Scheduler
	Gateway   *gateway.Handler
	Store     store.StorerClose

	CookieSecure bool
	SessionTTL   time.Duration
}

func New(cfg config.Server, deps Deps) *Server {
	mux := ada.New()
	mux.Use(
		mrecover.Middleware(),
		mserver.Middleware(config.Service),
		mcors.Middleware(),
		mrequestid.Middleware(),
		mlog.Middleware(),
		mtelemetry.Middleware(),
	)

	s := &Server{
		cfg:       cfg,
		server:    mux,
		auth:      deps.Auth,
		users:     deps.Users,
		providers: deps.Providers,
		oauth:     deps.OAuth,
		proxy:     deps.Proxy,
		usage:     deps.Usage,
		gw:        deps.Gateway,
		store:     deps.Store,

		cookieSecure: deps.CookieSecure,
		sessionTTL:   deps.SessionTTL,
	}

	base := mux.Group(cfg.BasePath)
	if cfg.ForwardAuth != nil {
		base.Use(mforwardauth.Middleware(mforwardauth.WithConfig(*cfg.ForwardAuth)))
	}

	base.GET("/healthz", s.Healthz)

	// Session endpoints: login/logout are unauthenticated by construction
	// (login establishes the session; logout just needs the cookie), status
	// requires a live session.
	authGroup := base.Group("/api/auth")
	authGroup.POST("/login", s.Login)
	authGroup.POST("/logout", s.Logout)
	authGroup.GET("/status", s.AuthStatus)

	// Admin API: every route below requires a live session, and every
	// mutating method additionally requires a matching CSRF header.
	admin := base.Group("/api")
	admin.Use(s.auth.SessionMiddleware, authn.CSRFMiddleware)

	admin.GET("/users", s.users.ListAPI)
	admin.POST("/users", s.users.CreateAPI)
	admin.GET("/users/{id}", s.users.GetAPI)
	admin.PUT("/users/{id}", s.users.UpdateAPI)
	admin.DELETE("/users/{id}", s.users.DeleteAPI)
	admin.POST("/users/{id}/regenerate-key", s.users.RegenerateKeyAPI)
	admin.POST("/users/{id}/reset-usage", s.users.ResetUsageAPI)

	admin.GET("/providers", s.providers.ListAPI)
	admin.POST("/providers", s.providers.CreateAPI)
	admin.GET("/providers/{name}", s.providers.GetAPI)
	admin.DELETE("/providers/{name}", s.providers.DeleteAPI)
	admin.DELETE("/providers/{name}/accounts/{id}", s.providers.DeleteAccountAPI)
	admin.PUT("/providers/{name}/settings", s.providers.UpdateSettingsAPI)
	admin.GET("/providers/{name}/health", s.providers.HealthAPI)

	admin.GET("/proxy/status", s.ProxyStatus)
	admin.POST("/proxy/start", s.ProxyStart)
	admin.POST("/proxy/stop", s.ProxyStop)
	admin.POST("/proxy/restart", s.ProxyRestart)

	admin.GET("/config", s.GetGlobalConfig)
	admin.PUT("/config", s.PutGlobalConfig)

	admin.GET("/usage", s.UsageSummary)
	admin.GET("/usage/users/{id}", s.UsageSummaryForUser)
	admin.GET("/usage/daily", s.UsageDaily)

	admin.GET("/logs", s.ListLogs)

	// OAuth start is session-protected (it binds the state nonce to the
	// admin session); the provider callback is not, since the provider
	// redirects the browser back without gatehouse's session cookie
	// necessarily attached cross-site — the state token itself is the
	// credential there.
	oauthStart := base.Group("/oauth")
	oauthStart.Use(s.auth.SessionMiddleware)
	oauthStart.GET("/{provider}/start", s.OAuthStart)

	base.GET("/oauth/{provider}/callback", s.OAuthCallback)

	// Data plane: bearer API key, never the admin session.
	v1 := base.Group("/v1")
	v1.Use(authn.APIKeyMiddleware(deps.Store))
	v1.GET("/models", s.gw.ServeModels)
	v1.POST("/chat/completions", s.gw.ServeHTTP)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	return s.server.StartWithContext(ctx, net.JoinHostPort(s.cfg.Host, s.cfg.Port))
}
