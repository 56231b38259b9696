package authn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rakunlabs/gatehouse/internal/store"
	"github.com/rakunlabs/gatehouse/pkg/openaiapi"
)

const (
	SessionCookieName = "gh_session"
	CSRFCookieName    = "gh_csrf"
	CSRFHeaderName    = "X-CSRF-Token"
)

type contextKey int

const (
	sessionContextKey contextKey = iota
	userContextKey
)

// NewContext attaches an authenticated admin session to ctx.
func NewContext(ctx context.Context, sess *store.Session) context.Context {
	return context.WithValue(ctx, sessionContextKey, sess)
}

// FromContext returns the admin session attached by SessionMiddleware, if any.
func FromContext(ctx context.Context) (*store.Session, bool) {
	sess, ok := ctx.Value(sessionContextKey).(*store.Session)
	return sess, ok
}

// NewUserContext attaches an authenticated gateway user to ctx.
func NewUserContext(ctx context.Context, u *store.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// UserFromContext returns the gateway user attached by APIKeyMiddleware, if any.
func UserFromContext(ctx context.Context) (*store.User, bool) {
	u, ok := ctx.Value(userContextKey).(*store.User)
	return u, ok
}

type errEnvelope struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func respondErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errEnvelope{Error: message, Code: code})
}

// SessionMiddleware requires a live gh_session cookie, validated (and
// slid forward) against the store, and attaches it to the request context.
func (m *Manager) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil {
			respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "no session cookie")
			return
		}

		sess, err := m.ValidateSession(r.Context(), cookie.Value)
		if err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				respondErr(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid or expired session")
				return
			}
			respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "session validation failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(NewContext(r.Context(), sess)))
	})
}

// CSRFMiddleware rejects state-changing admin requests whose X-CSRF-Token
// header doesn't match the gh_csrf cookie. Applied after SessionMiddleware,
// only on routes registered for mutating methods.
func CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(CSRFCookieName)
		if err != nil {
			respondErr(w, http.StatusForbidden, "FORBIDDEN", "missing csrf cookie")
			return
		}

		if !CheckCSRF(cookie.Value, r.Header.Get(CSRFHeaderName)) {
			respondErr(w, http.StatusForbidden, "FORBIDDEN", "csrf token mismatch")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// APIKeyMiddleware authenticates a data-plane request by bearer key and
// attaches the resolved user to the request context. Disabled users are
// rejected here so the gateway never forwards on their behalf. Rejections
// use the OpenAI error envelope, not the admin one, since /v1 callers are
// OpenAI SDK clients.
func APIKeyMiddleware(st store.UserStorer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := AuthenticateAPIKey(r.Context(), st, r.Header.Get("Authorization"))
			if err != nil {
				respondOpenAIErr(w, http.StatusUnauthorized, "invalid_api_key", "invalid api key")
				return
			}

			if !user.Enabled {
				respondOpenAIErr(w, http.StatusForbidden, "account_disabled", "user disabled")
				return
			}

			next.ServeHTTP(w, r.WithContext(NewUserContext(r.Context(), user)))
		})
	}
}

func respondOpenAIErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(openaiapi.ErrorResponse{Error: openaiapi.ErrorDetail{
		Message: message,
		Type:    "invalid_request_error",
		Code:    code,
	}})
}
