package httpserver

import (
	"errors"
	"net/http"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/oauthflow"
)

// OAuthStart begins the authorization-code flow for the named provider kind,
// binding a fresh state nonce to the caller's admin session and redirecting
// the browser to the upstream provider.
func (s *Server) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")

	sess, ok := authn.FromContext(r.Context())
	if !ok {
		httpError(w, CodeUnauthorized, "no active session")
		return
	}

	url, err := s.oauth.Start(r.Context(), provider, sess.ID)
	if err != nil {
		if errors.Is(err, oauthflow.ErrUnknownProvider) {
			httpError(w, CodeNotFound, "unknown provider")
			return
		}
		httpError(w, CodeInternalError, "failed to start oauth flow")
		return
	}

	http.Redirect(w, r, url, http.StatusFound)
}

// OAuthCallback is reached directly by the upstream provider's redirect, so
// it cannot require the admin session cookie (it may arrive cross-site) —
// the state nonce itself, bound to a session at Start time, is the
// credential. A tampered or expired state is rejected with FORBIDDEN; a
// provider deleted between Start and Callback is rejected with NOT_FOUND.
func (s *Server) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	provider := r.PathValue("provider")
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	// SameSite=Strict keeps the session cookie off most cross-site
	// redirects, but when the browser does attach it the state must belong
	// to that session.
	callerSession := ""
	if cookie, err := r.Cookie(authn.SessionCookieName); err == nil {
		callerSession = cookie.Value
	}

	_, err := s.oauth.Callback(r.Context(), provider, code, state, callerSession)
	switch {
	case err == nil:
		http.Redirect(w, r, s.cfg.BasePath+"/?oauth=success&provider="+provider, http.StatusFound)
	case errors.Is(err, oauthflow.ErrInvalidState):
		httpError(w, CodeForbidden, "invalid or expired oauth state")
	case errors.Is(err, oauthflow.ErrProviderGone):
		httpError(w, CodeNotFound, "provider no longer exists")
	case errors.Is(err, oauthflow.ErrUnknownProvider):
		httpError(w, CodeNotFound, "unknown provider")
	default:
		httpError(w, CodeProviderError, "oauth exchange failed")
	}
}
