package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/gatehouse/internal/authn"
)

type loginRequest struct {
	Password string `json:"password"`
}

// Login verifies the admin password and, on success, establishes a session
// cookie and a paired CSRF cookie (double-submit pattern: the client must
// echo the CSRF cookie's value in the X-CSRF-Token header on every mutating
// request). The session cookie is HttpOnly and SameSite=Strict; the CSRF
// cookie is intentionally readable by the client.
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, CodeValidationError, "invalid request body")
		return
	}

	if err := s.auth.VerifyAdminPassword(r.Context(), req.Password); err != nil {
		httpError(w, CodeUnauthorized, "invalid credentials")
		return
	}

	sess, err := s.auth.CreateSession(r.Context())
	if err != nil {
		httpError(w, CodeInternalError, "failed to create session")
		return
	}

	csrfToken, err := authn.NewCSRFToken()
	if err != nil {
		httpError(w, CodeInternalError, "failed to create csrf token")
		return
	}

	s.setSessionCookies(w, sess.ID, csrfToken)

	httpResponseJSON(w, map[string]any{"success": true}, http.StatusOK)
}

// Logout destroys the session server-side and clears both cookies. Missing
// or already-invalid cookies are not an error: logging out is idempotent.
func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(authn.SessionCookieName); err == nil {
		_ = s.auth.DestroySession(r.Context(), cookie.Value)
	}

	s.clearSessionCookies(w)

	httpResponseJSON(w, map[string]bool{"success": true}, http.StatusOK)
}

// AuthStatus reports whether the caller currently holds a live session,
// without requiring SessionMiddleware (an unauthenticated caller gets
// {authenticated:false}, not a 401).
func (s *Server) AuthStatus(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(authn.SessionCookieName)
	if err != nil {
		httpResponseJSON(w, map[string]any{"authenticated": false}, http.StatusOK)
		return
	}

	sess, err := s.auth.ValidateSession(r.Context(), cookie.Value)
	if err != nil {
		httpResponseJSON(w, map[string]any{"authenticated": false}, http.StatusOK)
		return
	}

	httpResponseJSON(w, map[string]any{
		"authenticated": true,
		"expires_at":    sess.ExpiresAt,
	}, http.StatusOK)
}

func (s *Server) setSessionCookies(w http.ResponseWriter, sessionID, csrfToken string) {
	maxAge := int(s.sessionTTL.Seconds())

	http.SetCookie(w, &http.Cookie{
		Name:     authn.SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})

	http.SetCookie(w, &http.Cookie{
		Name:     authn.CSRFCookieName,
		Value:    csrfToken,
		Path:     "/",
		HttpOnly: false, // the frontend must read this to echo it in X-CSRF-Token
		Secure:   s.cookieSecure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   maxAge,
	})
}

func (s *Server) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{authn.SessionCookieName, authn.CSRFCookieName} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			HttpOnly: name == authn.SessionCookieName,
			Secure:   s.cookieSecure,
			SameSite: http.SameSiteStrictMode,
			MaxAge:   -1,
		})
	}
}
