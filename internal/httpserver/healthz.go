package httpserver

import "net/http"

// Healthz is gatehouse's own liveness probe, unauthenticated and mounted
// ahead of every middleware that requires credentials. It reports nothing
// about the sidecar; see ProxyStatus for that.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, map[string]bool{"ok": true}, http.StatusOK)
}
