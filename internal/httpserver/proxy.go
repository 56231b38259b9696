package httpserver

import "net/http"

// ProxyStatus reports the sidecar child process's current lifecycle state.
func (s *Server) ProxyStatus(w http.ResponseWriter, r *http.Request) {
	httpResponseJSON(w, s.proxy.Status(r.Context()), http.StatusOK)
}

// ProxyStart starts the sidecar if it isn't already running, re-arming
// auto-restart so a manual start recovers from a double-crash lockout.
func (s *Server) ProxyStart(w http.ResponseWriter, r *http.Request) {
	s.proxy.EnableAutoRestart()
	if err := s.proxy.Start(r.Context()); err != nil {
		httpError(w, CodeProviderError, "failed to start sidecar: "+err.Error())
		return
	}
	httpResponseJSON(w, s.proxy.Status(r.Context()), http.StatusOK)
}

// ProxyStop gracefully stops the sidecar.
func (s *Server) ProxyStop(w http.ResponseWriter, r *http.Request) {
	if err := s.proxy.Stop(r.Context()); err != nil {
		httpError(w, CodeInternalError, "failed to stop sidecar: "+err.Error())
		return
	}
	httpResponseJSON(w, s.proxy.Status(r.Context()), http.StatusOK)
}

// ProxyRestart stops then starts the sidecar and re-arms auto-restart, an
// admin's recovery action after a double-crash lockout.
func (s *Server) ProxyRestart(w http.ResponseWriter, r *http.Request) {
	s.proxy.EnableAutoRestart()
	if err := s.proxy.Restart(r.Context()); err != nil {
		httpError(w, CodeProviderError, "failed to restart sidecar: "+err.Error())
		return
	}
	httpResponseJSON(w, s.proxy.Status(r.Context()), http.StatusOK)
}
