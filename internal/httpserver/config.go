package httpserver

import (
	"encoding/json"
	"net/http"

	"github.com/rakunlabs/gatehouse/internal/runtimeconfig"
)

// GetGlobalConfig handles GET /api/config.
func (s *Server) GetGlobalConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := runtimeconfig.Load(r.Context(), s.store)
	if err != nil {
		httpError(w, CodeInternalError, "failed to load config")
		return
	}

	httpResponseJSON(w, cfg, http.StatusOK)
}

// PutGlobalConfig handles PUT /api/config. restart_required is true only
// when a field that the already-running sidecar process can't pick up
// without being relaunched changed — auto_start_proxy affects whether the
// next gatehouse start spawns it at all, while model_mappings and
// load_balancing are read live by the gateway on every request.
func (s *Server) PutGlobalConfig(w http.ResponseWriter, r *http.Request) {
	previous, err := runtimeconfig.Load(r.Context(), s.store)
	if err != nil {
		httpError(w, CodeInternalError, "failed to load existing config")
		return
	}

	var next runtimeconfig.Config
	if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
		httpError(w, CodeValidationError, "invalid request body")
		return
	}
	if next.ModelMappings == nil {
		next.ModelMappings = map[string]string{}
	}
	if next.TimeoutSeconds < 0 || next.RequestRetry < 0 {
		httpError(w, CodeValidationError, "timeout_seconds and request_retry must be non-negative")
		return
	}

	if err := runtimeconfig.Save(r.Context(), s.store, next); err != nil {
		httpError(w, CodeInternalError, "failed to persist config")
		return
	}

	restartRequired := previous.AutoStartProxy != next.AutoStartProxy

	httpResponseJSON(w, map[string]any{
		"success":          true,
		"restart_required": restartRequired,
	}, http.StatusOK)
}
