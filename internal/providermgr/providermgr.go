// Package providermgr implements CRUD for providers and their OAuth
// accounts, and triggers a sidecar reload on every mutation. Account
// responses never include token material; only status, email, and expiry
// are exposed.
package providermgr

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/worldline-go/klient"

	"github.com/rakunlabs/gatehouse/internal/store"
)

// Reloader is satisfied by *supervisor.Supervisor; kept as an interface so
// providermgr doesn't import supervisor directly (avoids a dependency
// cycle since supervisor reads the store providermgr also writes to).
type Reloader interface {
	Reload(ctx context.Context) error
}

type Manager struct {
	store           store.ProviderStorer
	reloader        Reloader
	client          *klient.Client
	sidecarEndpoint string
}

func New(st store.ProviderStorer, reloader Reloader, sidecarEndpoint string) (*Manager, error) {
	c, err := klient.New(klient.WithDisableBaseURLCheck(true), klient.WithBaseURL(sidecarEndpoint))
	if err != nil {
		return nil, err
	}
	return &Manager{store: st, reloader: reloader, client: c, sidecarEndpoint: sidecarEndpoint}, nil
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

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type createProviderRequest struct {
	Name     string         `json:"name"`
	Kind     string         `json:"kind"`
	Enabled  *bool          `json:"enabled,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// CreateAPI handles POST /api/providers: explicit registration, the
// counterpart of the implicit create-on-first-OAuth path. Registering an
// api_key-kind provider here is the only way to onboard one, since it has
// no OAuth flow to create it.
func (m *Manager) CreateAPI(w http.ResponseWriter, r *http.Request) {
	var req createProviderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	if req.Name == "" {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required")
		return
	}
	if req.Kind != "oauth" && req.Kind != "api_key" {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", `kind must be "oauth" or "api_key"`)
		return
	}

	existing, err := m.store.GetProviderByName(r.Context(), req.Name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to check provider name")
		return
	}
	if existing != nil {
		respondErr(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("provider %q already exists", req.Name))
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	created, err := m.store.CreateProvider(r.Context(), store.Provider{
		Name:     req.Name,
		Kind:     req.Kind,
		Enabled:  enabled,
		Settings: req.Settings,
	})
	if err != nil {
		slog.Error("create provider failed", "name", req.Name, "error", err)
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create provider")
		return
	}

	m.reload(r.Context())

	respondJSON(w, http.StatusCreated, created)
}

// ListAPI handles GET /api/providers.
func (m *Manager) ListAPI(w http.ResponseWriter, r *http.Request) {
	providers, err := m.store.ListProviders(r.Context())
	if err != nil {
		slog.Error("list providers failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list providers")
		return
	}
	if providers == nil {
		providers = []store.Provider{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

type providerDetail struct {
	store.Provider
	Accounts []store.ProviderAccount `json:"accounts"`
}

// GetAPI handles GET /api/providers/{name}, returning accounts and settings.
func (m *Manager) GetAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	p, err := m.store.GetProviderByName(r.Context(), name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider")
		return
	}
	if p == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "provider not found")
		return
	}

	accounts, err := m.store.ListProviderAccounts(r.Context(), p.ID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider accounts")
		return
	}
	if accounts == nil {
		accounts = []store.ProviderAccount{}
	}

	respondJSON(w, http.StatusOK, providerDetail{Provider: *p, Accounts: accounts})
}

// DeleteAPI handles DELETE /api/providers/{name}. Hard delete; accounts
// cascade with the row. An OAuth flow started before the delete and
// redeemed after it is rejected by the callback's pinned-provider check.
func (m *Manager) DeleteAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	p, err := m.store.GetProviderByName(r.Context(), name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider")
		return
	}
	if p == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "provider not found")
		return
	}

	if err := m.store.DeleteProvider(r.Context(), p.ID); err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete provider")
		return
	}

	m.reload(r.Context())

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// DeleteAccountAPI handles DELETE /api/providers/{name}/accounts/{id}.
func (m *Manager) DeleteAccountAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := m.store.DeleteProviderAccount(r.Context(), id); err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete account")
		return
	}

	m.reload(r.Context())

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type updateSettingsRequest struct {
	Settings map[string]any `json:"settings"`
	Enabled  *bool          `json:"enabled,omitempty"`
}

// UpdateSettingsAPI handles PUT /api/providers/{name}/settings.
func (m *Manager) UpdateSettingsAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	p, err := m.store.GetProviderByName(r.Context(), name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider")
		return
	}
	if p == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "provider not found")
		return
	}

	var req updateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	enabled := p.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	updated, err := m.store.UpdateProvider(r.Context(), p.ID, store.Provider{
		Name:     p.Name,
		Kind:     p.Kind,
		Enabled:  enabled,
		Settings: req.Settings,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update provider settings")
		return
	}

	m.reload(r.Context())

	respondJSON(w, http.StatusOK, updated)
}

type healthResult struct {
	AccountID string `json:"account_id"`
	Healthy   bool   `json:"healthy"`
	Error     string `json:"error,omitempty"`
}

// HealthAPI handles GET /api/providers/{name}/health: probes each active
// account through the sidecar's management interface and reports a
// non-fatal annotation per account, never failing the whole request for
// one bad credential.
func (m *Manager) HealthAPI(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	p, err := m.store.GetProviderByName(r.Context(), name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider")
		return
	}
	if p == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "provider not found")
		return
	}

	accounts, err := m.store.ListProviderAccounts(r.Context(), p.ID)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load provider accounts")
		return
	}

	results := make([]healthResult, 0, len(accounts))
	for _, a := range accounts {
		if a.Status != "active" {
			results = append(results, healthResult{AccountID: a.ID, Healthy: false, Error: "not active"})
			continue
		}
		results = append(results, m.probeAccount(r.Context(), a))
	}

	respondJSON(w, http.StatusOK, map[string]any{"accounts": results})
}

// probeAccount issues a lightweight probe for one account through the
// sidecar's management interface, never failing the overall health request
// for a single bad credential.
func (m *Manager) probeAccount(ctx context.Context, a store.ProviderAccount) healthResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "/accounts/"+a.ID+"/health", nil)
	if err != nil {
		return healthResult{AccountID: a.ID, Healthy: false, Error: err.Error()}
	}

	healthy := false
	if err := m.client.Do(req, func(resp *http.Response) error {
		healthy = resp.StatusCode == http.StatusOK
		return nil
	}); err != nil {
		return healthResult{AccountID: a.ID, Healthy: false, Error: err.Error()}
	}

	return healthResult{AccountID: a.ID, Healthy: healthy}
}

// reload asks the supervisor to regenerate YAML and restart if state
// changed, logging (never surfacing to the caller) a failure: the mutation
// itself already committed.
func (m *Manager) reload(ctx context.Context) {
	if m.reloader == nil {
		return
	}
	if err := m.reloader.Reload(ctx); err != nil {
		slog.Error("provider mutation committed but sidecar reload failed", "error", err)
	}
}
