// Package usermgr implements CRUD, key rotation, quota, and usage-reset
// operations over gateway users. The full API key appears in exactly two
// responses: create and regenerate-key.
package usermgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/store"
)

type Manager struct {
	store store.UserStorer
}

func New(st store.UserStorer) *Manager {
	return &Manager{store: st}
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

type createUserRequest struct {
	Name        string `json:"name"`
	QuotaTokens *int64 `json:"quota_tokens,omitempty"`
}

type userResponse struct {
	store.User
	APIKey string `json:"api_key,omitempty"`
}

// ListAPI handles GET /api/users?page=&limit=. The store has no built-in
// pagination (admin-scale user counts don't warrant one), so paging is
// applied in memory over the full list.
func (m *Manager) ListAPI(w http.ResponseWriter, r *http.Request) {
	users, err := m.store.ListUsers(r.Context())
	if err != nil {
		slog.Error("list users failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to list users")
		return
	}
	if users == nil {
		users = []store.User{}
	}

	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	limit := parsePositiveInt(r.URL.Query().Get("limit"), 0)

	total := len(users)
	if limit > 0 {
		start := (page - 1) * limit
		if start > total {
			start = total
		}
		end := start + limit
		if end > total {
			end = total
		}
		users = users[start:end]
	}

	respondJSON(w, http.StatusOK, map[string]any{"users": users, "total": total, "page": page})
}

// isUniqueViolation reports whether err is a sqlite unique-constraint
// failure (the driver exposes no typed error for it).
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

func parsePositiveInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// CreateAPI handles POST /api/users. The full API key is returned exactly
// once; only the prefix survives in later reads.
func (m *Manager) CreateAPI(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}

	if req.Name == "" {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required")
		return
	}
	if req.QuotaTokens != nil && *req.QuotaTokens < 0 {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "quota_tokens must be non-negative")
		return
	}

	existing, err := m.store.ListUsers(r.Context())
	if err != nil {
		slog.Error("list users for create precheck failed", "error", err)
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create user")
		return
	}
	for _, u := range existing {
		if u.Name == req.Name {
			respondErr(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("user %q already exists", req.Name))
			return
		}
	}

	fullKey, prefix, err := authn.GenerateAPIKey(req.Name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate api key")
		return
	}

	hash, err := authn.HashAPIKey(fullKey)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to hash api key")
		return
	}

	created, err := m.store.CreateUser(r.Context(), store.User{
		Name:        req.Name,
		KeyPrefix:   prefix,
		QuotaTokens: req.QuotaTokens,
		Enabled:     true,
	}, hash)
	if err != nil {
		slog.Error("create user failed", "name", req.Name, "error", err)
		// The precheck can race a concurrent create; the unique constraint
		// is the authoritative answer.
		if isUniqueViolation(err) {
			respondErr(w, http.StatusConflict, "CONFLICT", fmt.Sprintf("user %q already exists", req.Name))
			return
		}
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create user")
		return
	}

	respondJSON(w, http.StatusCreated, userResponse{User: *created, APIKey: fullKey})
}

// GetAPI handles GET /api/users/{id}.
func (m *Manager) GetAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u, err := m.store.GetUser(r.Context(), id)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load user")
		return
	}
	if u == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	respondJSON(w, http.StatusOK, u)
}

type updateUserRequest struct {
	Name        string `json:"name"`
	QuotaTokens *int64 `json:"quota_tokens,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// UpdateAPI handles PUT /api/users/{id}.
func (m *Manager) UpdateAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body")
		return
	}
	if req.Name == "" {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "name is required")
		return
	}
	if req.QuotaTokens != nil && *req.QuotaTokens < 0 {
		respondErr(w, http.StatusBadRequest, "VALIDATION_ERROR", "quota_tokens must be non-negative")
		return
	}

	updated, err := m.store.UpdateUser(r.Context(), id, store.User{
		Name:        req.Name,
		QuotaTokens: req.QuotaTokens,
		Enabled:     req.Enabled,
	})
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to update user")
		return
	}
	if updated == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	respondJSON(w, http.StatusOK, updated)
}

// DeleteAPI handles DELETE /api/users/{id}. Hard delete, cascades usage
// rows; admins wanting retention should disable instead.
func (m *Manager) DeleteAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := m.store.DeleteUser(r.Context(), id); err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to delete user")
		return
	}

	respondJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RegenerateKeyAPI handles POST /api/users/{id}/regenerate-key. Old key
// stops authenticating no later than this call returns since the update is
// committed before the response is written.
func (m *Manager) RegenerateKeyAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u, err := m.store.GetUser(r.Context(), id)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load user")
		return
	}
	if u == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	fullKey, prefix, err := authn.GenerateAPIKey(u.Name)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to generate api key")
		return
	}

	hash, err := authn.HashAPIKey(fullKey)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to hash api key")
		return
	}

	if err := m.store.RotateUserKey(r.Context(), id, hash, prefix); err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to rotate key")
		return
	}

	u.KeyPrefix = prefix
	respondJSON(w, http.StatusOK, userResponse{User: *u, APIKey: fullKey})
}

// ResetUsageAPI handles POST /api/users/{id}/reset-usage.
func (m *Manager) ResetUsageAPI(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	u, err := m.store.GetUser(r.Context(), id)
	if err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load user")
		return
	}
	if u == nil {
		respondErr(w, http.StatusNotFound, "NOT_FOUND", "user not found")
		return
	}

	if err := m.store.ResetUserUsage(r.Context(), id); err != nil {
		respondErr(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to reset usage")
		return
	}

	respondJSON(w, http.StatusOK, map[string]int64{"previous_used_tokens": u.UsedTokens})
}
