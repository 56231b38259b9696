package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rakunlabs/gatehouse/internal/authn"
	"github.com/rakunlabs/gatehouse/internal/store"
)

func TestSetJSONField(t *testing.T) {
	body := []byte(`{"model":"fast","messages":[{"role":"user","content":"hi"}],"stream":true}`)

	rewritten, err := setJSONField(body, "model", "anthropic/claude-3-5-haiku")
	if err != nil {
		t.Fatalf("setJSONField: %v", err)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(rewritten, &decoded); err != nil {
		t.Fatalf("unmarshal rewritten body: %v", err)
	}

	var model string
	if err := json.Unmarshal(decoded["model"], &model); err != nil {
		t.Fatalf("unmarshal model field: %v", err)
	}
	if model != "anthropic/claude-3-5-haiku" {
		t.Fatalf("model = %q, want %q", model, "anthropic/claude-3-5-haiku")
	}

	// Untouched fields must survive unchanged.
	if _, ok := decoded["messages"]; !ok {
		t.Fatal("messages field dropped by setJSONField")
	}
	var stream bool
	if err := json.Unmarshal(decoded["stream"], &stream); err != nil || !stream {
		t.Fatalf("stream field corrupted: %v, err=%v", decoded["stream"], err)
	}
}

func TestSetJSONFieldInvalidBody(t *testing.T) {
	_, err := setJSONField([]byte("not json"), "model", "x")
	if err == nil {
		t.Fatal("expected error for non-JSON body")
	}
}

// fakeUserUsageStore is the narrowest fake satisfying store.UserStorer and
// store.UsageStorer for the gateway's own usage-capture path.
type fakeUserUsageStore struct {
	touched     []string
	insertedLog *store.UsageLog
}

func (f *fakeUserUsageStore) ListUsers(ctx context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeUserUsageStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) GetUserByKeyPrefix(ctx context.Context, prefix string) (*store.User, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) CreateUser(ctx context.Context, u store.User, keyHash string) (*store.User, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) UpdateUser(ctx context.Context, id string, u store.User) (*store.User, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) DeleteUser(ctx context.Context, id string) error { return nil }
func (f *fakeUserUsageStore) RotateUserKey(ctx context.Context, id string, keyHash, keyPrefix string) error {
	return nil
}
func (f *fakeUserUsageStore) ResetUserUsage(ctx context.Context, id string) error { return nil }
func (f *fakeUserUsageStore) TouchUserLastUsed(ctx context.Context, id string) error {
	f.touched = append(f.touched, id)
	return nil
}
func (f *fakeUserUsageStore) IncrementUsedTokens(ctx context.Context, id string, delta int64) error {
	return nil
}

func (f *fakeUserUsageStore) InsertUsageLog(ctx context.Context, log store.UsageLog, tokenDelta int64) error {
	l := log
	f.insertedLog = &l
	return nil
}
func (f *fakeUserUsageStore) ListUsageLogs(ctx context.Context, userID string, since time.Time, limit int) ([]store.UsageLog, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) ListUsageLogsFiltered(ctx context.Context, filter store.UsageLogFilter) ([]store.UsageLog, int64, error) {
	return nil, 0, nil
}
func (f *fakeUserUsageStore) UpsertDailyUsage(ctx context.Context, row store.DailyUsage) error {
	return nil
}
func (f *fakeUserUsageStore) ListDailyUsage(ctx context.Context, userID string, from, to string) ([]store.DailyUsage, error) {
	return nil, nil
}
func (f *fakeUserUsageStore) RollupUsageLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeUserUsageStore) PurgeUsageLogs(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func TestServeHTTPRetriesOnceAfterCredentialRefresh(t *testing.T) {
	attempts := 0
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"usage": map[string]int64{"prompt_tokens": 3, "completion_tokens": 4},
		})
	}))
	defer sidecar.Close()

	fake := &fakeUserUsageStore{}
	h := New(sidecar.URL, fake, fake, 5*time.Second, 0)

	var refreshedKind string
	h.SetUnauthorizedRefresher(func(ctx context.Context, providerKind string) bool {
		refreshedKind = providerKind
		return true
	})

	user := &store.User{ID: "u1", Name: "alice", Enabled: true}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"anthropic/claude-3-5-haiku","messages":[]}`))
	req = req.WithContext(authn.NewUserContext(req.Context(), user))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if attempts != 2 {
		t.Fatalf("sidecar saw %d attempts, want 2 (initial 401 + retry)", attempts)
	}
	if refreshedKind != "anthropic" {
		t.Fatalf("refreshUnauthorized called with provider %q, want %q", refreshedKind, "anthropic")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("response code = %d, want 200", rec.Code)
	}
	if fake.insertedLog == nil {
		t.Fatal("expected a usage log to be recorded for the successful retry")
	}
	if fake.insertedLog.TokensInput != 3 || fake.insertedLog.TokensOutput != 4 {
		t.Fatalf("usage log tokens = %d/%d, want 3/4", fake.insertedLog.TokensInput, fake.insertedLog.TokensOutput)
	}
}

func TestServeHTTPReturnsProviderErrorWhenRefreshFails(t *testing.T) {
	attempts := 0
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer sidecar.Close()

	fake := &fakeUserUsageStore{}
	h := New(sidecar.URL, fake, fake, 5*time.Second, 0)
	h.SetUnauthorizedRefresher(func(ctx context.Context, providerKind string) bool {
		return false
	})

	user := &store.User{ID: "u1", Name: "alice", Enabled: true}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"anthropic/claude-3-5-haiku","messages":[]}`))
	req = req.WithContext(authn.NewUserContext(req.Context(), user))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if attempts != 1 {
		t.Fatalf("sidecar saw %d attempts, want 1 (no retry after failed refresh)", attempts)
	}
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("response code = %d, want 502", rec.Code)
	}
}

func TestServeHTTPQuotaGateRejectsBeforeForwarding(t *testing.T) {
	sidecarCalls := 0
	sidecar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sidecarCalls++
	}))
	defer sidecar.Close()

	fake := &fakeUserUsageStore{}
	h := New(sidecar.URL, fake, fake, 5*time.Second, 0)

	quota := int64(1000)
	user := &store.User{ID: "u1", Name: "alice", Enabled: true, QuotaTokens: &quota, UsedTokens: 1000}
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"anthropic/claude-3-5-haiku","messages":[]}`))
	req = req.WithContext(authn.NewUserContext(req.Context(), user))
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("response code = %d, want 429", rec.Code)
	}
	if sidecarCalls != 0 {
		t.Fatalf("sidecar saw %d calls, want 0: quota gate must run before forwarding", sidecarCalls)
	}
	if fake.insertedLog != nil {
		t.Fatal("no usage log may be written for a quota-rejected request")
	}
}

func TestHandlerModelResolverRewritesRequest(t *testing.T) {
	h := &Handler{}
	h.SetModelResolver(func(model string) string {
		if model == "fast" {
			return "anthropic/claude-3-5-haiku"
		}
		return ""
	})

	if got := h.resolveModel("fast"); got != "anthropic/claude-3-5-haiku" {
		t.Fatalf("resolveModel(fast) = %q", got)
	}
	if got := h.resolveModel("unmapped"); got != "" {
		t.Fatalf("resolveModel(unmapped) = %q, want empty", got)
	}
}
