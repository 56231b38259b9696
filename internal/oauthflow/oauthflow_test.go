package oauthflow

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatehouse/internal/crypto"
	"github.com/rakunlabs/gatehouse/internal/store"
)

// fakeFlowStore implements the SessionStorer+ProviderStorer slice Flow
// actually needs, backed by plain maps.
type fakeFlowStore struct {
	states    map[string]store.OAuthState
	sessions  map[string]store.Session
	providers map[string]store.Provider
	accounts  map[string]store.ProviderAccount
}

func newFakeFlowStore() *fakeFlowStore {
	return &fakeFlowStore{
		states:    make(map[string]store.OAuthState),
		sessions:  make(map[string]store.Session),
		providers: make(map[string]store.Provider),
		accounts:  make(map[string]store.ProviderAccount),
	}
}

func (f *fakeFlowStore) addLiveSession(id string) {
	f.sessions[id] = store.Session{ID: id, ExpiresAt: time.Now().UTC().Add(time.Hour)}
}

func (f *fakeFlowStore) CreateSession(ctx context.Context, s store.Session) (*store.Session, error) {
	return &s, nil
}
func (f *fakeFlowStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
func (f *fakeFlowStore) TouchSession(ctx context.Context, id string, expiresAt time.Time) error {
	return nil
}
func (f *fakeFlowStore) DeleteSession(ctx context.Context, id string) error { return nil }
func (f *fakeFlowStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return 0, nil
}
func (f *fakeFlowStore) CreateOAuthState(ctx context.Context, s store.OAuthState) (*store.OAuthState, error) {
	f.states[s.State] = s
	return &s, nil
}
func (f *fakeFlowStore) ConsumeOAuthState(ctx context.Context, state string) (*store.OAuthState, error) {
	s, ok := f.states[state]
	delete(f.states, state)
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (f *fakeFlowStore) ListProviders(ctx context.Context) ([]store.Provider, error) { return nil, nil }
func (f *fakeFlowStore) GetProviderByName(ctx context.Context, name string) (*store.Provider, error) {
	p, ok := f.providers[name]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (f *fakeFlowStore) GetProvider(ctx context.Context, id string) (*store.Provider, error) {
	for _, p := range f.providers {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, nil
}
func (f *fakeFlowStore) CreateProvider(ctx context.Context, p store.Provider) (*store.Provider, error) {
	if _, ok := f.providers[p.Name]; ok {
		return nil, errDuplicateProvider
	}
	p.ID = "prov-" + p.Name
	f.providers[p.Name] = p
	return &p, nil
}
func (f *fakeFlowStore) UpdateProvider(ctx context.Context, id string, p store.Provider) (*store.Provider, error) {
	return &p, nil
}
func (f *fakeFlowStore) DeleteProvider(ctx context.Context, id string) error { return nil }
func (f *fakeFlowStore) ListProviderAccounts(ctx context.Context, providerID string) ([]store.ProviderAccount, error) {
	var out []store.ProviderAccount
	for _, a := range f.accounts {
		if a.ProviderID == providerID {
			out = append(out, a)
		}
	}
	return out, nil
}
func (f *fakeFlowStore) GetProviderAccount(ctx context.Context, id string) (*store.ProviderAccount, error) {
	a, ok := f.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}
func (f *fakeFlowStore) CreateProviderAccount(ctx context.Context, a store.ProviderAccount) (*store.ProviderAccount, error) {
	a.ID = "acct-1"
	f.accounts[a.ID] = a
	return &a, nil
}
func (f *fakeFlowStore) UpdateProviderAccountTokens(ctx context.Context, id string, encTokens string, expiresAt types.Null[types.Time]) error {
	a := f.accounts[id]
	a.EncTokens = encTokens
	f.accounts[id] = a
	return nil
}
func (f *fakeFlowStore) UpdateProviderAccountStatus(ctx context.Context, id string, status string) error {
	a := f.accounts[id]
	a.Status = status
	f.accounts[id] = a
	return nil
}
func (f *fakeFlowStore) DeleteProviderAccount(ctx context.Context, id string) error { return nil }

var errDuplicateProvider = errors.New("UNIQUE constraint failed: gh_providers.name")

func testRegistry() *Registry {
	return NewRegistry(Endpoint{
		Kind: "anthropic",
		Config: oauth2.Config{
			ClientID: "client",
			Endpoint: oauth2.Endpoint{AuthURL: "https://example.test/authorize", TokenURL: "https://example.test/token"},
		},
	})
}

// newTokenServer stands in for the provider's token endpoint so Exchange
// succeeds against a real HTTP round trip.
func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"bearer","refresh_token":"rt-1","expires_in":3600}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func registryWithTokenURL(tokenURL string) *Registry {
	return NewRegistry(Endpoint{
		Kind: "anthropic",
		Config: oauth2.Config{
			ClientID: "client",
			Endpoint: oauth2.Endpoint{AuthURL: "https://example.test/authorize", TokenURL: tokenURL},
		},
	})
}

func TestStartUnknownProvider(t *testing.T) {
	f := New(testRegistry(), newFakeFlowStore(), []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Start(context.Background(), "does-not-exist", "sess-1"); err != ErrUnknownProvider {
		t.Fatalf("Start with unknown provider = %v, want ErrUnknownProvider", err)
	}
}

func TestStartPersistsStateBoundToSession(t *testing.T) {
	st := newFakeFlowStore()
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	url, err := f.Start(context.Background(), "anthropic", "sess-1")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url == "" {
		t.Fatal("expected a non-empty redirect URL")
	}
	if len(st.states) != 1 {
		t.Fatalf("expected exactly one stored oauth state, got %d", len(st.states))
	}
	for _, s := range st.states {
		if s.SessionID != "sess-1" || s.Provider != "anthropic" {
			t.Fatalf("stored state = %+v, want session sess-1 provider anthropic", s)
		}
	}
}

func TestCallbackUnknownProvider(t *testing.T) {
	f := New(testRegistry(), newFakeFlowStore(), []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "does-not-exist", "code", "state", ""); err != ErrUnknownProvider {
		t.Fatalf("Callback with unknown provider = %v, want ErrUnknownProvider", err)
	}
}

func TestCallbackInvalidState(t *testing.T) {
	f := New(testRegistry(), newFakeFlowStore(), []byte("0123456789abcdef0123456789abcdef"), nil)

	// No state was ever created, so ConsumeOAuthState returns nil.
	if _, err := f.Callback(context.Background(), "anthropic", "code", "never-issued", ""); err != ErrInvalidState {
		t.Fatalf("Callback with unissued state = %v, want ErrInvalidState", err)
	}
}

func TestCallbackExpiredState(t *testing.T) {
	st := newFakeFlowStore()
	st.states["expired-state"] = store.OAuthState{
		State:     "expired-state",
		Provider:  "anthropic",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "anthropic", "code", "expired-state", ""); err != ErrInvalidState {
		t.Fatalf("Callback with expired state = %v, want ErrInvalidState", err)
	}
}

func TestCallbackStateForWrongProvider(t *testing.T) {
	st := newFakeFlowStore()
	st.states["mismatched-state"] = store.OAuthState{
		State:     "mismatched-state",
		Provider:  "openai",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "anthropic", "code", "mismatched-state", ""); err != ErrInvalidState {
		t.Fatalf("Callback with state issued for a different provider = %v, want ErrInvalidState", err)
	}
}

func TestStartPinsExistingProviderID(t *testing.T) {
	st := newFakeFlowStore()
	st.providers["anthropic"] = store.Provider{ID: "prov-anthropic", Name: "anthropic", Kind: "oauth"}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Start(context.Background(), "anthropic", "sess-1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, s := range st.states {
		if s.ProviderID != "prov-anthropic" {
			t.Fatalf("stored state ProviderID = %q, want prov-anthropic", s.ProviderID)
		}
	}
}

func TestCallbackRegistersProviderOnFirstExchange(t *testing.T) {
	tokenSrv := newTokenServer(t)
	st := newFakeFlowStore()
	st.addLiveSession("sess-1")
	// No provider row exists yet and the state carries no pinned id: this
	// is the first authorization for the kind.
	st.states["first-state"] = store.OAuthState{
		State:     "first-state",
		Provider:  "anthropic",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}

	reloaded := false
	key := []byte("0123456789abcdef0123456789abcdef")
	f := New(registryWithTokenURL(tokenSrv.URL), st, key, func(ctx context.Context) { reloaded = true })

	account, err := f.Callback(context.Background(), "anthropic", "code", "first-state", "")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}

	provider, ok := st.providers["anthropic"]
	if !ok {
		t.Fatal("Callback should register the provider on first successful exchange")
	}
	if provider.Kind != "oauth" || !provider.Enabled {
		t.Fatalf("registered provider = %+v, want enabled oauth kind", provider)
	}
	if account.ProviderID != provider.ID {
		t.Fatalf("account provider id = %q, want %q", account.ProviderID, provider.ID)
	}
	if account.Status != "active" {
		t.Fatalf("account status = %q, want active", account.Status)
	}

	pair, err := crypto.DecryptTokenPair(st.accounts[account.ID].EncTokens, key)
	if err != nil {
		t.Fatalf("decrypt stored tokens: %v", err)
	}
	if pair.AccessToken != "at-1" || pair.RefreshToken != "rt-1" {
		t.Fatalf("stored token pair = %+v, want at-1/rt-1", pair)
	}

	if !reloaded {
		t.Fatal("Callback should trigger the sidecar reload hook after persisting the account")
	}
}

func TestCallbackUsesPinnedProvider(t *testing.T) {
	tokenSrv := newTokenServer(t)
	st := newFakeFlowStore()
	st.addLiveSession("sess-1")
	st.providers["anthropic"] = store.Provider{ID: "prov-anthropic", Name: "anthropic", Kind: "oauth", Enabled: true}
	st.states["pinned-state"] = store.OAuthState{
		State:      "pinned-state",
		Provider:   "anthropic",
		ProviderID: "prov-anthropic",
		SessionID:  "sess-1",
		ExpiresAt:  time.Now().UTC().Add(time.Minute),
	}

	f := New(registryWithTokenURL(tokenSrv.URL), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	account, err := f.Callback(context.Background(), "anthropic", "code", "pinned-state", "")
	if err != nil {
		t.Fatalf("Callback: %v", err)
	}
	if account.ProviderID != "prov-anthropic" {
		t.Fatalf("account provider id = %q, want the pinned prov-anthropic", account.ProviderID)
	}
	if len(st.providers) != 1 {
		t.Fatalf("no second provider row may be created, got %d", len(st.providers))
	}
}

func TestRefreshActiveAccountUnknownProvider(t *testing.T) {
	f := New(testRegistry(), newFakeFlowStore(), []byte("0123456789abcdef0123456789abcdef"), nil)

	if f.RefreshActiveAccount(context.Background(), "does-not-exist") {
		t.Fatal("RefreshActiveAccount for a provider with no row should return false")
	}
}

func TestRefreshActiveAccountNoActiveAccounts(t *testing.T) {
	st := newFakeFlowStore()
	st.providers["anthropic"] = store.Provider{ID: "prov-1", Name: "anthropic", Kind: "oauth"}
	st.accounts["acct-1"] = store.ProviderAccount{ID: "acct-1", ProviderID: "prov-1", Status: "revoked"}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if f.RefreshActiveAccount(context.Background(), "anthropic") {
		t.Fatal("RefreshActiveAccount should skip non-active accounts and return false")
	}
}

func TestCallbackStateOwnedByAnotherSession(t *testing.T) {
	st := newFakeFlowStore()
	st.addLiveSession("sess-1")
	st.states["owned-state"] = store.OAuthState{
		State:     "owned-state",
		Provider:  "anthropic",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "anthropic", "code", "owned-state", "sess-2"); err != ErrInvalidState {
		t.Fatalf("Callback redeeming another session's state = %v, want ErrInvalidState", err)
	}
}

func TestCallbackIssuingSessionExpired(t *testing.T) {
	st := newFakeFlowStore()
	// sess-1 issued the state but has since been logged out / swept.
	st.states["orphan-state"] = store.OAuthState{
		State:     "orphan-state",
		Provider:  "anthropic",
		SessionID: "sess-1",
		ExpiresAt: time.Now().UTC().Add(time.Minute),
	}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "anthropic", "code", "orphan-state", ""); err != ErrInvalidState {
		t.Fatalf("Callback with a dead issuing session = %v, want ErrInvalidState", err)
	}
}

func TestCallbackProviderGone(t *testing.T) {
	st := newFakeFlowStore()
	st.addLiveSession("sess-1")
	// The state pins a provider row that existed at Start time but has
	// since been deleted: no row with this id remains in st.providers.
	st.states["valid-state"] = store.OAuthState{
		State:      "valid-state",
		Provider:   "anthropic",
		ProviderID: "prov-anthropic",
		SessionID:  "sess-1",
		ExpiresAt:  time.Now().UTC().Add(time.Minute),
	}
	f := New(testRegistry(), st, []byte("0123456789abcdef0123456789abcdef"), nil)

	if _, err := f.Callback(context.Background(), "anthropic", "code", "valid-state", ""); err != ErrProviderGone {
		t.Fatalf("Callback with deleted provider = %v, want ErrProviderGone", err)
	}
	if len(st.providers) != 0 {
		t.Fatal("a deleted provider must not be re-created by the callback")
	}
}
