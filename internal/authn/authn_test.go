package authn

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatehouse/internal/store"
)

// fakeStore is a minimal in-memory store.StorerClose for authn tests. Only
// the methods authn actually exercises hold real state; everything else
// returns zero values since nothing here calls them.
type fakeStore struct {
	settings map[string]string
	sessions map[string]store.Session
	users    map[string]store.User
	keyHash  map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		settings: make(map[string]string),
		sessions: make(map[string]store.Session),
		users:    make(map[string]store.User),
		keyHash:  make(map[string]string),
	}
}

func (f *fakeStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, ok := f.settings[key]
	return v, ok, nil
}
func (f *fakeStore) SetSetting(ctx context.Context, key, value string) error {
	f.settings[key] = value
	return nil
}

var sessionCounter int

func (f *fakeStore) CreateSession(ctx context.Context, s store.Session) (*store.Session, error) {
	sessionCounter++
	s.ID = "sess-" + string(rune('0'+sessionCounter))
	s.CreatedAt = time.Now().UTC()
	s.LastAccessedAt = s.CreatedAt
	f.sessions[s.ID] = s
	return &s, nil
}
func (f *fakeStore) GetSession(ctx context.Context, id string) (*store.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, nil
	}
	return &s, nil
}
func (f *fakeStore) TouchSession(ctx context.Context, id string, expiresAt time.Time) error {
	s, ok := f.sessions[id]
	if !ok {
		return nil
	}
	s.ExpiresAt = expiresAt
	f.sessions[id] = s
	return nil
}
func (f *fakeStore) DeleteSession(ctx context.Context, id string) error {
	delete(f.sessions, id)
	return nil
}
func (f *fakeStore) DeleteExpiredSessions(ctx context.Context) (int64, error) { return 0, nil }
func (f *fakeStore) CreateOAuthState(ctx context.Context, s store.OAuthState) (*store.OAuthState, error) {
	return &s, nil
}
func (f *fakeStore) ConsumeOAuthState(ctx context.Context, state string) (*store.OAuthState, error) {
	return nil, nil
}

func (f *fakeStore) ListUsers(ctx context.Context) ([]store.User, error) { return nil, nil }
func (f *fakeStore) GetUser(ctx context.Context, id string) (*store.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}
func (f *fakeStore) GetUserByKeyPrefix(ctx context.Context, prefix string) (*store.User, error) {
	for _, u := range f.users {
		if u.KeyPrefix == prefix {
			return &u, nil
		}
	}
	return nil, nil
}
func (f *fakeStore) CreateUser(ctx context.Context, u store.User, keyHash string) (*store.User, error) {
	f.users[u.ID] = u
	f.keyHash[u.ID] = keyHash
	return &u, nil
}
func (f *fakeStore) UpdateUser(ctx context.Context, id string, u store.User) (*store.User, error) {
	return &u, nil
}
func (f *fakeStore) DeleteUser(ctx context.Context, id string) error { return nil }
func (f *fakeStore) RotateUserKey(ctx context.Context, id string, keyHash, keyPrefix string) error {
	f.keyHash[id] = keyHash
	return nil
}
func (f *fakeStore) ResetUserUsage(ctx context.Context, id string) error        { return nil }
func (f *fakeStore) TouchUserLastUsed(ctx context.Context, id string) error     { return nil }
func (f *fakeStore) IncrementUsedTokens(ctx context.Context, id string, delta int64) error {
	return nil
}
func (f *fakeStore) GetUserKeyHash(ctx context.Context, id string) (string, error) {
	return f.keyHash[id], nil
}

func (f *fakeStore) InsertUsageLog(ctx context.Context, log store.UsageLog, tokenDelta int64) error {
	return nil
}
func (f *fakeStore) ListUsageLogs(ctx context.Context, userID string, since time.Time, limit int) ([]store.UsageLog, error) {
	return nil, nil
}
func (f *fakeStore) ListUsageLogsFiltered(ctx context.Context, filter store.UsageLogFilter) ([]store.UsageLog, int64, error) {
	return nil, 0, nil
}
func (f *fakeStore) UpsertDailyUsage(ctx context.Context, row store.DailyUsage) error { return nil }
func (f *fakeStore) ListDailyUsage(ctx context.Context, userID string, from, to string) ([]store.DailyUsage, error) {
	return nil, nil
}
func (f *fakeStore) RollupUsageLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeStore) PurgeUsageLogs(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) ListProviders(ctx context.Context) ([]store.Provider, error) { return nil, nil }
func (f *fakeStore) GetProvider(ctx context.Context, id string) (*store.Provider, error) {
	return nil, nil
}
func (f *fakeStore) GetProviderByName(ctx context.Context, name string) (*store.Provider, error) {
	return nil, nil
}
func (f *fakeStore) CreateProvider(ctx context.Context, p store.Provider) (*store.Provider, error) {
	return &p, nil
}
func (f *fakeStore) UpdateProvider(ctx context.Context, id string, p store.Provider) (*store.Provider, error) {
	return &p, nil
}
func (f *fakeStore) DeleteProvider(ctx context.Context, id string) error { return nil }
func (f *fakeStore) ListProviderAccounts(ctx context.Context, providerID string) ([]store.ProviderAccount, error) {
	return nil, nil
}
func (f *fakeStore) GetProviderAccount(ctx context.Context, id string) (*store.ProviderAccount, error) {
	return nil, nil
}
func (f *fakeStore) CreateProviderAccount(ctx context.Context, a store.ProviderAccount) (*store.ProviderAccount, error) {
	return &a, nil
}
func (f *fakeStore) UpdateProviderAccountTokens(ctx context.Context, id string, encTokens string, expiresAt types.Null[types.Time]) error {
	return nil
}
func (f *fakeStore) UpdateProviderAccountStatus(ctx context.Context, id string, status string) error {
	return nil
}
func (f *fakeStore) DeleteProviderAccount(ctx context.Context, id string) error { return nil }

func (f *fakeStore) Close() {}

func TestBootstrapSeedsOnceThenLeavesHashAlone(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	if err := m.Bootstrap(context.Background(), "correct-horse"); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	firstHash := st.settings[settingAdminPasswordHash]
	if firstHash == "" {
		t.Fatal("expected admin password hash to be seeded")
	}

	// A second Bootstrap call with a different password must not overwrite
	// the already-seeded hash.
	if err := m.Bootstrap(context.Background(), "a-different-password"); err != nil {
		t.Fatalf("second Bootstrap: %v", err)
	}
	if st.settings[settingAdminPasswordHash] != firstHash {
		t.Fatal("Bootstrap overwrote an already-seeded admin password hash")
	}

	if err := m.VerifyAdminPassword(context.Background(), "correct-horse"); err != nil {
		t.Fatalf("VerifyAdminPassword with original password: %v", err)
	}
	if err := m.VerifyAdminPassword(context.Background(), "a-different-password"); err == nil {
		t.Fatal("VerifyAdminPassword should reject the password from the ignored second Bootstrap call")
	}
}

func TestBootstrapRequiresPasswordOnFirstRun(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	if err := m.Bootstrap(context.Background(), ""); err == nil {
		t.Fatal("expected error bootstrapping with an empty password")
	}
}

func TestSessionLifecycle(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	sess, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := m.ValidateSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("ValidateSession returned %q, want %q", got.ID, sess.ID)
	}

	if err := m.DestroySession(context.Background(), sess.ID); err != nil {
		t.Fatalf("DestroySession: %v", err)
	}

	if _, err := m.ValidateSession(context.Background(), sess.ID); err != ErrInvalidCredentials {
		t.Fatalf("ValidateSession after destroy = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateSessionRejectsExpired(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	sess, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	expired := st.sessions[sess.ID]
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	st.sessions[sess.ID] = expired

	if _, err := m.ValidateSession(context.Background(), sess.ID); err != ErrInvalidCredentials {
		t.Fatalf("ValidateSession on expired session = %v, want ErrInvalidCredentials", err)
	}

	if _, ok := st.sessions[sess.ID]; ok {
		t.Fatal("expired session should be deleted from the store")
	}
}

func TestValidateSessionHardCap(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	sess, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A session older than the hard cap is dead no matter how recently it
	// was touched.
	aged := st.sessions[sess.ID]
	aged.CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	aged.ExpiresAt = time.Now().UTC().Add(time.Hour)
	st.sessions[sess.ID] = aged

	if _, err := m.ValidateSession(context.Background(), sess.ID); err != ErrInvalidCredentials {
		t.Fatalf("ValidateSession past hard cap = %v, want ErrInvalidCredentials", err)
	}
	if _, ok := st.sessions[sess.ID]; ok {
		t.Fatal("hard-capped session should be deleted from the store")
	}
}

func TestValidateSessionSlideClampedToHardCap(t *testing.T) {
	st := newFakeStore()
	m := NewManager(st, time.Hour, 24*time.Hour)

	sess, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// 23.5h into a 24h lifetime: still valid, but the slide must stop at
	// the cap rather than granting another full hour.
	near := st.sessions[sess.ID]
	near.CreatedAt = time.Now().UTC().Add(-23*time.Hour - 30*time.Minute)
	near.ExpiresAt = time.Now().UTC().Add(time.Minute)
	st.sessions[sess.ID] = near

	got, err := m.ValidateSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("ValidateSession: %v", err)
	}

	hardStop := near.CreatedAt.Add(24 * time.Hour)
	if got.ExpiresAt.After(hardStop) {
		t.Fatalf("slid expiry %v exceeds hard cap %v", got.ExpiresAt, hardStop)
	}
	if !got.ExpiresAt.Equal(hardStop) {
		t.Fatalf("slid expiry %v, want clamped exactly to hard cap %v", got.ExpiresAt, hardStop)
	}
}

func TestCheckCSRF(t *testing.T) {
	tests := []struct {
		cookie, header string
		want           bool
	}{
		{"abc", "abc", true},
		{"abc", "def", false},
		{"", "abc", false},
		{"abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		if got := CheckCSRF(tt.cookie, tt.header); got != tt.want {
			t.Errorf("CheckCSRF(%q, %q) = %v, want %v", tt.cookie, tt.header, got, tt.want)
		}
	}
}

func TestAuthenticateAPIKeyRoundTrip(t *testing.T) {
	st := newFakeStore()

	fullKey, prefix, err := GenerateAPIKey("alice")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if prefix != "sk-alice" {
		t.Fatalf("GenerateAPIKey prefix = %q, want sk-alice", prefix)
	}
	if !strings.HasPrefix(fullKey, "sk-alice-") || len(fullKey) != len("sk-alice-")+32 {
		t.Fatalf("GenerateAPIKey key shape %q, want sk-alice-<32 chars>", fullKey)
	}
	hash, err := HashAPIKey(fullKey)
	if err != nil {
		t.Fatalf("HashAPIKey: %v", err)
	}

	st.users["u1"] = store.User{ID: "u1", KeyPrefix: prefix, Enabled: true}
	st.keyHash["u1"] = hash

	user, err := AuthenticateAPIKey(context.Background(), st, "Bearer "+fullKey)
	if err != nil {
		t.Fatalf("AuthenticateAPIKey: %v", err)
	}
	if user.ID != "u1" {
		t.Fatalf("AuthenticateAPIKey returned user %q, want u1", user.ID)
	}
}

func TestAuthenticateAPIKeyRejectsWrongKey(t *testing.T) {
	st := newFakeStore()

	fullKey, prefix, _ := GenerateAPIKey("alice")
	hash, _ := HashAPIKey(fullKey)
	st.users["u1"] = store.User{ID: "u1", KeyPrefix: prefix, Enabled: true}
	st.keyHash["u1"] = hash

	otherKey, _, _ := GenerateAPIKey("alice")

	if _, err := AuthenticateAPIKey(context.Background(), st, "Bearer "+otherKey); err != ErrInvalidCredentials {
		t.Fatalf("AuthenticateAPIKey with wrong key = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateAPIKeyRejectsMalformedHeader(t *testing.T) {
	st := newFakeStore()

	tests := []string{"", "not-bearer-scheme", "Bearer "}
	for _, header := range tests {
		if _, err := AuthenticateAPIKey(context.Background(), st, header); err != ErrInvalidCredentials {
			t.Errorf("AuthenticateAPIKey(%q) = %v, want ErrInvalidCredentials", header, err)
		}
	}
}
