// Package store defines the persistence contract for gatehouse and the
// single-instance startup guard. The only implementation is sqlite3; the
// embedded store does not tolerate concurrent writers, so a second instance
// pointed at the same data directory must refuse to start rather than
// corrupt state.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatehouse/internal/config"
	"github.com/rakunlabs/gatehouse/internal/store/sqlite3"
)

// User is a gateway API consumer: one bearer key, one quota, one usage
// counter. There is no multi-tenant org hierarchy.
type User struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	KeyPrefix    string     `json:"key_prefix"`
	QuotaTokens  *int64     `json:"quota_tokens"` // nil = unlimited
	UsedTokens   int64      `json:"used_tokens"`
	Enabled      bool       `json:"enabled"`
	CreatedAt    time.Time  `json:"created_at"`
	LastUsedAt   *time.Time `json:"last_used_at"`
}

// UsageLog is one completed (or failed) gateway request.
type UsageLog struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	TokensInput   int64     `json:"tokens_input"`
	TokensOutput  int64     `json:"tokens_output"`
	DurationMS    int64     `json:"duration_ms"`
	Status        string    `json:"status"` // "success" or "error"
	ErrorMessage  string    `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// UsageLogFilter narrows a /api/logs listing. Zero values mean "unfiltered"
// for that field.
type UsageLogFilter struct {
	UserID   string
	Provider string
	Status   string
	Limit    int
	Offset   int
}

// DailyUsage is a pre-aggregated rollup row, one per (date, user, provider).
type DailyUsage struct {
	Date         string `json:"date"` // YYYY-MM-DD, UTC
	UserID       string `json:"user_id"`
	Provider     string `json:"provider"`
	TokensInput  int64  `json:"tokens_input"`
	TokensOutput int64  `json:"tokens_output"`
	RequestCount int64  `json:"request_count"`
}

// Provider is a configured upstream (e.g. "anthropic", "openai-personal").
type Provider struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	Enabled   bool           `json:"enabled"`
	Settings  map[string]any `json:"settings"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// ProviderAccount is one OAuth-authorized identity under a Provider.
// EncTokens is the encrypted crypto.TokenPair JSON blob; callers use
// internal/crypto to encrypt/decrypt it, the store never sees plaintext.
type ProviderAccount struct {
	ID         string                 `json:"id"`
	ProviderID string                 `json:"provider_id"`
	Email      string                 `json:"email,omitempty"`
	EncTokens  string                 `json:"-"`
	Status     string                 `json:"status"` // "active", "expired", "revoked"
	ExpiresAt  types.Null[types.Time] `json:"expires_at"` // zero value = no known expiry
	LastUsedAt types.Null[types.Time] `json:"last_used_at"`
	CreatedAt  types.Time             `json:"created_at"`
}

// Session is an opaque admin session cookie value.
type Session struct {
	ID             string    `json:"id"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// OAuthState binds a CSRF-style state nonce to the admin session that
// started an OAuth flow, so the callback can reject a state it didn't issue
// or one issued to a different session. ProviderID pins the provider row
// that existed when the flow started: empty means the flow will register
// the provider on its first successful exchange, non-empty means that exact
// row must still exist at callback time.
type OAuthState struct {
	State      string    `json:"state"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"provider_id,omitempty"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// UserStorer defines CRUD and usage-accounting operations for users.
type UserStorer interface {
	ListUsers(ctx context.Context) ([]User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	GetUserByKeyPrefix(ctx context.Context, prefix string) (*User, error)
	CreateUser(ctx context.Context, u User, keyHash string) (*User, error)
	UpdateUser(ctx context.Context, id string, u User) (*User, error)
	DeleteUser(ctx context.Context, id string) error
	RotateUserKey(ctx context.Context, id string, keyHash, keyPrefix string) error
	ResetUserUsage(ctx context.Context, id string) error
	TouchUserLastUsed(ctx context.Context, id string) error
	// IncrementUsedTokens adds delta to used_tokens atomically, used inside
	// the same transaction as the matching usage log insert.
	IncrementUsedTokens(ctx context.Context, id string, delta int64) error
}

// UsageStorer defines usage-log writes, rollups, and period reads.
type UsageStorer interface {
	// InsertUsageLog and the matching user token increment happen in a
	// single transaction so a crash never leaves one without the other.
	InsertUsageLog(ctx context.Context, log UsageLog, tokenDelta int64) error
	ListUsageLogs(ctx context.Context, userID string, since time.Time, limit int) ([]UsageLog, error)
	// ListUsageLogsFiltered backs the admin logs-listing endpoint: a richer
	// filter than ListUsageLogs (which only serves the live "today" read in
	// usage summaries), supporting provider/status filters and pagination.
	ListUsageLogsFiltered(ctx context.Context, filter UsageLogFilter) ([]UsageLog, int64, error)
	UpsertDailyUsage(ctx context.Context, row DailyUsage) error
	ListDailyUsage(ctx context.Context, userID string, from, to string) ([]DailyUsage, error)
	// RollupUsageLogs regenerates gh_daily_usage from usage logs older than
	// cutoff and reports how many log rows were folded. Idempotent: buckets
	// are replaced with recomputed sums, and raw logs stay in place.
	RollupUsageLogs(ctx context.Context, cutoff time.Time) (int64, error)
	// PurgeUsageLogs deletes raw gh_usage_logs rows older than before and
	// reports how many were removed. Separate from RollupUsageLogs: folding
	// runs nightly against everything before today, purging runs against
	// the much longer retention horizon. Aggregates survive the purge.
	PurgeUsageLogs(ctx context.Context, before time.Time) (int64, error)
}

// ProviderStorer defines CRUD for providers and their OAuth accounts.
type ProviderStorer interface {
	ListProviders(ctx context.Context) ([]Provider, error)
	GetProvider(ctx context.Context, id string) (*Provider, error)
	GetProviderByName(ctx context.Context, name string) (*Provider, error)
	CreateProvider(ctx context.Context, p Provider) (*Provider, error)
	UpdateProvider(ctx context.Context, id string, p Provider) (*Provider, error)
	DeleteProvider(ctx context.Context, id string) error

	ListProviderAccounts(ctx context.Context, providerID string) ([]ProviderAccount, error)
	GetProviderAccount(ctx context.Context, id string) (*ProviderAccount, error)
	CreateProviderAccount(ctx context.Context, a ProviderAccount) (*ProviderAccount, error)
	UpdateProviderAccountTokens(ctx context.Context, id string, encTokens string, expiresAt types.Null[types.Time]) error
	UpdateProviderAccountStatus(ctx context.Context, id string, status string) error
	DeleteProviderAccount(ctx context.Context, id string) error
}

// SessionStorer defines CRUD for admin sessions and OAuth state nonces.
type SessionStorer interface {
	CreateSession(ctx context.Context, s Session) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	TouchSession(ctx context.Context, id string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)

	CreateOAuthState(ctx context.Context, s OAuthState) (*OAuthState, error)
	ConsumeOAuthState(ctx context.Context, state string) (*OAuthState, error)
}

// SettingsStorer defines the key-value settings table, backed in-memory by
// an invalidate-on-write cache (see internal/store/sqlite3/settings.go).
type SettingsStorer interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// StorerClose is the full persistence surface gatehouse depends on.
type StorerClose interface {
	UserStorer
	UsageStorer
	ProviderStorer
	SessionStorer
	SettingsStorer
	Close()
}

// New opens the configured store and runs migrations. It acquires the
// single-instance lock file first: a second gatehouse process pointed at
// the same data directory fails fast here instead of corrupting the sqlite
// file underneath a live writer.
func New(ctx context.Context, cfg config.Store) (StorerClose, error) {
	if cfg.SQLite == nil {
		return nil, errors.New("no store configured: sqlite section is required")
	}

	if err := acquireInstanceLock(cfg.DataDir); err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}

	encKey, err := deriveEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	db, err := sqlite3.New(ctx, cfg.SQLite, encKey)
	if err != nil {
		return nil, err
	}

	return db, nil
}

func deriveEncryptionKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("store.encryption_key is required")
	}

	return sqlite3.DeriveEncryptionKey(passphrase)
}

// acquireInstanceLock writes a PID-stamped lock file in dataDir and refuses
// to proceed if one already exists and its PID is still alive. A dead PID
// makes the lock advisory-only; the pure-Go sqlite driver can't share an
// OS-level flock() with us, so this stays a plain file.
func acquireInstanceLock(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	lockPath := filepath.Join(dataDir, "gatehouse.lock")

	if existing, err := os.ReadFile(lockPath); err == nil {
		if pid, perr := strconv.Atoi(string(existing)); perr == nil && processAlive(pid) {
			return fmt.Errorf("another gatehouse instance (pid %d) holds %s", pid, lockPath)
		}
	}

	return os.WriteFile(lockPath, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On unix, FindProcess always succeeds; signal 0 probes liveness
	// without actually sending a signal.
	return proc.Signal(syscall.Signal(0)) == nil
}
