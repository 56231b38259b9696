package sqlite3

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rakunlabs/gatehouse/internal/store"
)

func newOpaqueID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate opaque id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func (s *SQLite) CreateSession(ctx context.Context, sess store.Session) (*store.Session, error) {
	id, err := newOpaqueID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableSessions).Rows(goqu.Record{
		"id":                id,
		"expires_at":        sess.ExpiresAt.UTC().Format(time.RFC3339),
		"created_at":        now.Format(time.RFC3339),
		"last_accessed_at":  now.Format(time.RFC3339),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	sess.ID = id
	sess.CreatedAt = now
	sess.LastAccessedAt = now

	return &sess, nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (*store.Session, error) {
	query, _, err := s.goqu.From(s.tableSessions).
		Select("id", "expires_at", "created_at", "last_accessed_at").
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get session query: %w", err)
	}

	var (
		sess                                   store.Session
		expiresAt, createdAt, lastAccessedAt string
	)

	err = s.db.QueryRowContext(ctx, query).Scan(&sess.ID, &expiresAt, &createdAt, &lastAccessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %q: %w", id, err)
	}

	if sess.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if sess.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if sess.LastAccessedAt, err = time.Parse(time.RFC3339, lastAccessedAt); err != nil {
		return nil, fmt.Errorf("parse last_accessed_at: %w", err)
	}

	return &sess, nil
}

func (s *SQLite) TouchSession(ctx context.Context, id string, expiresAt time.Time) error {
	query, _, err := s.goqu.Update(s.tableSessions).Set(goqu.Record{
		"expires_at":        expiresAt.UTC().Format(time.RFC3339),
		"last_accessed_at":  time.Now().UTC().Format(time.RFC3339),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch session %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableSessions).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete session query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete session %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	query, _, err := s.goqu.Delete(s.tableSessions).
		Where(goqu.I("expires_at").Lt(time.Now().UTC().Format(time.RFC3339))).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build delete expired sessions query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}

	return res.RowsAffected()
}

// ─── OAuth state nonces ───

func (s *SQLite) CreateOAuthState(ctx context.Context, st store.OAuthState) (*store.OAuthState, error) {
	// oauthflow supplies the state nonce it embeds in the provider redirect
	// URL; it must be persisted verbatim or the callback can never match it.
	state := st.State
	if state == "" {
		var err error
		if state, err = newOpaqueID(); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableOAuthStates).Rows(goqu.Record{
		"state":       state,
		"provider":    st.Provider,
		"provider_id": nullString(st.ProviderID),
		"session_id":  st.SessionID,
		"created_at":  now.Format(time.RFC3339),
		"expires_at":  st.ExpiresAt.UTC().Format(time.RFC3339),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert oauth_state query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create oauth_state: %w", err)
	}

	st.State = state
	st.CreatedAt = now

	return &st, nil
}

// ConsumeOAuthState fetches and deletes a state nonce in one transaction,
// so the same state can never be replayed against the callback endpoint.
func (s *SQLite) ConsumeOAuthState(ctx context.Context, state string) (*store.OAuthState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableOAuthStates).
		Select("state", "provider", "provider_id", "session_id", "created_at", "expires_at").
		Where(goqu.I("state").Eq(state)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build select oauth_state query: %w", err)
	}

	var (
		st                   store.OAuthState
		providerID           sql.NullString
		createdAt, expiresAt string
	)

	err = tx.QueryRowContext(ctx, selectQuery).Scan(&st.State, &st.Provider, &providerID, &st.SessionID, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth_state: %w", err)
	}
	st.ProviderID = providerID.String

	if st.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if st.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}

	deleteQuery, _, err := s.goqu.Delete(s.tableOAuthStates).Where(goqu.I("state").Eq(state)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build delete oauth_state query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return nil, fmt.Errorf("delete oauth_state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume oauth_state: %w", err)
	}

	return &st, nil
}
