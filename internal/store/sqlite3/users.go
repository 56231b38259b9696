package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatehouse/internal/store"
)

type userRow struct {
	ID          string
	Name        string
	KeyHash     string
	KeyPrefix   string
	QuotaTokens sql.NullInt64
	UsedTokens  int64
	Enabled     bool
	CreatedAt   string
	LastUsedAt  sql.NullString
}

func (r userRow) toUser() (*store.User, error) {
	createdAt, err := time.Parse(time.RFC3339, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}

	u := &store.User{
		ID:         r.ID,
		Name:       r.Name,
		KeyPrefix:  r.KeyPrefix,
		UsedTokens: r.UsedTokens,
		Enabled:    r.Enabled,
		CreatedAt:  createdAt,
	}

	if r.QuotaTokens.Valid {
		u.QuotaTokens = &r.QuotaTokens.Int64
	}

	if r.LastUsedAt.Valid {
		t, err := time.Parse(time.RFC3339, r.LastUsedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse last_used_at: %w", err)
		}
		u.LastUsedAt = &t
	}

	return u, nil
}

var userColumns = []any{"id", "name", "key_hash", "key_prefix", "quota_tokens", "used_tokens", "enabled", "created_at", "last_used_at"}

func scanUserRow(sc interface{ Scan(...any) error }) (userRow, error) {
	var r userRow
	err := sc.Scan(&r.ID, &r.Name, &r.KeyHash, &r.KeyPrefix, &r.QuotaTokens, &r.UsedTokens, &r.Enabled, &r.CreatedAt, &r.LastUsedAt)
	return r, err
}

func (s *SQLite) ListUsers(ctx context.Context) ([]store.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select(userColumns...).Order(goqu.I("created_at").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list users query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var result []store.User
	for rows.Next() {
		row, err := scanUserRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user row: %w", err)
		}
		u, err := row.toUser()
		if err != nil {
			return nil, err
		}
		result = append(result, *u)
	}

	return result, rows.Err()
}

func (s *SQLite) GetUser(ctx context.Context, id string) (*store.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select(userColumns...).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user query: %w", err)
	}

	row, err := scanUserRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", id, err)
	}

	return row.toUser()
}

// GetUserKeyHash returns the bcrypt hash for a user's API key, used only by
// internal/authn's bearer-key verification path.
func (s *SQLite) GetUserKeyHash(ctx context.Context, id string) (string, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select("key_hash").Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return "", fmt.Errorf("build get key_hash query: %w", err)
	}

	var hash string
	err = s.db.QueryRowContext(ctx, query).Scan(&hash)
	if err != nil {
		return "", fmt.Errorf("get key_hash for user %q: %w", id, err)
	}

	return hash, nil
}

func (s *SQLite) GetUserByKeyPrefix(ctx context.Context, prefix string) (*store.User, error) {
	query, _, err := s.goqu.From(s.tableUsers).Select(userColumns...).Where(goqu.I("key_prefix").Eq(prefix)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get user by prefix query: %w", err)
	}

	row, err := scanUserRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by prefix %q: %w", prefix, err)
	}

	return row.toUser()
}

func (s *SQLite) CreateUser(ctx context.Context, u store.User, keyHash string) (*store.User, error) {
	id := ulid.Make().String()
	now := time.Now().UTC()

	record := goqu.Record{
		"id":           id,
		"name":         u.Name,
		"key_hash":     keyHash,
		"key_prefix":   u.KeyPrefix,
		"quota_tokens": nullInt64(u.QuotaTokens),
		"used_tokens":  0,
		"enabled":      u.Enabled,
		"created_at":   now.Format(time.RFC3339),
	}

	query, _, err := s.goqu.Insert(s.tableUsers).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create user %q: %w", u.Name, err)
	}

	u.ID = id
	u.CreatedAt = now
	u.UsedTokens = 0

	return &u, nil
}

func (s *SQLite) UpdateUser(ctx context.Context, id string, u store.User) (*store.User, error) {
	record := goqu.Record{
		"name":         u.Name,
		"quota_tokens": nullInt64(u.QuotaTokens),
		"enabled":      u.Enabled,
	}

	query, _, err := s.goqu.Update(s.tableUsers).Set(record).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update user query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update user %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return s.GetUser(ctx, id)
}

func (s *SQLite) DeleteUser(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableUsers).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete user query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete user %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) RotateUserKey(ctx context.Context, id string, keyHash, keyPrefix string) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{"key_hash": keyHash, "key_prefix": keyPrefix},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build rotate key query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("rotate key for user %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) ResetUserUsage(ctx context.Context, id string) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{"used_tokens": 0},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build reset usage query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("reset usage for user %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) TouchUserLastUsed(ctx context.Context, id string) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{"last_used_at": time.Now().UTC().Format(time.RFC3339)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build touch last_used query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("touch last_used for user %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) IncrementUsedTokens(ctx context.Context, id string, delta int64) error {
	return s.incrementUsedTokensTx(ctx, s.db, id, delta)
}

func (s *SQLite) incrementUsedTokensTx(ctx context.Context, execer interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, id string, delta int64) error {
	query, _, err := s.goqu.Update(s.tableUsers).Set(
		goqu.Record{"used_tokens": goqu.L("used_tokens + ?", delta)},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build increment used_tokens query: %w", err)
	}

	if _, err := execer.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("increment used_tokens for user %q: %w", id, err)
	}

	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
