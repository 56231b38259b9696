package sqlite3

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/worldline-go/types"

	"github.com/rakunlabs/gatehouse/internal/store"
)

var providerColumns = []any{"id", "name", "kind", "enabled", "settings", "created_at", "updated_at"}

func scanProviderRow(sc interface{ Scan(...any) error }) (*store.Provider, error) {
	var (
		p                    store.Provider
		settingsJSON         string
		createdAt, updatedAt string
	)

	if err := sc.Scan(&p.ID, &p.Name, &p.Kind, &p.Enabled, &settingsJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(settingsJSON), &p.Settings); err != nil {
		return nil, fmt.Errorf("unmarshal provider settings: %w", err)
	}

	var err error
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}

	return &p, nil
}

func (s *SQLite) ListProviders(ctx context.Context) ([]store.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).Select(providerColumns...).Order(goqu.I("name").Asc()).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list providers query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var result []store.Provider
	for rows.Next() {
		p, err := scanProviderRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider row: %w", err)
		}
		result = append(result, *p)
	}

	return result, rows.Err()
}

func (s *SQLite) getProviderWhere(ctx context.Context, col string, val any) (*store.Provider, error) {
	query, _, err := s.goqu.From(s.tableProviders).Select(providerColumns...).Where(goqu.I(col).Eq(val)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider query: %w", err)
	}

	p, err := scanProviderRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider by %s %v: %w", col, val, err)
	}

	return p, nil
}

func (s *SQLite) GetProvider(ctx context.Context, id string) (*store.Provider, error) {
	return s.getProviderWhere(ctx, "id", id)
}

func (s *SQLite) GetProviderByName(ctx context.Context, name string) (*store.Provider, error) {
	return s.getProviderWhere(ctx, "name", name)
}

func (s *SQLite) CreateProvider(ctx context.Context, p store.Provider) (*store.Provider, error) {
	settingsJSON, err := json.Marshal(p.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal provider settings: %w", err)
	}

	id := ulid.Make().String()
	now := time.Now().UTC()

	query, _, err := s.goqu.Insert(s.tableProviders).Rows(goqu.Record{
		"id":         id,
		"name":       p.Name,
		"kind":       p.Kind,
		"enabled":    p.Enabled,
		"settings":   string(settingsJSON),
		"created_at": now.Format(time.RFC3339),
		"updated_at": now.Format(time.RFC3339),
	}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider %q: %w", p.Name, err)
	}

	p.ID = id
	p.CreatedAt = now
	p.UpdatedAt = now

	return &p, nil
}

func (s *SQLite) UpdateProvider(ctx context.Context, id string, p store.Provider) (*store.Provider, error) {
	settingsJSON, err := json.Marshal(p.Settings)
	if err != nil {
		return nil, fmt.Errorf("marshal provider settings: %w", err)
	}

	now := time.Now().UTC()

	query, _, err := s.goqu.Update(s.tableProviders).Set(goqu.Record{
		"name":       p.Name,
		"kind":       p.Kind,
		"enabled":    p.Enabled,
		"settings":   string(settingsJSON),
		"updated_at": now.Format(time.RFC3339),
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update provider query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update provider %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return s.GetProvider(ctx, id)
}

func (s *SQLite) DeleteProvider(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProviders).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider %q: %w", id, err)
	}

	return nil
}

// ─── Provider Account CRUD ───

var providerAccountColumns = []any{"id", "provider_id", "email", "enc_tokens", "status", "expires_at", "last_used_at", "created_at"}

func scanProviderAccountRow(sc interface{ Scan(...any) error }) (*store.ProviderAccount, error) {
	var (
		a     store.ProviderAccount
		email sql.NullString
	)

	if err := sc.Scan(&a.ID, &a.ProviderID, &email, &a.EncTokens, &a.Status, &a.ExpiresAt, &a.LastUsedAt, &a.CreatedAt); err != nil {
		return nil, err
	}

	a.Email = email.String

	return &a, nil
}

func (s *SQLite) ListProviderAccounts(ctx context.Context, providerID string) ([]store.ProviderAccount, error) {
	query, _, err := s.goqu.From(s.tableProviderAccounts).
		Select(providerAccountColumns...).
		Where(goqu.I("provider_id").Eq(providerID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list provider_accounts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list provider_accounts: %w", err)
	}
	defer rows.Close()

	var result []store.ProviderAccount
	for rows.Next() {
		a, err := scanProviderAccountRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider_account row: %w", err)
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (s *SQLite) GetProviderAccount(ctx context.Context, id string) (*store.ProviderAccount, error) {
	query, _, err := s.goqu.From(s.tableProviderAccounts).
		Select(providerAccountColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get provider_account query: %w", err)
	}

	a, err := scanProviderAccountRow(s.db.QueryRowContext(ctx, query))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get provider_account %q: %w", id, err)
	}

	return a, nil
}

func (s *SQLite) CreateProviderAccount(ctx context.Context, a store.ProviderAccount) (*store.ProviderAccount, error) {
	id := ulid.Make().String()
	now := types.NewTime(time.Now().UTC())

	record := goqu.Record{
		"id":          id,
		"provider_id": a.ProviderID,
		"email":       nullString(a.Email),
		"enc_tokens":  a.EncTokens,
		"status":      a.Status,
		"expires_at":  a.ExpiresAt,
		"created_at":  now,
	}

	query, _, err := s.goqu.Insert(s.tableProviderAccounts).Rows(record).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert provider_account query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create provider_account: %w", err)
	}

	a.ID = id
	a.CreatedAt = now

	return &a, nil
}

func (s *SQLite) UpdateProviderAccountTokens(ctx context.Context, id string, encTokens string, expiresAt types.Null[types.Time]) error {
	query, _, err := s.goqu.Update(s.tableProviderAccounts).Set(goqu.Record{
		"enc_tokens": encTokens,
		"expires_at": expiresAt,
		"status":     "active",
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update provider_account tokens query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update provider_account tokens %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) UpdateProviderAccountStatus(ctx context.Context, id string, status string) error {
	query, _, err := s.goqu.Update(s.tableProviderAccounts).Set(goqu.Record{
		"status": status,
	}).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update provider_account status query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update provider_account status %q: %w", id, err)
	}

	return nil
}

func (s *SQLite) DeleteProviderAccount(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableProviderAccounts).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete provider_account query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete provider_account %q: %w", id, err)
	}

	return nil
}

