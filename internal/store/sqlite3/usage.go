package sqlite3

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/oklog/ulid/v2"
	"github.com/rakunlabs/gatehouse/internal/store"
)

// InsertUsageLog writes the usage row and increments the user's used_tokens
// counter inside one transaction, so a crash mid-write never leaves usage
// accounted for without a matching log, or vice versa.
func (s *SQLite) InsertUsageLog(ctx context.Context, log store.UsageLog, tokenDelta int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	id := ulid.Make().String()
	now := time.Now().UTC()

	record := goqu.Record{
		"id":            id,
		"user_id":       log.UserID,
		"provider":      log.Provider,
		"model":         log.Model,
		"tokens_input":  log.TokensInput,
		"tokens_output": log.TokensOutput,
		"duration_ms":   log.DurationMS,
		"status":        log.Status,
		"error_message": nullString(log.ErrorMessage),
		"created_at":    now.Format(time.RFC3339),
	}

	insertQuery, _, err := s.goqu.Insert(s.tableUsageLogs).Rows(record).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert usage_log query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("insert usage_log: %w", err)
	}

	if tokenDelta != 0 {
		if err := s.incrementUsedTokensTx(ctx, tx, log.UserID, tokenDelta); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLite) ListUsageLogs(ctx context.Context, userID string, since time.Time, limit int) ([]store.UsageLog, error) {
	ds := s.goqu.From(s.tableUsageLogs).
		Select("id", "user_id", "provider", "model", "tokens_input", "tokens_output", "duration_ms", "status", "error_message", "created_at").
		Where(goqu.I("created_at").Gte(since.UTC().Format(time.RFC3339))).
		Order(goqu.I("created_at").Desc())

	if userID != "" {
		ds = ds.Where(goqu.I("user_id").Eq(userID))
	}
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list usage_logs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list usage_logs: %w", err)
	}
	defer rows.Close()

	var result []store.UsageLog
	for rows.Next() {
		var (
			l            store.UsageLog
			errorMessage sql.NullString
			createdAt    string
		)

		if err := rows.Scan(&l.ID, &l.UserID, &l.Provider, &l.Model, &l.TokensInput, &l.TokensOutput, &l.DurationMS, &l.Status, &errorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan usage_log row: %w", err)
		}

		l.ErrorMessage = errorMessage.String
		l.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}

		result = append(result, l)
	}

	return result, rows.Err()
}

// ListUsageLogsFiltered backs the admin logs-listing endpoint. It runs the
// same query twice (once bounded, once as a bare count) rather than
// window-function pagination, matching the simple query style the rest of
// this store uses.
func (s *SQLite) ListUsageLogsFiltered(ctx context.Context, filter store.UsageLogFilter) ([]store.UsageLog, int64, error) {
	base := s.goqu.From(s.tableUsageLogs)
	if filter.UserID != "" {
		base = base.Where(goqu.I("user_id").Eq(filter.UserID))
	}
	if filter.Provider != "" {
		base = base.Where(goqu.I("provider").Eq(filter.Provider))
	}
	if filter.Status != "" {
		base = base.Where(goqu.I("status").Eq(filter.Status))
	}

	countQuery, _, err := base.Select(goqu.COUNT("id")).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count usage_logs query: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count usage_logs: %w", err)
	}

	ds := base.
		Select("id", "user_id", "provider", "model", "tokens_input", "tokens_output", "duration_ms", "status", "error_message", "created_at").
		Order(goqu.I("created_at").Desc())

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	ds = ds.Limit(uint(limit))
	if filter.Offset > 0 {
		ds = ds.Offset(uint(filter.Offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list usage_logs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("list usage_logs: %w", err)
	}
	defer rows.Close()

	var result []store.UsageLog
	for rows.Next() {
		var (
			l            store.UsageLog
			errorMessage sql.NullString
			createdAt    string
		)

		if err := rows.Scan(&l.ID, &l.UserID, &l.Provider, &l.Model, &l.TokensInput, &l.TokensOutput, &l.DurationMS, &l.Status, &errorMessage, &createdAt); err != nil {
			return nil, 0, fmt.Errorf("scan usage_log row: %w", err)
		}

		l.ErrorMessage = errorMessage.String
		l.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, 0, fmt.Errorf("parse created_at: %w", err)
		}

		result = append(result, l)
	}

	return result, total, rows.Err()
}

// UpsertDailyUsage replaces the (date, user, provider) bucket with row's
// counters. Replace, not add: callers hand in fully recomputed sums, so
// writing the same row twice is a no-op.
func (s *SQLite) UpsertDailyUsage(ctx context.Context, row store.DailyUsage) error {
	insertQuery, _, err := s.goqu.Insert(s.tableDailyUsage).Rows(goqu.Record{
		"date":           row.Date,
		"user_id":        row.UserID,
		"provider":       row.Provider,
		"tokens_input":   row.TokensInput,
		"tokens_output":  row.TokensOutput,
		"request_count":  row.RequestCount,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build upsert daily_usage query: %w", err)
	}

	upsertQuery := insertQuery +
		" ON CONFLICT(date, user_id, provider) DO UPDATE SET " +
		"tokens_input = excluded.tokens_input, tokens_output = excluded.tokens_output, request_count = excluded.request_count"

	if _, err := s.db.ExecContext(ctx, upsertQuery); err != nil {
		return fmt.Errorf("upsert daily_usage: %w", err)
	}

	return nil
}

func (s *SQLite) ListDailyUsage(ctx context.Context, userID string, from, to string) ([]store.DailyUsage, error) {
	ds := s.goqu.From(s.tableDailyUsage).
		Select("date", "user_id", "provider", "tokens_input", "tokens_output", "request_count").
		Where(goqu.I("date").Gte(from), goqu.I("date").Lte(to)).
		Order(goqu.I("date").Asc())

	if userID != "" {
		ds = ds.Where(goqu.I("user_id").Eq(userID))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list daily_usage query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list daily_usage: %w", err)
	}
	defer rows.Close()

	var result []store.DailyUsage
	for rows.Next() {
		var (
			d        store.DailyUsage
			userID   sql.NullString
			provider sql.NullString
		)
		if err := rows.Scan(&d.Date, &userID, &provider, &d.TokensInput, &d.TokensOutput, &d.RequestCount); err != nil {
			return nil, fmt.Errorf("scan daily_usage row: %w", err)
		}
		d.UserID = userID.String
		d.Provider = provider.String
		result = append(result, d)
	}

	return result, rows.Err()
}

// RollupUsageLogs regenerates gh_daily_usage from every usage log older
// than cutoff, grouped by day/user/provider. Raw logs are left in place
// (PurgeUsageLogs removes them at the retention horizon), and each bucket
// is written with replace semantics, so re-running against the same logs is
// a no-op. Run nightly by internal/usageaccounting's cron job.
func (s *SQLite) RollupUsageLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	selectQuery, _, err := s.goqu.From(s.tableUsageLogs).
		Select("id", "user_id", "provider", "tokens_input", "tokens_output", "created_at").
		Where(goqu.I("created_at").Lt(cutoff.UTC().Format(time.RFC3339))).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build rollup select query: %w", err)
	}

	rows, err := tx.QueryContext(ctx, selectQuery)
	if err != nil {
		return 0, fmt.Errorf("select logs for rollup: %w", err)
	}

	type bucketKey struct {
		date     string
		userID   string
		provider string
	}
	buckets := make(map[bucketKey]store.DailyUsage)
	var folded int64

	for rows.Next() {
		var (
			id, userID, provider, createdAt string
			tokensIn, tokensOut             int64
		)
		if err := rows.Scan(&id, &userID, &provider, &tokensIn, &tokensOut, &createdAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan rollup row: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			rows.Close()
			return 0, fmt.Errorf("parse created_at: %w", err)
		}

		key := bucketKey{date: ts.Format("2006-01-02"), userID: userID, provider: provider}
		b := buckets[key]
		b.Date = key.date
		b.UserID = key.userID
		b.Provider = key.provider
		b.TokensInput += tokensIn
		b.TokensOutput += tokensOut
		b.RequestCount++
		buckets[key] = b

		folded++
	}
	rows.Close()

	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate rollup rows: %w", err)
	}

	for _, b := range buckets {
		insertQuery, _, err := s.goqu.Insert(s.tableDailyUsage).Rows(goqu.Record{
			"date":          b.Date,
			"user_id":       b.UserID,
			"provider":      b.Provider,
			"tokens_input":  b.TokensInput,
			"tokens_output": b.TokensOutput,
			"request_count": b.RequestCount,
		}).ToSQL()
		if err != nil {
			return 0, fmt.Errorf("build rollup upsert query: %w", err)
		}

		upsertQuery := insertQuery +
			" ON CONFLICT(date, user_id, provider) DO UPDATE SET " +
			"tokens_input = excluded.tokens_input, tokens_output = excluded.tokens_output, request_count = excluded.request_count"

		if _, err := tx.ExecContext(ctx, upsertQuery); err != nil {
			return 0, fmt.Errorf("upsert daily_usage bucket: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rollup: %w", err)
	}

	return folded, nil
}

// PurgeUsageLogs deletes raw usage logs older than before. The aggregated
// daily_usage rows they were folded into are kept forever; only the
// per-request detail ages out.
func (s *SQLite) PurgeUsageLogs(ctx context.Context, before time.Time) (int64, error) {
	deleteQuery, _, err := s.goqu.Delete(s.tableUsageLogs).
		Where(goqu.I("created_at").Lt(before.UTC().Format(time.RFC3339))).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build purge usage_logs query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, deleteQuery)
	if err != nil {
		return 0, fmt.Errorf("purge usage_logs: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge usage_logs rows affected: %w", err)
	}

	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
