package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"
)

// GetSetting reads through an in-memory cache invalidated on every write;
// the cache is advisory (this is a single-writer process, not a cluster)
// and exists purely to avoid round-tripping to sqlite for hot settings like
// the admin password hash, checked on every request.
func (s *SQLite) GetSetting(ctx context.Context, key string) (string, bool, error) {
	s.settingsMu.RLock()
	if v, ok := s.settingsCache[key]; ok {
		s.settingsMu.RUnlock()
		return v, true, nil
	}
	s.settingsMu.RUnlock()

	query, _, err := s.goqu.From(s.tableSettings).
		Select("value").
		Where(goqu.I("key").Eq(key)).
		ToSQL()
	if err != nil {
		return "", false, fmt.Errorf("build get setting query: %w", err)
	}

	var value string
	err = s.db.QueryRowContext(ctx, query).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}

	s.settingsMu.Lock()
	s.settingsCache[key] = value
	s.settingsMu.Unlock()

	return value, true, nil
}

func (s *SQLite) SetSetting(ctx context.Context, key, value string) error {
	insertQuery, _, err := s.goqu.Insert(s.tableSettings).Rows(goqu.Record{
		"key": key, "value": value,
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build set setting query: %w", err)
	}

	upsertQuery := insertQuery + " ON CONFLICT(key) DO UPDATE SET value = excluded.value"

	if _, err := s.db.ExecContext(ctx, upsertQuery); err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}

	s.settingsMu.Lock()
	delete(s.settingsCache, key)
	s.settingsMu.Unlock()

	return nil
}
