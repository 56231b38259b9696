// Package sqlite3 is gatehouse's only store backend: a single embedded
// sqlite file, single-writer, migrated with github.com/rakunlabs/muz and
// queried with github.com/doug-martin/goqu/v9.
package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rakunlabs/gatehouse/internal/config"
	"github.com/rakunlabs/gatehouse/internal/crypto"

	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "gh_"

type SQLite struct {
	db   *sql.DB
	goqu *goqu.Database

	tableUsers            exp.IdentifierExpression
	tableUsageLogs        exp.IdentifierExpression
	tableDailyUsage       exp.IdentifierExpression
	tableProviders        exp.IdentifierExpression
	tableProviderAccounts exp.IdentifierExpression
	tableSessions         exp.IdentifierExpression
	tableOAuthStates      exp.IdentifierExpression
	tableSettings         exp.IdentifierExpression

	encKey []byte

	settingsMu    sync.RWMutex
	settingsCache map[string]string
}

func New(ctx context.Context, cfg *config.StoreSQLite, encKey []byte) (*SQLite, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}

	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Table == "" {
		migrate.Table = "schema_migrations"
	}
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	migrate.Table = tablePrefix + migrate.Table
	if migrate.Values == nil {
		migrate.Values = make(map[string]string)
	}
	migrate.Values["TABLE_PREFIX"] = tablePrefix

	if err := MigrateDB(ctx, &migrate); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	// SQLite is single-writer; limit connections accordingly. WAL mode
	// would permit concurrent readers over extra connections — TODO: raise
	// the pool for reads if the admin UI's log/usage queries ever contend
	// with data-plane accounting writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	dbGoqu := goqu.New("sqlite3", db)

	return &SQLite{
		db:                    db,
		goqu:                  dbGoqu,
		tableUsers:            goqu.T(tablePrefix + "users"),
		tableUsageLogs:        goqu.T(tablePrefix + "usage_logs"),
		tableDailyUsage:       goqu.T(tablePrefix + "daily_usage"),
		tableProviders:        goqu.T(tablePrefix + "providers"),
		tableProviderAccounts: goqu.T(tablePrefix + "provider_accounts"),
		tableSessions:         goqu.T(tablePrefix + "sessions"),
		tableOAuthStates:      goqu.T(tablePrefix + "oauth_states"),
		tableSettings:         goqu.T(tablePrefix + "settings"),
		encKey:                encKey,
		settingsCache:         make(map[string]string),
	}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store sqlite connection", "error", err)
		}
	}
}

// DeriveEncryptionKey derives the 32-byte AES key from the configured
// passphrase. Exposed here so the parent store package doesn't need its own
// import of internal/crypto just to produce the key it passes into New.
func DeriveEncryptionKey(passphrase string) ([]byte, error) {
	return crypto.DeriveKey(passphrase)
}
