package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage/migrations"
	"github.com/rl1809/inventory-ledger/internal/port"
)

// SQLiteAdapter persists the ledger in a single SQLite file.
type SQLiteAdapter struct {
	*sqlLedger
}

var _ port.LedgerRepository = (*SQLiteAdapter)(nil)

// OpenSQLite opens (or creates) the database at path and applies the
// embedded migrations. Write transactions begin IMMEDIATE so concurrent
// writers queue on the busy timeout instead of failing on lock upgrade.
func OpenSQLite(ctx context.Context, path string) (*SQLiteAdapter, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	dsn := filepath.Clean(path) +
		"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, db, migrations.FS); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteAdapter{sqlLedger: &sqlLedger{
		db: db,
		dialect: sqlDialect{
			upsertProduct: insertProductSQL + `
				ON CONFLICT (id) DO UPDATE SET
					name = excluded.name,
					description = excluded.description,
					image = excluded.image,
					created_at = excluded.created_at,
					last_updated = excluded.last_updated`,
			upsertPerson: `INSERT INTO people (id, first_name, last_name, avatar, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (id) DO UPDATE SET
					first_name = excluded.first_name,
					last_name = excluded.last_name,
					avatar = excluded.avatar`,
			lockProduct:       `SELECT id FROM products WHERE id = ?`,
			isUniqueViolation: isSQLiteUniqueViolation,
		},
	}}, nil
}

func (s *SQLiteAdapter) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}
