package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/inventory-ledger/internal/port"
)

const mysqlDuplicateEntry = 1062

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(191) NOT NULL PRIMARY KEY,
		name VARCHAR(512) NOT NULL DEFAULT '',
		description TEXT NOT NULL,
		image LONGBLOB NULL,
		created_at BIGINT NOT NULL,
		last_updated BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS transactions (
		id VARCHAR(64) NOT NULL PRIMARY KEY,
		product_id VARCHAR(191) NOT NULL,
		actor_id VARCHAR(191) NOT NULL,
		amount BIGINT NOT NULL,
		created_at BIGINT NOT NULL,
		KEY idx_transactions_product_order (product_id, created_at, id),
		CONSTRAINT fk_transactions_product FOREIGN KEY (product_id) REFERENCES products (id)
	)`,
	`CREATE TABLE IF NOT EXISTS people (
		id VARCHAR(191) NOT NULL PRIMARY KEY,
		first_name VARCHAR(255) NOT NULL DEFAULT '',
		last_name VARCHAR(255) NOT NULL DEFAULT '',
		avatar LONGBLOB NULL,
		created_at BIGINT NOT NULL
	)`,
}

// MySQLAdapter persists the ledger in MySQL. Appends lock the product row
// so a concurrent writer on another node serialises behind it.
type MySQLAdapter struct {
	*sqlLedger
}

var _ port.LedgerRepository = (*MySQLAdapter)(nil)

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{sqlLedger: &sqlLedger{
		db: db,
		dialect: sqlDialect{
			upsertProduct: insertProductSQL + `
				ON DUPLICATE KEY UPDATE
					name = VALUES(name),
					description = VALUES(description),
					image = VALUES(image),
					created_at = VALUES(created_at),
					last_updated = VALUES(last_updated)`,
			upsertPerson: `INSERT INTO people (id, first_name, last_name, avatar, created_at)
				VALUES (?, ?, ?, ?, ?)
				ON DUPLICATE KEY UPDATE
					first_name = VALUES(first_name),
					last_name = VALUES(last_name),
					avatar = VALUES(avatar)`,
			lockProduct:       `SELECT id FROM products WHERE id = ? FOR UPDATE`,
			isUniqueViolation: isMySQLDuplicate,
		},
	}}
}

// EnsureSchema creates the ledger tables when they are missing.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func isMySQLDuplicate(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry
}
