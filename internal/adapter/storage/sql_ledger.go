package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// sqlDialect holds the statements and error classification that differ
// between the SQL backends. Timestamps are stored as unix milliseconds.
type sqlDialect struct {
	upsertProduct string
	upsertPerson  string
	// lockProduct selects the product row, locking it where the engine supports it.
	lockProduct       string
	isUniqueViolation func(error) bool
}

// sqlLedger implements port.LedgerRepository over database/sql.
type sqlLedger struct {
	db      *sql.DB
	dialect sqlDialect
}

const (
	insertProductSQL = `INSERT INTO products (id, name, description, image, created_at, last_updated)
		VALUES (?, ?, ?, ?, ?, ?)`
	insertTransactionSQL = `INSERT INTO transactions (id, product_id, actor_id, amount, created_at)
		VALUES (?, ?, ?, ?, ?)`
	selectProductSQL = `SELECT id, name, description, image, created_at, last_updated FROM products`
	selectTxSQL      = `SELECT id, product_id, actor_id, amount, created_at FROM transactions`
)

func (s *sqlLedger) SaveProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.dialect.upsertProduct, productArgs(product)...); err != nil {
			return fmt.Errorf("upsert product: %w", err)
		}
		return s.insertOpening(ctx, tx, opening)
	})
}

func (s *sqlLedger) InsertProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, insertProductSQL, productArgs(product)...); err != nil {
			if s.dialect.isUniqueViolation(err) {
				return domain.WrapError(domain.CodeAlreadyExists, "product "+product.ID+" already exists", err)
			}
			return fmt.Errorf("insert product: %w", err)
		}
		return s.insertOpening(ctx, tx, opening)
	})
}

func (s *sqlLedger) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	p, err := scanProduct(s.db.QueryRowContext(ctx, selectProductSQL+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}
	return &p, nil
}

func (s *sqlLedger) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, selectProductSQL+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlLedger) AppendTransaction(ctx context.Context, t domain.Transaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, s.dialect.lockProduct, t.ProductID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NewError(domain.CodeUnknownProduct, "unknown product "+t.ProductID)
		}
		if err != nil {
			return fmt.Errorf("lock product: %w", err)
		}
		return s.insertTransaction(ctx, tx, t)
	})
}

func (s *sqlLedger) ListTransactions(ctx context.Context, productID string, after domain.TransactionCursor, limit int) ([]domain.Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after.IsZero() {
		rows, err = s.db.QueryContext(ctx, selectTxSQL+`
			WHERE product_id = ?
			ORDER BY created_at, id LIMIT ?`, productID, limitArg(limit))
	} else {
		ts := toMillis(after.Timestamp)
		rows, err = s.db.QueryContext(ctx, selectTxSQL+`
			WHERE product_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))
			ORDER BY created_at, id LIMIT ?`, productID, ts, ts, after.ID, limitArg(limit))
	}
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t  domain.Transaction
			ms int64
		)
		if err := rows.Scan(&t.ID, &t.ProductID, &t.ActorID, &t.Amount, &ms); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Timestamp = fromMillis(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqlLedger) HasTransactions(ctx context.Context, productID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE product_id = ?)`, productID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query transactions: %w", err)
	}
	return exists, nil
}

func (s *sqlLedger) SavePerson(ctx context.Context, person domain.Person) error {
	_, err := s.db.ExecContext(ctx, s.dialect.upsertPerson,
		person.ID, person.FirstName, person.LastName, person.Avatar, toMillis(person.CreatedAt))
	if err != nil {
		return fmt.Errorf("upsert person: %w", err)
	}
	return nil
}

func (s *sqlLedger) GetPerson(ctx context.Context, id string) (*domain.Person, error) {
	var (
		p  domain.Person
		ms int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, first_name, last_name, avatar, created_at FROM people WHERE id = ?`, id,
	).Scan(&p.ID, &p.FirstName, &p.LastName, &p.Avatar, &ms)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query person: %w", err)
	}
	p.CreatedAt = fromMillis(ms)
	return &p, nil
}

func (s *sqlLedger) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlLedger) insertOpening(ctx context.Context, tx *sql.Tx, opening *domain.Transaction) error {
	if opening == nil {
		return nil
	}
	return s.insertTransaction(ctx, tx, *opening)
}

func (s *sqlLedger) insertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	_, err := tx.ExecContext(ctx, insertTransactionSQL,
		t.ID, t.ProductID, t.ActorID, t.Amount, toMillis(t.Timestamp))
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return domain.WrapError(domain.CodeAlreadyExists, "transaction "+t.ID+" already exists", err)
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p                domain.Product
		created, updated int64
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Image, &created, &updated); err != nil {
		return domain.Product{}, err
	}
	p.CreatedAt = fromMillis(created)
	p.LastUpdated = fromMillis(updated)
	return p, nil
}

func productArgs(p domain.Product) []any {
	return []any{p.ID, p.Name, p.Description, p.Image, toMillis(p.CreatedAt), toMillis(p.LastUpdated)}
}

// limitArg maps "no limit" onto a bound both engines accept.
func limitArg(limit int) int64 {
	if limit <= 0 {
		return 1<<63 - 1
	}
	return int64(limit)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
