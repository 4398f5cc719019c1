package port

import (
	"context"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// LedgerRepository is the durable backend behind the ledger store.
type LedgerRepository interface {
	// SaveProduct inserts or replaces a product; opening, when non-nil, is appended in the same unit of work
	SaveProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error

	// InsertProduct creates a product (and optional opening transaction), failing with domain.ErrAlreadyExists
	InsertProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error

	// GetProduct returns nil, nil when the product does not exist
	GetProduct(ctx context.Context, id string) (*domain.Product, error)

	// ListProducts returns every product ordered by id
	ListProducts(ctx context.Context) ([]domain.Product, error)

	// AppendTransaction appends atomically, failing with domain.ErrUnknownProduct if the product is absent
	AppendTransaction(ctx context.Context, tx domain.Transaction) error

	// ListTransactions returns up to limit transactions after the cursor, ordered by timestamp then id
	ListTransactions(ctx context.Context, productID string, after domain.TransactionCursor, limit int) ([]domain.Transaction, error)

	// HasTransactions reports whether any transaction references the product
	HasTransactions(ctx context.Context, productID string) (bool, error)

	// SavePerson inserts or replaces a person
	SavePerson(ctx context.Context, person domain.Person) error

	// GetPerson returns nil, nil when the person does not exist
	GetPerson(ctx context.Context, id string) (*domain.Person, error)
}
