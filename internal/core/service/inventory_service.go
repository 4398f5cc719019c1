package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/aggregate"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/ledger"
	"github.com/rl1809/inventory-ledger/internal/core/view"
	"github.com/rl1809/inventory-ledger/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

type Options struct {
	// Cache backs request idempotency; nil disables it.
	Cache port.CacheRepository
	// ViewQueueLimit bounds each live view subscriber's backlog; zero means unbounded.
	ViewQueueLimit int
	Logger         *log.Logger
}

// InventoryService is the entry point used by the transports.
type InventoryService struct {
	store      *ledger.Store
	aggregates *aggregate.Aggregator
	cache      port.CacheRepository
	queueLimit int
	logger     *log.Logger
}

func NewInventoryService(store *ledger.Store, aggregates *aggregate.Aggregator, opts Options) *InventoryService {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &InventoryService{
		store:      store,
		aggregates: aggregates,
		cache:      opts.Cache,
		queueLimit: opts.ViewQueueLimit,
		logger:     opts.Logger,
	}
}

// AppendTransaction appends a stock movement. A non-empty requestID makes the
// call idempotent: a replay fails with ErrDuplicateRequest, and the key is
// released again when the append itself fails so the client may retry.
func (s *InventoryService) AppendTransaction(ctx context.Context, requestID, productID, actorID string, amount int64) (domain.Transaction, error) {
	idempotencyKey := ""
	if requestID != "" && s.cache != nil {
		idempotencyKey = "txn:" + requestID
		ok, err := s.cache.SetIdempotency(ctx, idempotencyKey)
		if err != nil {
			return domain.Transaction{}, fmt.Errorf("idempotency check failed: %w", err)
		}
		if !ok {
			return domain.Transaction{}, ErrDuplicateRequest
		}
	}

	tx, err := s.store.AppendTransaction(ctx, productID, actorID, amount)
	if err != nil {
		if idempotencyKey != "" {
			if relErr := s.cache.ReleaseIdempotency(context.WithoutCancel(ctx), idempotencyKey); relErr != nil {
				s.logger.Printf("service: release idempotency key %s: %v", idempotencyKey, relErr)
			}
		}
		return domain.Transaction{}, err
	}
	return tx, nil
}

// Quantity returns the aggregate of an existing product.
func (s *InventoryService) Quantity(ctx context.Context, productID string) (aggregate.Totals, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return aggregate.Totals{}, err
	}
	return s.aggregates.Totals(ctx, productID)
}

// VerifyQuantity rescans a product's log and repairs the cached aggregate if
// it diverged.
func (s *InventoryService) VerifyQuantity(ctx context.Context, productID string) (bool, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return false, err
	}
	return s.aggregates.Verify(ctx, productID)
}

func (s *InventoryService) History(ctx context.Context, productID string, from, to time.Time) ([]aggregate.DailyTotal, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	return s.aggregates.DailyTotals(ctx, productID, from, to)
}

// Transactions returns the most recent limit transactions of a product in
// ledger order, or all of them when limit is not positive.
func (s *InventoryService) Transactions(ctx context.Context, productID string, limit int) ([]domain.Transaction, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	var out []domain.Transaction
	for tx, err := range s.store.TransactionsFor(ctx, productID) {
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
		if limit > 0 && len(out) > limit {
			out = out[1:]
		}
	}
	return out, nil
}

// ListProducts evaluates a view once.
func (s *InventoryService) ListProducts(ctx context.Context, c view.Criteria) ([]view.Row, error) {
	return view.Compute(ctx, s.store, s.aggregates, c)
}

// OpenView starts a live view registered with the ledger. stop must be
// called to unregister it and end its subscriptions.
func (s *InventoryService) OpenView(ctx context.Context, c view.Criteria) (engine *view.Engine, stop func(), err error) {
	engine = view.NewEngine(s.store, s.aggregates,
		view.WithCriteria(c),
		view.WithLogger(s.logger),
		view.WithQueueLimit(s.queueLimit),
	)
	cancel := s.store.Observe(engine)
	if err := engine.Load(ctx); err != nil {
		cancel()
		engine.Close()
		return nil, nil, err
	}
	return engine, func() {
		cancel()
		engine.Close()
	}, nil
}

func (s *InventoryService) GetProduct(ctx context.Context, id string) (domain.Product, aggregate.Totals, error) {
	p, err := s.store.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, aggregate.Totals{}, err
	}
	t, err := s.aggregates.Totals(ctx, id)
	if err != nil {
		return domain.Product{}, aggregate.Totals{}, err
	}
	return p, t, nil
}

func (s *InventoryService) CreateProduct(ctx context.Context, p domain.Product, initialQuantity int64, actorID string) (domain.Product, error) {
	return s.store.CreateProduct(ctx, p, initialQuantity, actorID)
}

func (s *InventoryService) UpsertProduct(ctx context.Context, key string, p domain.Product) (domain.Product, error) {
	return s.store.UpsertProduct(ctx, key, p)
}

func (s *InventoryService) SetInitialQuantity(ctx context.Context, productID string, quantity int64, actorID string) (domain.Transaction, error) {
	return s.store.SetInitialQuantity(ctx, productID, quantity, actorID)
}

func (s *InventoryService) EnsurePerson(ctx context.Context, id string) (domain.Person, error) {
	return s.store.EnsurePerson(ctx, id)
}

func (s *InventoryService) UpdatePerson(ctx context.Context, p domain.Person) (domain.Person, []domain.PersonField, error) {
	changed, err := s.store.UpdatePerson(ctx, p)
	if err != nil {
		return domain.Person{}, nil, err
	}
	updated, err := s.store.GetPerson(ctx, p.ID)
	if err != nil {
		return domain.Person{}, nil, err
	}
	return updated, changed, nil
}

func (s *InventoryService) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	return s.store.GetPerson(ctx, id)
}
