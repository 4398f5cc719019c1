// Package ledger is the single write path for products, people and stock
// transactions. Writes to one product are linearized; writes to different
// products proceed concurrently. After every committed write the store
// updates the attached aggregates and then notifies observers, still inside
// the product's critical section, so observers see mutations in commit order.
// Post-commit work runs detached from the caller's cancellation: once a write
// is durable every observer learns about it.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	transactionPageSize = 200
	defaultLockTimeout  = 2 * time.Second
)

// Observer is notified synchronously after each committed write. It must
// not block and must not write to the store.
type Observer interface {
	OnLedgerMutation(ctx context.Context, m domain.Mutation)
	OnLedgerReset(ctx context.Context)
}

// Aggregates is kept current before any observer runs. Begin is called
// before a transaction is written, then exactly one of Apply or Abort.
type Aggregates interface {
	Begin(tx domain.Transaction)
	Apply(tx domain.Transaction)
	Abort(tx domain.Transaction)
	InvalidateAll()
}

type Options struct {
	// LockTimeout bounds the wait for a product's write lock. Zero uses the default.
	LockTimeout time.Duration
	Logger      *log.Logger
}

// ImportBatch is a bulk load of products and their transactions.
type ImportBatch struct {
	Products     []domain.Product
	Transactions []domain.Transaction
}

type observerEntry struct {
	id  uint64
	obs Observer
}

type Store struct {
	repo        port.LedgerRepository
	logger      *log.Logger
	tracer      trace.Tracer
	lockTimeout time.Duration
	products    *keyedLocks
	people      *keyedLocks

	// gate admits single-product writes together or one Import alone.
	gate *writeGate

	mu         sync.RWMutex
	aggregates Aggregates
	observers  []observerEntry
	nextID     uint64

	now   func() time.Time
	newID func() string
}

func NewStore(repo port.LedgerRepository, opts Options) *Store {
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Store{
		repo:        repo,
		logger:      opts.Logger,
		tracer:      otel.Tracer("github.com/rl1809/inventory-ledger/internal/core/ledger"),
		lockTimeout: opts.LockTimeout,
		products:    newKeyedLocks(),
		people:      newKeyedLocks(),
		gate:        newWriteGate(),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		newID:       uuid.NewString,
	}
}

// Attach registers the aggregate cache. Only one may be attached.
func (s *Store) Attach(a Aggregates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aggregates = a
}

// Observe registers o and returns a function that unregisters it.
func (s *Store) Observe(o Observer) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, observerEntry{id: id, obs: o})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, e := range s.observers {
				if e.id == id {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}

// AppendTransaction records a stock movement for an existing product.
func (s *Store) AppendTransaction(ctx context.Context, productID, actorID string, amount int64) (tx domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "AppendTransaction", productID)
	defer func() { endSpan(span, err) }()

	if amount == 0 {
		return domain.Transaction{}, domain.ErrZeroAmount
	}
	if err := requireIDs(productID, actorID); err != nil {
		return domain.Transaction{}, err
	}

	release, err := s.lockProduct(ctx, productID)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer release()

	tx = domain.Transaction{
		ID:        s.newID(),
		Timestamp: s.now(),
		ActorID:   actorID,
		ProductID: productID,
		Amount:    amount,
	}
	if err := s.write(&tx, func() error { return s.repo.AppendTransaction(ctx, tx) }); err != nil {
		return domain.Transaction{}, fmt.Errorf("append transaction to %s: %w", productID, err)
	}
	s.committed(ctx, domain.Mutation{
		ProductID:   productID,
		Fields:      domain.FieldsOf(domain.FieldTransactions),
		Transaction: &tx,
	})
	return tx, nil
}

// UpsertProduct writes the product stored under key. A non-empty product.ID
// must equal key. Existing products keep their id and creation time.
func (s *Store) UpsertProduct(ctx context.Context, key string, product domain.Product) (saved domain.Product, err error) {
	ctx, span := s.startSpan(ctx, "UpsertProduct", key)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(key) == "" {
		return domain.Product{}, domain.NewError(domain.CodeInvalidArgument, "product id is required")
	}
	if product.ID != "" && product.ID != key {
		return domain.Product{}, domain.NewError(domain.CodeImmutableFieldViolation,
			fmt.Sprintf("product id %q cannot be changed to %q", key, product.ID))
	}

	release, err := s.lockProduct(ctx, key)
	if err != nil {
		return domain.Product{}, err
	}
	defer release()

	existing, err := s.repo.GetProduct(ctx, key)
	if err != nil {
		return domain.Product{}, fmt.Errorf("load product %s: %w", key, err)
	}

	now := s.now()
	m := domain.Mutation{ProductID: key}
	if existing == nil {
		saved = domain.Product{
			ID:          key,
			Name:        product.Name,
			Description: product.Description,
			Image:       product.Image,
			CreatedAt:   now,
			LastUpdated: now,
		}
		m.Created = true
		m.Fields = domain.FieldsOf(domain.FieldName, domain.FieldDescription, domain.FieldImage, domain.FieldLastUpdated)
	} else {
		saved = *existing
		saved.Name = product.Name
		saved.Description = product.Description
		saved.Image = product.Image
		saved.LastUpdated = now
		m.Fields = domain.ChangedFields(*existing, saved).With(domain.FieldLastUpdated)
	}

	if err := s.repo.SaveProduct(ctx, saved, nil); err != nil {
		return domain.Product{}, fmt.Errorf("save product %s: %w", key, err)
	}
	s.committed(ctx, m)
	return saved, nil
}

// CreateProduct inserts a new product and, when initialQuantity is positive,
// its opening transaction in the same unit of work.
func (s *Store) CreateProduct(ctx context.Context, product domain.Product, initialQuantity int64, actorID string) (saved domain.Product, err error) {
	ctx, span := s.startSpan(ctx, "CreateProduct", product.ID)
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(product.ID) == "" {
		return domain.Product{}, domain.NewError(domain.CodeInvalidArgument, "product id is required")
	}
	if initialQuantity < 0 {
		return domain.Product{}, domain.NewError(domain.CodeInvalidArgument, "initial quantity must not be negative")
	}
	if initialQuantity > 0 {
		if err := requireIDs(product.ID, actorID); err != nil {
			return domain.Product{}, err
		}
	}

	release, err := s.lockProduct(ctx, product.ID)
	if err != nil {
		return domain.Product{}, err
	}
	defer release()

	now := s.now()
	saved = domain.Product{
		ID:          product.ID,
		Name:        product.Name,
		Description: product.Description,
		Image:       product.Image,
		CreatedAt:   now,
		LastUpdated: now,
	}
	m := domain.Mutation{
		ProductID: saved.ID,
		Created:   true,
		Fields:    domain.FieldsOf(domain.FieldName, domain.FieldDescription, domain.FieldImage, domain.FieldLastUpdated),
	}
	var opening *domain.Transaction
	if initialQuantity > 0 {
		opening = &domain.Transaction{
			ID:        s.newID(),
			Timestamp: now,
			ActorID:   actorID,
			ProductID: saved.ID,
			Amount:    initialQuantity,
		}
		m.Fields = m.Fields.With(domain.FieldTransactions)
		m.Transaction = opening
	}

	if err := s.write(opening, func() error { return s.repo.InsertProduct(ctx, saved, opening) }); err != nil {
		return domain.Product{}, fmt.Errorf("create product %s: %w", saved.ID, err)
	}
	s.committed(ctx, m)
	return saved, nil
}

// SetInitialQuantity records the opening stock of a product that has no
// transactions yet. Once history exists quantity only changes through
// AppendTransaction.
func (s *Store) SetInitialQuantity(ctx context.Context, productID string, quantity int64, actorID string) (tx domain.Transaction, err error) {
	ctx, span := s.startSpan(ctx, "SetInitialQuantity", productID)
	defer func() { endSpan(span, err) }()

	if quantity < 0 {
		return domain.Transaction{}, domain.NewError(domain.CodeInvalidArgument, "initial quantity must not be negative")
	}
	if quantity == 0 {
		return domain.Transaction{}, domain.ErrZeroAmount
	}
	if err := requireIDs(productID, actorID); err != nil {
		return domain.Transaction{}, err
	}

	release, err := s.lockProduct(ctx, productID)
	if err != nil {
		return domain.Transaction{}, err
	}
	defer release()

	p, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("load product %s: %w", productID, err)
	}
	if p == nil {
		return domain.Transaction{}, unknownProduct(productID)
	}
	has, err := s.repo.HasTransactions(ctx, productID)
	if err != nil {
		return domain.Transaction{}, fmt.Errorf("check history of %s: %w", productID, err)
	}
	if has {
		return domain.Transaction{}, domain.ErrQuantityLocked
	}

	tx = domain.Transaction{
		ID:        s.newID(),
		Timestamp: s.now(),
		ActorID:   actorID,
		ProductID: productID,
		Amount:    quantity,
	}
	if err := s.write(&tx, func() error { return s.repo.AppendTransaction(ctx, tx) }); err != nil {
		return domain.Transaction{}, fmt.Errorf("append opening transaction to %s: %w", productID, err)
	}
	s.committed(ctx, domain.Mutation{
		ProductID:   productID,
		Fields:      domain.FieldsOf(domain.FieldTransactions),
		Transaction: &tx,
	})
	return tx, nil
}

// HasTransactionHistory reports whether the product has any transaction.
func (s *Store) HasTransactionHistory(ctx context.Context, productID string) (bool, error) {
	has, err := s.repo.HasTransactions(ctx, productID)
	if err != nil {
		return false, fmt.Errorf("check history of %s: %w", productID, err)
	}
	return has, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("load product %s: %w", id, err)
	}
	if p == nil {
		return domain.Product{}, unknownProduct(id)
	}
	return *p, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	return products, nil
}

// TransactionsFor yields the product's transactions ordered by timestamp,
// ties by id. The sequence reads the backend page by page and can be ranged
// over more than once.
func (s *Store) TransactionsFor(ctx context.Context, productID string) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var cursor domain.TransactionCursor
		for {
			if err := ctx.Err(); err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			page, err := s.repo.ListTransactions(ctx, productID, cursor, transactionPageSize)
			if err != nil {
				yield(domain.Transaction{}, fmt.Errorf("list transactions of %s: %w", productID, err))
				return
			}
			for _, tx := range page {
				if !yield(tx, nil) {
					return
				}
			}
			if len(page) < transactionPageSize {
				return
			}
			cursor = domain.CursorAfter(page[len(page)-1])
		}
	}
}

// EnsurePerson returns the person with the given id, creating an empty
// profile on first access.
func (s *Store) EnsurePerson(ctx context.Context, id string) (person domain.Person, err error) {
	ctx, span := s.startSpan(ctx, "EnsurePerson", "")
	defer func() { endSpan(span, err) }()

	if strings.TrimSpace(id) == "" {
		return domain.Person{}, domain.NewError(domain.CodeInvalidArgument, "person id is required")
	}
	release, err := s.lock(ctx, s.people, id)
	if err != nil {
		return domain.Person{}, err
	}
	defer release()

	existing, err := s.repo.GetPerson(ctx, id)
	if err != nil {
		return domain.Person{}, fmt.Errorf("load person %s: %w", id, err)
	}
	if existing != nil {
		return *existing, nil
	}
	person = domain.Person{ID: id, CreatedAt: s.now()}
	if err := s.repo.SavePerson(ctx, person); err != nil {
		return domain.Person{}, fmt.Errorf("create person %s: %w", id, err)
	}
	s.logger.Printf("ledger: created person %s", id)
	return person, nil
}

// UpdatePerson replaces the profile fields of an existing person and
// reports which of them changed.
func (s *Store) UpdatePerson(ctx context.Context, person domain.Person) (changed []domain.PersonField, err error) {
	ctx, span := s.startSpan(ctx, "UpdatePerson", "")
	defer func() { endSpan(span, err) }()

	release, err := s.lock(ctx, s.people, person.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := s.repo.GetPerson(ctx, person.ID)
	if err != nil {
		return nil, fmt.Errorf("load person %s: %w", person.ID, err)
	}
	if existing == nil {
		return nil, unknownPerson(person.ID)
	}
	updated := *existing
	updated.FirstName = person.FirstName
	updated.LastName = person.LastName
	updated.Avatar = person.Avatar

	changed = domain.ChangedPersonFields(*existing, updated)
	if len(changed) == 0 {
		return nil, nil
	}
	if err := s.repo.SavePerson(ctx, updated); err != nil {
		return nil, fmt.Errorf("save person %s: %w", person.ID, err)
	}
	return changed, nil
}

func (s *Store) GetPerson(ctx context.Context, id string) (domain.Person, error) {
	p, err := s.repo.GetPerson(ctx, id)
	if err != nil {
		return domain.Person{}, fmt.Errorf("load person %s: %w", id, err)
	}
	if p == nil {
		return domain.Person{}, unknownPerson(id)
	}
	return *p, nil
}

// Import bulk-loads a batch while holding every writer off, then reports a
// structural reset: aggregates are invalidated and observers recompute.
// The reset is reported even when the batch fails part way, since some of
// it may already be committed.
func (s *Store) Import(ctx context.Context, batch ImportBatch) (err error) {
	ctx, span := s.startSpan(ctx, "Import", "")
	span.SetAttributes(
		attribute.Int("import.products", len(batch.Products)),
		attribute.Int("import.transactions", len(batch.Transactions)),
	)
	defer func() { endSpan(span, err) }()

	if err := s.gate.lock(ctx); err != nil {
		return fmt.Errorf("import: wait for writers: %w", err)
	}
	defer s.gate.unlock()

	written := 0
	defer func() {
		if written > 0 {
			s.reset(ctx)
		}
	}()

	now := s.now()
	for _, p := range batch.Products {
		if strings.TrimSpace(p.ID) == "" {
			return domain.NewError(domain.CodeInvalidArgument, "imported product without id")
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.LastUpdated.IsZero() {
			p.LastUpdated = p.CreatedAt
		}
		if err := s.repo.SaveProduct(ctx, p, nil); err != nil {
			return fmt.Errorf("import product %s: %w", p.ID, err)
		}
		written++
	}
	for _, tx := range batch.Transactions {
		if tx.Amount == 0 {
			return domain.WrapError(domain.CodeZeroAmount, "import transaction "+tx.ID, domain.ErrZeroAmount)
		}
		if tx.ID == "" {
			tx.ID = s.newID()
		}
		if tx.Timestamp.IsZero() {
			tx.Timestamp = now
		}
		tx.Timestamp = tx.Timestamp.UTC()
		if err := s.repo.AppendTransaction(ctx, tx); err != nil {
			return fmt.Errorf("import transaction %s: %w", tx.ID, err)
		}
		written++
	}
	s.logger.Printf("ledger: imported %d products and %d transactions", len(batch.Products), len(batch.Transactions))
	return nil
}

// lockProduct admits the caller past the import gate and takes the product's
// lock, both within one lock timeout.
func (s *Store) lockProduct(ctx context.Context, productID string) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	if err := s.gate.enter(ctx); err != nil {
		return nil, s.lockError(productID, err)
	}
	release, err := s.products.acquire(ctx, productID, 0)
	if err != nil {
		s.gate.leave()
		return nil, s.lockError(productID, err)
	}
	return func() {
		release()
		s.gate.leave()
	}, nil
}

func (s *Store) lock(ctx context.Context, locks *keyedLocks, key string) (func(), error) {
	release, err := locks.acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return nil, s.lockError(key, err)
	}
	return release, nil
}

func (s *Store) lockError(key string, err error) error {
	return domain.WrapError(domain.CodeConcurrentWriteTimeout,
		fmt.Sprintf("write lock for %s not acquired within %s", key, s.lockTimeout), err)
}

// write runs commit with tx announced to the aggregates, so a concurrent
// seed can tell whether its scan already contains tx. tx may be nil.
func (s *Store) write(tx *domain.Transaction, commit func() error) error {
	s.mu.RLock()
	agg := s.aggregates
	s.mu.RUnlock()
	if agg == nil || tx == nil {
		return commit()
	}
	agg.Begin(*tx)
	if err := commit(); err != nil {
		agg.Abort(*tx)
		return err
	}
	return nil
}

// committed runs the post-commit side effects. The caller holds the product lock.
func (s *Store) committed(ctx context.Context, m domain.Mutation) {
	ctx = context.WithoutCancel(ctx)
	s.mu.RLock()
	agg := s.aggregates
	observers := append([]observerEntry(nil), s.observers...)
	s.mu.RUnlock()

	if agg != nil && m.Transaction != nil {
		agg.Apply(*m.Transaction)
	}
	for _, e := range observers {
		e.obs.OnLedgerMutation(ctx, m)
	}
}

func (s *Store) reset(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	s.mu.RLock()
	agg := s.aggregates
	observers := append([]observerEntry(nil), s.observers...)
	s.mu.RUnlock()

	if agg != nil {
		agg.InvalidateAll()
	}
	for _, e := range observers {
		e.obs.OnLedgerReset(ctx)
	}
}

func (s *Store) startSpan(ctx context.Context, op, productID string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "ledger."+op)
	if productID != "" {
		span.SetAttributes(attribute.String("product.id", productID))
	}
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := domain.CodeOf(err); code != "" {
			span.SetAttributes(attribute.String("error.code", string(code)))
		}
	}
	span.End()
}

func requireIDs(productID, actorID string) error {
	if strings.TrimSpace(productID) == "" {
		return domain.NewError(domain.CodeInvalidArgument, "product id is required")
	}
	if strings.TrimSpace(actorID) == "" {
		return domain.NewError(domain.CodeInvalidArgument, "actor id is required")
	}
	return nil
}

func unknownProduct(id string) error {
	return domain.NewError(domain.CodeUnknownProduct, fmt.Sprintf("unknown product %s", id))
}

func unknownPerson(id string) error {
	return domain.NewError(domain.CodeUnknownPerson, fmt.Sprintf("unknown person %s", id))
}

