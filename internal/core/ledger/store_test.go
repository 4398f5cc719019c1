package ledger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type event struct {
	kind string
	m    domain.Mutation
}

// recorder stands in for both the aggregate cache and an observer and logs
// every callback into one shared sequence.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) add(e event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

type recAggregates struct{ r *recorder }

func (a recAggregates) Begin(tx domain.Transaction) {
	a.r.add(event{kind: "begin", m: domain.Mutation{ProductID: tx.ProductID, Transaction: &tx}})
}

func (a recAggregates) Apply(tx domain.Transaction) {
	a.r.add(event{kind: "apply", m: domain.Mutation{ProductID: tx.ProductID, Transaction: &tx}})
}

func (a recAggregates) Abort(tx domain.Transaction) {
	a.r.add(event{kind: "abort", m: domain.Mutation{ProductID: tx.ProductID, Transaction: &tx}})
}

func (a recAggregates) InvalidateAll() {
	a.r.add(event{kind: "invalidate"})
}

type recObserver struct {
	r    *recorder
	name string
}

func (o recObserver) OnLedgerMutation(ctx context.Context, m domain.Mutation) {
	o.r.add(event{kind: o.name, m: m})
}

func (o recObserver) OnLedgerReset(ctx context.Context) {
	o.r.add(event{kind: o.name + ":reset"})
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	return NewStore(storage.NewMemoryAdapter(), opts)
}

func mustCreate(t *testing.T, s *Store, id string, qty int64) {
	t.Helper()
	if _, err := s.CreateProduct(context.Background(), domain.Product{ID: id, Name: id}, qty, "actor-1"); err != nil {
		t.Fatalf("create %s: %v", id, err)
	}
}

func collect(t *testing.T, s *Store, productID string) []domain.Transaction {
	t.Helper()
	var out []domain.Transaction
	for tx, err := range s.TransactionsFor(context.Background(), productID) {
		if err != nil {
			t.Fatalf("iterate %s: %v", productID, err)
		}
		out = append(out, tx)
	}
	return out
}

func TestAppendTransactionZeroAmountLeavesLedgerUnchanged(t *testing.T) {
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 5)

	_, err := s.AppendTransaction(context.Background(), "sku-1", "actor-1", 0)
	if !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("err = %v, want ErrZeroAmount", err)
	}
	if got := collect(t, s, "sku-1"); len(got) != 1 {
		t.Fatalf("transactions = %d, want 1", len(got))
	}
}

func TestAppendTransactionUnknownProduct(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.AppendTransaction(context.Background(), "missing", "actor-1", 3)
	if !errors.Is(err, domain.ErrUnknownProduct) {
		t.Fatalf("err = %v, want ErrUnknownProduct", err)
	}
}

func TestAppendTransactionRequiresIDs(t *testing.T) {
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)

	if _, err := s.AppendTransaction(context.Background(), "sku-1", " ", 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("blank actor err = %v, want ErrInvalidArgument", err)
	}
	if _, err := s.AppendTransaction(context.Background(), "", "actor-1", 1); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("blank product err = %v, want ErrInvalidArgument", err)
	}
}

func TestAppendTransactionAppliesAggregatesBeforeObservers(t *testing.T) {
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)
	mustCreate(t, s, "sku-2", 0)

	rec := &recorder{}
	s.Attach(recAggregates{r: rec})
	s.Observe(recObserver{r: rec, name: "first"})
	s.Observe(recObserver{r: rec, name: "second"})

	tx, err := s.AppendTransaction(context.Background(), "sku-2", "actor-1", -4)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if tx.ID == "" || tx.Timestamp.IsZero() || tx.Timestamp.Location() != time.UTC {
		t.Fatalf("transaction not stamped: %+v", tx)
	}

	events := rec.snapshot()
	kinds := make([]string, len(events))
	for i, e := range events {
		kinds[i] = e.kind
	}
	if fmt.Sprint(kinds) != "[begin apply first second]" {
		t.Fatalf("callback order = %v", kinds)
	}
	for _, e := range events[2:] {
		if e.m.ProductID != "sku-2" {
			t.Fatalf("observer saw product %q, want sku-2", e.m.ProductID)
		}
		if e.m.Fields != domain.FieldsOf(domain.FieldTransactions) {
			t.Fatalf("fields = %v, want {transactions}", e.m.Fields)
		}
		if e.m.Transaction == nil || e.m.Transaction.ID != tx.ID {
			t.Fatalf("mutation transaction = %+v, want %s", e.m.Transaction, tx.ID)
		}
	}
}

func TestObserveCancelStopsNotifications(t *testing.T) {
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)

	rec := &recorder{}
	cancel := s.Observe(recObserver{r: rec, name: "obs"})
	if _, err := s.AppendTransaction(context.Background(), "sku-1", "actor-1", 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	cancel()
	cancel()
	if _, err := s.AppendTransaction(context.Background(), "sku-1", "actor-1", 1); err != nil {
		t.Fatalf("append: %v", err)
	}
	if got := len(rec.snapshot()); got != 1 {
		t.Fatalf("observer calls = %d, want 1", got)
	}
}

func TestSetInitialQuantityRejectedOnceHistoryExists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)

	has, err := s.HasTransactionHistory(ctx, "sku-1")
	if err != nil || has {
		t.Fatalf("history = %v, %v; want false", has, err)
	}
	if _, err := s.SetInitialQuantity(ctx, "sku-1", 12, "actor-1"); err != nil {
		t.Fatalf("first set: %v", err)
	}
	if has, _ := s.HasTransactionHistory(ctx, "sku-1"); !has {
		t.Fatal("history = false after initial quantity")
	}
	if _, err := s.SetInitialQuantity(ctx, "sku-1", 3, "actor-1"); !errors.Is(err, domain.ErrQuantityLocked) {
		t.Fatalf("second set err = %v, want ErrQuantityLocked", err)
	}
	if got := collect(t, s, "sku-1"); len(got) != 1 || got[0].Amount != 12 {
		t.Fatalf("transactions = %+v", got)
	}
}

func TestSetInitialQuantityValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)

	tests := []struct {
		name     string
		id       string
		quantity int64
		want     error
	}{
		{"negative", "sku-1", -1, domain.ErrInvalidArgument},
		{"zero", "sku-1", 0, domain.ErrZeroAmount},
		{"unknown product", "nope", 4, domain.ErrUnknownProduct},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.SetInitialQuantity(ctx, tt.id, tt.quantity, "actor-1"); !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestUpsertProductRejectsIDChange(t *testing.T) {
	s := newTestStore(t, Options{})
	mustCreate(t, s, "sku-1", 0)

	_, err := s.UpsertProduct(context.Background(), "sku-1", domain.Product{ID: "sku-9", Name: "x"})
	if !errors.Is(err, domain.ErrImmutableFieldViolation) {
		t.Fatalf("err = %v, want ErrImmutableFieldViolation", err)
	}
	if _, err := s.GetProduct(context.Background(), "sku-9"); !errors.Is(err, domain.ErrUnknownProduct) {
		t.Fatalf("renamed product exists: %v", err)
	}
}

func TestUpsertProductReportsChangedFields(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	rec := &recorder{}
	s.Observe(recObserver{r: rec, name: "obs"})

	created, err := s.UpsertProduct(ctx, "sku-1", domain.Product{Name: "Anvil", Description: "heavy"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created.ID != "sku-1" || created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.LastUpdated) {
		t.Fatalf("created = %+v", created)
	}

	updated, err := s.UpsertProduct(ctx, "sku-1", domain.Product{ID: "sku-1", Name: "Acme Anvil", Description: "heavy"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if !updated.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created at changed: %v -> %v", created.CreatedAt, updated.CreatedAt)
	}

	events := rec.snapshot()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[0].m.Created {
		t.Fatal("first mutation not marked created")
	}
	second := events[1].m
	if second.Created {
		t.Fatal("update marked created")
	}
	if !second.Fields.Has(domain.FieldName) || !second.Fields.Has(domain.FieldLastUpdated) {
		t.Fatalf("fields = %v, want name and last_updated", second.Fields)
	}
	if second.Fields.Has(domain.FieldDescription) || second.Fields.Has(domain.FieldTransactions) {
		t.Fatalf("fields = %v, unexpected extras", second.Fields)
	}

	got, err := s.GetProduct(ctx, "sku-1")
	if err != nil || got.Name != "Acme Anvil" {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestCreateProductWritesOpeningTransaction(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	rec := &recorder{}
	s.Attach(recAggregates{r: rec})

	if _, err := s.CreateProduct(ctx, domain.Product{ID: "sku-1", Name: "Rope"}, 7, "actor-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	txs := collect(t, s, "sku-1")
	if len(txs) != 1 || txs[0].Amount != 7 || txs[0].ActorID != "actor-1" {
		t.Fatalf("transactions = %+v", txs)
	}
	if events := rec.snapshot(); len(events) != 2 || events[0].kind != "begin" || events[1].kind != "apply" {
		t.Fatalf("aggregate events = %+v", events)
	}

	_, err := s.CreateProduct(ctx, domain.Product{ID: "sku-1"}, 0, "actor-1")
	if !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("duplicate err = %v, want ErrAlreadyExists", err)
	}
}

func TestTransactionsForPagesInLedgerOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	batch := ImportBatch{Products: []domain.Product{{ID: "sku-1"}}}
	const n = 2*transactionPageSize + 50
	for i := 0; i < n; i++ {
		// Pairs share a timestamp so the id tie-break is exercised across pages.
		batch.Transactions = append(batch.Transactions, domain.Transaction{
			ID:        fmt.Sprintf("tx-%04d", n-i),
			Timestamp: base.Add(time.Duration(i/2) * time.Second),
			ActorID:   "actor-1",
			ProductID: "sku-1",
			Amount:    1,
		})
	}
	if err := s.Import(ctx, batch); err != nil {
		t.Fatalf("import: %v", err)
	}

	first := collect(t, s, "sku-1")
	if len(first) != n {
		t.Fatalf("got %d transactions, want %d", len(first), n)
	}
	for i := 1; i < len(first); i++ {
		if !first[i-1].Before(first[i]) {
			t.Fatalf("out of order at %d: %+v then %+v", i, first[i-1], first[i])
		}
	}

	second := collect(t, s, "sku-1")
	if len(second) != n || second[0].ID != first[0].ID || second[n-1].ID != first[n-1].ID {
		t.Fatal("second iteration differs from the first")
	}

	taken := 0
	for range s.TransactionsFor(ctx, "sku-1") {
		taken++
		if taken == 3 {
			break
		}
	}
	if taken != 3 {
		t.Fatalf("early break yielded %d", taken)
	}
}

func TestImportReportsReset(t *testing.T) {
	s := newTestStore(t, Options{})
	rec := &recorder{}
	s.Attach(recAggregates{r: rec})
	s.Observe(recObserver{r: rec, name: "obs"})

	err := s.Import(context.Background(), ImportBatch{
		Products:     []domain.Product{{ID: "a"}, {ID: "b"}},
		Transactions: []domain.Transaction{{ProductID: "a", ActorID: "x", Amount: 2}},
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	events := rec.snapshot()
	if len(events) != 2 || events[0].kind != "invalidate" || events[1].kind != "obs:reset" {
		t.Fatalf("events = %+v", events)
	}
}

func TestImportRejectsZeroAmountAfterPartialWrite(t *testing.T) {
	s := newTestStore(t, Options{})
	rec := &recorder{}
	s.Observe(recObserver{r: rec, name: "obs"})

	err := s.Import(context.Background(), ImportBatch{
		Products:     []domain.Product{{ID: "a"}},
		Transactions: []domain.Transaction{{ProductID: "a", ActorID: "x", Amount: 0}},
	})
	if !errors.Is(err, domain.ErrZeroAmount) {
		t.Fatalf("err = %v, want ErrZeroAmount", err)
	}
	if events := rec.snapshot(); len(events) != 1 || events[0].kind != "obs:reset" {
		t.Fatalf("events = %+v", events)
	}
}

func TestWriteLockTimeout(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: 20 * time.Millisecond})
	mustCreate(t, s, "sku-1", 0)
	mustCreate(t, s, "sku-2", 0)

	release, err := s.lockProduct(context.Background(), "sku-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	_, err = s.AppendTransaction(context.Background(), "sku-1", "actor-1", 1)
	if !errors.Is(err, domain.ErrConcurrentWriteTimeout) {
		t.Fatalf("err = %v, want ErrConcurrentWriteTimeout", err)
	}
	if _, err := s.AppendTransaction(context.Background(), "sku-2", "actor-1", 1); err != nil {
		t.Fatalf("other product blocked: %v", err)
	}
}

func TestWriteLockHonoursContext(t *testing.T) {
	s := newTestStore(t, Options{LockTimeout: time.Minute})
	mustCreate(t, s, "sku-1", 0)

	release, err := s.lockProduct(context.Background(), "sku-1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = s.AppendTransaction(ctx, "sku-1", "actor-1", 1)
	if !errors.Is(err, domain.ErrConcurrentWriteTimeout) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want ErrConcurrentWriteTimeout wrapping the context error", err)
	}
}

func TestConcurrentAppendsAreAllCommitted(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})
	products := []string{"a", "b", "c"}
	for _, id := range products {
		mustCreate(t, s, id, 0)
	}

	amounts := []int64{-2, -1, 1, 2, 3}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := products[(w+i)%len(products)]
				if _, err := s.AppendTransaction(ctx, id, "actor-1", amounts[i%len(amounts)]); err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, id := range products {
		total += len(collect(t, s, id))
	}
	if total != 8*50 {
		t.Fatalf("committed %d transactions, want %d", total, 8*50)
	}
	if got := s.products.size(); got != 0 {
		t.Fatalf("%d product locks leaked", got)
	}
}

func TestPersonLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, Options{})

	if _, err := s.GetPerson(ctx, "p-1"); !errors.Is(err, domain.ErrUnknownPerson) {
		t.Fatalf("get before ensure err = %v", err)
	}
	if _, err := s.UpdatePerson(ctx, domain.Person{ID: "p-1", FirstName: "Wile"}); !errors.Is(err, domain.ErrUnknownPerson) {
		t.Fatalf("update before ensure err = %v", err)
	}

	first, err := s.EnsurePerson(ctx, "p-1")
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	again, err := s.EnsurePerson(ctx, "p-1")
	if err != nil || !again.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("second ensure = %+v, %v", again, err)
	}

	changed, err := s.UpdatePerson(ctx, domain.Person{ID: "p-1", FirstName: "Wile", LastName: "Coyote"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if fmt.Sprint(changed) != "[first_name last_name]" {
		t.Fatalf("changed = %v", changed)
	}
	if changed, _ := s.UpdatePerson(ctx, domain.Person{ID: "p-1", FirstName: "Wile", LastName: "Coyote"}); len(changed) != 0 {
		t.Fatalf("no-op update changed %v", changed)
	}

	got, err := s.GetPerson(ctx, "p-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.FullName() != "Wile Coyote" {
		t.Fatalf("full name = %q, want %q", got.FullName(), "Wile Coyote")
	}

	if _, err := s.EnsurePerson(ctx, ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Fatalf("blank ensure err = %v", err)
	}
}
