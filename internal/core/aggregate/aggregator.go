// Package aggregate derives quantity-on-hand and quantity-sold from the
// transaction log and keeps them cached per product.
//
// An entry is seeded by one full scan of the product's transactions on first
// read and is then maintained by Apply in O(1). Applies that arrive while a
// scan is running are buffered and merged by transaction id. The write path
// also announces each transaction with Begin before committing it, so a scan
// that already saw a committed transaction whose Apply has not arrived yet
// marks it as counted. Either way a transaction is never counted twice or
// lost, however the scan and the write path interleave.
package aggregate

import (
	"context"
	"fmt"
	"iter"
	"log"
	"sync"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// TransactionSource yields a product's committed transactions in ledger order.
type TransactionSource interface {
	TransactionsFor(ctx context.Context, productID string) iter.Seq2[domain.Transaction, error]
}

// Totals is the running aggregate for one product.
type Totals struct {
	SumAll      int64
	SumNegative int64
	Count       int64
}

func (t Totals) QuantityOnHand() int64 {
	return t.SumAll
}

func (t Totals) QuantitySold() int64 {
	return -t.SumNegative
}

func (t *Totals) add(amount int64) {
	t.SumAll += amount
	if amount < 0 {
		t.SumNegative += amount
	}
	t.Count++
}

// Snapshot is published to the Sink whenever a product's totals change.
type Snapshot struct {
	ProductID string
	Totals
}

// Sink receives snapshots. Publish is called on the write path with the
// product's entry locked, so it must not block and must not call back into
// the Aggregator.
type Sink interface {
	Publish(Snapshot)
}

type entryState uint8

const (
	stateStale entryState = iota
	stateSeeding
	stateReady
)

type entry struct {
	mu          sync.Mutex
	state       entryState
	totals      Totals
	pending     []domain.Transaction
	seeded      chan struct{}
	invalidated bool

	// inflight holds transactions announced by Begin whose Apply or Abort
	// has not arrived. counted holds those among them a scan already summed.
	inflight map[string]int64
	counted  map[string]struct{}
}

func (e *entry) beginSeed() {
	e.state = stateSeeding
	e.seeded = make(chan struct{})
	e.pending = nil
	e.invalidated = false
}

// settleInflight marks the in-flight transactions contained in seen as
// counted and returns the sum of those not marked by an earlier scan.
func (e *entry) settleInflight(seen map[string]struct{}) Totals {
	var t Totals
	for id, amount := range e.inflight {
		if _, ok := seen[id]; !ok {
			continue
		}
		if _, done := e.counted[id]; done {
			continue
		}
		if e.counted == nil {
			e.counted = make(map[string]struct{})
		}
		e.counted[id] = struct{}{}
		t.add(amount)
	}
	return t
}

func (e *entry) finishSeed(state entryState) {
	e.state = state
	e.pending = nil
	close(e.seeded)
}

// Aggregator caches per-product totals.
type Aggregator struct {
	source TransactionSource
	sink   Sink
	logger *log.Logger

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Aggregator)

// WithSink mirrors every change to s.
func WithSink(s Sink) Option {
	return func(a *Aggregator) {
		a.sink = s
	}
}

func New(source TransactionSource, logger *log.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = log.Default()
	}
	a := &Aggregator{
		source:  source,
		logger:  logger,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Begin announces a transaction that is about to be committed. It must be
// followed by Apply once the commit succeeds or by Abort when it fails.
func (a *Aggregator) Begin(tx domain.Transaction) {
	e := a.entry(tx.ProductID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inflight == nil {
		e.inflight = make(map[string]int64)
	}
	e.inflight[tx.ID] = tx.Amount
}

// Abort forgets a transaction announced by Begin that was not committed.
func (a *Aggregator) Abort(tx domain.Transaction) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e := a.entries[tx.ProductID]
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, tx.ID)
	delete(e.counted, tx.ID)
	if e.state == stateStale && len(e.inflight) == 0 && len(e.counted) == 0 {
		// Writes rejected for unknown products leave nothing behind.
		delete(a.entries, tx.ProductID)
	}
}

// Apply folds a committed transaction into the cache. Products that have
// never been read are skipped; their first read scans the log instead.
func (a *Aggregator) Apply(tx domain.Transaction) {
	a.mu.RLock()
	e := a.entries[tx.ProductID]
	a.mu.RUnlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, tx.ID)
	if _, counted := e.counted[tx.ID]; counted {
		// An earlier scan already summed it.
		delete(e.counted, tx.ID)
		return
	}

	switch e.state {
	case stateReady:
		e.totals.add(tx.Amount)
		a.publish(Snapshot{ProductID: tx.ProductID, Totals: e.totals})
	case stateSeeding:
		e.pending = append(e.pending, tx)
	}
}

// Totals returns the cached totals, seeding them from the log if needed.
func (a *Aggregator) Totals(ctx context.Context, productID string) (Totals, error) {
	e := a.entry(productID)
	for {
		e.mu.Lock()
		switch e.state {
		case stateReady:
			t := e.totals
			e.mu.Unlock()
			return t, nil
		case stateSeeding:
			wait := e.seeded
			e.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return Totals{}, ctx.Err()
			}
		default:
			e.beginSeed()
			e.mu.Unlock()
			t, ok, err := a.seed(ctx, productID, e)
			if err != nil {
				return Totals{}, err
			}
			if ok {
				return t, nil
			}
		}
	}
}

func (a *Aggregator) QuantityOnHand(ctx context.Context, productID string) (int64, error) {
	t, err := a.Totals(ctx, productID)
	if err != nil {
		return 0, err
	}
	return t.QuantityOnHand(), nil
}

func (a *Aggregator) QuantitySold(ctx context.Context, productID string) (int64, error) {
	t, err := a.Totals(ctx, productID)
	if err != nil {
		return 0, err
	}
	return t.QuantitySold(), nil
}

// Cached returns the cached totals without seeding.
func (a *Aggregator) Cached(productID string) (Totals, bool) {
	a.mu.RLock()
	e := a.entries[productID]
	a.mu.RUnlock()
	if e == nil {
		return Totals{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateReady {
		return Totals{}, false
	}
	return e.totals, true
}

// Invalidate drops the cached totals for a product; the next read rescans.
// Verify calls it when the ledger cannot be read back.
func (a *Aggregator) Invalidate(productID string) {
	a.mu.RLock()
	e := a.entries[productID]
	a.mu.RUnlock()
	if e != nil {
		e.invalidate()
	}
}

// InvalidateAll drops every cached entry, e.g. after a bulk import.
func (a *Aggregator) InvalidateAll() {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, e := range a.entries {
		e.invalidate()
	}
}

func (e *entry) invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case stateReady:
		e.state = stateStale
	case stateSeeding:
		e.invalidated = true
	}
}

// Rebuild computes totals from a full scan without touching the cache.
func (a *Aggregator) Rebuild(ctx context.Context, productID string) (Totals, error) {
	t, _, err := a.scan(ctx, productID)
	return t, err
}

// Verify rescans a cached product and compares the result with the cache.
// A divergence is logged and repaired; it is reported as consistent == false
// but never as an error.
func (a *Aggregator) Verify(ctx context.Context, productID string) (bool, error) {
	e := a.entry(productID)
	e.mu.Lock()
	if e.state != stateReady {
		e.mu.Unlock()
		_, err := a.Totals(ctx, productID)
		return true, err
	}
	before := e.totals
	e.beginSeed()
	e.mu.Unlock()

	scanned, seen, err := a.scan(ctx, productID)

	e.mu.Lock()
	expected := before
	for _, tx := range e.pending {
		expected.add(tx.Amount)
		if _, dup := seen[tx.ID]; !dup {
			scanned.add(tx.Amount)
		}
	}
	if err != nil {
		e.totals = expected
		e.finishSeed(stateReady)
		e.mu.Unlock()
		a.Invalidate(productID)
		return true, fmt.Errorf("verify %s: %w", productID, err)
	}
	early := e.settleInflight(seen)
	expected.SumAll += early.SumAll
	expected.SumNegative += early.SumNegative
	expected.Count += early.Count

	consistent := expected == scanned
	e.totals = scanned
	if e.invalidated {
		e.finishSeed(stateStale)
	} else {
		e.finishSeed(stateReady)
	}
	if !consistent {
		mismatch := domain.NewError(domain.CodeInconsistentAggregateState, fmt.Sprintf(
			"product %s: cached (all=%d neg=%d n=%d) != ledger (all=%d neg=%d n=%d), cache rebuilt",
			productID, expected.SumAll, expected.SumNegative, expected.Count,
			scanned.SumAll, scanned.SumNegative, scanned.Count))
		a.logger.Printf("aggregate: %s: %v", mismatch.Code, mismatch)
	}
	if scanned != before {
		a.publish(Snapshot{ProductID: productID, Totals: scanned})
	}
	e.mu.Unlock()
	return consistent, nil
}

func (a *Aggregator) entry(productID string) *entry {
	a.mu.RLock()
	e := a.entries[productID]
	a.mu.RUnlock()
	if e != nil {
		return e
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if e = a.entries[productID]; e == nil {
		e = &entry{}
		a.entries[productID] = e
	}
	return e
}

func (a *Aggregator) seed(ctx context.Context, productID string, e *entry) (Totals, bool, error) {
	scanned, seen, err := a.scan(ctx, productID)

	e.mu.Lock()
	if err != nil {
		e.finishSeed(stateStale)
		e.mu.Unlock()
		return Totals{}, false, fmt.Errorf("seed %s: %w", productID, err)
	}
	if e.invalidated {
		e.finishSeed(stateStale)
		e.mu.Unlock()
		return Totals{}, false, nil
	}
	for _, tx := range e.pending {
		if _, dup := seen[tx.ID]; !dup {
			scanned.add(tx.Amount)
		}
	}
	e.settleInflight(seen)
	e.totals = scanned
	e.finishSeed(stateReady)
	a.publish(Snapshot{ProductID: productID, Totals: scanned})
	e.mu.Unlock()
	return scanned, true, nil
}

func (a *Aggregator) scan(ctx context.Context, productID string) (Totals, map[string]struct{}, error) {
	var t Totals
	seen := make(map[string]struct{})
	for tx, err := range a.source.TransactionsFor(ctx, productID) {
		if err != nil {
			return Totals{}, nil, err
		}
		t.add(tx.Amount)
		seen[tx.ID] = struct{}{}
	}
	return t, seen, nil
}

func (a *Aggregator) publish(s Snapshot) {
	if a.sink != nil {
		a.sink.Publish(s)
	}
}
