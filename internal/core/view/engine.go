// Package view maintains a sorted, filtered projection of the product
// catalog and reports every change to it as a minimal diff.
//
// The engine is a ledger observer. A mutation re-evaluates only the product
// it names: filter membership first, then its position. A product whose new
// key still fits between its neighbours is updated in place; otherwise it is
// removed and reinserted by binary search. Full recomputation happens only
// when the criteria change or the ledger reports a reset, and even then the
// result is published as a diff against the previous order. A mutation that
// cannot be read back marks the view stale; it then reloads in full, at once
// and again on every later event until a reload succeeds.
package view

import (
	"context"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"

	"golang.org/x/text/cases"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/notify"
)

// Catalog reads committed products.
type Catalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (domain.Product, error)
}

// Quantities reads derived stock levels.
type Quantities interface {
	QuantityOnHand(ctx context.Context, productID string) (int64, error)
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithQueueLimit bounds every subscriber's backlog of undelivered batches.
func WithQueueLimit(n int) Option {
	return func(e *Engine) {
		e.queueLimit = n
	}
}

func WithCriteria(c Criteria) Option {
	return func(e *Engine) {
		e.criteria = c
	}
}

type Engine struct {
	catalog    Catalog
	quantities Quantities
	logger     *log.Logger
	queueLimit int
	hub        *notify.Hub[Batch]

	mu          sync.Mutex
	criteria    Criteria
	foldedQuery string
	fold        cases.Caser
	rows        map[string]*row
	order       []string
	seq         uint64
	stale       bool
}

// NewEngine returns an empty view. Register it with the ledger and then call
// Load so no mutation committed in between is missed.
func NewEngine(catalog Catalog, quantities Quantities, opts ...Option) *Engine {
	e := &Engine{
		catalog:    catalog,
		quantities: quantities,
		logger:     log.Default(),
		fold:       cases.Fold(),
		rows:       make(map[string]*row),
		criteria:   Criteria{Key: SortName, Ascending: true},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.foldedQuery = e.fold.String(e.criteria.Query)
	e.hub = notify.NewHub[Batch](e.queueLimit)
	return e
}

// Load reads the whole catalog and publishes the difference from the current
// order.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reload(ctx)
}

// Subscribe returns a stream whose first batch inserts the current order.
func (e *Engine) Subscribe() *notify.Subscription[Batch] {
	e.mu.Lock()
	defer e.mu.Unlock()

	initial := Batch{Seq: e.seq, Initial: true, Changes: make([]Change, len(e.order))}
	for i, id := range e.order {
		initial.Changes[i] = Change{Kind: Insert, ID: id, Index: i}
	}
	return e.hub.Subscribe(initial)
}

func (e *Engine) Order() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.order)
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.order)
}

func (e *Engine) Criteria() Criteria {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.criteria
}

// Close ends every subscription.
func (e *Engine) Close() {
	e.hub.Close()
}

// SetSort reorders the view. Only moves are emitted.
func (e *Engine) SetSort(ctx context.Context, key SortKey, ascending bool) error {
	if !key.valid() {
		return domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown sort key %d", key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.criteria.Key = key
	e.criteria.Ascending = ascending
	if e.stale && e.resync(ctx) {
		return nil
	}
	next := slices.Clone(e.order)
	e.sortIDs(next)
	e.publish(diffOrders(e.order, next))
	e.order = next
	return nil
}

// SetFilter narrows the view to products whose name, description or id
// contain query, ignoring case. An empty query shows every product.
func (e *Engine) SetFilter(ctx context.Context, query string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.criteria.Query = query
	e.foldedQuery = e.fold.String(query)
	if e.stale && e.resync(ctx) {
		return nil
	}
	next := e.project()
	e.publish(diffOrders(e.order, next))
	e.order = next
	return nil
}

// OnLedgerReset rebuilds the view from the catalog.
func (e *Engine) OnLedgerReset(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resync(ctx)
}

// OnLedgerMutation re-evaluates the single product named by m.
func (e *Engine) OnLedgerMutation(ctx context.Context, m domain.Mutation) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stale {
		// The reload reads m's product as well.
		e.resync(ctx)
		return
	}

	cur := e.rows[m.ProductID]
	if cur == nil && !m.Created {
		// A product this view has never seen; load it whole.
		m.Fields = domain.FieldsOf(domain.ProductFields...)
	}

	p, err := e.catalog.GetProduct(ctx, m.ProductID)
	if err != nil {
		e.logger.Printf("view: load product %s: %v", m.ProductID, err)
		e.resync(ctx)
		return
	}

	next := &row{id: p.ID}
	if cur != nil {
		*next = *cur
	}
	resort, refilter, err := e.refresh(ctx, next, p, m.Fields)
	if err != nil {
		e.logger.Printf("view: refresh product %s: %v", m.ProductID, err)
		e.resync(ctx)
		return
	}
	if cur == nil {
		resort, refilter = true, true
	}

	idx, member := -1, false
	if cur != nil {
		idx, member = e.indexOf(cur)
	}
	e.rows[p.ID] = next
	keep := next.matches(e.foldedQuery)
	if !refilter {
		keep = member
	}

	switch {
	case !member && !keep:
	case !member && keep:
		at := e.insertionPoint(next)
		e.order = slices.Insert(e.order, at, next.id)
		e.publish([]Change{{Kind: Insert, ID: next.id, Index: at}})
	case member && !keep:
		e.order = slices.Delete(e.order, idx, idx+1)
		e.publish([]Change{{Kind: Remove, ID: next.id, Index: idx}})
	case resort && !e.fitsAt(idx, next):
		e.order = slices.Delete(e.order, idx, idx+1)
		at := e.insertionPoint(next)
		e.order = slices.Insert(e.order, at, next.id)
		e.publish([]Change{{Kind: Move, ID: next.id, From: idx, Index: at}})
	case !m.Fields.Empty():
		e.publish([]Change{{Kind: Update, ID: next.id, Index: idx}})
	}
}

// refresh copies the changed fields of p into r and reports whether the
// sort position or the filter membership may have changed.
func (e *Engine) refresh(ctx context.Context, r *row, p domain.Product, fields domain.FieldSet) (resort, refilter bool, err error) {
	for _, f := range fields.Fields() {
		switch f {
		case domain.FieldName:
			r.name = p.Name
			r.foldedName = e.fold.String(p.Name)
			resort = resort || e.criteria.Key == SortName
			refilter = true
		case domain.FieldDescription:
			r.foldedDesc = e.fold.String(p.Description)
			refilter = true
		case domain.FieldImage:
		case domain.FieldLastUpdated:
			r.lastUpdated = p.LastUpdated
			resort = resort || e.criteria.Key == SortLastUpdated
		case domain.FieldTransactions:
			q, qerr := e.quantities.QuantityOnHand(ctx, p.ID)
			if qerr != nil {
				err = fmt.Errorf("quantity: %w", qerr)
				continue
			}
			r.quantity = q
			resort = resort || e.criteria.Key == SortQuantity
		default:
			e.logger.Printf("view: unhandled product field %v", f)
		}
	}
	if r.foldedID == "" {
		r.foldedID = e.fold.String(p.ID)
	}
	return resort, refilter, err
}

// fitsAt reports whether r still sorts strictly between the neighbours of
// position i.
func (e *Engine) fitsAt(i int, r *row) bool {
	if i > 0 && compare(e.criteria, e.rows[e.order[i-1]], r) >= 0 {
		return false
	}
	if i+1 < len(e.order) && compare(e.criteria, r, e.rows[e.order[i+1]]) >= 0 {
		return false
	}
	return true
}

// indexOf finds r by binary search on its cached key.
func (e *Engine) indexOf(r *row) (int, bool) {
	i := sort.Search(len(e.order), func(i int) bool {
		return compare(e.criteria, e.rows[e.order[i]], r) >= 0
	})
	if i < len(e.order) && e.order[i] == r.id {
		return i, true
	}
	return -1, false
}

func (e *Engine) insertionPoint(r *row) int {
	return sort.Search(len(e.order), func(i int) bool {
		return compare(e.criteria, e.rows[e.order[i]], r) > 0
	})
}

func (e *Engine) sortIDs(ids []string) {
	slices.SortStableFunc(ids, func(a, b string) int {
		return compare(e.criteria, e.rows[a], e.rows[b])
	})
}

// project returns the sorted ids of every cached row passing the filter.
func (e *Engine) project() []string {
	ids := make([]string, 0, len(e.rows))
	for id, r := range e.rows {
		if r.matches(e.foldedQuery) {
			ids = append(ids, id)
		}
	}
	e.sortIDs(ids)
	return ids
}

// reload replaces every row from the catalog. On failure the previous rows
// stay in place and the view is marked stale.
func (e *Engine) reload(ctx context.Context) error {
	products, err := e.catalog.ListProducts(ctx)
	if err != nil {
		e.stale = true
		return fmt.Errorf("list products: %w", err)
	}
	rows := make(map[string]*row, len(products))
	for _, p := range products {
		q, err := e.quantities.QuantityOnHand(ctx, p.ID)
		if err != nil {
			e.stale = true
			return fmt.Errorf("quantity of %s: %w", p.ID, err)
		}
		rows[p.ID] = newRow(p, q, e.fold)
	}
	e.rows = rows
	e.stale = false
	next := e.project()
	e.publish(diffOrders(e.order, next))
	e.order = next
	return nil
}

// resync reloads the view and reports whether it is current again.
func (e *Engine) resync(ctx context.Context) bool {
	if err := e.reload(ctx); err != nil {
		e.logger.Printf("view: resync: %v", err)
		return false
	}
	return true
}

// publish enqueues a batch for every subscriber. Delivery happens on the
// subscribers' own goroutines.
func (e *Engine) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	e.seq++
	e.hub.Publish(Batch{Seq: e.seq, Changes: changes})
}
