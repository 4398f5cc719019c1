package storage

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// MemoryAdapter is an in-process LedgerRepository. Each product keeps its
// transactions sorted by timestamp then id so cursor pages are a binary search.
type MemoryAdapter struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	txs      map[string][]domain.Transaction
	txIDs    map[string]struct{}
	people   map[string]domain.Person
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		products: make(map[string]domain.Product),
		txs:      make(map[string][]domain.Transaction),
		txIDs:    make(map[string]struct{}),
		people:   make(map[string]domain.Person),
	}
}

func (m *MemoryAdapter) SaveProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if opening != nil {
		if err := m.checkTransaction(*opening); err != nil {
			return err
		}
	}
	m.products[product.ID] = cloneProduct(product)
	if opening != nil {
		m.insertTransaction(*opening)
	}
	return nil
}

func (m *MemoryAdapter) InsertProduct(ctx context.Context, product domain.Product, opening *domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[product.ID]; ok {
		return domain.NewError(domain.CodeAlreadyExists, "product "+product.ID+" already exists")
	}
	if opening != nil {
		if err := m.checkTransaction(*opening); err != nil {
			return err
		}
	}
	m.products[product.ID] = cloneProduct(product)
	if opening != nil {
		m.insertTransaction(*opening)
	}
	return nil
}

func (m *MemoryAdapter) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, nil
	}
	p = cloneProduct(p)
	return &p, nil
}

func (m *MemoryAdapter) ListProducts(ctx context.Context) ([]domain.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, cloneProduct(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryAdapter) AppendTransaction(ctx context.Context, tx domain.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[tx.ProductID]; !ok {
		return domain.NewError(domain.CodeUnknownProduct, "unknown product "+tx.ProductID)
	}
	if err := m.checkTransaction(tx); err != nil {
		return err
	}
	m.insertTransaction(tx)
	return nil
}

func (m *MemoryAdapter) ListTransactions(ctx context.Context, productID string, after domain.TransactionCursor, limit int) ([]domain.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.txs[productID]
	start := sort.Search(len(all), func(i int) bool { return after.Follows(all[i]) })
	end := len(all)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return slices.Clone(all[start:end]), nil
}

func (m *MemoryAdapter) HasTransactions(ctx context.Context, productID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.txs[productID]) > 0, nil
}

func (m *MemoryAdapter) SavePerson(ctx context.Context, person domain.Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	person.Avatar = slices.Clone(person.Avatar)
	m.people[person.ID] = person
	return nil
}

func (m *MemoryAdapter) GetPerson(ctx context.Context, id string) (*domain.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.people[id]
	if !ok {
		return nil, nil
	}
	p.Avatar = slices.Clone(p.Avatar)
	return &p, nil
}

func (m *MemoryAdapter) checkTransaction(tx domain.Transaction) error {
	if _, dup := m.txIDs[tx.ID]; dup {
		return domain.NewError(domain.CodeAlreadyExists, "transaction "+tx.ID+" already exists")
	}
	return nil
}

func (m *MemoryAdapter) insertTransaction(tx domain.Transaction) {
	list := m.txs[tx.ProductID]
	i := sort.Search(len(list), func(i int) bool { return tx.Before(list[i]) })
	m.txs[tx.ProductID] = slices.Insert(list, i, tx)
	m.txIDs[tx.ID] = struct{}{}
}

func cloneProduct(p domain.Product) domain.Product {
	p.Image = slices.Clone(p.Image)
	return p
}
