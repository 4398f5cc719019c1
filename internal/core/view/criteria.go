package view

import (
	"cmp"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

type SortKey uint8

const (
	SortName SortKey = iota
	SortLastUpdated
	SortQuantity
)

func (k SortKey) String() string {
	switch k {
	case SortName:
		return "name"
	case SortLastUpdated:
		return "last_updated"
	case SortQuantity:
		return "quantity"
	default:
		return "unknown"
	}
}

func (k SortKey) valid() bool {
	return k <= SortQuantity
}

// ParseSortKey accepts the wire names of the sort keys. Empty means SortName.
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "name", "productname":
		return SortName, nil
	case "last_updated", "lastupdated", "updated":
		return SortLastUpdated, nil
	case "quantity", "amount", "quantity_on_hand":
		return SortQuantity, nil
	default:
		return 0, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown sort key %q", s))
	}
}

// Criteria selects and orders the products of a view.
type Criteria struct {
	Key       SortKey
	Ascending bool
	Query     string
}

// row is the cached state of one product inside a view.
type row struct {
	id          string
	name        string
	lastUpdated time.Time
	quantity    int64

	foldedID   string
	foldedName string
	foldedDesc string
}

func newRow(p domain.Product, quantity int64, fold cases.Caser) *row {
	return &row{
		id:          p.ID,
		name:        p.Name,
		lastUpdated: p.LastUpdated,
		quantity:    quantity,
		foldedID:    fold.String(p.ID),
		foldedName:  fold.String(p.Name),
		foldedDesc:  fold.String(p.Description),
	}
}

// matches reports whether the row contains the already folded query in its
// name, description or id.
func (r *row) matches(foldedQuery string) bool {
	if foldedQuery == "" {
		return true
	}
	return strings.Contains(r.foldedName, foldedQuery) ||
		strings.Contains(r.foldedDesc, foldedQuery) ||
		strings.Contains(r.foldedID, foldedQuery)
}

// compare orders rows by the sort key, then by id ascending regardless of
// direction so equal keys have one stable order. Names compare case-folded.
func compare(c Criteria, a, b *row) int {
	var n int
	switch c.Key {
	case SortName:
		n = strings.Compare(a.foldedName, b.foldedName)
		if n == 0 {
			n = strings.Compare(a.name, b.name)
		}
	case SortLastUpdated:
		n = a.lastUpdated.Compare(b.lastUpdated)
	case SortQuantity:
		n = cmp.Compare(a.quantity, b.quantity)
	}
	if !c.Ascending {
		n = -n
	}
	if n != 0 {
		return n
	}
	return strings.Compare(a.id, b.id)
}
