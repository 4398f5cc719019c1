package view

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/text/cases"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

// Row is one product of a computed view.
type Row struct {
	Product        domain.Product
	QuantityOnHand int64
}

// Compute evaluates criteria once over the whole catalog without keeping any
// state, for request/response readers that do not subscribe.
func Compute(ctx context.Context, catalog Catalog, quantities Quantities, c Criteria) ([]Row, error) {
	if !c.Key.valid() {
		return nil, domain.NewError(domain.CodeInvalidArgument, fmt.Sprintf("unknown sort key %d", c.Key))
	}
	products, err := catalog.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	fold := cases.Fold()
	query := fold.String(c.Query)
	type entry struct {
		row *row
		out Row
	}
	entries := make([]entry, 0, len(products))
	for _, p := range products {
		q, err := quantities.QuantityOnHand(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("quantity of %s: %w", p.ID, err)
		}
		r := newRow(p, q, fold)
		if !r.matches(query) {
			continue
		}
		entries = append(entries, entry{row: r, out: Row{Product: p, QuantityOnHand: q}})
	}
	slices.SortFunc(entries, func(a, b entry) int {
		return compare(c, a.row, b.row)
	})

	rows := make([]Row, len(entries))
	for i, e := range entries {
		rows[i] = e.out
	}
	return rows, nil
}
