package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
)

const maxHistoryDays = 3660

// DailyTotal is the stock movement of one product during one UTC day.
type DailyTotal struct {
	Day         time.Time
	Sold        int64 // absolute value of negative amounts
	Replenished int64 // sum of positive amounts
}

// DailyTotals buckets a product's transactions by UTC day over [from, to],
// one entry per day including empty ones. A zero to means now; reversed
// bounds are swapped.
func (a *Aggregator) DailyTotals(ctx context.Context, productID string, from, to time.Time) ([]DailyTotal, error) {
	if to.IsZero() {
		to = time.Now()
	}
	start := startOfDay(from)
	end := startOfDay(to)
	if end.Before(start) {
		start, end = end, start
	}
	days := int(end.Sub(start)/(24*time.Hour)) + 1
	if days > maxHistoryDays {
		return nil, domain.NewError(domain.CodeInvalidArgument,
			fmt.Sprintf("history range of %d days exceeds %d", days, maxHistoryDays))
	}

	out := make([]DailyTotal, days)
	for i := range out {
		out[i].Day = start.AddDate(0, 0, i)
	}
	limit := end.AddDate(0, 0, 1)

	for tx, err := range a.source.TransactionsFor(ctx, productID) {
		if err != nil {
			return nil, fmt.Errorf("history %s: %w", productID, err)
		}
		ts := tx.Timestamp.UTC()
		if ts.Before(start) {
			continue
		}
		if !ts.Before(limit) {
			break
		}
		bucket := &out[int(ts.Sub(start)/(24*time.Hour))]
		if tx.Amount < 0 {
			bucket.Sold -= tx.Amount
		} else {
			bucket.Replenished += tx.Amount
		}
	}
	return out, nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
