package domain

import "time"

type Transaction struct {
	ID        string
	Timestamp time.Time
	ActorID   string
	ProductID string
	Amount    int64 // positive = stock added, negative = stock removed or sold
}

// Before orders transactions by timestamp, breaking ties by id.
func (t Transaction) Before(other Transaction) bool {
	if !t.Timestamp.Equal(other.Timestamp) {
		return t.Timestamp.Before(other.Timestamp)
	}
	return t.ID < other.ID
}

// TransactionCursor marks a position in a product's ordered transaction log.
// The zero cursor starts before the first transaction.
type TransactionCursor struct {
	Timestamp time.Time
	ID        string
}

func (c TransactionCursor) IsZero() bool {
	return c.ID == "" && c.Timestamp.IsZero()
}

// CursorAfter returns the cursor positioned just after t.
func CursorAfter(t Transaction) TransactionCursor {
	return TransactionCursor{Timestamp: t.Timestamp, ID: t.ID}
}

// Follows reports whether t sorts strictly after the cursor.
func (c TransactionCursor) Follows(t Transaction) bool {
	if c.IsZero() {
		return true
	}
	return Transaction{Timestamp: c.Timestamp, ID: c.ID}.Before(t)
}
