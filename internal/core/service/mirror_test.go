package service

import (
	"bytes"
	"fmt"
	"log"
	"strings"
	"testing"

	"github.com/rl1809/inventory-ledger/internal/core/aggregate"
)

func snapshot(id string, sumAll int64) aggregate.Snapshot {
	return aggregate.Snapshot{ProductID: id, Totals: aggregate.Totals{SumAll: sumAll, Count: 1}}
}

func TestMirror_WritesSnapshotsInOrderPerProduct(t *testing.T) {
	cache := newMockCacheRepo()
	var buf bytes.Buffer
	m := NewAggregateMirror(4, 100, log.New(&buf, "", 0))
	wait := m.Run(cache)

	for i := 1; i <= 20; i++ {
		m.Publish(snapshot("a", int64(i)))
		m.Publish(snapshot("b", int64(-i)))
	}
	m.Close()
	wait()

	var a []string
	for _, w := range cache.writes {
		if strings.HasPrefix(w, "a=") {
			a = append(a, w)
		}
	}
	if len(a) != 20 {
		t.Fatalf("expected 20 writes for a, got %d", len(a))
	}
	for i, w := range a {
		if want := fmt.Sprintf("a=%d", i+1); w != want {
			t.Fatalf("write %d = %s, want %s", i, w, want)
		}
	}
	rec, ok := cache.aggregates["b"]
	if !ok || rec.SumAll != -20 || rec.UpdatedAt.IsZero() {
		t.Fatalf("final b = %+v, %v", rec, ok)
	}
}

func TestMirror_DropsWhenFull(t *testing.T) {
	var buf bytes.Buffer
	m := NewAggregateMirror(1, 2, log.New(&buf, "", 0))

	// No workers are running, so the third snapshot has nowhere to go.
	m.Publish(snapshot("a", 1))
	m.Publish(snapshot("a", 2))
	m.Publish(snapshot("a", 3))

	if m.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", m.Dropped())
	}
	if !strings.Contains(buf.String(), "dropped snapshot of a") {
		t.Fatalf("expected drop to be logged, got %q", buf.String())
	}
}

func TestMirror_PublishAfterCloseIsIgnored(t *testing.T) {
	cache := newMockCacheRepo()
	var buf bytes.Buffer
	m := NewAggregateMirror(2, 10, log.New(&buf, "", 0))
	wait := m.Run(cache)
	m.Close()
	m.Close()
	wait()

	m.Publish(snapshot("a", 1))
	if len(cache.writes) != 0 {
		t.Fatalf("expected no writes, got %v", cache.writes)
	}
}
