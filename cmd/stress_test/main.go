package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/inventory-ledger/internal/adapter/storage"
	"github.com/rl1809/inventory-ledger/internal/core/aggregate"
	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/core/ledger"
	"github.com/rl1809/inventory-ledger/internal/core/service"
	"github.com/rl1809/inventory-ledger/internal/core/view"
	"github.com/rl1809/inventory-ledger/internal/port"
)

const (
	initialStock = 100
	queueSize    = 1024
)

func main() {
	products := flag.Int("products", 8, "number of products")
	totalRequests := flag.Int("requests", 5000, "number of concurrent appends")
	sqlitePath := flag.String("sqlite", "", "run against this SQLite file instead of memory")
	flag.Parse()

	ctx := context.Background()
	quiet := log.New(io.Discard, "", 0)

	var repo port.LedgerRepository = storage.NewMemoryAdapter()
	if *sqlitePath != "" {
		db, err := storage.OpenSQLite(ctx, *sqlitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		defer db.Close()
		repo = db
	}

	cache := storage.NewMemoryCache()
	mirror := service.NewAggregateMirror(4, queueSize, quiet)
	store := ledger.NewStore(repo, ledger.Options{LockTimeout: 5 * time.Second, Logger: quiet})
	agg := aggregate.New(store, quiet, aggregate.WithSink(mirror))
	store.Attach(agg)
	wait := mirror.Run(cache)
	inventory := service.NewInventoryService(store, agg, service.Options{Cache: cache, Logger: quiet})

	ids := make([]string, *products)
	for i := range ids {
		ids[i] = fmt.Sprintf("stress-%03d", i)
		p := domain.Product{ID: ids[i], Name: fmt.Sprintf("Stress item %d", i)}
		if _, err := inventory.CreateProduct(ctx, p, initialStock, "stress"); err != nil {
			log.Fatalf("failed to create %s: %v", ids[i], err)
		}
	}

	// A live view follows every write for the whole run.
	engine, stopView, err := inventory.OpenView(ctx, view.Criteria{Key: view.SortQuantity, Ascending: true})
	if err != nil {
		log.Fatalf("failed to open view: %v", err)
	}
	sub := engine.Subscribe()
	var batches atomic.Int64
	viewDone := make(chan struct{})
	go func() {
		defer close(viewDone)
		for range sub.C() {
			batches.Add(1)
		}
	}()

	// Counters
	var successCount, duplicateCount, failCount atomic.Int32

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			amount := int64(rand.IntN(7) - 3)
			if amount == 0 {
				amount = 1
			}
			// Every tenth request replays its predecessor's request id.
			requestID := fmt.Sprintf("req-%d", n)
			if n%10 == 9 {
				requestID = fmt.Sprintf("req-%d", n-1)
			}
			_, err := inventory.AppendTransaction(ctx, requestID, ids[n%len(ids)], fmt.Sprintf("user-%d", n%50), amount)
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, service.ErrDuplicateRequest):
				duplicateCount.Add(1)
			default:
				failCount.Add(1)
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	stopView()
	<-viewDone

	// Results
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Products:         %d\n", len(ids))
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Appended:         %d\n", successCount.Load())
	fmt.Printf("Duplicates:       %d\n", duplicateCount.Load())
	fmt.Printf("Failed:           %d\n", failCount.Load())
	fmt.Printf("View Batches:     %d\n", batches.Load())
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	pass := true
	if failCount.Load() != 0 {
		fmt.Printf("FAIL: %d appends failed\n", failCount.Load())
		pass = false
	}

	// Cached totals must equal a full rescan of every product's log.
	var appended int64
	for _, id := range ids {
		cached, err := inventory.Quantity(ctx, id)
		if err != nil {
			log.Fatalf("failed to read %s: %v", id, err)
		}
		rebuilt, err := agg.Rebuild(ctx, id)
		if err != nil {
			log.Fatalf("failed to rebuild %s: %v", id, err)
		}
		appended += rebuilt.Count - 1
		if cached != rebuilt {
			fmt.Printf("FAIL: %s cached %+v, rebuilt %+v\n", id, cached, rebuilt)
			pass = false
		}
	}
	if appended != int64(successCount.Load()) {
		fmt.Printf("FAIL: ledger holds %d appends, expected %d\n", appended, successCount.Load())
		pass = false
	}

	mirror.Close()
	wait()
	for _, id := range ids {
		rec, ok, _ := cache.GetAggregate(ctx, id)
		rebuilt, _ := agg.Rebuild(ctx, id)
		if mirror.Dropped() == 0 && (!ok || rec.SumAll != rebuilt.SumAll) {
			fmt.Printf("FAIL: mirror of %s = %+v, want sum %d\n", id, rec, rebuilt.SumAll)
			pass = false
		}
	}
	fmt.Printf("Mirror Dropped:   %d\n", mirror.Dropped())

	if !pass {
		os.Exit(1)
	}
	fmt.Println("PASS: cached aggregates match the ledger")
}
