package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rl1809/inventory-ledger/internal/core/domain"
	"github.com/rl1809/inventory-ledger/internal/port"
)

var contractEpoch = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func contractProduct(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        "Product " + id,
		Description: "desc " + id,
		Image:       []byte{0x89, 'P', 'N', 'G'},
		CreatedAt:   contractEpoch,
		LastUpdated: contractEpoch,
	}
}

func contractTx(id, productID string, offset time.Duration, amount int64) domain.Transaction {
	return domain.Transaction{
		ID:        id,
		ProductID: productID,
		ActorID:   "actor-1",
		Amount:    amount,
		Timestamp: contractEpoch.Add(offset),
	}
}

// runLedgerRepositoryContract exercises the behaviour every backend must share.
func runLedgerRepositoryContract(t *testing.T, newRepo func(t *testing.T) port.LedgerRepository) {
	ctx := context.Background()

	t.Run("insert and get product", func(t *testing.T) {
		repo := newRepo(t)
		want := contractProduct("p-1")
		if err := repo.InsertProduct(ctx, want, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		got, err := repo.GetProduct(ctx, "p-1")
		if err != nil || got == nil {
			t.Fatalf("get = %v, %v", got, err)
		}
		if got.Name != want.Name || got.Description != want.Description || !bytes.Equal(got.Image, want.Image) {
			t.Errorf("got %+v, want %+v", got, want)
		}
		if !got.CreatedAt.Equal(want.CreatedAt) || !got.LastUpdated.Equal(want.LastUpdated) {
			t.Errorf("timestamps %v/%v, want %v", got.CreatedAt, got.LastUpdated, want.CreatedAt)
		}

		missing, err := repo.GetProduct(ctx, "absent")
		if err != nil || missing != nil {
			t.Errorf("missing product = %v, %v", missing, err)
		}
	})

	t.Run("insert duplicate product", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.InsertProduct(ctx, contractProduct("p-1"), nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		err := repo.InsertProduct(ctx, contractProduct("p-1"), nil)
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("save replaces and appends opening", func(t *testing.T) {
		repo := newRepo(t)
		p := contractProduct("p-1")
		opening := contractTx("tx-open", "p-1", 0, 12)
		if err := repo.SaveProduct(ctx, p, &opening); err != nil {
			t.Fatalf("save: %v", err)
		}
		p.Name = "Renamed"
		p.Image = nil
		p.LastUpdated = contractEpoch.Add(time.Minute)
		if err := repo.SaveProduct(ctx, p, nil); err != nil {
			t.Fatalf("resave: %v", err)
		}
		got, err := repo.GetProduct(ctx, "p-1")
		if err != nil || got == nil {
			t.Fatalf("get = %v, %v", got, err)
		}
		if got.Name != "Renamed" || len(got.Image) != 0 || !got.LastUpdated.Equal(p.LastUpdated) {
			t.Errorf("after resave got %+v", got)
		}
		has, err := repo.HasTransactions(ctx, "p-1")
		if err != nil || !has {
			t.Errorf("has transactions = %v, %v", has, err)
		}
	})

	t.Run("list products ordered by id", func(t *testing.T) {
		repo := newRepo(t)
		for _, id := range []string{"c", "a", "b"} {
			if err := repo.InsertProduct(ctx, contractProduct(id), nil); err != nil {
				t.Fatalf("insert %s: %v", id, err)
			}
		}
		list, err := repo.ListProducts(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		var ids []string
		for _, p := range list {
			ids = append(ids, p.ID)
		}
		if fmt.Sprint(ids) != "[a b c]" {
			t.Errorf("ids = %v", ids)
		}
	})

	t.Run("append rejects unknown product and duplicate id", func(t *testing.T) {
		repo := newRepo(t)
		err := repo.AppendTransaction(ctx, contractTx("tx-1", "ghost", 0, 1))
		if !errors.Is(err, domain.ErrUnknownProduct) {
			t.Fatalf("expected ErrUnknownProduct, got %v", err)
		}
		if err := repo.InsertProduct(ctx, contractProduct("p-1"), nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if has, _ := repo.HasTransactions(ctx, "p-1"); has {
			t.Fatal("fresh product reports history")
		}
		if err := repo.AppendTransaction(ctx, contractTx("tx-1", "p-1", 0, 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		err = repo.AppendTransaction(ctx, contractTx("tx-1", "p-1", time.Second, 2))
		if !errors.Is(err, domain.ErrAlreadyExists) {
			t.Fatalf("expected ErrAlreadyExists, got %v", err)
		}
	})

	t.Run("cursor paging with timestamp ties", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.InsertProduct(ctx, contractProduct("p-1"), nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		if err := repo.InsertProduct(ctx, contractProduct("p-2"), nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
		// Appended out of order; three share a timestamp.
		for _, tx := range []domain.Transaction{
			contractTx("tx-e", "p-1", 2*time.Second, -1),
			contractTx("tx-c", "p-1", time.Second, 3),
			contractTx("tx-a", "p-1", time.Second, 1),
			contractTx("tx-b", "p-1", time.Second, 2),
			contractTx("tx-0", "p-1", 0, 5),
			contractTx("tx-x", "p-2", 0, 9),
		} {
			if err := repo.AppendTransaction(ctx, tx); err != nil {
				t.Fatalf("append %s: %v", tx.ID, err)
			}
		}

		var (
			got    []string
			cursor domain.TransactionCursor
		)
		for {
			page, err := repo.ListTransactions(ctx, "p-1", cursor, 2)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(page) == 0 {
				break
			}
			for _, tx := range page {
				got = append(got, tx.ID)
			}
			cursor = domain.CursorAfter(page[len(page)-1])
		}
		if fmt.Sprint(got) != "[tx-0 tx-a tx-b tx-c tx-e]" {
			t.Fatalf("paged order = %v", got)
		}

		all, err := repo.ListTransactions(ctx, "p-1", domain.TransactionCursor{}, 0)
		if err != nil || len(all) != 5 {
			t.Fatalf("unbounded list = %d, %v", len(all), err)
		}
		if !all[4].Timestamp.Equal(contractEpoch.Add(2*time.Second)) || all[4].ActorID != "actor-1" || all[4].Amount != -1 {
			t.Errorf("last transaction = %+v", all[4])
		}
	})

	t.Run("people", func(t *testing.T) {
		repo := newRepo(t)
		missing, err := repo.GetPerson(ctx, "u-1")
		if err != nil || missing != nil {
			t.Fatalf("missing person = %v, %v", missing, err)
		}
		person := domain.Person{ID: "u-1", FirstName: "Ada", CreatedAt: contractEpoch}
		if err := repo.SavePerson(ctx, person); err != nil {
			t.Fatalf("save: %v", err)
		}
		person.LastName = "Lovelace"
		person.Avatar = []byte{1, 2, 3}
		if err := repo.SavePerson(ctx, person); err != nil {
			t.Fatalf("resave: %v", err)
		}
		got, err := repo.GetPerson(ctx, "u-1")
		if err != nil || got == nil {
			t.Fatalf("get = %v, %v", got, err)
		}
		if got.FullName() != "Ada Lovelace" || !bytes.Equal(got.Avatar, []byte{1, 2, 3}) || !got.CreatedAt.Equal(contractEpoch) {
			t.Errorf("person = %+v", got)
		}
	})
}
