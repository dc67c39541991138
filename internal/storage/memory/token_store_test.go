package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

func TestTokenStore_InsertAndGet(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	tok := &domain.Token{
		Address:  "mint1",
		Name:     "Test Token",
		Symbol:   "TT",
		Owner:    "wallet1",
		Supply:   decimal.NewFromInt(1000000),
		Decimals: 6,
	}
	if err := store.Insert(ctx, tok); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	got, err := store.GetByAddress(ctx, "mint1")
	if err != nil {
		t.Fatalf("GetByAddress failed: %v", err)
	}
	if got.Name != "Test Token" {
		t.Errorf("Name mismatch: got %s, want Test Token", got.Name)
	}
	if got.CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	if err := store.Insert(ctx, tok); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
	if _, err := store.GetByAddress(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Insert(ctx, &domain.Token{}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTokenStore_UpdateAndDelete(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()

	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := store.Insert(ctx, &domain.Token{Address: "mint1", Name: "Old", CreatedAt: created}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := store.Update(ctx, &domain.Token{Address: "mint1", Name: "New"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ := store.GetByAddress(ctx, "mint1")
	if got.Name != "New" {
		t.Errorf("Name mismatch: got %s, want New", got.Name)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt changed: got %v, want %v", got.CreatedAt, created)
	}

	if err := store.Update(ctx, &domain.Token{Address: "missing"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "mint1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete(ctx, "mint1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenStore_List(t *testing.T) {
	store := NewTokenStore(nil)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tokens := []*domain.Token{
		{Address: "m1", Name: "A", Owner: "w1", CreatedAt: base},
		{Address: "m2", Name: "B", Owner: "w2", CreatedAt: base.Add(time.Minute)},
		{Address: "m3", Name: "C", Owner: "w1", CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, tok := range tokens {
		if err := store.Insert(ctx, tok); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	all, err := store.List(ctx, storage.TokenQuery{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 3 || all[0].Address != "m3" {
		t.Errorf("expected newest first, got %v", all)
	}

	owned, err := store.List(ctx, storage.TokenQuery{Owner: "w1", Sort: storage.Sort{Field: "name", Order: storage.OrderAsc}})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(owned) != 2 || owned[0].Address != "m1" || owned[1].Address != "m3" {
		t.Errorf("unexpected owner result: %v", owned)
	}

	limited, _ := store.List(ctx, storage.TokenQuery{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("expected 1 token, got %d", len(limited))
	}

	if _, err := store.List(ctx, storage.TokenQuery{Sort: storage.Sort{Field: "bogus"}}); !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTokenStore_PublishesChanges(t *testing.T) {
	hub := feed.NewHub(8, nil)
	store := NewTokenStore(hub)
	ctx := context.Background()

	f, err := hub.Open(ctx, domain.CollectionTokens)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	_ = store.Insert(ctx, &domain.Token{Address: "mint1", Name: "A"})
	_ = store.Update(ctx, &domain.Token{Address: "mint1", Name: "B"})
	_ = store.Delete(ctx, "mint1")

	want := []feed.Op{feed.OpInsert, feed.OpUpdate, feed.OpDelete}
	for i, op := range want {
		c := <-f.Changes()
		if c.Op != op || c.ID != "mint1" {
			t.Fatalf("change %d: got %s %s, want %s mint1", i, c.Op, c.ID, op)
		}
		if (op == feed.OpUpdate) == c.HasDocument() {
			t.Errorf("change %d: unexpected document presence %v", i, c.HasDocument())
		}
	}
}
