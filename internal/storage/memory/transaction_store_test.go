package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/storage"
)

func TestTransactionStore_ListByAddressAndWindow(t *testing.T) {
	store := NewTransactionStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	txs := []*domain.Transaction{
		{ID: "t1", From: "AA", To: "BB", TokenAddress: "M", Timestamp: now.Add(-time.Hour)},
		{ID: "t2", From: "CC", To: "AA", TokenAddress: "M", Timestamp: now.Add(-2 * time.Hour)},
		{ID: "t3", From: "CC", To: "DD", TokenAddress: "AA", Timestamp: now.Add(-30 * time.Minute)},
		{ID: "t4", From: "AA", To: "DD", TokenAddress: "M", Timestamp: now.Add(-48 * time.Hour)},
		{ID: "t5", From: "CC", To: "DD", TokenAddress: "M", Timestamp: now},
	}
	for _, tx := range txs {
		if err := store.Insert(ctx, tx); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	got, err := store.List(ctx, storage.TransactionQuery{Address: "AA", Since: domain.TimeRange24h.Since(now)})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	ids := make([]string, len(got))
	for i, tx := range got {
		ids[i] = tx.ID
	}
	want := []string{"t3", "t1", "t2"}
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}

	all, _ := store.List(ctx, storage.TransactionQuery{})
	if len(all) != 5 {
		t.Errorf("expected 5 transactions, got %d", len(all))
	}

	if err := store.Insert(ctx, txs[0]); !errors.Is(err, storage.ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestTransactionStore_UpdateDelete(t *testing.T) {
	store := NewTransactionStore(nil)
	ctx := context.Background()

	if err := store.Insert(ctx, &domain.Transaction{ID: "t1", Amount: decimal.NewFromInt(1)}); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := store.Update(ctx, &domain.Transaction{ID: "t1", Amount: decimal.NewFromInt(2)}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, err := store.GetByID(ctx, "t1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !got.Amount.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Amount mismatch: got %s, want 2", got.Amount)
	}
	if err := store.Delete(ctx, "t1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.GetByID(ctx, "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransactionStore_Volume(t *testing.T) {
	store := NewTransactionStore(nil)
	ctx := context.Background()
	now := time.Now().UTC()

	txs := []*domain.Transaction{
		{ID: "b1", TokenAddress: "M", Type: domain.TxTypeBuy, Amount: decimal.RequireFromString("1.5"), Timestamp: now.Add(-time.Hour)},
		{ID: "s1", TokenAddress: "M", Type: domain.TxTypeSell, Amount: decimal.RequireFromString("2.25"), Timestamp: now.Add(-2 * time.Hour)},
		{ID: "x1", TokenAddress: "M", Type: domain.TxTypeTransfer, Amount: decimal.NewFromInt(100), Timestamp: now.Add(-time.Hour)},
		{ID: "old", TokenAddress: "M", Type: domain.TxTypeBuy, Amount: decimal.NewFromInt(7), Timestamp: now.Add(-48 * time.Hour)},
		{ID: "other", TokenAddress: "N", Type: domain.TxTypeBuy, Amount: decimal.NewFromInt(9), Timestamp: now},
	}
	for _, tx := range txs {
		if err := store.Insert(ctx, tx); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	agg, err := store.Volume(ctx, "M", domain.TimeRange24h, now)
	if err != nil {
		t.Fatalf("Volume failed: %v", err)
	}
	if !agg.Volume.Equal(decimal.RequireFromString("3.75")) {
		t.Errorf("Volume mismatch: got %s, want 3.75", agg.Volume)
	}
	if agg.TradeCount != 2 {
		t.Errorf("TradeCount mismatch: got %d, want 2", agg.TradeCount)
	}

	week, _ := store.Volume(ctx, "M", domain.TimeRange7d, now)
	if week.TradeCount != 3 {
		t.Errorf("TradeCount mismatch: got %d, want 3", week.TradeCount)
	}

	empty, _ := store.Volume(ctx, "unknown", domain.TimeRange24h, now)
	if !empty.Volume.IsZero() || empty.TradeCount != 0 {
		t.Errorf("expected zero aggregate, got %+v", empty)
	}
}
