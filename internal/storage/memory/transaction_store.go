package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

// TransactionStore is an in-memory implementation of storage.TransactionStore
// and storage.VolumeStore.
type TransactionStore struct {
	mu   sync.RWMutex
	byID map[string]*domain.Transaction
	pub  feed.Publisher
}

// NewTransactionStore creates a new in-memory transaction store. pub may be nil.
func NewTransactionStore(pub feed.Publisher) *TransactionStore {
	return &TransactionStore{
		byID: make(map[string]*domain.Transaction),
		pub:  pub,
	}
}

// Insert adds a new transaction. Returns ErrDuplicateKey if the id exists.
func (s *TransactionStore) Insert(_ context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[tx.ID]; exists {
		return storage.ErrDuplicateKey
	}

	txCopy := *tx
	if txCopy.Timestamp.IsZero() {
		txCopy.Timestamp = time.Now().UTC()
	}
	s.byID[tx.ID] = &txCopy
	publish(s.pub, feed.OpInsert, domain.CollectionTransactions, tx.ID, &txCopy)
	return nil
}

// Update replaces a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) Update(_ context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[tx.ID]; !exists {
		return storage.ErrNotFound
	}
	txCopy := *tx
	s.byID[tx.ID] = &txCopy
	publish(s.pub, feed.OpUpdate, domain.CollectionTransactions, tx.ID, nil)
	return nil
}

// Delete removes a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byID[id]
	if !exists {
		return storage.ErrNotFound
	}
	delete(s.byID, id)
	publish(s.pub, feed.OpDelete, domain.CollectionTransactions, id, existing)
	return nil
}

// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(_ context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, exists := s.byID[id]
	if !exists {
		return nil, storage.ErrNotFound
	}
	txCopy := *tx
	return &txCopy, nil
}

// List returns transactions matching q, newest first.
func (s *TransactionStore) List(_ context.Context, q storage.TransactionQuery) ([]*domain.Transaction, error) {
	q = q.Normalize()

	s.mu.RLock()
	result := make([]*domain.Transaction, 0)
	for _, tx := range s.byID {
		if q.Matches(tx) {
			txCopy := *tx
			result = append(result, &txCopy)
		}
	}
	s.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.After(result[j].Timestamp)
	})
	if len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

// Volume sums buy and sell amounts of token within tr ending at now.
func (s *TransactionStore) Volume(_ context.Context, token string, tr domain.TimeRange, now time.Time) (*domain.VolumeAggregate, error) {
	agg := &domain.VolumeAggregate{
		TokenAddress: token,
		TimeRange:    tr,
		Volume:       decimal.Zero,
		From:         tr.Since(now),
		To:           now,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tx := range s.byID {
		if tx.TokenAddress != token || !storage.IsTrade(tx.Type) {
			continue
		}
		if tx.Timestamp.Before(agg.From) || tx.Timestamp.After(now) {
			continue
		}
		agg.Volume = agg.Volume.Add(tx.Amount)
		agg.TradeCount++
	}
	return agg, nil
}

var (
	_ storage.TransactionStore = (*TransactionStore)(nil)
	_ storage.VolumeStore      = (*TransactionStore)(nil)
)
