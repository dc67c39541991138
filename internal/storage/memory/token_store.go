package memory

import (
	"context"
	"sync"
	"time"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

// TokenStore is an in-memory implementation of storage.TokenStore.
// Every mutation is published as a change when a publisher is set.
type TokenStore struct {
	mu        sync.RWMutex
	byAddress map[string]*domain.Token
	pub       feed.Publisher
}

// NewTokenStore creates a new in-memory token store. pub may be nil.
func NewTokenStore(pub feed.Publisher) *TokenStore {
	return &TokenStore{
		byAddress: make(map[string]*domain.Token),
		pub:       pub,
	}
}

// Insert adds a new token. Returns ErrDuplicateKey if the address exists.
func (s *TokenStore) Insert(_ context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byAddress[t.Address]; exists {
		return storage.ErrDuplicateKey
	}

	tokenCopy := *t
	now := time.Now().UTC()
	if tokenCopy.CreatedAt.IsZero() {
		tokenCopy.CreatedAt = now
	}
	if tokenCopy.UpdatedAt.IsZero() {
		tokenCopy.UpdatedAt = tokenCopy.CreatedAt
	}
	s.byAddress[t.Address] = &tokenCopy
	publish(s.pub, feed.OpInsert, domain.CollectionTokens, t.Address, &tokenCopy)
	return nil
}

// Update replaces the mutable fields of a token. Returns ErrNotFound if not exists.
func (s *TokenStore) Update(_ context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byAddress[t.Address]
	if !exists {
		return storage.ErrNotFound
	}

	tokenCopy := *t
	tokenCopy.CreatedAt = existing.CreatedAt
	tokenCopy.UpdatedAt = time.Now().UTC()
	s.byAddress[t.Address] = &tokenCopy
	publish(s.pub, feed.OpUpdate, domain.CollectionTokens, t.Address, nil)
	return nil
}

// Delete removes a token. Returns ErrNotFound if not exists.
func (s *TokenStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.byAddress[address]
	if !exists {
		return storage.ErrNotFound
	}
	delete(s.byAddress, address)
	publish(s.pub, feed.OpDelete, domain.CollectionTokens, address, existing)
	return nil
}

// GetByAddress retrieves a token by mint address. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByAddress(_ context.Context, address string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.byAddress[address]
	if !exists {
		return nil, storage.ErrNotFound
	}

	tokenCopy := *t
	return &tokenCopy, nil
}

// List returns tokens matching q, sorted and limited.
func (s *TokenStore) List(_ context.Context, q storage.TokenQuery) ([]*domain.Token, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]*domain.Token, 0, len(s.byAddress))
	for _, t := range s.byAddress {
		if q.Matches(t) {
			tokenCopy := *t
			result = append(result, &tokenCopy)
		}
	}
	s.mu.RUnlock()

	storage.SortTokens(result, q.Sort)
	if len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

var _ storage.TokenStore = (*TokenStore)(nil)
