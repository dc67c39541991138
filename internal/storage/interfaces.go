package storage

import (
	"context"
	"time"

	"solana-feed-gateway/internal/domain"
)

// TokenStore provides access to the tokens collection.
type TokenStore interface {
	// Insert adds a new token. Returns ErrDuplicateKey if the address exists.
	Insert(ctx context.Context, t *domain.Token) error

	// Update replaces the mutable fields of a token. Returns ErrNotFound if not exists.
	Update(ctx context.Context, t *domain.Token) error

	// Delete removes a token. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, address string) error

	// GetByAddress retrieves a token by mint address. Returns ErrNotFound if not exists.
	GetByAddress(ctx context.Context, address string) (*domain.Token, error)

	// List returns tokens matching q, sorted and limited.
	List(ctx context.Context, q TokenQuery) ([]*domain.Token, error)
}

// TransactionStore provides access to the transactions collection.
type TransactionStore interface {
	// Insert adds a new transaction. Returns ErrDuplicateKey if the id exists.
	Insert(ctx context.Context, tx *domain.Transaction) error

	// Update replaces a transaction. Returns ErrNotFound if not exists.
	Update(ctx context.Context, tx *domain.Transaction) error

	// Delete removes a transaction. Returns ErrNotFound if not exists.
	Delete(ctx context.Context, id string) error

	// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.Transaction, error)

	// List returns transactions matching q, newest first.
	List(ctx context.Context, q TransactionQuery) ([]*domain.Transaction, error)
}

// VolumeStore computes traded volume aggregates.
type VolumeStore interface {
	// Volume sums buy and sell amounts of token within tr ending at now.
	// A token without trades yields a zero aggregate, not ErrNotFound.
	Volume(ctx context.Context, token string, tr domain.TimeRange, now time.Time) (*domain.VolumeAggregate, error)
}
