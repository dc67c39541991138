package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/storage"
)

const transactionSelect = `
	SELECT id, signature, from_address, to_address, token_address, type, amount::text, price::text, timestamp
	FROM transactions
`

// TransactionStore implements storage.TransactionStore and storage.VolumeStore
// using PostgreSQL.
type TransactionStore struct {
	pool *Pool
}

// NewTransactionStore creates a new TransactionStore.
func NewTransactionStore(pool *Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Compile-time interface checks.
var (
	_ storage.TransactionStore = (*TransactionStore)(nil)
	_ storage.VolumeStore      = (*TransactionStore)(nil)
)

// Insert adds a new transaction. Returns ErrDuplicateKey if the id exists.
func (s *TransactionStore) Insert(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO transactions (
			id, signature, from_address, to_address, token_address, type, amount, price, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()))
	`

	_, err := s.pool.Exec(ctx, query,
		tx.ID,
		tx.Signature,
		tx.From,
		tx.To,
		tx.TokenAddress,
		tx.Type,
		tx.Amount.String(),
		tx.Price.String(),
		nullTime(tx.Timestamp),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// Update replaces a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) Update(ctx context.Context, tx *domain.Transaction) error {
	if tx == nil || tx.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE transactions
		SET signature = $2, from_address = $3, to_address = $4, token_address = $5,
			type = $6, amount = $7, price = $8, timestamp = COALESCE($9, timestamp)
		WHERE id = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		tx.ID, tx.Signature, tx.From, tx.To, tx.TokenAddress, tx.Type,
		tx.Amount.String(), tx.Price.String(), nullTime(tx.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByID retrieves a transaction. Returns ErrNotFound if not exists.
func (s *TransactionStore) GetByID(ctx context.Context, id string) (*domain.Transaction, error) {
	row := s.pool.QueryRow(ctx, transactionSelect+` WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get transaction by id: %w", err)
	}
	return tx, nil
}

// List returns transactions matching q, newest first.
func (s *TransactionStore) List(ctx context.Context, q storage.TransactionQuery) ([]*domain.Transaction, error) {
	q = q.Normalize()

	query := transactionSelect + `
		WHERE ($1 = '' OR from_address = $1 OR to_address = $1 OR token_address = $1)
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		ORDER BY timestamp DESC, id ASC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, q.Address, nullTime(q.Since), q.Limit)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txs []*domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return txs, nil
}

// Volume sums buy and sell amounts of token within tr ending at now.
func (s *TransactionStore) Volume(ctx context.Context, token string, tr domain.TimeRange, now time.Time) (*domain.VolumeAggregate, error) {
	agg := &domain.VolumeAggregate{
		TokenAddress: token,
		TimeRange:    tr,
		From:         tr.Since(now),
		To:           now,
	}

	query := `
		SELECT COALESCE(sum(amount), 0)::text, count(*)
		FROM transactions
		WHERE token_address = $1 AND type IN ($2, $3) AND timestamp >= $4 AND timestamp <= $5
	`

	var volume string
	err := s.pool.QueryRow(ctx, query, token, domain.TxTypeBuy, domain.TxTypeSell, agg.From, agg.To).
		Scan(&volume, &agg.TradeCount)
	if err != nil {
		return nil, fmt.Errorf("query volume: %w", err)
	}
	if agg.Volume, err = parseDecimal(volume); err != nil {
		return nil, err
	}
	return agg, nil
}

// scanTransaction scans a single row into Transaction.
func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var (
		tx            domain.Transaction
		amount, price string
	)

	err := row.Scan(
		&tx.ID,
		&tx.Signature,
		&tx.From,
		&tx.To,
		&tx.TokenAddress,
		&tx.Type,
		&amount,
		&price,
		&tx.Timestamp,
	)
	if err != nil {
		return nil, err
	}

	if tx.Amount, err = parseDecimal(amount); err != nil {
		return nil, err
	}
	if tx.Price, err = parseDecimal(price); err != nil {
		return nil, err
	}
	return &tx, nil
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
