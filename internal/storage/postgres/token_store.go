package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/storage"
)

// tokenColumns maps query field names to columns. Only these names ever
// reach the SQL text.
var tokenColumns = map[string]string{
	"address":   "address",
	"name":      "name",
	"symbol":    "symbol",
	"owner":     "owner",
	"supply":    "supply",
	"decimals":  "decimals",
	"createdAt": "created_at",
	"updatedAt": "updated_at",
}

const tokenSelect = `
	SELECT address, name, symbol, owner, description, image, supply::text, decimals, created_at, updated_at
	FROM tokens
`

// TokenStore implements storage.TokenStore using PostgreSQL.
type TokenStore struct {
	pool *Pool
}

// NewTokenStore creates a new TokenStore.
func NewTokenStore(pool *Pool) *TokenStore {
	return &TokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TokenStore = (*TokenStore)(nil)

// Insert adds a new token. Returns ErrDuplicateKey if the address exists.
func (s *TokenStore) Insert(ctx context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO tokens (
			address, name, symbol, owner, description, image, supply, decimals, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, now()), COALESCE($10, $9, now()))
	`

	_, err := s.pool.Exec(ctx, query,
		t.Address,
		t.Name,
		t.Symbol,
		t.Owner,
		t.Description,
		t.Image,
		t.Supply.String(),
		t.Decimals,
		nullTime(t.CreatedAt),
		nullTime(t.UpdatedAt),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert token: %w", err)
	}
	return nil
}

// Update replaces the mutable fields of a token. Returns ErrNotFound if not exists.
func (s *TokenStore) Update(ctx context.Context, t *domain.Token) error {
	if t == nil || t.Address == "" {
		return storage.ErrInvalidInput
	}

	query := `
		UPDATE tokens
		SET name = $2, symbol = $3, owner = $4, description = $5, image = $6,
			supply = $7, decimals = $8, updated_at = now()
		WHERE address = $1
	`

	tag, err := s.pool.Exec(ctx, query,
		t.Address, t.Name, t.Symbol, t.Owner, t.Description, t.Image, t.Supply.String(), t.Decimals,
	)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Delete removes a token. Returns ErrNotFound if not exists.
func (s *TokenStore) Delete(ctx context.Context, address string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM tokens WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetByAddress retrieves a token by mint address. Returns ErrNotFound if not exists.
func (s *TokenStore) GetByAddress(ctx context.Context, address string) (*domain.Token, error) {
	row := s.pool.QueryRow(ctx, tokenSelect+` WHERE address = $1`, address)
	t, err := scanToken(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by address: %w", err)
	}
	return t, nil
}

// List returns tokens matching q, sorted and limited.
func (s *TokenStore) List(ctx context.Context, q storage.TokenQuery) ([]*domain.Token, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []interface{}
	)
	if q.Owner != "" {
		args = append(args, q.Owner)
		where = append(where, fmt.Sprintf("owner = $%d", len(args)))
	}
	for field, value := range q.Filter {
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", tokenColumns[field], len(args)))
	}

	var sb strings.Builder
	sb.WriteString(tokenSelect)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	direction := "ASC"
	if q.Sort.Desc() {
		direction = "DESC"
	}
	fmt.Fprintf(&sb, " ORDER BY %s %s, address ASC", tokenColumns[q.Sort.Field], direction)
	args = append(args, q.Limit)
	fmt.Fprintf(&sb, " LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("scan token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tokens: %w", err)
	}
	return tokens, nil
}

// scanToken scans a single row into Token.
func scanToken(row pgx.Row) (*domain.Token, error) {
	var (
		t      domain.Token
		supply string
	)

	err := row.Scan(
		&t.Address,
		&t.Name,
		&t.Symbol,
		&t.Owner,
		&t.Description,
		&t.Image,
		&supply,
		&t.Decimals,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.Supply, err = parseDecimal(supply); err != nil {
		return nil, err
	}
	return &t, nil
}
