package storage

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"solana-feed-gateway/internal/domain"
)

// Query limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Sort orders.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// Sort selects the ordering of a list query.
type Sort struct {
	Field string `json:"field"`
	Order string `json:"order"`
}

// Desc reports whether the order is descending.
func (s Sort) Desc() bool {
	return strings.EqualFold(s.Order, OrderDesc)
}

// tokenFields maps filterable token fields to their accessor.
var tokenFields = map[string]func(*domain.Token) string{
	"address": func(t *domain.Token) string { return t.Address },
	"name":    func(t *domain.Token) string { return t.Name },
	"symbol":  func(t *domain.Token) string { return t.Symbol },
	"owner":   func(t *domain.Token) string { return t.Owner },
}

// tokenSortFields lists sortable token fields.
var tokenSortFields = map[string]func(a, b *domain.Token) int{
	"createdAt": func(a, b *domain.Token) int { return a.CreatedAt.Compare(b.CreatedAt) },
	"updatedAt": func(a, b *domain.Token) int { return a.UpdatedAt.Compare(b.UpdatedAt) },
	"name":      func(a, b *domain.Token) int { return strings.Compare(a.Name, b.Name) },
	"symbol":    func(a, b *domain.Token) int { return strings.Compare(a.Symbol, b.Symbol) },
	"supply":    func(a, b *domain.Token) int { return a.Supply.Cmp(b.Supply) },
	"decimals":  func(a, b *domain.Token) int { return a.Decimals - b.Decimals },
}

// DefaultTokenSort orders tokens newest first.
var DefaultTokenSort = Sort{Field: "createdAt", Order: OrderDesc}

// TokenQuery selects tokens. Filter values match exactly.
type TokenQuery struct {
	Owner  string
	Filter map[string]string
	Sort   Sort
	Limit  int
}

// Normalize validates q and fills defaults.
func (q TokenQuery) Normalize() (TokenQuery, error) {
	for field := range q.Filter {
		if _, ok := tokenFields[field]; !ok {
			return q, fmt.Errorf("%w: unknown filter field %q", ErrInvalidInput, field)
		}
	}
	if q.Sort.Field == "" {
		q.Sort.Field = DefaultTokenSort.Field
		if q.Sort.Order == "" {
			q.Sort.Order = DefaultTokenSort.Order
		}
	}
	if _, ok := tokenSortFields[q.Sort.Field]; !ok {
		return q, fmt.Errorf("%w: unknown sort field %q", ErrInvalidInput, q.Sort.Field)
	}
	switch strings.ToLower(q.Sort.Order) {
	case "", OrderAsc, OrderDesc:
	default:
		return q, fmt.Errorf("%w: unknown sort order %q", ErrInvalidInput, q.Sort.Order)
	}
	q.Limit = normalizeLimit(q.Limit)
	return q, nil
}

// Matches reports whether t satisfies the owner and field filters of q.
func (q TokenQuery) Matches(t *domain.Token) bool {
	if t == nil {
		return false
	}
	if q.Owner != "" && t.Owner != q.Owner {
		return false
	}
	for field, want := range q.Filter {
		get, ok := tokenFields[field]
		if !ok || get(t) != want {
			return false
		}
	}
	return true
}

// SortTokens orders tokens in place by s; ties keep address order.
func SortTokens(tokens []*domain.Token, s Sort) {
	cmp, ok := tokenSortFields[s.Field]
	if !ok {
		cmp = tokenSortFields[DefaultTokenSort.Field]
	}
	desc := s.Desc()
	sort.SliceStable(tokens, func(i, j int) bool {
		c := cmp(tokens[i], tokens[j])
		if c == 0 {
			return tokens[i].Address < tokens[j].Address
		}
		if desc {
			return c > 0
		}
		return c < 0
	})
}

// TransactionQuery selects transactions. An empty Address matches every
// transaction; a zero Since disables the time window.
type TransactionQuery struct {
	Address string
	Since   time.Time
	Limit   int
}

// Normalize fills defaults.
func (q TransactionQuery) Normalize() TransactionQuery {
	q.Limit = normalizeLimit(q.Limit)
	return q
}

// Matches reports whether tx satisfies q.
func (q TransactionQuery) Matches(tx *domain.Transaction) bool {
	if tx == nil {
		return false
	}
	if q.Address != "" && !tx.Involves(q.Address) {
		return false
	}
	return q.Since.IsZero() || !tx.Timestamp.Before(q.Since)
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// IsTrade reports whether a transaction type counts towards volume.
func IsTrade(txType string) bool {
	return txType == domain.TxTypeBuy || txType == domain.TxTypeSell
}
