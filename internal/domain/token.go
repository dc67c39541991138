package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Collection names of the record stores.
const (
	CollectionTokens       = "tokens"
	CollectionTransactions = "transactions"
)

// Token is a token record.
// Corresponds to tokens table in PostgreSQL.
type Token struct {
	Address     string          `json:"address"` // mint address, PK
	Name        string          `json:"name"`
	Symbol      string          `json:"symbol"`
	Owner       string          `json:"owner"` // creator wallet
	Description string          `json:"description"`
	Image       string          `json:"image"`
	Supply      decimal.Decimal `json:"supply"`
	Decimals    int             `json:"decimals"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}
