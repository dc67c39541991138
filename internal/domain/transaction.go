package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types recorded by the transaction store.
const (
	TxTypeBuy      = "buy"
	TxTypeSell     = "sell"
	TxTypeTransfer = "transfer"
)

// Transaction is a token transfer or trade record.
// Corresponds to transactions table in PostgreSQL.
type Transaction struct {
	ID           string          `json:"id"`
	Signature    string          `json:"signature"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	TokenAddress string          `json:"tokenAddress"`
	Type         string          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Price        decimal.Decimal `json:"price"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Involves reports whether address is the sender, receiver or token of t.
func (t *Transaction) Involves(address string) bool {
	return address != "" && (t.From == address || t.To == address || t.TokenAddress == address)
}

// VolumeAggregate is the traded volume of one token over a time window.
type VolumeAggregate struct {
	TokenAddress string          `json:"tokenAddress"`
	TimeRange    TimeRange       `json:"timeRange"`
	Volume       decimal.Decimal `json:"volume"`
	TradeCount   int64           `json:"tradeCount"`
	From         time.Time       `json:"from"`
	To           time.Time       `json:"to"`
}
