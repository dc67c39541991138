package session

import (
	"time"

	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

// relevant reports whether change c concerns sub. Changes are judged from
// the carried document; without one only id-based checks are possible.
func (m *Manager) relevant(sub *Subscription, c feed.Change) bool {
	if c.Collection != sub.DataType.Collection() {
		return false
	}
	if !c.HasDocument() {
		return relevantByID(sub, c)
	}

	switch c.Collection {
	case domain.CollectionTokens:
		var t domain.Token
		if err := c.DecodeDocument(&t); err != nil {
			m.logger.Debug("undecodable token change", zap.String("id", c.ID), zap.Error(err))
			return false
		}
		return tokenRelevant(sub.DataType, sub.Params, &t)

	case domain.CollectionTransactions:
		var tx domain.Transaction
		if err := c.DecodeDocument(&tx); err != nil {
			m.logger.Debug("undecodable transaction change", zap.String("id", c.ID), zap.Error(err))
			return false
		}
		return transactionRelevant(sub.DataType, sub.Params, &tx, m.now())
	}
	return false
}

// relevantByID handles changes that carry no document.
func relevantByID(sub *Subscription, c feed.Change) bool {
	switch sub.DataType {
	case DataRecords:
		return len(sub.Params.Tokens.Filter) == 0
	case DataRecordByAddress:
		return c.ID == sub.Params.Address
	}
	return false
}

func tokenRelevant(dt DataType, p Request, t *domain.Token) bool {
	switch dt {
	case DataRecords, DataRecordsByOwner:
		return p.Tokens.Matches(t)
	case DataRecordByAddress:
		return t.Address == p.Address
	}
	return false
}

func transactionRelevant(dt DataType, p Request, tx *domain.Transaction, now time.Time) bool {
	if !p.TimeRange.Contains(tx.Timestamp, now) {
		return false
	}
	switch dt {
	case DataTransactionsByAddress:
		return tx.Involves(p.Address)
	case DataAllTransactions:
		return true
	case DataAggregateVolume:
		return tx.TokenAddress == p.Address && storage.IsTrade(tx.Type)
	}
	return false
}
