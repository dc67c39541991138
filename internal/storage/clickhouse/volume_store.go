package clickhouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-feed-gateway/internal/domain"
	"solana-feed-gateway/internal/feed"
	"solana-feed-gateway/internal/storage"
)

// VolumeStore implements storage.VolumeStore over a ClickHouse mirror of
// the trades in the transactions collection.
type VolumeStore struct {
	conn   *Conn
	logger *zap.Logger
}

// NewVolumeStore creates a new VolumeStore.
func NewVolumeStore(conn *Conn, logger *zap.Logger) *VolumeStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VolumeStore{conn: conn, logger: logger.Named("clickhouse_volume")}
}

// Compile-time interface check.
var _ storage.VolumeStore = (*VolumeStore)(nil)

// InsertBulk mirrors trades. Non-trade transactions are skipped. Rows with
// an existing id replace the previous version on merge.
func (s *VolumeStore) InsertBulk(ctx context.Context, txs []*domain.Transaction) error {
	var trades []*domain.Transaction
	for _, tx := range txs {
		if tx != nil && storage.IsTrade(tx.Type) {
			trades = append(trades, tx)
		}
	}
	if len(trades) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO trades (id, token_address, type, amount, price, timestamp)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, tx := range trades {
		err = batch.Append(tx.ID, tx.TokenAddress, tx.Type, tx.Amount, tx.Price, tx.Timestamp.UTC())
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// DeleteByID removes a mirrored trade.
func (s *VolumeStore) DeleteByID(ctx context.Context, id string) error {
	if err := s.conn.Exec(ctx, `DELETE FROM trades WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trade: %w", err)
	}
	return nil
}

// Volume sums buy and sell amounts of token within tr ending at now.
func (s *VolumeStore) Volume(ctx context.Context, token string, tr domain.TimeRange, now time.Time) (*domain.VolumeAggregate, error) {
	agg := &domain.VolumeAggregate{
		TokenAddress: token,
		TimeRange:    tr,
		From:         tr.Since(now),
		To:           now,
	}

	query := `
		SELECT toString(sum(amount)), count()
		FROM trades FINAL
		WHERE token_address = ? AND type IN ('buy', 'sell') AND timestamp >= ? AND timestamp <= ?
	`

	var (
		volume string
		count  uint64
	)
	err := s.conn.QueryRow(ctx, query, token, agg.From.UTC(), agg.To.UTC()).Scan(&volume, &count)
	if err != nil {
		return nil, fmt.Errorf("query volume: %w", err)
	}

	agg.Volume, err = decimal.NewFromString(volume)
	if err != nil {
		return nil, fmt.Errorf("parse volume %q: %w", volume, err)
	}
	agg.TradeCount = int64(count)
	return agg, nil
}

// TransactionLookup resolves an updated transaction by id.
type TransactionLookup func(ctx context.Context, id string) (*domain.Transaction, error)

// Mirror applies transaction changes from f until ctx is cancelled or f
// ends. Updates are resolved through lookup since their payload carries
// no document.
func (s *VolumeStore) Mirror(ctx context.Context, f feed.Feed, lookup TransactionLookup) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-f.Changes():
			if !ok {
				return f.Err()
			}
			if err := s.apply(ctx, c, lookup); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("mirror change failed", zap.String("op", string(c.Op)), zap.String("id", c.ID), zap.Error(err))
			}
		}
	}
}

func (s *VolumeStore) apply(ctx context.Context, c feed.Change, lookup TransactionLookup) error {
	switch c.Op {
	case feed.OpInsert:
		var tx domain.Transaction
		if err := c.DecodeDocument(&tx); err != nil {
			return err
		}
		return s.InsertBulk(ctx, []*domain.Transaction{&tx})
	case feed.OpUpdate:
		if lookup == nil {
			return nil
		}
		tx, err := lookup(ctx, c.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !storage.IsTrade(tx.Type) {
			return s.DeleteByID(ctx, tx.ID)
		}
		return s.InsertBulk(ctx, []*domain.Transaction{tx})
	case feed.OpDelete:
		return s.DeleteByID(ctx, c.ID)
	}
	return nil
}
