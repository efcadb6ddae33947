package clickhouse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/storage"
)

// TradeArchive implements storage.TradeArchive using ClickHouse.
// Every poll re-reports the whole trade window, so Append filters out
// trades that are already stored before inserting.
type TradeArchive struct {
	conn *Conn
}

// NewTradeArchive creates a new TradeArchive.
func NewTradeArchive(conn *Conn) *TradeArchive {
	return &TradeArchive{conn: conn}
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

type tradeKey struct {
	ts     int64
	supply uint64
}

// Append inserts trades of listing that are not archived yet.
func (a *TradeArchive) Append(ctx context.Context, listing common.Address, trades []domain.TradeSnapshot) (added int, err error) {
	if len(trades) == 0 {
		return 0, nil
	}
	defer observe("append_trades", time.Now(), &err)

	key := domain.AddressKey(listing)

	minTS, maxTS := trades[0].Timestamp, trades[0].Timestamp
	for _, t := range trades {
		if t.Timestamp < minTS {
			minTS = t.Timestamp
		}
		if t.Timestamp > maxTS {
			maxTS = t.Timestamp
		}
	}

	existing, err := a.keysInRange(ctx, key, minTS, maxTS)
	if err != nil {
		return 0, err
	}

	batch, err := a.conn.PrepareBatch(ctx, `
		INSERT INTO listing_trades (listing, ts, supply, price_wei, is_buy, trader)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare batch: %w", err)
	}

	for _, t := range trades {
		k := tradeKey{ts: t.Timestamp, supply: t.Supply}
		if _, ok := existing[k]; ok {
			continue
		}
		existing[k] = struct{}{}

		price := t.Price
		if price == nil {
			price = new(big.Int)
		}
		if err = batch.Append(key, t.Timestamp, t.Supply, price, t.IsBuy, domain.AddressKey(t.Trader)); err != nil {
			return 0, fmt.Errorf("append to batch: %w", err)
		}
		added++
	}

	if added == 0 {
		return 0, batch.Abort()
	}
	if err = batch.Send(); err != nil {
		return 0, fmt.Errorf("send batch: %w", err)
	}
	return added, nil
}

func (a *TradeArchive) keysInRange(ctx context.Context, listing string, from, to int64) (map[tradeKey]struct{}, error) {
	rows, err := a.conn.Query(ctx, `
		SELECT ts, supply FROM listing_trades
		WHERE listing = ? AND ts >= ? AND ts <= ?
	`, listing, from, to)
	if err != nil {
		return nil, fmt.Errorf("query archived trades: %w", err)
	}
	defer rows.Close()

	keys := make(map[tradeKey]struct{})
	for rows.Next() {
		var k tradeKey
		if err := rows.Scan(&k.ts, &k.supply); err != nil {
			return nil, fmt.Errorf("scan archived trade: %w", err)
		}
		keys[k] = struct{}{}
	}
	return keys, rows.Err()
}

// Recent returns up to limit trades of listing, newest first.
func (a *TradeArchive) Recent(ctx context.Context, listing common.Address, limit int) (result []domain.TradeSnapshot, err error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}
	defer observe("recent_trades", time.Now(), &err)

	rows, err := a.conn.Query(ctx, `
		SELECT ts, supply, price_wei, is_buy, trader
		FROM listing_trades FINAL
		WHERE listing = ?
		ORDER BY ts DESC, supply DESC
		LIMIT ?
	`, domain.AddressKey(listing), uint64(limit))
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			t      domain.TradeSnapshot
			price  big.Int
			trader string
		)
		if err = rows.Scan(&t.Timestamp, &t.Supply, &price, &t.IsBuy, &trader); err != nil {
			return nil, fmt.Errorf("scan trade row: %w", err)
		}
		t.Price = &price
		t.Trader = common.HexToAddress(trader)
		result = append(result, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade rows: %w", err)
	}
	return result, nil
}
