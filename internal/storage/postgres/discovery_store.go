package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/storage"
)

// DiscoveryStore is a PostgreSQL implementation of storage.DiscoveryStore.
// Uses three tables:
//   - discovery_cursor: single row with the cursor
//   - listings: one row per discovered listing
//   - pending_listings: resolved listings awaiting a summary
type DiscoveryStore struct {
	pool *Pool
}

// Compile-time interface check.
var _ storage.DiscoveryStore = (*DiscoveryStore)(nil)

// NewDiscoveryStore creates a new PostgreSQL discovery store.
func NewDiscoveryStore(pool *Pool) *DiscoveryStore {
	return &DiscoveryStore{pool: pool}
}

// LoadCursor returns the saved cursor.
func (s *DiscoveryStore) LoadCursor(ctx context.Context) (cursor uint64, err error) {
	defer observe("load_cursor", time.Now(), &err)

	var v int64
	err = s.pool.QueryRow(ctx, `SELECT cursor FROM discovery_cursor WHERE id = 1`).Scan(&v)
	if err != nil {
		if isNotFoundError(err) {
			return 0, storage.ErrNotFound
		}
		return 0, fmt.Errorf("load cursor: %w", err)
	}
	return uint64(v), nil
}

// SaveCursor upserts the cursor. GREATEST keeps it monotonic.
func (s *DiscoveryStore) SaveCursor(ctx context.Context, cursor uint64) (err error) {
	defer observe("save_cursor", time.Now(), &err)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO discovery_cursor (id, cursor, updated_at)
		VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE
		SET cursor = GREATEST(discovery_cursor.cursor, EXCLUDED.cursor),
		    updated_at = NOW()
	`, int64(cursor))
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

// UpsertListings inserts or replaces listings in one transaction.
func (s *DiscoveryStore) UpsertListings(ctx context.Context, listings []*domain.ListingSummary) (err error) {
	if len(listings) == 0 {
		return nil
	}
	for _, l := range listings {
		if l == nil {
			return storage.ErrInvalidInput
		}
	}
	defer observe("upsert_listings", time.Now(), &err)

	query := `
		INSERT INTO listings (
			address, listing_index, name, symbol, cover, max_supply, minted, burned, current_price, refreshed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10)
		ON CONFLICT (address) DO UPDATE
		SET listing_index = EXCLUDED.listing_index,
		    name = EXCLUDED.name,
		    symbol = EXCLUDED.symbol,
		    cover = EXCLUDED.cover,
		    max_supply = EXCLUDED.max_supply,
		    minted = EXCLUDED.minted,
		    burned = EXCLUDED.burned,
		    current_price = EXCLUDED.current_price,
		    refreshed_at = EXCLUDED.refreshed_at,
		    updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, l := range listings {
		batch.Queue(query,
			l.Key(),
			int64(l.Index),
			l.Name,
			l.Symbol,
			l.Cover,
			int64(l.MaxSupply),
			int64(l.Minted),
			int64(l.Burned),
			priceText(l.CurrentPrice),
			l.RefreshedAt,
		)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert listings: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LoadListings returns all listings ordered by factory index.
func (s *DiscoveryStore) LoadListings(ctx context.Context) (result []*domain.ListingSummary, err error) {
	defer observe("load_listings", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT address, listing_index, name, symbol, cover, max_supply, minted, burned,
		       current_price::text, refreshed_at
		FROM listings
		ORDER BY listing_index ASC, address ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			addr                             string
			index, maxSupply, minted, burned int64
			price                            *string
			l                                domain.ListingSummary
		)
		if err = rows.Scan(&addr, &index, &l.Name, &l.Symbol, &l.Cover, &maxSupply, &minted, &burned, &price, &l.RefreshedAt); err != nil {
			return nil, fmt.Errorf("scan listing row: %w", err)
		}
		l.Address = common.HexToAddress(addr)
		l.Index = uint64(index)
		l.MaxSupply = uint64(maxSupply)
		l.Minted = uint64(minted)
		l.Burned = uint64(burned)
		if price != nil {
			v, ok := new(big.Int).SetString(*price, 10)
			if !ok {
				return nil, fmt.Errorf("listing %s: bad price %q", addr, *price)
			}
			l.CurrentPrice = v
		}
		result = append(result, &l)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate listing rows: %w", err)
	}
	return result, nil
}

// AddPending records pending listings, keeping existing entries.
func (s *DiscoveryStore) AddPending(ctx context.Context, pending []storage.PendingListing) (err error) {
	if len(pending) == 0 {
		return nil
	}
	defer observe("add_pending", time.Now(), &err)

	batch := &pgx.Batch{}
	for _, p := range pending {
		batch.Queue(`
			INSERT INTO pending_listings (address, listing_index, added_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (address) DO NOTHING
		`, domain.AddressKey(p.Address), int64(p.Index))
	}
	if err = s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("add pending: %w", err)
	}
	return nil
}

// RemovePending drops pending entries by key.
func (s *DiscoveryStore) RemovePending(ctx context.Context, keys []string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer observe("remove_pending", time.Now(), &err)

	if _, err = s.pool.Exec(ctx, `DELETE FROM pending_listings WHERE address = ANY($1)`, keys); err != nil {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

// LoadPending returns the pending set ordered by index.
func (s *DiscoveryStore) LoadPending(ctx context.Context) (result []storage.PendingListing, err error) {
	defer observe("load_pending", time.Now(), &err)

	rows, err := s.pool.Query(ctx, `
		SELECT address, listing_index FROM pending_listings ORDER BY listing_index ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load pending: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			addr  string
			index int64
		)
		if err = rows.Scan(&addr, &index); err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		result = append(result, storage.PendingListing{Index: uint64(index), Address: common.HexToAddress(addr)})
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return result, nil
}

func priceText(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}
