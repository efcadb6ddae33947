package storage

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/domain"
)

// PendingListing is a resolved listing whose summary fetch has not succeeded yet.
type PendingListing struct {
	Index   uint64
	Address common.Address
}

// DiscoveryStore persists the discovery cursor, the listing set and the
// pending set so a restart resumes without refetching or renotifying.
type DiscoveryStore interface {
	// LoadCursor returns the saved cursor. Returns ErrNotFound if none was saved yet.
	LoadCursor(ctx context.Context) (uint64, error)

	// SaveCursor stores the cursor. A value below the stored one is ignored.
	SaveCursor(ctx context.Context, cursor uint64) error

	// UpsertListings inserts new listings and replaces known summaries wholesale.
	UpsertListings(ctx context.Context, listings []*domain.ListingSummary) error

	// LoadListings returns all listings ordered by factory index.
	LoadListings(ctx context.Context) ([]*domain.ListingSummary, error)

	// AddPending records listings awaiting a summary fetch. Known entries are kept.
	AddPending(ctx context.Context, pending []PendingListing) error

	// RemovePending drops pending entries by normalized address key.
	RemovePending(ctx context.Context, keys []string) error

	// LoadPending returns the pending set ordered by factory index.
	LoadPending(ctx context.Context) ([]PendingListing, error)
}

// TradeArchive keeps the trade history observed by state pollers.
// Trades are keyed by (listing, timestamp, supply).
type TradeArchive interface {
	// Append stores trades not yet archived and returns how many were new.
	Append(ctx context.Context, listing common.Address, trades []domain.TradeSnapshot) (int, error)

	// Recent returns up to limit trades of a listing, newest first.
	Recent(ctx context.Context, listing common.Address, limit int) ([]domain.TradeSnapshot, error)
}
