// Package chain reads listing state from an EVM JSON-RPC endpoint and
// describes the transaction submission boundary.
package chain

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/domain"
)

// Reader is the read side of the ledger. Every call is a single attempt;
// callers wrap them with a retry policy.
type Reader interface {
	// ListingCount returns the factory's next listing index.
	ListingCount(ctx context.Context) (uint64, error)

	// ListingAddress resolves the contract address of the listing at index.
	ListingAddress(ctx context.Context, index uint64) (common.Address, error)

	// ListingSummary fetches the discovery view of a listing.
	ListingSummary(ctx context.Context, listing common.Address) (*domain.ListingSummary, error)

	// MarketState fetches the current sale state.
	MarketState(ctx context.Context, listing common.Address) (*domain.MarketState, error)

	// RecentTrades fetches the bounded trade window, oldest first.
	RecentTrades(ctx context.Context, listing common.Address) ([]domain.TradeSnapshot, error)

	// ListingMeta fetches the static attributes of a listing.
	ListingMeta(ctx context.Context, listing common.Address) (*domain.ListingMeta, error)

	// AccountBalance returns the native balance of an account in wei.
	AccountBalance(ctx context.Context, account common.Address) (*big.Int, error)

	// HolderBalance returns how many units of a listing the holder owns.
	HolderBalance(ctx context.Context, listing, holder common.Address) (uint64, error)
}

// Order is an unsigned state-changing call.
type Order struct {
	Kind  OrderKind
	To    common.Address
	Data  []byte
	Value *big.Int // wei sent with the call

	// Bound is the price guard encoded in Data, if any.
	Bound *big.Int
}

// OrderKind names the contract action an Order performs.
type OrderKind string

const (
	OrderBuy      OrderKind = "buy"
	OrderSell     OrderKind = "sell"
	OrderWithdraw OrderKind = "withdraw"
	OrderCreate   OrderKind = "create"
)

// TxHandle identifies a submitted transaction.
type TxHandle struct {
	Hash common.Hash
}

// Submitter hands orders to a wallet for signing and broadcast.
// Waiting for confirmation is the caller's concern.
type Submitter interface {
	Submit(ctx context.Context, order *Order) (*TxHandle, error)
}
