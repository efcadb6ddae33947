package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// MarketState is one reading of a listing's sale state.
type MarketState struct {
	CurrentPrice *big.Int // wei
	Minted       uint64
	Burned       uint64
	Closed       bool // sale reached its terminal condition
}

// Valid checks minted >= burned and a non-negative price.
func (s *MarketState) Valid() bool {
	if s == nil || s.Burned > s.Minted {
		return false
	}
	return s.CurrentPrice == nil || s.CurrentPrice.Sign() >= 0
}

// Clone returns a deep copy.
func (s *MarketState) Clone() *MarketState {
	if s == nil {
		return nil
	}
	c := *s
	if s.CurrentPrice != nil {
		c.CurrentPrice = new(big.Int).Set(s.CurrentPrice)
	}
	return &c
}

// TradeSnapshot is an immutable trade record reported by the listing contract.
type TradeSnapshot struct {
	Timestamp int64    // Unix seconds
	Supply    uint64   // running supply counter after the trade
	Price     *big.Int // wei
	IsBuy     bool
	Trader    common.Address
}

// ListingMeta holds the static attributes of a listing.
type ListingMeta struct {
	Name      string
	Symbol    string
	Cover     string
	MaxSupply uint64
	Owner     common.Address
}

// PriceDirection is the sign of the last accepted price change.
type PriceDirection string

const (
	DirectionNone PriceDirection = "none"
	DirectionUp   PriceDirection = "up"
	DirectionDown PriceDirection = "down"
)
