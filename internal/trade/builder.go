// Package trade turns tracked listing state into guarded contract orders.
package trade

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/market"
	"github.com/mat-shur/picpool/internal/pricing"
	"github.com/mat-shur/picpool/internal/slippage"
)

var (
	// ErrNoMarketState is returned before the first accepted refresh.
	ErrNoMarketState = errors.New("no market state yet")

	// ErrSaleClosed is returned for buys and sells on a closed sale.
	ErrSaleClosed = errors.New("sale is closed")

	// ErrSaleOpen is returned for a withdrawal while the sale runs.
	ErrSaleOpen = errors.New("sale is still open")

	// ErrNotOwner is returned when someone other than the owner withdraws.
	ErrNotOwner = errors.New("caller is not the listing owner")
)

// Builder builds orders and hands them to a Submitter.
type Builder struct {
	factory   common.Address
	submitter chain.Submitter
	log       *logrus.Entry
}

// NewBuilder creates a builder for listings of factory.
func NewBuilder(factory common.Address, submitter chain.Submitter, log *logrus.Entry) *Builder {
	return &Builder{factory: factory, submitter: submitter, log: log}
}

// Buy builds a mint order capped at the buy bound. The bound is also
// the value sent; the contract refunds the difference.
func (b *Builder) Buy(v *market.View, slippagePct int64) (*chain.Order, error) {
	if err := tradable(v); err != nil {
		return nil, err
	}
	bound, err := slippage.BuyBound(v.State.CurrentPrice, slippagePct)
	if err != nil {
		return nil, err
	}
	data, err := chain.ListingABI.Pack("mint", bound)
	if err != nil {
		return nil, fmt.Errorf("pack mint: %w", err)
	}
	return &chain.Order{
		Kind:  chain.OrderBuy,
		To:    v.Address,
		Data:  data,
		Value: new(big.Int).Set(bound),
		Bound: bound,
	}, nil
}

// Sell builds a burnLast order with the sell bound as the minimum price.
func (b *Builder) Sell(v *market.View, slippagePct int64) (*chain.Order, error) {
	if err := tradable(v); err != nil {
		return nil, err
	}
	bound, err := slippage.SellBound(v.State.CurrentPrice, slippagePct)
	if err != nil {
		return nil, err
	}
	data, err := chain.ListingABI.Pack("burnLast", bound)
	if err != nil {
		return nil, fmt.Errorf("pack burnLast: %w", err)
	}
	return &chain.Order{
		Kind:  chain.OrderSell,
		To:    v.Address,
		Data:  data,
		Value: new(big.Int),
		Bound: bound,
	}, nil
}

// Withdraw builds a revenue withdrawal. Only the owner of a closed sale
// may withdraw.
func (b *Builder) Withdraw(v *market.View, caller common.Address) (*chain.Order, error) {
	if v == nil || v.State == nil {
		return nil, ErrNoMarketState
	}
	if !v.State.Closed {
		return nil, ErrSaleOpen
	}
	if v.Meta == nil || v.Meta.Owner != caller {
		return nil, ErrNotOwner
	}
	data, err := chain.ListingABI.Pack("withdrawRevenue")
	if err != nil {
		return nil, fmt.Errorf("pack withdrawRevenue: %w", err)
	}
	return &chain.Order{
		Kind:  chain.OrderWithdraw,
		To:    v.Address,
		Data:  data,
		Value: new(big.Int),
	}, nil
}

// Create builds the factory call for a new listing.
func (b *Builder) Create(params *pricing.CreateParams, balanceWei *big.Int) (*chain.Order, *pricing.Preview, error) {
	plan, err := pricing.Plan(params, balanceWei)
	if err != nil {
		return nil, nil, err
	}
	return &chain.Order{
		Kind:  chain.OrderCreate,
		To:    b.factory,
		Data:  plan.Calldata,
		Value: plan.Value,
	}, plan.Preview, nil
}

// Submit hands order to the submitter.
func (b *Builder) Submit(ctx context.Context, order *chain.Order) (*chain.TxHandle, error) {
	h, err := b.submitter.Submit(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("submit %s order: %w", order.Kind, err)
	}
	b.log.WithFields(logrus.Fields{
		"kind": order.Kind,
		"to":   order.To.Hex(),
		"tx":   h.Hash.Hex(),
	}).Info("order submitted")
	return h, nil
}

func tradable(v *market.View) error {
	if v == nil || v.State == nil {
		return ErrNoMarketState
	}
	if v.State.Closed {
		return ErrSaleClosed
	}
	return nil
}
