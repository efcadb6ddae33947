// Package market keeps the live sale state of listings under observation.
package market

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/retry"
)

// Default state polling values.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 300 * time.Millisecond
)

// Bundle is one coherent reading of a listing.
type Bundle struct {
	State   *domain.MarketState
	Trades  []domain.TradeSnapshot // oldest first
	Meta    *domain.ListingMeta
	Balance *big.Int // native balance held by the listing contract
	Holding *uint64  // units owned by the configured holder, if any

	FetchedAt time.Time
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Reader chain.Reader
	Policy retry.Policy

	// Holder, when set, adds a balanceOf read to every refresh.
	Holder *common.Address

	Clock  clockwork.Clock
	Logger *logrus.Entry
}

// Poller reads bundles. It holds no per-listing state.
type Poller struct {
	reader chain.Reader
	policy retry.Policy
	holder *common.Address
	clock  clockwork.Clock
}

// NewPoller creates a poller. A zero policy gets the state defaults.
func NewPoller(opts PollerOptions) *Poller {
	policy := opts.Policy
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultMaxAttempts
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultBaseDelay
	}
	if policy.Retryable == nil {
		policy.Retryable = chain.IsRetryable
	}
	if policy.Logger == nil {
		policy.Logger = opts.Logger
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Poller{reader: opts.Reader, policy: policy, holder: opts.Holder, clock: clock}
}

// Refresh runs the reads concurrently, each under the retry policy. If
// any read gives up the whole refresh fails and the others are cancelled.
func (p *Poller) Refresh(ctx context.Context, listing common.Address) (*Bundle, error) {
	b := &Bundle{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s, err := retry.Do(gctx, p.policy.Named("market_state"), func(ctx context.Context) (*domain.MarketState, error) {
			return p.reader.MarketState(ctx, listing)
		})
		if err != nil {
			return fmt.Errorf("market state: %w", err)
		}
		b.State = s
		return nil
	})
	g.Go(func() error {
		trades, err := retry.Do(gctx, p.policy.Named("recent_trades"), func(ctx context.Context) ([]domain.TradeSnapshot, error) {
			return p.reader.RecentTrades(ctx, listing)
		})
		if err != nil {
			return fmt.Errorf("recent trades: %w", err)
		}
		b.Trades = trades
		return nil
	})
	g.Go(func() error {
		meta, err := retry.Do(gctx, p.policy.Named("listing_meta"), func(ctx context.Context) (*domain.ListingMeta, error) {
			return p.reader.ListingMeta(ctx, listing)
		})
		if err != nil {
			return fmt.Errorf("listing meta: %w", err)
		}
		b.Meta = meta
		return nil
	})
	g.Go(func() error {
		bal, err := retry.Do(gctx, p.policy.Named("listing_balance"), func(ctx context.Context) (*big.Int, error) {
			return p.reader.AccountBalance(ctx, listing)
		})
		if err != nil {
			return fmt.Errorf("listing balance: %w", err)
		}
		b.Balance = bal
		return nil
	})
	if p.holder != nil {
		holder := *p.holder
		g.Go(func() error {
			units, err := retry.Do(gctx, p.policy.Named("holder_balance"), func(ctx context.Context) (uint64, error) {
				return p.reader.HolderBalance(ctx, listing, holder)
			})
			if err != nil {
				return fmt.Errorf("holder balance: %w", err)
			}
			b.Holding = &units
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	b.FetchedAt = p.clock.Now()
	return b, nil
}
