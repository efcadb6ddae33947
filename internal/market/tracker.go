package market

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"

	"github.com/mat-shur/picpool/internal/domain"
)

// DefaultDirectionTTL is how long a price direction stays visible.
const DefaultDirectionTTL = 2 * time.Second

// RecentTradesLimit bounds the trades kept in a View.
const RecentTradesLimit = 20

var (
	// ErrStaleState marks a reading that reports an open sale after the
	// sale was observed closed. The reading is discarded.
	ErrStaleState = errors.New("stale state ignored")

	// ErrInvalidState marks a reading with burned > minted.
	ErrInvalidState = errors.New("invalid market state")

	// ErrStopped is returned by Apply after the tracker was stopped.
	ErrStopped = errors.New("tracker stopped")
)

// View is the accepted state of one listing. Views are immutable.
type View struct {
	Address   common.Address
	State     *domain.MarketState
	Meta      *domain.ListingMeta
	Balance   *big.Int
	Holding   *uint64
	Trades    []domain.TradeSnapshot // newest first
	Trend     float64                // (closing - opening) / opening over the trade window
	Progress  float64
	Direction domain.PriceDirection

	DirectionSetAt time.Time
	UpdatedAt      time.Time
	Refreshes      int
}

// Tracker folds bundles for one listing into a View. Apply is meant for
// a single writer; View is safe from any goroutine.
type Tracker struct {
	address common.Address
	clock   clockwork.Clock
	ttl     time.Duration

	mu      sync.Mutex
	stopped bool
	ready   chan struct{}

	view atomic.Pointer[View]
}

// NewTracker creates a tracker. ttl <= 0 uses DefaultDirectionTTL.
func NewTracker(address common.Address, clock clockwork.Clock, ttl time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultDirectionTTL
	}
	return &Tracker{address: address, clock: clock, ttl: ttl, ready: make(chan struct{})}
}

// Address returns the tracked listing.
func (t *Tracker) Address() common.Address { return t.address }

// Apply accepts b unless it regresses the closed flag or is malformed.
// A rejected bundle leaves the previous View in place.
func (t *Tracker) Apply(b *Bundle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return ErrStopped
	}
	if b == nil || !b.State.Valid() {
		return ErrInvalidState
	}

	prev := t.view.Load()
	if prev != nil && prev.State.Closed && !b.State.Closed {
		return ErrStaleState
	}

	now := t.clock.Now()
	next := &View{
		Address:   t.address,
		State:     b.State.Clone(),
		Meta:      b.Meta,
		Balance:   b.Balance,
		Holding:   b.Holding,
		Trades:    newestFirst(b.Trades, RecentTradesLimit),
		Trend:     Trend(b.Trades),
		Direction: domain.DirectionNone,
		UpdatedAt: now,
		Refreshes: 1,
	}
	if b.Meta != nil {
		next.Progress = domain.Progress(b.State.Minted, b.State.Burned, b.Meta.MaxSupply)
	}

	if prev != nil {
		next.Refreshes = prev.Refreshes + 1
		next.Direction = prev.Direction
		next.DirectionSetAt = prev.DirectionSetAt

		switch comparePrices(b.State.CurrentPrice, prev.State.CurrentPrice) {
		case 1:
			next.Direction = domain.DirectionUp
			next.DirectionSetAt = now
		case -1:
			next.Direction = domain.DirectionDown
			next.DirectionSetAt = now
		}
	}

	t.view.Store(next)
	if prev == nil {
		close(t.ready)
	}
	return nil
}

// Ready is closed once the first bundle has been accepted.
func (t *Tracker) Ready() <-chan struct{} { return t.ready }

// View returns the accepted state with the direction expired against the
// clock, or nil before the first accepted bundle.
func (t *Tracker) View() *View {
	v := t.view.Load()
	if v == nil {
		return nil
	}
	if v.Direction != domain.DirectionNone && t.clock.Since(v.DirectionSetAt) >= t.ttl {
		c := *v
		c.Direction = domain.DirectionNone
		return &c
	}
	return v
}

// Stop makes every later Apply a no-op. It waits for an Apply in progress.
func (t *Tracker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func comparePrices(a, b *big.Int) int {
	if a == nil {
		a = new(big.Int)
	}
	if b == nil {
		b = new(big.Int)
	}
	return a.Cmp(b)
}

// newestFirst returns the last limit trades in reverse order.
func newestFirst(trades []domain.TradeSnapshot, limit int) []domain.TradeSnapshot {
	n := len(trades)
	if n > limit {
		n = limit
	}
	out := make([]domain.TradeSnapshot, 0, n)
	for i := len(trades) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, trades[i])
	}
	return out
}

// Trend returns (closing - opening) / opening over trades ordered oldest
// first. It is 0 with fewer than two trades or a zero opening price.
func Trend(trades []domain.TradeSnapshot) float64 {
	if len(trades) < 2 {
		return 0
	}
	opening := trades[0].Price
	closing := trades[len(trades)-1].Price
	if opening == nil || closing == nil || opening.Sign() == 0 {
		return 0
	}
	diff := new(big.Float).SetInt(new(big.Int).Sub(closing, opening))
	ratio, _ := new(big.Float).Quo(diff, new(big.Float).SetInt(opening)).Float64()
	return ratio
}
