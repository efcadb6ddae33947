// Package stub provides an in-memory chain.Reader for tests and offline runs.
package stub

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
)

// Listing is the full state of one fake listing contract.
type Listing struct {
	Address common.Address
	Meta    domain.ListingMeta
	State   domain.MarketState
	Trades  []domain.TradeSnapshot
	Holders map[common.Address]uint64
}

// Reader returns fixed in-memory ledger state. Failures can be injected
// per method and listing. Safe for concurrent use.
// Implements chain.Reader interface.
type Reader struct {
	mu       sync.Mutex
	order    []common.Address
	listings map[common.Address]*Listing
	balances map[common.Address]*big.Int
	failures map[string]*failure
	calls    map[string]int
	now      int64
}

type failure struct {
	err       error
	remaining int // -1 fails forever
}

// Compile-time interface check.
var _ chain.Reader = (*Reader)(nil)

// NewReader creates an empty ledger.
func NewReader() *Reader {
	return &Reader{
		listings: make(map[common.Address]*Listing),
		balances: make(map[common.Address]*big.Int),
		failures: make(map[string]*failure),
		calls:    make(map[string]int),
	}
}

// AddListing appends a listing at the next factory index.
func (r *Reader) AddListing(l *Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l.Holders == nil {
		l.Holders = make(map[common.Address]uint64)
	}
	r.order = append(r.order, l.Address)
	r.listings[l.Address] = l
}

// Update mutates a listing under the reader's lock.
func (r *Reader) Update(addr common.Address, fn func(*Listing)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.listings[addr]; ok {
		fn(l)
	}
}

// SetBalance sets the native balance of an account.
func (r *Reader) SetBalance(account common.Address, wei *big.Int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.balances[account] = new(big.Int).Set(wei)
}

// SetNow sets the RefreshedAt stamp of returned summaries.
func (r *Reader) SetNow(ms int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = ms
}

// Fail makes the next n calls of method fail with err. The target
// narrows it to one listing address or index ("" matches all).
// n < 0 fails until Heal is called.
func (r *Reader) Fail(method, target string, err error, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures[method+"/"+target] = &failure{err: err, remaining: n}
}

// Heal clears every injected failure.
func (r *Reader) Heal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = make(map[string]*failure)
}

// Calls returns how many times method was invoked.
func (r *Reader) Calls(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

// enter records a call and returns an injected failure, if any.
// Must be called with r.mu held.
func (r *Reader) enter(ctx context.Context, method, target string) error {
	r.calls[method]++
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, key := range []string{method + "/" + target, method + "/"} {
		f, ok := r.failures[key]
		if !ok || f.remaining == 0 {
			continue
		}
		if f.remaining > 0 {
			f.remaining--
		}
		return f.err
	}
	return nil
}

func (r *Reader) listing(addr common.Address) (*Listing, error) {
	l, ok := r.listings[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), chain.ErrNoCode)
	}
	return l, nil
}

// ListingCount returns the number of added listings.
func (r *Reader) ListingCount(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "ListingCount", ""); err != nil {
		return 0, err
	}
	return uint64(len(r.order)), nil
}

// ListingAddress returns the address at index.
func (r *Reader) ListingAddress(ctx context.Context, index uint64) (common.Address, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "ListingAddress", fmt.Sprint(index)); err != nil {
		return common.Address{}, err
	}
	if index >= uint64(len(r.order)) {
		return common.Address{}, fmt.Errorf("index %d: %w", index, chain.ErrNoCode)
	}
	return r.order[index], nil
}

// ListingSummary returns a copy of the listing's discovery view.
func (r *Reader) ListingSummary(ctx context.Context, addr common.Address) (*domain.ListingSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "ListingSummary", domain.AddressKey(addr)); err != nil {
		return nil, err
	}
	l, err := r.listing(addr)
	if err != nil {
		return nil, err
	}
	return &domain.ListingSummary{
		Address:      l.Address,
		Name:         l.Meta.Name,
		Symbol:       l.Meta.Symbol,
		Cover:        l.Meta.Cover,
		MaxSupply:    l.Meta.MaxSupply,
		Minted:       l.State.Minted,
		Burned:       l.State.Burned,
		CurrentPrice: cloneBig(l.State.CurrentPrice),
		RefreshedAt:  r.now,
	}, nil
}

// MarketState returns a copy of the sale state.
func (r *Reader) MarketState(ctx context.Context, addr common.Address) (*domain.MarketState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "MarketState", domain.AddressKey(addr)); err != nil {
		return nil, err
	}
	l, err := r.listing(addr)
	if err != nil {
		return nil, err
	}
	return l.State.Clone(), nil
}

// RecentTrades returns a copy of the trade window.
func (r *Reader) RecentTrades(ctx context.Context, addr common.Address) ([]domain.TradeSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "RecentTrades", domain.AddressKey(addr)); err != nil {
		return nil, err
	}
	l, err := r.listing(addr)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TradeSnapshot, len(l.Trades))
	for i, t := range l.Trades {
		t.Price = cloneBig(t.Price)
		out[i] = t
	}
	return out, nil
}

// ListingMeta returns a copy of the static attributes.
func (r *Reader) ListingMeta(ctx context.Context, addr common.Address) (*domain.ListingMeta, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "ListingMeta", domain.AddressKey(addr)); err != nil {
		return nil, err
	}
	l, err := r.listing(addr)
	if err != nil {
		return nil, err
	}
	meta := l.Meta
	return &meta, nil
}

// AccountBalance returns the configured balance, or zero.
func (r *Reader) AccountBalance(ctx context.Context, account common.Address) (*big.Int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "AccountBalance", domain.AddressKey(account)); err != nil {
		return nil, err
	}
	if b, ok := r.balances[account]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

// HolderBalance returns the units the holder owns.
func (r *Reader) HolderBalance(ctx context.Context, addr, holder common.Address) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(ctx, "HolderBalance", domain.AddressKey(addr)); err != nil {
		return 0, err
	}
	l, err := r.listing(addr)
	if err != nil {
		return 0, err
	}
	return l.Holders[holder], nil
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
