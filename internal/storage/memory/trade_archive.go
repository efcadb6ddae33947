package memory

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/storage"
)

type tradeKey struct {
	listing   common.Address
	timestamp int64
	supply    uint64
}

// DefaultTradeCap is how many trades per listing the archive keeps.
const DefaultTradeCap = 1000

// TradeArchive is an in-memory implementation of storage.TradeArchive.
// Each listing keeps its newest trades up to a cap; older ones are evicted.
type TradeArchive struct {
	cap int

	mu     sync.RWMutex
	seen   map[tradeKey]struct{}
	trades map[common.Address][]domain.TradeSnapshot
}

// Compile-time interface check.
var _ storage.TradeArchive = (*TradeArchive)(nil)

// TradeArchiveOption configures a TradeArchive.
type TradeArchiveOption func(*TradeArchive)

// WithTradeCap sets the per-listing cap. Values below 1 are ignored.
func WithTradeCap(n int) TradeArchiveOption {
	return func(a *TradeArchive) {
		if n > 0 {
			a.cap = n
		}
	}
}

// NewTradeArchive creates a new in-memory trade archive.
func NewTradeArchive(opts ...TradeArchiveOption) *TradeArchive {
	a := &TradeArchive{
		cap:    DefaultTradeCap,
		seen:   make(map[tradeKey]struct{}),
		trades: make(map[common.Address][]domain.TradeSnapshot),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Append stores trades that are not archived yet.
func (a *TradeArchive) Append(_ context.Context, listing common.Address, trades []domain.TradeSnapshot) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	added := 0
	for _, t := range trades {
		key := tradeKey{listing: listing, timestamp: t.Timestamp, supply: t.Supply}
		if _, ok := a.seen[key]; ok {
			continue
		}
		a.seen[key] = struct{}{}
		t.Price = copyBig(t.Price)
		a.trades[listing] = append(a.trades[listing], t)
		added++
	}
	if added > 0 {
		list := a.trades[listing]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Timestamp < list[j].Timestamp })
		if over := len(list) - a.cap; over > 0 {
			for _, t := range list[:over] {
				delete(a.seen, tradeKey{listing: listing, timestamp: t.Timestamp, supply: t.Supply})
			}
			list = append(list[:0:0], list[over:]...)
		}
		a.trades[listing] = list
	}
	return added, nil
}

// Recent returns up to limit trades, newest first.
func (a *TradeArchive) Recent(_ context.Context, listing common.Address, limit int) ([]domain.TradeSnapshot, error) {
	if limit <= 0 {
		return nil, storage.ErrInvalidInput
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	list := a.trades[listing]
	n := len(list)
	if n > limit {
		n = limit
	}
	result := make([]domain.TradeSnapshot, 0, n)
	for i := len(list) - 1; i >= 0 && len(result) < n; i-- {
		t := list[i]
		t.Price = copyBig(t.Price)
		result = append(result, t)
	}
	return result, nil
}

func copyBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
