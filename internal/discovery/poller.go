// Package discovery finds listings created by the factory and keeps the
// discovery set that the listing views read from.
package discovery

import (
	"context"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/storage"
)

// DefaultConcurrency bounds parallel address and summary reads.
const DefaultConcurrency = 8

// Failure is a listing whose summary could not be fetched.
type Failure struct {
	Index   uint64
	Address common.Address
	Err     error
}

// PollResult is the outcome of one successful poll.
type PollResult struct {
	// Cursor is the new exclusive upper bound of fetched indices.
	Cursor uint64

	// Listings are the new summaries in index order.
	Listings []*domain.ListingSummary

	// Failed are resolved listings whose summary fetch gave up.
	Failed []Failure
}

// PollerOptions configures a Poller.
type PollerOptions struct {
	Reader      chain.Reader
	Policy      retry.Policy
	Concurrency int
	Logger      *logrus.Entry
}

// Poller reads new listings from the factory. It holds no state; the
// cursor and the known set belong to the caller.
type Poller struct {
	reader      chain.Reader
	policy      retry.Policy
	concurrency int
	log         *logrus.Entry
}

// NewPoller creates a poller.
func NewPoller(opts PollerOptions) *Poller {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	policy := opts.Policy
	if policy.Retryable == nil {
		policy.Retryable = chain.IsRetryable
	}
	if policy.Logger == nil {
		policy.Logger = opts.Logger
	}
	return &Poller{
		reader:      opts.Reader,
		policy:      policy,
		concurrency: concurrency,
		log:         opts.Logger,
	}
}

// Poll fetches listings in [cursor, counter). Address resolution fails
// the whole poll on the first exhausted index; summary failures only
// exclude their listing. Listings for which known returns true, and
// repeats within the batch, are dropped.
func (p *Poller) Poll(ctx context.Context, cursor uint64, known func(key string) bool) (*PollResult, error) {
	counter, err := retry.Do(ctx, p.policy.Named("listing_count"), p.reader.ListingCount)
	if err != nil {
		return nil, fmt.Errorf("read listing counter: %w", err)
	}
	if counter <= cursor {
		return &PollResult{Cursor: cursor}, nil
	}

	addrs, err := p.resolve(ctx, cursor, counter)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(addrs))
	var targets []storage.PendingListing
	for i, addr := range addrs {
		key := domain.AddressKey(addr)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if known != nil && known(key) {
			continue
		}
		targets = append(targets, storage.PendingListing{Index: cursor + uint64(i), Address: addr})
	}

	listings, failed := p.Fetch(ctx, targets)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.log.WithFields(logrus.Fields{
		"from":    cursor,
		"to":      counter,
		"fetched": len(listings),
		"failed":  len(failed),
	}).Debug("poll complete")

	return &PollResult{Cursor: counter, Listings: listings, Failed: failed}, nil
}

// resolve maps [from, to) to addresses in parallel, preserving index order.
func (p *Poller) resolve(ctx context.Context, from, to uint64) ([]common.Address, error) {
	addrs := make([]common.Address, to-from)
	policy := p.policy.Named("listing_address")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for index := from; index < to; index++ {
		g.Go(func() error {
			addr, err := retry.Do(gctx, policy, func(ctx context.Context) (common.Address, error) {
				return p.reader.ListingAddress(ctx, index)
			})
			if err != nil {
				return fmt.Errorf("resolve listing %d: %w", index, err)
			}
			addrs[index-from] = addr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return addrs, nil
}

// Fetch reads summaries for targets in parallel. Each failure is isolated
// and reported. Results are in index order.
func (p *Poller) Fetch(ctx context.Context, targets []storage.PendingListing) ([]*domain.ListingSummary, []Failure) {
	if len(targets) == 0 {
		return nil, nil
	}

	results := make([]*domain.ListingSummary, len(targets))
	errs := make([]error, len(targets))
	policy := p.policy.Named("listing_summary")

	var g errgroup.Group
	g.SetLimit(p.concurrency)
	for i, t := range targets {
		g.Go(func() error {
			s, err := retry.Do(ctx, policy, func(ctx context.Context) (*domain.ListingSummary, error) {
				return p.reader.ListingSummary(ctx, t.Address)
			})
			if err != nil {
				errs[i] = err
				return nil
			}
			s.Address = t.Address
			s.Index = t.Index
			results[i] = s
			return nil
		})
	}
	_ = g.Wait()

	var listings []*domain.ListingSummary
	var failed []Failure
	for i, t := range targets {
		if errs[i] != nil {
			p.log.WithError(errs[i]).WithFields(logrus.Fields{
				"index":   t.Index,
				"address": domain.AddressKey(t.Address),
			}).Warn("listing summary unavailable")
			failed = append(failed, Failure{Index: t.Index, Address: t.Address, Err: errs[i]})
			continue
		}
		listings = append(listings, results[i])
	}

	sort.SliceStable(listings, func(a, b int) bool { return listings[a].Index < listings[b].Index })
	return listings, failed
}
