package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/observability"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/scheduler"
	"github.com/mat-shur/picpool/internal/storage"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	Poller    *Poller
	Store     storage.DiscoveryStore // optional
	Publisher notify.Publisher       // optional
	Clock     clockwork.Clock

	// RefreshEvery re-fetches known summaries every N ticks. 0 disables.
	RefreshEvery int

	// PendingPolicy spaces retries of a pending listing by Delay(attempts-1)
	// and abandons it after MaxAttempts failed retries. Zero fields use
	// DefaultPendingPolicy.
	PendingPolicy retry.Policy

	Logger *logrus.Entry
}

// DefaultPendingPolicy keeps retrying a pending listing for about half an hour.
var DefaultPendingPolicy = retry.Policy{
	MaxAttempts: 10,
	BaseDelay:   5 * time.Second,
	MaxDelay:    5 * time.Minute,
}

// pendingEntry is a resolved listing whose summary has not been fetched.
type pendingEntry struct {
	listing  storage.PendingListing
	attempts int // failed retries so far
	nextAt   time.Time
}

// TickResult summarizes one successful tick.
type TickResult struct {
	Cursor    uint64
	Added     []*domain.ListingSummary
	Failed    []Failure
	Recovered int // pending listings fetched this tick
	Abandoned []Failure
	Refreshed int
	Silent    bool // first tick after start, no notifications
}

// Engine owns the discovery set. Ticks are serialized; readers get
// immutable snapshots and never observe a partial update.
type Engine struct {
	poller       *Poller
	store        storage.DiscoveryStore
	pub          notify.Publisher
	clock        clockwork.Clock
	refreshEvery int
	pendingPol   retry.Policy
	log          *logrus.Entry

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	abandoned []Failure
	primed    bool
	ticks     int

	snap atomic.Pointer[Snapshot]
}

// NewEngine creates an engine with an empty set.
func NewEngine(opts EngineOptions) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	pub := opts.Publisher
	if pub == nil {
		pub = notify.Discard{}
	}
	pol := opts.PendingPolicy
	if pol.MaxAttempts <= 0 {
		pol.MaxAttempts = DefaultPendingPolicy.MaxAttempts
	}
	if pol.BaseDelay <= 0 {
		pol.BaseDelay = DefaultPendingPolicy.BaseDelay
	}
	if pol.MaxDelay <= 0 {
		pol.MaxDelay = DefaultPendingPolicy.MaxDelay
	}
	e := &Engine{
		poller:       opts.Poller,
		store:        opts.Store,
		pub:          pub,
		clock:        clock,
		refreshEvery: opts.RefreshEvery,
		pendingPol:   pol,
		log:          opts.Logger,
		pending:      make(map[string]*pendingEntry),
	}
	e.snap.Store(newSnapshot(0, nil, clock.Now()))
	return e
}

// Snapshot returns the current discovery set.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

// Load restores cursor, listings and pending set from the store. The
// first tick after Load is still silent.
func (e *Engine) Load(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	cursor, err := e.store.LoadCursor(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("load cursor: %w", err)
	}
	listings, err := e.store.LoadListings(ctx)
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}
	pending, err := e.store.LoadPending(ctx)
	if err != nil {
		return fmt.Errorf("load pending: %w", err)
	}

	// stored rows may predate normalization; keep the first per key
	seen := make(map[string]struct{}, len(listings))
	deduped := listings[:0]
	for _, l := range listings {
		if _, ok := seen[l.Key()]; ok {
			continue
		}
		seen[l.Key()] = struct{}{}
		deduped = append(deduped, l)
	}

	for _, p := range pending {
		key := domain.AddressKey(p.Address)
		if _, ok := seen[key]; !ok {
			e.pending[key] = &pendingEntry{listing: p}
		}
	}

	snap := newSnapshot(cursor, deduped, e.clock.Now())
	snap.Pending = len(e.pending)
	e.snap.Store(snap)
	e.log.WithFields(logrus.Fields{
		"cursor":   cursor,
		"listings": len(deduped),
		"pending":  len(e.pending),
	}).Info("discovery state restored")
	return nil
}

// Tick runs one discovery cycle. On error the cursor, set and pending
// entries are unchanged.
func (e *Engine) Tick(ctx context.Context) (*TickResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur := e.snap.Load()
	known := func(key string) bool {
		if cur.Has(key) {
			return true
		}
		if _, ok := e.pending[key]; ok {
			return true
		}
		for _, a := range e.abandoned {
			if domain.AddressKey(a.Address) == key {
				return true
			}
		}
		return false
	}

	res, err := e.poller.Poll(ctx, cur.Cursor, known)
	if err != nil {
		observability.RecordDiscoveryPoll("failed", cur.Cursor, cur.Len(), len(e.pending))
		if ctx.Err() == nil {
			e.pub.Publish(ctx, notify.Failure(notify.KindPollFailed, "", err, e.clock.Now()))
		}
		return nil, err
	}

	added := res.Listings
	now := e.clock.Now()

	var recovered []*domain.ListingSummary
	var retryFailed []Failure
	if targets := e.duePending(now); len(targets) > 0 {
		recovered, retryFailed = e.poller.Fetch(ctx, targets)
		added = append(added, recovered...)
	}
	sort.SliceStable(added, func(i, j int) bool { return added[i].Index < added[j].Index })

	e.ticks++
	var refreshed []*domain.ListingSummary
	if e.refreshEvery > 0 && e.ticks%e.refreshEvery == 0 && cur.Len() > 0 {
		targets := make([]storage.PendingListing, len(cur.Listings))
		for i, l := range cur.Listings {
			targets[i] = storage.PendingListing{Index: l.Index, Address: l.Address}
		}
		refreshed, _ = e.poller.Fetch(ctx, targets)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var abandoned []Failure
	newlyPending := make([]storage.PendingListing, 0, len(res.Failed))
	for _, f := range res.Failed {
		if !chain.IsRetryable(f.Err) {
			abandoned = append(abandoned, f)
			continue
		}
		newlyPending = append(newlyPending, storage.PendingListing{Index: f.Index, Address: f.Address})
	}
	rescheduled := make(map[string]pendingEntry, len(retryFailed))
	for _, f := range retryFailed {
		key := domain.AddressKey(f.Address)
		entry := *e.pending[key]
		entry.attempts++
		if !chain.IsRetryable(f.Err) || entry.attempts >= e.pendingPol.MaxAttempts {
			abandoned = append(abandoned, f)
			continue
		}
		entry.nextAt = now.Add(e.pendingPol.Delay(entry.attempts - 1))
		rescheduled[key] = entry
	}
	removed := make([]string, 0, len(recovered)+len(abandoned))
	for _, l := range recovered {
		removed = append(removed, l.Key())
	}
	for _, f := range abandoned {
		removed = append(removed, domain.AddressKey(f.Address))
	}

	if err := e.persist(ctx, res.Cursor, append(added, refreshed...), newlyPending, removed); err != nil {
		observability.RecordDiscoveryPoll("failed", cur.Cursor, cur.Len(), len(e.pending))
		return nil, err
	}

	for _, p := range newlyPending {
		e.pending[domain.AddressKey(p.Address)] = &pendingEntry{listing: p}
	}
	for key, entry := range rescheduled {
		*e.pending[key] = entry
	}
	for _, k := range removed {
		delete(e.pending, k)
	}
	e.abandoned = append(e.abandoned, abandoned...)

	next := cur.with(res.Cursor, refreshed, added, now)
	next.Pending = len(e.pending)
	next.Abandoned = e.abandoned[:len(e.abandoned):len(e.abandoned)]
	e.snap.Store(next)

	silent := !e.primed
	e.primed = true

	observability.RecordDiscoveryPoll("ok", next.Cursor, next.Len(), len(e.pending))
	observability.RecordListingsDiscovered(len(added))
	for range res.Failed {
		observability.RecordSummaryFailure()
	}

	if !silent {
		for _, l := range added {
			e.pub.Publish(ctx, notify.NewListing(l, e.clock.Now()))
		}
	}

	for _, f := range abandoned {
		e.log.WithError(f.Err).WithField("address", domain.AddressKey(f.Address)).
			Warn("pending listing abandoned")
		e.pub.Publish(ctx, notify.Failure(notify.KindListingAbandoned, domain.AddressKey(f.Address), f.Err, now))
	}

	if len(added) > 0 || len(res.Failed) > 0 {
		e.log.WithFields(logrus.Fields{
			"cursor":  next.Cursor,
			"added":   len(added),
			"failed":  len(res.Failed),
			"pending": len(e.pending),
			"silent":  silent,
		}).Info("discovery set updated")
	}

	return &TickResult{
		Cursor:    next.Cursor,
		Added:     added,
		Failed:    res.Failed,
		Recovered: len(recovered),
		Abandoned: abandoned,
		Refreshed: len(refreshed),
		Silent:    silent,
	}, nil
}

// duePending returns the pending listings whose backoff has elapsed, in
// index order.
func (e *Engine) duePending(now time.Time) []storage.PendingListing {
	due := make([]storage.PendingListing, 0, len(e.pending))
	for _, p := range e.pending {
		if !now.Before(p.nextAt) {
			due = append(due, p.listing)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Index < due[j].Index })
	return due
}

// persist writes listings before the cursor so a crash in between
// refetches instead of skipping.
func (e *Engine) persist(ctx context.Context, cursor uint64, listings []*domain.ListingSummary, pending []storage.PendingListing, removed []string) error {
	if e.store == nil {
		return nil
	}
	if err := e.store.UpsertListings(ctx, listings); err != nil {
		return fmt.Errorf("persist listings: %w", err)
	}
	if err := e.store.AddPending(ctx, pending); err != nil {
		return fmt.Errorf("persist pending: %w", err)
	}
	if err := e.store.RemovePending(ctx, removed); err != nil {
		return fmt.Errorf("persist pending: %w", err)
	}
	if err := e.store.SaveCursor(ctx, cursor); err != nil {
		return fmt.Errorf("persist cursor: %w", err)
	}
	return nil
}

// Start schedules Tick every interval on s.
func (e *Engine) Start(s *scheduler.Scheduler, interval time.Duration) *scheduler.Task {
	return s.Every("discovery", interval, func(ctx context.Context) error {
		_, err := e.Tick(ctx)
		return err
	})
}
