package market

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/observability"
	"github.com/mat-shur/picpool/internal/scheduler"
	"github.com/mat-shur/picpool/internal/storage"
)

// DefaultInterval is the state polling cadence.
const DefaultInterval = 3 * time.Second

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Poller       *Poller
	Scheduler    *scheduler.Scheduler
	Interval     time.Duration
	DirectionTTL time.Duration
	Publisher    notify.Publisher     // optional
	Archive      storage.TradeArchive // optional
	Logger       *logrus.Entry
}

type subscription struct {
	tracker *Tracker
	task    *scheduler.Task
}

// Watcher runs one state poller per subscribed listing.
type Watcher struct {
	poller   *Poller
	sched    *scheduler.Scheduler
	interval time.Duration
	ttl      time.Duration
	pub      notify.Publisher
	archive  storage.TradeArchive
	log      *logrus.Entry

	mu   sync.Mutex
	subs map[string]*subscription
}

// NewWatcher creates a watcher.
func NewWatcher(opts WatcherOptions) *Watcher {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	pub := opts.Publisher
	if pub == nil {
		pub = notify.Discard{}
	}
	return &Watcher{
		poller:   opts.Poller,
		sched:    opts.Scheduler,
		interval: interval,
		ttl:      opts.DirectionTTL,
		pub:      pub,
		archive:  opts.Archive,
		log:      opts.Logger,
		subs:     make(map[string]*subscription),
	}
}

// Subscribe starts polling listing: one refresh now, then every interval.
// Subscribing twice returns the existing tracker.
func (w *Watcher) Subscribe(listing common.Address) *Tracker {
	key := domain.AddressKey(listing)

	w.mu.Lock()
	defer w.mu.Unlock()

	if sub, ok := w.subs[key]; ok {
		return sub.tracker
	}

	tracker := NewTracker(listing, w.sched.Clock(), w.ttl)
	sub := &subscription{tracker: tracker}
	sub.task = w.sched.Every("market:"+key, w.interval, func(ctx context.Context) error {
		return w.tick(ctx, tracker)
	})
	w.subs[key] = sub

	observability.SetWatchedListings(len(w.subs))
	w.log.WithField("address", key).Info("watching listing")
	return tracker
}

// Unsubscribe stops polling listing. A refresh in flight finishes but its
// result is dropped. Returns false if listing was not subscribed.
func (w *Watcher) Unsubscribe(listing common.Address) bool {
	key := domain.AddressKey(listing)

	w.mu.Lock()
	sub, ok := w.subs[key]
	if ok {
		delete(w.subs, key)
	}
	n := len(w.subs)
	w.mu.Unlock()

	if !ok {
		return false
	}

	sub.tracker.Stop()
	sub.task.Cancel()
	observability.SetWatchedListings(n)
	w.log.WithField("address", key).Info("stopped watching listing")
	return true
}

// Tracker returns the tracker of a subscribed listing.
func (w *Watcher) Tracker(listing common.Address) (*Tracker, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[domain.AddressKey(listing)]
	if !ok {
		return nil, false
	}
	return sub.tracker, true
}

// Watched returns the subscribed listing keys, sorted.
func (w *Watcher) Watched() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	keys := make([]string, 0, len(w.subs))
	for k := range w.subs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Stop unsubscribes everything and waits for running refreshes.
func (w *Watcher) Stop() {
	w.mu.Lock()
	subs := w.subs
	w.subs = make(map[string]*subscription)
	w.mu.Unlock()

	for _, sub := range subs {
		sub.tracker.Stop()
		sub.task.Stop()
	}
	observability.SetWatchedListings(0)
}

func (w *Watcher) tick(ctx context.Context, tracker *Tracker) error {
	key := domain.AddressKey(tracker.Address())
	log := w.log.WithField("address", key)

	bundle, err := w.poller.Refresh(ctx, tracker.Address())
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		observability.RecordStateRefresh("failed")
		w.pub.Publish(ctx, notify.Failure(notify.KindRefreshFailed, key, err, w.sched.Clock().Now()))
		return err
	}

	switch err := tracker.Apply(bundle); {
	case errors.Is(err, ErrStopped):
		return nil
	case errors.Is(err, ErrStaleState):
		observability.RecordStaleState()
		log.Debug("stale state ignored")
		return nil
	case err != nil:
		observability.RecordStateRefresh("rejected")
		log.WithError(err).Warn("refresh rejected")
		return nil
	}
	observability.RecordStateRefresh("ok")

	if w.archive != nil && len(bundle.Trades) > 0 {
		if _, err := w.archive.Append(ctx, tracker.Address(), bundle.Trades); err != nil {
			log.WithError(err).Warn("archive trades failed")
		}
	}

	if view := tracker.View(); view != nil {
		w.pub.Publish(ctx, marketEvent(view))
	}
	return nil
}

func marketEvent(v *View) notify.Event {
	m := &notify.Market{
		PriceWei:  "0",
		Minted:    v.State.Minted,
		Burned:    v.State.Burned,
		Closed:    v.State.Closed,
		Progress:  v.Progress,
		Direction: string(v.Direction),
	}
	if v.State.CurrentPrice != nil {
		m.PriceWei = v.State.CurrentPrice.String()
	}
	return notify.MarketUpdate(domain.AddressKey(v.Address), m, v.UpdatedAt)
}
