package discovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/chain/stub"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/retry"
	"github.com/mat-shur/picpool/internal/storage"
	"github.com/mat-shur/picpool/internal/storage/memory"
)

func TestEngine_FirstTickIsSilent(t *testing.T) {
	f := newFixture(nil, 0)
	f.reader.AddListing(fakeListing(0, 0, 10))
	f.reader.AddListing(fakeListing(1, 0, 10))
	ctx := context.Background()

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Silent)
	assert.Len(t, res.Added, 2)
	assert.Empty(t, f.events.Events())

	f.reader.AddListing(fakeListing(2, 0, 10))
	f.reader.AddListing(fakeListing(3, 0, 10))

	res, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, res.Silent)

	events := f.events.OfKind(notify.KindNewListing)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AddressKey(addr(2)), events[0].Address)
	assert.Equal(t, domain.AddressKey(addr(3)), events[1].Address)

	snap := f.engine.Snapshot()
	assert.Equal(t, uint64(4), snap.Cursor)
	assert.Equal(t, 4, snap.Len())
}

func TestEngine_EmptyFirstTickStillPrimes(t *testing.T) {
	f := newFixture(nil, 0)
	ctx := context.Background()

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Silent)

	f.reader.AddListing(fakeListing(0, 0, 10))
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, f.events.OfKind(notify.KindNewListing), 1)
}

func TestEngine_TickIsIdempotent(t *testing.T) {
	f := newFixture(nil, 0)
	f.reader.AddListing(fakeListing(0, 0, 10))
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	first := f.engine.Snapshot()

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Added)

	second := f.engine.Snapshot()
	assert.Equal(t, first.Cursor, second.Cursor)
	assert.Equal(t, keys(first.Listings), keys(second.Listings))
	assert.Empty(t, f.events.Events())
}

func TestEngine_FailedPollKeepsState(t *testing.T) {
	f := newFixture(nil, 0)
	f.reader.AddListing(fakeListing(0, 0, 10))
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	before := f.engine.Snapshot()

	f.reader.AddListing(fakeListing(1, 0, 10))
	f.reader.Fail("ListingAddress", "1", errFlaky, -1)

	_, err = f.engine.Tick(ctx)
	require.Error(t, err)
	assert.Same(t, before, f.engine.Snapshot())
	assert.Len(t, f.events.OfKind(notify.KindPollFailed), 1)
	assert.Empty(t, f.events.OfKind(notify.KindNewListing))

	f.reader.Heal()
	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	assert.Equal(t, uint64(2), f.engine.Snapshot().Cursor)
	assert.Len(t, f.events.OfKind(notify.KindNewListing), 1)
}

func TestEngine_PendingListingIsRecovered(t *testing.T) {
	f := newFixture(nil, 0)
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	f.reader.AddListing(fakeListing(0, 0, 10))
	f.reader.AddListing(fakeListing(1, 0, 10))
	f.reader.Fail("ListingSummary", domain.AddressKey(addr(0)), errFlaky, -1)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	assert.Len(t, res.Failed, 1)

	snap := f.engine.Snapshot()
	assert.Equal(t, uint64(2), snap.Cursor)
	assert.Equal(t, 1, snap.Pending)
	assert.False(t, snap.Has(domain.AddressKey(addr(0))))

	f.reader.Heal()
	res, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	snap = f.engine.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	assert.True(t, snap.Has(domain.AddressKey(addr(0))))

	events := f.events.OfKind(notify.KindNewListing)
	require.Len(t, events, 2)
	assert.Equal(t, domain.AddressKey(addr(1)), events[0].Address)
	assert.Equal(t, domain.AddressKey(addr(0)), events[1].Address)
}

func TestEngine_PendingRetriesBackOff(t *testing.T) {
	f := newFixtureWithPending(nil, 0, retry.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Second})
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	f.reader.AddListing(fakeListing(0, 0, 10))
	f.reader.Fail("ListingSummary", domain.AddressKey(addr(0)), errFlaky, -1)

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	polled := f.reader.Calls("ListingSummary")

	// a fresh pending entry is retried on the next tick
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	retried := f.reader.Calls("ListingSummary")
	assert.Greater(t, retried, polled)

	// then waits 10s before the next try
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	f.clock.Advance(9 * time.Second)
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, retried, f.reader.Calls("ListingSummary"))

	f.clock.Advance(time.Second)
	f.reader.Heal()
	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)
	assert.True(t, f.engine.Snapshot().Has(domain.AddressKey(addr(0))))
}

func TestEngine_PendingAbandonedAfterMaxAttempts(t *testing.T) {
	store := memory.NewDiscoveryStore()
	f := newFixtureWithPending(store, 0, retry.Policy{MaxAttempts: 2, BaseDelay: time.Second})
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	f.reader.AddListing(fakeListing(0, 0, 10))
	f.reader.Fail("ListingSummary", domain.AddressKey(addr(0)), errFlaky, -1)

	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Empty(t, res.Abandoned)
	assert.Equal(t, 1, f.engine.Snapshot().Pending)

	f.clock.Advance(time.Second)
	res, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, res.Abandoned, 1)
	assert.Equal(t, uint64(0), res.Abandoned[0].Index)

	snap := f.engine.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	require.Len(t, snap.Abandoned, 1)
	assert.Equal(t, addr(0), snap.Abandoned[0].Address)
	assert.False(t, snap.Has(domain.AddressKey(addr(0))))

	events := f.events.OfKind(notify.KindListingAbandoned)
	require.Len(t, events, 1)
	assert.Equal(t, domain.AddressKey(addr(0)), events[0].Address)
	assert.NotEmpty(t, events[0].Error)

	pending, err := store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// abandoned listings are never fetched again
	calls := f.reader.Calls("ListingSummary")
	f.clock.Advance(time.Hour)
	_, err = f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, calls, f.reader.Calls("ListingSummary"))
	assert.Len(t, f.engine.Snapshot().Abandoned, 1)
}

func TestEngine_RevertedSummaryIsAbandoned(t *testing.T) {
	f := newFixture(nil, 0)
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)

	f.reader.AddListing(fakeListing(0, 0, 10))
	f.reader.AddListing(fakeListing(1, 0, 10))
	f.reader.Fail("ListingSummary", domain.AddressKey(addr(0)), &chain.RPCError{Code: 3, Message: "execution reverted"}, -1)

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Len(t, res.Added, 1)
	require.Len(t, res.Abandoned, 1)

	snap := f.engine.Snapshot()
	assert.Equal(t, 0, snap.Pending)
	assert.Len(t, snap.Abandoned, 1)
	assert.Len(t, f.events.OfKind(notify.KindListingAbandoned), 1)
}

func TestEngine_WarmStartDoesNotRenotify(t *testing.T) {
	store := memory.NewDiscoveryStore()
	ctx := context.Background()

	first := newFixture(store, 0)
	first.reader.AddListing(fakeListing(0, 0, 10))
	first.reader.AddListing(fakeListing(1, 0, 10))
	first.reader.Fail("ListingSummary", domain.AddressKey(addr(1)), errFlaky, -1)
	_, err := first.engine.Tick(ctx)
	require.NoError(t, err)

	cursor, err := store.LoadCursor(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), cursor)

	// restart against the same ledger with one more listing
	second := newFixture(store, 0)
	second.reader.AddListing(fakeListing(0, 0, 10))
	second.reader.AddListing(fakeListing(1, 0, 10))
	second.reader.AddListing(fakeListing(2, 0, 10))
	require.NoError(t, second.engine.Load(ctx))

	snap := second.engine.Snapshot()
	assert.Equal(t, uint64(2), snap.Cursor)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 1, snap.Pending)

	res, err := second.engine.Tick(ctx)
	require.NoError(t, err)
	assert.True(t, res.Silent)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 1, second.reader.Calls("ListingAddress"))
	assert.Empty(t, second.events.Events())
	assert.Equal(t, 3, second.engine.Snapshot().Len())

	pending, err := store.LoadPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

type failingStore struct {
	storage.DiscoveryStore
}

func (failingStore) UpsertListings(context.Context, []*domain.ListingSummary) error {
	return errors.New("disk full")
}

func TestEngine_PersistFailureKeepsState(t *testing.T) {
	f := newFixture(failingStore{memory.NewDiscoveryStore()}, 0)
	f.reader.AddListing(fakeListing(0, 0, 10))

	_, err := f.engine.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(0), f.engine.Snapshot().Cursor)
	assert.Equal(t, 0, f.engine.Snapshot().Len())
}

func TestEngine_RefreshReplacesSummaries(t *testing.T) {
	f := newFixture(nil, 2)
	f.reader.AddListing(fakeListing(0, 0, 10))
	ctx := context.Background()

	_, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	old, _ := f.engine.Snapshot().Get(domain.AddressKey(addr(0)))

	f.reader.Update(addr(0), func(l *stub.Listing) { l.State.Minted = 7 })

	res, err := f.engine.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Refreshed)

	updated, ok := f.engine.Snapshot().Get(domain.AddressKey(addr(0)))
	require.True(t, ok)
	assert.Equal(t, uint64(7), updated.Minted)
	assert.Equal(t, uint64(0), old.Minted, "previous snapshot must not change")
	assert.Empty(t, f.events.Events())
}

func TestEngine_SnapshotFilters(t *testing.T) {
	f := newFixture(nil, 0)
	f.reader.AddListing(fakeListing(0, 0, 100))
	f.reader.AddListing(fakeListing(1, 95, 100))
	f.reader.AddListing(fakeListing(2, 100, 100))
	f.reader.AddListing(fakeListing(3, 40, 100))

	_, err := f.engine.Tick(context.Background())
	require.NoError(t, err)

	snap := f.engine.Snapshot()
	assert.Len(t, snap.Filter(FilterAll), 4)
	assert.Equal(t, []string{domain.AddressKey(addr(0))}, keys(snap.Filter(FilterNew)))
	assert.Equal(t, []string{domain.AddressKey(addr(1))}, keys(snap.Filter(FilterAlmost)))
	assert.Equal(t, []string{domain.AddressKey(addr(2))}, keys(snap.Filter(FilterSold)))
}

func TestParseFilter(t *testing.T) {
	for in, want := range map[string]Filter{"": FilterAll, "ALL": FilterAll, " new ": FilterNew, "almost": FilterAlmost, "sold": FilterSold} {
		got, err := ParseFilter(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseFilter("hot")
	assert.Error(t, err)
}
