package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/chain/stub"
	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/retry"
)

func newTestPoller(reader chain.Reader) *Poller {
	return NewPoller(PollerOptions{
		Reader: reader,
		Policy: fastPolicy(),
		Logger: logger.WithComponent(logger.Discard(), "poller"),
	})
}

func TestPoll_NoNewListings(t *testing.T) {
	reader := stub.NewReader()
	reader.AddListing(fakeListing(0, 0, 10))

	res, err := newTestPoller(reader).Poll(context.Background(), 1, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Cursor)
	assert.Empty(t, res.Listings)
	assert.Equal(t, 0, reader.Calls("ListingAddress"))
}

func TestPoll_FetchesRangeInIndexOrder(t *testing.T) {
	reader := stub.NewReader()
	for i := 0; i < 12; i++ {
		reader.AddListing(fakeListing(i, uint64(i), 100))
	}

	res, err := newTestPoller(reader).Poll(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), res.Cursor)
	require.Len(t, res.Listings, 10)
	for i, l := range res.Listings {
		assert.Equal(t, uint64(i+2), l.Index)
		assert.Equal(t, addr(i+2), l.Address)
	}
	assert.Equal(t, 10, reader.Calls("ListingAddress"))
}

func TestPoll_RetriesCounter(t *testing.T) {
	reader := stub.NewReader()
	reader.AddListing(fakeListing(0, 0, 10))
	reader.Fail("ListingCount", "", errFlaky, 2)

	res, err := newTestPoller(reader).Poll(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Len(t, res.Listings, 1)
	assert.Equal(t, 3, reader.Calls("ListingCount"))
}

func TestPoll_AddressFailureFailsWholePoll(t *testing.T) {
	reader := stub.NewReader()
	for i := 0; i < 5; i++ {
		reader.AddListing(fakeListing(i, 0, 10))
	}
	reader.Fail("ListingAddress", "3", errFlaky, -1)

	res, err := newTestPoller(reader).Poll(context.Background(), 0, nil)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, retry.IsExhausted(err))
	assert.ErrorIs(t, err, chain.ErrTransient)
	assert.Equal(t, 0, reader.Calls("ListingSummary"))
}

func TestPoll_SummaryFailureIsIsolated(t *testing.T) {
	reader := stub.NewReader()
	for i := 0; i < 4; i++ {
		reader.AddListing(fakeListing(i, 0, 10))
	}
	reader.Fail("ListingSummary", domain.AddressKey(addr(1)), errFlaky, -1)
	reader.Fail("ListingSummary", domain.AddressKey(addr(2)), &chain.RPCError{Code: 3, Message: "execution reverted"}, -1)

	res, err := newTestPoller(reader).Poll(context.Background(), 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Cursor)
	assert.Equal(t, []string{domain.AddressKey(addr(0)), domain.AddressKey(addr(3))}, keys(res.Listings))

	require.Len(t, res.Failed, 2)
	assert.Equal(t, uint64(1), res.Failed[0].Index)
	assert.True(t, retry.IsExhausted(res.Failed[0].Err))
	// non-retryable errors are not retried
	assert.Equal(t, uint64(2), res.Failed[1].Index)
	var rpcErr *chain.RPCError
	assert.True(t, errors.As(res.Failed[1].Err, &rpcErr))
}

func TestPoll_DropsKnownAndRepeatedAddresses(t *testing.T) {
	reader := stub.NewReader()
	reader.AddListing(fakeListing(0, 0, 10))
	reader.AddListing(fakeListing(1, 0, 10))
	reader.AddListing(fakeListing(0, 0, 10)) // same contract registered twice
	reader.AddListing(fakeListing(2, 0, 10))

	known := func(key string) bool { return key == domain.AddressKey(addr(1)) }

	res, err := newTestPoller(reader).Poll(context.Background(), 0, known)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Cursor)
	assert.Equal(t, []string{domain.AddressKey(addr(0)), domain.AddressKey(addr(2))}, keys(res.Listings))
}

func TestPoll_CancelledContext(t *testing.T) {
	reader := stub.NewReader()
	reader.AddListing(fakeListing(0, 0, 10))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestPoller(reader).Poll(ctx, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
