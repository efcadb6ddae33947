package market

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/chain"
	"github.com/mat-shur/picpool/internal/domain"
)

func TestPoller_RefreshReadsEverything(t *testing.T) {
	ledger := newLedger()
	h := holder
	p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy(), Holder: &h})

	b, err := p.Refresh(context.Background(), listingA)
	require.NoError(t, err)

	assert.Equal(t, uint64(4), b.State.Minted)
	assert.Equal(t, uint64(1), b.State.Burned)
	assert.Equal(t, "1000", b.State.CurrentPrice.String())
	assert.Len(t, b.Trades, 3)
	assert.Equal(t, "PIC", b.Meta.Symbol)
	assert.Equal(t, "5000", b.Balance.String())
	require.NotNil(t, b.Holding)
	assert.Equal(t, uint64(2), *b.Holding)
	assert.False(t, b.FetchedAt.IsZero())
}

func TestPoller_NoHolderSkipsHolderRead(t *testing.T) {
	ledger := newLedger()
	p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy()})

	b, err := p.Refresh(context.Background(), listingA)
	require.NoError(t, err)
	assert.Nil(t, b.Holding)
	assert.Equal(t, 0, ledger.Calls("HolderBalance"))
}

func TestPoller_RetriesTransientReads(t *testing.T) {
	ledger := newLedger()
	ledger.Fail("RecentTrades", domain.AddressKey(listingA), errFlaky, 2)
	p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy()})

	b, err := p.Refresh(context.Background(), listingA)
	require.NoError(t, err)
	assert.Len(t, b.Trades, 3)
	assert.Equal(t, 3, ledger.Calls("RecentTrades"))
}

func TestPoller_AnyFailedReadFailsRefresh(t *testing.T) {
	for _, method := range []string{"MarketState", "RecentTrades", "ListingMeta", "AccountBalance", "HolderBalance"} {
		t.Run(method, func(t *testing.T) {
			ledger := newLedger()
			ledger.Fail(method, "", errFlaky, -1)
			h := holder
			p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy(), Holder: &h})

			b, err := p.Refresh(context.Background(), listingA)
			require.Error(t, err)
			assert.Nil(t, b)
			assert.ErrorIs(t, err, chain.ErrTransient)
		})
	}
}

func TestPoller_NonRetryableFailsFast(t *testing.T) {
	ledger := newLedger()
	ledger.Fail("ListingMeta", "", &chain.RPCError{Code: 3, Message: "execution reverted"}, -1)
	p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy()})

	_, err := p.Refresh(context.Background(), listingA)
	var rpcErr *chain.RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Contains(t, err.Error(), "listing meta")
	assert.Equal(t, 1, ledger.Calls("ListingMeta"))
}

func TestPoller_MissingCodeIsRetried(t *testing.T) {
	ledger := newLedger()
	ledger.Fail("MarketState", "", chain.ErrNoCode, 2)
	p := NewPoller(PollerOptions{Reader: ledger, Policy: fastPolicy()})

	b, err := p.Refresh(context.Background(), listingA)
	require.NoError(t, err)
	assert.Equal(t, "1000", b.State.CurrentPrice.String())
	assert.Equal(t, 3, ledger.Calls("MarketState"))
}
