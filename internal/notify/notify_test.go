package notify

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/logger"
)

type failingSink struct{}

func (failingSink) Name() string { return "failing" }

func (failingSink) Deliver(context.Context, Event) error { return errors.New("down") }

type fakeNATS struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func testSummary() *domain.ListingSummary {
	return &domain.ListingSummary{
		Address:      common.HexToAddress("0xAbCdEf0000000000000000000000000000000001"),
		Index:        3,
		Name:         "Pixel Cats",
		Symbol:       "PCAT",
		MaxSupply:    100,
		Minted:       30,
		Burned:       5,
		CurrentPrice: big.NewInt(123456789),
	}
}

func TestNewListingEvent(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	ev := NewListing(testSummary(), at)

	assert.Equal(t, KindNewListing, ev.Kind)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", ev.Address)
	require.NotNil(t, ev.Listing)
	assert.Equal(t, "123456789", ev.Listing.PriceWei)
	assert.InDelta(t, 25.0, ev.Listing.Progress, 1e-9)
}

func TestFailureEvent(t *testing.T) {
	ev := Failure(KindPollFailed, "", errors.New("rpc down"), time.Now())
	assert.Equal(t, "rpc down", ev.Error)
	assert.Empty(t, ev.Address)
	assert.Nil(t, ev.Listing)
}

func TestDispatcher_IsolatesFailingSinks(t *testing.T) {
	rec := &Recorder{}
	d := NewDispatcher(logger.WithComponent(logger.Discard(), "notify"), failingSink{}, rec)
	d.Add(NewLogSink(logger.WithComponent(logger.Discard(), "events")))

	d.Publish(context.Background(), NewListing(testSummary(), time.Now()))
	d.Publish(context.Background(), Failure(KindRefreshFailed, "0x01", errors.New("x"), time.Now()))

	assert.Len(t, rec.Events(), 2)
	assert.Len(t, rec.OfKind(KindNewListing), 1)
	assert.Len(t, rec.OfKind(KindRefreshFailed), 1)
}

func TestNATSSink_PublishesJSONOnKindSubject(t *testing.T) {
	conn := &fakeNATS{}
	sink := NewNATSSink(conn, "dapp")

	ev := NewListing(testSummary(), time.Unix(1_700_000_000, 0).UTC())
	require.NoError(t, sink.Deliver(context.Background(), ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "dapp.listing.new", conn.subjects[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, "PCAT", decoded.Listing.Symbol)
}

func TestNATSSink_Errors(t *testing.T) {
	sink := NewNATSSink(&fakeNATS{err: errors.New("no responders")}, "")
	assert.Equal(t, "picpool.market.update", sink.Subject(KindMarketUpdate))

	err := sink.Deliver(context.Background(), Failure(KindPollFailed, "", nil, time.Now()))
	assert.Error(t, err)
}
