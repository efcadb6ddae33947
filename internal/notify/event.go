// Package notify carries engine events to log, websocket and NATS sinks.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/mat-shur/picpool/internal/domain"
)

// Kind names an event type. Kinds double as NATS subject suffixes.
type Kind string

const (
	KindNewListing       Kind = "listing.new"
	KindPollFailed       Kind = "discovery.poll_failed"
	KindListingAbandoned Kind = "discovery.listing_abandoned"
	KindRefreshFailed    Kind = "market.refresh_failed"
	KindMarketUpdate     Kind = "market.update"
)

// Listing is the wire form of a listing summary.
type Listing struct {
	Address   string  `json:"address"`
	Index     uint64  `json:"index"`
	Name      string  `json:"name"`
	Symbol    string  `json:"symbol"`
	MaxSupply uint64  `json:"maxSupply"`
	Minted    uint64  `json:"minted"`
	Burned    uint64  `json:"burned"`
	PriceWei  string  `json:"priceWei"`
	Progress  float64 `json:"progress"`
}

// Market is the wire form of an accepted per-listing state.
type Market struct {
	PriceWei  string  `json:"priceWei"`
	Minted    uint64  `json:"minted"`
	Burned    uint64  `json:"burned"`
	Closed    bool    `json:"closed"`
	Progress  float64 `json:"progress"`
	Direction string  `json:"direction"`
}

// Event is one notification. Events are fire-and-forget.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Address string    `json:"address,omitempty"` // normalized listing key
	Listing *Listing  `json:"listing,omitempty"`
	Market  *Market   `json:"market,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// NewListing builds a KindNewListing event.
func NewListing(l *domain.ListingSummary, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    KindNewListing,
		At:      at,
		Address: l.Key(),
		Listing: ListingPayload(l),
	}
}

// MarketUpdate builds a KindMarketUpdate event.
func MarketUpdate(address string, m *Market, at time.Time) Event {
	return Event{
		ID:      uuid.NewString(),
		Kind:    KindMarketUpdate,
		At:      at,
		Address: address,
		Market:  m,
	}
}

// Failure builds a failure event of kind for an optional listing key.
func Failure(kind Kind, address string, err error, at time.Time) Event {
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		At:      at,
		Address: address,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// ListingPayload converts a summary to its wire form.
func ListingPayload(l *domain.ListingSummary) *Listing {
	p := &Listing{
		Address:   l.Key(),
		Index:     l.Index,
		Name:      l.Name,
		Symbol:    l.Symbol,
		MaxSupply: l.MaxSupply,
		Minted:    l.Minted,
		Burned:    l.Burned,
		PriceWei:  "0",
		Progress:  l.ProgressPct(),
	}
	if l.CurrentPrice != nil {
		p.PriceWei = l.CurrentPrice.String()
	}
	return p
}
