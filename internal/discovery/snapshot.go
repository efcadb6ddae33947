package discovery

import (
	"time"

	"github.com/mat-shur/picpool/internal/domain"
)

// Snapshot is an immutable view of the discovery set. A new snapshot is
// built for every change; summaries in it must not be modified.
type Snapshot struct {
	Cursor    uint64
	Listings  []*domain.ListingSummary // discovery order
	Pending   int                      // resolved listings awaiting a summary
	Abandoned []Failure                // pending listings given up on, oldest first
	UpdatedAt time.Time

	byKey map[string]int
}

func newSnapshot(cursor uint64, listings []*domain.ListingSummary, at time.Time) *Snapshot {
	s := &Snapshot{
		Cursor:    cursor,
		Listings:  listings,
		UpdatedAt: at,
		byKey:     make(map[string]int, len(listings)),
	}
	for i, l := range listings {
		s.byKey[l.Key()] = i
	}
	return s
}

// Len returns the number of listings.
func (s *Snapshot) Len() int { return len(s.Listings) }

// Has reports whether the normalized key is in the set.
func (s *Snapshot) Has(key string) bool {
	_, ok := s.byKey[key]
	return ok
}

// Get returns the listing for a normalized key.
func (s *Snapshot) Get(key string) (*domain.ListingSummary, bool) {
	i, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return s.Listings[i], true
}

// Filter returns the listings matching f in discovery order.
func (s *Snapshot) Filter(f Filter) []*domain.ListingSummary {
	out := make([]*domain.ListingSummary, 0, len(s.Listings))
	for _, l := range s.Listings {
		if f.Match(l) {
			out = append(out, l)
		}
	}
	return out
}

// with returns a new snapshot with replaced summaries swapped in by key
// and added summaries appended.
func (s *Snapshot) with(cursor uint64, replaced, added []*domain.ListingSummary, at time.Time) *Snapshot {
	listings := make([]*domain.ListingSummary, len(s.Listings), len(s.Listings)+len(added))
	copy(listings, s.Listings)
	for _, r := range replaced {
		if i, ok := s.byKey[r.Key()]; ok {
			listings[i] = r
		}
	}
	listings = append(listings, added...)
	if cursor < s.Cursor {
		cursor = s.Cursor
	}
	next := newSnapshot(cursor, listings, at)
	next.Abandoned = s.Abandoned
	return next
}
