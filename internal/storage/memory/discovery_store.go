package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/mat-shur/picpool/internal/domain"
	"github.com/mat-shur/picpool/internal/storage"
)

// DiscoveryStore is an in-memory implementation of storage.DiscoveryStore.
type DiscoveryStore struct {
	mu       sync.RWMutex
	cursor   *uint64
	listings map[string]*domain.ListingSummary
	pending  map[string]storage.PendingListing
}

// Compile-time interface check.
var _ storage.DiscoveryStore = (*DiscoveryStore)(nil)

// NewDiscoveryStore creates a new in-memory discovery store.
func NewDiscoveryStore() *DiscoveryStore {
	return &DiscoveryStore{
		listings: make(map[string]*domain.ListingSummary),
		pending:  make(map[string]storage.PendingListing),
	}
}

// LoadCursor returns the saved cursor.
func (s *DiscoveryStore) LoadCursor(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.cursor == nil {
		return 0, storage.ErrNotFound
	}
	return *s.cursor, nil
}

// SaveCursor stores the cursor unless it would move backwards.
func (s *DiscoveryStore) SaveCursor(_ context.Context, cursor uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cursor != nil && cursor < *s.cursor {
		return nil
	}
	s.cursor = &cursor
	return nil
}

// UpsertListings inserts or replaces listings by normalized address.
func (s *DiscoveryStore) UpsertListings(_ context.Context, listings []*domain.ListingSummary) error {
	for _, l := range listings {
		if l == nil {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range listings {
		s.listings[l.Key()] = l.Clone()
	}
	return nil
}

// LoadListings returns all listings ordered by index.
func (s *DiscoveryStore) LoadListings(_ context.Context) ([]*domain.ListingSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.ListingSummary, 0, len(s.listings))
	for _, l := range s.listings {
		result = append(result, l.Clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}

// AddPending records pending listings.
func (s *DiscoveryStore) AddPending(_ context.Context, pending []storage.PendingListing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range pending {
		key := domain.AddressKey(p.Address)
		if _, ok := s.pending[key]; !ok {
			s.pending[key] = p
		}
	}
	return nil
}

// RemovePending drops pending entries.
func (s *DiscoveryStore) RemovePending(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, k := range keys {
		delete(s.pending, k)
	}
	return nil
}

// LoadPending returns the pending set ordered by index.
func (s *DiscoveryStore) LoadPending(_ context.Context) ([]storage.PendingListing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]storage.PendingListing, 0, len(s.pending))
	for _, p := range s.pending {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Index < result[j].Index })
	return result, nil
}
