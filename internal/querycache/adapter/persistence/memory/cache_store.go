// Package memory holds the in-process adapters of the query cache.
package memory

import (
	"context"
	"sync"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"

	"github.com/jonboulle/clockwork"
)

// CacheStore is the process-wide map of cached query results.
type CacheStore struct {
	mu       sync.RWMutex
	entries  map[model.QueryID]*model.CacheEntry
	policies repository.PolicyProvider
	clock    clockwork.Clock
	metrics  *telemetry.Instruments
	log      logger.Logger
}

var _ repository.CacheStore = (*CacheStore)(nil)

// CacheStoreOption configures a CacheStore.
type CacheStoreOption func(*CacheStore)

// WithClock replaces the wall clock, typically with a clockwork.FakeClock in tests.
func WithClock(clock clockwork.Clock) CacheStoreOption {
	return func(s *CacheStore) { s.clock = clock }
}

// WithInstruments sets the telemetry instruments.
func WithInstruments(metrics *telemetry.Instruments) CacheStoreOption {
	return func(s *CacheStore) { s.metrics = metrics }
}

// NewCacheStore creates an empty cache.
func NewCacheStore(policies repository.PolicyProvider, log logger.Logger, opts ...CacheStoreOption) *CacheStore {
	if log == nil {
		log = logger.NewNopLogger()
	}
	s := &CacheStore{
		entries:  make(map[model.QueryID]*model.CacheEntry),
		policies: policies,
		clock:    clockwork.NewRealClock(),
		log:      log.WithComponent("cache_store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = telemetry.New()
	}
	return s
}

// Get returns a copy of the entry.
func (s *CacheStore) Get(id model.QueryID) (*model.CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

// IsFresh reports whether the entry is younger than its collection TTL.
func (s *CacheStore) IsFresh(id model.QueryID) bool {
	s.mu.RLock()
	entry, ok := s.entries[id]
	var collection model.Collection
	var fetchedAt time.Time
	if ok {
		collection, fetchedAt = entry.Collection, entry.FetchedAt
	}
	s.mu.RUnlock()

	if !ok {
		return false
	}
	policy, err := s.policies.PolicyFor(collection)
	if err != nil {
		return false
	}
	return s.clock.Since(fetchedAt) < policy.TTL
}

// Put replaces the rows of an entry, creating it if needed.
func (s *CacheStore) Put(id model.QueryID, collection model.Collection, rows []model.Document, cursor *model.Cursor, issuedAt time.Time) bool {
	sortField := s.sortField(collection)
	ordered := model.OrderRows(rows, sortField)
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[id]
	if ok && existing.IssuedAt.After(issuedAt) {
		s.metrics.WriteRejected(context.Background(), string(collection))
		s.log.WithFields(map[string]interface{}{
			"query_id":       string(id),
			"issued_at":      issuedAt,
			"applied_issued": existing.IssuedAt,
			"incoming_rows":  len(ordered),
		}).Debug("Discarding out-of-order cache write")
		return false
	}

	fetchedAt := now
	if ok && existing.FetchedAt.After(now) {
		fetchedAt = existing.FetchedAt
	}
	s.entries[id] = &model.CacheEntry{
		QueryID:    id,
		Collection: collection,
		Rows:       ordered,
		FetchedAt:  fetchedAt,
		IssuedAt:   issuedAt,
		Cursor:     cursor.Clone(),
	}
	return true
}

// Append merges rows into an existing entry. Rows whose ID is already cached
// are replaced with the incoming payload.
func (s *CacheStore) Append(id model.QueryID, rows []model.Document, cursor *model.Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[id]
	if !ok {
		return false
	}

	merged := make([]model.Document, 0, len(existing.Rows)+len(rows))
	merged = append(merged, existing.Rows...)
	merged = append(merged, model.CloneRows(rows)...)
	existing.Rows = model.OrderRows(merged, s.sortField(existing.Collection))
	if cursor != nil {
		existing.Cursor = cursor.Clone()
	}
	return true
}

// Invalidate removes one entry.
func (s *CacheStore) Invalidate(id model.QueryID) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// InvalidateCollection removes every entry of the collection.
func (s *CacheStore) InvalidateCollection(collection model.Collection) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, entry := range s.entries {
		if entry.Collection == collection {
			delete(s.entries, id)
			removed++
		}
	}
	return removed
}

// InvalidateAll empties the cache.
func (s *CacheStore) InvalidateAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := len(s.entries)
	s.entries = make(map[model.QueryID]*model.CacheEntry)
	return removed
}

// Entries lists a summary of every entry.
func (s *CacheStore) Entries() []model.CacheEntryInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.CacheEntryInfo, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry.Info())
	}
	return out
}

// EvictWhere removes, under one lock, every entry pred selects.
func (s *CacheStore) EvictWhere(pred func(model.CacheEntryInfo) bool) []model.QueryID {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []model.QueryID
	for id, entry := range s.entries {
		if pred(entry.Info()) {
			delete(s.entries, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Len returns the number of entries.
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *CacheStore) sortField(collection model.Collection) string {
	policy, err := s.policies.PolicyFor(collection)
	if err != nil {
		return ""
	}
	return policy.SortField
}
