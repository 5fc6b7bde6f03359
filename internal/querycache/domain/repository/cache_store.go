package repository

import (
	"time"

	"school-portal/internal/querycache/domain/model"
)

// PolicyProvider resolves the policy of a collection.
type PolicyProvider interface {
	PolicyFor(collection model.Collection) (model.CollectionPolicy, error)
}

// CacheStore holds cached result pages. Every method is atomic with respect
// to the others; readers never observe a partial merge.
type CacheStore interface {
	// Get returns a copy of the entry, without judging freshness.
	Get(id model.QueryID) (*model.CacheEntry, bool)
	// IsFresh reports whether the entry exists and is younger than its policy TTL.
	IsFresh(id model.QueryID) bool
	// Put replaces rows and cursor. It returns false, leaving the entry
	// untouched, when a write issued after issuedAt was already applied.
	Put(id model.QueryID, collection model.Collection, rows []model.Document, cursor *model.Cursor, issuedAt time.Time) bool
	// Append merges rows after the existing ones, replacing rows with known IDs
	// in place. FetchedAt is unchanged. Returns false when there is no entry.
	Append(id model.QueryID, rows []model.Document, cursor *model.Cursor) bool
	// Invalidate removes one entry.
	Invalidate(id model.QueryID)
	// InvalidateCollection removes every entry of a collection.
	InvalidateCollection(collection model.Collection) int
	// InvalidateAll removes every entry.
	InvalidateAll() int
	// Entries lists row-less summaries of all entries.
	Entries() []model.CacheEntryInfo
	// EvictWhere atomically removes the entries the predicate selects.
	EvictWhere(pred func(model.CacheEntryInfo) bool) []model.QueryID
}
