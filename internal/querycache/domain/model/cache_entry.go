package model

import "time"

// CacheEntry is one cached query result.
type CacheEntry struct {
	QueryID    QueryID    `json:"queryId"`
	Collection Collection `json:"collection"`
	// Rows are sorted by the collection sort field with unique IDs.
	Rows []Document `json:"rows"`
	// FetchedAt is the time of the last successful update; it never moves backward.
	FetchedAt time.Time `json:"fetchedAt"`
	// IssuedAt is when the query behind the current rows was issued.
	IssuedAt time.Time `json:"issuedAt"`
	// Cursor points at the last row; nil until a fetch returned rows.
	Cursor *Cursor `json:"cursor,omitempty"`
}

// Clone copies the entry so callers never share the cache's slices.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Rows = CloneRows(e.Rows)
	cp.Cursor = e.Cursor.Clone()
	return &cp
}

// Age returns how long ago the entry was fetched.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.FetchedAt)
}

// Info summarizes the entry without its rows.
func (e *CacheEntry) Info() CacheEntryInfo {
	return CacheEntryInfo{
		QueryID:    e.QueryID,
		Collection: e.Collection,
		RowCount:   len(e.Rows),
		FetchedAt:  e.FetchedAt,
	}
}

// CacheEntryInfo is the row-less view of an entry used by sweeps and diagnostics.
type CacheEntryInfo struct {
	QueryID    QueryID
	Collection Collection
	RowCount   int
	FetchedAt  time.Time
}
