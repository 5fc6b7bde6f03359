package model

import "time"

// Snapshot is the complete current result set of a live query, never a delta.
type Snapshot struct {
	Rows []Document `json:"rows"`
	// IssuedAt is when the remote query producing Rows was issued.
	IssuedAt time.Time `json:"issuedAt"`
}

// SnapshotEvent describes a live snapshot written to (or rejected by) the cache.
type SnapshotEvent struct {
	QueryID    QueryID    `json:"queryId"`
	Collection Collection `json:"collection"`
	RowCount   int        `json:"rowCount"`
	IssuedAt   time.Time  `json:"issuedAt"`
}

// EvictionEvent lists the entries removed by one reaper sweep.
type EvictionEvent struct {
	QueryIDs []QueryID `json:"queryIds"`
	SweptAt  time.Time `json:"sweptAt"`
}
