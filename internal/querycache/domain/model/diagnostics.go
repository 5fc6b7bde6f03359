package model

import "time"

// RecordedError is a remote failure kept for diagnostics.
type RecordedError struct {
	QueryID    QueryID    `json:"queryId"`
	Collection Collection `json:"collection"`
	Message    string     `json:"message"`
	// Dropped is true when no error observer was registered to receive it.
	Dropped    bool      `json:"dropped"`
	OccurredAt time.Time `json:"occurredAt"`
}

// CollectionStats aggregates the cache entries of one collection.
type CollectionStats struct {
	Entries  int `json:"entries"`
	RowCount int `json:"rowCount"`
	// AgeMs is the age of the oldest entry in milliseconds.
	AgeMs int64 `json:"ageMs"`
}

// DiagnosticsSnapshot is the read-only operational view of the cache.
type DiagnosticsSnapshot struct {
	EntryCount          int                            `json:"entryCount"`
	PerCollection       map[Collection]CollectionStats `json:"perCollection"`
	ActiveSubscriptions int                            `json:"activeSubscriptions"`
	RecentErrors        []RecordedError                `json:"recentErrors"`
	GeneratedAt         time.Time                      `json:"generatedAt"`
}
