package repository

import (
	"context"

	"school-portal/internal/querycache/domain/model"
)

// RemoteStore is the hosted document store the cache reads from.
type RemoteStore interface {
	// Query runs a one-shot ordered range query. Rows come back sorted by the
	// spec's sort field, bounded by its limit, starting after its cursor if set.
	Query(ctx context.Context, spec model.QuerySpec) ([]model.Document, error)

	// Listen opens a change subscription for the spec's live window (the first
	// Limit rows matching the filters). The stream pushes the complete result
	// set on every change. Cancelling ctx or calling Close tears it down.
	Listen(ctx context.Context, spec model.QuerySpec) (SnapshotStream, error)
}

// SnapshotStream is a cancellable push stream of snapshots with a paired error channel.
type SnapshotStream interface {
	// Snapshots is closed when the remote side ends the stream.
	Snapshots() <-chan model.Snapshot
	// Errors carries transient failures; the stream stays open after one.
	Errors() <-chan error
	// Close releases the listener. Safe to call more than once.
	Close() error
}
