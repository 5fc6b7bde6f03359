package usecase

import (
	"context"
	"sync"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/eventbus"
	"school-portal/internal/shared/logger"

	"github.com/jonboulle/clockwork"
)

// DefaultErrorBuffer is the number of recorded errors kept in memory.
const DefaultErrorBuffer = 50

const sinkTimeout = 2 * time.Second

// SubscriptionCounter reports how many live subscriptions exist.
type SubscriptionCounter interface {
	ActiveCount() int
}

// Diagnostics builds the read-only operational view of the cache and keeps
// the recent remote errors.
type Diagnostics struct {
	cache repository.CacheStore
	subs  SubscriptionCounter
	sink  repository.ErrorSink
	clock clockwork.Clock
	log   logger.Logger

	mu         sync.Mutex
	ring       []model.RecordedError
	next       int
	filled     bool
	sinkQueue  chan model.RecordedError
	sinkClosed bool
	sinkDone   chan struct{}
	closeOnce  sync.Once
}

// NewDiagnostics creates the recorder and subscribes it to remote error
// events on bus. sink is optional; when set, recorded errors are written to it
// by a background writer until Close.
func NewDiagnostics(
	cache repository.CacheStore,
	subs SubscriptionCounter,
	bus eventbus.EventBusInterface,
	sink repository.ErrorSink,
	bufferSize int,
	clock clockwork.Clock,
	log logger.Logger,
) *Diagnostics {
	if bufferSize <= 0 {
		bufferSize = DefaultErrorBuffer
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	d := &Diagnostics{
		cache: cache,
		subs:  subs,
		sink:  sink,
		clock: clock,
		log:   log.WithComponent("diagnostics"),
		ring:  make([]model.RecordedError, bufferSize),
	}
	if sink != nil {
		d.sinkQueue = make(chan model.RecordedError, bufferSize)
		d.sinkDone = make(chan struct{})
		go d.writeSink()
	}
	if bus != nil {
		bus.Subscribe(eventbus.EventTypeRemoteError, d.handleRemoteError)
	}
	return d
}

func (d *Diagnostics) handleRemoteError(ctx context.Context, event eventbus.Event) error {
	rec, ok := event.Data().(model.RecordedError)
	if !ok {
		d.log.Warnf("Unexpected payload %T for %s", event.Data(), event.Type())
		return nil
	}
	d.Record(ctx, rec)
	return nil
}

// Record keeps rec in the ring buffer and queues it for the sink without
// waiting on it. When the sink falls behind by a full buffer the record is
// kept in memory only.
func (d *Diagnostics) Record(ctx context.Context, rec model.RecordedError) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.ring[d.next] = rec
	d.next = (d.next + 1) % len(d.ring)
	if d.next == 0 {
		d.filled = true
	}

	if d.sinkQueue == nil || d.sinkClosed {
		return
	}
	select {
	case d.sinkQueue <- rec:
	default:
		d.log.WithContext(ctx).Warnf("Error sink backlog full, %s kept in memory only", rec.QueryID)
	}
}

func (d *Diagnostics) writeSink() {
	defer close(d.sinkDone)
	for rec := range d.sinkQueue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		if err := d.sink.Record(ctx, rec); err != nil {
			d.log.WithFields(map[string]interface{}{
				"query_id":   string(rec.QueryID),
				"collection": string(rec.Collection),
			}).Warnf("Failed to persist recorded error: %v", err)
		}
		cancel()
	}
}

// Close stops accepting sink writes and waits for queued ones to finish.
func (d *Diagnostics) Close() {
	d.closeOnce.Do(func() {
		if d.sinkQueue == nil {
			return
		}
		d.mu.Lock()
		d.sinkClosed = true
		close(d.sinkQueue)
		d.mu.Unlock()
		<-d.sinkDone
	})
}

// RecentErrors returns the buffered errors, oldest first.
func (d *Diagnostics) RecentErrors() []model.RecordedError {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.filled {
		out := make([]model.RecordedError, d.next)
		copy(out, d.ring[:d.next])
		return out
	}
	out := make([]model.RecordedError, 0, len(d.ring))
	out = append(out, d.ring[d.next:]...)
	out = append(out, d.ring[:d.next]...)
	return out
}

// Snapshot reports entry counts, per-collection row counts and the age of the
// oldest entry of each collection. Recent errors come from the sink when one
// is configured and reachable, else from memory.
func (d *Diagnostics) Snapshot(ctx context.Context) model.DiagnosticsSnapshot {
	now := d.clock.Now()
	entries := d.cache.Entries()

	perCollection := make(map[model.Collection]model.CollectionStats)
	for _, info := range entries {
		stats := perCollection[info.Collection]
		stats.Entries++
		stats.RowCount += info.RowCount
		if age := now.Sub(info.FetchedAt).Milliseconds(); age > stats.AgeMs {
			stats.AgeMs = age
		}
		perCollection[info.Collection] = stats
	}

	snap := model.DiagnosticsSnapshot{
		EntryCount:    len(entries),
		PerCollection: perCollection,
		RecentErrors:  d.recentFromSink(ctx),
		GeneratedAt:   now,
	}
	if d.subs != nil {
		snap.ActiveSubscriptions = d.subs.ActiveCount()
	}
	return snap
}

func (d *Diagnostics) recentFromSink(ctx context.Context) []model.RecordedError {
	if d.sink == nil {
		return d.RecentErrors()
	}
	recent, err := d.sink.Recent(ctx, len(d.ring))
	if err != nil {
		d.log.WithContext(ctx).Warnf("Failed to read recorded errors from sink, using memory: %v", err)
		return d.RecentErrors()
	}
	return recent
}
