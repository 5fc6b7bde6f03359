// Package stream implements repository.SnapshotStream for remote store adapters.
package stream

import (
	"sync"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
)

const errorBuffer = 8

// Stream is a coalescing snapshot stream: a producer that outpaces the
// consumer replaces the pending snapshot, so the consumer always reads the
// latest complete result set and never an older one after a newer one.
type Stream struct {
	mu        sync.Mutex
	snapshots chan model.Snapshot
	errs      chan error
	done      chan struct{}
	finished  bool
	closeOnce sync.Once
	onClose   func()
}

// New creates a stream. onClose, if set, runs once when the consumer closes it.
func New(onClose func()) *Stream {
	return &Stream{
		snapshots: make(chan model.Snapshot, 1),
		errs:      make(chan error, errorBuffer),
		done:      make(chan struct{}),
		onClose:   onClose,
	}
}

var _ repository.SnapshotStream = (*Stream)(nil)

// Snapshots implements repository.SnapshotStream.
func (s *Stream) Snapshots() <-chan model.Snapshot { return s.snapshots }

// Errors implements repository.SnapshotStream.
func (s *Stream) Errors() <-chan error { return s.errs }

// Done is closed once the consumer closed the stream.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Offer publishes a snapshot without blocking. Returns false once the stream
// is closed or finished.
func (s *Stream) Offer(snap model.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.isClosed() {
		return false
	}
	select {
	case s.snapshots <- snap:
		return true
	default:
	}
	// consumer is behind: drop the pending snapshot in favor of this one
	select {
	case <-s.snapshots:
	default:
	}
	s.snapshots <- snap
	return true
}

// Fail publishes a transient error. When the consumer is far behind the
// error is dropped and false is returned.
func (s *Stream) Fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished || s.isClosed() {
		return false
	}
	select {
	case s.errs <- err:
		return true
	default:
		return false
	}
}

// Finish ends the stream from the producer side; the snapshot channel is
// closed after any pending snapshot is read.
func (s *Stream) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finished {
		return
	}
	s.finished = true
	close(s.snapshots)
}

// Close implements repository.SnapshotStream.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}

func (s *Stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
