package memory

import (
	"context"
	"sync"

	"school-portal/internal/querycache/adapter/stream"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"

	"github.com/jonboulle/clockwork"
)

// DocumentStore is an in-process RemoteStore. It backs the memory driver and
// gives tests a store whose listeners react to writes.
type DocumentStore struct {
	mu          sync.RWMutex
	collections map[model.Collection]map[string]model.Document
	listeners   map[uint64]*listener
	nextID      uint64

	matcher *FilterMatcher
	clock   clockwork.Clock
	log     logger.Logger
}

type listener struct {
	spec   model.QuerySpec
	stream *stream.Stream
}

var _ repository.RemoteStore = (*DocumentStore)(nil)

// NewDocumentStore creates an empty store.
func NewDocumentStore(clock clockwork.Clock, log logger.Logger) (*DocumentStore, error) {
	matcher, err := NewFilterMatcher()
	if err != nil {
		return nil, err
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &DocumentStore{
		collections: make(map[model.Collection]map[string]model.Document),
		listeners:   make(map[uint64]*listener),
		matcher:     matcher,
		clock:       clock,
		log:         log.WithComponent("memory_document_store"),
	}, nil
}

// Set creates or replaces a document and notifies listeners of its collection.
func (s *DocumentStore) Set(collection model.Collection, doc model.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[collection]
	if !ok {
		docs = make(map[string]model.Document)
		s.collections[collection] = docs
	}
	docs[doc.ID] = doc
	s.notifyLocked(collection)
}

// Delete removes a document. It returns false when the document did not exist.
func (s *DocumentStore) Delete(collection model.Collection, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[collection]
	if _, ok := docs[id]; !ok {
		return false
	}
	delete(docs, id)
	s.notifyLocked(collection)
	return true
}

// Query implements repository.RemoteStore.
func (s *DocumentStore) Query(ctx context.Context, spec model.QuerySpec) ([]model.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryLocked(spec), nil
}

// Listen implements repository.RemoteStore. The first snapshot is the current
// result set; every later write to the collection pushes a new one.
func (s *DocumentStore) Listen(ctx context.Context, spec model.QuerySpec) (repository.SnapshotStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	st := stream.New(func() { s.removeListener(id) })
	s.listeners[id] = &listener{spec: spec, stream: st}
	st.Offer(model.Snapshot{Rows: s.queryLocked(spec), IssuedAt: s.clock.Now()})
	s.mu.Unlock()

	s.log.Debugf("Listener %d opened for %s", id, spec.ID())

	go func() {
		select {
		case <-ctx.Done():
			s.removeListener(id)
			st.Finish()
		case <-st.Done():
		}
	}()
	return st, nil
}

// ListenerCount returns the number of open listeners.
func (s *DocumentStore) ListenerCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.listeners)
}

func (s *DocumentStore) removeListener(id uint64) {
	s.mu.Lock()
	_, ok := s.listeners[id]
	delete(s.listeners, id)
	s.mu.Unlock()
	if ok {
		s.log.Debugf("Listener %d closed", id)
	}
}

func (s *DocumentStore) notifyLocked(collection model.Collection) {
	now := s.clock.Now()
	for _, l := range s.listeners {
		if l.spec.Collection() != collection {
			continue
		}
		l.stream.Offer(model.Snapshot{Rows: s.queryLocked(l.spec), IssuedAt: now})
	}
}

func (s *DocumentStore) queryLocked(spec model.QuerySpec) []model.Document {
	filters := spec.Filters()
	cursor := spec.StartAfter()

	matched := make([]model.Document, 0)
	for _, doc := range s.collections[spec.Collection()] {
		if !s.matcher.Matches(doc, filters) {
			continue
		}
		if !cursor.Before(doc, spec.SortField()) {
			continue
		}
		matched = append(matched, doc)
	}
	matched = model.OrderRows(matched, spec.SortField())
	if spec.Limit() > 0 && len(matched) > spec.Limit() {
		matched = matched[:spec.Limit()]
	}
	return matched
}
