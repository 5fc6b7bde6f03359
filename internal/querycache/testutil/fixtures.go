// Package testutil provides fixtures and a scripted remote store for query
// cache tests.
package testutil

import (
	"context"
	"sync"
	"time"

	"school-portal/internal/querycache/adapter/stream"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"

	"github.com/jonboulle/clockwork"
)

// Epoch is the start time of every fake clock in tests.
var Epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

// NewClock returns a fake clock at Epoch.
func NewClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}

// StudentPolicy is the students policy used by scenario tests.
func StudentPolicy() model.CollectionPolicy {
	return model.CollectionPolicy{PageSize: 2, SortField: "name", TTL: 5 * time.Second}
}

// Student builds a students document.
func Student(id, name string) model.Document {
	return model.Document{ID: id, Data: map[string]interface{}{"name": name}}
}

// Ann, Bob and Cara in sort order.
func Students() []model.Document {
	return []model.Document{
		Student("s1", "Ann"),
		Student("s2", "Bob"),
		Student("s3", "Cara"),
	}
}

// IDs lists the document IDs of rows.
func IDs(rows []model.Document) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID
	}
	return out
}

// Listener is one stream opened on a ScriptedRemote.
type Listener struct {
	Spec   model.QuerySpec
	Stream *stream.Stream
}

// Push offers a snapshot on the listener.
func (l *Listener) Push(rows []model.Document, issuedAt time.Time) bool {
	return l.Stream.Offer(model.Snapshot{Rows: rows, IssuedAt: issuedAt})
}

// Closed reports whether the consumer closed the listener.
func (l *Listener) Closed() bool {
	select {
	case <-l.Stream.Done():
		return true
	default:
		return false
	}
}

// ScriptedRemote is a repository.RemoteStore whose answers are set by the test.
type ScriptedRemote struct {
	mu        sync.Mutex
	queryFn   func(spec model.QuerySpec) ([]model.Document, error)
	listenErr error
	queries   []model.QuerySpec
	listeners []*Listener
	opened    chan *Listener
	release   chan struct{}
}

var _ repository.RemoteStore = (*ScriptedRemote)(nil)

// NewScriptedRemote creates a remote with no data.
func NewScriptedRemote() *ScriptedRemote {
	return &ScriptedRemote{opened: make(chan *Listener, 16)}
}

// OnQuery sets the answer of Query.
func (r *ScriptedRemote) OnQuery(fn func(spec model.QuerySpec) ([]model.Document, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queryFn = fn
}

// FailListen makes Listen return err.
func (r *ScriptedRemote) FailListen(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listenErr = err
}

// BlockQueries makes Query wait until the returned function is called.
func (r *ScriptedRemote) BlockQueries() (unblock func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan struct{})
	r.release = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Query implements repository.RemoteStore.
func (r *ScriptedRemote) Query(ctx context.Context, spec model.QuerySpec) ([]model.Document, error) {
	r.mu.Lock()
	r.queries = append(r.queries, spec)
	fn := r.queryFn
	release := r.release
	r.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fn == nil {
		return nil, nil
	}
	return fn(spec)
}

// Listen implements repository.RemoteStore.
func (r *ScriptedRemote) Listen(ctx context.Context, spec model.QuerySpec) (repository.SnapshotStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listenErr != nil {
		return nil, r.listenErr
	}
	l := &Listener{Spec: spec, Stream: stream.New(nil)}
	r.listeners = append(r.listeners, l)
	r.opened <- l
	return l.Stream, nil
}

// NextListener waits for the next Listen call.
func (r *ScriptedRemote) NextListener(timeout time.Duration) *Listener {
	select {
	case l := <-r.opened:
		return l
	case <-time.After(timeout):
		return nil
	}
}

// ListenCount returns the number of Listen calls that succeeded.
func (r *ScriptedRemote) ListenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Queries returns the specs passed to Query.
func (r *ScriptedRemote) Queries() []model.QuerySpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.QuerySpec, len(r.queries))
	copy(out, r.queries)
	return out
}

// PageOf answers a query from docs the way an ordered range store would.
func PageOf(docs []model.Document) func(spec model.QuerySpec) ([]model.Document, error) {
	return func(spec model.QuerySpec) ([]model.Document, error) {
		ordered := model.OrderRows(docs, spec.SortField())
		cursor := spec.StartAfter()
		out := make([]model.Document, 0, spec.Limit())
		for _, d := range ordered {
			if !cursor.Before(d, spec.SortField()) {
				continue
			}
			if len(out) == spec.Limit() {
				break
			}
			out = append(out, d)
		}
		return out, nil
	}
}
