package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	"school-portal/internal/shared/eventbus"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const waitFor = time.Second

type harness struct {
	clock    *clockwork.FakeClock
	registry PolicyRegistry
	builder  QueryBuilder
	cache    *memory.CacheStore
	remote   *testutil.ScriptedRemote
	bus      *eventbus.EventBus
	subs     SubscriptionManager
	pager    PaginationController
	queries  QueryService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{clock: testutil.NewClock(), remote: testutil.NewScriptedRemote()}

	registry, err := NewPolicyRegistry(map[model.Collection]model.CollectionPolicy{
		model.CollectionStudents: testutil.StudentPolicy(),
	})
	require.NoError(t, err)
	h.registry = registry
	h.builder = NewQueryBuilder(registry)
	h.cache = memory.NewCacheStore(registry, nil, memory.WithClock(h.clock))
	h.bus = eventbus.NewEventBus(nil)
	h.subs = NewSubscriptionManager(SubscriptionDeps{
		Builder: h.builder,
		Cache:   h.cache,
		Remote:  h.remote,
		Bus:     h.bus,
		Clock:   h.clock,
	})
	h.pager = NewPaginationController(h.builder, registry, h.cache, h.remote, nil, nil)
	h.queries = NewQueryService(h.builder, h.cache, h.remote, h.clock, nil, nil)
	t.Cleanup(h.subs.Close)
	return h
}

func (h *harness) defaultID(t *testing.T, collection model.Collection) model.QueryID {
	t.Helper()
	spec, err := h.builder.Default(collection)
	require.NoError(t, err)
	return spec.ID()
}

func (h *harness) listener(t *testing.T) *testutil.Listener {
	t.Helper()
	l := h.remote.NextListener(waitFor)
	require.NotNil(t, l, "expected a remote listener to open")
	return l
}

// signal returns a channel that receives every event of eventType.
func (h *harness) signal(eventType string) <-chan eventbus.Event {
	ch := make(chan eventbus.Event, 16)
	h.bus.Subscribe(eventType, func(_ context.Context, event eventbus.Event) error {
		ch <- event
		return nil
	})
	return ch
}

// recorder collects observer calls from the pump goroutine.
type recorder struct {
	mu     sync.Mutex
	rows   [][]model.Document
	errs   []error
	labels []string
}

func (r *recorder) observer(label string) func([]model.Document) {
	return func(rows []model.Document) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.rows = append(r.rows, rows)
		r.labels = append(r.labels, label)
	}
}

func (r *recorder) errorObserver(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

func (r *recorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *recorder) last() []model.Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.rows) == 0 {
		return nil
	}
	return r.rows[len(r.rows)-1]
}

func (r *recorder) order() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.labels))
	copy(out, r.labels)
	return out
}

func (r *recorder) firstError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[0]
}
