package usecase

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/eventbus"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"
	"school-portal/internal/shared/utils"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// ErrListenerClosed is reported to error observers when the remote store ends
// a listener that nobody cancelled.
var ErrListenerClosed = errors.New("remote listener closed")

// ErrManagerClosed is returned by Subscribe after Close.
var ErrManagerClosed = errors.New("subscription manager closed")

// SubscribeRequest describes a live query and its callbacks.
type SubscribeRequest struct {
	Collection model.Collection
	// Observer receives the full sorted result set on every snapshot.
	Observer func(rows []model.Document)
	// ErrorObserver receives RemoteQueryFailure errors. Optional.
	ErrorObserver func(err error)
	Filters       model.Filters
	// Limit overrides the collection page size when set.
	Limit *int
}

// Handle is the caller's side of a subscription.
type Handle struct {
	id      string
	queryID model.QueryID
	once    sync.Once
	release func()
}

// ID returns the unique ID of this handle.
func (h *Handle) ID() string { return h.id }

// QueryID returns the identity of the shared subscription.
func (h *Handle) QueryID() model.QueryID { return h.queryID }

// Cancel detaches the observer. Safe to call more than once.
func (h *Handle) Cancel() {
	h.once.Do(h.release)
}

// SubscriptionManager multiplexes live queries: one remote listener per
// distinct query identity, shared by every subscriber of that identity.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, req SubscribeRequest) (*Handle, error)
	// RefCount returns the number of observers sharing an identity.
	RefCount(id model.QueryID) int
	// ActiveCount returns the number of live subscriptions.
	ActiveCount() int
	// Close cancels every subscription and waits for the pumps to exit.
	Close()
}

type observer struct {
	id      string
	onRows  func([]model.Document)
	onError func(error)
	removed atomic.Bool
}

type subscription struct {
	spec      model.QuerySpec
	ctx       context.Context
	cancel    context.CancelFunc
	observers []*observer
	stream    repository.SnapshotStream
}

type subscriptionManagerImpl struct {
	// mu is never held while calling the cache; the reaper takes them in
	// the opposite order.
	mu     sync.Mutex
	subs   map[model.QueryID]*subscription
	closed bool
	wg     sync.WaitGroup

	baseCtx    context.Context
	baseCancel context.CancelFunc

	builder QueryBuilder
	cache   repository.CacheStore
	remote  repository.RemoteStore
	bus     eventbus.EventBusInterface
	clock   clockwork.Clock
	metrics *telemetry.Instruments
	log     logger.Logger
}

// SubscriptionDeps groups the collaborators of a SubscriptionManager.
type SubscriptionDeps struct {
	Builder QueryBuilder
	Cache   repository.CacheStore
	Remote  repository.RemoteStore
	Bus     eventbus.EventBusInterface
	Clock   clockwork.Clock
	Metrics *telemetry.Instruments
	Log     logger.Logger
}

// NewSubscriptionManager creates a SubscriptionManager.
func NewSubscriptionManager(deps SubscriptionDeps) SubscriptionManager {
	if deps.Log == nil {
		deps.Log = logger.NewNopLogger()
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.New()
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.NewEventBus(deps.Log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &subscriptionManagerImpl{
		subs:       make(map[model.QueryID]*subscription),
		baseCtx:    ctx,
		baseCancel: cancel,
		builder:    deps.Builder,
		cache:      deps.Cache,
		remote:     deps.Remote,
		bus:        deps.Bus,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		log:        deps.Log.WithComponent("subscription_manager"),
	}
}

// Subscribe implements SubscriptionManager. It never waits for the remote
// store: the listener is opened by the subscription's pump goroutine.
func (m *subscriptionManagerImpl) Subscribe(ctx context.Context, req SubscribeRequest) (*Handle, error) {
	if req.Observer == nil {
		return nil, sharedErrors.NewInvalidQueryError("observer is required")
	}
	spec, err := m.builder.Build(req.Collection, req.Filters, req.Limit)
	if err != nil {
		return nil, err
	}
	id := spec.ID()

	if !spec.HasFilters() && m.cache.IsFresh(id) {
		if entry, ok := m.cache.Get(id); ok {
			m.metrics.CacheHit(ctx, string(spec.Collection()))
			req.Observer(entry.Rows)
		}
	} else {
		m.metrics.CacheMiss(ctx, string(spec.Collection()))
	}

	obs := &observer{
		id:      uuid.New().String(),
		onRows:  req.Observer,
		onError: req.ErrorObserver,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerClosed
	}
	sub, joined := m.subs[id]
	if !joined {
		subCtx, cancel := context.WithCancel(m.baseCtx)
		subCtx = utils.WithQueryID(subCtx, string(id))
		subCtx = utils.WithCollection(subCtx, string(spec.Collection()))
		sub = &subscription{spec: spec, ctx: subCtx, cancel: cancel}
		m.subs[id] = sub
		m.wg.Add(1)
		go m.pump(sub)
	}
	sub.observers = append(sub.observers, obs)
	refs := len(sub.observers)
	m.mu.Unlock()

	m.log.WithContext(sub.ctx).WithFields(map[string]interface{}{
		"subscription_id": obs.id,
		"joined":          joined,
		"ref_count":       refs,
	}).Debug("Observer subscribed")

	return &Handle{
		id:      obs.id,
		queryID: id,
		release: func() { m.release(sub, obs) },
	}, nil
}

func (m *subscriptionManagerImpl) release(sub *subscription, obs *observer) {
	obs.removed.Store(true)

	m.mu.Lock()
	for i, o := range sub.observers {
		if o == obs {
			sub.observers = append(sub.observers[:i:i], sub.observers[i+1:]...)
			break
		}
	}
	last := len(sub.observers) == 0
	var st repository.SnapshotStream
	if last {
		if m.subs[sub.spec.ID()] == sub {
			delete(m.subs, sub.spec.ID())
		}
		sub.cancel()
		st = sub.stream
	}
	m.mu.Unlock()

	if st != nil {
		if err := st.Close(); err != nil {
			m.log.WithContext(sub.ctx).Warnf("Failed to close remote listener: %v", err)
		}
	}
	m.log.WithContext(sub.ctx).WithFields(map[string]interface{}{
		"subscription_id": obs.id,
		"last":            last,
	}).Debug("Observer cancelled")
}

// retire drops a subscription whose listener failed for good. It leaves the
// registry before the error observers run, so a Subscribe issued from an
// observer opens a new listener instead of joining this one. Observers stay
// registered on the dead subscription so their handles remain cancellable.
func (m *subscriptionManagerImpl) retire(sub *subscription, cause error) {
	m.mu.Lock()
	if m.subs[sub.spec.ID()] == sub {
		delete(m.subs, sub.spec.ID())
	}
	m.mu.Unlock()

	m.deliverError(sub, cause)
	sub.cancel()
}

func (m *subscriptionManagerImpl) pump(sub *subscription) {
	defer m.wg.Done()

	log := m.log.WithContext(sub.ctx)
	collection := string(sub.spec.Collection())
	queryID := string(sub.spec.ID())

	spanCtx, span := m.metrics.StartSpan(sub.ctx, "querycache.listen", collection, queryID)
	st, err := m.remote.Listen(spanCtx, sub.spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		if sub.ctx.Err() != nil {
			return
		}
		log.Errorf("Failed to open remote listener: %v", err)
		m.retire(sub, err)
		return
	}

	m.mu.Lock()
	if sub.ctx.Err() != nil {
		m.mu.Unlock()
		_ = st.Close()
		return
	}
	sub.stream = st
	m.mu.Unlock()
	defer st.Close()

	m.metrics.SubscriptionOpened(sub.ctx, collection)
	defer m.metrics.SubscriptionClosed(context.Background(), collection)
	m.publish(sub.ctx, eventbus.EventTypeSubscriptionOpened, queryID)
	defer m.publish(context.Background(), eventbus.EventTypeSubscriptionClosed, queryID)
	log.Info("Remote listener opened")

	snapshots := st.Snapshots()
	errs := st.Errors()
	for {
		select {
		case <-sub.ctx.Done():
			log.Debug("Remote listener released")
			return
		case snap, ok := <-snapshots:
			if !ok {
				if sub.ctx.Err() != nil {
					return
				}
				cause := m.drainErrors(sub, errs)
				log.Warnf("Remote listener ended by the store: %v", cause)
				m.retire(sub, cause)
				return
			}
			m.applySnapshot(sub, snap)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if sub.ctx.Err() != nil {
				return
			}
			m.deliverError(sub, err)
		}
	}
}

// drainErrors delivers errors the store reported before ending the stream and
// returns the last one as the terminal cause, or ErrListenerClosed if none.
func (m *subscriptionManagerImpl) drainErrors(sub *subscription, errs <-chan error) error {
	var pending []error
	for errs != nil {
		select {
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				pending = append(pending, err)
			}
		default:
			errs = nil
		}
	}
	if len(pending) == 0 {
		return ErrListenerClosed
	}
	for _, err := range pending[:len(pending)-1] {
		m.deliverError(sub, err)
	}
	return pending[len(pending)-1]
}

func (m *subscriptionManagerImpl) applySnapshot(sub *subscription, snap model.Snapshot) {
	spec := sub.spec
	rows := model.OrderRows(snap.Rows, spec.SortField())
	event := model.SnapshotEvent{
		QueryID:    spec.ID(),
		Collection: spec.Collection(),
		RowCount:   len(rows),
		IssuedAt:   snap.IssuedAt,
	}

	if !m.cache.Put(spec.ID(), spec.Collection(), rows, model.LastCursor(rows, spec.SortField()), snap.IssuedAt) {
		m.log.WithContext(sub.ctx).WithFields(map[string]interface{}{
			"issued_at": snap.IssuedAt,
			"rows":      len(rows),
		}).Warn("Discarded snapshot issued before the applied one")
		m.publish(sub.ctx, eventbus.EventTypeSnapshotRejected, event)
		return
	}
	m.publish(sub.ctx, eventbus.EventTypeSnapshotApplied, event)

	for _, obs := range m.observersOf(sub) {
		if obs.removed.Load() {
			continue
		}
		m.safeCall(sub, func() { obs.onRows(model.CloneRows(rows)) })
	}
}

func (m *subscriptionManagerImpl) deliverError(sub *subscription, cause error) {
	spec := sub.spec
	err := sharedErrors.NewRemoteQueryError(string(spec.ID()), cause)
	m.metrics.RemoteError(sub.ctx, string(spec.Collection()))

	delivered := 0
	for _, obs := range m.observersOf(sub) {
		if obs.onError == nil || obs.removed.Load() {
			continue
		}
		delivered++
		m.safeCall(sub, func() { obs.onError(err) })
	}

	rec := model.RecordedError{
		QueryID:    spec.ID(),
		Collection: spec.Collection(),
		Message:    err.Error(),
		Dropped:    delivered == 0,
		OccurredAt: m.clock.Now(),
	}
	if rec.Dropped {
		m.log.WithContext(sub.ctx).Warnf("Remote error with no error observer: %v", cause)
	}
	m.publish(sub.ctx, eventbus.EventTypeRemoteError, rec)
}

func (m *subscriptionManagerImpl) observersOf(sub *subscription) []*observer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*observer, len(sub.observers))
	copy(out, sub.observers)
	return out
}

// safeCall keeps one misbehaving observer from killing the pump.
func (m *subscriptionManagerImpl) safeCall(sub *subscription, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithContext(sub.ctx).Errorf("Observer panicked: %v", r)
		}
	}()
	fn()
}

func (m *subscriptionManagerImpl) publish(ctx context.Context, eventType string, data interface{}) {
	if err := m.bus.Publish(ctx, eventbus.NewBasicEventWithSource(eventType, data, "subscription_manager")); err != nil {
		m.log.WithContext(ctx).Warnf("Failed to publish %s: %v", eventType, err)
	}
}

func (m *subscriptionManagerImpl) RefCount(id model.QueryID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[id]; ok {
		return len(sub.observers)
	}
	return 0
}

func (m *subscriptionManagerImpl) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *subscriptionManagerImpl) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[model.QueryID]*subscription)
	m.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
	}
	m.baseCancel()
	m.wg.Wait()
	m.log.Infof("Closed %d subscriptions", len(subs))
}
