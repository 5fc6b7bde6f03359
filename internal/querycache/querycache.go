// Package querycache wires the query cache and real-time sync layer: the
// policy registry, the cache store, live subscriptions, pagination, the
// reaper and diagnostics, plus their HTTP and websocket surfaces.
package querycache

import (
	"context"
	"fmt"
	"sync"

	httpadapter "school-portal/internal/querycache/adapter/http"
	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/config"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/querycache/usecase"
	"school-portal/internal/shared/eventbus"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
)

// Module owns every query cache component and the reaper's lifetime.
type Module struct {
	Config        *config.QueryCacheConfig
	Policies      usecase.PolicyRegistry
	Builder       usecase.QueryBuilder
	Cache         *memory.CacheStore
	Remote        repository.RemoteStore
	Subscriptions usecase.SubscriptionManager
	Pager         usecase.PaginationController
	Queries       usecase.QueryService
	Reaper        *usecase.CacheReaper
	Diag          *usecase.Diagnostics
	Bus           eventbus.EventBusInterface
	Handler       *httpadapter.CacheHandler
	Gateway       *httpadapter.SnapshotGateway
	Logger        logger.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	reaperWG  sync.WaitGroup
	closeOnce sync.Once
}

type moduleOptions struct {
	clock     clockwork.Clock
	sink      repository.ErrorSink
	bus       eventbus.EventBusInterface
	metrics   *telemetry.Instruments
	overrides map[model.Collection]model.CollectionPolicy
	probes    map[string]httpadapter.Pinger
}

// Option customizes NewModule.
type Option func(*moduleOptions)

// WithClock replaces the real clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *moduleOptions) { o.clock = clock }
}

// WithErrorSink persists recorded subscription errors.
func WithErrorSink(sink repository.ErrorSink) Option {
	return func(o *moduleOptions) { o.sink = sink }
}

// WithEventBus shares an existing event bus.
func WithEventBus(bus eventbus.EventBusInterface) Option {
	return func(o *moduleOptions) { o.bus = bus }
}

// WithInstruments replaces the global OpenTelemetry instruments.
func WithInstruments(metrics *telemetry.Instruments) Option {
	return func(o *moduleOptions) { o.metrics = metrics }
}

// WithPolicyOverrides sets collection policy overrides. They take precedence
// over the configured policy file.
func WithPolicyOverrides(overrides map[model.Collection]model.CollectionPolicy) Option {
	return func(o *moduleOptions) { o.overrides = overrides }
}

// WithProbe adds a dependency to the health endpoint.
func WithProbe(name string, probe httpadapter.Pinger) Option {
	return func(o *moduleOptions) { o.probes[name] = probe }
}

// NewModule builds the module on remote. Call Start to run the reaper.
func NewModule(cfg *config.QueryCacheConfig, remote repository.RemoteStore, log logger.Logger, opts ...Option) (*Module, error) {
	if remote == nil {
		return nil, fmt.Errorf("querycache: remote store is required")
	}
	if cfg == nil {
		cfg = config.DefaultQueryCacheConfig()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	log = log.WithComponent("querycache")

	o := &moduleOptions{probes: make(map[string]httpadapter.Pinger)}
	for _, opt := range opts {
		opt(o)
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.metrics == nil {
		o.metrics = telemetry.New()
	}
	if o.bus == nil {
		o.bus = eventbus.NewEventBus(log)
	}

	overrides := o.overrides
	if overrides == nil {
		loaded, err := config.LoadPolicyOverrides(cfg.Cache.PolicyFile)
		if err != nil {
			return nil, err
		}
		overrides = loaded
	}
	policies, err := usecase.NewPolicyRegistry(overrides)
	if err != nil {
		return nil, err
	}
	log.Infof("Loaded policies for %d collections", len(policies.Collections()))

	builder := usecase.NewQueryBuilder(policies)
	cache := memory.NewCacheStore(policies, log, memory.WithClock(o.clock), memory.WithInstruments(o.metrics))
	subs := usecase.NewSubscriptionManager(usecase.SubscriptionDeps{
		Builder: builder,
		Cache:   cache,
		Remote:  remote,
		Bus:     o.bus,
		Clock:   o.clock,
		Metrics: o.metrics,
		Log:     log,
	})
	pager := usecase.NewPaginationController(builder, policies, cache, remote, o.metrics, log)
	queries := usecase.NewQueryService(builder, cache, remote, o.clock, o.metrics, log)
	reaper := usecase.NewCacheReaper(cache, policies, subs, o.bus, cfg.Cache.ReaperInterval, o.clock, o.metrics, log)
	diag := usecase.NewDiagnostics(cache, subs, o.bus, o.sink, cfg.Cache.ErrorBuffer, o.clock, log)

	if pinger, ok := remote.(httpadapter.Pinger); ok {
		if _, set := o.probes["remote_store"]; !set {
			o.probes["remote_store"] = pinger
		}
	}

	return &Module{
		Config:        cfg,
		Policies:      policies,
		Builder:       builder,
		Cache:         cache,
		Remote:        remote,
		Subscriptions: subs,
		Pager:         pager,
		Queries:       queries,
		Reaper:        reaper,
		Diag:          diag,
		Bus:           o.bus,
		Handler:       httpadapter.NewCacheHandler(queries, pager, cache, diag, o.probes, log),
		Gateway:       httpadapter.NewSnapshotGateway(subs, cfg.Realtime.ClientSendChannelBuffer, o.clock, log),
		Logger:        log,
	}, nil
}

// Start runs the reaper until ctx is cancelled or Close is called.
func (m *Module) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.reaperWG.Add(1)
	go func() {
		defer m.reaperWG.Done()
		m.Reaper.Run(runCtx)
	}()
	m.Logger.Info("Query cache started")
}

// Close stops the reaper and cancels every live subscription. The cache
// contents are kept.
func (m *Module) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.reaperWG.Wait()
		m.Subscriptions.Close()
		m.Diag.Close()
		m.Logger.Info("Query cache closed")
	})
}

// RegisterRoutes mounts the REST endpoints and the snapshot websocket.
func (m *Module) RegisterRoutes(router fiber.Router) {
	m.Handler.RegisterRoutes(router)
	m.Gateway.RegisterRoutes(router, m.Config.Realtime.WebSocketPath)
}

// Subscribe opens or joins a live query.
func (m *Module) Subscribe(ctx context.Context, req usecase.SubscribeRequest) (*usecase.Handle, error) {
	return m.Subscriptions.Subscribe(ctx, req)
}

// LoadMore extends the default window of collection by one page.
func (m *Module) LoadMore(ctx context.Context, collection model.Collection) (*usecase.LoadMoreResult, error) {
	return m.Pager.LoadMore(ctx, collection)
}

// Fetch queries the remote store and caches the first page.
func (m *Module) Fetch(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*usecase.FetchResult, error) {
	return m.Queries.Fetch(ctx, collection, filters, limit)
}

// Read serves a fresh cached page or fetches it.
func (m *Module) Read(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*usecase.FetchResult, error) {
	return m.Queries.Read(ctx, collection, filters, limit)
}

// Invalidate drops the entry of one query.
func (m *Module) Invalidate(collection model.Collection, filters model.Filters, limit *int) error {
	spec, err := m.Builder.Build(collection, filters, limit)
	if err != nil {
		return err
	}
	m.Cache.Invalidate(spec.ID())
	return nil
}

// InvalidateCollection drops every entry of collection.
func (m *Module) InvalidateCollection(collection model.Collection) int {
	return m.Cache.InvalidateCollection(collection)
}

// InvalidateAll empties the cache.
func (m *Module) InvalidateAll() int {
	return m.Cache.InvalidateAll()
}

// Diagnostics returns the operational snapshot of the cache.
func (m *Module) Diagnostics(ctx context.Context) model.DiagnosticsSnapshot {
	return m.Diag.Snapshot(ctx)
}
