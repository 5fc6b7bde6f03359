package usecase

import (
	"context"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/eventbus"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"

	"github.com/jonboulle/clockwork"
)

// DefaultReaperInterval is used when no interval is configured.
const DefaultReaperInterval = 30 * time.Second

// ActiveQuerySource reports how many observers hold an identity. The reaper
// calls it while holding the cache lock, so it must not call into the cache.
type ActiveQuerySource interface {
	RefCount(id model.QueryID) int
}

// CacheReaper periodically evicts expired entries nobody is subscribed to.
type CacheReaper struct {
	cache    repository.CacheStore
	policies repository.PolicyProvider
	active   ActiveQuerySource
	bus      eventbus.EventBusInterface
	interval time.Duration
	clock    clockwork.Clock
	metrics  *telemetry.Instruments
	log      logger.Logger
}

// NewCacheReaper creates a reaper. bus and metrics may be nil.
func NewCacheReaper(
	cache repository.CacheStore,
	policies repository.PolicyProvider,
	active ActiveQuerySource,
	bus eventbus.EventBusInterface,
	interval time.Duration,
	clock clockwork.Clock,
	metrics *telemetry.Instruments,
	log logger.Logger,
) *CacheReaper {
	if interval <= 0 {
		interval = DefaultReaperInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &CacheReaper{
		cache:    cache,
		policies: policies,
		active:   active,
		bus:      bus,
		interval: interval,
		clock:    clock,
		metrics:  metrics,
		log:      log.WithComponent("cache_reaper"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *CacheReaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Infof("Cache reaper started with interval %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Cache reaper stopped")
			return
		case <-ticker.Chan():
			r.Sweep(ctx)
		}
	}
}

// Sweep evicts, in one atomic pass over the cache, every entry older than its
// collection TTL that has no active subscription. Subscriptions are checked
// per expired entry inside the pass, so one registered before its entry is
// examined keeps it.
func (r *CacheReaper) Sweep(ctx context.Context) []model.QueryID {
	now := r.clock.Now()

	evicted := r.cache.EvictWhere(func(info model.CacheEntryInfo) bool {
		if policy, err := r.policies.PolicyFor(info.Collection); err == nil && now.Sub(info.FetchedAt) <= policy.TTL {
			return false
		}
		return r.active.RefCount(info.QueryID) == 0
	})
	if len(evicted) == 0 {
		return nil
	}

	r.metrics.Evicted(ctx, len(evicted))
	r.log.Debugf("Evicted %d expired cache entries", len(evicted))
	if r.bus != nil {
		event := model.EvictionEvent{QueryIDs: evicted, SweptAt: now}
		if err := r.bus.Publish(ctx, eventbus.NewBasicEventWithSource(eventbus.EventTypeEntriesEvicted, event, "cache_reaper")); err != nil {
			r.log.Warnf("Failed to publish eviction event: %v", err)
		}
	}
	return evicted
}
