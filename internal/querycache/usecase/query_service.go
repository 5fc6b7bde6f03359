package usecase

import (
	"context"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"

	"github.com/jonboulle/clockwork"
)

// FetchResult is the rows of a query together with where they came from.
type FetchResult struct {
	QueryID   model.QueryID    `json:"queryId"`
	Rows      []model.Document `json:"rows"`
	FetchedAt time.Time        `json:"fetchedAt"`
	// FromCache is true when the rows were served without a remote query.
	FromCache bool `json:"fromCache"`
	// Stale is true when the remote query failed and an expired entry was served.
	Stale bool `json:"stale"`
}

// QueryService runs one-shot queries through the cache.
type QueryService interface {
	// Fetch always queries the remote store and stores the first page.
	Fetch(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*FetchResult, error)
	// Read serves a fresh entry, else fetches; when the fetch fails an existing
	// stale entry is served instead of the error.
	Read(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*FetchResult, error)
	// Query passes a ranged query straight to the remote store without caching.
	Query(ctx context.Context, collection model.Collection, req model.QueryRequest) ([]model.Document, error)
}

type queryServiceImpl struct {
	builder QueryBuilder
	cache   repository.CacheStore
	remote  repository.RemoteStore
	clock   clockwork.Clock
	metrics *telemetry.Instruments
	log     logger.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(
	builder QueryBuilder,
	cache repository.CacheStore,
	remote repository.RemoteStore,
	clock clockwork.Clock,
	metrics *telemetry.Instruments,
	log logger.Logger,
) QueryService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &queryServiceImpl{
		builder: builder,
		cache:   cache,
		remote:  remote,
		clock:   clock,
		metrics: metrics,
		log:     log.WithComponent("query_service"),
	}
}

func (s *queryServiceImpl) Fetch(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*FetchResult, error) {
	spec, err := s.builder.Build(collection, filters, limit)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, spec)
}

func (s *queryServiceImpl) fetch(ctx context.Context, spec model.QuerySpec) (*FetchResult, error) {
	issuedAt := s.clock.Now()
	ctx, span := s.metrics.StartSpan(ctx, "querycache.fetch", string(spec.Collection()), string(spec.ID()))
	rows, err := s.remote.Query(ctx, spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		s.metrics.RemoteError(ctx, string(spec.Collection()))
		return nil, sharedErrors.NewRemoteQueryError(string(spec.ID()), err)
	}

	rows = model.OrderRows(rows, spec.SortField())
	if !s.cache.Put(spec.ID(), spec.Collection(), rows, model.LastCursor(rows, spec.SortField()), issuedAt) {
		// a live snapshot issued after this query already landed; it wins
		if entry, ok := s.cache.Get(spec.ID()); ok {
			s.log.WithContext(ctx).Debugf("Fetch for %s superseded by a newer snapshot", spec.ID())
			return &FetchResult{QueryID: spec.ID(), Rows: entry.Rows, FetchedAt: entry.FetchedAt}, nil
		}
	}
	entry, ok := s.cache.Get(spec.ID())
	fetchedAt := issuedAt
	if ok {
		fetchedAt = entry.FetchedAt
	}
	return &FetchResult{QueryID: spec.ID(), Rows: rows, FetchedAt: fetchedAt}, nil
}

func (s *queryServiceImpl) Read(ctx context.Context, collection model.Collection, filters model.Filters, limit *int) (*FetchResult, error) {
	spec, err := s.builder.Build(collection, filters, limit)
	if err != nil {
		return nil, err
	}

	if s.cache.IsFresh(spec.ID()) {
		if entry, ok := s.cache.Get(spec.ID()); ok {
			s.metrics.CacheHit(ctx, string(collection))
			return &FetchResult{QueryID: spec.ID(), Rows: entry.Rows, FetchedAt: entry.FetchedAt, FromCache: true}, nil
		}
	}
	s.metrics.CacheMiss(ctx, string(collection))

	result, err := s.fetch(ctx, spec)
	if err == nil {
		return result, nil
	}
	if entry, ok := s.cache.Get(spec.ID()); ok {
		s.log.WithContext(ctx).Warnf("Serving stale entry for %s: %v", spec.ID(), err)
		return &FetchResult{
			QueryID:   spec.ID(),
			Rows:      entry.Rows,
			FetchedAt: entry.FetchedAt,
			FromCache: true,
			Stale:     true,
		}, nil
	}
	return nil, err
}

func (s *queryServiceImpl) Query(ctx context.Context, collection model.Collection, req model.QueryRequest) ([]model.Document, error) {
	spec, err := s.builder.Build(collection, model.FiltersFromList(req.Filters), req.Limit)
	if err != nil {
		return nil, err
	}
	if req.StartAfter != nil {
		spec = spec.WithStartAfter(req.StartAfter)
	}

	ctx, span := s.metrics.StartSpan(ctx, "querycache.query", string(collection), string(spec.ID()))
	rows, err := s.remote.Query(ctx, spec)
	telemetry.EndSpan(span, err)
	if err != nil {
		s.metrics.RemoteError(ctx, string(collection))
		return nil, sharedErrors.NewRemoteQueryError(string(spec.ID()), err)
	}
	return model.OrderRows(rows, spec.SortField()), nil
}
