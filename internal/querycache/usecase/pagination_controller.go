package usecase

import (
	"context"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/telemetry"

	"golang.org/x/sync/singleflight"
)

// loadMoreTimeout bounds a shared LoadMore query, which no single caller can cancel.
const loadMoreTimeout = 30 * time.Second

// LoadMoreResult is the outcome of one LoadMore call.
type LoadMoreResult struct {
	Appended []model.Document `json:"appended"`
	// HasMore is true when a full page came back. A collection whose size is an
	// exact multiple of the page size reports true once more than it should.
	HasMore bool `json:"hasMore"`
}

// PaginationController extends the default cached page of a collection.
type PaginationController interface {
	LoadMore(ctx context.Context, collection model.Collection) (*LoadMoreResult, error)
}

type paginationControllerImpl struct {
	builder  QueryBuilder
	policies PolicyRegistry
	cache    repository.CacheStore
	remote   repository.RemoteStore
	group    singleflight.Group
	metrics  *telemetry.Instruments
	log      logger.Logger
}

// NewPaginationController creates a PaginationController.
func NewPaginationController(
	builder QueryBuilder,
	policies PolicyRegistry,
	cache repository.CacheStore,
	remote repository.RemoteStore,
	metrics *telemetry.Instruments,
	log logger.Logger,
) PaginationController {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if metrics == nil {
		metrics = telemetry.New()
	}
	return &paginationControllerImpl{
		builder:  builder,
		policies: policies,
		cache:    cache,
		remote:   remote,
		metrics:  metrics,
		log:      log.WithComponent("pagination_controller"),
	}
}

// LoadMore fetches the page after the stored cursor of the collection's
// default query and appends it to the cache. Concurrent calls for the same
// collection share one remote query; each caller stops waiting when its own
// context ends, while the shared query runs to completion for the others.
func (p *paginationControllerImpl) LoadMore(ctx context.Context, collection model.Collection) (*LoadMoreResult, error) {
	spec, err := p.builder.Default(collection)
	if err != nil {
		return nil, err
	}

	ch := p.group.DoChan(string(spec.ID()), func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadMoreTimeout)
		defer cancel()
		return p.loadMore(queryCtx, spec)
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		p.log.WithContext(ctx).Debugf("LoadMore for %s abandoned by caller: %v", spec.ID(), ctx.Err())
		return nil, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		p.log.WithContext(ctx).Debugf("LoadMore for %s shared an in-flight query", spec.ID())
	}

	result := res.Val.(*LoadMoreResult)
	return &LoadMoreResult{Appended: model.CloneRows(result.Appended), HasMore: result.HasMore}, nil
}

func (p *paginationControllerImpl) loadMore(ctx context.Context, spec model.QuerySpec) (*LoadMoreResult, error) {
	entry, ok := p.cache.Get(spec.ID())
	if !ok {
		return nil, sharedErrors.NewNoPaginationStateError(string(spec.Collection()))
	}
	policy, err := p.policies.PolicyFor(spec.Collection())
	if err != nil {
		return nil, err
	}

	next := spec.WithStartAfter(entry.Cursor)
	ctx, span := p.metrics.StartSpan(ctx, "querycache.load_more", string(spec.Collection()), string(spec.ID()))
	rows, err := p.remote.Query(ctx, next)
	telemetry.EndSpan(span, err)
	if err != nil {
		p.metrics.RemoteError(ctx, string(spec.Collection()))
		p.log.WithContext(ctx).Errorf("LoadMore query for %s failed: %v", spec.ID(), err)
		return nil, sharedErrors.NewRemoteQueryError(string(spec.ID()), err)
	}

	rows = model.OrderRows(rows, spec.SortField())
	if !p.cache.Append(spec.ID(), rows, model.LastCursor(rows, spec.SortField())) {
		p.log.WithContext(ctx).Warnf("Entry %s evicted while loading more; page not cached", spec.ID())
	}

	return &LoadMoreResult{
		Appended: rows,
		HasMore:  len(rows) == policy.PageSize,
	}, nil
}
