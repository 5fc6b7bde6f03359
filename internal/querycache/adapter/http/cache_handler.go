package http

import (
	"context"
	"encoding/json"
	"strconv"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/querycache/usecase"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// Cache state reported in the X-Cache response header.
const (
	CacheHit   = "HIT"
	CacheMiss  = "MISS"
	CacheStale = "STALE"
)

// Pinger is a dependency the health endpoint probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

// Ping implements Pinger.
func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// CacheHandler exposes the query cache over REST.
type CacheHandler struct {
	Queries     usecase.QueryService
	Pager       usecase.PaginationController
	Cache       repository.CacheStore
	Diagnostics *usecase.Diagnostics
	Probes      map[string]Pinger
	Log         logger.Logger
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(
	queries usecase.QueryService,
	pager usecase.PaginationController,
	cache repository.CacheStore,
	diagnostics *usecase.Diagnostics,
	probes map[string]Pinger,
	log logger.Logger,
) *CacheHandler {
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &CacheHandler{
		Queries:     queries,
		Pager:       pager,
		Cache:       cache,
		Diagnostics: diagnostics,
		Probes:      probes,
		Log:         log.WithComponent("cache_handler"),
	}
}

// RegisterRoutes mounts the REST endpoints on router.
func (h *CacheHandler) RegisterRoutes(router fiber.Router) {
	router.Get("/health", h.Health)

	v1 := router.Group("/v1", RequestContext())
	v1.Get("/cache/diagnostics", Operation("diagnostics"), h.GetDiagnostics)
	v1.Delete("/cache", Operation("invalidate_all"), h.InvalidateAll)
	v1.Delete("/cache/:collection", Operation("invalidate_collection"), h.InvalidateCollection)

	v1.Get("/collections/:collection", Operation("read"), h.ReadCollection)
	v1.Post("/collections/:collection/more", Operation("load_more"), h.LoadMore)
	v1.Post("/collections/:collection/query", Operation("query"), h.QueryCollection)
}

// RequestContext stores a request ID in the user context, reusing X-Request-ID
// when present. A request ID set by an outer middleware is kept.
func RequestContext() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if utils.HasRequestID(c.UserContext()) {
			return c.Next()
		}
		requestID := c.Get(fiber.HeaderXRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(fiber.HeaderXRequestID, requestID)
		c.SetUserContext(utils.WithRequestID(c.UserContext(), requestID))
		return c.Next()
	}
}

// Operation names the operation in the user context for request logs.
func Operation(name string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.SetUserContext(utils.WithOperation(c.UserContext(), name))
		return c.Next()
	}
}

// Health reports reachability of every probe.
func (h *CacheHandler) Health(c *fiber.Ctx) error {
	checks := make(map[string]string, len(h.Probes))
	healthy := true
	for name, probe := range h.Probes {
		if err := probe.Ping(c.UserContext()); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status": "unhealthy",
			"checks": checks,
		})
	}
	return c.JSON(fiber.Map{
		"status": "healthy",
		"checks": checks,
	})
}

// GetDiagnostics returns the diagnostics snapshot.
func (h *CacheHandler) GetDiagnostics(c *fiber.Ctx) error {
	return c.JSON(h.Diagnostics.Snapshot(c.UserContext()))
}

// InvalidateAll drops every cache entry.
func (h *CacheHandler) InvalidateAll(c *fiber.Ctx) error {
	n := h.Cache.InvalidateAll()
	h.Log.WithContext(c.UserContext()).Infof("Invalidated %d cache entries", n)
	return c.JSON(fiber.Map{"invalidated": n})
}

// InvalidateCollection drops the cache entries of one collection.
func (h *CacheHandler) InvalidateCollection(c *fiber.Ctx) error {
	collection, err := parseCollection(c)
	if err != nil {
		return h.writeError(c, err)
	}
	n := h.Cache.InvalidateCollection(collection)
	h.Log.WithContext(c.UserContext()).Infof("Invalidated %d cache entries of %s", n, collection)
	return c.JSON(fiber.Map{"collection": collection, "invalidated": n})
}

// ReadCollection serves the default window of a collection, from cache when
// fresh. Query parameters: filters (JSON list of filters), limit, refresh.
func (h *CacheHandler) ReadCollection(c *fiber.Ctx) error {
	collection, err := parseCollection(c)
	if err != nil {
		return h.writeError(c, err)
	}
	filters, limit, err := parseWindow(c)
	if err != nil {
		return h.writeError(c, err)
	}

	var result *usecase.FetchResult
	if c.QueryBool("refresh") {
		result, err = h.Queries.Fetch(c.UserContext(), collection, filters, limit)
	} else {
		result, err = h.Queries.Read(c.UserContext(), collection, filters, limit)
	}
	if err != nil {
		return h.writeError(c, err)
	}

	switch {
	case result.Stale:
		c.Set("X-Cache", CacheStale)
	case result.FromCache:
		c.Set("X-Cache", CacheHit)
	default:
		c.Set("X-Cache", CacheMiss)
	}
	return c.JSON(result)
}

// LoadMore extends the default window of a collection by one page.
func (h *CacheHandler) LoadMore(c *fiber.Ctx) error {
	collection, err := parseCollection(c)
	if err != nil {
		return h.writeError(c, err)
	}
	result, err := h.Pager.LoadMore(c.UserContext(), collection)
	if err != nil {
		return h.writeError(c, err)
	}
	return c.JSON(result)
}

// QueryCollection runs a one-shot query without touching the cache.
func (h *CacheHandler) QueryCollection(c *fiber.Ctx) error {
	collection, err := parseCollection(c)
	if err != nil {
		return h.writeError(c, err)
	}

	var req model.QueryRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return h.writeError(c, sharedErrors.NewInvalidQueryError("failed to parse request body").WithCause(err))
		}
	}

	docs, err := h.Queries.Query(c.UserContext(), collection, req)
	if err != nil {
		return h.writeError(c, err)
	}
	if docs == nil {
		docs = []model.Document{}
	}
	return c.JSON(model.QueryResponse{Documents: docs})
}

func (h *CacheHandler) writeError(c *fiber.Ctx, err error) error {
	appErr := sharedErrors.WrapError(err, "request failed")
	status := sharedErrors.HTTPStatus(appErr)
	code := appErr.Code
	if code == "" {
		code = string(appErr.Type)
	}

	log := h.Log.WithContext(c.UserContext()).WithFields(map[string]interface{}{
		"path":   c.Path(),
		"status": status,
	})
	if status >= fiber.StatusInternalServerError {
		log.Errorf("Request failed: %v", err)
	} else {
		log.Debugf("Request rejected: %v", err)
	}

	body := fiber.Map{
		"error":   code,
		"message": err.Error(),
	}
	if requestID := utils.GetRequestIDOrDefault(c.UserContext(), ""); requestID != "" {
		body["requestId"] = requestID
	}
	return c.Status(status).JSON(body)
}

func parseCollection(c *fiber.Ctx) (model.Collection, error) {
	name := c.Params("collection")
	collection, ok := model.ParseCollection(name)
	if !ok {
		return "", sharedErrors.NewUnknownCollectionError(name)
	}
	c.SetUserContext(utils.WithCollection(c.UserContext(), string(collection)))
	return collection, nil
}

func parseWindow(c *fiber.Ctx) (model.Filters, *int, error) {
	var filters model.Filters
	if raw := c.Query("filters"); raw != "" {
		var list []model.Filter
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			return nil, nil, sharedErrors.NewInvalidQueryError("filters must be a JSON list of {field, op, value}").WithCause(err)
		}
		filters = model.FiltersFromList(list)
	}

	var limit *int
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, nil, sharedErrors.NewInvalidQueryError("limit must be an integer").WithCause(err)
		}
		limit = &n
	}
	return filters, limit, nil
}
