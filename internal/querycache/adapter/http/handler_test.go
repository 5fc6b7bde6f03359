package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	"school-portal/internal/querycache/usecase"
	"school-portal/internal/shared/eventbus"
	"school-portal/internal/shared/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	app     *fiber.App
	clock   *clockwork.FakeClock
	store   *memory.DocumentStore
	cache   *memory.CacheStore
	subs    usecase.SubscriptionManager
	handler *CacheHandler
}

func newTestServer(t *testing.T, probes map[string]Pinger) *testServer {
	t.Helper()
	clock := testutil.NewClock()

	store, err := memory.NewDocumentStore(clock, nil)
	require.NoError(t, err)
	for _, doc := range testutil.Students() {
		store.Set(model.CollectionStudents, doc)
	}

	registry, err := usecase.NewPolicyRegistry(map[model.Collection]model.CollectionPolicy{
		model.CollectionStudents: testutil.StudentPolicy(),
	})
	require.NoError(t, err)
	builder := usecase.NewQueryBuilder(registry)
	cache := memory.NewCacheStore(registry, nil, memory.WithClock(clock))
	bus := eventbus.NewEventBus(nil)
	subs := usecase.NewSubscriptionManager(usecase.SubscriptionDeps{
		Builder: builder,
		Cache:   cache,
		Remote:  store,
		Bus:     bus,
		Clock:   clock,
	})
	t.Cleanup(subs.Close)

	handler := NewCacheHandler(
		usecase.NewQueryService(builder, cache, store, clock, nil, nil),
		usecase.NewPaginationController(builder, registry, cache, store, nil, nil),
		cache,
		usecase.NewDiagnostics(cache, subs, bus, nil, 10, clock, nil),
		probes,
		nil,
	)

	app := fiber.New()
	handler.RegisterRoutes(app)
	return &testServer{app: app, clock: clock, store: store, cache: cache, subs: subs, handler: handler}
}

func (s *testServer) do(t *testing.T, method, target, body string) (int, map[string]interface{}, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out, resp.Header.Get("X-Cache")
}

func rowIDs(t *testing.T, v interface{}) []string {
	t.Helper()
	list, ok := v.([]interface{})
	require.True(t, ok, "expected a list, got %T", v)
	ids := make([]string, len(list))
	for i, item := range list {
		ids[i] = item.(map[string]interface{})["id"].(string)
	}
	return ids
}

func TestReadCollection_MissThenHit(t *testing.T) {
	s := newTestServer(t, nil)

	status, body, cache := s.do(t, "GET", "/v1/collections/students", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, CacheMiss, cache)
	assert.Equal(t, []string{"s1", "s2"}, rowIDs(t, body["rows"]))

	status, body, cache = s.do(t, "GET", "/v1/collections/students", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, CacheHit, cache)
	assert.Equal(t, true, body["fromCache"])

	status, _, cache = s.do(t, "GET", "/v1/collections/students?refresh=true", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, CacheMiss, cache)
}

func TestReadCollection_FiltersAndLimit(t *testing.T) {
	s := newTestServer(t, nil)

	filters := `[{"field":"name","op":">","value":"Ann"}]`
	status, body, _ := s.do(t, "GET", "/v1/collections/students?limit=5&filters="+url.QueryEscape(filters), "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"s2", "s3"}, rowIDs(t, body["rows"]))
}

func TestReadCollection_Errors(t *testing.T) {
	s := newTestServer(t, nil)

	status, body, _ := s.do(t, "GET", "/v1/collections/lockers", "")
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "UNKNOWN_COLLECTION", body["error"])

	status, body, _ = s.do(t, "GET", "/v1/collections/students?limit=abc", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "INVALID_QUERY", body["error"])

	status, body, _ = s.do(t, "GET", "/v1/collections/students?limit=0", "")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "INVALID_QUERY", body["error"])
}

func TestLoadMore_Endpoint(t *testing.T) {
	s := newTestServer(t, nil)

	status, body, _ := s.do(t, "POST", "/v1/collections/students/more", "")
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "NO_PAGINATION_STATE", body["error"])

	status, _, _ = s.do(t, "GET", "/v1/collections/students", "")
	require.Equal(t, fiber.StatusOK, status)

	status, body, _ = s.do(t, "POST", "/v1/collections/students/more", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"s3"}, rowIDs(t, body["appended"]))
	assert.Equal(t, false, body["hasMore"])

	status, body, cache := s.do(t, "GET", "/v1/collections/students", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, CacheHit, cache)
	assert.Equal(t, []string{"s1", "s2", "s3"}, rowIDs(t, body["rows"]))
}

func TestQueryCollection_DoesNotCache(t *testing.T) {
	s := newTestServer(t, nil)

	status, body, _ := s.do(t, "POST", "/v1/collections/students/query",
		`{"filters":[{"field":"name","op":"==","value":"Bob"}]}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"s2"}, rowIDs(t, body["documents"]))
	assert.Equal(t, 0, s.cache.Len())

	status, body, _ = s.do(t, "POST", "/v1/collections/students/query",
		`{"limit":1,"startAfter":{"documentId":"s1","sortValue":"Ann"}}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, []string{"s2"}, rowIDs(t, body["documents"]))

	status, body, _ = s.do(t, "POST", "/v1/collections/students/query", `{"filters":`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "INVALID_QUERY", body["error"])
}

func TestInvalidate_Endpoints(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, "GET", "/v1/collections/students", "")
	s.do(t, "GET", "/v1/collections/teachers", "")
	require.Equal(t, 2, s.cache.Len())

	status, body, _ := s.do(t, "DELETE", "/v1/cache/students", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["invalidated"])
	assert.Equal(t, 1, s.cache.Len())

	status, _, _ = s.do(t, "DELETE", "/v1/cache/lockers", "")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, body, _ = s.do(t, "DELETE", "/v1/cache", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["invalidated"])
	assert.Equal(t, 0, s.cache.Len())
}

func TestDiagnostics_Endpoint(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(t, "GET", "/v1/collections/students", "")

	status, body, _ := s.do(t, "GET", "/v1/cache/diagnostics", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, float64(1), body["entryCount"])
	perCollection := body["perCollection"].(map[string]interface{})
	assert.Equal(t, float64(2), perCollection["students"].(map[string]interface{})["rowCount"])
}

func TestHealth(t *testing.T) {
	healthy := newTestServer(t, map[string]Pinger{
		"remote_store": PingFunc(func(context.Context) error { return nil }),
	})
	status, body, _ := healthy.do(t, "GET", "/health", "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	unhealthy := newTestServer(t, map[string]Pinger{
		"remote_store": PingFunc(func(context.Context) error { return nil }),
		"redis":        PingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	status, body, _ = unhealthy.do(t, "GET", "/health", "")
	assert.Equal(t, fiber.StatusServiceUnavailable, status)
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["remote_store"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestRequestContext_EchoesRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest("GET", "/v1/cache/diagnostics", nil)
	req.Header.Set(fiber.HeaderXRequestID, "req-42")
	resp, err := s.app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(fiber.HeaderXRequestID))

	resp, err = s.app.Test(httptest.NewRequest("GET", "/v1/cache/diagnostics", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderXRequestID))
}

func TestRequestContext_KeepsOuterRequestID(t *testing.T) {
	s := newTestServer(t, nil)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(utils.WithRequestID(c.UserContext(), "gateway-req-7"))
		return c.Next()
	})
	s.handler.RegisterRoutes(app)

	req := httptest.NewRequest("GET", "/v1/collections/dormitories", nil)
	req.Header.Set(fiber.HeaderXRequestID, "ignored")
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "gateway-req-7", body["requestId"])
}
