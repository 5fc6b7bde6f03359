package gateway

import (
	"net"
	"testing"
	"time"

	httpadapter "school-portal/internal/querycache/adapter/http"
	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	"school-portal/internal/querycache/usecase"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wsPath = "/ws/v1/listen"

type upstream struct {
	url   string
	store *memory.DocumentStore
	subs  usecase.SubscriptionManager
}

// startUpstream serves the REST and websocket surfaces of an instance backed
// by an in-memory store seeded with Ann, Bob and Cara.
func startUpstream(t *testing.T) *upstream {
	t.Helper()

	store, err := memory.NewDocumentStore(nil, nil)
	require.NoError(t, err)
	for _, doc := range testutil.Students() {
		store.Set(model.CollectionStudents, doc)
	}

	registry, err := usecase.NewPolicyRegistry(map[model.Collection]model.CollectionPolicy{
		model.CollectionStudents: testutil.StudentPolicy(),
	})
	require.NoError(t, err)
	builder := usecase.NewQueryBuilder(registry)
	cache := memory.NewCacheStore(registry, nil)
	subs := usecase.NewSubscriptionManager(usecase.SubscriptionDeps{
		Builder: builder,
		Cache:   cache,
		Remote:  store,
	})

	handler := httpadapter.NewCacheHandler(
		usecase.NewQueryService(builder, cache, store, nil, nil, nil),
		usecase.NewPaginationController(builder, registry, cache, store, nil, nil),
		cache,
		usecase.NewDiagnostics(cache, subs, nil, nil, 10, nil, nil),
		nil,
		nil,
	)
	gw := httpadapter.NewSnapshotGateway(subs, 10, nil, nil)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	handler.RegisterRoutes(app)
	gw.RegisterRoutes(app, wsPath)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		subs.Close()
		_ = app.Shutdown()
	})

	return &upstream{url: "http://" + ln.Addr().String(), store: store, subs: subs}
}

func newClient(t *testing.T, up *upstream) *RemoteStore {
	t.Helper()
	rs, err := NewRemoteStore(Config{BaseURL: up.url, WebSocketPath: wsPath, Timeout: 2 * time.Second}, nil, nil)
	require.NoError(t, err)
	return rs
}

func studentsSpec() model.QuerySpec {
	return model.NewQuerySpec(model.CollectionStudents, "name", 2, nil)
}

func TestNewRemoteStore_ValidatesURL(t *testing.T) {
	_, err := NewRemoteStore(Config{BaseURL: "not a url"}, nil, nil)
	assert.Error(t, err)

	_, err = NewRemoteStore(Config{BaseURL: "ftp://example.com"}, nil, nil)
	assert.Error(t, err)

	rs, err := NewRemoteStore(Config{BaseURL: "https://portal.example.com/"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://portal.example.com/ws/v1/listen", rs.wsURL)
	assert.Equal(t, "https://portal.example.com", rs.baseURL)
}

func TestRemoteStore_Query(t *testing.T) {
	up := startUpstream(t)
	rs := newClient(t, up)
	ctx := t.Context()

	first, err := rs.Query(ctx, studentsSpec())
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, testutil.IDs(first))

	next, err := rs.Query(ctx, studentsSpec().WithStartAfter(model.LastCursor(first, "name")))
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, testutil.IDs(next))

	filtered := model.NewQuerySpec(model.CollectionStudents, "name", 2,
		model.Filters{"name": {model.OperatorEqual: "Cara"}}.Normalize())
	rows, err := rs.Query(ctx, filtered)
	require.NoError(t, err)
	assert.Equal(t, []string{"s3"}, testutil.IDs(rows))

	_, err = rs.Query(ctx, model.NewQuerySpec("lockers", "name", 2, nil))
	assert.Error(t, err)
}

func TestRemoteStore_ListenStreamsSnapshots(t *testing.T) {
	up := startUpstream(t)
	rs := newClient(t, up)

	st, err := rs.Listen(t.Context(), studentsSpec())
	require.NoError(t, err)
	defer st.Close()

	next := func() model.Snapshot {
		t.Helper()
		select {
		case snap, ok := <-st.Snapshots():
			require.True(t, ok, "stream ended")
			return snap
		case <-time.After(2 * time.Second):
			t.Fatal("no snapshot received")
			return model.Snapshot{}
		}
	}

	snap := next()
	assert.Equal(t, []string{"s1", "s2"}, testutil.IDs(snap.Rows))
	assert.False(t, snap.IssuedAt.IsZero())

	up.store.Set(model.CollectionStudents, testutil.Student("s0", "Aaron"))
	snap = next()
	assert.Equal(t, []string{"s0", "s1"}, testutil.IDs(snap.Rows))

	require.NoError(t, st.Close())
	require.Eventually(t, func() bool { return up.subs.ActiveCount() == 0 },
		2*time.Second, 10*time.Millisecond, "upstream subscription should be released")
}

func TestRemoteStore_ListenRejected(t *testing.T) {
	up := startUpstream(t)
	rs := newClient(t, up)

	_, err := rs.Listen(t.Context(), model.NewQuerySpec("lockers", "name", 2, nil))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSubscriptionRejected)
}

func TestRemoteStore_ListenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rs, err := NewRemoteStore(Config{BaseURL: "http://" + addr, Timeout: time.Second}, nil, nil)
	require.NoError(t, err)

	_, err = rs.Listen(t.Context(), studentsSpec())
	assert.Error(t, err)
	_, err = rs.Query(t.Context(), studentsSpec())
	assert.Error(t, err)
}
