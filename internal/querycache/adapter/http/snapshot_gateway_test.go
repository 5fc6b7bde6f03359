package http

import (
	"context"
	"net"
	"net/http/httptest"
	"testing"
	"time"

	"school-portal/internal/querycache/adapter/persistence/memory"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/testutil"
	"school-portal/internal/querycache/usecase"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/logger"

	fastws "github.com/fasthttp/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gatewayPath = "/ws/v1/listen"
	readWait    = 2 * time.Second
)

type gatewayServer struct {
	app   *fiber.App
	url   string
	store *memory.DocumentStore
	subs  usecase.SubscriptionManager
	gw    *SnapshotGateway
}

func newGatewayServer(t *testing.T) *gatewayServer {
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
	subs := usecase.NewSubscriptionManager(usecase.SubscriptionDeps{
		Builder: builder,
		Cache:   memory.NewCacheStore(registry, nil),
		Remote:  store,
	})
	gw := NewSnapshotGateway(subs, 16, nil, nil)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	gw.RegisterRoutes(app, gatewayPath)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() {
		subs.Close()
		_ = app.Shutdown()
	})

	return &gatewayServer{
		app:   app,
		url:   "ws://" + ln.Addr().String() + gatewayPath,
		store: store,
		subs:  subs,
		gw:    gw,
	}
}

func (s *gatewayServer) dial(t *testing.T) *fastws.Conn {
	t.Helper()
	conn, _, err := fastws.DefaultDialer.Dial(s.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *fastws.Conn, req model.GatewayRequest) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(req))
}

// readUntil skips messages until one of msgType for subID arrives.
func readUntil(t *testing.T, conn *fastws.Conn, msgType, subID string) model.GatewayMessage {
	t.Helper()
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(readWait)))
		var msg model.GatewayMessage
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s of %q", msgType, subID)
		if msg.Type == msgType && msg.SubscriptionID == subID {
			return msg
		}
	}
}

func subscribeStudents(subID string) model.GatewayRequest {
	return model.GatewayRequest{
		Action:         model.GatewayActionSubscribe,
		SubscriptionID: subID,
		Collection:     string(model.CollectionStudents),
	}
}

func TestSnapshotGateway_RequiresUpgrade(t *testing.T) {
	s := newGatewayServer(t)
	resp, err := s.app.Test(httptest.NewRequest("GET", gatewayPath, nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestSnapshotGateway_SubscribeStreamsThenUnsubscribe(t *testing.T) {
	s := newGatewayServer(t)
	conn := s.dial(t)

	send(t, conn, subscribeStudents("sub-1"))
	confirmed := readUntil(t, conn, model.MessageTypeSubscriptionConfirmed, "sub-1")
	assert.NotEmpty(t, confirmed.QueryID)

	snap := readUntil(t, conn, model.MessageTypeSnapshot, "sub-1")
	require.NotNil(t, snap.Snapshot)
	assert.Equal(t, []string{"s1", "s2"}, testutil.IDs(snap.Snapshot.Rows))
	assert.Equal(t, 1, s.subs.RefCount(confirmed.QueryID))

	s.store.Set(model.CollectionStudents, testutil.Student("s0", "Aaron"))
	for {
		snap = readUntil(t, conn, model.MessageTypeSnapshot, "sub-1")
		if testutil.IDs(snap.Snapshot.Rows)[0] == "s0" {
			break
		}
	}
	assert.Equal(t, []string{"s0", "s1"}, testutil.IDs(snap.Snapshot.Rows))

	send(t, conn, model.GatewayRequest{Action: model.GatewayActionUnsubscribe, SubscriptionID: "sub-1"})
	readUntil(t, conn, model.MessageTypeUnsubscribed, "sub-1")
	assert.Eventually(t, func() bool { return s.subs.ActiveCount() == 0 }, readWait, 10*time.Millisecond)
}

func TestSnapshotGateway_UnsubscribeUnknownID(t *testing.T) {
	s := newGatewayServer(t)
	conn := s.dial(t)

	send(t, conn, model.GatewayRequest{Action: model.GatewayActionUnsubscribe, SubscriptionID: "sub-x"})
	msg := readUntil(t, conn, model.MessageTypeError, "sub-x")
	assert.Equal(t, "NOT_FOUND", msg.Code)
	assert.Equal(t, "unknown subscription", msg.Error)
}

func TestSnapshotGateway_RejectsBadSubscriptions(t *testing.T) {
	s := newGatewayServer(t)
	conn := s.dial(t)

	send(t, conn, subscribeStudents("sub-1"))
	readUntil(t, conn, model.MessageTypeSubscriptionConfirmed, "sub-1")

	send(t, conn, subscribeStudents("sub-1"))
	dup := readUntil(t, conn, model.MessageTypeSubscriptionError, "sub-1")
	assert.Equal(t, "INVALID_REQUEST", dup.Code)
	assert.Contains(t, dup.Error, "subscription already exists")

	send(t, conn, model.GatewayRequest{
		Action:         model.GatewayActionSubscribe,
		SubscriptionID: "sub-2",
		Collection:     "dormitories",
	})
	unknown := readUntil(t, conn, model.MessageTypeSubscriptionError, "sub-2")
	assert.Equal(t, sharedErrors.CodeUnknownCollection, unknown.Code)

	send(t, conn, model.GatewayRequest{
		Action:     model.GatewayActionSubscribe,
		Collection: string(model.CollectionStudents),
	})
	missing := readUntil(t, conn, model.MessageTypeSubscriptionError, "")
	assert.Equal(t, "INVALID_REQUEST", missing.Code)

	assert.Equal(t, 1, s.subs.ActiveCount(), "rejected requests open nothing")
}

func TestSnapshotGateway_UnknownAction(t *testing.T) {
	s := newGatewayServer(t)
	conn := s.dial(t)

	send(t, conn, model.GatewayRequest{Action: "pause", SubscriptionID: "sub-1"})
	msg := readUntil(t, conn, model.MessageTypeError, "sub-1")
	assert.Equal(t, "INVALID_ACTION", msg.Code)
	assert.Contains(t, msg.Error, "pause")
}

func TestSnapshotGateway_DisconnectReleasesSubscriptions(t *testing.T) {
	s := newGatewayServer(t)
	conn := s.dial(t)

	send(t, conn, subscribeStudents("sub-1"))
	readUntil(t, conn, model.MessageTypeSubscriptionConfirmed, "sub-1")
	require.Equal(t, 1, s.gw.ClientCount())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return s.gw.ClientCount() == 0 && s.subs.ActiveCount() == 0
	}, readWait, 10*time.Millisecond)
}

func TestGatewayClient_FullSendBufferDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client := &gatewayClient{
		id:     "client-1",
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan model.GatewayMessage, 1),
		log:    logger.NewNopLogger(),
	}

	client.enqueue(model.GatewayMessage{Type: model.MessageTypeSnapshot, SubscriptionID: "sub-1"})
	require.NoError(t, ctx.Err(), "a message that fits is queued")

	client.enqueue(model.GatewayMessage{Type: model.MessageTypeSnapshot, SubscriptionID: "sub-1"})
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Len(t, client.send, 1)

	// later messages are dropped once the client is gone
	client.enqueue(model.GatewayMessage{Type: model.MessageTypeSnapshot, SubscriptionID: "sub-1"})
	assert.Len(t, client.send, 1)
}
