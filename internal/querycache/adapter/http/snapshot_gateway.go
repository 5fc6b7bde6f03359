package http

import (
	"context"
	"errors"
	"sync"
	"time"

	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/usecase"
	sharedErrors "school-portal/internal/shared/errors"
	"school-portal/internal/shared/logger"
	"school-portal/internal/shared/utils"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
)

// SnapshotGateway streams live query snapshots to websocket clients. A client
// sends subscribe/unsubscribe requests and receives snapshot and error
// messages tagged with its own subscription ID.
type SnapshotGateway struct {
	subs       usecase.SubscriptionManager
	sendBuffer int
	clock      clockwork.Clock
	log        logger.Logger

	mu      sync.Mutex
	clients map[string]*gatewayClient
}

// NewSnapshotGateway creates a SnapshotGateway. sendBuffer bounds the
// outbound queue of each client; a client that falls that far behind is
// disconnected.
func NewSnapshotGateway(subs usecase.SubscriptionManager, sendBuffer int, clock clockwork.Clock, log logger.Logger) *SnapshotGateway {
	if sendBuffer <= 0 {
		sendBuffer = 10
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &SnapshotGateway{
		subs:       subs,
		sendBuffer: sendBuffer,
		clock:      clock,
		log:        log.WithComponent("snapshot_gateway"),
		clients:    make(map[string]*gatewayClient),
	}
}

// RegisterRoutes mounts the websocket endpoint at path.
func (g *SnapshotGateway) RegisterRoutes(router fiber.Router, path string) {
	router.Use(path, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	router.Get(path, websocket.New(g.serve))
}

// ClientCount returns the number of connected clients.
func (g *SnapshotGateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}

type gatewayClient struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	send   chan model.GatewayMessage
	log    logger.Logger

	mu      sync.Mutex
	handles map[string]*usecase.Handle
}

// enqueue never blocks the caller, which may be a subscription pump.
func (c *gatewayClient) enqueue(msg model.GatewayMessage) {
	select {
	case <-c.ctx.Done():
	case c.send <- msg:
	default:
		c.log.Warn("Client send buffer full, disconnecting")
		c.cancel()
	}
}

func (g *SnapshotGateway) serve(conn *websocket.Conn) {
	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	ctx = utils.WithRequestID(ctx, clientID)

	client := &gatewayClient{
		id:      clientID,
		ctx:     ctx,
		cancel:  cancel,
		send:    make(chan model.GatewayMessage, g.sendBuffer),
		log:     g.log.WithContext(ctx),
		handles: make(map[string]*usecase.Handle),
	}

	g.mu.Lock()
	g.clients[clientID] = client
	g.mu.Unlock()
	client.log.Info("Websocket client connected")

	var writer sync.WaitGroup
	writer.Add(1)
	go func() {
		defer writer.Done()
		g.writeLoop(conn, client)
	}()

	defer func() {
		cancel()
		client.mu.Lock()
		for subID, h := range client.handles {
			h.Cancel()
			delete(client.handles, subID)
		}
		client.mu.Unlock()
		writer.Wait()

		g.mu.Lock()
		delete(g.clients, clientID)
		g.mu.Unlock()
		client.log.Info("Websocket client disconnected")
	}()

	// unblock ReadJSON when the client is dropped for being slow
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		var req model.GatewayRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				client.log.Warnf("Websocket read failed: %v", err)
			}
			return
		}

		switch req.Action {
		case model.GatewayActionSubscribe:
			g.subscribe(client, req)
		case model.GatewayActionUnsubscribe:
			g.unsubscribe(client, req)
		default:
			client.enqueue(model.GatewayMessage{
				Type:           model.MessageTypeError,
				SubscriptionID: req.SubscriptionID,
				Error:          "unknown action: " + req.Action,
				Code:           "INVALID_ACTION",
			})
		}
	}
}

func (g *SnapshotGateway) writeLoop(conn *websocket.Conn, client *gatewayClient) {
	ping := g.clock.NewTicker(pongWait * 9 / 10)
	defer ping.Stop()

	for {
		select {
		case <-client.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case msg := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				client.log.Warnf("Websocket write failed: %v", err)
				client.cancel()
				return
			}
		case <-ping.Chan():
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.cancel()
				return
			}
		}
	}
}

func (g *SnapshotGateway) subscribe(client *gatewayClient, req model.GatewayRequest) {
	subID := req.SubscriptionID
	reject := func(err error) {
		code := "INVALID_REQUEST"
		var appErr *sharedErrors.AppError
		if errors.As(err, &appErr) && appErr.Code != "" {
			code = appErr.Code
		}
		client.enqueue(model.GatewayMessage{
			Type:           model.MessageTypeSubscriptionError,
			SubscriptionID: subID,
			Error:          err.Error(),
			Code:           code,
		})
	}

	if subID == "" {
		reject(sharedErrors.NewValidationError("subscriptionId is required"))
		return
	}
	collection, ok := model.ParseCollection(req.Collection)
	if !ok {
		reject(sharedErrors.NewUnknownCollectionError(req.Collection))
		return
	}

	client.mu.Lock()
	_, exists := client.handles[subID]
	client.mu.Unlock()
	if exists {
		reject(sharedErrors.NewConflictError("subscription already exists: " + subID))
		return
	}

	ctx := utils.WithSubscriptionID(utils.WithOperation(client.ctx, "subscribe"), subID)
	handle, err := g.subs.Subscribe(ctx, usecase.SubscribeRequest{
		Collection: collection,
		Filters:    model.FiltersFromList(req.Filters),
		Limit:      req.Limit,
		Observer: func(rows []model.Document) {
			client.enqueue(model.GatewayMessage{
				Type:           model.MessageTypeSnapshot,
				SubscriptionID: subID,
				Snapshot:       &model.Snapshot{Rows: rows, IssuedAt: g.clock.Now()},
			})
		},
		ErrorObserver: func(err error) {
			client.enqueue(model.GatewayMessage{
				Type:           model.MessageTypeError,
				SubscriptionID: subID,
				Error:          err.Error(),
				Code:           sharedErrors.CodeRemoteQuery,
			})
		},
	})
	if err != nil {
		reject(err)
		return
	}

	client.mu.Lock()
	if client.ctx.Err() != nil {
		client.mu.Unlock()
		handle.Cancel()
		return
	}
	client.handles[subID] = handle
	client.mu.Unlock()

	client.enqueue(model.GatewayMessage{
		Type:           model.MessageTypeSubscriptionConfirmed,
		SubscriptionID: subID,
		QueryID:        handle.QueryID(),
	})
	g.log.WithContext(utils.WithQueryID(ctx, string(handle.QueryID()))).Debug("Websocket subscription added")
}

func (g *SnapshotGateway) unsubscribe(client *gatewayClient, req model.GatewayRequest) {
	client.mu.Lock()
	handle, ok := client.handles[req.SubscriptionID]
	delete(client.handles, req.SubscriptionID)
	client.mu.Unlock()

	if !ok {
		client.enqueue(model.GatewayMessage{
			Type:           model.MessageTypeError,
			SubscriptionID: req.SubscriptionID,
			Error:          "unknown subscription",
			Code:           "NOT_FOUND",
		})
		return
	}
	handle.Cancel()
	client.enqueue(model.GatewayMessage{
		Type:           model.MessageTypeUnsubscribed,
		SubscriptionID: req.SubscriptionID,
	})
	ctx := utils.WithSubscriptionID(utils.WithOperation(client.ctx, "unsubscribe"), req.SubscriptionID)
	g.log.WithContext(ctx).Debug("Websocket subscription removed")
}
