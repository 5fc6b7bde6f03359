// Package gateway implements a remote document store on top of another
// instance's HTTP query endpoint and snapshot websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"school-portal/internal/querycache/adapter/stream"
	"school-portal/internal/querycache/domain/model"
	"school-portal/internal/querycache/domain/repository"
	"school-portal/internal/shared/logger"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/valyala/fasthttp"
)

// ErrSubscriptionRejected is returned by Listen when the gateway refuses the subscription.
var ErrSubscriptionRejected = errors.New("subscription rejected by gateway")

// Config configures a gateway RemoteStore.
type Config struct {
	// BaseURL is the http(s) root of the upstream instance.
	BaseURL string
	// WebSocketPath is the upstream snapshot websocket path.
	WebSocketPath string
	Timeout       time.Duration
}

// RemoteStore implements repository.RemoteStore against an upstream instance.
// Every listener holds its own websocket connection.
type RemoteStore struct {
	baseURL string
	wsURL   string
	timeout time.Duration
	client  *fasthttp.Client
	dialer  *websocket.Dialer
	clock   clockwork.Clock
	log     logger.Logger
}

var _ repository.RemoteStore = (*RemoteStore)(nil)

// NewRemoteStore creates a RemoteStore.
func NewRemoteStore(cfg Config, clock clockwork.Clock, log logger.Logger) (*RemoteStore, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid gateway URL %q", cfg.BaseURL)
	}
	ws := *base
	switch base.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported gateway URL scheme %q", base.Scheme)
	}
	path := cfg.WebSocketPath
	if path == "" {
		path = "/ws/v1/listen"
	}
	ws.Path = strings.TrimRight(ws.Path, "/") + path

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logger.NewNopLogger()
	}

	return &RemoteStore{
		baseURL: base.String(),
		wsURL:   ws.String(),
		timeout: timeout,
		client: &fasthttp.Client{
			Name:         "school-portal-querycache",
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		clock: clock,
		log:   log.WithComponent("gateway_remote_store"),
	}, nil
}

// Query implements repository.RemoteStore with POST /v1/collections/:collection/query.
func (s *RemoteStore) Query(ctx context.Context, spec model.QuerySpec) ([]model.Document, error) {
	limit := spec.Limit()
	body, err := json.Marshal(model.QueryRequest{
		Filters:    spec.Filters(),
		Limit:      &limit,
		StartAfter: spec.StartAfter(),
	})
	if err != nil {
		return nil, err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(s.baseURL + "/v1/collections/" + url.PathEscape(string(spec.Collection())) + "/query")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	timeout := s.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.client.DoTimeout(req, resp, timeout); err != nil {
		s.log.WithContext(ctx).Errorf("Gateway query on %s failed: %v", spec.Collection(), err)
		return nil, fmt.Errorf("gateway query failed: %w", err)
	}
	if status := resp.StatusCode(); status != fasthttp.StatusOK {
		return nil, fmt.Errorf("gateway query returned %d: %s", status, strings.TrimSpace(string(resp.Body())))
	}

	var out model.QueryResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return out.Documents, nil
}

// Listen implements repository.RemoteStore. It returns once the upstream
// confirmed or rejected the subscription.
func (s *RemoteStore) Listen(ctx context.Context, spec model.QuerySpec) (repository.SnapshotStream, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gateway websocket: %w", err)
	}

	limit := spec.Limit()
	subID := uuid.NewString()
	if err := conn.WriteJSON(model.GatewayRequest{
		Action:         model.GatewayActionSubscribe,
		SubscriptionID: subID,
		Collection:     string(spec.Collection()),
		Filters:        spec.Filters(),
		Limit:          &limit,
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to send subscription request: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(s.timeout))
	var first model.GatewayMessage
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("no subscription confirmation from gateway: %w", err)
	}
	if first.Type == model.MessageTypeSubscriptionError || first.Type == model.MessageTypeError {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrSubscriptionRejected, first.Error)
	}
	_ = conn.SetReadDeadline(time.Time{})

	listenCtx, cancel := context.WithCancel(ctx)
	st := stream.New(func() {
		cancel()
		_ = conn.Close()
	})
	// first may already carry the initial snapshot
	s.handle(listenCtx, st, subID, first)

	go func() {
		<-listenCtx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	go s.read(listenCtx, conn, st, subID)
	return st, nil
}

func (s *RemoteStore) read(ctx context.Context, conn *websocket.Conn, st *stream.Stream, subID string) {
	defer st.Finish()
	for {
		var msg model.GatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("Gateway websocket for %s ended: %v", subID, err)
				st.Fail(err)
			}
			return
		}
		s.handle(ctx, st, subID, msg)
	}
}

func (s *RemoteStore) handle(ctx context.Context, st *stream.Stream, subID string, msg model.GatewayMessage) {
	if msg.SubscriptionID != "" && msg.SubscriptionID != subID {
		return
	}
	switch msg.Type {
	case model.MessageTypeSnapshot:
		if msg.Snapshot == nil {
			return
		}
		snap := *msg.Snapshot
		if snap.IssuedAt.IsZero() {
			snap.IssuedAt = s.clock.Now()
		}
		st.Offer(snap)
	case model.MessageTypeSubscriptionError, model.MessageTypeError:
		st.Fail(errors.New(msg.Error))
	default:
		s.log.WithContext(ctx).Debugf("Ignoring gateway message %q", msg.Type)
	}
}
