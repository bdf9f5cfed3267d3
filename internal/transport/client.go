package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/event"
	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

var (
	errNotConnected   = errors.New("transport: not connected")
	errConnectionLost = errors.New("transport: connection lost before response")
)

const inboxSize = 256

// Dispatcher receives inbound notifications in arrival order.
type Dispatcher interface {
	Dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, eventType model.EventType, params json.RawMessage)

// Dispatch calls f.
func (f DispatcherFunc) Dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage) {
	f(ctx, eventType, params)
}

type listenerKey struct {
	typeID string
	key    model.SubscriptionKey
}

type inbound struct {
	method string
	params json.RawMessage
	seq    uint64
}

// Client is a websocket JSON-RPC connection to the notification server. It
// registers change listeners with request/response calls and feeds server
// notifications to a Dispatcher from a single goroutine, in the order they
// were received. Registered listeners are restored after a reconnect.
type Client struct {
	url      string
	dispatch Dispatcher
	tokens   TokenSource
	dialer   *websocket.Dialer
	clientID string

	requestTimeout time.Duration
	writeTimeout   time.Duration
	reconnectDelay time.Duration

	logger  *zap.Logger
	metrics *observability.Metrics

	nextID atomic.Uint64

	mu        sync.Mutex
	conn      *websocket.Conn
	connID    string
	up        chan struct{}
	pending   map[uint64]chan rpcMessage
	listeners map[listenerKey]model.SubscribeParams

	wmu sync.Mutex
}

// ClientOption configures optional settings for the Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithTokenSource sets where the bearer token comes from.
func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) ClientOption {
	return func(c *Client) { c.dialer = d }
}

// WithTimeouts sets how long a listener call waits for its response and how
// long a single frame write may take.
func WithTimeouts(request, write time.Duration) ClientOption {
	return func(c *Client) {
		if request > 0 {
			c.requestTimeout = request
		}
		if write > 0 {
			c.writeTimeout = write
		}
	}
}

// WithReconnectDelay sets the pause between connection attempts.
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// NewClient creates a Client for the websocket endpoint url. Call Run to
// connect.
func NewClient(url string, dispatch Dispatcher, opts ...ClientOption) *Client {
	c := &Client{
		url:            url,
		dispatch:       dispatch,
		tokens:         StaticToken(""),
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment},
		clientID:       uuid.New().String(),
		requestTimeout: 10 * time.Second,
		writeTimeout:   5 * time.Second,
		reconnectDelay: 2 * time.Second,
		logger:         zap.NewNop(),
		up:             make(chan struct{}),
		pending:        make(map[uint64]chan rpcMessage),
		listeners:      make(map[listenerKey]model.SubscribeParams),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("client_id", c.clientID))
	return c
}

// ClientID returns the id sent to the server as X-Client-Id.
func (c *Client) ClientID() string { return c.clientID }

// Connected reports whether a connection is currently established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// WaitConnected blocks until a connection is established or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	up := c.up
	c.mu.Unlock()
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects and keeps the connection alive until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			c.metrics.RecordTransportReconnect()
		}
		err := c.serve(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("transport disconnected",
			zap.Error(err),
			zap.Duration("retry_in", c.reconnectDelay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.reconnectDelay):
		}
	}
}

// Subscribe registers a change listener on the server.
func (c *Client) Subscribe(ctx context.Context, params model.SubscribeParams) error {
	if err := c.call(ctx, MethodAddEventListener, params); err != nil {
		return err
	}
	c.mu.Lock()
	c.listeners[listenerKeyOf(params)] = params
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes a change listener. Without a connection there is
// nothing registered server-side and the call succeeds.
func (c *Client) Unsubscribe(ctx context.Context, params model.SubscribeParams) error {
	c.mu.Lock()
	delete(c.listeners, listenerKeyOf(params))
	c.mu.Unlock()

	err := c.call(ctx, MethodRemoveEventListener, params)
	if errors.Is(err, errNotConnected) {
		c.logger.Debug("unsubscribe while disconnected", zap.String("project_id", params.ProjectID), zap.String("workflow_id", params.WorkflowID))
		return nil
	}
	return err
}

// serve runs one connection until it fails or ctx is cancelled.
func (c *Client) serve(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	connID := uuid.New().String()
	restored := c.attach(conn, connID)

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger := c.logger.With(zap.String("connection_id", connID))
	logger.Info("transport connected", zap.String("url", c.url))

	inbox := make(chan inbound, inboxSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.drain(ctx, connID, inbox)
	}()
	var restoring sync.WaitGroup
	restoring.Go(func() { c.restore(ctx, restored) })

	err = c.read(conn, inbox, logger)
	// Fail pending calls first: a handler on the dispatch goroutine may be
	// waiting on one.
	c.detach(conn)
	close(inbox)
	<-done
	restoring.Wait()
	return err
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: bearer token: %w", err)
	}
	if err := CheckExpiry(token, time.Now(), 30*time.Second); err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Client-Id", c.clientID)
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	observability.InjectTraceHeaders(ctx, header)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: status %d: %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", c.url, err)
	}
	return conn, nil
}

// read consumes frames until the connection fails. Responses are routed to
// their callers; notifications are queued for the dispatch goroutine.
func (c *Client) read(conn *websocket.Conn, inbox chan<- inbound, logger *zap.Logger) error {
	var seq uint64
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.metrics.RecordTransportMessage("in")

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("malformed frame dropped", zap.Error(err), zap.Int("bytes", len(data)))
			continue
		}
		switch {
		case msg.isResponse():
			c.resolve(msg)
		case msg.isNotification():
			seq++
			inbox <- inbound{method: msg.Method, params: msg.Params, seq: seq}
		default:
			logger.Debug("unexpected frame ignored", zap.String("method", msg.Method))
		}
	}
}

func (c *Client) drain(ctx context.Context, connID string, inbox <-chan inbound) {
	for in := range inbox {
		dctx := model.WithDispatchContext(ctx, &model.DispatchContext{
			Source:       event.SourceServer,
			ConnectionID: connID,
			Sequence:     in.seq,
		})
		c.dispatch.Dispatch(dctx, model.EventType(in.method), in.params)
	}
}

// restore re-adds the listeners that were registered before a reconnect.
func (c *Client) restore(ctx context.Context, params []model.SubscribeParams) {
	for _, p := range params {
		if err := c.call(ctx, MethodAddEventListener, p); err != nil {
			c.logger.Warn("listener not restored",
				zap.String("project_id", p.ProjectID),
				zap.String("workflow_id", p.WorkflowID),
				zap.Error(err),
			)
		}
	}
	if len(params) > 0 {
		c.logger.Info("listeners restored", zap.Int("count", len(params)))
	}
}

func (c *Client) call(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return errNotConnected
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcMessage, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req, err := newRequest(id, method, params)
	if err != nil {
		return err
	}
	if err := c.write(conn, req); err != nil {
		return fmt.Errorf("transport: send %s: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	select {
	case resp, ok := <-ch:
		if !ok {
			return errConnectionLost
		}
		if resp.Error != nil {
			return resp.Error
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: %s: %w", method, ctx.Err())
	}
}

func (c *Client) write(conn *websocket.Conn, msg rpcMessage) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	c.metrics.RecordTransportMessage("out")
	return nil
}

func (c *Client) resolve(msg rpcMessage) {
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if ok {
		ch <- msg
	}
}

// attach publishes conn and returns the listeners registered so far. Later
// subscriptions go out on conn directly.
func (c *Client) attach(conn *websocket.Conn, connID string) []model.SubscribeParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	c.connID = connID
	close(c.up)

	params := make([]model.SubscribeParams, 0, len(c.listeners))
	for _, p := range c.listeners {
		params = append(params, p)
	}
	return params
}

// detach drops the connection and fails every call still waiting on it.
func (c *Client) detach(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = nil
	c.connID = ""
	c.up = make(chan struct{})
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func listenerKeyOf(p model.SubscribeParams) listenerKey {
	return listenerKey{
		typeID: p.TypeID,
		key:    model.SubscriptionKey{ProjectID: p.ProjectID, WorkflowID: p.WorkflowID},
	}
}
