package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/wfsync/internal/event"
	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// --- fake notification server ---

type wsServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	wmu      sync.Mutex
	conns    []*websocket.Conn
	headers  []http.Header
	requests []rpcMessage
	rpcErr   *RPCError
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(func() {
		s.dropAll()
		s.srv.Close()
	})
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.headers = append(s.headers, r.Header.Clone())
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcMessage
		if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
			continue
		}
		s.mu.Lock()
		s.requests = append(s.requests, req)
		rpcErr := s.rpcErr
		s.mu.Unlock()

		resp := rpcMessage{JSONRPC: jsonrpcVersion, ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = json.RawMessage(`true`)
		}
		s.write(conn, resp)
	}
}

func (s *wsServer) write(conn *websocket.Conn, msg rpcMessage) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = conn.WriteJSON(msg)
}

// notify sends a notification on the most recent connection.
func (s *wsServer) notify(method string, params any) {
	raw, _ := json.Marshal(params)
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, rpcMessage{JSONRPC: jsonrpcVersion, Method: method, Params: raw})
}

func (s *wsServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
}

func (s *wsServer) methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.requests))
	for i, r := range s.requests {
		out[i] = r.Method
	}
	return out
}

func (s *wsServer) connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

type received struct {
	eventType model.EventType
	params    json.RawMessage
	dc        *model.DispatchContext
}

type chanDispatcher chan received

func (d chanDispatcher) Dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage) {
	d <- received{eventType: eventType, params: params, dc: model.DispatchContextFrom(ctx)}
}

func startClient(t *testing.T, s *wsServer, opts ...ClientOption) (*Client, chanDispatcher) {
	t.Helper()
	d := make(chanDispatcher, 16)
	opts = append([]ClientOption{WithReconnectDelay(10 * time.Millisecond), WithTimeouts(2*time.Second, time.Second)}, opts...)
	c := NewClient(s.url(), d, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, c.WaitConnected(waitCtx))
	return c, d
}

var testParams = model.SubscribeParams{
	TypeID:     model.WorkflowChangedEventTypeID,
	ProjectID:  "p1",
	WorkflowID: "root",
	SnapshotID: "s1",
}

// --- Client ---

func TestClient_Subscribe_sendsRequest(t *testing.T) {
	s := newWSServer(t)
	c, _ := startClient(t, s)

	require.NoError(t, c.Subscribe(context.Background(), testParams))

	s.mu.Lock()
	defer s.mu.Unlock()
	require.Len(t, s.requests, 1)
	assert.Equal(t, MethodAddEventListener, s.requests[0].Method)
	var got model.SubscribeParams
	require.NoError(t, json.Unmarshal(s.requests[0].Params, &got))
	assert.Equal(t, testParams, got)
	assert.Equal(t, c.ClientID(), s.headers[0].Get("X-Client-Id"))
}

func TestClient_Unsubscribe_sendsRequest(t *testing.T) {
	s := newWSServer(t)
	c, _ := startClient(t, s)
	ctx := context.Background()

	require.NoError(t, c.Subscribe(ctx, testParams))
	require.NoError(t, c.Unsubscribe(ctx, testParams))

	assert.Equal(t, []string{MethodAddEventListener, MethodRemoveEventListener}, s.methods())
}

func TestClient_Subscribe_rpcError(t *testing.T) {
	s := newWSServer(t)
	s.mu.Lock()
	s.rpcErr = &RPCError{Code: -32000, Message: "unknown workflow"}
	s.mu.Unlock()
	c, _ := startClient(t, s)

	err := c.Subscribe(context.Background(), testParams)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr), "error = %v", err)
	assert.Equal(t, "unknown workflow", rpcErr.Message)
}

func TestClient_Subscribe_notConnected(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/unused", make(chanDispatcher, 1))

	err := c.Subscribe(context.Background(), testParams)
	assert.ErrorIs(t, err, errNotConnected)
	assert.False(t, c.Connected())
}

func TestClient_Unsubscribe_disconnectedSucceeds(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/unused", make(chanDispatcher, 1))

	assert.NoError(t, c.Unsubscribe(context.Background(), testParams))
}

func TestClient_notificationsDispatchedInOrder(t *testing.T) {
	s := newWSServer(t)
	c, d := startClient(t, s)
	require.True(t, c.Connected())

	s.notify("WorkflowChangedEvent", map[string]any{"snapshotId": "s2"})
	s.notify("ProjectDirtyStateEvent", map[string]any{"dirtyProjectsMap": map[string]bool{"p1": true}})

	first := <-d
	second := <-d
	assert.Equal(t, model.EventWorkflowChanged, first.eventType)
	assert.JSONEq(t, `{"snapshotId":"s2"}`, string(first.params))
	assert.Equal(t, model.EventProjectDirtyState, second.eventType)

	require.NotNil(t, first.dc)
	assert.Equal(t, event.SourceServer, first.dc.Source)
	assert.Equal(t, uint64(1), first.dc.Sequence)
	assert.Equal(t, uint64(2), second.dc.Sequence)
	assert.Equal(t, first.dc.ConnectionID, second.dc.ConnectionID)
}

func TestClient_reconnectRestoresListeners(t *testing.T) {
	s := newWSServer(t)
	metrics := observability.InitMetrics(prometheus.NewRegistry())
	c, _ := startClient(t, s, WithMetrics(metrics))
	require.NoError(t, c.Subscribe(context.Background(), testParams))

	s.dropAll()

	require.Eventually(t, func() bool {
		m := s.methods()
		return s.connections() >= 2 && len(m) == 2 && m[1] == MethodAddEventListener
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.TransportReconnectsTotal), 1.0)
}

func TestClient_unsubscribedListenerNotRestored(t *testing.T) {
	s := newWSServer(t)
	c, _ := startClient(t, s)
	ctx := context.Background()
	require.NoError(t, c.Subscribe(ctx, testParams))
	require.NoError(t, c.Unsubscribe(ctx, testParams))

	s.dropAll()
	require.Eventually(t, func() bool { return s.connections() >= 2 && c.Connected() }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{MethodAddEventListener, MethodRemoveEventListener}, s.methods())
}

func TestClient_sendsBearerToken(t *testing.T) {
	s := newWSServer(t)
	token := signHS256(t, jwt.MapClaims{"exp": jwt.NewNumericDate(time.Now().Add(time.Hour))})

	startClient(t, s, WithTokenSource(StaticToken(token)))

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, "Bearer "+token, s.headers[0].Get("Authorization"))
}

func TestClient_expiredTokenNeverDials(t *testing.T) {
	s := newWSServer(t)
	token := signHS256(t, jwt.MapClaims{"exp": jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	c := NewClient(s.url(), make(chanDispatcher, 1), WithTokenSource(StaticToken(token)), WithReconnectDelay(5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Run(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, s.connections())
}
