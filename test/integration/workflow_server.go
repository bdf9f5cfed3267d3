package integration

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/pitabwire/wfsync/model"
)

// WorkflowServer is a fake of the server a sync client talks to: the full
// state endpoint GET /projects/{projectId}/workflows/{workflowId} and a
// JSON-RPC websocket at /events. Workflow fixtures are configurable per
// test and every load and listener call is recorded.
type WorkflowServer struct {
	t        *testing.T
	server   *httptest.Server
	issuer   *tokenIssuer
	upgrader websocket.Upgrader

	mu        sync.Mutex
	workflows map[model.SubscriptionKey]*workflowFixture
	loads     map[model.SubscriptionKey]int
	calls     []ListenerCall
	conns     []*serverConn
	rejected  int
}

// ListenerCall is one addEventListener or removeEventListener request.
type ListenerCall struct {
	Method string
	Params model.SubscribeParams
}

type workflowFixture struct {
	loaded model.LoadedWorkflow
	status int
}

type serverConn struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *serverConn) writeJSON(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteJSON(v)
}

type rpcFrame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func newWorkflowServer(t *testing.T, issuer *tokenIssuer) *WorkflowServer {
	t.Helper()

	ws := &WorkflowServer{
		t:         t,
		issuer:    issuer,
		workflows: make(map[model.SubscriptionKey]*workflowFixture),
		loads:     make(map[model.SubscriptionKey]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /projects/{projectId}/workflows/{workflowId}", ws.handleLoad)
	mux.HandleFunc("GET /events", ws.handleEvents)
	mux.HandleFunc("HEAD /{$}", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	ws.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		ws.DropConnections()
		ws.server.Close()
	})
	return ws
}

// URL returns the base URL of the full state endpoint.
func (ws *WorkflowServer) URL() string {
	return ws.server.URL
}

// EventsURL returns the websocket URL.
func (ws *WorkflowServer) EventsURL() string {
	return "ws" + strings.TrimPrefix(ws.server.URL, "http") + "/events"
}

// SetWorkflow serves tree under snapshotID for the next loads of
// projectID/workflowID.
func (ws *WorkflowServer) SetWorkflow(projectID, workflowID string, tree map[string]any, snapshotID string, info model.WorkflowInfo) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.workflows[model.SubscriptionKey{ProjectID: projectID, WorkflowID: workflowID}] = &workflowFixture{
		loaded: model.LoadedWorkflow{Workflow: tree, SnapshotID: snapshotID, Info: info},
		status: http.StatusOK,
	}
}

// FailLoads makes loads of projectID/workflowID answer with status.
func (ws *WorkflowServer) FailLoads(projectID, workflowID string, status int) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	key := model.SubscriptionKey{ProjectID: projectID, WorkflowID: workflowID}
	f, ok := ws.workflows[key]
	if !ok {
		f = &workflowFixture{}
		ws.workflows[key] = f
	}
	f.status = status
}

// Loads returns how often projectID/workflowID was fetched.
func (ws *WorkflowServer) Loads(projectID, workflowID string) int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.loads[model.SubscriptionKey{ProjectID: projectID, WorkflowID: workflowID}]
}

// ListenerCalls returns the listener requests received so far, in order.
func (ws *WorkflowServer) ListenerCalls() []ListenerCall {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	out := make([]ListenerCall, len(ws.calls))
	copy(out, ws.calls)
	return out
}

// Connections returns how many websocket connections were accepted.
func (ws *WorkflowServer) Connections() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return len(ws.conns)
}

// Rejected returns how many handshakes failed authentication.
func (ws *WorkflowServer) Rejected() int {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.rejected
}

// Push sends a notification on every open connection.
func (ws *WorkflowServer) Push(eventType model.EventType, params any) {
	ws.t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		ws.t.Fatalf("marshal %s params: %v", eventType, err)
	}
	ws.mu.Lock()
	conns := append([]*serverConn(nil), ws.conns...)
	ws.mu.Unlock()

	for _, c := range conns {
		_ = c.writeJSON(rpcFrame{JSONRPC: "2.0", Method: string(eventType), Params: raw})
	}
}

// DropConnections closes every websocket connection.
func (ws *WorkflowServer) DropConnections() {
	ws.mu.Lock()
	conns := ws.conns
	ws.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

func (ws *WorkflowServer) handleLoad(w http.ResponseWriter, r *http.Request) {
	key := model.SubscriptionKey{ProjectID: r.PathValue("projectId"), WorkflowID: r.PathValue("workflowId")}

	ws.mu.Lock()
	ws.loads[key]++
	f, ok := ws.workflows[key]
	var fixture workflowFixture
	if ok {
		fixture = *f
	}
	ws.mu.Unlock()

	switch {
	case !ok:
		w.WriteHeader(http.StatusNotFound)
		return
	case fixture.status != http.StatusOK:
		w.WriteHeader(fixture.status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(fixture.loaded)
}

func (ws *WorkflowServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if _, err := ws.issuer.Verify(token); err != nil {
		ws.mu.Lock()
		ws.rejected++
		ws.mu.Unlock()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &serverConn{conn: conn}
	ws.mu.Lock()
	ws.conns = append(ws.conns, sc)
	ws.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcFrame
		if err := json.Unmarshal(data, &req); err != nil || req.ID == nil {
			continue
		}
		var params model.SubscribeParams
		_ = json.Unmarshal(req.Params, &params)

		ws.mu.Lock()
		ws.calls = append(ws.calls, ListenerCall{Method: req.Method, Params: params})
		ws.mu.Unlock()

		_ = sc.writeJSON(rpcFrame{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`true`)})
	}
}
