// Package integration provides a reusable test harness for end-to-end
// testing of the sync client. It runs a fake workflow server, a real
// websocket transport and session, and the inspection HTTP API.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/internal/resync"
	"github.com/pitabwire/wfsync/internal/session"
	"github.com/pitabwire/wfsync/internal/snapshot"
	"github.com/pitabwire/wfsync/internal/transport"
	"github.com/pitabwire/wfsync/model"
)

const waitFor = 3 * time.Second

// TestHarness encapsulates a fully wired sync client connected to a fake
// workflow server.
type TestHarness struct {
	t      *testing.T
	issuer *tokenIssuer
	api    *httptest.Server

	Server   *WorkflowServer
	Client   *transport.Client
	Session  *session.Session
	Notifier *RecordingNotifier
	Logs     *observer.ObservedLogs
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	tokenTTL    time.Duration
	equalPolicy snapshot.EqualPolicy
	breaker     *resync.Breaker
	noWait      bool
}

// WithTokenTTL sets the lifetime of the client's bearer token.
func WithTokenTTL(ttl time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.tokenTTL = ttl }
}

// WithEqualPolicy sets how an unchanged snapshot id is treated.
func WithEqualPolicy(p snapshot.EqualPolicy) HarnessOption {
	return func(c *harnessConfig) { c.equalPolicy = p }
}

// WithBreaker sets the resync circuit breaker.
func WithBreaker(b *resync.Breaker) HarnessOption {
	return func(c *harnessConfig) { c.breaker = b }
}

// WithoutConnect starts the harness without waiting for the transport.
func WithoutConnect() HarnessOption {
	return func(c *harnessConfig) { c.noWait = true }
}

// NewTestHarness starts the fake server, the transport and the inspection
// API. Everything is stopped when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{tokenTTL: time.Hour}
	for _, opt := range opts {
		opt(hc)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)
	h := &TestHarness{
		t:        t,
		issuer:   newTokenIssuer(t),
		Notifier: &RecordingNotifier{},
		Logs:     logs,
	}
	h.Server = newWorkflowServer(t, h.issuer)

	token := transport.StaticToken(h.issuer.GenerateToken("sync-client", hc.tokenTTL))
	loader := transport.NewHTTPLoader(h.Server.URL(), 5*time.Second,
		transport.WithLoaderLogger(logger.Named("loader")),
		transport.WithLoaderTokenSource(token),
	)

	var sess *session.Session
	h.Client = transport.NewClient(h.Server.EventsURL(),
		transport.DispatcherFunc(func(ctx context.Context, et model.EventType, p json.RawMessage) {
			sess.Dispatch(ctx, et, p)
		}),
		transport.WithLogger(logger.Named("transport")),
		transport.WithTokenSource(token),
		transport.WithTimeouts(2*time.Second, time.Second),
		transport.WithReconnectDelay(20*time.Millisecond),
	)

	sessOpts := []session.Option{
		session.WithEqualPolicy(hc.equalPolicy),
		session.WithNotifier(h.Notifier),
		session.WithLogger(logger),
	}
	if hc.breaker != nil {
		sessOpts = append(sessOpts, session.WithBreaker(hc.breaker))
	}
	s, err := session.New(loader, h.Client, sessOpts...)
	require.NoError(t, err)
	sess = s
	h.Session = s

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h.api = httptest.NewServer(transport.NewRouter(transport.Dependencies{
		State:         s.Store(),
		Subscriptions: s.Subscriptions(),
		Readiness: observability.ReadinessChecks{
			TransportConnected: h.Client.Connected,
			WorkflowLoaded:     s.Loaded,
			Loader:             loader,
		},
		Logger: logger.Named("http"),
	}))
	t.Cleanup(h.api.Close)

	if !hc.noWait {
		waitCtx, waitCancel := context.WithTimeout(context.Background(), waitFor)
		defer waitCancel()
		require.NoError(t, h.Client.WaitConnected(waitCtx), "transport never connected")
	}
	return h
}

// Open opens projectID/workflowID in the default slot.
func (h *TestHarness) Open(projectID, workflowID string) {
	h.t.Helper()
	_, err := h.Session.Open(context.Background(), model.WorkflowRef{ProjectID: projectID, WorkflowID: workflowID})
	require.NoError(h.t, err)
}

// Value reads pointer from the synchronized state, or nil when absent.
func (h *TestHarness) Value(pointer string) any {
	v, err := h.Session.Store().Get(pointer)
	if err != nil {
		return nil
	}
	return v
}

// WaitForValue waits until pointer holds want.
func (h *TestHarness) WaitForValue(pointer string, want any) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return equalJSON(h.Value(pointer), want)
	}, waitFor, 5*time.Millisecond, "%s never became %v", pointer, want)
}

// WaitForLoads waits until projectID/workflowID was fetched n times.
func (h *TestHarness) WaitForLoads(projectID, workflowID string, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.Server.Loads(projectID, workflowID) == n
	}, waitFor, 5*time.Millisecond, "loads of %s/%s = %d, want %d", projectID, workflowID, h.Server.Loads(projectID, workflowID), n)
}

// --- HTTP client helpers ---

// GET performs a request against the inspection API.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, h.api.URL+path, nil)
	require.NoError(h.t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(h.t, err)
	require.NoError(h.t, json.Unmarshal(data, target), "body: %s", data)
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// RecordingNotifier keeps every toast it is asked to show.
type RecordingNotifier struct {
	mu     sync.Mutex
	toasts []model.ShowToastEvent
}

// Notify implements model.Notifier.
func (n *RecordingNotifier) Notify(_ context.Context, toast model.ShowToastEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, toast)
}

// Toasts returns the toasts shown so far.
func (n *RecordingNotifier) Toasts() []model.ShowToastEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]model.ShowToastEvent(nil), n.toasts...)
}

// --- Fixtures ---

// WorkflowTree returns a small workflow document with two nodes.
func WorkflowTree(label string) map[string]any {
	return map[string]any{
		"label": label,
		"nodes": map[string]any{
			"n1": map[string]any{"kind": "source", "state": "idle"},
			"n2": map[string]any{"kind": "sink", "state": "idle"},
		},
		"connections": []any{"n1->n2"},
	}
}

// ProjectInfo describes a project root workflow.
func ProjectInfo() model.WorkflowInfo {
	return model.WorkflowInfo{ContainerID: model.RootWorkflowID, ContainerType: model.ContainerProject}
}

// Op builds one patch operation.
func Op(op model.OpType, path string, value any) model.Operation {
	return model.Operation{Op: op, Path: path, Value: value}
}

func equalJSON(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(ja) == string(jb)
}
