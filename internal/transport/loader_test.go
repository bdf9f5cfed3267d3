package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/wfsync/model"
)

func loaderServer(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

// --- LoadWorkflow ---

func TestHTTPLoader_LoadWorkflow_decodes(t *testing.T) {
	var gotPath, gotAuth string
	srv := loaderServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"workflow": {"nodes": {"n1": {"kind": "source"}}},
			"snapshotId": "s1",
			"info": {"containerId": "root", "containerType": "project"}
		}`))
	})
	l := NewHTTPLoader(srv.URL+"/", time.Second, WithLoaderTokenSource(StaticToken("tok")))

	lw, err := l.LoadWorkflow(context.Background(), "p 1", "root")

	require.NoError(t, err)
	assert.Equal(t, "/projects/p%201/workflows/root", gotPath)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "s1", lw.SnapshotID)
	assert.Equal(t, model.ContainerProject, lw.Info.ContainerType)
	assert.Equal(t, map[string]any{"nodes": map[string]any{"n1": map[string]any{"kind": "source"}}}, lw.Workflow)
}

func TestHTTPLoader_LoadWorkflow_noTokenNoHeader(t *testing.T) {
	var gotAuth string
	srv := loaderServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Write([]byte(`{"workflow": {}}`))
	})

	_, err := NewHTTPLoader(srv.URL, time.Second).LoadWorkflow(context.Background(), "p1", "root")

	require.NoError(t, err)
	assert.Empty(t, gotAuth)
}

func TestHTTPLoader_LoadWorkflow_errors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		code   string
	}{
		{name: "not found", status: http.StatusNotFound, code: model.ErrWorkflowNotFound},
		{name: "server error", status: http.StatusInternalServerError, code: model.ErrBackendUnavailable},
		{name: "bad json", status: http.StatusOK, body: `{"workflow":`, code: model.ErrBackendUnavailable},
		{name: "missing workflow", status: http.StatusOK, body: `{"snapshotId":"s1"}`, code: model.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := loaderServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := NewHTTPLoader(srv.URL, time.Second).LoadWorkflow(context.Background(), "p1", "root")

			require.Error(t, err)
			assert.True(t, model.IsCode(err, tt.code), "code = %s, want %s", model.CodeOf(err), tt.code)
		})
	}
}

func TestHTTPLoader_LoadWorkflow_timeout(t *testing.T) {
	release := make(chan struct{})
	srv := loaderServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	_, err := NewHTTPLoader(srv.URL, 20*time.Millisecond).LoadWorkflow(context.Background(), "p1", "root")

	assert.True(t, model.IsCode(err, model.ErrBackendTimeout), "code = %s", model.CodeOf(err))
}

func TestHTTPLoader_LoadWorkflow_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	_, err := NewHTTPLoader(base, time.Second).LoadWorkflow(context.Background(), "p1", "root")

	assert.True(t, model.IsCode(err, model.ErrBackendUnavailable), "code = %s", model.CodeOf(err))
}

// --- HealthCheck ---

func TestHTTPLoader_HealthCheck(t *testing.T) {
	status := http.StatusOK
	srv := loaderServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(status)
	})
	l := NewHTTPLoader(srv.URL, time.Second)

	assert.NoError(t, l.HealthCheck(context.Background()))

	status = http.StatusNotFound
	assert.NoError(t, l.HealthCheck(context.Background()))

	status = http.StatusServiceUnavailable
	assert.Error(t, l.HealthCheck(context.Background()))
}
