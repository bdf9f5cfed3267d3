package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

const maxWorkflowBytes = 64 << 20

// HTTPLoader fetches full workflow state from
// GET {base}/projects/{projectId}/workflows/{workflowId}.
type HTTPLoader struct {
	base   string
	client *http.Client
	tokens TokenSource
	logger *zap.Logger
}

// LoaderOption configures optional settings for the HTTPLoader.
type LoaderOption func(*HTTPLoader)

// WithLoaderLogger sets the logger.
func WithLoaderLogger(logger *zap.Logger) LoaderOption {
	return func(l *HTTPLoader) { l.logger = logger }
}

// WithLoaderTokenSource sets the bearer token sent with every fetch.
func WithLoaderTokenSource(ts TokenSource) LoaderOption {
	return func(l *HTTPLoader) { l.tokens = ts }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) LoaderOption {
	return func(l *HTTPLoader) { l.client = c }
}

// NewHTTPLoader creates a loader for the API rooted at base.
func NewHTTPLoader(base string, timeout time.Duration, opts ...LoaderOption) *HTTPLoader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	l := &HTTPLoader{
		base: strings.TrimRight(base, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		tokens: StaticToken(""),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadWorkflow implements subscription.Loader.
func (l *HTTPLoader) LoadWorkflow(ctx context.Context, projectID, workflowID string) (model.LoadedWorkflow, error) {
	ctx, span := observability.StartKeySpan(ctx, "loader.load",
		model.SubscriptionKey{ProjectID: projectID, WorkflowID: workflowID},
	)
	lw, err := l.load(ctx, projectID, workflowID)
	if err == nil {
		span.SetAttributes(observability.AttrSnapshotID.String(lw.SnapshotID))
	}
	observability.EndSpanWithError(span, err)
	return lw, err
}

func (l *HTTPLoader) load(ctx context.Context, projectID, workflowID string) (model.LoadedWorkflow, error) {
	reqURL := fmt.Sprintf("%s/projects/%s/workflows/%s", l.base, url.PathEscape(projectID), url.PathEscape(workflowID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return model.LoadedWorkflow{}, fmt.Errorf("loader: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token, err := l.tokens.Token(ctx); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	observability.InjectTraceHeaders(ctx, req.Header)

	start := time.Now()
	resp, err := l.client.Do(req)
	if err != nil {
		l.logger.Warn("workflow fetch failed", zap.String("url", reqURL), zap.Error(err))
		if ctx.Err() != nil || isTimeout(err) {
			return model.LoadedWorkflow{}, model.NewBackendTimeoutError()
		}
		return model.LoadedWorkflow{}, model.NewBackendUnavailableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.LoadedWorkflow{}, model.NewWorkflowNotFoundError(projectID, workflowID)
	case resp.StatusCode != http.StatusOK:
		return model.LoadedWorkflow{}, model.NewBackendUnavailableError(fmt.Errorf("loader: unexpected status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkflowBytes))
	if err != nil {
		return model.LoadedWorkflow{}, model.NewBackendUnavailableError(fmt.Errorf("loader: read response: %w", err))
	}

	var lw model.LoadedWorkflow
	if err := json.Unmarshal(body, &lw); err != nil {
		return model.LoadedWorkflow{}, model.NewBackendUnavailableError(fmt.Errorf("loader: decode response: %w", err))
	}
	if lw.Workflow == nil {
		return model.LoadedWorkflow{}, model.NewBackendUnavailableError(errors.New("loader: response has no workflow"))
	}

	l.logger.Debug("workflow fetched",
		zap.String("project_id", projectID),
		zap.String("workflow_id", workflowID),
		zap.String("snapshot_id", lw.SnapshotID),
		zap.Int("bytes", len(body)),
		zap.Duration("duration", time.Since(start)),
	)
	return lw, nil
}

// HealthCheck implements observability.HealthChecker by probing the base URL.
func (l *HTTPLoader) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, l.base+"/", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("loader: status %d", resp.StatusCode)
	}
	return nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
