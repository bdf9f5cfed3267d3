package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/internal/subscription"
)

// StateReader is the read view of the synchronized state tree.
type StateReader interface {
	Get(pointer string) (any, error)
	Query(expr string) ([]any, error)
}

// SubscriptionLister lists the live subscriptions.
type SubscriptionLister interface {
	List() []subscription.Subscription
}

// Dependencies holds all injected dependencies for the inspection router.
type Dependencies struct {
	State         StateReader
	Subscriptions SubscriptionLister
	Readiness     observability.ReadinessChecks
	Metrics       *observability.Metrics
	MetricsPath   string
	Logger        *zap.Logger
}

// NewRouter creates the read-only inspection surface: health, readiness,
// metrics and views of the synchronized state.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metricsPath := deps.MetricsPath
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(RequestLogging(logger))

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	r.Method(http.MethodGet, metricsPath, observability.Handler())

	r.Get("/state", handleState(deps.State))
	r.Get("/state/query", handleStateQuery(deps.State))
	r.Get("/subscriptions", handleSubscriptions(deps.Subscriptions))

	return r
}

// handleState returns a copy of the value at ?pointer= (whole tree when
// absent).
func handleState(state StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := state.Get(r.URL.Query().Get("pointer"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"value": v})
	}
}

// handleStateQuery evaluates the JSONPath expression in ?path=.
func handleStateQuery(state StateReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expr := r.URL.Query().Get("path")
		if expr == "" {
			WriteBadRequest(w, "query parameter path is required")
			return
		}
		results, err := state.Query(expr)
		if err != nil {
			WriteError(w, err)
			return
		}
		if results == nil {
			results = []any{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func handleSubscriptions(subs SubscriptionLister) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		list := subs.List()
		if list == nil {
			list = []subscription.Subscription{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"subscriptions": list})
	}
}
