// Package event routes inbound notifications to handlers. Handler tables are
// registered once per source at startup and then frozen; dispatch reads an
// immutable snapshot without locking.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// Event sources. Each source owns a disjoint set of event types.
const (
	SourceServer  = "server"
	SourceDesktop = "desktop"
)

// Handler processes the raw params of one event.
type Handler func(ctx context.Context, params json.RawMessage) error

// Table maps event types to handlers for one source.
type Table map[model.EventType]Handler

type entry struct {
	source  string
	handler Handler
}

// snapshot is an immutable view of all registered handlers.
type snapshot struct {
	handlers map[model.EventType]entry
}

// Registry is an explicit handler registry. Registration is serialized;
// dispatch is lock-free.
type Registry struct {
	mu      sync.Mutex
	sources map[string]bool
	frozen  bool
	snap    atomic.Pointer[snapshot]

	allowOverrides bool
	logger         *zap.Logger
	metrics        *observability.Metrics
}

// RegistryOption configures optional dependencies for the Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithCompositeOverrides allows DispatchComposite callers to substitute
// handlers for the duration of one composite.
func WithCompositeOverrides(allow bool) RegistryOption {
	return func(r *Registry) { r.allowOverrides = allow }
}

// NewRegistry creates an empty, unfrozen Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		sources: make(map[string]bool),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{handlers: map[model.EventType]entry{}})
	return r
}

// Register adds the handler table of source. Each source registers once, and
// an event type may be owned by a single source.
func (r *Registry) Register(source string, table Table) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("event: registry is frozen, cannot register source %q", source)
	}
	if source == "" {
		return fmt.Errorf("event: source is required")
	}
	if r.sources[source] {
		return fmt.Errorf("event: source %q already registered", source)
	}

	current := r.snap.Load()
	next := make(map[model.EventType]entry, len(current.handlers)+len(table))
	for t, e := range current.handlers {
		next[t] = e
	}
	for t, h := range table {
		if h == nil {
			return fmt.Errorf("event: source %q has a nil handler for %q", source, t)
		}
		if t == model.EventComposite {
			return fmt.Errorf("event: source %q cannot register %q, composites are unrolled by the registry", source, t)
		}
		if owner, ok := next[t]; ok {
			return fmt.Errorf("event: %q from source %q is already handled by source %q", t, source, owner.source)
		}
		next[t] = entry{source: source, handler: h}
	}

	r.sources[source] = true
	r.snap.Store(&snapshot{handlers: next})
	return nil
}

// Freeze rejects all further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frozen
}

// Lookup returns the handler for eventType.
func (r *Registry) Lookup(eventType model.EventType) (Handler, bool) {
	e, ok := r.snap.Load().handlers[eventType]
	return e.handler, ok
}

// Types returns all registered event types, sorted.
func (r *Registry) Types() []model.EventType {
	handlers := r.snap.Load().handlers
	types := make([]model.EventType, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Dispatch routes one event to its handler. Unknown types are ignored,
// handler failures and panics are logged; Dispatch itself never fails.
func (r *Registry) Dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage) {
	r.dispatch(ctx, eventType, params, nil)
}

// DispatchComposite dispatches the constituents of ev in order. overrides
// replace registered handlers for this composite only and are honored only
// when the registry was built WithCompositeOverrides(true).
func (r *Registry) DispatchComposite(ctx context.Context, ev model.CompositeEvent, overrides Table) {
	if len(overrides) > 0 && !r.allowOverrides {
		observability.DispatchLogger(ctx, r.logger).Warn("composite handler overrides are disabled, ignoring",
			zap.Int("overrides", len(overrides)),
		)
		overrides = nil
	}
	r.composite(ctx, ev, overrides)
}

func (r *Registry) dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage, overrides Table) {
	if eventType == model.EventComposite {
		ev, err := Decode(eventType, params)
		if err != nil {
			r.metrics.RecordEventHandlerFailure(string(eventType), "error")
			observability.DispatchLogger(ctx, r.logger).Warn("malformed composite event", zap.Error(err))
			return
		}
		r.composite(ctx, ev.(model.CompositeEvent), overrides)
		return
	}

	source := sourceOf(ctx)

	handler, ok := overrides[eventType]
	if !ok {
		e, found := r.snap.Load().handlers[eventType]
		if !found {
			r.metrics.RecordEventUnknown(source)
			observability.DispatchLogger(ctx, r.logger).Debug("no handler for event type",
				zap.String("event_type", string(eventType)),
			)
			return
		}
		handler = e.handler
		if source == "" {
			source = e.source
		}
	}

	r.invoke(ctx, source, eventType, handler, params)
}

func (r *Registry) composite(ctx context.Context, ev model.CompositeEvent, overrides Table) {
	n := len(ev.Events)
	if len(ev.Params) != n {
		observability.DispatchLogger(ctx, r.logger).Warn("composite event length mismatch",
			zap.Int("events", len(ev.Events)),
			zap.Int("params", len(ev.Params)),
		)
		n = min(len(ev.Events), len(ev.Params))
	}

	for i := 0; i < n; i++ {
		r.dispatch(ctx, ev.Events[i], ev.Params[i], overrides)
	}
}

// invoke runs a handler, converting panics into logged failures.
func (r *Registry) invoke(ctx context.Context, source string, eventType model.EventType, handler Handler, params json.RawMessage) {
	ctx, span := observability.StartSpan(ctx, "event.dispatch",
		observability.AttrEventType.String(string(eventType)),
		observability.AttrSource.String(source),
	)
	start := time.Now()
	logger := observability.DispatchLogger(ctx, r.logger).With(zap.String("event_type", string(eventType)))

	var err error
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("event: handler panic: %v", rec)
			r.metrics.RecordEventHandlerFailure(string(eventType), "panic")
			logger.Error("event handler panicked", zap.Any("panic", rec), zap.Stack("stack"))
		}
		r.metrics.RecordEventDispatched(source, string(eventType), time.Since(start))
		observability.EndSpanWithError(span, err)
	}()

	logger.Debug("dispatching event")
	if err = handler(ctx, params); err != nil {
		r.metrics.RecordEventHandlerFailure(string(eventType), "error")
		logger.Warn("event handler failed", zap.Error(err))
	}
}

func sourceOf(ctx context.Context) string {
	if dc := model.DispatchContextFrom(ctx); dc != nil {
		return dc.Source
	}
	return ""
}
