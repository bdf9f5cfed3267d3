// Package session wires the synchronization core together: the state store,
// the patch applier, the snapshot tracker, the subscription manager, the
// resync coordinator and the event registry.
package session

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/event"
	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/internal/patch"
	"github.com/pitabwire/wfsync/internal/resync"
	"github.com/pitabwire/wfsync/internal/snapshot"
	"github.com/pitabwire/wfsync/internal/state"
	"github.com/pitabwire/wfsync/internal/subscription"
	"github.com/pitabwire/wfsync/model"
)

// DefaultMountPoint is the slot the active workflow is mounted at.
const DefaultMountPoint = "/activeWorkflow"

// Session is one synchronized client. It owns the application state tree and
// processes notifications for one subscription key at a time.
type Session struct {
	mountPoint string

	store    *state.Store
	applier  *patch.Applier
	tracker  *snapshot.Tracker
	manager  *subscription.Manager
	resyncer *resync.Coordinator
	registry *event.Registry
	locks    *keyLocks

	logger  *zap.Logger
	metrics *observability.Metrics
}

type options struct {
	mountPoint         string
	equalPolicy        snapshot.EqualPolicy
	compositeOverrides bool
	breaker            *resync.Breaker
	notifier           model.Notifier
	logger             *zap.Logger
	metrics            *observability.Metrics
}

// Option configures a Session.
type Option func(*options)

// WithMountPoint sets the default slot.
func WithMountPoint(mount string) Option {
	return func(o *options) { o.mountPoint = mount }
}

// WithEqualPolicy sets how an unchanged snapshot id is treated.
func WithEqualPolicy(p snapshot.EqualPolicy) Option {
	return func(o *options) { o.equalPolicy = p }
}

// WithCompositeOverrides allows handler overrides on composite events.
func WithCompositeOverrides(allow bool) Option {
	return func(o *options) { o.compositeOverrides = allow }
}

// WithBreaker sets the breaker guarding resync fetches.
func WithBreaker(b *resync.Breaker) Option {
	return func(o *options) { o.breaker = b }
}

// WithNotifier sets where toasts and resync failures are surfaced. Defaults
// to a LogNotifier.
func WithNotifier(n model.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New builds a Session on top of the given loader and transport. The event
// registry is populated for both sources and frozen before New returns.
func New(loader subscription.Loader, transport subscription.Transport, opts ...Option) (*Session, error) {
	o := options{
		mountPoint: DefaultMountPoint,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if loader == nil || transport == nil {
		return nil, errors.New("session: loader and transport are required")
	}
	if o.notifier == nil {
		o.notifier = NewLogNotifier(o.logger)
	}

	s := &Session{
		mountPoint: o.mountPoint,
		locks:      newKeyLocks(),
		logger:     o.logger,
		metrics:    o.metrics,
	}
	s.store = state.NewStore(state.WithLogger(o.logger))
	s.applier = patch.NewApplier(patch.WithLogger(o.logger), patch.WithMetrics(o.metrics))
	s.tracker = snapshot.NewTracker(
		snapshot.WithPolicy(o.equalPolicy),
		snapshot.WithLogger(o.logger),
		snapshot.WithMetrics(o.metrics),
	)
	s.manager = subscription.NewManager(loader, transport, s.store, s.tracker,
		subscription.WithLogger(o.logger),
		subscription.WithMetrics(o.metrics),
	)

	resyncOpts := []resync.CoordinatorOption{
		resync.WithLogger(o.logger),
		resync.WithMetrics(o.metrics),
		resync.WithNotifier(o.notifier),
	}
	if o.breaker != nil {
		resyncOpts = append(resyncOpts, resync.WithBreaker(o.breaker))
	}
	s.resyncer = resync.NewCoordinator(s.manager, loader, s.store, s.tracker, resyncOpts...)

	s.registry = event.NewRegistry(
		event.WithLogger(o.logger),
		event.WithMetrics(o.metrics),
		event.WithCompositeOverrides(o.compositeOverrides),
	)
	if err := s.registry.Register(event.SourceServer, event.SyncHandlers(s, s.store, o.notifier)); err != nil {
		return nil, err
	}
	if err := s.registry.Register(event.SourceDesktop, event.DesktopHandlers(s.manager)); err != nil {
		return nil, err
	}
	s.registry.Freeze()

	return s, nil
}

// Store returns the application state store.
func (s *Session) Store() *state.Store { return s.store }

// Registry returns the frozen event registry.
func (s *Session) Registry() *event.Registry { return s.registry }

// Subscriptions returns the subscription manager.
func (s *Session) Subscriptions() *subscription.Manager { return s.manager }

// MountPoint returns the default slot.
func (s *Session) MountPoint() string { return s.mountPoint }

// Open loads ref into the default slot and subscribes to it.
func (s *Session) Open(ctx context.Context, ref model.WorkflowRef) (*subscription.Subscription, error) {
	return s.manager.Open(ctx, s.mountPoint, ref)
}

// OpenAt loads ref into slot and subscribes to it.
func (s *Session) OpenAt(ctx context.Context, slot string, ref model.WorkflowRef) (*subscription.Subscription, error) {
	return s.manager.Open(ctx, slot, ref)
}

// Close unloads the workflow in the default slot.
func (s *Session) Close(ctx context.Context) error {
	return s.manager.Close(ctx, s.mountPoint)
}

// Shutdown unloads every workflow.
func (s *Session) Shutdown(ctx context.Context) error {
	return s.manager.CloseAll(ctx)
}

// Loaded reports whether a workflow is mounted in the default slot.
func (s *Session) Loaded() bool {
	_, ok := s.manager.Active(s.mountPoint)
	return ok
}

// Dispatch routes one inbound notification.
func (s *Session) Dispatch(ctx context.Context, eventType model.EventType, params json.RawMessage) {
	s.registry.Dispatch(ctx, eventType, params)
}

// Resync forces a full reload of the workflow subscribed under key.
func (s *Session) Resync(ctx context.Context, key model.SubscriptionKey) error {
	unlock := s.locks.lock(key)
	defer unlock()
	return s.resyncer.Resync(ctx, key)
}

// HandleWorkflowChanged applies one change notification. The patch, the
// snapshot check and any resync it triggers complete before the next
// notification for the same subscription is processed.
func (s *Session) HandleWorkflowChanged(ctx context.Context, ev model.WorkflowChangedEvent) error {
	logger := observability.DispatchLogger(ctx, s.logger)

	sub, ok := s.resolve(ctx, ev)
	if !ok {
		logger.Debug("workflow change for unknown subscription dropped",
			zap.String("project_id", ev.ProjectID),
			zap.String("workflow_id", ev.WorkflowID),
			zap.Int("ops", len(ev.Patch.Ops)),
		)
		return nil
	}

	unlock := s.locks.lock(sub.Key)
	defer unlock()

	// The slot may have been switched while waiting for the key.
	current, ok := s.manager.Lookup(sub.Key)
	if !ok {
		logger.Debug("subscription closed before change was applied", observability.KeyFields(sub.Key)...)
		return nil
	}

	// Open and Close may swap the slot between the lookup and the write.
	n := ev.Notification()
	var res patch.BatchResult
	committed, _ := s.manager.Commit(current.Key, current.Generation, func() error {
		res = s.store.ApplyPatch(s.applier, current.Slot, n.Ops)
		return nil
	})
	if !committed {
		logger.Debug("subscription replaced before change was applied", observability.KeyFields(current.Key)...)
		return nil
	}
	if res.Failed > 0 {
		logger.Info("change applied partially",
			zap.String("slot", current.Slot),
			zap.Int("applied", res.Applied),
			zap.Int("failed", res.Failed),
		)
	}

	if n.SnapshotID == "" {
		return nil
	}
	if !s.tracker.ShouldResync(current.Key, n.SnapshotID) {
		return nil
	}
	return s.resyncer.Resync(ctx, current.Key)
}

// resolve finds the subscription a change notification belongs to: the ids
// in the payload, then the key the transport delivered it on, then the
// default slot.
func (s *Session) resolve(ctx context.Context, ev model.WorkflowChangedEvent) (subscription.Subscription, bool) {
	if ev.ProjectID != "" {
		ref := model.WorkflowRef{ProjectID: ev.ProjectID, WorkflowID: ev.WorkflowID}
		if ref.WorkflowID == "" {
			ref.WorkflowID = model.RootWorkflowID
		}
		if sub, ok := s.manager.Lookup(ref.Key()); ok {
			return sub, true
		}
		for _, sub := range s.manager.List() {
			if sub.Ref == ref {
				return sub, true
			}
		}
		return subscription.Subscription{}, false
	}
	if key, ok := model.SubscriptionKeyFrom(ctx); ok {
		return s.manager.Lookup(key)
	}
	return s.manager.Active(s.mountPoint)
}
