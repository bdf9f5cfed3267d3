// Package subscription manages the lifecycle of workflow subscriptions: each
// slot (a mount point in the state tree) holds at most one loaded workflow and
// one live transport subscription.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// Loader fetches the full state of a workflow. Implementations return a
// WORKFLOW_NOT_FOUND error for missing workflows and BACKEND_UNAVAILABLE for
// transport failures.
type Loader interface {
	LoadWorkflow(ctx context.Context, projectID, workflowID string) (model.LoadedWorkflow, error)
}

// Transport registers and removes change listeners on the server.
type Transport interface {
	Subscribe(ctx context.Context, params model.SubscribeParams) error
	Unsubscribe(ctx context.Context, params model.SubscribeParams) error
}

// Mounter owns the tree workflows are mounted into.
type Mounter interface {
	Replace(mount string, value any) error
	Clear(mount string)
}

// Baselines holds the snapshot baseline per subscription key.
type Baselines interface {
	Record(key model.SubscriptionKey, id string)
	Forget(key model.SubscriptionKey)
	Last(key model.SubscriptionKey) (string, bool)
}

// Subscription is a point-in-time view of one subscribed slot.
type Subscription struct {
	// Slot is the mount point the workflow tree lives at.
	Slot string `json:"slot"`
	// Ref is the workflow that was opened.
	Ref model.WorkflowRef `json:"ref"`
	// Key is the scope notifications are published under.
	Key model.SubscriptionKey `json:"key"`
	// Generation changes on every open of the slot.
	Generation uint64    `json:"generation"`
	OpenedAt   time.Time `json:"openedAt"`
}

// Manager tracks subscriptions per slot. Lifecycle operations are serialized
// so that an unsubscribe always completes before the following subscribe;
// transport calls run outside the bookkeeping lock.
type Manager struct {
	ops sync.Mutex

	mu         sync.Mutex
	slots      map[string]*Subscription
	generation uint64

	loader    Loader
	transport Transport
	mounter   Mounter
	baselines Baselines

	logger  *zap.Logger
	metrics *observability.Metrics
}

// ManagerOption configures optional dependencies for the Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *observability.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = metrics }
}

// NewManager creates a Manager.
func NewManager(loader Loader, transport Transport, mounter Mounter, baselines Baselines, opts ...ManagerOption) *Manager {
	m := &Manager{
		slots:     make(map[string]*Subscription),
		loader:    loader,
		transport: transport,
		mounter:   mounter,
		baselines: baselines,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open loads ref, mounts it at slot and makes sure the slot is subscribed to
// the scope of ref. If loading fails nothing changes. A slot already
// subscribed to the same scope keeps its subscription.
func (m *Manager) Open(ctx context.Context, slot string, ref model.WorkflowRef) (*Subscription, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	logger := m.logger.With(zap.String("slot", slot), zap.String("project_id", ref.ProjectID), zap.String("workflow_id", ref.WorkflowID))

	loaded, err := m.loader.LoadWorkflow(ctx, ref.ProjectID, ref.WorkflowID)
	if err != nil {
		logger.Warn("workflow load failed, slot unchanged", zap.Error(err))
		return nil, fmt.Errorf("subscription: load %s/%s: %w", ref.ProjectID, ref.WorkflowID, err)
	}

	key := ResolveScope(ref, loaded.Info)

	m.mu.Lock()
	current := m.slots[slot]
	var others []*Subscription
	for s, sub := range m.slots {
		if s != slot && sub.Key == key {
			others = append(others, sub)
		}
	}
	m.mu.Unlock()

	reuse := current != nil && current.Key == key
	if current != nil && !reuse {
		if err := m.teardown(ctx, current, false); err != nil {
			logger.Warn("previous subscription not cleanly removed", zap.Error(err))
		}
	}
	for _, other := range others {
		if err := m.teardown(ctx, other, true); err != nil {
			logger.Warn("duplicate subscription not cleanly removed", zap.String("other_slot", other.Slot), zap.Error(err))
		}
	}

	if err := m.mounter.Replace(slot, loaded.Workflow); err != nil {
		if reuse {
			_ = m.teardown(ctx, current, true)
		}
		return nil, fmt.Errorf("subscription: mount %s: %w", slot, err)
	}

	if !reuse {
		if err := m.subscribe(ctx, key, loaded.SnapshotID); err != nil {
			m.mounter.Clear(slot)
			m.baselines.Forget(key)
			logger.Error("subscribe failed", zap.Error(err))
			return nil, err
		}
	}

	if loaded.SnapshotID != "" {
		m.baselines.Record(key, loaded.SnapshotID)
	} else {
		m.baselines.Forget(key)
	}

	m.mu.Lock()
	m.generation++
	sub := &Subscription{
		Slot:       slot,
		Ref:        ref,
		Key:        key,
		Generation: m.generation,
		OpenedAt:   time.Now().UTC(),
	}
	m.slots[slot] = sub
	count := len(m.slots)
	m.mu.Unlock()

	m.metrics.SetSubscriptionsActive(count)
	logger.Info("workflow opened",
		zap.String("scope", key.String()),
		zap.Bool("reused", reuse),
		zap.Uint64("generation", sub.Generation),
		zap.String("snapshot_id", loaded.SnapshotID),
	)

	out := *sub
	return &out, nil
}

// Close unsubscribes slot and clears its mount. Closing an unsubscribed slot
// is a no-op.
func (m *Manager) Close(ctx context.Context, slot string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	current := m.slots[slot]
	m.mu.Unlock()
	if current == nil {
		return nil
	}
	return m.teardown(ctx, current, true)
}

// CloseProject closes every slot whose workflow belongs to projectID.
func (m *Manager) CloseProject(ctx context.Context, projectID string) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.Lock()
	var victims []*Subscription
	for _, sub := range m.slots {
		if sub.Key.ProjectID == projectID || sub.Ref.ProjectID == projectID {
			victims = append(victims, sub)
		}
	}
	m.mu.Unlock()

	sort.Slice(victims, func(i, j int) bool { return victims[i].Slot < victims[j].Slot })

	var errs []error
	for _, sub := range victims {
		if err := m.teardown(ctx, sub, true); err != nil {
			errs = append(errs, err)
		}
	}
	if len(victims) > 0 {
		m.logger.Info("project closed", zap.String("project_id", projectID), zap.Int("slots", len(victims)))
	}
	return errors.Join(errs...)
}

// CloseAll closes every slot.
func (m *Manager) CloseAll(ctx context.Context) error {
	var errs []error
	for _, sub := range m.List() {
		if err := m.Close(ctx, sub.Slot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Lookup returns the subscription for key.
func (m *Manager) Lookup(key model.SubscriptionKey) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.slots {
		if sub.Key == key {
			return *sub, true
		}
	}
	return Subscription{}, false
}

// Active returns the subscription held by slot.
func (m *Manager) Active(slot string) (Subscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.slots[slot]
	if !ok {
		return Subscription{}, false
	}
	return *sub, true
}

// IsCurrent reports whether key is still subscribed with generation. Work
// started against an older generation must be discarded.
func (m *Manager) IsCurrent(key model.SubscriptionKey, generation uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.slots {
		if sub.Key == key {
			return sub.Generation == generation
		}
	}
	return false
}

// Commit runs fn only if key is still subscribed with generation, excluding
// concurrent Open and Close calls while it runs. It reports whether fn ran.
func (m *Manager) Commit(key model.SubscriptionKey, generation uint64, fn func() error) (bool, error) {
	m.ops.Lock()
	defer m.ops.Unlock()

	if !m.IsCurrent(key, generation) {
		return false, nil
	}
	return true, fn()
}

// List returns all subscriptions ordered by slot.
func (m *Manager) List() []Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Subscription, 0, len(m.slots))
	for _, sub := range m.slots {
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// teardown removes sub from bookkeeping, unsubscribes it and forgets its
// baseline. clearMount also removes the mounted tree. Must be called with ops
// held.
func (m *Manager) teardown(ctx context.Context, sub *Subscription, clearMount bool) error {
	m.detach(sub.Slot)
	err := m.unsubscribe(ctx, sub)
	m.baselines.Forget(sub.Key)
	if clearMount {
		m.mounter.Clear(sub.Slot)
	}
	m.logger.Info("workflow closed",
		zap.String("slot", sub.Slot),
		zap.String("scope", sub.Key.String()),
	)
	return err
}

// detach drops slot from bookkeeping so that in-flight work for it becomes
// stale.
func (m *Manager) detach(slot string) {
	m.mu.Lock()
	delete(m.slots, slot)
	m.generation++
	count := len(m.slots)
	m.mu.Unlock()
	m.metrics.SetSubscriptionsActive(count)
}

func (m *Manager) subscribe(ctx context.Context, key model.SubscriptionKey, snapshotID string) error {
	ctx, span := observability.StartKeySpan(ctx, "subscription.subscribe", key)

	err := m.transport.Subscribe(ctx, model.SubscribeParams{
		TypeID:     model.WorkflowChangedEventTypeID,
		ProjectID:  key.ProjectID,
		WorkflowID: key.WorkflowID,
		SnapshotID: snapshotID,
	})
	m.metrics.RecordSubscriptionOp("subscribe", err)
	if err != nil {
		err = model.NewSubscriptionError(fmt.Sprintf("subscribe %s", key), err)
	}
	observability.EndSpanWithError(span, err)
	return err
}

func (m *Manager) unsubscribe(ctx context.Context, sub *Subscription) error {
	ctx, span := observability.StartKeySpan(ctx, "subscription.unsubscribe", sub.Key)

	last, _ := m.baselines.Last(sub.Key)
	err := m.transport.Unsubscribe(ctx, model.SubscribeParams{
		TypeID:     model.WorkflowChangedEventTypeID,
		ProjectID:  sub.Key.ProjectID,
		WorkflowID: sub.Key.WorkflowID,
		SnapshotID: last,
	})
	m.metrics.RecordSubscriptionOp("unsubscribe", err)
	if err != nil {
		m.logger.Error("unsubscribe failed",
			zap.String("slot", sub.Slot),
			zap.String("scope", sub.Key.String()),
			zap.Error(err),
		)
		err = model.NewSubscriptionError(fmt.Sprintf("unsubscribe %s", sub.Key), err)
	}
	observability.EndSpanWithError(span, err)
	return err
}
