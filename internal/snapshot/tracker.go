// Package snapshot tracks the last snapshot id seen per subscription and
// decides when a notification has drifted from the local baseline.
package snapshot

import (
	"sync"

	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// EqualPolicy decides what an incoming snapshot id equal to the recorded
// baseline means.
type EqualPolicy int

const (
	// ResyncOnEqual treats an unchanged id as suspicious and resyncs.
	ResyncOnEqual EqualPolicy = iota
	// IgnoreEqual treats an unchanged id as a duplicate delivery.
	IgnoreEqual
)

func (p EqualPolicy) String() string {
	switch p {
	case ResyncOnEqual:
		return "resync"
	case IgnoreEqual:
		return "ignore"
	default:
		return "unknown"
	}
}

// ParseEqualPolicy maps a configuration value to a policy. Unknown values
// fall back to ResyncOnEqual.
func ParseEqualPolicy(s string) EqualPolicy {
	if s == "ignore" {
		return IgnoreEqual
	}
	return ResyncOnEqual
}

// Tracker holds the last known snapshot id per subscription key. It is safe
// for concurrent use; keys are independent.
type Tracker struct {
	mu      sync.Mutex
	last    map[model.SubscriptionKey]string
	policy  EqualPolicy
	logger  *zap.Logger
	metrics *observability.Metrics
}

// TrackerOption configures optional dependencies for the Tracker.
type TrackerOption func(*Tracker)

// WithPolicy sets the equal-id policy.
func WithPolicy(p EqualPolicy) TrackerOption {
	return func(t *Tracker) { t.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) TrackerOption {
	return func(t *Tracker) { t.metrics = m }
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		last:   make(map[model.SubscriptionKey]string),
		policy: ResyncOnEqual,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ShouldResync compares id with the baseline of key. Without a baseline the
// id is recorded and no resync is needed. A different id requests a resync
// and leaves the baseline alone; the resync records the fresh id. An equal
// id is decided by the policy.
func (t *Tracker) ShouldResync(key model.SubscriptionKey, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, ok := t.last[key]
	switch {
	case !ok:
		t.last[key] = id
		t.metrics.RecordSnapshotCheck(observability.SnapshotFirstSight)
		return false
	case last != id:
		t.metrics.RecordSnapshotCheck(observability.SnapshotMismatch)
		t.logger.Info("snapshot id drifted",
			append(observability.KeyFields(key),
				zap.String("last_snapshot_id", last),
				zap.String("snapshot_id", id),
			)...,
		)
		return true
	default:
		t.metrics.RecordSnapshotCheck(observability.SnapshotEqual)
		t.logger.Debug("snapshot id unchanged",
			append(observability.KeyFields(key),
				zap.String("snapshot_id", id),
				zap.Stringer("policy", t.policy),
			)...,
		)
		return t.policy == ResyncOnEqual
	}
}

// Record sets the baseline of key.
func (t *Tracker) Record(key model.SubscriptionKey, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[key] = id
}

// Forget drops the baseline of key.
func (t *Tracker) Forget(key model.SubscriptionKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, key)
}

// Last returns the baseline of key.
func (t *Tracker) Last(key model.SubscriptionKey) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.last[key]
	return id, ok
}
