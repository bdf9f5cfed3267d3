// Package resync replaces a subscription's mounted tree with a fresh full
// fetch when its snapshot baseline has drifted.
package resync

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/internal/patch"
	"github.com/pitabwire/wfsync/internal/subscription"
	"github.com/pitabwire/wfsync/model"
)

// Subscriptions resolves keys to live subscriptions and guards commits
// against subscriptions that changed while a fetch was in flight.
type Subscriptions interface {
	Lookup(key model.SubscriptionKey) (subscription.Subscription, bool)
	Commit(key model.SubscriptionKey, generation uint64, fn func() error) (bool, error)
}

// Replacer swaps a mounted tree wholesale.
type Replacer interface {
	Replace(mount string, value any) error
}

// Coordinator runs resyncs. Concurrent resyncs of the same subscription share
// one fetch.
type Coordinator struct {
	subs      Subscriptions
	loader    subscription.Loader
	store     Replacer
	baselines subscription.Baselines

	group    singleflight.Group
	breaker  *Breaker
	notifier model.Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// CoordinatorOption configures optional dependencies for the Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = logger }
}

// WithMetrics sets the metrics.
func WithMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithNotifier sets where fetch failures are reported.
func WithNotifier(n model.Notifier) CoordinatorOption {
	return func(c *Coordinator) { c.notifier = n }
}

// WithBreaker sets the failure breaker.
func WithBreaker(b *Breaker) CoordinatorOption {
	return func(c *Coordinator) { c.breaker = b }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(subs Subscriptions, loader subscription.Loader, store Replacer, baselines subscription.Baselines, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		subs:      subs,
		loader:    loader,
		store:     store,
		baselines: baselines,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewBreaker(0, 0)
	}
	return c
}

// Resync fetches the full state of the workflow subscribed under key and
// mounts it in place of the current tree. A result that arrives after the
// subscription was closed or reopened is discarded. On fetch failure the
// current tree stays mounted and a RESYNC_FETCH_ERROR is returned.
func (c *Coordinator) Resync(ctx context.Context, key model.SubscriptionKey) (err error) {
	start := time.Now()
	ctx, span := observability.StartKeySpan(ctx, "resync.run", key)
	outcome := observability.ResyncApplied
	defer func() {
		span.SetAttributes(observability.AttrOutcome.String(outcome))
		observability.EndSpanWithError(span, err)
		c.metrics.RecordResync(outcome, time.Since(start))
	}()

	logger := c.logger.With(observability.KeyFields(key)...)

	sub, ok := c.subs.Lookup(key)
	if !ok {
		outcome = observability.ResyncSkipped
		logger.Debug("resync skipped, no subscription")
		return nil
	}
	span.SetAttributes(observability.AttrSlot.String(sub.Slot))

	if !c.breaker.Allow() {
		outcome = observability.ResyncRejected
		err = model.NewResyncFetchError(fmt.Sprintf("resync of %s suspended after repeated failures", key), nil)
		c.report(ctx, logger, key, err)
		return err
	}

	loaded, shared, err := c.fetch(ctx, sub)
	if err != nil {
		outcome = observability.ResyncFailed
		err = model.NewResyncFetchError(fmt.Sprintf("resync of %s failed", key), err)
		c.report(ctx, logger, key, err)
		return err
	}

	tree := loaded.Workflow
	if shared {
		tree = patch.Clone(tree)
	}

	committed, err := c.subs.Commit(key, sub.Generation, func() error {
		if err := c.store.Replace(sub.Slot, tree); err != nil {
			return err
		}
		if loaded.SnapshotID != "" {
			c.baselines.Record(key, loaded.SnapshotID)
		} else {
			c.baselines.Forget(key)
		}
		return nil
	})
	if err != nil {
		outcome = observability.ResyncFailed
		logger.Error("resync result could not be mounted", zap.String("slot", sub.Slot), zap.Error(err))
		return fmt.Errorf("resync: mount %s: %w", sub.Slot, err)
	}
	if !committed {
		outcome = observability.ResyncStale
		logger.Warn("stale resync result discarded", zap.Uint64("generation", sub.Generation))
		return nil
	}

	logger.Info("resync applied",
		zap.String("slot", sub.Slot),
		zap.String("snapshot_id", loaded.SnapshotID),
		zap.Bool("shared_fetch", shared),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// fetch loads the workflow behind sub, sharing the call with concurrent
// resyncs of the same subscription generation.
func (c *Coordinator) fetch(ctx context.Context, sub subscription.Subscription) (model.LoadedWorkflow, bool, error) {
	flight := fmt.Sprintf("%s@%d", sub.Key, sub.Generation)
	v, err, shared := c.group.Do(flight, func() (any, error) {
		ctx, span := observability.StartKeySpan(ctx, "resync.fetch", sub.Ref.Key())
		lw, err := c.loader.LoadWorkflow(ctx, sub.Ref.ProjectID, sub.Ref.WorkflowID)
		observability.EndSpanWithError(span, err)
		if err != nil {
			c.breaker.RecordFailure()
			return nil, err
		}
		c.breaker.RecordSuccess()
		return lw, nil
	})
	if err != nil {
		return model.LoadedWorkflow{}, shared, err
	}
	return v.(model.LoadedWorkflow), shared, nil
}

func (c *Coordinator) report(ctx context.Context, logger *zap.Logger, key model.SubscriptionKey, err error) {
	logger.Error("resync failed, keeping current tree",
		zap.String("breaker", c.breaker.State().String()),
		zap.String("trace_id", observability.TraceIDFromContext(ctx)),
		zap.Error(err),
	)
	if c.notifier == nil {
		return
	}
	c.notifier.Notify(ctx, model.ShowToastEvent{
		Type:     model.ToastError,
		Headline: "Workflow out of sync",
		Message:  fmt.Sprintf("Could not reload %s: %v", key, err),
	})
}
