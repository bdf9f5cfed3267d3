package model

import (
	"context"
	"errors"
)

// DispatchContext carries the origin of one inbound notification for the
// lifetime of its dispatch. It is immutable after construction and safe for
// concurrent reads.
type DispatchContext struct {
	// Key is the subscription the notification was delivered on, when the
	// transport knows it.
	Key SubscriptionKey
	// Source is the event source the notification came from.
	Source string
	// ConnectionID identifies the transport connection.
	ConnectionID string
	// Sequence is the transport's receive counter for the connection.
	Sequence uint64
}

// Validate checks that the mandatory fields are present.
func (dc *DispatchContext) Validate() error {
	if dc.Source == "" {
		return errors.New("Source is required")
	}
	return nil
}

type contextKey struct{}

// WithDispatchContext attaches a DispatchContext to the given context.
func WithDispatchContext(ctx context.Context, dc *DispatchContext) context.Context {
	return context.WithValue(ctx, contextKey{}, dc)
}

// DispatchContextFrom extracts the DispatchContext from the context, or
// returns nil if not present.
func DispatchContextFrom(ctx context.Context) *DispatchContext {
	dc, _ := ctx.Value(contextKey{}).(*DispatchContext)
	return dc
}

// SubscriptionKeyFrom returns the subscription key carried by the context, if
// any.
func SubscriptionKeyFrom(ctx context.Context) (SubscriptionKey, bool) {
	dc := DispatchContextFrom(ctx)
	if dc == nil || dc.Key.IsZero() {
		return SubscriptionKey{}, false
	}
	return dc.Key, true
}
