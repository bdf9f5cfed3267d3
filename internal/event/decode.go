package event

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/pitabwire/wfsync/model"
)

// Decode parses raw params into the payload type registered for eventType.
func Decode(eventType model.EventType, raw json.RawMessage) (model.Event, error) {
	switch eventType {
	case model.EventWorkflowChanged:
		return decodeAs[model.WorkflowChangedEvent](eventType, raw)
	case model.EventProjectDirtyState:
		return decodeAs[model.ProjectDirtyStateEvent](eventType, raw)
	case model.EventAppStateChanged:
		return decodeAs[model.AppStateChangedEvent](eventType, raw)
	case model.EventComposite:
		return decodeAs[model.CompositeEvent](eventType, raw)
	case model.EventShowToast:
		return decodeAs[model.ShowToastEvent](eventType, raw)
	case model.EventProjectDisposed:
		return decodeAs[model.ProjectDisposedEvent](eventType, raw)
	default:
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown event type %q", eventType))
	}
}

// Typed adapts a handler for a concrete payload type to the raw Handler
// signature. Empty or null params decode to the zero value.
func Typed[T any](fn func(ctx context.Context, ev T) error) Handler {
	return func(ctx context.Context, params json.RawMessage) error {
		var ev T
		if err := unmarshal(params, &ev); err != nil {
			return model.NewBadRequestError(fmt.Sprintf("decode %T: %v", ev, err))
		}
		return fn(ctx, ev)
	}
}

func decodeAs[T model.Event](eventType model.EventType, raw json.RawMessage) (model.Event, error) {
	var ev T
	if err := unmarshal(raw, &ev); err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("decode %s: %v", eventType, err))
	}
	return ev, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	return json.Unmarshal(trimmed, v)
}
