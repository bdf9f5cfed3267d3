package model

import "encoding/json"

// EventType names a server or desktop-shell notification.
type EventType string

// Known event types.
const (
	EventWorkflowChanged   EventType = "WorkflowChangedEvent"
	EventProjectDirtyState EventType = "ProjectDirtyStateEvent"
	EventAppStateChanged   EventType = "AppStateChangedEvent"
	EventComposite         EventType = "CompositeEvent"
	EventShowToast         EventType = "ShowToastEvent"
	EventProjectDisposed   EventType = "ProjectDisposedEvent"
)

// WorkflowChangedEventTypeID is the listener type id passed to the transport
// when subscribing to workflow changes.
const WorkflowChangedEventTypeID = "WorkflowChangedEventType"

// Event is the closed set of notification payloads. Each payload reports its
// own discriminant.
type Event interface {
	EventType() EventType
}

// WorkflowChangedEvent carries an incremental patch for one subscription.
// ProjectID and WorkflowID are optional; when absent the subscription is
// taken from the dispatch context.
type WorkflowChangedEvent struct {
	Patch      Patch  `json:"patch"`
	SnapshotID string `json:"snapshotId,omitempty"`
	ProjectID  string `json:"projectId,omitempty"`
	WorkflowID string `json:"workflowId,omitempty"`
}

// EventType implements Event.
func (WorkflowChangedEvent) EventType() EventType { return EventWorkflowChanged }

// Notification returns the patch notification view of the event.
func (e WorkflowChangedEvent) Notification() PatchNotification {
	return PatchNotification{Ops: e.Patch.Ops, SnapshotID: e.SnapshotID}
}

// ProjectDirtyStateEvent reports unsaved-changes flags per project.
type ProjectDirtyStateEvent struct {
	DirtyProjectsMap map[string]bool `json:"dirtyProjectsMap"`
	ShouldReplace    bool            `json:"shouldReplace,omitempty"`
}

// EventType implements Event.
func (ProjectDirtyStateEvent) EventType() EventType { return EventProjectDirtyState }

// AppStateChangedEvent pushes the full application state.
type AppStateChangedEvent struct {
	AppState map[string]any `json:"appState"`
}

// EventType implements Event.
func (AppStateChangedEvent) EventType() EventType { return EventAppStateChanged }

// CompositeEvent bundles events that must be dispatched in array order.
// Events[i] is dispatched with Params[i].
type CompositeEvent struct {
	Events []EventType       `json:"events"`
	Params []json.RawMessage `json:"params"`
}

// EventType implements Event.
func (CompositeEvent) EventType() EventType { return EventComposite }

// ShowToastEvent asks the shell to surface a transient message.
type ShowToastEvent struct {
	Type     string `json:"type"`
	Headline string `json:"headline,omitempty"`
	Message  string `json:"message"`
}

// EventType implements Event.
func (ShowToastEvent) EventType() EventType { return EventShowToast }

// ProjectDisposedEvent is emitted by the desktop shell when a project closes.
type ProjectDisposedEvent struct {
	ProjectID string `json:"projectId"`
}

// EventType implements Event.
func (ProjectDisposedEvent) EventType() EventType { return EventProjectDisposed }
