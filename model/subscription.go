package model

import "fmt"

// Container types reported by the loader for a workflow.
const (
	ContainerProject   = "project"
	ContainerComponent = "component"
	ContainerMetanode  = "metanode"
)

// RootWorkflowID is the workflow id of a project's top-level workflow.
const RootWorkflowID = "root"

// SubscriptionKey identifies a (project, workflow) pair that receives change
// notifications.
type SubscriptionKey struct {
	ProjectID  string `json:"projectId"`
	WorkflowID string `json:"workflowId"`
}

// String renders the key as "project/workflow".
func (k SubscriptionKey) String() string {
	return fmt.Sprintf("%s/%s", k.ProjectID, k.WorkflowID)
}

// IsZero reports whether the key is unset.
func (k SubscriptionKey) IsZero() bool {
	return k.ProjectID == "" && k.WorkflowID == ""
}

// WorkflowRef addresses a workflow to open.
type WorkflowRef struct {
	ProjectID  string `json:"projectId"`
	WorkflowID string `json:"workflowId"`
}

// Key returns the subscription key that addresses the same workflow.
func (r WorkflowRef) Key() SubscriptionKey {
	return SubscriptionKey{ProjectID: r.ProjectID, WorkflowID: r.WorkflowID}
}

// ContainerRef describes one container on the path from the project root to
// a workflow.
type ContainerRef struct {
	ContainerID   string `json:"containerId"`
	ContainerType string `json:"containerType"`
}

// WorkflowInfo describes where a loaded workflow sits in its project.
// Parents are ordered from the project root down to the direct parent.
type WorkflowInfo struct {
	ContainerID   string         `json:"containerId"`
	ContainerType string         `json:"containerType"`
	Parents       []ContainerRef `json:"parents,omitempty"`
}

// LoadedWorkflow is the result of a full-state fetch.
type LoadedWorkflow struct {
	Workflow   any          `json:"workflow"`
	SnapshotID string       `json:"snapshotId,omitempty"`
	Info       WorkflowInfo `json:"info"`
}

// SubscribeParams is sent to the transport on subscribe and unsubscribe.
type SubscribeParams struct {
	TypeID     string `json:"typeId"`
	ProjectID  string `json:"projectId"`
	WorkflowID string `json:"workflowId"`
	SnapshotID string `json:"snapshotId,omitempty"`
}
