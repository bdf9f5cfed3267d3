package subscription

import "github.com/pitabwire/wfsync/model"

// ResolveScope returns the key change notifications for ref are published
// under: the nearest container on [self, direct parent, ..., project root]
// that is independently addressable. Metanodes are not; their changes are
// published on the enclosing component or project workflow.
func ResolveScope(ref model.WorkflowRef, info model.WorkflowInfo) model.SubscriptionKey {
	if info.ContainerType != model.ContainerMetanode {
		return ref.Key()
	}

	for i := len(info.Parents) - 1; i >= 0; i-- {
		p := info.Parents[i]
		if p.ContainerType == model.ContainerMetanode {
			continue
		}
		id := p.ContainerID
		if id == "" && p.ContainerType == model.ContainerProject {
			id = model.RootWorkflowID
		}
		if id == "" {
			continue
		}
		return model.SubscriptionKey{ProjectID: ref.ProjectID, WorkflowID: id}
	}

	// No addressable ancestor was reported; the project root always is.
	return model.SubscriptionKey{ProjectID: ref.ProjectID, WorkflowID: model.RootWorkflowID}
}
