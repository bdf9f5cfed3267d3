package event

import (
	"context"

	"github.com/pitabwire/wfsync/model"
)

// WorkflowSync applies workflow change notifications.
type WorkflowSync interface {
	HandleWorkflowChanged(ctx context.Context, ev model.WorkflowChangedEvent) error
}

// StateWriter receives whole-state updates that bypass the patch engine.
type StateWriter interface {
	SetAppState(appState map[string]any)
	UpdateDirtyProjects(m map[string]bool, replace bool)
}

// ProjectCloser tears down every subscription of a project.
type ProjectCloser interface {
	CloseProject(ctx context.Context, projectID string) error
}

// SyncHandlers returns the server-source handler table.
func SyncHandlers(wf WorkflowSync, st StateWriter, notifier model.Notifier) Table {
	return Table{
		model.EventWorkflowChanged: Typed(wf.HandleWorkflowChanged),
		model.EventProjectDirtyState: Typed(func(_ context.Context, ev model.ProjectDirtyStateEvent) error {
			st.UpdateDirtyProjects(ev.DirtyProjectsMap, ev.ShouldReplace)
			return nil
		}),
		model.EventAppStateChanged: Typed(func(_ context.Context, ev model.AppStateChangedEvent) error {
			st.SetAppState(ev.AppState)
			return nil
		}),
		model.EventShowToast: Typed(func(ctx context.Context, ev model.ShowToastEvent) error {
			notifier.Notify(ctx, ev)
			return nil
		}),
	}
}

// DesktopHandlers returns the desktop-shell handler table.
func DesktopHandlers(pc ProjectCloser) Table {
	return Table{
		model.EventProjectDisposed: Typed(func(ctx context.Context, ev model.ProjectDisposedEvent) error {
			if ev.ProjectID == "" {
				return model.NewBadRequestError("projectId is required")
			}
			return pc.CloseProject(ctx, ev.ProjectID)
		}),
	}
}
