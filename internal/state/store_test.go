package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/wfsync/internal/patch"
	"github.com/pitabwire/wfsync/model"
)

const mount = "/activeWorkflow"

func workflow() map[string]any {
	return map[string]any{
		"nodes": map[string]any{
			"n1": map[string]any{"name": "Reader", "state": "IDLE"},
			"n2": map[string]any{"name": "Writer", "state": "EXECUTED"},
		},
		"connections": []any{},
	}
}

// --- Replace / Get ---

func TestStore_Replace_createsIntermediates(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Replace("/workflows/active", workflow()))

	v, err := s.Get("/workflows/active/nodes/n1/name")
	require.NoError(t, err)
	assert.Equal(t, "Reader", v)
}

func TestStore_Replace_root(t *testing.T) {
	s := NewStore()

	err := s.Replace("", workflow())

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestStore_Replace_scalarIntermediate(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace("/a", "scalar"))

	err := s.Replace("/a/b", 1)

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestStore_Get_returnsCopy(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))

	v, err := s.Get(mount + "/nodes")
	require.NoError(t, err)
	v.(map[string]any)["n3"] = "injected"

	again, err := s.Get(mount + "/nodes")
	require.NoError(t, err)
	assert.NotContains(t, again, "n3")
}

func TestStore_Get_missing(t *testing.T) {
	s := NewStore()

	_, err := s.Get(mount + "/nodes")

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestStore_Clear(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))
	require.True(t, s.Mounted(mount))

	s.Clear(mount)

	assert.False(t, s.Mounted(mount))
	// Clearing again is a no-op.
	s.Clear(mount)
	s.Clear("/never/mounted")
}

// --- ApplyPatch ---

func TestStore_ApplyPatch_emitsOnce(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))

	var changes []Change
	s.OnChange(func(c Change) { changes = append(changes, c) })

	res := s.ApplyPatch(patch.NewApplier(), mount, []model.Operation{
		{Op: model.OpReplace, Path: "/nodes/n1/state", Value: "EXECUTING"},
		{Op: model.OpRemove, Path: "/nodes/n2"},
		{Op: model.OpAdd, Path: "/missing/x", Value: 1},
	})

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, changes, 1)
	assert.Equal(t, Change{Kind: ChangeWorkflow, Mount: mount}, changes[0])

	state, err := s.Get(mount + "/nodes/n1/state")
	require.NoError(t, err)
	assert.Equal(t, "EXECUTING", state)
}

func TestStore_ApplyPatch_emptyBatchStillEmits(t *testing.T) {
	s := NewStore()
	count := 0
	s.OnChange(func(Change) { count++ })

	s.ApplyPatch(patch.NewApplier(), mount, nil)

	assert.Equal(t, 1, count)
}

func TestStore_listenerCanRead(t *testing.T) {
	s := NewStore()
	var seen any
	s.OnChange(func(c Change) {
		// Listeners run after the lock is released.
		seen, _ = s.Get(c.Mount + "/nodes/n1/name")
	})

	require.NoError(t, s.Replace(mount, workflow()))

	assert.Equal(t, "Reader", seen)
}

func TestStore_OnChange_cancel(t *testing.T) {
	s := NewStore()
	count := 0
	cancel := s.OnChange(func(Change) { count++ })
	other := 0
	s.OnChange(func(Change) { other++ })

	s.SetAppState(nil)
	cancel()
	s.SetAppState(nil)

	assert.Equal(t, 1, count)
	assert.Equal(t, 2, other)
}

// --- Query ---

func TestStore_Query(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))

	names, err := s.Query("$.activeWorkflow.nodes.*.name")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"Reader", "Writer"}, names)

	one, err := s.Query("$.activeWorkflow.nodes.n2.state")
	require.NoError(t, err)
	assert.Equal(t, []any{"EXECUTED"}, one)
}

func TestStore_Query_returnsCopies(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))

	res, err := s.Query("$.activeWorkflow.nodes.n1")
	require.NoError(t, err)
	require.Len(t, res, 1)
	res[0].(map[string]any)["name"] = "mutated"

	name, err := s.Get(mount + "/nodes/n1/name")
	require.NoError(t, err)
	assert.Equal(t, "Reader", name)
}

func TestStore_Query_invalid(t *testing.T) {
	s := NewStore()

	_, err := s.Query("$['unterminated")

	assert.True(t, model.IsCode(err, model.ErrBadRequest), "error = %v", err)
}

// --- App state and dirty projects ---

func TestStore_AppState_wholesale(t *testing.T) {
	s := NewStore()
	s.SetAppState(map[string]any{"openProjects": []any{"p1"}, "theme": "dark"})
	s.SetAppState(map[string]any{"openProjects": []any{"p2"}})

	got := s.AppState()

	assert.Equal(t, map[string]any{"openProjects": []any{"p2"}}, got)
}

func TestStore_UpdateDirtyProjects(t *testing.T) {
	s := NewStore()

	s.UpdateDirtyProjects(map[string]bool{"p1": true}, false)
	s.UpdateDirtyProjects(map[string]bool{"p2": true}, false)
	assert.Equal(t, map[string]bool{"p1": true, "p2": true}, s.DirtyProjects())

	s.UpdateDirtyProjects(map[string]bool{"p3": false}, true)
	assert.Equal(t, map[string]bool{"p3": false}, s.DirtyProjects())
}

func TestStore_concurrentReadersAndWriter(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Replace(mount, workflow()))
	a := patch.NewApplier()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			s.ApplyPatch(a, mount, []model.Operation{
				{Op: model.OpAdd, Path: "/connections/-", Value: map[string]any{"i": i}},
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			_, _ = s.Get(mount + "/connections")
			_ = s.Snapshot()
		}
	}()
	wg.Wait()

	conns, err := s.Get(mount + "/connections")
	require.NoError(t, err)
	assert.Len(t, conns, 100)
}
