// Package state owns the application state tree that mounted workflows live
// in. All writes go through the Store; readers get deep copies or change
// notifications, never a mutable alias.
package state

import (
	"fmt"
	"sync"

	"github.com/ohler55/ojg/jp"
	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/patch"
	"github.com/pitabwire/wfsync/model"
)

// ChangeKind identifies what part of the state changed.
type ChangeKind string

// Change kinds.
const (
	ChangeWorkflow      ChangeKind = "workflow"
	ChangeAppState      ChangeKind = "app_state"
	ChangeDirtyProjects ChangeKind = "dirty_projects"
)

// Change is delivered to listeners after a write completes.
type Change struct {
	Kind  ChangeKind
	Mount string
}

// Listener receives change notifications. Listeners run synchronously on the
// writer's goroutine after the write lock is released.
type Listener func(Change)

type listenerEntry struct {
	id uint64
	fn Listener
}

// Store is the single owner of the root tree.
type Store struct {
	mu       sync.RWMutex
	root     map[string]any
	appState map[string]any
	dirty    map[string]bool

	lmu       sync.Mutex
	listeners []listenerEntry
	nextID    uint64

	logger *zap.Logger
}

// StoreOption configures optional dependencies for the Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore creates an empty Store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		root:     make(map[string]any),
		appState: make(map[string]any),
		dirty:    make(map[string]bool),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Workflow tree ---

// ApplyPatch applies ops rebased onto mount under the write lock and emits
// exactly one ChangeWorkflow afterwards, also for an empty batch.
func (s *Store) ApplyPatch(applier *patch.Applier, mount string, ops []model.Operation) patch.BatchResult {
	emit := false

	s.mu.Lock()
	res := applier.ApplyBatch(s.root, mount, ops, func() { emit = true })
	s.mu.Unlock()

	if emit {
		s.emit(Change{Kind: ChangeWorkflow, Mount: mount})
	}
	return res
}

// Replace sets the value at mount wholesale, creating missing intermediate
// objects. The store takes ownership of value.
func (s *Store) Replace(mount string, value any) error {
	tokens, err := patch.ParsePointer(mount)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return model.NewPointerError(mount, "the document root cannot be replaced")
	}

	s.mu.Lock()
	node := s.root
	for _, tok := range tokens[:len(tokens)-1] {
		child, ok := node[tok]
		if !ok || child == nil {
			next := make(map[string]any)
			node[tok] = next
			node = next
			continue
		}
		next, ok := child.(map[string]any)
		if !ok {
			s.mu.Unlock()
			return model.NewPointerError(mount, fmt.Sprintf("%q holds %T, not an object", tok, child))
		}
		node = next
	}
	node[tokens[len(tokens)-1]] = value
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeWorkflow, Mount: mount})
	return nil
}

// Clear removes whatever is mounted at mount. Clearing an empty mount is a
// no-op.
func (s *Store) Clear(mount string) {
	s.mu.Lock()
	err := patch.Apply(s.root, model.Operation{Op: model.OpRemove, Path: mount})
	s.mu.Unlock()

	if err != nil {
		s.logger.Debug("clear skipped", zap.String("mount", mount), zap.Error(err))
		return
	}
	s.emit(Change{Kind: ChangeWorkflow, Mount: mount})
}

// Get returns a deep copy of the value at pointer.
func (s *Store) Get(pointer string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, err := patch.Get(s.root, pointer)
	if err != nil {
		return nil, err
	}
	return patch.Clone(v), nil
}

// Mounted reports whether a value exists at mount.
func (s *Store) Mounted(mount string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := patch.Get(s.root, mount)
	return err == nil
}

// Query evaluates a JSONPath expression against the tree and returns deep
// copies of the matches.
func (s *Store) Query(expr string) ([]any, error) {
	x, err := jp.ParseString(expr)
	if err != nil {
		return nil, model.NewBadRequestError(fmt.Sprintf("invalid jsonpath %q: %v", expr, err))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := x.Get(s.root)
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = patch.Clone(r)
	}
	return out, nil
}

// Snapshot returns a deep copy of the whole tree.
func (s *Store) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return patch.Clone(s.root).(map[string]any)
}

// --- Application state ---

// SetAppState replaces the application state wholesale.
func (s *Store) SetAppState(appState map[string]any) {
	if appState == nil {
		appState = make(map[string]any)
	}
	s.mu.Lock()
	s.appState = appState
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeAppState})
}

// AppState returns a deep copy of the application state.
func (s *Store) AppState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return patch.Clone(s.appState).(map[string]any)
}

// UpdateDirtyProjects merges m into the dirty-project map, or replaces the
// map when replace is set.
func (s *Store) UpdateDirtyProjects(m map[string]bool, replace bool) {
	s.mu.Lock()
	if replace {
		s.dirty = make(map[string]bool, len(m))
	}
	for id, dirty := range m {
		s.dirty[id] = dirty
	}
	s.mu.Unlock()

	s.emit(Change{Kind: ChangeDirtyProjects})
}

// DirtyProjects returns a copy of the dirty-project map.
func (s *Store) DirtyProjects() map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool, len(s.dirty))
	for id, dirty := range s.dirty {
		out[id] = dirty
	}
	return out
}

// --- Listeners ---

// OnChange registers a listener and returns a function that removes it.
func (s *Store) OnChange(fn Listener) (cancel func()) {
	s.lmu.Lock()
	defer s.lmu.Unlock()

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listenerEntry{id: id, fn: fn})

	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		for i, l := range s.listeners {
			if l.id == id {
				s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emit(c Change) {
	s.lmu.Lock()
	listeners := make([]listenerEntry, len(s.listeners))
	copy(listeners, s.listeners)
	s.lmu.Unlock()

	for _, l := range listeners {
		l.fn(c)
	}
}
