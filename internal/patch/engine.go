package patch

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/pitabwire/wfsync/model"
)

// location is the unresolved last step of a pointer: the container holding
// the target and the key inside it. set replaces the container in its own
// parent, which array insertions and removals need because they produce a
// new slice header.
type location struct {
	path      string
	container any
	key       string
	set       func(any)
}

// Apply applies a single operation to root in place. An operation that fails
// leaves root untouched.
func Apply(root map[string]any, op model.Operation) error {
	if err := op.Validate(); err != nil {
		return err
	}

	switch op.Op {
	case model.OpAdd:
		return add(root, op.Path, Clone(op.Value))
	case model.OpReplace:
		return replace(root, op.Path, Clone(op.Value))
	case model.OpRemove:
		return remove(root, op.Path)
	case model.OpCopy:
		v, err := Get(root, op.From)
		if err != nil {
			return err
		}
		return add(root, op.Path, Clone(v))
	case model.OpMove:
		return move(root, op.From, op.Path)
	}
	return nil
}

// Get resolves pointer against root and returns the value it addresses. The
// returned value aliases the tree.
func Get(root map[string]any, pointer string) (any, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}

	var node any = root
	for _, tok := range tokens {
		switch c := node.(type) {
		case map[string]any:
			child, ok := c[tok]
			if !ok {
				return nil, model.NewPointerError(pointer, fmt.Sprintf("key %q not found", tok))
			}
			node = child
		case []any:
			idx, ok := parseIndex(tok)
			if !ok || idx >= len(c) {
				return nil, model.NewPointerError(pointer, fmt.Sprintf("index %q out of range", tok))
			}
			node = c[idx]
		default:
			return nil, model.NewPointerError(pointer, fmt.Sprintf("cannot descend into %T at %q", node, tok))
		}
	}
	return node, nil
}

// Clone returns a structural deep copy of v that shares no maps or slices
// with it.
func Clone(v any) any {
	if v == nil {
		return nil
	}
	return deepcopy.Copy(v)
}

func locate(root map[string]any, pointer string) (*location, error) {
	tokens, err := ParsePointer(pointer)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, model.NewPointerError(pointer, "the document root cannot be targeted")
	}

	var node any = root
	set := func(any) {}
	for _, tok := range tokens[:len(tokens)-1] {
		switch c := node.(type) {
		case map[string]any:
			child, ok := c[tok]
			if !ok {
				return nil, model.NewPointerError(pointer, fmt.Sprintf("key %q not found", tok))
			}
			m, k := c, tok
			set = func(v any) { m[k] = v }
			node = child
		case []any:
			idx, ok := parseIndex(tok)
			if !ok || idx >= len(c) {
				return nil, model.NewPointerError(pointer, fmt.Sprintf("index %q out of range", tok))
			}
			s, i := c, idx
			set = func(v any) { s[i] = v }
			node = c[idx]
		default:
			return nil, model.NewPointerError(pointer, fmt.Sprintf("cannot descend into %T at %q", node, tok))
		}
	}

	switch node.(type) {
	case map[string]any, []any:
	default:
		return nil, model.NewPointerError(pointer, fmt.Sprintf("parent is %T, not a container", node))
	}

	return &location{
		path:      pointer,
		container: node,
		key:       tokens[len(tokens)-1],
		set:       set,
	}, nil
}

func add(root map[string]any, pointer string, value any) error {
	_, err := insert(root, pointer, value)
	return err
}

// insert performs add and returns a function that restores the container
// it changed.
func insert(root map[string]any, pointer string, value any) (undo func(), err error) {
	loc, err := locate(root, pointer)
	if err != nil {
		return nil, err
	}

	switch c := loc.container.(type) {
	case map[string]any:
		prev, had := c[loc.key]
		c[loc.key] = value
		return func() {
			if had {
				c[loc.key] = prev
				return
			}
			delete(c, loc.key)
		}, nil
	case []any:
		if loc.key == "-" {
			loc.set(append(c, value))
			return func() { loc.set(c) }, nil
		}
		idx, ok := parseIndex(loc.key)
		if !ok {
			return nil, model.NewTypeMismatchError(pointer, fmt.Sprintf("array insert needs an index or -, got %q", loc.key))
		}
		if idx > len(c) {
			return nil, model.NewPointerError(pointer, fmt.Sprintf("insert index %d beyond length %d", idx, len(c)))
		}
		out := make([]any, 0, len(c)+1)
		out = append(out, c[:idx]...)
		out = append(out, value)
		out = append(out, c[idx:]...)
		loc.set(out)
		return func() { loc.set(c) }, nil
	}
	return func() {}, nil
}

func replace(root map[string]any, pointer string, value any) error {
	loc, err := locate(root, pointer)
	if err != nil {
		return err
	}

	switch c := loc.container.(type) {
	case map[string]any:
		c[loc.key] = value
	case []any:
		idx, ok := parseIndex(loc.key)
		if !ok {
			return model.NewTypeMismatchError(pointer, fmt.Sprintf("array replace needs an index, got %q", loc.key))
		}
		if idx >= len(c) {
			return model.NewPointerError(pointer, fmt.Sprintf("index %d out of range for length %d", idx, len(c)))
		}
		c[idx] = value
	}
	return nil
}

func remove(root map[string]any, pointer string) error {
	loc, err := locate(root, pointer)
	if err != nil {
		return err
	}

	switch c := loc.container.(type) {
	case map[string]any:
		delete(c, loc.key)
	case []any:
		idx, ok := parseIndex(loc.key)
		if !ok {
			return model.NewTypeMismatchError(pointer, fmt.Sprintf("array remove needs an index, got %q", loc.key))
		}
		if idx >= len(c) {
			return model.NewPointerError(pointer, fmt.Sprintf("index %d out of range for length %d", idx, len(c)))
		}
		out := make([]any, 0, len(c)-1)
		out = append(out, c[:idx]...)
		out = append(out, c[idx+1:]...)
		loc.set(out)
	}
	return nil
}

// move is copy followed by remove. The clone is taken first so that a target
// that is an ancestor of the source still works. When the insert shifts the
// source out of reach the insert is rolled back.
func move(root map[string]any, from, pointer string) error {
	v, err := Get(root, from)
	if err != nil {
		return err
	}
	if from == pointer {
		return nil
	}

	undo, err := insert(root, pointer, Clone(v))
	if err != nil {
		return err
	}

	// The source went away together with the ancestor that was overwritten.
	if HasPrefix(from, pointer) {
		return nil
	}
	if err := remove(root, from); err != nil {
		undo()
		return err
	}
	return nil
}
