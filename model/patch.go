package model

import "fmt"

// OpType is the kind of a structural edit operation.
type OpType string

// Supported edit operations.
const (
	OpAdd     OpType = "add"
	OpRemove  OpType = "remove"
	OpReplace OpType = "replace"
	OpCopy    OpType = "copy"
	OpMove    OpType = "move"
)

// Operation is one JSON-Patch-flavoured edit addressed by an RFC 6901 pointer.
// Operations are values; code that needs a rewritten path copies the
// operation instead of mutating it.
type Operation struct {
	Op    OpType `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	From  string `json:"from,omitempty"`
}

// Validate checks that the operation is well formed independent of any tree.
func (o Operation) Validate() error {
	switch o.Op {
	case OpAdd, OpReplace, OpRemove:
		return nil
	case OpCopy, OpMove:
		if o.From == "" {
			return NewBadRequestError(fmt.Sprintf("%s operation on %q requires from", o.Op, o.Path))
		}
		return nil
	default:
		return NewBadRequestError(fmt.Sprintf("unknown operation %q on %q", o.Op, o.Path))
	}
}

// String renders the operation for logs.
func (o Operation) String() string {
	if o.From != "" {
		return fmt.Sprintf("%s %s -> %s", o.Op, o.From, o.Path)
	}
	return fmt.Sprintf("%s %s", o.Op, o.Path)
}

// Patch is the ordered list of operations carried by a change notification.
type Patch struct {
	Ops []Operation `json:"ops"`
}

// PatchNotification is the unit delivered for one subscription. An empty
// SnapshotID means the notification makes no version assertion.
type PatchNotification struct {
	Ops        []Operation `json:"ops"`
	SnapshotID string      `json:"snapshotId,omitempty"`
}
