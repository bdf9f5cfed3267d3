package patch

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/wfsync/model"
)

// tree decodes a JSON literal the way notifications arrive off the wire.
func tree(t *testing.T, doc string) map[string]any {
	t.Helper()
	var root map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &root))
	return root
}

func op(kind model.OpType, path string, value any) model.Operation {
	return model.Operation{Op: kind, Path: path, Value: value}
}

func fromOp(kind model.OpType, from, path string) model.Operation {
	return model.Operation{Op: kind, Path: path, From: from}
}

// --- add ---

func TestApply_add_objectKey(t *testing.T) {
	root := tree(t, `{"nodes":{}}`)

	require.NoError(t, Apply(root, op(model.OpAdd, "/nodes/n1", map[string]any{"name": "Reader"})))

	assert.Equal(t, tree(t, `{"nodes":{"n1":{"name":"Reader"}}}`), root)
}

func TestApply_add_overwritesObjectKey(t *testing.T) {
	root := tree(t, `{"nodes":{"n1":{"name":"Reader"}}}`)

	require.NoError(t, Apply(root, op(model.OpAdd, "/nodes/n1", "replaced")))

	assert.Equal(t, "replaced", root["nodes"].(map[string]any)["n1"])
}

func TestApply_add_arrayAppend(t *testing.T) {
	root := tree(t, `{"items":[1,2]}`)

	require.NoError(t, Apply(root, op(model.OpAdd, "/items/-", 3.0)))

	assert.Equal(t, []any{1.0, 2.0, 3.0}, root["items"])
}

func TestApply_add_arrayInsert(t *testing.T) {
	root := tree(t, `{"items":["a","c"]}`)

	require.NoError(t, Apply(root, op(model.OpAdd, "/items/1", "b")))
	require.NoError(t, Apply(root, op(model.OpAdd, "/items/0", "start")))
	require.NoError(t, Apply(root, op(model.OpAdd, "/items/4", "end")))

	assert.Equal(t, []any{"start", "a", "b", "c", "end"}, root["items"])
}

func TestApply_add_arrayInsertBeyondLength(t *testing.T) {
	root := tree(t, `{"items":["a"]}`)

	err := Apply(root, op(model.OpAdd, "/items/5", "x"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, []any{"a"}, root["items"])
}

func TestApply_add_arrayNonNumericKey(t *testing.T) {
	root := tree(t, `{"items":["a"]}`)

	err := Apply(root, op(model.OpAdd, "/items/name", "x"))

	assert.True(t, model.IsCode(err, model.ErrTypeMismatch), "error = %v", err)
}

func TestApply_add_nestedArrayInsideArray(t *testing.T) {
	root := tree(t, `{"grid":[[1],[2]]}`)

	require.NoError(t, Apply(root, op(model.OpAdd, "/grid/1/-", 3.0)))

	assert.Equal(t, []any{[]any{1.0}, []any{2.0, 3.0}}, root["grid"])
}

func TestApply_add_missingParent(t *testing.T) {
	root := tree(t, `{"nodes":{}}`)
	before := Clone(root)

	err := Apply(root, op(model.OpAdd, "/connections/c1/source", "n1"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, before, root)
}

func TestApply_add_scalarParent(t *testing.T) {
	root := tree(t, `{"name":"wf"}`)

	err := Apply(root, op(model.OpAdd, "/name/first", "x"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestApply_add_clonesValue(t *testing.T) {
	root := tree(t, `{}`)
	value := map[string]any{"tags": []any{"a"}}

	require.NoError(t, Apply(root, op(model.OpAdd, "/meta", value)))
	root["meta"].(map[string]any)["tags"] = append(root["meta"].(map[string]any)["tags"].([]any), "b")

	assert.Equal(t, []any{"a"}, value["tags"], "operation value must not alias the tree")
}

func TestApply_emptyPath(t *testing.T) {
	root := tree(t, `{"a":1}`)

	err := Apply(root, op(model.OpAdd, "", map[string]any{}))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, tree(t, `{"a":1}`), root)
}

func TestApply_unknownOp(t *testing.T) {
	root := tree(t, `{}`)

	err := Apply(root, op("test", "/a", 1.0))

	assert.True(t, model.IsCode(err, model.ErrBadRequest), "error = %v", err)
}

// --- replace ---

func TestApply_replace_arrayElement(t *testing.T) {
	root := tree(t, `{"items":["a","b"]}`)

	require.NoError(t, Apply(root, op(model.OpReplace, "/items/1", "B")))

	assert.Equal(t, []any{"a", "B"}, root["items"])
}

func TestApply_replace_arrayOutOfRange(t *testing.T) {
	root := tree(t, `{"items":["a"]}`)

	err := Apply(root, op(model.OpReplace, "/items/1", "x"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestApply_replace_arrayDash(t *testing.T) {
	root := tree(t, `{"items":["a"]}`)

	err := Apply(root, op(model.OpReplace, "/items/-", "x"))

	assert.True(t, model.IsCode(err, model.ErrTypeMismatch), "error = %v", err)
}

func TestApply_replace_objectKey(t *testing.T) {
	root := tree(t, `{"info":{"state":"IDLE"}}`)

	require.NoError(t, Apply(root, op(model.OpReplace, "/info/state", "EXECUTING")))

	assert.Equal(t, "EXECUTING", root["info"].(map[string]any)["state"])
}

// --- remove ---

func TestApply_remove_arraySplice(t *testing.T) {
	root := tree(t, `{"items":["a","b","c","d","e"]}`)

	require.NoError(t, Apply(root, op(model.OpRemove, "/items/2", nil)))

	items := root["items"].([]any)
	assert.Len(t, items, 4)
	assert.Equal(t, "d", items[2])
}

func TestApply_remove_arrayNonNumeric(t *testing.T) {
	root := tree(t, `{"items":["a"]}`)

	err := Apply(root, op(model.OpRemove, "/items/x", nil))

	assert.True(t, model.IsCode(err, model.ErrTypeMismatch), "error = %v", err)
	assert.Equal(t, []any{"a"}, root["items"])
}

func TestApply_remove_objectKey(t *testing.T) {
	root := tree(t, `{"nodes":{"n1":{},"n2":{}}}`)

	require.NoError(t, Apply(root, op(model.OpRemove, "/nodes/n1", nil)))

	assert.Equal(t, tree(t, `{"nodes":{"n2":{}}}`), root)
}

func TestApply_remove_missingObjectKeyIsNoop(t *testing.T) {
	root := tree(t, `{"nodes":{}}`)

	require.NoError(t, Apply(root, op(model.OpRemove, "/nodes/ghost", nil)))

	assert.Equal(t, tree(t, `{"nodes":{}}`), root)
}

func TestApply_remove_escapedKey(t *testing.T) {
	root := tree(t, `{"connections":{"n1/0":{"dest":"n2"},"keep":{}}}`)

	require.NoError(t, Apply(root, op(model.OpRemove, "/connections/n1~10", nil)))

	assert.Equal(t, tree(t, `{"connections":{"keep":{}}}`), root)
}

// --- copy ---

func TestApply_copy_noAliasing(t *testing.T) {
	root := tree(t, `{"a":{"list":[1]},"b":{}}`)

	require.NoError(t, Apply(root, fromOp(model.OpCopy, "/a", "/b/a")))
	copied := root["b"].(map[string]any)["a"].(map[string]any)
	copied["list"] = append(copied["list"].([]any), 2.0)

	assert.Equal(t, []any{1.0}, root["a"].(map[string]any)["list"])
}

func TestApply_copy_missingFrom(t *testing.T) {
	root := tree(t, `{"a":{}}`)

	err := Apply(root, fromOp(model.OpCopy, "/ghost", "/b"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, tree(t, `{"a":{}}`), root)
}

func TestApply_copy_requiresFrom(t *testing.T) {
	root := tree(t, `{}`)

	err := Apply(root, model.Operation{Op: model.OpCopy, Path: "/b"})

	assert.True(t, model.IsCode(err, model.ErrBadRequest), "error = %v", err)
}

// --- move ---

func TestApply_move_betweenObjects(t *testing.T) {
	root := tree(t, `{"a":{"x":1},"b":{}}`)

	require.NoError(t, Apply(root, fromOp(model.OpMove, "/a/x", "/b/x")))

	assert.Equal(t, tree(t, `{"a":{},"b":{"x":1}}`), root)
}

func TestApply_move_samePath(t *testing.T) {
	root := tree(t, `{"a":{"x":1}}`)

	require.NoError(t, Apply(root, fromOp(model.OpMove, "/a/x", "/a/x")))

	assert.Equal(t, tree(t, `{"a":{"x":1}}`), root)
}

func TestApply_move_toAncestorOfSource(t *testing.T) {
	root := tree(t, `{"a":{"b":{"c":{"v":1}}}}`)

	require.NoError(t, Apply(root, fromOp(model.OpMove, "/a/b/c", "/a")))

	assert.Equal(t, tree(t, `{"a":{"v":1}}`), root)
}

func TestApply_move_missingFrom(t *testing.T) {
	root := tree(t, `{"a":{}}`)

	err := Apply(root, fromOp(model.OpMove, "/a/ghost", "/b"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, tree(t, `{"a":{}}`), root)
}

func TestApply_move_insertShiftsSourceRollsBack(t *testing.T) {
	root := tree(t, `{"a":["s",{"x":1}]}`)

	err := Apply(root, fromOp(model.OpMove, "/a/1/x", "/a/0"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, tree(t, `{"a":["s",{"x":1}]}`), root)
}

func TestApply_move_insertShiftsSourceInNestedArray(t *testing.T) {
	root := tree(t, `{"w":{"l":[{"x":1},"s"]}}`)

	err := Apply(root, fromOp(model.OpMove, "/w/l/0/x", "/w/l/0"))

	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
	assert.Equal(t, tree(t, `{"w":{"l":[{"x":1},"s"]}}`), root)
}

func TestApply_move_equalsCopyThenRemove(t *testing.T) {
	docs := []struct {
		doc      string
		from, to string
	}{
		{`{"a":{"x":{"k":[1,2]}},"b":{}}`, "/a/x", "/b/y"},
		{`{"l":["x","y","z"]}`, "/l/0", "/l/2"},
		{`{"l":["x","y","z"]}`, "/l/2", "/l/0"},
		{`{"l":["x","y"],"m":{}}`, "/l/1", "/m/last"},
		{`{"m":{"k":"v"},"l":[]}`, "/m/k", "/l/-"},
	}
	for _, d := range docs {
		moved := tree(t, d.doc)
		require.NoError(t, Apply(moved, fromOp(model.OpMove, d.from, d.to)), "move %s -> %s", d.from, d.to)

		stepped := tree(t, d.doc)
		require.NoError(t, Apply(stepped, fromOp(model.OpCopy, d.from, d.to)))
		require.NoError(t, Apply(stepped, op(model.OpRemove, d.from, nil)))

		assert.Equal(t, stepped, moved, "move %s -> %s", d.from, d.to)
	}
}

// --- Get / Clone ---

func TestGet(t *testing.T) {
	root := tree(t, `{"nodes":{"n1":{"ports":[{"name":"in"}]}}}`)

	v, err := Get(root, "/nodes/n1/ports/0/name")
	require.NoError(t, err)
	assert.Equal(t, "in", v)

	whole, err := Get(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, whole)

	_, err = Get(root, "/nodes/n1/ports/3")
	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestClone_nil(t *testing.T) {
	assert.Nil(t, Clone(nil))
}
