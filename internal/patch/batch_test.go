package patch

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

const mount = "/activeWorkflow"

func TestApplier_ApplyBatch_rebasesOntoMount(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{"nodes":{}}}`)
	a := NewApplier()

	res := a.ApplyBatch(root, mount, []model.Operation{
		op(model.OpAdd, "/nodes/n1", map[string]any{"name": "Reader"}),
		fromOp(model.OpCopy, "/nodes/n1", "/nodes/n2"),
	}, nil)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, tree(t, `{"activeWorkflow":{"nodes":{"n1":{"name":"Reader"},"n2":{"name":"Reader"}}}}`), root)
}

func TestApplier_ApplyBatch_nonAtomic(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{"nodes":{}}}`)
	core, logs := observer.New(zap.WarnLevel)
	reg := prometheus.NewRegistry()
	metrics := observability.InitMetrics(reg)
	a := NewApplier(WithLogger(zap.New(core)), WithMetrics(metrics))

	res := a.ApplyBatch(root, mount, []model.Operation{
		op(model.OpAdd, "/nodes/n1", "first"),
		op(model.OpAdd, "/missing/deep/n2", "lost"),
		op(model.OpAdd, "/nodes/n3", "third"),
	}, nil)

	assert.Equal(t, 2, res.Applied)
	assert.Equal(t, 1, res.Failed)
	require.Len(t, res.Errors, 1)
	assert.True(t, model.IsCode(res.Errors[0], model.ErrPointer))
	assert.Equal(t, tree(t, `{"activeWorkflow":{"nodes":{"n1":"first","n3":"third"}}}`), root)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "patch operation skipped", entry.Message)
	assert.Equal(t, int64(1), entry.ContextMap()["index"])

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PatchOpsTotal.WithLabelValues("add", model.ErrPointer)))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PatchOpsTotal.WithLabelValues("add", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PatchBatchesTotal))
}

func TestApplier_ApplyBatch_sideEffectOncePerBatch(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{}}`)
	a := NewApplier()

	calls := 0
	a.ApplyBatch(root, mount, []model.Operation{
		op(model.OpAdd, "/a", 1.0),
		op(model.OpAdd, "/b", 2.0),
		op(model.OpRemove, "/nope/x", nil),
	}, func() { calls++ })
	assert.Equal(t, 1, calls)

	a.ApplyBatch(root, mount, nil, func() { calls++ })
	assert.Equal(t, 2, calls, "an empty batch still runs the side effect")
}

func TestApplier_ApplyBatch_sideEffectSeesAllOps(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{}}`)
	a := NewApplier()

	var seen any
	a.ApplyBatch(root, mount, []model.Operation{
		op(model.OpAdd, "/a", 1.0),
		op(model.OpAdd, "/b", 2.0),
	}, func() { seen = Clone(root["activeWorkflow"]) })

	assert.Equal(t, map[string]any{"a": 1.0, "b": 2.0}, seen)
}

func TestApplier_ApplyBatch_leavesOperationsUntouched(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{"nodes":{"n1":1}}}`)
	a := NewApplier()
	ops := []model.Operation{
		fromOp(model.OpMove, "/nodes/n1", "/nodes/n2"),
	}

	a.ApplyBatch(root, mount, ops, nil)

	assert.Equal(t, "/nodes/n2", ops[0].Path)
	assert.Equal(t, "/nodes/n1", ops[0].From)
}

func TestApplier_ApplyBatch_mountItself(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{"old":true}}`)
	a := NewApplier()

	res := a.ApplyBatch(root, mount+"/", []model.Operation{
		op(model.OpReplace, "", map[string]any{"fresh": true}),
	}, nil)

	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, tree(t, `{"activeWorkflow":{"fresh":true}}`), root)
}

func TestRebase_idempotentFromOriginal(t *testing.T) {
	original := fromOp(model.OpCopy, "/nodes/a", "/nodes/b")

	first, err := Rebase(original, mount)
	require.NoError(t, err)
	second, err := Rebase(original, mount)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "/activeWorkflow/nodes/b", first.Path)
	assert.Equal(t, "/activeWorkflow/nodes/a", first.From)
	assert.Equal(t, "/nodes/b", original.Path)
}

func TestRebase_relativePath(t *testing.T) {
	_, err := Rebase(op(model.OpAdd, "nodes/a", 1.0), mount)
	assert.True(t, model.IsCode(err, model.ErrPointer), "error = %v", err)
}

func TestApplier_nilMetrics(t *testing.T) {
	root := tree(t, `{"activeWorkflow":{}}`)
	a := NewApplier(WithMetrics(nil))

	res := a.ApplyBatch(root, mount, []model.Operation{op(model.OpAdd, "/a", 1.0)}, nil)

	assert.Equal(t, 1, res.Applied)
}
