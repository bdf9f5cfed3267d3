package patch

import (
	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/observability"
	"github.com/pitabwire/wfsync/model"
)

// BatchResult summarizes one ApplyBatch call.
type BatchResult struct {
	Applied int
	Failed  int
	Errors  []error
}

// Applier applies ordered operation lists rebased onto a mount point. Each
// operation is attempted independently: a failing operation is logged and
// skipped and the remaining operations still run.
type Applier struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// ApplierOption configures optional dependencies for the Applier.
type ApplierOption func(*Applier)

// WithLogger sets the logger used to report skipped operations.
func WithLogger(logger *zap.Logger) ApplierOption {
	return func(a *Applier) { a.logger = logger }
}

// WithMetrics sets the metrics used to count applied and failed operations.
func WithMetrics(m *observability.Metrics) ApplierOption {
	return func(a *Applier) { a.metrics = m }
}

// NewApplier creates an Applier.
func NewApplier(opts ...ApplierOption) *Applier {
	a := &Applier{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ApplyBatch applies ops in order against root with every path (and from)
// prefixed by mountPrefix. sideEffect, when non-nil, runs exactly once after
// the last operation, also for an empty batch.
func (a *Applier) ApplyBatch(root map[string]any, mountPrefix string, ops []model.Operation, sideEffect func()) BatchResult {
	var res BatchResult

	for i, op := range ops {
		err := a.applyOne(root, mountPrefix, op)
		if err != nil {
			res.Failed++
			res.Errors = append(res.Errors, err)
			a.metrics.RecordPatchOp(string(op.Op), failureCode(err))
			a.logger.Warn("patch operation skipped",
				zap.Int("index", i),
				zap.String("op", string(op.Op)),
				zap.String("path", op.Path),
				zap.String("mount", mountPrefix),
				zap.Error(err),
			)
			continue
		}
		res.Applied++
		a.metrics.RecordPatchOp(string(op.Op), "applied")
	}

	a.metrics.RecordPatchBatch(len(ops))

	if sideEffect != nil {
		sideEffect()
	}
	return res
}

// applyOne rebases a copy of op onto mountPrefix and applies it. The caller's
// operation is never modified.
func (a *Applier) applyOne(root map[string]any, mountPrefix string, op model.Operation) error {
	rebased, err := Rebase(op, mountPrefix)
	if err != nil {
		return err
	}
	return Apply(root, rebased)
}

// Rebase returns a copy of op with its path, and its from pointer when set,
// prefixed by mountPrefix.
func Rebase(op model.Operation, mountPrefix string) (model.Operation, error) {
	path, err := JoinPointer(mountPrefix, op.Path)
	if err != nil {
		return op, err
	}
	op.Path = path

	if op.From != "" {
		from, err := JoinPointer(mountPrefix, op.From)
		if err != nil {
			return op, err
		}
		op.From = from
	}
	return op, nil
}

func failureCode(err error) string {
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return model.ErrInternalError
}
