package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/wfsync/internal/event"
	"github.com/pitabwire/wfsync/internal/patch"
	"github.com/pitabwire/wfsync/model"
)

var errOpsFailed = errors.New("one or more operations failed")

type applyFlags struct {
	mount   string
	pointer string
	strict  bool
	compact bool
	verbose bool
}

func newRootCmd() *cobra.Command {
	var f applyFlags
	cmd := &cobra.Command{
		Use:   "wfpatch [document.json] [patch.json]",
		Short: "Apply a workflow patch to a JSON document",
		Long: `Apply a workflow patch to a JSON document and print the result.

The patch file holds either a bare array of operations or a full
WorkflowChangedEvent payload. Either argument may be "-" to read stdin.
Failed operations are reported on stderr and skipped; the remaining
operations still apply.`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd, args[0], args[1], f)
		},
	}
	cmd.Flags().StringVarP(&f.mount, "mount", "m", "", "pointer every operation path is rebased onto")
	cmd.Flags().StringVarP(&f.pointer, "pointer", "p", "", "print only the value at this pointer")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "exit non-zero when any operation fails")
	cmd.Flags().BoolVar(&f.compact, "compact", false, "print compact JSON")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "log every skipped operation")
	return cmd
}

func runApply(cmd *cobra.Command, docPath, patchPath string, f applyFlags) error {
	if docPath == "-" && patchPath == "-" {
		return errors.New("document and patch cannot both be read from stdin")
	}

	docRaw, err := readInput(cmd, docPath)
	if err != nil {
		return err
	}
	var root map[string]any
	if err := json.Unmarshal(docRaw, &root); err != nil {
		return fmt.Errorf("document %s: %w", docPath, err)
	}
	if root == nil {
		root = map[string]any{}
	}

	patchRaw, err := readInput(cmd, patchPath)
	if err != nil {
		return err
	}
	ops, err := decodeOps(patchRaw)
	if err != nil {
		return fmt.Errorf("patch %s: %w", patchPath, err)
	}

	logger := zap.NewNop()
	if f.verbose {
		logger, err = zap.NewDevelopment()
		if err != nil {
			return err
		}
		defer logger.Sync()
	}
	res := patch.NewApplier(patch.WithLogger(logger)).ApplyBatch(root, f.mount, ops, nil)

	stderr := cmd.ErrOrStderr()
	for _, e := range res.Errors {
		fmt.Fprintf(stderr, "skipped: %v\n", e)
	}
	fmt.Fprintf(stderr, "applied %d of %d operations\n", res.Applied, len(ops))

	var out any = root
	if f.pointer != "" {
		if out, err = patch.Get(root, f.pointer); err != nil {
			return err
		}
	}
	if err := writeJSON(cmd.OutOrStdout(), out, f.compact); err != nil {
		return err
	}

	if f.strict && res.Failed > 0 {
		return errOpsFailed
	}
	return nil
}

// decodeOps accepts a bare operation array or a WorkflowChangedEvent.
func decodeOps(raw []byte) ([]model.Operation, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var ops []model.Operation
		if err := json.Unmarshal(trimmed, &ops); err != nil {
			return nil, err
		}
		return ops, nil
	}
	ev, err := event.Decode(model.EventWorkflowChanged, trimmed)
	if err != nil {
		return nil, err
	}
	return ev.(model.WorkflowChangedEvent).Patch.Ops, nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

func writeJSON(w io.Writer, v any, compact bool) error {
	enc := json.NewEncoder(w)
	if !compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
