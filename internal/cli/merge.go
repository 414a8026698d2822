package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/reconcile"
)

// MergeOptions holds flags for the merge command.
type MergeOptions struct {
	*RootOptions
	SnapshotFile string
	QueueFile    string
}

// MergeResult is the data of `rollbook merge`.
type MergeResult struct {
	Tables    ir.Snapshot         `json:"tables"`
	Anomalies []reconcile.Anomaly `json:"anomalies"`
	Hash      string              `json:"hash"`
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MergeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge a queue file onto a snapshot file",
		Long: `Replay pending operations onto a snapshot without touching any database
or server, and print the merged view as canonical JSON with its content
hash. The same inputs always print the same bytes.

The snapshot file holds {"<table>": [rows...]}. The queue file holds a
JSON array of operations: {"op_id", "table", "action", "payload"}.

Example:
  rollbook merge --snapshot snapshot.json --queue pending.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.SnapshotFile, "snapshot", "", "snapshot JSON file (default: empty snapshot)")
	cmd.Flags().StringVar(&opts.QueueFile, "queue", "", "queue JSON file (required)")
	_ = cmd.MarkFlagRequired("queue")

	return cmd
}

func runMerge(opts *MergeOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	snapshot := ir.Snapshot{}
	if opts.SnapshotFile != "" {
		if err := readJSONFile(opts.SnapshotFile, &snapshot); err != nil {
			return f.Fail(ExitCommandError, CodeInput, "failed to read snapshot", err)
		}
	}
	snapshot, skipped := ir.NormalizeSnapshot(snapshot)
	if skipped > 0 {
		opts.Logger.Warn("dropped snapshot rows without a usable or unique id", "rows", skipped)
	}

	var ops []ir.PendingOperation
	if err := readJSONFile(opts.QueueFile, &ops); err != nil {
		return f.Fail(ExitCommandError, CodeInput, "failed to read queue", err)
	}
	for i := range ops {
		if ops[i].OpID == "" {
			ops[i].OpID = fmt.Sprintf("op-%04d", i+1)
		}
		if ops[i].Seq == 0 {
			ops[i].Seq = int64(i + 1)
		}
	}

	merged := reconcile.Merge(snapshot, ops)
	canonical, err := ir.MarshalCanonical(merged.Tables)
	if err != nil {
		return f.Fail(ExitFailure, CodeInput, "merged view is not encodable", err)
	}
	hash, err := ir.SnapshotHash(merged.Tables)
	if err != nil {
		return f.Fail(ExitFailure, CodeInput, "merged view is not encodable", err)
	}

	result := MergeResult{Tables: merged.Tables, Anomalies: merged.Anomalies, Hash: hash}
	if result.Anomalies == nil {
		result.Anomalies = []reconcile.Anomaly{}
	}
	return f.Render(result, func(w io.Writer) error {
		fmt.Fprintf(w, "%s\n", canonical)
		fmt.Fprintf(w, "hash: %s\n", hash)
		for _, a := range result.Anomalies {
			fmt.Fprintf(w, "anomaly: %s\n", a)
		}
		return nil
	})
}

func readJSONFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
