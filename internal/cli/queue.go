package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/queue"
)

// QueueEntry is one pending operation as listed by `rollbook queue list`.
type QueueEntry struct {
	OpID       string    `json:"op_id"`
	Seq        int64     `json:"seq"`
	Table      string    `json:"table"`
	Action     ir.Action `json:"action"`
	RowID      string    `json:"row_id"`
	Attempts   int       `json:"attempts"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Payload    ir.Row    `json:"payload"`
}

// NewQueueCommand creates the queue command group.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or edit the pending operation queue",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending operations in send order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			entries := queueEntries(a.cache.Pending())
			return rootOpts.formatter(cmd).Render(entries, func(w io.Writer) error {
				return writeQueue(w, entries)
			})
		},
	}
}

func newQueueDiscardCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <op-id>",
		Short: "Drop a pending operation without sending it",
		Long: `Remove one operation from the queue and undo its effect on the local
view. Use this when the server keeps refusing the head operation and
everything behind it is blocked. The edit is lost.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			op, err := a.cache.Discard(cmd.Context(), args[0])
			if errors.Is(err, queue.ErrNotFound) {
				return f.Fail(ExitFailure, CodeNotFound, fmt.Sprintf("no pending operation %s", args[0]), err)
			}
			if err != nil {
				return f.Fail(ExitFailure, CodeStore, "discard failed", err)
			}

			entry := queueEntries([]ir.PendingOperation{op})[0]
			return f.Render(entry, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Discarded %s (%s %s/%s). %d pending.\n",
					entry.OpID, entry.Action, entry.Table, entry.RowID, len(a.cache.Pending()))
				return err
			})
		},
	}
}

func queueEntries(ops []ir.PendingOperation) []QueueEntry {
	entries := make([]QueueEntry, len(ops))
	for i, op := range ops {
		rowID, _ := op.RowID()
		entries[i] = QueueEntry{
			OpID:       op.OpID,
			Seq:        op.Seq,
			Table:      op.Table,
			Action:     op.Action,
			RowID:      rowID,
			Attempts:   op.Attempts,
			EnqueuedAt: op.EnqueuedAt,
			Payload:    op.Payload,
		}
	}
	return entries
}

func writeQueue(w io.Writer, entries []QueueEntry) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(w, "Queue is empty.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tOP\tACTION\tROW\tATTEMPTS\tENQUEUED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s/%s\t%d\t%s\n",
			e.Seq, e.OpID, e.Action, e.Table, e.RowID, e.Attempts, e.EnqueuedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
