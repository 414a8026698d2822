package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/cache"
	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/schema"
)

// MutateOptions holds flags shared by create, update and delete.
type MutateOptions struct {
	*RootOptions
	Sync bool // send the queue before returning
}

// MutationResult is the data of a create, update or delete.
type MutationResult struct {
	OpID    string    `json:"op_id"`
	Table   string    `json:"table"`
	Action  ir.Action `json:"action"`
	RowID   string    `json:"row_id"`
	Pending int       `json:"pending"`
	Synced  bool      `json:"synced"`
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "create <table> <json-row>",
		Short: "Queue a new row",
		Long: `Add a row to the local view and queue it for the server. A row without
an "id" gets a generated one.

Examples:
  rollbook create students '{"name": "Ada", "points": 40}'
  rollbook create students '{"id": 7, "name": "Ada"}' --sync`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			row, err := parseRow(args[1])
			if err != nil {
				return opts.formatter(cmd).Fail(ExitCommandError, CodeInput, "invalid row", err)
			}
			return runMutation(opts, cmd, args[0], ir.ActionCreate, func(a *app) (string, string, error) {
				return a.cache.Create(cmd.Context(), args[0], row)
			})
		},
	}
	addMutateFlags(cmd, opts)
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "update <table> <id> <json-fields>",
		Short: "Queue a change to some fields of a row",
		Long: `Merge the given fields into a row. Fields not named are kept.

Example:
  rollbook update students 7 '{"points": 90}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseRow(args[2])
			if err != nil {
				return opts.formatter(cmd).Fail(ExitCommandError, CodeInput, "invalid fields", err)
			}
			return runMutation(opts, cmd, args[0], ir.ActionUpdate, func(a *app) (string, string, error) {
				opID, err := a.cache.Update(cmd.Context(), args[0], args[1], fields)
				return opID, args[1], err
			})
		},
	}
	addMutateFlags(cmd, opts)
	return cmd
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MutateOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "delete <table> <id>",
		Short: "Queue removal of a row",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutation(opts, cmd, args[0], ir.ActionDelete, func(a *app) (string, string, error) {
				opID, err := a.cache.Delete(cmd.Context(), args[0], args[1])
				return opID, args[1], err
			})
		},
	}
	addMutateFlags(cmd, opts)
	return cmd
}

func addMutateFlags(cmd *cobra.Command, opts *MutateOptions) {
	cmd.Flags().BoolVar(&opts.Sync, "sync", false, "send pending operations before returning")
}

func runMutation(opts *MutateOptions, cmd *cobra.Command, table string, action ir.Action, mutate func(*app) (opID, rowID string, err error)) error {
	f := opts.formatter(cmd)

	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	opID, rowID, err := mutate(a)
	if err != nil {
		return mutationFailure(f, err)
	}

	result := MutationResult{OpID: opID, Table: table, Action: action, RowID: rowID}
	if opts.Sync {
		if err := a.cache.ForceSync(cmd.Context()); err != nil {
			return f.Fail(ExitFailure, CodeSync, fmt.Sprintf("queued as %s but sync failed", opID), err)
		}
		result.Synced = true
	}
	result.Pending = len(a.cache.Pending())

	return f.Render(result, func(w io.Writer) error {
		state := "queued"
		if result.Synced {
			state = "synced"
		}
		_, err := fmt.Fprintf(w, "%s %s %s/%s as %s (%d pending)\n",
			state, action, table, rowID, opID, result.Pending)
		return err
	})
}

func mutationFailure(f *OutputFormatter, err error) error {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		return f.Fail(ExitFailure, CodeValidation, "rejected by schema", err)
	case errors.Is(err, schema.ErrUnknownTable):
		return f.Fail(ExitFailure, CodeValidation, "table not in schema", err)
	case errors.Is(err, queue.ErrInvalidOp), errors.Is(err, ir.ErrInvalidID):
		return f.Fail(ExitCommandError, CodeInput, "invalid operation", err)
	case errors.Is(err, cache.ErrClosed), errors.Is(err, cache.ErrNotInitialized):
		return f.Fail(ExitCommandError, CodeStore, "cache unavailable", err)
	}
	return f.Fail(ExitFailure, CodeInput, "operation not queued", err)
}

// parseRow decodes a JSON object argument.
func parseRow(s string) (ir.Row, error) {
	v, err := ir.UnmarshalValue([]byte(s))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %s", s)
	}
	return obj, nil
}
