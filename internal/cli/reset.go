package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/store"
)

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Yes bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete every cached table and pending operation",
		Long: `Wipe the local database. Pending edits that were never sent are lost.
Requires --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm that unsent edits may be lost")

	return cmd
}

func runReset(opts *ResetOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if !opts.Yes {
		return f.Fail(ExitCommandError, CodeInput, "refusing to reset without --yes", nil)
	}

	backend, err := openBackend(opts.Config.DB)
	if err != nil {
		return f.Fail(ExitCommandError, CodeStore, "failed to open database", err)
	}
	local := store.NewLocal(backend, opts.Logger)
	defer local.Close()

	discarded := len(local.ReadQueue(cmd.Context()))
	if err := local.ClearAll(cmd.Context()); err != nil {
		return f.Fail(ExitFailure, CodeStore, "reset failed", err)
	}
	opts.Logger.Warn("local store cleared", "db", opts.Config.DB, "discarded_ops", discarded)

	data := map[string]any{"db": opts.Config.DB, "discarded_ops": discarded}
	return f.Render(data, func(w io.Writer) error {
		_, err := fmt.Fprintf(w, "Cleared %s (%d pending operations discarded).\n", opts.Config.DB, discarded)
		return err
	})
}
