package cli

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

// NewConfigCommand creates the config command.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Print every setting after defaults, the config file, the .env file,
ROLLBOOK_* environment variables and flags have been applied.

Example:
  ROLLBOOK_DRAIN_BATCH_SIZE=20 rollbook config`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(rootOpts, cmd)
		},
	}
}

func runConfig(opts *RootOptions, cmd *cobra.Command) error {
	summary := opts.Config.Summary()
	if opts.Config.File != "" {
		summary["file"] = opts.Config.File
	}
	return opts.formatter(cmd).Render(summary, func(w io.Writer) error {
		for _, k := range slices.Sorted(maps.Keys(summary)) {
			if _, err := fmt.Fprintf(w, "%s: %v\n", k, summary[k]); err != nil {
				return err
			}
		}
		return nil
	})
}
