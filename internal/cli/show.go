package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/ir"
)

// TableInfo is one entry of `rollbook tables`.
type TableInfo struct {
	Name string `json:"name"`
	Rows int    `json:"rows"`
}

// ShowOptions holds flags for the show command.
type ShowOptions struct {
	*RootOptions
	ID string // show one row
}

// NewTablesCommand creates the tables command.
func NewTablesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List cached tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			names := a.cache.Tables()
			infos := make([]TableInfo, len(names))
			for i, name := range names {
				infos[i] = TableInfo{Name: name, Rows: len(a.cache.Table(name))}
			}

			return rootOpts.formatter(cmd).Render(infos, func(w io.Writer) error {
				if len(infos) == 0 {
					_, err := fmt.Fprintln(w, "No cached tables.")
					return err
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TABLE\tROWS")
				for _, info := range infos {
					fmt.Fprintf(tw, "%s\t%d\n", info.Name, info.Rows)
				}
				return tw.Flush()
			})
		},
	}
}

// NewShowCommand creates the show command.
func NewShowCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ShowOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "show <table>",
		Short: "Print the merged view of a table",
		Long: `Print a table as the application sees it: the last server snapshot
with every pending local edit applied on top.

Examples:
  rollbook show students
  rollbook show students --id 7
  rollbook show students --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "show only the row with this id")

	return cmd
}

func runShow(opts *ShowOptions, table string, cmd *cobra.Command) error {
	a, err := openApp(cmd.Context(), opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	f := opts.formatter(cmd)

	if opts.ID == "" {
		rows := a.cache.Table(table)
		return f.Render(rows, func(w io.Writer) error {
			return writeTable(w, rows)
		})
	}

	row, ok := a.cache.Row(table, opts.ID)
	if !ok {
		return f.Fail(ExitFailure, CodeNotFound, fmt.Sprintf("no row %s/%s", table, opts.ID), nil)
	}
	return f.Render(row, func(w io.Writer) error {
		return writeTable(w, ir.Table{row})
	})
}
