package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/ir"
)

// StatusReport is the data of `rollbook status`.
type StatusReport struct {
	Database      string       `json:"database"`
	Server        string       `json:"server,omitempty"`
	Online        bool         `json:"online"`
	ForcedOffline bool         `json:"forced_offline"`
	Sync          ir.SyncState `json:"sync"`
	Pending       int          `json:"pending"`
	Head          *HeadOp      `json:"head,omitempty"`
	Tables        []string     `json:"tables"`
}

// HeadOp describes the operation at the front of the queue.
type HeadOp struct {
	OpID     string    `json:"op_id"`
	Table    string    `json:"table"`
	Action   ir.Action `json:"action"`
	RowID    string    `json:"row_id"`
	Attempts int       `json:"attempts"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, sync state and pending operations",
		Long: `Show whether the server is reachable, the last sync outcome, how many
edits are waiting to be sent and which one is at the head of the queue.

A head operation with many attempts is blocking the queue; inspect it
with 'rollbook queue list' and drop it with 'rollbook queue discard'.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd.Context(), opts)
	if err != nil {
		return err
	}
	defer a.Close()

	pending := a.cache.Pending()
	report := StatusReport{
		Database:      opts.Config.DB,
		Server:        opts.Config.ServerURL,
		Online:        a.cache.Online(),
		ForcedOffline: a.monitor.ForcedOffline(),
		Sync:          a.cache.State(),
		Pending:       len(pending),
		Tables:        a.cache.Tables(),
	}
	if len(pending) > 0 {
		head := pending[0]
		rowID, _ := head.RowID()
		report.Head = &HeadOp{
			OpID:     head.OpID,
			Table:    head.Table,
			Action:   head.Action,
			RowID:    rowID,
			Attempts: head.Attempts,
		}
	}

	return opts.formatter(cmd).Render(report, func(w io.Writer) error {
		return writeStatus(w, report)
	})
}

func writeStatus(w io.Writer, r StatusReport) error {
	server := r.Server
	if server == "" {
		server = "none (local only)"
	}
	conn := "offline"
	if r.Online {
		conn = "online"
	}
	if r.ForcedOffline {
		conn += " (forced)"
	}
	synced := "never"
	if !r.Sync.LastSyncedAt.IsZero() {
		synced = r.Sync.LastSyncedAt.Format(time.RFC3339)
	}

	fmt.Fprintf(w, "Database:     %s\n", r.Database)
	fmt.Fprintf(w, "Server:       %s\n", server)
	fmt.Fprintf(w, "Connectivity: %s\n", conn)
	fmt.Fprintf(w, "Sync:         %s (last synced %s)\n", r.Sync.Status, synced)
	if r.Sync.LastError != "" {
		fmt.Fprintf(w, "Last error:   %s\n", r.Sync.LastError)
	}
	fmt.Fprintf(w, "Pending:      %d\n", r.Pending)
	if h := r.Head; h != nil {
		fmt.Fprintf(w, "Head:         %s %s %s/%s (attempts %d)\n", h.OpID, h.Action, h.Table, h.RowID, h.Attempts)
	}
	_, err := fmt.Fprintf(w, "Tables:       %d\n", len(r.Tables))
	return err
}
