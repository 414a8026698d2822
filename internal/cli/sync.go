package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/cache"
	"github.com/roach88/rollbook/internal/config"
	"github.com/roach88/rollbook/internal/ir"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Once bool // drain and refresh once, then exit
}

// SyncResult is the data of `rollbook sync --once` and `rollbook refresh`.
type SyncResult struct {
	Pending int          `json:"pending"`
	State   ir.SyncState `json:"state"`
	Tables  []string     `json:"tables"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Send pending edits to the server",
		Long: `Run the sync loop: pending edits are sent in order whenever the server
is reachable, failed sends are retried with backoff, and the local copy
is refreshed after each successful drain.

While running, changes to the 'offline' key of the config file take
effect immediately.

Exit codes:
  0 - Stopped cleanly, or --once sent everything
  1 - --once could not send everything
  2 - Command error (no server configured, database not opened)

Examples:
  rollbook sync --server http://localhost:8080
  rollbook sync --once`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "drain the queue and refresh once, then exit")

	return cmd
}

func runSync(opts *SyncOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	logger := opts.Logger

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.client == nil {
		return f.Fail(ExitCommandError, CodeConfig, "no server configured (set --server or server_url)", nil)
	}

	if opts.Once {
		err := a.cache.ForceSync(ctx)
		result := SyncResult{Pending: len(a.cache.Pending()), State: a.cache.State(), Tables: a.cache.Tables()}
		if err != nil {
			return f.Fail(ExitFailure, CodeSync, fmt.Sprintf("sync incomplete, %d pending", result.Pending), err)
		}
		return f.Render(result, func(w io.Writer) error {
			_, err := fmt.Fprintf(w, "Synced. %d tables refreshed, nothing pending.\n", len(result.Tables))
			return err
		})
	}

	config.Watch(opts.viper, func(c *config.Config) {
		if c.Offline != a.monitor.ForcedOffline() {
			logger.Info("offline setting changed", "offline", c.Offline)
			a.monitor.SetForcedOffline(c.Offline)
		}
	}, func(err error) {
		logger.Warn("ignoring invalid config edit", "error", err)
	})

	states, cancel := a.cache.Subscribe()
	defer cancel()

	logger.Info("sync loop starting", "server", opts.Config.ServerURL, "pending", len(a.cache.Pending()))
	if opts.Format != "json" {
		fmt.Fprintf(cmd.OutOrStdout(), "Syncing with %s. Press Ctrl-C to stop.\n", opts.Config.ServerURL)
	}

	// Refresh after each completed drain so other clients' edits arrive too.
	var lastError string
	lastSynced := a.cache.State().LastSyncedAt
	for {
		select {
		case <-ctx.Done():
			logger.Info("sync loop stopped", "pending", len(a.cache.Pending()))
			return nil
		case s, ok := <-states:
			if !ok {
				return nil
			}
			switch s.Status {
			case ir.StatusError:
				if s.LastError != lastError {
					logger.Warn("sync blocked", "error", s.LastError, "pending", len(a.cache.Pending()))
				}
				lastError = s.LastError
			case ir.StatusIdle:
				lastError = ""
				if !s.LastSyncedAt.Equal(lastSynced) {
					lastSynced = s.LastSyncedAt
					refresh(ctx, a.cache, logger.Warn)
				}
			}
		}
	}
}

func refresh(ctx context.Context, c *cache.Cache, warn func(string, ...any)) {
	err := c.Refresh(ctx)
	if err != nil && !errors.Is(err, cache.ErrOffline) && ctx.Err() == nil {
		warn("refresh after sync failed", "error", err)
	}
}

// NewRefreshCommand creates the refresh command.
func NewRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Replace the local snapshot with the server's",
		Long: `Fetch every table from the server and store it locally. Pending edits
are not sent; they stay queued and keep overriding the fetched rows.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)

			a, err := openApp(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.cache.Refresh(cmd.Context()); err != nil {
				code := ExitFailure
				if errors.Is(err, cache.ErrNoRemote) {
					code = ExitCommandError
				}
				return f.Fail(code, CodeSync, "refresh failed", err)
			}

			result := SyncResult{Pending: len(a.cache.Pending()), State: a.cache.State(), Tables: a.cache.Tables()}
			return f.Render(result, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Refreshed %d tables. %d edits still pending.\n", len(result.Tables), result.Pending)
				return err
			})
		},
	}
}
