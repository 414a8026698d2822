package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/remote"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Serve string // address to serve the demo backend on
}

// DemoStep is one narrated step of the scripted demo.
type DemoStep struct {
	Step         string   `json:"step"`
	LocalPoints  ir.Value `json:"local_points"`
	ServerPoints ir.Value `json:"server_points"`
	Pending      int      `json:"pending"`
	Online       bool     `json:"online"`
}

// demoSnapshot is the class the demo backend starts with.
func demoSnapshot() ir.Snapshot {
	return ir.Snapshot{
		"students": {
			{"id": ir.String("7"), "name": ir.String("Ada"), "points": ir.Int(40), "class_id": ir.String("c1")},
			{"id": ir.String("8"), "name": ir.String("Grace"), "points": ir.Int(75), "class_id": ir.String("c1")},
		},
		"classes": {
			{"id": ir.String("c1"), "title": ir.String("Algebra"), "room": ir.String("B2")},
		},
	}
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through an offline edit against a throwaway server",
		Long: `Start an in-process backend holding a small class, then:

  1. load the class while online
  2. lose connectivity and raise student 7's points from 40 to 90
  3. show the edit locally while the server still has 40
  4. regain connectivity and sync, after which the server has 90

Nothing is written to disk. With --serve the backend is served on the
given address until interrupted instead, for use with 'rollbook sync'.

Examples:
  rollbook demo
  rollbook demo --serve 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Serve != "" {
				return runDemoServer(opts, cmd)
			}
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Serve, "serve", "", "serve the demo backend on this address until interrupted")

	return cmd
}

// startBackend serves backend on addr and returns its base URL and a
// shutdown func.
func startBackend(addr string, backend *remote.MemoryBackend, logger *slog.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{
		Handler:           remote.Handler(backend, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("demo backend stopped", "error", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
	return "http://" + ln.Addr().String(), shutdown, nil
}

func runDemoServer(opts *DemoOptions, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend := remote.NewMemoryBackend(demoSnapshot())
	url, shutdown, err := startBackend(opts.Serve, backend, opts.Logger)
	if err != nil {
		return opts.formatter(cmd).Fail(ExitCommandError, CodeConfig, "failed to listen", err)
	}
	defer shutdown()

	opts.Logger.Info("demo backend listening", "url", url)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving demo backend on %s. Press Ctrl-C to stop.\n", url)
	<-ctx.Done()
	return nil
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	f := opts.formatter(cmd)

	backend := remote.NewMemoryBackend(demoSnapshot())
	url, shutdown, err := startBackend("127.0.0.1:0", backend, opts.Logger)
	if err != nil {
		return f.Fail(ExitCommandError, CodeConfig, "failed to start demo backend", err)
	}
	defer shutdown()

	cfg := *opts.Config
	cfg.DB = memoryDB
	cfg.ServerURL = url
	cfg.Schema = ""
	cfg.Offline = false
	cfg.Probe.ProbeInterval = 0
	cfg.Drain.BackoffMin = 50 * time.Millisecond
	cfg.Drain.BackoffMax = time.Second

	a, err := buildApp(ctx, &cfg, opts.Logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	var steps []DemoStep
	record := func(step string) {
		local, _ := a.cache.Row("students", "7")
		server, _ := backend.Table("students").Find("7")
		steps = append(steps, DemoStep{
			Step:         step,
			LocalPoints:  local["points"],
			ServerPoints: server["points"],
			Pending:      len(a.cache.Pending()),
			Online:       a.cache.Online(),
		})
	}

	record("loaded class from server")

	a.monitor.Set(false, "demo: network lost")
	if _, err := a.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)}); err != nil {
		return f.Fail(ExitFailure, CodeInput, "demo edit failed", err)
	}
	record("offline: raised student 7 to 90")

	a.monitor.Set(true, "demo: network back")
	if err := a.cache.ForceSync(ctx); err != nil {
		return f.Fail(ExitFailure, CodeSync, "demo sync failed", err)
	}
	record("online: synced")

	return f.Render(steps, func(w io.Writer) error {
		fmt.Fprintf(w, "Demo backend at %s\n\n", url)
		for i, s := range steps {
			conn := "offline"
			if s.Online {
				conn = "online"
			}
			fmt.Fprintf(w, "%d. %s\n", i+1, s.Step)
			fmt.Fprintf(w, "   local points: %s  server points: %s  pending: %d  (%s)\n",
				cellText(s.LocalPoints), cellText(s.ServerPoints), s.Pending, conn)
		}
		return nil
	})
}
