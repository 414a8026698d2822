package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/roach88/rollbook/internal/cache"
	"github.com/roach88/rollbook/internal/config"
	"github.com/roach88/rollbook/internal/connectivity"
	"github.com/roach88/rollbook/internal/drain"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/schema"
	"github.com/roach88/rollbook/internal/store"
)

// memoryDB selects the map-backed store instead of SQLite.
const memoryDB = ":memory:"

// app is the wired cache behind one command invocation.
type app struct {
	cache   *cache.Cache
	monitor *connectivity.Monitor
	client  remote.Client // nil when no server is configured
}

// openApp builds the store, queue, connectivity monitor, remote client
// and drainer from the resolved configuration and initializes the cache.
func openApp(ctx context.Context, opts *RootOptions) (*app, error) {
	return buildApp(ctx, opts.Config, opts.Logger, opts.Client)
}

// buildApp is openApp for an explicit configuration. A non-nil client
// replaces the one built from cfg.ServerURL.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, client remote.Client) (*app, error) {
	backend, err := openBackend(cfg.DB)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	var sch *schema.Schema
	if cfg.Schema != "" {
		sch, err = schema.Load(cfg.Schema)
		if err != nil {
			backend.Close()
			return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
		}
	}

	var probe connectivity.Probe
	if client == nil && cfg.ServerURL != "" {
		httpClient := remote.NewHTTPClient(cfg.ServerURL)
		client = httpClient
		if !cfg.ProbeDisabled() {
			probe = httpClient.Ping
		}
	}

	local := store.NewLocal(backend, logger)
	q := queue.New(local, queue.WithLogger(logger))
	monitor := connectivity.New(probe, &cfg.Probe, connectivity.WithLogger(logger))
	monitor.SetForcedOffline(cfg.Offline)

	var drainer *drain.Drainer
	if client != nil {
		drainer = drain.New(q, client, monitor,
			drain.WithConfig(&cfg.Drain),
			drain.WithLogger(logger),
		)
	}

	c, err := cache.New(cache.Deps{
		Store:   local,
		Queue:   q,
		Client:  client,
		Monitor: monitor,
		Drainer: drainer,
		Schema:  sch,
		Logger:  logger,
	})
	if err != nil {
		backend.Close()
		return nil, err
	}
	if err := c.Init(ctx); err != nil {
		c.Teardown()
		return nil, WrapExitError(ExitCommandError, "failed to initialize cache", err)
	}

	return &app{cache: c, monitor: monitor, client: client}, nil
}

// Close stops background work and closes the database.
func (a *app) Close() error {
	return a.cache.Teardown()
}

func openBackend(path string) (store.Backend, error) {
	if path == memoryDB {
		return store.NewMemory(), nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	return store.Open(path)
}
