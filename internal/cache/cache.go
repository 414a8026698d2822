// Package cache is the application-facing view of synced data.
//
// A Cache owns the base snapshot (the last state fetched from or confirmed
// by the backend) and presents merge(base, pending) to readers. Every
// write goes through Mutate: it lands in the view and the durable queue
// before Mutate returns, and the drainer delivers it later. Nothing else
// writes to the backend.
//
// A Cache is built from explicit dependencies; there is no package-level
// instance. Call Init before use and Teardown when done.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/rollbook/internal/connectivity"
	"github.com/roach88/rollbook/internal/drain"
	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/reconcile"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/schema"
	"github.com/roach88/rollbook/internal/store"
)

var (
	// ErrNotInitialized is returned by writes before Init.
	ErrNotInitialized = errors.New("cache not initialized")

	// ErrClosed is returned after Teardown.
	ErrClosed = errors.New("cache closed")

	// ErrNoRemote is returned by Refresh and ForceSync when no backend
	// client is configured.
	ErrNoRemote = errors.New("no remote backend configured")

	// ErrOffline is returned by Refresh and ForceSync while offline.
	ErrOffline = drain.ErrOffline
)

// Deps are the collaborators of a Cache. Store and Queue are required.
// A nil Monitor means always online. A nil Client means local-only: writes
// queue up and nothing is sent. Drainer defaults to one built from Queue,
// Client and Monitor.
type Deps struct {
	Store   *store.Local
	Queue   *queue.Queue
	Client  remote.Client
	Monitor *connectivity.Monitor
	Drainer *drain.Drainer
	Schema  *schema.Schema
	Logger  *slog.Logger
	// IDs assigns row ids to CREATEs that arrive without one. Default: UUIDv7.
	IDs ir.IDGenerator
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateReady
	stateClosed
)

// Cache is the merged, locally persisted view of the backend's tables.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	store   *store.Local
	queue   *queue.Queue
	client  remote.Client
	monitor *connectivity.Monitor
	drainer *drain.Drainer
	schema  *schema.Schema
	logger  *slog.Logger
	ids     ir.IDGenerator

	mu    sync.RWMutex
	state lifecycle
	base  ir.Snapshot
	view  *reconcile.View

	// acked collects confirmed operations while a refresh is in flight so
	// they can be folded into the snapshot it fetched.
	refreshMu sync.Mutex
	tracking  bool
	acked     []ir.PendingOperation

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	// calls tracks caller-driven Refresh and ForceSync so Teardown can
	// wait for them before closing the store.
	calls sync.WaitGroup

	subMu  sync.Mutex
	subs   map[int]chan ir.SyncState
	nextID int
}

// New builds a Cache. It does not touch the store; see Init.
func New(deps Deps) (*Cache, error) {
	if deps.Store == nil {
		return nil, errors.New("cache: store is required")
	}
	if deps.Queue == nil {
		return nil, errors.New("cache: queue is required")
	}

	c := &Cache{
		store:   deps.Store,
		queue:   deps.Queue,
		client:  deps.Client,
		monitor: deps.Monitor,
		drainer: deps.Drainer,
		schema:  deps.Schema,
		logger:  deps.Logger,
		ids:     deps.IDs,
		base:    make(ir.Snapshot),
		view:    reconcile.NewView(nil),
		subs:    make(map[int]chan ir.SyncState),
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.ids == nil {
		c.ids = ir.UUIDv7Generator{}
	}
	if c.drainer == nil && c.client != nil {
		c.drainer = drain.New(c.queue, c.client, c.monitor, drain.WithLogger(c.logger))
	}
	if c.drainer != nil {
		c.drainer.OnAck(c.onAck)
		c.drainer.OnState(c.publish)
	}
	return c, nil
}

// Init loads the cached tables and the pending queue, starts the
// background drainer and connectivity probe, and refreshes from the
// backend when it is reachable. Storage and network failures are logged
// and do not fail Init. Calling Init twice is a no-op.
func (c *Cache) Init(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case stateReady:
		c.mu.Unlock()
		return nil
	case stateClosed:
		c.mu.Unlock()
		return ErrClosed
	}

	c.base = c.store.ReadSnapshot(ctx)
	pending := c.queue.Load(ctx)
	anomalies := c.rebuildLocked()
	for _, a := range anomalies {
		c.logger.Warn("pending operation does not apply cleanly", "anomaly", a.String())
	}
	c.state = stateReady
	tables := len(c.base)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx = runCtx
	c.cancel = cancel
	c.mu.Unlock()

	c.logger.Info("cache initialized", "tables", tables, "pending", pending)

	if c.monitor != nil && c.client != nil {
		transitions, unsubscribe := c.monitor.Subscribe()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer unsubscribe()
			c.refreshOnReconnect(runCtx, transitions)
		}()
	}

	if c.monitor != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.monitor.Run(runCtx)
		}()
	}
	if c.drainer != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainer.Run(runCtx)
		}()
	}

	if c.client != nil && c.online() {
		if err := c.Refresh(ctx); err != nil {
			c.logger.Warn("initial refresh failed; serving cached data", "error", err)
		}
	}
	c.Nudge()
	return nil
}

// Teardown stops background work, closes subscriptions and closes the
// store. The cache cannot be reused.
func (c *Cache) Teardown() error {
	c.mu.Lock()
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = stateClosed
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.calls.Wait()

	c.subMu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.subMu.Unlock()

	c.logger.Debug("cache torn down")
	return c.store.Close()
}

// Table returns a copy of the merged rows of one table. Unknown tables
// are empty.
func (c *Cache) Table(name string) ir.Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Table(name)
}

// Tables returns the names of all tables in the merged view, sorted.
func (c *Cache) Tables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Snapshot().TableNames()
}

// Snapshot returns a copy of every merged table.
func (c *Cache) Snapshot() ir.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Snapshot()
}

// Row returns one merged row. id may be any form CanonicalID accepts.
func (c *Cache) Row(table string, id any) (ir.Row, bool) {
	v, err := ir.FromAny(id)
	if err != nil {
		return nil, false
	}
	key, err := ir.CanonicalID(v)
	if err != nil {
		return nil, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Table(table).Find(key)
}

// Mutate records a local write. The change is visible to readers and
// durably queued when Mutate returns; delivery to the backend happens in
// the background. A CREATE without an id gets a generated one. Returns
// the op id.
func (c *Cache) Mutate(ctx context.Context, table string, action ir.Action, payload ir.Row) (string, error) {
	if table == "" {
		return "", fmt.Errorf("%w: empty table", queue.ErrInvalidOp)
	}
	if !action.Valid() {
		return "", fmt.Errorf("%w: action %q", queue.ErrInvalidOp, action)
	}

	row := payload.Clone()
	if row == nil {
		row = make(ir.Row)
	}
	if _, ok := row[ir.IDField]; !ok && action == ir.ActionCreate {
		row[ir.IDField] = ir.String(c.ids.Generate())
	}
	if _, err := ir.NormalizeRow(row); err != nil {
		return "", fmt.Errorf("%s %s: %w", action, table, err)
	}

	op := ir.PendingOperation{Table: table, Action: action, Payload: row}
	if err := c.schema.Validate(op); err != nil {
		return "", err
	}

	c.mu.Lock()
	switch c.state {
	case stateNew:
		c.mu.Unlock()
		return "", ErrNotInitialized
	case stateClosed:
		c.mu.Unlock()
		return "", ErrClosed
	}

	opID, err := c.queue.Enqueue(ctx, op)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	op.OpID = opID
	if a := c.view.Apply(op); a != nil {
		c.logger.Warn("local write does not apply cleanly", "anomaly", a.String())
	}
	c.mu.Unlock()

	c.logger.Debug("mutation queued", "op_id", opID, "table", table, "action", action)
	c.Nudge()
	return opID, nil
}

// Create queues a CREATE and returns the op id and the row id.
func (c *Cache) Create(ctx context.Context, table string, row ir.Row) (opID, rowID string, err error) {
	row = row.Clone()
	if row == nil {
		row = make(ir.Row)
	}
	if _, ok := row[ir.IDField]; !ok {
		row[ir.IDField] = ir.String(c.ids.Generate())
	}
	rowID, err = ir.NormalizeRow(row)
	if err != nil {
		return "", "", fmt.Errorf("CREATE %s: %w", table, err)
	}
	opID, err = c.Mutate(ctx, table, ir.ActionCreate, row)
	if err != nil {
		return "", "", err
	}
	return opID, rowID, nil
}

// Update queues a shallow UPDATE of row id with fields.
func (c *Cache) Update(ctx context.Context, table string, id any, fields ir.Row) (string, error) {
	row, err := withID(id, fields)
	if err != nil {
		return "", fmt.Errorf("UPDATE %s: %w", table, err)
	}
	return c.Mutate(ctx, table, ir.ActionUpdate, row)
}

// Delete queues a DELETE of row id.
func (c *Cache) Delete(ctx context.Context, table string, id any) (string, error) {
	row, err := withID(id, nil)
	if err != nil {
		return "", fmt.Errorf("DELETE %s: %w", table, err)
	}
	return c.Mutate(ctx, table, ir.ActionDelete, row)
}

func withID(id any, fields ir.Row) (ir.Row, error) {
	v, err := ir.FromAny(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ir.ErrInvalidID, err)
	}
	row := fields.Clone()
	if row == nil {
		row = make(ir.Row)
	}
	row[ir.IDField] = v
	return row, nil
}

// Refresh replaces the base snapshot with the backend's and re-applies
// pending operations on top. A failed fetch changes nothing.
func (c *Cache) Refresh(ctx context.Context) error {
	ctx, done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if c.client == nil {
		return ErrNoRemote
	}
	if !c.online() {
		return ErrOffline
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	c.tracking = true
	c.acked = nil
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.tracking = false
		c.acked = nil
		c.mu.Unlock()
	}()

	fetched, err := c.client.FetchSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	snap, skipped := ir.NormalizeSnapshot(fetched)
	if skipped > 0 {
		c.logger.Warn("dropped snapshot rows without a usable or unique id", "rows", skipped)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return ErrClosed
	}

	// The fetch may predate writes confirmed while it was in flight.
	for _, op := range c.acked {
		snap[op.Table], _ = reconcile.Fold(snap[op.Table], op)
	}
	// Tables the backend no longer has are emptied, not kept stale.
	for name := range c.base {
		if _, ok := snap[name]; !ok {
			snap[name] = ir.Table{}
		}
	}

	c.base = snap
	if err := c.store.WriteSnapshot(context.WithoutCancel(ctx), snap); err != nil {
		c.logger.Warn("refreshed snapshot not persisted; keeping it in memory", "error", err)
	}
	anomalies := c.rebuildLocked()

	c.logger.Info("snapshot refreshed",
		"tables", len(snap),
		"pending", c.queue.Len(),
		"anomalies", len(anomalies),
	)
	for _, a := range anomalies {
		c.logger.Debug("pending operation does not apply cleanly", "anomaly", a.String())
	}
	return nil
}

// ForceSync drains the queue, waiting for a drain already in flight, and
// then refreshes from the backend.
func (c *Cache) ForceSync(ctx context.Context) error {
	ctx, done, err := c.begin(ctx)
	if err != nil {
		return err
	}
	defer done()

	if c.drainer == nil {
		return ErrNoRemote
	}
	if err := c.drainer.ForceSync(ctx); err != nil {
		return err
	}
	return c.Refresh(ctx)
}

// Nudge asks the drainer to run soon.
func (c *Cache) Nudge() {
	if c.drainer != nil {
		c.drainer.Nudge()
	}
}

// Pending returns the queued operations in order.
func (c *Cache) Pending() []ir.PendingOperation {
	return c.queue.List()
}

// Discard drops a queued operation without sending it and removes its
// effect from the view.
func (c *Cache) Discard(ctx context.Context, opID string) (ir.PendingOperation, error) {
	if err := c.ready(); err != nil {
		return ir.PendingOperation{}, err
	}

	c.mu.Lock()
	op, err := c.queue.Discard(ctx, opID)
	if err != nil {
		c.mu.Unlock()
		return ir.PendingOperation{}, err
	}
	c.rebuildLocked()
	c.mu.Unlock()

	c.Nudge()
	return op, nil
}

// State returns the current sync state.
func (c *Cache) State() ir.SyncState {
	if c.drainer == nil {
		return ir.SyncState{Status: ir.StatusIdle}
	}
	return c.drainer.State()
}

// Online reports whether the backend is considered reachable.
func (c *Cache) Online() bool {
	return c.client != nil && c.online()
}

// Subscribe returns a channel that receives the current sync state and
// then every change. Slow readers only see the latest state. The cancel
// func closes the channel.
func (c *Cache) Subscribe() (<-chan ir.SyncState, func()) {
	ch := make(chan ir.SyncState, 1)
	ch <- c.State()

	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		defer c.subMu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Cache) publish(s ir.SyncState) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, ch := range c.subs {
		select {
		case ch <- s:
			continue
		default:
		}
		// Replace the unread state.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// onAck folds a confirmed operation into the base snapshot.
func (c *Cache) onAck(op ir.PendingOperation) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != stateReady {
		return
	}
	if c.tracking {
		c.acked = append(c.acked, op.Clone())
	}

	t, changed := reconcile.Fold(c.base[op.Table], op)
	c.base[op.Table] = t
	if changed {
		// Background goroutine; no caller context to inherit.
		if err := c.store.WriteTable(context.Background(), op.Table, t); err != nil {
			c.logger.Warn("confirmed write not persisted to base", "op_id", op.OpID, "error", err)
		}
	}
	c.rebuildLocked()
}

// rebuildLocked recomputes the view as merge(base, pending).
func (c *Cache) rebuildLocked() []reconcile.Anomaly {
	// Replayed op by op so the view keeps its tombstones for later Mutates.
	view := reconcile.NewView(c.base)
	for _, op := range c.queue.List() {
		view.Apply(op)
	}
	c.view = view
	return view.Anomalies()
}

// refreshOnReconnect pulls the backend snapshot after every offline to
// online transition, once the drain it triggers has finished, so changes
// made by other clients while this one was offline show up.
func (c *Cache) refreshOnReconnect(ctx context.Context, transitions <-chan connectivity.Transition) {
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if tr.To != connectivity.Online {
				continue
			}
		}

		if c.drainer != nil {
			if err := c.drainer.Drain(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrOffline) {
				// The queue head is stuck; refresh anyway, pending writes stay on top.
				c.logger.Debug("drain after reconnect failed", "error", err)
			}
		}
		err := c.Refresh(ctx)
		switch {
		case err == nil, ctx.Err() != nil, errors.Is(err, ErrOffline), errors.Is(err, ErrClosed):
		default:
			c.logger.Warn("refresh after reconnect failed; serving cached data", "error", err)
		}
	}
}

// begin admits a caller-driven operation. The returned context is also
// cancelled by Teardown, and done must be called when the operation ends.
func (c *Cache) begin(ctx context.Context) (context.Context, func(), error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case stateNew:
		return nil, nil, ErrNotInitialized
	case stateClosed:
		return nil, nil, ErrClosed
	}

	c.calls.Add(1)
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.runCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
		c.calls.Done()
	}, nil
}

func (c *Cache) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch c.state {
	case stateNew:
		return ErrNotInitialized
	case stateClosed:
		return ErrClosed
	}
	return nil
}

func (c *Cache) online() bool {
	return c.monitor == nil || c.monitor.Online()
}
