// Package drain sends pending operations to the remote backend.
//
// The drainer is the only writer to the backend. It walks the queue from
// the head, grouping contiguous operations of the same table and action
// into one request, and acknowledges them only after the backend accepts
// the batch. The first failure stops the walk with the failed operation
// still at the head: order is strict and nothing is skipped.
package drain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/rollbook/internal/connectivity"
	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/remote"
)

// ErrOffline is returned by Drain when the monitor reports the backend
// unreachable. The queue is left untouched.
var ErrOffline = errors.New("offline")

// Config holds drain settings.
type Config struct {
	// BatchSize caps the number of operations sent in one request.
	BatchSize int
	// BackoffMin is the retry delay after the first failure of the head.
	BackoffMin time.Duration
	// BackoffMax caps the retry delay.
	BackoffMax time.Duration
	// PoisonThreshold is the attempt count at which a stuck head is
	// reported at WARN. Zero disables the report.
	PoisonThreshold int
}

// DefaultConfig returns the default drain configuration.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:       50,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
		PoisonThreshold: 5,
	}
}

// Backoff returns the retry delay after the given number of attempts:
// BackoffMin doubled per extra attempt, capped at BackoffMax.
func (c *Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := c.BackoffMin
	for i := 1; i < attempts && d < c.BackoffMax; i++ {
		d *= 2
	}
	return min(d, c.BackoffMax)
}

// Drainer owns the path from the queue to the backend.
//
// Thread-safety: all methods are safe for concurrent use. At most one
// drain loop runs at a time.
type Drainer struct {
	queue   *queue.Queue
	client  remote.Client
	monitor *connectivity.Monitor
	config  *Config
	logger  *slog.Logger
	now     func() time.Time

	nudge chan struct{}

	mu       sync.Mutex
	inflight *flight
	state    ir.SyncState
	onAck    []func(ir.PendingOperation)
	onState  []func(ir.SyncState)
}

// flight is one running drain loop. Late callers wait on done and share err.
type flight struct {
	done chan struct{}
	err  error
}

// Option configures a Drainer.
type Option func(*Drainer)

// WithConfig replaces the default configuration.
func WithConfig(c *Config) Option {
	return func(d *Drainer) {
		if c != nil {
			d.config = c
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Drainer) { d.logger = l }
}

// WithNow sets the clock used for LastSyncedAt.
func WithNow(now func() time.Time) Option {
	return func(d *Drainer) { d.now = now }
}

// New creates a drainer. monitor may be nil, in which case the backend is
// assumed reachable and only Nudge and the retry timer trigger drains.
func New(q *queue.Queue, client remote.Client, monitor *connectivity.Monitor, opts ...Option) *Drainer {
	d := &Drainer{
		queue:   q,
		client:  client,
		monitor: monitor,
		config:  DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		nudge:   make(chan struct{}, 1),
		state:   ir.SyncState{Status: ir.StatusIdle},
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.config.BatchSize < 1 {
		d.config.BatchSize = 1
	}
	return d
}

// OnAck registers fn to run after each acknowledged operation, in queue
// order. Hooks run on the draining goroutine and must not call Drain.
func (d *Drainer) OnAck(fn func(ir.PendingOperation)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onAck = append(d.onAck, fn)
}

// OnState registers fn to run on every sync state change.
func (d *Drainer) OnState(fn func(ir.SyncState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onState = append(d.onState, fn)
}

// State returns the current sync state.
func (d *Drainer) State() ir.SyncState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Nudge asks Run to drain soon. It never blocks.
func (d *Drainer) Nudge() {
	select {
	case d.nudge <- struct{}{}:
	default:
	}
}

// Drain sends pending operations until the queue is empty, the backend is
// unreachable or a send fails. If a drain is already running, Drain waits
// for it and returns its result instead of starting another.
func (d *Drainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	if f := d.inflight; f != nil {
		d.mu.Unlock()
		select {
		case <-f.done:
			return f.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	d.inflight = f
	d.mu.Unlock()

	err := d.loop(ctx)

	d.mu.Lock()
	f.err = err
	d.inflight = nil
	d.mu.Unlock()
	close(f.done)

	return err
}

// ForceSync is the user-initiated drain. It behaves like Drain and also
// wakes Run so a pending retry timer is re-armed from the new outcome.
func (d *Drainer) ForceSync(ctx context.Context) error {
	err := d.Drain(ctx)
	d.Nudge()
	return err
}

// Run drains on Nudge, on connectivity regained and on the retry timer,
// until ctx is cancelled. It returns nil on cancellation.
func (d *Drainer) Run(ctx context.Context) error {
	var regained <-chan struct{}
	if d.monitor != nil {
		regained = d.monitor.DrainRequested()
	}

	// Armed only after a failed drain.
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()

	d.logger.Debug("drainer started", "batch_size", d.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("drainer stopped")
			return nil
		case <-d.nudge:
		case <-regained:
			d.logger.Debug("connectivity regained, draining")
		case <-retry.C:
		}

		err := d.Drain(ctx)
		retry.Stop()

		if err == nil || errors.Is(err, ErrOffline) || ctx.Err() != nil {
			continue
		}
		head, ok := d.queue.Head()
		if !ok {
			continue
		}
		delay := d.config.Backoff(head.Attempts)
		d.logger.Debug("drain retry scheduled", "op_id", head.OpID, "attempts", head.Attempts, "delay", delay)
		retry.Reset(delay)
	}
}

func (d *Drainer) loop(ctx context.Context) error {
	if d.queue.Len() == 0 {
		d.setState(ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.State().LastSyncedAt})
		return nil
	}

	sent := 0
	for {
		if err := ctx.Err(); err != nil {
			d.setState(ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.State().LastSyncedAt})
			return err
		}
		if d.monitor != nil && !d.monitor.Online() {
			d.logger.Debug("drain skipped while offline", "pending", d.queue.Len())
			d.setState(ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.State().LastSyncedAt})
			return ErrOffline
		}

		batch := d.nextBatch()
		if len(batch) == 0 {
			state := ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.now().UTC()}
			d.setState(state)
			if sent > 0 {
				d.logger.Info("queue drained", "sent", sent)
			}
			return nil
		}

		d.setState(ir.SyncState{Status: ir.StatusSyncing, LastSyncedAt: d.State().LastSyncedAt})

		reqs := make([]remote.Request, len(batch))
		for i, op := range batch {
			reqs[i] = remote.FromOperation(op)
		}

		if err := d.client.Send(ctx, reqs); err != nil {
			if ctx.Err() != nil {
				// Shutdown, not a delivery failure; the batch stays queued as is.
				d.setState(ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.State().LastSyncedAt})
				return ctx.Err()
			}
			if len(batch) == 1 || !remote.IsRejected(err) {
				return d.fail(ctx, batch[0], len(batch), err)
			}
			// The backend refused the batch as a whole. Resend one by one so
			// the operations ahead of the bad one still go through.
			d.logger.Debug("batch refused, resending singly", "ops", len(batch), "error", err)
			n, err := d.sendEach(ctx, batch)
			sent += n
			if err != nil {
				return err
			}
			continue
		}

		d.ackAll(ctx, batch)
		sent += len(batch)

		d.logger.Debug("batch sent",
			"table", batch[0].Table,
			"action", batch[0].Action,
			"ops", len(batch),
			"pending", d.queue.Len(),
		)
	}
}

// sendEach sends ops one request at a time, stopping at the first failure.
// It returns how many were delivered.
func (d *Drainer) sendEach(ctx context.Context, ops []ir.PendingOperation) (int, error) {
	for i, op := range ops {
		if err := d.client.Send(ctx, []remote.Request{remote.FromOperation(op)}); err != nil {
			if ctx.Err() != nil {
				d.setState(ir.SyncState{Status: ir.StatusIdle, LastSyncedAt: d.State().LastSyncedAt})
				return i, ctx.Err()
			}
			return i, d.fail(ctx, op, 1, err)
		}
		d.ackAll(ctx, ops[i:i+1])
	}
	return len(ops), nil
}

func (d *Drainer) ackAll(ctx context.Context, ops []ir.PendingOperation) {
	for _, op := range ops {
		if err := d.queue.Ack(ctx, op.OpID); err != nil {
			// Discarded while in flight; the backend has it anyway.
			d.logger.Warn("acked operation no longer queued", "op_id", op.OpID, "error", err)
			continue
		}
		d.runAckHooks(op)
	}
}

// nextBatch returns the head and the contiguous operations after it that
// share its table and action.
func (d *Drainer) nextBatch() []ir.PendingOperation {
	ops := d.queue.Peek(d.config.BatchSize)
	if len(ops) == 0 {
		return nil
	}
	n := 1
	for n < len(ops) && ops[n].SameShape(ops[0]) {
		n++
	}
	return ops[:n]
}

func (d *Drainer) fail(ctx context.Context, head ir.PendingOperation, size int, cause error) error {
	attempts, err := d.queue.Bump(ctx, head.OpID)
	if err != nil {
		d.logger.Warn("failed to bump head operation", "op_id", head.OpID, "error", err)
		attempts = head.Attempts + 1
	}

	d.logger.Warn("sync failed",
		"op_id", head.OpID,
		"table", head.Table,
		"action", head.Action,
		"batch", size,
		"attempts", attempts,
		"rejected", remote.IsRejected(cause),
		"error", cause,
	)
	if t := d.config.PoisonThreshold; t > 0 && attempts >= t {
		d.logger.Warn("head operation keeps failing; queue is blocked until it is accepted or discarded",
			"op_id", head.OpID,
			"attempts", attempts,
		)
	}

	d.setState(ir.SyncState{
		Status:       ir.StatusError,
		LastError:    cause.Error(),
		LastSyncedAt: d.State().LastSyncedAt,
	})
	return fmt.Errorf("drain %s: %w", head.OpID, cause)
}

func (d *Drainer) setState(s ir.SyncState) {
	d.mu.Lock()
	if d.state == s {
		d.mu.Unlock()
		return
	}
	d.state = s
	hooks := append([]func(ir.SyncState){}, d.onState...)
	d.mu.Unlock()

	for _, fn := range hooks {
		fn(s)
	}
}

func (d *Drainer) runAckHooks(op ir.PendingOperation) {
	d.mu.Lock()
	hooks := append([]func(ir.PendingOperation){}, d.onAck...)
	d.mu.Unlock()

	for _, fn := range hooks {
		fn(op)
	}
}
