// Package queue holds the pending operation queue: the ordered, durable
// list of local writes the remote backend has not yet acknowledged.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/store"
)

var (
	// ErrNotFound is returned by Ack, Bump and Discard for unknown op ids.
	ErrNotFound = errors.New("pending operation not found")

	// ErrDuplicateOp is returned by Enqueue when the op id is already queued.
	ErrDuplicateOp = errors.New("duplicate operation id")

	// ErrInvalidOp is returned by Enqueue for operations missing a table,
	// a known action or a payload id.
	ErrInvalidOp = errors.New("invalid operation")
)

// Queue is a FIFO of pending operations mirrored to the local store.
//
// Every change is written through to the store before the method returns.
// A failed write is logged by store.Local and the in-memory queue stays
// authoritative for the rest of the session.
//
// Thread-safety: all methods are safe for concurrent use.
type Queue struct {
	mu     sync.Mutex
	local  *store.Local
	ops    []ir.PendingOperation
	clock  seqClock
	ids    ir.IDGenerator
	now    func() time.Time
	logger *slog.Logger

	// persistErr is the most recent write-through failure, nil once a
	// later write succeeds.
	persistErr error
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator sets the generator for op ids. Default: UUIDv7.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithNow sets the wall clock used for EnqueuedAt.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates an empty queue backed by local. Call Load to restore the
// persisted queue.
func New(local *store.Local, opts ...Option) *Queue {
	q := &Queue{
		local:  local,
		ids:    ir.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Load replaces the in-memory queue with the persisted one and resumes
// the clock after its highest Seq. An unreadable queue loads as empty.
func (q *Queue) Load(ctx context.Context) int {
	ops := q.local.ReadQueue(ctx)

	// Seq order is enqueue order.
	slices.SortStableFunc(ops, func(a, b ir.PendingOperation) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	var maxSeq int64
	seen := make(map[string]bool, len(ops))
	kept := ops[:0]
	for _, op := range ops {
		if seen[op.OpID] {
			q.logger.Warn("dropping duplicate persisted operation", "op_id", op.OpID)
			continue
		}
		seen[op.OpID] = true
		maxSeq = max(maxSeq, op.Seq)
		kept = append(kept, op)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = kept
	q.clock.resume(maxSeq)

	q.logger.Debug("pending queue loaded", "pending", len(kept), "seq", maxSeq)
	return len(kept)
}

// Enqueue appends op and persists the queue. OpID is assigned when empty;
// Seq, EnqueuedAt and Attempts are always set here. The network is never
// touched. Returns the op id.
func (q *Queue) Enqueue(ctx context.Context, op ir.PendingOperation) (string, error) {
	if op.Table == "" || !op.Action.Valid() {
		return "", fmt.Errorf("%w: table %q action %q", ErrInvalidOp, op.Table, op.Action)
	}
	if _, err := op.RowID(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidOp, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if op.OpID == "" {
		op.OpID = q.ids.Generate()
	}
	if q.indexLocked(op.OpID) >= 0 {
		return "", fmt.Errorf("%w: %s", ErrDuplicateOp, op.OpID)
	}

	op = op.Clone()
	op.Seq = q.clock.next()
	op.EnqueuedAt = q.now().UTC()
	op.Attempts = 0

	q.ops = append(q.ops, op)
	q.persistLocked(ctx)

	q.logger.Debug("operation enqueued",
		"op_id", op.OpID,
		"table", op.Table,
		"action", op.Action,
		"seq", op.Seq,
		"pending", len(q.ops),
	)
	return op.OpID, nil
}

// List returns a copy of all pending operations in FIFO order.
func (q *Queue) List() []ir.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return cloneOps(q.ops)
}

// Peek returns copies of up to n operations from the head.
func (q *Queue) Peek(n int) []ir.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.ops) {
		n = len(q.ops)
	}
	return cloneOps(q.ops[:n])
}

// Head returns the first operation.
func (q *Queue) Head() (ir.PendingOperation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ops) == 0 {
		return ir.PendingOperation{}, false
	}
	return q.ops[0].Clone(), true
}

// Len returns the number of pending operations.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// Ack removes an operation the remote backend has confirmed.
func (q *Queue) Ack(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(opID)
	if i < 0 {
		return fmt.Errorf("ack %s: %w", opID, ErrNotFound)
	}
	q.ops = slices.Delete(q.ops, i, i+1)
	q.persistLocked(ctx)
	return nil
}

// Bump increments an operation's attempt count and returns the new count.
func (q *Queue) Bump(ctx context.Context, opID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(opID)
	if i < 0 {
		return 0, fmt.Errorf("bump %s: %w", opID, ErrNotFound)
	}
	q.ops[i].Attempts++
	q.persistLocked(ctx)
	return q.ops[i].Attempts, nil
}

// Discard removes an operation without sending it. This is the manual
// escape hatch for an operation the backend will never accept; the local
// edit it carried is lost.
func (q *Queue) Discard(ctx context.Context, opID string) (ir.PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexLocked(opID)
	if i < 0 {
		return ir.PendingOperation{}, fmt.Errorf("discard %s: %w", opID, ErrNotFound)
	}
	op := q.ops[i]
	q.ops = slices.Delete(q.ops, i, i+1)
	q.persistLocked(ctx)

	q.logger.Warn("pending operation discarded",
		"op_id", op.OpID,
		"table", op.Table,
		"action", op.Action,
		"attempts", op.Attempts,
	)
	return op, nil
}

// PersistErr returns the last write-through failure, or nil when the
// store is in sync with memory.
func (q *Queue) PersistErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistErr
}

// Seq returns the clock's last issued sequence number.
func (q *Queue) Seq() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.clock.current()
}

func (q *Queue) indexLocked(opID string) int {
	return slices.IndexFunc(q.ops, func(op ir.PendingOperation) bool {
		return op.OpID == opID
	})
}

func (q *Queue) persistLocked(ctx context.Context) {
	// A cancelled caller must not leave memory and store diverged.
	q.persistErr = q.local.WriteQueue(context.WithoutCancel(ctx), q.ops)
}

func cloneOps(ops []ir.PendingOperation) []ir.PendingOperation {
	out := make([]ir.PendingOperation, len(ops))
	for i, op := range ops {
		out[i] = op.Clone()
	}
	return out
}
