package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/rollbook/internal/ir"
)

// Backend is the durable key-value layout behind the local cache:
// one record per table name and one record for the pending queue.
// Every write replaces its record atomically.
type Backend interface {
	// ReadTable returns the stored rows, or an empty table when none exist.
	ReadTable(ctx context.Context, name string) (ir.Table, error)
	WriteTable(ctx context.Context, name string, rows ir.Table) error
	// ReadQueue returns the stored operations in FIFO order.
	ReadQueue(ctx context.Context) ([]ir.PendingOperation, error)
	WriteQueue(ctx context.Context, ops []ir.PendingOperation) error
	// TableNames lists cached tables in sorted order.
	TableNames(ctx context.Context) ([]string, error)
	// ClearAll removes every table and the queue.
	ClearAll(ctx context.Context) error
	Close() error
}

// ErrCorrupt marks a stored record that no longer decodes.
var ErrCorrupt = errors.New("corrupt record")

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("store closed")

// Error describes a failed storage operation.
type Error struct {
	Op  string // "read_table", "write_queue", ...
	Key string // table name, or "queue"
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsCorrupt reports whether err came from an undecodable record.
func IsCorrupt(err error) bool {
	return errors.Is(err, ErrCorrupt)
}

// QueueKey is the Error.Key used for queue operations.
const QueueKey = "queue"
