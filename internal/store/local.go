package store

import (
	"context"
	"log/slog"

	"github.com/roach88/rollbook/internal/ir"
)

// Local wraps a Backend with the cache's failure policy: a read that
// fails (corrupt record, closed database, I/O error) is logged and
// treated as empty, and a failed write is logged and reported to the
// caller, who keeps its in-memory state.
type Local struct {
	backend Backend
	logger  *slog.Logger
}

// NewLocal wraps backend. A nil logger uses slog.Default().
func NewLocal(backend Backend, logger *slog.Logger) *Local {
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{backend: backend, logger: logger}
}

// Backend returns the wrapped backend.
func (l *Local) Backend() Backend {
	return l.backend
}

// ReadTable returns the cached rows, or an empty table on any failure.
func (l *Local) ReadTable(ctx context.Context, name string) ir.Table {
	rows, err := l.backend.ReadTable(ctx, name)
	if err != nil {
		l.logger.Warn("cached table unreadable, treating as empty",
			"table", name, "corrupt", IsCorrupt(err), "error", err)
		return ir.Table{}
	}
	return rows
}

// WriteTable persists rows. The error is logged and returned.
func (l *Local) WriteTable(ctx context.Context, name string, rows ir.Table) error {
	if err := l.backend.WriteTable(ctx, name, rows); err != nil {
		l.logger.Warn("failed to persist table, continuing in memory", "table", name, "error", err)
		return err
	}
	return nil
}

// ReadQueue returns the persisted queue, or an empty queue on any failure.
func (l *Local) ReadQueue(ctx context.Context) []ir.PendingOperation {
	ops, err := l.backend.ReadQueue(ctx)
	if err != nil {
		l.logger.Warn("pending queue unreadable, treating as empty",
			"corrupt", IsCorrupt(err), "error", err)
		return []ir.PendingOperation{}
	}
	return ops
}

// WriteQueue persists ops. The error is logged and returned.
func (l *Local) WriteQueue(ctx context.Context, ops []ir.PendingOperation) error {
	if err := l.backend.WriteQueue(ctx, ops); err != nil {
		l.logger.Warn("failed to persist pending queue, continuing in memory",
			"pending", len(ops), "error", err)
		return err
	}
	return nil
}

// TableNames lists cached tables, or none on failure.
func (l *Local) TableNames(ctx context.Context) []string {
	names, err := l.backend.TableNames(ctx)
	if err != nil {
		l.logger.Warn("failed to list cached tables", "error", err)
		return nil
	}
	return names
}

// ReadSnapshot loads every cached table.
func (l *Local) ReadSnapshot(ctx context.Context) ir.Snapshot {
	snap := make(ir.Snapshot)
	for _, name := range l.TableNames(ctx) {
		snap[name] = l.ReadTable(ctx, name)
	}
	return snap
}

// WriteSnapshot persists every table of snap, one record each. It keeps
// going after a failure and returns the first error.
func (l *Local) WriteSnapshot(ctx context.Context, snap ir.Snapshot) error {
	var first error
	for _, name := range snap.TableNames() {
		if err := l.WriteTable(ctx, name, snap[name]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ClearAll removes every cached record.
func (l *Local) ClearAll(ctx context.Context) error {
	if err := l.backend.ClearAll(ctx); err != nil {
		l.logger.Warn("failed to clear local store", "error", err)
		return err
	}
	return nil
}

// Close closes the backend.
func (l *Local) Close() error {
	return l.backend.Close()
}
