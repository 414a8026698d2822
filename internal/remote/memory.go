package remote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/reconcile"
)

// MemoryBackend is an in-process backend. It applies writes the way the
// production backend does (UPDATE of a missing row creates it, DELETE of
// a missing row succeeds) and lets tests inject failures and outages.
//
// It implements Client directly and can be served over HTTP with Handler.
type MemoryBackend struct {
	mu        sync.Mutex
	tables    ir.Snapshot
	applied   map[string]bool // op ids already applied
	batches   [][]Request
	offline   bool
	failNext  []error
	rejectFn  func(Request) error
	sendHook  func(batch []Request)
	fetchHook func()
	lostAcks  int
}

var _ Client = (*MemoryBackend)(nil)

// NewMemoryBackend creates a backend holding a copy of initial.
func NewMemoryBackend(initial ir.Snapshot) *MemoryBackend {
	tables, _ := ir.NormalizeSnapshot(initial)
	return &MemoryBackend{
		tables:  tables,
		applied: make(map[string]bool),
	}
}

// Send implements Client. A batch is applied all-or-nothing.
func (m *MemoryBackend) Send(ctx context.Context, batch []Request) error {
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}

	m.mu.Lock()
	hook := m.sendHook
	m.mu.Unlock()
	if hook != nil {
		hook(batch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.availableLocked("send"); err != nil {
		return err
	}
	for _, req := range batch {
		if err := m.validateLocked(req); err != nil {
			return err
		}
	}

	m.batches = append(m.batches, cloneBatch(batch))
	for _, req := range batch {
		if req.OpID != "" && m.applied[req.OpID] {
			continue
		}
		m.applyLocked(req)
		if req.OpID != "" {
			m.applied[req.OpID] = true
		}
	}

	if m.lostAcks > 0 {
		m.lostAcks--
		return &Error{Op: "send", Err: fmt.Errorf("%w: connection reset after write", ErrUnreachable)}
	}
	return nil
}

// FetchSnapshot implements Client.
func (m *MemoryBackend) FetchSnapshot(ctx context.Context) (ir.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "snapshot", Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}

	m.mu.Lock()
	hook := m.fetchHook
	m.mu.Unlock()
	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.availableLocked("snapshot"); err != nil {
		return nil, err
	}
	return m.tables.Clone(), nil
}

// Ping implements Client.
func (m *MemoryBackend) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return &Error{Op: "ping", Err: ErrUnreachable}
	}
	return nil
}

// SetOffline simulates losing or regaining the network.
func (m *MemoryBackend) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// FailNext makes the next len(errs) Send or FetchSnapshot calls fail with
// the given errors, in order.
func (m *MemoryBackend) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, errs...)
}

// LoseNextAcks makes the next n accepted batches report a transport
// failure after they were applied, as when the connection drops before
// the response arrives.
func (m *MemoryBackend) LoseNextAcks(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lostAcks += n
}

// RejectWhen installs a validation hook: a batch containing a request for
// which fn returns an error is refused as a whole.
func (m *MemoryBackend) RejectWhen(fn func(Request) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejectFn = fn
}

// OnSend installs a hook called at the start of every Send, before any
// failure injection. Tests use it to block or observe in-flight sends.
func (m *MemoryBackend) OnSend(fn func(batch []Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendHook = fn
}

// OnFetch installs a hook called at the start of every FetchSnapshot.
func (m *MemoryBackend) OnFetch(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchHook = fn
}

// Batches returns every batch accepted so far.
func (m *MemoryBackend) Batches() [][]Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]Request, len(m.batches))
	for i, b := range m.batches {
		out[i] = cloneBatch(b)
	}
	return out
}

// Table returns a copy of one table.
func (m *MemoryBackend) Table(name string) ir.Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tables[name].Clone()
	if t == nil {
		return ir.Table{}
	}
	return t
}

// Put replaces a row directly, as another client writing to the backend would.
func (m *MemoryBackend) Put(table string, row ir.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applyLocked(Request{Action: ir.ActionCreate, Table: table, Data: row})
}

func (m *MemoryBackend) availableLocked(op string) error {
	if m.offline {
		return &Error{Op: op, Err: ErrUnreachable}
	}
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		var re *Error
		if errors.As(err, &re) {
			return err
		}
		if err != nil {
			return &Error{Op: op, Message: err.Error(), Err: err}
		}
	}
	return nil
}

func (m *MemoryBackend) validateLocked(req Request) error {
	if !req.Action.Valid() || req.Table == "" {
		return &Error{Op: "send", Message: fmt.Sprintf("invalid request %s %q", req.Action, req.Table), Rejected: true}
	}
	if _, err := ir.RowID(req.Data); err != nil {
		return &Error{Op: "send", Message: err.Error(), Rejected: true, Err: err}
	}
	if m.rejectFn != nil {
		if err := m.rejectFn(req); err != nil {
			return &Error{Op: "send", Message: err.Error(), Rejected: true, Err: err}
		}
	}
	return nil
}

func (m *MemoryBackend) applyLocked(req Request) {
	op := ir.PendingOperation{Table: req.Table, Action: req.Action, Payload: req.Data}

	// UPDATE of an unknown row behaves as an upsert on the backend.
	if req.Action == ir.ActionUpdate {
		if id, err := op.RowID(); err == nil && m.tables[req.Table].Index(id) < 0 {
			op.Action = ir.ActionCreate
		}
	}
	m.tables[req.Table], _ = reconcile.Fold(m.tables[req.Table], op)
}

func cloneBatch(batch []Request) []Request {
	out := make([]Request, len(batch))
	for i, r := range batch {
		r.Data = r.Data.Clone()
		out[i] = r
	}
	return out
}
