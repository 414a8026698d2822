package store

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/rollbook/internal/ir"
)

// MemoryStore is a Backend held in process memory. Records are kept in
// their encoded form so callers never share row maps with the store.
type MemoryStore struct {
	mu     sync.Mutex
	tables map[string]string
	queue  string
	closed bool

	// FailWrites makes every write fail, for exercising the
	// storage-failure path in tests.
	FailWrites error
}

var _ Backend = (*MemoryStore)(nil)

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{tables: make(map[string]string)}
}

func (m *MemoryStore) ReadTable(_ context.Context, name string) (ir.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &Error{Op: "read_table", Key: name, Err: ErrClosed}
	}
	rows, err := decodeTable(m.tables[name])
	if err != nil {
		return nil, &Error{Op: "read_table", Key: name, Err: err}
	}
	return rows, nil
}

func (m *MemoryStore) WriteTable(_ context.Context, name string, rows ir.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writable(); err != nil {
		return &Error{Op: "write_table", Key: name, Err: err}
	}
	data, err := encodeTable(rows)
	if err != nil {
		return &Error{Op: "write_table", Key: name, Err: err}
	}
	m.tables[name] = data
	return nil
}

func (m *MemoryStore) ReadQueue(context.Context) ([]ir.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, &Error{Op: "read_queue", Key: QueueKey, Err: ErrClosed}
	}
	ops, err := decodeQueue(m.queue)
	if err != nil {
		return nil, &Error{Op: "read_queue", Key: QueueKey, Err: err}
	}
	return ops, nil
}

func (m *MemoryStore) WriteQueue(_ context.Context, ops []ir.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writable(); err != nil {
		return &Error{Op: "write_queue", Key: QueueKey, Err: err}
	}
	data, err := encodeQueue(ops)
	if err != nil {
		return &Error{Op: "write_queue", Key: QueueKey, Err: err}
	}
	m.queue = data
	return nil
}

func (m *MemoryStore) TableNames(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.tables))
	for name := range m.tables {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (m *MemoryStore) ClearAll(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.writable(); err != nil {
		return &Error{Op: "clear_all", Err: err}
	}
	m.tables = make(map[string]string)
	m.queue = ""
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Corrupt overwrites a record with undecodable text. Key QueueKey targets
// the queue record. Used to exercise the corruption path.
func (m *MemoryStore) Corrupt(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key == QueueKey {
		m.queue = "{not json"
		return
	}
	m.tables[key] = "{not json"
}

func (m *MemoryStore) writable() error {
	if m.closed {
		return ErrClosed
	}
	return m.FailWrites
}
