package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/store"
)

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *store.MemoryStore) {
	t.Helper()
	mem := store.NewMemory()
	opts = append([]Option{WithNow(fixedNow)}, opts...)
	return New(store.NewLocal(mem, nil), opts...), mem
}

func op(table string, action ir.Action, id string, fields ...ir.Pair) ir.PendingOperation {
	payload := ir.NewObject(fields...)
	payload["id"] = ir.String(id)
	return ir.PendingOperation{Table: table, Action: action, Payload: payload}
}

func TestSeqClock_Resume(t *testing.T) {
	var c seqClock
	c.resume(100)
	assert.Equal(t, int64(100), c.current())
	assert.Equal(t, int64(101), c.next())

	c.resume(50)
	assert.Equal(t, int64(102), c.next(), "resume must not move the clock back")
}

func TestSeqClock_ThreadSafe(t *testing.T) {
	var c seqClock
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				c.next()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), c.current())
}

func TestQueue_EnqueueAssignsIdentity(t *testing.T) {
	q, _ := newTestQueue(t, WithIDGenerator(ir.NewFixedGenerator("op-1", "op-2")))
	ctx := context.Background()

	id1, err := q.Enqueue(ctx, op("students", ir.ActionCreate, "7"))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, op("students", ir.ActionUpdate, "7"))
	require.NoError(t, err)

	assert.Equal(t, "op-1", id1)
	assert.Equal(t, "op-2", id2)

	ops := q.List()
	require.Len(t, ops, 2)
	assert.Equal(t, int64(1), ops[0].Seq)
	assert.Equal(t, int64(2), ops[1].Seq)
	assert.Equal(t, fixedNow(), ops[0].EnqueuedAt)
	assert.Zero(t, ops[0].Attempts)
}

func TestQueue_FIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, op("students", ir.ActionCreate, fmt.Sprint(i)))
		require.NoError(t, err)
	}

	for i, got := range q.List() {
		id, err := got.RowID()
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprint(i), id)
	}
}

func TestQueue_EnqueueRejectsDuplicateOpID(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a := op("students", ir.ActionCreate, "7")
	a.OpID = "same"
	_, err := q.Enqueue(ctx, a)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, a)
	assert.ErrorIs(t, err, ErrDuplicateOp)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_EnqueueRejectsInvalid(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, ir.PendingOperation{Table: "students", Action: ir.ActionCreate, Payload: ir.Row{}})
	assert.ErrorIs(t, err, ErrInvalidOp)

	_, err = q.Enqueue(ctx, op("", ir.ActionCreate, "7"))
	assert.ErrorIs(t, err, ErrInvalidOp)

	_, err = q.Enqueue(ctx, op("students", ir.Action("UPSERT"), "7"))
	assert.ErrorIs(t, err, ErrInvalidOp)

	assert.Zero(t, q.Len())
}

func TestQueue_EnqueueCopiesPayload(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	o := op("students", ir.ActionUpdate, "7", ir.O("points", ir.Int(90)))
	_, err := q.Enqueue(ctx, o)
	require.NoError(t, err)

	o.Payload["points"] = ir.Int(0)
	assert.Equal(t, ir.Int(90), q.List()[0].Payload["points"])
}

func TestQueue_AckBumpDiscard(t *testing.T) {
	q, _ := newTestQueue(t, WithIDGenerator(ir.NewFixedGenerator("A", "B", "C")))
	ctx := context.Background()

	for _, id := range []string{"1", "2", "3"} {
		_, err := q.Enqueue(ctx, op("students", ir.ActionCreate, id))
		require.NoError(t, err)
	}

	n, err := q.Bump(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.Bump(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Ack(ctx, "B"))

	discarded, err := q.Discard(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, 2, discarded.Attempts)

	ops := q.List()
	require.Len(t, ops, 1)
	assert.Equal(t, "C", ops[0].OpID)

	assert.ErrorIs(t, q.Ack(ctx, "A"), ErrNotFound)
	_, err = q.Bump(ctx, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := store.Open(path)
	require.NoError(t, err)
	q1 := New(store.NewLocal(s1, nil), WithIDGenerator(ir.NewFixedGenerator("A", "B")))
	_, err = q1.Enqueue(ctx, op("students", ir.ActionCreate, "7", ir.O("points", ir.Int(40))))
	require.NoError(t, err)
	_, err = q1.Enqueue(ctx, op("students", ir.ActionUpdate, "7", ir.O("points", ir.Int(90))))
	require.NoError(t, err)
	_, err = q1.Bump(ctx, "A")
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := store.Open(path)
	require.NoError(t, err)
	defer s2.Close()
	q2 := New(store.NewLocal(s2, nil), WithIDGenerator(ir.NewFixedGenerator("C")))
	assert.Equal(t, 2, q2.Load(ctx))

	ops := q2.List()
	require.Len(t, ops, 2)
	assert.Equal(t, "A", ops[0].OpID)
	assert.Equal(t, 1, ops[0].Attempts)
	assert.Equal(t, "B", ops[1].OpID)

	// The clock resumes after the highest persisted seq.
	_, err = q2.Enqueue(ctx, op("students", ir.ActionDelete, "7"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), q2.List()[2].Seq)
}

func TestQueue_LoadCorruptIsEmpty(t *testing.T) {
	q, mem := newTestQueue(t)
	mem.Corrupt(store.QueueKey)

	assert.Zero(t, q.Load(context.Background()))
	assert.Empty(t, q.List())
}

func TestQueue_PersistFailureKeepsMemory(t *testing.T) {
	q, mem := newTestQueue(t)
	ctx := context.Background()

	mem.FailWrites = errors.New("disk full")
	_, err := q.Enqueue(ctx, op("students", ir.ActionCreate, "7"))
	require.NoError(t, err)

	assert.Equal(t, 1, q.Len())
	assert.Error(t, q.PersistErr())

	mem.FailWrites = nil
	require.NoError(t, q.Ack(ctx, q.List()[0].OpID))
	assert.NoError(t, q.PersistErr())
}

func TestQueue_ConcurrentEnqueueUniqueIDs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := q.Enqueue(ctx, op("students", ir.ActionCreate, fmt.Sprint(i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	var lastSeq int64
	for _, o := range q.List() {
		assert.False(t, seen[o.OpID])
		seen[o.OpID] = true
		assert.Greater(t, o.Seq, lastSeq)
		lastSeq = o.Seq
	}
	assert.Len(t, seen, 20)
}

func TestQueue_Peek(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	assert.Empty(t, q.Peek(3))
	_, ok := q.Head()
	assert.False(t, ok)

	for _, id := range []string{"1", "2"} {
		_, err := q.Enqueue(ctx, op("students", ir.ActionCreate, id))
		require.NoError(t, err)
	}
	assert.Len(t, q.Peek(5), 2)
	assert.Len(t, q.Peek(1), 1)
}
