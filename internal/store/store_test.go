package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollbook/internal/ir"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "dir", "test.db"))
	assert.Error(t, err)
}

func TestOpen_RejectsNewerSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.db.Exec("PRAGMA user_version = 99")
	require.NoError(t, err)
	s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "newer than supported")
}

func TestClose_MultipleCalls(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	_, err := s.ReadTable(context.Background(), "students")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPragma_JournalMode(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.verifyPragma("journal_mode", "wal"))
}

func TestPragma_Synchronous(t *testing.T) {
	s := openTestStore(t)
	// FULL = 2
	assert.NoError(t, s.verifyPragma("synchronous", "2"))
}

func TestPragma_BusyTimeout(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.verifyPragma("busy_timeout", "5000"))
}

func TestSQLiteStore_TableRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rows := ir.Table{
		{"id": ir.String("7"), "name": ir.String("Ada"), "points": ir.Int(40), "avg": ir.Number("8.5"), "note": ir.Null{}},
		{"id": ir.String("8"), "tags": ir.Array{ir.String("late")}},
	}

	require.NoError(t, s.WriteTable(ctx, "students", rows))

	got, err := s.ReadTable(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, rows, got)
}

func TestSQLiteStore_ReadMissingTableIsEmpty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.ReadTable(context.Background(), "nope")
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestSQLiteStore_WriteTableReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.WriteTable(ctx, "students", ir.Table{{"id": ir.String("1")}, {"id": ir.String("2")}}))
	require.NoError(t, s.WriteTable(ctx, "students", ir.Table{{"id": ir.String("3")}}))

	got, err := s.ReadTable(ctx, "students")
	require.NoError(t, err)
	assert.Equal(t, ir.Table{{"id": ir.String("3")}}, got)

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT row_count FROM cached_tables WHERE name = 'students'`).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLiteStore_QueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	ops := []ir.PendingOperation{
		{OpID: "op-1", Seq: 1, Table: "students", Action: ir.ActionCreate, Payload: ir.Row{"id": ir.String("7"), "points": ir.Int(40)}, EnqueuedAt: at},
		{OpID: "op-2", Seq: 2, Table: "students", Action: ir.ActionUpdate, Payload: ir.Row{"id": ir.String("7"), "points": ir.Int(90)}, EnqueuedAt: at, Attempts: 2},
	}

	require.NoError(t, s.WriteQueue(ctx, ops))

	got, err := s.ReadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "op-1", got[0].OpID)
	assert.Equal(t, "op-2", got[1].OpID)
	assert.Equal(t, 2, got[1].Attempts)
	assert.Equal(t, ir.Int(90), got[1].Payload["points"])
	assert.True(t, at.Equal(got[0].EnqueuedAt))
}

func TestSQLiteStore_QueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s1.WriteQueue(ctx, []ir.PendingOperation{
		{OpID: "op-1", Seq: 1, Table: "t", Action: ir.ActionDelete, Payload: ir.Row{"id": ir.String("1")}},
	}))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.ReadQueue(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ir.ActionDelete, got[0].Action)
}

func TestSQLiteStore_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.db.Exec(`INSERT INTO cached_tables (name, rows, written_at) VALUES ('students', '{broken', 0)`)
	require.NoError(t, err)

	_, err = s.ReadTable(ctx, "students")
	require.Error(t, err)
	assert.True(t, IsCorrupt(err))

	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "read_table", se.Op)
	assert.Equal(t, "students", se.Key)
}

func TestSQLiteStore_TableNamesAndClearAll(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.WriteTable(ctx, "students", ir.Table{}))
	require.NoError(t, s.WriteTable(ctx, "classes", ir.Table{}))
	require.NoError(t, s.WriteQueue(ctx, []ir.PendingOperation{
		{OpID: "op-1", Seq: 1, Table: "classes", Action: ir.ActionCreate, Payload: ir.Row{"id": ir.String("c1")}},
	}))

	names, err := s.TableNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"classes", "students"}, names)

	require.NoError(t, s.ClearAll(ctx))

	names, err = s.TableNames(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	ops, err := s.ReadQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}
