package cache

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rollbook/internal/connectivity"
	"github.com/roach88/rollbook/internal/drain"
	"github.com/roach88/rollbook/internal/ir"
	"github.com/roach88/rollbook/internal/logging"
	"github.com/roach88/rollbook/internal/queue"
	"github.com/roach88/rollbook/internal/remote"
	"github.com/roach88/rollbook/internal/schema"
	"github.com/roach88/rollbook/internal/store"
	"github.com/roach88/rollbook/internal/testutil"
)

const waitFor = 2 * time.Second

func seedBackend() *remote.MemoryBackend {
	return remote.NewMemoryBackend(ir.Snapshot{"students": ir.Table{
		{"id": ir.Int(7), "name": ir.String("Ada"), "points": ir.Int(40)},
		{"id": ir.Int(8), "name": ir.String("Grace"), "points": ir.Int(75)},
	}})
}

type fixture struct {
	backend *remote.MemoryBackend
	monitor *connectivity.Monitor
	queue   *queue.Queue
	local   *store.Local
	cache   *Cache
}

type fixtureOpts struct {
	online  bool
	backend store.Backend
	schema  *schema.Schema
	noInit  bool
}

func newFixture(t *testing.T, backend *remote.MemoryBackend, o fixtureOpts) *fixture {
	t.Helper()
	logger := logging.Discard()

	sb := o.backend
	if sb == nil {
		sb = store.NewMemory()
	}
	local := store.NewLocal(sb, logger)
	q := queue.New(local,
		queue.WithIDGenerator(testutil.NewSequentialIDs("op")),
		queue.WithLogger(logger),
	)
	monitor := connectivity.New(nil, &connectivity.Config{InitiallyOnline: o.online}, connectivity.WithLogger(logger))
	drainer := drain.New(q, backend, monitor,
		drain.WithLogger(logger),
		drain.WithConfig(&drain.Config{BatchSize: 10, BackoffMin: 5 * time.Millisecond, BackoffMax: 20 * time.Millisecond}),
	)

	c, err := New(Deps{
		Store:   local,
		Queue:   q,
		Client:  backend,
		Monitor: monitor,
		Drainer: drainer,
		Schema:  o.schema,
		Logger:  logger,
		IDs:     testutil.NewSequentialIDs("row"),
	})
	require.NoError(t, err)

	if !o.noInit {
		require.NoError(t, c.Init(context.Background()))
		t.Cleanup(func() { c.Teardown() })
	}
	return &fixture{backend: backend, monitor: monitor, queue: q, local: local, cache: c}
}

func points(t *testing.T, c *Cache, id any) ir.Value {
	t.Helper()
	row, ok := c.Row("students", id)
	require.True(t, ok, "row %v not found", id)
	return row["points"]
}

func TestCache_OfflineEditSyncsWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})

	assert.Equal(t, ir.Int(40), points(t, f.cache, 7))

	f.monitor.Set(false, "test")
	_, err := f.cache.Update(ctx, "students", "7", ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)

	// Visible at once, queued, not yet on the backend.
	assert.Equal(t, ir.Int(90), points(t, f.cache, 7))
	assert.Equal(t, ir.String("Ada"), f.cache.Table("students")[0]["name"])
	assert.Equal(t, 1, f.queue.Len())
	assert.Equal(t, ir.Int(40), f.backend.Table("students")[0]["points"])

	f.monitor.Set(true, "test")

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, ir.Int(90), f.backend.Table("students")[0]["points"])
	assert.Equal(t, ir.Int(90), points(t, f.cache, "7"))
	require.Eventually(t, func() bool { return f.cache.State().Status == ir.StatusIdle }, waitFor, time.Millisecond)

	require.NoError(t, f.cache.Refresh(ctx))
	assert.Equal(t, ir.Int(90), points(t, f.cache, 7))
}

func TestCache_PendingSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "rollbook.db")
	backend := seedBackend()

	db, err := store.Open(path)
	require.NoError(t, err)
	first := newFixture(t, backend, fixtureOpts{online: true, backend: db})
	first.monitor.Set(false, "test")
	_, err = first.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)
	require.NoError(t, first.cache.Teardown())

	db, err = store.Open(path)
	require.NoError(t, err)
	second := newFixture(t, backend, fixtureOpts{online: false, backend: db})

	assert.Equal(t, ir.Int(90), points(t, second.cache, 7))
	assert.Equal(t, ir.Int(75), points(t, second.cache, 8))
	require.Len(t, second.cache.Pending(), 1)
	assert.Equal(t, "op-0001", second.cache.Pending()[0].OpID)

	second.monitor.Set(true, "test")
	require.Eventually(t, func() bool { return second.queue.Len() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, ir.Int(90), backend.Table("students")[0]["points"])
}

func TestCache_MutateBeforeInit(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: true, noInit: true})

	_, err := f.cache.Update(context.Background(), "students", 7, ir.Row{"points": ir.Int(1)})
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.ErrorIs(t, f.cache.Refresh(context.Background()), ErrNotInitialized)
	assert.Empty(t, f.cache.Table("students"))
}

func TestCache_MutateAfterTeardown(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	require.NoError(t, f.cache.Teardown())
	require.NoError(t, f.cache.Teardown())

	_, err := f.cache.Delete(context.Background(), "students", 7)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.cache.Init(context.Background()), ErrClosed)
}

func TestCache_CreateAssignsRowID(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: false})

	opID, rowID, err := f.cache.Create(context.Background(), "students", ir.Row{"name": ir.String("Lin")})
	require.NoError(t, err)

	assert.Equal(t, "op-0001", opID)
	assert.Equal(t, "row-0001", rowID)
	row, ok := f.cache.Row("students", "row-0001")
	require.True(t, ok)
	assert.Equal(t, ir.String("Lin"), row["name"])
	assert.Equal(t, []string{"students"}, f.cache.Tables())
}

func TestCache_CreateKeepsGivenID(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: false})

	_, rowID, err := f.cache.Create(context.Background(), "students", ir.Row{"id": ir.Int(12), "name": ir.String("Lin")})
	require.NoError(t, err)
	assert.Equal(t, "12", rowID)

	_, err = f.cache.Mutate(context.Background(), "students", ir.ActionUpdate, ir.Row{"id": ir.NewNumber(12), "points": ir.Int(3)})
	require.NoError(t, err)
	assert.Equal(t, ir.Int(3), points(t, f.cache, 12))
}

func TestCache_MutateRejectsBadInput(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: false})
	ctx := context.Background()

	_, err := f.cache.Mutate(ctx, "", ir.ActionCreate, ir.Row{})
	assert.ErrorIs(t, err, queue.ErrInvalidOp)

	_, err = f.cache.Mutate(ctx, "students", ir.Action("UPSERT"), ir.Row{"id": ir.String("1")})
	assert.ErrorIs(t, err, queue.ErrInvalidOp)

	_, err = f.cache.Update(ctx, "students", ir.Bool(true), ir.Row{"points": ir.Int(1)})
	assert.ErrorIs(t, err, ir.ErrInvalidID)

	_, err = f.cache.Mutate(ctx, "students", ir.ActionUpdate, ir.Row{"points": ir.Int(1)})
	assert.ErrorIs(t, err, ir.ErrInvalidID)

	assert.Zero(t, f.queue.Len())
}

func TestCache_SchemaValidation(t *testing.T) {
	s, err := schema.Compile("classroom.cue", `tables: students: close({
	name:   string
	points: int & >=0 & <=100
})`)
	require.NoError(t, err)
	f := newFixture(t, seedBackend(), fixtureOpts{online: false, schema: s})
	ctx := context.Background()

	_, err = f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(900)})
	var ve *schema.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, f.queue.Len())

	_, err = f.cache.Update(ctx, "teachers", 1, ir.Row{"name": ir.String("X")})
	assert.ErrorIs(t, err, schema.ErrUnknownTable)

	_, err = f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	assert.NoError(t, err)
}

func TestCache_LocalWinsOverRefresh(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	backend.RejectWhen(func(r remote.Request) error {
		if r.Action == ir.ActionUpdate {
			return errors.New("locked")
		}
		return nil
	})
	f := newFixture(t, backend, fixtureOpts{online: true})

	_, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)

	// Another client changes the same row on the backend.
	backend.Put("students", ir.Row{"id": ir.String("7"), "name": ir.String("Ada L."), "points": ir.Int(55)})

	require.NoError(t, f.cache.Refresh(ctx))

	row, ok := f.cache.Row("students", 7)
	require.True(t, ok)
	assert.Equal(t, ir.Int(90), row["points"], "pending local write wins")
	assert.Equal(t, ir.String("Ada L."), row["name"], "untouched fields come from the backend")
	assert.Equal(t, 1, f.queue.Len())
}

func TestCache_RefreshFailureChangesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	before := f.cache.Snapshot()
	stored := f.local.ReadSnapshot(ctx)

	f.backend.Put("students", ir.Row{"id": ir.String("9"), "name": ir.String("New")})
	f.backend.FailNext(errors.New("gateway timeout"))

	require.Error(t, f.cache.Refresh(ctx))
	assert.Equal(t, before, f.cache.Snapshot())
	assert.Equal(t, stored, f.local.ReadSnapshot(ctx))
}

func TestCache_RefreshOffline(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: false})
	assert.ErrorIs(t, f.cache.Refresh(context.Background()), ErrOffline)
}

func TestCache_RefreshEmptiesDroppedTables(t *testing.T) {
	ctx := context.Background()
	backend := remote.NewMemoryBackend(nil)
	f := newFixture(t, backend, fixtureOpts{online: false})
	require.NoError(t, f.local.WriteTable(ctx, "retired", ir.Table{{"id": ir.String("1")}}))

	// Reload the stale table into a fresh cache, then refresh.
	c2, err := New(Deps{Store: f.local, Queue: f.queue, Client: backend, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, c2.Init(ctx))
	defer c2.Teardown()

	assert.Empty(t, c2.Table("retired"))
	assert.Empty(t, f.local.ReadTable(ctx, "retired"))
}

func TestCache_AckFoldsIntoBase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})

	_, err := f.cache.Delete(ctx, "students", 8)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, waitFor, time.Millisecond)

	// Confirmed but not yet refreshed: the delete is now part of the base.
	_, ok := f.cache.Row("students", 8)
	assert.False(t, ok)
	require.Eventually(t, func() bool {
		_, ok := f.local.ReadTable(ctx, "students").Find("8")
		return !ok
	}, waitFor, time.Millisecond)

	// The id is free again once the delete is confirmed.
	_, _, err = f.cache.Create(ctx, "students", ir.Row{"id": ir.String("8"), "name": ir.String("Again")})
	require.NoError(t, err)
	row, ok := f.cache.Row("students", 8)
	require.True(t, ok)
	assert.Equal(t, ir.String("Again"), row["name"])
}

func TestCache_DeleteDominatesWhilePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	f.monitor.Set(false, "test")

	_, err := f.cache.Delete(ctx, "students", 7)
	require.NoError(t, err)
	_, err = f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(1)})
	require.NoError(t, err)

	_, ok := f.cache.Row("students", 7)
	assert.False(t, ok)
	assert.Equal(t, 2, f.queue.Len())
}

func TestCache_ForceSync(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})

	_, _, err := f.cache.Create(ctx, "students", ir.Row{"id": ir.String("9"), "name": ir.String("Lin")})
	require.NoError(t, err)
	require.NoError(t, f.cache.ForceSync(ctx))

	assert.Zero(t, f.queue.Len())
	_, ok := f.backend.Table("students").Find("9")
	assert.True(t, ok)
	assert.Equal(t, ir.StatusIdle, f.cache.State().Status)
}

func TestCache_ForceSyncReportsFailure(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	backend.RejectWhen(func(remote.Request) error { return errors.New("read only") })
	f := newFixture(t, backend, fixtureOpts{online: true})

	_, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)

	err = f.cache.ForceSync(ctx)
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))
	assert.Equal(t, ir.StatusError, f.cache.State().Status)
	assert.Contains(t, f.cache.State().LastError, "read only")
}

func TestCache_SubscribeSeesStateChanges(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	backend.RejectWhen(func(remote.Request) error { return errors.New("read only") })
	f := newFixture(t, backend, fixtureOpts{online: true})

	ch, cancel := f.cache.Subscribe()
	defer cancel()

	first := <-ch
	assert.Equal(t, ir.StatusIdle, first.Status)

	_, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case s := <-ch:
			return s.Status == ir.StatusError && s.LastError != ""
		default:
			return false
		}
	}, waitFor, time.Millisecond)
}

func TestCache_TeardownClosesSubscriptions(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	ch, cancel := f.cache.Subscribe()
	<-ch

	require.NoError(t, f.cache.Teardown())

	_, ok := <-ch
	assert.False(t, ok)
	cancel()
}

func TestCache_DiscardRemovesEffect(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	backend.RejectWhen(func(r remote.Request) error {
		if r.Data["points"] == ir.Int(-5) {
			return errors.New("points must be positive")
		}
		return nil
	})
	f := newFixture(t, backend, fixtureOpts{online: true})

	bad, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(-5)})
	require.NoError(t, err)
	_, err = f.cache.Update(ctx, "students", 8, ir.Row{"points": ir.Int(80)})
	require.NoError(t, err)

	// The bad head blocks the queue.
	require.Eventually(t, func() bool { return f.cache.State().Status == ir.StatusError }, waitFor, time.Millisecond)
	assert.Equal(t, 2, f.queue.Len())

	op, err := f.cache.Discard(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, bad, op.OpID)
	assert.Equal(t, ir.Int(40), points(t, f.cache, 7))

	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, ir.Int(80), backend.Table("students")[1]["points"])

	_, err = f.cache.Discard(ctx, bad)
	assert.ErrorIs(t, err, queue.ErrNotFound)
}

func TestCache_ReconnectPullsOtherClientsChanges(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	require.Eventually(t, func() bool { return f.cache.State().Status == ir.StatusIdle }, waitFor, time.Millisecond)

	f.monitor.Set(false, "test")
	// Another client edits row 8 while this one is offline.
	f.backend.Put("students", ir.Row{"id": ir.String("8"), "name": ir.String("Grace"), "points": ir.Int(99)})
	assert.Equal(t, ir.Int(75), points(t, f.cache, 8))

	f.monitor.Set(true, "test")

	require.Eventually(t, func() bool { return points(t, f.cache, 8) == ir.Int(99) }, waitFor, time.Millisecond)
	assert.Zero(t, f.queue.Len())
}

func TestCache_ReconnectRefreshKeepsPendingWrites(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	backend.RejectWhen(func(r remote.Request) error {
		if r.Action == ir.ActionUpdate {
			return errors.New("locked")
		}
		return nil
	})
	f := newFixture(t, backend, fixtureOpts{online: true})

	f.monitor.Set(false, "test")
	_, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)
	backend.Put("students", ir.Row{"id": ir.String("8"), "name": ir.String("Grace"), "points": ir.Int(99)})

	f.monitor.Set(true, "test")

	require.Eventually(t, func() bool { return points(t, f.cache, 8) == ir.Int(99) }, waitFor, time.Millisecond)
	assert.Equal(t, ir.Int(90), points(t, f.cache, 7), "refused write stays visible while queued")
	assert.Equal(t, 1, f.queue.Len())
}

func TestCache_RefreshWhileUpdateQueued(t *testing.T) {
	ctx := context.Background()
	backend := seedBackend()
	release := make(chan struct{})
	var once sync.Once
	backend.OnSend(func([]remote.Request) { <-release })
	f := newFixture(t, backend, fixtureOpts{online: true})
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	_, err := f.cache.Update(ctx, "students", 7, ir.Row{"points": ir.Int(90)})
	require.NoError(t, err)

	// The drainer is stuck sending; the backend still has 40.
	require.NoError(t, f.cache.Refresh(ctx))
	assert.Equal(t, ir.Int(40), backend.Table("students")[0]["points"])
	assert.Equal(t, ir.Int(90), points(t, f.cache, 7))
	assert.Equal(t, 1, f.queue.Len())

	once.Do(func() { close(release) })
	require.Eventually(t, func() bool { return f.queue.Len() == 0 }, waitFor, time.Millisecond)
	assert.Equal(t, ir.Int(90), points(t, f.cache, 7))
}

func TestCache_TeardownWaitsForForceSync(t *testing.T) {
	f := newFixture(t, seedBackend(), fixtureOpts{online: true})
	require.Eventually(t, func() bool { return f.cache.State().Status == ir.StatusIdle }, waitFor, time.Millisecond)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.backend.OnFetch(func() {
		once.Do(func() { close(entered) })
		<-release
	})

	synced := make(chan error, 1)
	go func() { synced <- f.cache.ForceSync(context.Background()) }()
	<-entered

	tornDown := make(chan error, 1)
	go func() { tornDown <- f.cache.Teardown() }()

	assert.Never(t, func() bool { return len(tornDown) > 0 }, 50*time.Millisecond, time.Millisecond)

	close(release)
	require.NoError(t, <-tornDown)
	err := <-synced
	assert.True(t, errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled), "got %v", err)

	assert.ErrorIs(t, f.cache.ForceSync(context.Background()), ErrClosed)
}

func TestCache_LocalOnlyWithoutClient(t *testing.T) {
	ctx := context.Background()
	local := store.NewLocal(store.NewMemory(), logging.Discard())
	q := queue.New(local)
	c, err := New(Deps{Store: local, Queue: q, Logger: logging.Discard()})
	require.NoError(t, err)
	require.NoError(t, c.Init(ctx))
	defer c.Teardown()

	_, _, err = c.Create(ctx, "notes", ir.Row{"text": ir.String("offline only")})
	require.NoError(t, err)

	assert.Len(t, c.Table("notes"), 1)
	assert.Equal(t, 1, q.Len())
	assert.False(t, c.Online())
	assert.ErrorIs(t, c.Refresh(ctx), ErrNoRemote)
	assert.ErrorIs(t, c.ForceSync(ctx), ErrNoRemote)
	assert.Equal(t, ir.StatusIdle, c.State().Status)
}

func TestNew_RequiresStoreAndQueue(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)

	_, err = New(Deps{Store: store.NewLocal(store.NewMemory(), nil)})
	assert.Error(t, err)
}
