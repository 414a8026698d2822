package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drained(m *Monitor) bool {
	select {
	case <-m.DrainRequested():
		return true
	default:
		return false
	}
}

func TestMonitor_OfflineToOnlineRequestsDrain(t *testing.T) {
	m := New(nil, &Config{InitiallyOnline: false})
	assert.False(t, m.Online())

	m.Set(true, "platform")

	assert.True(t, m.Online())
	assert.True(t, drained(m))
	assert.False(t, drained(m), "one request per transition")
}

func TestMonitor_RepeatedSignalsDoNotRefire(t *testing.T) {
	m := New(nil, &Config{InitiallyOnline: true})

	m.Set(true, "platform")
	m.Set(true, "platform")

	assert.False(t, drained(m))
}

func TestMonitor_DrainRequestsCoalesce(t *testing.T) {
	m := New(nil, &Config{InitiallyOnline: false})

	m.Set(true, "a")
	m.Set(false, "b")
	m.Set(true, "c")

	assert.True(t, drained(m))
	assert.False(t, drained(m))
}

func TestMonitor_ForcedOfflineMasksSignals(t *testing.T) {
	m := New(nil, &Config{InitiallyOnline: true})

	m.SetForcedOffline(true)
	assert.False(t, m.Online())

	m.Set(true, "platform")
	assert.False(t, m.Online())
	assert.False(t, drained(m))

	m.SetForcedOffline(false)
	assert.True(t, m.Online())
	assert.True(t, drained(m))
}

func TestMonitor_SubscribeReceivesTransitions(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := New(nil, &Config{InitiallyOnline: true}, WithNow(func() time.Time { return at }))

	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false, "platform")

	select {
	case tr := <-ch:
		assert.Equal(t, Online, tr.From)
		assert.Equal(t, Offline, tr.To)
		assert.Equal(t, "platform", tr.Reason)
		assert.Equal(t, at, tr.At)
	case <-time.After(time.Second):
		t.Fatal("no transition received")
	}
}

func TestMonitor_CancelClosesSubscription(t *testing.T) {
	m := New(nil, nil)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	m.Set(false, "after cancel")
}

func TestMonitor_CheckUsesProbe(t *testing.T) {
	var fail atomic.Bool
	m := New(func(context.Context) error {
		if fail.Load() {
			return errors.New("no route")
		}
		return nil
	}, &Config{InitiallyOnline: true, ProbeTimeout: time.Second})

	fail.Store(true)
	assert.False(t, m.Check(context.Background()))

	fail.Store(false)
	assert.True(t, m.Check(context.Background()))
	assert.True(t, drained(m))
}

func TestMonitor_ProbePanicMeansOffline(t *testing.T) {
	m := New(func(context.Context) error { panic("driver bug") }, &Config{InitiallyOnline: true, ProbeTimeout: time.Second})

	assert.NotPanics(t, func() {
		assert.False(t, m.Check(context.Background()))
	})
}

func TestMonitor_RunPollsUntilCancelled(t *testing.T) {
	var calls atomic.Int32
	m := New(func(context.Context) error {
		calls.Add(1)
		return nil
	}, &Config{ProbeInterval: 5 * time.Millisecond, ProbeTimeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
