// Package connectivity tracks whether the remote backend is reachable and
// asks for a queue drain whenever it becomes reachable again.
//
// The monitor has two inputs: platform signals (Set), and an optional
// probe polled on an interval (Run). A "work offline" override
// (SetForcedOffline) masks both. No input can make the monitor fail: a
// probe error or panic just means offline.
package connectivity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the effective reachability of the backend.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// Transition is published whenever the effective state changes.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Config holds probe settings.
type Config struct {
	// ProbeInterval is the time between probes in Run. Zero disables polling.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe.
	ProbeTimeout time.Duration
	// InitiallyOnline is the state assumed before the first signal.
	InitiallyOnline bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:   15 * time.Second,
		ProbeTimeout:    5 * time.Second,
		InitiallyOnline: true,
	}
}

// Monitor is the connectivity state machine.
//
// Thread-safety: all methods are safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	reported bool // last platform signal or probe result
	forced   bool // "work offline" override
	probe    Probe
	config   *Config
	logger   *slog.Logger
	now      func() time.Time

	drain  chan struct{}
	subs   map[int]chan Transition
	nextID int
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithNow sets the clock used to stamp transitions.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor. probe may be nil when only platform signals are used.
func New(probe Probe, config *Config, opts ...Option) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	m := &Monitor{
		reported: config.InitiallyOnline,
		probe:    probe,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
		drain:    make(chan struct{}, 1),
		subs:     make(map[int]chan Transition),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Online reports the effective state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked() == Online
}

// State returns the effective state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveLocked()
}

// Set records a platform connectivity signal.
func (m *Monitor) Set(online bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.effectiveLocked()
	m.reported = online
	m.publishLocked(before, reason)
}

// SetForcedOffline toggles the "work offline" override.
func (m *Monitor) SetForcedOffline(forced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	before := m.effectiveLocked()
	m.forced = forced
	m.publishLocked(before, "override")
}

// ForcedOffline reports whether the override is active.
func (m *Monitor) ForcedOffline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

// DrainRequested fires once per offline to online transition. Signals
// coalesce: a slow reader sees at most one pending request.
func (m *Monitor) DrainRequested() <-chan struct{} {
	return m.drain
}

// Subscribe returns a channel of transitions and a cancel func.
// A subscriber that falls behind misses transitions rather than
// blocking the monitor.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Transition, 8)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// Check runs the probe once and records the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.probe == nil {
		return m.Online()
	}

	timeout := m.config.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProbeTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := m.safeProbe(pctx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; not a connectivity signal.
		return m.Online()
	}
	if err != nil {
		m.logger.Debug("connectivity probe failed", "error", err)
	}
	m.Set(err == nil, "probe")
	return m.Online()
}

// Run polls the probe every ProbeInterval until ctx is cancelled.
// It returns nil on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probe == nil || m.config.ProbeInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	m.Check(ctx)

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) safeProbe(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("probe panicked: %v", r)
		}
	}()
	return m.probe(ctx)
}

func (m *Monitor) effectiveLocked() State {
	if m.reported && !m.forced {
		return Online
	}
	return Offline
}

func (m *Monitor) publishLocked(before State, reason string) {
	after := m.effectiveLocked()
	if before == after {
		return
	}

	tr := Transition{From: before, To: after, Reason: reason, At: m.now()}
	m.logger.Info("connectivity changed", "from", before, "to", after, "reason", reason)

	for _, ch := range m.subs {
		select {
		case ch <- tr:
		default:
		}
	}

	if after == Online {
		select {
		case m.drain <- struct{}{}:
		default:
		}
	}
}
