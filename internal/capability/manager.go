package capability

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"toolforge/internal/config"
	"toolforge/internal/fault"
	"toolforge/internal/forge"
	"toolforge/internal/logging"
)

// State is the lifecycle state of one managed server.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFaulted  State = "faulted"
)

// serverEntry tracks one named server.
type serverEntry struct {
	conn      Conn
	state     State
	lastErr   error
	startedAt time.Time
	refs      int
}

// ManagerStats counts manager activity.
type ManagerStats struct {
	Ready    int
	Faulted  int
	Starts   int
	Failures int
}

// Manager owns capability-server lifecycles. Ensure is idempotent and
// serialized per server name: concurrent callers share a single startup. A
// failed spawn gets one backed-off retry; only when that also fails does the
// breaker trip, holding the server faulted for the configured cool-down.
type Manager struct {
	cfg *config.Config

	mu       sync.RWMutex
	servers  map[string]*serverEntry
	breakers map[string]*gobreaker.CircuitBreaker
	starts   int
	failures int

	flight singleflight.Group

	// spawn builds and connects a transport; tests substitute it.
	spawn func(ctx context.Context, binding forge.ServerBinding) (Conn, error)

	// retryBackoff delays the single in-flight retry of a failed spawn.
	retryBackoff time.Duration
}

// NewManager creates a manager using the runtime configuration for startup
// and cool-down budgets.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		cfg:          cfg,
		servers:      make(map[string]*serverEntry),
		breakers:     make(map[string]*gobreaker.CircuitBreaker),
		retryBackoff: 250 * time.Millisecond,
	}
	m.spawn = func(ctx context.Context, binding forge.ServerBinding) (Conn, error) {
		t := NewTransport(binding)
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return t, nil
	}
	return m
}

// serverName resolves the key a binding is managed under.
func serverName(binding forge.ServerBinding) string {
	if binding.Name != "" {
		return binding.Name
	}
	return binding.Command
}

// breaker returns the per-server breaker, creating it on first use. One
// failed start attempt (spawn plus its retry) opens it for the cool-down
// period.
func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: m.cfg.GetServerCooldown(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 1
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.CapabilityDebug("Breaker for %s: %s -> %s", name, from, to)
		},
	})
	m.breakers[name] = cb
	return cb
}

// Ensure returns a ready connection for the binding, starting the server if
// needed. Callers racing on the same name share one startup. A server inside
// its cool-down fails fast with server_unavailable.
func (m *Manager) Ensure(ctx context.Context, binding forge.ServerBinding) (Conn, error) {
	const op = "capability.Ensure"

	name := serverName(binding)
	if name == "" {
		return nil, fault.New(fault.InvalidInput, op, "server binding has neither name nor command")
	}

	// Fast path: a live connection already exists.
	m.mu.RLock()
	entry, ok := m.servers[name]
	if ok && entry.state == StateReady && entry.conn != nil && entry.conn.Alive() {
		conn := entry.conn
		m.mu.RUnlock()
		return conn, nil
	}
	m.mu.RUnlock()

	v, err, _ := m.flight.Do(name, func() (interface{}, error) {
		return m.startLocked(ctx, name, binding)
	})
	if err != nil {
		return nil, err
	}
	return v.(Conn), nil
}

// startLocked runs inside the singleflight slot for name.
func (m *Manager) startLocked(ctx context.Context, name string, binding forge.ServerBinding) (Conn, error) {
	const op = "capability.Ensure"

	// Re-check under the flight: a racer may have finished the start.
	m.mu.Lock()
	if entry, ok := m.servers[name]; ok && entry.state == StateReady && entry.conn != nil && entry.conn.Alive() {
		conn := entry.conn
		m.mu.Unlock()
		return conn, nil
	}
	entry := &serverEntry{state: StateStarting}
	m.servers[name] = entry
	m.starts++
	m.mu.Unlock()

	result, err := m.breaker(name).Execute(func() (interface{}, error) {
		conn, err := m.spawnWithTimeout(ctx, binding)
		if err == nil {
			return conn, nil
		}
		// One backed-off retry before the failure counts toward the
		// cool-down; transient spawn failures usually clear at once.
		logging.CapabilityDebug("Start of %s failed, retrying once: %v", name, err)
		select {
		case <-time.After(m.retryBackoff):
		case <-ctx.Done():
			return nil, fault.FromContext(op, ctx.Err())
		}
		return m.spawnWithTimeout(ctx, binding)
	})
	if err != nil {
		m.mu.Lock()
		entry.state = StateFaulted
		entry.lastErr = err
		m.failures++
		m.mu.Unlock()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fault.New(fault.ServerUnavailable, op, "server %s is cooling down after a failed start", name)
		}
		if fault.KindOf(err) == fault.Timeout || fault.KindOf(err) == fault.ServerUnavailable {
			return nil, err
		}
		return nil, fault.New(fault.ServerUnavailable, op, "server %s failed to start: %v", name, err)
	}

	conn := result.(Conn)
	m.mu.Lock()
	entry.conn = conn
	entry.state = StateReady
	entry.lastErr = nil
	entry.startedAt = time.Now().UTC()
	m.mu.Unlock()

	logging.Capability("Server %s ready", name)
	return conn, nil
}

func (m *Manager) spawnWithTimeout(ctx context.Context, binding forge.ServerBinding) (Conn, error) {
	startCtx, cancel := context.WithTimeout(ctx, m.cfg.GetServerStartupTimeout())
	defer cancel()
	return m.spawn(startCtx, binding)
}

// Acquire bumps the reference count for a server the caller is about to use.
func (m *Manager) Acquire(name string) {
	m.mu.Lock()
	if entry, ok := m.servers[name]; ok {
		entry.refs++
	}
	m.mu.Unlock()
}

// Release drops one reference. Servers stay warm at zero references; only
// Shutdown stops them.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	if entry, ok := m.servers[name]; ok && entry.refs > 0 {
		entry.refs--
	}
	m.mu.Unlock()
}

// StateOf reports the lifecycle state for a server name.
func (m *Manager) StateOf(name string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.servers[name]
	if !ok {
		return StateStopped
	}
	if entry.state == StateReady && (entry.conn == nil || !entry.conn.Alive()) {
		return StateFaulted
	}
	return entry.state
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := ManagerStats{Starts: m.starts, Failures: m.failures}
	for _, entry := range m.servers {
		switch entry.state {
		case StateReady:
			if entry.conn != nil && entry.conn.Alive() {
				stats.Ready++
			} else {
				stats.Faulted++
			}
		case StateFaulted:
			stats.Faulted++
		}
	}
	return stats
}

// Shutdown stops every managed server and forgets them.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	servers := m.servers
	m.servers = make(map[string]*serverEntry)
	m.mu.Unlock()

	for name, entry := range servers {
		if entry.conn != nil {
			if err := entry.conn.Close(); err != nil {
				logging.Get(logging.CategoryCapability).Warn("Stopping %s: %v", name, err)
			}
		}
	}
	if len(servers) > 0 {
		logging.Capability("Stopped %d capability servers", len(servers))
	}
}
