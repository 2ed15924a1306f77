// Package admission enforces the server's connection limits: how many
// clients may hold a session at once and how long any one of them may stay.
package admission

import (
	"log/slog"
	"sync"
	"time"
)

// Fallback limits for managers constructed with zero values.
const (
	DefaultMaxClients        = 4
	DefaultMaxConnectionTime = time.Hour
)

// Client is the part of a session the manager controls.
type Client interface {
	UID() string
	Stop()
}

// Handle bundles an admitted session with the transport-level disconnect the
// manager invokes when the session overstays its limit.
type Handle struct {
	// Client is stopped whenever the connection is removed or expires.
	Client Client

	// Disconnect notifies the client and closes the transport. Called
	// only on timeout expiry; nil is allowed.
	Disconnect func()
}

type entry struct {
	handle     Handle
	admittedAt time.Time
}

// Manager tracks admitted connections by connection id. All exported methods
// are safe for concurrent use.
type Manager struct {
	mu                sync.Mutex
	maxClients        int
	maxConnectionTime time.Duration
	overridden        bool
	entries           map[string]*entry

	now func() time.Time
}

// New builds a Manager with the given limits. Values of zero or less fall
// back to the package defaults.
func New(maxClients int, maxConnectionTime time.Duration) *Manager {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if maxConnectionTime <= 0 {
		maxConnectionTime = DefaultMaxConnectionTime
	}
	return &Manager{
		maxClients:        maxClients,
		maxConnectionTime: maxConnectionTime,
		entries:           make(map[string]*entry),
		now:               time.Now,
	}
}

// OverrideOnce applies limits supplied by the first client handshake, the
// way a deployment that owns all its clients can tune the server without a
// config change. Only the first call has any effect; zero or negative values
// keep the configured limit.
func (m *Manager) OverrideOnce(maxClients int, maxConnectionTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.overridden {
		return
	}
	m.overridden = true
	if maxClients > 0 {
		m.maxClients = maxClients
	}
	if maxConnectionTime > 0 {
		m.maxConnectionTime = maxConnectionTime
	}
}

// TryAdmit registers the connection if a slot is free. When the server is
// full it reports ok=false along with the estimated wait in minutes until
// the earliest active session hits its connection limit.
func (m *Manager) TryAdmit(connID string, h Handle) (ok bool, waitMinutes float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) >= m.maxClients {
		return false, m.waitEstimateLocked()
	}
	m.entries[connID] = &entry{handle: h, admittedAt: m.now()}
	return true, 0
}

// WaitEstimate returns the estimated wait in minutes for a new client, or 0
// when a slot is free.
func (m *Manager) WaitEstimate() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) < m.maxClients {
		return 0
	}
	return m.waitEstimateLocked()
}

func (m *Manager) waitEstimateLocked() float64 {
	now := m.now()
	wait := -1.0
	for _, e := range m.entries {
		remaining := (m.maxConnectionTime - now.Sub(e.admittedAt)).Minutes()
		if wait < 0 || remaining < wait {
			wait = remaining
		}
	}
	if wait < 0 {
		return 0
	}
	return max(wait, 0)
}

// ConnectionAllowed reports whether the connection is still registered and
// within its connection-time limit. Receive loops consult it per frame.
func (m *Manager) ConnectionAllowed(connID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[connID]
	if !ok {
		return false
	}
	return m.now().Sub(e.admittedAt) < m.maxConnectionTime
}

// Remove deregisters the connection and stops its session. Removing an
// unknown connection is a no-op.
func (m *Manager) Remove(connID string) {
	m.mu.Lock()
	e, ok := m.entries[connID]
	if ok {
		delete(m.entries, connID)
	}
	m.mu.Unlock()

	if ok {
		e.handle.Client.Stop()
	}
}

// SweepTimeouts disconnects and removes every connection that has exceeded
// the maximum connection time, returning the uids of the sessions removed.
// Run it periodically; clients that stop sending frames would otherwise
// never hit the per-frame check.
func (m *Manager) SweepTimeouts() []string {
	m.mu.Lock()
	now := m.now()
	var expired []Handle
	for id, e := range m.entries {
		if now.Sub(e.admittedAt) >= m.maxConnectionTime {
			expired = append(expired, e.handle)
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	uids := make([]string, 0, len(expired))
	for _, h := range expired {
		uid := h.Client.UID()
		if h.Disconnect != nil {
			h.Disconnect()
		}
		h.Client.Stop()
		slog.Warn("client disconnected due to overtime", "uid", uid)
		uids = append(uids, uid)
	}
	return uids
}

// Len returns the number of admitted connections.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
