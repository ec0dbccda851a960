package serverstate

import (
	"sync"
	"sync/atomic"
)

// Status values reported by the server.
const (
	StatusNotReady = "not_ready"
	StatusReady    = "ready"
	StatusDraining = "draining"
	StatusUnknown  = "unknown"
)

// State is the status a replica publishes about itself.
type State struct {
	Status string `json:"status"`
}

// Store persists the status of this replica, in memory or in an external
// service such as Redis. The draining flag is never read from a Store.
type Store interface {
	Load() State
	Store(State)
}

var (
	mu     sync.RWMutex
	active Store = NewMemoryStore()

	// draining is local to the process so that one replica shutting down
	// never changes the health or drain behavior of another.
	draining atomic.Bool
)

// UseStore replaces the active Store. Nil is ignored.
func UseStore(s Store) {
	if s == nil {
		return
	}
	mu.Lock()
	active = s
	mu.Unlock()
}

func current() Store {
	mu.RLock()
	defer mu.RUnlock()
	return active
}

// memoryStore is the default in-process Store.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to not_ready.
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: StatusNotReady})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: StatusUnknown}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// SetState updates the server status.
func SetState(status string) {
	current().Store(State{Status: status})
}

// GetState returns the current server status.
func GetState() string {
	return current().Load().Status
}

// StartDrain marks this process as draining.
func StartDrain() {
	draining.Store(true)
	SetState(StatusDraining)
}

// StopDrain clears the draining flag of this process.
func StopDrain() {
	draining.Store(false)
}

// IsDraining reports whether this process is draining.
func IsDraining() bool {
	return draining.Load()
}
