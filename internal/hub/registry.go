package hub

import "sync"

// Registry is the set of live observer connections. Implementations must allow
// Add, Remove and Snapshot to be called concurrently.
type Registry interface {
	// Add inserts conn, replacing any connection with the same id
	Add(conn Conn)
	// Remove deletes the connection with the given id and reports whether it was present
	Remove(id string) (Conn, bool)
	// Snapshot returns the connections live at the moment of the call
	Snapshot() []Conn
	Len() int
}

// MemoryRegistry is the in-process Registry
type MemoryRegistry struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{conns: make(map[string]Conn)}
}

func (r *MemoryRegistry) Add(conn Conn) {
	r.mu.Lock()
	r.conns[conn.ID()] = conn
	r.mu.Unlock()
}

func (r *MemoryRegistry) Remove(id string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	return conn, ok
}

func (r *MemoryRegistry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
