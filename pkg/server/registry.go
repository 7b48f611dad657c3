package server

import (
	"slices"
	"sync"

	"github.com/aeolun/duochat/pkg/auth"
)

// Registry tracks every admitted connection
type Registry struct {
	conns   map[uint64]*Connection
	nextID  uint64
	mu      sync.RWMutex
	metrics *Metrics
}

// NewRegistry creates an empty registry
func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		conns:   make(map[uint64]*Connection),
		nextID:  1,
		metrics: metrics,
	}
}

// Admit assigns the connection an id and adds it to the registry
func (r *Registry) Admit(conn *Connection) {
	r.mu.Lock()
	conn.ID = r.nextID
	r.nextID++
	r.conns[conn.ID] = conn
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordAdmitted(count)
}

// ResolveIdentity attaches an authenticated identity to an admitted connection
func (r *Registry) ResolveIdentity(conn *Connection, id auth.Identity) bool {
	r.mu.RLock()
	_, ok := r.conns[conn.ID]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	conn.setIdentity(id)
	return true
}

// Evict removes the connection and closes its transport. Only the first call
// for a given connection has any effect.
func (r *Registry) Evict(conn *Connection, reason string) bool {
	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, conn.ID)
	count := len(r.conns)
	r.mu.Unlock()

	r.metrics.RecordEvicted(count, reason)

	if err := conn.transport.Close(); err != nil {
		debugLog.Printf("Connection %d: close failed: %v", conn.ID, err)
	}
	return true
}

// Snapshot returns the admitted connections in admission order
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	slices.SortFunc(conns, func(a, b *Connection) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return conns
}

// FindByUserID returns every connection authenticated as userID
func (r *Registry) FindByUserID(userID string) []*Connection {
	var found []*Connection
	for _, conn := range r.Snapshot() {
		if id, ok := conn.Identity(); ok && id.UserID == userID {
			found = append(found, conn)
		}
	}
	return found
}

// Count returns the number of admitted connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// CloseAll closes every transport and empties the registry
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[uint64]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.transport.Close()
		r.metrics.RecordEvicted(0, reasonShutdown)
	}
}
