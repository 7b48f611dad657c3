package server

import (
	"sync"

	"github.com/samber/lo"

	"github.com/aeolun/duochat/pkg/protocol"
)

// Broadcaster pushes the online roster to every connection
type Broadcaster struct {
	registry *Registry
	metrics  *Metrics

	// held across snapshot and enqueue so every outbox sees rosters in snapshot order
	mu sync.Mutex
}

// NewBroadcaster creates a broadcaster over the given registry
func NewBroadcaster(registry *Registry, metrics *Metrics) *Broadcaster {
	return &Broadcaster{registry: registry, metrics: metrics}
}

// Roster lists resolved identities in admission order. Unresolved connections
// are left out; a user with two connections appears twice.
func Roster(conns []*Connection) []protocol.Peer {
	return lo.FilterMap(conns, func(conn *Connection, _ int) (protocol.Peer, bool) {
		id, ok := conn.Identity()
		return protocol.Peer{UserID: id.UserID, UserName: id.UserName}, ok
	})
}

// Announce queues the current roster for every admitted connection, resolved
// or not. A connection whose queue is full is asked to close; the eviction
// itself happens on that connection's actor.
func (b *Broadcaster) Announce() {
	b.mu.Lock()
	defer b.mu.Unlock()

	conns := b.registry.Snapshot()
	roster := Roster(conns)

	data, err := protocol.Encode(&protocol.PresenceEvent{Online: roster})
	if err != nil {
		errorLog.Printf("Failed to encode presence: %v", err)
		return
	}

	for _, conn := range conns {
		if err := conn.Send(data); err != nil {
			debugLog.Printf("Connection %d: presence not queued: %v", conn.ID, err)
		}
	}

	b.metrics.RecordAnnounce(len(roster))
}
