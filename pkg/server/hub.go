package server

import (
	"errors"
	"sync"
	"time"

	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/protocol"
)

// ErrHubClosed is returned by Attach once Close has been called
var ErrHubClosed = errors.New("hub closed")

// HubConfig tunes connection handling
type HubConfig struct {
	Liveness              LivenessConfig
	RejectInvalidMessages bool
	InboxSize             int
	OutboxSize            int
}

// Hub owns the lifecycle of every connection: admission, identity resolution,
// the per-connection actor, and teardown.
type Hub struct {
	cfg         HubConfig
	resolver    auth.Resolver
	registry    *Registry
	broadcaster *Broadcaster
	router      *Router
	metrics     *Metrics

	mu       sync.Mutex
	closed   bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewHub wires a registry, broadcaster and router around the given stores
func NewHub(cfg HubConfig, resolver auth.Resolver, store DatabaseStore, files AttachmentStore, metrics *Metrics) *Hub {
	defaults := DefaultLivenessConfig()
	if cfg.Liveness.HeartbeatInterval <= 0 {
		cfg.Liveness.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if cfg.Liveness.PongTimeout <= 0 {
		cfg.Liveness.PongTimeout = defaults.PongTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 16
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 64
	}

	registry := NewRegistry(metrics)
	return &Hub{
		cfg:         cfg,
		resolver:    resolver,
		registry:    registry,
		broadcaster: NewBroadcaster(registry, metrics),
		router:      NewRouter(registry, store, files, metrics),
		metrics:     metrics,
		shutdown:    make(chan struct{}),
	}
}

// Registry exposes the connection registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Attach admits a new transport, resolves its token if one was presented,
// announces the roster and starts the connection's actor and writer. A
// connection whose token does not resolve stays open but is left out of the
// roster and cannot send. After Close the transport is closed and ErrHubClosed returned.
func (h *Hub) Attach(t Transport, token string) (*Connection, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		t.Close()
		return nil, ErrHubClosed
	}
	h.wg.Add(2)
	h.mu.Unlock()

	conn := newConnection(t, h.cfg.InboxSize, h.cfg.OutboxSize)
	conn.heartbeat = newHeartbeat(h.cfg.Liveness, conn.post)

	h.registry.Admit(conn)

	if token != "" {
		id, err := h.resolver.Resolve(token)
		if err != nil {
			debugLog.Printf("Connection %d: token rejected: %v", conn.ID, err)
		} else {
			h.registry.ResolveIdentity(conn, id)
			debugLog.Printf("Connection %d: resolved as %s (%s)", conn.ID, id.UserName, id.UserID)
		}
	}

	go func() {
		defer h.wg.Done()
		conn.writeLoop()
	}()

	h.broadcaster.Announce()

	go h.run(conn)
	return conn, nil
}

func (h *Hub) run(conn *Connection) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Liveness.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-conn.inbox:
			switch ev.kind {
			case eventMessage:
				h.handleMessage(conn, ev.payload)
			case eventPong:
				conn.heartbeat.pong()
			case eventProbeTimeout:
				if conn.heartbeat.expired(ev.probe) {
					h.teardown(conn, reasonDeadPeer)
					return
				}
			case eventClose:
				h.teardown(conn, ev.reason)
				return
			}

		case reason := <-conn.closing:
			h.teardown(conn, reason)
			return

		case <-ticker.C:
			if err := conn.heartbeat.tick(conn.transport.Ping); err != nil {
				debugLog.Printf("Connection %d: ping failed: %v", conn.ID, err)
				h.teardown(conn, reasonWriteFailure)
				return
			}

		case <-h.shutdown:
			conn.markDead()
			return
		}
	}
}

// teardown runs once per connection, on its actor
func (h *Hub) teardown(conn *Connection, reason string) {
	conn.markDead()

	if h.registry.Evict(conn, reason) {
		debugLog.Printf("Connection %d: evicted (%s)", conn.ID, reason)
		h.broadcaster.Announce()
	}
}

func (h *Hub) handleMessage(conn *Connection, payload []byte) {
	msg, err := h.router.Route(conn, payload)
	if err == nil {
		h.metrics.RecordRouted()
		debugLog.Printf("Connection %d: routed message %d to %s", conn.ID, msg.ID, msg.Recipient)
		return
	}

	if errors.Is(err, ErrStoreFailure) {
		errorLog.Printf("Connection %d: %v", conn.ID, err)
		h.metrics.RecordStoreFailure()
		return
	}

	code := protocol.CodeMalformedPayload
	if errors.Is(err, auth.ErrUnauthenticated) {
		code = protocol.CodeUnauthenticated
	}
	h.metrics.RecordDropped(code)
	debugLog.Printf("Connection %d: dropped message: %v", conn.ID, err)

	if !h.cfg.RejectInvalidMessages {
		return
	}

	data, err := protocol.Encode(&protocol.ErrorEvent{
		Error: protocol.ErrorBody{Code: code, Message: err.Error()},
	})
	if err != nil {
		errorLog.Printf("Failed to encode error event: %v", err)
		return
	}
	if err := conn.Send(data); err != nil {
		debugLog.Printf("Connection %d: error event not queued: %v", conn.ID, err)
	}
}

// Close stops every actor and closes all transports without announcing
func (h *Hub) Close() {
	h.mu.Lock()
	if !h.closed {
		h.closed = true
		close(h.shutdown)
	}
	h.mu.Unlock()

	h.wg.Wait()
	h.registry.CloseAll()
}
