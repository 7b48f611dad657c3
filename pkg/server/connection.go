package server

import (
	"errors"
	"sync"

	"github.com/aeolun/duochat/pkg/auth"
)

// Transport is the write side of a client connection. Implementations must be
// safe for concurrent use.
type Transport interface {
	WriteMessage(data []byte) error
	Ping() error
	Close() error
}

type eventKind uint8

const (
	eventMessage eventKind = iota
	eventPong
	eventProbeTimeout
	eventClose
)

// Teardown reasons, used as metric labels
const (
	reasonDeadPeer     = "dead_peer"
	reasonClosed       = "closed"
	reasonWriteFailure = "write_failure"
	reasonSlowConsumer = "slow_consumer"
	reasonShutdown     = "shutdown"
)

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrOutboxFull       = errors.New("outbound queue full")
)

type event struct {
	kind    eventKind
	payload []byte
	probe   uint64
	reason  string
}

// Connection is one admitted client transport. All state transitions happen on
// the connection's own actor goroutine; other goroutines only post events.
// Outbound data goes through outbox and is written by the connection's writer
// goroutine, so a slow peer only ever blocks itself.
type Connection struct {
	ID        uint64
	transport Transport

	mu       sync.RWMutex
	identity *auth.Identity

	heartbeat *heartbeat
	inbox     chan event
	outbox    chan []byte
	closing   chan string
	done      chan struct{}
	doneOnce  sync.Once
}

func newConnection(t Transport, inboxSize, outboxSize int) *Connection {
	return &Connection{
		transport: t,
		inbox:     make(chan event, inboxSize),
		outbox:    make(chan []byte, outboxSize),
		closing:   make(chan string, 1),
		done:      make(chan struct{}),
	}
}

// Identity returns the resolved identity, if any
func (c *Connection) Identity() (auth.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.identity == nil {
		return auth.Identity{}, false
	}
	return *c.identity, true
}

func (c *Connection) setIdentity(id auth.Identity) {
	c.mu.Lock()
	c.identity = &id
	c.mu.Unlock()
}

// Send queues one encoded event for the writer. It never blocks; a peer that
// lets its queue fill up is asked to close.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case c.outbox <- data:
		return nil
	default:
		c.requestClose(reasonSlowConsumer)
		return ErrOutboxFull
	}
}

// writeLoop is the only caller of transport.WriteMessage. Frames go out in the
// order they were queued; whatever is still queued when the connection dies is dropped.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			if err := c.transport.WriteMessage(data); err != nil {
				debugLog.Printf("Connection %d: write failed: %v", c.ID, err)
				c.requestClose(reasonWriteFailure)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Deliver hands an inbound payload to the actor. It blocks while the inbox is
// full and returns false once the connection is dead.
func (c *Connection) Deliver(payload []byte) bool {
	return c.post(event{kind: eventMessage, payload: payload})
}

// Pong records a pong control frame from the peer
func (c *Connection) Pong() {
	c.post(event{kind: eventPong})
}

// Closed reports that the transport has gone away
func (c *Connection) Closed() {
	c.post(event{kind: eventClose, reason: reasonClosed})
}

// requestClose never blocks; only the first reason is kept
func (c *Connection) requestClose(reason string) {
	select {
	case c.closing <- reason:
	default:
	}
}

// Done is closed when the connection reaches DEAD
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) post(ev event) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.inbox <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *Connection) markDead() {
	c.doneOnce.Do(func() {
		if c.heartbeat != nil {
			c.heartbeat.stop()
		}
		close(c.done)
	})
}
