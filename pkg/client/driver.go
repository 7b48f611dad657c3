// Package client implements the chat client: an HTTP API wrapper and a
// WebSocket driver that keeps the connection alive across server restarts.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/aeolun/duochat/pkg/protocol"
)

// ConnectionStateType represents the connection status
type ConnectionStateType int

const (
	StateTypeConnected ConnectionStateType = iota
	StateTypeDisconnected
	StateTypeReconnecting
)

func (s ConnectionStateType) String() string {
	switch s {
	case StateTypeConnected:
		return "connected"
	case StateTypeDisconnected:
		return "disconnected"
	case StateTypeReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ConnectionStateUpdate represents a connection state change
type ConnectionStateUpdate struct {
	State   ConnectionStateType
	Attempt int
	Err     error
}

var (
	ErrNotConnected = errors.New("not connected")
	ErrNoActivePeer = errors.New("no active conversation")
)

// DefaultReconnectDelay is the fixed pause between reconnect attempts
const DefaultReconnectDelay = 1 * time.Second

// Driver keeps a WebSocket session to the server open. Whenever the transport
// closes it waits ReconnectDelay and dials again, forever, until Run's context
// is cancelled. The delay does not grow.
type Driver struct {
	api            *API
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *log.Logger

	mu         sync.RWMutex
	ws         *websocket.Conn
	writeMu    sync.Mutex
	self       protocol.Peer
	roster     []protocol.Peer
	activePeer string
	history    []protocol.MessageEvent

	events      chan interface{}
	stateChange chan ConnectionStateUpdate
}

// NewDriver creates a driver that authenticates with api's token
func NewDriver(api *API) *Driver {
	return &Driver{
		api: api,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Proxy:            http.ProxyFromEnvironment,
		},
		reconnectDelay: DefaultReconnectDelay,
		events:         make(chan interface{}, 100),
		stateChange:    make(chan ConnectionStateUpdate, 10),
	}
}

// SetLogger sets a logger for debugging connection events
func (d *Driver) SetLogger(logger *log.Logger) {
	d.logger = logger
}

// SetReconnectDelay overrides the pause between reconnect attempts
func (d *Driver) SetReconnectDelay(delay time.Duration) {
	d.reconnectDelay = delay
}

func (d *Driver) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Events delivers every decoded server event. Events are dropped when the
// consumer falls behind; Roster and History stay authoritative.
func (d *Driver) Events() <-chan interface{} {
	return d.events
}

// StateChanges returns the channel for connection state updates
func (d *Driver) StateChanges() <-chan ConnectionStateUpdate {
	return d.stateChange
}

// IsConnected returns whether a WebSocket session is open
func (d *Driver) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ws != nil
}

// Self returns the identity the server reported on the last connect
func (d *Driver) Self() protocol.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.self
}

// Roster returns the last announced roster as sent by the server
func (d *Driver) Roster() []protocol.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.roster)
}

// OnlinePeers returns the roster without duplicates and without ourselves
func (d *Driver) OnlinePeers() []protocol.Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()

	self := d.self.UserID
	unique := lo.UniqBy(d.roster, func(p protocol.Peer) string { return p.UserID })
	return lo.Filter(unique, func(p protocol.Peer, _ int) bool { return p.UserID != self })
}

// ActivePeer returns the user the conversation is open with
func (d *Driver) ActivePeer() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activePeer
}

// History returns the active conversation, oldest first
func (d *Driver) History() []protocol.MessageEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.history)
}

func (d *Driver) publishState(update ConnectionStateUpdate) {
	select {
	case d.stateChange <- update:
	default:
	}
}

func (d *Driver) publishEvent(ev interface{}) {
	select {
	case d.events <- ev:
	default:
		d.logf("Event queue full, dropping %T", ev)
	}
}

// Run connects and keeps reconnecting until ctx is cancelled
func (d *Driver) Run(ctx context.Context) error {
	attempt := 0
	for {
		connected, err := d.session(ctx, attempt)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
		}

		d.logf("Disconnected from server: %v", err)
		d.publishState(ConnectionStateUpdate{State: StateTypeDisconnected, Err: err})

		attempt++
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.reconnectDelay):
		}

		d.logf("Reconnect attempt %d to %s", attempt, d.api.WebSocketURL())
		d.publishState(ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: attempt})
	}
}

// session runs one connection from dial to close and reports whether the
// dial succeeded
func (d *Driver) session(ctx context.Context, attempt int) (bool, error) {
	ws, _, err := d.dialer.DialContext(ctx, d.api.WebSocketURL(), d.api.AuthHeader())
	if err != nil {
		return false, fmt.Errorf("dial failed: %w", err)
	}

	d.mu.Lock()
	d.ws = ws
	d.roster = nil
	d.history = nil
	peer := d.activePeer
	d.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer func() {
		stop()
		ws.Close()
		d.mu.Lock()
		d.ws = nil
		d.mu.Unlock()
	}()

	if attempt > 0 {
		d.logf("Reconnected successfully after %d attempts", attempt)
	}
	d.publishState(ConnectionStateUpdate{State: StateTypeConnected, Attempt: attempt})

	if self, err := d.api.Profile(ctx); err == nil {
		d.mu.Lock()
		d.self = self
		d.mu.Unlock()
	} else {
		d.logf("Profile lookup failed: %v", err)
	}

	if peer != "" {
		if err := d.loadHistory(ctx, peer); err != nil {
			d.logf("History reload for %s failed: %v", peer, err)
		}
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		d.handleEvent(data)
	}
}

func (d *Driver) handleEvent(data []byte) {
	ev, err := protocol.DecodeServerEvent(data)
	if err != nil {
		d.logf("Ignoring undecodable event: %v", err)
		return
	}

	switch e := ev.(type) {
	case *protocol.PresenceEvent:
		d.mu.Lock()
		d.roster = slices.Clone(e.Online)
		d.mu.Unlock()
	case *protocol.MessageEvent:
		d.mu.Lock()
		if d.activePeer != "" && (e.Sender == d.activePeer || e.Recipient == d.activePeer) {
			d.history = mergeMessages(d.history, []protocol.MessageEvent{*e})
		}
		d.mu.Unlock()
	case *protocol.ErrorEvent:
		d.logf("Server rejected message: %s: %s", e.Error.Code, e.Error.Message)
	}

	d.publishEvent(ev)
}

// mergeMessages appends incoming to existing, skipping ids already present, and
// keeps the result ordered by creation time. Local echoes (id 0) are never deduplicated.
func mergeMessages(existing, incoming []protocol.MessageEvent) []protocol.MessageEvent {
	seen := make(map[int64]bool, len(existing))
	for _, m := range existing {
		if m.ID != 0 {
			seen[m.ID] = true
		}
	}

	merged := slices.Clone(existing)
	for _, m := range incoming {
		if m.ID != 0 && seen[m.ID] {
			continue
		}
		if m.ID != 0 {
			seen[m.ID] = true
		}
		merged = append(merged, m)
	}

	slices.SortStableFunc(merged, func(a, b protocol.MessageEvent) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	return merged
}

func (d *Driver) loadHistory(ctx context.Context, peer string) error {
	messages, err := d.api.History(ctx, peer)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.activePeer != peer {
		return nil
	}
	d.history = mergeMessages(d.history, messages)
	return nil
}

// SetActivePeer opens the conversation with userID and loads its history
func (d *Driver) SetActivePeer(ctx context.Context, userID string) error {
	d.mu.Lock()
	d.activePeer = userID
	d.history = nil
	d.mu.Unlock()

	if userID == "" {
		return nil
	}
	return d.loadHistory(ctx, userID)
}

func (d *Driver) send(msg protocol.InboundMessage) error {
	d.mu.RLock()
	ws := d.ws
	d.mu.RUnlock()

	if ws == nil {
		return ErrNotConnected
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	return ws.WriteJSON(msg)
}

// echo appends a local copy of a sent message; the server does not echo
func (d *Driver) echo(msg protocol.InboundMessage, file *string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	ev := protocol.MessageEvent{
		Sender:    d.self.UserID,
		Recipient: msg.Recipient,
		File:      file,
		CreatedAt: time.Now().UnixMilli(),
	}
	if msg.Text != "" {
		text := msg.Text
		ev.Text = &text
	}
	d.history = append(d.history, ev)
}

// Send posts a text message to the active peer
func (d *Driver) Send(text string) error {
	peer := d.ActivePeer()
	if peer == "" {
		return ErrNoActivePeer
	}

	msg := protocol.InboundMessage{Recipient: peer, Text: text}
	if err := d.send(msg); err != nil {
		return err
	}
	d.echo(msg, nil)
	return nil
}

// SendFile posts an attachment to the active peer. data is base64 or a data URL.
// The local copy carries the original name until history is next reloaded.
func (d *Driver) SendFile(name, data string) error {
	peer := d.ActivePeer()
	if peer == "" {
		return ErrNoActivePeer
	}

	msg := protocol.InboundMessage{
		Recipient: peer,
		File:      &protocol.FilePayload{Name: name, Data: data},
	}
	if err := d.send(msg); err != nil {
		return err
	}
	d.echo(msg, &name)
	return nil
}
