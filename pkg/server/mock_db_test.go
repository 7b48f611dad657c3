package server

import (
	"errors"
	"io"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/duochat/pkg/auth"
	"github.com/aeolun/duochat/pkg/database"
	"github.com/aeolun/duochat/pkg/protocol"
)

func TestMain(m *testing.M) {
	// Discard logs during tests to keep output clean
	errorLog.SetOutput(io.Discard)
	debugLog.SetOutput(io.Discard)
	os.Exit(m.Run())
}

var errMockStore = errors.New("mock store unavailable")

// mockDB is a simple in-memory mock database for testing
type mockDB struct {
	mu         sync.RWMutex
	users      map[string]*database.User
	messages   []*database.Message
	nextMsgID  int64
	failAppend bool
}

func newMockDB() *mockDB {
	return &mockDB{
		users:     make(map[string]*database.User),
		nextMsgID: 1,
	}
}

func (m *mockDB) CreateUser(name, passwordHash string) (*database.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.users[name]; ok {
		return nil, database.ErrUserExists
	}
	user := &database.User{ID: uuid.NewString(), Name: name, PasswordHash: passwordHash, CreatedAt: time.Now().UnixMilli()}
	m.users[name] = user
	return user, nil
}

func (m *mockDB) GetUserByName(name string) (*database.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[name]
	if !ok {
		return nil, database.ErrUserNotFound
	}
	return user, nil
}

func (m *mockDB) ListUsers() ([]*database.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := make([]*database.User, 0, len(m.users))
	for _, u := range m.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Name < users[j].Name })
	return users, nil
}

func (m *mockDB) AppendMessage(msg *database.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failAppend {
		return 0, errMockStore
	}
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	msg.ID = m.nextMsgID
	m.nextMsgID++
	if msg.CreatedAt == 0 {
		msg.CreatedAt = time.Now().UnixMilli()
	}
	m.messages = append(m.messages, msg)
	return msg.ID, nil
}

func (m *mockDB) ConversationMessages(userA, userB string) ([]*database.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*database.Message
	for _, msg := range m.messages {
		if (msg.Sender == userA && msg.Recipient == userB) || (msg.Sender == userB && msg.Recipient == userA) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockDB) Close() error { return nil }

func (m *mockDB) messageCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.messages)
}

// fakeTransport records everything written to it
type fakeTransport struct {
	mu         sync.Mutex
	sent       [][]byte
	pings      int
	closed     int
	failWrites bool
	onPing     func()
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failWrites {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	f.pings++
	hook := f.onPing
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeTransport) setOnPing(hook func()) {
	f.mu.Lock()
	f.onPing = hook
	f.mu.Unlock()
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// events decodes everything sent so far
func (f *fakeTransport) events(t *testing.T) []interface{} {
	t.Helper()
	f.mu.Lock()
	sent := append([][]byte(nil), f.sent...)
	f.mu.Unlock()

	events := make([]interface{}, 0, len(sent))
	for _, data := range sent {
		ev, err := protocol.DecodeServerEvent(data)
		require.NoError(t, err)
		events = append(events, ev)
	}
	return events
}

func (f *fakeTransport) presences(t *testing.T) []*protocol.PresenceEvent {
	var out []*protocol.PresenceEvent
	for _, ev := range f.events(t) {
		if p, ok := ev.(*protocol.PresenceEvent); ok {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeTransport) messages(t *testing.T) []*protocol.MessageEvent {
	var out []*protocol.MessageEvent
	for _, ev := range f.events(t) {
		if m, ok := ev.(*protocol.MessageEvent); ok {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) errorEvents(t *testing.T) []*protocol.ErrorEvent {
	var out []*protocol.ErrorEvent
	for _, ev := range f.events(t) {
		if e, ok := ev.(*protocol.ErrorEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

// fakeResolver maps tokens straight to identities
type fakeResolver map[string]auth.Identity

func (r fakeResolver) Resolve(token string) (auth.Identity, error) {
	id, ok := r[token]
	if !ok {
		return auth.Identity{}, auth.ErrUnauthenticated
	}
	return id, nil
}

var (
	alice = auth.Identity{UserID: "u-alice", UserName: "alice"}
	bob   = auth.Identity{UserID: "u-bob", UserName: "bob"}
	carol = auth.Identity{UserID: "u-carol", UserName: "carol"}
)

var testResolver = fakeResolver{
	"token-alice": alice,
	"token-bob":   bob,
	"token-carol": carol,
}

// admitTest admits a connection without starting an actor or a writer, so
// anything sent to it stays in its outbox
func admitTest(r *Registry, id *auth.Identity) (*Connection, *fakeTransport) {
	transport := &fakeTransport{}
	conn := newConnection(transport, 16, 16)
	conn.heartbeat = newHeartbeat(DefaultLivenessConfig(), conn.post)
	r.Admit(conn)
	if id != nil {
		r.ResolveIdentity(conn, *id)
	}
	return conn, transport
}

// queuedMessages drains the outbox of a connection that has no writer
func queuedMessages(t *testing.T, conn *Connection) []*protocol.MessageEvent {
	t.Helper()

	var out []*protocol.MessageEvent
	for {
		select {
		case data := <-conn.outbox:
			ev, err := protocol.DecodeServerEvent(data)
			require.NoError(t, err)
			if m, ok := ev.(*protocol.MessageEvent); ok {
				out = append(out, m)
			}
		default:
			return out
		}
	}
}

func peers(ids ...auth.Identity) []protocol.Peer {
	out := make([]protocol.Peer, 0, len(ids))
	for _, id := range ids {
		out = append(out, protocol.Peer{UserID: id.UserID, UserName: id.UserName})
	}
	return out
}
