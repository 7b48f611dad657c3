package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/duochat/pkg/protocol"
)

const waitFor = 3 * time.Second
const pollEvery = 5 * time.Millisecond

func strPtr(s string) *string { return &s }

// fakeChatServer speaks just enough of the server protocol to drive the client.
// onConnect runs for every accepted WebSocket; returning keeps the socket open
// until the client goes away unless closeAfter is set.
type fakeChatServer struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	dials     []time.Time
	history   []protocol.MessageEvent
	onConnect func(n int, ws *websocket.Conn) (keepOpen bool)
	received  chan protocol.InboundMessage
}

func newFakeChatServer(t *testing.T) *fakeChatServer {
	f := &fakeChatServer{
		t:        t,
		received: make(chan protocol.InboundMessage, 10),
	}

	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/profile", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(protocol.Peer{UserID: "u-alice", UserName: "alice"})
	})
	mux.HandleFunc("/messages/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		history := f.history
		f.mu.Unlock()
		json.NewEncoder(w).Encode(history)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		f.mu.Lock()
		n := len(f.dials)
		f.dials = append(f.dials, time.Now())
		onConnect := f.onConnect
		f.mu.Unlock()

		if onConnect != nil && !onConnect(n, ws) {
			return
		}
		for {
			var msg protocol.InboundMessage
			if err := ws.ReadJSON(&msg); err != nil {
				return
			}
			f.received <- msg
		}
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeChatServer) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

func (f *fakeChatServer) dialTimes() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.dials...)
}

func (f *fakeChatServer) driver(t *testing.T) *Driver {
	api, err := NewAPI(f.srv.URL)
	require.NoError(t, err)
	api.SetToken("test-token")
	d := NewDriver(api)
	d.SetReconnectDelay(30 * time.Millisecond)
	return d
}

func runDriver(t *testing.T, d *Driver) context.CancelFunc {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(waitFor):
			t.Error("driver did not stop after cancel")
		}
	})
	return cancel
}

func drainStates(d *Driver) []ConnectionStateUpdate {
	var states []ConnectionStateUpdate
	for {
		select {
		case s := <-d.StateChanges():
			states = append(states, s)
		default:
			return states
		}
	}
}

func messageIDs(history []protocol.MessageEvent) []int64 {
	ids := make([]int64, 0, len(history))
	for _, m := range history {
		ids = append(ids, m.ID)
	}
	return ids
}

func TestDriverReconnectsWithFixedDelay(t *testing.T) {
	fake := newFakeChatServer(t)
	fake.onConnect = func(int, *websocket.Conn) bool { return false }

	d := fake.driver(t)
	runDriver(t, d)

	require.Eventually(t, func() bool { return fake.dialCount() >= 4 }, waitFor, pollEvery)

	dials := fake.dialTimes()
	for i := 1; i < 4; i++ {
		gap := dials[i].Sub(dials[i-1])
		assert.GreaterOrEqual(t, gap, 30*time.Millisecond, "dial %d came too early", i)
		assert.Less(t, gap, time.Second, "delay must not grow")
	}

	states := drainStates(d)
	require.GreaterOrEqual(t, len(states), 4)
	assert.Equal(t, StateTypeConnected, states[0].State)
	assert.Equal(t, StateTypeDisconnected, states[1].State)
	assert.Equal(t, ConnectionStateUpdate{State: StateTypeReconnecting, Attempt: 1}, states[2])
	assert.Equal(t, StateTypeConnected, states[3].State)
	for _, s := range states {
		if s.State == StateTypeReconnecting {
			assert.Equal(t, 1, s.Attempt, "attempts restart after every successful connect")
		}
	}
}

func TestDriverRetriesForeverWhileServerIsDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	api, err := NewAPI(url)
	require.NoError(t, err)
	d := NewDriver(api)
	d.SetReconnectDelay(10 * time.Millisecond)
	runDriver(t, d)

	var attempts []int
	require.Eventually(t, func() bool {
		for _, s := range drainStates(d) {
			if s.State == StateTypeReconnecting {
				attempts = append(attempts, s.Attempt)
			}
		}
		return len(attempts) >= 3
	}, waitFor, pollEvery)

	for i, attempt := range attempts {
		assert.Equal(t, i+1, attempt)
	}
	assert.False(t, d.IsConnected())
}

func TestDriverResetsStateOnReconnect(t *testing.T) {
	fake := newFakeChatServer(t)
	fake.history = []protocol.MessageEvent{
		{ID: 1, Sender: "u-alice", Recipient: "u-bob", Text: strPtr("old"), CreatedAt: 100},
	}
	release := make(chan struct{})
	fake.onConnect = func(n int, ws *websocket.Conn) bool {
		if n > 0 {
			return true
		}
		ws.WriteJSON(protocol.PresenceEvent{Online: []protocol.Peer{{UserID: "u-alice", UserName: "alice"}, {UserID: "u-bob", UserName: "bob"}}})
		ws.WriteJSON(protocol.MessageEvent{ID: 5, Sender: "u-bob", Recipient: "u-alice", Text: strPtr("live"), CreatedAt: 200})
		<-release
		return false
	}

	d := fake.driver(t)
	require.NoError(t, d.SetActivePeer(context.Background(), "u-bob"))
	runDriver(t, d)

	require.Eventually(t, func() bool {
		return len(d.Roster()) == 2 && len(d.History()) == 2
	}, waitFor, pollEvery)
	assert.Equal(t, []int64{1, 5}, messageIDs(d.History()))
	assert.Equal(t, []protocol.Peer{{UserID: "u-bob", UserName: "bob"}}, d.OnlinePeers())

	close(release)

	require.Eventually(t, func() bool { return fake.dialCount() == 2 }, waitFor, pollEvery)
	require.Eventually(t, func() bool {
		return d.IsConnected() && len(d.Roster()) == 0 && len(d.History()) == 1
	}, waitFor, pollEvery)
	assert.Equal(t, []int64{1}, messageIDs(d.History()))
}

func TestDriverDeduplicatesMessages(t *testing.T) {
	fake := newFakeChatServer(t)
	fake.history = []protocol.MessageEvent{
		{ID: 1, Sender: "u-bob", Recipient: "u-alice", Text: strPtr("first"), CreatedAt: 100},
	}
	fake.onConnect = func(n int, ws *websocket.Conn) bool {
		ws.WriteJSON(protocol.MessageEvent{ID: 1, Sender: "u-bob", Recipient: "u-alice", Text: strPtr("first"), CreatedAt: 100})
		ws.WriteJSON(protocol.MessageEvent{ID: 2, Sender: "u-bob", Recipient: "u-alice", Text: strPtr("second"), CreatedAt: 150})
		ws.WriteJSON(protocol.MessageEvent{ID: 3, Sender: "u-carol", Recipient: "u-alice", Text: strPtr("elsewhere"), CreatedAt: 160})
		return true
	}

	d := fake.driver(t)
	require.NoError(t, d.SetActivePeer(context.Background(), "u-bob"))
	runDriver(t, d)

	require.Eventually(t, func() bool { return len(d.History()) >= 2 }, waitFor, pollEvery)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int64{1, 2}, messageIDs(d.History()), "carol's message belongs to another conversation")
}

func TestDriverSend(t *testing.T) {
	fake := newFakeChatServer(t)
	fake.onConnect = func(int, *websocket.Conn) bool { return true }

	d := fake.driver(t)
	assert.ErrorIs(t, d.Send("hi"), ErrNoActivePeer)

	require.NoError(t, d.SetActivePeer(context.Background(), "u-bob"))
	assert.ErrorIs(t, d.Send("hi"), ErrNotConnected)

	runDriver(t, d)
	require.Eventually(t, func() bool { return d.IsConnected() && d.Self().UserID == "u-alice" }, waitFor, pollEvery)

	require.NoError(t, d.Send("hello"))
	select {
	case msg := <-fake.received:
		assert.Equal(t, protocol.InboundMessage{Recipient: "u-bob", Text: "hello"}, msg)
	case <-time.After(waitFor):
		t.Fatal("server never received the message")
	}

	require.NoError(t, d.SendFile("cat.png", "data:image/png;base64,iVBORw0KGgo="))
	select {
	case msg := <-fake.received:
		require.NotNil(t, msg.File)
		assert.Equal(t, "cat.png", msg.File.Name)
		assert.Empty(t, msg.Text)
	case <-time.After(waitFor):
		t.Fatal("server never received the file")
	}

	history := d.History()
	require.Len(t, history, 2)
	assert.Equal(t, "u-alice", history[0].Sender)
	assert.Equal(t, "hello", *history[0].Text)
	assert.Equal(t, "cat.png", *history[1].File)
}

func TestMergeMessages(t *testing.T) {
	existing := []protocol.MessageEvent{
		{ID: 2, CreatedAt: 20},
		{ID: 0, CreatedAt: 25},
	}
	incoming := []protocol.MessageEvent{
		{ID: 1, CreatedAt: 10},
		{ID: 2, CreatedAt: 20},
		{ID: 0, CreatedAt: 30},
	}

	merged := mergeMessages(existing, incoming)
	assert.Equal(t, []int64{1, 2, 0, 0}, messageIDs(merged))
	assert.Equal(t, int64(25), merged[2].CreatedAt)
}

func TestDriverAgainstRealServer(t *testing.T) {
	ts := newTestServer(t)

	ctx := context.Background()
	aliceAPI, err := NewAPI(ts.URL)
	require.NoError(t, err)
	aliceID, err := aliceAPI.Register(ctx, "alice", "correct-horse")
	require.NoError(t, err)

	bobAPI, err := NewAPI(ts.URL)
	require.NoError(t, err)
	bobID, err := bobAPI.Register(ctx, "bob", "battery-staple")
	require.NoError(t, err)

	alice := NewDriver(aliceAPI)
	bob := NewDriver(bobAPI)
	require.NoError(t, alice.SetActivePeer(ctx, bobID))
	require.NoError(t, bob.SetActivePeer(ctx, aliceID))
	runDriver(t, alice)
	runDriver(t, bob)

	require.Eventually(t, func() bool {
		online := alice.OnlinePeers()
		return len(online) == 1 && online[0].UserID == bobID
	}, waitFor, pollEvery)

	require.NoError(t, alice.Send("hi bob"))

	require.Eventually(t, func() bool {
		history := bob.History()
		return len(history) == 1 && history[0].Text != nil && *history[0].Text == "hi bob"
	}, waitFor, pollEvery)
	assert.Equal(t, aliceID, bob.History()[0].Sender)
	assert.NotZero(t, bob.History()[0].ID)
}
