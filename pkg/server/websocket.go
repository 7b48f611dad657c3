package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/aeolun/duochat/pkg/auth"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Browsers authenticate with a cookie, terminal clients with a header
		return true
	},
}

// wsTransport adapts a WebSocket connection to Transport.
// Data frames come from the connection's writer only; writeMu keeps that true
// for any other caller. Control frames are safe concurrently.
type wsTransport struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func newWSTransport(ws *websocket.Conn) *wsTransport {
	return &wsTransport{ws: ws}
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}

// HandleWebSocket upgrades the request and attaches the connection to the hub.
// The token is read before the upgrade, from the cookie, header or query.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	token := auth.TokenFromRequest(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(s.config.MaxMessageSize)

	conn, err := s.hub.Attach(newWSTransport(ws), token)
	if err != nil {
		debugLog.Printf("Rejected WebSocket from %s: %v", ws.RemoteAddr(), err)
		return
	}
	ws.SetPongHandler(func(string) error {
		conn.Pong()
		return nil
	})

	debugLog.Printf("WebSocket connection from %s (connection %d)", ws.RemoteAddr(), conn.ID)
	go s.readLoop(conn, ws)
}

// readLoop feeds inbound frames to the connection's actor until the transport fails
func (s *Server) readLoop(conn *Connection, ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				debugLog.Printf("Connection %d: read error: %v", conn.ID, err)
			}
			conn.Closed()
			return
		}

		if !conn.Deliver(data) {
			return
		}
	}
}
