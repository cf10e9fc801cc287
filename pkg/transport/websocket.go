package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket defaults.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultReadLimit    = 1 << 20
)

// WebSocketConn adapts a gorilla websocket connection to Conn. Every
// inbound message is stamped with the origin recorded at connection time.
type WebSocketConn struct {
	conn         *websocket.Conn
	origin       string
	writeTimeout time.Duration
}

// NewWebSocketConn wraps conn. origin is the peer's origin: the upgrade
// request's Origin header on the accepting side, the dialed URL's origin
// on the dialing side.
func NewWebSocketConn(conn *websocket.Conn, origin string) *WebSocketConn {
	conn.SetReadLimit(DefaultReadLimit)
	return &WebSocketConn{
		conn:         conn,
		origin:       origin,
		writeTimeout: DefaultWriteTimeout,
	}
}

// SetReadLimit sets the maximum inbound message size.
func (c *WebSocketConn) SetReadLimit(n int64) {
	if n > 0 {
		c.conn.SetReadLimit(n)
	}
}

// Origin returns the origin stamped on inbound messages.
func (c *WebSocketConn) Origin() string { return c.origin }

// ReadMessage returns the next text or binary message.
func (c *WebSocketConn) ReadMessage() (RawMessage, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return RawMessage{}, ErrConnClosed
			}
			return RawMessage{}, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		return RawMessage{Origin: c.origin, Data: data}, nil
	}
}

// WriteMessage writes one text message.
func (c *WebSocketConn) WriteMessage(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal close frame and closes the connection.
func (c *WebSocketConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}

// NewUpgrader returns an upgrader that only accepts requests whose Origin
// header matches expectedOrigin.
func NewUpgrader(expectedOrigin string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return OriginMatches(expectedOrigin, r.Header.Get("Origin"))
		},
	}
}

// Accept upgrades an HTTP request and wraps the connection.
func Accept(upgrader *websocket.Upgrader, w http.ResponseWriter, r *http.Request) (*WebSocketConn, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn, r.Header.Get("Origin")), nil
}

// Dial connects to a websocket endpoint presenting origin in the Origin
// header. Inbound messages carry the endpoint's own origin.
func Dial(ctx context.Context, rawURL, origin string) (*WebSocketConn, error) {
	remote, err := OriginFromURL(rawURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(conn, remote), nil
}
