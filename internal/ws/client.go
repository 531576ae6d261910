package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a slow websocket consumer can block the hub's
// broadcast loop before the connection is dropped.
const writeWait = 10 * time.Second

// Client wraps one websocket subscriber attached to a hub topic.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one event frame under the write deadline. A failed or
// timed-out write closes the connection; the hub evicts the client on the
// returned error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close performs the closing handshake before dropping the connection, so
// well-behaved peers see a normal closure instead of a reset.
func (c *Client) Close() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = c.conn.Close()
}
