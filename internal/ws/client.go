package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// Client represents a websocket client connection.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
	mu   sync.Mutex
}

// NewClient constructs a client wrapper.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes a message to the websocket connection.
func (c *Client) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}

// Drain reads until the peer goes away, then calls done.
func (c *Client) Drain(done func()) {
	defer done()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
