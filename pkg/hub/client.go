package hub

import (
	"time"

	"github.com/gofiber/websocket/v2"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxViewerFrame = 4 * 1024            // viewers only send control frames
	queueSize      = 256
)

// Client is one viewer connection. Only its writer goroutine writes to conn.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan Message
	joined bool
}

// NewClient queues initial ahead of any broadcast and joins hub, so a viewer
// that connects late starts from a current snapshot. When the hub has
// already stopped the client is not joined and Run closes the connection.
func NewClient(hub *Hub, conn *websocket.Conn, initial ...Message) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan Message, queueSize),
	}
	for _, msg := range initial {
		c.queue(msg)
	}
	c.joined = hub.join(c)
	return c
}

// queue adds msg without blocking and reports whether there was room.
func (c *Client) queue(msg Message) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Run serves the viewer until it disconnects or the hub stops. Call it from
// the websocket handler; it blocks.
func (c *Client) Run() {
	if !c.joined {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
		c.conn.Close()
		return
	}
	go c.writeLoop()
	c.readLoop()
}

// readLoop discards viewer input. It exists to process pongs and notice the
// viewer going away, at which point the client leaves the hub.
func (c *Client) readLoop() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxViewerFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop drains the queue onto the connection and keeps it alive with
// pings. A closed queue means the hub dropped the viewer.
func (c *Client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			frame := websocket.TextMessage
			if msg.Kind == KindPreview {
				frame = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(frame, msg.Data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
