package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one connected WebSocket peer.
type Client struct {
	id      string
	conn    *websocket.Conn
	server  *Server
	limiter *rate.Limiter

	writeMu sync.Mutex
	buffer  *eventRing

	closeOnce sync.Once
	done      chan struct{}

	// identity is set when the peer authenticated via tailnet identity.
	identity string
}

func newClient(conn *websocket.Conn, s *Server, limiter *rate.Limiter) *Client {
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		server:  s,
		limiter: limiter,
		buffer:  newEventRing(protocol.EventBufferSize),
		done:    make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Run reads frames until the connection drops.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("client read error", "id", c.id, "error", err)
			}
			return
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.write(protocol.NewError("", protocol.ErrInvalidRequest, "malformed frame"))
			continue
		}
		if f.Method == "" {
			c.write(protocol.NewError(f.ID, protocol.ErrInvalidRequest, "frame has no method"))
			continue
		}
		if c.limiter != nil && !c.limiter.Allow() {
			c.write(protocol.NewError(f.ID, protocol.ErrUnavailable, "rate limit exceeded"))
			continue
		}

		resp := c.server.router.Dispatch(ctx, c, &f)
		c.write(resp)
	}
}

// SendEvent buffers and pushes an event frame. Slow consumers fall back
// to the ring buffer; the newest events win.
func (c *Client) SendEvent(f *protocol.Frame) {
	select {
	case <-c.done:
		return
	default:
	}
	if err := c.write(f); err != nil {
		c.buffer.Push(f)
	}
}

// DrainBuffered re-sends events that could not be written earlier.
func (c *Client) DrainBuffered() {
	for _, f := range c.buffer.Drain() {
		if err := c.write(f); err != nil {
			c.buffer.Push(f)
			return
		}
	}
}

func (c *Client) write(f *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(f)
}

// Close shuts the connection down once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
