// Package gatewayclient is the peer-side gateway connection: dial,
// request/response correlation, event stream, and the reconnect loop
// with exponential backoff.
package gatewayclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/clawdbot/clawdbot/pkg/protocol"
)

// ErrClosed is returned from calls after Close.
var ErrClosed = errors.New("gateway client closed")

// Options configure a Client.
type Options struct {
	// URL overrides the loopback URL built from Port+Token.
	URL   string
	Port  int
	Token string

	Reconnect protocol.ReconnectPolicy

	// OnEvent receives server pushes. Called from the read loop.
	OnEvent func(event string, payload json.RawMessage)
	// OnConnect fires after each successful (re)connect.
	OnConnect func()
}

// Client maintains one gateway connection and transparently reconnects.
type Client struct {
	url    string
	policy protocol.ReconnectPolicy

	onEvent   func(string, json.RawMessage)
	onConnect func()

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan *protocol.Frame
	closed  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New validates options and builds a client. A missing token fails
// immediately with the non-retryable missing-token message.
func New(opts Options) (*Client, error) {
	url := opts.URL
	if url == "" {
		var err error
		url, err = protocol.BuildRelayWsURL(opts.Port, opts.Token)
		if err != nil {
			return nil, err
		}
	}
	policy := opts.Reconnect
	if policy.BaseMs == 0 {
		policy = protocol.DefaultReconnectPolicy()
	}
	if policy.Random == nil {
		policy.Random = rand.Float64
	}
	return &Client{
		url:       url,
		policy:    policy,
		onEvent:   opts.OnEvent,
		onConnect: opts.OnConnect,
		pending:   make(map[string]chan *protocol.Frame),
	}, nil
}

// Start dials and runs the reconnect loop until ctx ends or Close.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.dial(ctx); err != nil {
		cancel()
		return err
	}
	c.wg.Add(1)
	go c.readLoop(ctx)
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.onConnect != nil {
		c.onConnect()
	}
	return nil
}

// readLoop reads frames and reconnects on failure.
func (c *Client) readLoop(ctx context.Context) {
	defer c.wg.Done()
	attempt := 0
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failPending(err)
			if protocol.IsNonRetryable(err.Error()) {
				slog.Error("gateway connection failed permanently", "error", err)
				return
			}
			delay := time.Duration(c.policy.DelayMs(attempt)) * time.Millisecond
			attempt++
			slog.Info("gateway reconnecting", "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			if derr := c.dial(ctx); derr != nil {
				continue
			}
			attempt = 0
			continue
		}

		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("malformed gateway frame", "error", err)
			continue
		}
		c.route(&f)
	}
}

func (c *Client) route(f *protocol.Frame) {
	if f.Event != "" {
		if c.onEvent != nil {
			raw, _ := json.Marshal(f.Payload)
			c.onEvent(f.Event, raw)
		}
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- protocol.NewError(id, protocol.ErrUnavailable, err.Error())
	}
}

// Call sends a request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := uuid.NewString()
	frame := protocol.NewRequest(id, method, params)

	ch := make(chan *protocol.Frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()

	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	}
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	}
	c.wg.Wait()
}
