package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/turtacn/Kestrel/pkg/logger"
)

// Client is a Backend reached over a WebSocket.
// Requests are correlated with results by envelope ID; events pushed by the
// server are fanned out to local listeners from the read loop.
type Client struct {
	url  string
	conn *websocket.Conn
	log  logger.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Envelope

	listeners listenerSet
	closed    atomic.Bool
	done      chan struct{}
}

// ClientOption configures Dial.
type ClientOption func(*clientOptions)

type clientOptions struct {
	handshakeTimeout time.Duration
	log              logger.Logger
}

// WithHandshakeTimeout bounds the WebSocket handshake.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.handshakeTimeout = d }
}

// WithLogger sets the client's logger.
func WithLogger(l logger.Logger) ClientOption {
	return func(o *clientOptions) { o.log = l }
}

// Dial connects to a bridge Server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, opts ...ClientOption) (*Client, error) {
	o := clientOptions{handshakeTimeout: 10 * time.Second, log: logger.Log}
	for _, opt := range opts {
		opt(&o)
	}

	dialer := websocket.Dialer{HandshakeTimeout: o.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	c := &Client{
		url:     url,
		conn:    conn,
		log:     o.log.With("component", "bridge-client", "url", url),
		pending: make(map[string]chan Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Available reports whether the connection is still open.
func (c *Client) Available() bool { return !c.closed.Load() }

// Invoke sends command and waits for the reply carrying the same request ID.
func (c *Client) Invoke(ctx context.Context, command string, args map[string]any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.write(Envelope{ID: id, Kind: KindInvoke, Command: command, Args: raw}); err != nil {
		c.shutdown()
		return nil, err
	}

	select {
	case res := <-ch:
		if res.Error != "" {
			return nil, &RemoteError{Command: command, Message: res.Error}
		}
		return res.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Listen registers fn for event. The returned func removes it.
func (c *Client) Listen(event string, fn func(json.RawMessage)) (func(), error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	return c.listeners.add(event, fn), nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Pending invokes fail with ErrClosed.
func (c *Client) Close() error {
	if c.closed.Load() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	c.shutdown()
	return nil
}

func (c *Client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

func (c *Client) shutdown() {
	if c.closed.Swap(true) {
		return
	}
	close(c.done)
	c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			if !c.closed.Load() {
				c.log.Warn("Backend connection lost", "err", err)
			}
			return
		}
		switch env.Kind {
		case KindResult:
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case KindEvent:
			c.listeners.dispatch(env.Event, env.Payload)
		default:
			c.log.Debug("Ignoring envelope", "kind", env.Kind)
		}
	}
}

// Personal.AI order the ending
