package simplydash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/proBhavesh/simplydash/logging"
)

// CloseStatus describes how the relay connection ended.
type CloseStatus struct {
	Code   int    // WebSocket close code, -1 when no close frame was received
	Reason string // Close reason sent by the peer
	Clean  bool   // True for a normal closure, which is never retried
	Err    error  // Read error that ended the connection
}

// ClientOptions configures a relay connection.
type ClientOptions struct {
	// Header is added to the handshake request, e.g. Authorization.
	Header http.Header

	// DialTimeout bounds the handshake. Default 30s.
	DialTimeout time.Duration

	// PingInterval keeps idle connections alive. Default 20s.
	PingInterval time.Duration

	// SendTimeout bounds one write. Default 15s.
	SendTimeout time.Duration

	// ReadLimit is the largest accepted frame. Default 16 MiB.
	ReadLimit int64

	// OnMessage is called for every text frame, in order, on the read goroutine.
	OnMessage func(eventType string, raw []byte)

	// OnClose is called once when the connection ends for any reason other
	// than Close.
	OnClose func(CloseStatus)

	Logger *logging.Logger
}

func (o *ClientOptions) fill() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 15 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 24
	}
	if o.Logger == nil {
		o.Logger = logging.Nop()
	}
}

// Client is a connection to the voice relay. It is safe for concurrent use.
type Client struct {
	opts ClientOptions
	log  *logging.Logger

	// Connection state
	conn       *websocket.Conn    // Underlying WebSocket connection
	writeMu    sync.Mutex         // Protects writes to the WebSocket
	readCancel context.CancelFunc // Cancels the read loop when closing
	closedCh   chan struct{}      // Signals when the client is closed
	closeOnce  sync.Once          // Ensures closedCh is only closed once

	mu         sync.Mutex
	localClose bool
}

// Dial connects to the relay at rawURL.
func Dial(ctx context.Context, rawURL string, opts ClientOptions) (*Client, error) {
	opts.fill()
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, NewConfigError("RelayURL", rawURL, "must be a ws:// or wss:// URL")
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, NewTransportError(redact(u), "dial", err, true)
	}
	ws.SetReadLimit(opts.ReadLimit)

	c := &Client{opts: opts, log: opts.Logger, conn: ws, closedCh: make(chan struct{})}
	c.log.Info("ws_connected", map[string]any{"url": redact(u)})

	rcCtx, rcCancel := context.WithCancel(context.Background())
	c.readCancel = rcCancel
	go c.readLoop(rcCtx)
	go c.pingLoop()
	return c, nil
}

// redact drops the query string, which may carry a token.
func redact(u *url.URL) string {
	cp := *u
	cp.RawQuery = ""
	return cp.String()
}

// Close gracefully shuts down the client. OnClose is not called.
// It is safe to call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	c.localClose = true
	c.mu.Unlock()

	if c.readCancel != nil {
		c.readCancel()
	}

	// The close handshake can take seconds; Send sees ErrClosed meanwhile.
	if conn := c.detach(); conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
	}

	c.closeOnce.Do(func() {
		close(c.closedCh)
	})
	return nil
}

// detach takes the connection away from writers.
func (c *Client) detach() *websocket.Conn {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn := c.conn
	c.conn = nil
	return conn
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.closedCh }

// readLoop reads frames until the connection fails or Close is called.
func (c *Client) readLoop(ctx context.Context) {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()

	status := CloseStatus{Code: -1}
	defer func() {
		if conn := c.detach(); conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "reader_exit")
		}
		c.closeOnce.Do(func() {
			close(c.closedCh)
		})

		c.mu.Lock()
		local := c.localClose
		c.mu.Unlock()
		if !local && c.opts.OnClose != nil {
			c.opts.OnClose(status)
		}
	}()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status.Err = err
			status.Code = int(websocket.CloseStatus(err))
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				status.Reason = ce.Reason
			}
			status.Clean = status.Code == int(websocket.StatusNormalClosure)
			c.log.Info("ws_closed", map[string]any{"code": status.Code, "clean": status.Clean})
			return
		}

		// Only text frames carry JSON events
		if typ != websocket.MessageText {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			c.log.Error("bad_event_json", map[string]any{"err": NewEventError("unknown", data, err), "bytes": len(data)})
			continue
		}
		if c.opts.OnMessage != nil {
			c.opts.OnMessage(env.Type, data)
		}
	}
}

func (c *Client) pingLoop() {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.closedCh:
			return
		case <-t.C:
			c.writeMu.Lock()
			conn := c.conn
			c.writeMu.Unlock()
			if conn == nil {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			if err := conn.Ping(ctx); err != nil {
				c.log.Debug("ws_ping_failed", map[string]any{"err": err})
			}
			cancel()
		}
	}
}

// Send marshals v and writes it as one text frame.
func (c *Client) Send(ctx context.Context, v any) error {
	typ := eventType(v)
	b, err := json.Marshal(v)
	if err != nil {
		return NewSendError(typ, "", fmt.Errorf("marshal payload: %w", err))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewSendError(typ, "", ErrSendTimeout)
		}
		return NewSendError(typ, "", err)
	}
	return nil
}
