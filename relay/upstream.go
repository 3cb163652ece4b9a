package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"nhooyr.io/websocket"
)

// Frame is one transport message relayed verbatim.
type Frame struct {
	Binary bool
	Data   []byte
}

// CloseError reports the close status received from a peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("relay: peer closed with status %d: %s", e.Code, e.Reason)
}

// UpstreamConn is an open upstream connection. Read is called from a single
// goroutine and Write from a single other goroutine; Close may be called
// concurrently with both.
type UpstreamConn interface {
	Read(ctx context.Context) (Frame, error)
	Write(ctx context.Context, f Frame) error
	Close(code int, reason string) error
}

// DialRequest describes one upstream connection.
type DialRequest struct {
	URL    string
	Model  string
	APIKey string
}

// UpstreamDialer opens upstream connections.
type UpstreamDialer interface {
	Dial(ctx context.Context, req DialRequest) (UpstreamConn, error)
}

// WebSocketDialer dials a realtime API over WebSocket.
type WebSocketDialer struct {
	// ReadLimit is the largest accepted upstream frame. Default 16 MiB.
	ReadLimit int64
	// AzureKeyHeader sends the key as "api-key" instead of a bearer token.
	AzureKeyHeader bool
	HTTPClient     *http.Client
}

func (d WebSocketDialer) Dial(ctx context.Context, req DialRequest) (UpstreamConn, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream url: %w", err)
	}
	if req.Model != "" {
		q := u.Query()
		q.Set("model", req.Model)
		u.RawQuery = q.Encode()
	}

	h := http.Header{}
	if d.AzureKeyHeader {
		h.Set("api-key", req.APIKey)
	} else {
		h.Set("Authorization", "Bearer "+req.APIKey)
		h.Set("OpenAI-Beta", "realtime=v1")
	}

	ws, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{HTTPHeader: h, HTTPClient: d.HTTPClient})
	if err != nil {
		return nil, err
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = 1 << 24
	}
	ws.SetReadLimit(limit)
	return &wsUpstream{conn: ws}, nil
}

type wsUpstream struct {
	conn *websocket.Conn
}

func (u *wsUpstream) Read(ctx context.Context) (Frame, error) {
	typ, data, err := u.conn.Read(ctx)
	if err != nil {
		var ce websocket.CloseError
		if errors.As(err, &ce) {
			return Frame{}, &CloseError{Code: int(ce.Code), Reason: ce.Reason}
		}
		return Frame{}, err
	}
	return Frame{Binary: typ == websocket.MessageBinary, Data: data}, nil
}

func (u *wsUpstream) Write(ctx context.Context, f Frame) error {
	typ := websocket.MessageText
	if f.Binary {
		typ = websocket.MessageBinary
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	return u.conn.Write(ctx, typ, f.Data)
}

func (u *wsUpstream) Close(code int, reason string) error {
	return u.conn.Close(websocket.StatusCode(code), reason)
}

// Close status codes used by the relay.
const (
	StatusNormal        = 1000
	StatusGoingAway     = 1001
	StatusNoStatus      = 1005
	StatusAbnormal      = 1006
	StatusInternalError = 1011
	StatusTryAgainLater = 1013
	StatusTLSHandshake  = 1015
)

// ClientCloseCode translates an upstream close status into the status sent
// to the client. Codes that may not appear on the wire become 1000 (no
// status) or 1011 (abnormal termination); -1 means no close frame was seen.
func ClientCloseCode(upstream int) int {
	switch {
	case upstream == StatusNoStatus:
		return StatusNormal
	case upstream == StatusAbnormal, upstream == StatusTLSHandshake, upstream < 0:
		return StatusInternalError
	case sendable(upstream):
		return upstream
	default:
		return StatusInternalError
	}
}

// UpstreamCloseCode translates a client close status into the status sent
// upstream.
func UpstreamCloseCode(client int) int {
	if client == StatusGoingAway {
		return StatusGoingAway
	}
	return StatusNormal
}

func sendable(code int) bool {
	switch {
	case code >= 1000 && code <= 1003:
		return true
	case code >= 1007 && code <= 1014:
		return true
	case code >= 3000 && code <= 4999:
		return true
	}
	return false
}

// closeReason truncates reason to fit a close frame.
func closeReason(reason string) string {
	const max = 123
	if len(reason) > max {
		return reason[:max]
	}
	return reason
}
