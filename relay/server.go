// Package relay bridges browser WebSocket connections to an upstream
// realtime voice API. It relays frames verbatim and has no knowledge of the
// audio they carry.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proBhavesh/simplydash/auth"
	"github.com/proBhavesh/simplydash/logging"
	"github.com/proBhavesh/simplydash/retry"
	"github.com/proBhavesh/simplydash/store"
)

// Config contains the relay's runtime settings.
type Config struct {
	// DefaultAPIKey is used when an assistant has no stored credential or
	// the lookup fails. Required.
	DefaultAPIKey string

	// UpstreamURL is the realtime API endpoint. Required.
	UpstreamURL string

	// Model is added to the upstream URL as the model query parameter.
	Model string

	// MaxPendingFrames bounds client frames queued before upstream-open.
	// Overflow closes the pair with 1013. Default 256.
	MaxPendingFrames int

	// CredentialTimeout bounds one credential lookup. Default 2s.
	CredentialTimeout time.Duration

	// DialTimeout bounds the upstream connect. Default 30s.
	DialTimeout time.Duration

	// AllowedOrigins restricts browser origins. Empty admits every origin.
	AllowedOrigins []string

	// ReadLimit is the largest accepted client frame. Default 16 MiB.
	ReadLimit int64
}

func (c *Config) fill() {
	if c.MaxPendingFrames <= 0 {
		c.MaxPendingFrames = 256
	}
	if c.CredentialTimeout <= 0 {
		c.CredentialTimeout = 2 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 24
	}
}

// Deps are the relay's collaborators. Every field is optional except Dialer.
type Deps struct {
	Store    store.Store
	Dialer   UpstreamDialer
	Verifier auth.Verifier
	Logger   *logging.Logger
	Registry prometheus.Registerer
	Gatherer prometheus.Gatherer
}

// CredentialError describes a failed credential lookup. It is logged and
// never returned to the client.
type CredentialError struct {
	AssistantID string
	Cause       error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("relay: credential lookup for assistant %s failed: %v", e.AssistantID, e.Cause)
}

func (e *CredentialError) Unwrap() error { return e.Cause }

// Server accepts client upgrades and bridges each one to its own upstream
// connection. It holds no state beyond live pairs.
type Server struct {
	cfg      Config
	store    store.Store
	dialer   UpstreamDialer
	verifier auth.Verifier
	log      *logging.Logger
	metrics  *Metrics
	gatherer prometheus.Gatherer
	breaker  *retry.CircuitBreaker
	upgrader websocket.Upgrader

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewServer validates cfg and builds a relay.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if cfg.DefaultAPIKey == "" {
		return nil, errors.New("relay: default API key is required")
	}
	if cfg.UpstreamURL == "" {
		return nil, errors.New("relay: upstream URL is required")
	}
	if deps.Dialer == nil {
		return nil, errors.New("relay: upstream dialer is required")
	}
	cfg.fill()

	log := deps.Logger
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		store:    deps.Store,
		dialer:   deps.Dialer,
		verifier: deps.Verifier,
		log:      log.With(map[string]any{"component": "relay"}),
		metrics:  NewMetrics(deps.Registry),
		gatherer: deps.Gatherer,
		breaker: retry.NewCircuitBreaker(retry.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			SuccessThreshold: 2,
		}),
		baseCtx: ctx,
		cancel:  cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || auth.OriginAllowed(s.cfg.AllowedOrigins, origin)
		},
	}
	return s, nil
}

// Metrics returns the relay's metrics.
func (s *Server) Metrics() *Metrics { return s.metrics }

// Handler returns a mux serving the relay at path plus /healthz and, when a
// gatherer was supplied, /metrics.
func (s *Server) Handler(path string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			s.log.Debug("healthz_write_failed", map[string]any{"err": err})
		}
	})
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	mux.Handle(path, auth.CORS(s.cfg.AllowedOrigins, s))
	return mux
}

// Close cancels every live pair and waits for them to finish.
func (s *Server) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// ServeHTTP upgrades one client connection and relays it until either side closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || !websocket.IsWebSocketUpgrade(r) {
		s.metrics.Rejected.WithLabelValues("method").Inc()
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	assistantID := r.URL.Query().Get("assistantId")
	if assistantID == "" {
		s.metrics.Rejected.WithLabelValues("assistant").Inc()
		http.Error(w, "assistantId is required", http.StatusBadRequest)
		return
	}
	if s.verifier != nil {
		raw, err := auth.BearerToken(r)
		if err == nil {
			err = s.verifier.Verify(r.Context(), raw)
		}
		if err != nil {
			s.metrics.Rejected.WithLabelValues("auth").Inc()
			s.log.Info("client_unauthorized", map[string]any{"assistant_id": assistantID, "err": err})
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	s.wg.Add(1)
	defer s.wg.Done()
	select {
	case <-s.baseCtx.Done():
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.metrics.Rejected.WithLabelValues("upgrade").Inc()
		s.log.Warn("client_upgrade_failed", map[string]any{"assistant_id": assistantID, "err": err})
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit)

	p := s.newPair(conn, assistantID)
	p.run()
}

// credential resolves the upstream key for assistantID, falling back to the
// default key on any failure. The reason is empty when no fallback happened.
func (s *Server) credential(ctx context.Context, assistantID string) (key, reason string) {
	if s.store == nil {
		return s.cfg.DefaultAPIKey, ""
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CredentialTimeout)
	defer cancel()

	var found string
	err := s.breaker.Execute(func() error {
		k, err := s.store.APIKey(ctx, assistantID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		found = k
		return err
	})
	switch {
	case errors.Is(err, retry.ErrCircuitOpen):
		reason = "breaker_open"
	case errors.Is(err, context.DeadlineExceeded):
		reason = "timeout"
	case err != nil:
		reason = "error"
	case found == "":
		reason = "missing"
	default:
		return found, ""
	}

	s.metrics.CredentialFallbacks.WithLabelValues(reason).Inc()
	fields := map[string]any{"assistant_id": assistantID, "reason": reason}
	if err != nil {
		fields["err"] = &CredentialError{AssistantID: assistantID, Cause: err}
	}
	s.log.Warn("credential_fallback", fields)
	return s.cfg.DefaultAPIKey, reason
}

// pair is one bridged client/upstream connection.
type pair struct {
	s           *Server
	id          string
	assistantID string
	client      *websocket.Conn
	log         *logging.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	started     time.Time

	mu       sync.Mutex
	upstream UpstreamConn
	pending  []Frame
	closed   bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *Server) newPair(conn *websocket.Conn, assistantID string) *pair {
	ctx, cancel := context.WithCancel(s.baseCtx)
	id := uuid.NewString()
	return &pair{
		s:           s,
		id:          id,
		assistantID: assistantID,
		client:      conn,
		log:         s.log.With(map[string]any{"conn_id": id, "assistant_id": assistantID}),
		ctx:         ctx,
		cancel:      cancel,
		started:     time.Now(),
	}
}

func (p *pair) run() {
	m := p.s.metrics
	m.AcceptedPairs.Inc()
	m.ActivePairs.Inc()
	p.log.Info("client_connected", nil)
	defer func() {
		m.ActivePairs.Dec()
		m.PairDuration.Observe(time.Since(p.started).Seconds())
		p.log.Info("pair_closed", map[string]any{"duration_ms": time.Since(p.started).Milliseconds()})
	}()

	p.wg.Add(1)
	go p.connectUpstream()

	go func() {
		<-p.ctx.Done()
		p.shutdown(StatusGoingAway, "relay shutting down", StatusGoingAway, "relay shutting down")
	}()

	p.readClient()
	p.wg.Wait()
	p.cancel()
}

// connectUpstream dials, flushes frames queued meanwhile in order, then
// pumps upstream frames to the client.
func (p *pair) connectUpstream() {
	defer p.wg.Done()

	key, _ := p.s.credential(p.ctx, p.assistantID)
	dialCtx, cancel := context.WithTimeout(p.ctx, p.s.cfg.DialTimeout)
	up, err := p.s.dialer.Dial(dialCtx, DialRequest{URL: p.s.cfg.UpstreamURL, Model: p.s.cfg.Model, APIKey: key})
	cancel()
	if err != nil {
		p.s.metrics.DialFailures.Inc()
		p.log.Error("upstream_dial_failed", map[string]any{"err": err})
		p.shutdown(StatusInternalError, "upstream unavailable", 0, "")
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = up.Close(StatusNormal, "client closed")
		return
	}
	for i, f := range p.pending {
		if err := up.Write(p.ctx, f); err != nil {
			p.pending = nil
			p.mu.Unlock()
			p.log.Error("pending_flush_failed", map[string]any{"index": i, "err": err})
			_ = up.Close(StatusInternalError, "write failed")
			p.shutdown(StatusInternalError, "upstream write failed", 0, "")
			return
		}
		p.s.metrics.Frames.WithLabelValues(DirClientToUpstream).Inc()
	}
	flushed := len(p.pending)
	p.pending = nil
	p.upstream = up
	p.mu.Unlock()
	p.log.Info("upstream_connected", map[string]any{"flushed": flushed})

	p.pumpUpstream(up)
}

func (p *pair) pumpUpstream(up UpstreamConn) {
	for {
		f, err := up.Read(p.ctx)
		if err != nil {
			code := -1
			reason := ""
			var ce *CloseError
			if errors.As(err, &ce) {
				code, reason = ce.Code, ce.Reason
			}
			p.log.Info("upstream_closed", map[string]any{"code": code})
			p.shutdown(ClientCloseCode(code), reason, 0, "")
			return
		}
		typ := websocket.TextMessage
		if f.Binary {
			typ = websocket.BinaryMessage
		}
		if err := p.client.WriteMessage(typ, f.Data); err != nil {
			p.log.Debug("client_write_failed", map[string]any{"err": err})
			p.shutdown(StatusInternalError, "", StatusNormal, "client write failed")
			return
		}
		p.s.metrics.Frames.WithLabelValues(DirUpstreamToClient).Inc()
	}
}

// readClient runs on the handler goroutine until the client side ends.
func (p *pair) readClient() {
	for {
		typ, data, err := p.client.ReadMessage()
		if err != nil {
			code := StatusAbnormal
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
			}
			p.log.Info("client_closed", map[string]any{"code": code})
			p.shutdown(0, "", UpstreamCloseCode(code), "client closed")
			return
		}
		f := Frame{Binary: typ == websocket.BinaryMessage, Data: data}

		p.mu.Lock()
		up := p.upstream
		if up == nil {
			if p.closed {
				p.mu.Unlock()
				return
			}
			if len(p.pending) >= p.s.cfg.MaxPendingFrames {
				p.mu.Unlock()
				p.log.Warn("pending_overflow", map[string]any{"max": p.s.cfg.MaxPendingFrames})
				p.shutdown(StatusTryAgainLater, "upstream not ready", StatusNormal, "")
				return
			}
			p.pending = append(p.pending, f)
			p.mu.Unlock()
			p.s.metrics.PendingFrames.Inc()
			continue
		}
		p.mu.Unlock()

		if err := up.Write(p.ctx, f); err != nil {
			p.log.Debug("upstream_write_failed", map[string]any{"err": err})
			p.shutdown(StatusInternalError, "upstream write failed", StatusInternalError, "")
			return
		}
		p.s.metrics.Frames.WithLabelValues(DirClientToUpstream).Inc()
	}
}

// shutdown closes both sides once. A zero code skips the close frame to
// that side; the connection is still released.
func (p *pair) shutdown(clientCode int, clientReason string, upstreamCode int, upstreamReason string) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		up := p.upstream
		p.pending = nil
		p.mu.Unlock()

		if clientCode != 0 {
			msg := websocket.FormatCloseMessage(clientCode, closeReason(clientReason))
			_ = p.client.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		}
		_ = p.client.Close()

		if up != nil {
			if upstreamCode == 0 {
				upstreamCode = StatusNormal
			}
			_ = up.Close(upstreamCode, closeReason(upstreamReason))
		}
		p.cancel()
	})
}
