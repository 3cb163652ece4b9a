package simplydash

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/proBhavesh/simplydash/analyzer"
	"github.com/proBhavesh/simplydash/audio"
	"github.com/proBhavesh/simplydash/clock"
	"github.com/proBhavesh/simplydash/logging"
	"github.com/proBhavesh/simplydash/retry"
)

// State is the lifecycle state of a Conversation.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateStreaming     State = "streaming"
	StateDisconnecting State = "disconnecting"
	// StateFailed follows a terminal error. ConnectConversation starts over.
	StateFailed State = "failed"
)

// Capture is the microphone pipeline. *audio.Recorder implements it.
type Capture interface {
	Begin(ctx context.Context) error
	Record(ctx context.Context, onChunk func([]int16), chunkSize int) error
	Pause(ctx context.Context) error
	End(ctx context.Context) (*audio.Recording, error)
}

// Playback is the speaker pipeline. *audio.Player implements it.
type Playback interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Reset(ctx context.Context) error
	Add16BitPCM(pcm []int16, trackID string) error
	TrackPlaybackOffset(ctx context.Context, trackID string) (audio.TrackOffset, error)
	Flush(ctx context.Context) error
	InterruptTrack(trackID string)
	IsInterrupted(trackID string) bool
	SampleRate() int
	OnPlaybackStarted(fn func())
	OnPlaybackEnded(fn func())
}

// frequencySource is implemented by pipelines with an analysis tap.
type frequencySource interface {
	Frequencies(mode analyzer.Mode) analyzer.Result
}

// UsageRecord is sent to Telemetry for every completed response.
type UsageRecord struct {
	Time           time.Time
	AssistantID    string
	UserIdentifier string
	AccessMethod   AccessMethod
	SessionID      string
	ConversationID string
	ResponseID     string
	Status         string
	Usage          ResponseUsage
}

// User-facing messages of terminal errors.
const (
	msgTransportLost = "The connection to the voice service was lost. Reconnect to continue."
	msgConnectFailed = "Could not connect to the voice service. Check your network and try again."
	msgAudioInit     = "Could not start audio. Check microphone and speaker permissions."
)

// Telemetry receives usage records. Failures are logged and otherwise ignored.
type Telemetry interface {
	RecordUsage(ctx context.Context, rec UsageRecord) error
}

// LogTelemetry writes usage records to a logger.
type LogTelemetry struct{ Logger *logging.Logger }

func (t LogTelemetry) RecordUsage(_ context.Context, rec UsageRecord) error {
	t.Logger.Info("usage_recorded", map[string]any{
		"assistant_id":    rec.AssistantID,
		"user":            rec.UserIdentifier,
		"session_id":      rec.SessionID,
		"conversation_id": rec.ConversationID,
		"response_id":     rec.ResponseID,
		"status":          rec.Status,
		"total_tokens":    rec.Usage.TotalTokens,
	})
	return nil
}

// Conversation drives one voice conversation through the relay. All entry
// points are safe for concurrent use.
type Conversation struct {
	cfg      Config
	log      *logging.Logger
	clk      clock.Clock
	capture  Capture
	playback Playback
	monitor  *memoryMonitor

	items  ItemList
	events EventLog
	usage  Usage

	// opMu serializes connect, teardown and capture toggles.
	opMu        sync.Mutex
	interruptMu sync.Mutex

	mu             sync.Mutex
	state          State
	generation     int
	transport      Transport
	sessionID      string
	conversationID string
	responseID     string
	trackID        string
	speaking       bool
	lastInterrupt  time.Time
	disconnecting  bool
	bgCtx          context.Context
	bgCancel       context.CancelFunc

	handlerMu       sync.RWMutex
	onStateChange   func(State)
	onTerminalError func(*TerminalError)
	onItemsChanged  func([]ConversationItem)
}

// NewConversation validates cfg and builds an idle conversation.
func NewConversation(cfg Config) (*Conversation, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.fill()

	c := &Conversation{
		cfg:      cfg,
		log:      cfg.Logger.With(map[string]any{"assistant_id": cfg.AssistantID}),
		clk:      cfg.Clock,
		capture:  cfg.Capture,
		playback: cfg.Playback,
		state:    StateIdle,
	}
	if c.capture == nil {
		c.capture = audio.NewRecorder(cfg.Microphone, cfg.Recorder)
	}
	if c.playback == nil {
		spk := cfg.Speaker
		if spk == nil {
			spk = audio.NullSpeaker{}
		}
		c.playback = audio.NewPlayer(spk, cfg.Player)
	}
	c.monitor = newMemoryMonitor(cfg.MemoryInterval, cfg.MemoryWindow, cfg.MemoryGrowthRate, cfg.Clock, c.log)
	return c, nil
}

// OnStateChange registers a callback for state transitions.
func (c *Conversation) OnStateChange(fn func(State)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onStateChange = fn
}

// OnTerminalError registers a callback for errors that end the conversation.
func (c *Conversation) OnTerminalError(fn func(*TerminalError)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onTerminalError = fn
}

// OnItemsChanged registers a callback receiving the item list after every change.
func (c *Conversation) OnItemsChanged(fn func([]ConversationItem)) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onItemsChanged = fn
}

func (c *Conversation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Conversation) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Conversation) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// IsSpeaking reports whether assistant audio is playing.
func (c *Conversation) IsSpeaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speaking
}

func (c *Conversation) Items() []ConversationItem { return c.items.Items() }
func (c *Conversation) Events() []RealtimeEvent   { return c.events.Events() }
func (c *Conversation) Usage() UsageSnapshot      { return c.usage.Snapshot() }

// InputFrequencies analyzes the most recent microphone audio. The result is
// empty when the capture pipeline has no analysis tap or is not running.
func (c *Conversation) InputFrequencies(mode analyzer.Mode) analyzer.Result {
	if fs, ok := c.capture.(frequencySource); ok {
		return fs.Frequencies(mode)
	}
	return analyzer.Result{}
}

// OutputFrequencies analyzes the assistant audio most recently played.
func (c *Conversation) OutputFrequencies(mode analyzer.Mode) analyzer.Result {
	if fs, ok := c.playback.(frequencySource); ok {
		return fs.Frequencies(mode)
	}
	return analyzer.Result{}
}

func (c *Conversation) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if !changed {
		return
	}
	c.log.Debug("state_changed", map[string]any{"state": string(s)})
	c.handlerMu.RLock()
	fn := c.onStateChange
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(s)
	}
	c.updateMonitor()
}

func (c *Conversation) itemsChanged() {
	c.handlerMu.RLock()
	fn := c.onItemsChanged
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(c.items.Items())
	}
}

// ConnectConversation connects the player, dials the relay, configures the
// session and starts streaming microphone audio. On failure the
// conversation returns to idle and the error is a *TerminalError.
func (c *Conversation) ConnectConversation(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.state != StateIdle && c.state != StateFailed {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.generation++
	gen := c.generation
	c.bgCtx, c.bgCancel = context.WithCancel(context.Background())
	c.mu.Unlock()
	c.setState(StateConnecting)

	c.playback.OnPlaybackStarted(func() { c.setSpeaking(true) })
	c.playback.OnPlaybackEnded(func() { c.setSpeaking(false) })
	if err := c.playback.Connect(ctx); err != nil {
		c.abortConnect()
		return &TerminalError{Code: CodeAudioInit, Message: msgAudioInit, Cause: fmt.Errorf("connect playback: %w", err)}
	}

	t, err := c.dialWithRetry(ctx, gen)
	if err != nil {
		c.abortConnect()
		return &TerminalError{Code: CodeConnectFailed, Message: msgConnectFailed, Cause: err}
	}
	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()
	c.setState(StateConnected)

	if err := c.configureSession(ctx, t); err != nil {
		c.abortConnect()
		return &TerminalError{Code: CodeConnectFailed, Message: msgConnectFailed, Cause: err}
	}
	if err := c.capture.Begin(ctx); err != nil {
		c.abortConnect()
		return &TerminalError{Code: CodeAudioInit, Message: msgAudioInit, Cause: fmt.Errorf("begin capture: %w", err)}
	}
	if err := c.capture.Record(ctx, c.onChunk, c.cfg.ChunkSize); err != nil {
		c.abortConnect()
		return &TerminalError{Code: CodeAudioInit, Message: msgAudioInit, Cause: fmt.Errorf("record: %w", err)}
	}
	c.setState(StateStreaming)
	c.log.Info("conversation_connected", map[string]any{"access_method": string(c.cfg.AccessMethod)})
	return nil
}

// abortConnect releases whatever ConnectConversation acquired. opMu is held.
func (c *Conversation) abortConnect() {
	if err := c.teardown(context.Background(), StateIdle); err != nil {
		c.log.Warn("connect_cleanup_failed", map[string]any{"err": err})
	}
}

func (c *Conversation) dial(ctx context.Context, gen int) (Transport, error) {
	opts := ClientOptions{
		Header:      c.cfg.header(),
		DialTimeout: c.cfg.DialTimeout,
		Logger:      c.log,
		OnMessage:   func(typ string, raw []byte) { c.handleMessage(gen, typ, raw) },
		OnClose:     func(st CloseStatus) { c.onTransportClose(gen, st) },
	}
	t, err := c.cfg.Dial(ctx, c.cfg.connectURL(), opts)
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) && !errors.Is(err, ErrInvalidConfig) {
			err = NewTransportError(c.cfg.RelayURL, "dial", err, true)
		}
		return nil, err
	}
	return t, nil
}

// dialWithRetry retries retryable dial failures up to MaxReconnects times,
// ReconnectDelay apart.
func (c *Conversation) dialWithRetry(ctx context.Context, gen int) (Transport, error) {
	n := c.cfg.MaxReconnects
	if n < 0 {
		n = 0
	}
	policy := retry.Fixed(n, c.cfg.ReconnectDelay)
	policy.Clock = c.clk
	policy.Retryable = func(err error) bool {
		var te *TransportError
		return errors.As(err, &te) && te.Retryable
	}
	var t Transport
	err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			c.log.Warn("connect_retry", map[string]any{"attempt": attempt})
		}
		var derr error
		t, derr = c.dial(ctx, gen)
		return derr
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Conversation) configureSession(ctx context.Context, t Transport) error {
	return c.send(ctx, t, newSessionUpdateEvent(c.cfg.Session.Wire()))
}

// send writes one client event and records it in the event log.
func (c *Conversation) send(ctx context.Context, t Transport, v any) error {
	if err := t.Send(ctx, v); err != nil {
		return err
	}
	c.events.Add(c.clk.Now(), SourceClient, eventType(v))
	return nil
}

// onChunk forwards one microphone chunk. Chunks are dropped while no
// transport is attached.
func (c *Conversation) onChunk(pcm []int16) {
	c.mu.Lock()
	t, ctx := c.transport, c.bgCtx
	c.mu.Unlock()
	if t == nil || ctx == nil {
		return
	}
	ev, err := newAppendEvent(pcm)
	if err != nil || ev == nil {
		if err != nil {
			c.log.Warn("audio_chunk_rejected", map[string]any{"err": err})
		}
		return
	}
	if err := c.send(ctx, t, ev); err != nil {
		c.log.Debug("audio_append_failed", map[string]any{"err": err})
	}
}

func (c *Conversation) current(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && !c.disconnecting
}

// handleMessage runs on the transport read goroutine.
func (c *Conversation) handleMessage(gen int, typ string, raw []byte) {
	if !c.current(gen) {
		return
	}
	c.events.Add(c.clk.Now(), SourceServer, typ)

	decode := func(v any) bool {
		if err := json.Unmarshal(raw, v); err != nil {
			c.log.Warn("bad_event", map[string]any{"err": NewEventError(typ, raw, err)})
			return false
		}
		return true
	}

	switch typ {
	case "session.created":
		var e SessionCreated
		if decode(&e) {
			c.mu.Lock()
			c.sessionID = e.Session.ID
			c.mu.Unlock()
		}
	case "conversation.created":
		var e ConversationCreated
		if decode(&e) {
			c.mu.Lock()
			c.conversationID = e.Conversation.ID
			c.mu.Unlock()
		}
	case "rate_limits.updated":
		var e RateLimitsUpdated
		if decode(&e) {
			c.usage.ApplyRateLimits(e.RateLimits)
		}
	case "response.created":
		var e ResponseCreated
		if decode(&e) {
			c.mu.Lock()
			c.responseID = e.Response.ID
			c.mu.Unlock()
		}
	case "conversation.item.created":
		var e ConversationItemCreated
		if decode(&e) {
			c.upsertWire(e.Item)
		}
	case "response.output_item.added":
		var e ResponseOutputItemAdded
		if decode(&e) {
			c.upsertWire(e.Item)
		}
	case "response.audio.delta":
		var e ResponseAudioDelta
		if decode(&e) {
			c.handleAudio(e)
		}
	case "response.audio_transcript.delta":
		var e ResponseAudioTranscriptDelta
		if decode(&e) {
			c.items.Upsert(e.ItemID, func(it *ConversationItem) {
				it.Role = RoleAssistant
				it.Formatted.Transcript += e.Delta
			})
			c.itemsChanged()
		}
	case "response.text.delta":
		var e ResponseTextDelta
		if decode(&e) {
			c.items.Upsert(e.ItemID, func(it *ConversationItem) {
				it.Role = RoleAssistant
				it.Formatted.Text += e.Delta
			})
			c.itemsChanged()
		}
	case "conversation.item.input_audio_transcription.completed":
		var e ConversationItemInputAudioTranscriptionCompleted
		if decode(&e) {
			c.items.Upsert(e.ItemID, func(it *ConversationItem) {
				it.Role = RoleUser
				it.Status = StatusCompleted
				it.Formatted.Transcript = e.Transcript
			})
			c.itemsChanged()
		}
	case "input_audio_buffer.speech_started":
		c.bargeIn()
	case "response.done":
		var e ResponseDone
		if decode(&e) {
			c.responseDone(e)
		}
	case "error":
		var e ErrorEvent
		if decode(&e) {
			c.log.Warn("upstream_error", map[string]any{"type": e.Error.Type, "code": e.Error.Code, "message": e.Error.Message})
		}
	default:
		c.log.Debug("unhandled_event", map[string]any{"type": typ})
	}
}

func (c *Conversation) upsertWire(w wireItem) {
	if w.ID == "" {
		return
	}
	c.items.Upsert(w.ID, func(it *ConversationItem) {
		if w.Role != "" {
			it.Role = w.Role
		}
		if w.Status == "completed" && it.Status != StatusInterrupted {
			it.Status = StatusCompleted
		}
		for _, part := range w.Content {
			if part.Text != "" {
				it.Formatted.Text = part.Text
			}
			if part.Transcript != "" {
				it.Formatted.Transcript = part.Transcript
			}
		}
	})
	c.itemsChanged()
}

func (c *Conversation) handleAudio(e ResponseAudioDelta) {
	pcm, err := decodeAudioDelta(e)
	if err != nil {
		c.log.Warn("bad_audio_delta", map[string]any{"item_id": e.ItemID, "err": err})
		return
	}
	// Late deltas of an interrupted item advance the playback offset but
	// never make it active again.
	if !c.playback.IsInterrupted(e.ItemID) {
		c.mu.Lock()
		c.trackID = e.ItemID
		if c.responseID == "" {
			c.responseID = e.ResponseID
		}
		c.mu.Unlock()
	}

	if err := c.playback.Add16BitPCM(pcm, e.ItemID); err != nil {
		c.log.Warn("playback_enqueue_failed", map[string]any{"item_id": e.ItemID, "err": err})
	}
	c.items.Upsert(e.ItemID, func(it *ConversationItem) {
		it.Role = RoleAssistant
		it.Formatted.AudioSamples += len(pcm)
	})
}

// bargeIn interrupts when the user starts speaking over the assistant.
func (c *Conversation) bargeIn() {
	c.mu.Lock()
	active := c.responseID != "" || c.speaking
	ctx := c.bgCtx
	c.mu.Unlock()
	if !active || ctx == nil {
		return
	}
	go func() {
		if _, err := c.Interrupt(ctx); err != nil && !errors.Is(err, ErrNotConnected) {
			c.log.Warn("barge_in_incomplete", map[string]any{"err": err})
		}
	}()
}

func (c *Conversation) responseDone(e ResponseDone) {
	c.mu.Lock()
	if c.responseID == e.Response.ID {
		c.responseID = ""
	}
	rec := UsageRecord{
		Time:           c.clk.Now(),
		AssistantID:    c.cfg.AssistantID,
		UserIdentifier: c.cfg.UserIdentifier,
		AccessMethod:   c.cfg.AccessMethod,
		SessionID:      c.sessionID,
		ConversationID: c.conversationID,
		ResponseID:     e.Response.ID,
		Status:         e.Response.Status,
	}
	ctx := c.bgCtx
	c.mu.Unlock()

	if e.Response.Usage != nil {
		c.usage.AddResponse(*e.Response.Usage)
		rec.Usage = *e.Response.Usage
	}
	if c.cfg.Telemetry == nil || ctx == nil {
		return
	}
	go func() {
		tctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.cfg.Telemetry.RecordUsage(tctx, rec); err != nil {
			c.log.Warn("telemetry_failed", map[string]any{"err": err})
		}
	}()
}

func (c *Conversation) setSpeaking(v bool) {
	c.mu.Lock()
	c.speaking = v
	c.mu.Unlock()
	c.updateMonitor()
}

// updateMonitor runs the heap monitor only while streaming or while the
// assistant is speaking.
func (c *Conversation) updateMonitor() {
	c.mu.Lock()
	active := !c.disconnecting && (c.state == StateStreaming || (c.speaking && c.state == StateConnected))
	c.mu.Unlock()
	if active {
		c.monitor.start()
	} else {
		c.monitor.halt()
	}
}

func (c *Conversation) clearActive(responseID, trackID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responseID == responseID {
		c.responseID = ""
	}
	if c.trackID == trackID {
		c.trackID = ""
	}
}

// Interrupt cancels the in-flight response, truncates the playing item at
// what was heard and flushes playback. Requests within InterruptDebounce of
// the previous one are ignored and return a Debounced result.
func (c *Conversation) Interrupt(ctx context.Context) (InterruptResult, error) {
	c.interruptMu.Lock()
	defer c.interruptMu.Unlock()

	c.mu.Lock()
	if c.state != StateConnected && c.state != StateStreaming {
		c.mu.Unlock()
		return InterruptResult{}, ErrNotConnected
	}
	now := c.clk.Now()
	if !c.lastInterrupt.IsZero() && now.Sub(c.lastInterrupt) < c.cfg.InterruptDebounce {
		c.mu.Unlock()
		c.log.Debug("interrupt_debounced", nil)
		return InterruptResult{Debounced: true}, nil
	}
	c.lastInterrupt = now
	in := &interruption{
		c:          c,
		transport:  c.transport,
		playback:   c.playback,
		responseID: c.responseID,
		trackID:    c.trackID,
	}
	c.mu.Unlock()

	res := in.run(ctx)
	c.log.Info("interrupted", map[string]any{
		"response_id":  res.ResponseID,
		"track_id":     res.TrackID,
		"truncated":    res.Truncated,
		"audio_end_ms": res.AudioEndMs,
		"failures":     len(res.Errors),
	})
	if res.TrackID != "" {
		c.itemsChanged()
	}
	return res, res.Err()
}

// PauseCapture mutes the microphone. The conversation stays connected.
func (c *Conversation) PauseCapture(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if c.State() != StateStreaming {
		return ErrNotConnected
	}
	if err := c.capture.Pause(ctx); err != nil {
		return err
	}
	c.setState(StateConnected)
	return nil
}

// ResumeCapture restarts microphone streaming after PauseCapture.
func (c *Conversation) ResumeCapture(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	switch c.State() {
	case StateStreaming:
		return nil
	case StateConnected:
	default:
		return ErrNotConnected
	}
	if err := c.capture.Record(ctx, c.onChunk, c.cfg.ChunkSize); err != nil {
		return err
	}
	c.setState(StateStreaming)
	return nil
}

// Disconnect ends the conversation and resets all state. It is idempotent;
// calls made while a disconnect is in progress return immediately.
func (c *Conversation) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.disconnecting {
		c.mu.Unlock()
		return nil
	}
	c.disconnecting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.disconnecting = false
		c.mu.Unlock()
	}()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	switch c.State() {
	case StateIdle, StateFailed:
		return nil
	}
	err := c.teardown(ctx, StateIdle)
	c.log.Info("conversation_disconnected", nil)
	return err
}

// teardown stops both pipelines in parallel, drops every listener and the
// transport, and clears session state. opMu is held.
func (c *Conversation) teardown(ctx context.Context, final State) error {
	c.setState(StateDisconnecting)

	c.mu.Lock()
	c.generation++
	t := c.transport
	c.transport = nil
	if c.bgCancel != nil {
		c.bgCancel()
	}
	c.mu.Unlock()

	// An interruption that passed its state check finishes before the
	// pipelines go away. bgCtx is already cancelled, which cuts its waits short.
	c.interruptMu.Lock()
	c.interruptMu.Unlock()

	c.monitor.halt()
	c.playback.OnPlaybackStarted(nil)
	c.playback.OnPlaybackEnded(nil)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := c.capture.End(gctx); err != nil {
			return fmt.Errorf("end capture: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := c.playback.Disconnect(); err != nil {
			return fmt.Errorf("disconnect playback: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if t != nil {
		if cerr := t.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}

	c.mu.Lock()
	c.sessionID, c.conversationID = "", ""
	c.responseID, c.trackID = "", ""
	c.speaking = false
	c.lastInterrupt = time.Time{}
	c.bgCtx, c.bgCancel = nil, nil
	c.mu.Unlock()
	c.items.reset()
	c.events.reset()
	c.usage.reset()

	c.setState(final)
	return err
}

// onTransportClose runs on the read goroutine of the closed transport.
func (c *Conversation) onTransportClose(gen int, st CloseStatus) {
	c.mu.Lock()
	if gen != c.generation || c.disconnecting || (c.state != StateConnected && c.state != StateStreaming) {
		c.mu.Unlock()
		return
	}
	c.transport = nil
	ctx := c.bgCtx
	c.mu.Unlock()

	c.log.Warn("transport_closed", map[string]any{"code": st.Code, "clean": st.Clean})
	switch {
	case st.Clean:
		go func() { _ = c.Disconnect(context.Background()) }()
	case c.cfg.MaxReconnects < 0:
		go c.fail(gen, &TerminalError{Code: CodeTransportLost, Message: msgTransportLost, Cause: st.Err})
	default:
		go c.reconnect(ctx, gen, st)
	}
}

// reconnect redials after an unclean close: MaxReconnects attempts, each
// preceded by ReconnectDelay.
func (c *Conversation) reconnect(ctx context.Context, gen int, st CloseStatus) {
	policy := retry.Fixed(c.cfg.MaxReconnects-1, c.cfg.ReconnectDelay)
	policy.Clock = c.clk

	var t Transport
	err := c.clk.Sleep(ctx, c.cfg.ReconnectDelay)
	if err == nil {
		err = retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
			c.log.Info("reconnect_attempt", map[string]any{"attempt": attempt + 1, "max": c.cfg.MaxReconnects})
			var derr error
			t, derr = c.dial(ctx, gen)
			return derr
		})
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(gen, &TerminalError{
			Code:    CodeTransportLost,
			Message: msgTransportLost,
			Cause:   NewTransportError(c.cfg.RelayURL, "reconnect", errors.Join(st.Err, err), false),
		})
		return
	}

	c.mu.Lock()
	if gen != c.generation || c.disconnecting {
		c.mu.Unlock()
		_ = t.Close()
		return
	}
	stale := c.trackID
	c.sessionID, c.conversationID = "", ""
	c.responseID, c.trackID = "", ""
	c.speaking = false
	c.transport = t
	c.mu.Unlock()
	if stale != "" {
		c.playback.InterruptTrack(stale)
	}
	c.updateMonitor()
	c.log.Info("reconnected", map[string]any{"interrupted_track": stale})
	if err := c.configureSession(ctx, t); err != nil {
		c.log.Warn("session_update_failed", map[string]any{"err": err})
	}
}

// fail tears down the conversation into StateFailed and reports err.
func (c *Conversation) fail(gen int, terr *TerminalError) {
	c.opMu.Lock()
	if !c.current(gen) {
		c.opMu.Unlock()
		return
	}
	if err := c.teardown(context.Background(), StateFailed); err != nil {
		c.log.Warn("teardown_failed", map[string]any{"err": err})
	}
	c.opMu.Unlock()

	c.log.Error("conversation_failed", map[string]any{"code": terr.Code, "err": terr.Cause})
	c.handlerMu.RLock()
	fn := c.onTerminalError
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(terr)
	}
}
