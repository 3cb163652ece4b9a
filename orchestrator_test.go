package simplydash

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/proBhavesh/simplydash/analyzer"
)

func TestNewConversation_InvalidConfig(t *testing.T) {
	_, err := NewConversation(Config{RelayURL: "http://relay.test", AssistantID: "a", Capture: &fakeCapture{}})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConversation_ConnectAndDisconnect(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Token = "tok" })

	var mu sync.Mutex
	var states []State
	h.conv.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	tr := h.connect(t)
	if got := h.conv.State(); got != StateStreaming {
		t.Fatalf("state = %s, want streaming", got)
	}

	opts, _ := h.dialer.last()
	u, err := url.Parse(h.dialer.urls[0])
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("assistantId") != "asst_1" {
		t.Errorf("dial url %q lacks assistantId", h.dialer.urls[0])
	}
	if opts.Header.Get("Authorization") != "Bearer tok" {
		t.Errorf("Authorization = %q", opts.Header.Get("Authorization"))
	}
	if opts.DialTimeout != 30*time.Second {
		t.Errorf("DialTimeout = %v, want 30s", opts.DialTimeout)
	}

	ev, ok := tr.find(EventSessionUpdate)
	if !ok {
		t.Fatal("session.update not sent")
	}
	var su struct {
		Session struct {
			Voice         string `json:"voice"`
			TurnDetection struct {
				Threshold         float64 `json:"threshold"`
				SilenceDurationMS int     `json:"silence_duration_ms"`
			} `json:"turn_detection"`
		} `json:"session"`
	}
	if err := json.Unmarshal(ev.Raw, &su); err != nil {
		t.Fatal(err)
	}
	if su.Session.Voice != "alloy" || su.Session.TurnDetection.Threshold != 0.5 || su.Session.TurnDetection.SilenceDurationMS != 500 {
		t.Errorf("unexpected session payload: %s", ev.Raw)
	}

	h.deliver(t, map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	h.deliver(t, map[string]any{"type": "conversation.created", "conversation": map[string]any{"id": "conv_1"}})
	h.deliver(t, map[string]any{"type": "conversation.item.created", "item": map[string]any{"id": "item_1", "role": "user"}})
	if h.conv.SessionID() != "sess_1" || h.conv.ConversationID() != "conv_1" {
		t.Fatalf("ids = %q/%q", h.conv.SessionID(), h.conv.ConversationID())
	}

	if err := h.conv.Disconnect(context.Background()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if h.conv.State() != StateIdle {
		t.Errorf("state after disconnect = %s", h.conv.State())
	}
	if h.conv.SessionID() != "" || h.conv.ConversationID() != "" {
		t.Error("session identity not reset")
	}
	if len(h.conv.Items()) != 0 || len(h.conv.Events()) != 0 {
		t.Error("bounded lists not reset")
	}
	if !tr.isClosed() {
		t.Error("transport not closed")
	}
	if h.capture.endCount() != 1 || h.playback.disconnects != 1 {
		t.Errorf("pipelines: ends=%d disconnects=%d", h.capture.endCount(), h.playback.disconnects)
	}
	if h.playback.onStarted != nil || h.playback.onEnded != nil {
		t.Error("playback listeners not removed")
	}
	if h.conv.monitor.running() {
		t.Error("memory monitor still running")
	}

	// Second call is a no-op.
	if err := h.conv.Disconnect(context.Background()); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if h.capture.endCount() != 1 {
		t.Error("second disconnect stopped capture again")
	}

	mu.Lock()
	want := []State{StateConnecting, StateConnected, StateStreaming, StateDisconnecting, StateIdle}
	if !reflect.DeepEqual(states, want) {
		t.Errorf("states = %v, want %v", states, want)
	}
	mu.Unlock()
}

func TestConversation_ConnectTwice(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	if err := h.conv.ConnectConversation(context.Background()); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestConversation_ConnectFailures(t *testing.T) {
	t.Run("playback", func(t *testing.T) {
		h := newHarness(t, nil)
		h.playback.connectErr = errBoom
		err := h.conv.ConnectConversation(context.Background())
		var te *TerminalError
		if !errors.As(err, &te) || te.Code != CodeAudioInit || !errors.Is(err, errBoom) {
			t.Fatalf("expected audio_init terminal error, got %v", err)
		}
		if h.dialer.attempts() != 0 {
			t.Error("dialed after playback failure")
		}
		if h.conv.State() != StateIdle {
			t.Errorf("state = %s, want idle", h.conv.State())
		}
	})

	t.Run("capture", func(t *testing.T) {
		h := newHarness(t, nil)
		h.capture.beginErr = errBoom
		err := h.conv.ConnectConversation(context.Background())
		var te *TerminalError
		if !errors.As(err, &te) || te.Code != CodeAudioInit {
			t.Fatalf("expected audio_init terminal error, got %v", err)
		}
		_, tr := h.dialer.last()
		if !tr.isClosed() {
			t.Error("transport left open after capture failure")
		}
		if h.conv.State() != StateIdle {
			t.Errorf("state = %s, want idle", h.conv.State())
		}
	})

	t.Run("dial", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.fail = func(int) error { return errBoom }
		err := h.conv.ConnectConversation(context.Background())
		var te *TerminalError
		if !errors.As(err, &te) || te.Code != CodeConnectFailed || !errors.Is(err, ErrConnectionFailed) {
			t.Fatalf("expected connect_failed terminal error, got %v", err)
		}
		if got := h.dialer.attempts(); got != 4 {
			t.Errorf("dial attempts = %d, want 4", got)
		}
		want := []time.Duration{time.Second, time.Second, time.Second}
		if got := h.clock.Sleeps(); !reflect.DeepEqual(got, want) {
			t.Errorf("sleeps = %v, want %v", got, want)
		}
		if h.conv.State() != StateIdle {
			t.Errorf("state = %s, want idle", h.conv.State())
		}
	})

	t.Run("config error is not retried", func(t *testing.T) {
		h := newHarness(t, nil)
		h.dialer.fail = func(int) error { return NewConfigError("RelayURL", "", "bad") }
		if err := h.conv.ConnectConversation(context.Background()); err == nil {
			t.Fatal("expected error")
		}
		if got := h.dialer.attempts(); got != 1 {
			t.Errorf("dial attempts = %d, want 1", got)
		}
	})
}

func TestConversation_ReconnectExhausted(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = func(attempt int) error {
		if attempt == 0 {
			return nil
		}
		return errBoom
	}
	terminal := make(chan *TerminalError, 1)
	h.conv.OnTerminalError(func(err *TerminalError) { terminal <- err })

	h.connect(t)
	opts, _ := h.dialer.last()
	opts.OnClose(CloseStatus{Code: 1006, Err: errBoom})

	select {
	case err := <-terminal:
		if err.Code != CodeTransportLost || err.Message == "" {
			t.Errorf("terminal error = %+v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal error")
	}

	if h.conv.State() != StateFailed {
		t.Errorf("state = %s, want failed", h.conv.State())
	}
	if got := h.dialer.attempts(); got != 4 {
		t.Errorf("dial attempts = %d, want 1 + 3 reconnects", got)
	}
	want := []time.Duration{time.Second, time.Second, time.Second}
	if got := h.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}
	if h.capture.endCount() != 1 {
		t.Error("conversation not torn down")
	}

	// A failed conversation can be connected again.
	h.dialer.fail = nil
	if err := h.conv.ConnectConversation(context.Background()); err != nil {
		t.Fatalf("reconnect after failure: %v", err)
	}
}

func TestConversation_ReconnectSucceeds(t *testing.T) {
	h := newHarness(t, nil)
	h.dialer.fail = func(attempt int) error {
		if attempt == 1 {
			return errBoom
		}
		return nil
	}
	h.connect(t)
	opts, _ := h.dialer.last()
	opts.OnClose(CloseStatus{Code: 1011})

	waitFor(t, 5*time.Second, func() bool { return h.dialer.connections() == 2 })
	_, tr := h.dialer.last()
	waitFor(t, 5*time.Second, func() bool { return tr.count(EventSessionUpdate) == 1 })

	if h.conv.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", h.conv.State())
	}
	want := []time.Duration{time.Second, time.Second}
	if got := h.clock.Sleeps(); !reflect.DeepEqual(got, want) {
		t.Errorf("sleeps = %v, want %v", got, want)
	}

	h.capture.push([]int16{1, 2, 3})
	if tr.count(EventAudioAppend) != 1 {
		t.Error("audio not routed to the new transport")
	}
}

func TestConversation_ReconnectReplacesSession(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.deliver(t, map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	h.deliver(t, map[string]any{"type": "conversation.created", "conversation": map[string]any{"id": "conv_1"}})
	h.deliver(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp_1"}})
	h.deliver(t, audioDelta("resp_1", "item_1", 2400))
	h.playback.started()
	if h.conv.SessionID() != "sess_1" || !h.conv.IsSpeaking() {
		t.Fatalf("session %q speaking %v", h.conv.SessionID(), h.conv.IsSpeaking())
	}

	opts, _ := h.dialer.last()
	opts.OnClose(CloseStatus{Code: 1006})
	waitFor(t, 5*time.Second, func() bool { return h.dialer.connections() == 2 })
	_, tr := h.dialer.last()
	waitFor(t, 5*time.Second, func() bool { return tr.count(EventSessionUpdate) == 1 })

	if h.conv.SessionID() != "" || h.conv.ConversationID() != "" {
		t.Errorf("stale ids kept: session %q conversation %q", h.conv.SessionID(), h.conv.ConversationID())
	}
	if h.conv.IsSpeaking() {
		t.Error("still speaking after reconnect")
	}
	if got := h.playback.interruptedTracks(); !reflect.DeepEqual(got, []string{"item_1"}) {
		t.Errorf("interrupted = %v, want the track of the lost session", got)
	}

	h.deliver(t, map[string]any{"type": "input_audio_buffer.speech_started"})
	time.Sleep(30 * time.Millisecond)
	if tr.count(EventResponseCancel) != 0 || h.playback.flushCount() != 0 {
		t.Errorf("barge-in acted on the lost response: sent %v", tr.types())
	}
}

func TestConversation_DisconnectResetsUsage(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	h.deliver(t, map[string]any{"type": "response.done", "response": map[string]any{
		"id": "resp_1", "status": "completed",
		"usage": map[string]any{"total_tokens": 10, "input_tokens": 4, "output_tokens": 6},
	}})
	before := h.conv.Usage()
	if err := h.conv.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	if before.TotalTokens != 10 {
		t.Errorf("usage before disconnect = %+v", before)
	}
	if after := h.conv.Usage(); after.TotalTokens != 0 || after.InputTokens != 0 {
		t.Errorf("usage after disconnect = %+v, want a fresh session", after)
	}
}

func TestConversation_Frequencies(t *testing.T) {
	h := newHarness(t, nil)
	if res := h.conv.InputFrequencies(analyzer.ModeVoice); len(res.Values) != 0 {
		t.Errorf("capture without analysis returned %+v", res)
	}
	res := h.conv.OutputFrequencies(analyzer.ModeVoice)
	if !reflect.DeepEqual(res.Frequencies, []float64{440}) || res.Labels[0] != string(analyzer.ModeVoice) {
		t.Errorf("output = %+v", res)
	}
}

func TestConversation_CleanCloseDoesNotRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	opts, _ := h.dialer.last()
	opts.OnClose(CloseStatus{Code: 1000, Clean: true})

	waitFor(t, 5*time.Second, func() bool { return h.conv.State() == StateIdle })
	if got := h.dialer.attempts(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
	if len(h.clock.Sleeps()) != 0 {
		t.Errorf("unexpected sleeps %v", h.clock.Sleeps())
	}
}

func TestConversation_ReconnectDisabled(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxReconnects = -1 })
	terminal := make(chan *TerminalError, 1)
	h.conv.OnTerminalError(func(err *TerminalError) { terminal <- err })
	h.connect(t)
	opts, _ := h.dialer.last()
	opts.OnClose(CloseStatus{Code: 1006})

	select {
	case <-terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("no terminal error")
	}
	if got := h.dialer.attempts(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
}

func TestConversation_StaleCallbacksIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)
	stale, _ := h.dialer.last()
	if err := h.conv.Disconnect(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.connect(t)

	raw := []byte(`{"type":"session.created","session":{"id":"old"}}`)
	stale.OnMessage("session.created", raw)
	stale.OnClose(CloseStatus{Code: 1006})

	if h.conv.SessionID() != "" {
		t.Error("stale message applied")
	}
	time.Sleep(20 * time.Millisecond)
	if h.dialer.attempts() != 2 || h.conv.State() != StateStreaming {
		t.Errorf("stale close acted on: attempts=%d state=%s", h.dialer.attempts(), h.conv.State())
	}
}

func TestConversation_MessageHandling(t *testing.T) {
	records := make(chan UsageRecord, 1)
	h := newHarness(t, func(c *Config) {
		c.UserIdentifier = "user_9"
		c.Telemetry = telemetryFunc(func(_ context.Context, r UsageRecord) error {
			records <- r
			return nil
		})
	})
	var changes int
	var mu sync.Mutex
	h.conv.OnItemsChanged(func([]ConversationItem) {
		mu.Lock()
		changes++
		mu.Unlock()
	})
	h.connect(t)

	h.deliver(t, map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}})
	h.deliver(t, map[string]any{"type": "conversation.item.created", "item": map[string]any{"id": "u1", "role": "user"}})
	h.deliver(t, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "item_id": "u1", "transcript": "hello"})
	h.deliver(t, map[string]any{"type": "response.created", "response": map[string]any{"id": "resp_1", "status": "in_progress"}})
	h.deliver(t, map[string]any{"type": "response.output_item.added", "item": map[string]any{"id": "a1", "role": "assistant"}})
	h.deliver(t, audioDelta("resp_1", "a1", 480))
	h.deliver(t, audioDelta("resp_1", "a1", 480))
	h.deliver(t, map[string]any{"type": "response.audio_transcript.delta", "item_id": "a1", "delta": "Hi "})
	h.deliver(t, map[string]any{"type": "response.audio_transcript.delta", "item_id": "a1", "delta": "there"})
	h.deliver(t, map[string]any{"type": "rate_limits.updated", "rate_limits": []map[string]any{
		{"name": "tokens", "limit": 1000, "remaining": 900, "reset_seconds": 1.5},
	}})
	h.deliver(t, map[string]any{"type": "response.done", "response": map[string]any{
		"id": "resp_1", "status": "completed",
		"usage": map[string]any{"total_tokens": 10, "input_tokens": 4, "output_tokens": 6},
	}})

	items := h.conv.Items()
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	if items[0].Role != RoleUser || items[0].Formatted.Transcript != "hello" || items[0].Status != StatusCompleted {
		t.Errorf("user item = %+v", items[0])
	}
	if items[1].Formatted.Transcript != "Hi there" || items[1].Formatted.AudioSamples != 960 {
		t.Errorf("assistant item = %+v", items[1])
	}
	if h.playback.added["a1"] != 960 {
		t.Errorf("playback received %d samples", h.playback.added["a1"])
	}

	u := h.conv.Usage()
	if u.TotalTokens != 10 || u.InputTokens != 4 || u.OutputTokens != 6 {
		t.Errorf("usage = %+v", u)
	}
	if u.RateLimits["tokens"].Remaining != 900 {
		t.Errorf("rate limits = %+v", u.RateLimits)
	}

	select {
	case r := <-records:
		if r.ResponseID != "resp_1" || r.SessionID != "sess_1" || r.UserIdentifier != "user_9" || r.Usage.TotalTokens != 10 {
			t.Errorf("usage record = %+v", r)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no telemetry record")
	}

	var deltas *RealtimeEvent
	for _, e := range h.conv.Events() {
		if e.Event == "response.audio.delta" {
			e := e
			deltas = &e
		}
	}
	if deltas == nil || deltas.Count != 2 || deltas.Source != SourceServer {
		t.Errorf("audio deltas not coalesced: %+v", h.conv.Events())
	}
	if ev := h.conv.Events()[0]; ev.Source != SourceClient || ev.Event != EventSessionUpdate {
		t.Errorf("first event = %+v, want client session.update", ev)
	}

	mu.Lock()
	if changes == 0 {
		t.Error("OnItemsChanged never fired")
	}
	mu.Unlock()
}

func TestConversation_TelemetryFailureIgnored(t *testing.T) {
	called := make(chan struct{}, 1)
	h := newHarness(t, func(c *Config) {
		c.Telemetry = telemetryFunc(func(context.Context, UsageRecord) error {
			called <- struct{}{}
			return errBoom
		})
	})
	h.connect(t)
	h.deliver(t, map[string]any{"type": "response.done", "response": map[string]any{"id": "r"}})
	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("telemetry not called")
	}
	if h.conv.State() != StateStreaming {
		t.Errorf("state = %s", h.conv.State())
	}
}

func TestConversation_AudioChunks(t *testing.T) {
	h := newHarness(t, nil)
	tr := h.connect(t)

	h.capture.push([]int16{1, -1, 2, -2})
	ev, ok := tr.find(EventAudioAppend)
	if !ok {
		t.Fatal("append not sent")
	}
	var payload struct {
		Audio string `json:"audio"`
	}
	json.Unmarshal(ev.Raw, &payload)
	if payload.Audio != "AQD//wIA/v8=" {
		t.Errorf("audio = %q", payload.Audio)
	}

	h.capture.push(nil)
	if tr.count(EventAudioAppend) != 1 {
		t.Error("empty chunk sent")
	}
}

func TestConversation_PauseResume(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	if err := h.conv.PauseCapture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.conv.State() != StateConnected {
		t.Errorf("state = %s, want connected", h.conv.State())
	}
	if h.conv.monitor.running() {
		t.Error("monitor running while connected and silent")
	}

	h.playback.started()
	if !h.conv.IsSpeaking() || !h.conv.monitor.running() {
		t.Error("monitor must run while the assistant speaks")
	}

	if err := h.conv.ResumeCapture(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h.conv.State() != StateStreaming {
		t.Errorf("state = %s, want streaming", h.conv.State())
	}
	if h.capture.records != 2 {
		t.Errorf("records = %d, want 2", h.capture.records)
	}
	if err := h.conv.ResumeCapture(context.Background()); err != nil {
		t.Errorf("resume while streaming: %v", err)
	}

	h.conv.Disconnect(context.Background())
	if err := h.conv.PauseCapture(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("pause when idle: %v", err)
	}
}

func TestConversation_ConcurrentDisconnect(t *testing.T) {
	h := newHarness(t, nil)
	h.connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.conv.Disconnect(context.Background())
		}()
	}
	wg.Wait()
	if h.capture.endCount() != 1 {
		t.Errorf("capture ended %d times", h.capture.endCount())
	}
	if h.conv.State() != StateIdle {
		t.Errorf("state = %s", h.conv.State())
	}
}

type telemetryFunc func(context.Context, UsageRecord) error

func (f telemetryFunc) RecordUsage(ctx context.Context, r UsageRecord) error { return f(ctx, r) }
