package simplydash

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/proBhavesh/simplydash/analyzer"
	"github.com/proBhavesh/simplydash/audio"
	"github.com/proBhavesh/simplydash/clock"
)

type sentEvent struct {
	Type string
	Raw  []byte
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sentEvent
	failOn map[string]error
	closed bool
}

func (f *fakeTransport) Send(_ context.Context, v any) error {
	typ := eventType(v)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if err := f.failOn[typ]; err != nil {
		return err
	}
	raw, _ := json.Marshal(v)
	f.sent = append(f.sent, sentEvent{Type: typ, Raw: raw})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.Type
	}
	return out
}

func (f *fakeTransport) find(typ string) (sentEvent, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.sent {
		if e.Type == typ {
			return e, true
		}
	}
	return sentEvent{}, false
}

func (f *fakeTransport) count(typ string) int {
	n := 0
	for _, t := range f.types() {
		if t == typ {
			n++
		}
	}
	return n
}

// fakeDialer hands out fakeTransports and keeps the options of every dial
// so tests can drive OnMessage and OnClose like the read loop would.
type fakeDialer struct {
	mu         sync.Mutex
	fail       func(attempt int) error
	urls       []string
	opts       []ClientOptions
	transports []*fakeTransport
}

func (d *fakeDialer) dial(_ context.Context, rawURL string, opts ClientOptions) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	attempt := len(d.urls)
	d.urls = append(d.urls, rawURL)
	if d.fail != nil {
		if err := d.fail(attempt); err != nil {
			return nil, err
		}
	}
	t := &fakeTransport{}
	d.opts = append(d.opts, opts)
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) attempts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() (ClientOptions, *fakeTransport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return ClientOptions{}, nil
	}
	return d.opts[len(d.opts)-1], d.transports[len(d.transports)-1]
}

func (d *fakeDialer) connections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.transports)
}

type fakeCapture struct {
	mu       sync.Mutex
	beginErr error
	onChunk  func([]int16)
	begins   int
	records  int
	pauses   int
	ends     int
}

func (f *fakeCapture) Begin(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begins++
	return f.beginErr
}

func (f *fakeCapture) Record(_ context.Context, onChunk func([]int16), _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records++
	f.onChunk = onChunk
	return nil
}

func (f *fakeCapture) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	return nil
}

func (f *fakeCapture) End(context.Context) (*audio.Recording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	f.onChunk = nil
	return &audio.Recording{SampleRate: 24000}, nil
}

func (f *fakeCapture) push(pcm []int16) {
	f.mu.Lock()
	fn := f.onChunk
	f.mu.Unlock()
	if fn != nil {
		fn(pcm)
	}
}

func (f *fakeCapture) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

type fakePlayback struct {
	mu          sync.Mutex
	connectErr  error
	flushErr    error
	flushGate   chan struct{}
	offset      int64
	rate        int
	connects    int
	disconnects int
	flushes     int
	resets      int
	added       map[string]int
	interrupted []string
	onStarted   func()
	onEnded     func()
}

func newFakePlayback() *fakePlayback {
	return &fakePlayback{rate: 24000, added: make(map[string]int)}
}

func (f *fakePlayback) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return f.connectErr
}

func (f *fakePlayback) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakePlayback) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakePlayback) Add16BitPCM(pcm []int16, trackID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added[trackID] += len(pcm)
	return nil
}

func (f *fakePlayback) TrackPlaybackOffset(_ context.Context, trackID string) (audio.TrackOffset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return audio.TrackOffset{TrackID: trackID, Offset: f.offset, CurrentTime: time.Now()}, nil
}

func (f *fakePlayback) Flush(context.Context) error {
	f.mu.Lock()
	f.flushes++
	gate, err := f.flushGate, f.flushErr
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return err
}

func (f *fakePlayback) InterruptTrack(trackID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted = append(f.interrupted, trackID)
}

func (f *fakePlayback) IsInterrupted(trackID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.interrupted {
		if id == trackID {
			return true
		}
	}
	return false
}

func (f *fakePlayback) SampleRate() int { return f.rate }

func (f *fakePlayback) Frequencies(mode analyzer.Mode) analyzer.Result {
	return analyzer.Result{Values: []float64{1}, Frequencies: []float64{440}, Labels: []string{string(mode)}}
}

func (f *fakePlayback) OnPlaybackStarted(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onStarted = fn
}

func (f *fakePlayback) OnPlaybackEnded(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onEnded = fn
}

func (f *fakePlayback) started() {
	f.mu.Lock()
	fn := f.onStarted
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (f *fakePlayback) interruptedTracks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.interrupted...)
}

func (f *fakePlayback) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

func (f *fakePlayback) addedSamples(trackID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.added[trackID]
}

func (f *fakePlayback) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushes
}

type harness struct {
	conv     *Conversation
	dialer   *fakeDialer
	capture  *fakeCapture
	playback *fakePlayback
	clock    *clock.Fake
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		dialer:   &fakeDialer{},
		capture:  &fakeCapture{},
		playback: newFakePlayback(),
		clock:    clock.NewFake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)),
	}
	cfg := Config{
		RelayURL:       "ws://relay.test/",
		AssistantID:    "asst_1",
		Capture:        h.capture,
		Playback:       h.playback,
		Dial:           h.dialer.dial,
		Clock:          h.clock,
		MemoryInterval: time.Hour,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	conv, err := NewConversation(cfg)
	if err != nil {
		t.Fatalf("NewConversation: %v", err)
	}
	h.conv = conv
	t.Cleanup(func() { conv.Disconnect(context.Background()) })
	return h
}

func (h *harness) connect(t *testing.T) *fakeTransport {
	t.Helper()
	if err := h.conv.ConnectConversation(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	_, tr := h.dialer.last()
	return tr
}

// deliver feeds a server event to the newest connection.
func (h *harness) deliver(t *testing.T, v map[string]any) {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	opts, _ := h.dialer.last()
	opts.OnMessage(v["type"].(string), raw)
}

func audioDelta(responseID, itemID string, samples int) map[string]any {
	pcm := make([]int16, samples)
	for i := range pcm {
		pcm[i] = int16(i % 100)
	}
	return map[string]any{
		"type":        "response.audio.delta",
		"response_id": responseID,
		"item_id":     itemID,
		"delta":       base64.StdEncoding.EncodeToString(audio.PCM16ToBytes(pcm)),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

var errBoom = errors.New("boom")
