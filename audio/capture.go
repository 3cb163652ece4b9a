package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/proBhavesh/simplydash/analyzer"
	"github.com/proBhavesh/simplydash/clock"
	"github.com/proBhavesh/simplydash/logging"
)

// RecorderState is the lifecycle state of a Recorder.
type RecorderState string

const (
	RecorderEnded     RecorderState = "ended"
	RecorderRecording RecorderState = "recording"
	RecorderPaused    RecorderState = "paused"
)

// RecorderConfig configures a Recorder.
type RecorderConfig struct {
	// SampleRate of captured audio. Default 24000.
	SampleRate int

	// Quantum is the frames per audio callback. Default 128.
	Quantum int

	// ChunkSize is the default number of samples per delivered chunk. Default 2400 (100ms at 24kHz).
	ChunkSize int

	// AckTimeout bounds the wait for audio-thread receipts. Default 5s.
	AckTimeout time.Duration

	// StallTimeout is the longest gap between chunk deliveries before the
	// audio thread is told to drop its buffer. Default 5s.
	StallTimeout time.Duration

	// MaxRecording bounds the audio kept for export; older samples are dropped. Default 5m.
	MaxRecording time.Duration

	// FFTSize of the analysis tap. Default 2048.
	FFTSize int

	Clock  clock.Clock
	Logger *logging.Logger
}

// DefaultRecorderConfig returns the configuration used by Conversation.
func DefaultRecorderConfig() RecorderConfig {
	return RecorderConfig{
		SampleRate:   DefaultSampleRate,
		Quantum:      DefaultQuantum,
		ChunkSize:    2400,
		AckTimeout:   DefaultAckTimeout,
		StallTimeout: 5 * time.Second,
		MaxRecording: 5 * time.Minute,
		FFTSize:      analyzer.DefaultFFTSize,
	}
}

func (c *RecorderConfig) fill() {
	d := DefaultRecorderConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Quantum <= 0 {
		c.Quantum = d.Quantum
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = d.StallTimeout
	}
	if c.MaxRecording <= 0 {
		c.MaxRecording = d.MaxRecording
	}
	if c.FFTSize <= 0 {
		c.FFTSize = d.FFTSize
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

// Recording is the audio captured between Begin and End.
type Recording struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the playing time of the recording.
func (r *Recording) Duration() time.Duration { return Duration(len(r.Samples), r.SampleRate) }

// WAV encodes the recording as a WAV file.
func (r *Recording) WAV() ([]byte, error) { return EncodeWAV(r.Samples, r.SampleRate) }

// RecorderStats reports capture counters.
type RecorderStats struct {
	Chunks      int64
	Samples     int64
	StallClears int64
}

type captureOp int

const (
	opCaptureInit captureOp = iota + 1
	opCaptureStart
	opCaptureStop
	opCaptureClear
	opCaptureExport
)

func (o captureOp) String() string {
	switch o {
	case opCaptureInit:
		return "init"
	case opCaptureStart:
		return "start"
	case opCaptureStop:
		return "stop"
	case opCaptureClear:
		return "clear"
	case opCaptureExport:
		return "export"
	default:
		return "unknown"
	}
}

type captureCommand struct {
	id        uint64
	op        captureOp
	chunkSize int
}

type captureEventKind int

const (
	captureReceipt captureEventKind = iota + 1
	captureChunk
	captureFault
)

type captureEvent struct {
	kind    captureEventKind
	id      uint64
	samples []int16
	err     error
}

// captureProcessor runs on the capture audio thread.
type captureProcessor struct {
	tap       *analyzer.Tap
	recording bool
	chunkSize int
	chunk     []int16
	history   *sampleRing
	pcm       []int16
}

func (p *captureProcessor) Handle(cmd captureCommand, emit func(captureEvent)) {
	var data []int16
	switch cmd.op {
	case opCaptureStart:
		p.chunkSize = cmd.chunkSize
		p.recording = true
	case opCaptureStop:
		if len(p.chunk) > 0 {
			emit(captureEvent{kind: captureChunk, samples: p.chunk})
			p.chunk = nil
		}
		p.recording = false
	case opCaptureClear:
		p.chunk = nil
		p.history.reset()
	case opCaptureExport:
		data = p.history.snapshot()
	}
	emit(captureEvent{kind: captureReceipt, id: cmd.id, samples: data})
}

func (p *captureProcessor) Process(in, _ []float32, emit func(captureEvent)) bool {
	p.tap.Write(in)
	if !p.recording || len(in) == 0 {
		return false
	}
	p.pcm = Float32ToInt16(p.pcm, in)
	p.history.write(p.pcm)
	p.chunk = append(p.chunk, p.pcm...)
	for p.chunkSize > 0 && len(p.chunk) >= p.chunkSize {
		out := make([]int16, p.chunkSize)
		copy(out, p.chunk)
		emit(captureEvent{kind: captureChunk, samples: out})
		p.chunk = append(p.chunk[:0], p.chunk[p.chunkSize:]...)
	}
	return true
}

func (p *captureProcessor) Fault(err error, emit func(captureEvent)) {
	emit(captureEvent{kind: captureFault, err: err})
}

// Recorder captures microphone audio on a dedicated audio thread and
// delivers fixed-size PCM16 chunks.
//
// State moves ended -> paused on Begin, paused <-> recording through Record
// and Pause, and back to ended on End.
type Recorder struct {
	mic Microphone
	cfg RecorderConfig
	log *logging.Logger

	mu        sync.Mutex
	state     RecorderState
	actx      *Context[captureCommand, captureEvent]
	receipts  *receipts
	tap       *analyzer.Tap
	cache     *analyzer.Cache
	loopDone  chan struct{}
	onChunk   func([]int16)
	lastChunk time.Time
	stats     RecorderStats
	sourceErr error
}

// NewRecorder creates a recorder for mic. Call Begin to acquire the device.
func NewRecorder(mic Microphone, cfg RecorderConfig) *Recorder {
	cfg.fill()
	return &Recorder{
		mic:   mic,
		cfg:   cfg,
		log:   cfg.Logger,
		state: RecorderEnded,
		cache: analyzer.NewCache(analyzer.DefaultCacheSize, analyzer.DefaultThrottle),
	}
}

// State returns the current lifecycle state.
func (r *Recorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Stats returns capture counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// SampleRate returns the capture rate.
func (r *Recorder) SampleRate() int { return r.cfg.SampleRate }

// Begin acquires the microphone, starts the capture audio thread and
// installs the processing unit. On failure the recorder stays ended and the
// error is an *InitError naming the failed stage.
func (r *Recorder) Begin(ctx context.Context) error {
	r.mu.Lock()
	if r.state != RecorderEnded {
		r.mu.Unlock()
		return fmt.Errorf("%w: recorder already started", ErrInvalidState)
	}
	r.mu.Unlock()

	if r.mic == nil {
		return &InitError{Stage: StageDevice, Cause: errors.New("no microphone configured")}
	}
	stream, err := r.mic.Open(ctx, r.cfg.SampleRate)
	if err != nil {
		r.log.Error("capture_device_failed", map[string]any{"err": err})
		return &InitError{Stage: StageDevice, Cause: err}
	}

	tap := analyzer.NewTap(r.cfg.FFTSize, float64(r.cfg.SampleRate))
	proc := &captureProcessor{
		tap:     tap,
		history: newSampleRing(int(r.cfg.MaxRecording.Seconds() * float64(r.cfg.SampleRate))),
	}
	actx, err := NewContext[captureCommand, captureEvent](ContextOptions{
		SampleRate: r.cfg.SampleRate,
		Quantum:    r.cfg.Quantum,
		Input:      stream,
	}, proc)
	if err != nil {
		_ = stream.Close()
		return &InitError{Stage: StageContext, Cause: err}
	}

	rec := newReceipts(r.cfg.AckTimeout, r.cfg.Clock)
	done := make(chan struct{})
	r.mu.Lock()
	r.actx, r.receipts, r.tap, r.loopDone = actx, rec, tap, done
	r.stats = RecorderStats{}
	r.sourceErr = nil
	r.mu.Unlock()
	go r.loop(actx, rec, done)

	if _, err := r.command(ctx, opCaptureInit, 0); err != nil {
		r.teardown()
		return &InitError{Stage: StageModule, Cause: err}
	}

	r.mu.Lock()
	r.state = RecorderPaused
	r.mu.Unlock()
	r.log.Debug("capture_ready", map[string]any{"sample_rate": r.cfg.SampleRate})
	return nil
}

// Record starts delivering chunks of chunkSize samples to onChunk. onChunk
// runs on the recorder's event goroutine and must not call back into the
// Recorder. A chunkSize of zero selects the configured default.
func (r *Recorder) Record(ctx context.Context, onChunk func([]int16), chunkSize int) error {
	if chunkSize <= 0 {
		chunkSize = r.cfg.ChunkSize
	}
	r.mu.Lock()
	switch r.state {
	case RecorderEnded:
		r.mu.Unlock()
		return ErrNotConnected
	case RecorderRecording:
		r.mu.Unlock()
		return fmt.Errorf("%w: already recording", ErrInvalidState)
	}
	r.onChunk = onChunk
	r.lastChunk = r.cfg.Clock.Now()
	r.mu.Unlock()

	if _, err := r.command(ctx, opCaptureStart, chunkSize); err != nil {
		return err
	}
	r.mu.Lock()
	r.state = RecorderRecording
	r.mu.Unlock()
	return nil
}

// Pause stops chunk delivery. Any partially filled chunk is delivered to
// onChunk before Pause returns.
func (r *Recorder) Pause(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case RecorderEnded:
		r.mu.Unlock()
		return ErrNotConnected
	case RecorderPaused:
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if _, err := r.command(ctx, opCaptureStop, 0); err != nil {
		return err
	}
	r.mu.Lock()
	r.state = RecorderPaused
	r.mu.Unlock()
	return nil
}

// End pauses if needed, exports the buffered recording, then releases the
// device and the audio thread. Calling End on an ended recorder returns nil, nil.
func (r *Recorder) End(ctx context.Context) (*Recording, error) {
	r.mu.Lock()
	state := r.state
	r.mu.Unlock()
	if state == RecorderEnded {
		return nil, nil
	}

	var errs []error
	if state == RecorderRecording {
		if err := r.Pause(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pause: %w", err))
		}
	}

	recording := &Recording{SampleRate: r.cfg.SampleRate}
	rc, err := r.command(ctx, opCaptureExport, 0)
	if err != nil {
		errs = append(errs, fmt.Errorf("export: %w", err))
	} else if samples, ok := rc.Data.([]int16); ok {
		recording.Samples = samples
	}

	if err := r.teardown(); err != nil {
		errs = append(errs, err)
	}
	r.log.Debug("capture_ended", map[string]any{"samples": len(recording.Samples)})
	return recording, errors.Join(errs...)
}

// teardown stops the device, closes the audio thread and drops every reference.
func (r *Recorder) teardown() error {
	r.mu.Lock()
	actx, done := r.actx, r.loopDone
	r.mu.Unlock()

	var errs []error
	if actx != nil {
		if err := actx.StopInput(); err != nil {
			errs = append(errs, fmt.Errorf("stop input: %w", err))
		}
		if err := actx.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if done != nil {
		<-done
	}

	r.mu.Lock()
	r.actx, r.receipts, r.tap, r.loopDone, r.onChunk = nil, nil, nil, nil, nil
	r.state = RecorderEnded
	r.mu.Unlock()
	r.cache.Clear()
	return errors.Join(errs...)
}

func (r *Recorder) command(ctx context.Context, op captureOp, chunkSize int) (Receipt, error) {
	r.mu.Lock()
	actx, rec := r.actx, r.receipts
	r.mu.Unlock()
	if actx == nil {
		return Receipt{}, ErrNotConnected
	}
	id, ch := rec.register(op.String())
	if err := actx.Post(ctx, captureCommand{id: id, op: op, chunkSize: chunkSize}); err != nil {
		rec.cancel(id)
		return Receipt{}, err
	}
	return rec.wait(ctx, id, ch)
}

func (r *Recorder) loop(actx *Context[captureCommand, captureEvent], rec *receipts, done chan struct{}) {
	defer close(done)
	prune := time.NewTicker(r.cfg.AckTimeout)
	defer prune.Stop()
	stall := time.NewTicker(stallCheckInterval(r.cfg.StallTimeout))
	defer stall.Stop()

	for {
		select {
		case ev, ok := <-actx.Events():
			if !ok {
				rec.closeAll(ErrNotConnected)
				return
			}
			r.handle(rec, ev)
		case <-prune.C:
			if n := rec.prune(); n > 0 {
				r.log.Warn("capture_receipts_pruned", map[string]any{"count": n})
			}
		case <-stall.C:
			r.checkStall(r.cfg.Clock.Now())
		}
	}
}

func stallCheckInterval(stall time.Duration) time.Duration {
	if d := stall / 5; d < time.Second {
		if d <= 0 {
			return time.Second
		}
		return d
	}
	return time.Second
}

func (r *Recorder) handle(rec *receipts, ev captureEvent) {
	switch ev.kind {
	case captureReceipt:
		if !rec.resolve(ev.id, ev.samples, nil) {
			r.log.Debug("capture_late_receipt", map[string]any{"id": ev.id})
		}
	case captureChunk:
		r.mu.Lock()
		fn := r.onChunk
		r.lastChunk = r.cfg.Clock.Now()
		r.stats.Chunks++
		r.stats.Samples += int64(len(ev.samples))
		r.mu.Unlock()
		if fn != nil {
			fn(ev.samples)
		}
	case captureFault:
		r.mu.Lock()
		r.sourceErr = ev.err
		r.mu.Unlock()
		if errors.Is(ev.err, io.EOF) || errors.Is(ev.err, ErrDeviceClosed) {
			r.log.Info("capture_source_ended", nil)
			return
		}
		r.log.Error("capture_source_failed", map[string]any{"err": ev.err})
	}
}

// checkStall tells the audio thread to drop its buffers when no chunk has
// been delivered for longer than StallTimeout while recording.
func (r *Recorder) checkStall(now time.Time) bool {
	r.mu.Lock()
	if r.state != RecorderRecording || r.actx == nil || now.Sub(r.lastChunk) <= r.cfg.StallTimeout {
		r.mu.Unlock()
		return false
	}
	idle := now.Sub(r.lastChunk)
	r.lastChunk = now
	r.stats.StallClears++
	actx, rec := r.actx, r.receipts
	r.mu.Unlock()

	r.log.Warn("capture_stall", map[string]any{"idle_ms": idle.Milliseconds()})
	id, _ := rec.register(opCaptureClear.String())
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.AckTimeout)
	defer cancel()
	if err := actx.Post(ctx, captureCommand{id: id, op: opCaptureClear}); err != nil {
		rec.cancel(id)
		r.log.Error("capture_clear_failed", map[string]any{"err": err})
	}
	return true
}

// SourceErr returns the last device error reported by the audio thread.
func (r *Recorder) SourceErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sourceErr
}

// Frequencies analyzes the most recent captured audio. Results are cached
// per 200ms of delivered audio.
func (r *Recorder) Frequencies(mode analyzer.Mode) analyzer.Result {
	r.mu.Lock()
	tap := r.tap
	pos := Duration(int(r.stats.Samples), r.cfg.SampleRate)
	r.mu.Unlock()
	if tap == nil {
		return analyzer.Result{}
	}
	return r.cache.Get(mode, pos, func() analyzer.Result {
		return tap.Analyze(mode, analyzer.DefaultOptions())
	})
}

// sampleRing keeps the newest max samples.
type sampleRing struct {
	max   int
	buf   []int16
	start int // oldest sample once buf is full
}

func newSampleRing(max int) *sampleRing {
	if max <= 0 {
		max = 1
	}
	return &sampleRing{max: max}
}

func (s *sampleRing) write(p []int16) {
	if len(p) >= s.max {
		s.buf = append(s.buf[:0], p[len(p)-s.max:]...)
		s.start = 0
		return
	}
	if room := s.max - len(s.buf); room > 0 {
		k := min(room, len(p))
		s.buf = append(s.buf, p[:k]...)
		p = p[k:]
	}
	for len(p) > 0 {
		k := copy(s.buf[s.start:], p)
		p = p[k:]
		s.start = (s.start + k) % s.max
	}
}

func (s *sampleRing) len() int { return len(s.buf) }

func (s *sampleRing) snapshot() []int16 {
	out := make([]int16, 0, len(s.buf))
	out = append(out, s.buf[s.start:]...)
	return append(out, s.buf[:s.start]...)
}

func (s *sampleRing) reset() {
	s.buf = s.buf[:0]
	s.start = 0
}
