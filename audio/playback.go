package audio

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/proBhavesh/simplydash/analyzer"
	"github.com/proBhavesh/simplydash/clock"
	"github.com/proBhavesh/simplydash/logging"
	"github.com/proBhavesh/simplydash/retry"
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	// SampleRate of played audio. Default 24000.
	SampleRate int

	// Quantum is the frames per render callback. Default 128.
	Quantum int

	// Paced drives rendering from a ticker instead of speaker back-pressure.
	Paced bool

	// MaxQueuedBytes caps the float sample bytes waiting to play. Default 4 MiB.
	MaxQueuedBytes int

	// MaxQueuedBlocks caps the number of waiting blocks. On overflow the
	// queue is evicted down to half this value. Default 10.
	MaxQueuedBlocks int

	// AckTimeout bounds the wait for audio-thread receipts. Default 5s.
	AckTimeout time.Duration

	// FlushTimeout force-resolves Flush when the audio thread is slow. Default 5s.
	FlushTimeout time.Duration

	// Reset is the reconnect policy used by Reset. Default 3 retries,
	// exponential from 1s, capped at 5s.
	Reset retry.Config

	// ReplayBlocks is how many recent blocks are replayed after the page
	// becomes visible again. Default 3.
	ReplayBlocks int

	// ReplayDelay separates replayed blocks. Default 50ms.
	ReplayDelay time.Duration

	// FFTSize of the analysis tap. Default 2048.
	FFTSize int

	Clock  clock.Clock
	Logger *logging.Logger
}

// DefaultPlayerConfig returns the configuration used by Conversation.
func DefaultPlayerConfig() PlayerConfig {
	return PlayerConfig{
		SampleRate:      DefaultSampleRate,
		Quantum:         DefaultQuantum,
		MaxQueuedBytes:  4 << 20,
		MaxQueuedBlocks: 10,
		AckTimeout:      DefaultAckTimeout,
		FlushTimeout:    5 * time.Second,
		Reset:           retry.Default(),
		ReplayBlocks:    3,
		ReplayDelay:     50 * time.Millisecond,
		FFTSize:         analyzer.DefaultFFTSize,
	}
}

func (c *PlayerConfig) fill() {
	d := DefaultPlayerConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Quantum <= 0 {
		c.Quantum = d.Quantum
	}
	if c.MaxQueuedBytes <= 0 {
		c.MaxQueuedBytes = d.MaxQueuedBytes
	}
	if c.MaxQueuedBlocks <= 0 {
		c.MaxQueuedBlocks = d.MaxQueuedBlocks
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = d.FlushTimeout
	}
	if c.Reset.MaxRetries == 0 && c.Reset.BaseDelay == 0 {
		c.Reset = d.Reset
	}
	if c.ReplayBlocks < 0 {
		c.ReplayBlocks = 0
	} else if c.ReplayBlocks == 0 {
		c.ReplayBlocks = d.ReplayBlocks
	}
	if c.ReplayDelay <= 0 {
		c.ReplayDelay = d.ReplayDelay
	}
	if c.FFTSize <= 0 {
		c.FFTSize = d.FFTSize
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Reset.Clock == nil {
		c.Reset.Clock = c.Clock
	}
}

// TrackOffset records how many samples of a track have been scheduled or played.
type TrackOffset struct {
	TrackID     string
	Offset      int64
	CurrentTime time.Time
}

// PlayerStats reports queue occupancy and block counters.
type PlayerStats struct {
	QueuedBytes        int
	QueuedBlocks       int
	PlaybackOffset     int64
	Forwarded          int64
	Played             int64
	Evicted            int64
	DroppedInterrupted int64
	DroppedOversize    int64
	Replayed           int64
	Resets             int64
}

type playOp int

const (
	opPlayInit playOp = iota + 1
	opPlayEnqueue
	opPlayEvict
	opPlayEvictTrack
	opPlayFlush
	opPlayOffset
)

func (o playOp) String() string {
	switch o {
	case opPlayInit:
		return "init"
	case opPlayEnqueue:
		return "enqueue"
	case opPlayEvict:
		return "evict"
	case opPlayEvictTrack:
		return "evict_track"
	case opPlayFlush:
		return "flush"
	case opPlayOffset:
		return "offset"
	default:
		return "unknown"
	}
}

type playCommand struct {
	id      uint64
	op      playOp
	block   uint64
	track   string
	samples []float32
	blocks  []uint64
}

type playEventKind int

const (
	playReceipt playEventKind = iota + 1
	playStarted
	playBlockDone
	playDrained
	playFault
)

type playEvent struct {
	kind   playEventKind
	id     uint64
	block  uint64
	offset TrackOffset
	err    error
}

type activeBlock struct {
	id      uint64
	track   string
	samples []float32
	pos     int
}

// playbackProcessor runs on the playback audio thread. It owns the blocks
// being played and counts the samples of each track reaching the speaker.
type playbackProcessor struct {
	tap     *analyzer.Tap
	queue   []*activeBlock
	played  map[string]int64
	current string
	playing bool
}

func (p *playbackProcessor) Handle(cmd playCommand, emit func(playEvent)) {
	switch cmd.op {
	case opPlayEnqueue:
		p.queue = append(p.queue, &activeBlock{id: cmd.block, track: cmd.track, samples: cmd.samples})
		return
	case opPlayEvict:
		drop := make(map[uint64]bool, len(cmd.blocks))
		for _, id := range cmd.blocks {
			drop[id] = true
		}
		p.filter(func(b *activeBlock) bool { return !drop[b.id] })
		return
	case opPlayEvictTrack:
		p.filter(func(b *activeBlock) bool { return b.track != cmd.track })
		return
	case opPlayFlush:
		p.queue = nil
		if p.playing {
			p.playing = false
			emit(playEvent{kind: playDrained})
		}
	case opPlayOffset:
		track := cmd.track
		if track == "" {
			track = p.current
		}
		emit(playEvent{kind: playReceipt, id: cmd.id, offset: TrackOffset{TrackID: track, Offset: p.played[track]}})
		return
	}
	emit(playEvent{kind: playReceipt, id: cmd.id})
}

func (p *playbackProcessor) filter(keep func(*activeBlock) bool) {
	kept := p.queue[:0]
	for _, b := range p.queue {
		if keep(b) {
			kept = append(kept, b)
		}
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = kept
}

func (p *playbackProcessor) Process(_, out []float32, emit func(playEvent)) bool {
	n := 0
	for n < len(out) && len(p.queue) > 0 {
		b := p.queue[0]
		k := copy(out[n:], b.samples[b.pos:])
		b.pos += k
		n += k
		p.played[b.track] += int64(k)
		p.current = b.track
		if b.pos >= len(b.samples) {
			p.queue[0] = nil
			p.queue = p.queue[1:]
			emit(playEvent{kind: playBlockDone, block: b.id})
		}
	}
	if n > 0 {
		if !p.playing {
			p.playing = true
			emit(playEvent{kind: playStarted})
		}
		p.tap.Write(out)
	}
	if len(p.queue) == 0 && p.playing {
		p.playing = false
		emit(playEvent{kind: playDrained})
	}
	return n > 0
}

func (p *playbackProcessor) Fault(err error, emit func(playEvent)) {
	emit(playEvent{kind: playFault, err: err})
}

type queuedBlock struct {
	id    uint64
	track string
	bytes int
}

type recentBlock struct {
	track   string
	samples []float32
}

// Player plays PCM16 blocks on a dedicated audio thread with a bounded
// queue. Blocks for interrupted tracks are counted but never played.
type Player struct {
	spk Speaker
	cfg PlayerConfig
	log *logging.Logger

	resetMu sync.Mutex
	postMu  sync.Mutex

	mu             sync.Mutex
	connected      bool
	actx           *Context[playCommand, playEvent]
	receipts       *receipts
	tap            *analyzer.Tap
	loopDone       chan struct{}
	queue          []queuedBlock
	queuedBytes    int
	nextBlock      uint64
	playbackOffset int64
	trackOffsets   map[string]TrackOffset
	interrupted    map[string]struct{}
	recent         []recentBlock
	playing        bool
	stats          PlayerStats

	cache *analyzer.Cache

	handlerMu sync.RWMutex
	onStarted func()
	onEnded   func()
}

// NewPlayer creates a player for spk. Call Connect before adding audio.
func NewPlayer(spk Speaker, cfg PlayerConfig) *Player {
	cfg.fill()
	return &Player{
		spk:          spk,
		cfg:          cfg,
		log:          cfg.Logger,
		trackOffsets: make(map[string]TrackOffset),
		interrupted:  make(map[string]struct{}),
		cache:        analyzer.NewCache(analyzer.DefaultCacheSize, analyzer.DefaultThrottle),
	}
}

// OnPlaybackStarted registers fn to run when audio first reaches the speaker
// after the queue was empty.
func (p *Player) OnPlaybackStarted(fn func()) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onStarted = fn
}

// OnPlaybackEnded registers fn to run when the queue drains to empty.
func (p *Player) OnPlaybackEnded(fn func()) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onEnded = fn
}

// SampleRate returns the playback rate.
func (p *Player) SampleRate() int { return p.cfg.SampleRate }

// Connected reports whether the playback context is open.
func (p *Player) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// IsPlaying reports whether audio is currently reaching the speaker.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Stats returns a snapshot of queue occupancy and counters.
func (p *Player) Stats() PlayerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.QueuedBytes = p.queuedBytes
	s.QueuedBlocks = len(p.queue)
	s.PlaybackOffset = p.playbackOffset
	return s
}

// Connect opens the speaker and the playback audio thread.
func (p *Player) Connect(ctx context.Context) error {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()
	return p.connect(ctx)
}

func (p *Player) connect(ctx context.Context) error {
	p.mu.Lock()
	if p.connected {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.spk == nil {
		return &InitError{Stage: StageDevice, Cause: errors.New("no speaker configured")}
	}
	stream, err := p.spk.Open(ctx, p.cfg.SampleRate)
	if err != nil {
		return &InitError{Stage: StageDevice, Cause: err}
	}
	tap := analyzer.NewTap(p.cfg.FFTSize, float64(p.cfg.SampleRate))
	proc := &playbackProcessor{tap: tap, played: make(map[string]int64)}
	actx, err := NewContext[playCommand, playEvent](ContextOptions{
		SampleRate: p.cfg.SampleRate,
		Quantum:    p.cfg.Quantum,
		Output:     stream,
		Paced:      p.cfg.Paced,
	}, proc)
	if err != nil {
		_ = stream.Close()
		return &InitError{Stage: StageContext, Cause: err}
	}

	rec := newReceipts(p.cfg.AckTimeout, p.cfg.Clock)
	done := make(chan struct{})
	go p.loop(actx, rec, done)

	id, ch := rec.register(opPlayInit.String())
	if err := actx.Post(ctx, playCommand{id: id, op: opPlayInit}); err != nil {
		rec.cancel(id)
		_ = actx.Close()
		<-done
		return &InitError{Stage: StageModule, Cause: err}
	}
	if _, err := rec.wait(ctx, id, ch); err != nil {
		_ = actx.Close()
		<-done
		return &InitError{Stage: StageModule, Cause: err}
	}

	p.mu.Lock()
	p.actx, p.receipts, p.tap, p.loopDone = actx, rec, tap, done
	p.connected = true
	p.mu.Unlock()
	p.log.Debug("playback_connected", map[string]any{"sample_rate": p.cfg.SampleRate})
	return nil
}

// Disconnect closes the playback thread and the speaker. Queue, offsets and
// the interrupted set are cleared. It is safe to call more than once.
func (p *Player) Disconnect() error {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()
	return p.disconnect()
}

func (p *Player) disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	actx, done := p.actx, p.loopDone
	p.connected = false
	p.mu.Unlock()

	err := actx.Close()
	<-done

	p.mu.Lock()
	p.actx, p.receipts, p.tap, p.loopDone = nil, nil, nil, nil
	p.queue, p.queuedBytes, p.recent = nil, 0, nil
	p.playbackOffset = 0
	p.trackOffsets = make(map[string]TrackOffset)
	p.interrupted = make(map[string]struct{})
	wasPlaying := p.playing
	p.playing = false
	p.mu.Unlock()
	p.cache.Clear()
	if wasPlaying {
		p.fireEnded()
	}
	return err
}

// Reset disconnects and reconnects the playback thread, retrying with
// exponential backoff. It is used after unrecoverable processing errors.
func (p *Player) Reset(ctx context.Context) error {
	p.resetMu.Lock()
	defer p.resetMu.Unlock()

	if err := p.disconnect(); err != nil {
		p.log.Warn("playback_reset_close_failed", map[string]any{"err": err})
	}
	err := retry.Do(ctx, p.cfg.Reset, func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			p.log.Warn("playback_reset_retry", map[string]any{"attempt": attempt})
		}
		return p.connect(ctx)
	})
	p.mu.Lock()
	p.stats.Resets++
	p.mu.Unlock()
	if err != nil {
		p.log.Error("playback_reset_failed", map[string]any{"err": err})
		return err
	}
	p.log.Info("playback_reset", nil)
	return nil
}

// Add16BitPCM schedules one block of PCM16 samples for trackID. The
// playback offset and the track's offset always advance. Blocks for an
// interrupted track are not forwarded to the speaker. Older blocks are
// evicted to keep the queue within its byte and depth ceilings.
func (p *Player) Add16BitPCM(pcm []int16, trackID string) error {
	if len(pcm) == 0 {
		return nil
	}
	return p.admit(trackID, Int16ToFloat32(pcm), true)
}

func (p *Player) admit(trackID string, samples []float32, advance bool) error {
	size := len(samples) * 4

	p.postMu.Lock()
	defer p.postMu.Unlock()

	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return ErrNotConnected
	}
	if advance {
		p.playbackOffset += int64(len(samples))
		to := p.trackOffsets[trackID]
		to.TrackID = trackID
		to.Offset += int64(len(samples))
		to.CurrentTime = p.cfg.Clock.Now()
		p.trackOffsets[trackID] = to
	}
	if _, ok := p.interrupted[trackID]; ok {
		p.stats.DroppedInterrupted++
		p.mu.Unlock()
		return nil
	}
	if size > p.cfg.MaxQueuedBytes {
		p.stats.DroppedOversize++
		p.mu.Unlock()
		p.log.Debug("block_too_large", map[string]any{"bytes": size, "track_id": trackID})
		return nil
	}

	var evicted []uint64
	for p.queuedBytes+size > p.cfg.MaxQueuedBytes && len(p.queue) > 0 {
		evicted = append(evicted, p.popOldest())
	}
	if len(p.queue)+1 > p.cfg.MaxQueuedBlocks {
		target := max(p.cfg.MaxQueuedBlocks/2-1, 0)
		for len(p.queue) > target {
			evicted = append(evicted, p.popOldest())
		}
	}

	p.nextBlock++
	id := p.nextBlock
	p.queue = append(p.queue, queuedBlock{id: id, track: trackID, bytes: size})
	p.queuedBytes += size
	if advance {
		p.recent = append(p.recent, recentBlock{track: trackID, samples: samples})
		if over := len(p.recent) - p.cfg.ReplayBlocks; over > 0 {
			p.recent = append(p.recent[:0], p.recent[over:]...)
		}
	}
	p.stats.Forwarded++
	p.stats.Evicted += int64(len(evicted))
	queued, queuedBytes := len(p.queue), p.queuedBytes
	actx := p.actx
	p.mu.Unlock()

	ctx := context.Background()
	if len(evicted) > 0 {
		p.log.Debug("buffer_evicted", map[string]any{"evicted": len(evicted), "queued_blocks": queued, "queued_bytes": queuedBytes})
		if err := actx.Post(ctx, playCommand{op: opPlayEvict, blocks: evicted}); err != nil {
			return err
		}
	}
	return actx.Post(ctx, playCommand{op: opPlayEnqueue, block: id, track: trackID, samples: samples})
}

// popOldest removes the head of the mirror queue. p.mu must be held.
func (p *Player) popOldest() uint64 {
	b := p.queue[0]
	p.queue = p.queue[1:]
	p.queuedBytes -= b.bytes
	return b.id
}

// PlaybackOffset returns the total number of samples scheduled since connect.
func (p *Player) PlaybackOffset() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playbackOffset
}

// ScheduledOffset returns the samples scheduled so far for trackID.
func (p *Player) ScheduledOffset(trackID string) (TrackOffset, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	to, ok := p.trackOffsets[trackID]
	return to, ok
}

// TrackPlaybackOffset asks the audio thread how many samples of trackID have
// reached the speaker. An empty trackID selects the track playing last.
func (p *Player) TrackPlaybackOffset(ctx context.Context, trackID string) (TrackOffset, error) {
	actx, rec, err := p.handles()
	if err != nil {
		return TrackOffset{}, err
	}
	id, ch := rec.register(opPlayOffset.String())
	if err := actx.Post(ctx, playCommand{id: id, op: opPlayOffset, track: trackID}); err != nil {
		rec.cancel(id)
		return TrackOffset{}, err
	}
	rc, err := rec.wait(ctx, id, ch)
	if err != nil {
		return TrackOffset{}, err
	}
	to, _ := rc.Data.(TrackOffset)
	to.CurrentTime = p.cfg.Clock.Now()
	return to, nil
}

func (p *Player) handles() (*Context[playCommand, playEvent], *receipts, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.connected {
		return nil, nil, ErrNotConnected
	}
	return p.actx, p.receipts, nil
}

// Flush drops every queued block. It returns once the audio thread has
// cleared its queue, or after FlushTimeout if it does not answer.
func (p *Player) Flush(ctx context.Context) error {
	p.postMu.Lock()
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		p.postMu.Unlock()
		return ErrNotConnected
	}
	actx, rec := p.actx, p.receipts
	p.queue, p.queuedBytes, p.recent = nil, 0, nil
	p.mu.Unlock()

	id, ch := rec.register(opPlayFlush.String())
	err := actx.Post(ctx, playCommand{id: id, op: opPlayFlush})
	p.postMu.Unlock()
	if err != nil {
		rec.cancel(id)
		return fmt.Errorf("flush: %w", err)
	}

	if _, err := rec.waitFor(ctx, id, ch, p.cfg.FlushTimeout); err != nil {
		if errors.Is(err, ErrAckTimeout) {
			p.log.Warn("flush_force_resolved", map[string]any{"timeout_ms": p.cfg.FlushTimeout.Milliseconds()})
			return nil
		}
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// InterruptTrack marks trackID interrupted and drops its queued blocks.
// Later blocks for the track are accepted for bookkeeping only. The set is
// cleared by Reset and Disconnect.
func (p *Player) InterruptTrack(trackID string) {
	p.postMu.Lock()
	defer p.postMu.Unlock()

	p.mu.Lock()
	p.interrupted[trackID] = struct{}{}
	kept := p.queue[:0]
	for _, b := range p.queue {
		if b.track == trackID {
			p.queuedBytes -= b.bytes
			continue
		}
		kept = append(kept, b)
	}
	p.queue = kept
	actx, connected := p.actx, p.connected
	p.mu.Unlock()

	if connected {
		if err := actx.Post(context.Background(), playCommand{op: opPlayEvictTrack, track: trackID}); err != nil {
			p.log.Debug("evict_track_failed", map[string]any{"track_id": trackID, "err": err})
		}
	}
}

// IsInterrupted reports whether trackID has been marked interrupted.
func (p *Player) IsInterrupted(trackID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.interrupted[trackID]
	return ok
}

// SetVisible handles the host becoming hidden or visible. Hiding suspends
// the playback context. Showing resumes it and, if audio was playing,
// replays the most recent blocks spaced by ReplayDelay to cover the gap.
func (p *Player) SetVisible(ctx context.Context, visible bool) error {
	p.mu.Lock()
	actx, connected := p.actx, p.connected
	p.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	if !visible {
		p.log.Debug("playback_suspended", nil)
		return actx.Suspend()
	}
	if actx.State() == ContextSuspended {
		if err := actx.Resume(); err != nil {
			return err
		}
		p.log.Debug("playback_resumed", nil)
	}

	p.mu.Lock()
	wasPlaying := p.playing
	replay := make([]recentBlock, len(p.recent))
	copy(replay, p.recent)
	p.mu.Unlock()
	if !wasPlaying {
		return nil
	}

	for i, b := range replay {
		if i > 0 {
			if err := p.cfg.Clock.Sleep(ctx, p.cfg.ReplayDelay); err != nil {
				return err
			}
		}
		if err := p.admit(b.track, b.samples, false); err != nil {
			return err
		}
		p.mu.Lock()
		p.stats.Replayed++
		p.mu.Unlock()
	}
	return nil
}

// Frequencies analyzes the audio most recently sent to the speaker.
func (p *Player) Frequencies(mode analyzer.Mode) analyzer.Result {
	p.mu.Lock()
	tap := p.tap
	pos := Duration(int(p.playbackOffset), p.cfg.SampleRate)
	p.mu.Unlock()
	if tap == nil {
		return analyzer.Result{}
	}
	return p.cache.Get(mode, pos, func() analyzer.Result {
		return tap.Analyze(mode, analyzer.DefaultOptions())
	})
}

func (p *Player) loop(actx *Context[playCommand, playEvent], rec *receipts, done chan struct{}) {
	defer close(done)
	prune := time.NewTicker(p.cfg.AckTimeout)
	defer prune.Stop()

	for {
		select {
		case ev, ok := <-actx.Events():
			if !ok {
				rec.closeAll(ErrNotConnected)
				return
			}
			p.handle(rec, ev)
		case <-prune.C:
			if n := rec.prune(); n > 0 {
				p.log.Warn("playback_receipts_pruned", map[string]any{"count": n})
			}
		}
	}
}

func (p *Player) handle(rec *receipts, ev playEvent) {
	switch ev.kind {
	case playReceipt:
		var data any
		if ev.offset.TrackID != "" || ev.offset.Offset != 0 {
			data = ev.offset
		}
		rec.resolve(ev.id, data, nil)
	case playStarted:
		p.mu.Lock()
		p.playing = true
		p.mu.Unlock()
		p.handlerMu.RLock()
		fn := p.onStarted
		p.handlerMu.RUnlock()
		if fn != nil {
			fn()
		}
	case playBlockDone:
		p.mu.Lock()
		for i, b := range p.queue {
			if b.id == ev.block {
				p.queuedBytes -= b.bytes
				p.queue = append(p.queue[:i], p.queue[i+1:]...)
				break
			}
		}
		p.stats.Played++
		p.mu.Unlock()
	case playDrained:
		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()
		p.fireEnded()
	case playFault:
		p.log.Error("playback_fault", map[string]any{"err": ev.err})
		go func() {
			if err := p.Reset(context.Background()); err != nil {
				p.log.Error("playback_unrecoverable", map[string]any{"err": err})
			}
		}()
	}
}

func (p *Player) fireEnded() {
	p.handlerMu.RLock()
	fn := p.onEnded
	p.handlerMu.RUnlock()
	if fn != nil {
		fn()
	}
}
