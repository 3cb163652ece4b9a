package simplydash

import (
	"context"
	"errors"
	"fmt"

	"github.com/proBhavesh/simplydash/audio"
)

// InterruptStep is a stage of the interruption pipeline. Every step runs
// even when an earlier one failed.
type InterruptStep string

const (
	StepCancelRequested InterruptStep = "cancel_requested"
	StepTruncating      InterruptStep = "truncating"
	StepFlushing        InterruptStep = "flushing"
	StepDone            InterruptStep = "done"
)

// StepError records the failure of one step.
type StepError struct {
	Step  InterruptStep
	Cause error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("simplydash: interrupt step %s: %v", e.Step, e.Cause)
}

func (e *StepError) Unwrap() error { return e.Cause }

// InterruptResult reports what one interruption did.
type InterruptResult struct {
	// Debounced is true when the request was ignored because it came too
	// soon after the previous one. No other field is set then.
	Debounced bool

	ResponseID string
	TrackID    string

	Cancelled bool
	// Truncated is true when a truncate instruction was sent at AudioEndMs.
	Truncated  bool
	AudioEndMs int64
	Flushed    bool
	// ResetFallback is true when flush failed and the player was reset instead.
	ResetFallback bool

	Errors []*StepError
}

// Err joins the step errors.
func (r InterruptResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// truncationPoint converts played samples to milliseconds. ok is false
// unless the point lies strictly between 0 and maxMs.
func truncationPoint(samples int64, sampleRate int, maxMs int64) (ms int64, ok bool) {
	if sampleRate <= 0 {
		return 0, false
	}
	ms = samples * 1000 / int64(sampleRate)
	return ms, ms > 0 && ms < maxMs
}

// interruption runs the steps in order against one snapshot of the active
// response and track.
type interruption struct {
	c          *Conversation
	transport  Transport
	playback   Playback
	responseID string
	trackID    string
	step       InterruptStep
	res        InterruptResult
}

func (in *interruption) fail(err error) {
	in.res.Errors = append(in.res.Errors, &StepError{Step: in.step, Cause: err})
	in.c.log.Warn("interrupt_step_failed", map[string]any{"step": string(in.step), "err": err})
}

func (in *interruption) run(ctx context.Context) InterruptResult {
	in.res.ResponseID, in.res.TrackID = in.responseID, in.trackID
	for _, step := range []InterruptStep{StepCancelRequested, StepTruncating, StepFlushing, StepDone} {
		in.step = step
		switch step {
		case StepCancelRequested:
			in.cancel(ctx)
		case StepTruncating:
			in.truncate(ctx)
		case StepFlushing:
			in.flush(ctx)
		case StepDone:
			in.done()
		}
	}
	return in.res
}

func (in *interruption) cancel(ctx context.Context) {
	if in.responseID == "" {
		return
	}
	if in.transport == nil {
		in.fail(ErrNotConnected)
		return
	}
	if err := in.c.send(ctx, in.transport, newCancelEvent()); err != nil {
		in.fail(err)
		return
	}
	in.res.Cancelled = true
	if err := in.c.clk.Sleep(ctx, in.c.cfg.CancelSettle); err != nil {
		in.fail(err)
	}
}

func (in *interruption) truncate(ctx context.Context) {
	if in.trackID == "" || in.playback == nil {
		return
	}
	off, err := in.playback.TrackPlaybackOffset(ctx, in.trackID)
	if err != nil {
		in.fail(err)
		return
	}
	ms, ok := truncationPoint(off.Offset, in.playback.SampleRate(), in.c.cfg.TruncateMaxMs)
	if !ok {
		in.c.log.Debug("truncate_skipped", map[string]any{"track_id": in.trackID, "audio_end_ms": ms})
		return
	}
	if in.transport == nil {
		in.fail(ErrNotConnected)
		return
	}
	if err := in.c.send(ctx, in.transport, newTruncateEvent(in.trackID, 0, ms)); err != nil {
		in.fail(err)
		return
	}
	in.res.Truncated = true
	in.res.AudioEndMs = ms
}

func (in *interruption) flush(ctx context.Context) {
	if in.playback == nil {
		return
	}
	err := in.playback.Flush(ctx)
	if err == nil {
		in.res.Flushed = true
		return
	}
	in.fail(err)
	// Never reset a player that was disconnected or whose caller gave up.
	if errors.Is(err, audio.ErrNotConnected) || ctx.Err() != nil {
		return
	}
	in.res.ResetFallback = true
	if err := in.playback.Reset(ctx); err != nil {
		in.fail(fmt.Errorf("reset after failed flush: %w", err))
	}
}

func (in *interruption) done() {
	if in.trackID != "" && in.playback != nil {
		in.playback.InterruptTrack(in.trackID)
		in.c.items.Update(in.trackID, func(it *ConversationItem) { it.Status = StatusInterrupted })
	}
	in.c.clearActive(in.responseID, in.trackID)
}
