package audio

import (
	"context"
	"math"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proBhavesh/simplydash/analyzer"
)

func sine(n int, freq float64, rate int, amp float64) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

// peakFrequency returns the centre frequency of the strongest band.
func peakFrequency(t *testing.T, res analyzer.Result) float64 {
	t.Helper()
	if len(res.Values) == 0 || len(res.Values) != len(res.Frequencies) {
		t.Fatalf("malformed result: %d values, %d frequencies", len(res.Values), len(res.Frequencies))
	}
	best := 0
	for i, v := range res.Values {
		if v < 0 || v > 1 {
			t.Fatalf("value %d out of range: %v", i, v)
		}
		if v > res.Values[best] {
			best = i
		}
	}
	return res.Frequencies[best]
}

func TestPlayer_Frequencies(t *testing.T) {
	spk := &memorySpeaker{}
	if res := NewPlayer(spk, PlayerConfig{}).Frequencies(analyzer.ModeVoice); len(res.Values) != 0 {
		t.Errorf("disconnected player returned %d values", len(res.Values))
	}

	p := connectedPlayer(t, spk, PlayerConfig{})
	var ended atomic.Int32
	p.OnPlaybackEnded(func() { ended.Add(1) })
	rate := p.SampleRate()

	// 200ms of A4.
	if err := p.Add16BitPCM(sine(rate/5, 440, rate, 0.5), "t1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return ended.Load() == 1 })

	res := p.Frequencies(analyzer.ModeVoice)
	if f := peakFrequency(t, res); f < 400 || f > 480 {
		t.Errorf("peak at %.1f Hz, want A4", f)
	}
	again := p.Frequencies(analyzer.ModeVoice)
	if hits, misses := p.cache.Stats(); hits != 1 || misses != 1 {
		t.Errorf("cache hits=%d misses=%d, want the second read served from cache", hits, misses)
	}
	if !reflect.DeepEqual(res, again) {
		t.Error("cached result differs")
	}

	// Another 200ms moves the position into the next bucket.
	if err := p.Add16BitPCM(sine(rate/5, 440, rate, 0.5), "t1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool { return ended.Load() == 2 })
	p.Frequencies(analyzer.ModeVoice)
	if _, misses := p.cache.Stats(); misses != 2 {
		t.Errorf("misses = %d, want a recompute after 200ms of audio", misses)
	}
}

func TestRecorder_Frequencies(t *testing.T) {
	mic := newFeedMicrophone()
	r := NewRecorder(mic, RecorderConfig{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Begin(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.Record(ctx, func([]int16) {}, 2400); err != nil {
		t.Fatalf("record: %v", err)
	}
	rate := r.SampleRate()
	mic.feed <- sine(4800, 880, rate, 0.5)
	waitFor(t, 3*time.Second, func() bool { return r.Stats().Samples == 4800 })

	if f := peakFrequency(t, r.Frequencies(analyzer.ModeVoice)); f < 800 || f > 960 {
		t.Errorf("peak at %.1f Hz, want A5", f)
	}
	r.Frequencies(analyzer.ModeVoice)
	if hits, _ := r.cache.Stats(); hits != 1 {
		t.Errorf("cache hits = %d, want 1", hits)
	}

	if _, err := r.End(ctx); err != nil {
		t.Fatalf("end: %v", err)
	}
	if res := r.Frequencies(analyzer.ModeVoice); len(res.Values) != 0 {
		t.Errorf("ended recorder returned %d values", len(res.Values))
	}
}
