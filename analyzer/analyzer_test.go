package analyzer

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func checkUnit(t *testing.T, res Result) {
	t.Helper()
	for i, v := range res.Values {
		if math.IsNaN(v) || v < 0 || v > 1 {
			t.Fatalf("value %d = %v outside [0,1]", i, v)
		}
	}
	if len(res.Frequencies) != len(res.Values) || len(res.Labels) != len(res.Values) {
		t.Fatalf("mismatched lengths: %d values, %d freqs, %d labels", len(res.Values), len(res.Frequencies), len(res.Labels))
	}
}

func TestNoteBands(t *testing.T) {
	bands := NoteBands()
	if len(bands) != 96 {
		t.Fatalf("expected 96 note bands, got %d", len(bands))
	}
	var a4 *Band
	for i := range bands {
		if bands[i].Label == "A4" {
			a4 = &bands[i]
		}
		if i > 0 && bands[i].Frequency <= bands[i-1].Frequency {
			t.Fatalf("bands not ascending at %d", i)
		}
	}
	if a4 == nil || math.Abs(a4.Frequency-440) > 1e-9 {
		t.Fatalf("expected A4 at 440 Hz, got %+v", a4)
	}
	if bands[0].Label != "C1" || bands[len(bands)-1].Label != "B8" {
		t.Errorf("unexpected range %s..%s", bands[0].Label, bands[len(bands)-1].Label)
	}
}

func TestVoiceBands(t *testing.T) {
	bands := VoiceBands()
	if len(bands) != 72 {
		t.Fatalf("expected 72 voice bands, got %d", len(bands))
	}
	for _, b := range bands {
		if b.Frequency <= VoiceMin || b.Frequency >= VoiceMax {
			t.Errorf("band %s (%.1f Hz) outside voice range", b.Label, b.Frequency)
		}
	}
}

func TestNearestBand(t *testing.T) {
	bands := NoteBands()
	tests := []struct {
		freq float64
		want string
	}{
		{440, "A4"},
		{450, "A4"},
		{460, "A#4"},
		{32.70, "C1"},
	}
	for _, tt := range tests {
		i := nearestBand(bands, tt.freq)
		if i < 0 || bands[i].Label != tt.want {
			got := "none"
			if i >= 0 {
				got = bands[i].Label
			}
			t.Errorf("nearestBand(%v) = %s, want %s", tt.freq, got, tt.want)
		}
	}
	if nearestBand(bands, 5) != -1 {
		t.Error("5 Hz should fall outside every band")
	}
	if nearestBand(bands, 20000) != -1 {
		t.Error("20 kHz should fall outside every band")
	}
}

func TestAnalyze_Normalization(t *testing.T) {
	db := []float32{-100, -65, -30, -10, -200}
	res := Analyze(db, 48000, ModeRaw, Options{MinDecibels: -100, MaxDecibels: -30, RawBins: 5})
	want := []float64{0, 0.5, 1, 1, 0}
	for i, w := range want {
		if math.Abs(res.Values[i]-w) > 1e-9 {
			t.Errorf("value %d = %v, want %v", i, res.Values[i], w)
		}
	}
}

func TestAnalyze_NonFinite(t *testing.T) {
	db := []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), -65}
	res := Analyze(db, 48000, ModeRaw, Options{MinDecibels: -100, MaxDecibels: -30, RawBins: 4})
	checkUnit(t, res)
	for i := 0; i < 3; i++ {
		if res.Values[i] != 0 {
			t.Errorf("non-finite input %d should clamp to floor, got %v", i, res.Values[i])
		}
	}
}

func TestAnalyze_RawBlockAverage(t *testing.T) {
	db := make([]float32, 8)
	for i := range db {
		db[i] = -100
	}
	db[2], db[3] = -30, -30
	res := Analyze(db, 16000, ModeRaw, Options{MinDecibels: -100, MaxDecibels: -30, RawBins: 4})
	if len(res.Values) != 4 {
		t.Fatalf("expected 4 raw bins, got %d", len(res.Values))
	}
	if res.Values[1] != 1 || res.Values[0] != 0 {
		t.Errorf("unexpected block averages %v", res.Values)
	}
}

func TestAnalyze_BandAveraging(t *testing.T) {
	// 1024 bins at 48 kHz gives 23.4375 Hz per bin; bin 19 is ~445 Hz.
	db := make([]float32, 1024)
	for i := range db {
		db[i] = -100
	}
	db[19] = -30
	res := Analyze(db, 48000, ModeMusic, DefaultOptions())
	checkUnit(t, res)
	idx := -1
	for i, l := range res.Labels {
		if l == "A4" {
			idx = i
		}
	}
	if idx < 0 || res.Values[idx] != 1 {
		t.Fatalf("expected A4 band at full scale, got %v", res.Values[idx])
	}
	// Low bands receive no bins at this resolution and keep the floor.
	if res.Values[0] != 0 {
		t.Errorf("expected C1 at floor, got %v", res.Values[0])
	}
}

func TestAnalyze_VoiceMode(t *testing.T) {
	db := make([]float32, 1024)
	res := Analyze(db, 48000, ModeVoice, DefaultOptions())
	if len(res.Values) != len(VoiceBands()) {
		t.Fatalf("expected %d voice values, got %d", len(VoiceBands()), len(res.Values))
	}
	checkUnit(t, res)
}

func TestAnalyze_Empty(t *testing.T) {
	for _, mode := range []Mode{ModeRaw, ModeMusic, ModeVoice} {
		res := Analyze(nil, 48000, mode, DefaultOptions())
		checkUnit(t, res)
	}
}

func TestAnalyze_RandomizedRange(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	specials := []float32{float32(math.NaN()), float32(math.Inf(1)), float32(math.Inf(-1)), math.MaxFloat32, -math.MaxFloat32}
	for iter := 0; iter < 200; iter++ {
		db := make([]float32, 1+rng.Intn(2048))
		for i := range db {
			if rng.Intn(10) == 0 {
				db[i] = specials[rng.Intn(len(specials))]
			} else {
				db[i] = float32(rng.NormFloat64()*80 - 60)
			}
		}
		mode := []Mode{ModeRaw, ModeMusic, ModeVoice}[iter%3]
		checkUnit(t, Analyze(db, 24000, mode, DefaultOptions()))
	}
}

func FuzzAnalyze(f *testing.F) {
	f.Add(float32(-50), float32(0), uint8(0))
	f.Add(float32(math.NaN()), float32(math.Inf(1)), uint8(1))
	f.Add(float32(math.Inf(-1)), float32(-1e30), uint8(2))
	f.Fuzz(func(t *testing.T, a, b float32, m uint8) {
		db := make([]float32, 256)
		for i := range db {
			if i%2 == 0 {
				db[i] = a
			} else {
				db[i] = b
			}
		}
		mode := []Mode{ModeRaw, ModeMusic, ModeVoice}[int(m)%3]
		checkUnit(t, Analyze(db, 24000, mode, DefaultOptions()))
	})
}

func TestTap_SinePeak(t *testing.T) {
	const rate = 48000.0
	tap := NewTap(2048, rate)
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*1000*float64(i)/rate))
	}
	tap.Write(samples)

	data := tap.FrequencyData()
	if len(data) != 1024 {
		t.Fatalf("expected 1024 bins, got %d", len(data))
	}
	peak := 0
	for i := range data {
		if data[i] > data[peak] {
			peak = i
		}
	}
	binWidth := rate / 2048
	if got := float64(peak) * binWidth; math.Abs(got-1000) > binWidth {
		t.Errorf("expected peak near 1000 Hz, got %.1f Hz (bin %d)", got, peak)
	}

	checkUnit(t, tap.Analyze(ModeMusic, DefaultOptions()))
}

func TestTap_SilenceIsFloor(t *testing.T) {
	tap := NewTap(100, 24000)
	if tap.Size() != 128 {
		t.Errorf("expected size rounded to 128, got %d", tap.Size())
	}
	res := tap.Analyze(ModeRaw, DefaultOptions())
	for _, v := range res.Values {
		if v != 0 {
			t.Fatalf("silence should analyze to 0, got %v", v)
		}
	}
	tap.Reset()
}

func TestCache_ThrottleAndFIFO(t *testing.T) {
	c := NewCache(3, 200*time.Millisecond)
	calls := 0
	compute := func() Result { calls++; return Result{Values: []float64{float64(calls)}} }

	c.Get(ModeMusic, 0, compute)
	c.Get(ModeMusic, 150*time.Millisecond, compute)
	if calls != 1 {
		t.Fatalf("expected one computation within a 200ms window, got %d", calls)
	}
	c.Get(ModeVoice, 150*time.Millisecond, compute)
	c.Get(ModeMusic, 250*time.Millisecond, compute)
	if calls != 3 {
		t.Fatalf("expected 3 computations, got %d", calls)
	}

	c.Get(ModeMusic, 450*time.Millisecond, compute)
	if c.Len() != 3 {
		t.Fatalf("expected cache bounded at 3, got %d", c.Len())
	}
	// oldest entry (music, bucket 0) was evicted
	c.Get(ModeMusic, 0, compute)
	if calls != 5 {
		t.Errorf("expected recompute of evicted entry, got %d calls", calls)
	}
	hits, misses := c.Stats()
	if hits != 1 || misses != 5 {
		t.Errorf("unexpected stats hits=%d misses=%d", hits, misses)
	}
	c.Clear()
	if c.Len() != 0 {
		t.Error("expected empty cache after Clear")
	}
}

func TestCache_Defaults(t *testing.T) {
	c := NewCache(0, 0)
	if c.max != DefaultCacheSize || c.throttle != DefaultThrottle {
		t.Errorf("unexpected defaults max=%d throttle=%v", c.max, c.throttle)
	}
}
