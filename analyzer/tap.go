package analyzer

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const (
	DefaultFFTSize   = 2048
	DefaultSmoothing = 0.8
)

// Tap keeps the most recent FFT-size samples of a stream and computes
// smoothed decibel magnitudes from them. The audio thread writes and
// visualization reads concurrently; neither affects the audio path.
type Tap struct {
	mu         sync.Mutex
	size       int
	sampleRate float64
	smoothing  float64

	ring   []float64
	pos    int
	fft    *fourier.FFT
	frame  []float64
	coeffs []complex128
	smooth []float64
}

// NewTap creates a tap with the given FFT size (rounded up to a power of
// two, minimum 32) for a stream at sampleRate.
func NewTap(size int, sampleRate float64) *Tap {
	n := 32
	for n < size {
		n <<= 1
	}
	return &Tap{
		size:       n,
		sampleRate: sampleRate,
		smoothing:  DefaultSmoothing,
		ring:       make([]float64, n),
		fft:        fourier.NewFFT(n),
		frame:      make([]float64, n),
		coeffs:     make([]complex128, n/2+1),
		smooth:     make([]float64, n/2),
	}
}

// SampleRate returns the rate of the tapped stream.
func (t *Tap) SampleRate() float64 { return t.sampleRate }

// Size returns the FFT size.
func (t *Tap) Size() int { return t.size }

// Write appends normalized samples to the analysis window.
func (t *Tap) Write(samples []float32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range samples {
		t.ring[t.pos] = float64(s)
		t.pos = (t.pos + 1) % t.size
	}
}

// Reset clears the window and smoothing history.
func (t *Tap) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.ring {
		t.ring[i] = 0
	}
	for i := range t.smooth {
		t.smooth[i] = 0
	}
	t.pos = 0
}

// FrequencyData returns size/2 decibel magnitudes. Silent bins are -Inf.
func (t *Tap) FrequencyData() []float32 {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := copy(t.frame, t.ring[t.pos:])
	copy(t.frame[n:], t.ring[:t.pos])
	window.Blackman(t.frame)
	t.coeffs = t.fft.Coefficients(t.coeffs, t.frame)

	out := make([]float32, t.size/2)
	for k := range out {
		mag := cmplx.Abs(t.coeffs[k]) / float64(t.size)
		t.smooth[k] = t.smoothing*t.smooth[k] + (1-t.smoothing)*mag
		out[k] = float32(20 * math.Log10(t.smooth[k]))
	}
	return out
}

// Analyze runs Analyze over the tap's current frequency data.
func (t *Tap) Analyze(mode Mode, opts Options) Result {
	return Analyze(t.FrequencyData(), t.sampleRate, mode, opts)
}
