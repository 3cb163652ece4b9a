// Package analyzer turns raw FFT decibel magnitudes into normalized
// perceptual bands for visualization.
//
// Analyze is a pure function. Tap produces its input from a PCM stream and
// Cache throttles recomputation while audio is playing.
package analyzer

import (
	"math"
	"strconv"
)

// Mode selects how FFT bins are grouped.
type Mode string

const (
	// ModeRaw block-averages bins down to a fixed count.
	ModeRaw Mode = "raw"
	// ModeMusic groups bins into note bands across octaves 1 to 8.
	ModeMusic Mode = "music"
	// ModeVoice groups bins into the note bands between 32 Hz and 2 kHz.
	ModeVoice Mode = "voice"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeRaw || m == ModeMusic || m == ModeVoice
}

// Options configure the decibel range and raw output size.
type Options struct {
	MinDecibels float64
	MaxDecibels float64
	// RawBins is the number of output values in ModeRaw.
	RawBins int
}

// DefaultOptions mirror a browser AnalyserNode: -100 dB to -30 dB.
func DefaultOptions() Options {
	return Options{MinDecibels: -100, MaxDecibels: -30, RawBins: 32}
}

// Result holds parallel arrays of band magnitudes, centre frequencies and labels.
// Every value is in [0, 1].
type Result struct {
	Values      []float64
	Frequencies []float64
	Labels      []string
}

// Analyze normalizes the decibel magnitudes in db. Bin i is taken to be centred
// on i*sampleRate/(2*len(db)) Hz.
func Analyze(db []float32, sampleRate float64, mode Mode, opts Options) Result {
	if opts.MaxDecibels <= opts.MinDecibels {
		opts.MinDecibels, opts.MaxDecibels = DefaultOptions().MinDecibels, DefaultOptions().MaxDecibels
	}
	if opts.RawBins <= 0 {
		opts.RawBins = DefaultOptions().RawBins
	}

	clean := make([]float64, len(db))
	for i, v := range db {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = opts.MinDecibels
		}
		clean[i] = f
	}

	binWidth := 0.0
	if len(db) > 0 && sampleRate > 0 {
		binWidth = sampleRate / (2 * float64(len(db)))
	}

	var res Result
	if mode == ModeRaw || !mode.Valid() {
		res = blockAverage(clean, binWidth, opts)
	} else {
		res = groupBands(clean, binWidth, bandsFor(mode), opts)
	}
	for i, v := range res.Values {
		res.Values[i] = normalize(v, opts.MinDecibels, opts.MaxDecibels)
	}
	return res
}

func blockAverage(db []float64, binWidth float64, opts Options) Result {
	n := opts.RawBins
	res := Result{
		Values:      make([]float64, n),
		Frequencies: make([]float64, n),
		Labels:      make([]string, n),
	}
	for i := 0; i < n; i++ {
		res.Values[i] = opts.MinDecibels
		if len(db) == 0 {
			continue
		}
		start := i * len(db) / n
		end := (i + 1) * len(db) / n
		if end <= start {
			end = start + 1
		}
		sum := 0.0
		for _, v := range db[start:end] {
			sum += v
		}
		res.Values[i] = sum / float64(end-start)
		centre := (float64(start) + float64(end-1)) / 2 * binWidth
		res.Frequencies[i] = centre
		res.Labels[i] = strconv.FormatFloat(centre, 'f', 0, 64)
	}
	return res
}

func groupBands(db []float64, binWidth float64, bands []Band, opts Options) Result {
	sums := make([]float64, len(bands))
	counts := make([]int, len(bands))
	if binWidth > 0 {
		for i, v := range db {
			b := nearestBand(bands, float64(i)*binWidth)
			if b < 0 {
				continue
			}
			sums[b] += v
			counts[b]++
		}
	}

	res := Result{
		Values:      make([]float64, len(bands)),
		Frequencies: make([]float64, len(bands)),
		Labels:      make([]string, len(bands)),
	}
	for i, b := range bands {
		res.Frequencies[i] = b.Frequency
		res.Labels[i] = b.Label
		if counts[i] == 0 {
			res.Values[i] = opts.MinDecibels
			continue
		}
		res.Values[i] = sums[i] / float64(counts[i])
	}
	return res
}

func normalize(v, min, max float64) float64 {
	n := (v - min) / (max - min)
	switch {
	case math.IsNaN(n), n < 0:
		return 0
	case n > 1:
		return 1
	}
	return n
}
