package analyzer

import (
	"math"
	"sort"
	"strconv"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

const (
	// A4 is the tuning reference for the note bands.
	A4 = 440.0

	minOctave = 1
	maxOctave = 8

	// VoiceMin and VoiceMax bound the bands used in ModeVoice.
	VoiceMin = 32.0
	VoiceMax = 2000.0
)

// Band is one perceptual analysis band centred on a musical note.
type Band struct {
	Frequency float64
	Label     string
}

// NoteBands returns the equal-tempered note frequencies for octaves 1 to 8,
// ascending.
func NoteBands() []Band {
	bands := make([]Band, 0, (maxOctave-minOctave+1)*len(noteNames))
	for octave := minOctave; octave <= maxOctave; octave++ {
		for i, name := range noteNames {
			// semitones from A4 (octave 4, index 9)
			n := (octave-4)*12 + (i - 9)
			bands = append(bands, Band{
				Frequency: A4 * math.Pow(2, float64(n)/12),
				Label:     name + strconv.Itoa(octave),
			})
		}
	}
	return bands
}

// VoiceBands returns the note bands within the range of human speech.
func VoiceBands() []Band {
	var out []Band
	for _, b := range NoteBands() {
		if b.Frequency > VoiceMin && b.Frequency < VoiceMax {
			out = append(out, b)
		}
	}
	return out
}

var (
	musicBands = NoteBands()
	voiceBands = VoiceBands()
)

func bandsFor(mode Mode) []Band {
	if mode == ModeVoice {
		return voiceBands
	}
	return musicBands
}

// halfSemitone is the ratio between a note and the edge of its band.
var halfSemitone = math.Pow(2, 1.0/24)

// nearestBand returns the index of the band closest to freq, or -1 if freq
// lies more than half a semitone outside the covered range.
func nearestBand(bands []Band, freq float64) int {
	if len(bands) == 0 {
		return -1
	}
	if freq < bands[0].Frequency/halfSemitone || freq > bands[len(bands)-1].Frequency*halfSemitone {
		return -1
	}
	i := sort.Search(len(bands), func(i int) bool { return bands[i].Frequency >= freq })
	switch {
	case i == 0:
		return 0
	case i == len(bands):
		return len(bands) - 1
	}
	// compare in log space so the split sits on the half-semitone boundary
	if math.Log(freq/bands[i-1].Frequency) <= math.Log(bands[i].Frequency/freq) {
		return i - 1
	}
	return i
}
