package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// DefaultSampleRate is the rate used on the wire for PCM16 mono audio.
const DefaultSampleRate = 24000

// Int16ToFloat32 converts PCM16 samples to normalized floats in [-1, 1).
func Int16ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToInt16 converts normalized floats to PCM16, clipping out-of-range values.
func Float32ToInt16(dst []int16, src []float32) []int16 {
	if cap(dst) < len(src) {
		dst = make([]int16, len(src))
	}
	dst = dst[:len(src)]
	for i, s := range src {
		switch {
		case s >= 1:
			dst[i] = 32767
		case s <= -1:
			dst[i] = -32768
		case s != s: // NaN
			dst[i] = 0
		default:
			dst[i] = int16(s * 32768)
		}
	}
	return dst
}

// PCM16ToBytes encodes samples as little-endian bytes.
func PCM16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian bytes. A trailing odd byte is an error.
func BytesToPCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("PCM16 data must have even number of bytes, got %d", len(b))
	}
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return out, nil
}

// Duration returns the playing time of n samples at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(sampleRate)
}

// wavHeader is the canonical 44-byte PCM WAV header.
type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	Subchunk1ID   [4]byte
	Subchunk1Size uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Subchunk2ID   [4]byte
	Subchunk2Size uint32
}

const wavHeaderSize = 44

func newWAVHeader(numSamples, sampleRate int) wavHeader {
	dataSize := uint32(numSamples * 2)
	return wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV encodes mono PCM16 samples as a WAV file.
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, newWAVHeader(len(samples), sampleRate)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

// ErrUnsupportedWAV is returned for WAV files that are not 16-bit mono PCM.
var ErrUnsupportedWAV = errors.New("audio: unsupported WAV format")

// DecodeWAV decodes a 16-bit mono PCM WAV file.
func DecodeWAV(data []byte) ([]int16, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}
	r := bytes.NewReader(data)
	var h wavHeader
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return nil, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}
	switch {
	case string(h.ChunkID[:]) != "RIFF", string(h.Format[:]) != "WAVE":
		return nil, 0, fmt.Errorf("invalid WAV file: missing RIFF/WAVE header")
	case string(h.Subchunk1ID[:]) != "fmt ", string(h.Subchunk2ID[:]) != "data":
		return nil, 0, fmt.Errorf("invalid WAV file: missing fmt or data chunk")
	case h.AudioFormat != 1 || h.BitsPerSample != 16 || h.NumChannels != 1:
		return nil, 0, fmt.Errorf("%w: format=%d bits=%d channels=%d", ErrUnsupportedWAV, h.AudioFormat, h.BitsPerSample, h.NumChannels)
	}

	n := int(h.Subchunk2Size) / 2
	if avail := (len(data) - wavHeaderSize) / 2; n > avail {
		n = avail
	}
	samples := make([]int16, n)
	if err := binary.Read(r, binary.LittleEndian, samples); err != nil {
		return nil, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}
	return samples, int(h.SampleRate), nil
}
