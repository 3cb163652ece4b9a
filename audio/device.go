package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Microphone opens capture streams.
type Microphone interface {
	Open(ctx context.Context, sampleRate int) (InputStream, error)
}

// Speaker opens playback streams.
type Speaker interface {
	Open(ctx context.Context, sampleRate int) (OutputStream, error)
}

// ErrDeviceClosed is returned by reads and writes on a closed device stream.
var ErrDeviceClosed = errors.New("audio: device closed")

// NullSpeaker discards all audio.
type NullSpeaker struct{}

func (NullSpeaker) Open(context.Context, int) (OutputStream, error) { return &nullStream{}, nil }

type nullStream struct {
	mu     sync.Mutex
	closed bool
}

func (s *nullStream) Write(p []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrDeviceClosed
	}
	return nil
}

func (s *nullStream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// WAVMicrophone replays a 16-bit mono WAV file as a capture device.
// The file's sample rate must match the requested rate.
type WAVMicrophone struct {
	Path string
	// Realtime paces reads to the file's playing time.
	Realtime bool
	// Loop restarts from the beginning at end of file.
	Loop bool
}

func (m WAVMicrophone) Open(ctx context.Context, sampleRate int) (InputStream, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return nil, err
	}
	samples, rate, err := DecodeWAV(data)
	if err != nil {
		return nil, err
	}
	if rate != sampleRate {
		return nil, fmt.Errorf("%s is %d Hz, need %d Hz", m.Path, rate, sampleRate)
	}
	return &sampleStream{samples: samples, rate: rate, realtime: m.Realtime, loop: m.Loop, closed: make(chan struct{})}, nil
}

type sampleStream struct {
	samples  []int16
	pos      int
	rate     int
	realtime bool
	loop     bool
	started  time.Time
	read     int64

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *sampleStream) Read(p []int16) (int, error) {
	select {
	case <-s.closed:
		return 0, ErrDeviceClosed
	default:
	}
	if s.pos >= len(s.samples) {
		if !s.loop || len(s.samples) == 0 {
			return 0, io.EOF
		}
		s.pos = 0
	}
	if s.realtime {
		if s.started.IsZero() {
			s.started = time.Now()
		}
		due := s.started.Add(Duration(int(s.read), s.rate))
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-s.closed:
				t.Stop()
				return 0, ErrDeviceClosed
			case <-t.C:
			}
		}
	}
	n := copy(p, s.samples[s.pos:])
	s.pos += n
	s.read += int64(n)
	return n, nil
}

func (s *sampleStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// WAVSpeaker records playback into a WAV file written when the stream closes.
type WAVSpeaker struct {
	Path string
}

func (s WAVSpeaker) Open(_ context.Context, sampleRate int) (OutputStream, error) {
	f, err := os.Create(s.Path)
	if err != nil {
		return nil, err
	}
	return &wavFileStream{f: f, rate: sampleRate}, nil
}

type wavFileStream struct {
	mu      sync.Mutex
	f       *os.File
	rate    int
	samples []int16
	closed  bool
	err     error
}

func (w *wavFileStream) Write(p []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrDeviceClosed
	}
	w.samples = append(w.samples, p...)
	return nil
}

func (w *wavFileStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return w.err
	}
	w.closed = true
	data, err := EncodeWAV(w.samples, w.rate)
	if err == nil {
		_, err = w.f.Write(data)
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	w.err = err
	return err
}
