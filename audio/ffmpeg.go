package audio

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
)

// FFmpegMicrophone captures from the system microphone through an ffmpeg
// subprocess emitting raw s16le mono.
type FFmpegMicrophone struct {
	// Binary defaults to "ffmpeg".
	Binary string
	// Device is the input device: an avfoundation index on macOS (default
	// "0"), a PulseAudio source on Linux (default "default").
	Device string
}

func (m FFmpegMicrophone) args(sampleRate int) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch runtime.GOOS {
	case "darwin":
		dev := m.Device
		if dev == "" {
			dev = "0"
		}
		args = append(args, "-f", "avfoundation", "-i", "none:"+dev)
	case "windows":
		args = append(args, "-f", "dshow", "-i", "audio="+m.Device)
	default:
		dev := m.Device
		if dev == "" {
			dev = "default"
		}
		args = append(args, "-f", "pulse", "-i", dev)
	}
	return append(args, "-ac", "1", "-ar", strconv.Itoa(sampleRate), "-f", "s16le", "-")
}

func (m FFmpegMicrophone) Open(ctx context.Context, sampleRate int) (InputStream, error) {
	bin := m.Binary
	if bin == "" {
		bin = "ffmpeg"
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("microphone unavailable: %w", err)
	}
	cmd := exec.Command(bin, m.args(sampleRate)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return &processInput{cmd: cmd, r: bufio.NewReader(stdout)}, nil
}

type processInput struct {
	cmd  *exec.Cmd
	r    *bufio.Reader
	buf  []byte
	once sync.Once
}

func (p *processInput) Read(dst []int16) (int, error) {
	if cap(p.buf) < len(dst)*2 {
		p.buf = make([]byte, len(dst)*2)
	}
	b := p.buf[:len(dst)*2]
	n, err := io.ReadFull(p.r, b)
	n -= n % 2
	for i := 0; i < n/2; i++ {
		dst[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		err = io.EOF
	}
	return n / 2, err
}

func (p *processInput) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}

// FFplaySpeaker plays audio through an ffplay subprocess reading raw s16le
// mono from stdin. Writes block while ffplay's buffer is full, which paces
// the playback context.
type FFplaySpeaker struct {
	Binary string
	// Volume is ffplay's startup volume, 0 to 100. Default 80.
	Volume int
}

func (s FFplaySpeaker) Open(ctx context.Context, sampleRate int) (OutputStream, error) {
	bin := s.Binary
	if bin == "" {
		bin = "ffplay"
	}
	vol := s.Volume
	if vol <= 0 || vol > 100 {
		vol = 80
	}
	if _, err := exec.LookPath(bin); err != nil {
		return nil, fmt.Errorf("speaker unavailable: %w", err)
	}
	cmd := exec.Command(bin,
		"-hide_banner", "-loglevel", "error", "-nostats",
		"-volume", strconv.Itoa(vol),
		"-nodisp", "-autoexit",
		"-f", "s16le", "-ch_layout", "mono", "-ar", strconv.Itoa(sampleRate),
		"-i", "-",
	)
	if runtime.GOOS == "darwin" && os.Getenv("SDL_AUDIODRIVER") == "" {
		cmd.Env = append(os.Environ(), "SDL_AUDIODRIVER=coreaudio")
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = io.Discard
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	return &processOutput{cmd: cmd, w: stdin}, nil
}

type processOutput struct {
	cmd  *exec.Cmd
	w    io.WriteCloser
	buf  []byte
	once sync.Once
}

func (p *processOutput) Write(src []int16) error {
	if cap(p.buf) < len(src)*2 {
		p.buf = make([]byte, len(src)*2)
	}
	b := p.buf[:len(src)*2]
	for i, s := range src {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
	_, err := p.w.Write(b)
	return err
}

func (p *processOutput) Close() error {
	p.once.Do(func() {
		_ = p.w.Close()
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.cmd.Wait()
	})
	return nil
}
