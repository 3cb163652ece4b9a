package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ContextState is the run state of an audio Context.
type ContextState int

const (
	ContextRunning ContextState = iota
	ContextSuspended
	ContextClosed
)

func (s ContextState) String() string {
	switch s {
	case ContextRunning:
		return "running"
	case ContextSuspended:
		return "suspended"
	case ContextClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// InputStream is an open capture device delivering PCM16 mono samples.
type InputStream interface {
	Read(p []int16) (int, error)
	Close() error
}

// OutputStream is an open playback device accepting PCM16 mono samples.
type OutputStream interface {
	Write(p []int16) error
	Close() error
}

// Processor runs on the audio thread. All three methods are called from the
// same goroutine; emit posts an event back to the control side in order.
type Processor[C, E any] interface {
	// Handle applies one control command.
	Handle(cmd C, emit func(E))
	// Process renders one quantum. in holds captured samples (empty for
	// output-only contexts); out is zeroed and sized to the quantum.
	// It reports whether the quantum carried audio.
	Process(in, out []float32, emit func(E)) bool
	// Fault reports a device error. io.EOF marks the end of an input stream.
	Fault(err error, emit func(E))
}

// ContextOptions configure an audio Context.
type ContextOptions struct {
	SampleRate int
	// Quantum is the number of frames per render call. Default 128.
	Quantum int
	Input   InputStream
	Output  OutputStream
	// Paced renders output on a quantum-duration ticker. Unpaced output
	// renders as fast as the OutputStream accepts samples while the
	// processor has audio.
	Paced bool
	// QueueSize bounds the command port and the event channel. Default 256.
	QueueSize int
}

const (
	DefaultQuantum   = 128
	defaultQueueSize = 256
)

// Context is a dedicated audio thread. The control side talks to its
// Processor only through Post and Events.
type Context[C, E any] struct {
	opts ContextOptions
	proc Processor[C, E]

	port   chan C
	events chan E
	frames chan []int16
	wake   chan struct{}

	mu       sync.Mutex
	state    ContextState
	inputErr error

	done       chan struct{}
	exited     chan struct{}
	closeOnce  sync.Once
	inputOnce  sync.Once
	closeErr   error
	outputDead bool
}

// NewContext validates opts and starts the audio thread.
func NewContext[C, E any](opts ContextOptions, proc Processor[C, E]) (*Context[C, E], error) {
	if opts.SampleRate < 3000 || opts.SampleRate > 768000 {
		return nil, fmt.Errorf("unsupported sample rate %d", opts.SampleRate)
	}
	if opts.Input == nil && opts.Output == nil {
		return nil, errors.New("context needs an input or an output stream")
	}
	if proc == nil {
		return nil, errors.New("context needs a processor")
	}
	if opts.Quantum <= 0 {
		opts.Quantum = DefaultQuantum
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	c := &Context[C, E]{
		opts:   opts,
		proc:   proc,
		port:   make(chan C, opts.QueueSize),
		events: make(chan E, opts.QueueSize),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	if opts.Input != nil {
		c.frames = make(chan []int16, 4)
		go c.readInput()
	}
	go c.run()
	return c, nil
}

// SampleRate returns the context sample rate.
func (c *Context[C, E]) SampleRate() int { return c.opts.SampleRate }

// State returns the current run state.
func (c *Context[C, E]) State() ContextState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events returns the processor's event stream. It is closed after the
// audio thread exits.
func (c *Context[C, E]) Events() <-chan E { return c.events }

// Post queues a command for the processor, blocking while the port is full.
func (c *Context[C, E]) Post(ctx context.Context, cmd C) error {
	select {
	case <-c.done:
		return ErrContextClosed
	default:
	}
	select {
	case c.port <- cmd:
		return nil
	case <-c.done:
		return ErrContextClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Suspend stops rendering. Commands are still handled.
func (c *Context[C, E]) Suspend() error { return c.setState(ContextSuspended) }

// Resume restarts rendering after Suspend.
func (c *Context[C, E]) Resume() error { return c.setState(ContextRunning) }

func (c *Context[C, E]) setState(s ContextState) error {
	c.mu.Lock()
	if c.state == ContextClosed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	c.state = s
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

// StopInput closes the input stream without closing the context.
func (c *Context[C, E]) StopInput() error {
	var err error
	if c.opts.Input != nil {
		c.inputOnce.Do(func() { err = c.opts.Input.Close() })
	}
	return err
}

// Close stops the audio thread and releases both streams. It is safe to
// call more than once.
func (c *Context[C, E]) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = ContextClosed
		c.mu.Unlock()
		close(c.done)

		var errs []error
		if err := c.StopInput(); err != nil {
			errs = append(errs, fmt.Errorf("close input: %w", err))
		}
		if c.opts.Output != nil {
			if err := c.opts.Output.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close output: %w", err))
			}
		}
		<-c.exited
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

func (c *Context[C, E]) emit(e E) {
	select {
	case c.events <- e:
	case <-c.done:
	}
}

func (c *Context[C, E]) readInput() {
	defer close(c.frames)
	for {
		buf := make([]int16, c.opts.Quantum)
		n, err := c.opts.Input.Read(buf)
		if n > 0 {
			select {
			case c.frames <- buf[:n]:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.mu.Lock()
			c.inputErr = err
			c.mu.Unlock()
			return
		}
	}
}

func (c *Context[C, E]) inputError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inputErr == nil {
		return io.EOF
	}
	return c.inputErr
}

func (c *Context[C, E]) run() {
	defer close(c.exited)
	defer close(c.events)

	var ticks <-chan time.Time
	if c.opts.Paced && c.opts.Output != nil && c.opts.Input == nil {
		t := time.NewTicker(Duration(c.opts.Quantum, c.opts.SampleRate))
		defer t.Stop()
		ticks = t.C
	}
	freeRun := c.opts.Output != nil && c.opts.Input == nil && !c.opts.Paced

	in := make([]float32, c.opts.Quantum)
	out := make([]float32, c.opts.Quantum)
	pcm := make([]int16, c.opts.Quantum)
	frames := c.frames
	idle := false

	render := func(frame []int16) bool {
		input := in[:0]
		if frame != nil {
			input = in[:len(frame)]
			for i, s := range frame {
				input[i] = float32(s) / 32768
			}
		}
		for i := range out {
			out[i] = 0
		}
		active := c.proc.Process(input, out, c.emit)
		if c.opts.Output == nil || c.outputDead || (!active && !c.opts.Paced) {
			return active
		}
		pcm = Float32ToInt16(pcm, out)
		if err := c.opts.Output.Write(pcm); err != nil {
			select {
			case <-c.done:
				return false
			default:
			}
			c.outputDead = true
			c.proc.Fault(err, c.emit)
		}
		return active
	}

	for {
		running := c.State() == ContextRunning
		if running && freeRun && !idle && !c.outputDead {
			select {
			case <-c.done:
				return
			case cmd := <-c.port:
				c.proc.Handle(cmd, c.emit)
				continue
			case <-c.wake:
				continue
			default:
			}
			idle = !render(nil)
			continue
		}

		var fr <-chan []int16
		var tk <-chan time.Time
		if running {
			fr, tk = frames, ticks
		}
		select {
		case <-c.done:
			return
		case <-c.wake:
			idle = false
		case cmd := <-c.port:
			c.proc.Handle(cmd, c.emit)
			idle = false
		case frame, ok := <-fr:
			if !ok {
				frames = nil
				c.proc.Fault(c.inputError(), c.emit)
				continue
			}
			render(frame)
		case <-tk:
			render(nil)
		}
	}
}
