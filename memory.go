package simplydash

import (
	"runtime"
	"sync"
	"time"

	"github.com/proBhavesh/simplydash/clock"
	"github.com/proBhavesh/simplydash/logging"
)

type memSample struct {
	at   time.Time
	heap uint64
}

// memoryMonitor samples heap usage on an interval and warns when the last
// window samples rise steadily faster than rate bytes per second.
type memoryMonitor struct {
	interval time.Duration
	window   int
	rate     float64
	sample   func() uint64
	clk      clock.Clock
	log      *logging.Logger
	onGrowth func(bytesPerSecond float64)

	mu      sync.Mutex
	stop    chan struct{}
	done    chan struct{}
	samples []memSample
}

func newMemoryMonitor(interval time.Duration, window int, rate float64, clk clock.Clock, log *logging.Logger) *memoryMonitor {
	if clk == nil {
		clk = clock.Real()
	}
	return &memoryMonitor{
		interval: interval,
		window:   window,
		rate:     rate,
		sample:   heapInUse,
		clk:      clk,
		log:      log,
	}
}

func heapInUse() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapInuse
}

// start begins sampling. Calling start on a running monitor is a no-op.
func (m *memoryMonitor) start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.samples = m.samples[:0]
	go m.run(m.stop, m.done)
	m.log.Debug("memory_monitor_started", nil)
}

// halt stops sampling and waits for the sampler to exit.
func (m *memoryMonitor) halt() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.log.Debug("memory_monitor_stopped", nil)
}

func (m *memoryMonitor) running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stop != nil
}

func (m *memoryMonitor) run(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			m.tick()
		}
	}
}

// tick takes one sample stamped with the monitor's clock.
func (m *memoryMonitor) tick() bool {
	return m.observe(memSample{at: m.clk.Now(), heap: m.sample()})
}

// observe adds one sample and reports whether it completed a growth window.
func (m *memoryMonitor) observe(s memSample) bool {
	m.mu.Lock()
	m.samples = append(m.samples, s)
	if over := len(m.samples) - m.window; over > 0 {
		m.samples = append(m.samples[:0], m.samples[over:]...)
	}
	rate, growing := growthRate(m.samples, m.window)
	if growing && rate > m.rate {
		// Start a fresh window so one trend warns once.
		m.samples = m.samples[:0]
	}
	m.mu.Unlock()

	if !growing || rate <= m.rate {
		return false
	}
	m.log.Warn("memory_growth", map[string]any{"bytes_per_second": int64(rate), "heap_bytes": s.heap})
	if m.onGrowth != nil {
		m.onGrowth(rate)
	}
	return true
}

// growthRate returns the growth across samples in bytes per second, and
// whether the window is full and never decreases.
func growthRate(samples []memSample, window int) (float64, bool) {
	if len(samples) < window || len(samples) < 2 {
		return 0, false
	}
	for i := 1; i < len(samples); i++ {
		if samples[i].heap < samples[i-1].heap {
			return 0, false
		}
	}
	first, last := samples[0], samples[len(samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0, false
	}
	return float64(last.heap-first.heap) / elapsed, true
}
