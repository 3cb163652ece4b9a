// Package retry implements bounded retries with exponential backoff and a
// circuit breaker for operations against flaky collaborators.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/proBhavesh/simplydash/clock"
)

// ErrCircuitOpen is returned by CircuitBreaker.Execute while the breaker rejects calls.
var ErrCircuitOpen = errors.New("retry: circuit breaker is open")

// Config controls retry behavior for operations.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the computed delay. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier grows the delay between retries. 1 gives a fixed delay.
	Multiplier float64

	// Jitter adds random variation (0.0 to 1.0) as a fraction of the delay.
	Jitter float64

	// Retryable decides whether an error is worth another attempt.
	// If nil, every error is retried.
	Retryable func(error) bool

	// Clock drives the waits between attempts. Defaults to the system clock.
	Clock clock.Clock
}

// Default returns the backoff used for processing-unit resets: three retries,
// doubling from one second, never waiting more than five seconds.
func Default() Config {
	return Config{
		MaxRetries: 3,
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	}
}

// Fixed returns a config that retries up to n times with a constant delay.
func Fixed(n int, delay time.Duration) Config {
	return Config{MaxRetries: n, BaseDelay: delay, MaxDelay: delay, Multiplier: 1}
}

// Operation is one attempt. attempt starts at 0.
type Operation func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, returns a non-retryable error, the retry
// budget is exhausted or ctx is cancelled.
func Do(ctx context.Context, cfg Config, op Operation) error {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.Retryable != nil && !cfg.Retryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if err := clk.Sleep(ctx, Delay(attempt, cfg)); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

// Delay returns the wait before retry number attempt+1.
func Delay(attempt int, cfg Config) time.Duration {
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 1
	}
	delay := float64(cfg.BaseDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		delay += delay * cfg.Jitter * (2*rand.Float64() - 1)
		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}
	}
	return time.Duration(delay)
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// RecoveryTimeout is how long to stay open before allowing a trial call.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int

	Clock clock.Clock
}

// State is the state of a CircuitBreaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency for a while.
// It is safe for concurrent use.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg}
}

// Execute runs op unless the breaker is open.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := op()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateOpen:
		if cb.cfg.Clock.Now().Sub(cb.lastFailure) >= cb.cfg.RecoveryTimeout {
			cb.state = StateHalfOpen
			cb.successes = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.cfg.Clock.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.state = StateOpen
		}
		return
	}
	cb.failures = 0
	cb.successes++
	if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
		cb.state = StateClosed
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
