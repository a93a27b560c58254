package httpclient

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"clawd/internal/logging"
)

// ErrCircuitOpen is returned while the breaker rejects requests.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's position.
type BreakerState int

const (
	// StateClosed allows all requests.
	StateClosed BreakerState = iota
	// StateOpen rejects requests until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits probe requests to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
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

// BreakerConfig tunes the breaker.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // consecutive half-open successes that close it
	Cooldown         time.Duration // open duration before probing
}

// DefaultBreakerConfig trips after a burst of failures and probes again
// after half a minute.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is a consecutive-failure circuit breaker. Allow gates a request,
// Mark records its outcome.
type Breaker struct {
	name   string
	cfg    BreakerConfig
	logger logging.Logger
	now    func() time.Time

	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
}

// NewBreaker returns a closed breaker. logger may be nil.
func NewBreaker(name string, cfg BreakerConfig, logger logging.Logger) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if name == "" {
		name = "http"
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logging.OrNop(logger),
		now:    time.Now,
	}
}

// Allow reports whether a request may proceed. While open it returns
// ErrCircuitOpen wrapped with the breaker name and remaining cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed >= b.cfg.Cooldown {
			b.state = StateHalfOpen
			b.successes = 0
			b.logger.Info("Circuit %s half-open, probing recovery", b.name)
			return nil
		}
		return fmt.Errorf("%w: %s retries in %v", ErrCircuitOpen, b.name, (b.cfg.Cooldown - elapsed).Round(time.Second))
	default:
		return fmt.Errorf("circuit %s in unknown state %v", b.name, b.state)
	}
}

// Mark records a request outcome. nil marks success.
func (b *Breaker) Mark(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		switch b.state {
		case StateClosed:
			b.failures = 0
		case StateHalfOpen:
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.state = StateClosed
				b.failures = 0
				b.successes = 0
				b.logger.Info("Circuit %s closed, upstream recovered", b.name)
			}
		}
		return
	}

	b.lastFailure = b.now()
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.logger.Warn("Circuit %s opened after %d consecutive failures: %v", b.name, b.failures, err)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successes = 0
		b.logger.Warn("Circuit %s reopened, probe failed: %v", b.name, err)
	}
}

// State returns the current breaker position.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}
