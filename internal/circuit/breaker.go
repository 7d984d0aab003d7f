// Package circuit isolates the decision pipeline from a misbehaving
// exchange connection. The breaker only reports state; callers are
// responsible for skipping dependent operations while it is open.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"    // normal operation
	StateOpen     State = "OPEN"      // blocking, cooldown running
	StateHalfOpen State = "HALF_OPEN" // single probe allowed
)

// Config holds circuit breaker configuration
type Config struct {
	ErrorThreshold int           `json:"error_threshold"` // consecutive errors before tripping
	Cooldown       time.Duration `json:"cooldown"`        // time in OPEN before a probe is allowed
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		ErrorThreshold: 5,
		Cooldown:       2 * time.Minute,
	}
}

// Validate checks the configuration at construction time
func (c Config) Validate() error {
	if c.ErrorThreshold < 1 {
		return fmt.Errorf("error_threshold must be at least 1, got %d", c.ErrorThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
	}
	return nil
}

// Stats is a snapshot of breaker counters for operational health checks
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	TotalErrors       int64     `json:"total_errors"`
	TripCount         int64     `json:"trip_count"`
	LastError         string    `json:"last_error,omitempty"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
}

// Breaker tracks consecutive failures of exchange-facing operations.
// Transitions out of OPEN are evaluated lazily on the next state query,
// never by a background timer.
type Breaker struct {
	mu                sync.RWMutex
	cfg               Config
	state             State
	consecutiveErrors int
	totalErrors       int64
	tripCount         int64
	lastError         string
	openedAt          time.Time
	nowFn             func() time.Time
	onTrip            func(reason string)
	onRecover         func()
	logger            zerolog.Logger
}

// NewBreaker creates a closed breaker with validated configuration
func NewBreaker(cfg Config, logger zerolog.Logger) (*Breaker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("circuit config: %w", err)
	}
	return &Breaker{
		cfg:    cfg,
		state:  StateClosed,
		nowFn:  time.Now,
		logger: logger.With().Str("component", "CircuitBreaker").Logger(),
	}, nil
}

// OnTrip sets the callback invoked when the breaker opens
func (b *Breaker) OnTrip(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = fn
}

// OnRecover sets the callback invoked when the breaker closes again
func (b *Breaker) OnRecover(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRecover = fn
}

// RecordSuccess zeroes the consecutive-error counter. A success while
// HALF_OPEN closes the circuit.
func (b *Breaker) RecordSuccess() {
	var recovered bool
	var fn func()

	b.mu.Lock()
	b.consecutiveErrors = 0
	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.openedAt = time.Time{}
		recovered = true
		fn = b.onRecover
	}
	b.mu.Unlock()

	if recovered {
		b.logger.Info().Msg("Circuit breaker recovered, back to CLOSED")
		if fn != nil {
			go fn()
		}
	}
}

// RecordError increments the error counters and trips to OPEN once the
// threshold is reached. A failure while HALF_OPEN reopens immediately.
func (b *Breaker) RecordError(reason string) {
	var tripped bool
	var fn func(string)

	b.mu.Lock()
	b.consecutiveErrors++
	b.totalErrors++
	b.lastError = reason

	if b.state == StateHalfOpen || (b.state == StateClosed && b.consecutiveErrors >= b.cfg.ErrorThreshold) {
		b.state = StateOpen
		b.openedAt = b.nowFn()
		b.tripCount++
		tripped = true
		fn = b.onTrip
	}
	consecutive := b.consecutiveErrors
	b.mu.Unlock()

	if tripped {
		b.logger.Warn().
			Str("reason", reason).
			Int("consecutive_errors", consecutive).
			Int("threshold", b.cfg.ErrorThreshold).
			Msg("Circuit breaker tripped to OPEN")
		if fn != nil {
			go fn(reason)
		}
	}
}

// GetState returns the current state, moving OPEN to HALF_OPEN when the
// cooldown has elapsed. The check is lazy: it happens here, on query.
func (b *Breaker) GetState() State {
	b.mu.RLock()
	state := b.state
	openedAt := b.openedAt
	b.mu.RUnlock()

	if state != StateOpen || b.nowFn().Sub(openedAt) < b.cfg.Cooldown {
		return state
	}

	// Cooldown elapsed; promote to HALF_OPEN under the write lock,
	// re-checking in case another goroutine got there first.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.nowFn().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.logger.Info().Msg("Circuit breaker cooldown elapsed, moving to HALF_OPEN")
	}
	return b.state
}

// IsOpen reports whether dependent operations must be skipped
func (b *Breaker) IsOpen() bool {
	return b.GetState() == StateOpen
}

// GetStats returns a snapshot of the breaker counters
func (b *Breaker) GetStats() Stats {
	state := b.GetState()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Stats{
		State:             state,
		ConsecutiveErrors: b.consecutiveErrors,
		TotalErrors:       b.totalErrors,
		TripCount:         b.tripCount,
		LastError:         b.lastError,
		OpenedAt:          b.openedAt,
	}
}

// ForceReset manually closes the breaker and clears the consecutive counter
func (b *Breaker) ForceReset() {
	var fn func()

	b.mu.Lock()
	b.state = StateClosed
	b.consecutiveErrors = 0
	b.openedAt = time.Time{}
	fn = b.onRecover
	b.mu.Unlock()

	b.logger.Info().Msg("Circuit breaker manually reset")
	if fn != nil {
		go fn()
	}
}
