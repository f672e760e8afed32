package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When the error ratio of the rolling window exceeds the threshold
//	Open -> HalfOpen:    After the reset timeout expires
//	HalfOpen -> Closed:  When a probe request succeeds
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
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

// ErrCircuitOpen is returned when the circuit breaker is open and
// requests are being rejected to protect the downstream provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this circuit breaker (e.g., "whatsapp", "instagram").
	Name string

	// ErrorThresholdPercent opens the circuit when the failure ratio of the
	// rolling window is above it.
	ErrorThresholdPercent float64

	// WindowSize is the number of most recent calls the ratio is computed over.
	WindowSize int

	// MinRequests is how many calls the window needs before it can trip.
	MinRequests int

	// ResetTimeout is how long to wait in Open state before probing.
	ResetTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int

	// IsFailure decides which errors returned through Call count against
	// the provider. Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns the defaults used for provider transports.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		ErrorThresholdPercent: 50,
		WindowSize:            20,
		MinRequests:           5,
		ResetTimeout:          30 * time.Second,
		HalfOpenMaxRequests:   1,
	}
}

// CircuitBreaker protects a downstream provider from cascade failures.
//
// It keeps the outcome of the last WindowSize calls in a ring. Once the
// failure ratio crosses the threshold the circuit opens and rejects calls
// until ResetTimeout has passed, then lets a single probe through.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger
	now    func() time.Time

	state            State
	outcomes         []bool // true = failure
	next             int
	filled           int
	failures         int
	openedAt         time.Time
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int

	// Metrics
	totalRequests  int64
	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	def := DefaultConfig(cfg.Name)
	if cfg.ErrorThresholdPercent <= 0 || cfg.ErrorThresholdPercent > 100 {
		cfg.ErrorThresholdPercent = def.ErrorThresholdPercent
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MinRequests <= 0 || cfg.MinRequests > cfg.WindowSize {
		cfg.MinRequests = min(def.MinRequests, cfg.WindowSize)
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	cb := &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		now:             time.Now,
		state:           StateClosed,
		outcomes:        make([]bool, cfg.WindowSize),
		lastStateChange: time.Now(),
	}
	metrics.SetCircuitState(cfg.Name, int(StateClosed))

	logger.Info("circuit breaker created",
		zap.String("name", cfg.Name),
		zap.Float64("error_threshold_percent", cfg.ErrorThresholdPercent),
		zap.Int("window_size", cfg.WindowSize),
		zap.Duration("reset_timeout", cfg.ResetTimeout),
	)

	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// Allow checks if a request should be allowed through the circuit breaker.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.config.ResetTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			return true
		}
		cb.totalRejected++
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		cb.totalRejected++
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
// In HalfOpen state, this closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalSuccesses++

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed - provider recovered",
			zap.String("name", cb.config.Name),
		)
		return
	}
	cb.observe(false)
}

// RecordFailure records a failed request.
// In Closed state, opens the circuit when the window's error ratio is over
// the threshold. In HalfOpen state, immediately re-opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalFailures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateClosed:
		cb.observe(true)
		if cb.filled >= cb.config.MinRequests && cb.errorPercent() > cb.config.ErrorThresholdPercent {
			cb.logger.Warn("circuit breaker OPENED - error ratio over threshold",
				zap.String("name", cb.config.Name),
				zap.Float64("error_percent", cb.errorPercent()),
				zap.Float64("threshold", cb.config.ErrorThresholdPercent),
			)
			cb.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// observe pushes one outcome into the ring (must be called with lock held).
func (cb *CircuitBreaker) observe(failed bool) {
	if cb.filled == len(cb.outcomes) {
		if cb.outcomes[cb.next] {
			cb.failures--
		}
	} else {
		cb.filled++
	}
	cb.outcomes[cb.next] = failed
	if failed {
		cb.failures++
	}
	cb.next = (cb.next + 1) % len(cb.outcomes)
}

func (cb *CircuitBreaker) errorPercent() float64 {
	if cb.filled == 0 {
		return 0
	}
	return float64(cb.failures) * 100 / float64(cb.filled)
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Stats returns current metrics for monitoring/dashboards.
type Stats struct {
	Name            string  `json:"name"`
	State           string  `json:"state"`
	ErrorPercent    float64 `json:"error_percent"`
	WindowCalls     int     `json:"window_calls"`
	TotalRequests   int64   `json:"total_requests"`
	TotalFailures   int64   `json:"total_failures"`
	TotalSuccesses  int64   `json:"total_successes"`
	TotalRejected   int64   `json:"total_rejected"`
	LastFailure     string  `json:"last_failure,omitempty"`
	LastStateChange string  `json:"last_state_change"`
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	s := Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		ErrorPercent:    cb.errorPercent(),
		WindowCalls:     cb.filled,
		TotalRequests:   cb.totalRequests,
		TotalFailures:   cb.totalFailures,
		TotalSuccesses:  cb.totalSuccesses,
		TotalRejected:   cb.totalRejected,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}

	if !cb.lastFailureTime.IsZero() {
		s.LastFailure = cb.lastFailureTime.Format(time.RFC3339)
	}

	return s
}

// Reset manually resets the circuit breaker to Closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionTo(StateClosed)
	cb.logger.Info("circuit breaker manually reset",
		zap.String("name", cb.config.Name),
	)
}

// transitionTo changes state (must be called with lock held).
// Every transition starts a fresh rolling window.
func (cb *CircuitBreaker) transitionTo(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.halfOpenRequests = 0
	if newState == StateOpen {
		cb.openedAt = cb.lastStateChange
	}
	clear(cb.outcomes)
	cb.next, cb.filled, cb.failures = 0, 0, 0

	metrics.SetCircuitState(cb.config.Name, int(newState))

	cb.logger.Debug("circuit breaker state transition",
		zap.String("name", cb.config.Name),
		zap.String("from", oldState.String()),
		zap.String("to", newState.String()),
	)
}

// String returns a human-readable representation.
func (cb *CircuitBreaker) String() string {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return fmt.Sprintf("CircuitBreaker[%s] state=%s errors=%.0f%%/%.0f%%",
		cb.config.Name, cb.state, cb.errorPercent(), cb.config.ErrorThresholdPercent)
}

// Call runs fn through cb. While the circuit is open fn is not invoked and
// fallback decides the result; a nil fallback returns ErrCircuitOpen.
func Call[T any](cb *CircuitBreaker, fn func() (T, error), fallback func(error) (T, error)) (T, error) {
	if !cb.Allow() {
		err := fmt.Errorf("%w: %s unavailable", ErrCircuitOpen, cb.config.Name)
		if fallback != nil {
			return fallback(err)
		}
		var zero T
		return zero, err
	}

	v, err := fn()
	if err != nil && (cb.config.IsFailure == nil || cb.config.IsFailure(err)) {
		cb.RecordFailure()
		return v, err
	}
	cb.RecordSuccess()
	return v, err
}
