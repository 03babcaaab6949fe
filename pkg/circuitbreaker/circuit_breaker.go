package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"callcoach-server/pkg/errors"
	"callcoach-server/pkg/metrics"

	"github.com/sirupsen/logrus"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned without calling through while the circuit is open.
var ErrOpen = errors.Wrap(errors.ErrUnavailable, "circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	// Consecutive failures before the circuit opens.
	FailureThreshold int
	// Consecutive half-open successes before it closes again.
	SuccessThreshold int
	// First open period. Each re-open doubles it up to MaxTimeout.
	Timeout    time.Duration
	MaxTimeout time.Duration
}

// DefaultConfig returns default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          60 * time.Second,
		MaxTimeout:       300 * time.Second,
	}
}

// LLMConfig trips quickly: a slow or failing model only delays coaching,
// and every rejected pass keeps its transcript for the next one.
func LLMConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		MaxTimeout:       5 * time.Minute,
	}
}

// Statistics tracks circuit breaker performance
type Statistics struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	StateTransitions   int64     `json:"state_transitions"`
	LastFailureTime    time.Time `json:"last_failure_time"`
}

// CircuitBreaker stops calling a failing dependency for a cooling-off
// period, then lets a trial request through.
type CircuitBreaker struct {
	name   string
	logger *logrus.Entry
	config Config
	now    func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	opens       int
	nextAttempt time.Time
	stats       Statistics
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, config Config, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.MaxTimeout < config.Timeout {
		config.MaxTimeout = config.Timeout
	}

	metrics.SetCircuitBreakerState(name, int(StateClosed))
	return &CircuitBreaker{
		name:   name,
		logger: logger.WithField("circuit_breaker", name),
		config: config,
		now:    time.Now,
	}
}

// Execute runs fn unless the circuit is open. Context cancellation by the
// caller is not counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.allowRequest() {
		return errors.Wrap(ErrOpen, "request rejected").
			WithField("circuit_name", cb.name).
			WithCode("CIRCUIT_OPEN")
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.recordSuccess()
	case ctx.Err() != nil:
		cb.release()
	default:
		cb.recordFailure(err)
	}
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Before(cb.nextAttempt) {
			cb.stats.RejectedRequests++
			return false
		}
		cb.setState(StateHalfOpen)
	}
	return true
}

// release forgets a request whose outcome says nothing about the dependency.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.stats.TotalRequests++
}

func (cb *CircuitBreaker) recordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	cb.stats.SuccessfulRequests++
	cb.failures = 0

	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.opens = 0
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) recordFailure(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.stats.TotalRequests++
	cb.stats.FailedRequests++
	cb.stats.LastFailureTime = cb.now()
	cb.failures++

	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.setState(StateOpen)
	}

	cb.logger.WithError(err).WithFields(logrus.Fields{
		"failures": cb.failures,
		"state":    cb.state.String(),
	}).Debug("Circuit breaker recorded failure")
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}
	oldState := cb.state
	cb.state = newState
	cb.stats.StateTransitions++

	switch newState {
	case StateOpen:
		timeout := cb.config.Timeout << uint(min(cb.opens, 10))
		if timeout > cb.config.MaxTimeout || timeout <= 0 {
			timeout = cb.config.MaxTimeout
		}
		cb.opens++
		cb.nextAttempt = cb.now().Add(timeout)
	case StateHalfOpen:
		cb.successes = 0
	case StateClosed:
		cb.failures = 0
		cb.nextAttempt = time.Time{}
	}

	metrics.SetCircuitBreakerState(cb.name, int(newState))
	cb.logger.WithFields(logrus.Fields{
		"from_state":   oldState.String(),
		"to_state":     newState.String(),
		"failures":     cb.failures,
		"next_attempt": cb.nextAttempt,
	}).Info("Circuit breaker state changed")
}

// State returns the current state. An open circuit whose timeout has
// passed still reports open until the next request probes it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Statistics returns a copy of the counters.
func (cb *CircuitBreaker) Statistics() Statistics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stats
}

// Name returns the circuit breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}
