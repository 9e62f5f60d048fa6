package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"hookrelay/pkg/metrics"
)

// Config defines circuit breaker configuration
type Config struct {
	Name          string
	MaxRequests   uint32
	Interval      time.Duration
	Timeout       time.Duration
	ReadyToTrip   func(counts gobreaker.Counts) bool
	IsSuccessful  func(err error) bool
	OnStateChange func(name string, from, to gobreaker.State)
}

// DefaultConfig returns a ratio based configuration used for backend lookups.
func DefaultConfig(name string) Config {
	return Config{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.5
		},
	}
}

// ConsecutiveConfig opens after threshold consecutive failures, stays open for
// cooldown and then lets exactly one trial request through.
func ConsecutiveConfig(name string, threshold uint32, cooldown time.Duration) Config {
	if threshold == 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	return Config{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name          string     `json:"name"`
	State         string     `json:"state"`
	FailureCount  uint32     `json:"failure_count"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// Wrapper wraps a function with circuit breaker logic
type Wrapper struct {
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration

	mu            sync.RWMutex
	lastFailure   time.Time
	nextAttemptAt time.Time
}

// NewWrapper creates a new circuit breaker wrapper
func NewWrapper(cfg Config) *Wrapper {
	w := &Wrapper{timeout: cfg.Timeout}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
	}

	if cfg.ReadyToTrip != nil {
		settings.ReadyToTrip = cfg.ReadyToTrip
	}

	isSuccessful := cfg.IsSuccessful
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	settings.IsSuccessful = func(err error) bool {
		ok := isSuccessful(err)
		if !ok {
			w.mu.Lock()
			w.lastFailure = time.Now()
			w.mu.Unlock()
		}
		return ok
	}

	// Always update metrics on state change, even if user provides custom handler
	settings.OnStateChange = func(name string, from, to gobreaker.State) {
		w.mu.Lock()
		if to == gobreaker.StateOpen {
			w.nextAttemptAt = time.Now().Add(w.timeout)
		} else {
			w.nextAttemptAt = time.Time{}
		}
		w.mu.Unlock()

		updateCircuitBreakerMetrics(name, to)
		if cfg.OnStateChange != nil {
			cfg.OnStateChange(name, from, to)
		}
	}

	w.cb = gobreaker.NewCircuitBreaker(settings)

	updateCircuitBreakerMetrics(cfg.Name, w.cb.State())

	return w
}

// Execute runs fn through the breaker and counts the outcome.
func (w *Wrapper) Execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := w.cb.Execute(fn)
	w.record(err)
	return res, err
}

// ExecuteWithContext executes a function with circuit breaker protection and context
func (w *Wrapper) ExecuteWithContext(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	return w.Execute(func() (interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			return fn()
		}
	})
}

// IsRejection reports whether err came from the breaker refusing a call
// rather than from the protected function.
func IsRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// State returns the current state of the circuit breaker
func (w *Wrapper) State() gobreaker.State {
	return w.cb.State()
}

// Counts returns the current counts of the circuit breaker
func (w *Wrapper) Counts() gobreaker.Counts {
	return w.cb.Counts()
}

// Name returns the name of the circuit breaker
func (w *Wrapper) Name() string {
	return w.cb.Name()
}

func (w *Wrapper) IsOpen() bool {
	return w.cb.State() == gobreaker.StateOpen
}

func (w *Wrapper) IsClosed() bool {
	return w.cb.State() == gobreaker.StateClosed
}

func (w *Wrapper) Snapshot() Snapshot {
	state := w.cb.State()
	counts := w.cb.Counts()

	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := Snapshot{
		Name:         w.cb.Name(),
		State:        stateName(state),
		FailureCount: counts.ConsecutiveFailures,
	}
	if !w.lastFailure.IsZero() {
		t := w.lastFailure
		snap.LastFailure = &t
	}
	if state == gobreaker.StateOpen && !w.nextAttemptAt.IsZero() {
		t := w.nextAttemptAt
		snap.NextAttemptAt = &t
	}
	return snap
}

func stateName(state gobreaker.State) string {
	switch state {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func updateCircuitBreakerMetrics(name string, state gobreaker.State) {
	var stateValue float64
	switch state {
	case gobreaker.StateClosed:
		stateValue = 0
	case gobreaker.StateHalfOpen:
		stateValue = 1
	case gobreaker.StateOpen:
		stateValue = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue)
}

func (w *Wrapper) record(err error) {
	metrics.CircuitBreakerRequests.WithLabelValues(w.cb.Name(), w.cb.State().String()).Inc()
	if err != nil && !IsRejection(err) {
		metrics.CircuitBreakerFailures.WithLabelValues(w.cb.Name()).Inc()
	}
}
