package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/itsneelabh/fedquery/core"
	"github.com/itsneelabh/fedquery/orchestration"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe through
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// ErrorClassifier determines which errors should count toward circuit breaker thresholds
type ErrorClassifier func(error) bool

// DefaultErrorClassifier only counts source failures, not caller mistakes.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}

	// Configuration and lookup errors are not the source's fault
	if core.IsConfigurationError(err) || core.IsNotFound(err) {
		return false
	}

	// A malformed subquery fails the same way on a healthy source
	if errors.Is(err, core.ErrInvalidPayload) || errors.Is(err, core.ErrUnsupportedOperation) {
		return false
	}

	// Context cancellation - DON'T count (client gave up)
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrContextCanceled) {
		return false
	}

	return true
}

// CircuitBreaker stops calling a source after Threshold consecutive
// failures. Once Timeout has passed it lets one probe through; the probe's
// outcome closes or re-opens the circuit.
type CircuitBreaker struct {
	name       string
	threshold  int
	timeout    time.Duration
	classifier ErrorClassifier
	deps       ResilienceDependencies
	now        func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	openedAt  time.Time
	probing   bool
	listeners []func(name string, from, to CircuitState)
}

// NewCircuitBreaker creates a breaker for the named source.
func NewCircuitBreaker(name string, config core.CircuitBreakerConfig, deps ResilienceDependencies) (*CircuitBreaker, error) {
	if config.Threshold < 1 || config.Timeout <= 0 {
		return nil, &core.FrameworkError{
			Op:      "resilience.NewCircuitBreaker",
			Kind:    "config",
			ID:      name,
			Message: "threshold must be at least 1 and timeout positive",
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return &CircuitBreaker{
		name:       name,
		threshold:  config.Threshold,
		timeout:    config.Timeout,
		classifier: DefaultErrorClassifier,
		deps:       deps.withDefaults(),
		now:        time.Now,
	}, nil
}

// SetErrorClassifier replaces the failure classifier.
func (cb *CircuitBreaker) SetErrorClassifier(classifier ErrorClassifier) {
	if classifier == nil {
		classifier = DefaultErrorClassifier
	}
	cb.mu.Lock()
	cb.classifier = classifier
	cb.mu.Unlock()
}

// AddStateChangeListener registers a callback run after every transition.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// State returns the current state. An open circuit whose timeout has
// passed still reports open until the next call probes it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn if the circuit allows it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.allow() {
		cb.deps.Telemetry.RecordMetric(MetricCircuitRejections, 1, map[string]string{"source": cb.name})
		return &core.FrameworkError{
			Op:   "CircuitBreaker.Execute",
			Kind: "resilience",
			ID:   cb.name,
			Err:  core.ErrCircuitBreakerOpen,
		}
	}
	err := fn()
	cb.record(err)
	return err
}

// Wrap returns an adapter that routes every call through the breaker.
func (cb *CircuitBreaker) Wrap(next orchestration.Adapter) orchestration.Adapter {
	return orchestration.AdapterFunc(func(ctx context.Context, q orchestration.Subquery, deps orchestration.Dependencies) (*orchestration.Result, error) {
		var res *orchestration.Result
		err := cb.Execute(func() error {
			out, err := next.Execute(ctx, q, deps)
			res = out
			return err
		})
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.failures = 0
	cb.probing = false
	cb.state = StateClosed
	listeners := cb.listeners
	cb.mu.Unlock()
	if from != StateClosed {
		cb.notify(listeners, from, StateClosed)
	}
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			cb.mu.Unlock()
			return false
		}
		cb.state = StateHalfOpen
		cb.probing = true
		listeners := cb.listeners
		cb.mu.Unlock()
		cb.notify(listeners, StateOpen, StateHalfOpen)
		return true
	default:
		defer cb.mu.Unlock()
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	counted := err != nil && cb.classifier(err)

	switch {
	case err != nil && !counted:
		// Neutral outcome; a half-open circuit waits for the next probe.
		cb.probing = false
	case err == nil:
		cb.failures = 0
		cb.probing = false
		cb.state = StateClosed
	default:
		cb.failures++
		cb.probing = false
		if from == StateHalfOpen || cb.failures >= cb.threshold {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
	to := cb.state
	listeners := cb.listeners
	failures := cb.failures
	cb.mu.Unlock()

	if from != to {
		fields := map[string]interface{}{
			"operation": "circuit_state_change",
			"source":    cb.name,
			"from":      from.String(),
			"to":        to.String(),
			"failures":  failures,
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		if to == StateOpen {
			cb.deps.Logger.Warn("Circuit opened", fields)
		} else {
			cb.deps.Logger.Info("Circuit state changed", fields)
		}
		cb.notify(listeners, from, to)
	}
}

func (cb *CircuitBreaker) notify(listeners []func(string, CircuitState, CircuitState), from, to CircuitState) {
	cb.deps.Telemetry.RecordMetric(MetricCircuitTransitions, 1, map[string]string{"source": cb.name, "to": to.String()})
	for _, l := range listeners {
		l(cb.name, from, to)
	}
}
