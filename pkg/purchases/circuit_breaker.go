package purchases

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState string

const (
	StateClosed   CircuitBreakerState = "closed"
	StateOpen     CircuitBreakerState = "open"
	StateHalfOpen CircuitBreakerState = "half_open"
)

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 30 * time.Second
)

// ErrCircuitOpen is returned when the circuit breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreakerConfig configures the breaker around the backend.
type CircuitBreakerConfig struct {
	// Enabled turns the breaker on.
	Enabled bool

	// FailureThreshold is the number of consecutive server failures that
	// open the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is how long the circuit stays open before a trial call
	// is let through (default: 30s)
	ResetTimeout time.Duration
}

// CircuitBreaker decides whether a call may proceed.
type CircuitBreaker interface {
	// Execute runs fn unless the circuit is open.
	Execute(ctx context.Context, fn func() error) error
	Success()
	Failure(err error)
	State() CircuitBreakerState
}

// DefaultCircuitBreaker is a consecutive-failure circuit breaker.
type DefaultCircuitBreaker struct {
	mu sync.RWMutex

	state               CircuitBreakerState
	failureThreshold    int
	resetTimeout        time.Duration
	consecutiveFailures int
	lastFailureTime     time.Time
	clock               Clock

	// isFailure filters which errors count against the threshold.
	isFailure     func(err error) bool
	onStateChange func(state CircuitBreakerState)
}

// NewDefaultCircuitBreaker creates a circuit breaker. Only errors for which
// isFailure reports true are counted; a nil isFailure counts every error.
func NewDefaultCircuitBreaker(
	config CircuitBreakerConfig,
	clock Clock,
	isFailure func(err error) bool,
	onStateChange func(state CircuitBreakerState),
) *DefaultCircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaultResetTimeout
	}
	if isFailure == nil {
		isFailure = func(error) bool { return true }
	}
	return &DefaultCircuitBreaker{
		state:            StateClosed,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		clock:            clockOrSystem(clock),
		isFailure:        isFailure,
		onStateChange:    onStateChange,
	}
}

func (cb *DefaultCircuitBreaker) State() CircuitBreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.currentState()
}

func (cb *DefaultCircuitBreaker) currentState() CircuitBreakerState {
	if cb.state == StateOpen && cb.clock.Now().Sub(cb.lastFailureTime) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *DefaultCircuitBreaker) Execute(_ context.Context, fn func() error) error {
	cb.mu.Lock()
	state := cb.currentState()
	if state == StateOpen {
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	if state == StateHalfOpen {
		cb.changeState(StateHalfOpen)
	}
	cb.mu.Unlock()

	err := fn()
	if err != nil && cb.isFailure(err) {
		cb.Failure(err)
		return err
	}

	cb.Success()
	return err
}

func (cb *DefaultCircuitBreaker) Success() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateClosed {
		cb.changeState(StateClosed)
	}
	cb.consecutiveFailures = 0
}

func (cb *DefaultCircuitBreaker) Failure(_ error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = cb.clock.Now()

	switch {
	case cb.state == StateClosed && cb.consecutiveFailures >= cb.failureThreshold:
		cb.changeState(StateOpen)
	case cb.state == StateHalfOpen:
		cb.changeState(StateOpen)
	}
}

func (cb *DefaultCircuitBreaker) changeState(newState CircuitBreakerState) {
	if cb.state != newState {
		cb.state = newState
		if cb.onStateChange != nil {
			cb.onStateChange(newState)
		}
	}
}

// CircuitBreakerBackend wraps a Backend with a circuit breaker. While the
// circuit is open calls fail fast with a server-classified network error,
// which lets the offline entitlements path engage.
type CircuitBreakerBackend struct {
	backend Backend
	cb      CircuitBreaker
}

// NewCircuitBreakerBackend creates a new circuit breaker backend wrapper.
func NewCircuitBreakerBackend(backend Backend, cb CircuitBreaker) *CircuitBreakerBackend {
	return &CircuitBreakerBackend{
		backend: backend,
		cb:      cb,
	}
}

// IsServerFailure reports whether err is a server-side backend failure.
func IsServerFailure(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.IsServerError
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, context.DeadlineExceeded)
}

func (b *CircuitBreakerBackend) run(ctx context.Context, fn func() error) error {
	err := b.cb.Execute(ctx, fn)
	if errors.Is(err, ErrCircuitOpen) {
		return &BackendError{
			Err:           WrapError(NetworkError, err),
			IsServerError: true,
			Behavior:      ShouldNotConsume,
		}
	}
	return err
}

func (b *CircuitBreakerBackend) GetCustomerInfo(
	ctx context.Context,
	appUserID string,
	appInBackground bool,
) (*CustomerInfo, error) {
	var info *CustomerInfo
	err := b.run(ctx, func() error {
		var err error
		info, err = b.backend.GetCustomerInfo(ctx, appUserID, appInBackground)
		return err
	})
	return info, err
}

func (b *CircuitBreakerBackend) PostReceiptData(ctx context.Context, req *PostReceiptRequest) (*PostReceiptResponse, error) {
	var resp *PostReceiptResponse
	err := b.run(ctx, func() error {
		var err error
		resp, err = b.backend.PostReceiptData(ctx, req)
		return err
	})
	return resp, err
}

func (b *CircuitBreakerBackend) GetProductEntitlementMapping(ctx context.Context) (*ProductEntitlementMapping, error) {
	var m *ProductEntitlementMapping
	err := b.run(ctx, func() error {
		var err error
		m, err = b.backend.GetProductEntitlementMapping(ctx)
		return err
	})
	return m, err
}

func (b *CircuitBreakerBackend) LogIn(
	ctx context.Context,
	currentAppUserID, newAppUserID string,
) (*CustomerInfo, bool, error) {
	var (
		info    *CustomerInfo
		created bool
	)
	err := b.run(ctx, func() error {
		var err error
		info, created, err = b.backend.LogIn(ctx, currentAppUserID, newAppUserID)
		return err
	})
	return info, created, err
}
