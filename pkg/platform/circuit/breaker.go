// Package circuit provides a small two-state circuit breaker used to gate
// batch submissions behind the authority's health signal.
package circuit

import "sync"

// Breaker tracks consecutive failures for fail-safe protocol operations.
// When closed, requests flow normally. After failureThreshold consecutive
// failures the circuit opens; after successThreshold consecutive successes
// while open it closes again. Probing while open is the caller's choice:
// Allow always permits the call, IsOpen only reports the gate state.
type Breaker struct {
	mu               sync.Mutex
	name             string
	open             bool
	failureCount     int
	successCount     int
	failureThreshold int
	successThreshold int
	onStateChange    func(open bool)
}

// Option configures a Breaker instance.
type Option func(*Breaker)

// WithFailureThreshold sets the number of consecutive failures to open the
// circuit. Default is 5.
func WithFailureThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithSuccessThreshold sets the number of consecutive successes to close the
// circuit. Default is 2.
func WithSuccessThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.successThreshold = n
		}
	}
}

// WithStateChange registers a hook invoked on every open/close transition.
func WithStateChange(fn func(open bool)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// New creates a circuit breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		failureThreshold: 5,
		successThreshold: 2,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Name returns the circuit breaker's name for logging/metrics.
func (b *Breaker) Name() string { return b.name }

// IsOpen returns true if the circuit is open (tripped).
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// RecordFailure records a failed operation and reports whether the circuit
// is now open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.successCount = 0

	if b.open {
		return true
	}
	if b.failureCount >= b.failureThreshold {
		b.open = true
		b.notify()
		return true
	}
	return false
}

// RecordSuccess records a successful operation and reports whether the
// circuit is closed afterwards.
func (b *Breaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.open {
		b.successCount++
		if b.successCount >= b.successThreshold {
			b.open = false
			b.failureCount = 0
			b.successCount = 0
			b.notify()
			return true
		}
		return false
	}
	b.failureCount = 0
	return true
}

// Reset returns the breaker to the closed state with zero counts.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.open
	b.open = false
	b.failureCount = 0
	b.successCount = 0
	if wasOpen {
		b.notify()
	}
}

// notify must be called with the mutex held.
func (b *Breaker) notify() {
	if b.onStateChange != nil {
		b.onStateChange(b.open)
	}
}
