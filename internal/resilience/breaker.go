package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Breaker tuning per outbound dependency. Model providers get more slack
// than the embedding and vector services because their failures are
// costlier to confirm.
const (
	LLMFailureThreshold = 5
	LLMRecoveryTimeout  = 30 * time.Second

	EmbedFailureThreshold = 3
	EmbedRecoveryTimeout  = 30 * time.Second

	VectorFailureThreshold = 3
	VectorRecoveryTimeout  = 60 * time.Second
)

// OpenError reports a call refused because the breaker is open.
type OpenError struct {
	Name string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("resilience: circuit breaker %s is open", e.Name)
}

// IsBreakerOpen reports whether err is an open-breaker refusal.
func IsBreakerOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Breaker is a consecutive-failure circuit breaker. It opens after
// threshold counted failures, refuses calls for the recovery window,
// then lets trial calls through; one success closes it, one failure
// reopens it with a fresh window.
type Breaker struct {
	name      string
	threshold int
	recovery  time.Duration

	mu       sync.Mutex
	failures int
	openedAt time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		name:      name,
		threshold: failureThreshold,
		recovery:  recoveryTimeout,
	}
}

// Allow reports whether a call may proceed. Calls during the recovery
// window are refused with an OpenError; after it, trials pass through.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openedAt.IsZero() {
		return nil
	}
	if time.Since(b.openedAt) >= b.recovery {
		return nil
	}
	return &OpenError{Name: b.name}
}

// RecordSuccess closes the breaker and clears the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedAt = time.Time{}
}

// RecordFailure counts one failure. At the threshold the breaker opens;
// a failure after the recovery window (a failed trial) reopens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
	}
}

// State reports "closed", "open", or "half_open" for logs and metrics.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.openedAt.IsZero():
		return "closed"
	case time.Since(b.openedAt) >= b.recovery:
		return "half_open"
	default:
		return "open"
	}
}

// Registry hands out one breaker per target so one provider's outage
// never blocks fallback to another.
type Registry struct {
	threshold int
	recovery  time.Duration

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying the same tuning to every target.
func NewRegistry(failureThreshold int, recoveryTimeout time.Duration) *Registry {
	return &Registry{
		threshold: failureThreshold,
		recovery:  recoveryTimeout,
		breakers:  make(map[string]*Breaker),
	}
}

// For returns the breaker for name, creating it on first use.
func (r *Registry) For(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.threshold, r.recovery)
		r.breakers[name] = b
	}
	return b
}
