package kv

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
)

// ErrCircuitOpen is returned while the breaker rejects calls. It matches
// ErrStoreUnavailable so lock callers fail safe without special casing.
var ErrCircuitOpen = errors.Wrap(spikeerrors.ErrStoreUnavailable, "circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker decorates a Store and stops calling it after threshold
// consecutive transport failures. After timeout a single trial call is let through.
// Conditional misses (a false result) are not failures.
type CircuitBreaker struct {
	store     Store
	mu        sync.RWMutex
	state     state
	failures  int
	threshold int
	timeout   time.Duration
	lastFail  time.Time
}

// NewCircuitBreaker returns a new CircuitBreaker around store.
func NewCircuitBreaker(store Store, threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreaker{
		store:     store,
		threshold: threshold,
		timeout:   timeout,
		state:     stateClosed,
	}
}

// IsHealthy returns true if the circuit is closed or ready for a trial call.
func (cb *CircuitBreaker) IsHealthy() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	if cb.state == stateOpen {
		return time.Since(cb.lastFail) > cb.timeout
	}
	return true
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(cb.lastFail) > cb.timeout {
			cb.state = stateHalfOpen
			return true
		}
		return false
	case stateHalfOpen:
		return false
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil || !errors.Is(err, spikeerrors.ErrStoreUnavailable) {
		cb.failures = 0
		cb.state = stateClosed
		return
	}
	cb.lastFail = time.Now()
	cb.failures++
	if cb.state == stateHalfOpen || cb.failures >= cb.threshold {
		cb.state = stateOpen
	}
}

// SetNX implements Store.SetNX.
func (cb *CircuitBreaker) SetNX(ctx context.Context, key, value string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.SetNX(ctx, key, value)
	cb.record(err)
	return ok, err
}

// Get implements Store.Get.
func (cb *CircuitBreaker) Get(ctx context.Context, key string) (string, bool, error) {
	if !cb.allow() {
		return "", false, ErrCircuitOpen
	}
	v, ok, err := cb.store.Get(ctx, key)
	cb.record(err)
	return v, ok, err
}

// GetSet implements Store.GetSet.
func (cb *CircuitBreaker) GetSet(ctx context.Context, key, value string) (string, bool, error) {
	if !cb.allow() {
		return "", false, ErrCircuitOpen
	}
	v, ok, err := cb.store.GetSet(ctx, key, value)
	cb.record(err)
	return v, ok, err
}

// CompareAndSwap implements Store.CompareAndSwap.
func (cb *CircuitBreaker) CompareAndSwap(ctx context.Context, key, old, value string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndSwap(ctx, key, old, value)
	cb.record(err)
	return ok, err
}

// CompareAndDelete implements Store.CompareAndDelete.
func (cb *CircuitBreaker) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if !cb.allow() {
		return false, ErrCircuitOpen
	}
	ok, err := cb.store.CompareAndDelete(ctx, key, expected)
	cb.record(err)
	return ok, err
}

// Delete implements Store.Delete.
func (cb *CircuitBreaker) Delete(ctx context.Context, key string) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	err := cb.store.Delete(ctx, key)
	cb.record(err)
	return err
}
