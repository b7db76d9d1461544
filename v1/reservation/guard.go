package reservation

import (
	"context"
	"sync"
	"time"

	"github.com/FancyFong/redis-distributed-lock/v1/lock"
)

// Variant names a mutual-exclusion discipline.
type Variant string

const (
	VariantUnsynchronized Variant = "unsynchronized"
	VariantSerialized     Variant = "serialized"
	VariantDistributed    Variant = "distributed"
)

// Variants lists every supported variant.
var Variants = []Variant{VariantUnsynchronized, VariantSerialized, VariantDistributed}

// ParseVariant maps a name, as given on a command line, to a Variant.
func ParseVariant(s string) (Variant, bool) {
	for _, v := range Variants {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

// Guard runs a critical section under some mutual-exclusion discipline
// scoped to key.
type Guard interface {
	Variant() Variant
	Guard(ctx context.Context, key string, fn func(context.Context) error) error
}

type unsynchronized struct{}

// Unsynchronized returns a Guard that does not exclude anything. Concurrent
// reservations through it lose updates; it exists to measure that defect.
func Unsynchronized() Guard { return unsynchronized{} }

func (unsynchronized) Variant() Variant { return VariantUnsynchronized }

func (unsynchronized) Guard(ctx context.Context, _ string, fn func(context.Context) error) error {
	return fn(ctx)
}

type serialized struct {
	mu sync.Mutex
}

// Serialized returns a Guard with one process-wide gate shared by every
// key. It is correct on a single node but serializes all products.
func Serialized() Guard { return &serialized{} }

func (*serialized) Variant() Variant { return VariantSerialized }

func (s *serialized) Guard(ctx context.Context, _ string, fn func(context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(ctx)
}

type distributed struct {
	lock *lock.Lock
	ttl  time.Duration
}

// Distributed returns a Guard taking a per-key lease lock of length ttl.
// It does not wait: a held lock fails the call with ErrLockContention.
func Distributed(l *lock.Lock, ttl time.Duration) Guard {
	if ttl <= 0 {
		ttl = lock.DefaultLeaseDuration
	}
	return &distributed{lock: l, ttl: ttl}
}

func (*distributed) Variant() Variant { return VariantDistributed }

func (d *distributed) Guard(ctx context.Context, key string, fn func(context.Context) error) error {
	return d.lock.WithLock(ctx, key, d.ttl, fn)
}
