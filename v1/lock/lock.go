package lock

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
	"github.com/FancyFong/redis-distributed-lock/v1/kv"
	"github.com/FancyFong/redis-distributed-lock/v1/metrics"
)

// DefaultLeaseDuration is the lease length used when callers pass none.
const DefaultLeaseDuration = 10 * time.Second

var tracer = otel.Tracer("github.com/FancyFong/redis-distributed-lock/v1/lock")

// Token encodes a lease expiry as stored under the lock key.
func Token(expiry time.Time) string {
	return strconv.FormatInt(expiry.UnixMilli(), 10)
}

// ParseToken decodes a stored lease token back into its expiry.
func ParseToken(token string) (time.Time, error) {
	ms, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid lease token %q", token)
	}
	return time.UnixMilli(ms), nil
}

// Lock acquires and releases leases over a kv.Store.
type Lock struct {
	store  kv.Store
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Lock.
type Option func(*Lock)

// WithClock replaces the wall clock used to compute and check expiries.
// All processes sharing a store must agree on time within a small margin.
func WithClock(now func() time.Time) Option {
	return func(l *Lock) {
		l.now = now
	}
}

// WithLogger sets the logger used for takeovers and release problems.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Lock) {
		l.logger = logger
	}
}

// New returns a Lock backed by store.
func New(store kv.Store, opts ...Option) *Lock {
	l := &Lock{
		store:  store,
		now:    time.Now,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now returns the lock's notion of the current time.
func (l *Lock) Now() time.Time {
	return l.now()
}

// TryAcquire makes a single attempt to take key with a lease ending at
// expiry. It reports false when a live lease is held by someone else. A
// store error is returned alongside false: the caller must not assume
// ownership.
func (l *Lock) TryAcquire(ctx context.Context, key string, expiry time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.TryAcquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	result, err := l.tryAcquire(ctx, key, Token(expiry))
	metrics.LockAcquisitions.WithLabelValues(result).Inc()
	span.SetAttributes(attribute.String("lock.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, err
	}
	return result == resultAcquired || result == resultTakeover, nil
}

const (
	resultAcquired  = "acquired"
	resultTakeover  = "takeover"
	resultContended = "contended"
	resultError     = "error"
)

func (l *Lock) tryAcquire(ctx context.Context, key, token string) (string, error) {
	created, err := l.store.SetNX(ctx, key, token)
	if err != nil {
		return resultError, errors.Wrapf(err, "acquire %s", key)
	}
	if created {
		return resultAcquired, nil
	}

	current, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return resultError, errors.Wrapf(err, "read lease of %s", key)
	}
	if !ok || current == "" {
		// released between SetNX and Get; the next attempt will create it
		return resultContended, nil
	}
	held, err := ParseToken(current)
	if err != nil {
		l.logger.Warn().Str("key", key).Str("token", current).Msg("unreadable lease token, treating lock as held")
		return resultContended, nil
	}
	if held.UnixMilli() >= l.now().UnixMilli() {
		return resultContended, nil
	}

	swapped, err := l.store.CompareAndSwap(ctx, key, current, token)
	if err != nil {
		return resultError, errors.Wrapf(err, "take over %s", key)
	}
	if !swapped {
		return resultContended, nil
	}
	l.logger.Info().Str("key", key).Time("expired_at", held).Msg("took over expired lease")
	return resultTakeover, nil
}

// Release deletes key only if it still holds the lease ending at expiry.
// When someone else has taken the lock over in the meantime, Release is a
// no-op.
func (l *Lock) Release(ctx context.Context, key string, expiry time.Time) error {
	_, err := l.Reclaim(ctx, key, expiry)
	return err
}

// Reclaim is Release reporting whether the key was deleted. It is false
// when the stored lease no longer ends at expiry.
func (l *Lock) Reclaim(ctx context.Context, key string, expiry time.Time) (bool, error) {
	ctx, span := tracer.Start(ctx, "Lock.Release")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", key))

	deleted, err := l.store.CompareAndDelete(ctx, key, Token(expiry))
	switch {
	case err != nil:
		metrics.LockReleases.WithLabelValues("error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, errors.Wrapf(err, "release %s", key)
	case !deleted:
		metrics.LockReleases.WithLabelValues("mismatch").Inc()
		l.logger.Debug().Str("key", key).Msg("lease no longer ours, release skipped")
	default:
		metrics.LockReleases.WithLabelValues("released").Inc()
	}
	return deleted, nil
}

// WithLock runs fn while holding key for at most ttl. It returns
// ErrLockContention without running fn when the lock is held elsewhere, and
// the store error when the store could not be consulted.
//
// The lease is released on every exit path of fn, including errors, a
// cancelled ctx and panics. A failed release is logged and otherwise
// ignored: the lease expires on its own.
func (l *Lock) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultLeaseDuration
	}
	start := l.now()
	expiry := start.Add(ttl)
	ok, err := l.TryAcquire(ctx, key, expiry)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(spikeerrors.ErrLockContention, "lock %s", key)
	}

	defer func() {
		held := l.now().Sub(start)
		metrics.LockHoldSeconds.Observe(held.Seconds())
		if held >= ttl {
			l.logger.Warn().Str("key", key).Dur("held", held).Dur("lease", ttl).
				Msg("critical section outlived its lease")
		}
		if err := l.Release(context.WithoutCancel(ctx), key, expiry); err != nil {
			l.logger.Warn().Err(err).Str("key", key).Msg("release failed, lease will expire on its own")
		}
	}()
	return fn(ctx)
}

// Expiry reads the lease currently stored under key. ok is false when the
// key is free.
func (l *Lock) Expiry(ctx context.Context, key string) (expiry time.Time, ok bool, err error) {
	token, ok, err := l.store.Get(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	expiry, err = ParseToken(token)
	if err != nil {
		return time.Time{}, true, err
	}
	return expiry, true, nil
}

// Break removes key whatever it holds. It is an operator tool for clearing
// stale lock keys, not part of the acquire/release protocol.
func (l *Lock) Break(ctx context.Context, key string) error {
	if err := l.store.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "break %s", key)
	}
	return nil
}
