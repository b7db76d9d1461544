// Package validator periodically audits a running deployment: every
// product's orders must match its stock decrease, and no lock key should
// hold a lease that expired long ago.
package validator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/lock"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	// ModeAutoHeal also releases stale leases. The release is conditional
	// on the observed token, so a lease renewed in the meantime survives.
	ModeAutoHeal
)

// Validator periodically checks inventory accounting and lock keys.
type Validator struct {
	inv        *inventory.Store
	lock       *lock.Lock
	mode       Mode
	interval   time.Duration
	grace      time.Duration
	lease      time.Duration
	logger     zerolog.Logger
	mismatches atomic.Uint64
	stale      atomic.Uint64
	healed     atomic.Uint64
	skipped    atomic.Uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used for alerts.
func WithLogger(l zerolog.Logger) Option {
	return func(v *Validator) { v.logger = l }
}

// WithGrace sets how long past its expiry a lease must be to count as
// stale. Expired leases are normally taken over by the next acquirer, so
// only leases nobody asked for again show up.
func WithGrace(d time.Duration) Option {
	return func(v *Validator) { v.grace = d }
}

// WithLease sets the lease taken on a product while its accounting is
// read.
func WithLease(d time.Duration) Option {
	return func(v *Validator) { v.lease = d }
}

// New creates a new Validator.
func New(inv *inventory.Store, l *lock.Lock, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{
		inv:      inv,
		lock:     l,
		mode:     mode,
		interval: interval,
		grace:    time.Minute,
		lease:    lock.DefaultLeaseDuration,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan runs one pass over every catalog product. With a lock, a product's
// accounting is only read while holding its lease, so reservations in
// flight are never reported; products whose lock is busy are skipped
// until the next pass.
func (v *Validator) Scan(ctx context.Context) {
	for _, id := range v.inv.Catalog().Products() {
		if v.lock == nil {
			v.checkAccounting(id)
			continue
		}
		if v.checkLease(ctx, id) {
			v.skipped.Add(1)
			continue
		}
		err := v.lock.WithLock(ctx, id, v.lease, func(context.Context) error {
			v.checkAccounting(id)
			return nil
		})
		if err != nil {
			v.skipped.Add(1)
			if !errors.Is(err, spikeerrors.ErrLockContention) {
				v.logger.Warn().Err(err).Str("product", id).Msg("audit lock unavailable")
			}
		}
	}
}

func (v *Validator) checkAccounting(productID string) {
	snap, err := v.inv.Snapshot(productID)
	if err != nil {
		return
	}
	orders := v.inv.OrdersFor(productID)
	if orders == snap.Allotted-snap.Remaining {
		return
	}
	v.mismatches.Add(1)
	if v.mode >= ModeAlert {
		v.logger.Warn().Str("product", productID).Int("allotted", snap.Allotted).
			Int("remaining", snap.Remaining).Int("orders", orders).Msg("orders do not match stock decrease")
	}
}

// checkLease reports whether a lease is still stored under productID once
// it is done. An expired lease left in place is not taken over by the
// accounting check.
func (v *Validator) checkLease(ctx context.Context, productID string) bool {
	expiry, held, err := v.lock.Expiry(ctx, productID)
	if err != nil {
		if held {
			v.stale.Add(1)
			v.logger.Warn().Err(err).Str("product", productID).Msg("unreadable lease, break it to recover")
		}
		return true
	}
	if !held {
		return false
	}
	if v.lock.Now().Sub(expiry) <= v.grace {
		return true
	}
	v.stale.Add(1)
	v.logger.Warn().Str("product", productID).Time("expired_at", expiry).Msg("stale lease")
	if v.mode != ModeAutoHeal {
		return true
	}
	deleted, err := v.lock.Reclaim(ctx, productID, expiry)
	if err != nil {
		v.logger.Warn().Err(err).Str("product", productID).Msg("release stale lease")
		return true
	}
	if !deleted {
		// taken over since it was read
		return true
	}
	v.healed.Add(1)
	return false
}

// Metrics reports the counts seen so far.
type Metrics struct {
	Mismatches uint64
	Stale      uint64
	Healed     uint64
	// Skipped counts products whose accounting was not read because their
	// lock was held.
	Skipped uint64
}

// Metrics returns the number of problems detected and healed.
func (v *Validator) Metrics() Metrics {
	return Metrics{
		Mismatches: v.mismatches.Load(),
		Stale:      v.stale.Load(),
		Healed:     v.healed.Load(),
		Skipped:    v.skipped.Load(),
	}
}
