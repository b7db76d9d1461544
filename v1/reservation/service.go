package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/lock"
	"github.com/FancyFong/redis-distributed-lock/v1/notify"
)

// Response messages returned to callers of Service.
const (
	MsgContended = "Too many people, please try again"
	MsgSoldOut   = "Activity ended"
	MsgAborted   = "Request aborted, please try again"
	MsgFailed    = "Reservation failed, please try again"
)

// MsgNotFound formats the reply for an unknown product.
func MsgNotFound(productID string) string {
	return fmt.Sprintf("Product %s not found", productID)
}

type options struct {
	work     Work
	lease    time.Duration
	notifier notify.Publisher
	logger   zerolog.Logger
}

// Option configures a Service.
type Option func(*options)

// WithWork sets the work run inside every critical section.
func WithWork(w Work) Option {
	return func(o *options) { o.work = w }
}

// WithWorkDelay is WithWork(Sleep(d)).
func WithWorkDelay(d time.Duration) Option {
	return WithWork(Sleep(d))
}

// WithLeaseDuration sets the lease length of the distributed variant.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *options) { o.lease = d }
}

// WithNotifier publishes reservation events to p.
func WithNotifier(p notify.Publisher) Option {
	return func(o *options) { o.notifier = p }
}

// WithLogger sets the logger used by every workflow.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Service exposes the query and the three reservation variants over one
// inventory. Every operation answers with a human readable message.
type Service struct {
	inv       *inventory.Store
	lock      *lock.Lock
	workflows map[Variant]*Workflow
}

// NewService builds a Service. The distributed variant locks through l.
func NewService(inv *inventory.Store, l *lock.Lock, opts ...Option) *Service {
	o := options{
		work:   Sleep(DefaultWorkDelay),
		lease:  lock.DefaultLeaseDuration,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	guards := []Guard{Unsynchronized(), Serialized(), Distributed(l, o.lease)}
	s := &Service{inv: inv, lock: l, workflows: make(map[Variant]*Workflow, len(guards))}
	for _, g := range guards {
		s.workflows[g.Variant()] = NewWorkflow(inv, g, o.work, o.notifier, o.logger)
	}
	return s
}

// Inventory returns the inventory the service reserves from.
func (s *Service) Inventory() *inventory.Store { return s.inv }

// Lock returns the lock used by the distributed variant.
func (s *Service) Lock() *lock.Lock { return s.lock }

// Workflow returns the workflow of variant v, or nil for an unknown variant.
func (s *Service) Workflow(v Variant) *Workflow { return s.workflows[v] }

// Query reports the current state of productID without touching it.
func (s *Service) Query(_ context.Context, productID string) string {
	report, err := s.inv.Describe(productID)
	if err != nil {
		return MsgNotFound(productID)
	}
	return report
}

// ReserveUnsynchronized reserves without any mutual exclusion.
func (s *Service) ReserveUnsynchronized(ctx context.Context, productID string) string {
	return s.reserve(ctx, VariantUnsynchronized, productID)
}

// ReserveSerialized reserves under the process-wide gate.
func (s *Service) ReserveSerialized(ctx context.Context, productID string) string {
	return s.reserve(ctx, VariantSerialized, productID)
}

// ReserveDistributedLock reserves under the per-product lease lock.
func (s *Service) ReserveDistributedLock(ctx context.Context, productID string) string {
	return s.reserve(ctx, VariantDistributed, productID)
}

func (s *Service) reserve(ctx context.Context, v Variant, productID string) string {
	out, _ := s.workflows[v].Reserve(ctx, productID)
	return Respond(productID, out)
}

// Respond renders an Outcome as the reply message.
func Respond(productID string, out Outcome) string {
	switch out.Status {
	case StatusReserved:
		return out.Snapshot.String()
	case StatusSoldOut:
		return MsgSoldOut + ": " + out.Snapshot.String()
	case StatusContended, StatusUnavailable:
		return MsgContended
	case StatusNotFound:
		return MsgNotFound(productID)
	case StatusAborted:
		return MsgAborted
	}
	return MsgFailed
}
