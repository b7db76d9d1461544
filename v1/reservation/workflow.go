package reservation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/metrics"
	"github.com/FancyFong/redis-distributed-lock/v1/notify"
)

var tracer = otel.Tracer("github.com/FancyFong/redis-distributed-lock/v1/reservation")

// DefaultWorkDelay stands in for downstream processing done while the lock
// is held.
const DefaultWorkDelay = 100 * time.Millisecond

// Work is the simulated downstream processing run inside the critical
// section, after the stock has been decremented.
type Work func(ctx context.Context) error

// Sleep returns Work that waits for d. A done ctx interrupts the wait with
// ErrInterrupted.
func Sleep(d time.Duration) Work {
	return func(ctx context.Context) error {
		if d <= 0 {
			return nil
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return nil
		case <-ctx.Done():
			return errors.Wrapf(spikeerrors.ErrInterrupted, "after %s: %v", d, ctx.Err())
		}
	}
}

// State is a step of the per-request state machine.
type State int

const (
	StateStart State = iota
	StateLockWait
	StateLocked
	StateDepleted
	StateReserved
	StateUnlocked
	StateDone
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "START"
	case StateLockWait:
		return "LOCK_WAIT"
	case StateLocked:
		return "LOCKED"
	case StateDepleted:
		return "DEPLETED"
	case StateReserved:
		return "RESERVED"
	case StateUnlocked:
		return "UNLOCKED"
	case StateDone:
		return "DONE"
	}
	return "UNKNOWN"
}

// Status is the result of one reservation request.
type Status string

const (
	StatusReserved    Status = "reserved"
	StatusSoldOut     Status = "sold_out"
	StatusContended   Status = "contended"
	StatusUnavailable Status = "unavailable"
	StatusNotFound    Status = "not_found"
	StatusAborted     Status = "aborted"
	StatusFailed      Status = "failed"
)

// Outcome reports how a request ended.
type Outcome struct {
	Status        Status
	ReservationID string
	// Snapshot is read after the critical section and may already include
	// concurrent changes.
	Snapshot inventory.Snapshot
	// Trail lists the states the request went through.
	Trail []State
}

// Workflow reserves one unit of a product under a Guard.
type Workflow struct {
	inv      *inventory.Store
	guard    Guard
	work     Work
	notifier notify.Publisher
	logger   zerolog.Logger
	newID    func() string
}

// NewWorkflow returns a Workflow over inv using guard for mutual exclusion.
// A nil work means Sleep(DefaultWorkDelay).
func NewWorkflow(inv *inventory.Store, guard Guard, work Work, notifier notify.Publisher, logger zerolog.Logger) *Workflow {
	if work == nil {
		work = Sleep(DefaultWorkDelay)
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Workflow{
		inv:      inv,
		guard:    guard,
		work:     work,
		notifier: notifier,
		logger:   logger.With().Str("variant", string(guard.Variant())).Logger(),
		newID:    uuid.NewString,
	}
}

// Variant reports the guard discipline of the workflow.
func (w *Workflow) Variant() Variant {
	return w.guard.Variant()
}

type trail struct {
	span   trace.Span
	states []State
}

func (t *trail) enter(s State) {
	t.states = append(t.states, s)
	t.span.AddEvent(s.String())
}

// Reserve runs one request through the state machine. The error is nil
// only for StatusReserved; the Outcome is filled in either way.
func (w *Workflow) Reserve(ctx context.Context, productID string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "Workflow.Reserve")
	defer span.End()
	span.SetAttributes(
		attribute.String("product.id", productID),
		attribute.String("reservation.variant", string(w.guard.Variant())),
	)

	tr := &trail{span: span}
	tr.enter(StateStart)
	tr.enter(StateLockWait)

	var reservationID string
	var remaining int
	entered := false
	err := w.guard.Guard(ctx, productID, func(ctx context.Context) error {
		entered = true
		tr.enter(StateLocked)
		stock, err := w.inv.GetStock(ctx, productID)
		if err != nil {
			return err
		}
		if stock <= 0 {
			tr.enter(StateDepleted)
			return errors.Wrapf(spikeerrors.ErrSoldOut, "product %s", productID)
		}
		id := w.newID()
		if err := w.inv.RecordOrder(ctx, id, productID); err != nil {
			return err
		}
		if err := w.inv.SetStock(ctx, productID, stock-1); err != nil {
			return err
		}
		reservationID, remaining = id, stock-1
		tr.enter(StateReserved)
		return w.work(ctx)
	})
	if entered {
		tr.enter(StateUnlocked)
	}
	tr.enter(StateDone)

	out := Outcome{Status: classify(err), ReservationID: reservationID, Trail: tr.states}
	if snap, snapErr := w.inv.Snapshot(productID); snapErr == nil {
		out.Snapshot = snap
	}
	span.SetAttributes(attribute.String("reservation.status", string(out.Status)))
	metrics.Reservations.WithLabelValues(string(w.guard.Variant()), string(out.Status)).Inc()
	w.log(productID, out, err)
	w.announce(ctx, productID, out, remaining)
	return out, err
}

func classify(err error) Status {
	switch {
	case err == nil:
		return StatusReserved
	case errors.Is(err, spikeerrors.ErrSoldOut):
		return StatusSoldOut
	case errors.Is(err, spikeerrors.ErrLockContention):
		return StatusContended
	case errors.Is(err, spikeerrors.ErrStoreUnavailable):
		return StatusUnavailable
	case errors.Is(err, spikeerrors.ErrNotFound):
		return StatusNotFound
	case errors.Is(err, spikeerrors.ErrInterrupted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return StatusAborted
	}
	return StatusFailed
}

func (w *Workflow) log(productID string, out Outcome, err error) {
	switch out.Status {
	case StatusReserved:
		w.logger.Debug().Str("product", productID).Str("reservation", out.ReservationID).
			Int("remaining", out.Snapshot.Remaining).Msg("reserved")
	case StatusSoldOut:
		w.logger.Info().Str("product", productID).Msg("sold out")
	case StatusContended:
		w.logger.Debug().Str("product", productID).Msg("lock contended")
	case StatusNotFound:
		w.logger.Debug().Str("product", productID).Msg("unknown product")
	default:
		w.logger.Warn().Err(err).Str("product", productID).Str("status", string(out.Status)).Msg("reservation failed")
	}
}

func (w *Workflow) announce(ctx context.Context, productID string, out Outcome, remaining int) {
	var kind notify.Kind
	switch out.Status {
	case StatusReserved:
		kind = notify.KindReserved
	case StatusSoldOut:
		kind = notify.KindSoldOut
	default:
		return
	}
	ev, err := notify.NewEvent(kind, productID, out.ReservationID, remaining)
	if err == nil {
		err = w.notifier.Publish(context.WithoutCancel(ctx), ev)
	}
	if err != nil {
		w.logger.Warn().Err(err).Str("product", productID).Msg("publish reservation event")
	}
}
