// Package notify announces reservation outcomes to other services. Events
// are published after the lock has been released; a failed publish never
// fails the reservation it describes.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
)

// DefaultTopic is the channel, subject or topic events are published on.
const DefaultTopic = "spike.reservations"

// Kind tells what happened to a reservation request.
type Kind string

const (
	KindReserved Kind = "reserved"
	KindSoldOut  Kind = "sold_out"
)

// Event describes one reservation outcome.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	ProductID     string    `json:"product_id"`
	ReservationID string    `json:"reservation_id,omitempty"`
	Remaining     int       `json:"remaining"`
	At            time.Time `json:"at"`
}

// NewEvent stamps a new event with a random id and the current time.
func NewEvent(kind Kind, productID, reservationID string, remaining int) (Event, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:            id,
		Kind:          kind,
		ProductID:     productID,
		ReservationID: reservationID,
		Remaining:     remaining,
		At:            time.Now().UTC(),
	}, nil
}

func (e Event) encode() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.Publish.
func (Nop) Publish(context.Context, Event) error { return nil }

// Metrics reports publish and delivery counts.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a local Publisher with subscribers, used by tests and
// single-node runs.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      []chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{}
}

// Publish implements Publisher.Publish. Slow subscribers miss events rather
// than block the publisher.
func (b *InMemoryBus) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	// sends are non-blocking, so holding the lock keeps unsubscribe from
	// closing a channel mid-send
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
			b.delivered.Add(1)
		default:
		}
	}
	return nil
}

// Subscribe returns a channel receiving events until ctx is done.
func (b *InMemoryBus) Subscribe(ctx context.Context, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		b.unsubscribe(ch)
	}()
	return ch
}

func (b *InMemoryBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, c := range b.subs {
		if c == ch {
			b.subs[i] = b.subs[len(b.subs)-1]
			b.subs = b.subs[:len(b.subs)-1]
			close(c)
			return
		}
	}
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Subscribers returns the number of live subscriptions.
func (b *InMemoryBus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
