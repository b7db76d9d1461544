// Package inventory holds the stock table and order set that reservation
// requests compete for.
//
// A Store is safe for concurrent use in the sense that each call is atomic on
// its own. Read-modify-write sequences spanning several calls are not, and
// must be guarded by the caller.
package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
)

// Catalog maps a product id to the quantity allotted at start.
type Catalog map[string]int

// DefaultCatalog is the single flash-sale product of the demo: 100000 units
// of product "1".
func DefaultCatalog() Catalog {
	return Catalog{"1": 100000}
}

// Products returns the catalog's product ids in a stable order.
func (c Catalog) Products() []string {
	ids := make([]string, 0, len(c))
	for id := range c {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Store keeps the remaining stock per product and the accepted reservations.
type Store struct {
	catalog Catalog
	latency time.Duration

	mu     sync.RWMutex
	stock  map[string]int
	orders map[string]string
}

// Option configures a Store.
type Option func(*Store)

// WithAccessLatency adds a simulated round trip to every stock read and
// write, as if the table lived in a remote store.
func WithAccessLatency(d time.Duration) Option {
	return func(s *Store) {
		s.latency = d
	}
}

// NewStore seeds a Store from catalog. The catalog is copied and never
// changes afterwards.
func NewStore(catalog Catalog, opts ...Option) (*Store, error) {
	s := &Store{
		catalog: make(Catalog, len(catalog)),
		stock:   make(map[string]int, len(catalog)),
		orders:  make(map[string]string),
	}
	for id, qty := range catalog {
		if qty < 0 {
			return nil, errors.Errorf("product %s: negative quantity %d", id, qty)
		}
		s.catalog[id] = qty
		s.stock[id] = qty
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) roundTrip(ctx context.Context) error {
	if s.latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Catalog returns a copy of the catalog the store was seeded with.
func (s *Store) Catalog() Catalog {
	c := make(Catalog, len(s.catalog))
	for id, qty := range s.catalog {
		c[id] = qty
	}
	return c
}

// GetStock returns the remaining quantity of productID.
func (s *Store) GetStock(ctx context.Context, productID string) (int, error) {
	if err := s.roundTrip(ctx); err != nil {
		return 0, err
	}
	s.mu.RLock()
	n, ok := s.stock[productID]
	s.mu.RUnlock()
	if !ok {
		return 0, errors.Wrapf(spikeerrors.ErrNotFound, "product %s", productID)
	}
	return n, nil
}

// SetStock overwrites the remaining quantity of productID. There is no
// compare-and-swap: correctness depends on the caller holding the lock for
// productID.
func (s *Store) SetStock(ctx context.Context, productID string, n int) error {
	if err := s.roundTrip(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stock[productID]; !ok {
		return errors.Wrapf(spikeerrors.ErrNotFound, "product %s", productID)
	}
	s.stock[productID] = n
	return nil
}

// RecordOrder adds a reservation. reservationID must be freshly generated.
func (s *Store) RecordOrder(ctx context.Context, reservationID, productID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.orders[reservationID]; dup {
		return errors.Errorf("reservation %s already recorded", reservationID)
	}
	s.orders[reservationID] = productID
	return nil
}

// OrderCount returns the number of accepted reservations over all products.
func (s *Store) OrderCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.orders)
}

// OrdersFor returns the number of accepted reservations of productID.
func (s *Store) OrdersFor(productID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.orders {
		if p == productID {
			n++
		}
	}
	return n
}

// Snapshot is a point-in-time view of one product.
type Snapshot struct {
	ProductID string
	Allotted  int
	Remaining int
	Orders    int
}

// String renders the human-readable activity report.
func (s Snapshot) String() string {
	return fmt.Sprintf("National Day special: congee limited to %d servings, %d left, %d successful orders",
		s.Allotted, s.Remaining, s.Orders)
}

// Snapshot reads the catalog quantity, remaining stock and order count of
// productID. It takes no lock and may observe a slightly stale state.
func (s *Store) Snapshot(productID string) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	allotted, ok := s.catalog[productID]
	if !ok {
		return Snapshot{}, errors.Wrapf(spikeerrors.ErrNotFound, "product %s", productID)
	}
	return Snapshot{
		ProductID: productID,
		Allotted:  allotted,
		Remaining: s.stock[productID],
		Orders:    len(s.orders),
	}, nil
}

// Describe returns the report string for productID.
func (s *Store) Describe(productID string) (string, error) {
	snap, err := s.Snapshot(productID)
	if err != nil {
		return "", err
	}
	return snap.String(), nil
}
