package reservation

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	spikeerrors "github.com/FancyFong/redis-distributed-lock/v1/errors"
	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/kv"
	"github.com/FancyFong/redis-distributed-lock/v1/lock"
	"github.com/FancyFong/redis-distributed-lock/v1/notify"
)

func newService(t *testing.T, catalog inventory.Catalog, store kv.Store, invOpts []inventory.Option, opts ...Option) *Service {
	t.Helper()
	inv, err := inventory.NewStore(catalog, invOpts...)
	if err != nil {
		t.Fatalf("inventory: %v", err)
	}
	if store == nil {
		store = kv.NewMemoryStore()
	}
	return NewService(inv, lock.New(store), opts...)
}

// reserveUntilSettled retries contended calls, the way a client would.
func reserveUntilSettled(ctx context.Context, w *Workflow, productID string) (Outcome, error) {
	for {
		out, err := w.Reserve(ctx, productID)
		if out.Status != StatusContended {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSequentialReportsAndSoldOut(t *testing.T) {
	svc := newService(t, inventory.Catalog{"1": 3}, nil, nil, WithWorkDelay(0))
	ctx := context.Background()

	want := []string{
		"National Day special: congee limited to 3 servings, 2 left, 1 successful orders",
		"National Day special: congee limited to 3 servings, 1 left, 2 successful orders",
		"National Day special: congee limited to 3 servings, 0 left, 3 successful orders",
		MsgSoldOut + ": National Day special: congee limited to 3 servings, 0 left, 3 successful orders",
		MsgSoldOut + ": National Day special: congee limited to 3 servings, 0 left, 3 successful orders",
	}
	for i, w := range want {
		if got := svc.ReserveDistributedLock(ctx, "1"); got != w {
			t.Fatalf("call %d: got %q want %q", i+1, got, w)
		}
	}
	if got := svc.Query(ctx, "1"); got != "National Day special: congee limited to 3 servings, 0 left, 3 successful orders" {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestQueryUnknownProduct(t *testing.T) {
	svc := newService(t, inventory.Catalog{"1": 3}, nil, nil)
	if got := svc.Query(context.Background(), "nope"); got != MsgNotFound("nope") {
		t.Fatalf("unexpected query %q", got)
	}
}

func TestEveryVariantReservesSequentially(t *testing.T) {
	ctx := context.Background()
	for _, v := range Variants {
		t.Run(string(v), func(t *testing.T) {
			svc := newService(t, inventory.Catalog{"1": 2}, nil, nil, WithWorkDelay(0))
			w := svc.Workflow(v)
			for i := 0; i < 2; i++ {
				out, err := w.Reserve(ctx, "1")
				if err != nil || out.Status != StatusReserved || out.ReservationID == "" {
					t.Fatalf("reserve %d: %+v %v", i, out, err)
				}
			}
			out, err := w.Reserve(ctx, "1")
			if !errors.Is(err, spikeerrors.ErrSoldOut) || out.Status != StatusSoldOut {
				t.Fatalf("expected sold out, got %+v %v", out, err)
			}
			if n := svc.Inventory().OrderCount(); n != 2 {
				t.Fatalf("expected 2 orders, got %d", n)
			}
		})
	}
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	const stock, callers = 20, 60
	backends := map[string]func(t *testing.T) kv.Store{
		"memory": func(*testing.T) kv.Store { return kv.NewMemoryStore() },
		"redis": func(t *testing.T) kv.Store {
			mr := miniredis.RunT(t)
			client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = client.Close() })
			return kv.NewRedisStore(client)
		},
	}
	for name, newKV := range backends {
		for _, v := range []Variant{VariantSerialized, VariantDistributed} {
			t.Run(name+"/"+string(v), func(t *testing.T) {
				svc := newService(t, inventory.Catalog{"1": stock}, newKV(t),
					[]inventory.Option{inventory.WithAccessLatency(100 * time.Microsecond)},
					WithWorkDelay(time.Millisecond))
				w := svc.Workflow(v)

				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				var reserved, soldOut atomic.Int64
				g, gctx := errgroup.WithContext(ctx)
				for i := 0; i < callers; i++ {
					g.Go(func() error {
						out, err := reserveUntilSettled(gctx, w, "1")
						switch out.Status {
						case StatusReserved:
							reserved.Add(1)
						case StatusSoldOut:
							soldOut.Add(1)
						default:
							return err
						}
						return nil
					})
				}
				if err := g.Wait(); err != nil {
					t.Fatalf("callers: %v", err)
				}
				snap, _ := svc.Inventory().Snapshot("1")
				if reserved.Load() != stock || soldOut.Load() != callers-stock {
					t.Fatalf("reserved=%d soldOut=%d", reserved.Load(), soldOut.Load())
				}
				if snap.Remaining != 0 || snap.Orders != stock {
					t.Fatalf("unexpected final state %+v", snap)
				}
			})
		}
	}
}

func TestUnsynchronizedLosesUpdates(t *testing.T) {
	const stock, callers = 100, 50
	svc := newService(t, inventory.Catalog{"1": stock}, nil,
		[]inventory.Option{inventory.WithAccessLatency(5 * time.Millisecond)},
		WithWorkDelay(0))

	var start sync.WaitGroup
	start.Add(1)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			start.Wait()
			svc.ReserveUnsynchronized(context.Background(), "1")
			return nil
		})
	}
	start.Done()
	_ = g.Wait()

	snap, _ := svc.Inventory().Snapshot("1")
	if snap.Orders == stock-snap.Remaining {
		t.Fatalf("expected lost updates, got consistent state %+v", snap)
	}
	if snap.Orders != callers {
		t.Fatalf("expected every caller to record an order, got %+v", snap)
	}
}

func TestHighVolumeDistributedReservations(t *testing.T) {
	const stock, calls = 100000, 500
	svc := newService(t, inventory.Catalog{"1": stock}, nil, nil, WithWork(func(context.Context) error { return nil }))
	w := svc.Workflow(VariantDistributed)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var reserved atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(100)
	for i := 0; i < calls; i++ {
		g.Go(func() error {
			out, err := reserveUntilSettled(gctx, w, "1")
			if out.Status != StatusReserved {
				return err
			}
			reserved.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("callers: %v", err)
	}
	snap, _ := svc.Inventory().Snapshot("1")
	if reserved.Load() != calls || snap.Remaining != stock-calls || snap.Orders != calls {
		t.Fatalf("reserved=%d final=%+v", reserved.Load(), snap)
	}
}

func TestSerializedGateIsSlowerAcrossProducts(t *testing.T) {
	catalog := inventory.Catalog{}
	products := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	for _, p := range products {
		catalog[p] = 10
	}
	svc := newService(t, catalog, nil, nil, WithWorkDelay(30*time.Millisecond))

	run := func(v Variant) time.Duration {
		w := svc.Workflow(v)
		start := time.Now()
		var g errgroup.Group
		for _, p := range products {
			p := p
			g.Go(func() error {
				_, err := w.Reserve(context.Background(), p)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("%s: %v", v, err)
		}
		return time.Since(start)
	}
	serialized := run(VariantSerialized)
	distributed := run(VariantDistributed)
	if serialized < time.Duration(len(products))*30*time.Millisecond {
		t.Fatalf("serialized run too fast: %s", serialized)
	}
	if distributed*2 > serialized {
		t.Fatalf("expected per-product locking to parallelize: distributed=%s serialized=%s", distributed, serialized)
	}
}

func TestTrail(t *testing.T) {
	store := kv.NewMemoryStore()
	svc := newService(t, inventory.Catalog{"1": 1}, store, nil, WithWorkDelay(0))
	w := svc.Workflow(VariantDistributed)
	ctx := context.Background()

	out, _ := w.Reserve(ctx, "1")
	want := []State{StateStart, StateLockWait, StateLocked, StateReserved, StateUnlocked, StateDone}
	if !reflect.DeepEqual(out.Trail, want) {
		t.Fatalf("reserved trail %v", out.Trail)
	}
	out, _ = w.Reserve(ctx, "1")
	want = []State{StateStart, StateLockWait, StateLocked, StateDepleted, StateUnlocked, StateDone}
	if !reflect.DeepEqual(out.Trail, want) {
		t.Fatalf("depleted trail %v", out.Trail)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("lock left behind after sold out: %v", keys)
	}

	l := svc.Lock()
	if ok, err := l.TryAcquire(ctx, "1", l.Now().Add(time.Minute)); !ok || err != nil {
		t.Fatalf("hold: %v %v", ok, err)
	}
	out, err := w.Reserve(ctx, "1")
	if !errors.Is(err, spikeerrors.ErrLockContention) {
		t.Fatalf("expected contention, got %v", err)
	}
	want = []State{StateStart, StateLockWait, StateDone}
	if !reflect.DeepEqual(out.Trail, want) {
		t.Fatalf("contended trail %v", out.Trail)
	}
	if got := Respond("1", out); got != MsgContended {
		t.Fatalf("unexpected reply %q", got)
	}
}

func TestInterruptedWorkReleasesLock(t *testing.T) {
	store := kv.NewMemoryStore()
	started := make(chan struct{})
	work := func(ctx context.Context) error {
		close(started)
		return Sleep(time.Hour)(ctx)
	}
	svc := newService(t, inventory.Catalog{"1": 5}, store, nil, WithWork(work))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan string, 1)
	go func() { done <- svc.ReserveDistributedLock(ctx, "1") }()
	<-started
	cancel()

	select {
	case got := <-done:
		if got != MsgAborted {
			t.Fatalf("unexpected reply %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reservation did not abort")
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("lock left behind after interrupt: %v", keys)
	}
	snap, _ := svc.Inventory().Snapshot("1")
	if snap.Remaining != 4 || snap.Orders != 1 {
		t.Fatalf("unexpected state after interrupt %+v", snap)
	}
}

func TestStoreUnavailableAsksToRetry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	svc := newService(t, inventory.Catalog{"1": 5}, kv.NewRedisStore(client, kv.WithTimeout(time.Second)), nil, WithWorkDelay(0))
	mr.Close()

	out, err := svc.Workflow(VariantDistributed).Reserve(context.Background(), "1")
	if !errors.Is(err, spikeerrors.ErrStoreUnavailable) || out.Status != StatusUnavailable {
		t.Fatalf("expected unavailable, got %+v %v", out, err)
	}
	if got := Respond("1", out); got != MsgContended {
		t.Fatalf("unexpected reply %q", got)
	}
	if snap, _ := svc.Inventory().Snapshot("1"); snap.Remaining != 5 {
		t.Fatalf("stock changed without a lock: %+v", snap)
	}
}

func TestUnknownProductReleasesLock(t *testing.T) {
	store := kv.NewMemoryStore()
	svc := newService(t, inventory.Catalog{"1": 5}, store, nil, WithWorkDelay(0))
	if got := svc.ReserveDistributedLock(context.Background(), "nope"); got != MsgNotFound("nope") {
		t.Fatalf("unexpected reply %q", got)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("lock left behind: %v", keys)
	}
}

func TestEventsPublishedAfterRelease(t *testing.T) {
	bus := notify.NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := bus.Subscribe(ctx, 4)

	svc := newService(t, inventory.Catalog{"1": 1}, nil, nil, WithWorkDelay(0), WithNotifier(bus))
	svc.ReserveSerialized(context.Background(), "1")
	svc.ReserveSerialized(context.Background(), "1")

	for _, want := range []notify.Kind{notify.KindReserved, notify.KindSoldOut} {
		select {
		case ev := <-events:
			if ev.Kind != want || ev.ProductID != "1" {
				t.Fatalf("unexpected event %+v, want %s", ev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("no %s event", want)
		}
	}
}

func TestParseVariant(t *testing.T) {
	for _, v := range Variants {
		if got, ok := ParseVariant(string(v)); !ok || got != v {
			t.Fatalf("ParseVariant(%q) = %q, %v", v, got, ok)
		}
	}
	if _, ok := ParseVariant("optimistic"); ok {
		t.Fatal("unexpected variant accepted")
	}
}
