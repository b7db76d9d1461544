package main

import (
	"context"
	"flag"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/FancyFong/redis-distributed-lock/v1/config"
	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/lock"
	"github.com/FancyFong/redis-distributed-lock/v1/presets"
	"github.com/FancyFong/redis-distributed-lock/v1/reservation"
)

var (
	requests    = flag.Int("n", 500, "Total number of requests")
	concurrency = flag.Int("c", 100, "Number of concurrent clients")
	variant     = flag.String("variant", string(reservation.VariantDistributed), "unsynchronized, serialized or distributed")
	product     = flag.String("product", "1", "Product id to reserve")
	stock       = flag.Int("stock", 100000, "Initial stock of the product")
	work        = flag.Duration("work", reservation.DefaultWorkDelay, "Simulated work inside the critical section")
	latency     = flag.Duration("latency", 0, "Simulated stock store round trip")
	backend     = flag.String("backend", config.BackendMemory, "Lock backend: memory, redis, nats or etcd")
	redisAddr   = flag.String("redis", "localhost:6379", "Redis address")
	natsURL     = flag.String("nats", "nats://localhost:4222", "NATS URL")
	etcdAddrs   = flag.String("etcd", "localhost:2379", "Comma separated etcd endpoints")
	resetLock   = flag.Bool("reset-lock", false, "Delete the product's lock key before the run")
)

type params struct {
	requests, concurrency int
	variant               reservation.Variant
	product               string
	stock                 int
}

type report struct {
	Reserved, Contended, SoldOut, Failed int64
	Remaining, Orders                    int
	Elapsed                              time.Duration
}

// Consistent reports whether every recorded order is accounted for by the
// stock decrease and nothing was oversold.
func (r report) Consistent(stock int) bool {
	return r.Remaining >= 0 && r.Orders == stock-r.Remaining
}

func run(ctx context.Context, svc *reservation.Service, p params) (report, error) {
	w := svc.Workflow(p.variant)
	if w == nil {
		return report{}, errors.Errorf("unknown variant %q", p.variant)
	}
	var rep report
	var reserved, contended, soldOut, failed atomic.Int64

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := 0; i < p.requests; i++ {
		g.Go(func() error {
			out, _ := w.Reserve(gctx, p.product)
			switch out.Status {
			case reservation.StatusReserved:
				reserved.Add(1)
			case reservation.StatusContended, reservation.StatusUnavailable:
				contended.Add(1)
			case reservation.StatusSoldOut:
				soldOut.Add(1)
			case reservation.StatusNotFound:
				return errors.Errorf("product %s not found", p.product)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	rep.Elapsed = time.Since(start)
	if err != nil {
		return rep, err
	}

	rep.Reserved, rep.Contended, rep.SoldOut, rep.Failed = reserved.Load(), contended.Load(), soldOut.Load(), failed.Load()
	snap, err := svc.Inventory().Snapshot(p.product)
	if err != nil {
		return rep, err
	}
	rep.Remaining, rep.Orders = snap.Remaining, snap.Orders
	return rep, nil
}

// prepare readies the product's lock key before the run. Breaking the key
// removes whatever lease it holds, so it only happens on request: on a
// shared backend another client may hold it legitimately.
func prepare(ctx context.Context, l *lock.Lock, product string, reset bool) error {
	if !reset {
		return nil
	}
	return l.Break(ctx, product)
}

func main() {
	flag.Parse()
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := bench(logger); err != nil {
		logger.Error().Err(err).Msg("benchmark failed")
		os.Exit(1)
	}
}

// bench returns instead of exiting so the deployment is always closed.
func bench(logger zerolog.Logger) error {
	v, ok := reservation.ParseVariant(*variant)
	if !ok {
		return errors.Errorf("unknown variant %q", *variant)
	}
	if *concurrency <= 0 || *requests <= 0 {
		return errors.New("-n and -c must be positive")
	}

	s := presets.Settings{
		Catalog:       inventory.Catalog{*product: *stock},
		AccessLatency: *latency,
		Logger:        logger.Level(zerolog.WarnLevel),
		Options:       []reservation.Option{reservation.WithWorkDelay(*work)},
	}
	var d *presets.Deployment
	var err error
	switch *backend {
	case config.BackendRedis:
		d, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr}, s)
	case config.BackendNATS:
		d, err = presets.NewNATS(*natsURL, "", s)
	case config.BackendEtcd:
		d, err = presets.NewEtcd(strings.Split(*etcdAddrs, ","), s)
	case config.BackendMemory:
		d, err = presets.NewInMemory(s)
	default:
		err = errors.Errorf("unknown backend %q", *backend)
	}
	if err != nil {
		return errors.Wrap(err, "setup")
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn().Err(err).Msg("close deployment")
		}
	}()
	if err := prepare(context.Background(), d.Service.Lock(), *product, *resetLock); err != nil {
		return errors.Wrap(err, "clear lock")
	}

	logger.Info().Int("requests", *requests).Int("concurrency", *concurrency).Str("variant", string(v)).
		Str("backend", *backend).Dur("work", *work).Msg("starting benchmark")

	rep, err := run(context.Background(), d.Service, params{
		requests:    *requests,
		concurrency: *concurrency,
		variant:     v,
		product:     *product,
		stock:       *stock,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Int64("reserved", rep.Reserved).
		Int64("contended", rep.Contended).
		Int64("sold_out", rep.SoldOut).
		Int64("failed", rep.Failed).
		Int("remaining", rep.Remaining).
		Int("orders", rep.Orders).
		Dur("elapsed", rep.Elapsed).
		Float64("throughput_rps", float64(*requests)/rep.Elapsed.Seconds()).
		Msg("finished")
	if !rep.Consistent(*stock) {
		logger.Error().Int("stock", *stock).Int("remaining", rep.Remaining).Int("orders", rep.Orders).
			Msg("inventory inconsistent: orders do not match the stock decrease")
		return nil
	}
	logger.Info().Msg("inventory consistent")
	return nil
}
