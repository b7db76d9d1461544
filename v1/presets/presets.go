// Package presets assembles ready-to-use reservation services over each
// supported lock backend.
package presets

import (
	stdErrors "errors"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/FancyFong/redis-distributed-lock/v1/config"
	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
	"github.com/FancyFong/redis-distributed-lock/v1/kv"
	"github.com/FancyFong/redis-distributed-lock/v1/lock"
	"github.com/FancyFong/redis-distributed-lock/v1/notify"
	"github.com/FancyFong/redis-distributed-lock/v1/reservation"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Settings are shared by every preset.
type Settings struct {
	Catalog       inventory.Catalog
	AccessLatency time.Duration
	// BreakerThreshold wraps remote stores in a kv.CircuitBreaker when
	// positive.
	BreakerThreshold int
	BreakerTimeout   time.Duration
	Logger           zerolog.Logger
	Options          []reservation.Option
}

// Deployment is an assembled service together with the connections it owns.
type Deployment struct {
	Service *reservation.Service
	Store   kv.Store
	// Bus is the local event bus when the memory notifier is configured,
	// nil otherwise.
	Bus *notify.InMemoryBus

	closers []func() error
}

// Close releases every connection opened by the preset, last opened first.
func (d *Deployment) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return stdErrors.Join(errs...)
}

func (d *Deployment) onClose(fn func() error) {
	d.closers = append(d.closers, fn)
}

func assemble(d *Deployment, store kv.Store, s Settings, remote bool) (*Deployment, error) {
	catalog := s.Catalog
	if catalog == nil {
		catalog = inventory.DefaultCatalog()
	}
	var invOpts []inventory.Option
	if s.AccessLatency > 0 {
		invOpts = append(invOpts, inventory.WithAccessLatency(s.AccessLatency))
	}
	inv, err := inventory.NewStore(catalog, invOpts...)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	if remote && s.BreakerThreshold > 0 {
		store = kv.NewCircuitBreaker(store, s.BreakerThreshold, s.BreakerTimeout)
	}
	l := lock.New(store, lock.WithLogger(s.Logger.With().Str("component", "lock").Logger()))
	opts := append([]reservation.Option{reservation.WithLogger(s.Logger)}, s.Options...)
	d.Store = store
	d.Service = reservation.NewService(inv, l, opts...)
	return d, nil
}

// NewInMemory creates a deployment that runs entirely in-memory with no
// external dependencies. Useful for local development and tests.
func NewInMemory(s Settings) (*Deployment, error) {
	return assemble(&Deployment{}, kv.NewMemoryStore(), s, false)
}

// NewRedis creates a deployment keeping lock keys in Redis.
func NewRedis(opts RedisOptions, s Settings) (*Deployment, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	d := &Deployment{}
	d.onClose(client.Close)
	return assemble(d, kv.NewRedisStore(client), s, true)
}

// NewNATS creates a deployment keeping lock keys in a JetStream key-value
// bucket.
func NewNATS(url, bucket string, s Settings) (*Deployment, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, errors.Wrap(err, "nats connect")
	}
	d := &Deployment{}
	d.onClose(func() error { conn.Close(); return nil })
	js, err := conn.JetStream()
	if err != nil {
		_ = d.Close()
		return nil, errors.Wrap(err, "jetstream")
	}
	store, err := kv.NewNATSStore(js, bucket)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return assemble(d, store, s, true)
}

// NewEtcd creates a deployment keeping lock keys in etcd.
func NewEtcd(endpoints []string, s Settings) (*Deployment, error) {
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints, DialTimeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "etcd client")
	}
	d := &Deployment{}
	d.onClose(cli.Close)
	return assemble(d, kv.NewEtcdStore(cli, 0), s, true)
}

// FromConfig validates cfg and builds the deployment and notifier it
// describes.
func FromConfig(cfg config.Config, logger zerolog.Logger) (*Deployment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := Settings{
		Catalog:          cfg.Products,
		AccessLatency:    cfg.AccessLatency,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerTimeout:   cfg.BreakerTimeout,
		Logger:           logger,
		Options: []reservation.Option{
			reservation.WithLeaseDuration(cfg.LeaseDuration),
			reservation.WithWorkDelay(cfg.WorkDelay),
		},
	}

	notifier, closeNotifier, err := newNotifier(cfg)
	if err != nil {
		return nil, err
	}
	s.Options = append(s.Options, reservation.WithNotifier(notifier))

	var d *Deployment
	switch cfg.Backend {
	case config.BackendRedis:
		d, err = NewRedis(RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, s)
	case config.BackendNATS:
		d, err = NewNATS(cfg.NATSURL, cfg.NATSBucket, s)
	case config.BackendEtcd:
		d, err = NewEtcd(cfg.EtcdEndpoints, s)
	default:
		d, err = NewInMemory(s)
	}
	if err != nil {
		_ = closeNotifier()
		return nil, err
	}
	d.onClose(closeNotifier)
	if bus, ok := notifier.(*notify.InMemoryBus); ok {
		d.Bus = bus
	}
	logger.Info().Str("backend", cfg.Backend).Str("notifier", cfg.Notifier).
		Int("products", len(cfg.Products)).Msg("deployment assembled")
	return d, nil
}

func newNotifier(cfg config.Config) (notify.Publisher, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Notifier {
	case config.NotifierMemory:
		return notify.NewInMemoryBus(), noop, nil
	case config.NotifierRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		return notify.NewRedisPublisher(client, cfg.Topic), client.Close, nil
	case config.NotifierNATS:
		conn, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			return nil, nil, errors.Wrap(err, "nats connect")
		}
		return notify.NewNATSPublisher(conn, cfg.Topic), func() error { conn.Close(); return nil }, nil
	case config.NotifierKafka:
		p, err := notify.NewKafkaPublisher(cfg.KafkaBrokers, nil, cfg.Topic)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	}
	return notify.Nop{}, noop, nil
}
