// Package config loads the settings shared by the spike commands: an
// optional YAML file first, then SPIKE_* environment variables on top.
// Commands apply their flags last.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
)

// Backend names the key-value store holding lock keys.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNATS   = "nats"
	BackendEtcd   = "etcd"
)

// Notifier names where reservation events are published.
const (
	NotifierNone   = "none"
	NotifierMemory = "memory"
	NotifierRedis  = "redis"
	NotifierNATS   = "nats"
	NotifierKafka  = "kafka"
)

// Config holds every setting of a spike deployment.
type Config struct {
	Listen  string `yaml:"listen"`
	Backend string `yaml:"backend"`

	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
	NATSURL       string   `yaml:"nats_url"`
	NATSBucket    string   `yaml:"nats_bucket"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// BreakerThreshold consecutive store failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`

	LeaseDuration time.Duration     `yaml:"lease_duration"`
	WorkDelay     time.Duration     `yaml:"work_delay"`
	AccessLatency time.Duration     `yaml:"access_latency"`
	Products      inventory.Catalog `yaml:"products"`

	Notifier     string   `yaml:"notifier"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	Topic        string   `yaml:"topic"`

	// AuditInterval paces the background validator; zero disables it.
	AuditInterval time.Duration `yaml:"audit_interval"`
	AuditHeal     bool          `yaml:"audit_heal"`

	Tracing  bool   `yaml:"tracing"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the settings used when nothing else is given.
func Default() Config {
	return Config{
		Listen:           ":8080",
		Backend:          BackendMemory,
		RedisAddr:        "localhost:6379",
		NATSURL:          "nats://localhost:4222",
		NATSBucket:       "spike_locks",
		EtcdEndpoints:    []string{"localhost:2379"},
		BreakerThreshold: 5,
		BreakerTimeout:   5 * time.Second,
		LeaseDuration:    10 * time.Second,
		WorkDelay:        100 * time.Millisecond,
		Products:         inventory.DefaultCatalog(),
		Notifier:         NotifierNone,
		Topic:            "spike.reservations",
		AuditInterval:    30 * time.Second,
		LogLevel:         "info",
	}
}

// Load reads path over the defaults and applies the environment. An empty
// path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := cfg.Decode(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode overlays YAML data on c. A products map in data replaces the
// default catalog instead of merging with it.
func (c *Config) Decode(data []byte) error {
	var head struct {
		Products inventory.Catalog `yaml:"products"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return errors.Wrap(err, "decode config")
	}
	if head.Products != nil {
		c.Products = nil
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrap(err, "decode config")
	}
	return nil
}

// ApplyEnv overrides c with SPIKE_* variables found through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = splitList(v)
		}
	}
	str("SPIKE_LISTEN", &c.Listen)
	str("SPIKE_BACKEND", &c.Backend)
	str("SPIKE_REDIS_ADDR", &c.RedisAddr)
	str("SPIKE_REDIS_PASSWORD", &c.RedisPassword)
	str("SPIKE_NATS_URL", &c.NATSURL)
	str("SPIKE_NATS_BUCKET", &c.NATSBucket)
	list("SPIKE_ETCD_ENDPOINTS", &c.EtcdEndpoints)
	str("SPIKE_NOTIFIER", &c.Notifier)
	list("SPIKE_KAFKA_BROKERS", &c.KafkaBrokers)
	str("SPIKE_TOPIC", &c.Topic)
	str("SPIKE_LOG_LEVEL", &c.LogLevel)

	if v, ok := lookup("SPIKE_REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "SPIKE_REDIS_DB")
		}
		c.RedisDB = n
	}
	if v, ok := lookup("SPIKE_TRACING"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrap(err, "SPIKE_TRACING")
		}
		c.Tracing = b
	}
	durations := map[string]*time.Duration{
		"SPIKE_LEASE":           &c.LeaseDuration,
		"SPIKE_WORK_DELAY":      &c.WorkDelay,
		"SPIKE_ACCESS_LATENCY":  &c.AccessLatency,
		"SPIKE_BREAKER_TIMEOUT": &c.BreakerTimeout,
		"SPIKE_AUDIT_INTERVAL":  &c.AuditInterval,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return errors.Wrap(err, key)
			}
			*dst = d
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis, BackendNATS, BackendEtcd:
	default:
		return errors.Errorf("unknown backend %q", c.Backend)
	}
	switch c.Notifier {
	case "", NotifierNone, NotifierMemory, NotifierRedis, NotifierNATS:
	case NotifierKafka:
		if len(c.KafkaBrokers) == 0 {
			return errors.New("kafka notifier needs at least one broker")
		}
	default:
		return errors.Errorf("unknown notifier %q", c.Notifier)
	}
	if c.Backend == BackendEtcd && len(c.EtcdEndpoints) == 0 {
		return errors.New("etcd backend needs at least one endpoint")
	}
	if c.LeaseDuration <= 0 {
		return errors.Errorf("lease duration must be positive, got %s", c.LeaseDuration)
	}
	if c.WorkDelay < 0 || c.AccessLatency < 0 {
		return errors.New("delays must not be negative")
	}
	// worst-case hold time is the work delay plus two store round trips
	if hold := c.WorkDelay + 2*c.AccessLatency; c.LeaseDuration <= hold {
		return errors.Errorf("lease %s does not exceed worst-case hold time %s", c.LeaseDuration, hold)
	}
	if len(c.Products) == 0 {
		return errors.New("no products configured")
	}
	for id, qty := range c.Products {
		if qty < 0 {
			return errors.Errorf("product %s: negative quantity %d", id, qty)
		}
	}
	return nil
}
