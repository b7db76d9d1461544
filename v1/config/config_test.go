package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/FancyFong/redis-distributed-lock/v1/inventory"
)

func env(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Products["1"] != 100000 {
		t.Fatalf("unexpected default catalog %v", cfg.Products)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "spike.yaml")
	data := `
backend: redis
redis_addr: cache:6379
lease_duration: 3s
work_delay: 50ms
products:
  "7": 12
  "8": 0
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("SPIKE_REDIS_ADDR", "override:6380")
	t.Setenv("SPIKE_TRACING", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendRedis || cfg.RedisAddr != "override:6380" || !cfg.Tracing {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.LeaseDuration != 3*time.Second || cfg.WorkDelay != 50*time.Millisecond {
		t.Fatalf("unexpected durations %s %s", cfg.LeaseDuration, cfg.WorkDelay)
	}
	if want := (inventory.Catalog{"7": 12, "8": 0}); !reflect.DeepEqual(cfg.Products, want) {
		t.Fatalf("products %v, want %v", cfg.Products, want)
	}
	if cfg.Listen != ":8080" {
		t.Fatalf("expected default listen, got %q", cfg.Listen)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(env(map[string]string{
		"SPIKE_BACKEND":        "etcd",
		"SPIKE_ETCD_ENDPOINTS": "a:2379, b:2379,",
		"SPIKE_LEASE":          "2s",
		"SPIKE_REDIS_DB":       "3",
		"SPIKE_NOTIFIER":       "kafka",
		"SPIKE_KAFKA_BROKERS":  "k1:9092",
	}))
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Backend != BackendEtcd || !reflect.DeepEqual(cfg.EtcdEndpoints, []string{"a:2379", "b:2379"}) {
		t.Fatalf("unexpected etcd settings %+v", cfg)
	}
	if cfg.LeaseDuration != 2*time.Second || cfg.RedisDB != 3 {
		t.Fatalf("unexpected values %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	for _, bad := range []map[string]string{
		{"SPIKE_LEASE": "soon"},
		{"SPIKE_REDIS_DB": "zero"},
		{"SPIKE_TRACING": "maybe"},
	} {
		c := Default()
		if err := c.ApplyEnv(env(bad)); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestValidate(t *testing.T) {
	cases := map[string]struct {
		mutate func(*Config)
		want   string
	}{
		"backend":        {func(c *Config) { c.Backend = "zookeeper" }, "unknown backend"},
		"notifier":       {func(c *Config) { c.Notifier = "smtp" }, "unknown notifier"},
		"kafka brokers":  {func(c *Config) { c.Notifier = NotifierKafka }, "broker"},
		"lease":          {func(c *Config) { c.LeaseDuration = 0 }, "positive"},
		"lease margin":   {func(c *Config) { c.LeaseDuration = c.WorkDelay }, "worst-case"},
		"latency margin": {func(c *Config) { c.LeaseDuration = time.Second; c.WorkDelay = 0; c.AccessLatency = time.Second }, "worst-case"},
		"negative stock": {func(c *Config) { c.Products = inventory.Catalog{"1": -1} }, "negative quantity"},
		"no products":    {func(c *Config) { c.Products = nil }, "no products"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}
