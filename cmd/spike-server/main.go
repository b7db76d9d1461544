package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/FancyFong/redis-distributed-lock/v1/config"
	"github.com/FancyFong/redis-distributed-lock/v1/metrics"
	"github.com/FancyFong/redis-distributed-lock/v1/notify"
	"github.com/FancyFong/redis-distributed-lock/v1/presets"
	"github.com/FancyFong/redis-distributed-lock/v1/validator"
)

var (
	configPath = flag.String("config", "", "Path to a YAML config file")
	listen     = flag.String("listen", "", "Listen address, overrides config")
	backend    = flag.String("backend", "", "Lock backend: memory, redis, nats or etcd")
	resetLocks = flag.Bool("reset-locks", false, "Delete lock keys of every catalog product at startup")
	jsonLogs   = flag.Bool("json", false, "Log JSON instead of console output")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("service", "spike-server").Logger()
	if *jsonLogs {
		logger = zerolog.New(os.Stderr).With().Timestamp().Str("service", "spike-server").Logger()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *backend != "" {
		cfg.Backend = *backend
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		logger = logger.Level(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			logger.Fatal().Err(err).Msg("trace exporter")
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	d, err := presets.FromConfig(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("assemble deployment")
	}
	defer func() {
		if err := d.Close(); err != nil {
			logger.Warn().Err(err).Msg("close deployment")
		}
	}()

	if *resetLocks {
		for _, id := range cfg.Products.Products() {
			if err := d.Service.Lock().Break(ctx, id); err != nil {
				// Fatal exits without running deferred calls
				_ = d.Close()
				logger.Fatal().Err(err).Str("product", id).Msg("reset lock")
			}
		}
		logger.Info().Int("products", len(cfg.Products)).Msg("lock keys reset")
	}

	mode := validator.ModeAlert
	if cfg.AuditHeal {
		mode = validator.ModeAutoHeal
	}
	audit := validator.New(d.Service.Inventory(), d.Service.Lock(), mode, cfg.AuditInterval,
		validator.WithLease(cfg.LeaseDuration),
		validator.WithLogger(logger.With().Str("component", "validator").Logger()))
	go audit.Run(ctx)

	// a nil *InMemoryBus must not become a non-nil interface
	var events notify.Subscriber
	if d.Bus != nil {
		events = d.Bus
	}

	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           newMux(d.Service, events, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
	}()

	logger.Info().Str("addr", cfg.Listen).Str("backend", cfg.Backend).Msg("spike server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("serve")
		return
	}
	logger.Info().Msg("spike server stopped")
}
