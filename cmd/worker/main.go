package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/dunamismax/roomseg/internal/config"
	"github.com/dunamismax/roomseg/internal/events"
	"github.com/dunamismax/roomseg/internal/queue"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/dunamismax/roomseg/internal/telemetry"
	"github.com/dunamismax/roomseg/internal/webhook"
	"github.com/dunamismax/roomseg/internal/worker"
)

func main() {
	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(logger); err != nil {
		logger.Fatalf("worker failed: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Queue.Enabled() {
		return errors.New("REDIS_ADDR is required for the worker")
	}

	ctx := context.Background()
	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Component:    "worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("tracing shutdown error: %v", err)
		}
	}()

	requeue := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
	defer func() {
		if err := requeue.Close(); err != nil {
			logger.Printf("queue client close error: %v", err)
		}
	}()

	opts := worker.Options{
		Webhook: webhook.NewClient(webhook.Config{
			SigningSecret:  cfg.Webhook.SigningSecret,
			Timeout:        cfg.Webhook.Timeout,
			MaxAttempts:    cfg.Webhook.MaxAttempts,
			InitialBackoff: cfg.Webhook.InitialBackoff,
			MaxBackoff:     cfg.Webhook.MaxBackoff,
		}),
		Requeue:    requeue,
		StaleAfter: cfg.Jobs.StaleAfter,
		Logger:     logger,
	}

	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := kafkaPublisher.Close(); err != nil {
				logger.Printf("kafka writer close error: %v", err)
			}
		}()
		opts.Stream = kafkaPublisher
	}

	if cfg.Database.DSN != "" {
		db, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		opts.Jobs = store.NewPostgresJobStore(db)
	} else {
		logger.Printf("POSTGRES_DSN not set, stale job reaping is disabled")
	}

	srv, err := worker.NewServer(cfg.Queue, cfg.Worker, opts)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv.MetricsHandler()),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Printf("metrics listening on %s", cfg.Worker.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("metrics shutdown failed: %v", err)
		}
	}()

	logger.Printf(
		"starting worker concurrency=%d queue=%s redis=%s kafka=%t reap_interval=%q",
		cfg.Worker.Concurrency,
		cfg.Queue.Name,
		cfg.Queue.RedisAddr,
		opts.Stream != nil,
		cfg.Worker.ReapInterval,
	)
	return srv.Run()
}

func metricsMux(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
