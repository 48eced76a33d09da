package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/roomseg/internal/api"
	"github.com/dunamismax/roomseg/internal/auth"
	"github.com/dunamismax/roomseg/internal/config"
	"github.com/dunamismax/roomseg/internal/jobs"
	"github.com/dunamismax/roomseg/internal/queue"
	"github.com/dunamismax/roomseg/internal/ratelimit"
	"github.com/dunamismax/roomseg/internal/segment"
	"github.com/dunamismax/roomseg/internal/storage"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/dunamismax/roomseg/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

type blobBackend interface {
	jobs.BlobStore
	EnsureBucket(ctx context.Context) error
}

func main() {
	logger := log.New(os.Stdout, "[api] ", log.LstdFlags|log.Lmsgprefix)
	if err := run(logger); err != nil {
		logger.Fatalf("api failed: %v", err)
	}
}

func run(logger *log.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		Component:    "api",
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

	blobs, err := openBlobStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if err := blobs.EnsureBucket(ctx); err != nil {
		return err
	}

	var (
		jobStore    store.JobStore  = store.NewMemoryJobStore()
		userStore   store.UserStore = store.NewMemoryUserStore()
		healthCheck func(context.Context) error
	)
	if cfg.Database.DSN != "" {
		if err := store.Migrate(cfg.Database.DSN); err != nil {
			return err
		}
		db, err := store.OpenPostgres(ctx, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		jobStore = store.NewPostgresJobStore(db)
		userStore = store.NewPostgresUserStore(db)
		healthCheck = db.PingContext
	} else {
		logger.Printf("POSTGRES_DSN not set, job and user records are kept in memory")
	}

	segmenter, err := newSegmenter(cfg.Segmenter)
	if err != nil {
		return err
	}
	defer segment.Shutdown()

	var publisher jobs.Publisher
	var limiter api.RateLimiter
	if cfg.Queue.Enabled() {
		queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)
		defer func() {
			if err := queueClient.Close(); err != nil {
				logger.Printf("queue client close error: %v", err)
			}
		}()
		publisher = queueClient

		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()
		bucket, err := ratelimit.NewRedisTokenBucket(redisClient, ratelimit.Config{
			Default: ratelimit.Policy{Capacity: cfg.RateLimit.Capacity, Window: cfg.RateLimit.Window},
			Scopes: map[string]ratelimit.Policy{
				"resubmit": {Capacity: cfg.RateLimit.ResubmitCapacity, Window: cfg.RateLimit.Window},
			},
		})
		if err != nil {
			return err
		}
		limiter = bucket
	}

	registry := api.NewRegistry()
	manager, err := jobs.NewManager(blobs, jobStore, segmenter, jobs.Options{
		WorkerTimeout:      cfg.Jobs.WorkerTimeout,
		MaxActive:          cfg.Jobs.MaxActive,
		PresignTTL:         cfg.Storage.PresignTTL,
		HistoryConcurrency: cfg.Jobs.HistoryConcurrency,
		Publisher:          publisher,
		Logger:             logger,
		Registerer:         registry,
	})
	if err != nil {
		return err
	}

	accounts, err := auth.NewService(userStore, auth.Options{
		Secret:     cfg.Auth.Secret,
		TokenTTL:   cfg.Auth.TokenTTL,
		BcryptCost: cfg.Auth.BcryptCost,
	})
	if err != nil {
		return err
	}

	app, err := api.NewServer(api.Options{
		Jobs:           manager,
		Accounts:       accounts,
		RateLimiter:    limiter,
		Logger:         logger,
		Registry:       registry,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
		HealthCheck:    healthCheck,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  cfg.API.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf(
			"listening on %s storage=%s segmenter=%s max_active=%d worker_timeout=%s",
			cfg.API.Addr,
			cfg.Storage.Backend,
			cfg.Segmenter.Kind,
			cfg.Jobs.MaxActive,
			cfg.Jobs.WorkerTimeout,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()

	logger.Println("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	return nil
}

func openBlobStore(ctx context.Context, cfg config.StorageConfig) (blobBackend, error) {
	storageCfg := storage.Config{
		Endpoint: cfg.Endpoint,
		Access:   cfg.AccessKey,
		Secret:   cfg.SecretKey,
		Bucket:   cfg.Bucket,
		UseSSL:   cfg.UseSSL,
		Region:   cfg.Region,
	}
	switch cfg.Backend {
	case "s3":
		return storage.NewS3Client(ctx, storageCfg)
	case "memory":
		return storage.NewMemoryStore(cfg.Bucket), nil
	default:
		return storage.NewClient(storageCfg)
	}
}

func newSegmenter(cfg config.SegmenterConfig) (segment.Segmenter, error) {
	if cfg.Kind == "remote" {
		return segment.NewRemote(cfg.RemoteURL, cfg.RemoteTimeout), nil
	}
	if err := segment.Startup(); err != nil {
		return nil, err
	}
	return segment.NewOverlay(segment.Options{Labels: cfg.Labels}), nil
}
