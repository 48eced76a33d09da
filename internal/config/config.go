package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
)

type Config struct {
	API       APIConfig
	Auth      AuthConfig
	Jobs      JobsConfig
	Segmenter SegmenterConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	RateLimit RateLimitConfig
	Webhook   WebhookConfig
	Kafka     KafkaConfig
	Tracing   TracingConfig
}

type APIConfig struct {
	Addr            string        `env:"ROOMSEG_API_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"API_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout    time.Duration `env:"API_WRITE_TIMEOUT" envDefault:"90s"`
	IdleTimeout     time.Duration `env:"API_IDLE_TIMEOUT" envDefault:"60s"`
	ShutdownTimeout time.Duration `env:"API_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxUploadBytes  int64         `env:"API_MAX_UPLOAD_BYTES" envDefault:"20971520"`
}

type AuthConfig struct {
	Secret     string        `env:"SECRET_KEY" envDefault:"CHANGE_ME_PLEASE"`
	TokenTTL   time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"24h"`
	BcryptCost int           `env:"AUTH_BCRYPT_COST" envDefault:"10"`
}

type JobsConfig struct {
	WorkerTimeout      time.Duration `env:"JOB_WORKER_TIMEOUT" envDefault:"60s"`
	MaxActive          int           `env:"JOB_MAX_ACTIVE"`
	StaleAfter         time.Duration `env:"JOB_STALE_AFTER" envDefault:"10m"`
	HistoryConcurrency int           `env:"JOB_HISTORY_CONCURRENCY" envDefault:"8"`
}

type SegmenterConfig struct {
	Kind          string        `env:"SEGMENTER" envDefault:"overlay"`
	Labels        bool          `env:"SEGMENTER_LABELS" envDefault:"false"`
	RemoteURL     string        `env:"SEGMENTER_URL"`
	RemoteTimeout time.Duration `env:"SEGMENTER_TIMEOUT" envDefault:"45s"`
}

type QueueConfig struct {
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	Name          string `env:"ASYNC_QUEUE" envDefault:"default"`
}

// Enabled reports whether a Redis address is configured.
func (q QueueConfig) Enabled() bool {
	return strings.TrimSpace(q.RedisAddr) != ""
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency  int    `env:"WORKER_CONCURRENCY"`
	ReapInterval string `env:"WORKER_REAP_INTERVAL" envDefault:"@every 1m"`
	MetricsAddr  string `env:"WORKER_METRICS_ADDR" envDefault:":9091"`
}

type StorageConfig struct {
	Backend    string        `env:"STORAGE_BACKEND" envDefault:"minio"`
	Endpoint   string        `env:"MINIO_ENDPOINT" envDefault:"localhost:9000"`
	AccessKey  string        `env:"MINIO_ACCESS_KEY" envDefault:"admin"`
	SecretKey  string        `env:"MINIO_SECRET_KEY" envDefault:"admin123456"`
	Bucket     string        `env:"MINIO_BUCKET" envDefault:"room-segmentation"`
	UseSSL     bool          `env:"MINIO_USE_SSL" envDefault:"false"`
	Region     string        `env:"S3_REGION" envDefault:"us-east-1"`
	PresignTTL time.Duration `env:"STORAGE_PRESIGN_TTL" envDefault:"1h"`
}

type DatabaseConfig struct {
	DSN string `env:"POSTGRES_DSN"`
}

type RateLimitConfig struct {
	Capacity         int           `env:"RATE_LIMIT_CAPACITY" envDefault:"30"`
	ResubmitCapacity int           `env:"RATE_LIMIT_RESUBMIT_CAPACITY" envDefault:"10"`
	Window           time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

type WebhookConfig struct {
	SigningSecret  string        `env:"WEBHOOK_SIGNING_SECRET"`
	Timeout        time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`
	MaxAttempts    int           `env:"WEBHOOK_MAX_ATTEMPTS" envDefault:"3"`
	InitialBackoff time.Duration `env:"WEBHOOK_INITIAL_BACKOFF" envDefault:"1s"`
	MaxBackoff     time.Duration `env:"WEBHOOK_MAX_BACKOFF" envDefault:"10s"`
}

type KafkaConfig struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"room-segmentation.jobs"`
}

type TracingConfig struct {
	ServiceName  string  `env:"OTEL_SERVICE_NAME" envDefault:"roomseg"`
	Exporter     string  `env:"OTEL_TRACES_EXPORTER" envDefault:"none"`
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool    `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	SampleRatio  float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`
}

// Load reads an optional .env file, parses the environment and validates the
// result.
func Load() (Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return Config{}, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Jobs.MaxActive <= 0 {
		c.Jobs.MaxActive = max(1, runtime.NumCPU()/2)
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = max(2, runtime.NumCPU())
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Segmenter.Kind = strings.ToLower(strings.TrimSpace(c.Segmenter.Kind))
}

func (c Config) validate() error {
	var errs []error

	switch c.Storage.Backend {
	case "minio", "s3", "memory":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND must be minio, s3 or memory, got %q", c.Storage.Backend))
	}
	if strings.TrimSpace(c.Storage.Bucket) == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required"))
	}
	if c.Storage.PresignTTL <= 0 {
		errs = append(errs, errors.New("STORAGE_PRESIGN_TTL must be positive"))
	}

	switch c.Segmenter.Kind {
	case "overlay":
	case "remote":
		if strings.TrimSpace(c.Segmenter.RemoteURL) == "" {
			errs = append(errs, errors.New("SEGMENTER_URL is required when SEGMENTER=remote"))
		}
	default:
		errs = append(errs, fmt.Errorf("SEGMENTER must be overlay or remote, got %q", c.Segmenter.Kind))
	}

	if c.Jobs.WorkerTimeout <= 0 {
		errs = append(errs, errors.New("JOB_WORKER_TIMEOUT must be positive"))
	}
	if c.Jobs.StaleAfter <= c.Jobs.WorkerTimeout {
		errs = append(errs, errors.New("JOB_STALE_AFTER must exceed JOB_WORKER_TIMEOUT"))
	}
	if c.API.WriteTimeout <= c.Jobs.WorkerTimeout {
		errs = append(errs, errors.New("API_WRITE_TIMEOUT must exceed JOB_WORKER_TIMEOUT"))
	}
	if c.API.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("API_MAX_UPLOAD_BYTES must be positive"))
	}

	if strings.TrimSpace(c.Auth.Secret) == "" {
		errs = append(errs, errors.New("SECRET_KEY is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("AUTH_TOKEN_TTL must be positive"))
	}
	if c.RateLimit.Capacity <= 0 || c.RateLimit.ResubmitCapacity <= 0 || c.RateLimit.Window <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_CAPACITY, RATE_LIMIT_RESUBMIT_CAPACITY and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1"))
	}

	return errors.Join(errs...)
}
