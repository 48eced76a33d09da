// Package worker consumes background tasks: job event delivery and the
// periodic reaping of abandoned jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/roomseg/internal/config"
	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/queue"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type webhookDeliverer interface {
	Deliver(ctx context.Context, event domain.JobEvent) error
}

type eventPublisher interface {
	Publish(ctx context.Context, event domain.JobEvent) error
}

type Options struct {
	// Webhook delivers events that carry a webhook URL.
	Webhook webhookDeliverer
	// Stream receives every event, typically Kafka.
	Stream eventPublisher
	// Requeue re-publishes events for reaped jobs onto the task queue.
	Requeue eventPublisher
	// Jobs enables the stale reaper when set.
	Jobs       store.JobStore
	StaleAfter time.Duration
	Logger     *log.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Server struct {
	logger     *log.Logger
	server     *asynq.Server
	scheduler  *asynq.Scheduler
	webhook    webhookDeliverer
	stream     eventPublisher
	requeue    eventPublisher
	jobs       store.JobStore
	staleAfter time.Duration
	metrics    *metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewServer(queueCfg config.QueueConfig, workerCfg config.WorkerConfig, opts Options) (*Server, error) {
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("roomseg/worker")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Jobs != nil && opts.StaleAfter <= 0 {
		return nil, fmt.Errorf("stale-after must be positive when reaping is enabled")
	}

	logger := opts.Logger
	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: max(1, workerCfg.Concurrency),
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		webhook:    opts.Webhook,
		stream:     opts.Stream,
		requeue:    opts.Requeue,
		jobs:       opts.Jobs,
		staleAfter: opts.StaleAfter,
		metrics:    newMetrics(),
		tracer:     opts.Tracer,
		now:        opts.Now,
	}

	if s.jobs != nil {
		s.scheduler = asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{
			LogLevel: asynq.WarnLevel,
		})
		if _, err := s.scheduler.Register(
			workerCfg.ReapInterval,
			queue.NewReapStaleTask(),
			asynq.Queue(queueCfg.Name),
			asynq.MaxRetry(0),
			asynq.Unique(time.Minute),
		); err != nil {
			return nil, fmt.Errorf("register reap schedule %q: %w", workerCfg.ReapInterval, err)
		}
	}
	return s, nil
}

// Run blocks until the process receives SIGINT or SIGTERM.
func (s *Server) Run() error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer s.scheduler.Shutdown()
	}
	return s.server.Run(s.mux())
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeJobEvent, s.handleJobEvent)
	mux.HandleFunc(queue.TypeReapStale, s.handleReapStale)
	return mux
}

// handleJobEvent fans an event out to the webhook and the event stream. Any
// failed delivery fails the task so that asynq retries it.
func (s *Server) handleJobEvent(ctx context.Context, task *asynq.Task) error {
	event, err := queue.ParseJobEvent(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.job_event", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", event.JobID),
		attribute.String("job.event", event.Type),
	)
	defer span.End()

	var errs []error
	if event.WebhookURL != "" && s.webhook != nil {
		if err := s.webhook.Deliver(ctx, event); err != nil {
			s.metrics.observeDelivery("webhook", err)
			s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", event.JobID, event.Type, err)
			errs = append(errs, fmt.Errorf("deliver webhook: %w", err))
		} else {
			s.metrics.observeDelivery("webhook", nil)
		}
	}
	if s.stream != nil {
		if err := s.stream.Publish(ctx, event); err != nil {
			s.metrics.observeDelivery("stream", err)
			s.logger.Printf("event stream publish failed job_id=%s event=%s err=%v", event.JobID, event.Type, err)
			errs = append(errs, fmt.Errorf("publish event: %w", err))
		} else {
			s.metrics.observeDelivery("stream", nil)
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delivery failed")
		return err
	}
	span.SetStatus(codes.Ok, "delivered")
	return nil
}

// handleReapStale fails every record still processing past the stale cutoff.
func (s *Server) handleReapStale(ctx context.Context, _ *asynq.Task) error {
	if s.jobs == nil {
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "worker.reap_stale", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	cutoff := s.now().UTC().Add(-s.staleAfter)
	reaped, err := s.jobs.FailStale(ctx, cutoff, domain.FailureAbandoned)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reap failed")
		return fmt.Errorf("fail stale jobs: %w", err)
	}
	span.SetAttributes(attribute.Int("jobs.reaped", len(reaped)))
	if len(reaped) == 0 {
		return nil
	}

	s.metrics.jobsReaped.Add(float64(len(reaped)))
	for _, job := range reaped {
		s.logger.Printf("reaped stale job job_id=%s owner_id=%s created_at=%s", job.ID, job.OwnerID, job.CreatedAt.Format(time.RFC3339))
		if s.requeue == nil {
			continue
		}
		if err := s.requeue.Publish(ctx, domain.NewJobEvent(job, s.now())); err != nil {
			s.logger.Printf("reaped job event publish failed job_id=%s err=%v", job.ID, err)
		}
	}
	return nil
}
