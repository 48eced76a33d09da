// Package jobs drives an upload through storage, segmentation and its
// terminal status, and answers result and history queries.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/dunamismax/roomseg/internal/id"
	"github.com/dunamismax/roomseg/internal/segment"
	"github.com/dunamismax/roomseg/internal/storage"
	"github.com/dunamismax/roomseg/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	resultContentType = "image/png"
	maxReasonLength   = 512
)

// BlobStore is the object storage the manager writes originals and results
// to. storage.Client, storage.S3Client and storage.MemoryStore satisfy it.
type BlobStore interface {
	Put(ctx context.Context, objectKey string, data []byte, contentType string) error
	Get(ctx context.Context, objectKey string) ([]byte, error)
	Delete(ctx context.Context, objectKey string) error
	SignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Publisher receives an event after every terminal transition.
type Publisher interface {
	Publish(ctx context.Context, event domain.JobEvent) error
}

type Options struct {
	WorkerTimeout      time.Duration
	MaxActive          int
	PresignTTL         time.Duration
	HistoryConcurrency int

	Publisher  Publisher
	Logger     *log.Logger
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Manager struct {
	blobs      BlobStore
	jobs       store.JobStore
	segmenter  segment.Segmenter
	pool       *workerPool
	publisher  Publisher
	presignTTL time.Duration
	fanOut     int
	logger     *log.Logger
	metrics    *metrics
	tracer     trace.Tracer
	now        func() time.Time
}

func NewManager(blobs BlobStore, jobs store.JobStore, segmenter segment.Segmenter, opts Options) (*Manager, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("job store is required")
	}
	if segmenter == nil {
		return nil, fmt.Errorf("segmenter is required")
	}

	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard, "", 0)
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.NewRegistry()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("roomseg/jobs")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = time.Hour
	}
	if opts.HistoryConcurrency <= 0 {
		opts.HistoryConcurrency = 8
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register job metrics: %w", err)
	}

	return &Manager{
		blobs:      blobs,
		jobs:       jobs,
		segmenter:  segmenter,
		pool:       newWorkerPool(opts.MaxActive, opts.WorkerTimeout, m),
		publisher:  opts.Publisher,
		presignTTL: opts.PresignTTL,
		fanOut:     opts.HistoryConcurrency,
		logger:     opts.Logger,
		metrics:    m,
		tracer:     opts.Tracer,
		now:        opts.Now,
	}, nil
}

type SubmitRequest struct {
	OwnerID     string
	ContentType string
	Filename    string
	Data        []byte
	WebhookURL  string
}

// Handle identifies a job together with the status stored when the call
// returned.
type Handle struct {
	ID          string
	Status      string
	SourceJobID string
}

// Submit stores the original, creates a processing record and runs the
// segmenter. It returns once the record holds a terminal status, or with a
// persistence error if that final write failed. The handle carries the job id
// whenever a record was created.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (Handle, error) {
	ctx, span := m.tracer.Start(ctx, "jobs.submit", trace.WithAttributes(
		attribute.String("job.owner_id", req.OwnerID),
		attribute.Int("job.input_bytes", len(req.Data)),
	))
	defer span.End()

	if err := validateSubmit(req); err != nil {
		return Handle{}, err
	}

	now := m.now().UTC()
	originalKey := storage.OriginalKey(req.OwnerID, now, req.Filename)
	if err := m.blobs.Put(ctx, originalKey, req.Data, strings.TrimSpace(req.ContentType)); err != nil {
		return Handle{}, spanError(span, fmt.Errorf("%w: store original %s: %w", domain.ErrStorage, originalKey, err))
	}

	job := domain.Job{
		ID:          id.New(),
		OwnerID:     req.OwnerID,
		OriginalKey: originalKey,
		Status:      domain.JobStatusProcessing,
		WebhookURL:  strings.TrimSpace(req.WebhookURL),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		if delErr := m.blobs.Delete(context.WithoutCancel(ctx), originalKey); delErr != nil {
			m.logger.Printf("orphaned original cleanup failed key=%s err=%v", originalKey, delErr)
		}
		return Handle{}, spanError(span, fmt.Errorf("%w: create job: %w", domain.ErrPersistence, err))
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	handle, err := m.process(ctx, job, req.Data)
	if err != nil {
		return handle, spanError(span, err)
	}
	span.SetStatus(codes.Ok, "processed")
	return handle, nil
}

// Resubmit creates a new job that reuses the original of jobID. The source
// record is left untouched.
func (m *Manager) Resubmit(ctx context.Context, jobID, requesterID string) (Handle, error) {
	ctx, span := m.tracer.Start(ctx, "jobs.resubmit", trace.WithAttributes(
		attribute.String("job.source_id", jobID),
	))
	defer span.End()

	source, err := m.authorize(ctx, jobID, requesterID)
	if err != nil {
		return Handle{}, spanError(span, err)
	}
	if !source.Terminal() {
		return Handle{}, fmt.Errorf("%w: job %s is still processing", domain.ErrInvalidInput, jobID)
	}

	data, err := m.blobs.Get(ctx, source.OriginalKey)
	if err != nil {
		return Handle{}, spanError(span, fmt.Errorf("%w: read original %s: %w", domain.ErrStorage, source.OriginalKey, err))
	}

	now := m.now().UTC()
	job := domain.Job{
		ID:          id.New(),
		OwnerID:     source.OwnerID,
		OriginalKey: source.OriginalKey,
		Status:      domain.JobStatusProcessing,
		SourceJobID: source.ID,
		WebhookURL:  source.WebhookURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return Handle{}, spanError(span, fmt.Errorf("%w: create job: %w", domain.ErrPersistence, err))
	}
	span.SetAttributes(attribute.String("job.id", job.ID))

	handle, err := m.process(ctx, job, data)
	if err != nil {
		return handle, spanError(span, err)
	}
	span.SetStatus(codes.Ok, "processed")
	return handle, nil
}

// process runs the segmenter and stores the terminal status. It ignores
// cancellation of ctx so that a disconnected client cannot strand a record.
// Any failure after the record exists, including a failed completion write,
// is answered with a failed record before the error is returned.
func (m *Manager) process(ctx context.Context, job domain.Job, input []byte) (Handle, error) {
	ctx = context.WithoutCancel(ctx)
	startedAt := m.now()
	handle := Handle{ID: job.ID, Status: domain.JobStatusProcessing, SourceJobID: job.SourceJobID}

	done, resultKey, err := m.complete(ctx, job, input)
	if err == nil {
		handle.Status = done.Status
		m.finish(ctx, done, startedAt)
		return handle, nil
	}

	failed, failErr := m.jobs.Fail(ctx, job.ID, failureReason(err))
	if errors.Is(failErr, store.ErrInvalidTransition) {
		// The record is already terminal: either the completion write landed
		// despite its error or the reaper got there first.
		if current, ok, getErr := m.jobs.Get(ctx, job.ID); getErr == nil && ok {
			if current.Status == domain.JobStatusDone {
				handle.Status = current.Status
				m.finish(ctx, current, startedAt)
				return handle, nil
			}
			failed, failErr = current, nil
		}
	}
	if failErr != nil {
		m.observe(outcomeUnstored, startedAt)
		m.logger.Printf("job failure not stored job_id=%s cause=%v err=%v", job.ID, err, failErr)
		return handle, fmt.Errorf("%w: fail job %s: %w", domain.ErrPersistence, job.ID, failErr)
	}

	if resultKey != "" {
		if delErr := m.blobs.Delete(ctx, resultKey); delErr != nil {
			m.logger.Printf("orphaned result cleanup failed key=%s err=%v", resultKey, delErr)
		}
	}
	handle.Status = failed.Status
	m.finish(ctx, failed, startedAt)
	return handle, fmt.Errorf("%w: %w", domain.ErrProcessing, err)
}

// complete segments the input, stores the result and marks the record done.
// resultKey is set once the result blob has been written.
func (m *Manager) complete(ctx context.Context, job domain.Job, input []byte) (done domain.Job, resultKey string, err error) {
	output, err := m.segment(ctx, job, input)
	if err != nil {
		return domain.Job{}, "", err
	}

	key := storage.ResultKey(job.ID)
	if err := m.blobs.Put(ctx, key, output, resultContentType); err != nil {
		return domain.Job{}, "", fmt.Errorf("store result %s: %w", key, err)
	}

	done, err = m.jobs.Complete(ctx, job.ID, key)
	if err != nil {
		m.logger.Printf("job completion not stored job_id=%s err=%v", job.ID, err)
		return domain.Job{}, key, fmt.Errorf("complete job: %w", err)
	}
	return done, key, nil
}

func (m *Manager) segment(ctx context.Context, job domain.Job, input []byte) ([]byte, error) {
	ctx, span := m.tracer.Start(ctx, "jobs.segment", trace.WithAttributes(
		attribute.String("job.id", job.ID),
	))
	defer span.End()

	output, err := m.pool.Run(ctx, m.segmenter, input)
	if err != nil {
		return nil, spanError(span, err)
	}
	if len(output) == 0 {
		return nil, spanError(span, errors.New("segmenter returned no output"))
	}
	span.SetAttributes(attribute.Int("job.output_bytes", len(output)))
	return output, nil
}

func (m *Manager) finish(ctx context.Context, job domain.Job, startedAt time.Time) {
	m.observe(job.Status, startedAt)
	if job.Status == domain.JobStatusFailed {
		m.logger.Printf("job failed job_id=%s owner_id=%s reason=%q", job.ID, job.OwnerID, job.FailureReason)
	} else {
		m.logger.Printf("job done job_id=%s owner_id=%s result_key=%s", job.ID, job.OwnerID, job.ResultKey)
	}

	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, domain.NewJobEvent(job, m.now())); err != nil {
		m.logger.Printf("job event publish failed job_id=%s status=%s err=%v", job.ID, job.Status, err)
	}
}

func (m *Manager) observe(outcome string, startedAt time.Time) {
	m.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	m.metrics.jobDuration.WithLabelValues(outcome).Observe(m.now().Sub(startedAt).Seconds())
}

// authorize loads a job and checks that requesterID owns it.
func (m *Manager) authorize(ctx context.Context, jobID, requesterID string) (domain.Job, error) {
	job, ok, err := m.jobs.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%w: get job %s: %w", domain.ErrPersistence, jobID, err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
	}
	if job.OwnerID != requesterID {
		return domain.Job{}, fmt.Errorf("%w: job %s belongs to another user", domain.ErrForbidden, jobID)
	}
	return job, nil
}

func validateSubmit(req SubmitRequest) error {
	if strings.TrimSpace(req.OwnerID) == "" {
		return fmt.Errorf("%w: owner is required", domain.ErrInvalidInput)
	}
	if !IsImageContentType(req.ContentType) {
		return fmt.Errorf("%w: content type %q is not an image", domain.ErrInvalidInput, req.ContentType)
	}
	if webhook := strings.TrimSpace(req.WebhookURL); webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: webhook_url must be an absolute http(s) url", domain.ErrInvalidInput)
		}
	}
	return nil
}

// IsImageContentType reports whether a declared media type is image/*.
func IsImageContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

// failureReason bounds the stored reason to maxReasonLength bytes of valid
// UTF-8, cutting only on a rune boundary.
func failureReason(err error) string {
	reason := strings.ToValidUTF8(err.Error(), "\uFFFD")
	if len(reason) <= maxReasonLength {
		return reason
	}
	cut := maxReasonLength
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}

func spanError(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
