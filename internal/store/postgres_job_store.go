package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/dunamismax/roomseg/internal/domain"
)

var jobColumns = []string{
	"id",
	"owner_id",
	"original_key",
	"result_key",
	"status",
	"source_job_id",
	"failure_reason",
	"webhook_url",
	"created_at",
	"updated_at",
}

type PostgresJobStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db, now: time.Now}
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	query, args, err := psql.Insert("jobs").
		Columns(jobColumns...).
		Values(
			job.ID,
			job.OwnerID,
			job.OriginalKey,
			job.ResultKey,
			job.Status,
			job.SourceJobID,
			job.FailureReason,
			job.WebhookURL,
			job.CreatedAt,
			job.UpdatedAt,
		).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert job: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	query, args, err := psql.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return domain.Job{}, false, fmt.Errorf("build select job: %w", err)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error) {
	query, args, err := psql.Select(jobColumns...).
		From("jobs").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at ASC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list jobs: %w", err)
	}

	return s.queryJobs(ctx, query, args...)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id, resultKey string) (domain.Job, error) {
	return s.transition(ctx, id, sq.Eq{
		"status":     domain.JobStatusDone,
		"result_key": resultKey,
	})
}

func (s *PostgresJobStore) Fail(ctx context.Context, id, reason string) (domain.Job, error) {
	return s.transition(ctx, id, sq.Eq{
		"status":         domain.JobStatusFailed,
		"failure_reason": reason,
	})
}

func (s *PostgresJobStore) FailStale(ctx context.Context, createdBefore time.Time, reason string) ([]domain.Job, error) {
	query, args, err := psql.Update("jobs").
		Set("status", domain.JobStatusFailed).
		Set("failure_reason", reason).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"status": domain.JobStatusProcessing}).
		Where(sq.Lt{"created_at": createdBefore}).
		Suffix("RETURNING " + returningColumns()).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fail stale jobs: %w", err)
	}

	jobs, err := s.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	sortJobs(jobs)
	return jobs, nil
}

// transition applies a single conditional update guarded by status =
// 'processing'. When no row matches it distinguishes a missing job from one
// that is already terminal.
func (s *PostgresJobStore) transition(ctx context.Context, id string, set sq.Eq) (domain.Job, error) {
	query, args, err := psql.Update("jobs").
		SetMap(set).
		Set("updated_at", s.now().UTC()).
		Where(sq.Eq{"id": id, "status": domain.JobStatusProcessing}).
		Suffix("RETURNING " + returningColumns()).
		ToSql()
	if err != nil {
		return domain.Job{}, fmt.Errorf("build job transition: %w", err)
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, fmt.Errorf("update job status: %w", err)
	}

	current, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return current, fmt.Errorf("%w: %s -> %v", ErrInvalidTransition, current.Status, set["status"])
}

func (s *PostgresJobStore) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]domain.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var job domain.Job
	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OriginalKey,
		&job.ResultKey,
		&job.Status,
		&job.SourceJobID,
		&job.FailureReason,
		&job.WebhookURL,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, err
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return job, nil
}

func returningColumns() string {
	return strings.Join(jobColumns, ", ")
}
