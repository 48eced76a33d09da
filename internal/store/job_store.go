package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job status transition")
)

// JobStore persists job records. Complete and Fail only move a record out of
// processing; a terminal record returns ErrInvalidTransition.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	ListByOwner(ctx context.Context, ownerID string) ([]domain.Job, error)
	Complete(ctx context.Context, id, resultKey string) (domain.Job, error)
	Fail(ctx context.Context, id, reason string) (domain.Job, error)
	FailStale(ctx context.Context, createdBefore time.Time, reason string) ([]domain.Job, error)
}
