package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
)

func seedJob(t *testing.T, s JobStore, id, owner string, createdAt time.Time) domain.Job {
	t.Helper()
	job := domain.Job{
		ID:          id,
		OwnerID:     owner,
		OriginalKey: "uploads/" + owner + "_" + id + ".png",
		Status:      domain.JobStatusProcessing,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	if err := s.Create(context.Background(), job); err != nil {
		t.Fatalf("seed job %s: %v", id, err)
	}
	return job
}

func TestMemoryJobStoreCompleteIsMonotone(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedJob(t, s, "job-1", "user-1", time.Now().UTC())

	done, err := s.Complete(ctx, "job-1", "results/result_job-1.png")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != domain.JobStatusDone || done.ResultKey != "results/result_job-1.png" {
		t.Fatalf("unexpected completed job: %+v", done)
	}

	if _, err := s.Fail(ctx, "job-1", "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.Complete(ctx, "job-1", "results/other.png"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on second complete, got %v", err)
	}

	got, ok, err := s.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if got.ResultKey != "results/result_job-1.png" || got.FailureReason != "" {
		t.Fatalf("terminal record was mutated: %+v", got)
	}
}

func TestMemoryJobStoreFailLeavesResultKeyEmpty(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	seedJob(t, s, "job-1", "user-1", time.Now().UTC())

	failed, err := s.Fail(ctx, "job-1", "decode failed")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != domain.JobStatusFailed || failed.ResultKey != "" {
		t.Fatalf("unexpected failed job: %+v", failed)
	}

	if _, err := s.Fail(ctx, "missing", "x"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestMemoryJobStoreListByOwnerOrder(t *testing.T) {
	s := NewMemoryJobStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	seedJob(t, s, "c", "user-1", base.Add(2*time.Minute))
	seedJob(t, s, "a", "user-1", base)
	seedJob(t, s, "b", "user-1", base)
	seedJob(t, s, "z", "user-2", base)

	jobs, err := s.ListByOwner(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if jobs[i].ID != want {
			t.Fatalf("position %d: expected %s, got %s", i, want, jobs[i].ID)
		}
	}

	empty, err := s.ListByOwner(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("list empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no jobs, got %d", len(empty))
	}
}

func TestMemoryJobStoreFailStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryJobStore()
	now := time.Now().UTC()
	seedJob(t, s, "old", "user-1", now.Add(-time.Hour))
	seedJob(t, s, "fresh", "user-1", now)
	seedJob(t, s, "old-done", "user-1", now.Add(-time.Hour))
	if _, err := s.Complete(ctx, "old-done", "results/result_old-done.png"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	reaped, err := s.FailStale(ctx, now.Add(-10*time.Minute), "processing abandoned")
	if err != nil {
		t.Fatalf("fail stale: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != "old" {
		t.Fatalf("expected only the old job reaped, got %+v", reaped)
	}

	fresh, _, _ := s.Get(ctx, "fresh")
	if fresh.Status != domain.JobStatusProcessing {
		t.Fatalf("fresh job should stay processing, got %s", fresh.Status)
	}
	done, _, _ := s.Get(ctx, "old-done")
	if done.Status != domain.JobStatusDone {
		t.Fatalf("done job must not be reaped, got %s", done.Status)
	}
}

func TestMemoryUserStoreRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryUserStore()

	if err := s.CreateUser(ctx, domain.User{ID: "u1", Email: "a@example.com"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, domain.User{ID: "u2", Email: "A@Example.com"}); !errors.Is(err, ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, ok, err := s.GetUserByEmail(ctx, "A@EXAMPLE.COM")
	if err != nil || !ok {
		t.Fatalf("get user: ok=%v err=%v", ok, err)
	}
	if user.ID != "u1" {
		t.Fatalf("expected u1, got %s", user.ID)
	}
}
