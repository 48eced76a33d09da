package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
	"golang.org/x/sync/errgroup"
)

// ResultView is what a result query returns. URL is set only when done.
type ResultView struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

// HistoryItem is one resolved entry of a user's history. Error is set when a
// signed URL for this item could not be produced; the other items are
// unaffected.
type HistoryItem struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	Status      string    `json:"status"`
	OriginalURL string    `json:"original_url,omitempty"`
	ResultURL   string    `json:"result_url,omitempty"`
	SourceJobID string    `json:"source_job_id,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// GetResult reports the status of a job owned by requesterID and, once it is
// done, a read-only signed URL for the result. It never mutates the record.
func (m *Manager) GetResult(ctx context.Context, jobID, requesterID string) (ResultView, error) {
	job, err := m.authorize(ctx, jobID, requesterID)
	if err != nil {
		return ResultView{}, err
	}
	if job.Status != domain.JobStatusDone {
		return ResultView{Status: job.Status}, nil
	}

	signed, err := m.blobs.SignedURL(ctx, job.ResultKey, m.presignTTL)
	if err != nil {
		return ResultView{}, fmt.Errorf("%w: sign result %s: %w", domain.ErrStorage, job.ResultKey, err)
	}
	return ResultView{Status: job.Status, URL: signed}, nil
}

// ListHistory returns every job owned by requesterID, oldest first.
func (m *Manager) ListHistory(ctx context.Context, requesterID string) ([]HistoryItem, error) {
	records, err := m.jobs.ListByOwner(ctx, requesterID)
	if err != nil {
		return nil, fmt.Errorf("%w: list jobs: %w", domain.ErrPersistence, err)
	}

	items := make([]HistoryItem, len(records))
	var g errgroup.Group
	g.SetLimit(m.fanOut)
	for i, job := range records {
		g.Go(func() error {
			items[i] = m.resolveItem(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return items, nil
}

func (m *Manager) resolveItem(ctx context.Context, job domain.Job) HistoryItem {
	item := HistoryItem{
		ID:          job.ID,
		CreatedAt:   job.CreatedAt,
		Status:      job.Status,
		SourceJobID: job.SourceJobID,
	}

	originalURL, err := m.blobs.SignedURL(ctx, job.OriginalKey, m.presignTTL)
	if err != nil {
		m.logger.Printf("history sign failed job_id=%s key=%s err=%v", job.ID, job.OriginalKey, err)
		item.Error = "original url unavailable"
		return item
	}
	item.OriginalURL = originalURL

	if job.Status != domain.JobStatusDone {
		return item
	}
	resultURL, err := m.blobs.SignedURL(ctx, job.ResultKey, m.presignTTL)
	if err != nil {
		m.logger.Printf("history sign failed job_id=%s key=%s err=%v", job.ID, job.ResultKey, err)
		item.Error = "result url unavailable"
		return item
	}
	item.ResultURL = resultURL
	return item
}
