package domain

import "time"

const (
	EventJobCompleted = "job.completed"
	EventJobFailed    = "job.failed"
)

// Failure summaries shown outside the service. The stored FailureReason keeps
// the detailed cause.
const (
	FailureProcessing = "processing failed"
	FailureAbandoned  = "processing abandoned"
)

// JobEvent describes a terminal transition of a job. It is what webhooks and
// the event stream receive.
type JobEvent struct {
	Type        string    `json:"type"`
	JobID       string    `json:"job_id"`
	OwnerID     string    `json:"owner_id"`
	Status      string    `json:"status"`
	ResultKey   string    `json:"result_key,omitempty"`
	SourceJobID string    `json:"source_job_id,omitempty"`
	WebhookURL  string    `json:"webhook_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// NewJobEvent builds the event for a job that has reached a terminal status.
func NewJobEvent(job Job, at time.Time) JobEvent {
	eventType, summary := EventJobCompleted, ""
	if job.Status == JobStatusFailed {
		eventType, summary = EventJobFailed, FailureProcessing
		if job.FailureReason == FailureAbandoned {
			summary = FailureAbandoned
		}
	}
	return JobEvent{
		Type:        eventType,
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Status:      job.Status,
		ResultKey:   job.ResultKey,
		SourceJobID: job.SourceJobID,
		WebhookURL:  job.WebhookURL,
		Error:       summary,
		OccurredAt:  at.UTC(),
	}
}
