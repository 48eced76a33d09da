package domain

import "time"

const (
	JobStatusProcessing = "processing"
	JobStatusDone       = "done"
	JobStatusFailed     = "failed"
)

// Job is the persisted record of one upload-to-result processing attempt.
type Job struct {
	ID            string
	OwnerID       string
	OriginalKey   string
	ResultKey     string
	Status        string
	SourceJobID   string
	FailureReason string
	WebhookURL    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Terminal reports whether the job has reached done or failed.
func (j Job) Terminal() bool {
	return j.Status == JobStatusDone || j.Status == JobStatusFailed
}

var validTransitions = map[string][]string{
	JobStatusProcessing: {JobStatusDone, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Terminal statuses have no outgoing transitions.
func CanTransition(from, to string) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
