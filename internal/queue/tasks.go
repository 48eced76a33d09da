package queue

import (
	"encoding/json"
	"fmt"

	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	TypeJobEvent  = "job:event"
	TypeReapStale = "job:reap_stale"
)

func NewJobEventTask(event domain.JobEvent) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("marshal job event: %w", err)
	}
	return asynq.NewTask(TypeJobEvent, body), nil
}

func ParseJobEvent(task *asynq.Task) (domain.JobEvent, error) {
	var event domain.JobEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		return domain.JobEvent{}, fmt.Errorf("unmarshal job event: %w", err)
	}
	if event.JobID == "" {
		return domain.JobEvent{}, fmt.Errorf("job event has no job_id")
	}
	return event, nil
}

// NewReapStaleTask builds the periodic task that fails abandoned records. It
// carries no payload.
func NewReapStaleTask() *asynq.Task {
	return asynq.NewTask(TypeReapStale, nil)
}
