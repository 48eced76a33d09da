package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/dunamismax/roomseg/internal/domain"
	"github.com/hibiken/asynq"
)

// Client hands job events to the worker through Redis. It satisfies
// jobs.Publisher.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

func (c *Client) Publish(ctx context.Context, event domain.JobEvent) error {
	task, err := NewJobEventTask(event)
	if err != nil {
		return err
	}
	if _, err := c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	); err != nil {
		return fmt.Errorf("enqueue %s job_id=%s: %w", TypeJobEvent, event.JobID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
