package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/roomseg/internal/segment"
)

// ErrWorkerTimeout is returned when a segmentation run does not finish within
// the worker timeout. Time spent waiting for a free slot counts against it.
var ErrWorkerTimeout = errors.New("segmentation worker timed out")

// workerPool runs segmenters on their own goroutines, at most cap(sem) at a
// time.
type workerPool struct {
	sem     chan struct{}
	timeout time.Duration
	metrics *metrics
}

func newWorkerPool(maxActive int, timeout time.Duration, m *metrics) *workerPool {
	return &workerPool{
		sem:     make(chan struct{}, max(1, maxActive)),
		timeout: timeout,
		metrics: m,
	}
}

type runResult struct {
	data []byte
	err  error
}

func (p *workerPool) Run(ctx context.Context, seg segment.Segmenter, input []byte) ([]byte, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, p.timedOut(ctx)
	}

	done := make(chan runResult, 1)
	p.metrics.activeWorkers.Inc()
	go func() {
		// The slot is held until the segmenter actually returns.
		defer func() {
			<-p.sem
			p.metrics.activeWorkers.Dec()
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- runResult{err: fmt.Errorf("segmenter panic: %v", r)}
			}
		}()

		data, err := seg.Segment(ctx, input)
		done <- runResult{data: data, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && ctx.Err() != nil && errors.Is(res.err, context.DeadlineExceeded) {
			return nil, p.timedOut(ctx)
		}
		return res.data, res.err
	case <-ctx.Done():
		return nil, p.timedOut(ctx)
	}
}

func (p *workerPool) timedOut(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		p.metrics.workerTimeouts.Inc()
		return fmt.Errorf("%w after %s", ErrWorkerTimeout, p.timeout)
	}
	return ctx.Err()
}
