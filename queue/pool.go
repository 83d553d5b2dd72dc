package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tutuCH/opcua-backend-sub000/errors"
)

// Handler processes one claimed job. Returning nil acks the job. Returning
// an error classified as invalid drops the job without retry (the source
// data itself is bad); any other error routes through Fail for retry or
// dead-lettering.
type Handler func(ctx context.Context, job *Job) error

// PoolOptions configure a worker pool.
type PoolOptions struct {
	// Concurrency is the number of independent claim->handle->ack/fail
	// loops. Defaults to 1.
	Concurrency int
	// WorkerID identifies this pool in claim records. Defaults to the
	// queue name.
	WorkerID string
	// PollInterval is the idle backoff when no job is available.
	PollInterval time.Duration
}

// RunWorkerPool spawns Concurrency consumption loops on the named queue and
// returns a stop function. Stopping is cooperative: each loop exits after
// its current job completes.
func (q *Queue) RunWorkerPool(ctx context.Context, name string, handler Handler, opts PoolOptions) (stop func()) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.WorkerID == "" {
		opts.WorkerID = name
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	for i := 0; i < opts.Concurrency; i++ {
		wg.Add(1)
		workerID := fmt.Sprintf("%s-%d", opts.WorkerID, i)
		go func() {
			defer wg.Done()
			q.consumeLoop(runCtx, name, workerID, handler, opts.PollInterval)
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
}

func (q *Queue) consumeLoop(ctx context.Context, name, workerID string, handler Handler, poll time.Duration) {
	logger := q.logger.With("queue", name, "worker", workerID)
	logger.Debug("worker loop started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker loop stopped")
			return
		}

		job, err := q.Claim(ctx, name, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("claim failed", "error", err)
			q.idle(ctx, poll)
			continue
		}
		if job == nil {
			q.idle(ctx, poll)
			continue
		}

		q.handleJob(ctx, logger, job, handler)
	}
}

// handleJob runs the handler and settles the job. The handler runs under
// the pool context but settlement uses a fresh context so a stop during
// processing still acks or fails the job (graceful drain).
func (q *Queue) handleJob(ctx context.Context, logger *slog.Logger, job *Job, handler Handler) {
	err := handler(ctx, job)

	settleCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch {
	case err == nil:
		if ackErr := q.Ack(settleCtx, job.Queue, job.ID); ackErr != nil {
			logger.Error("ack failed", "job", job.ID, "error", ackErr)
		}
	case errors.IsInvalid(err):
		// Bad source data never succeeds on retry. Drop it.
		logger.Warn("dropping job with invalid payload", "job", job.ID, "error", err)
		if ackErr := q.Ack(settleCtx, job.Queue, job.ID); ackErr != nil {
			logger.Error("ack after drop failed", "job", job.ID, "error", ackErr)
		}
		if q.core != nil {
			q.core.JobsProcessed.WithLabelValues(job.Queue, "dropped").Inc()
		}
	default:
		if failErr := q.Fail(settleCtx, job, err.Error()); failErr != nil {
			logger.Error("fail recording failed", "job", job.ID, "error", failErr)
		}
	}
}

func (q *Queue) idle(ctx context.Context, poll time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(poll):
	}
}
