package queue

import (
	"context"
	"sync"
	"time"
)

// DefaultReapInterval is how often the reaper sweeps in-flight markers.
const DefaultReapInterval = 60 * time.Second

// Reaper periodically sweeps a set of queues for jobs whose visibility
// timeout expired, independent of worker activity.
type Reaper struct {
	queue    *Queue
	names    []string
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewReaper creates a reaper for the named queues.
func NewReaper(q *Queue, names []string, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultReapInterval
	}
	return &Reaper{
		queue:    q,
		names:    names,
		interval: interval,
	}
}

// Start begins the sweep loop. Calling Start on a running reaper is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sweep(runCtx)
			}
		}
	}()
}

// Sweep runs one pass over all queues immediately. Exposed for tests and
// operational tooling.
func (r *Reaper) Sweep(ctx context.Context) {
	r.sweep(ctx)
}

func (r *Reaper) sweep(ctx context.Context) {
	for _, name := range r.names {
		reaped, err := r.queue.ReapStuckJobs(ctx, name)
		if err != nil {
			r.queue.logger.Error("reap sweep failed", "queue", name, "error", err)
			continue
		}
		if reaped > 0 {
			r.queue.logger.Warn("reaped stuck jobs", "queue", name, "count", reaped)
		}
	}
}

// Stop halts the sweep loop and waits for the current pass to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.cancel()
	<-r.done
	r.started = false
}
