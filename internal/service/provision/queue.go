package provision

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/sheetledger/internal/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
)

// HandlerFunc processes one job.
type HandlerFunc func(ctx context.Context, job Job) error

// FailureFunc is invoked when a job panics.
type FailureFunc func(ctx context.Context, job Job, reason string)

// Queue is a bounded worker pool. A user has at most one job queued or
// running at a time.
type Queue struct {
	handle    HandlerFunc
	onFailure FailureFunc
	workers   int
	logger    *slog.Logger

	mu       sync.Mutex
	jobs     chan Job
	inflight map[string]struct{}
	started  bool
	closed   bool
	wg       sync.WaitGroup

	depth prometheus.Gauge
}

// NewQueue constructs a queue with the given worker count and capacity.
func NewQueue(handle HandlerFunc, onFailure FailureFunc, workers, size int, logger *slog.Logger) *Queue {
	if workers <= 0 {
		workers = defaultWorkers
	}
	if size <= 0 {
		size = defaultQueueSize
	}
	return &Queue{
		handle:    handle,
		onFailure: onFailure,
		workers:   workers,
		logger:    logger.With("component", "provision_queue"),
		jobs:      make(chan Job, size),
		inflight:  make(map[string]struct{}),
		depth: metrics.Gauge(prometheus.GaugeOpts{
			Subsystem: "provisioning",
			Name:      "queue_depth",
			Help:      "Provisioning jobs waiting for a worker",
		}),
	}
}

// Start launches the workers. They exit when ctx is cancelled or Stop drains the queue.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	q.started = true
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
	q.logger.Info("provision workers started", "workers", q.workers, "capacity", cap(q.jobs))
}

// Enqueue submits a job without blocking.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if _, busy := q.inflight[job.UserID]; busy {
		return nil
	}
	select {
	case q.jobs <- job:
		q.inflight[job.UserID] = struct{}{}
		q.depth.Set(float64(len(q.jobs)))
		return nil
	default:
		return ErrQueueFull
	}
}

// InFlight reports whether userID has a job queued or running.
func (q *Queue) InFlight(userID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inflight[userID]
	return ok
}

// InFlightUsers lists the users with a job queued or running.
func (q *Queue) InFlightUsers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.inflight))
	for id := range q.inflight {
		out = append(out, id)
	}
	return out
}

// Stop rejects new jobs, lets workers drain the queue and waits for them.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	q.wg.Wait()
	q.logger.Info("provision workers stopped")
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, job)
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer func() {
		q.mu.Lock()
		delete(q.inflight, job.UserID)
		q.depth.Set(float64(len(q.jobs)))
		q.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("provisioning panicked: %v", r)
			q.logger.Error("provision job panicked", "user_id", job.UserID, "panic", r)
			if q.onFailure != nil {
				q.onFailure(ctx, job, reason)
			}
		}
	}()
	if err := q.handle(ctx, job); err != nil {
		q.logger.Warn("provision job finished with error", "user_id", job.UserID, "error", err)
	}
}
