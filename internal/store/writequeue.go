package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kiranshivaraju/faultline/internal/metrics"
)

// ErrWriterClosed is returned for units submitted after Close.
var ErrWriterClosed = errors.New("write queue closed")

const defaultQueueDepth = 256

// WriteFunc is one unit of work executed by the writer.
type WriteFunc func(ctx context.Context) error

type writeJob struct {
	ctx    context.Context
	fn     WriteFunc
	result chan error
}

// WriteQueue serializes mutations onto a single goroutine. Units run one at
// a time in submission order and each caller blocks until its unit finishes.
type WriteQueue struct {
	jobs chan writeJob
	done chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewWriteQueue starts the writer goroutine. depth bounds how many units may
// wait before Enqueue blocks.
func NewWriteQueue(depth int) *WriteQueue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &WriteQueue{
		jobs: make(chan writeJob, depth),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue submits fn and waits for its result. If ctx ends first the caller
// gets ctx.Err(); a unit that has not started yet is then skipped.
func (q *WriteQueue) Enqueue(ctx context.Context, fn WriteFunc) error {
	job := writeJob{ctx: ctx, fn: fn, result: make(chan error, 1)}

	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return ErrWriterClosed
	}
	select {
	case q.jobs <- job:
		metrics.WriteQueueDepth.Inc()
	case <-ctx.Done():
		q.mu.RUnlock()
		return ctx.Err()
	}
	q.mu.RUnlock()

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting units, drains what is queued and waits for the
// writer to exit. It is safe to call more than once.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()
	<-q.done
}

func (q *WriteQueue) run() {
	defer close(q.done)
	for job := range q.jobs {
		metrics.WriteQueueDepth.Dec()
		if err := job.ctx.Err(); err != nil {
			job.result <- err
			continue
		}
		start := time.Now()
		err := job.fn(job.ctx)
		metrics.WriteDuration.WithLabelValues(metrics.Result(err)).Observe(time.Since(start).Seconds())
		job.result <- err
	}
}
