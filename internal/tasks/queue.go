// Package tasks serializes and deduplicates the background work of the conversation store.
package tasks

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Queue runs keyed units of work. At most one task with a given key is outstanding at any time; a
// second Enqueue with the same key is ignored until the first settles. Ready tasks start in priority
// order (lowest first) and a weighted semaphore bounds how many run at once.
type Queue struct {
	sem    *semaphore.Weighted
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	idle        *sync.Cond
	outstanding map[string]*task
	ready       taskHeap
	seq         uint64
}

// TaskOption configures a single Enqueue call.
type TaskOption func(*task)

type task struct {
	id       string
	priority int
	seq      uint64
	work     func(context.Context) error
	onError  func(error)
}

const errLoggerKey = "err"

// DefaultMaxConcurrent is the concurrency bound used when NewQueue receives a non-positive value.
const DefaultMaxConcurrent = 4

// NewQueue creates a queue that runs up to maxConcurrent tasks at once.
func NewQueue(maxConcurrent int64, logger *slog.Logger) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	q := &Queue{
		sem:         semaphore.NewWeighted(maxConcurrent),
		logger:      logger.With(slog.String("module", "tasks")),
		outstanding: make(map[string]*task),
	}
	q.idle = sync.NewCond(&q.mu)
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// WithPriority sets the task priority. Lower values run first among ready tasks.
func WithPriority(p int) TaskOption {
	return func(t *task) {
		t.priority = p
	}
}

// WithErrorHandler sets the callback invoked when the work fails or panics.
func WithErrorHandler(fn func(error)) TaskOption {
	return func(t *task) {
		t.onError = fn
	}
}

// Start replaces the context handed to running work with one derived from ctx. Cancelling ctx, or
// calling Stop, cancels every task that is still running.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancel()
	q.ctx, q.cancel = context.WithCancel(ctx)
}

// Stop cancels the queue context. Tasks already running observe the cancellation through their
// context; tasks enqueued afterwards still run, with an already cancelled context.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cancel()
}

// Enqueue schedules work under taskID. It returns false, without scheduling anything, when a task with
// the same id is still pending or running; the caller must not assume its work ran.
func (q *Queue) Enqueue(taskID string, work func(context.Context) error, opts ...TaskOption) bool {
	q.mu.Lock()
	if _, ok := q.outstanding[taskID]; ok {
		q.mu.Unlock()
		q.logger.Debug("Task already outstanding", slog.String("taskID", taskID))
		return false
	}

	t := &task{id: taskID, work: work}
	for _, opt := range opts {
		opt(t)
	}
	q.seq++
	t.seq = q.seq

	q.outstanding[taskID] = t
	heap.Push(&q.ready, t)
	q.mu.Unlock()

	q.dispatch()
	return true
}

// Outstanding reports whether a task with the given id is pending or running.
func (q *Queue) Outstanding(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.outstanding[taskID]
	return ok
}

// Len returns the number of pending and running tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.outstanding)
}

// Wait blocks until no task is pending or running.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.outstanding) > 0 {
		q.idle.Wait()
	}
}

// dispatch starts ready tasks while semaphore slots are available.
func (q *Queue) dispatch() {
	for {
		if !q.sem.TryAcquire(1) {
			return
		}
		q.mu.Lock()
		if q.ready.Len() == 0 {
			q.mu.Unlock()
			q.sem.Release(1)
			return
		}
		t := heap.Pop(&q.ready).(*task)
		ctx := q.ctx
		q.mu.Unlock()

		go q.run(ctx, t)
	}
}

func (q *Queue) run(ctx context.Context, t *task) {
	defer func() {
		q.sem.Release(1)

		q.mu.Lock()
		delete(q.outstanding, t.id)
		if len(q.outstanding) == 0 {
			q.idle.Broadcast()
		}
		q.mu.Unlock()

		q.dispatch()
	}()

	if err := q.execute(ctx, t); err != nil {
		q.logger.Warn("Task failed",
			slog.String("taskID", t.id),
			slog.String(errLoggerKey, err.Error()))
		if t.onError != nil {
			t.onError(err)
		}
	}
}

func (q *Queue) execute(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.id, r)
		}
	}()
	return t.work(ctx)
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
