package delivery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"hookrelay/pkg/errors"
	"hookrelay/pkg/metrics"
)

// Queue is a work queue drained by a bounded set of workers.
type Queue[T any] interface {
	// Enqueue blocks while the queue is full.
	Enqueue(ctx context.Context, item T) error
	// EnqueueAfter makes item available once delay has passed.
	EnqueueAfter(item T, delay time.Duration)
	// Start launches the workers. It returns immediately.
	Start(ctx context.Context, process func(context.Context, T))
	// Wait blocks until the workers launched by Start have returned.
	Wait()
	Len() int
	Delayed() int
	Close()
}

var errQueueClosed = errors.ErrServiceUnavailable.WithDetail("message", "delivery queue is closed")

// MemoryQueue is an in-process Queue backed by a buffered channel.
type MemoryQueue[T any] struct {
	name    string
	workers int
	items   chan T

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
	delayed  atomic.Int64
}

func NewMemoryQueue[T any](name string, workers, capacity int) *MemoryQueue[T] {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1000
	}
	return &MemoryQueue[T]{
		name:    name,
		workers: workers,
		items:   make(chan T, capacity),
		closed:  make(chan struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

func (q *MemoryQueue[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case <-q.closed:
		return errQueueClosed
	default:
	}

	select {
	case q.items <- item:
		metrics.SetDeliveryQueueSize(q.name, len(q.items))
		return nil
	case <-q.closed:
		return errQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue[T]) EnqueueAfter(item T, delay time.Duration) {
	q.delayed.Add(1)
	q.timersMu.Lock()
	defer q.timersMu.Unlock()

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.timersMu.Lock()
		delete(q.timers, timer)
		q.timersMu.Unlock()
		defer q.delayed.Add(-1)

		select {
		case q.items <- item:
			metrics.SetDeliveryQueueSize(q.name, len(q.items))
		case <-q.closed:
		}
	})
	q.timers[timer] = struct{}{}
}

func (q *MemoryQueue[T]) Start(ctx context.Context, process func(context.Context, T)) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.run(ctx, process)
		}()
	}
}

func (q *MemoryQueue[T]) run(ctx context.Context, process func(context.Context, T)) {
	for {
		select {
		case item := <-q.items:
			metrics.SetDeliveryQueueSize(q.name, len(q.items))
			process(ctx, item)
		case <-q.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (q *MemoryQueue[T]) Wait() {
	q.wg.Wait()
}

func (q *MemoryQueue[T]) Len() int {
	return len(q.items)
}

func (q *MemoryQueue[T]) Delayed() int {
	return int(q.delayed.Load())
}

// Close stops pending timers and waits for running workers to return.
// Items still buffered are dropped.
func (q *MemoryQueue[T]) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)

		q.timersMu.Lock()
		for timer := range q.timers {
			if timer.Stop() {
				q.delayed.Add(-1)
			}
		}
		q.timers = make(map[*time.Timer]struct{})
		q.timersMu.Unlock()
	})
	q.wg.Wait()
}
