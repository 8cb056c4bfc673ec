package dispatch

import (
	"context"
	"sync"

	"github.com/eapache/queue"
)

// Batcher is the batch queue: many producers enqueue ready tasks, a single
// consumer drains everything that is queued in one call. No delay is added
// to wait for more arrivals.
type Batcher[C any] struct {
	mu     sync.Mutex
	q      *queue.Queue
	closed bool
	wake   chan struct{} // size 1: pending wakeup for the consumer
}

// NewBatcher returns an empty queue.
func NewBatcher[C any]() *Batcher[C] {
	return &Batcher[C]{q: queue.New(), wake: make(chan struct{}, 1)}
}

// Enqueue adds a task without blocking. It fails only after Close.
func (b *Batcher[C]) Enqueue(t *Task[C]) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrQueueClosed
	}
	b.q.Add(t)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// DequeueBatch blocks until at least one task is queued and then removes
// every queued task, or the oldest max tasks when max > 0.
func (b *Batcher[C]) DequeueBatch(ctx context.Context, max int) ([]*Task[C], error) {
	for {
		b.mu.Lock()
		if n := b.q.Length(); n > 0 {
			if max > 0 && n > max {
				n = max
			}
			tasks := make([]*Task[C], n)
			for i := range tasks {
				tasks[i] = b.q.Remove().(*Task[C])
			}
			rest := b.q.Length()
			b.mu.Unlock()
			if rest > 0 {
				// keep the consumer awake for the capped remainder
				select {
				case b.wake <- struct{}{}:
				default:
				}
			}
			return tasks, nil
		}
		if b.closed {
			b.mu.Unlock()
			return nil, ErrQueueClosed
		}
		b.mu.Unlock()

		select {
		case <-b.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Len reports the number of queued tasks.
func (b *Batcher[C]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.q.Length()
}

// drain removes and returns every queued task.
func (b *Batcher[C]) drain() []*Task[C] {
	b.mu.Lock()
	defer b.mu.Unlock()
	tasks := make([]*Task[C], 0, b.q.Length())
	for b.q.Length() > 0 {
		tasks = append(tasks, b.q.Remove().(*Task[C]))
	}
	return tasks
}

// Close rejects further enqueues and wakes the consumer. Tasks still queued
// are returned by subsequent drains.
func (b *Batcher[C]) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}
