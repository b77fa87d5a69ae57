// Package memory provides an in-process run queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

var _ run.Queue = (*Queue)(nil)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch        chan run.QueueItem
	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue holding at most capacity pending runs.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		ch:   make(chan run.QueueItem, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a run, blocking while the queue is full until ctx ends.
func (q *Queue) Enqueue(ctx context.Context, item run.QueueItem) error {
	select {
	case <-q.done:
		return run.ErrQueueClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return run.ErrQueueClosed
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next run. Runs queued before Close are still delivered.
func (q *Queue) Dequeue(ctx context.Context) (run.QueueItem, error) {
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return run.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return run.QueueItem{}, run.ErrQueueClosed
		}
	}
}

// Len reports the number of pending runs.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting runs. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() { close(q.done) })
}
