package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan run.QueueItem, 1)
	errCh := make(chan error, 1)

	go func() {
		item, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		result <- item
	}()

	item := run.QueueItem{RunID: "run-1", URLs: []string{"https://probuilds.net/"}}
	if err := q.Enqueue(context.Background(), item); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		if got.RunID != "run-1" || len(got.URLs) != 1 {
			t.Fatalf("expected run-1, got %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return run")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := qDequeue.Dequeue(ctx); err == nil ||
		err.Error() != "dequeue canceled: context canceled" {
		t.Fatalf("expected dequeue cancel error, got %v", err)
	}

	qEnqueue := NewQueue(1)
	if err := qEnqueue.Enqueue(context.Background(), run.QueueItem{RunID: "primed"}); err != nil {
		t.Fatalf("failed to prime queue: %v", err)
	}
	if qEnqueue.Len() != 1 {
		t.Fatalf("expected 1 pending run, got %d", qEnqueue.Len())
	}
	ctx, cancel = context.WithCancel(context.Background())
	cancel()
	if err := qEnqueue.Enqueue(ctx, run.QueueItem{}); err == nil ||
		err.Error() != "enqueue canceled: context canceled" {
		t.Fatalf("expected enqueue cancel error, got %v", err)
	}
}

func TestQueueCloseDrainsThenErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	if err := q.Enqueue(context.Background(), run.QueueItem{RunID: "pending"}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()
	q.Close()

	if err := q.Enqueue(context.Background(), run.QueueItem{RunID: "late"}); !errors.Is(err, run.ErrQueueClosed) {
		t.Fatalf("expected run.ErrQueueClosed on enqueue after close, got %v", err)
	}
	item, err := q.Dequeue(context.Background())
	if err != nil || item.RunID != "pending" {
		t.Fatalf("expected pending run after close, got %+v err=%v", item, err)
	}
	if _, err := q.Dequeue(context.Background()); !errors.Is(err, run.ErrQueueClosed) {
		t.Fatalf("expected run.ErrQueueClosed, got %v", err)
	}
}
