// Package dispatcher accepts run submissions and fans queued runs out to workers.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/worker"
)

const enqueueTimeout = 5 * time.Second

// Dispatcher records submitted runs, queues them and runs a pool of workers.
type Dispatcher struct {
	queue   run.Queue
	runs    run.Store
	ids     run.IDGenerator
	clock   run.Clock
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(
	queue run.Queue,
	runs run.Store,
	ids run.IDGenerator,
	clock run.Clock,
	workers []*worker.Worker,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		runs:    runs,
		ids:     ids,
		clock:   clock,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Submit validates urls, records a queued run and enqueues it.
func (d *Dispatcher) Submit(ctx context.Context, urls []string, trigger run.Trigger) (run.Run, error) {
	if err := run.ValidateURLs(urls); err != nil {
		return run.Run{}, err
	}
	id, err := d.ids.NewID()
	if err != nil {
		return run.Run{}, fmt.Errorf("generate run id: %w", err)
	}
	now := d.clock.Now()
	r := run.Run{
		ID:        id,
		Status:    run.StatusQueued,
		Trigger:   trigger,
		URLs:      append([]string(nil), urls...),
		Submitted: now,
	}
	if err := d.runs.CreateRun(ctx, r); err != nil {
		return run.Run{}, fmt.Errorf("create run: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	item := run.QueueItem{RunID: id, URLs: r.URLs, Trigger: trigger, Submitted: now.Unix()}
	if err := d.queue.Enqueue(queueCtx, item); err != nil {
		errText := fmt.Sprintf("enqueue: %v", err)
		if upErr := d.runs.UpdateRunStatus(context.WithoutCancel(ctx), id, run.StatusFailed, errText, run.Counters{}); upErr != nil {
			d.logger.Error("mark unqueued run failed", zap.String("run_id", id), zap.Error(upErr))
		}
		return run.Run{}, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Info("run submitted",
		zap.String("run_id", id),
		zap.String("trigger", string(trigger)),
		zap.Int("urls", len(urls)),
	)
	return r, nil
}

// Schedule submits urls every interval until ctx ends. A non-positive interval
// returns immediately.
func (d *Dispatcher) Schedule(ctx context.Context, interval time.Duration, urls []string) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Submit(ctx, urls, run.TriggerSchedule); err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logger.Warn("scheduled run not submitted", zap.Error(err))
			}
		}
	}
}
