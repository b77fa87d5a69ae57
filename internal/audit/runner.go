package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/policy/ratelimit"
)

// RunnerConfig controls batch execution.
type RunnerConfig struct {
	// Workers is the number of pages audited in parallel. Each worker owns one page.
	Workers int
	// DomainQPS paces navigations per host. Zero disables pacing.
	DomainQPS float64
}

// Pacer delays navigations to the same host.
type Pacer interface {
	Wait(ctx context.Context, url string) error
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPacer replaces the DomainQPS limiter.
func WithPacer(p Pacer) RunnerOption {
	return func(r *Runner) {
		r.pacer = p
	}
}

// WithRecorder registers a sink called once per finished audit.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// Runner audits an ordered list of URLs, isolating per-page failures.
type Runner struct {
	source   PageSource
	auditor  *Auditor
	cfg      RunnerConfig
	logger   *zap.Logger
	recorder Recorder
	pacer    Pacer
}

// NewRunner wires a Runner around a page source and auditor.
func NewRunner(source PageSource, auditor *Auditor, cfg RunnerConfig, opts ...RunnerOption) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	r := &Runner{
		source:  source,
		auditor: auditor,
		cfg:     cfg,
		logger:  zap.NewNop(),
		pacer:   ratelimit.New(ratelimit.Config{RPS: cfg.DomainQPS}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run audits every URL and returns exactly one result per input, in input order.
func (r *Runner) Run(ctx context.Context, urls []string) []Result {
	results := make([]Result, len(urls))
	if len(urls) == 0 {
		return results
	}
	workers := r.cfg.Workers
	if workers > len(urls) {
		workers = len(urls)
	}
	r.logger.Info("audit batch started", zap.Int("pages", len(urls)), zap.Int("workers", workers))

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker, urls, jobs, results)
		}(w)
	}
	for i := range urls {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
	}
	r.logger.Info("audit batch finished", zap.Int("pages", len(urls)), zap.Int("failed", failed))
	return results
}

func (r *Runner) work(ctx context.Context, worker int, urls []string, jobs <-chan int, results []Result) {
	logger := r.logger.With(zap.Int("worker", worker))
	var page Page
	var openErr error
	if r.source == nil {
		openErr = ErrNoPage
	} else {
		page, openErr = r.source.NewPage(ctx)
		if openErr == nil && page == nil {
			openErr = ErrNoPage
		}
	}
	if openErr != nil {
		logger.Error("open page failed", zap.Error(openErr))
		openErr = fmt.Errorf("open page: %w", openErr)
	} else {
		defer func() {
			if err := page.Close(); err != nil {
				logger.Warn("close page", zap.Error(err))
			}
		}()
	}

	for idx := range jobs {
		target := urls[idx]
		start := time.Now()
		var res Result
		switch {
		case openErr != nil:
			res = newErrorResult(target, r.auditor.clock.Now(), openErr)
		case ctx.Err() != nil:
			res = newErrorResult(target, r.auditor.clock.Now(), fmt.Errorf("audit %s: %w", target, ctx.Err()))
		default:
			if err := r.pace(ctx, target); err != nil {
				res = newErrorResult(target, r.auditor.clock.Now(), fmt.Errorf("pace %s: %w", target, err))
				break
			}
			res = r.auditor.Audit(ctx, page, target)
		}
		results[idx] = res
		if r.recorder != nil {
			r.recorder.RecordAudit(res, time.Since(start))
		}
		logger.Info("page audited",
			zap.String("url", target),
			zap.Bool("failed", res.Failed()),
			zap.Int("num_requests", res.NumRequests),
			zap.Int64("total_bytes", res.TotalBytes),
		)
	}
}

func (r *Runner) pace(ctx context.Context, target string) error {
	if r.pacer == nil {
		return nil
	}
	return r.pacer.Wait(ctx, target)
}
