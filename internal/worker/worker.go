// Package worker executes audit runs: audit, archive, persist, publish.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/archive"
	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

// Batch audits an ordered list of URLs, returning one result per URL.
type Batch interface {
	Run(ctx context.Context, urls []string) []audit.Result
}

// Persister hands results to the time-series store.
type Persister interface {
	SaveAll(ctx context.Context, results []audit.Result) ([]store.SavedPage, error)
}

// RunRecorder observes finished runs.
type RunRecorder interface {
	RecordRun(status run.Status, elapsed time.Duration)
}

// Config controls Worker behavior.
type Config struct {
	// Topic receives one event per persisted page. Empty disables publishing.
	Topic string
	// RequirePersistence turns a missing store into a run failure.
	RequirePersistence bool
}

// Deps are the collaborators of a Worker. Only Batch is required; Queue and
// Runs are needed by Run.
type Deps struct {
	Queue     run.Queue
	Runs      run.Store
	Batch     Batch
	Persister Persister
	Archiver  *archive.Archiver
	Publisher run.Publisher
	Clock     run.Clock
	Recorder  RunRecorder
}

// Worker consumes queued runs and executes the audit pipeline.
type Worker struct {
	queue     run.Queue
	runs      run.Store
	batch     Batch
	persister Persister
	archiver  *archive.Archiver
	publisher run.Publisher
	clock     run.Clock
	recorder  RunRecorder
	cfg       Config
	logger    *zap.Logger
}

// Outcome is everything one execution produced.
type Outcome struct {
	Results    []audit.Result
	Saved      []store.SavedPage
	ArchiveURI string
	Counters   run.Counters
}

// PageEvent is published for every persisted page.
type PageEvent struct {
	RunID      string    `json:"run_id"`
	PageID     int64     `json:"page_id"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	CapturedAt time.Time `json:"captured_at"`
	Failed     bool      `json:"failed"`
	ArchiveURI string    `json:"archive_uri,omitempty"`
}

// Attributes exposes routing keys as message attributes.
func (e PageEvent) Attributes() map[string]string {
	return map[string]string{"run_id": e.RunID, "domain": e.Domain}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Worker.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = systemClock{}
	}
	return &Worker{
		queue:     deps.Queue,
		runs:      deps.Runs,
		batch:     deps.Batch,
		persister: deps.Persister,
		archiver:  deps.Archiver,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		recorder:  deps.Recorder,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queued runs until ctx ends or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, run.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued run", zap.String("run_id", item.RunID), zap.Int("urls", len(item.URLs)))
		w.Process(ctx, item)
	}
}

// Process executes one queued run and records its lifecycle in the run store.
func (w *Worker) Process(ctx context.Context, item run.QueueItem) {
	start := w.clock.Now()
	if existing, err := w.runs.GetRun(ctx, item.RunID); err == nil && existing.Status.Terminal() {
		w.logger.Info("skipping finished run", zap.String("run_id", item.RunID), zap.String("status", string(existing.Status)))
		return
	}
	if err := w.runs.UpdateRunStatus(ctx, item.RunID, run.StatusRunning, "", run.Counters{}); err != nil {
		w.logger.Error("update run status failed", zap.String("run_id", item.RunID), zap.Error(err))
		return
	}

	outcome, execErr := w.Execute(ctx, item.RunID, item.URLs)

	// The run record must reach a terminal state even when ctx was canceled.
	bg := context.WithoutCancel(ctx)
	if err := w.runs.RecordResults(bg, item.RunID, outcome.Results); err != nil {
		w.logger.Error("record results failed", zap.String("run_id", item.RunID), zap.Error(err))
	}
	if outcome.ArchiveURI != "" {
		if err := w.runs.SetArchiveURI(bg, item.RunID, outcome.ArchiveURI); err != nil {
			w.logger.Error("record archive uri failed", zap.String("run_id", item.RunID), zap.Error(err))
		}
	}

	status, errText := deriveFinalStatus(ctx, outcome.Counters, execErr)
	if err := w.runs.UpdateRunStatus(bg, item.RunID, status, errText, outcome.Counters); err != nil {
		w.logger.Error("final run status update failed", zap.String("run_id", item.RunID), zap.Error(err))
	}
	elapsed := w.clock.Now().Sub(start)
	if w.recorder != nil {
		w.recorder.RecordRun(status, elapsed)
	}
	w.logger.Info("run finished",
		zap.String("run_id", item.RunID),
		zap.String("status", string(status)),
		zap.Int("pages_audited", outcome.Counters.PagesAudited),
		zap.Int("pages_failed", outcome.Counters.PagesFailed),
		zap.Int("pages_persisted", outcome.Counters.PagesPersisted),
		zap.Duration("elapsed", elapsed),
	)
}

// Execute audits urls and hands the results to the archive, the store and the
// publisher. The returned error concerns persistence only; archive and publish
// failures are logged. Results are returned even when persistence fails.
func (w *Worker) Execute(ctx context.Context, runID string, urls []string) (Outcome, error) {
	if w.batch == nil {
		return Outcome{}, fmt.Errorf("run %s: no auditor configured", runID)
	}
	results := w.batch.Run(ctx, urls)
	out := Outcome{Results: results}
	out.Counters.PagesAudited = len(results)
	for _, r := range results {
		if r.Failed() {
			out.Counters.PagesFailed++
		}
	}

	if w.archiver.Enabled() {
		uri, err := w.archiver.Archive(ctx, runID, results)
		if err != nil {
			w.logger.Error("archive run failed", zap.String("run_id", runID), zap.Error(err))
		} else {
			out.ArchiveURI = uri
			w.logger.Debug("run archived", zap.String("run_id", runID), zap.String("uri", uri))
		}
	}

	saved, err := w.persist(ctx, results)
	out.Saved = saved
	out.Counters.PagesPersisted = len(saved)
	out.Counters.Published = w.publish(ctx, runID, out.ArchiveURI, saved)
	if err != nil {
		return out, fmt.Errorf("run %s: persist results: %w", runID, err)
	}
	return out, nil
}

func (w *Worker) persist(ctx context.Context, results []audit.Result) ([]store.SavedPage, error) {
	var (
		saved []store.SavedPage
		err   = store.ErrNoStorage
	)
	if w.persister != nil {
		saved, err = w.persister.SaveAll(ctx, results)
	}
	if errors.Is(err, store.ErrNoStorage) && !w.cfg.RequirePersistence {
		w.logger.Debug("no store configured; results not persisted", zap.Int("results", len(results)))
		return saved, nil
	}
	return saved, err
}

func (w *Worker) publish(ctx context.Context, runID, archiveURI string, saved []store.SavedPage) int {
	if w.cfg.Topic == "" || w.publisher == nil {
		return 0
	}
	published := 0
	for _, page := range saved {
		event := PageEvent{
			RunID:      runID,
			PageID:     page.PageID,
			URL:        page.URL,
			Domain:     page.Domain,
			CapturedAt: page.CapturedAt,
			Failed:     page.Failed,
			ArchiveURI: archiveURI,
		}
		id, err := w.publisher.Publish(ctx, w.cfg.Topic, event)
		if err != nil {
			w.logger.Error("publish page event failed",
				zap.String("run_id", runID),
				zap.String("url", page.URL),
				zap.Error(err),
			)
			continue
		}
		published++
		w.logger.Debug("page event published",
			zap.String("run_id", runID),
			zap.String("url", page.URL),
			zap.String("message_id", id),
		)
	}
	return published
}

func deriveFinalStatus(ctx context.Context, counters run.Counters, execErr error) (run.Status, string) {
	switch {
	case ctx.Err() != nil:
		return run.StatusCanceled, ctx.Err().Error()
	case execErr != nil:
		return run.StatusFailed, execErr.Error()
	case counters.PagesAudited > 0 && counters.PagesFailed == counters.PagesAudited:
		return run.StatusFailed, fmt.Sprintf("all %d pages failed", counters.PagesAudited)
	default:
		return run.StatusSucceeded, ""
	}
}
