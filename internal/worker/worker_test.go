package worker

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/archive"
	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	pubmemory "github.com/Nochiis/web-metrics-probuilds/internal/publisher/memory"
	queuememory "github.com/Nochiis/web-metrics-probuilds/internal/queue/memory"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
	storagememory "github.com/Nochiis/web-metrics-probuilds/internal/storage/memory"
	"github.com/Nochiis/web-metrics-probuilds/internal/store"
)

var capturedAt = time.Date(2026, 10, 15, 6, 0, 0, 0, time.UTC)

type fakeBatch struct {
	mu     sync.Mutex
	failed map[string]bool
	calls  [][]string
	block  chan struct{}
}

func (b *fakeBatch) Run(ctx context.Context, urls []string) []audit.Result {
	b.mu.Lock()
	b.calls = append(b.calls, append([]string(nil), urls...))
	b.mu.Unlock()
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
		}
	}
	out := make([]audit.Result, len(urls))
	for i, u := range urls {
		if b.failed[u] || ctx.Err() != nil {
			out[i] = audit.Result{URL: u, Error: "navigate " + u + ": net::ERR_CONNECTION_REFUSED", CapturedAt: capturedAt}
			continue
		}
		status := 200
		out[i] = audit.Result{URL: u, FinalURL: u, StatusCode: &status, Title: "ProBuilds", HasTitle: true, CapturedAt: capturedAt}
	}
	return out
}

type fakePersister struct {
	mu    sync.Mutex
	err   error
	saved [][]audit.Result
}

func (p *fakePersister) SaveAll(_ context.Context, results []audit.Result) ([]store.SavedPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved = append(p.saved, results)
	if p.err != nil {
		return nil, p.err
	}
	out := make([]store.SavedPage, len(results))
	for i, r := range results {
		out[i] = store.SavedPage{PageID: int64(i + 1), URL: r.URL, Domain: "probuilds.net", CapturedAt: r.CapturedAt, Failed: r.Failed()}
	}
	return out, nil
}

type fakeRecorder struct {
	mu       sync.Mutex
	statuses []run.Status
}

func (r *fakeRecorder) RecordRun(status run.Status, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
}

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type harness struct {
	queue     *queuememory.Queue
	runs      *storagememory.RunStore
	blobs     *storagememory.BlobStore
	publisher *pubmemory.Publisher
	batch     *fakeBatch
	persister *fakePersister
	recorder  *fakeRecorder
	worker    *Worker
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		queue:     queuememory.NewQueue(4),
		runs:      storagememory.NewRunStore(),
		blobs:     storagememory.NewBlobStore(),
		publisher: pubmemory.New(),
		batch:     &fakeBatch{failed: map[string]bool{}},
		persister: &fakePersister{},
		recorder:  &fakeRecorder{},
	}
	h.worker = New(Deps{
		Queue:     h.queue,
		Runs:      h.runs,
		Batch:     h.batch,
		Persister: h.persister,
		Archiver:  archive.New(h.blobs, "runs"),
		Publisher: h.publisher,
		Clock:     fakeClock{now: capturedAt},
		Recorder:  h.recorder,
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) submit(t *testing.T, id string, urls ...string) {
	t.Helper()
	require.NoError(t, h.runs.CreateRun(context.Background(), run.Run{ID: id, Status: run.StatusQueued, URLs: urls}))
	require.NoError(t, h.queue.Enqueue(context.Background(), run.QueueItem{RunID: id, URLs: urls}))
}

func (h *harness) status(id string) run.Status {
	r, err := h.runs.GetRun(context.Background(), id)
	if err != nil {
		return ""
	}
	return r.Status
}

func TestWorkerRunSuccessFlow(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "page-audits"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.worker.Run(ctx)

	h.submit(t, "run-1", "https://probuilds.net/", "https://probuilds.net/champions")
	require.Eventually(t, func() bool {
		return h.status("run-1") == run.StatusSucceeded
	}, time.Second, 10*time.Millisecond)

	final, err := h.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.Counters{PagesAudited: 2, PagesPersisted: 2, Published: 2}, final.Counters)
	require.Equal(t, "memory://runs/run-1.json", final.ArchiveURI)
	require.NotNil(t, final.Started)
	require.NotNil(t, final.Finished)

	results, err := h.runs.ListResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "https://probuilds.net/champions", results[1].URL)

	data, ok := h.blobs.Object("runs/run-1.json")
	require.True(t, ok)
	archived, err := archive.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	require.Len(t, archived, 2)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 2)
	event, ok := msgs[0].Payload.(PageEvent)
	require.True(t, ok)
	require.Equal(t, "page-audits", msgs[0].Topic)
	require.Equal(t, "run-1", event.RunID)
	require.Equal(t, "memory://runs/run-1.json", event.ArchiveURI)
	require.Equal(t, map[string]string{"run_id": "run-1", "domain": "probuilds.net"}, event.Attributes())

	require.Eventually(t, func() bool {
		h.recorder.mu.Lock()
		defer h.recorder.mu.Unlock()
		return len(h.recorder.statuses) == 1 && h.recorder.statuses[0] == run.StatusSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerPersistFailureMarksRunFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "page-audits"})
	h.persister.err = errors.New("connection refused")

	h.submit(t, "run-2", "https://probuilds.net/")
	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	h.worker.Process(context.Background(), item)

	final, err := h.runs.GetRun(context.Background(), "run-2")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, final.Status)
	require.Contains(t, final.ErrorText, "connection refused")
	require.Equal(t, 0, final.Counters.PagesPersisted)
	require.Empty(t, h.publisher.Messages())

	results, err := h.runs.ListResults(context.Background(), "run-2")
	require.NoError(t, err)
	require.Len(t, results, 1, "results are kept even when persistence fails")
}

func TestWorkerAllPagesFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.batch.failed["https://probuilds.net/"] = true

	h.submit(t, "run-3", "https://probuilds.net/")
	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	h.worker.Process(context.Background(), item)

	final, err := h.runs.GetRun(context.Background(), "run-3")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, final.Status)
	require.Equal(t, "all 1 pages failed", final.ErrorText)
	require.Equal(t, 1, final.Counters.PagesFailed)
	require.Equal(t, 1, final.Counters.PagesPersisted, "error-shaped results are still persisted")
	require.Empty(t, h.publisher.Messages(), "no topic configured")
}

func TestWorkerPartialFailureSucceeds(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.batch.failed["https://probuilds.net/champions"] = true

	out, err := h.worker.Execute(context.Background(), "run-4",
		[]string{"https://probuilds.net/", "https://probuilds.net/champions"})
	require.NoError(t, err)
	require.Equal(t, run.Counters{PagesAudited: 2, PagesFailed: 1, PagesPersisted: 2}, out.Counters)
	status, errText := deriveFinalStatus(context.Background(), out.Counters, nil)
	require.Equal(t, run.StatusSucceeded, status)
	require.Empty(t, errText)
}

func TestWorkerExecuteWithoutStore(t *testing.T) {
	t.Parallel()

	optional := New(Deps{Batch: &fakeBatch{}}, Config{}, nil)
	out, err := optional.Execute(context.Background(), "run-5", []string{"https://probuilds.net/"})
	require.NoError(t, err)
	require.Len(t, out.Results, 1)
	require.Empty(t, out.Saved)
	require.Empty(t, out.ArchiveURI)

	required := New(Deps{Batch: &fakeBatch{}, Persister: store.NewSaver(nil, nil)}, Config{RequirePersistence: true}, nil)
	out, err = required.Execute(context.Background(), "run-6", []string{"https://probuilds.net/"})
	require.ErrorIs(t, err, store.ErrNoStorage)
	require.Len(t, out.Results, 1, "results are returned even when persistence cannot proceed")

	_, err = New(Deps{}, Config{}, nil).Execute(context.Background(), "run-7", nil)
	require.Error(t, err)
}

func TestWorkerPublishFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Topic: "page-audits"})
	h.publisher.FailWith(errors.New("topic not found"))

	out, err := h.worker.Execute(context.Background(), "run-8", []string{"https://probuilds.net/"})
	require.NoError(t, err)
	require.Equal(t, 1, out.Counters.PagesPersisted)
	require.Equal(t, 0, out.Counters.Published)
}

func TestWorkerCanceledRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.batch.block = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	h.submit(t, "run-9", "https://probuilds.net/")
	done := make(chan struct{})
	go func() {
		h.worker.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return h.status("run-9") == run.StatusRunning
	}, time.Second, 10*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		return h.status("run-9") == run.StatusCanceled
	}, time.Second, 10*time.Millisecond)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.queue.Close()
	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorkerUnknownRunIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.worker.Process(context.Background(), run.QueueItem{RunID: "missing", URLs: []string{"https://probuilds.net/"}})
	require.Empty(t, h.batch.calls)
}

func TestWorkerSkipsCanceledRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.submit(t, "run-10", "https://probuilds.net/")
	require.NoError(t, h.runs.UpdateRunStatus(context.Background(), "run-10", run.StatusCanceled, "canceled via API", run.Counters{}))

	item, err := h.queue.Dequeue(context.Background())
	require.NoError(t, err)
	h.worker.Process(context.Background(), item)

	require.Empty(t, h.batch.calls)
	require.Equal(t, run.StatusCanceled, h.status("run-10"))
}
