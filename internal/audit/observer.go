package audit

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultBodyReadTimeout = time.Second

// ObserverConfig bounds one observation window.
type ObserverConfig struct {
	// Window caps how long completions are accepted after Start. Zero means until Stop.
	Window time.Duration
	// BodyReadTimeout bounds each fallback body read.
	BodyReadTimeout time.Duration
}

// Observer accumulates the resource ledger for a single audit. Completions are
// queued by the event callback and resolved in arrival order by one drain
// goroutine, so the callback never blocks and the ledger stays completion-ordered.
type Observer struct {
	cfg    ObserverConfig
	bodies BodyReader
	logger *zap.Logger

	mu      sync.Mutex
	pending []RequestCompleted
	closed  bool
	ledger  []Resource
	total   int64

	wake        chan struct{}
	done        chan struct{}
	abort       chan struct{}
	abortOnce   sync.Once
	unsubscribe func()
	timer       *time.Timer
	stopOnce    sync.Once
}

// StartObserver subscribes to src and begins accepting completions immediately.
// bodies may be nil, in which case sizes fall back to the Content-Length header only.
func StartObserver(src EventSource, bodies BodyReader, cfg ObserverConfig, logger *zap.Logger) *Observer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BodyReadTimeout <= 0 {
		cfg.BodyReadTimeout = defaultBodyReadTimeout
	}
	o := &Observer{
		cfg:    cfg,
		bodies: bodies,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		abort:  make(chan struct{}),
	}
	o.unsubscribe = src.Subscribe(o.enqueue)
	if cfg.Window > 0 {
		o.timer = time.AfterFunc(cfg.Window, o.closeWindow)
	}
	go o.drain()
	return o
}

// Stop closes the window, waits for queued completions to be resolved (bounded by
// ctx) and returns the ledger. Once ctx ends, body reads are abandoned and every
// completion already received is still recorded, with size 0 unless its
// Content-Length was known.
func (o *Observer) Stop(ctx context.Context) Ledger {
	o.closeWindow()
	select {
	case <-o.done:
	case <-ctx.Done():
		o.abortOnce.Do(func() { close(o.abort) })
		<-o.done
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	resources := make([]Resource, len(o.ledger))
	copy(resources, o.ledger)
	return Ledger{
		Resources:   resources,
		NumRequests: len(resources),
		TotalBytes:  o.total,
	}
}

// Discard ends observation without reading any further bodies.
func (o *Observer) Discard() {
	o.abortOnce.Do(func() { close(o.abort) })
	o.closeWindow()
	<-o.done
}

func (o *Observer) closeWindow() {
	o.stopOnce.Do(func() {
		if o.timer != nil {
			o.timer.Stop()
		}
		o.unsubscribe()
		o.mu.Lock()
		o.closed = true
		o.mu.Unlock()
		o.signal()
	})
}

func (o *Observer) enqueue(evt RequestCompleted) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.pending = append(o.pending, evt)
	o.mu.Unlock()
	o.signal()
}

func (o *Observer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Observer) drain() {
	defer close(o.done)
	for {
		o.mu.Lock()
		if len(o.pending) == 0 {
			closed := o.closed
			o.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-o.wake:
			case <-o.abort:
				if o.queueEmpty() {
					return
				}
			}
			continue
		}
		evt := o.pending[0]
		o.pending = o.pending[1:]
		o.mu.Unlock()

		entry := Resource{
			URL:       evt.URL,
			Type:      evt.ResourceType,
			SizeBytes: o.resolveSize(evt),
		}
		if evt.HasResponse && evt.StatusCode > 0 {
			status := evt.StatusCode
			entry.StatusCode = &status
		}
		o.mu.Lock()
		o.ledger = append(o.ledger, entry)
		o.total += entry.SizeBytes
		o.mu.Unlock()
	}
}

func (o *Observer) queueEmpty() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending) == 0
}

func (o *Observer) aborted() bool {
	select {
	case <-o.abort:
		return true
	default:
		return false
	}
}

// resolveSize prefers Content-Length and falls back to reading the body. Once
// the observer is aborted no further bodies are read and the size is zero.
func (o *Observer) resolveSize(evt RequestCompleted) int64 {
	if size, ok := contentLength(evt); ok {
		return size
	}
	if !evt.HasResponse || !evt.BodyAvailable || o.bodies == nil || evt.RequestID == "" || o.aborted() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BodyReadTimeout)
	defer cancel()
	stop := forwardAbort(o.abort, cancel)
	defer stop()

	body, err := o.bodies.ResponseBody(ctx, evt.RequestID)
	if err != nil {
		o.logger.Debug("response body unavailable",
			zap.String("url", evt.URL),
			zap.String("request_id", evt.RequestID),
			zap.Error(err),
		)
		return 0
	}
	return int64(len(body))
}

func contentLength(evt RequestCompleted) (int64, bool) {
	if evt.Headers == nil {
		return 0, false
	}
	raw := strings.TrimSpace(evt.Headers.Get("Content-Length"))
	if raw == "" || strings.IndexFunc(raw, func(r rune) bool { return r < '0' || r > '9' }) >= 0 {
		return 0, false
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

func forwardAbort(abort <-chan struct{}, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-abort:
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
