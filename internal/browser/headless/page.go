package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

const (
	timingJS = `(() => {
	const t = window.performance && window.performance.timing;
	if (!t) { return null; }
	return t.toJSON ? t.toJSON() : t;
})()`
	bodyTextJS = `document.body ? document.body.innerText : ''`
)

var _ audit.Page = (*Page)(nil)

type inflightRequest struct {
	url          string
	resourceType string
	status       int
	headers      http.Header
	hasResponse  bool
}

type observedResponse struct {
	url    string
	status int
}

type responseWaiter struct {
	match func(string) bool
	ch    chan int
}

// Page is a single Chrome tab. It translates CDP network events into request
// completions and keeps the responses of the current navigation for status lookups.
type Page struct {
	tabCtx context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	mu         sync.Mutex
	subscriber func(audit.RequestCompleted)
	inflight   map[network.RequestID]*inflightRequest
	responses  []observedResponse
	waiters    []*responseWaiter
}

func newPage(tabCtx context.Context, cancel context.CancelFunc, logger *zap.Logger) *Page {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Page{
		tabCtx:   tabCtx,
		cancel:   cancel,
		logger:   logger,
		inflight: make(map[network.RequestID]*inflightRequest),
	}
}

// Subscribe sets the completion callback. Only one subscriber is active at a time.
func (p *Page) Subscribe(fn func(audit.RequestCompleted)) func() {
	p.mu.Lock()
	p.subscriber = fn
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			p.subscriber = nil
			p.mu.Unlock()
		})
	}
}

// Navigate loads url and waits for the load event. Requests still in flight
// from an earlier navigation are forgotten, so they never complete into the
// new one.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.resetNavigation()
	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("chromedp navigate: %w", err)
	}
	return nil
}

func (p *Page) resetNavigation() {
	p.mu.Lock()
	p.responses = nil
	p.inflight = make(map[network.RequestID]*inflightRequest)
	p.mu.Unlock()
}

// Snapshot captures the serialized DOM, rendered body text and document title.
func (p *Page) Snapshot(ctx context.Context) (audit.Snapshot, error) {
	var snap audit.Snapshot
	err := p.run(ctx,
		chromedp.Title(&snap.Title),
		chromedp.OuterHTML("html", &snap.HTML, chromedp.ByQuery),
		chromedp.Evaluate(bodyTextJS, &snap.BodyText),
	)
	if err != nil {
		return audit.Snapshot{}, fmt.Errorf("dom snapshot: %w", err)
	}
	return snap, nil
}

// Timing evaluates window.performance.timing. A page without it yields nil.
func (p *Page) Timing(ctx context.Context) (map[string]any, error) {
	var marks map[string]any
	err := p.run(ctx, chromedp.Evaluate(timingJS, &marks))
	if errors.Is(err, chromedp.ErrJSNull) || errors.Is(err, chromedp.ErrJSUndefined) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("navigation timing: %w", err)
	}
	return marks, nil
}

// Location returns the current document URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("location: %w", err)
	}
	return loc, nil
}

// ResponseBody fetches a response body through CDP.
func (p *Page) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	var body []byte
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		b, err := network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		if err != nil {
			return err
		}
		body = b
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("response body %s: %w", requestID, err)
	}
	return body, nil
}

// WaitForResponse returns the status of the first response of the current
// navigation matching match, waiting for one to arrive until ctx ends.
func (p *Page) WaitForResponse(ctx context.Context, match func(string) bool) (int, error) {
	p.mu.Lock()
	for _, r := range p.responses {
		if match(r.url) {
			p.mu.Unlock()
			return r.status, nil
		}
	}
	w := &responseWaiter{match: match, ch: make(chan int, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	select {
	case status := <-w.ch:
		return status, nil
	case <-ctx.Done():
		p.removeWaiter(w)
		return 0, fmt.Errorf("wait for response: %w", ctx.Err())
	}
}

// Close closes the tab.
func (p *Page) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(p.tabCtx)
	if deadline, ok := ctx.Deadline(); ok {
		cancel()
		runCtx, cancel = context.WithDeadline(p.tabCtx, deadline)
	}
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

func enableNetwork() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		return nil
	})
}

func (p *Page) handleEvent(ev any) {
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		p.onRequest(e)
	case *network.EventResponseReceived:
		p.onResponse(e)
	case *network.EventLoadingFinished:
		p.onFinished(e)
	case *network.EventLoadingFailed:
		p.onFailed(e)
	}
}

func (p *Page) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	var hop *audit.RequestCompleted
	p.mu.Lock()
	if prev, ok := p.inflight[e.RequestID]; ok && e.RedirectResponse != nil {
		status := int(e.RedirectResponse.Status)
		hop = &audit.RequestCompleted{
			RequestID:     string(e.RequestID),
			URL:           prev.url,
			ResourceType:  prev.resourceType,
			StatusCode:    status,
			Headers:       toHTTPHeader(e.RedirectResponse.Headers),
			HasResponse:   true,
			BodyAvailable: false,
		}
		p.recordResponseLocked(e.RedirectResponse.URL, status)
	}
	p.inflight[e.RequestID] = &inflightRequest{
		url:          e.Request.URL,
		resourceType: resourceType(e.Type),
	}
	fn := p.subscriber
	p.mu.Unlock()

	if hop != nil && fn != nil {
		fn(*hop)
	}
}

func (p *Page) onResponse(e *network.EventResponseReceived) {
	if e.Response == nil {
		return
	}
	status := int(e.Response.Status)
	p.mu.Lock()
	defer p.mu.Unlock()
	req, ok := p.inflight[e.RequestID]
	if !ok {
		req = &inflightRequest{url: e.Response.URL, resourceType: resourceType(e.Type)}
		p.inflight[e.RequestID] = req
	}
	req.status = status
	req.headers = toHTTPHeader(e.Response.Headers)
	req.hasResponse = true
	p.recordResponseLocked(e.Response.URL, status)
}

func (p *Page) onFinished(e *network.EventLoadingFinished) {
	p.mu.Lock()
	req, ok := p.inflight[e.RequestID]
	delete(p.inflight, e.RequestID)
	fn := p.subscriber
	p.mu.Unlock()
	if !ok || fn == nil {
		return
	}
	fn(audit.RequestCompleted{
		RequestID:     string(e.RequestID),
		URL:           req.url,
		ResourceType:  req.resourceType,
		StatusCode:    req.status,
		Headers:       req.headers,
		HasResponse:   req.hasResponse,
		BodyAvailable: req.hasResponse,
	})
}

func (p *Page) onFailed(e *network.EventLoadingFailed) {
	p.mu.Lock()
	delete(p.inflight, e.RequestID)
	p.mu.Unlock()
	p.logger.Debug("request failed",
		zap.String("request_id", string(e.RequestID)),
		zap.String("error", e.ErrorText),
	)
}

func (p *Page) recordResponseLocked(url string, status int) {
	p.responses = append(p.responses, observedResponse{url: url, status: status})
	kept := p.waiters[:0]
	for _, w := range p.waiters {
		if w.match(url) {
			w.ch <- status
			continue
		}
		kept = append(kept, w)
	}
	p.waiters = kept
}

func (p *Page) removeWaiter(target *responseWaiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

func resourceType(t network.ResourceType) string {
	if t == "" {
		return "other"
	}
	return strings.ToLower(string(t))
}

func toHTTPHeader(src network.Headers) http.Header {
	headers := http.Header{}
	for key, value := range src {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	return headers
}
