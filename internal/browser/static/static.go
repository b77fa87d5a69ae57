// Package static implements an HTTP-only page engine on top of colly. It runs no
// JavaScript and reports no navigation timing, so it suits hosts without Chrome.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

var (
	_ audit.PageSource = (*Engine)(nil)
	_ audit.Page       = (*Page)(nil)
)

// ErrNoResponse is returned when no document response matched.
var ErrNoResponse = errors.New("no matching response")

// Config controls the collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Engine hands out colly-backed pages sharing one transport.
type Engine struct {
	cfg    Config
	base   *colly.Collector
	logger *zap.Logger
}

// New builds an Engine.
func New(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Engine{cfg: cfg, base: c, logger: logger}
}

// NewPage returns a fresh page.
func (e *Engine) NewPage(context.Context) (audit.Page, error) {
	return &Page{engine: e, bodies: make(map[string][]byte)}, nil
}

type document struct {
	url     string
	status  int
	headers http.Header
	body    []byte
}

// Page fetches one document per navigation and reports it as a single completion.
type Page struct {
	engine *Engine

	mu         sync.Mutex
	subscriber func(audit.RequestCompleted)
	nav        uint64
	seq        int
	doc        *document
	bodies     map[string][]byte
}

// Subscribe sets the completion callback.
func (p *Page) Subscribe(fn func(audit.RequestCompleted)) func() {
	p.mu.Lock()
	p.subscriber = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		p.subscriber = nil
		p.mu.Unlock()
	}
}

// Navigate performs a GET of url, following redirects.
func (p *Page) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.nav++
	gen := p.nav
	p.doc = nil
	p.bodies = make(map[string][]byte)
	p.mu.Unlock()

	collector := p.engine.base.Clone()
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	if p.engine.cfg.UserAgent != "" {
		collector.UserAgent = p.engine.cfg.UserAgent
	}
	collector.SetRequestTimeout(p.engine.cfg.Timeout)

	var fetchErr error
	collector.OnResponse(func(r *colly.Response) { p.onResponse(gen, r) })
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("static fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", fetchErr)
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.doc == nil {
		return fmt.Errorf("static fetch %s: %w", url, ErrNoResponse)
	}
	return nil
}

// onResponse records the document for navigation gen. Responses from an
// abandoned navigation arriving after a newer one started are ignored.
func (p *Page) onResponse(gen uint64, r *colly.Response) {
	headers := http.Header{}
	if r.Headers != nil {
		headers = r.Headers.Clone()
	}
	doc := &document{
		url:     r.Request.URL.String(),
		status:  r.StatusCode,
		headers: headers,
		body:    append([]byte(nil), r.Body...),
	}

	p.mu.Lock()
	if gen != p.nav {
		p.mu.Unlock()
		p.engine.logger.Debug("stale response ignored", zap.String("url", doc.url))
		return
	}
	p.seq++
	id := "static-" + strconv.Itoa(p.seq)
	p.doc = doc
	p.bodies[id] = doc.body
	fn := p.subscriber
	p.mu.Unlock()

	p.engine.logger.Debug("document fetched",
		zap.String("url", doc.url),
		zap.Int("status", doc.status),
		zap.Int("bytes", len(doc.body)),
	)
	if fn != nil {
		fn(audit.RequestCompleted{
			RequestID:     id,
			URL:           doc.url,
			ResourceType:  "document",
			StatusCode:    doc.status,
			Headers:       doc.headers,
			HasResponse:   true,
			BodyAvailable: true,
		})
	}
}

// Snapshot parses the fetched body.
func (p *Page) Snapshot(context.Context) (audit.Snapshot, error) {
	doc := p.current()
	if doc == nil {
		return audit.Snapshot{}, ErrNoResponse
	}
	parsed, err := goquery.NewDocumentFromReader(strings.NewReader(string(doc.body)))
	if err != nil {
		return audit.Snapshot{}, fmt.Errorf("parse document: %w", err)
	}
	return audit.Snapshot{
		HTML:     string(doc.body),
		BodyText: parsed.Find("body").Text(),
		Title:    parsed.Find("title").First().Text(),
	}, nil
}

// Timing is unavailable without a browser.
func (p *Page) Timing(context.Context) (map[string]any, error) {
	return nil, nil
}

// Location returns the URL after redirects.
func (p *Page) Location(context.Context) (string, error) {
	doc := p.current()
	if doc == nil {
		return "", ErrNoResponse
	}
	return doc.url, nil
}

// ResponseBody returns the cached document body.
func (p *Page) ResponseBody(_ context.Context, requestID string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	body, ok := p.bodies[requestID]
	if !ok {
		return nil, fmt.Errorf("response body %s: %w", requestID, ErrNoResponse)
	}
	return body, nil
}

// WaitForResponse matches against the fetched document only; nothing arrives later.
func (p *Page) WaitForResponse(_ context.Context, match func(string) bool) (int, error) {
	doc := p.current()
	if doc == nil || !match(doc.url) {
		return 0, ErrNoResponse
	}
	return doc.status, nil
}

// Close is a no-op.
func (p *Page) Close() error {
	return nil
}

func (p *Page) current() *document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doc
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
