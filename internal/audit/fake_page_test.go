package audit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"
)

type fakeSource struct {
	mu sync.Mutex
	fn func(RequestCompleted)
}

func (s *fakeSource) Subscribe(fn func(RequestCompleted)) func() {
	s.mu.Lock()
	s.fn = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.fn = nil
		s.mu.Unlock()
	}
}

func (s *fakeSource) emit(evt RequestCompleted) {
	s.mu.Lock()
	fn := s.fn
	s.mu.Unlock()
	if fn != nil {
		fn(evt)
	}
}

func (s *fakeSource) subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

type fakeBodies struct {
	bodies map[string][]byte
	block  bool
}

func (b *fakeBodies) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	if b.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	body, ok := b.bodies[requestID]
	if !ok {
		return nil, errors.New("no resource with given identifier found")
	}
	return body, nil
}

// fakePage replays scripted network events during Navigate.
type fakePage struct {
	fakeSource
	fakeBodies

	events      []RequestCompleted
	navErr      map[string]error
	navDelay    time.Duration
	snapshot      Snapshot
	snapshotErr   error
	snapshotBlock bool
	marks       map[string]any
	timingErr   error
	location    string
	locationErr error
	waitStatus  int
	waitErr     error

	mu       sync.Mutex
	visited  []string
	closed   bool
	waitURLs []string
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.mu.Lock()
	p.visited = append(p.visited, url)
	p.mu.Unlock()
	if p.navDelay > 0 {
		select {
		case <-time.After(p.navDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := p.navErr[url]; err != nil {
		return err
	}
	for _, evt := range p.events {
		p.emit(evt)
	}
	return nil
}

func (p *fakePage) Snapshot(ctx context.Context) (Snapshot, error) {
	if p.snapshotBlock {
		<-ctx.Done()
		return Snapshot{}, ctx.Err()
	}
	return p.snapshot, p.snapshotErr
}

func (p *fakePage) Timing(context.Context) (map[string]any, error) {
	return p.marks, p.timingErr
}

func (p *fakePage) Location(context.Context) (string, error) {
	return p.location, p.locationErr
}

func (p *fakePage) WaitForResponse(_ context.Context, match func(string) bool) (int, error) {
	if p.waitErr != nil {
		return 0, p.waitErr
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitURLs = append(p.waitURLs, p.location)
	if !match(p.location) {
		return 0, errors.New("no matching response")
	}
	return p.waitStatus, nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePage) visitedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.visited...)
}

type fakePageSource struct {
	mu      sync.Mutex
	newPage func() *fakePage
	opened  []*fakePage
	err     error
}

func (s *fakePageSource) NewPage(context.Context) (Page, error) {
	if s.err != nil {
		return nil, s.err
	}
	p := s.newPage()
	s.mu.Lock()
	s.opened = append(s.opened, p)
	s.mu.Unlock()
	return p, nil
}

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time { return c.now }

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}
