package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/timing"
)

// ErrNoPage is returned when an audit is attempted without a browsing context.
var ErrNoPage = errors.New("no page available")

// Config bounds each phase of a page audit.
type Config struct {
	// NavigationTimeout is a hard limit on reaching the load event.
	NavigationTimeout time.Duration
	// Quiescence is the fixed settle time after load, letting late requests land.
	Quiescence time.Duration
	// StatusTimeout bounds everything after the settle: draining the ledger,
	// extraction and waiting for the final response status.
	StatusTimeout time.Duration
	// ExtractTimeout bounds DOM, timing and location reads. It never extends
	// past StatusTimeout.
	ExtractTimeout time.Duration
	// ObserveWindow overrides the observer window; zero means NavigationTimeout + Quiescence.
	ObserveWindow   time.Duration
	BodyReadTimeout time.Duration
}

// DefaultConfig returns the standard audit bounds.
func DefaultConfig() Config {
	return Config{
		NavigationTimeout: 30 * time.Second,
		Quiescence:        time.Second,
		StatusTimeout:     2 * time.Second,
		ExtractTimeout:    5 * time.Second,
		BodyReadTimeout:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = def.NavigationTimeout
	}
	if c.Quiescence < 0 {
		c.Quiescence = 0
	}
	if c.StatusTimeout <= 0 {
		c.StatusTimeout = def.StatusTimeout
	}
	if c.ExtractTimeout <= 0 {
		c.ExtractTimeout = def.ExtractTimeout
	}
	if c.BodyReadTimeout <= 0 {
		c.BodyReadTimeout = def.BodyReadTimeout
	}
	return c
}

// Window is the effective observation window.
func (c Config) Window() time.Duration {
	if c.ObserveWindow > 0 {
		return c.ObserveWindow
	}
	return c.NavigationTimeout + c.Quiescence
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Auditor) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock sets the clock used for capture timestamps.
func WithClock(clock Clock) Option {
	return func(a *Auditor) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithTransitionHook registers a hook called on every state change.
func WithTransitionHook(hook TransitionHook) Option {
	return func(a *Auditor) {
		a.hook = hook
	}
}

// Auditor drives one page through navigation, settle and extraction.
type Auditor struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger
	hook   TransitionHook
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// NewAuditor builds an Auditor. Zero timeouts take their defaults; a zero
// Quiescence skips settling.
func NewAuditor(cfg Config, opts ...Option) *Auditor {
	a := &Auditor{
		cfg:    cfg.withDefaults(),
		clock:  wallClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Config returns the effective configuration.
func (a *Auditor) Config() Config {
	return a.cfg
}

// Audit loads rawURL in page and returns the assembled result. Only a navigation
// failure yields an error-shaped result; every other failure degrades the affected
// fields and is logged.
func (a *Auditor) Audit(ctx context.Context, page Page, rawURL string) Result {
	capturedAt := a.clock.Now()
	logger := a.logger.With(zap.String("url", rawURL))
	sm := newStateMachine(rawURL, a.hook, a.logger)

	fail := func(err error) Result {
		if tErr := sm.to(StateFailed); tErr != nil {
			logger.Warn("state transition rejected", zap.Error(tErr))
		}
		logger.Warn("page audit failed", zap.Error(err))
		return newErrorResult(rawURL, capturedAt, err)
	}
	step := func(next State) {
		if err := sm.to(next); err != nil {
			logger.Warn("state transition rejected", zap.Error(err))
		}
	}

	if page == nil {
		return fail(ErrNoPage)
	}
	if err := ctx.Err(); err != nil {
		return fail(fmt.Errorf("audit %s: %w", rawURL, err))
	}

	step(StateNavigating)
	obs := StartObserver(page, page, ObserverConfig{
		Window:          a.cfg.Window(),
		BodyReadTimeout: a.cfg.BodyReadTimeout,
	}, logger.Named("observer"))

	navCtx, cancelNav := context.WithTimeout(ctx, a.cfg.NavigationTimeout)
	err := page.Navigate(navCtx, rawURL)
	cancelNav()
	if err != nil {
		obs.Discard()
		return fail(fmt.Errorf("navigate %s: %w", rawURL, err))
	}

	step(StateSettling)
	settle(ctx, a.cfg.Quiescence)

	step(StateExtracting)
	statusCtx, cancelStatus := context.WithTimeout(ctx, a.cfg.StatusTimeout)
	defer cancelStatus()

	result := Result{URL: rawURL, FinalURL: rawURL, CapturedAt: capturedAt}
	extracted := make(chan struct{})
	go func() {
		defer close(extracted)
		extractCtx, cancelExtract := context.WithTimeout(statusCtx, a.cfg.ExtractTimeout)
		defer cancelExtract()
		a.extractInto(extractCtx, page, &result, logger)
	}()
	ledger := obs.Stop(statusCtx)
	<-extracted

	result.Resources = ledger.Resources
	result.NumRequests = ledger.NumRequests
	result.TotalBytes = ledger.TotalBytes
	result.StatusCode = a.resolveStatus(statusCtx, page, rawURL, result.FinalURL, ledger, logger)

	step(StateResolved)
	return result
}

func (a *Auditor) extractInto(ctx context.Context, page Page, result *Result, logger *zap.Logger) {
	if loc, err := page.Location(ctx); err != nil {
		logger.Debug("final url unavailable", zap.Error(err))
	} else if loc != "" {
		result.FinalURL = loc
	}

	snap, err := page.Snapshot(ctx)
	if err != nil {
		logger.Warn("dom snapshot failed", zap.Error(err))
	} else if doc, err := goquery.NewDocumentFromReader(strings.NewReader(snap.HTML)); err != nil {
		logger.Warn("parse dom snapshot", zap.Error(err))
	} else {
		m := Extract(doc, result.URL, snap.BodyText)
		title := snap.Title
		if !HasText(title) {
			title = m.Title
		}
		result.Title = title
		result.HasTitle = HasText(title)
		result.MetaDescription = m.MetaDescription
		result.HasMetaDescription = m.MetaDescription != nil && HasText(*m.MetaDescription)
		result.H1Count = m.H1Count
		result.ImagesCount = m.ImagesCount
		result.ImagesMissingAlt = m.ImagesMissingAlt
		result.LinksTotal = m.Links.Total
		result.InternalLinks = m.Links.Internal
		result.ExternalLinks = m.Links.External
		result.WordCount = m.WordCount
	}

	marks, err := page.Timing(ctx)
	if err != nil {
		logger.Debug("navigation timing unavailable", zap.Error(err))
		marks = nil
	}
	derived := timing.Reconcile(timing.FromMarks(marks))
	result.TotalLoadMs = derived.TotalLoadMs
	result.TTFBMs = derived.TTFBMs
}

func (a *Auditor) resolveStatus(
	ctx context.Context,
	page Page,
	requested string,
	final string,
	ledger Ledger,
	logger *zap.Logger,
) *int {
	want := trimTrailingSlash(requested)
	for _, res := range ledger.Resources {
		if res.StatusCode != nil && trimTrailingSlash(res.URL) == want {
			status := *res.StatusCode
			return &status
		}
	}
	target := trimTrailingSlash(final)
	status, err := page.WaitForResponse(ctx, func(u string) bool {
		return trimTrailingSlash(u) == target
	})
	if err != nil || status <= 0 {
		logger.Debug("status unresolved", zap.String("final_url", final), zap.Error(err))
		return nil
	}
	return &status
}

func trimTrailingSlash(u string) string {
	return strings.TrimRight(u, "/")
}

func settle(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
