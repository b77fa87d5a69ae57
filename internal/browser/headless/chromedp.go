// Package headless drives Chrome through chromedp and exposes tabs as audit pages.
package headless

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

// Config controls how Chrome is launched.
type Config struct {
	Headless  bool
	NoSandbox bool
	UserAgent string
	// ExecPath overrides Chrome discovery when set.
	ExecPath string
}

var _ audit.PageSource = (*Browser)(nil)

// Browser owns one Chrome process and hands out tabs.
type Browser struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
}

// New launches Chrome and waits for it to be ready.
func New(cfg Config, logger *zap.Logger) (*Browser, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	logger.Info("chrome started", zap.Bool("headless", cfg.Headless))

	return &Browser{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger,
	}, nil
}

// NewPage opens a tab with the network domain enabled.
func (b *Browser) NewPage(ctx context.Context) (audit.Page, error) {
	if b == nil {
		return nil, errors.New("browser is not running")
	}
	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	page := newPage(tabCtx, cancelTab, b.logger.Named("page"))
	chromedp.ListenTarget(tabCtx, page.handleEvent)

	if err := page.run(ctx, enableNetwork()); err != nil {
		cancelTab()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	return page, nil
}

// Close tears down the browser and allocator contexts.
func (b *Browser) Close() error {
	if b == nil {
		return nil
	}
	b.browserCancel()
	b.allocatorCancel()
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
