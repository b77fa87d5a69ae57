package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
)

var (
	// ErrNoStorage signals that persistence was requested but no store is configured.
	ErrNoStorage = errors.New("no storage configured")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)

// Repository persists pages and their time-series observations.
type Repository interface {
	// UpsertPage resolves (creating when needed) the site for domain and the page
	// for fullURL, returning the page key.
	UpsertPage(ctx context.Context, domain, fullURL string) (int64, error)
	// AppendObservation writes one row.
	AppendObservation(ctx context.Context, pageID int64, capturedAt time.Time, obs Observation) error
	// AppendObservations writes all rows of one capture atomically.
	AppendObservations(ctx context.Context, pageID int64, capturedAt time.Time, obs []Observation) error
}

// SavedPage summarizes one persisted result.
type SavedPage struct {
	PageID     int64     `json:"page_id"`
	URL        string    `json:"url"`
	Domain     string    `json:"domain"`
	CapturedAt time.Time `json:"captured_at"`
	Rows       int       `json:"rows"`
	Failed     bool      `json:"failed"`
}

// SiteDomain returns the site key for a page URL (its host).
func SiteDomain(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse page url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("page url %q has no host", rawURL)
	}
	return strings.ToLower(u.Host), nil
}

// PagePath returns the URL path, or "/" when empty.
func PagePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

// Saver hands audit results to a Repository.
type Saver struct {
	repo   Repository
	logger *zap.Logger
	now    func() time.Time
}

// NewSaver wraps repo. A nil repo yields a Saver whose SaveAll reports ErrNoStorage.
func NewSaver(repo Repository, logger *zap.Logger) *Saver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		repo:   repo,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveAll persists every result independently. Failures are joined; pages that
// were written are still returned.
func (s *Saver) SaveAll(ctx context.Context, results []audit.Result) ([]SavedPage, error) {
	if s == nil || s.repo == nil {
		return nil, ErrNoStorage
	}
	saved := make([]SavedPage, 0, len(results))
	var errs []error
	for _, r := range results {
		page, err := s.Save(ctx, r)
		if err != nil {
			s.logger.Error("persist result failed", zap.String("url", r.URL), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		saved = append(saved, page)
	}
	return saved, errors.Join(errs...)
}

// Save persists one result.
func (s *Saver) Save(ctx context.Context, r audit.Result) (SavedPage, error) {
	if s == nil || s.repo == nil {
		return SavedPage{}, ErrNoStorage
	}
	domain, err := SiteDomain(r.URL)
	if err != nil {
		return SavedPage{}, fmt.Errorf("save %s: %w", r.URL, err)
	}
	pageID, err := s.repo.UpsertPage(ctx, domain, r.URL)
	if err != nil {
		return SavedPage{}, fmt.Errorf("save %s: upsert page: %w", r.URL, err)
	}
	capturedAt := r.CapturedAt
	if capturedAt.IsZero() {
		capturedAt = s.now()
	}
	obs := ObservationsFor(r)
	if err := s.repo.AppendObservations(ctx, pageID, capturedAt, obs); err != nil {
		return SavedPage{}, fmt.Errorf("save %s: append observations: %w", r.URL, err)
	}
	s.logger.Debug("result persisted",
		zap.String("url", r.URL),
		zap.Int64("page_id", pageID),
		zap.Int("rows", len(obs)),
	)
	return SavedPage{
		PageID:     pageID,
		URL:        r.URL,
		Domain:     domain,
		CapturedAt: capturedAt,
		Rows:       len(obs),
		Failed:     r.Failed(),
	}, nil
}
