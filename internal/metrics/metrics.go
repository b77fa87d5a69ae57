// Package metrics exposes Prometheus collectors for the audit service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Nochiis/web-metrics-probuilds/internal/audit"
	"github.com/Nochiis/web-metrics-probuilds/internal/run"
)

var (
	auditsTotal                *prometheus.CounterVec
	auditDurationSeconds       *prometheus.HistogramVec
	pageLoadSeconds            *prometheus.HistogramVec
	pageBytesTotal             *prometheus.CounterVec
	pageRequestsTotal          *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	runsTotal                  *prometheus.CounterVec
	runDurationSeconds         prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		auditsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_audits_total",
				Help: "Total number of page audits, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		auditDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageaudit_audit_duration_seconds",
				Help:    "Wall time of one page audit, labeled by site.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
			},
			[]string{"site"},
		)

		pageLoadSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageaudit_page_load_seconds",
				Help:    "Navigation start to load event end, labeled by site.",
				Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16},
			},
			[]string{"site"},
		)

		pageBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_page_bytes_total",
				Help: "Total bytes observed across audited pages, labeled by site.",
			},
			[]string{"site"},
		)

		pageRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_page_requests_total",
				Help: "Total completed network requests observed, labeled by site.",
			},
			[]string{"site"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pageaudit_rate_limit_delay_seconds",
				Help:    "Time navigations waited on the per-host limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"site"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pageaudit_runs_total",
				Help: "Total number of runs finished, labeled by status.",
			},
			[]string{"status"},
		)

		runDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pageaudit_run_duration_seconds",
				Help:    "Wall time of one run.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite extracts a lowercase hostname from a URL.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAudit records one finished audit.
func ObserveAudit(result audit.Result, elapsed time.Duration) {
	site := SanitizeSite(result.URL)
	outcome := "ok"
	if result.Failed() {
		outcome = "error"
	}
	auditsTotal.WithLabelValues(site, outcome).Inc()
	auditDurationSeconds.WithLabelValues(site).Observe(elapsed.Seconds())
	if result.Failed() {
		return
	}
	if result.TotalLoadMs != nil {
		pageLoadSeconds.WithLabelValues(site).Observe(float64(*result.TotalLoadMs) / 1000)
	}
	if result.TotalBytes > 0 {
		pageBytesTotal.WithLabelValues(site).Add(float64(result.TotalBytes))
	}
	pageRequestsTotal.WithLabelValues(site).Add(float64(result.NumRequests))
}

// ObserveRateLimitDelay records time spent waiting for a host token.
func ObserveRateLimitDelay(host string, waited time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(SanitizeSite(host)).Observe(waited.Seconds())
}

// ObserveRun records one finished run.
func ObserveRun(status string, elapsed time.Duration) {
	runsTotal.WithLabelValues(status).Inc()
	runDurationSeconds.Observe(elapsed.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Recorder forwards audit and run outcomes to the collectors.
type Recorder struct{}

// NewRecorder initializes the collectors and returns a Recorder.
func NewRecorder() Recorder {
	Init()
	return Recorder{}
}

// RecordAudit implements audit.Recorder.
func (Recorder) RecordAudit(result audit.Result, elapsed time.Duration) {
	ObserveAudit(result, elapsed)
}

// RecordRun records a finished run.
func (Recorder) RecordRun(status run.Status, elapsed time.Duration) {
	ObserveRun(string(status), elapsed)
}

var _ audit.Recorder = Recorder{}
