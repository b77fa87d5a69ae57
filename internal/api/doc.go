// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to trigger an audit run; GET /v1/runs[/{run_id}[/results]]
//     to inspect runs and their results; POST /v1/runs/{run_id}/cancel to
//     cancel a run that has not started.
package api
