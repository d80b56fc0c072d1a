// Package api hosts the ops HTTP server for webfarm. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/{profile} and /v1/runs/{profile}/{run_id} for run state.
//   - GET /v1/blocked, GET /v1/blocked/{event_id} for the blocked queue.
//   - POST /v1/blocked/{event_id}/resolve and /resume to act on it.
//   - GET /v1/profiles/blocked for profiles with open blocked events.
package api
