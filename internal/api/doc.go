// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/health, /v1/metrics/... and /v1/alerts/... for the health
//     monitor, the runtime collector and the alert table.
//   - GET /v1/status/{key} and POST /v1/status/batch for lookups.
//
// Everything under /v1 sits behind the optional API key.
package api
