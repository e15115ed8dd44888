// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to trigger a crawl.
//   - GET /v1/sources/{source_id} for source health and sync statistics.
//   - GET /v1/batches and /v1/batches/{batch_id} for execution rollups via the
//     BatchRepository interface.
package api
