// Package metrics provides Prometheus metrics for the price pipeline.
//
// Key metrics:
//   - Fetch cycles run, skipped and their duration
//   - Provider errors by operation (markets, price)
//   - Price events published and publish failures
//   - Consumed messages by ingest outcome
package metrics
