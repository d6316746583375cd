// Package httpapi serves the read API over gin.
//
// Routes:
//   - GET /metrics          instruments with stored prices
//   - GET /metrics/:name    rank and recent price points for one instrument
//   - GET /health           store and cache reachability
//
// Prometheus metrics are served on their own listener so they never collide
// with GET /metrics.
package httpapi
