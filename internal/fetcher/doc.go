// Package fetcher implements the scheduled market data fetcher.
//
// Each cycle:
//   - Lists markets from the provider and keeps the active ones
//   - Fetches each active market's price with bounded concurrency
//   - Publishes one price event per priced market, stamped with the local clock
//
// Provider failures are logged and skipped; they never stop the schedule.
// Ticks that arrive while a cycle is still running are skipped unless
// AllowOverlap is set.
package fetcher
