package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// -----------------------------------------------------------------------------
// Persisted Types
// -----------------------------------------------------------------------------

// PriceSample is one stored price observation (row in the prices table).
type PriceSample struct {
	ID         uuid.UUID // Primary key, derived from (Instrument, Timestamp)
	Instrument string    // Symbol, e.g. "BTCUSD"
	Timestamp  time.Time // Observation time (UTC, microsecond precision)
	Amount     float64   // Price
}

// PricePoint is the (timestamp, amount) projection returned by recent-sample queries.
type PricePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Amount    float64   `json:"amount"`
}

// -----------------------------------------------------------------------------
// Derived Types
// -----------------------------------------------------------------------------

// MarketRank is an instrument's volatility rank, formatted "<rank>/<count>".
// Computed on demand, never stored.
type MarketRank struct {
	Instrument string `json:"instrument"`
	Rank       string `json:"rank"`
}

// -----------------------------------------------------------------------------
// Provider Types
// -----------------------------------------------------------------------------

// Market describes one tradable market as listed by the provider.
type Market struct {
	ID       int64  `json:"id"`
	Exchange string `json:"exchange"`
	Pair     string `json:"pair"`   // Trading symbol, published as the instrument
	Active   bool   `json:"active"` // Only active markets are priced
	Route    string `json:"route"`  // Base URL for per-market lookups

	// ProviderRank is whatever the provider reports under "rank". It is kept
	// opaque and never mixed with MarketRank.Rank.
	ProviderRank json.RawMessage `json:"rank,omitempty"`
}

// Allowance is the provider's reported request budget.
type Allowance struct {
	Cost      float64 `json:"cost"`
	Remaining float64 `json:"remaining"`
	Upgrade   string  `json:"upgrade,omitempty"`
}

// Exhausted reports whether the remaining budget cannot cover another call.
func (a Allowance) Exhausted() bool {
	return a.Cost > 0 && a.Remaining < a.Cost
}
