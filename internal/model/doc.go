// Package model defines shared data types used across the price pipeline.
//
// Conventions:
//   - Prices: float64 in the provider's quote currency
//   - Timestamps: time.Time, stored in UTC at microsecond precision
//   - IDs: uuid.UUID derived from (instrument, timestamp), never random
//
// PriceEvent is the wire payload; PriceSample is the stored row.
package model
