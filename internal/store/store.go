package store

import (
	"context"
	"time"

	"github.com/rickgao/marketpulse/internal/model"
)

// PriceStore is the append-only sample store with its read queries.
type PriceStore interface {
	// Write stores s and reports false if a sample with the same ID exists.
	Write(ctx context.Context, s model.PriceSample) (bool, error)
	ListInstruments(ctx context.Context) ([]string, error)
	RankByVolatility(ctx context.Context) ([]model.MarketRank, error)
	RecentSamples(ctx context.Context, instrument string, window time.Duration) ([]model.PricePoint, error)
	Ping(ctx context.Context) error
}

var (
	_ PriceStore = (*Memory)(nil)
	_ PriceStore = (*Postgres)(nil)
)
