// Package query composes the price store reads served by the API.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickgao/marketpulse/internal/model"
)

// Store is the read side of the price store.
type Store interface {
	ListInstruments(ctx context.Context) ([]string, error)
	RankByVolatility(ctx context.Context) ([]model.MarketRank, error)
	RecentSamples(ctx context.Context, instrument string, window time.Duration) ([]model.PricePoint, error)
	Ping(ctx context.Context) error
}

// RankCache holds a recently computed volatility ranking.
type RankCache interface {
	// GetRanks returns ok=false on a miss.
	GetRanks(ctx context.Context) (ranks []model.MarketRank, ok bool, err error)
	SetRanks(ctx context.Context, ranks []model.MarketRank) error
	Ping(ctx context.Context) error
}

// Detail is one instrument's rank and its recent prices. Rank is nil for an
// instrument that has never been stored.
type Detail struct {
	Rank        *string            `json:"rank"`
	PricePoints []model.PricePoint `json:"pricePoints"`
}

// Service answers market list and detail queries.
type Service struct {
	store  Store
	cache  RankCache
	window time.Duration
	logger *slog.Logger
}

// New creates a Service. cache may be nil. A non-positive window means 24h.
func New(store Store, cache RankCache, window time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Service{
		store:  store,
		cache:  cache,
		window: window,
		logger: logger,
	}
}

// ListMarkets returns every stored instrument in lexicographic order.
func (s *Service) ListMarkets(ctx context.Context) ([]string, error) {
	instruments, err := s.store.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if instruments == nil {
		instruments = []string{}
	}
	return instruments, nil
}

// MarketDetail joins name's volatility rank with its samples in the window.
// A cached ranking that lacks name is refreshed from the store before the
// rank is reported absent.
func (s *Service) MarketDetail(ctx context.Context, name string) (Detail, error) {
	ranks, cached, err := s.ranks(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("market detail %s: %w", name, err)
	}

	rank, ok := findRank(ranks, name)
	if !ok && cached {
		ranks, err = s.refreshRanks(ctx)
		if err != nil {
			return Detail{}, fmt.Errorf("market detail %s: %w", name, err)
		}
		rank, ok = findRank(ranks, name)
	}

	points, err := s.store.RecentSamples(ctx, name, s.window)
	if err != nil {
		return Detail{}, fmt.Errorf("market detail %s: %w", name, err)
	}
	if points == nil {
		points = []model.PricePoint{}
	}

	detail := Detail{PricePoints: points}
	if ok {
		detail.Rank = &rank
	}
	return detail, nil
}

// Ranks returns the volatility ranking, from the cache when it has one.
// Cache failures fall through to the store.
func (s *Service) Ranks(ctx context.Context) ([]model.MarketRank, error) {
	ranks, _, err := s.ranks(ctx)
	return ranks, err
}

// ranks reports whether the ranking came from the cache.
func (s *Service) ranks(ctx context.Context) ([]model.MarketRank, bool, error) {
	if s.cache != nil {
		ranks, ok, err := s.cache.GetRanks(ctx)
		switch {
		case err != nil:
			s.logger.Warn("rank cache read failed", "err", err)
		case ok:
			return ranks, true, nil
		}
	}

	ranks, err := s.refreshRanks(ctx)
	return ranks, false, err
}

// refreshRanks computes the ranking from the store and replaces the cached one.
func (s *Service) refreshRanks(ctx context.Context) ([]model.MarketRank, error) {
	ranks, err := s.store.RankByVolatility(ctx)
	if err != nil {
		return nil, fmt.Errorf("rank by volatility: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.SetRanks(ctx, ranks); err != nil {
			s.logger.Warn("rank cache write failed", "err", err)
		}
	}
	return ranks, nil
}

func findRank(ranks []model.MarketRank, name string) (string, bool) {
	for _, r := range ranks {
		if r.Instrument == name {
			return r.Rank, true
		}
	}
	return "", false
}

// Ping checks the store and, if configured, the cache.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("ping cache: %w", err)
		}
	}
	return nil
}
