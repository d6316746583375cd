package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/marketpulse/internal/model"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS prices (
	price_id   uuid PRIMARY KEY,
	instrument text NOT NULL,
	timestamp  timestamptz NOT NULL,
	amount     double precision NOT NULL
);
CREATE INDEX IF NOT EXISTS prices_instrument_idx ON prices (instrument);
CREATE INDEX IF NOT EXISTS prices_instrument_timestamp_idx ON prices (instrument, timestamp);
`

// Postgres stores samples in the prices table.
type Postgres struct {
	db     *pgxpool.Pool
	now    func() time.Time
	logger *slog.Logger
}

// NewPostgres creates a store over an open pool.
func NewPostgres(db *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		db:     db,
		now:    time.Now,
		logger: logger,
	}
}

// EnsureSchema creates the prices table and its indexes if missing.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Write inserts a sample with ON CONFLICT DO NOTHING. It reports false when
// the row already existed.
func (p *Postgres) Write(ctx context.Context, s model.PriceSample) (bool, error) {
	ct, err := p.db.Exec(ctx, `
		INSERT INTO prices (price_id, instrument, timestamp, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (price_id) DO NOTHING
	`, s.ID, s.Instrument, s.Timestamp, s.Amount)
	if err != nil {
		return false, fmt.Errorf("insert price %s: %w", s.Instrument, err)
	}
	return ct.RowsAffected() == 1, nil
}

// ListInstruments returns distinct instruments in byte order.
func (p *Postgres) ListInstruments(ctx context.Context) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		SELECT DISTINCT instrument
		FROM prices
		ORDER BY instrument COLLATE "C"
	`)
	if err != nil {
		return nil, fmt.Errorf("list instruments: %w", err)
	}

	instruments, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan instruments: %w", err)
	}
	return instruments, nil
}

// RankByVolatility ranks instruments by descending stddev_pop(amount) with
// standard competition ranking.
func (p *Postgres) RankByVolatility(ctx context.Context) ([]model.MarketRank, error) {
	rows, err := p.db.Query(ctx, `
		SELECT instrument,
		       rank() OVER (ORDER BY stddev_pop(amount) DESC) || '/' || count(*) OVER () AS rank
		FROM prices
		GROUP BY instrument
		ORDER BY stddev_pop(amount) DESC, instrument COLLATE "C"
	`)
	if err != nil {
		return nil, fmt.Errorf("rank by volatility: %w", err)
	}

	ranks, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.MarketRank])
	if err != nil {
		return nil, fmt.Errorf("scan ranks: %w", err)
	}
	return ranks, nil
}

// RecentSamples returns the instrument's samples at or after now - window.
func (p *Postgres) RecentSamples(ctx context.Context, instrument string, window time.Duration) ([]model.PricePoint, error) {
	cutoff := p.now().Add(-windowOrDefault(window))

	rows, err := p.db.Query(ctx, `
		SELECT timestamp, amount
		FROM prices
		WHERE instrument = $1
		  AND timestamp >= $2
		ORDER BY timestamp
	`, instrument, cutoff)
	if err != nil {
		return nil, fmt.Errorf("recent samples %s: %w", instrument, err)
	}

	points, err := pgx.CollectRows(rows, pgx.RowToStructByPos[model.PricePoint])
	if err != nil {
		return nil, fmt.Errorf("scan samples %s: %w", instrument, err)
	}
	for i := range points {
		points[i].Timestamp = points[i].Timestamp.UTC()
	}
	return points, nil
}

// Ping verifies the connection is healthy.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}
