package fetcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketpulse/internal/channel"
	"github.com/rickgao/marketpulse/internal/metrics"
	"github.com/rickgao/marketpulse/internal/model"
	"github.com/rickgao/marketpulse/internal/provider"
)

// MarketClient is the provider surface the fetcher needs.
type MarketClient interface {
	GetMarkets(ctx context.Context) (*provider.MarketsResponse, error)
	GetPrice(ctx context.Context, market model.Market) (*provider.PriceResponse, error)
}

// Config holds fetcher configuration.
type Config struct {
	Interval     time.Duration // Tick interval (default: 1m)
	Concurrency  int           // Max concurrent price lookups (default: 8)
	Timeout      time.Duration // Per-call deadline for provider and publish calls (default: 10s)
	AllowOverlap bool          // Run a tick even if the previous cycle is still going

	Exchange   string
	RoutingKey string

	// EnforceAllowance stops price lookups for the rest of a cycle once the
	// provider reports a remaining budget below the per-call cost.
	EnforceAllowance bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Concurrency: 8,
		Timeout:     10 * time.Second,
		Exchange:    "montecarlo",
		RoutingKey:  "prices.latest",
	}
}

// CycleResult summarizes one fetch cycle.
type CycleResult struct {
	Markets   int // Listed by the provider
	Active    int // Eligible for pricing
	Published int
	Failed    int // Price lookups or publishes that failed
}

// Fetcher periodically lists markets, prices them and publishes price events.
type Fetcher struct {
	cfg       Config
	client    MarketClient
	publisher channel.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time

	running atomic.Bool

	allowanceMu sync.Mutex
	allowance   model.Allowance

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Fetcher.
func New(cfg Config, client MarketClient, publisher channel.Publisher, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Fetcher{
		cfg:       cfg,
		client:    client,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the clock used to stamp published events.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}

// Start runs one cycle immediately and then one per interval.
func (f *Fetcher) Start(ctx context.Context) error {
	f.ctx, f.cancel = context.WithCancel(ctx)

	f.wg.Add(1)
	go f.run()

	f.logger.Info("fetcher started",
		"interval", f.cfg.Interval,
		"concurrency", f.cfg.Concurrency,
		"allow_overlap", f.cfg.AllowOverlap,
	)

	return nil
}

// Stop cancels the tick loop and waits for in-flight cycles.
func (f *Fetcher) Stop(ctx context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		f.logger.Info("fetcher stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fetcher) run() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	f.dispatch()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			f.dispatch()
		}
	}
}

// dispatch starts a cycle in the background so a slow cycle never delays the
// ticker. Whether it actually runs is decided by Tick.
func (f *Fetcher) dispatch() {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.Tick(f.ctx)
	}()
}

// Tick runs one cycle unless a previous one is still in flight and overlap
// is disallowed. It reports whether the cycle ran.
func (f *Fetcher) Tick(ctx context.Context) bool {
	if !f.cfg.AllowOverlap {
		if !f.running.CompareAndSwap(false, true) {
			f.metrics.FetchCyclesSkipped.Inc()
			f.logger.Warn("previous cycle still running, skipping tick")
			return false
		}
		defer f.running.Store(false)
	}

	f.RunCycle(ctx)
	return true
}

// RunCycle fetches the active markets, prices them and publishes one event
// per priced market. It never fails; problems are logged and counted.
func (f *Fetcher) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	defer func() {
		f.metrics.FetchCycles.Inc()
		f.metrics.FetchCycleDuration.Observe(time.Since(start).Seconds())
	}()

	markets := f.FetchMarkets(ctx)
	result := CycleResult{Markets: len(markets)}

	active := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if m.Active {
			active = append(active, m)
		}
	}
	result.Active = len(active)

	if len(active) == 0 {
		f.logger.Debug("no active markets to price")
		return result
	}

	var published, failed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Concurrency)

	for _, market := range active {
		if gctx.Err() != nil {
			break
		}
		if f.budgetExhausted() {
			f.logger.Warn("provider allowance exhausted, skipping remaining markets")
			break
		}

		market := market
		g.Go(func() error {
			price, ok := f.FetchPrice(gctx, market)
			if !ok {
				failed.Add(1)
				return nil
			}
			if err := f.publish(gctx, market.Pair, price); err != nil {
				failed.Add(1)
				return nil
			}
			published.Add(1)
			return nil
		})
	}

	_ = g.Wait()

	result.Published = int(published.Load())
	result.Failed = int(failed.Load())

	f.logger.Info("poll cycle complete",
		"markets", result.Markets,
		"active", result.Active,
		"published", result.Published,
		"failed", result.Failed,
		"duration", time.Since(start),
	)

	return result
}

// FetchMarkets lists markets from the provider. Any failure yields an empty
// list.
func (f *Fetcher) FetchMarkets(ctx context.Context) []model.Market {
	ctx, cancel := f.callContext(ctx)
	defer cancel()

	resp, err := f.client.GetMarkets(ctx)
	if err != nil {
		f.metrics.ProviderErrors.WithLabelValues(metrics.OpMarkets).Inc()
		f.logger.Warn("failed to fetch markets", "err", err)
		return nil
	}

	f.recordAllowance(resp.Allowance)
	return resp.Result
}

// FetchPrice looks up a market's current price. ok is false on any failure.
func (f *Fetcher) FetchPrice(ctx context.Context, market model.Market) (price float64, ok bool) {
	ctx, cancel := f.callContext(ctx)
	defer cancel()

	resp, err := f.client.GetPrice(ctx, market)
	if err == nil && resp.Result.Price == nil {
		err = provider.ErrNoPrice
	}
	if err != nil {
		f.metrics.ProviderErrors.WithLabelValues(metrics.OpPrice).Inc()
		f.logger.Warn("failed to fetch price",
			"instrument", market.Pair,
			"err", err,
		)
		return 0, false
	}

	f.recordAllowance(resp.Allowance)
	return *resp.Result.Price, true
}

func (f *Fetcher) publish(ctx context.Context, instrument string, price float64) error {
	body, err := json.Marshal(model.PriceEvent{
		Instrument: instrument,
		Price:      price,
		Timestamp:  f.now().UTC(),
	})
	if err != nil {
		f.metrics.PublishErrors.Inc()
		f.logger.Error("failed to encode price event", "instrument", instrument, "err", err)
		return err
	}

	ctx, cancel := f.callContext(ctx)
	defer cancel()

	if err := f.publisher.Publish(ctx, f.cfg.Exchange, f.cfg.RoutingKey, body); err != nil {
		f.metrics.PublishErrors.Inc()
		f.logger.Error("failed to publish price event",
			"instrument", instrument,
			"exchange", f.cfg.Exchange,
			"routing_key", f.cfg.RoutingKey,
			"err", err,
		)
		return err
	}

	f.metrics.EventsPublished.Inc()
	return nil
}

func (f *Fetcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.cfg.Timeout)
}

// recordAllowance keeps the most recent budget report.
func (f *Fetcher) recordAllowance(a model.Allowance) {
	if a == (model.Allowance{}) {
		return
	}

	f.allowanceMu.Lock()
	f.allowance = a
	f.allowanceMu.Unlock()

	f.logger.Debug("provider allowance",
		"cost", a.Cost,
		"remaining", a.Remaining,
	)
}

// Allowance returns the last budget reported by the provider.
func (f *Fetcher) Allowance() model.Allowance {
	f.allowanceMu.Lock()
	defer f.allowanceMu.Unlock()
	return f.allowance
}

func (f *Fetcher) budgetExhausted() bool {
	return f.cfg.EnforceAllowance && f.Allowance().Exhausted()
}
