package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/marketpulse/internal/channel"
	"github.com/rickgao/marketpulse/internal/metrics"
	"github.com/rickgao/marketpulse/internal/model"
)

var (
	// ErrHalted wraps the store error that stopped a consumer running StoreHalt.
	ErrHalted = errors.New("ingest halted")

	// ErrStreamClosed is returned by Wait when the delivery stream ended
	// before the consumer was stopped.
	ErrStreamClosed = errors.New("delivery stream closed")
)

// Outcome is the terminal state of one delivery.
type Outcome string

const (
	OutcomeAcked        Outcome = "acked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeAckFailed    Outcome = "ack_failed"
	OutcomeHalted       Outcome = "halted"
)

// StorePolicy selects what happens when a sample cannot be written.
type StorePolicy string

const (
	// StoreRequeue nacks the delivery for redelivery, subject to the cap.
	StoreRequeue StorePolicy = "requeue"

	// StoreHalt nacks with requeue and stops the consumer.
	StoreHalt StorePolicy = "halt"
)

// SampleWriter persists price samples. Write reports false when the sample
// already existed.
type SampleWriter interface {
	Write(ctx context.Context, s model.PriceSample) (bool, error)
}

// RankInvalidator drops a cached ranking once new samples land.
type RankInvalidator interface {
	Invalidate(ctx context.Context) error
}

// Config holds consumer configuration.
type Config struct {
	Workers      int           // Concurrent handlers (default: 4)
	StoreTimeout time.Duration // Deadline per store write (default: 5s)

	// MaxDeliveries is the attempt at which a failing message is dead-lettered
	// instead of requeued. Zero or negative requeues forever.
	MaxDeliveries int

	OnStoreError StorePolicy
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		StoreTimeout:  5 * time.Second,
		MaxDeliveries: 5,
		OnStoreError:  StoreRequeue,
	}
}

// Consumer turns deliveries into stored price samples.
type Consumer struct {
	cfg     Config
	sub     channel.Subscriber
	store   SampleWriter
	metrics *metrics.Metrics
	logger  *slog.Logger
	ranks   RankInvalidator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	errOnce sync.Once
	err     error
}

// New creates a new Consumer.
func New(cfg Config, sub channel.Subscriber, store SampleWriter, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.OnStoreError == "" {
		cfg.OnStoreError = StoreRequeue
	}
	return &Consumer{
		cfg:     cfg,
		sub:     sub,
		store:   store,
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// SetRankInvalidator registers a cache to drop after every inserted sample.
func (c *Consumer) SetRankInvalidator(inv RankInvalidator) {
	c.ranks = inv
}

// Start subscribes and launches the worker pool.
func (c *Consumer) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	deliveries, err := c.sub.Consume(c.ctx)
	if err != nil {
		c.cancel()
		return fmt.Errorf("consume: %w", err)
	}

	// Handlers outlive shutdown so an in-flight message is settled, not abandoned.
	handleCtx := context.WithoutCancel(c.ctx)

	for i := 0; i < c.cfg.Workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for d := range deliveries {
				c.Handle(handleCtx, d)
			}
		}()
	}

	go func() {
		c.wg.Wait()
		if c.ctx.Err() == nil {
			c.fail(ErrStreamClosed)
		}
		close(c.done)
	}()

	c.logger.Info("ingest consumer started",
		"workers", c.cfg.Workers,
		"max_deliveries", c.cfg.MaxDeliveries,
		"on_store_error", c.cfg.OnStoreError,
	)

	return nil
}

// Stop stops accepting deliveries and waits for in-flight handlers.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	select {
	case <-c.done:
		c.logger.Info("ingest consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the worker pool exits and returns the error that ended
// it: ErrHalted under StoreHalt, ErrStreamClosed if the broker went away.
// A consumer stopped through Stop or its context returns nil.
func (c *Consumer) Wait() error {
	<-c.done
	return c.err
}

// Done is closed once every worker has exited.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

// Handle processes a single delivery and settles it exactly once.
func (c *Consumer) Handle(ctx context.Context, d channel.Delivery) Outcome {
	outcome := c.handle(ctx, d)
	c.metrics.MessagesConsumed.WithLabelValues(string(outcome)).Inc()
	return outcome
}

func (c *Consumer) handle(ctx context.Context, d channel.Delivery) Outcome {
	event, err := model.ParsePriceEvent(d.Body())
	if err != nil {
		c.logger.Warn("failed to parse price event",
			"attempt", d.Attempt(),
			"payload", string(d.Body()),
			"err", err,
		)
		return c.reject(d)
	}

	sample := model.NewPriceSample(event)

	inserted, err := c.write(ctx, sample)
	if err != nil {
		c.logger.Error("failed to store price sample",
			"instrument", sample.Instrument,
			"attempt", d.Attempt(),
			"err", err,
		)
		if c.cfg.OnStoreError == StoreHalt {
			if nackErr := d.Nack(true); nackErr != nil {
				c.logger.Error("failed to nack delivery", "instrument", sample.Instrument, "err", nackErr)
			}
			c.halt(err)
			return OutcomeHalted
		}
		return c.reject(d)
	}

	if err := d.Ack(); err != nil {
		c.logger.Error("failed to ack delivery",
			"instrument", sample.Instrument,
			"err", err,
		)
		return OutcomeAckFailed
	}

	if !inserted {
		c.logger.Debug("duplicate price sample",
			"instrument", sample.Instrument,
			"timestamp", sample.Timestamp,
		)
		return OutcomeDuplicate
	}

	if c.ranks != nil {
		if err := c.ranks.Invalidate(ctx); err != nil {
			c.logger.Warn("failed to invalidate rank cache", "instrument", sample.Instrument, "err", err)
		}
	}
	return OutcomeAcked
}

func (c *Consumer) write(ctx context.Context, s model.PriceSample) (bool, error) {
	if c.cfg.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.StoreTimeout)
		defer cancel()
	}
	return c.store.Write(ctx, s)
}

// reject nacks a delivery, dead-lettering it once the attempt cap is reached.
func (c *Consumer) reject(d channel.Delivery) Outcome {
	if c.exhausted(d.Attempt()) {
		if err := d.Nack(false); err != nil {
			c.logger.Error("failed to dead-letter delivery", "attempt", d.Attempt(), "err", err)
		} else {
			c.logger.Warn("delivery dead-lettered", "attempt", d.Attempt())
		}
		return OutcomeDeadLettered
	}

	if err := d.Nack(true); err != nil {
		c.logger.Error("failed to requeue delivery", "attempt", d.Attempt(), "err", err)
	}
	return OutcomeRequeued
}

func (c *Consumer) exhausted(attempt int) bool {
	return c.cfg.MaxDeliveries > 0 && attempt >= c.cfg.MaxDeliveries
}

// halt stops the consumer after a store failure under StoreHalt.
func (c *Consumer) halt(err error) {
	c.fail(fmt.Errorf("%w: %w", ErrHalted, err))
}

// fail records the first fatal error and stops the consumer.
func (c *Consumer) fail(err error) {
	c.errOnce.Do(func() {
		c.err = err
		c.logger.Error("stopping ingest consumer", "err", err)
		if c.cancel != nil {
			c.cancel()
		}
	})
}
