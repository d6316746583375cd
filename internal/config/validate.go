package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks the settings shared by every binary.
func (c *PipelineConfig) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.Broker.URL == "" {
		return errors.New("broker.url is required")
	}
	if c.Broker.Producer.Exchange == "" {
		return errors.New("broker.producer.exchange is required")
	}
	if c.Broker.Producer.RoutingKey == "" {
		return errors.New("broker.producer.routing_key is required")
	}
	if c.Broker.Consumer.Queue == "" {
		return errors.New("broker.consumer.queue is required")
	}
	if c.Broker.Consumer.Prefetch < 1 {
		return errors.New("broker.consumer.prefetch must be >= 1")
	}

	if c.Fetcher.Interval <= 0 {
		return errors.New("fetcher.interval must be positive")
	}
	if c.Fetcher.Concurrency < 1 {
		return errors.New("fetcher.concurrency must be >= 1")
	}

	if c.Ingest.Workers < 1 {
		return errors.New("ingest.workers must be >= 1")
	}
	switch c.Ingest.OnStoreError {
	case StoreErrorRequeue, StoreErrorHalt:
	default:
		return fmt.Errorf("ingest.on_store_error must be %q or %q, got %q", StoreErrorRequeue, StoreErrorHalt, c.Ingest.OnStoreError)
	}

	if c.Provider.RequestsPerSecond < 0 {
		return errors.New("provider.requests_per_second must be >= 0")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("api.port must be between 1 and 65535, got %d", c.API.Port)
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}

	return nil
}

// ValidateOriginator adds the checks the producer binary needs.
func (c *PipelineConfig) ValidateOriginator() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Provider.MarketsURL == "" {
		return errors.New("provider.markets_url is required")
	}
	return nil
}

// ValidateAPI adds the checks the consumer and read API binary needs.
func (c *PipelineConfig) ValidateAPI() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.Database.Prices.validate("database.prices")
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}

// ParseLevel maps a log.level string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
}
