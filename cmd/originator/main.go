package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketpulse/internal/channel"
	"github.com/rickgao/marketpulse/internal/config"
	"github.com/rickgao/marketpulse/internal/fetcher"
	"github.com/rickgao/marketpulse/internal/metrics"
	"github.com/rickgao/marketpulse/internal/provider"
	"github.com/rickgao/marketpulse/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/originator.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("originator failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := config.LoadWithDefaults(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateOriginator(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting originator", append(version.LogAttrs(),
		"instance_id", cfg.Instance.ID,
		"markets_url", cfg.Provider.MarketsURL,
	)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := channel.DialAMQP(cfg.Broker.URL, channel.Topology{
		Exchange:   cfg.Broker.Producer.Exchange,
		RoutingKey: cfg.Broker.Producer.RoutingKey,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := broker.DeclareExchange(); err != nil {
		return err
	}

	client := provider.NewClient(
		cfg.Provider.MarketsURL,
		cfg.Provider.APIKey,
		provider.WithLogger(logger),
		provider.WithTimeout(cfg.Provider.Timeout),
		provider.WithRetries(cfg.Provider.MaxRetries, cfg.Provider.RetryBackoff),
		provider.WithRateLimit(cfg.Provider.RequestsPerSecond, cfg.Fetcher.Concurrency),
	)

	m := metrics.New(nil)

	f := fetcher.New(fetcher.Config{
		Interval:         cfg.Fetcher.Interval,
		Concurrency:      cfg.Fetcher.Concurrency,
		Timeout:          cfg.Fetcher.Timeout,
		AllowOverlap:     cfg.Fetcher.AllowOverlap,
		Exchange:         cfg.Broker.Producer.Exchange,
		RoutingKey:       cfg.Broker.Producer.RoutingKey,
		EnforceAllowance: cfg.Provider.EnforceAllowance,
	}, client, broker, m, logger)

	metricsServer := m.Server(cfg.Metrics.Port, cfg.Metrics.Path)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		if err := f.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := f.Stop(shutdownCtx); err != nil {
			logger.Warn("fetcher did not stop cleanly", "error", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("originator stopped")
	return nil
}
