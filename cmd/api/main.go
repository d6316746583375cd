package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketpulse/internal/cache"
	"github.com/rickgao/marketpulse/internal/channel"
	"github.com/rickgao/marketpulse/internal/config"
	"github.com/rickgao/marketpulse/internal/database"
	"github.com/rickgao/marketpulse/internal/httpapi"
	"github.com/rickgao/marketpulse/internal/ingest"
	"github.com/rickgao/marketpulse/internal/metrics"
	"github.com/rickgao/marketpulse/internal/query"
	"github.com/rickgao/marketpulse/internal/store"
	"github.com/rickgao/marketpulse/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/api.local.yaml", "path to config file")
	envFile := flag.String("env", ".env", "optional dotenv file loaded before the config")
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		slog.Error("api failed", "error", err)
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
	if err := cfg.ValidateAPI(); err != nil {
		return err
	}

	level, err := config.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	logger.Info("starting api", append(version.LogAttrs(),
		"instance_id", cfg.Instance.ID,
	)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to database",
		"host", cfg.Database.Prices.Host,
		"port", cfg.Database.Prices.Port,
		"database", cfg.Database.Prices.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Prices)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	prices := store.NewPostgres(pool, logger)
	if err := prices.EnsureSchema(ctx); err != nil {
		return err
	}

	var (
		ranks query.RankCache
		rc    *cache.RankCache
	)
	if cfg.Cache.Redis.Addr != "" {
		rc = cache.NewRankCache(cache.NewClient(cfg.Cache.Redis), cfg.Cache.Redis.RankTTL)
		defer rc.Close()
		ranks = rc
		logger.Info("rank cache enabled", "addr", cfg.Cache.Redis.Addr, "ttl", cfg.Cache.Redis.RankTTL)
	}

	consumerCfg := cfg.Broker.Consumer
	broker, err := channel.DialAMQP(cfg.Broker.URL, channel.Topology{
		Exchange:           consumerCfg.Exchange,
		Queue:              consumerCfg.Queue,
		RoutingKey:         consumerCfg.RoutingKey,
		DeadLetterExchange: consumerCfg.DeadLetterExchange,
		DeadLetterQueue:    consumerCfg.DeadLetterQueue,
		Prefetch:           consumerCfg.Prefetch,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	if err := broker.DeclareQueue(); err != nil {
		return err
	}

	m := metrics.New(nil)

	consumer := ingest.New(ingest.Config{
		Workers:       cfg.Ingest.Workers,
		StoreTimeout:  cfg.Ingest.StoreTimeout,
		MaxDeliveries: consumerCfg.MaxDeliveries,
		OnStoreError:  ingest.StorePolicy(cfg.Ingest.OnStoreError),
	}, broker, prices, m, logger)
	if rc != nil {
		consumer.SetRankInvalidator(rc)
	}

	svc := query.New(prices, ranks, cfg.API.DetailWindow, logger)

	gin.SetMode(gin.ReleaseMode)
	apiServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.API.Port),
		Handler:           httpapi.NewRouter(httpapi.NewHandler(svc, logger)),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := m.Server(cfg.Metrics.Port, cfg.Metrics.Path)

	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range []*http.Server{apiServer, metricsServer} {
		srv := srv
		g.Go(func() error {
			logger.Info("starting http server", "addr", srv.Addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	if err := consumer.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		// A halted consumer or a dropped broker stream takes the process down.
		select {
		case <-consumer.Done():
			return consumer.Wait()
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Stop intake first so in-flight messages settle before the broker closes.
		if err := consumer.Stop(shutdownCtx); err != nil {
			logger.Warn("consumer did not stop cleanly", "error", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api server shutdown", "error", err)
		}
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("api stopped")
	return nil
}
