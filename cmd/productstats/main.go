// productstats keeps rolling 24h statistics and live best bid/ask windows
// for a set of exchange products, and serves them over HTTP.
//
// Usage: productstats --config configs/productstats.yaml
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

	"github.com/rickgao/productstats/internal/api"
	"github.com/rickgao/productstats/internal/auth"
	"github.com/rickgao/productstats/internal/config"
	"github.com/rickgao/productstats/internal/connection"
	"github.com/rickgao/productstats/internal/database"
	"github.com/rickgao/productstats/internal/dispatch"
	"github.com/rickgao/productstats/internal/mirror"
	"github.com/rickgao/productstats/internal/orchestrator"
	"github.com/rickgao/productstats/internal/provider"
	"github.com/rickgao/productstats/internal/quotes"
	"github.com/rickgao/productstats/internal/stats"
	"github.com/rickgao/productstats/internal/version"
	"github.com/rickgao/productstats/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/productstats.yaml", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	// Set up structured logging
	level, err := cfg.Logging.SlogLevel()
	if err != nil {
		slog.Error("invalid log level", "error", err, "level", cfg.Logging.Level)
		os.Exit(1)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})).With("instance_id", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting productstats",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instruments", cfg.Instruments,
	)

	// Create context with cancellation on shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("productstats failed", "error", err)
		os.Exit(1)
	}
	logger.Info("productstats stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var creds *auth.Credentials
	if cfg.API.Authenticated() {
		var err error
		creds, err = auth.LoadCredentials(cfg.API.Key, cfg.API.Secret, cfg.API.Passphrase)
		if err != nil {
			return fmt.Errorf("load credentials: %w", err)
		}
		logger.Info("using API credentials", "key", cfg.API.Key)
	}

	// REST provider with rate-limit retries
	opts := []api.ClientOption{
		api.WithLogger(logger.With("component", "api")),
		api.WithTimeout(cfg.API.Timeout),
	}
	if creds != nil {
		opts = append(opts, api.WithCredentials(creds))
	}
	apiClient := api.NewClient(cfg.API.RestURL, opts...)
	fetcher := provider.NewRetrying(provider.NewREST(apiClient), provider.RetryConfig{
		Attempts: cfg.Retry.Attempts,
		Backoff:  cfg.Retry.Backoff,
	}, logger.With("component", "retry"))

	// Push stream
	feed := connection.NewFeed(connection.FeedConfig{
		URL:         cfg.API.WSURL,
		Credentials: creds,
		Conn: connection.ConnConfig{
			HeartbeatTimeout: cfg.Stream.HeartbeatTimeout,
		},
		ConnectTimeout:    cfg.Stream.ConnectTimeout,
		ReconnectBaseWait: cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Stream.ReconnectMaxDelay,
	}, logger)

	// Caches
	eviction, err := stats.ParseEvictionPolicy(cfg.Stats.Eviction)
	if err != nil {
		return err
	}
	cache := stats.New(stats.Config{
		Interval:     cfg.Stats.Interval,
		Capacity:     cfg.Stats.Capacity,
		Eviction:     eviction,
		Concurrency:  cfg.Stats.Concurrency,
		FetchTimeout: cfg.Stats.FetchTimeout,
	}, fetcher, logger.With("component", "stats"))

	registry := quotes.NewRegistry(quotes.Config{
		WindowCapacity: cfg.Quotes.WindowCapacity,
	}, fetcher, logger.With("component", "quotes"))

	dispatcher := dispatch.New(dispatch.Config{
		DrainGrace:   cfg.Stream.DrainGrace,
		RouteTimeout: cfg.Stream.RouteTimeout,
	}, feed, registry, logger.With("component", "dispatch"))

	// Optional sinks
	stopSinks, err := startSinks(ctx, cfg, cache, registry, logger)
	if err != nil {
		return err
	}
	defer stopSinks()

	// Status server
	srv := &server{
		snapshots:  cache,
		windows:    registry,
		dispatcher: dispatcher,
		timeout:    cfg.Stats.FetchTimeout,
		logger:     logger.With("component", "http"),
	}
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown", "error", err)
		}
	}()

	orch := orchestrator.New(orchestrator.Config{
		Instruments: cfg.Instruments,
		Warmup:      cfg.Stats.Warmup,
		StopTimeout: cfg.Stream.StopTimeout,
	}, cache, dispatcher, logger)

	logger.Info("productstats running",
		"health_url", fmt.Sprintf("http://localhost:%d/healthz", cfg.HTTP.Port),
	)
	return orch.Run(ctx)
}

// startSinks starts the snapshot archive and quote mirror when enabled and
// returns a function that stops them. Sinks outlive ctx so they can drain
// while the orchestrator shuts down.
func startSinks(ctx context.Context, cfg *config.Config, cache *stats.Cache, registry *quotes.Registry, logger *slog.Logger) (func(), error) {
	var stops []func(context.Context)

	stopAll := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := len(stops) - 1; i >= 0; i-- {
			stops[i](shutdownCtx)
		}
	}

	if cfg.Writers.Enabled {
		logger.Info("connecting to database",
			"host", cfg.Database.Timescale.Host,
			"port", cfg.Database.Timescale.Port,
			"database", cfg.Database.Timescale.Name,
		)
		pool, err := database.Connect(ctx, cfg.Database.Timescale)
		if err != nil {
			return nil, fmt.Errorf("connect timescale: %w", err)
		}
		stops = append(stops, func(context.Context) { pool.Close() })

		if err := database.EnsureSchema(ctx, pool); err != nil {
			stopAll()
			return nil, err
		}

		w := writer.NewSnapshotWriter(writer.WriterConfig{
			BatchSize:     cfg.Writers.BatchSize,
			FlushInterval: cfg.Writers.FlushInterval,
			BufferSize:    cfg.Writers.BufferSize,
		}, pool, logger.With("component", "writer"))
		sub := w.Attach(cache.Updated())
		if err := w.Start(context.WithoutCancel(ctx)); err != nil {
			sub.Unsubscribe()
			stopAll()
			return nil, fmt.Errorf("start snapshot writer: %w", err)
		}
		stops = append(stops, func(ctx context.Context) {
			sub.Unsubscribe()
			if err := w.Stop(ctx); err != nil {
				logger.Warn("snapshot writer stop", "error", err)
			}
		})
	}

	if cfg.Redis.Enabled {
		rdb, err := mirror.Dial(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			stopAll()
			return nil, err
		}
		stops = append(stops, func(context.Context) {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close", "error", err)
			}
		})

		m := mirror.New(mirror.Config{
			PublishTimeout: cfg.Redis.PublishTimeout,
		}, rdb, logger.With("component", "mirror"))
		m.Attach(registry)
		if err := m.Start(context.WithoutCancel(ctx)); err != nil {
			stopAll()
			return nil, fmt.Errorf("start quote mirror: %w", err)
		}
		stops = append(stops, func(ctx context.Context) {
			if err := m.Stop(ctx); err != nil {
				logger.Warn("quote mirror stop", "error", err)
			}
		})
	}

	return stopAll, nil
}
