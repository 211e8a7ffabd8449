// streamtail connects to the exchange push stream and prints heartbeats and
// ticks to the console.
// Usage: go run ./cmd/streamtail --config configs/productstats.yaml [--products BTC-EUR,ETH-EUR]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rickgao/productstats/internal/auth"
	"github.com/rickgao/productstats/internal/config"
	"github.com/rickgao/productstats/internal/connection"
	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
)

func main() {
	configPath := flag.String("config", "configs/productstats.yaml", "path to config file")
	products := flag.String("products", "", "comma-separated product ids (default: config instruments)")
	heartbeats := flag.Bool("heartbeats", false, "print heartbeats")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ids := cfg.Instruments
	if *products != "" {
		ids = strings.Split(*products, ",")
	}
	if len(ids) == 0 {
		logger.Error("no products to subscribe to")
		os.Exit(1)
	}

	var creds *auth.Credentials
	if cfg.API.Authenticated() {
		creds, err = auth.LoadCredentials(cfg.API.Key, cfg.API.Secret, cfg.API.Passphrase)
		if err != nil {
			logger.Error("failed to load credentials", "error", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	feed := connection.NewFeed(connection.FeedConfig{
		URL:               cfg.API.WSURL,
		Credentials:       creds,
		Conn:              connection.ConnConfig{HeartbeatTimeout: cfg.Stream.HeartbeatTimeout},
		ConnectTimeout:    cfg.Stream.ConnectTimeout,
		ReconnectBaseWait: cfg.Stream.ReconnectBaseDelay,
		ReconnectMaxWait:  cfg.Stream.ReconnectMaxDelay,
	}, logger)

	var ticks, beats atomic.Int64
	sub, err := feed.Subscribe(ctx, ids, provider.Handlers{
		Heartbeat: func(hb provider.Heartbeat) {
			beats.Add(1)
			if *heartbeats {
				fmt.Printf("[HEARTBEAT] product=%s seq=%d time=%s\n",
					hb.InstrumentID, hb.Sequence, hb.Time.Format(time.RFC3339))
			}
		},
		Tick: func(q model.Quote) {
			ticks.Add(1)
			fmt.Printf("[TICK] product=%s bid=%s ask=%s spread=%s time=%s\n",
				q.InstrumentID, q.Bid, q.Ask, q.Spread(), q.Timestamp.Format(time.RFC3339Nano))
		},
	})
	if err != nil {
		logger.Error("failed to subscribe", "error", err)
		os.Exit(1)
	}

	logger.Info("streaming started - press Ctrl+C to stop", "products", ids)

	// Stats printer
	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-sub.Done():
			logger.Warn("subscription ended")
			break loop
		case <-statsTicker.C:
			attrs := []any{"ticks", ticks.Load(), "heartbeats", beats.Load()}
			if fs, ok := sub.(*connection.FeedSubscription); ok {
				st := fs.Stats()
				attrs = append(attrs, "reconnects", st.Reconnects)
			}
			logger.Info("stats", attrs...)
		}
	}

	logger.Info("shutting down...")
	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("unsubscribe failed", "error", err)
	}
	logger.Info("shutdown complete")
}
