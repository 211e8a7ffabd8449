// Package orchestrator composes the snapshot cache and the stream dispatcher
// into a single lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rickgao/productstats/internal/dispatch"
	"github.com/rickgao/productstats/internal/model"
)

// ErrStarted is returned by Start when the orchestrator is already running.
var ErrStarted = errors.New("orchestrator: already started")

// SnapshotCache is the part of stats.Cache driven here.
type SnapshotCache interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	GetOrCreate(ctx context.Context, id string) (model.Snapshot, error)
}

// StreamDispatcher is the part of dispatch.Dispatcher driven here.
type StreamDispatcher interface {
	Open(ctx context.Context, ids []string) error
	Close(ctx context.Context) error
}

// Config holds orchestrator configuration.
type Config struct {
	Instruments []string      // Universe opened on the dispatcher
	Warmup      bool          // Pre-track the universe in the snapshot cache on Start
	StopTimeout time.Duration // Bound on Stop when driven by Run (default: 5s)
}

// Orchestrator starts and stops the cache refresh loop and the dispatcher together.
type Orchestrator struct {
	cfg        Config
	cache      SnapshotCache
	dispatcher StreamDispatcher
	logger     *slog.Logger

	mu      sync.Mutex
	started bool
}

// New creates an orchestrator.
func New(cfg Config, cache SnapshotCache, dispatcher StreamDispatcher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Orchestrator{
		cfg:        cfg,
		cache:      cache,
		dispatcher: dispatcher,
		logger:     logger.With("component", "orchestrator"),
	}
}

// Start opens the dispatcher on the configured universe and starts the
// refresh loop. If the loop cannot start the dispatcher is closed again.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.started {
		return ErrStarted
	}

	if err := o.dispatcher.Open(ctx, o.cfg.Instruments); err != nil {
		return fmt.Errorf("open dispatcher: %w", err)
	}

	if err := o.cache.Start(ctx); err != nil {
		closeErr := o.dispatcher.Close(ctx)
		return errors.Join(fmt.Errorf("start refresh loop: %w", err), closeErr)
	}

	o.started = true

	if o.cfg.Warmup {
		o.warmup(ctx)
	}

	o.logger.Info("orchestrator started",
		"instruments", len(o.cfg.Instruments),
		"warmup", o.cfg.Warmup,
	)
	return nil
}

// Stop stops the refresh loop and closes the dispatcher. Both are attempted;
// their errors are joined. Stopping a stopped orchestrator is a no-op.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.started {
		return nil
	}
	o.started = false

	var errs []error
	if err := o.cache.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop refresh loop: %w", err))
	}
	if err := o.dispatcher.Close(ctx); err != nil && !errors.Is(err, dispatch.ErrNotOpen) {
		errs = append(errs, fmt.Errorf("close dispatcher: %w", err))
	}

	err := errors.Join(errs...)
	if err != nil {
		o.logger.Warn("orchestrator stopped with errors", "error", err)
		return err
	}
	o.logger.Info("orchestrator stopped")
	return nil
}

// Run starts the orchestrator, blocks until ctx is done, then stops it
// within StopTimeout.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StopTimeout)
	defer cancel()
	return o.Stop(stopCtx)
}

// Running reports whether Start has succeeded without a matching Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.started
}

// warmup tracks every instrument in the snapshot cache. Failures are logged;
// the instrument is tracked on first successful access instead.
func (o *Orchestrator) warmup(ctx context.Context) {
	var failed int
	for _, id := range o.cfg.Instruments {
		if _, err := o.cache.GetOrCreate(ctx, id); err != nil {
			failed++
			o.logger.Warn("warmup failed", "instrument", id, "error", err)
		}
	}
	o.logger.Info("warmup complete",
		"instruments", len(o.cfg.Instruments),
		"failed", failed,
	)
}
