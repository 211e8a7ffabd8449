package stats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Start begins the refresh loop. The first cycle runs one Interval after Start.
func (c *Cache) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	go c.run(loopCtx, done)

	c.logger.Info("snapshot refresh started",
		"interval", c.cfg.Interval,
		"capacity", c.cfg.Capacity,
		"eviction", c.cfg.Eviction.String(),
		"concurrency", c.cfg.Concurrency,
	)

	return nil
}

// Stop cancels the loop and waits for the in-flight cycle to finish.
// Once the loop has exited all histories are cleared. If ctx expires first
// ErrStopTimeout is returned and the histories are left in place.
func (c *Cache) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}

	c.mu.Lock()
	c.cancel = nil
	c.done = nil
	c.mu.Unlock()

	c.histories.Clear()
	c.logger.Info("snapshot refresh stopped")
	return nil
}

// run is the refresh loop. Cancellation is only observed between cycles.
func (c *Cache) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce runs a single refresh cycle over the currently tracked
// instruments. Every snapshot in the cycle is stamped with the cycle start.
// In-flight fetches are not aborted when ctx is cancelled; each is bounded by
// FetchTimeout instead.
func (c *Cache) RefreshOnce(ctx context.Context) CycleStats {
	began := time.Now()
	start := c.now()
	ids := c.Instruments()

	if len(ids) == 0 {
		c.logger.Debug("no instruments to refresh")
		c.finishCycle(start)
		return CycleStats{}
	}

	fetchCtx := context.WithoutCancel(ctx)

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup
	var fetched, errors atomic.Int64

	for _, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := c.refreshInstrument(fetchCtx, id, start); err != nil {
				c.logger.Warn("failed to refresh instrument",
					"instrument", id,
					"err", err,
				)
				errors.Add(1)
				return
			}
			fetched.Add(1)
		}(id)
	}

	wg.Wait()

	stats := CycleStats{
		Instruments: len(ids),
		Fetched:     int(fetched.Load()),
		Errors:      int(errors.Load()),
		Duration:    time.Since(began),
	}
	c.fetched.Add(fetched.Load())
	c.errors.Add(errors.Load())
	c.finishCycle(start)

	c.logger.Info("refresh cycle complete",
		"instruments", stats.Instruments,
		"fetched", stats.Fetched,
		"errors", stats.Errors,
		"duration", stats.Duration,
	)

	return stats
}

func (c *Cache) finishCycle(start time.Time) {
	c.cycles.Add(1)
	c.lastCycle.Store(start.UnixNano())
}

func (c *Cache) refreshInstrument(ctx context.Context, id string, at time.Time) error {
	h, ok := c.lookup(id)
	if !ok {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	snap, err := c.fetch(ctx, id, at)
	if err != nil {
		return err
	}

	// Removed while fetching.
	if cur, ok := c.lookup(id); !ok || cur != h {
		return nil
	}

	h.add(snap, c.cfg.Capacity, c.cfg.Eviction)
	c.updated.Publish(snap)
	return nil
}
