package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/notify"
	"github.com/rickgao/productstats/internal/provider"
)

var (
	// ErrRunning is returned by Start when the refresh loop is already running.
	ErrRunning = errors.New("stats: refresh loop already running")
	// ErrStopTimeout is returned by Stop when the loop did not finish its
	// current cycle before the context expired.
	ErrStopTimeout = errors.New("stats: refresh loop did not stop in time")
)

// Config holds snapshot cache configuration.
type Config struct {
	Interval     time.Duration  // Refresh interval (default: 30s)
	Capacity     int            // Snapshots kept per instrument (default: 15)
	Eviction     EvictionPolicy // Trim policy (default: EvictOldest)
	Concurrency  int            // Max concurrent fetches per cycle (default: 1)
	FetchTimeout time.Duration  // Per-fetch timeout for first tracking and refresh (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:     30 * time.Second,
		Capacity:     15,
		Eviction:     EvictOldest,
		Concurrency:  1,
		FetchTimeout: 10 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
}

// CycleStats summarizes one refresh cycle.
type CycleStats struct {
	Instruments int
	Fetched     int
	Errors      int
	Duration    time.Duration
}

// CacheStats is a point-in-time view of cache counters.
type CacheStats struct {
	Instruments int
	Cycles      int64
	Fetched     int64
	Errors      int64
	LastCycleAt time.Time
}

// Cache holds per-instrument snapshot histories and refreshes them periodically.
type Cache struct {
	cfg     Config
	fetcher provider.Fetcher
	logger  *slog.Logger
	now     func() time.Time

	histories sync.Map // instrument id -> *history
	seeds     singleflight.Group
	updated   *notify.Hub[model.Snapshot]

	cycles    atomic.Int64
	fetched   atomic.Int64
	errors    atomic.Int64
	lastCycle atomic.Int64 // unix nanos

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a snapshot cache over the given fetcher.
func New(cfg Config, fetcher provider.Fetcher, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	return &Cache{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		now:     time.Now,
		updated: notify.NewHub[model.Snapshot]("stats.updated", logger),
	}
}

// Updated returns the hub that receives every snapshot appended by the refresh loop.
// Handlers run on the refresh goroutine(s) and must not block for long.
func (c *Cache) Updated() *notify.Hub[model.Snapshot] {
	return c.updated
}

// GetOrCreate starts tracking id if needed and returns its latest snapshot.
// The first call for an id fetches synchronously; concurrent first calls share
// that single fetch. On error nothing is registered.
func (c *Cache) GetOrCreate(ctx context.Context, id string) (model.Snapshot, error) {
	h, err := c.track(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	return h.last(), nil
}

// Last returns the most recent snapshot for id, tracking it first if needed.
func (c *Cache) Last(ctx context.Context, id string) (model.Snapshot, error) {
	return c.GetOrCreate(ctx, id)
}

// All returns the full history for id ordered by timestamp descending,
// tracking it first if needed. The returned slice is a copy.
func (c *Cache) All(ctx context.Context, id string) ([]model.Snapshot, error) {
	h, err := c.track(ctx, id)
	if err != nil {
		return nil, err
	}
	return h.all(), nil
}

// Remove stops tracking id. It reports whether id was tracked.
func (c *Cache) Remove(id string) bool {
	_, ok := c.histories.LoadAndDelete(id)
	if ok {
		c.logger.Info("stopped tracking instrument", "instrument", id)
	}
	return ok
}

// Instruments returns the tracked instrument ids, sorted.
func (c *Cache) Instruments() []string {
	var ids []string
	c.histories.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked instruments.
func (c *Cache) Len() int {
	n := 0
	c.histories.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns cache counters.
func (c *Cache) Stats() CacheStats {
	s := CacheStats{
		Instruments: c.Len(),
		Cycles:      c.cycles.Load(),
		Fetched:     c.fetched.Load(),
		Errors:      c.errors.Load(),
	}
	if ns := c.lastCycle.Load(); ns != 0 {
		s.LastCycleAt = time.Unix(0, ns).UTC()
	}
	return s
}

func (c *Cache) lookup(id string) (*history, bool) {
	v, ok := c.histories.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*history), true
}

func (c *Cache) track(ctx context.Context, id string) (*history, error) {
	if h, ok := c.lookup(id); ok {
		return h, nil
	}

	// The shared fetch must not inherit one caller's cancellation.
	ch := c.seeds.DoChan(id, func() (any, error) {
		return c.seed(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("track %s: %w", id, res.Err)
		}
		return res.Val.(*history), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("track %s: %w", id, ctx.Err())
	}
}

func (c *Cache) seed(ctx context.Context, id string) (*history, error) {
	if h, ok := c.lookup(id); ok {
		return h, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	snap, err := c.fetch(ctx, id, c.now())
	if err != nil {
		return nil, err
	}

	h := newHistory(id)
	h.add(snap, c.cfg.Capacity, c.cfg.Eviction)

	actual, loaded := c.histories.LoadOrStore(id, h)
	if !loaded {
		c.logger.Info("tracking instrument", "instrument", id)
	}
	return actual.(*history), nil
}

// fetch retrieves a snapshot and stamps it with at truncated to whole seconds.
func (c *Cache) fetch(ctx context.Context, id string, at time.Time) (model.Snapshot, error) {
	snap, err := c.fetcher.FetchSnapshot(ctx, id)
	if err != nil {
		return model.Snapshot{}, err
	}
	if snap.InstrumentID == "" {
		snap.InstrumentID = id
	}
	if snap.InstrumentID != id {
		return model.Snapshot{}, fmt.Errorf("provider returned snapshot for %q, want %q", snap.InstrumentID, id)
	}
	snap.Timestamp = model.TruncateToSecond(at)
	return snap, nil
}
