package quotes

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/productstats/internal/notify"
	"github.com/rickgao/productstats/internal/provider"
)

// Config holds registry configuration.
type Config struct {
	WindowCapacity int           // Quotes kept per instrument (default: 300)
	SeedTimeout    time.Duration // Bound on the shared seed fetch (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		WindowCapacity: DefaultWindowCapacity,
		SeedTimeout:    10 * time.Second,
	}
}

// Registry lazily creates one Window per instrument for the life of the process.
type Registry struct {
	cfg     Config
	fetcher provider.Fetcher
	logger  *slog.Logger

	windows sync.Map // instrument id -> *Window
	seeds   singleflight.Group
	added   *notify.Hub[*Window]
}

// NewRegistry creates an empty registry seeded through fetcher.
func NewRegistry(cfg Config, fetcher provider.Fetcher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.WindowCapacity <= 0 {
		cfg.WindowCapacity = d.WindowCapacity
	}
	if cfg.SeedTimeout <= 0 {
		cfg.SeedTimeout = d.SeedTimeout
	}
	return &Registry{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger,
		added:   notify.NewHub[*Window]("quotes.added", logger),
	}
}

// Added returns the hub notified once for every newly created window.
// The window already holds its seed quote when the notification fires.
func (r *Registry) Added() *notify.Hub[*Window] {
	return r.added
}

// GetOrCreate returns the window for id, creating it on first use. Creation
// fetches one seed quote synchronously, so a returned window is never empty.
// Concurrent first calls share the single fetch and observe the same window.
// The shared fetch outlives any one caller's ctx; each caller stops waiting
// when its own ctx is done.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Window, error) {
	if w, ok := r.Get(id); ok {
		return w, nil
	}

	ch := r.seeds.DoChan(id, func() (any, error) {
		return r.create(context.WithoutCancel(ctx), id)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, fmt.Errorf("create window %s: %w", id, res.Err)
		}
		return res.Val.(*Window), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("create window %s: %w", id, ctx.Err())
	}
}

func (r *Registry) create(ctx context.Context, id string) (*Window, error) {
	if w, ok := r.Get(id); ok {
		return w, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.SeedTimeout)
	defer cancel()

	seed, err := r.fetcher.FetchQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if seed.InstrumentID == "" {
		seed.InstrumentID = id
	}

	w := NewWindow(id, r.cfg.WindowCapacity, r.logger)
	if err := w.Tick(seed); err != nil {
		return nil, err
	}

	actual, loaded := r.windows.LoadOrStore(id, w)
	if loaded {
		return actual.(*Window), nil
	}

	r.logger.Info("quote window added", "instrument", id)
	r.added.Publish(w)
	return w, nil
}

// Get returns the window for id if it exists.
func (r *Registry) Get(id string) (*Window, bool) {
	v, ok := r.windows.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Window), true
}

// Windows returns all windows ordered by instrument id.
func (r *Registry) Windows() []*Window {
	var out []*Window
	r.windows.Range(func(_, v any) bool {
		out = append(out, v.(*Window))
		return true
	})
	slices.SortFunc(out, func(a, b *Window) int {
		return strings.Compare(a.id, b.id)
	})
	return out
}

// Len returns the number of windows.
func (r *Registry) Len() int {
	n := 0
	r.windows.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
