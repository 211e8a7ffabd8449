package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
	"github.com/rickgao/productstats/internal/quotes"
)

// Errors
var (
	ErrAlreadyOpen  = errors.New("dispatch: already open")
	ErrNotOpen      = errors.New("dispatch: not open")
	ErrDrainTimeout = errors.New("dispatch: drain grace period exceeded")
)

// State is the dispatcher lifecycle state.
type State int

const (
	StateClosed State = iota
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// WindowSource resolves the quote window for an instrument, creating it if needed.
type WindowSource interface {
	GetOrCreate(ctx context.Context, id string) (*quotes.Window, error)
}

// Config holds dispatcher configuration.
type Config struct {
	DrainGrace   time.Duration // Max wait for in-flight messages on Close (default: 2s)
	RouteTimeout time.Duration // Bound on creating a window for a new instrument (default: 10s)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		DrainGrace:   2 * time.Second,
		RouteTimeout: 10 * time.Second,
	}
}

// Stats contains runtime statistics.
type Stats struct {
	State       State
	Instruments int
	Sessions    int64
	Heartbeats  int64
	Ticks       int64
	Routed      int64
	RouteErrors int64
	Dropped     int64 // Ticks that arrived after their session was closed
}

// session is one Open..Close span.
type session struct {
	id     uuid.UUID
	sub    provider.Subscription
	ids    []string
	ctx    context.Context
	cancel context.CancelFunc

	// gate is held shared while a tick is applied and exclusively once the
	// session is detached, so no tick lands after Close returns.
	gate sync.RWMutex
}

// Dispatcher routes stream ticks to quote windows.
type Dispatcher struct {
	cfg     Config
	stream  provider.Stream
	windows WindowSource
	logger  *slog.Logger

	// mu serializes Open, ChangeSubscription and Close.
	mu sync.Mutex

	stateMu sync.RWMutex
	current *session

	// active is the id of the session whose handlers may deliver.
	active atomic.Pointer[uuid.UUID]

	sessions    atomic.Int64
	heartbeats  atomic.Int64
	ticks       atomic.Int64
	routed      atomic.Int64
	routeErrors atomic.Int64
	dropped     atomic.Int64
}

// New creates a closed dispatcher.
func New(cfg Config, stream provider.Stream, windows WindowSource, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = d.DrainGrace
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = d.RouteTimeout
	}

	return &Dispatcher{
		cfg:     cfg,
		stream:  stream,
		windows: windows,
		logger:  logger,
	}
}

// Open subscribes to heartbeats and ticks for ids.
func (d *Dispatcher) Open(ctx context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current != nil {
		return ErrAlreadyOpen
	}
	return d.openLocked(ctx, ids)
}

// ChangeSubscription replaces the subscribed instrument set. When the live
// subscription supports in-place changes it is used; otherwise the stream is
// closed and reopened.
func (d *Dispatcher) ChangeSubscription(ctx context.Context, ids []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return ErrNotOpen
	}

	ids = normalize(ids)

	if rs, ok := d.current.sub.(provider.Resubscriber); ok {
		err := rs.Resubscribe(ids)
		if err == nil {
			d.stateMu.Lock()
			d.current.ids = ids
			d.stateMu.Unlock()
			d.logger.Info("subscription changed in place", "instruments", ids)
			return nil
		}
		d.logger.Warn("in-place resubscribe failed, reopening", "error", err)
	}

	closeErr := d.closeLocked(ctx)
	if closeErr != nil && !errors.Is(closeErr, ErrDrainTimeout) {
		return closeErr
	}
	if err := d.openLocked(ctx, ids); err != nil {
		return errors.Join(closeErr, err)
	}
	return closeErr
}

// Close unsubscribes, detaches the handlers and waits up to DrainGrace for
// the delivery goroutine to finish. The dispatcher is Closed when Close
// returns, even if ErrDrainTimeout is reported.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.current == nil {
		return ErrNotOpen
	}
	return d.closeLocked(ctx)
}

// State returns the current state.
func (d *Dispatcher) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.current == nil {
		return StateClosed
	}
	return StateOpen
}

// Instruments returns the subscribed ids; empty when Closed.
func (d *Dispatcher) Instruments() []string {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	if d.current == nil {
		return nil
	}
	return slices.Clone(d.current.ids)
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	d.stateMu.RLock()
	state, n := StateClosed, 0
	if d.current != nil {
		state, n = StateOpen, len(d.current.ids)
	}
	d.stateMu.RUnlock()

	return Stats{
		State:       state,
		Instruments: n,
		Sessions:    d.sessions.Load(),
		Heartbeats:  d.heartbeats.Load(),
		Ticks:       d.ticks.Load(),
		Routed:      d.routed.Load(),
		RouteErrors: d.routeErrors.Load(),
		Dropped:     d.dropped.Load(),
	}
}

func (d *Dispatcher) openLocked(ctx context.Context, ids []string) error {
	ids = normalize(ids)

	s := &session{id: uuid.New(), ids: ids}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	d.active.Store(&s.id)

	sub, err := d.stream.Subscribe(ctx, ids, provider.Handlers{
		Heartbeat: func(provider.Heartbeat) { d.heartbeats.Add(1) },
		Tick:      func(q model.Quote) { d.route(s, q) },
	})
	if err != nil {
		d.active.Store(nil)
		s.cancel()
		return fmt.Errorf("open stream: %w", err)
	}

	s.sub = sub
	d.stateMu.Lock()
	d.current = s
	d.stateMu.Unlock()
	d.sessions.Add(1)

	d.logger.Info("dispatcher opened",
		"session", s.id,
		"instruments", ids,
	)
	return nil
}

func (d *Dispatcher) closeLocked(ctx context.Context) error {
	d.stateMu.Lock()
	s := d.current
	d.current = nil
	d.stateMu.Unlock()

	// Refuse new ticks first, then wait for a tick already under the gate.
	// That wait shares the grace period with the drain below.
	d.active.Store(nil)
	s.cancel()

	timer := time.NewTimer(d.cfg.DrainGrace)
	defer timer.Stop()

	detached := make(chan struct{})
	go func() {
		s.gate.Lock()
		s.gate.Unlock()
		close(detached)
	}()

	if err := s.sub.Unsubscribe(); err != nil {
		d.logger.Warn("unsubscribe failed", "session", s.id, "error", err)
	}

	select {
	case <-detached:
	case <-timer.C:
		d.logger.Warn("dispatcher detach timed out, tick subscriber blocked",
			"session", s.id,
			"grace", d.cfg.DrainGrace,
		)
		return ErrDrainTimeout
	case <-ctx.Done():
		d.logger.Warn("dispatcher detach interrupted", "session", s.id)
		return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}

	select {
	case <-s.sub.Done():
		d.logger.Info("dispatcher closed", "session", s.id)
		return nil
	case <-timer.C:
		d.logger.Warn("dispatcher drain timed out", "session", s.id, "grace", d.cfg.DrainGrace)
		return ErrDrainTimeout
	case <-ctx.Done():
		d.logger.Warn("dispatcher drain interrupted", "session", s.id)
		return fmt.Errorf("%w: %w", ErrDrainTimeout, ctx.Err())
	}
}

// route runs on the stream's delivery goroutine.
func (d *Dispatcher) route(s *session, q model.Quote) {
	d.ticks.Add(1)

	if !d.isActive(s) {
		d.dropped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, d.cfg.RouteTimeout)
	w, err := d.windows.GetOrCreate(ctx, q.InstrumentID)
	cancel()
	if err != nil {
		d.routeErrors.Add(1)
		d.logger.Warn("failed to resolve quote window",
			"instrument", q.InstrumentID,
			"error", err,
		)
		return
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if !d.isActive(s) {
		d.dropped.Add(1)
		return
	}
	if err := w.Tick(q); err != nil {
		d.routeErrors.Add(1)
		d.logger.Error("failed to apply tick",
			"instrument", q.InstrumentID,
			"error", err,
		)
		return
	}
	d.routed.Add(1)
}

func (d *Dispatcher) isActive(s *session) bool {
	id := d.active.Load()
	return id != nil && *id == s.id
}

// normalize returns a sorted copy of ids without duplicates or empties.
func normalize(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
