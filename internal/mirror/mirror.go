// Package mirror copies live quotes to Redis: the latest quote per instrument
// under last:{id} and every quote on the quotes:{id} pub/sub channel.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/notify"
	"github.com/rickgao/productstats/internal/quotes"
	"github.com/rickgao/productstats/internal/writer"
)

// Errors
var (
	ErrNoQuote        = errors.New("mirror: no quote") // nothing mirrored yet for an instrument
	ErrAlreadyStarted = errors.New("mirror: already started")
)

// Config holds mirror settings.
type Config struct {
	PublishTimeout time.Duration // Bound on one pipeline round trip (default: 500ms)
	TTL            time.Duration // Expiry of last:{id}; 0 keeps it forever
	BufferSize     int           // Pending quotes before the oldest is dropped (default: 4096)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PublishTimeout: 500 * time.Millisecond,
		BufferSize:     4096,
	}
}

// Stats contains mirror counters.
type Stats struct {
	Published int64
	Errors    int64
	Dropped   int64
}

// Wire form of a quote.
type quoteJSON struct {
	InstrumentID string          `json:"instrument_id"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Mid          decimal.Decimal `json:"mid"`
	Spread       decimal.Decimal `json:"spread"`
	Ts           int64           `json:"ts"` // unix nanos
}

// Helper key generation functions
func lastKey(id string) string    { return "last:" + id }
func channelKey(id string) string { return "quotes:" + id }

// Mirror publishes quotes to Redis off the tick path.
type Mirror struct {
	cfg    Config
	rdb    redis.UniversalClient
	logger *slog.Logger

	queue *writer.Queue[model.Quote]

	mu       sync.Mutex
	subs     []*notify.Subscription
	watching map[string]bool

	statsMu sync.Mutex
	stats   Stats

	cancel context.CancelFunc
	done   chan struct{}
}

// Dial connects to Redis and verifies it with a ping.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// New creates a mirror over rdb.
func New(cfg Config, rdb redis.UniversalClient, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultConfig()
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = d.PublishTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}

	return &Mirror{
		cfg:    cfg,
		rdb:    rdb,
		logger: logger,
		queue:  writer.NewQueue[model.Quote](cfg.BufferSize),

		watching: make(map[string]bool),
	}
}

// Attach mirrors every window of reg, including windows created later.
func (m *Mirror) Attach(reg *quotes.Registry) {
	sub := reg.Added().Subscribe(m.watch)

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	for _, w := range reg.Windows() {
		m.watch(w)
	}
}

// watch subscribes to w's ticks once.
func (m *Mirror) watch(w *quotes.Window) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watching[w.InstrumentID()] {
		return
	}
	m.watching[w.InstrumentID()] = true
	m.subs = append(m.subs, w.Ticks().Subscribe(m.Enqueue))

	// The seed quote was applied before anyone could subscribe.
	if q, ok := w.Last(); ok {
		m.Enqueue(q)
	}
}

// Enqueue queues q for publishing. It never blocks.
func (m *Mirror) Enqueue(q model.Quote) {
	m.queue.Send(q)
}

// Start begins publishing queued quotes.
func (m *Mirror) Start(ctx context.Context) error {
	if m.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go m.run(ctx, m.done)

	m.logger.Info("quote mirror started", "publish_timeout", m.cfg.PublishTimeout)
	return nil
}

// Stop detaches from all windows and stops publishing. Quotes still queued
// are discarded.
func (m *Mirror) Stop(ctx context.Context) error {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.Unsubscribe()
	}
	m.subs = nil
	clear(m.watching)
	m.mu.Unlock()

	if m.cancel == nil {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
		m.logger.Info("quote mirror stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current counters.
func (m *Mirror) Stats() Stats {
	m.statsMu.Lock()
	s := m.stats
	m.statsMu.Unlock()
	s.Dropped = m.queue.Stats().Dropped
	return s
}

func (m *Mirror) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.queue.Ready():
			pending := m.queue.DrainTo(0)
			if len(pending) == 0 {
				continue
			}
			if err := m.Publish(ctx, pending...); err != nil && ctx.Err() == nil {
				m.logger.Warn("mirror publish failed", "count", len(pending), "error", err)
			}
		}
	}
}

// Publish writes quotes to Redis in one pipeline bounded by PublishTimeout.
func (m *Mirror) Publish(ctx context.Context, qs ...model.Quote) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	pipe := m.rdb.Pipeline()
	for _, q := range qs {
		b, err := json.Marshal(toJSON(q))
		if err != nil {
			return fmt.Errorf("marshal quote %s: %w", q.InstrumentID, err)
		}
		pipe.Set(ctx, lastKey(q.InstrumentID), b, m.cfg.TTL)
		pipe.Publish(ctx, channelKey(q.InstrumentID), b)
	}

	_, err := pipe.Exec(ctx)

	m.statsMu.Lock()
	if err != nil {
		m.stats.Errors++
	} else {
		m.stats.Published += int64(len(qs))
	}
	m.statsMu.Unlock()

	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}

// Last reads back the mirrored quote for id.
func (m *Mirror) Last(ctx context.Context, id string) (model.Quote, error) {
	b, err := m.rdb.Get(ctx, lastKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Quote{}, fmt.Errorf("%w for %s", ErrNoQuote, id)
	}
	if err != nil {
		return model.Quote{}, fmt.Errorf("redis get %s: %w", lastKey(id), err)
	}
	return decodeQuote(b)
}

func toJSON(q model.Quote) quoteJSON {
	return quoteJSON{
		InstrumentID: q.InstrumentID,
		Bid:          q.Bid,
		Ask:          q.Ask,
		Mid:          q.Mid(),
		Spread:       q.Spread(),
		Ts:           q.Timestamp.UnixNano(),
	}
}

func decodeQuote(b []byte) (model.Quote, error) {
	var j quoteJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return model.Quote{}, fmt.Errorf("decode quote: %w", err)
	}
	return model.Quote{
		InstrumentID: j.InstrumentID,
		Timestamp:    time.Unix(0, j.Ts).UTC(),
		Bid:          j.Bid,
		Ask:          j.Ask,
	}, nil
}
