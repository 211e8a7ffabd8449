package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rickgao/productstats/internal/auth"
	"github.com/rickgao/productstats/internal/provider"
)

// Feed opens subscriptions on the exchange push stream.
type Feed struct {
	cfg    FeedConfig
	logger *slog.Logger
}

var _ provider.Stream = (*Feed)(nil)

// NewFeed creates a Feed.
func NewFeed(cfg FeedConfig, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultFeedConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = d.ConnectTimeout
	}
	if cfg.ReconnectBaseWait <= 0 {
		cfg.ReconnectBaseWait = d.ReconnectBaseWait
	}
	if cfg.ReconnectMaxWait <= 0 {
		cfg.ReconnectMaxWait = d.ReconnectMaxWait
	}
	cfg.Conn = cfg.Conn.withDefaults()

	return &Feed{cfg: cfg, logger: logger}
}

// Subscribe dials the feed and subscribes to heartbeat and ticker for ids.
// Handlers are invoked from a single delivery goroutine, one event at a time.
func (f *Feed) Subscribe(ctx context.Context, ids []string, h provider.Handlers) (provider.Subscription, error) {
	s := &FeedSubscription{
		feed:     f,
		handlers: h,
		logger:   f.logger.With("component", "feed"),
		ids:      normalize(ids),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	c, err := f.connect(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.request(c, "subscribe", s.ids); err != nil {
		c.close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.arm(len(s.ids) > 0)
	s.conn = c

	go s.run()

	s.logger.Info("feed subscribed", "instruments", s.ids)
	return s, nil
}

func (f *Feed) connect(ctx context.Context) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ConnectTimeout)
	defer cancel()

	c, err := dial(ctx, f.cfg.URL, f.cfg.Conn, f.logger.With("component", "feed"))
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", f.cfg.URL, err)
	}
	return c, nil
}

// FeedSubscription is a live feed subscription. It implements
// provider.Subscription and provider.Resubscriber.
type FeedSubscription struct {
	feed     *Feed
	handlers provider.Handlers
	logger   *slog.Logger

	mu     sync.Mutex
	conn   *conn
	ids    []string
	closed bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	heartbeats        atomic.Int64
	ticks             atomic.Int64
	parseErrors       atomic.Int64
	reconnects        atomic.Int64
	heartbeatTimeouts atomic.Int64
}

var (
	_ provider.Subscription = (*FeedSubscription)(nil)
	_ provider.Resubscriber = (*FeedSubscription)(nil)
)

// Done is closed when the delivery goroutine has exited.
func (s *FeedSubscription) Done() <-chan struct{} {
	return s.done
}

// Instruments returns the currently subscribed ids.
func (s *FeedSubscription) Instruments() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.ids)
}

// Stats returns event counters.
func (s *FeedSubscription) Stats() FeedStats {
	return FeedStats{
		Heartbeats:  s.heartbeats.Load(),
		Ticks:       s.ticks.Load(),
		ParseErrors: s.parseErrors.Load(),
		Reconnects:  s.reconnects.Load(),

		HeartbeatTimeouts: s.heartbeatTimeouts.Load(),
	}
}

// Unsubscribe stops delivery and closes the connection. Safe to call more than once.
func (s *FeedSubscription) Unsubscribe() error {
	s.stopOnce.Do(func() {
		close(s.stop)

		s.mu.Lock()
		s.closed = true
		c := s.conn
		ids := s.ids
		s.mu.Unlock()

		if c != nil {
			if err := s.request(c, "unsubscribe", ids); err != nil {
				s.logger.Debug("unsubscribe request failed", "error", err)
			}
			c.close()
		}
		s.logger.Info("feed unsubscribed")
	})
	return nil
}

// Resubscribe changes the instrument set in place by sending the difference.
func (s *FeedSubscription) Resubscribe(ids []string) error {
	next := normalize(ids)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSubscriptionClosed
	}

	var added, removed []string
	for _, id := range next {
		if !slices.Contains(s.ids, id) {
			added = append(added, id)
		}
	}
	for _, id := range s.ids {
		if !slices.Contains(next, id) {
			removed = append(removed, id)
		}
	}

	if len(removed) > 0 {
		if err := s.request(s.conn, "unsubscribe", removed); err != nil {
			return fmt.Errorf("unsubscribe: %w", err)
		}
	}
	if len(added) > 0 {
		if err := s.request(s.conn, "subscribe", added); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}
	s.ids = next
	s.conn.arm(len(next) > 0)

	s.logger.Info("feed resubscribed", "added", added, "removed", removed)
	return nil
}

// request sends a subscribe or unsubscribe message for ids.
func (s *FeedSubscription) request(c *conn, typ string, ids []string) error {
	req := SubscribeRequest{
		Type:       typ,
		ProductIDs: ids,
		Channels:   []string{ChannelHeartbeat, ChannelTicker},
	}

	if creds := s.feed.cfg.Credentials; creds != nil {
		headers, err := creds.SignWebSocket()
		if err != nil {
			return fmt.Errorf("sign: %w", err)
		}
		req.Key = creds.Key
		req.Passphrase = creds.Passphrase
		req.Signature = headers[auth.HeaderSign]
		req.Timestamp = headers[auth.HeaderTimestamp]
	}

	if err := c.send(req); err != nil {
		return fmt.Errorf("send %s: %w", typ, err)
	}
	return nil
}

// run is the delivery loop.
func (s *FeedSubscription) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		c := s.conn
		s.mu.Unlock()

		select {
		case <-s.stop:
			return
		case in := <-c.Frames():
			s.handle(in)
		case err := <-c.Failed():
			if errors.Is(err, ErrHeartbeatTimeout) {
				s.heartbeatTimeouts.Add(1)
			}
			s.logger.Warn("feed connection lost", "error", err)
			c.close()
			if !s.reconnect() {
				return
			}
		}
	}
}

func (s *FeedSubscription) handle(in inbound) {
	// No handler runs once Unsubscribe has been called.
	select {
	case <-s.stop:
		return
	default:
	}

	if in.err != nil {
		s.parseErrors.Add(1)
		s.logger.Debug("failed to parse feed message", "error", in.err)
		return
	}

	ev := in.ev
	switch ev.Kind {
	case EventHeartbeat:
		s.heartbeats.Add(1)
		if s.handlers.Heartbeat != nil {
			s.handlers.Heartbeat(ev.Heartbeat)
		}
	case EventTick:
		s.ticks.Add(1)
		if s.handlers.Tick != nil {
			s.handlers.Tick(ev.Quote)
		}
	case EventSubscriptions:
		s.logger.Debug("subscriptions acknowledged", "channels", len(ev.Subscriptions.Channels))
	case EventError:
		s.logger.Warn("feed error message",
			"message", ev.Error.Message,
			"reason", ev.Error.Reason,
		)
	default:
		s.logger.Debug("unhandled feed message", "type", ev.Type)
	}
}

// reconnect redials with exponential backoff and resubscribes the current
// ids. It returns false if the subscription was stopped meanwhile.
func (s *FeedSubscription) reconnect() bool {
	cfg := s.feed.cfg
	wait := cfg.ReconnectBaseWait

	for {
		select {
		case <-s.stop:
			return false
		case <-time.After(wait):
		}

		s.logger.Info("attempting reconnection")

		c, err := s.feed.connect(context.Background())
		if err == nil {
			s.mu.Lock()
			ids := s.ids
			s.mu.Unlock()
			if err = s.request(c, "subscribe", ids); err != nil {
				c.close()
			} else {
				c.arm(len(ids) > 0)
			}
		}
		if err != nil {
			s.logger.Warn("reconnection failed", "error", err)

			// Exponential backoff
			wait *= 2
			if wait > cfg.ReconnectMaxWait {
				wait = cfg.ReconnectMaxWait
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			c.close()
			return false
		}
		s.conn = c
		s.mu.Unlock()

		s.reconnects.Add(1)
		s.logger.Info("reconnected")
		return true
	}
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
