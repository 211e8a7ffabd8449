package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
	"github.com/rickgao/productstats/internal/provider/providertest"
	"github.com/rickgao/productstats/internal/quotes"
)

// fakeSubscription records unsubscribes and closes Done unless told to hang.
type fakeSubscription struct {
	ids      []string
	handlers provider.Handlers
	hang     bool

	once         sync.Once
	done         chan struct{}
	unsubscribed bool
}

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.unsubscribed = true
		if !s.hang {
			close(s.done)
		}
	})
	return nil
}

func (s *fakeSubscription) Done() <-chan struct{} {
	return s.done
}

// resubscribingSubscription also supports in-place changes.
type resubscribingSubscription struct {
	*fakeSubscription
	resubscribed [][]string
	err          error
}

func (s *resubscribingSubscription) Resubscribe(ids []string) error {
	if s.err != nil {
		return s.err
	}
	s.resubscribed = append(s.resubscribed, ids)
	return nil
}

type fakeStream struct {
	mu           sync.Mutex
	subs         []*fakeSubscription
	resubscribe  bool
	resubErr     error
	hang         bool
	subscribeErr error
}

func (f *fakeStream) Subscribe(_ context.Context, ids []string, h provider.Handlers) (provider.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := &fakeSubscription{ids: ids, handlers: h, hang: f.hang, done: make(chan struct{})}
	f.subs = append(f.subs, sub)
	if f.resubscribe {
		return &resubscribingSubscription{fakeSubscription: sub, err: f.resubErr}, nil
	}
	return sub, nil
}

func (f *fakeStream) last() *fakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[len(f.subs)-1]
}

func (f *fakeStream) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func tick(id string, bid int64) model.Quote {
	return model.Quote{
		InstrumentID: id,
		Timestamp:    time.Now().UTC(),
		Bid:          decimal.NewFromInt(bid),
		Ask:          decimal.NewFromInt(bid + 1),
	}
}

func newRegistry(t *testing.T) *quotes.Registry {
	t.Helper()
	ctrl := gomock.NewController(t)
	fetcher := providertest.NewMockFetcher(ctrl)
	fetcher.EXPECT().FetchQuote(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, id string) (model.Quote, error) {
			if id == "BAD-EUR" {
				return model.Quote{}, errors.New("unknown product")
			}
			return tick(id, 0), nil
		}).
		AnyTimes()
	return quotes.NewRegistry(quotes.DefaultConfig(), fetcher, nil)
}

func testConfig() Config {
	return Config{DrainGrace: 50 * time.Millisecond, RouteTimeout: time.Second}
}

func TestDispatcher_StateMachine(t *testing.T) {
	stream := &fakeStream{}
	d := New(testConfig(), stream, newRegistry(t), nil)

	assert.Equal(t, StateClosed, d.State())
	assert.ErrorIs(t, d.Close(t.Context()), ErrNotOpen)
	assert.ErrorIs(t, d.ChangeSubscription(t.Context(), []string{"BTC-EUR"}), ErrNotOpen)
	assert.Equal(t, 0, stream.count(), "contract violations have no side effects")

	require.NoError(t, d.Open(t.Context(), []string{"ETH-EUR", "BTC-EUR"}))
	assert.Equal(t, StateOpen, d.State())
	assert.Equal(t, []string{"BTC-EUR", "ETH-EUR"}, d.Instruments())

	assert.ErrorIs(t, d.Open(t.Context(), []string{"BTC-EUR"}), ErrAlreadyOpen)
	assert.Equal(t, 1, stream.count())

	require.NoError(t, d.Close(t.Context()))
	assert.Equal(t, StateClosed, d.State())
	assert.Empty(t, d.Instruments())
	assert.True(t, stream.last().unsubscribed)

	assert.ErrorIs(t, d.Close(t.Context()), ErrNotOpen)
	assert.Equal(t, "closed", d.State().String())
}

func TestDispatcher_RoutesTicksToWindows(t *testing.T) {
	stream := &fakeStream{}
	reg := newRegistry(t)
	d := New(testConfig(), stream, reg, nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	h := stream.last().handlers

	h.Heartbeat(provider.Heartbeat{InstrumentID: "BTC-EUR"})
	assert.Equal(t, 0, reg.Len(), "heartbeats do not touch windows")

	h.Tick(tick("BTC-EUR", 100))
	h.Tick(tick("BTC-EUR", 101))

	w, ok := reg.Get("BTC-EUR")
	require.True(t, ok)
	assert.Equal(t, uint64(3), w.TickCount(), "seed plus two ticks")
	last, _ := w.Last()
	assert.Equal(t, int64(101), last.Bid.IntPart())

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Heartbeats)
	assert.Equal(t, int64(2), stats.Ticks)
	assert.Equal(t, int64(2), stats.Routed)
	assert.Equal(t, StateOpen, stats.State)
}

func TestDispatcher_RouteErrorIsCounted(t *testing.T) {
	stream := &fakeStream{}
	d := New(testConfig(), stream, newRegistry(t), nil)

	require.NoError(t, d.Open(t.Context(), []string{"BAD-EUR"}))

	require.NotPanics(t, func() {
		stream.last().handlers.Tick(tick("BAD-EUR", 1))
	})
	assert.Equal(t, int64(1), d.Stats().RouteErrors)
}

func TestDispatcher_NoTicksAfterClose(t *testing.T) {
	stream := &fakeStream{}
	reg := newRegistry(t)
	d := New(testConfig(), stream, reg, nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	h := stream.last().handlers
	h.Tick(tick("BTC-EUR", 1))

	w, ok := reg.Get("BTC-EUR")
	require.True(t, ok)
	before := w.TickCount()

	require.NoError(t, d.Close(t.Context()))

	// A late delivery from the old subscription is discarded.
	h.Tick(tick("BTC-EUR", 2))
	assert.Equal(t, before, w.TickCount())
	assert.Equal(t, int64(1), d.Stats().Dropped)

	// Reopening does not revive the old handlers.
	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	h.Tick(tick("BTC-EUR", 3))
	assert.Equal(t, before, w.TickCount())

	stream.last().handlers.Tick(tick("BTC-EUR", 4))
	assert.Equal(t, before+1, w.TickCount())
}

func TestDispatcher_NoTicksAfterCloseConcurrent(t *testing.T) {
	stream := &fakeStream{}
	reg := newRegistry(t)
	d := New(testConfig(), stream, reg, nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	h := stream.last().handlers
	h.Tick(tick("BTC-EUR", 0))
	w, _ := reg.Get("BTC-EUR")

	stop := make(chan struct{})
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := int64(1); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			h.Tick(tick("BTC-EUR", i))
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, d.Close(t.Context()))
	after := w.TickCount()

	time.Sleep(10 * time.Millisecond)
	close(stop)
	<-delivered

	assert.Equal(t, after, w.TickCount(), "no tick applied once Close returned")
}

func TestDispatcher_ChangeSubscriptionReopens(t *testing.T) {
	stream := &fakeStream{}
	d := New(testConfig(), stream, newRegistry(t), nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	first := stream.last()

	require.NoError(t, d.ChangeSubscription(t.Context(), []string{"ETH-EUR", "BTC-EUR"}))

	assert.True(t, first.unsubscribed)
	assert.Equal(t, 2, stream.count())
	assert.Equal(t, []string{"BTC-EUR", "ETH-EUR"}, stream.last().ids)
	assert.Equal(t, []string{"BTC-EUR", "ETH-EUR"}, d.Instruments())
	assert.Equal(t, StateOpen, d.State())
	assert.Equal(t, int64(2), d.Stats().Sessions)
}

func TestDispatcher_ChangeSubscriptionInPlace(t *testing.T) {
	stream := &fakeStream{resubscribe: true}
	d := New(testConfig(), stream, newRegistry(t), nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	require.NoError(t, d.ChangeSubscription(t.Context(), []string{"LTC-EUR"}))

	assert.Equal(t, 1, stream.count(), "no reopen")
	assert.False(t, stream.last().unsubscribed)
	assert.Equal(t, []string{"LTC-EUR"}, d.Instruments())
}

func TestDispatcher_ChangeSubscriptionFallsBackWhenResubscribeFails(t *testing.T) {
	stream := &fakeStream{resubscribe: true, resubErr: errors.New("not connected")}
	d := New(testConfig(), stream, newRegistry(t), nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	require.NoError(t, d.ChangeSubscription(t.Context(), []string{"LTC-EUR"}))

	assert.Equal(t, 2, stream.count())
	assert.Equal(t, []string{"LTC-EUR"}, d.Instruments())
}

func TestDispatcher_DrainTimeoutStillCloses(t *testing.T) {
	stream := &fakeStream{hang: true}
	d := New(testConfig(), stream, newRegistry(t), nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))

	start := time.Now()
	err := d.Close(t.Context())
	require.ErrorIs(t, err, ErrDrainTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second, "bounded by the grace period")
	assert.Equal(t, StateClosed, d.State())

	// Can be reopened afterwards.
	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
}

func TestDispatcher_CloseBoundedByBlockedTickSubscriber(t *testing.T) {
	stream := &fakeStream{}
	reg := newRegistry(t)
	cfg := testConfig()
	cfg.DrainGrace = 100 * time.Millisecond
	d := New(cfg, stream, reg, nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	w, err := reg.GetOrCreate(t.Context(), "BTC-EUR")
	require.NoError(t, err)

	entered := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	w.Ticks().Subscribe(func(model.Quote) {
		close(entered)
		<-release
	})

	go stream.last().handlers.Tick(tick("BTC-EUR", 5))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("tick never reached the subscriber")
	}

	ctx, cancel := context.WithTimeout(t.Context(), 200*time.Millisecond)
	defer cancel()

	closed := make(chan error, 1)
	start := time.Now()
	go func() { closed <- d.Close(ctx) }()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, ErrDrainTimeout)
		assert.Less(t, time.Since(start), time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked behind a stuck tick subscriber")
	}
	assert.Equal(t, StateClosed, d.State())

	// A new session is not held up by the stuck one.
	require.NoError(t, d.Open(t.Context(), []string{"ETH-EUR"}))
	stream.last().handlers.Tick(tick("ETH-EUR", 7))
	assert.Equal(t, int64(1), d.Stats().Routed)
}

func TestDispatcher_OpenFailureStaysClosed(t *testing.T) {
	stream := &fakeStream{subscribeErr: errors.New("dial failed")}
	d := New(testConfig(), stream, newRegistry(t), nil)

	err := d.Open(t.Context(), []string{"BTC-EUR"})
	require.Error(t, err)
	assert.Equal(t, StateClosed, d.State())
	assert.ErrorIs(t, d.Close(t.Context()), ErrNotOpen)
}

func TestDispatcher_HandlerMayReadDispatcher(t *testing.T) {
	stream := &fakeStream{}
	reg := newRegistry(t)
	d := New(testConfig(), stream, reg, nil)

	require.NoError(t, d.Open(t.Context(), []string{"BTC-EUR"}))
	w, err := reg.GetOrCreate(t.Context(), "BTC-EUR")
	require.NoError(t, err)

	var seen []Stats
	w.Ticks().Subscribe(func(model.Quote) { seen = append(seen, d.Stats()) })

	stream.last().handlers.Tick(tick("BTC-EUR", 5))
	require.Len(t, seen, 1)
	assert.Equal(t, StateOpen, seen[0].State)
}
