package provider

import (
	"context"
	"time"

	"github.com/rickgao/productstats/internal/model"
)

//go:generate mockgen -destination=providertest/mock_fetcher.go -package=providertest github.com/rickgao/productstats/internal/provider Fetcher

// Fetcher performs single request/response calls against the provider.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, instrumentID string) (model.Snapshot, error)
	FetchQuote(ctx context.Context, instrumentID string) (model.Quote, error)
}

// Heartbeat is a liveness event from the push stream.
type Heartbeat struct {
	InstrumentID string
	Sequence     int64
	Time         time.Time
}

// Handlers receive stream events. Either may be nil.
type Handlers struct {
	Heartbeat func(Heartbeat)
	Tick      func(model.Quote)
}

// Subscription is a live stream subscription.
type Subscription interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
	// Done is closed once the delivery goroutine has exited and no further
	// handler invocation will happen.
	Done() <-chan struct{}
}

// Resubscriber is implemented by subscriptions that can change their
// instrument set in place.
type Resubscriber interface {
	Resubscribe(instrumentIDs []string) error
}

// Stream opens push subscriptions.
type Stream interface {
	Subscribe(ctx context.Context, instrumentIDs []string, h Handlers) (Subscription, error)
}
