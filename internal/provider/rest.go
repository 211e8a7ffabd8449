package provider

import (
	"context"
	"time"

	"github.com/rickgao/productstats/internal/api"
	"github.com/rickgao/productstats/internal/model"
)

// REST adapts the exchange REST client to the Fetcher interface.
type REST struct {
	client *api.Client
	now    func() time.Time
}

// NewREST creates a Fetcher over the given REST client.
func NewREST(client *api.Client) *REST {
	return &REST{client: client, now: time.Now}
}

// FetchSnapshot fetches 24h stats and stamps them with the fetch time.
func (r *REST) FetchSnapshot(ctx context.Context, instrumentID string) (model.Snapshot, error) {
	stats, err := r.client.GetProductStats(ctx, instrumentID)
	if err != nil {
		return model.Snapshot{}, err
	}
	return stats.ToSnapshot(instrumentID, r.now())
}

// FetchQuote fetches the current best bid/ask.
func (r *REST) FetchQuote(ctx context.Context, instrumentID string) (model.Quote, error) {
	ticker, err := r.client.GetProductTicker(ctx, instrumentID)
	if err != nil {
		return model.Quote{}, err
	}
	return ticker.ToQuote(instrumentID)
}
