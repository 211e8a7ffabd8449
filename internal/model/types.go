package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// -----------------------------------------------------------------------------
// Periodic Types
// -----------------------------------------------------------------------------

// Snapshot is a periodic 24h OHLC/volume summary for one instrument.
type Snapshot struct {
	InstrumentID string          // Product id (e.g., "BTC-EUR")
	Timestamp    time.Time       // Refresh trigger, truncated to whole seconds
	Open         decimal.Decimal // 24h open
	High         decimal.Decimal // 24h high
	Low          decimal.Decimal // 24h low
	Last         decimal.Decimal // Last trade price
	Volume       decimal.Decimal // 24h volume
	Volume30Day  decimal.Decimal // 30 day volume
}

// -----------------------------------------------------------------------------
// Streaming Types
// -----------------------------------------------------------------------------

// Quote is a best bid/ask pair for one instrument at one point in time.
type Quote struct {
	InstrumentID string
	Timestamp    time.Time
	Bid          decimal.Decimal // Highest price a buyer will pay
	Ask          decimal.Decimal // Lowest price a seller will accept
}

// Spread returns Ask - Bid.
func (q Quote) Spread() decimal.Decimal {
	return q.Ask.Sub(q.Bid)
}

// Mid returns the midpoint between Bid and Ask.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// TruncateToSecond normalizes t to UTC whole seconds.
func TruncateToSecond(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
