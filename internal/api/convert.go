package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/productstats/internal/model"
)

// ParseDecimal parses an exchange decimal string.
// Empty input yields zero; anything else that is not a number is an error.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// ParseTimestamp parses an ISO 8601 timestamp as sent by the exchange.
// Returns the zero time for empty input.
func ParseTimestamp(iso string) (time.Time, error) {
	if iso == "" {
		return time.Time{}, nil
	}

	t, err := time.Parse(time.RFC3339Nano, iso)
	if err != nil {
		// Try without timezone
		t, err = time.Parse("2006-01-02T15:04:05.999999999", iso)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse timestamp %q: %w", iso, err)
		}
	}

	return t.UTC(), nil
}

// ToSnapshot converts stats into a snapshot stamped with ts truncated to whole seconds.
func (s *ProductStats) ToSnapshot(productID string, ts time.Time) (model.Snapshot, error) {
	snap := model.Snapshot{
		InstrumentID: productID,
		Timestamp:    model.TruncateToSecond(ts),
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"open", s.Open, &snap.Open},
		{"high", s.High, &snap.High},
		{"low", s.Low, &snap.Low},
		{"last", s.Last, &snap.Last},
		{"volume", s.Volume, &snap.Volume},
		{"volume_30day", s.Volume30Day, &snap.Volume30Day},
	}

	for _, f := range fields {
		d, err := ParseDecimal(f.raw)
		if err != nil {
			return model.Snapshot{}, fmt.Errorf("%s %s: %w", productID, f.name, err)
		}
		*f.dst = d
	}

	return snap, nil
}

// ToQuote converts a ticker into a quote. A missing ticker time falls back to now.
func (t *ProductTicker) ToQuote(productID string) (model.Quote, error) {
	bid, err := ParseDecimal(t.Bid)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s bid: %w", productID, err)
	}
	ask, err := ParseDecimal(t.Ask)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s ask: %w", productID, err)
	}
	ts, err := ParseTimestamp(t.Time)
	if err != nil {
		return model.Quote{}, err
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return model.Quote{
		InstrumentID: productID,
		Timestamp:    ts,
		Bid:          bid,
		Ask:          ask,
	}, nil
}
