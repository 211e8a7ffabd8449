package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rickgao/productstats/internal/api"
	"github.com/rickgao/productstats/internal/dispatch"
	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/provider"
	"github.com/rickgao/productstats/internal/quotes"
	"github.com/rickgao/productstats/internal/stats"
	"github.com/rickgao/productstats/internal/version"
)

// snapshotSource is the read side of stats.Cache.
type snapshotSource interface {
	All(ctx context.Context, id string) ([]model.Snapshot, error)
	Last(ctx context.Context, id string) (model.Snapshot, error)
	Stats() stats.CacheStats
}

// windowSource is the read side of quotes.Registry.
type windowSource interface {
	GetOrCreate(ctx context.Context, id string) (*quotes.Window, error)
	Len() int
}

// dispatcherStatus reports the stream dispatcher state.
type dispatcherStatus interface {
	Stats() dispatch.Stats
}

type server struct {
	snapshots  snapshotSource
	windows    windowSource
	dispatcher dispatcherStatus
	timeout    time.Duration
	logger     *slog.Logger
}

type snapshotJSON struct {
	InstrumentID string          `json:"instrument_id"`
	Timestamp    time.Time       `json:"timestamp"`
	Open         decimal.Decimal `json:"open"`
	High         decimal.Decimal `json:"high"`
	Low          decimal.Decimal `json:"low"`
	Last         decimal.Decimal `json:"last"`
	Volume       decimal.Decimal `json:"volume"`
	Volume30Day  decimal.Decimal `json:"volume_30day"`
}

type quoteJSON struct {
	Timestamp time.Time       `json:"timestamp"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Mid       decimal.Decimal `json:"mid"`
	Spread    decimal.Decimal `json:"spread"`
}

type windowJSON struct {
	InstrumentID string      `json:"instrument_id"`
	TickCount    uint64      `json:"tick_count"`
	Last         *quoteJSON  `json:"last,omitempty"`
	Quotes       []quoteJSON `json:"quotes"`
}

func toSnapshotJSON(s model.Snapshot) snapshotJSON {
	return snapshotJSON{
		InstrumentID: s.InstrumentID,
		Timestamp:    s.Timestamp,
		Open:         s.Open,
		High:         s.High,
		Low:          s.Low,
		Last:         s.Last,
		Volume:       s.Volume,
		Volume30Day:  s.Volume30Day,
	}
}

func toQuoteJSON(q model.Quote) quoteJSON {
	return quoteJSON{
		Timestamp: q.Timestamp,
		Bid:       q.Bid,
		Ask:       q.Ask,
		Mid:       q.Mid(),
		Spread:    q.Spread(),
	}
}

// handler creates the HTTP handler for the status and query endpoints.
func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.health)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, version.Get())
	})
	mux.HandleFunc("GET /stats/{id}", s.allSnapshots)
	mux.HandleFunc("GET /stats/{id}/last", s.lastSnapshot)
	mux.HandleFunc("GET /quotes/{id}", s.quoteWindow)

	return mux
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	d := s.dispatcher.Stats()
	c := s.snapshots.Stats()

	health := struct {
		Status     string         `json:"status"`
		Components map[string]any `json:"components"`
	}{
		Status: "healthy",
		Components: map[string]any{
			"dispatcher": map[string]any{
				"state":        d.State.String(),
				"instruments":  d.Instruments,
				"ticks":        d.Ticks,
				"routed":       d.Routed,
				"route_errors": d.RouteErrors,
			},
			"snapshot_cache": map[string]any{
				"instruments":   c.Instruments,
				"cycles":        c.Cycles,
				"errors":        c.Errors,
				"last_cycle_at": c.LastCycleAt,
			},
			"quote_windows": s.windows.Len(),
		},
	}

	status := http.StatusOK
	if d.State != dispatch.StateOpen {
		health.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *server) allSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := r.PathValue("id")
	all, err := s.snapshots.All(ctx, id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}

	out := make([]snapshotJSON, len(all))
	for i, snap := range all {
		out[i] = toSnapshotJSON(snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) lastSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := r.PathValue("id")
	last, err := s.snapshots.Last(ctx, id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}
	writeJSON(w, http.StatusOK, toSnapshotJSON(last))
}

func (s *server) quoteWindow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	id := r.PathValue("id")
	win, err := s.windows.GetOrCreate(ctx, id)
	if err != nil {
		s.writeError(w, id, err)
		return
	}

	snap := win.Snapshot()
	out := windowJSON{
		InstrumentID: snap.InstrumentID,
		TickCount:    snap.TickCount,
		Quotes:       make([]quoteJSON, len(snap.Quotes)),
	}
	for i, q := range snap.Quotes {
		out.Quotes[i] = toQuoteJSON(q)
	}
	if snap.TickCount > 0 {
		last := toQuoteJSON(snap.Last)
		out.Last = &last
	}
	writeJSON(w, http.StatusOK, out)
}

// writeError maps provider failures onto HTTP statuses.
func (s *server) writeError(w http.ResponseWriter, id string, err error) {
	status := http.StatusBadGateway

	var apiErr *api.APIError
	switch {
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
		status = http.StatusNotFound
	case errors.Is(err, provider.ErrRetryExhausted):
		status = http.StatusTooManyRequests
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	s.logger.Warn("request failed", "instrument", id, "status", status, "error", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
