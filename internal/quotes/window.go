// Package quotes holds a rolling window of live quotes per instrument and the
// registry that lazily creates those windows.
package quotes

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/notify"
)

// DefaultWindowCapacity is the number of quotes kept per instrument.
const DefaultWindowCapacity = 300

// ErrInstrumentMismatch is returned by Tick for a quote of another instrument.
var ErrInstrumentMismatch = errors.New("quotes: instrument mismatch")

// WindowSnapshot is a consistent copy of a window's state.
type WindowSnapshot struct {
	InstrumentID string
	Last         model.Quote
	TickCount    uint64
	Quotes       []model.Quote // oldest first
}

// Window is a bounded FIFO of quotes for one instrument.
//
// Tick is expected to be called by a single writer; reads are safe from any
// goroutine and always observe a fully applied tick.
type Window struct {
	id       string
	capacity int
	ticks    *notify.Hub[model.Quote]

	mu    sync.RWMutex
	buf   []model.Quote // ring once len(buf) == capacity
	head  int           // index of the oldest entry once full
	last  model.Quote
	count uint64
}

// NewWindow creates an empty window. capacity <= 0 uses DefaultWindowCapacity.
func NewWindow(instrumentID string, capacity int, logger *slog.Logger) *Window {
	if capacity <= 0 {
		capacity = DefaultWindowCapacity
	}
	return &Window{
		id:       instrumentID,
		capacity: capacity,
		ticks:    notify.NewHub[model.Quote]("quotes.tick."+instrumentID, logger),
	}
}

// InstrumentID returns the instrument the window belongs to.
func (w *Window) InstrumentID() string {
	return w.id
}

// Capacity returns the maximum number of quotes retained.
func (w *Window) Capacity() int {
	return w.capacity
}

// Ticks returns the hub notified after every applied tick.
func (w *Window) Ticks() *notify.Hub[model.Quote] {
	return w.ticks
}

// Tick appends q, evicting the oldest quote when full, replaces the last quote
// and bumps the tick counter. Subscribers are then notified synchronously on
// the calling goroutine.
func (w *Window) Tick(q model.Quote) error {
	if q.InstrumentID != w.id {
		return fmt.Errorf("%w: window %s got %s", ErrInstrumentMismatch, w.id, q.InstrumentID)
	}

	w.mu.Lock()
	if len(w.buf) < w.capacity {
		w.buf = append(w.buf, q)
	} else {
		w.buf[w.head] = q
		w.head = (w.head + 1) % w.capacity
	}
	w.last = q
	w.count++
	w.mu.Unlock()

	w.ticks.Publish(q)
	return nil
}

// Last returns the most recent quote. ok is false before the first tick.
func (w *Window) Last() (q model.Quote, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last, w.count > 0
}

// TickCount returns the number of ticks applied since creation.
func (w *Window) TickCount() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.count
}

// Len returns the number of quotes currently held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.buf)
}

// Quotes returns a copy of the retained quotes, oldest first.
func (w *Window) Quotes() []model.Quote {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ordered()
}

// Snapshot returns last, tick count and quotes captured under one lock.
func (w *Window) Snapshot() WindowSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WindowSnapshot{
		InstrumentID: w.id,
		Last:         w.last,
		TickCount:    w.count,
		Quotes:       w.ordered(),
	}
}

// ordered must be called with w.mu held.
func (w *Window) ordered() []model.Quote {
	out := make([]model.Quote, 0, len(w.buf))
	out = append(out, w.buf[w.head:]...)
	out = append(out, w.buf[:w.head]...)
	return out
}
