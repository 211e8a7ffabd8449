// Package stats keeps a bounded, periodically refreshed history of 24h
// snapshots per instrument.
//
// Instruments are tracked lazily on first read (or explicitly with
// GetOrCreate) and refreshed by a background loop started with Start.
// Each instrument's history has its own lock; the instrument map is a
// sync.Map so unrelated instruments never contend.
//
// Trimming follows a named EvictionPolicy:
//   - EvictOldest drops the oldest entry (plain FIFO, the default).
//   - EvictKeepFirst pins the very first snapshot ever recorded and drops
//     from the second-oldest position onward.
package stats
