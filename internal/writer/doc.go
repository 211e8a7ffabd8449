// Package writer archives refreshed snapshots to TimescaleDB.
//
// The archive is append-only: rows are inserted with ON CONFLICT DO NOTHING
// and never read back. Input arrives through a bounded Queue so a slow
// database never stalls the refresh loop; when the queue is full the oldest
// snapshot is dropped.
package writer
