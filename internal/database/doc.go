// Package database provides the TimescaleDB connection pool used by the
// snapshot archive, and the archive's schema.
package database
