package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// SnapshotTable is the archive table written by the snapshot writer.
const SnapshotTable = "product_stats"

// snapshotSchema creates the archive table. The hypertable call is skipped
// on plain PostgreSQL.
var snapshotSchema = []string{
	`CREATE TABLE IF NOT EXISTS product_stats (
		instrument_id TEXT        NOT NULL,
		ts            TIMESTAMPTZ NOT NULL,
		open          NUMERIC     NOT NULL,
		high          NUMERIC     NOT NULL,
		low           NUMERIC     NOT NULL,
		last          NUMERIC     NOT NULL,
		volume        NUMERIC     NOT NULL,
		volume_30day  NUMERIC     NOT NULL,
		received_at   BIGINT      NOT NULL,
		PRIMARY KEY (instrument_id, ts)
	)`,
	`DO $$
	BEGIN
		IF EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb') THEN
			PERFORM create_hypertable('product_stats', 'ts', if_not_exists => TRUE);
		END IF;
	END
	$$`,
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// EnsureSchema creates the archive table if it does not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	for i, stmt := range snapshotSchema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	return nil
}
