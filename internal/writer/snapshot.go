package writer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/rickgao/productstats/internal/model"
	"github.com/rickgao/productstats/internal/notify"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("writer: already started")

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch (default: 500)
	FlushInterval time.Duration // Max time a row waits before flush (default: 1s)
	BufferSize    int           // Queue capacity (default: 10000)
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     500,
		FlushInterval: time.Second,
		BufferSize:    10000,
	}
}

// WriterMetrics contains writer counters.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
	Dropped   int64 // Snapshots evicted from the full input queue
}

// BatchSender is satisfied by *pgxpool.Pool.
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

const insertSnapshotSQL = `
	INSERT INTO product_stats (instrument_id, ts, open, high, low, last, volume, volume_30day, received_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (instrument_id, ts) DO NOTHING
`

type snapshotRow struct {
	InstrumentID string
	Ts           time.Time
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Last         decimal.Decimal
	Volume       decimal.Decimal
	Volume30Day  decimal.Decimal
	ReceivedAt   int64 // unix micros
}

// SnapshotWriter consumes snapshots from its queue and writes them to the
// product_stats table.
type SnapshotWriter struct {
	cfg    WriterConfig
	logger *slog.Logger
	now    func() time.Time

	input *Queue[model.Snapshot]
	db    BatchSender

	// Batching
	batch   []snapshotRow
	batchMu sync.Mutex

	// Lifecycle
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewSnapshotWriter creates a writer with its own input queue.
func NewSnapshotWriter(cfg WriterConfig, db BatchSender, logger *slog.Logger) *SnapshotWriter {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultWriterConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = d.FlushInterval
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = d.BufferSize
	}

	return &SnapshotWriter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		input:  NewQueue[model.Snapshot](cfg.BufferSize),
		db:     db,
		batch:  make([]snapshotRow, 0, cfg.BatchSize),
	}
}

// Enqueue queues a snapshot for archiving. It never blocks.
func (w *SnapshotWriter) Enqueue(s model.Snapshot) {
	w.input.Send(s)
}

// Attach subscribes the writer to a snapshot hub.
func (w *SnapshotWriter) Attach(hub *notify.Hub[model.Snapshot]) *notify.Subscription {
	return hub.Subscribe(w.Enqueue)
}

// Start begins consuming snapshots and writing to the database.
func (w *SnapshotWriter) Start(ctx context.Context) error {
	if w.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.run(ctx)

	w.logger.Info("snapshot writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
		"buffer_size", w.cfg.BufferSize,
	)
	return nil
}

// Stop stops consuming, then writes whatever is queued or batched using ctx.
func (w *SnapshotWriter) Stop(ctx context.Context) error {
	w.logger.Info("stopping snapshot writer")

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		w.logger.Warn("snapshot writer stop timed out")
		return ctx.Err()
	}

	w.input.Close()
	w.collect()
	w.flush(ctx)

	w.logger.Info("snapshot writer stopped")
	return nil
}

// Stats returns current metrics.
func (w *SnapshotWriter) Stats() WriterMetrics {
	w.batchMu.Lock()
	m := w.metrics
	w.batchMu.Unlock()
	m.Dropped = w.input.Stats().Dropped
	return m
}

// run accumulates batches and flushes on size or interval.
func (w *SnapshotWriter) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx)
		case <-w.input.Ready():
			if w.collect() {
				w.flush(ctx)
			}
		}
	}
}

// collect moves queued snapshots into the batch. Reports whether the batch is full.
func (w *SnapshotWriter) collect() bool {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()

	for _, s := range w.input.DrainTo(0) {
		w.batch = append(w.batch, w.transform(s))
	}
	return len(w.batch) >= w.cfg.BatchSize
}

// transform converts a Snapshot to a snapshotRow.
func (w *SnapshotWriter) transform(s model.Snapshot) snapshotRow {
	return snapshotRow{
		InstrumentID: s.InstrumentID,
		Ts:           s.Timestamp.UTC(),
		Open:         s.Open,
		High:         s.High,
		Low:          s.Low,
		Last:         s.Last,
		Volume:       s.Volume,
		Volume30Day:  s.Volume30Day,
		ReceivedAt:   w.now().UnixMicro(),
	}
}

// flush writes the current batch to the database in chunks of BatchSize.
func (w *SnapshotWriter) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]snapshotRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), w.cfg.BatchSize)
		w.write(ctx, batch[:n])
		batch = batch[n:]
	}
}

func (w *SnapshotWriter) write(ctx context.Context, rows []snapshotRow) {
	start := time.Now()

	conflicts, err := w.batchInsert(ctx, rows)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(rows))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(rows) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed snapshots",
		"count", len(rows),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *SnapshotWriter) batchInsert(ctx context.Context, rows []snapshotRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSnapshotSQL,
			r.InstrumentID, r.Ts, r.Open, r.High, r.Low, r.Last, r.Volume, r.Volume30Day, r.ReceivedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
