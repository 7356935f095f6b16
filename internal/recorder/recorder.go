package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/finboard/feedclient/internal/subscription"
)

// Config holds recorder batching settings.
type Config struct {
	Channels      []string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     500,
		FlushInterval: 1 * time.Second,
	}
}

// Metrics tracks recorder activity.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
}

// messageRow is a single feed message ready for insert.
type messageRow struct {
	Channel    string
	ReceivedAt int64 // microseconds
	Source     string
	Payload    []byte
}

// Recorder persists feed messages to Postgres in batches. It consumes
// delivered events, so it records exactly what downstream consumers
// saw, snapshots included.
type Recorder struct {
	cfg    Config
	db     *pgxpool.Pool
	logger *slog.Logger

	batch       []messageRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// insert performs the batch write. Tests swap it out.
	insert func(ctx context.Context, rows []messageRow) (conflicts int, err error)

	metrics Metrics
}

// New creates a Recorder writing to db.
func New(cfg Config, db *pgxpool.Pool, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	r := &Recorder{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]messageRow, 0, cfg.BatchSize),
	}
	r.insert = r.batchInsert
	return r
}

// Start begins the periodic flush loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.flushTicker = time.NewTicker(r.cfg.FlushInterval)

	r.wg.Add(1)
	go r.flushLoop()

	r.logger.Info("recorder started",
		"channels", len(r.cfg.Channels),
		"batch_size", r.cfg.BatchSize,
		"flush_interval", r.cfg.FlushInterval,
	)
	return nil
}

// Stop shuts the recorder down and flushes what remains.
func (r *Recorder) Stop(ctx context.Context) error {
	r.logger.Info("stopping recorder")

	if r.cancel != nil {
		r.cancel()
	}
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("recorder stopped")
	case <-ctx.Done():
		r.logger.Warn("recorder stop timed out")
	}

	// Final flush. r.ctx is cancelled by now, so the write runs on the
	// caller's context to keep the tail of the recording.
	r.flush(ctx)

	return nil
}

// Consume accepts a delivered event. Register it as the consumer for
// each recorded channel.
func (r *Recorder) Consume(ev subscription.Event) {
	now := time.Now().UnixMicro()

	r.batchMu.Lock()
	for _, payload := range ev.Payloads {
		r.batch = append(r.batch, messageRow{
			Channel:    ev.Channel,
			ReceivedAt: now,
			Source:     string(ev.Source),
			Payload:    payload,
		})
	}
	shouldFlush := len(r.batch) >= r.cfg.BatchSize
	r.batchMu.Unlock()

	if shouldFlush {
		r.flush(r.runCtx())
	}
}

// Stats returns current metrics.
func (r *Recorder) Stats() Metrics {
	r.batchMu.Lock()
	defer r.batchMu.Unlock()
	return r.metrics
}

// flushLoop periodically flushes the batch.
func (r *Recorder) flushLoop() {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.flushTicker.C:
			r.flush(r.ctx)
		}
	}
}

// runCtx returns the recorder's run context, or Background before Start.
func (r *Recorder) runCtx() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// flush writes the current batch to the database.
func (r *Recorder) flush(ctx context.Context) {
	r.batchMu.Lock()
	if len(r.batch) == 0 {
		r.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := r.batch
	r.batch = make([]messageRow, 0, r.cfg.BatchSize)
	r.batchMu.Unlock()

	start := time.Now()

	conflicts, err := r.insert(ctx, batch)
	if err != nil {
		r.logger.Error("batch insert failed", "error", err, "count", len(batch))
		r.batchMu.Lock()
		r.metrics.Errors++
		r.batchMu.Unlock()
		return
	}

	r.batchMu.Lock()
	r.metrics.Inserts += int64(len(batch) - conflicts)
	r.metrics.Conflicts += int64(conflicts)
	r.metrics.Flushes++
	r.batchMu.Unlock()

	r.logger.Debug("flushed messages",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (r *Recorder) batchInsert(ctx context.Context, rows []messageRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(`
			INSERT INTO feed_messages (channel, received_at, source, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, row.Channel, row.ReceivedAt, row.Source, row.Payload)
	}

	results := r.db.SendBatch(ctx, batch)
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
