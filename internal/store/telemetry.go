package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homehub/internal/logging"
)

// TelemetryPoint is one time-series sample from a sensor entity.
type TelemetryPoint struct {
	EntityID string
	HomeID   string
	Field    string
	Value    any // numeric when possible; non-numeric values land in ValueText
	Unit     string
	Ts       time.Time
}

// TelemetryQuery narrows a telemetry read. Zero values are unconstrained
// except Limit, which defaults to defaultTelemetryLimit.
type TelemetryQuery struct {
	Field string
	Since time.Time
	Limit int
}

const (
	defaultTelemetryLimit = 500
	maxTelemetryLimit     = 5000
)

// TelemetryRepository persists append-only telemetry samples: the store
// never rewrites a row once written.
type TelemetryRepository struct {
	db *DB
}

// NewTelemetryRepository builds a repository over an already-migrated
// database.
func NewTelemetryRepository(db *DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// InsertBatch bulk-inserts points inside a single transaction. A sample
// whose Value is not numerically representable is stored with a NULL
// numeric column; the original form is kept in value_text.
func (r *TelemetryRepository) InsertBatch(ctx context.Context, points []TelemetryPoint) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning telemetry batch transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op once committed

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO telemetry (entity_id, home_id, field, value, value_text, unit, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing telemetry insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		numeric, text := numericAndText(p.Value)
		if _, err := stmt.ExecContext(ctx, p.EntityID, p.HomeID, p.Field, numeric, text, p.Unit, p.Ts); err != nil {
			return fmt.Errorf("inserting telemetry point: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing telemetry batch: %w", err)
	}
	return nil
}

func numericAndText(v any) (any, any) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case string:
		return nil, val
	default:
		return nil, fmt.Sprintf("%v", val)
	}
}

// ByEntity returns telemetry rows for entityID, newest first.
func (r *TelemetryRepository) ByEntity(ctx context.Context, entityID string, q TelemetryQuery) ([]TelemetryPoint, error) {
	query := `SELECT entity_id, home_id, field, value, value_text, unit, ts
		FROM telemetry WHERE entity_id = ?`
	args := []any{entityID}
	query, args = appendTelemetryFilters(query, args, q)

	return r.queryPoints(ctx, query, args)
}

// ByHome returns telemetry rows for homeID, newest first.
func (r *TelemetryRepository) ByHome(ctx context.Context, homeID string, q TelemetryQuery) ([]TelemetryPoint, error) {
	query := `SELECT entity_id, home_id, field, value, value_text, unit, ts
		FROM telemetry WHERE home_id = ?`
	args := []any{homeID}
	query, args = appendTelemetryFilters(query, args, q)

	return r.queryPoints(ctx, query, args)
}

func appendTelemetryFilters(query string, args []any, q TelemetryQuery) (string, []any) {
	if q.Field != "" {
		query += ` AND field = ?`
		args = append(args, q.Field)
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Since)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultTelemetryLimit
	}
	if limit > maxTelemetryLimit {
		limit = maxTelemetryLimit
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)
	return query, args
}

func (r *TelemetryRepository) queryPoints(ctx context.Context, query string, args []any) ([]TelemetryPoint, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying telemetry: %w", err)
	}
	defer rows.Close()

	var out []TelemetryPoint
	for rows.Next() {
		var p TelemetryPoint
		var value sql.NullFloat64
		var valueText sql.NullString
		if err := rows.Scan(&p.EntityID, &p.HomeID, &p.Field, &value, &valueText, &p.Unit, &p.Ts); err != nil {
			return nil, fmt.Errorf("scanning telemetry row: %w", err)
		}
		if value.Valid {
			p.Value = value.Float64
		} else if valueText.Valid {
			p.Value = valueText.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	queueCapacity        = 2048
)

// Batcher drains enqueued telemetry points into periodic bulk inserts.
// Shape (buffered channel, ticker, done channel, WaitGroup, flush before
// close) follows the teacher's time-series client's flush loop; the
// sink here is the local SQLite telemetry table rather than an HTTP
// write endpoint.
type Batcher struct {
	repo          *TelemetryRepository
	logger        *logging.Logger
	batchSize     int
	flushInterval time.Duration

	queue   chan TelemetryPoint
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewBatcher builds a Batcher. batchSize and flushInterval fall back to
// defaultBatchSize/defaultFlushInterval when zero.
func NewBatcher(repo *TelemetryRepository, logger *logging.Logger, batchSize int, flushInterval time.Duration) *Batcher {
	if logger == nil {
		logger = logging.Default()
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Batcher{
		repo:          repo,
		logger:        logger.With("component", "telemetry_batcher"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan TelemetryPoint, queueCapacity),
		done:          make(chan struct{}),
	}
}

// Enqueue queues p for the next flush. It never blocks: when the queue
// is full the point is dropped and counted, matching the bus's
// publish-and-drop behavior under backpressure.
func (b *Batcher) Enqueue(p TelemetryPoint) {
	select {
	case b.queue <- p:
	default:
		b.dropped.Add(1)
		b.logger.Warn("telemetry queue full, dropping point", "entity_id", p.EntityID, "field", p.Field)
	}
}

// Dropped returns the cumulative count of points dropped due to a full
// queue.
func (b *Batcher) Dropped() uint64 {
	return b.dropped.Load()
}

// Start runs the flush loop in a background goroutine until ctx is
// canceled or Stop is called.
func (b *Batcher) Start(ctx context.Context) {
	b.wg.Add(1)
	go b.run(ctx)
}

// Stop signals the flush loop to exit and blocks until it has flushed
// any remaining buffered points and returned. Calling Stop more than
// once panics on the closed done channel, matching the teacher's
// single-shutdown convention; callers call Stop exactly once.
func (b *Batcher) Stop() {
	close(b.done)
	b.wg.Wait()
}

func (b *Batcher) run(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	buf := make([]TelemetryPoint, 0, b.batchSize)

	flush := func() {
		if len(buf) == 0 {
			return
		}
		if err := b.repo.InsertBatch(context.Background(), buf); err != nil {
			b.logger.Error("flushing telemetry batch failed", "error", err, "count", len(buf))
		}
		buf = buf[:0]
	}

	for {
		select {
		case p := <-b.queue:
			buf = append(buf, p)
			if len(buf) >= b.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			b.drainQueue(&buf)
			flush()
			return
		case <-b.done:
			b.drainQueue(&buf)
			flush()
			return
		}
	}
}

// drainQueue empties any points already sitting in the channel buffer
// so a Stop/cancel never silently discards them.
func (b *Batcher) drainQueue(buf *[]TelemetryPoint) {
	for {
		select {
		case p := <-b.queue:
			*buf = append(*buf, p)
		default:
			return
		}
	}
}
