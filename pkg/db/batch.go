package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MetricWriter batches api_metrics inserts so recording a broker call never
// blocks the event-processing path on a database round trip.
type MetricWriter struct {
	db          *Database
	mu          sync.Mutex
	buffer      []APIMetric
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// NewMetricWriter creates a metric writer flushing at maxSize rows or every
// interval, whichever comes first.
func NewMetricWriter(database *Database, maxSize int, interval time.Duration, logger zerolog.Logger) *MetricWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	w := &MetricWriter{
		db:          database,
		buffer:      make([]APIMetric, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
		logger:      logger.With().Str("component", "metric_writer").Logger(),
	}
	w.wg.Add(1)
	go w.backgroundFlush()
	return w
}

// Record buffers one metric row.
func (w *MetricWriter) Record(m APIMetric) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.buffer = append(w.buffer, m)
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		w.Flush()
	}
}

// Flush writes all buffered rows now.
func (w *MetricWriter) Flush() {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return
	}
	batch := w.buffer
	w.buffer = make([]APIMetric, 0, w.maxSize)
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := w.db.DB.BeginTx(ctx, nil)
	if err != nil {
		w.logger.Warn().Err(err).Int("rows", len(batch)).Msg("metric batch begin failed, dropping")
		return
	}
	stmt, err := tx.PrepareContext(ctx, w.db.rebind(`
		INSERT INTO api_metrics (ts, endpoint, latency_ms, status) VALUES (?, ?, ?, ?)
	`))
	if err != nil {
		_ = tx.Rollback()
		w.logger.Warn().Err(err).Msg("metric batch prepare failed")
		return
	}
	for _, m := range batch {
		if _, err := stmt.ExecContext(ctx, m.Timestamp.UTC(), m.Endpoint, m.LatencyMS, m.Status); err != nil {
			w.logger.Warn().Err(err).Str("endpoint", m.Endpoint).Msg("metric insert failed")
		}
	}
	_ = stmt.Close()
	if err := tx.Commit(); err != nil {
		w.logger.Warn().Err(err).Msg("metric batch commit failed")
	}
}

func (w *MetricWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.Flush()
		case <-w.done:
			w.Flush()
			return
		}
	}
}

// Close flushes remaining rows and stops the background loop.
func (w *MetricWriter) Close() {
	close(w.done)
	w.wg.Wait()
}
