package db

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricCount(t *testing.T, d *Database) int {
	t.Helper()
	var n int
	require.NoError(t, d.DB.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM api_metrics").Scan(&n))
	return n
}

func TestMetricWriterFlushesAtSizeThreshold(t *testing.T) {
	d := testDB(t)
	w := NewMetricWriter(d, 3, time.Hour, zerolog.Nop())
	defer w.Close()

	now := time.Now().UTC()
	w.Record(APIMetric{Timestamp: now, Endpoint: "place_order", LatencyMS: 12, Status: 200})
	w.Record(APIMetric{Timestamp: now, Endpoint: "place_order", LatencyMS: 15, Status: 200})
	assert.Equal(t, 0, metricCount(t, d), "below threshold stays buffered")

	w.Record(APIMetric{Timestamp: now, Endpoint: "get_order", LatencyMS: 9, Status: 200})
	assert.Equal(t, 3, metricCount(t, d))
}

func TestMetricWriterCloseDrains(t *testing.T) {
	d := testDB(t)
	w := NewMetricWriter(d, 100, time.Hour, zerolog.Nop())

	w.Record(APIMetric{Timestamp: time.Now().UTC(), Endpoint: "resolve_contract", LatencyMS: 4, Status: 200})
	w.Close()
	assert.Equal(t, 1, metricCount(t, d))
}

func TestMetricWriterNilSafe(t *testing.T) {
	var w *MetricWriter
	assert.NotPanics(t, func() {
		w.Record(APIMetric{Endpoint: "noop"})
	})
}
