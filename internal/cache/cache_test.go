package cache

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/pkg/db"
)

// fakeSource serves a deterministic run of 1m/5m bars and counts calls.
type fakeSource struct {
	calls atomic.Int32
}

func (f *fakeSource) FetchBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]db.Bar, error) {
	f.calls.Add(1)
	interval := time.Minute
	if timeframe == "5m" {
		interval = 5 * time.Minute
	}
	var bars []db.Bar
	for t := start.Truncate(interval); t.Before(end); t = t.Add(interval) {
		bars = append(bars, db.Bar{
			Symbol: symbol, Timeframe: timeframe, OpenTime: t,
			Open: 21400, High: 21410, Low: 21390, Close: 21405, Volume: 100,
		})
	}
	return bars, nil
}

func testCache(t *testing.T, store *db.Database) (*BarCache, *fakeSource) {
	t.Helper()
	src := &fakeSource{}
	c := New(store, src, DefaultTTLConfig(), zerolog.Nop())
	return c, src
}

func openTestStore(t *testing.T) *db.Database {
	t.Helper()
	store, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "cache_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(store))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestShortHorizonBypassesCache(t *testing.T) {
	c, src := testCache(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		bars, err := c.GetBars(ctx, "MNQ", "1m", 3)
		require.NoError(t, err)
		assert.Len(t, bars, 3)
	}
	// Every short-horizon read goes to the broker.
	assert.EqualValues(t, 3, src.calls.Load())
	assert.EqualValues(t, 3, c.Stats().Bypasses)
}

func TestL1HitAfterFetch(t *testing.T) {
	c, src := testCache(t, nil)
	ctx := context.Background()

	first, err := c.GetBars(ctx, "MNQ", "5m", 20)
	require.NoError(t, err)
	require.Len(t, first, 20)

	second, err := c.GetBars(ctx, "MNQ", "5m", 20)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, src.calls.Load(), "second read must be served from L1")
	assert.EqualValues(t, 1, c.Stats().L1Hits)
}

func TestTTLExpiryForcesRefetch(t *testing.T) {
	c, src := testCache(t, nil)
	ctx := context.Background()

	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC) // inside market hours: 2m TTL
	c.now = func() time.Time { return now }

	_, err := c.GetBars(ctx, "MNQ", "5m", 20)
	require.NoError(t, err)

	now = now.Add(3 * time.Minute)
	_, err = c.GetBars(ctx, "MNQ", "5m", 20)
	require.NoError(t, err)
	assert.EqualValues(t, 2, src.calls.Load())
}

func TestTTLWindows(t *testing.T) {
	c, _ := testCache(t, nil)

	tests := []struct {
		hour int
		want time.Duration
	}{
		{hour: 14, want: 2 * time.Minute},  // mid-session
		{hour: 2, want: 2 * time.Minute},   // overnight session before 03:00
		{hour: 5, want: 15 * time.Minute},  // maintenance window
		{hour: 12, want: 15 * time.Minute}, // pre-open
	}
	for _, tt := range tests {
		now := time.Date(2026, 8, 24, tt.hour, 30, 0, 0, time.UTC)
		c.now = func() time.Time { return now }
		assert.Equal(t, tt.want, c.TTL(), "hour %d", tt.hour)
	}
}

func TestBarRoundTripThroughStore(t *testing.T) {
	store := openTestStore(t)
	c, src := testCache(t, store)
	ctx := context.Background()

	fetched, err := c.GetBars(ctx, "MNQ", "5m", 10)
	require.NoError(t, err)
	require.Len(t, fetched, 10)
	require.EqualValues(t, 1, src.calls.Load())

	// A fresh cache over the same store answers from L2 without the broker.
	c2, src2 := testCache(t, store)
	again, err := c2.GetBars(ctx, "MNQ", "5m", 10)
	require.NoError(t, err)
	assert.EqualValues(t, 0, src2.calls.Load(), "L2 must cover the range")
	require.Len(t, again, 10)
	for i := range fetched {
		assert.True(t, fetched[i].OpenTime.Equal(again[i].OpenTime), "bar %d open time", i)
		assert.InDelta(t, fetched[i].Close, again[i].Close, 1e-9)
	}
}

func TestPutClosedBarUpdatesBothTiers(t *testing.T) {
	store := openTestStore(t)
	c, _ := testCache(t, store)
	ctx := context.Background()

	open := time.Date(2026, 8, 24, 13, 35, 0, 0, time.UTC)
	bar := db.Bar{
		Symbol: "MNQ", Timeframe: "5m", OpenTime: open,
		Open: 21420, High: 21431, Low: 21415.5, Close: 21428.75, Volume: 842,
	}
	c.PutClosedBar(ctx, bar)

	stored, err := store.QueryBars(ctx, "MNQ", "5m", open, open.Add(5*time.Minute))
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.InDelta(t, 21428.75, stored[0].Close, 1e-9)

	// Re-putting the same open time replaces, not duplicates.
	bar.Close = 21430
	c.PutClosedBar(ctx, bar)
	c.mu.RLock()
	e := c.entries[key("MNQ", "5m")]
	c.mu.RUnlock()
	require.Len(t, e.bars, 1)
	assert.InDelta(t, 21430, e.bars[0].Close, 1e-9)
}

func TestContiguityGuard(t *testing.T) {
	interval := 5 * time.Minute
	base := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	run := []db.Bar{
		{OpenTime: base},
		{OpenTime: base.Add(interval)},
		{OpenTime: base.Add(2 * interval)},
	}
	assert.True(t, contiguous(run, interval))

	gapped := []db.Bar{
		{OpenTime: base},
		{OpenTime: base.Add(interval)},
		{OpenTime: base.Add(3 * interval)},
	}
	assert.False(t, contiguous(gapped, interval))
}
