package market

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/pkg/broker"
	"prop-engine/pkg/db"
)

type barCollector struct {
	mu   sync.Mutex
	bars []db.Bar
}

func (c *barCollector) sink(_ context.Context, bar db.Bar) {
	c.mu.Lock()
	c.bars = append(c.bars, bar)
	c.mu.Unlock()
}

func (c *barCollector) of(tf string) []db.Bar {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []db.Bar
	for _, b := range c.bars {
		if b.Timeframe == tf {
			out = append(out, b)
		}
	}
	return out
}

func tick(sym string, price, size float64, ts time.Time) broker.Quote {
	return broker.Quote{Symbol: sym, Price: price, Size: size, Timestamp: ts}
}

func TestAggregatorSealsOnBoundary(t *testing.T) {
	col := &barCollector{}
	agg := NewAggregator(nil, col.sink, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	agg.OnQuote(ctx, tick("MNQ", 21400, 2, base.Add(5*time.Second)))
	agg.OnQuote(ctx, tick("MNQ", 21410.25, 1, base.Add(30*time.Second)))
	agg.OnQuote(ctx, tick("MNQ", 21395.50, 3, base.Add(59*time.Second)))
	// Exactly on the boundary: opens the next 1m bar, seals the previous.
	agg.OnQuote(ctx, tick("MNQ", 21402, 1, base.Add(time.Minute)))

	oneMin := col.of("1m")
	require.Len(t, oneMin, 1)
	b := oneMin[0]
	assert.True(t, b.OpenTime.Equal(base))
	assert.InDelta(t, 21400, b.Open, 1e-9)
	assert.InDelta(t, 21410.25, b.High, 1e-9)
	assert.InDelta(t, 21395.50, b.Low, 1e-9)
	assert.InDelta(t, 21395.50, b.Close, 1e-9)
	assert.InDelta(t, 6, b.Volume, 1e-9)
}

func TestAggregatorCoversAllStandardTimeframes(t *testing.T) {
	col := &barCollector{}
	agg := NewAggregator(nil, col.sink, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 13, 0, 0, 0, time.UTC)
	// One tick per minute across 61 minutes closes 60 1m bars, 12 5m bars,
	// 4 15m bars and 1 1h bar.
	for i := 0; i <= 60; i++ {
		agg.OnQuote(ctx, tick("MNQ", 21400+float64(i), 1, base.Add(time.Duration(i)*time.Minute)))
	}

	assert.Len(t, col.of("1m"), 60)
	assert.Len(t, col.of("5m"), 12)
	assert.Len(t, col.of("15m"), 4)
	assert.Len(t, col.of("1h"), 1)

	hour := col.of("1h")[0]
	assert.InDelta(t, 21400, hour.Open, 1e-9)
	assert.InDelta(t, 21459, hour.Close, 1e-9)
	assert.InDelta(t, 60, hour.Volume, 1e-9)
}

func TestAggregatorDropsLateQuotes(t *testing.T) {
	col := &barCollector{}
	agg := NewAggregator(nil, col.sink, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	agg.OnQuote(ctx, tick("MNQ", 21400, 1, base.Add(2*time.Minute)))
	// Out-of-order tick from a bar that is already behind us.
	agg.OnQuote(ctx, tick("MNQ", 21350, 1, base))

	assert.Positive(t, agg.LateQuotes())
	// The late tick must not have touched the working bar.
	agg.OnQuote(ctx, tick("MNQ", 21405, 1, base.Add(3*time.Minute)))
	oneMin := col.of("1m")
	require.Len(t, oneMin, 1)
	assert.InDelta(t, 21400, oneMin[0].Low, 1e-9)
}

func TestAggregatorSealOrderIsMonotonic(t *testing.T) {
	col := &barCollector{}
	agg := NewAggregator(nil, col.sink, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		agg.OnQuote(ctx, tick("MES", 5900+float64(i), 1, base.Add(time.Duration(i)*time.Minute)))
	}

	bars := col.of("1m")
	require.Len(t, bars, 9)
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i].OpenTime.After(bars[i-1].OpenTime),
			"bar %d must close after bar %d", i, i-1)
	}
}

func TestFlushAllSealsPartialBars(t *testing.T) {
	col := &barCollector{}
	agg := NewAggregator(nil, col.sink, zerolog.Nop())
	ctx := context.Background()

	base := time.Date(2026, 8, 24, 13, 30, 0, 0, time.UTC)
	agg.OnQuote(ctx, tick("MNQ", 21400, 1, base.Add(10*time.Second)))
	require.Empty(t, col.of("1m"))

	agg.FlushAll(ctx)
	assert.Len(t, col.of("1m"), 1)
	assert.Len(t, col.of("1h"), 1)
}
