// Package cache implements the two-tier historical bar cache: process
// memory in front of the persistence store, falling through to the broker.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/market"
	"prop-engine/pkg/db"
)

// HistorySource is the broker-side bar fetcher the cache falls through to.
type HistorySource interface {
	FetchBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]db.Bar, error)
}

// TTLConfig drives the volatility-aware freshness policy.
type TTLConfig struct {
	MarketHours time.Duration // applied inside MarketOpenUTC..MarketCloseUTC
	OffHours    time.Duration
	Default     time.Duration

	// Market-hours window in UTC hours; the window wraps midnight.
	MarketOpenUTC  int
	MarketCloseUTC int
}

// DefaultTTLConfig matches the engine defaults: 2m during 13:00-03:00 UTC,
// 15m outside, 5m fallback.
func DefaultTTLConfig() TTLConfig {
	return TTLConfig{
		MarketHours:    2 * time.Minute,
		OffHours:       15 * time.Minute,
		Default:        5 * time.Minute,
		MarketOpenUTC:  13,
		MarketCloseUTC: 3,
	}
}

// shortHorizonMax is the bar count at or under which sub-15-minute requests
// bypass the cache and hit the broker directly.
const shortHorizonMax = 5

type entry struct {
	bars      []db.Bar // ascending by open time
	fetchedAt time.Time
}

// Stats exposes hit/miss counters for /metrics.
type Stats struct {
	L1Hits    uint64
	L2Hits    uint64
	Misses    uint64
	Bypasses  uint64
	Prefetches uint64
}

// BarCache is the two-tier cache. The store may be nil, in which case the
// cache degrades to memory-only.
type BarCache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	store  *db.Database
	source HistorySource
	ttl    TTLConfig
	now    func() time.Time

	stats  Stats
	logger zerolog.Logger
}

// New creates the bar cache.
func New(store *db.Database, source HistorySource, ttl TTLConfig, logger zerolog.Logger) *BarCache {
	return &BarCache{
		entries: make(map[string]*entry),
		store:   store,
		source:  source,
		ttl:     ttl,
		now:     time.Now,
		logger:  logger.With().Str("component", "bar_cache").Logger(),
	}
}

func key(symbol, timeframe string) string { return symbol + "|" + timeframe }

// TTL returns the freshness window that applies right now.
func (c *BarCache) TTL() time.Duration {
	if c.ttl.MarketHours <= 0 || c.ttl.OffHours <= 0 {
		return c.ttl.Default
	}
	h := c.now().UTC().Hour()
	open, close := c.ttl.MarketOpenUTC, c.ttl.MarketCloseUTC
	inWindow := false
	if open <= close {
		inWindow = h >= open && h < close
	} else { // wraps midnight, e.g. 13:00..03:00
		inWindow = h >= open || h < close
	}
	if inWindow {
		return c.ttl.MarketHours
	}
	return c.ttl.OffHours
}

// GetBars returns the most recent count bars for (symbol, timeframe). The
// lookup order is L1, L2, broker; short-horizon requests skip both tiers.
func (c *BarCache) GetBars(ctx context.Context, symbol, timeframe string, count int) ([]db.Bar, error) {
	if count <= 0 {
		return nil, fmt.Errorf("cache: bar count must be positive")
	}
	interval, err := market.TimeframeDuration(timeframe)
	if err != nil {
		return nil, err
	}

	// Real-time decision paths read a handful of fresh bars; serving them
	// stale would defeat the point.
	if count <= shortHorizonMax && interval < 15*time.Minute {
		c.bump(func(s *Stats) { s.Bypasses++ })
		return c.fetch(ctx, symbol, timeframe, interval, count)
	}

	if bars, ok := c.fromL1(symbol, timeframe, interval, count); ok {
		c.bump(func(s *Stats) { s.L1Hits++ })
		return bars, nil
	}
	if bars, ok := c.fromL2(ctx, symbol, timeframe, interval, count); ok {
		c.bump(func(s *Stats) { s.L2Hits++ })
		return bars, nil
	}

	c.bump(func(s *Stats) { s.Misses++ })
	return c.fetch(ctx, symbol, timeframe, interval, count)
}

// Covered answers the coverage query: can count bars ending now be served
// without a broker call?
func (c *BarCache) Covered(ctx context.Context, symbol, timeframe string, count int) bool {
	interval, err := market.TimeframeDuration(timeframe)
	if err != nil {
		return false
	}
	if _, ok := c.fromL1(symbol, timeframe, interval, count); ok {
		return true
	}
	_, ok := c.fromL2(ctx, symbol, timeframe, interval, count)
	return ok
}

func (c *BarCache) fromL1(symbol, timeframe string, interval time.Duration, count int) ([]db.Bar, bool) {
	c.mu.RLock()
	e, ok := c.entries[key(symbol, timeframe)]
	c.mu.RUnlock()
	if !ok || len(e.bars) < count {
		return nil, false
	}
	if c.now().Sub(e.fetchedAt) > c.TTL() {
		return nil, false
	}
	tail := e.bars[len(e.bars)-count:]
	if !contiguous(tail, interval) {
		return nil, false
	}
	out := make([]db.Bar, count)
	copy(out, tail)
	return out, true
}

func (c *BarCache) fromL2(ctx context.Context, symbol, timeframe string, interval time.Duration, count int) ([]db.Bar, bool) {
	if c.store == nil {
		return nil, false
	}
	meta, err := c.store.GetCacheMeta(ctx, symbol, timeframe)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			c.logger.Warn().Err(err).Msg("cache metadata read failed, degrading to broker")
		}
		return nil, false
	}
	if c.now().Sub(meta.FetchedAt) > c.TTL() || meta.BarCount < count {
		return nil, false
	}

	end := c.now().UTC()
	start := end.Add(-time.Duration(count+2) * interval)
	bars, err := c.store.QueryBars(ctx, symbol, timeframe, start, end)
	if err != nil || len(bars) < count {
		return nil, false
	}
	tail := bars[len(bars)-count:]
	if !contiguous(tail, interval) {
		return nil, false
	}

	c.storeL1(symbol, timeframe, tail, meta.FetchedAt)
	return tail, true
}

// fetch pulls bars from the broker, then writes through both tiers.
func (c *BarCache) fetch(ctx context.Context, symbol, timeframe string, interval time.Duration, count int) ([]db.Bar, error) {
	end := c.now().UTC()
	// Over-fetch to absorb session gaps in the run of bars.
	start := end.Add(-time.Duration(count*3) * interval)

	bars, err := c.source.FetchBars(ctx, symbol, timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("cache fall-through: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("cache: no bars for %s/%s", symbol, timeframe)
	}
	if len(bars) > count {
		bars = bars[len(bars)-count:]
	}

	fetchedAt := c.now()
	c.storeL1(symbol, timeframe, bars, fetchedAt)
	if c.store != nil {
		if err := c.store.UpsertBars(ctx, bars); err != nil {
			c.logger.Warn().Err(err).Msg("bar write-through failed")
		} else if err := c.store.UpsertCacheMeta(ctx, db.CacheMeta{
			Symbol: symbol, Timeframe: timeframe, FetchedAt: fetchedAt, BarCount: len(bars),
		}); err != nil {
			c.logger.Warn().Err(err).Msg("cache metadata write failed")
		}
	}
	return bars, nil
}

func (c *BarCache) storeL1(symbol, timeframe string, bars []db.Bar, fetchedAt time.Time) {
	cp := make([]db.Bar, len(bars))
	copy(cp, bars)
	c.mu.Lock()
	c.entries[key(symbol, timeframe)] = &entry{bars: cp, fetchedAt: fetchedAt}
	c.mu.Unlock()
}

// PutClosedBar appends a freshly closed bar from the aggregator into both
// tiers. The bar is final, so it also refreshes the entry timestamp.
func (c *BarCache) PutClosedBar(ctx context.Context, bar db.Bar) {
	c.mu.Lock()
	k := key(bar.Symbol, bar.Timeframe)
	e, ok := c.entries[k]
	if !ok {
		e = &entry{}
		c.entries[k] = e
	}
	if n := len(e.bars); n > 0 && e.bars[n-1].OpenTime.Equal(bar.OpenTime) {
		e.bars[n-1] = bar
	} else {
		e.bars = append(e.bars, bar)
	}
	if len(e.bars) > 500 {
		e.bars = e.bars[len(e.bars)-500:]
	}
	e.fetchedAt = c.now()
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.UpsertBars(ctx, []db.Bar{bar}); err != nil {
			c.logger.Warn().Err(err).Str("symbol", bar.Symbol).Msg("closed-bar flush failed")
		}
	}
}

// Stats returns a snapshot of the cache counters.
func (c *BarCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *BarCache) bump(fn func(*Stats)) {
	c.mu.Lock()
	fn(&c.stats)
	c.mu.Unlock()
}

// contiguous reports whether bars form an unbroken run at the interval.
func contiguous(bars []db.Bar, interval time.Duration) bool {
	for i := 1; i < len(bars); i++ {
		if bars[i].OpenTime.Sub(bars[i-1].OpenTime) != interval {
			return false
		}
	}
	return true
}
