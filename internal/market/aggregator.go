package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/events"
	"prop-engine/pkg/broker"
	"prop-engine/pkg/db"
)

// BarSink receives every sealed bar; the cache write-through hangs off it.
type BarSink func(ctx context.Context, bar db.Bar)

type workingBar struct {
	openTime time.Time
	open     float64
	high     float64
	low      float64
	close    float64
	volume   float64
	ticks    int
}

type series struct {
	interval time.Duration
	current  *workingBar
	// lastSealed guards the monotonic close-order guarantee per series.
	lastSealed time.Time
}

// Aggregator folds the quote stream into OHLCV bars for every standard
// timeframe. A symbol is adopted on its first quote; no registration call is
// needed. Bars for one (symbol, timeframe) always close in ascending open
// time, and quotes older than the bar under construction are dropped.
type Aggregator struct {
	mu     sync.Mutex
	series map[string]*series // keyed symbol|timeframe

	bus    *events.Bus
	sink   BarSink
	logger zerolog.Logger

	late uint64
}

// NewAggregator builds the aggregator. sink may be nil.
func NewAggregator(bus *events.Bus, sink BarSink, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		series: make(map[string]*series),
		bus:    bus,
		sink:   sink,
		logger: logger.With().Str("component", "bar_aggregator").Logger(),
	}
}

// OnQuote folds one tick into every timeframe series for its symbol.
func (a *Aggregator) OnQuote(ctx context.Context, q broker.Quote) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, tf := range StandardTimeframes {
		k := q.Symbol + "|" + tf
		s, ok := a.series[k]
		if !ok {
			interval, err := TimeframeDuration(tf)
			if err != nil {
				continue
			}
			s = &series{interval: interval}
			a.series[k] = s
		}
		a.fold(ctx, q, tf, s)
	}
}

func (a *Aggregator) fold(ctx context.Context, q broker.Quote, tf string, s *series) {
	open := BarOpenTime(q.Timestamp, s.interval)

	if s.current == nil {
		s.current = newWorkingBar(open, q)
		return
	}

	switch {
	case open.Equal(s.current.openTime):
		s.current.high = max(s.current.high, q.Price)
		s.current.low = min(s.current.low, q.Price)
		s.current.close = q.Price
		s.current.volume += q.Size
		s.current.ticks++

	case open.After(s.current.openTime):
		// Boundary tick starts the new bar; the old one is final.
		a.seal(ctx, q.Symbol, tf, s)
		s.current = newWorkingBar(open, q)

	default:
		// Late tick from before the bar under construction. Folding it in
		// would rewrite a sealed bar, so it is dropped and counted.
		a.late++
		a.logger.Warn().
			Str("symbol", q.Symbol).
			Str("timeframe", tf).
			Time("tick", q.Timestamp).
			Time("bar_open", s.current.openTime).
			Msg("late quote dropped")
	}
}

func (a *Aggregator) seal(ctx context.Context, symbol, tf string, s *series) {
	wb := s.current
	if !s.lastSealed.IsZero() && !wb.openTime.After(s.lastSealed) {
		return
	}
	s.lastSealed = wb.openTime

	bar := db.Bar{
		Symbol:    symbol,
		Timeframe: tf,
		OpenTime:  wb.openTime,
		Open:      wb.open,
		High:      wb.high,
		Low:       wb.low,
		Close:     wb.close,
		Volume:    wb.volume,
	}
	if a.sink != nil {
		a.sink(ctx, bar)
	}
	if a.bus != nil {
		a.bus.Publish(events.EventBarClose, events.BarClosed{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  bar.OpenTime,
			Open:      bar.Open,
			High:      bar.High,
			Low:       bar.Low,
			Close:     bar.Close,
			Volume:    bar.Volume,
		})
	}
}

// FlushAll seals every in-progress bar, used at shutdown so partial bars are
// not lost.
func (a *Aggregator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, s := range a.series {
		if s.current == nil {
			continue
		}
		symbol, tf, ok := splitKey(k)
		if !ok {
			continue
		}
		a.seal(ctx, symbol, tf, s)
		s.current = nil
	}
}

// LateQuotes returns the dropped-tick counter for /metrics.
func (a *Aggregator) LateQuotes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.late
}

func newWorkingBar(open time.Time, q broker.Quote) *workingBar {
	return &workingBar{
		openTime: open,
		open:     q.Price,
		high:     q.Price,
		low:      q.Price,
		close:    q.Price,
		volume:   q.Size,
		ticks:    1,
	}
}

func splitKey(k string) (symbol, tf string, ok bool) {
	for i := len(k) - 1; i >= 0; i-- {
		if k[i] == '|' {
			return k[:i], k[i+1:], true
		}
	}
	return "", "", false
}
