package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/internal/engine"
	"prop-engine/internal/events"
	"prop-engine/pkg/broker"
	"prop-engine/pkg/db"
)

// fakePlacer records intents and lets tests steer their states.
type fakePlacer struct {
	mu       sync.Mutex
	seq      int
	reqs     []engine.IntentRequest
	intents  map[string]engine.BracketIntent
	cancels  []string
	flattens []string
}

func newFakePlacer() *fakePlacer {
	return &fakePlacer{intents: make(map[string]engine.BracketIntent)}
}

func (p *fakePlacer) PlaceBracketIntent(_ context.Context, req engine.IntentRequest) (engine.BracketIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	p.reqs = append(p.reqs, req)
	intent := engine.BracketIntent{
		ID:     fmt.Sprintf("intent-%d", p.seq),
		Symbol: req.Symbol,
		Side:   req.Side,
		Tag:    fmt.Sprintf("%s-42-%s-%d", req.Strategy, req.Symbol, p.seq),
		State:  engine.StateArmed,
	}
	p.intents[intent.ID] = intent
	return intent, nil
}

func (p *fakePlacer) CancelIntent(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels = append(p.cancels, id)
	it := p.intents[id]
	it.State = engine.StateCancelled
	p.intents[id] = it
	return nil
}

func (p *fakePlacer) Intent(id string) (engine.BracketIntent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it, ok := p.intents[id]
	return it, ok
}

func (p *fakePlacer) Flatten(_ context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flattens = append(p.flattens, reason)
	return nil
}

func (p *fakePlacer) setState(id string, st engine.IntentState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	it := p.intents[id]
	it.State = st
	p.intents[id] = it
}

// fakeBars returns exactly count synthetic bars per request.
type fakeBars struct{}

func (fakeBars) GetBars(_ context.Context, symbol, timeframe string, count int) ([]db.Bar, error) {
	bars := make([]db.Bar, count)
	base := time.Date(2026, 8, 21, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		bars[i] = db.Bar{
			Symbol: symbol, Timeframe: timeframe,
			OpenTime: base.Add(time.Duration(i) * time.Minute),
			Open:     21400, High: 21410, Low: 21390, Close: 21400, Volume: 10,
		}
	}
	return bars, nil
}

func testParams() Params {
	return Params{
		Symbol:           "MNQ",
		PositionSize:     2,
		OvernightStart:   "18:00",
		OvernightEnd:     "09:30",
		EODExit:          "15:45",
		Timezone:         "America/New_York",
		ATRPeriod:        14,
		ATRTimeframe:     "5m",
		StopMultiplier:   1.25,
		TargetMultiplier: 2.0,
		RangeBreakOffset: 0.25,
	}
}

func newTestStrategy(t *testing.T, placer *fakePlacer, store *db.Database) *OvernightRange {
	t.Helper()
	s, err := NewOvernightRange("42", testParams(), placer, fakeBars{}, nil, store, events.NewBus(), zerolog.Nop())
	require.NoError(t, err)
	// Deterministic ATRs: the intraday request asks for period*3 bars, the
	// daily request for period*2.
	s.atrFn = func(bars []db.Bar, period int) (float64, error) {
		if len(bars) == period*3 {
			return 45.328, nil
		}
		return 68.50, nil
	}
	return s
}

func nyBar(t *testing.T, hour, minute int, high, low float64) events.BarClosed {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return events.BarClosed{
		Symbol:    "MNQ",
		Timeframe: "1m",
		OpenTime:  time.Date(2026, 8, 24, hour, minute, 0, 0, loc),
		Open:      (high + low) / 2,
		High:      high,
		Low:       low,
		Close:     (high + low) / 2,
		Volume:    50,
	}
}

func atTime(s *OvernightRange, hour, minute int) {
	loc := s.loc
	s.now = func() time.Time { return time.Date(2026, 8, 24, hour, minute, 0, 0, loc) }
}

func TestTrackingCollectsOvernightRange(t *testing.T) {
	s := newTestStrategy(t, newFakePlacer(), nil)
	ctx := context.Background()
	atTime(s, 5, 0)

	s.OnBarClose(ctx, nyBar(t, 4, 0, 21410.00, 21350.00))
	s.OnBarClose(ctx, nyBar(t, 4, 1, 21425.00, 21380.00))
	s.OnBarClose(ctx, nyBar(t, 4, 2, 21400.00, 21325.00))

	v := s.Verify()
	assert.Equal(t, PhaseTracking, v.Phase)
	assert.InDelta(t, 21425.00, v.OvernightHigh, 1e-9)
	assert.InDelta(t, 21325.00, v.OvernightLow, 1e-9)
}

func TestTrackingIgnoresOtherSymbolsAndTimeframes(t *testing.T) {
	s := newTestStrategy(t, newFakePlacer(), nil)
	ctx := context.Background()
	atTime(s, 5, 0)

	other := nyBar(t, 4, 0, 22000, 21000)
	other.Symbol = "MES"
	s.OnBarClose(ctx, other)

	fiveMin := nyBar(t, 4, 0, 22000, 21000)
	fiveMin.Timeframe = "5m"
	s.OnBarClose(ctx, fiveMin)

	assert.Equal(t, PhaseIdle, s.Verify().Phase)
}

func TestArmingComputesBreakoutLevels(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStrategy(t, placer, nil)
	ctx := context.Background()

	atTime(s, 5, 0)
	s.OnBarClose(ctx, nyBar(t, 4, 0, 21425.00, 21325.00))

	atTime(s, 9, 31)
	s.OnBarClose(ctx, nyBar(t, 9, 30, 21420.00, 21410.00))

	require.Len(t, placer.reqs, 2)
	long, short := placer.reqs[0], placer.reqs[1]

	assert.Equal(t, broker.SideBuy, long.Side)
	assert.Equal(t, broker.OrderTypeStop, long.Type)
	assert.Equal(t, 2, long.Qty)
	assert.InDelta(t, 21425.25, long.EntryPrice, 1e-9)
	assert.InDelta(t, 21368.59, long.StopLoss, 1e-9)   // entry - 1.25 x current ATR
	assert.InDelta(t, 21562.25, long.TakeProfit, 1e-9) // entry + 2.0 x daily ATR

	assert.Equal(t, broker.SideSell, short.Side)
	assert.InDelta(t, 21324.75, short.EntryPrice, 1e-9)
	assert.InDelta(t, 21381.41, short.StopLoss, 1e-9)
	assert.InDelta(t, 21187.75, short.TakeProfit, 1e-9)

	v := s.Verify()
	assert.Equal(t, PhaseManaging, v.Phase)
	assert.InDelta(t, 45.328, v.CurrentATR, 1e-9)
	assert.InDelta(t, 68.50, v.DailyATR, 1e-9)
	assert.True(t, v.WillTrade)
	assert.Greater(t, v.HoursUntilExec, 0.0)
	assert.NotEqual(t, time.Saturday, v.NextExecution.Weekday())
	assert.NotEqual(t, time.Sunday, v.NextExecution.Weekday())
}

func TestRangeGateSkipsTheDay(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStrategy(t, placer, nil)
	s.params.Gates.MinRangePoints = 150 // the 100-point range fails this
	ctx := context.Background()

	atTime(s, 5, 0)
	s.OnBarClose(ctx, nyBar(t, 4, 0, 21425.00, 21325.00))

	atTime(s, 9, 31)
	s.OnBarClose(ctx, nyBar(t, 9, 30, 21420.00, 21410.00))

	assert.Empty(t, placer.reqs, "no orders when a gate fails")
	v := s.Verify()
	assert.Equal(t, PhaseSkipped, v.Phase)
	assert.Contains(t, v.SkipReason, "below minimum")
	assert.False(t, v.WillTrade)
	require.NotEmpty(t, v.Reasons)
	assert.Contains(t, v.Reasons[0], "below minimum")
}

func TestManagingCancelsOppositeSideAfterFill(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStrategy(t, placer, nil)
	ctx := context.Background()

	atTime(s, 5, 0)
	s.OnBarClose(ctx, nyBar(t, 4, 0, 21425.00, 21325.00))
	atTime(s, 9, 31)
	s.OnBarClose(ctx, nyBar(t, 9, 30, 21420.00, 21410.00))
	require.Len(t, placer.reqs, 2)

	v := s.Verify()
	longID := s.st.LongIntentID
	shortID := s.st.ShortIntentID
	require.Equal(t, PhaseManaging, v.Phase)

	// Long side breaks out and fills.
	placer.setState(longID, engine.StateProtected)
	atTime(s, 10, 1)
	s.OnBarClose(ctx, nyBar(t, 10, 0, 21430.00, 21426.00))

	require.Len(t, placer.cancels, 1)
	assert.Equal(t, shortID, placer.cancels[0])

	// The cancel happens once; later bars do not repeat it.
	atTime(s, 10, 2)
	s.OnBarClose(ctx, nyBar(t, 10, 1, 21431.00, 21427.00))
	assert.Len(t, placer.cancels, 1)
}

func TestEODFlattenClosesTheDay(t *testing.T) {
	placer := newFakePlacer()
	s := newTestStrategy(t, placer, nil)
	ctx := context.Background()

	atTime(s, 5, 0)
	s.OnBarClose(ctx, nyBar(t, 4, 0, 21425.00, 21325.00))
	atTime(s, 9, 31)
	s.OnBarClose(ctx, nyBar(t, 9, 30, 21420.00, 21410.00))

	// Long filled, short still armed: EOD cancels the armed side and
	// flattens the position.
	placer.setState(s.st.LongIntentID, engine.StateProtected)
	shortID := s.st.ShortIntentID

	atTime(s, 15, 45)
	s.EODFlatten(ctx)

	assert.Contains(t, placer.cancels, shortID)
	require.Len(t, placer.flattens, 1)
	assert.Equal(t, "eod exit", placer.flattens[0])
	assert.Equal(t, PhaseIdle, s.Verify().Phase)
}

func TestStateRoundTripAcrossRestart(t *testing.T) {
	store, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "strategy_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(store))
	t.Cleanup(func() { _ = store.Close() })

	placer := newFakePlacer()
	first := newTestStrategy(t, placer, store)
	ctx := context.Background()

	atTime(first, 5, 0)
	first.OnBarClose(ctx, nyBar(t, 4, 0, 21425.00, 21325.00))
	atTime(first, 9, 31)
	first.OnBarClose(ctx, nyBar(t, 9, 30, 21420.00, 21410.00))
	want := first.Verify()
	require.Equal(t, PhaseManaging, want.Phase)

	second := newTestStrategy(t, placer, store)
	atTime(second, 10, 0)
	require.NoError(t, second.Rehydrate(ctx))

	got := second.Verify()
	assert.Equal(t, want.Phase, got.Phase)
	assert.InDelta(t, want.OvernightHigh, got.OvernightHigh, 1e-9)
	assert.InDelta(t, want.OvernightLow, got.OvernightLow, 1e-9)
	assert.InDelta(t, want.CurrentATR, got.CurrentATR, 1e-9)
	assert.InDelta(t, want.DailyATR, got.DailyATR, 1e-9)
	assert.Equal(t, want.LongTag, got.LongTag)
	assert.Equal(t, want.ShortTag, got.ShortTag)
}

func TestParseClock(t *testing.T) {
	for in, want := range map[string]int{"18:00": 1080, "09:30": 570, "15:45": 945, "00:00": 0} {
		got, err := parseClock(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := parseClock("25:00")
	assert.Error(t, err)
}

func TestCronSpec(t *testing.T) {
	assert.Equal(t, "45 15 * * 1-5", cronSpec(945))
	assert.Equal(t, "0 8 * * 1-5", cronSpec(480))
}
