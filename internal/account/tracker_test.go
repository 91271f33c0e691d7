package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/internal/events"
	"prop-engine/pkg/db"
)

func testTracker(t *testing.T, store *db.Database, bus *events.Bus) *Tracker {
	t.Helper()
	return NewTracker(TrackerConfig{
		AccountID:       "acct-1",
		AccountName:     "EXPRESS-1",
		AccountType:     "express-funded",
		StartingBalance: 50000,
		DailyLossLimit:  1000,
		MaxLossLimit:    2000,
		MaxPositionSize: 5,
	}, store, bus, zerolog.Nop())
}

func openStore(t *testing.T) *db.Database {
	t.Helper()
	store, err := db.Open("sqlite://" + filepath.Join(t.TempDir(), "tracker_test.db"))
	require.NoError(t, err)
	require.NoError(t, db.ApplyMigrations(store))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func buy(symbol string, qty int, price float64) Fill {
	return Fill{Symbol: symbol, Side: "BUY", Qty: qty, Price: price, PointValue: 2, Time: time.Now()}
}

func sell(symbol string, qty int, price float64) Fill {
	return Fill{Symbol: symbol, Side: "SELL", Qty: qty, Price: price, PointValue: 2, Time: time.Now()}
}

func TestRealizedPnLRoundTrip(t *testing.T) {
	tr := testTracker(t, nil, nil)
	ctx := context.Background()

	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.OnFill(ctx, sell("MNQ", 2, 21450)) // +50 pts x 2 contracts x $2

	st := tr.Status()
	assert.InDelta(t, 200, st.DayRealizedPnL, 1e-9)
	assert.InDelta(t, 50200, st.Balance, 1e-9)
	assert.Zero(t, st.OpenContracts)
}

func TestPartialCloseAveragesCorrectly(t *testing.T) {
	tr := testTracker(t, nil, nil)
	ctx := context.Background()

	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.OnFill(ctx, buy("MNQ", 2, 21410)) // avg 21405
	tr.OnFill(ctx, sell("MNQ", 3, 21425)) // +20 pts x 3 x $2 = 120

	st := tr.Status()
	assert.InDelta(t, 120, st.DayRealizedPnL, 1e-9)
	assert.Equal(t, 1, st.OpenContracts)
}

func TestShortPositionPnL(t *testing.T) {
	tr := testTracker(t, nil, nil)
	ctx := context.Background()

	tr.OnFill(ctx, sell("MNQ", 2, 21400))
	tr.MarkPrice(ctx, "MNQ", 21350)
	st := tr.Status()
	assert.InDelta(t, 200, st.UnrealizedPnL, 1e-9) // 50 pts x 2 x $2 in our favor

	tr.OnFill(ctx, buy("MNQ", 2, 21450)) // -50 pts x 2 x $2
	st = tr.Status()
	assert.InDelta(t, -200, st.DayRealizedPnL, 1e-9)
}

func TestDailyLossWarningAt75Percent(t *testing.T) {
	bus := events.NewBus()
	warnings, unsub := bus.Subscribe(events.EventRiskWarning, 4)
	defer unsub()

	tr := testTracker(t, nil, bus)
	ctx := context.Background()

	// Lose $800 of the $1000 DLL: past the 75% line.
	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.OnFill(ctx, sell("MNQ", 2, 21200)) // -200 pts x 2 x $2 = -800

	select {
	case msg := <-warnings:
		ev, ok := msg.(events.RiskEvent)
		require.True(t, ok)
		assert.Equal(t, "dll-warning", ev.Kind)
		assert.InDelta(t, 200, ev.Remaining, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("expected a dll warning event")
	}
}

func TestProjectedWorstCaseBlocksEntry(t *testing.T) {
	tr := testTracker(t, nil, nil)
	ctx := context.Background()

	// Already down $600 on the day.
	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.OnFill(ctx, sell("MNQ", 2, 21250)) // -150 pts x 2 x $2 = -600

	// New entry risking 110 points x 2 x $2 = $440 projects to $1040 > $1000.
	err := tr.CheckIntent("MNQ", "BUY", 2, 21425.25, 21315.25, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDailyLossLimit)

	// A tighter stop that stays under the limit passes.
	err = tr.CheckIntent("MNQ", "BUY", 2, 21425.25, 21330.25, 2)
	assert.NoError(t, err)
}

func TestPositionCapRejectsOversize(t *testing.T) {
	tr := testTracker(t, nil, nil)
	ctx := context.Background()

	tr.OnFill(ctx, buy("MNQ", 4, 21400))
	err := tr.CheckIntent("MNQ", "BUY", 2, 21410, 21390, 2)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPositionCap)

	assert.NoError(t, tr.CheckIntent("MNQ", "BUY", 1, 21410, 21390, 2))
}

func TestMLLBreachLatchesAndFlattens(t *testing.T) {
	bus := events.NewBus()
	breaches, unsub := bus.Subscribe(events.EventRiskBreach, 4)
	defer unsub()

	tr := testTracker(t, nil, bus)
	ctx := context.Background()

	flattened := make(chan string, 1)
	tr.OnBreach(func(ctx context.Context, reason string) { flattened <- reason })

	// Floor is 50000 - 2000 = 48000. Drop equity through it on a mark.
	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.MarkPrice(ctx, "MNQ", 20890) // -510 pts x 2 x $2 = -2040 unrealized

	select {
	case reason := <-flattened:
		assert.Contains(t, reason, "MLL breach")
	case <-time.After(time.Second):
		t.Fatal("expected the flatten hook to fire")
	}

	select {
	case msg := <-breaches:
		ev, ok := msg.(events.RiskEvent)
		require.True(t, ok)
		assert.Equal(t, "mll-breach", ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected a breach event")
	}

	assert.False(t, tr.TradingAllowed())
	err := tr.CheckIntent("MNQ", "BUY", 1, 21400, 21390, 2)
	assert.ErrorIs(t, err, ErrTradingDisabled)

	// An MLL latch survives the daily rollover.
	require.NoError(t, tr.Rollover(ctx))
	assert.False(t, tr.TradingAllowed())
}

func TestRolloverRatchetsFloorAndResetsDay(t *testing.T) {
	store := openStore(t)
	tr := testTracker(t, store, nil)
	ctx := context.Background()
	require.NoError(t, tr.Rehydrate(ctx))

	tr.OnFill(ctx, buy("MNQ", 2, 21400))
	tr.OnFill(ctx, sell("MNQ", 2, 21500)) // +400

	require.NoError(t, tr.Rollover(ctx))
	st := tr.Status()
	assert.InDelta(t, 50400, st.HighestEODBalance, 1e-9)
	assert.InDelta(t, 48400, st.MLLFloor, 1e-9)
	assert.Zero(t, st.DayRealizedPnL)

	// A losing day must not lower the floor.
	tr.OnFill(ctx, buy("MNQ", 2, 21500))
	tr.OnFill(ctx, sell("MNQ", 2, 21450)) // -200
	require.NoError(t, tr.Rollover(ctx))
	st = tr.Status()
	assert.InDelta(t, 50400, st.HighestEODBalance, 1e-9, "highest EOD only ratchets up")
	assert.InDelta(t, 48400, st.MLLFloor, 1e-9)
}

func TestRehydrateRestoresFloorAcrossRestart(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	first := testTracker(t, store, nil)
	require.NoError(t, first.Rehydrate(ctx))
	first.OnFill(ctx, buy("MNQ", 2, 21400))
	first.OnFill(ctx, sell("MNQ", 2, 21550)) // +600
	require.NoError(t, first.Rollover(ctx))

	second := testTracker(t, store, nil)
	require.NoError(t, second.Rehydrate(ctx))
	st := second.Status()
	assert.InDelta(t, 50600, st.Balance, 1e-9)
	assert.InDelta(t, 48600, st.MLLFloor, 1e-9)
}

func TestHasRolledOverTodayGuardsDoubleFire(t *testing.T) {
	store := openStore(t)
	tr := testTracker(t, store, nil)
	ctx := context.Background()
	require.NoError(t, tr.Rehydrate(ctx))

	day := time.Now().UTC()
	assert.False(t, tr.HasRolledOverToday(ctx, day))
	require.NoError(t, tr.Rollover(ctx))
	assert.True(t, tr.HasRolledOverToday(ctx, day))
}
