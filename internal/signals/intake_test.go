package signals

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"prop-engine/internal/engine"
	"prop-engine/pkg/broker"
)

type capturePlacer struct {
	mu       sync.Mutex
	reqs     []engine.IntentRequest
	flattens []string
}

func (p *capturePlacer) PlaceBracketIntent(_ context.Context, req engine.IntentRequest) (engine.BracketIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reqs = append(p.reqs, req)
	return engine.BracketIntent{ID: "i-1", State: engine.StateArmed}, nil
}

func (p *capturePlacer) Flatten(_ context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flattens = append(p.flattens, reason)
	return nil
}

func testIntake(placer *capturePlacer, policy Policy) *Intake {
	if policy.PositionSize == 0 {
		policy.PositionSize = 2
	}
	return NewIntake(policy, placer, zerolog.Nop())
}

func longSignal() RawSignal {
	return RawSignal{
		Symbol: "mnq", Action: "open-long",
		Entry: 21425.25, StopLoss: 21368.59, TP1: 21562.25, TP2: 21600.00,
	}
}

func TestEntrySignalBecomesIntent(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{})

	sig, err := in.Handle(context.Background(), longSignal())
	require.NoError(t, err)
	assert.Equal(t, "MNQ", sig.Symbol, "symbol is upper-cased")

	require.Len(t, placer.reqs, 1)
	req := placer.reqs[0]
	assert.Equal(t, broker.SideBuy, req.Side)
	assert.Equal(t, broker.OrderTypeStop, req.Type)
	assert.Equal(t, 2, req.Qty)
	assert.InDelta(t, 21425.25, req.EntryPrice, 1e-9)
	assert.InDelta(t, 21368.59, req.StopLoss, 1e-9)
	assert.InDelta(t, 21562.25, req.TakeProfit, 1e-9)
	assert.InDelta(t, 21600.00, req.TakeProfit2, 1e-9, "runner target carried through")
}

func TestShortEntryMapsToSell(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{})

	_, err := in.Handle(context.Background(), RawSignal{
		Symbol: "MNQ", Action: "open-short",
		Entry: 21324.75, StopLoss: 21381.41, TP1: 21187.75,
	})
	require.NoError(t, err)
	require.Len(t, placer.reqs, 1)
	assert.Equal(t, broker.SideSell, placer.reqs[0].Side)
}

func TestDebounceDropsDuplicates(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{DebounceWindow: 300 * time.Second})

	now := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }

	_, err := in.Handle(context.Background(), longSignal())
	require.NoError(t, err)

	now = now.Add(90 * time.Second)
	_, err = in.Handle(context.Background(), longSignal())
	assert.ErrorIs(t, err, ErrDebounced)

	// A different action on the same symbol is not a duplicate.
	_, err = in.Handle(context.Background(), RawSignal{
		Symbol: "MNQ", Action: "open-short",
		Entry: 21324.75, StopLoss: 21381.41, TP1: 21187.75,
	})
	require.NoError(t, err)

	// Past the window, the original action passes again.
	now = now.Add(301 * time.Second)
	_, err = in.Handle(context.Background(), longSignal())
	require.NoError(t, err)
	assert.Len(t, placer.reqs, 3)
}

func TestIgnoreNonEntryPolicy(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{IgnoreNonEntry: true})

	_, err := in.Handle(context.Background(), RawSignal{Symbol: "MNQ", Action: "session-close-long"})
	assert.ErrorIs(t, err, ErrIgnored)
	assert.Empty(t, placer.flattens)

	_, err = in.Handle(context.Background(), RawSignal{Symbol: "MNQ", Action: "stop-out-long"})
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestSessionCloseFlattensWhenAllowed(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{})

	_, err := in.Handle(context.Background(), RawSignal{Symbol: "MNQ", Action: "session-close-long"})
	require.NoError(t, err)
	require.Len(t, placer.flattens, 1)
	assert.Contains(t, placer.flattens[0], "MNQ")
}

func TestTP1IgnoredByDefaultPolicy(t *testing.T) {
	placer := &capturePlacer{}
	in := testIntake(placer, Policy{IgnoreTP1: true})

	_, err := in.Handle(context.Background(), RawSignal{Symbol: "MNQ", Action: "tp1-hit-long"})
	assert.ErrorIs(t, err, ErrIgnored)
}

func TestNormalizeRejectsBadPayloads(t *testing.T) {
	now := time.Now()
	cases := []RawSignal{
		{Action: "open-long", Entry: 1, StopLoss: 0.5, TP1: 2},       // no symbol
		{Symbol: "MNQ", Action: "yolo"},                              // unknown action
		{Symbol: "MNQ", Action: "open-long", StopLoss: 1, TP1: 2},    // no entry
		{Symbol: "MNQ", Action: "open-long", Entry: 10, StopLoss: 11, TP1: 12}, // stop above entry on a long
		{Symbol: "MNQ", Action: "open-short", Entry: 10, StopLoss: 9, TP1: 8},  // stop below entry on a short
	}
	for i, raw := range cases {
		_, err := Normalize(raw, now)
		assert.ErrorIs(t, err, ErrBadSignal, "case %d", i)
	}
}
