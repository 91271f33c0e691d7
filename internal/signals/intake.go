package signals

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/engine"
	"prop-engine/pkg/broker"
)

// Placer is the engine surface the intake drives.
type Placer interface {
	PlaceBracketIntent(ctx context.Context, req engine.IntentRequest) (engine.BracketIntent, error)
	Flatten(ctx context.Context, reason string) error
}

// Policy holds the operator's signal-handling switches.
type Policy struct {
	IgnoreNonEntry bool
	IgnoreTP1      bool
	DebounceWindow time.Duration
	PositionSize   int
}

// Intake is the webhook-to-intent pipeline.
type Intake struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time // symbol|action

	policy Policy
	placer Placer
	logger zerolog.Logger
	now    func() time.Time
}

// NewIntake builds the pipeline.
func NewIntake(policy Policy, placer Placer, logger zerolog.Logger) *Intake {
	if policy.DebounceWindow <= 0 {
		policy.DebounceWindow = 300 * time.Second
	}
	return &Intake{
		lastSeen: make(map[string]time.Time),
		policy:   policy,
		placer:   placer,
		logger:   logger.With().Str("component", "signal_intake").Logger(),
		now:      time.Now,
	}
}

// Handle normalizes, debounces, applies policy, and dispatches one signal.
func (in *Intake) Handle(ctx context.Context, raw RawSignal) (Signal, error) {
	sig, err := Normalize(raw, in.now())
	if err != nil {
		return Signal{}, err
	}

	if err := in.debounce(sig); err != nil {
		in.logger.Debug().Str("symbol", sig.Symbol).Str("action", string(sig.Action)).Msg("duplicate signal dropped")
		return Signal{}, err
	}

	switch {
	case sig.Action.Entry():
		return sig, in.dispatchEntry(ctx, sig)
	case sig.Action.SessionClose():
		if in.policy.IgnoreNonEntry {
			return Signal{}, fmt.Errorf("%w: non-entry signals are off", ErrIgnored)
		}
		return sig, in.placer.Flatten(ctx, "session close signal for "+sig.Symbol)
	case sig.Action.TP1():
		// TP1 notifications duplicate what the reconciler already sees
		// from order status, so they default to informational.
		if in.policy.IgnoreTP1 || in.policy.IgnoreNonEntry {
			return Signal{}, fmt.Errorf("%w: tp1 notifications are off", ErrIgnored)
		}
		in.logger.Info().Str("symbol", sig.Symbol).Str("action", string(sig.Action)).Msg("tp1 signal noted")
		return sig, nil
	default: // stop-out notifications
		if in.policy.IgnoreNonEntry {
			return Signal{}, fmt.Errorf("%w: non-entry signals are off", ErrIgnored)
		}
		in.logger.Info().Str("symbol", sig.Symbol).Str("action", string(sig.Action)).Msg("stop-out signal noted")
		return sig, nil
	}
}

func (in *Intake) debounce(sig Signal) error {
	key := sig.Symbol + "|" + string(sig.Action)
	in.mu.Lock()
	defer in.mu.Unlock()
	if last, ok := in.lastSeen[key]; ok && in.now().Sub(last) < in.policy.DebounceWindow {
		return fmt.Errorf("%w: %s %s within %s", ErrDebounced, sig.Action, sig.Symbol, in.policy.DebounceWindow)
	}
	in.lastSeen[key] = in.now()
	return nil
}

func (in *Intake) dispatchEntry(ctx context.Context, sig Signal) error {
	side := broker.SideBuy
	if !sig.Action.Long() {
		side = broker.SideSell
	}
	_, err := in.placer.PlaceBracketIntent(ctx, engine.IntentRequest{
		Strategy:    "signal",
		Symbol:      sig.Symbol,
		Side:        side,
		Type:        broker.OrderTypeStop,
		Qty:         in.policy.PositionSize,
		EntryPrice:  sig.Entry,
		StopLoss:    sig.StopLoss,
		TakeProfit:  sig.TP1,
		TakeProfit2: sig.TP2,
	})
	if err != nil {
		return fmt.Errorf("signal entry: %w", err)
	}
	return nil
}
