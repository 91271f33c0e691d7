// Package signals normalizes external strategy webhooks into the engine's
// intent vocabulary, with per-(symbol, action) debouncing and the operator's
// ignore policies.
package signals

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action is the closed set of signal verbs the intake accepts.
type Action string

const (
	ActionOpenLong          Action = "open-long"
	ActionOpenShort         Action = "open-short"
	ActionTP1HitLong        Action = "tp1-hit-long"
	ActionTP1HitShort       Action = "tp1-hit-short"
	ActionStopOutLong       Action = "stop-out-long"
	ActionStopOutShort      Action = "stop-out-short"
	ActionSessionCloseLong  Action = "session-close-long"
	ActionSessionCloseShort Action = "session-close-short"
)

var knownActions = map[Action]bool{
	ActionOpenLong: true, ActionOpenShort: true,
	ActionTP1HitLong: true, ActionTP1HitShort: true,
	ActionStopOutLong: true, ActionStopOutShort: true,
	ActionSessionCloseLong: true, ActionSessionCloseShort: true,
}

// Entry reports whether the action opens a position.
func (a Action) Entry() bool {
	return a == ActionOpenLong || a == ActionOpenShort
}

// TP1 reports whether the action is a first-target notification.
func (a Action) TP1() bool {
	return a == ActionTP1HitLong || a == ActionTP1HitShort
}

// SessionClose reports whether the action asks for a session flatten.
func (a Action) SessionClose() bool {
	return a == ActionSessionCloseLong || a == ActionSessionCloseShort
}

// Long reports the direction the action refers to.
func (a Action) Long() bool {
	return strings.HasSuffix(string(a), "-long")
}

var (
	// ErrBadSignal means the payload fails validation.
	ErrBadSignal = errors.New("bad signal")
	// ErrDebounced means the same (symbol, action) arrived inside the window.
	ErrDebounced = errors.New("signal debounced")
	// ErrIgnored means a policy flag drops this signal class.
	ErrIgnored = errors.New("signal ignored by policy")
)

// RawSignal is the webhook payload shape.
type RawSignal struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Entry    float64 `json:"entry,omitempty"`
	StopLoss float64 `json:"stop_loss,omitempty"`
	TP1      float64 `json:"tp1,omitempty"`
	TP2      float64 `json:"tp2,omitempty"`
}

// Signal is the validated event.
type Signal struct {
	Symbol     string
	Action     Action
	Entry      float64
	StopLoss   float64
	TP1        float64
	TP2        float64
	ReceivedAt time.Time
}

// Normalize validates the payload against the per-action field rules.
// Entry actions need entry, stop, and first target; the rest need only a
// symbol.
func Normalize(raw RawSignal, now time.Time) (Signal, error) {
	symbol := strings.ToUpper(strings.TrimSpace(raw.Symbol))
	if symbol == "" {
		return Signal{}, fmt.Errorf("%w: missing symbol", ErrBadSignal)
	}
	action := Action(strings.ToLower(strings.TrimSpace(raw.Action)))
	if !knownActions[action] {
		return Signal{}, fmt.Errorf("%w: unknown action %q", ErrBadSignal, raw.Action)
	}

	if action.Entry() {
		switch {
		case raw.Entry <= 0:
			return Signal{}, fmt.Errorf("%w: %s needs an entry price", ErrBadSignal, action)
		case raw.StopLoss <= 0:
			return Signal{}, fmt.Errorf("%w: %s needs a stop loss", ErrBadSignal, action)
		case raw.TP1 <= 0:
			return Signal{}, fmt.Errorf("%w: %s needs a first target", ErrBadSignal, action)
		}
		long := action == ActionOpenLong
		if long && (raw.StopLoss >= raw.Entry || raw.TP1 <= raw.Entry) {
			return Signal{}, fmt.Errorf("%w: long levels out of order", ErrBadSignal)
		}
		if !long && (raw.StopLoss <= raw.Entry || raw.TP1 >= raw.Entry) {
			return Signal{}, fmt.Errorf("%w: short levels out of order", ErrBadSignal)
		}
	}

	return Signal{
		Symbol:     symbol,
		Action:     action,
		Entry:      raw.Entry,
		StopLoss:   raw.StopLoss,
		TP1:        raw.TP1,
		TP2:        raw.TP2,
		ReceivedAt: now,
	}, nil
}
