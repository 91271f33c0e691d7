package engine

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"prop-engine/pkg/broker"
)

// IntentState is the lifecycle position of one bracket intent.
type IntentState string

const (
	// StateNew is the freshly accepted intent before any gateway call.
	StateNew IntentState = "NEW"
	// StateSubmitting covers the window between accept and gateway ack.
	StateSubmitting IntentState = "SUBMITTING"
	// StateArmed means a native bracket is resting at the gateway.
	StateArmed IntentState = "ARMED"
	// StateEntryWorking means the fallback entry is resting and a fill
	// watch is polling it.
	StateEntryWorking IntentState = "ENTRY_WORKING"
	// StateProtected means the position is open with stop and target legs
	// working.
	StateProtected IntentState = "PROTECTED"
	// StateClosed means the position exited through a leg.
	StateClosed IntentState = "CLOSED"
	// StateCancelled means the intent was withdrawn before it opened.
	StateCancelled IntentState = "CANCELLED"
	// StateFailed means the gateway rejected the intent.
	StateFailed IntentState = "FAILED"
)

// Terminal reports whether the intent can no longer change.
func (s IntentState) Terminal() bool {
	switch s {
	case StateClosed, StateCancelled, StateFailed:
		return true
	}
	return false
}

// validTransitions encodes the allowed state machine edges.
var validTransitions = map[IntentState][]IntentState{
	StateNew:          {StateSubmitting, StateCancelled},
	StateSubmitting:   {StateArmed, StateEntryWorking, StateFailed, StateCancelled},
	StateArmed:        {StateProtected, StateClosed, StateCancelled, StateFailed},
	StateEntryWorking: {StateProtected, StateCancelled, StateFailed},
	StateProtected:    {StateClosed, StateCancelled},
}

func canTransition(from, to IntentState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// BracketIntent is one desired bracket: an entry protected by a stop loss
// and one or two take-profit legs. The engine owns all mutation; callers see
// copies.
type BracketIntent struct {
	ID       string
	Strategy string
	Account  string
	Symbol   string
	Side     broker.Side
	Type     broker.OrderType // entry order type
	Qty      int

	EntryPrice  float64 // stop trigger or limit price; 0 for market entries
	StopLoss    float64
	TakeProfit  float64
	TakeProfit2 float64 // runner target; 0 means the runner rides the stop

	Tag   string
	State IntentState

	// Gateway order ids as the intent progresses.
	EntryOrderID  string
	StopOrderID   string
	Target1ID     string // scaled first target, Target1Qty contracts
	Target2ID     string // runner target
	Target1Qty    int
	RunnerQty     int
	Target1Filled bool
	Target2Filled bool

	FilledQty     int
	FillPrice     float64
	BreakevenDone bool

	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// tagSeq makes correlation tags strictly increasing within and across
// process restarts (seeded from the clock).
var tagSeq atomic.Int64

func init() {
	tagSeq.Store(time.Now().Unix())
}

// nextTag builds the correlation tag every leg of an intent carries:
// {strategy}-{account}-{symbol}-{seq}.
func nextTag(strategy, account, symbol string) string {
	return fmt.Sprintf("%s-%s-%s-%d", strategy, account, symbol, tagSeq.Add(1))
}

// splitQty computes the scaled-exit split. tp1Fraction of the size exits at
// the first target, the remainder runs. A one-lot never splits.
func splitQty(qty int, tp1Fraction float64, closeEntire bool) (tp1, runner int) {
	if closeEntire || qty <= 1 {
		return qty, 0
	}
	tp1 = int(math.Round(float64(qty) * tp1Fraction))
	if tp1 <= 0 {
		tp1 = 1
	}
	if tp1 >= qty {
		tp1 = qty - 1
	}
	return tp1, qty - tp1
}

// clone returns a caller-safe copy.
func (bi *BracketIntent) clone() BracketIntent {
	cp := *bi
	return cp
}
