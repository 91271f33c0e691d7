package events

import "time"

// Event enumerates high-level topics inside the engine.
type Event string

const (
	EventQuote           Event = "quote"
	EventBarClose        Event = "bar.close"
	EventOrderSubmitted  Event = "order.submitted"
	EventOrderFilled     Event = "order.filled"
	EventOrderCancelled  Event = "order.cancelled"
	EventOrderRejected   Event = "order.rejected"
	EventBracketPlaced   Event = "bracket.placed"
	EventBreakevenMoved  Event = "bracket.breakeven"
	EventPositionChange  Event = "position.change"
	EventRiskWarning     Event = "risk.warning"
	EventRiskBreach      Event = "risk.breach"
	EventEODSummary      Event = "eod.summary"
	EventStrategyPhase   Event = "strategy.phase"
	EventIntentRejected  Event = "intent.rejected"
	EventQuoteStreamDown Event = "quote.stream_down"
)

// Quote is one tick from the broker stream.
type Quote struct {
	Symbol    string
	Price     float64
	Size      float64
	Timestamp time.Time
}

// BarClosed announces that the aggregator sealed a bar.
type BarClosed struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// OrderEvent carries the order leg an engine event refers to.
type OrderEvent struct {
	OrderID   string
	AccountID string
	Symbol    string
	Side      string
	Qty       int
	Price     float64
	Tag       string
}

// RiskEvent is published for DLL warnings and MLL breaches.
type RiskEvent struct {
	AccountID string
	Kind      string // "dll-warning", "dll-block", "mll-breach", "position-cap"
	Detail    string
	Remaining float64
}

// PhaseChange announces a strategy state-machine transition.
type PhaseChange struct {
	AccountID string
	Strategy  string
	Symbol    string
	From      string
	To        string
	Reason    string
}
