// Package broker is the only subsystem that speaks the prop-firm gateway's
// wire protocol. The rest of the engine sees typed operations and the error
// taxonomy in errors.go.
package broker

import "time"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the flattening side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes the supported order types.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderStatus normalizes gateway statuses into a small set.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusWorking   OrderStatus = "WORKING"
	StatusFilled    OrderStatus = "FILLED"
	StatusPartial   OrderStatus = "PARTIALLY_FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// Account is one brokerage account visible to the session.
type Account struct {
	ID      string
	Name    string
	Balance float64
	CanTrade bool
}

// Contract maps a user-facing symbol to the gateway's contract handle.
type Contract struct {
	ID         string
	Symbol     string
	Name       string
	PointValue float64
	TickSize   float64
}

// Order mirrors one gateway order.
type Order struct {
	ID          string
	AccountID   string
	ContractID  string
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         int
	FilledQty   int
	LimitPrice  float64
	StopPrice   float64
	FillPrice   float64
	Status      OrderStatus
	ParentID    string
	Tag         string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Position is one open net position reported by the gateway.
type Position struct {
	AccountID  string
	ContractID string
	Symbol     string
	Qty        int // signed: >0 long, <0 short
	AvgPrice   float64
}

// Bar is one OHLCV bar from the history endpoint.
type Bar struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// OrderRequest captures a single order to place.
type OrderRequest struct {
	AccountID  string
	ContractID string
	Side       Side
	Type       OrderType
	Qty        int
	LimitPrice float64
	StopPrice  float64
	Tag        string
	ParentID   string
}

// BracketRequest places a native atomic entry + stop + target.
type BracketRequest struct {
	AccountID       string
	ContractID      string
	Side            Side
	Type            OrderType
	Qty             int
	EntryPrice      float64 // limit or stop trigger depending on Type
	StopLossPrice   float64
	TakeProfitPrice float64
	Tag             string
}

// OrderUpdate carries the fields modify_order may change.
type OrderUpdate struct {
	LimitPrice *float64
	StopPrice  *float64
	Qty        *int
}

// Balance is the gateway's account balance response.
type Balance struct {
	Balance     float64
	RealizedPnL float64
}
