// Package account enforces the prop-firm compliance rules: the daily loss
// limit, the trailing maximum loss limit, and the position size cap, over a
// continuously marked-to-market view of the account.
package account

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"prop-engine/internal/events"
	"prop-engine/pkg/db"
)

// dllWarnFraction is where the daily-loss warning fires.
const dllWarnFraction = 0.75

var (
	// ErrTradingDisabled means a limit breach latched the account off.
	ErrTradingDisabled = errors.New("trading disabled by risk breach")
	// ErrDailyLossLimit means the projected worst case crosses the DLL.
	ErrDailyLossLimit = errors.New("daily loss limit")
	// ErrMaxLossLimit means equity is at or under the trailing floor.
	ErrMaxLossLimit = errors.New("maximum loss limit")
	// ErrPositionCap means the order would exceed the contract cap.
	ErrPositionCap = errors.New("position size cap")
)

// TrackerConfig carries the account identity and its firm limits.
type TrackerConfig struct {
	AccountID       string
	AccountName     string
	AccountType     string
	StartingBalance float64
	DailyLossLimit  float64
	MaxLossLimit    float64
	MaxPositionSize int
}

// Fill is one execution applied to the tracker.
type Fill struct {
	Symbol     string
	Side       string // "BUY" or "SELL"
	Qty        int
	Price      float64
	Fee        float64
	Commission float64
	PointValue float64
	OrderID    string
	Tag        string
	Time       time.Time
}

type position struct {
	qty        int // signed, negative is short
	avgPrice   float64
	pointValue float64
	lastPrice  float64
}

// Status is the tracker snapshot served on /metrics and the API.
type Status struct {
	AccountID         string
	Balance           float64
	Equity            float64
	DayRealizedPnL    float64
	UnrealizedPnL     float64
	DayCommissions    float64
	DayFees           float64
	HighestEODBalance float64
	MLLFloor          float64
	DLLRemaining      float64
	TradingDisabled   bool
	DisabledReason    string
	OpenContracts     int
}

// FlattenFunc is invoked once when the MLL latches, to close everything.
type FlattenFunc func(ctx context.Context, reason string)

// Tracker is the compliance ledger. All money amounts are account currency.
type Tracker struct {
	mu  sync.Mutex
	cfg TrackerConfig

	balance     float64 // realized cash balance
	dayRealized float64
	dayComms    float64
	dayFees     float64
	highestEOD  float64
	positions   map[string]*position

	disabled       bool
	disabledReason string
	dllWarned      bool
	mllLatched     bool

	onBreach FlattenFunc
	store    *db.Database
	bus      *events.Bus
	logger   zerolog.Logger
	now      func() time.Time
}

// NewTracker builds the tracker seeded with the starting balance. Call
// Rehydrate before trading to pick up persisted state.
func NewTracker(cfg TrackerConfig, store *db.Database, bus *events.Bus, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cfg:        cfg,
		balance:    cfg.StartingBalance,
		highestEOD: cfg.StartingBalance,
		positions:  make(map[string]*position),
		store:      store,
		bus:        bus,
		logger:     logger.With().Str("component", "compliance").Str("account", cfg.AccountID).Logger(),
		now:        time.Now,
	}
}

// OnBreach registers the flatten hook fired when the MLL latches.
func (t *Tracker) OnBreach(fn FlattenFunc) {
	t.mu.Lock()
	t.onBreach = fn
	t.mu.Unlock()
}

// Rehydrate loads the last end-of-day snapshot so the trailing floor
// survives restarts. The floor may only ratchet up, never down.
func (t *Tracker) Rehydrate(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.EnsureAccount(ctx, db.Account{
		ID: t.cfg.AccountID, Name: t.cfg.AccountName,
		Type: t.cfg.AccountType, StartingBalance: t.cfg.StartingBalance,
	}); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}

	snap, err := t.store.LatestEODSnapshot(ctx, t.cfg.AccountID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load eod snapshot: %w", err)
	}

	t.mu.Lock()
	t.balance = snap.Balance
	if snap.HighestEODBalance > t.highestEOD {
		t.highestEOD = snap.HighestEODBalance
	}
	t.mu.Unlock()

	t.logger.Info().
		Float64("balance", snap.Balance).
		Float64("highest_eod", t.highestEOD).
		Time("as_of", snap.Timestamp).
		Msg("compliance state rehydrated")
	return nil
}

// mllFloorLocked is the trailing liquidation level.
func (t *Tracker) mllFloorLocked() float64 {
	return t.highestEOD - t.cfg.MaxLossLimit
}

func (t *Tracker) unrealizedLocked() float64 {
	var u float64
	for _, p := range t.positions {
		if p.qty == 0 || p.lastPrice == 0 {
			continue
		}
		u += float64(p.qty) * (p.lastPrice - p.avgPrice) * p.pointValue
	}
	return u
}

func (t *Tracker) dayLossLocked() float64 {
	day := t.dayRealized - t.dayComms - t.dayFees + t.unrealizedLocked()
	if day >= 0 {
		return 0
	}
	return -day
}

// DayLoss reports today's loss so far and the daily limit.
func (t *Tracker) DayLoss() (loss, limit float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dayLossLocked(), t.cfg.DailyLossLimit
}

// CheckIntent gates a new entry before submission. entry and stop bound the
// worst case the order can add to today's loss; qty is unsigned contracts.
func (t *Tracker) CheckIntent(symbol, side string, qty int, entry, stop, pointValue float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.disabled {
		return fmt.Errorf("%w: %s", ErrTradingDisabled, t.disabledReason)
	}

	open := 0
	if p, ok := t.positions[symbol]; ok {
		open = int(math.Abs(float64(p.qty)))
	}
	if open+qty > t.cfg.MaxPositionSize {
		t.publishRisk("position-cap", fmt.Sprintf("%s: %d open + %d requested > cap %d", symbol, open, qty, t.cfg.MaxPositionSize), 0)
		return fmt.Errorf("%w: %d open + %d requested exceeds %d", ErrPositionCap, open, qty, t.cfg.MaxPositionSize)
	}

	// Equity must stay above the trailing floor even before the new risk.
	equity := t.balance + t.unrealizedLocked()
	if equity <= t.mllFloorLocked() {
		t.latchMLLLocked(equity)
		return fmt.Errorf("%w: equity %.2f at floor %.2f", ErrMaxLossLimit, equity, t.mllFloorLocked())
	}

	// Project today's loss with the new order stopped out at its stop.
	projected := t.dayLossLocked()
	if stop != 0 && entry != 0 {
		projected += math.Abs(entry-stop) * float64(qty) * pointValue
	}
	if t.cfg.DailyLossLimit > 0 && projected >= t.cfg.DailyLossLimit {
		t.publishRisk("dll-block", fmt.Sprintf("projected day loss %.2f >= limit %.2f", projected, t.cfg.DailyLossLimit), t.cfg.DailyLossLimit-t.dayLossLocked())
		return fmt.Errorf("%w: projected %.2f >= %.2f", ErrDailyLossLimit, projected, t.cfg.DailyLossLimit)
	}
	return nil
}

// OnFill applies one execution: position math, realized PnL on the reducing
// portion, fees, and the trade-history row.
func (t *Tracker) OnFill(ctx context.Context, f Fill) {
	signed := f.Qty
	if f.Side == "SELL" {
		signed = -f.Qty
	}

	t.mu.Lock()
	p, ok := t.positions[f.Symbol]
	if !ok {
		p = &position{pointValue: f.PointValue}
		t.positions[f.Symbol] = p
	}
	if f.PointValue > 0 {
		p.pointValue = f.PointValue
	}

	var realized float64
	switch {
	case p.qty == 0 || sameSign(p.qty, signed):
		// Opening or adding: blend the average.
		total := p.qty + signed
		p.avgPrice = (p.avgPrice*float64(abs(p.qty)) + f.Price*float64(abs(signed))) / float64(abs(total))
		p.qty = total
	default:
		// Reducing or flipping.
		closing := min(abs(signed), abs(p.qty))
		direction := 1.0
		if p.qty < 0 {
			direction = -1.0
		}
		realized = direction * (f.Price - p.avgPrice) * float64(closing) * p.pointValue
		p.qty += signed
		if p.qty != 0 && !sameSign(p.qty, p.qty-signed) {
			// Flipped: remainder opens at the fill price.
			p.avgPrice = f.Price
		}
		if p.qty == 0 {
			p.avgPrice = 0
		}
	}
	p.lastPrice = f.Price

	t.dayRealized += realized
	t.dayComms += f.Commission
	t.dayFees += f.Fee
	t.balance += realized - f.Commission - f.Fee
	t.mu.Unlock()

	if t.store != nil {
		trade := db.Trade{
			ID: uuid.NewString(), AccountID: t.cfg.AccountID,
			Symbol: f.Symbol, Side: f.Side, Qty: f.Qty, Price: f.Price,
			RealizedPnL: realized, Fee: f.Fee + f.Commission,
			OrderID: f.OrderID, Tag: f.Tag, CreatedAt: f.Time,
		}
		if err := t.store.AppendTrade(ctx, trade); err != nil {
			t.logger.Warn().Err(err).Msg("trade history write failed")
		}
	}

	t.evaluate(ctx)
}

// MarkPrice updates the mark for a symbol and re-evaluates the limits.
func (t *Tracker) MarkPrice(ctx context.Context, symbol string, price float64) {
	t.mu.Lock()
	p, ok := t.positions[symbol]
	if !ok || p.qty == 0 {
		t.mu.Unlock()
		return
	}
	p.lastPrice = price
	t.mu.Unlock()

	t.evaluate(ctx)
}

// SyncPosition overwrites the local book from a broker reconcile.
func (t *Tracker) SyncPosition(symbol string, qty int, avgPrice, pointValue float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if qty == 0 {
		delete(t.positions, symbol)
		return
	}
	p, ok := t.positions[symbol]
	if !ok {
		p = &position{}
		t.positions[symbol] = p
	}
	p.qty = qty
	p.avgPrice = avgPrice
	if pointValue > 0 {
		p.pointValue = pointValue
	}
}

// evaluate checks the DLL warning threshold and the MLL floor.
func (t *Tracker) evaluate(ctx context.Context) {
	t.mu.Lock()

	dayLoss := t.dayLossLocked()
	if t.cfg.DailyLossLimit > 0 && !t.dllWarned && dayLoss >= dllWarnFraction*t.cfg.DailyLossLimit {
		t.dllWarned = true
		remaining := t.cfg.DailyLossLimit - dayLoss
		t.logger.Warn().Float64("day_loss", dayLoss).Float64("remaining", remaining).Msg("daily loss limit warning")
		t.publishRisk("dll-warning", fmt.Sprintf("day loss %.2f of %.2f", dayLoss, t.cfg.DailyLossLimit), remaining)
	}

	equity := t.balance + t.unrealizedLocked()
	if !t.mllLatched && equity <= t.mllFloorLocked() {
		t.latchMLLLocked(equity)
		onBreach := t.onBreach
		reason := t.disabledReason
		t.mu.Unlock()
		if onBreach != nil {
			onBreach(ctx, reason)
		}
		return
	}
	t.mu.Unlock()
}

// latchMLLLocked disables trading permanently for this process. Caller holds
// the lock.
func (t *Tracker) latchMLLLocked(equity float64) {
	if t.mllLatched {
		return
	}
	t.mllLatched = true
	t.disabled = true
	t.disabledReason = fmt.Sprintf("MLL breach: equity %.2f <= floor %.2f", equity, t.mllFloorLocked())
	t.logger.Error().Float64("equity", equity).Float64("floor", t.mllFloorLocked()).Msg("maximum loss limit breached, trading disabled")
	t.publishRisk("mll-breach", t.disabledReason, 0)
}

// DisableTrading latches trading off for an operator-supplied reason.
func (t *Tracker) DisableTrading(reason string) {
	t.mu.Lock()
	t.disabled = true
	t.disabledReason = reason
	t.mu.Unlock()
	t.logger.Warn().Str("reason", reason).Msg("trading disabled")
}

// Rollover performs the end-of-day close: write the EOD snapshot, ratchet
// the highest end-of-day balance, and reset the daily counters. The snapshot
// write is synchronous; the floor must be durable before the next session.
func (t *Tracker) Rollover(ctx context.Context) error {
	t.mu.Lock()
	eodBalance := t.balance
	if eodBalance > t.highestEOD {
		t.highestEOD = eodBalance
	}
	snap := db.AccountSnapshot{
		ID:                uuid.NewString(),
		AccountID:         t.cfg.AccountID,
		Balance:           t.balance,
		RealizedPnL:       t.dayRealized,
		UnrealizedPnL:     t.unrealizedLocked(),
		Commissions:       t.dayComms,
		Fees:              t.dayFees,
		HighestEODBalance: t.highestEOD,
		IsEOD:             true,
		Timestamp:         t.now().UTC(),
	}
	t.dayRealized = 0
	t.dayComms = 0
	t.dayFees = 0
	t.dllWarned = false
	// A DLL disable is a one-day penalty; an MLL latch survives rollover.
	if t.disabled && !t.mllLatched {
		t.disabled = false
		t.disabledReason = ""
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.AppendSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("eod snapshot: %w", err)
		}
	}
	if t.bus != nil {
		t.bus.Publish(events.EventEODSummary, snap)
	}
	t.logger.Info().
		Float64("balance", snap.Balance).
		Float64("realized", snap.RealizedPnL).
		Float64("highest_eod", snap.HighestEODBalance).
		Msg("end-of-day rollover complete")
	return nil
}

// HasRolledOverToday reports whether an EOD snapshot already exists for the
// given UTC day, guarding the scheduler against double-firing.
func (t *Tracker) HasRolledOverToday(ctx context.Context, day time.Time) bool {
	if t.store == nil {
		return false
	}
	ok, err := t.store.HasEODSnapshotOn(ctx, t.cfg.AccountID, day)
	if err != nil {
		t.logger.Warn().Err(err).Msg("eod snapshot lookup failed")
		return false
	}
	return ok
}

// Status returns the live compliance snapshot.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	unreal := t.unrealizedLocked()
	open := 0
	for _, p := range t.positions {
		open += abs(p.qty)
	}
	return Status{
		AccountID:         t.cfg.AccountID,
		Balance:           t.balance,
		Equity:            t.balance + unreal,
		DayRealizedPnL:    t.dayRealized,
		UnrealizedPnL:     unreal,
		DayCommissions:    t.dayComms,
		DayFees:           t.dayFees,
		HighestEODBalance: t.highestEOD,
		MLLFloor:          t.mllFloorLocked(),
		DLLRemaining:      t.cfg.DailyLossLimit - t.dayLossLocked(),
		TradingDisabled:   t.disabled,
		DisabledReason:    t.disabledReason,
		OpenContracts:     open,
	}
}

// TradingAllowed is the cheap gate checked by intake paths.
func (t *Tracker) TradingAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.disabled
}

func (t *Tracker) publishRisk(kind, detail string, remaining float64) {
	if t.bus == nil {
		return
	}
	ev := events.RiskEvent{AccountID: t.cfg.AccountID, Kind: kind, Detail: detail, Remaining: remaining}
	topic := events.EventRiskWarning
	if kind == "mll-breach" || kind == "dll-block" {
		topic = events.EventRiskBreach
	}
	t.bus.Publish(topic, ev)
}

func sameSign(a, b int) bool { return (a > 0) == (b > 0) }

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
