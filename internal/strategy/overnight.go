// Package strategy runs the autonomous trading strategies: one state
// machine per (account, strategy, symbol), driven by bar-close events and
// the daily schedule.
package strategy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"prop-engine/internal/engine"
	"prop-engine/internal/events"
	"prop-engine/pkg/broker"
	"prop-engine/pkg/db"
)

// Phase is the overnight-range machine's position in the trading day.
type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseTracking Phase = "TRACKING"
	PhaseManaging Phase = "MANAGING"
	PhaseSkipped  Phase = "SKIPPED" // a gate failed at arming
)

// OrderPlacer is the slice of the engine the strategy drives.
type OrderPlacer interface {
	PlaceBracketIntent(ctx context.Context, req engine.IntentRequest) (engine.BracketIntent, error)
	CancelIntent(ctx context.Context, intentID string) error
	Intent(id string) (engine.BracketIntent, bool)
	Flatten(ctx context.Context, reason string) error
}

// BarSource supplies history for the ATR computations.
type BarSource interface {
	GetBars(ctx context.Context, symbol, timeframe string, count int) ([]db.Bar, error)
}

// RiskView exposes the compliance numbers the gates read.
type RiskView interface {
	DayLoss() (loss, limit float64)
}

// Gates are the optional market-condition filters checked at arming. Zero
// values switch a gate off.
type Gates struct {
	MinRangePoints  float64 `yaml:"min_range_points"`
	MaxRangePoints  float64 `yaml:"max_range_points"`
	MaxGapPoints    float64 `yaml:"max_gap_points"`
	MinATR          float64 `yaml:"min_atr"`
	MaxATR          float64 `yaml:"max_atr"`
	DLLProximityPct float64 `yaml:"dll_proximity_pct"`
}

// Params configures one overnight-range instance.
type Params struct {
	Symbol             string  `yaml:"symbol"`
	PositionSize       int     `yaml:"position_size"`
	OvernightStart     string  `yaml:"overnight_start"` // "18:00"
	OvernightEnd       string  `yaml:"overnight_end"`   // "09:30"
	EODExit            string  `yaml:"eod_exit"`        // "15:45"
	Timezone           string  `yaml:"timezone"`
	ATRPeriod          int     `yaml:"atr_period"`
	ATRTimeframe       string  `yaml:"atr_timeframe"`
	StopMultiplier     float64 `yaml:"stop_multiplier"`
	TargetMultiplier   float64 `yaml:"target_multiplier"`
	RangeBreakOffset   float64 `yaml:"range_break_offset"`
	Gates              Gates   `yaml:"gates"`
}

// state is the durable blob written to strategy_states on every transition.
type state struct {
	Phase             Phase     `json:"phase"`
	Day               string    `json:"day"` // trading day, yyyy-mm-dd in strategy tz
	OvernightHigh     float64   `json:"overnight_high"`
	OvernightLow      float64   `json:"overnight_low"`
	HaveRange         bool      `json:"have_range"`
	CurrentATR        float64   `json:"current_atr"`
	DailyATR          float64   `json:"daily_atr"`
	LongIntentID      string    `json:"long_intent_id"`
	ShortIntentID     string    `json:"short_intent_id"`
	LongTag           string    `json:"long_tag"`
	ShortTag          string    `json:"short_tag"`
	ArmedAt           time.Time `json:"armed_at"`
	OppositeCancelled bool      `json:"opposite_cancelled"`
	SkipReason        string    `json:"skip_reason"`
}

// OvernightRange is the breakout machine: track the overnight session's
// high/low, arm stop-entry brackets both ways at the open, manage through
// the day, flatten at EOD.
type OvernightRange struct {
	mu     sync.Mutex
	st     state
	params Params
	loc    *time.Location

	trackStart int // minutes from midnight, strategy tz
	trackEnd   int
	eodExit    int

	account string
	orders  OrderPlacer
	bars    BarSource
	risk    RiskView
	store   *db.Database
	bus     *events.Bus
	logger  zerolog.Logger
	now     func() time.Time

	// atrFn is swappable for deterministic tests.
	atrFn func(bars []db.Bar, period int) (float64, error)
}

const strategyName = "overnight-range"

// NewOvernightRange builds one instance for a symbol.
func NewOvernightRange(accountID string, params Params, orders OrderPlacer, bars BarSource, risk RiskView, store *db.Database, bus *events.Bus, logger zerolog.Logger) (*OvernightRange, error) {
	loc, err := time.LoadLocation(params.Timezone)
	if err != nil {
		return nil, fmt.Errorf("strategy timezone: %w", err)
	}
	trackStart, err := parseClock(params.OvernightStart)
	if err != nil {
		return nil, fmt.Errorf("overnight start: %w", err)
	}
	trackEnd, err := parseClock(params.OvernightEnd)
	if err != nil {
		return nil, fmt.Errorf("overnight end: %w", err)
	}
	eod, err := parseClock(params.EODExit)
	if err != nil {
		return nil, fmt.Errorf("eod exit: %w", err)
	}

	return &OvernightRange{
		st:         state{Phase: PhaseIdle},
		params:     params,
		loc:        loc,
		trackStart: trackStart,
		trackEnd:   trackEnd,
		eodExit:    eod,
		account:    accountID,
		orders:     orders,
		bars:       bars,
		risk:       risk,
		store:      store,
		bus:        bus,
		logger: logger.With().
			Str("component", "strategy").
			Str("strategy", strategyName).
			Str("symbol", params.Symbol).Logger(),
		now:   time.Now,
		atrFn: atrFromBars,
	}, nil
}

// Name identifies the strategy in the store and the API.
func (s *OvernightRange) Name() string { return strategyName }

// Symbol is the instrument this instance trades.
func (s *OvernightRange) Symbol() string { return s.params.Symbol }

// Rehydrate restores the persisted machine so restarts resume mid-day.
func (s *OvernightRange) Rehydrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	row, err := s.store.GetStrategyState(ctx, s.account, s.stateKey())
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load strategy state: %w", err)
	}

	var st state
	if err := json.Unmarshal([]byte(row.StateData), &st); err != nil {
		return fmt.Errorf("decode strategy state: %w", err)
	}

	s.mu.Lock()
	// Stale state from a previous trading day starts fresh.
	if st.Day != s.tradingDay(s.now()) {
		s.mu.Unlock()
		s.logger.Info().Str("stored_day", st.Day).Msg("stored state is from another day, starting fresh")
		return nil
	}
	s.st = st
	s.mu.Unlock()

	s.logger.Info().
		Str("phase", string(st.Phase)).
		Float64("overnight_high", st.OvernightHigh).
		Float64("overnight_low", st.OvernightLow).
		Msg("strategy state rehydrated")
	return nil
}

// OnBarClose drives the machine. Only the symbol's 1m bars matter.
func (s *OvernightRange) OnBarClose(ctx context.Context, bar events.BarClosed) {
	if bar.Symbol != s.params.Symbol || bar.Timeframe != "1m" {
		return
	}

	local := bar.OpenTime.In(s.loc)
	minutes := local.Hour()*60 + local.Minute()

	switch {
	case s.inTrackingWindow(minutes):
		s.track(ctx, bar)
	case s.inDaySession(minutes):
		s.daySession(ctx, bar)
	default:
		s.goIdle(ctx, "outside session")
	}
}

func (s *OvernightRange) inTrackingWindow(minutes int) bool {
	if s.trackStart > s.trackEnd { // wraps midnight, e.g. 18:00 -> 09:30
		return minutes >= s.trackStart || minutes < s.trackEnd
	}
	return minutes >= s.trackStart && minutes < s.trackEnd
}

func (s *OvernightRange) inDaySession(minutes int) bool {
	return minutes >= s.trackEnd && minutes < s.eodExit
}

// track folds one overnight bar into the running range.
func (s *OvernightRange) track(ctx context.Context, bar events.BarClosed) {
	s.mu.Lock()
	day := s.tradingDay(s.now())
	if s.st.Phase != PhaseTracking || s.st.Day != day {
		s.st = state{Phase: PhaseTracking, Day: day, OvernightHigh: bar.High, OvernightLow: bar.Low, HaveRange: true}
		s.mu.Unlock()
		s.publishPhase(PhaseIdle, PhaseTracking, "tracking window opened")
		s.persist(ctx)
		return
	}
	changed := false
	if bar.High > s.st.OvernightHigh {
		s.st.OvernightHigh = bar.High
		changed = true
	}
	if bar.Low < s.st.OvernightLow {
		s.st.OvernightLow = bar.Low
		changed = true
	}
	s.mu.Unlock()
	if changed {
		s.persist(ctx)
	}
}

// daySession arms once at the open, then manages until EOD.
func (s *OvernightRange) daySession(ctx context.Context, bar events.BarClosed) {
	s.mu.Lock()
	phase := s.st.Phase
	s.mu.Unlock()

	switch phase {
	case PhaseTracking:
		s.arm(ctx, bar)
	case PhaseManaging:
		s.manage(ctx)
	}
}

// arm computes the breakout levels and submits both stop-entry brackets.
func (s *OvernightRange) arm(ctx context.Context, bar events.BarClosed) {
	s.mu.Lock()
	if !s.st.HaveRange {
		s.st.Phase = PhaseSkipped
		s.st.SkipReason = "no overnight range collected"
		s.mu.Unlock()
		s.persist(ctx)
		return
	}
	high, low := s.st.OvernightHigh, s.st.OvernightLow
	s.mu.Unlock()

	currentATR, dailyATR, err := s.computeATRs(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("atr computation failed, staying unarmed")
		return // next bar retries
	}

	if reason := s.gateCheck(high, low, bar.Open, currentATR); reason != "" {
		s.mu.Lock()
		s.st.Phase = PhaseSkipped
		s.st.SkipReason = reason
		s.st.CurrentATR = currentATR
		s.st.DailyATR = dailyATR
		s.mu.Unlock()
		s.publishPhase(PhaseTracking, PhaseSkipped, reason)
		s.persist(ctx)
		s.logger.Warn().Str("reason", reason).Msg("market-condition gate failed, skipping the day")
		return
	}

	offset := s.params.RangeBreakOffset
	longEntry := high + offset
	shortEntry := low - offset

	long := engine.IntentRequest{
		Strategy:   strategyName,
		Symbol:     s.params.Symbol,
		Side:       broker.SideBuy,
		Type:       broker.OrderTypeStop,
		Qty:        s.params.PositionSize,
		EntryPrice: longEntry,
		StopLoss:   longEntry - s.params.StopMultiplier*currentATR,
		TakeProfit: longEntry + s.params.TargetMultiplier*dailyATR,
	}
	short := engine.IntentRequest{
		Strategy:   strategyName,
		Symbol:     s.params.Symbol,
		Side:       broker.SideSell,
		Type:       broker.OrderTypeStop,
		Qty:        s.params.PositionSize,
		EntryPrice: shortEntry,
		StopLoss:   shortEntry + s.params.StopMultiplier*currentATR,
		TakeProfit: shortEntry - s.params.TargetMultiplier*dailyATR,
	}

	longIntent, err := s.orders.PlaceBracketIntent(ctx, long)
	if err != nil {
		s.logger.Error().Err(err).Msg("long breakout submission failed")
	}
	shortIntent, err2 := s.orders.PlaceBracketIntent(ctx, short)
	if err2 != nil {
		s.logger.Error().Err(err2).Msg("short breakout submission failed")
	}
	if err != nil && err2 != nil {
		return // nothing armed, next bar retries
	}

	s.mu.Lock()
	s.st.Phase = PhaseManaging
	s.st.CurrentATR = currentATR
	s.st.DailyATR = dailyATR
	s.st.LongIntentID = longIntent.ID
	s.st.ShortIntentID = shortIntent.ID
	s.st.LongTag = longIntent.Tag
	s.st.ShortTag = shortIntent.Tag
	s.st.ArmedAt = s.now().UTC()
	s.mu.Unlock()

	s.publishPhase(PhaseTracking, PhaseManaging, "armed both breakouts")
	s.persist(ctx)
	s.logger.Info().
		Float64("long_entry", longEntry).
		Float64("short_entry", shortEntry).
		Float64("current_atr", currentATR).
		Float64("daily_atr", dailyATR).
		Msg("breakout brackets armed")
}

// manage cancels the unfilled side once the other side is in a position.
func (s *OvernightRange) manage(ctx context.Context) {
	s.mu.Lock()
	if s.st.OppositeCancelled {
		s.mu.Unlock()
		return
	}
	longID, shortID := s.st.LongIntentID, s.st.ShortIntentID
	s.mu.Unlock()

	longIntent, longOK := s.orders.Intent(longID)
	shortIntent, shortOK := s.orders.Intent(shortID)

	var cancelID string
	switch {
	case longOK && longIntent.State == engine.StateProtected && shortOK && !shortIntent.State.Terminal():
		cancelID = shortID
	case shortOK && shortIntent.State == engine.StateProtected && longOK && !longIntent.State.Terminal():
		cancelID = longID
	default:
		return
	}

	if err := s.orders.CancelIntent(ctx, cancelID); err != nil {
		s.logger.Warn().Err(err).Str("intent", cancelID).Msg("opposite-side cancel failed")
		return
	}
	s.mu.Lock()
	s.st.OppositeCancelled = true
	s.mu.Unlock()
	s.persist(ctx)
	s.logger.Info().Str("intent", cancelID).Msg("opposite breakout cancelled after fill")
}

// EODFlatten is the 15:45 close-out: flatten the account, cancel leftovers,
// and park the machine until the next tracking window.
func (s *OvernightRange) EODFlatten(ctx context.Context) {
	s.mu.Lock()
	phase := s.st.Phase
	longID, shortID := s.st.LongIntentID, s.st.ShortIntentID
	s.mu.Unlock()
	if phase != PhaseManaging {
		s.goIdle(ctx, "eod")
		return
	}

	for _, id := range []string{longID, shortID} {
		if id == "" {
			continue
		}
		if intent, ok := s.orders.Intent(id); ok && !intent.State.Terminal() && intent.State != engine.StateProtected {
			if err := s.orders.CancelIntent(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("intent", id).Msg("eod cancel failed")
			}
		}
	}
	if err := s.orders.Flatten(ctx, "eod exit"); err != nil {
		s.logger.Error().Err(err).Msg("eod flatten failed")
	}
	s.goIdle(ctx, "eod flatten complete")
}

func (s *OvernightRange) goIdle(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.st.Phase == PhaseIdle {
		s.mu.Unlock()
		return
	}
	from := s.st.Phase
	s.st.Phase = PhaseIdle
	s.mu.Unlock()
	s.publishPhase(from, PhaseIdle, reason)
	s.persist(ctx)
}

// Reset clears the day state; the scheduled 08:00 restart calls this.
func (s *OvernightRange) Reset(ctx context.Context) {
	s.mu.Lock()
	from := s.st.Phase
	s.st = state{Phase: PhaseIdle}
	s.mu.Unlock()
	s.publishPhase(from, PhaseIdle, "scheduled restart")
	s.persist(ctx)
	s.logger.Info().Msg("strategy state reset")
}

// Verify reports the machine's current view for the operations API.
type Verification struct {
	Strategy       string    `json:"strategy"`
	Symbol         string    `json:"symbol"`
	Phase          Phase     `json:"phase"`
	Day            string    `json:"day"`
	WillTrade      bool      `json:"will_trade"`
	Reasons        []string  `json:"reasons,omitempty"`
	NextExecution  time.Time `json:"next_execution"`
	HoursUntilExec float64   `json:"hours_until_execution"`
	OvernightHigh  float64   `json:"overnight_high"`
	OvernightLow   float64   `json:"overnight_low"`
	CurrentATR     float64   `json:"current_atr"`
	DailyATR       float64   `json:"daily_atr"`
	LongTag        string    `json:"long_tag,omitempty"`
	ShortTag       string    `json:"short_tag,omitempty"`
	ArmedAt        time.Time `json:"armed_at,omitempty"`
	SkipReason     string    `json:"skip_reason,omitempty"`
}

// Verify returns the live snapshot plus the arming forecast.
func (s *OvernightRange) Verify() Verification {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().In(s.loc)
	next := s.nextArmingLocked(now)

	v := Verification{
		Strategy:       strategyName,
		Symbol:         s.params.Symbol,
		Phase:          s.st.Phase,
		Day:            s.st.Day,
		NextExecution:  next,
		HoursUntilExec: next.Sub(now).Hours(),
		OvernightHigh:  s.st.OvernightHigh,
		OvernightLow:   s.st.OvernightLow,
		CurrentATR:     s.st.CurrentATR,
		DailyATR:       s.st.DailyATR,
		LongTag:        s.st.LongTag,
		ShortTag:       s.st.ShortTag,
		ArmedAt:        s.st.ArmedAt,
		SkipReason:     s.st.SkipReason,
	}

	switch s.st.Phase {
	case PhaseManaging:
		v.WillTrade = true
		v.Reasons = append(v.Reasons, "brackets armed")
	case PhaseSkipped:
		v.Reasons = append(v.Reasons, s.st.SkipReason)
	case PhaseTracking:
		if s.st.HaveRange {
			v.WillTrade = true
			v.Reasons = append(v.Reasons, "tracking overnight range")
		} else {
			v.Reasons = append(v.Reasons, "no overnight bars seen yet")
		}
	default:
		v.Reasons = append(v.Reasons, "outside the trading session")
	}
	return v
}

// nextArmingLocked is the next market open in the strategy timezone, skipping
// the weekend.
func (s *OvernightRange) nextArmingLocked(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), s.trackEnd/60, s.trackEnd%60, 0, 0, s.loc)
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// ----------------------------------------
// internals
// ----------------------------------------

func (s *OvernightRange) computeATRs(ctx context.Context) (current, daily float64, err error) {
	intraday, err := s.bars.GetBars(ctx, s.params.Symbol, s.params.ATRTimeframe, s.params.ATRPeriod*3)
	if err != nil {
		return 0, 0, fmt.Errorf("intraday bars: %w", err)
	}
	current, err = s.atrFn(intraday, s.params.ATRPeriod)
	if err != nil {
		return 0, 0, fmt.Errorf("current atr: %w", err)
	}

	dailyBars, err := s.bars.GetBars(ctx, s.params.Symbol, "1d", s.params.ATRPeriod*2)
	if err != nil {
		return 0, 0, fmt.Errorf("daily bars: %w", err)
	}
	daily, err = s.atrFn(dailyBars, s.params.ATRPeriod)
	if err != nil {
		return 0, 0, fmt.Errorf("daily atr: %w", err)
	}
	return current, daily, nil
}

// gateCheck returns a non-empty reason when a market-condition gate fails.
func (s *OvernightRange) gateCheck(high, low, open, atr float64) string {
	g := s.params.Gates
	size := high - low
	if g.MinRangePoints > 0 && size < g.MinRangePoints {
		return fmt.Sprintf("range %.2f below minimum %.2f", size, g.MinRangePoints)
	}
	if g.MaxRangePoints > 0 && size > g.MaxRangePoints {
		return fmt.Sprintf("range %.2f above maximum %.2f", size, g.MaxRangePoints)
	}
	if g.MaxGapPoints > 0 {
		gap := open - high
		if open < low {
			gap = low - open
		}
		if open >= low && open <= high {
			gap = 0
		}
		if gap > g.MaxGapPoints {
			return fmt.Sprintf("open gaps %.2f past the range, maximum %.2f", gap, g.MaxGapPoints)
		}
	}
	if g.MinATR > 0 && atr < g.MinATR {
		return fmt.Sprintf("atr %.2f below minimum %.2f", atr, g.MinATR)
	}
	if g.MaxATR > 0 && atr > g.MaxATR {
		return fmt.Sprintf("atr %.2f above maximum %.2f", atr, g.MaxATR)
	}
	if g.DLLProximityPct > 0 && s.risk != nil {
		loss, limit := s.risk.DayLoss()
		if limit > 0 && loss >= g.DLLProximityPct/100*limit {
			return fmt.Sprintf("day loss %.2f within %.0f%% of the daily limit", loss, g.DLLProximityPct)
		}
	}
	return ""
}

func (s *OvernightRange) persist(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	blob, err := json.Marshal(s.st)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error().Err(err).Msg("state marshal failed")
		return
	}
	if err := s.store.UpsertStrategyState(ctx, db.StrategyState{
		AccountID:     s.account,
		StrategyName:  s.stateKey(),
		Enabled:       true,
		StateData:     string(blob),
		LastExecution: s.now().UTC(),
		UpdatedAt:     s.now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Msg("state persist failed")
	}
}

func (s *OvernightRange) publishPhase(from, to Phase, reason string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.EventStrategyPhase, events.PhaseChange{
		AccountID: s.account,
		Strategy:  strategyName,
		Symbol:    s.params.Symbol,
		From:      string(from),
		To:        string(to),
		Reason:    reason,
	})
}

func (s *OvernightRange) stateKey() string {
	return strategyName + ":" + s.params.Symbol
}

// tradingDay labels the session: overnight bars after the tracking start
// belong to the next day's session.
func (s *OvernightRange) tradingDay(now time.Time) string {
	local := now.In(s.loc)
	minutes := local.Hour()*60 + local.Minute()
	if minutes >= s.trackStart && s.trackStart > s.trackEnd {
		local = local.AddDate(0, 0, 1)
	}
	return local.Format("2006-01-02")
}

// parseClock converts "HH:MM" to minutes from midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, fmt.Errorf("bad clock %q: %w", v, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// atrFromBars computes the Wilder ATR over the bar run.
func atrFromBars(bars []db.Bar, period int) (float64, error) {
	if len(bars) <= period {
		return 0, fmt.Errorf("need more than %d bars for atr, have %d", period, len(bars))
	}
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	closes := make([]float64, len(bars))
	for i, b := range bars {
		high[i] = b.High
		low[i] = b.Low
		closes[i] = b.Close
	}
	out := talib.Atr(high, low, closes, period)
	atr := out[len(out)-1]
	if atr <= 0 {
		return 0, fmt.Errorf("atr not computable from bar run")
	}
	return atr, nil
}
