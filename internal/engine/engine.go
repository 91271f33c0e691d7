// Package engine owns the order lifecycle: bracket intents move through a
// small state machine from acceptance to a protected position, with a native
// gateway bracket when possible and entry-plus-legs when not.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"prop-engine/internal/account"
	"prop-engine/internal/events"
	"prop-engine/internal/queue"
	"prop-engine/pkg/broker"
	"prop-engine/pkg/db"
)

// fill-watch polling for the fallback entry path.
const (
	fillPollInterval = time.Second
	fillWatchCap     = time.Hour
)

var (
	// ErrDebounced means an identical intent arrived inside the window.
	ErrDebounced = errors.New("duplicate intent debounced")
	// ErrInvalidIntent means the request fails static validation.
	ErrInvalidIntent = errors.New("invalid intent")
)

// Gateway is the broker surface the engine drives.
type Gateway interface {
	ResolveContract(ctx context.Context, symbol string) (broker.Contract, error)
	PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error)
	PlaceBracket(ctx context.Context, req broker.BracketRequest) (string, error)
	ModifyOrder(ctx context.Context, orderID string, upd broker.OrderUpdate) error
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (broker.Order, error)
	ListOpenOrders(ctx context.Context, accountID string) ([]broker.Order, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]broker.Position, error)
}

// RiskGate is the compliance check the engine consults before and after
// every order.
type RiskGate interface {
	CheckIntent(symbol, side string, qty int, entry, stop, pointValue float64) error
	OnFill(ctx context.Context, f account.Fill)
	SyncPosition(symbol string, qty int, avgPrice, pointValue float64)
	TradingAllowed() bool
}

// Config is the order policy.
type Config struct {
	AccountID            string
	PositionSize         int
	MaxPositionSize      int
	CloseEntireAtTP1     bool
	TP1Fraction          float64
	DebounceWindow       time.Duration
	AutoBracketStopTicks int
	AutoBracketTgtTicks  int
	ProtectPositions     bool
	BreakevenEnabled     bool
	BreakevenProfitPts   float64
}

// IntentRequest is what strategies and the signal intake hand the engine.
// TakeProfit2 is optional; when set, a staged exit places the runner's target
// there instead of letting the remainder ride on the stop alone.
type IntentRequest struct {
	Strategy    string
	Symbol      string
	Side        broker.Side
	Type        broker.OrderType
	Qty         int
	EntryPrice  float64
	StopLoss    float64
	TakeProfit  float64
	TakeProfit2 float64
}

// Engine is the order lifecycle manager. One engine serves one account.
type Engine struct {
	mu       sync.Mutex
	intents  map[string]*BracketIntent // by intent id
	byTag    map[string]string         // correlation tag -> intent id
	debounce map[string]time.Time      // symbol|side -> last accept

	// bracketsDisabled latches once the gateway rejects a native bracket.
	bracketsDisabled bool

	gateway Gateway
	risk    RiskGate
	store   *db.Database
	bus     *events.Bus
	tasks   *queue.Queue
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// New builds the engine.
func New(cfg Config, gw Gateway, risk RiskGate, store *db.Database, bus *events.Bus, tasks *queue.Queue, logger zerolog.Logger) *Engine {
	return &Engine{
		intents:  make(map[string]*BracketIntent),
		byTag:    make(map[string]string),
		debounce: make(map[string]time.Time),
		gateway:  gw,
		risk:     risk,
		store:    store,
		bus:      bus,
		tasks:    tasks,
		cfg:      cfg,
		logger:   logger.With().Str("component", "engine").Logger(),
		now:      time.Now,
	}
}

// PlaceBracketIntent validates, gates, and submits one bracket. The returned
// copy reflects the state after submission.
func (e *Engine) PlaceBracketIntent(ctx context.Context, req IntentRequest) (BracketIntent, error) {
	if err := e.validate(req); err != nil {
		return BracketIntent{}, err
	}

	if !e.risk.TradingAllowed() {
		e.publishIntentRejected(req, account.ErrTradingDisabled)
		return BracketIntent{}, account.ErrTradingDisabled
	}

	// Per (symbol, side) debounce keeps repeated signals from stacking
	// positions. Only an accepted intent charges the window, so a rejection
	// does not shadow the retry that follows it.
	key := req.Symbol + "|" + string(req.Side)
	e.mu.Lock()
	if last, ok := e.debounce[key]; ok && e.now().Sub(last) < e.cfg.DebounceWindow {
		e.mu.Unlock()
		return BracketIntent{}, fmt.Errorf("%w: %s %s within %s", ErrDebounced, req.Side, req.Symbol, e.cfg.DebounceWindow)
	}
	e.mu.Unlock()

	contract, err := e.gateway.ResolveContract(ctx, req.Symbol)
	if err != nil {
		return BracketIntent{}, fmt.Errorf("resolve %s: %w", req.Symbol, err)
	}

	if err := e.risk.CheckIntent(req.Symbol, string(req.Side), req.Qty, req.EntryPrice, req.StopLoss, contract.PointValue); err != nil {
		e.publishIntentRejected(req, err)
		return BracketIntent{}, err
	}

	e.mu.Lock()
	e.debounce[key] = e.now()
	e.mu.Unlock()

	tp1, runner := splitQty(req.Qty, e.cfg.TP1Fraction, e.cfg.CloseEntireAtTP1)
	intent := &BracketIntent{
		ID:          uuid.NewString(),
		Strategy:    req.Strategy,
		Account:     e.cfg.AccountID,
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Qty:         req.Qty,
		EntryPrice:  req.EntryPrice,
		StopLoss:    req.StopLoss,
		TakeProfit:  req.TakeProfit,
		TakeProfit2: req.TakeProfit2,
		Tag:         nextTag(req.Strategy, e.cfg.AccountID, req.Symbol),
		State:       StateNew,
		Target1Qty:  tp1,
		RunnerQty:   runner,
		CreatedAt:   e.now(),
		UpdatedAt:   e.now(),
	}

	e.mu.Lock()
	e.intents[intent.ID] = intent
	e.byTag[intent.Tag] = intent.ID
	e.mu.Unlock()

	e.transition(ctx, intent, StateSubmitting, "")
	if err := e.submit(ctx, intent, contract); err != nil {
		e.transition(ctx, intent, StateFailed, err.Error())
		return intent.clone(), err
	}
	return intent.clone(), nil
}

func (e *Engine) validate(req IntentRequest) error {
	switch {
	case req.Symbol == "":
		return fmt.Errorf("%w: empty symbol", ErrInvalidIntent)
	case req.Qty <= 0:
		return fmt.Errorf("%w: qty %d", ErrInvalidIntent, req.Qty)
	case req.StopLoss <= 0:
		return fmt.Errorf("%w: a bracket needs a stop loss", ErrInvalidIntent)
	case req.TakeProfit <= 0:
		return fmt.Errorf("%w: a bracket needs a take profit", ErrInvalidIntent)
	case req.Side != broker.SideBuy && req.Side != broker.SideSell:
		return fmt.Errorf("%w: side %q", ErrInvalidIntent, req.Side)
	}
	if req.Type != broker.OrderTypeMarket && req.EntryPrice <= 0 {
		return fmt.Errorf("%w: %s entry needs a price", ErrInvalidIntent, req.Type)
	}
	return nil
}

// submit tries the native bracket first when the size exits in one piece.
// Scaled exits and gateways without brackets go through the manual path.
func (e *Engine) submit(ctx context.Context, intent *BracketIntent, contract broker.Contract) error {
	e.mu.Lock()
	nativeOff := e.bracketsDisabled
	e.mu.Unlock()

	if intent.RunnerQty == 0 && !nativeOff {
		orderID, err := e.gateway.PlaceBracket(ctx, broker.BracketRequest{
			AccountID:       e.cfg.AccountID,
			ContractID:      contract.ID,
			Side:            intent.Side,
			Type:            intent.Type,
			Qty:             intent.Qty,
			EntryPrice:      intent.EntryPrice,
			StopLossPrice:   intent.StopLoss,
			TakeProfitPrice: intent.TakeProfit,
			Tag:             intent.Tag,
		})
		switch {
		case err == nil:
			intent.EntryOrderID = orderID
			e.persistOrder(ctx, intent, orderID, intent.Type, intent.Qty, intent.EntryPrice, "")
			e.transition(ctx, intent, StateArmed, "")
			e.bus.Publish(events.EventBracketPlaced, e.orderEvent(intent, orderID, intent.EntryPrice, intent.Qty))
			return nil
		case broker.IsBracketsNotEnabled(err):
			// Remembered for the rest of the session; later intents skip
			// straight to the manual path.
			e.mu.Lock()
			e.bracketsDisabled = true
			e.mu.Unlock()
			e.logger.Info().Str("tag", intent.Tag).Msg("native brackets unavailable, using entry plus legs")
		default:
			return fmt.Errorf("place bracket: %w", err)
		}
	}
	return e.submitManual(ctx, intent, contract)
}

// submitManual places the bare entry and arms a fill watch that attaches
// the protective legs after the fill.
func (e *Engine) submitManual(ctx context.Context, intent *BracketIntent, contract broker.Contract) error {
	req := broker.OrderRequest{
		AccountID:  e.cfg.AccountID,
		ContractID: contract.ID,
		Side:       intent.Side,
		Type:       intent.Type,
		Qty:        intent.Qty,
		Tag:        intent.Tag,
	}
	switch intent.Type {
	case broker.OrderTypeLimit:
		req.LimitPrice = intent.EntryPrice
	case broker.OrderTypeStop:
		req.StopPrice = intent.EntryPrice
	}

	orderID, err := e.gateway.PlaceOrder(ctx, req)
	if err != nil {
		return fmt.Errorf("place entry: %w", err)
	}
	intent.EntryOrderID = orderID
	e.persistOrder(ctx, intent, orderID, intent.Type, intent.Qty, intent.EntryPrice, "")
	e.transition(ctx, intent, StateEntryWorking, "")
	e.bus.Publish(events.EventOrderSubmitted, e.orderEvent(intent, orderID, intent.EntryPrice, intent.Qty))
	e.armFillWatch(intent.ID, orderID, contract)
	return nil
}

// armFillWatch polls the entry until fill, terminal state, or the watch cap.
// An unfilled entry is cancelled at the cap so it cannot fire unattended.
func (e *Engine) armFillWatch(intentID, orderID string, contract broker.Contract) {
	err := e.tasks.Submit(queue.Task{
		Name:     "fill-watch-" + orderID,
		Priority: queue.High,
		Timeout:  fillWatchCap,
		Run: func(ctx context.Context) error {
			ticker := time.NewTicker(fillPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					// Watch cap reached: pull the entry.
					cancelCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := e.gateway.CancelOrder(cancelCtx, orderID); err != nil && !broker.IsNotFound(err) {
						e.logger.Warn().Err(err).Str("order", orderID).Msg("stale entry cancel failed")
					}
					e.resolveIntent(cancelCtx, intentID, StateFailed, "entry unfilled at watch cap")
					return nil
				case <-ticker.C:
					order, err := e.gateway.GetOrder(ctx, orderID)
					if err != nil {
						continue // transient, next tick retries
					}
					switch order.Status {
					case broker.StatusFilled:
						e.onEntryFilled(ctx, intentID, order, contract)
						return nil
					case broker.StatusCancelled:
						e.resolveIntent(ctx, intentID, StateCancelled, "entry cancelled at gateway")
						return nil
					case broker.StatusRejected:
						e.resolveIntent(ctx, intentID, StateFailed, "entry rejected")
						return nil
					}
				}
			}
		},
	})
	if err != nil {
		e.logger.Error().Err(err).Str("order", orderID).Msg("fill watch not scheduled, reconciler will cover")
	}
}

// onEntryFilled applies the fill and attaches the protective legs: a full
// size stop and the scaled first target.
func (e *Engine) onEntryFilled(ctx context.Context, intentID string, order broker.Order, contract broker.Contract) {
	e.mu.Lock()
	intent, ok := e.intents[intentID]
	if !ok || intent.State != StateEntryWorking {
		e.mu.Unlock()
		return
	}
	intent.FilledQty = order.FilledQty
	if intent.FilledQty == 0 {
		intent.FilledQty = order.Qty
	}
	intent.FillPrice = order.FillPrice
	e.mu.Unlock()

	e.risk.OnFill(ctx, account.Fill{
		Symbol:     intent.Symbol,
		Side:       string(intent.Side),
		Qty:        intent.FilledQty,
		Price:      order.FillPrice,
		PointValue: contract.PointValue,
		OrderID:    order.ID,
		Tag:        intent.Tag,
		Time:       e.now(),
	})
	e.bus.Publish(events.EventOrderFilled, e.orderEvent(intent, order.ID, order.FillPrice, intent.FilledQty))

	exit := intent.Side.Opposite()
	stopID, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
		AccountID:  e.cfg.AccountID,
		ContractID: contract.ID,
		Side:       exit,
		Type:       broker.OrderTypeStop,
		Qty:        intent.FilledQty,
		StopPrice:  intent.StopLoss,
		Tag:        intent.Tag,
		ParentID:   order.ID,
	})
	if err != nil {
		// An unprotected position is the worst state; the reconciler's
		// protect sweep is the second line of defense.
		e.logger.Error().Err(err).Str("tag", intent.Tag).Msg("stop leg placement failed")
	} else {
		e.mu.Lock()
		intent.StopOrderID = stopID
		e.mu.Unlock()
		e.persistOrder(ctx, intent, stopID, broker.OrderTypeStop, intent.FilledQty, intent.StopLoss, order.ID)
	}

	tpQty := intent.Target1Qty
	if tpQty > intent.FilledQty {
		tpQty = intent.FilledQty
	}
	tpID, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
		AccountID:  e.cfg.AccountID,
		ContractID: contract.ID,
		Side:       exit,
		Type:       broker.OrderTypeLimit,
		Qty:        tpQty,
		LimitPrice: intent.TakeProfit,
		Tag:        intent.Tag,
		ParentID:   order.ID,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("tag", intent.Tag).Msg("target leg placement failed")
	} else {
		e.mu.Lock()
		intent.Target1ID = tpID
		e.mu.Unlock()
		e.persistOrder(ctx, intent, tpID, broker.OrderTypeLimit, tpQty, intent.TakeProfit, order.ID)
	}

	// Staged exit: the runner gets its own target when the caller priced
	// one. Without a second price the remainder rides on the stop.
	if runner := intent.FilledQty - tpQty; runner > 0 && intent.TakeProfit2 > 0 {
		tp2ID, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
			AccountID:  e.cfg.AccountID,
			ContractID: contract.ID,
			Side:       exit,
			Type:       broker.OrderTypeLimit,
			Qty:        runner,
			LimitPrice: intent.TakeProfit2,
			Tag:        intent.Tag,
			ParentID:   order.ID,
		})
		if err != nil {
			e.logger.Error().Err(err).Str("tag", intent.Tag).Msg("runner target placement failed")
		} else {
			e.mu.Lock()
			intent.Target2ID = tp2ID
			e.mu.Unlock()
			e.persistOrder(ctx, intent, tp2ID, broker.OrderTypeLimit, runner, intent.TakeProfit2, order.ID)
		}
	}

	e.transitionByID(ctx, intentID, StateProtected, "")
	e.bus.Publish(events.EventPositionChange, e.orderEvent(intent, order.ID, order.FillPrice, intent.FilledQty))
}

// onTargetFilled handles the scaled exit: book the partial, shrink the stop
// to the runner, and move it to breakeven once when configured.
func (e *Engine) onTargetFilled(ctx context.Context, intent *BracketIntent, order broker.Order, contract broker.Contract) {
	e.mu.Lock()
	if intent.Target1Filled {
		e.mu.Unlock()
		return
	}
	intent.Target1Filled = true
	runner := intent.RunnerQty
	stopID := intent.StopOrderID
	moveBreakeven := e.cfg.BreakevenEnabled && !intent.BreakevenDone && runner > 0
	e.mu.Unlock()

	e.risk.OnFill(ctx, account.Fill{
		Symbol:     intent.Symbol,
		Side:       string(intent.Side.Opposite()),
		Qty:        order.Qty,
		Price:      order.FillPrice,
		PointValue: contract.PointValue,
		OrderID:    order.ID,
		Tag:        intent.Tag,
		Time:       e.now(),
	})
	e.bus.Publish(events.EventOrderFilled, e.orderEvent(intent, order.ID, order.FillPrice, order.Qty))
	e.markOrder(ctx, order.ID, string(broker.StatusFilled))

	if runner == 0 {
		e.closeOutIntent(ctx, intent, "target filled", order.ID)
		return
	}

	if stopID != "" {
		upd := broker.OrderUpdate{Qty: &runner}
		if moveBreakeven {
			profit := order.FillPrice - intent.FillPrice
			if intent.Side == broker.SideSell {
				profit = -profit
			}
			if profit >= e.cfg.BreakevenProfitPts {
				be := intent.FillPrice
				upd.StopPrice = &be
				e.mu.Lock()
				intent.BreakevenDone = true
				e.mu.Unlock()
			}
		}
		if err := e.gateway.ModifyOrder(ctx, stopID, upd); err != nil {
			e.logger.Warn().Err(err).Str("order", stopID).Msg("stop resize failed")
		} else if upd.StopPrice != nil {
			e.bus.Publish(events.EventBreakevenMoved, e.orderEvent(intent, stopID, *upd.StopPrice, runner))
			e.logger.Info().Str("tag", intent.Tag).Float64("stop", *upd.StopPrice).Msg("stop moved to breakeven")
		}
	}
}

// OnPrice feeds one quote into the breakeven watch. Any protected position
// in the symbol whose unrealized run has reached the configured threshold
// gets its stop moved to entry, independent of whether a target filled.
func (e *Engine) OnPrice(ctx context.Context, symbol string, price float64) {
	if !e.cfg.BreakevenEnabled {
		return
	}
	e.mu.Lock()
	var due []string
	for id, it := range e.intents {
		if it.State != StateProtected || it.Symbol != symbol ||
			it.BreakevenDone || it.StopOrderID == "" {
			continue
		}
		entry := it.FillPrice
		if entry == 0 {
			entry = it.EntryPrice
		}
		profit := price - entry
		if it.Side == broker.SideSell {
			profit = -profit
		}
		if profit >= e.cfg.BreakevenProfitPts {
			due = append(due, id)
		}
	}
	e.mu.Unlock()

	for _, id := range due {
		if err := e.MoveStopToBreakeven(ctx, id); err != nil {
			e.logger.Warn().Err(err).Str("intent", id).Msg("breakeven move failed")
		}
	}
}

// MoveStopToBreakeven moves the protective stop to the entry price, at most
// once per position.
func (e *Engine) MoveStopToBreakeven(ctx context.Context, intentID string) error {
	e.mu.Lock()
	intent, ok := e.intents[intentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("intent %s not found", intentID)
	}
	if intent.BreakevenDone {
		e.mu.Unlock()
		return nil
	}
	if intent.State != StateProtected || intent.StopOrderID == "" {
		e.mu.Unlock()
		return fmt.Errorf("intent %s has no working stop", intentID)
	}
	stopID := intent.StopOrderID
	be := intent.FillPrice
	if be == 0 {
		be = intent.EntryPrice
	}
	intent.BreakevenDone = true
	e.mu.Unlock()

	if err := e.gateway.ModifyOrder(ctx, stopID, broker.OrderUpdate{StopPrice: &be}); err != nil {
		e.mu.Lock()
		intent.BreakevenDone = false
		e.mu.Unlock()
		return fmt.Errorf("move stop: %w", err)
	}
	e.bus.Publish(events.EventBreakevenMoved, e.orderEvent(intent, stopID, be, 0))
	return nil
}

// CancelIntent withdraws a not-yet-filled intent.
func (e *Engine) CancelIntent(ctx context.Context, intentID string) error {
	e.mu.Lock()
	intent, ok := e.intents[intentID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("intent %s not found", intentID)
	}
	if intent.State.Terminal() {
		e.mu.Unlock()
		return nil
	}
	orderIDs := intent.workingOrderIDs()
	e.mu.Unlock()

	for _, id := range orderIDs {
		if err := e.gateway.CancelOrder(ctx, id); err != nil && !broker.IsNotFound(err) {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		e.markOrder(ctx, id, string(broker.StatusCancelled))
	}
	e.resolveIntent(ctx, intentID, StateCancelled, "cancelled by caller")
	return nil
}

// Flatten cancels every working order and closes every open position at
// market. It is the MLL breach handler and the EOD exit.
func (e *Engine) Flatten(ctx context.Context, reason string) error {
	e.logger.Warn().Str("reason", reason).Msg("flattening account")

	orders, err := e.gateway.ListOpenOrders(ctx, e.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range orders {
		if err := e.gateway.CancelOrder(ctx, o.ID); err != nil && !broker.IsNotFound(err) {
			e.logger.Error().Err(err).Str("order", o.ID).Msg("flatten cancel failed")
		}
	}

	positions, err := e.gateway.ListOpenPositions(ctx, e.cfg.AccountID)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	for _, p := range positions {
		side := broker.SideSell
		qty := p.Qty
		if qty < 0 {
			side = broker.SideBuy
			qty = -qty
		}
		if _, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
			AccountID:  e.cfg.AccountID,
			ContractID: p.ContractID,
			Side:       side,
			Type:       broker.OrderTypeMarket,
			Qty:        qty,
			Tag:        nextTag("flatten", e.cfg.AccountID, p.Symbol),
		}); err != nil {
			e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("flatten close failed")
		}
	}

	e.mu.Lock()
	var open []*BracketIntent
	for _, it := range e.intents {
		if !it.State.Terminal() {
			open = append(open, it)
		}
	}
	e.mu.Unlock()
	for _, it := range open {
		if it.State == StateProtected {
			e.resolveIntent(ctx, it.ID, StateClosed, "flattened: "+reason)
		} else {
			e.resolveIntent(ctx, it.ID, StateCancelled, "flattened: "+reason)
		}
	}
	return nil
}

// Intent returns a copy by id.
func (e *Engine) Intent(id string) (BracketIntent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	it, ok := e.intents[id]
	if !ok {
		return BracketIntent{}, false
	}
	return it.clone(), true
}

// IntentByTag returns a copy by correlation tag.
func (e *Engine) IntentByTag(tag string) (BracketIntent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byTag[tag]
	if !ok {
		return BracketIntent{}, false
	}
	return e.intents[id].clone(), true
}

// ActiveIntents returns copies of every non-terminal intent.
func (e *Engine) ActiveIntents() []BracketIntent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []BracketIntent
	for _, it := range e.intents {
		if !it.State.Terminal() {
			out = append(out, it.clone())
		}
	}
	return out
}

// ----------------------------------------
// internals
// ----------------------------------------

func (bi *BracketIntent) workingOrderIDs() []string {
	var ids []string
	for _, id := range []string{bi.EntryOrderID, bi.StopOrderID, bi.Target1ID, bi.Target2ID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func (e *Engine) transition(ctx context.Context, intent *BracketIntent, to IntentState, reason string) {
	e.mu.Lock()
	from := intent.State
	if from == to || (!canTransition(from, to) && !to.Terminal()) {
		e.mu.Unlock()
		return
	}
	intent.State = to
	intent.UpdatedAt = e.now()
	if reason != "" {
		intent.LastError = reason
	}
	e.mu.Unlock()

	e.logger.Info().
		Str("tag", intent.Tag).
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("intent transition")
}

func (e *Engine) transitionByID(ctx context.Context, intentID string, to IntentState, reason string) {
	e.mu.Lock()
	intent, ok := e.intents[intentID]
	e.mu.Unlock()
	if ok {
		e.transition(ctx, intent, to, reason)
	}
}

// resolveIntent moves an intent to a terminal state.
func (e *Engine) resolveIntent(ctx context.Context, intentID string, to IntentState, reason string) {
	e.transitionByID(ctx, intentID, to, reason)
}

// closeOutIntent cancels leftover legs and closes the intent. filledID is
// the leg that just executed and must not be cancelled.
func (e *Engine) closeOutIntent(ctx context.Context, intent *BracketIntent, reason, filledID string) {
	e.mu.Lock()
	var leftovers []string
	if intent.StopOrderID != "" && intent.StopOrderID != filledID {
		leftovers = append(leftovers, intent.StopOrderID)
	}
	if !intent.Target1Filled && intent.Target1ID != "" && intent.Target1ID != filledID {
		leftovers = append(leftovers, intent.Target1ID)
	}
	if !intent.Target2Filled && intent.Target2ID != "" && intent.Target2ID != filledID {
		leftovers = append(leftovers, intent.Target2ID)
	}
	e.mu.Unlock()

	for _, id := range leftovers {
		if err := e.gateway.CancelOrder(ctx, id); err != nil && !broker.IsNotFound(err) {
			e.logger.Warn().Err(err).Str("order", id).Msg("leg cleanup failed")
		}
		e.markOrder(ctx, id, string(broker.StatusCancelled))
	}
	e.resolveIntent(ctx, intent.ID, StateClosed, reason)
}

func (e *Engine) persistOrder(ctx context.Context, intent *BracketIntent, orderID string, typ broker.OrderType, qty int, price float64, parentID string) {
	if e.store == nil {
		return
	}
	row := db.Order{
		ID:        orderID,
		AccountID: e.cfg.AccountID,
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Type:      string(typ),
		Qty:       qty,
		Status:    string(broker.StatusWorking),
		ParentID:  parentID,
		Tag:       intent.Tag,
		CreatedAt: e.now(),
		UpdatedAt: e.now(),
	}
	switch typ {
	case broker.OrderTypeLimit:
		row.LimitPrice = price
	case broker.OrderTypeStop:
		row.StopPrice = price
	}
	if err := e.store.SaveOrder(ctx, row); err != nil {
		e.logger.Warn().Err(err).Str("order", orderID).Msg("order persist failed")
	}
}

func (e *Engine) markOrder(ctx context.Context, orderID, status string) {
	if e.store == nil {
		return
	}
	if err := e.store.UpdateOrderStatus(ctx, orderID, status); err != nil && !errors.Is(err, db.ErrNotFound) {
		e.logger.Warn().Err(err).Str("order", orderID).Msg("order status update failed")
	}
}

func (e *Engine) orderEvent(intent *BracketIntent, orderID string, price float64, qty int) events.OrderEvent {
	return events.OrderEvent{
		OrderID:   orderID,
		AccountID: e.cfg.AccountID,
		Symbol:    intent.Symbol,
		Side:      string(intent.Side),
		Qty:       qty,
		Price:     price,
		Tag:       intent.Tag,
	}
}

func (e *Engine) publishIntentRejected(req IntentRequest, err error) {
	e.bus.Publish(events.EventIntentRejected, events.OrderEvent{
		AccountID: e.cfg.AccountID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Qty:       req.Qty,
		Price:     req.EntryPrice,
		Tag:       req.Strategy,
	})
}
