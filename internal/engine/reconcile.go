package engine

import (
	"context"
	"time"

	"prop-engine/internal/account"
	"prop-engine/pkg/broker"
)

// Reconciler cadence: fast while anything is in flight, slow when idle.
const (
	reconcileActive = 10 * time.Second
	reconcileIdle   = 30 * time.Second
)

// RunReconciler polls the gateway and repairs any drift between the local
// intent book and broker reality. It also covers for a fill watch that was
// shed under load, and brackets any position found without a stop.
func (e *Engine) RunReconciler(ctx context.Context) {
	timer := time.NewTimer(reconcileActive)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		active := e.reconcileOnce(ctx)
		if active {
			timer.Reset(reconcileActive)
		} else {
			timer.Reset(reconcileIdle)
		}
	}
}

// reconcileOnce runs one sweep and reports whether anything is in flight.
func (e *Engine) reconcileOnce(ctx context.Context) bool {
	openOrders, err := e.gateway.ListOpenOrders(ctx, e.cfg.AccountID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reconcile: open orders unavailable")
		return true
	}
	positions, err := e.gateway.ListOpenPositions(ctx, e.cfg.AccountID)
	if err != nil {
		e.logger.Warn().Err(err).Msg("reconcile: positions unavailable")
		return true
	}

	openByID := make(map[string]broker.Order, len(openOrders))
	for _, o := range openOrders {
		openByID[o.ID] = o
	}

	for _, intent := range e.ActiveIntents() {
		e.reconcileIntent(ctx, intent, openByID, positions)
	}

	e.syncPositions(positions)
	if e.cfg.ProtectPositions {
		e.protectSweep(ctx, openOrders, positions)
	}

	return len(e.ActiveIntents()) > 0 || len(positions) > 0
}

// reconcileIntent advances one intent from what the gateway reports.
func (e *Engine) reconcileIntent(ctx context.Context, intent BracketIntent, openByID map[string]broker.Order, positions []broker.Position) {
	contract, err := e.gateway.ResolveContract(ctx, intent.Symbol)
	if err != nil {
		e.logger.Warn().Err(err).Str("symbol", intent.Symbol).Msg("reconcile: contract unresolved")
		return
	}

	switch intent.State {
	case StateArmed:
		// Native bracket: the gateway manages the legs. Entry leaving the
		// open set means it reached a terminal status.
		if _, open := openByID[intent.EntryOrderID]; open {
			return
		}
		order, err := e.gateway.GetOrder(ctx, intent.EntryOrderID)
		if err != nil {
			return
		}
		switch order.Status {
		case broker.StatusFilled:
			e.applyFill(ctx, &intent, order, contract, intent.Side)
			e.transitionByID(ctx, intent.ID, StateProtected, "")
		case broker.StatusCancelled:
			e.resolveIntent(ctx, intent.ID, StateCancelled, "bracket cancelled at gateway")
		case broker.StatusRejected:
			e.resolveIntent(ctx, intent.ID, StateFailed, "bracket rejected at gateway")
		}

	case StateEntryWorking:
		if _, open := openByID[intent.EntryOrderID]; open {
			return
		}
		order, err := e.gateway.GetOrder(ctx, intent.EntryOrderID)
		if err != nil {
			return
		}
		switch order.Status {
		case broker.StatusFilled:
			e.onEntryFilled(ctx, intent.ID, order, contract)
		case broker.StatusCancelled:
			e.resolveIntent(ctx, intent.ID, StateCancelled, "entry cancelled at gateway")
		case broker.StatusRejected:
			e.resolveIntent(ctx, intent.ID, StateFailed, "entry rejected at gateway")
		}

	case StateProtected:
		e.reconcileProtected(ctx, intent, openByID, positions, contract)
	}
}

// reconcileProtected watches the exit legs of an open position.
func (e *Engine) reconcileProtected(ctx context.Context, intent BracketIntent, openByID map[string]broker.Order, positions []broker.Position, contract broker.Contract) {
	// A native bracket starts with no leg ids. Once the gateway shows the
	// child orders it created, adopt them so breakeven moves and leg-level
	// bookkeeping work the same as on the manual path. Until legs appear,
	// the position disappearing is the only close signal.
	if intent.StopOrderID == "" && intent.Target1ID == "" {
		if !e.adoptNativeLegs(ctx, &intent, openByID) {
			if !hasPosition(positions, intent.Symbol) {
				e.resolveIntent(ctx, intent.ID, StateClosed, "position closed by native bracket")
			}
			return
		}
	}

	if intent.Target1ID != "" && !intent.Target1Filled {
		if _, open := openByID[intent.Target1ID]; !open {
			order, err := e.gateway.GetOrder(ctx, intent.Target1ID)
			if err == nil && order.Status == broker.StatusFilled {
				e.mu.Lock()
				live := e.intents[intent.ID]
				e.mu.Unlock()
				if live != nil {
					e.onTargetFilled(ctx, live, order, contract)
				}
			}
		}
	}

	if intent.Target2ID != "" && !intent.Target2Filled {
		if _, open := openByID[intent.Target2ID]; !open {
			order, err := e.gateway.GetOrder(ctx, intent.Target2ID)
			if err == nil && order.Status == broker.StatusFilled {
				e.applyFill(ctx, &intent, order, contract, intent.Side.Opposite())
				e.mu.Lock()
				live := e.intents[intent.ID]
				if live != nil {
					live.Target2Filled = true
				}
				e.mu.Unlock()
				if live != nil {
					e.closeOutIntent(ctx, live, "runner target filled", order.ID)
				}
			}
		}
	}

	if intent.StopOrderID != "" {
		if _, open := openByID[intent.StopOrderID]; !open {
			order, err := e.gateway.GetOrder(ctx, intent.StopOrderID)
			if err == nil && order.Status == broker.StatusFilled {
				e.applyFill(ctx, &intent, order, contract, intent.Side.Opposite())
				e.mu.Lock()
				live := e.intents[intent.ID]
				e.mu.Unlock()
				if live != nil {
					e.closeOutIntent(ctx, live, "stopped out", order.ID)
				}
			}
		}
	}
}

// adoptNativeLegs scans the open order book for the stop and target children
// a native bracket created under the intent's tag, records their ids, and
// persists them. Returns whether any leg was adopted.
func (e *Engine) adoptNativeLegs(ctx context.Context, intent *BracketIntent, openByID map[string]broker.Order) bool {
	var stop, target *broker.Order
	for id := range openByID {
		o := openByID[id]
		if o.Tag != intent.Tag || o.ID == intent.EntryOrderID {
			continue
		}
		switch o.Type {
		case broker.OrderTypeStop, broker.OrderTypeStopLimit:
			stop = &o
		case broker.OrderTypeLimit:
			target = &o
		}
	}
	if stop == nil && target == nil {
		return false
	}

	e.mu.Lock()
	live := e.intents[intent.ID]
	if live != nil {
		if stop != nil {
			live.StopOrderID = stop.ID
			intent.StopOrderID = stop.ID
		}
		if target != nil {
			live.Target1ID = target.ID
			intent.Target1ID = target.ID
		}
	}
	e.mu.Unlock()
	if live == nil {
		return false
	}

	if stop != nil {
		e.persistOrder(ctx, live, stop.ID, stop.Type, stop.Qty, stop.StopPrice, intent.EntryOrderID)
	}
	if target != nil {
		e.persistOrder(ctx, live, target.ID, target.Type, target.Qty, target.LimitPrice, intent.EntryOrderID)
	}
	e.logger.Info().Str("tag", intent.Tag).Msg("adopted native bracket legs")
	return true
}

// applyFill books one execution into the compliance tracker.
func (e *Engine) applyFill(ctx context.Context, intent *BracketIntent, order broker.Order, contract broker.Contract, side broker.Side) {
	qty := order.FilledQty
	if qty == 0 {
		qty = order.Qty
	}
	e.risk.OnFill(ctx, accountFill(intent, order, contract, side, qty, e.now()))
	e.markOrder(ctx, order.ID, string(broker.StatusFilled))
}

// syncPositions pushes the gateway's position book into the risk tracker.
func (e *Engine) syncPositions(positions []broker.Position) {
	seen := make(map[string]bool, len(positions))
	for _, p := range positions {
		contract, err := e.gateway.ResolveContract(context.Background(), p.Symbol)
		pv := 1.0
		if err == nil {
			pv = contract.PointValue
		}
		e.risk.SyncPosition(p.Symbol, p.Qty, p.AvgPrice, pv)
		seen[p.Symbol] = true
	}
	e.mu.Lock()
	symbols := make(map[string]bool)
	for _, it := range e.intents {
		if it.State == StateProtected {
			symbols[it.Symbol] = true
		}
	}
	e.mu.Unlock()
	for sym := range symbols {
		if !seen[sym] {
			e.risk.SyncPosition(sym, 0, 0, 0)
		}
	}
}

// protectSweep brackets any open position that has no working stop. The
// protective stop and target sit a configured number of ticks either side
// of the average entry price.
func (e *Engine) protectSweep(ctx context.Context, openOrders []broker.Order, positions []broker.Position) {
	stops := make(map[string]bool)
	for _, o := range openOrders {
		if o.Type == broker.OrderTypeStop || o.Type == broker.OrderTypeStopLimit {
			stops[o.Symbol] = true
		}
	}

	for _, p := range positions {
		if p.Qty == 0 || stops[p.Symbol] {
			continue
		}
		contract, err := e.gateway.ResolveContract(ctx, p.Symbol)
		if err != nil {
			e.logger.Warn().Err(err).Str("symbol", p.Symbol).Msg("protect sweep: contract unresolved")
			continue
		}

		exit := broker.SideSell
		qty := p.Qty
		stopPrice := p.AvgPrice - float64(e.cfg.AutoBracketStopTicks)*contract.TickSize
		targetPrice := p.AvgPrice + float64(e.cfg.AutoBracketTgtTicks)*contract.TickSize
		if p.Qty < 0 {
			exit = broker.SideBuy
			qty = -qty
			stopPrice = p.AvgPrice + float64(e.cfg.AutoBracketStopTicks)*contract.TickSize
			targetPrice = p.AvgPrice - float64(e.cfg.AutoBracketTgtTicks)*contract.TickSize
		}

		tag := nextTag("protect", e.cfg.AccountID, p.Symbol)
		e.logger.Warn().
			Str("symbol", p.Symbol).
			Int("qty", p.Qty).
			Float64("stop", stopPrice).
			Float64("target", targetPrice).
			Msg("unprotected position, attaching bracket")

		if _, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
			AccountID:  e.cfg.AccountID,
			ContractID: p.ContractID,
			Side:       exit,
			Type:       broker.OrderTypeStop,
			Qty:        qty,
			StopPrice:  stopPrice,
			Tag:        tag,
		}); err != nil {
			e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("protective stop failed")
			continue
		}
		if _, err := e.gateway.PlaceOrder(ctx, broker.OrderRequest{
			AccountID:  e.cfg.AccountID,
			ContractID: p.ContractID,
			Side:       exit,
			Type:       broker.OrderTypeLimit,
			Qty:        qty,
			LimitPrice: targetPrice,
			Tag:        tag,
		}); err != nil {
			e.logger.Error().Err(err).Str("symbol", p.Symbol).Msg("protective target failed")
		}
	}
}

func accountFill(intent *BracketIntent, order broker.Order, contract broker.Contract, side broker.Side, qty int, ts time.Time) account.Fill {
	price := order.FillPrice
	if price == 0 {
		price = order.StopPrice
	}
	if price == 0 {
		price = order.LimitPrice
	}
	return account.Fill{
		Symbol:     intent.Symbol,
		Side:       string(side),
		Qty:        qty,
		Price:      price,
		PointValue: contract.PointValue,
		OrderID:    order.ID,
		Tag:        intent.Tag,
		Time:       ts,
	}
}

func hasPosition(positions []broker.Position, symbol string) bool {
	for _, p := range positions {
		if p.Symbol == symbol && p.Qty != 0 {
			return true
		}
	}
	return false
}
