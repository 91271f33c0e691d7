package market

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/events"
	"prop-engine/pkg/broker"
)

// pnlDebounce floors how often a symbol's price change reaches the PnL
// listener. Quotes themselves are never debounced; only the mark-to-market
// fan-out is.
const pnlDebounce = 200 * time.Millisecond

// PriceListener receives debounced last-trade prices for mark-to-market.
type PriceListener func(symbol string, price float64, ts time.Time)

// QuoteSource is the streaming side of the broker the hub consumes.
type QuoteSource interface {
	Subscribe(symbol string, h broker.QuoteHandler) error
	Unsubscribe(symbol string) error
	OnDisconnect(fn func())
}

type symbolState struct {
	lastPrice   float64
	lastTick    time.Time
	lastForward time.Time
}

// Hub is the single consumer of the broker quote stream. It fans each tick
// out to the bar aggregator at full rate, keeps the last price per symbol,
// and forwards debounced price updates to the PnL listener.
type Hub struct {
	mu      sync.RWMutex
	symbols map[string]*symbolState

	source     QuoteSource
	aggregator *Aggregator
	bus        *events.Bus
	onPrice    PriceListener

	ctx    context.Context
	logger zerolog.Logger
}

// NewHub wires the hub. onPrice may be nil.
func NewHub(source QuoteSource, agg *Aggregator, bus *events.Bus, onPrice PriceListener, logger zerolog.Logger) *Hub {
	h := &Hub{
		symbols:    make(map[string]*symbolState),
		source:     source,
		aggregator: agg,
		bus:        bus,
		onPrice:    onPrice,
		ctx:        context.Background(),
		logger:     logger.With().Str("component", "quote_hub").Logger(),
	}
	source.OnDisconnect(func() {
		h.logger.Warn().Msg("quote stream down")
		if bus != nil {
			bus.Publish(events.EventQuoteStreamDown, nil)
		}
	})
	return h
}

// Start binds the hub lifetime to ctx.
func (h *Hub) Start(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()
}

// Watch subscribes a symbol's quotes. Safe to call repeatedly.
func (h *Hub) Watch(symbol string) error {
	h.mu.Lock()
	if _, ok := h.symbols[symbol]; ok {
		h.mu.Unlock()
		return nil
	}
	h.symbols[symbol] = &symbolState{}
	h.mu.Unlock()

	return h.source.Subscribe(symbol, h.onQuote)
}

// Unwatch drops a symbol.
func (h *Hub) Unwatch(symbol string) error {
	h.mu.Lock()
	delete(h.symbols, symbol)
	h.mu.Unlock()
	return h.source.Unsubscribe(symbol)
}

// onQuote runs on the stream reader goroutine, so everything here is cheap
// and non-blocking.
func (h *Hub) onQuote(q broker.Quote) {
	h.mu.Lock()
	st, ok := h.symbols[q.Symbol]
	if !ok {
		st = &symbolState{}
		h.symbols[q.Symbol] = st
	}
	st.lastPrice = q.Price
	st.lastTick = q.Timestamp
	forward := h.onPrice != nil && time.Since(st.lastForward) >= pnlDebounce
	if forward {
		st.lastForward = time.Now()
	}
	ctx := h.ctx
	h.mu.Unlock()

	h.aggregator.OnQuote(ctx, q)
	if h.bus != nil {
		h.bus.Publish(events.EventQuote, events.Quote{
			Symbol:    q.Symbol,
			Price:     q.Price,
			Size:      q.Size,
			Timestamp: q.Timestamp,
		})
	}
	if forward {
		h.onPrice(q.Symbol, q.Price, q.Timestamp)
	}
}

// LastPrice returns the most recent trade price for a symbol.
func (h *Hub) LastPrice(symbol string) (float64, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.symbols[symbol]
	if !ok || st.lastTick.IsZero() {
		return 0, false
	}
	return st.lastPrice, true
}

// LastTick returns when the symbol last traded, used by staleness checks.
func (h *Hub) LastTick(symbol string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st, ok := h.symbols[symbol]
	if !ok || st.lastTick.IsZero() {
		return time.Time{}, false
	}
	return st.lastTick, true
}
