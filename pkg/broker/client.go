package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// MetricRecorder receives one sample per gateway call.
type MetricRecorder interface {
	RecordAPICall(endpoint string, latency time.Duration, status int)
}

// retry policy for transient failures.
const (
	maxAttempts  = 3
	retryBase    = 750 * time.Millisecond
	retryFactor  = 2
	callTimeout  = 30 * time.Second
)

// Client is the prop-firm gateway REST client. All operations translate the
// wire protocol into the typed vocabulary of types.go and classify failures
// per errors.go.
type Client struct {
	http     *resty.Client
	username string
	apiKey   string

	tokenMu  sync.Mutex
	token    string
	tokenExp time.Time

	contractMu sync.RWMutex
	contracts  map[string]Contract // symbol -> resolved contract, cached for the process lifetime

	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	metrics MetricRecorder
	logger  zerolog.Logger
}

// Config carries gateway connection settings.
type Config struct {
	BaseURL  string
	Username string
	APIKey   string
	Metrics  MetricRecorder
}

// NewClient creates a REST client. Transient retry and backoff live in do();
// resty's own retry stays off so the error taxonomy owns the policy.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(callTimeout).
		SetHeader("Content-Type", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "broker-orders",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		http:      httpClient,
		username:  cfg.Username,
		apiKey:    cfg.APIKey,
		contracts: make(map[string]Contract),
		breaker:   breaker,
		limiter:   rate.NewLimiter(rate.Limit(8), 16), // gateway allows ~10 req/s sustained
		metrics:   cfg.Metrics,
		logger:    logger.With().Str("component", "broker").Logger(),
	}
}

// envelope is the gateway's response wrapper.
type envelope struct {
	Success      bool   `json:"success"`
	ErrorCode    int    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// do runs one wire call with token handling, transient retry, and metric
// recording. body and result may be nil.
func (c *Client) do(ctx context.Context, op, path string, body, result any, env *envelope) error {
	var lastErr error
	authRetried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return newErr(KindTransient, op, "rate wait", err)
		}
		token, err := c.ensureToken(ctx)
		if err != nil {
			return err
		}

		start := time.Now()
		req := c.http.R().SetContext(ctx).SetAuthToken(token)
		if body != nil {
			req.SetBody(body)
		}
		if result != nil {
			req.SetResult(result)
		}
		resp, err := req.Post(path)
		latency := time.Since(start)
		status := 0
		if resp != nil {
			status = resp.StatusCode()
		}
		if c.metrics != nil {
			c.metrics.RecordAPICall(op, latency, status)
		}

		if err != nil {
			lastErr = newErr(KindTransient, op, "", err)
			c.sleepBackoff(ctx, attempt, 0)
			continue
		}

		switch {
		case status == http.StatusUnauthorized:
			if authRetried {
				return newErr(KindAuthExpired, op, "token refresh did not help", nil)
			}
			authRetried = true
			c.invalidateToken()
			attempt-- // the auth retry does not consume a transient attempt
			continue

		case status == http.StatusTooManyRequests:
			delay := serverAdvisedDelay(resp)
			lastErr = &Error{Kind: KindRateLimited, Op: op, RetryAfter: delay}
			c.sleepBackoff(ctx, attempt, delay)
			continue

		case status >= 500:
			lastErr = newErr(KindTransient, op, fmt.Sprintf("status %d", status), nil)
			c.sleepBackoff(ctx, attempt, 0)
			continue

		case status == http.StatusNotFound:
			return newErr(KindNotFound, op, "", nil)

		case status != http.StatusOK:
			return newErr(KindRejected, op, fmt.Sprintf("status %d: %s", status, resp.String()), nil)
		}

		if env != nil && !env.Success {
			if isNotFoundMessage(env.ErrorMessage) {
				return newErr(KindNotFound, op, env.ErrorMessage, nil)
			}
			return newErr(KindRejected, op, env.ErrorMessage, nil)
		}
		return nil
	}
	return lastErr
}

// sleepBackoff waits the jittered exponential delay, or the server hint when
// it is longer.
func (c *Client) sleepBackoff(ctx context.Context, attempt int, hint time.Duration) {
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= retryFactor
	}
	delay += time.Duration(rand.Int63n(int64(retryBase) / 2))
	if hint > delay {
		delay = hint
	}
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func serverAdvisedDelay(resp *resty.Response) time.Duration {
	if v := resp.Header().Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 2 * time.Second
}

func isNotFoundMessage(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "not found") || strings.Contains(m, "unknown order")
}

// ----------------------------------------
// Accounts and contracts
// ----------------------------------------

type accountSearchResponse struct {
	envelope
	Accounts []struct {
		ID       int     `json:"id"`
		Name     string  `json:"name"`
		Balance  float64 `json:"balance"`
		CanTrade bool    `json:"canTrade"`
	} `json:"accounts"`
}

// ListAccounts returns the accounts visible to the session.
func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var result accountSearchResponse
	if err := c.do(ctx, "account_search", "/api/account/search",
		map[string]bool{"onlyActiveAccounts": true}, &result, &result.envelope); err != nil {
		return nil, err
	}
	accounts := make([]Account, 0, len(result.Accounts))
	for _, a := range result.Accounts {
		accounts = append(accounts, Account{
			ID:       strconv.Itoa(a.ID),
			Name:     a.Name,
			Balance:  a.Balance,
			CanTrade: a.CanTrade,
		})
	}
	return accounts, nil
}

type contractSearchResponse struct {
	envelope
	Contracts []struct {
		ID         string  `json:"id"`
		Name       string  `json:"name"`
		Symbol     string  `json:"symbol"`
		PointValue float64 `json:"pointValue"`
		TickSize   float64 `json:"tickSize"`
	} `json:"contracts"`
}

// ListContracts searches tradable contracts matching text.
func (c *Client) ListContracts(ctx context.Context, text string) ([]Contract, error) {
	var result contractSearchResponse
	if err := c.do(ctx, "contract_search", "/api/contract/search",
		map[string]any{"searchText": text, "live": false}, &result, &result.envelope); err != nil {
		return nil, err
	}
	contracts := make([]Contract, 0, len(result.Contracts))
	for _, ct := range result.Contracts {
		contracts = append(contracts, Contract{
			ID:         ct.ID,
			Symbol:     ct.Symbol,
			Name:       ct.Name,
			PointValue: ct.PointValue,
			TickSize:   ct.TickSize,
		})
	}
	return contracts, nil
}

// ResolveContract translates a user-facing symbol into the gateway contract.
// Resolutions are cached for the process lifetime, so N calls cost one
// gateway lookup.
func (c *Client) ResolveContract(ctx context.Context, symbol string) (Contract, error) {
	c.contractMu.RLock()
	ct, ok := c.contracts[symbol]
	c.contractMu.RUnlock()
	if ok {
		return ct, nil
	}

	contracts, err := c.ListContracts(ctx, symbol)
	if err != nil {
		return Contract{}, err
	}
	for _, candidate := range contracts {
		if strings.EqualFold(candidate.Symbol, symbol) {
			c.contractMu.Lock()
			c.contracts[symbol] = candidate
			c.contractMu.Unlock()
			return candidate, nil
		}
	}
	return Contract{}, newErr(KindNotFound, "resolve_contract", "no contract for symbol "+symbol, nil)
}

// ----------------------------------------
// Orders
// ----------------------------------------

type placeOrderResponse struct {
	envelope
	OrderID int `json:"orderId"`
}

// submitGuarded routes order mutations through the circuit breaker so a
// misbehaving gateway cannot absorb the whole worker pool.
func (c *Client) submitGuarded(op string, fn func() (any, error)) (any, error) {
	out, err := c.breaker.Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, newErr(KindTransient, op, "order circuit open", err)
	}
	return out, err
}

// PlaceOrder submits a single order and returns the gateway order id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]any{
		"accountId":  req.AccountID,
		"contractId": req.ContractID,
		"side":       wireSide(req.Side),
		"type":       wireType(req.Type),
		"size":       req.Qty,
		"customTag":  req.Tag,
	}
	if req.LimitPrice != 0 {
		body["limitPrice"] = req.LimitPrice
	}
	if req.StopPrice != 0 {
		body["stopPrice"] = req.StopPrice
	}
	if req.ParentID != "" {
		body["linkedOrderId"] = req.ParentID
	}

	out, err := c.submitGuarded("place_order", func() (any, error) {
		var result placeOrderResponse
		if err := c.do(ctx, "place_order", "/api/order/place", body, &result, &result.envelope); err != nil {
			return nil, err
		}
		return strconv.Itoa(result.OrderID), nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// bracketsNotEnabledFragment is the gateway's rejection text when the
// account has native OCO brackets switched off.
const bracketsNotEnabledFragment = "brackets are not enabled"

// IsBracketsNotEnabled detects the specific rejection that triggers the
// post-fill bracketing fallback.
func IsBracketsNotEnabled(err error) bool {
	var be *Error
	if !errors.As(err, &be) || be.Kind != KindRejected {
		return false
	}
	return strings.Contains(strings.ToLower(be.Reason), bracketsNotEnabledFragment)
}

// PlaceBracket submits a native atomic entry + stop-loss + take-profit.
// Callers must fall back to PlaceOrder plus post-fill bracketing when the
// gateway answers with the brackets-not-enabled rejection.
func (c *Client) PlaceBracket(ctx context.Context, req BracketRequest) (string, error) {
	body := map[string]any{
		"accountId":       req.AccountID,
		"contractId":      req.ContractID,
		"side":            wireSide(req.Side),
		"type":            wireType(req.Type),
		"size":            req.Qty,
		"stopLossPrice":   req.StopLossPrice,
		"takeProfitPrice": req.TakeProfitPrice,
		"customTag":       req.Tag,
	}
	switch req.Type {
	case OrderTypeStop:
		body["stopPrice"] = req.EntryPrice
	case OrderTypeLimit:
		body["limitPrice"] = req.EntryPrice
	}

	out, err := c.submitGuarded("place_bracket", func() (any, error) {
		var result placeOrderResponse
		if err := c.do(ctx, "place_bracket", "/api/order/place-bracket", body, &result, &result.envelope); err != nil {
			return nil, err
		}
		return strconv.Itoa(result.OrderID), nil
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// ModifyOrder changes price and/or size of a working order.
func (c *Client) ModifyOrder(ctx context.Context, orderID string, upd OrderUpdate) error {
	body := map[string]any{"orderId": orderID}
	if upd.LimitPrice != nil {
		body["limitPrice"] = *upd.LimitPrice
	}
	if upd.StopPrice != nil {
		body["stopPrice"] = *upd.StopPrice
	}
	if upd.Qty != nil {
		body["size"] = *upd.Qty
	}
	_, err := c.submitGuarded("modify_order", func() (any, error) {
		var result envelope
		if err := c.do(ctx, "modify_order", "/api/order/modify", body, &result, &result); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.submitGuarded("cancel_order", func() (any, error) {
		var result envelope
		if err := c.do(ctx, "cancel_order", "/api/order/cancel",
			map[string]any{"orderId": orderID}, &result, &result); err != nil {
			return nil, err
		}
		return nil, nil
	})
	return err
}

type wireOrder struct {
	ID         int     `json:"id"`
	AccountID  int     `json:"accountId"`
	ContractID string  `json:"contractId"`
	Symbol     string  `json:"symbol"`
	Side       int     `json:"side"`
	Type       int     `json:"type"`
	Size       int     `json:"size"`
	FilledSize int     `json:"filledSize"`
	LimitPrice float64 `json:"limitPrice"`
	StopPrice  float64 `json:"stopPrice"`
	FillPrice  float64 `json:"fillPrice"`
	Status     int     `json:"status"`
	ParentID   int     `json:"linkedOrderId"`
	CustomTag  string  `json:"customTag"`
	Created    string  `json:"creationTimestamp"`
	Updated    string  `json:"updateTimestamp"`
}

type orderSearchResponse struct {
	envelope
	Orders []wireOrder `json:"orders"`
}

// GetOrder fetches a single order by id.
func (c *Client) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var result orderSearchResponse
	if err := c.do(ctx, "get_order", "/api/order/search",
		map[string]any{"orderId": orderID}, &result, &result.envelope); err != nil {
		return Order{}, err
	}
	if len(result.Orders) == 0 {
		return Order{}, newErr(KindNotFound, "get_order", "order "+orderID, nil)
	}
	return fromWireOrder(result.Orders[0]), nil
}

// ListOpenOrders returns all non-terminal orders for an account.
func (c *Client) ListOpenOrders(ctx context.Context, accountID string) ([]Order, error) {
	var result orderSearchResponse
	if err := c.do(ctx, "list_open_orders", "/api/order/search-open",
		map[string]any{"accountId": accountID}, &result, &result.envelope); err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(result.Orders))
	for _, o := range result.Orders {
		orders = append(orders, fromWireOrder(o))
	}
	return orders, nil
}

// ----------------------------------------
// Positions, balance, history
// ----------------------------------------

type positionSearchResponse struct {
	envelope
	Positions []struct {
		AccountID    int     `json:"accountId"`
		ContractID   string  `json:"contractId"`
		Symbol       string  `json:"symbol"`
		Size         int     `json:"size"`
		Type         int     `json:"type"` // 1 long, 2 short
		AveragePrice float64 `json:"averagePrice"`
	} `json:"positions"`
}

// ListOpenPositions returns the open positions for an account.
func (c *Client) ListOpenPositions(ctx context.Context, accountID string) ([]Position, error) {
	var result positionSearchResponse
	if err := c.do(ctx, "list_open_positions", "/api/position/search-open",
		map[string]any{"accountId": accountID}, &result, &result.envelope); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(result.Positions))
	for _, p := range result.Positions {
		qty := p.Size
		if p.Type == 2 {
			qty = -qty
		}
		positions = append(positions, Position{
			AccountID:  strconv.Itoa(p.AccountID),
			ContractID: p.ContractID,
			Symbol:     p.Symbol,
			Qty:        qty,
			AvgPrice:   p.AveragePrice,
		})
	}
	return positions, nil
}

type balanceResponse struct {
	envelope
	Balance     float64 `json:"balance"`
	RealizedPnL float64 `json:"realizedPnL"`
}

// GetAccountBalance fetches balance and session realized PnL.
func (c *Client) GetAccountBalance(ctx context.Context, accountID string) (Balance, error) {
	var result balanceResponse
	if err := c.do(ctx, "get_account_balance", "/api/account/balance",
		map[string]any{"accountId": accountID}, &result, &result.envelope); err != nil {
		return Balance{}, err
	}
	return Balance{Balance: result.Balance, RealizedPnL: result.RealizedPnL}, nil
}

type historyResponse struct {
	envelope
	Bars []struct {
		T time.Time `json:"t"`
		O float64   `json:"o"`
		H float64   `json:"h"`
		L float64   `json:"l"`
		C float64   `json:"c"`
		V float64   `json:"v"`
	} `json:"bars"`
}

// GetHistoricalBars fetches OHLCV bars for [start, end). timeframe uses the
// engine's "1m"/"5m"/"15m"/"1h"/"1d" notation.
func (c *Client) GetHistoricalBars(ctx context.Context, contractID, timeframe string, start, end time.Time) ([]Bar, error) {
	unit, number, err := wireTimeframe(timeframe)
	if err != nil {
		return nil, newErr(KindRejected, "get_historical_bars", err.Error(), nil)
	}
	var result historyResponse
	if err := c.do(ctx, "get_historical_bars", "/api/history/retrieve-bars", map[string]any{
		"contractId": contractID,
		"unit":       unit,
		"unitNumber": number,
		"startTime":  start.UTC().Format(time.RFC3339),
		"endTime":    end.UTC().Format(time.RFC3339),
		"limit":      20000,
	}, &result, &result.envelope); err != nil {
		return nil, err
	}
	bars := make([]Bar, 0, len(result.Bars))
	for _, b := range result.Bars {
		bars = append(bars, Bar{OpenTime: b.T.UTC(), Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V})
	}
	return bars, nil
}

// ----------------------------------------
// Wire translation helpers
// ----------------------------------------

func wireSide(s Side) int {
	if s == SideSell {
		return 1
	}
	return 0
}

func wireType(t OrderType) int {
	switch t {
	case OrderTypeLimit:
		return 1
	case OrderTypeMarket:
		return 2
	case OrderTypeStop:
		return 4
	case OrderTypeStopLimit:
		return 3
	}
	return 2
}

func fromWireSide(v int) Side {
	if v == 1 {
		return SideSell
	}
	return SideBuy
}

func fromWireType(v int) OrderType {
	switch v {
	case 1:
		return OrderTypeLimit
	case 3:
		return OrderTypeStopLimit
	case 4:
		return OrderTypeStop
	}
	return OrderTypeMarket
}

func fromWireStatus(v int) OrderStatus {
	switch v {
	case 1:
		return StatusWorking
	case 2:
		return StatusFilled
	case 3:
		return StatusCancelled
	case 4:
		return StatusPartial
	case 5:
		return StatusRejected
	}
	return StatusPending
}

func fromWireOrder(o wireOrder) Order {
	parent := ""
	if o.ParentID != 0 {
		parent = strconv.Itoa(o.ParentID)
	}
	created, _ := time.Parse(time.RFC3339, o.Created)
	updated, _ := time.Parse(time.RFC3339, o.Updated)
	return Order{
		ID:         strconv.Itoa(o.ID),
		AccountID:  strconv.Itoa(o.AccountID),
		ContractID: o.ContractID,
		Symbol:     o.Symbol,
		Side:       fromWireSide(o.Side),
		Type:       fromWireType(o.Type),
		Qty:        o.Size,
		FilledQty:  o.FilledSize,
		LimitPrice: o.LimitPrice,
		StopPrice:  o.StopPrice,
		FillPrice:  o.FillPrice,
		Status:     fromWireStatus(o.Status),
		ParentID:   parent,
		Tag:        o.CustomTag,
		CreatedAt:  created,
		UpdatedAt:  updated,
	}
}

// wireTimeframe maps "1m"/"5m"/"15m"/"1h"/"1d" to the gateway's unit enum.
func wireTimeframe(tf string) (unit, number int, err error) {
	tf = strings.ToLower(strings.TrimSpace(tf))
	if tf == "" {
		return 0, 0, fmt.Errorf("empty timeframe")
	}
	suffix := tf[len(tf)-1]
	n, convErr := strconv.Atoi(tf[:len(tf)-1])
	if convErr != nil || n <= 0 {
		return 0, 0, fmt.Errorf("bad timeframe %q", tf)
	}
	switch suffix {
	case 's':
		return 1, n, nil
	case 'm':
		return 2, n, nil
	case 'h':
		return 3, n, nil
	case 'd':
		return 4, n, nil
	}
	return 0, 0, fmt.Errorf("bad timeframe %q", tf)
}
