package db

import "time"

// Account is the immutable account row created on first start.
type Account struct {
	ID              string
	Name            string
	Type            string
	StartingBalance float64
	CreatedAt       time.Time
}

// AccountSnapshot is one row of the per-account balance time series. EOD
// rows additionally carry the rolled-over highest end-of-day balance.
type AccountSnapshot struct {
	ID                string
	AccountID         string
	Balance           float64
	RealizedPnL       float64
	UnrealizedPnL     float64
	Commissions       float64
	Fees              float64
	HighestEODBalance float64
	IsEOD             bool
	Timestamp         time.Time
}

// Bar is one OHLCV bar keyed by (symbol, timeframe, open_time).
type Bar struct {
	Symbol    string
	Timeframe string
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CacheMeta records when bars for a (symbol, timeframe) were last fetched
// from the broker, which drives the cache TTL decision.
type CacheMeta struct {
	Symbol    string
	Timeframe string
	FetchedAt time.Time
	BarCount  int
}

// StrategyState is the durable per-(account, strategy) blob. StateData is an
// opaque JSON document owned by the strategy.
type StrategyState struct {
	AccountID     string
	StrategyName  string
	Enabled       bool
	StateData     string
	LastExecution time.Time
	UpdatedAt     time.Time
}

// Order mirrors a broker order the engine created or observed.
type Order struct {
	ID         string
	AccountID  string
	Symbol     string
	Side       string
	Type       string
	Qty        int
	LimitPrice float64
	StopPrice  float64
	Status     string
	ParentID   string
	Tag        string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Trade is a realized fill appended to trade_history.
type Trade struct {
	ID          string
	AccountID   string
	Symbol      string
	Side        string
	Qty         int
	Price       float64
	RealizedPnL float64
	Fee         float64
	OrderID     string
	Tag         string
	CreatedAt   time.Time
}

// APIMetric records the latency of one broker API call.
type APIMetric struct {
	Timestamp time.Time
	Endpoint  string
	LatencyMS float64
	Status    int
}
