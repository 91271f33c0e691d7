package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AccountType identifies the prop-firm program the account belongs to.
// The type fixes the default daily and trailing loss limits.
type AccountType string

const (
	AccountPractice      AccountType = "practice"
	AccountEval50K       AccountType = "evaluation-50k"
	AccountEval100K      AccountType = "evaluation-100k"
	AccountEval150K      AccountType = "evaluation-150k"
	AccountExpressFunded AccountType = "express-funded"
	AccountLiveFunded    AccountType = "live-funded"
)

// RiskDefaults holds the DLL/MLL pair implied by an account type.
type RiskDefaults struct {
	DailyLossLimit float64
	MaxLossLimit   float64
}

// riskByType maps account types to firm-mandated limits.
var riskByType = map[AccountType]RiskDefaults{
	AccountPractice:      {DailyLossLimit: 1000, MaxLossLimit: 2000},
	AccountEval50K:       {DailyLossLimit: 1000, MaxLossLimit: 2000},
	AccountEval100K:      {DailyLossLimit: 2000, MaxLossLimit: 3000},
	AccountEval150K:      {DailyLossLimit: 3000, MaxLossLimit: 4500},
	AccountExpressFunded: {DailyLossLimit: 1000, MaxLossLimit: 2000},
	AccountLiveFunded:    {DailyLossLimit: 2000, MaxLossLimit: 3000},
}

// DefaultsFor returns the risk limits for an account type.
// Unknown types get the most conservative tier.
func DefaultsFor(t AccountType) RiskDefaults {
	if d, ok := riskByType[t]; ok {
		return d
	}
	return riskByType[AccountPractice]
}

// Config holds environment-driven settings for the engine.
type Config struct {
	Port string

	// Broker
	BrokerBaseURL   string
	BrokerStreamURL string
	BrokerUsername  string
	BrokerAPIKey    string

	// Account
	AccountID       string
	AccountName     string
	AccountType     AccountType
	StartingBalance float64

	// Order policy
	PositionSize          int
	MaxPositionSize       int
	CloseEntireAtTP1      bool
	TP1Fraction           float64
	IgnoreNonEntrySignals bool
	IgnoreTP1Signals      bool
	DebounceWindow        time.Duration
	AutoBracketStopTicks  int
	AutoBracketTgtTicks   int
	ProtectPositions      bool

	// Overnight-range strategy
	StrategyEnabled    bool
	Symbols            []string
	OvernightStart     string // "18:00" local to Timezone
	OvernightEnd       string // "09:30"
	MarketOpen         string // "09:30"
	Timezone           string
	ATRPeriod          int
	ATRTimeframe       string
	StopATRMultiplier  float64
	TargetATRMult      float64
	RangeBreakOffset   float64
	BreakevenEnabled   bool
	BreakevenProfitPts float64
	EODExitTime        string // "15:45"

	// Risk (zero means: derive from account type)
	DailyLossLimit float64
	MaxLossLimit   float64

	// Cache
	CacheTTLMarketHours time.Duration
	CacheTTLOffHours    time.Duration
	CacheTTLDefault     time.Duration
	PrefetchEnabled     bool
	PrefetchSymbols     []string
	PrefetchTimeframes  []string

	// Signals
	SignalWebhookEnabled bool

	// Notifier
	NotifierURL string

	// Runtime
	WorkerCount int
	LogLevel    string
	DatabaseURL string
	JWTSecret   string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the engine still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		BrokerBaseURL:   getEnv("BROKER_BASE_URL", "https://api.topstepx.com"),
		BrokerStreamURL: getEnv("BROKER_STREAM_URL", "wss://rtc.topstepx.com/hubs/market"),
		BrokerUsername:  os.Getenv("BROKER_USERNAME"),
		BrokerAPIKey:    os.Getenv("BROKER_API_KEY"),

		AccountID:       os.Getenv("ACCOUNT_ID"),
		AccountName:     getEnv("ACCOUNT_NAME", "primary"),
		AccountType:     AccountType(getEnv("ACCOUNT_TYPE", string(AccountEval50K))),
		StartingBalance: getEnvFloat("STARTING_BALANCE", 50000),

		PositionSize:          getEnvInt("POSITION_SIZE", 2),
		MaxPositionSize:       getEnvInt("MAX_POSITION_SIZE", 5),
		CloseEntireAtTP1:      getEnvBool("CLOSE_ENTIRE_AT_TP1", false),
		TP1Fraction:           getEnvFloat("TP1_FRACTION", 0.75),
		IgnoreNonEntrySignals: getEnvBool("IGNORE_NON_ENTRY_SIGNALS", true),
		IgnoreTP1Signals:      getEnvBool("IGNORE_TP1_SIGNALS", true),
		DebounceWindow:        getEnvDuration("DEBOUNCE_SECONDS", 300*time.Second),
		AutoBracketStopTicks:  getEnvInt("AUTO_BRACKET_STOP_TICKS", 10),
		AutoBracketTgtTicks:   getEnvInt("AUTO_BRACKET_TARGET_TICKS", 20),
		ProtectPositions:      getEnvBool("PROTECT_POSITIONS", true),

		StrategyEnabled:    getEnvBool("STRATEGY_ENABLED", true),
		Symbols:            splitAndTrim(getEnv("SYMBOLS", "MNQ")),
		OvernightStart:     getEnv("OVERNIGHT_START_TIME", "18:00"),
		OvernightEnd:       getEnv("OVERNIGHT_END_TIME", "09:30"),
		MarketOpen:         getEnv("MARKET_OPEN_TIME", "09:30"),
		Timezone:           getEnv("TIMEZONE", "America/New_York"),
		ATRPeriod:          getEnvInt("ATR_PERIOD", 14),
		ATRTimeframe:       getEnv("ATR_TIMEFRAME", "5m"),
		StopATRMultiplier:  getEnvFloat("STOP_ATR_MULTIPLIER", 1.25),
		TargetATRMult:      getEnvFloat("TARGET_ATR_MULTIPLIER", 2.0),
		RangeBreakOffset:   getEnvFloat("RANGE_BREAK_OFFSET", 0.25),
		BreakevenEnabled:   getEnvBool("BREAKEVEN_ENABLED", false),
		BreakevenProfitPts: getEnvFloat("BREAKEVEN_PROFIT_POINTS", 15),
		EODExitTime:        getEnv("EOD_EXIT_TIME", "15:45"),

		DailyLossLimit: getEnvFloat("DAILY_LOSS_LIMIT", 0),
		MaxLossLimit:   getEnvFloat("MAXIMUM_LOSS_LIMIT", 0),

		CacheTTLMarketHours: getEnvDuration("CACHE_TTL_MARKET_HOURS", 2*time.Minute),
		CacheTTLOffHours:    getEnvDuration("CACHE_TTL_OFF_HOURS", 15*time.Minute),
		CacheTTLDefault:     getEnvDuration("CACHE_TTL_DEFAULT", 5*time.Minute),
		PrefetchEnabled:     getEnvBool("PREFETCH_ENABLED", false),
		PrefetchSymbols:     splitAndTrim(getEnv("PREFETCH_SYMBOLS", "")),
		PrefetchTimeframes:  splitAndTrim(getEnv("PREFETCH_TIMEFRAMES", "5m,1h")),

		SignalWebhookEnabled: getEnvBool("SIGNAL_WEBHOOK_ENABLED", true),
		NotifierURL:          os.Getenv("NOTIFIER_URL"),

		WorkerCount: getEnvInt("WORKER_COUNT", 0), // 0 = NumCPU
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		DatabaseURL: getEnv("DATABASE_URL", "sqlite://./data/engine.db"),
		JWTSecret:   getEnv("JWT_SECRET", "dev-secret"),
	}

	// Derive risk limits from account type when not set explicitly.
	defaults := DefaultsFor(cfg.AccountType)
	if cfg.DailyLossLimit <= 0 {
		cfg.DailyLossLimit = defaults.DailyLossLimit
	}
	if cfg.MaxLossLimit <= 0 {
		cfg.MaxLossLimit = defaults.MaxLossLimit
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TP1Fraction <= 0 || c.TP1Fraction > 1 {
		return fmt.Errorf("TP1_FRACTION must be in (0,1], got %v", c.TP1Fraction)
	}
	if c.MaxPositionSize < c.PositionSize {
		return fmt.Errorf("MAX_POSITION_SIZE %d smaller than POSITION_SIZE %d", c.MaxPositionSize, c.PositionSize)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvDuration reads a duration given in whole seconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * time.Second
		}
	}
	return def
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
