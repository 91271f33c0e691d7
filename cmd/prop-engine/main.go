package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"prop-engine/internal/account"
	"prop-engine/internal/api"
	"prop-engine/internal/cache"
	"prop-engine/internal/engine"
	"prop-engine/internal/events"
	"prop-engine/internal/market"
	"prop-engine/internal/monitor"
	"prop-engine/internal/notify"
	"prop-engine/internal/queue"
	"prop-engine/internal/signals"
	"prop-engine/internal/strategy"
	"prop-engine/pkg/broker"
	"prop-engine/pkg/config"
	"prop-engine/pkg/db"
)

const (
	metricBatchSize     = 100
	metricFlushInterval = 10 * time.Second
	shutdownGrace       = 10 * time.Second
	strategyParamsFile  = "strategies.yaml"
)

// brokerHistory adapts the gateway's contract-keyed history endpoint to the
// symbol-keyed source the bar cache consumes.
type brokerHistory struct {
	client *broker.Client
}

func (h brokerHistory) FetchBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]db.Bar, error) {
	contract, err := h.client.ResolveContract(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := h.client.GetHistoricalBars(ctx, contract.ID, timeframe, start, end)
	if err != nil {
		return nil, err
	}
	bars := make([]db.Bar, 0, len(raw))
	for _, b := range raw {
		bars = append(bars, db.Bar{
			Symbol:    symbol,
			Timeframe: timeframe,
			OpenTime:  b.OpenTime,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return bars, nil
}

func main() {
	logger := newLogger(os.Getenv("LOG_LEVEL"))

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("config load failed")
	}
	logger = newLogger(cfg.LogLevel)
	logger.Info().Str("account", cfg.AccountID).Str("type", string(cfg.AccountType)).Msg("starting")

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		logger.Fatal().Err(err).Str("tz", cfg.Timezone).Msg("invalid timezone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Persistence
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database open failed")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	metricWriter := db.NewMetricWriter(database, metricBatchSize, metricFlushInterval, logger)
	mon := monitor.New(metricWriter)

	// Core services
	bus := events.NewBus()
	tasks := queue.New(cfg.WorkerCount, logger)

	// Broker gateway
	client := broker.NewClient(broker.Config{
		BaseURL:  cfg.BrokerBaseURL,
		Username: cfg.BrokerUsername,
		APIKey:   cfg.BrokerAPIKey,
		Metrics:  mon,
	}, logger)
	if err := client.Authenticate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("broker authentication failed")
	}
	stream := broker.NewStream(cfg.BrokerStreamURL, client.SessionToken, logger)

	// Compliance tracker, seeded from persisted EOD state.
	tracker := account.NewTracker(account.TrackerConfig{
		AccountID:       cfg.AccountID,
		AccountName:     cfg.AccountName,
		AccountType:     string(cfg.AccountType),
		StartingBalance: cfg.StartingBalance,
		DailyLossLimit:  cfg.DailyLossLimit,
		MaxLossLimit:    cfg.MaxLossLimit,
		MaxPositionSize: cfg.MaxPositionSize,
	}, database, bus, logger)
	if err := tracker.Rehydrate(ctx); err != nil {
		logger.Fatal().Err(err).Msg("compliance rehydrate failed")
	}

	// Order lifecycle engine with the tracker as its risk gate.
	eng := engine.New(engine.Config{
		AccountID:            cfg.AccountID,
		PositionSize:         cfg.PositionSize,
		MaxPositionSize:      cfg.MaxPositionSize,
		CloseEntireAtTP1:     cfg.CloseEntireAtTP1,
		TP1Fraction:          cfg.TP1Fraction,
		DebounceWindow:       cfg.DebounceWindow,
		AutoBracketStopTicks: cfg.AutoBracketStopTicks,
		AutoBracketTgtTicks:  cfg.AutoBracketTgtTicks,
		ProtectPositions:     cfg.ProtectPositions,
		BreakevenEnabled:     cfg.BreakevenEnabled,
		BreakevenProfitPts:   cfg.BreakevenProfitPts,
	}, client, tracker, database, bus, tasks, logger)

	tracker.OnBreach(func(ctx context.Context, reason string) {
		if err := eng.Flatten(ctx, reason); err != nil {
			logger.Error().Err(err).Msg("breach flatten failed")
		}
	})
	go eng.RunReconciler(ctx)

	// Market data: cache, tick aggregation, quote hub.
	barCache := cache.New(database, brokerHistory{client: client}, cache.TTLConfig{
		MarketHours:    cfg.CacheTTLMarketHours,
		OffHours:       cfg.CacheTTLOffHours,
		Default:        cfg.CacheTTLDefault,
		MarketOpenUTC:  cache.DefaultTTLConfig().MarketOpenUTC,
		MarketCloseUTC: cache.DefaultTTLConfig().MarketCloseUTC,
	}, logger)

	agg := market.NewAggregator(bus, func(ctx context.Context, bar db.Bar) {
		barCache.PutClosedBar(ctx, bar)
	}, logger)

	// Every quote marks open positions to market and feeds the engine's
	// breakeven watch.
	hub := market.NewHub(stream, agg, bus, func(symbol string, price float64, ts time.Time) {
		tracker.MarkPrice(ctx, symbol, price)
		eng.OnPrice(ctx, symbol, price)
	}, logger)
	hub.Start(ctx)
	stream.Start(ctx)
	for _, sym := range cfg.Symbols {
		if err := hub.Watch(sym); err != nil {
			logger.Warn().Err(err).Str("symbol", sym).Msg("quote subscription failed")
		}
	}

	if cfg.PrefetchEnabled {
		warm := cache.NewPrefetcher(barCache, tasks, cfg.PrefetchSymbols, cfg.PrefetchTimeframes, 0, logger)
		warm.Start(ctx)
	}

	// Strategies
	params, err := strategy.LoadParams(cfg, strategyParamsFile)
	if err != nil {
		logger.Fatal().Err(err).Msg("strategy params load failed")
	}
	instances := make([]*strategy.OvernightRange, 0, len(params))
	for _, p := range params {
		inst, err := strategy.NewOvernightRange(cfg.AccountID, p, eng, barCache, tracker, database, bus, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("symbol", p.Symbol).Msg("strategy init failed")
		}
		instances = append(instances, inst)
	}
	manager := strategy.NewManager(instances, bus, cfg.StrategyEnabled, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("strategy manager start failed")
	}

	scheduler, err := strategy.NewScheduler(tz, cfg.EODExitTime, manager, tracker, database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("scheduler init failed")
	}
	scheduler.Start(ctx)

	// Signal intake and outbound notifications.
	intake := signals.NewIntake(signals.Policy{
		IgnoreNonEntry: cfg.IgnoreNonEntrySignals,
		IgnoreTP1:      cfg.IgnoreTP1Signals,
		DebounceWindow: cfg.DebounceWindow,
		PositionSize:   cfg.PositionSize,
	}, eng, logger)

	notify.New(cfg.NotifierURL, bus, logger).Start(ctx)

	// HTTP surface
	server := api.New(api.Options{
		Port:           cfg.Port,
		JWTSecret:      cfg.JWTSecret,
		WebhookEnabled: cfg.SignalWebhookEnabled,
	}, api.Deps{
		Queue:      tasks,
		Cache:      barCache,
		Tracker:    tracker,
		Monitor:    mon,
		Engine:     eng,
		Strategies: manager,
		Signals:    intake,
		BusDropped: bus.Dropped,
		LateQuotes: agg.LateQuotes,
	}, logger)
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Run(ctx) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		logger.Error().Err(err).Msg("http server failed, shutting down")
	}
	cancel()

	// Drain in dependency order: seal partial bars, let queued work finish,
	// then flush metrics before the database closes.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), shutdownGrace)
	agg.FlushAll(flushCtx)
	flushCancel()
	tasks.Shutdown(shutdownGrace)
	metricWriter.Close()
	logger.Info().Msg("shutdown complete")
}

// newLogger builds the process logger at the configured level.
func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stdout).Level(lvl).With().Timestamp().Logger()
}
