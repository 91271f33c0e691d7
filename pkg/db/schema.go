package db

import "fmt"

// Schema is authored to run unchanged on both SQLite and Postgres: TEXT
// keys, DOUBLE PRECISION numerics, INTEGER 0/1 flags, TIMESTAMP times.
const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    type TEXT NOT NULL,
    starting_balance DOUBLE PRECISION NOT NULL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS account_snapshots (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    balance DOUBLE PRECISION NOT NULL,
    realized_pnl DOUBLE PRECISION DEFAULT 0,
    unrealized_pnl DOUBLE PRECISION DEFAULT 0,
    commissions DOUBLE PRECISION DEFAULT 0,
    fees DOUBLE PRECISION DEFAULT 0,
    highest_eod_balance DOUBLE PRECISION DEFAULT 0,
    is_eod INTEGER DEFAULT 0,
    ts TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_account_ts
    ON account_snapshots(account_id, ts);

CREATE TABLE IF NOT EXISTS historical_bars (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    open_time TIMESTAMP NOT NULL,
    open DOUBLE PRECISION NOT NULL,
    high DOUBLE PRECISION NOT NULL,
    low DOUBLE PRECISION NOT NULL,
    close DOUBLE PRECISION NOT NULL,
    volume DOUBLE PRECISION DEFAULT 0,
    PRIMARY KEY (symbol, timeframe, open_time)
);

CREATE TABLE IF NOT EXISTS cache_metadata (
    symbol TEXT NOT NULL,
    timeframe TEXT NOT NULL,
    fetched_at TIMESTAMP NOT NULL,
    bar_count INTEGER DEFAULT 0,
    PRIMARY KEY (symbol, timeframe)
);

CREATE TABLE IF NOT EXISTS strategy_states (
    account_id TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    enabled INTEGER DEFAULT 1,
    state_data TEXT NOT NULL,
    last_execution TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (account_id, strategy_name)
);

CREATE TABLE IF NOT EXISTS orders (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    type TEXT NOT NULL,
    qty INTEGER NOT NULL,
    limit_price DOUBLE PRECISION,
    stop_price DOUBLE PRECISION,
    status TEXT NOT NULL,
    parent_id TEXT,
    tag TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_tag ON orders(tag);

CREATE TABLE IF NOT EXISTS trade_history (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    qty INTEGER NOT NULL,
    price DOUBLE PRECISION NOT NULL,
    realized_pnl DOUBLE PRECISION DEFAULT 0,
    fee DOUBLE PRECISION DEFAULT 0,
    order_id TEXT,
    tag TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS api_metrics (
    ts TIMESTAMP NOT NULL,
    endpoint TEXT NOT NULL,
    latency_ms DOUBLE PRECISION NOT NULL,
    status INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_api_metrics_ts ON api_metrics(ts);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if !d.postgres {
		if _, err := d.DB.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
			return fmt.Errorf("enable WAL: %w", err)
		}
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
