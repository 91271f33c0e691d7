package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a single-row lookup matches nothing.
var ErrNotFound = errors.New("db: record not found")

// ----------------------------------------
// Accounts
// ----------------------------------------

// EnsureAccount inserts the account row if it does not exist yet. Account
// rows are immutable after creation, so conflicts are ignored.
func (d *Database) EnsureAccount(ctx context.Context, a Account) error {
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO accounts (id, name, type, starting_balance)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`), a.ID, a.Name, a.Type, a.StartingBalance)
	if err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// GetAccount loads a single account row.
func (d *Database) GetAccount(ctx context.Context, id string) (Account, error) {
	var a Account
	err := d.DB.QueryRowContext(ctx, d.rebind(`
		SELECT id, name, type, starting_balance, created_at
		FROM accounts WHERE id = ?
	`), id).Scan(&a.ID, &a.Name, &a.Type, &a.StartingBalance, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

// ----------------------------------------
// Account snapshots
// ----------------------------------------

// AppendSnapshot stores one balance snapshot row.
func (d *Database) AppendSnapshot(ctx context.Context, s AccountSnapshot) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	isEOD := 0
	if s.IsEOD {
		isEOD = 1
	}
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO account_snapshots
			(id, account_id, balance, realized_pnl, unrealized_pnl, commissions, fees, highest_eod_balance, is_eod, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), s.ID, s.AccountID, s.Balance, s.RealizedPnL, s.UnrealizedPnL,
		s.Commissions, s.Fees, s.HighestEODBalance, isEOD, s.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append snapshot: %w", err)
	}
	return nil
}

// LatestEODSnapshot returns the most recent end-of-day snapshot for an
// account, or ErrNotFound when the account has never rolled over.
func (d *Database) LatestEODSnapshot(ctx context.Context, accountID string) (AccountSnapshot, error) {
	var s AccountSnapshot
	var isEOD int
	err := d.DB.QueryRowContext(ctx, d.rebind(`
		SELECT id, account_id, balance, realized_pnl, unrealized_pnl, commissions, fees, highest_eod_balance, is_eod, ts
		FROM account_snapshots
		WHERE account_id = ? AND is_eod = 1
		ORDER BY ts DESC LIMIT 1
	`), accountID).Scan(&s.ID, &s.AccountID, &s.Balance, &s.RealizedPnL, &s.UnrealizedPnL,
		&s.Commissions, &s.Fees, &s.HighestEODBalance, &isEOD, &s.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountSnapshot{}, ErrNotFound
	}
	if err != nil {
		return AccountSnapshot{}, fmt.Errorf("latest eod snapshot: %w", err)
	}
	s.IsEOD = isEOD == 1
	return s, nil
}

// HasEODSnapshotOn reports whether an EOD row already exists for the given
// session date. Guards the once-per-session-close invariant.
func (d *Database) HasEODSnapshotOn(ctx context.Context, accountID string, day time.Time) (bool, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	var n int
	err := d.DB.QueryRowContext(ctx, d.rebind(`
		SELECT COUNT(*) FROM account_snapshots
		WHERE account_id = ? AND is_eod = 1 AND ts >= ? AND ts < ?
	`), accountID, start, end).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count eod snapshots: %w", err)
	}
	return n > 0, nil
}

// ----------------------------------------
// Historical bars + cache metadata
// ----------------------------------------

// UpsertBars writes a batch of bars inside one transaction. Closed bars are
// immutable, so replays simply overwrite identical rows; the in-progress bar
// legitimately changes until its interval ends.
func (d *Database) UpsertBars(ctx context.Context, bars []Bar) error {
	if len(bars) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert bars: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, d.rebind(`
		INSERT INTO historical_bars (symbol, timeframe, open_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe, open_time) DO UPDATE SET
			open = excluded.open,
			high = excluded.high,
			low = excluded.low,
			close = excluded.close,
			volume = excluded.volume
	`))
	if err != nil {
		return fmt.Errorf("prepare upsert bars: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timeframe, b.OpenTime.UTC(),
			b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			return fmt.Errorf("upsert bar %s/%s@%s: %w", b.Symbol, b.Timeframe, b.OpenTime, err)
		}
	}
	return tx.Commit()
}

// QueryBars returns bars for (symbol, timeframe) with open_time in
// [start, end), ordered ascending.
func (d *Database) QueryBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]Bar, error) {
	rows, err := d.DB.QueryContext(ctx, d.rebind(`
		SELECT symbol, timeframe, open_time, open, high, low, close, volume
		FROM historical_bars
		WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?
		ORDER BY open_time ASC
	`), symbol, timeframe, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("query bars: %w", err)
	}
	defer rows.Close()

	var bars []Bar
	for rows.Next() {
		var b Bar
		if err := rows.Scan(&b.Symbol, &b.Timeframe, &b.OpenTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, fmt.Errorf("scan bar: %w", err)
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// UpsertCacheMeta records the fetch time for a (symbol, timeframe) range.
func (d *Database) UpsertCacheMeta(ctx context.Context, m CacheMeta) error {
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO cache_metadata (symbol, timeframe, fetched_at, bar_count)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(symbol, timeframe) DO UPDATE SET
			fetched_at = excluded.fetched_at,
			bar_count = excluded.bar_count
	`), m.Symbol, m.Timeframe, m.FetchedAt.UTC(), m.BarCount)
	if err != nil {
		return fmt.Errorf("upsert cache meta: %w", err)
	}
	return nil
}

// GetCacheMeta loads cache metadata for one (symbol, timeframe).
func (d *Database) GetCacheMeta(ctx context.Context, symbol, timeframe string) (CacheMeta, error) {
	var m CacheMeta
	err := d.DB.QueryRowContext(ctx, d.rebind(`
		SELECT symbol, timeframe, fetched_at, bar_count
		FROM cache_metadata WHERE symbol = ? AND timeframe = ?
	`), symbol, timeframe).Scan(&m.Symbol, &m.Timeframe, &m.FetchedAt, &m.BarCount)
	if errors.Is(err, sql.ErrNoRows) {
		return CacheMeta{}, ErrNotFound
	}
	if err != nil {
		return CacheMeta{}, fmt.Errorf("get cache meta: %w", err)
	}
	return m, nil
}

// ----------------------------------------
// Strategy states
// ----------------------------------------

// UpsertStrategyState persists the durable strategy blob. Written on every
// arming, fill, and phase transition so a restart can rehydrate.
func (d *Database) UpsertStrategyState(ctx context.Context, s StrategyState) error {
	enabled := 0
	if s.Enabled {
		enabled = 1
	}
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO strategy_states (account_id, strategy_name, enabled, state_data, last_execution, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, strategy_name) DO UPDATE SET
			enabled = excluded.enabled,
			state_data = excluded.state_data,
			last_execution = excluded.last_execution,
			updated_at = CURRENT_TIMESTAMP
	`), s.AccountID, s.StrategyName, enabled, s.StateData, s.LastExecution.UTC())
	if err != nil {
		return fmt.Errorf("upsert strategy state: %w", err)
	}
	return nil
}

// GetStrategyState loads one strategy blob.
func (d *Database) GetStrategyState(ctx context.Context, accountID, strategyName string) (StrategyState, error) {
	var s StrategyState
	var enabled int
	err := d.DB.QueryRowContext(ctx, d.rebind(`
		SELECT account_id, strategy_name, enabled, state_data, last_execution, updated_at
		FROM strategy_states WHERE account_id = ? AND strategy_name = ?
	`), accountID, strategyName).Scan(&s.AccountID, &s.StrategyName, &enabled, &s.StateData, &s.LastExecution, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StrategyState{}, ErrNotFound
	}
	if err != nil {
		return StrategyState{}, fmt.Errorf("get strategy state: %w", err)
	}
	s.Enabled = enabled == 1
	return s, nil
}

// DeleteStrategyState removes a strategy blob on explicit unregister.
func (d *Database) DeleteStrategyState(ctx context.Context, accountID, strategyName string) error {
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		DELETE FROM strategy_states WHERE account_id = ? AND strategy_name = ?
	`), accountID, strategyName)
	if err != nil {
		return fmt.Errorf("delete strategy state: %w", err)
	}
	return nil
}

// ----------------------------------------
// Orders + trades
// ----------------------------------------

// SaveOrder inserts or updates an order row keyed by broker order id.
func (d *Database) SaveOrder(ctx context.Context, o Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO orders (id, account_id, symbol, side, type, qty, limit_price, stop_price, status, parent_id, tag, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			qty = excluded.qty,
			limit_price = excluded.limit_price,
			stop_price = excluded.stop_price,
			status = excluded.status,
			updated_at = excluded.updated_at
	`), o.ID, o.AccountID, o.Symbol, o.Side, o.Type, o.Qty, o.LimitPrice, o.StopPrice,
		o.Status, o.ParentID, o.Tag, o.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("save order: %w", err)
	}
	return nil
}

// UpdateOrderStatus flips just the status column.
func (d *Database) UpdateOrderStatus(ctx context.Context, orderID, status string) error {
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		UPDATE orders SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`), status, orderID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// GetOrdersByTag returns all order legs recorded for a correlation tag.
func (d *Database) GetOrdersByTag(ctx context.Context, tag string) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, d.rebind(`
		SELECT id, account_id, symbol, side, type, qty,
		       COALESCE(limit_price, 0), COALESCE(stop_price, 0),
		       status, COALESCE(parent_id, ''), COALESCE(tag, ''), created_at, updated_at
		FROM orders WHERE tag = ? ORDER BY created_at ASC
	`), tag)
	if err != nil {
		return nil, fmt.Errorf("orders by tag: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Side, &o.Type, &o.Qty,
			&o.LimitPrice, &o.StopPrice, &o.Status, &o.ParentID, &o.Tag, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AppendTrade stores one realized fill in trade_history.
func (d *Database) AppendTrade(ctx context.Context, t Trade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO trade_history (id, account_id, symbol, side, qty, price, realized_pnl, fee, order_id, tag, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), t.ID, t.AccountID, t.Symbol, t.Side, t.Qty, t.Price, t.RealizedPnL, t.Fee, t.OrderID, t.Tag, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	return nil
}

// ----------------------------------------
// Metrics + retention
// ----------------------------------------

// AppendAPIMetric inserts one latency row. Hot paths go through the batch
// writer instead of calling this directly.
func (d *Database) AppendAPIMetric(ctx context.Context, m APIMetric) error {
	_, err := d.DB.ExecContext(ctx, d.rebind(`
		INSERT INTO api_metrics (ts, endpoint, latency_ms, status) VALUES (?, ?, ?, ?)
	`), m.Timestamp.UTC(), m.Endpoint, m.LatencyMS, m.Status)
	if err != nil {
		return fmt.Errorf("append api metric: %w", err)
	}
	return nil
}

// Purge removes bars and metrics older than their retention windows.
func (d *Database) Purge(ctx context.Context, barRetention, metricRetention time.Duration) error {
	now := time.Now().UTC()
	if _, err := d.DB.ExecContext(ctx, d.rebind(`
		DELETE FROM historical_bars WHERE open_time < ?
	`), now.Add(-barRetention)); err != nil {
		return fmt.Errorf("purge bars: %w", err)
	}
	if _, err := d.DB.ExecContext(ctx, d.rebind(`
		DELETE FROM api_metrics WHERE ts < ?
	`), now.Add(-metricRetention)); err != nil {
		return fmt.Errorf("purge metrics: %w", err)
	}
	return nil
}
