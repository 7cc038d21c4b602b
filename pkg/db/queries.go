// Package db persists order lifecycle state and the daily trading ledger in
// SQLite so the process can recover in-flight positions after a restart.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("record not found")

// Queries is the storage access layer over a single SQLite handle.
type Queries struct {
	db *sql.DB
}

// NewQueries wraps an existing handle; tests use this with :memory:.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Active orders
// ----------------------------------------

// UpsertActiveOrder writes the current state of an in-flight order.
func (q *Queries) UpsertActiveOrder(ctx context.Context, o ActiveOrderRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO active_orders (
			id, signal_id, instrument, contract_symbol, token, exchange,
			option_type, strike, expiry, qty, entry_price, target, stop_loss,
			status, paper, avg_fill_price, submitted_at, filled_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			avg_fill_price = excluded.avg_fill_price,
			filled_at = excluded.filled_at,
			updated_at = CURRENT_TIMESTAMP
	`, o.ID, o.SignalID, o.Instrument, o.ContractSymbol, o.Token, o.Exchange,
		o.OptionType, o.Strike, o.Expiry, o.Qty, o.EntryPrice, o.Target, o.StopLoss,
		o.Status, o.Paper, o.AvgFillPrice, o.SubmittedAt, o.FilledAt)
	if err != nil {
		return fmt.Errorf("upsert active order: %w", err)
	}
	return nil
}

// ActiveOrders returns every in-flight order, oldest first.
func (q *Queries) ActiveOrders(ctx context.Context) ([]ActiveOrderRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, instrument, contract_symbol, token, exchange,
		       option_type, strike, expiry, qty, entry_price, target, stop_loss,
		       status, paper, avg_fill_price, submitted_at, filled_at
		FROM active_orders
		ORDER BY submitted_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query active orders: %w", err)
	}
	defer rows.Close()

	var orders []ActiveOrderRow
	for rows.Next() {
		var o ActiveOrderRow
		if err := rows.Scan(&o.ID, &o.SignalID, &o.Instrument, &o.ContractSymbol,
			&o.Token, &o.Exchange, &o.OptionType, &o.Strike, &o.Expiry, &o.Qty,
			&o.EntryPrice, &o.Target, &o.StopLoss, &o.Status, &o.Paper,
			&o.AvgFillPrice, &o.SubmittedAt, &o.FilledAt); err != nil {
			return nil, fmt.Errorf("scan active order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// DeleteActiveOrder removes a finished order from the in-flight table.
func (q *Queries) DeleteActiveOrder(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM active_orders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete active order: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Closed orders
// ----------------------------------------

// InsertClosedOrder appends a finished trade to the audit log.
func (q *Queries) InsertClosedOrder(ctx context.Context, o ClosedOrderRow) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO closed_orders (
			id, signal_id, instrument, contract_symbol, option_type, strike,
			qty, entry_price, exit_price, exit_reason, status, pnl, paper,
			submitted_at, exited_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.ID, o.SignalID, o.Instrument, o.ContractSymbol, o.OptionType, o.Strike,
		o.Qty, o.EntryPrice, o.ExitPrice, o.ExitReason, o.Status, o.PnL, o.Paper,
		o.SubmittedAt, o.ExitedAt)
	if err != nil {
		return fmt.Errorf("insert closed order: %w", err)
	}
	return nil
}

// ClosedOrders returns the most recent finished trades.
func (q *Queries) ClosedOrders(ctx context.Context, limit int) ([]ClosedOrderRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, signal_id, instrument, contract_symbol, option_type, strike,
		       qty, entry_price, exit_price, exit_reason, status, pnl, paper,
		       submitted_at, exited_at
		FROM closed_orders
		ORDER BY exited_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query closed orders: %w", err)
	}
	defer rows.Close()

	var orders []ClosedOrderRow
	for rows.Next() {
		var o ClosedOrderRow
		if err := rows.Scan(&o.ID, &o.SignalID, &o.Instrument, &o.ContractSymbol,
			&o.OptionType, &o.Strike, &o.Qty, &o.EntryPrice, &o.ExitPrice,
			&o.ExitReason, &o.Status, &o.PnL, &o.Paper, &o.SubmittedAt,
			&o.ExitedAt); err != nil {
			return nil, fmt.Errorf("scan closed order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ----------------------------------------
// Ledger
// ----------------------------------------

// ApplyLedgerTrade folds one realized result into the given day's row.
func (q *Queries) ApplyLedgerTrade(ctx context.Context, date string, pnl float64) error {
	win, loss := 0, 0
	if pnl >= 0 {
		win = 1
	} else {
		loss = 1
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO ledger_days (date, realized_pnl, trade_count, wins, losses)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			realized_pnl = realized_pnl + excluded.realized_pnl,
			trade_count = trade_count + 1,
			wins = wins + excluded.wins,
			losses = losses + excluded.losses
	`, date, pnl, win, loss)
	if err != nil {
		return fmt.Errorf("apply ledger trade: %w", err)
	}
	return nil
}

// LedgerDay returns one day's totals; a day with no trades is all zeroes.
func (q *Queries) LedgerDay(ctx context.Context, date string) (LedgerDayRow, error) {
	row := LedgerDayRow{Date: date}
	err := q.db.QueryRowContext(ctx, `
		SELECT realized_pnl, trade_count, wins, losses
		FROM ledger_days
		WHERE date = ?
	`, date).Scan(&row.RealizedPnL, &row.TradeCount, &row.Wins, &row.Losses)
	if err == sql.ErrNoRows {
		return row, nil
	}
	if err != nil {
		return row, fmt.Errorf("query ledger day: %w", err)
	}
	return row, nil
}

// LedgerRange returns day rows between two YYYY-MM-DD dates inclusive.
func (q *Queries) LedgerRange(ctx context.Context, from, to string) ([]LedgerDayRow, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT date, realized_pnl, trade_count, wins, losses
		FROM ledger_days
		WHERE date >= ? AND date <= ?
		ORDER BY date ASC
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("query ledger range: %w", err)
	}
	defer rows.Close()

	var days []LedgerDayRow
	for rows.Next() {
		var d LedgerDayRow
		if err := rows.Scan(&d.Date, &d.RealizedPnL, &d.TradeCount, &d.Wins, &d.Losses); err != nil {
			return nil, fmt.Errorf("scan ledger day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}
