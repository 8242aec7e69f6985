package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// PageOptions is the shared keyset pagination shape of the feed reads: rows
// strictly older than BeforeID (when set), newest first, at most Limit rows.
type PageOptions struct {
	Limit    int
	BeforeID int64
}

func (o PageOptions) normalize() PageOptions {
	if o.Limit <= 0 || o.Limit > 1000 {
		o.Limit = 100
	}
	return o
}

// GetOrder fetches one replicated order by the bot's order id.
func (s *Storage) GetOrder(ctx context.Context, serverID moonbot.ServerID, orderID int64) (moonbot.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.q.QueryRowContext(ctx, `SELECT `+orderSelectColumns+`
		FROM moonbot_orders WHERE server_id = ? AND moonbot_order_id = ?`, serverID, orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return moonbot.Order{}, false, nil
	}
	if err != nil {
		return moonbot.Order{}, false, err
	}
	return order, true, nil
}

// ListOrders pages through a server's replicated orders, newest close first.
func (s *Storage) ListOrders(ctx context.Context, serverID moonbot.ServerID, opts PageOptions) ([]moonbot.Order, error) {
	opts = opts.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT ` + orderSelectColumns + ` FROM moonbot_orders WHERE server_id = ?`
	args := []any{serverID}
	if opts.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// ListSQLLog pages the replication log, newest first.
func (s *Storage) ListSQLLog(ctx context.Context, serverID moonbot.ServerID, opts PageOptions) ([]moonbot.SQLLog, error) {
	opts = opts.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, server_id, command_id, sql_text, received_at_utc, processed FROM sql_command_log WHERE server_id = ?`
	args := []any{serverID}
	if opts.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.SQLLog
	for rows.Next() {
		var (
			l         moonbot.SQLLog
			received  int64
			processed int64
		)
		if err := rows.Scan(&l.ID, &l.ServerID, &l.CommandID, &l.SQLText, &received, &processed); err != nil {
			return nil, err
		}
		l.ReceivedAt = time.UnixMilli(received).UTC()
		l.Processed = processed != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetBalance returns the last reported balance for one server.
func (s *Storage) GetBalance(ctx context.Context, serverID moonbot.ServerID) (moonbot.Balance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		b       moonbot.Balance
		running int64
		updated int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT server_id, bot_name, available, total, is_running, version, updated_at_utc
		FROM server_balance WHERE server_id = ?`, serverID).
		Scan(&b.ServerID, &b.BotName, &b.Available, &b.Total, &running, &b.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return moonbot.Balance{}, false, nil
	}
	if err != nil {
		return moonbot.Balance{}, false, err
	}
	b.IsRunning = running != 0
	b.UpdatedAt = time.UnixMilli(updated).UTC()
	return b, true, nil
}

// ListCharts pages the chart feed, newest first.
func (s *Storage) ListCharts(ctx context.Context, serverID moonbot.ServerID, opts PageOptions) ([]moonbot.Chart, error) {
	opts = opts.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT server_id, symbol, payload, received_at_utc FROM moonbot_charts WHERE server_id = ?`
	args := []any{serverID}
	if opts.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.Chart
	for rows.Next() {
		var (
			c        moonbot.Chart
			received int64
		)
		if err := rows.Scan(&c.ServerID, &c.Symbol, &c.Payload, &received); err != nil {
			return nil, err
		}
		c.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListAPIErrors pages the bot error feed, newest first.
func (s *Storage) ListAPIErrors(ctx context.Context, serverID moonbot.ServerID, opts PageOptions) ([]moonbot.APIError, error) {
	opts = opts.normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT server_id, message, received_at_utc FROM moonbot_api_errors WHERE server_id = ?`
	args := []any{serverID}
	if opts.BeforeID > 0 {
		query += ` AND id < ?`
		args = append(args, opts.BeforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.APIError
	for rows.Next() {
		var (
			e        moonbot.APIError
			received int64
		)
		if err := rows.Scan(&e.ServerID, &e.Message, &received); err != nil {
			return nil, err
		}
		e.ReceivedAt = time.UnixMilli(received).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

const orderSelectColumns = `id, server_id, moonbot_order_id,
	COALESCE(symbol, ''), COALESCE(status, ''), COALESCE(buy_price, 0), COALESCE(sell_price, 0),
	COALESCE(quantity, 0), COALESCE(profit_btc, 0), COALESCE(profit_percent, 0), COALESCE(strategy, ''),
	COALESCE(base_currency, 0), COALESCE(is_emulator, 0), COALESCE(is_short, 0),
	COALESCE(opened_at_utc, 0), COALESCE(closed_at_utc, 0), COALESCE(buy_date, 0), COALESCE(close_date, 0),
	COALESCE(bot_name, ''), COALESCE(comment, ''), COALESCE(exchange, ''), COALESCE(signal_name, ''),
	COALESCE(task_id, 0), COALESCE(stop_loss, 0), COALESCE(take_profit, 0), COALESCE(buy_fee, 0),
	COALESCE(sell_fee, 0), created_from_update`

func scanOrder(row interface{ Scan(...any) error }) (moonbot.Order, error) {
	var (
		o          moonbot.Order
		currency   int64
		emulator   int64
		short      int64
		openedAt   int64
		closedAt   int64
		fromUpdate int64
	)
	err := row.Scan(&o.ID, &o.ServerID, &o.MoonBotOrderID,
		&o.Symbol, &o.Status, &o.BuyPrice, &o.SellPrice,
		&o.Quantity, &o.ProfitBTC, &o.ProfitPercent, &o.Strategy,
		&currency, &emulator, &short,
		&openedAt, &closedAt, &o.BuyDate, &o.CloseDate,
		&o.BotName, &o.Comment, &o.Exchange, &o.SignalName,
		&o.TaskID, &o.StopLoss, &o.TakeProfit, &o.BuyFee,
		&o.SellFee, &fromUpdate)
	if err != nil {
		return moonbot.Order{}, err
	}
	o.BaseCurrency = moonbot.BaseCurrency(currency)
	o.IsEmulator = emulator != 0
	o.IsShort = short != 0
	if openedAt != 0 {
		o.OpenedAt = time.UnixMilli(openedAt).UTC()
	}
	if closedAt != 0 {
		o.ClosedAt = time.UnixMilli(closedAt).UTC()
	}
	o.CreatedFromUpdate = fromUpdate != 0
	return o, nil
}
