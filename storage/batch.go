package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// OrderRow is one coalesced order mutation headed for moonbot_orders.
type OrderRow struct {
	ServerID   moonbot.ServerID
	OrderID    int64
	FromUpdate bool
	Fields     moonbot.OrderFields
}

// orderValueColumns lists the mergeable columns in statement order. Must stay
// aligned with orderFieldArgs and schema.sql.
var orderValueColumns = []string{
	"symbol", "status", "buy_price", "sell_price", "quantity",
	"profit_btc", "profit_percent", "strategy", "base_currency",
	"is_emulator", "is_short", "opened_at_utc", "closed_at_utc",
	"buy_date", "close_date", "bot_name", "comment", "exchange",
	"signal_name", "task_id", "stop_loss", "take_profit", "buy_fee", "sell_fee",
}

func orderFieldArgs(f moonbot.OrderFields) []any {
	return []any{
		ptrArg(f.Symbol), ptrArg(f.Status), ptrArg(f.BuyPrice), ptrArg(f.SellPrice), ptrArg(f.Quantity),
		ptrArg(f.ProfitBTC), ptrArg(f.ProfitPercent), ptrArg(f.Strategy), currencyArg(f.BaseCurrency),
		boolArg(f.IsEmulator), boolArg(f.IsShort), timeArg(f.OpenedAt), timeArg(f.ClosedAt),
		ptrArg(f.BuyDate), ptrArg(f.CloseDate), ptrArg(f.BotName), ptrArg(f.Comment), ptrArg(f.Exchange),
		ptrArg(f.SignalName), ptrArg(f.TaskID), ptrArg(f.StopLoss), ptrArg(f.TakeProfit),
		ptrArg(f.BuyFee), ptrArg(f.SellFee),
	}
}

func ptrArg[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolArg(p *bool) any {
	if p == nil {
		return nil
	}
	return boolInt(*p)
}

func currencyArg(p *moonbot.BaseCurrency) any {
	if p == nil {
		return nil
	}
	return int64(*p)
}

func timeArg(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC().UnixMilli()
}

// orderUpsertSet builds the ON CONFLICT SET clause implementing the
// replication merge:
//
//   - an UPDATE-sourced row wins for every field it explicitly set,
//   - an INSERT landing on a row stubbed out by an earlier UPDATE only fills
//     fields that are still NULL and clears created_from_update,
//   - a duplicate INSERT changes nothing.
func orderUpsertSet() string {
	var b strings.Builder
	for _, col := range orderValueColumns {
		fmt.Fprintf(&b, `%[1]s = CASE
			WHEN excluded.created_from_update = 1 THEN COALESCE(excluded.%[1]s, moonbot_orders.%[1]s)
			WHEN moonbot_orders.created_from_update = 1 THEN COALESCE(moonbot_orders.%[1]s, excluded.%[1]s)
			ELSE moonbot_orders.%[1]s END,
`, col)
	}
	b.WriteString(`created_from_update = CASE WHEN excluded.created_from_update = 1 THEN moonbot_orders.created_from_update ELSE 0 END,
updated_at_utc = excluded.updated_at_utc`)
	return b.String()
}

// UpsertOrderBatch applies one flush of coalesced order mutations in a single
// multi-row statement.
func (s *Storage) UpsertOrderBatch(ctx context.Context, rows []OrderRow) error {
	if len(rows) == 0 {
		return nil
	}

	cols := append([]string{"server_id", "moonbot_order_id"}, orderValueColumns...)
	cols = append(cols, "created_from_update", "updated_at_utc")

	placeholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"
	now := time.Now().UTC().UnixMilli()

	args := make([]any, 0, len(rows)*len(cols))
	values := make([]string, 0, len(rows))
	for _, row := range rows {
		values = append(values, placeholder)
		args = append(args, int64(row.ServerID), row.OrderID)
		args = append(args, orderFieldArgs(row.Fields)...)
		args = append(args, boolInt(row.FromUpdate), now)
	}

	query := fmt.Sprintf(`INSERT INTO moonbot_orders (%s) VALUES %s
ON CONFLICT (server_id, moonbot_order_id) DO UPDATE SET
%s`,
		strings.Join(cols, ", "), strings.Join(values, ", "), orderUpsertSet())

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d orders: %w", len(rows), err)
	}
	return nil
}

// InsertSQLLogBatch appends replication rows, silently skipping UDP retries
// via the (server_id, command_id) unique constraint. Returns the number of
// rows actually inserted.
func (s *Storage) InsertSQLLogBatch(ctx context.Context, logs []moonbot.SQLLog) (int64, error) {
	if len(logs) == 0 {
		return 0, nil
	}

	args := make([]any, 0, len(logs)*5)
	values := make([]string, 0, len(logs))
	for _, l := range logs {
		values = append(values, "(?, ?, ?, ?, ?)")
		args = append(args, int64(l.ServerID), l.CommandID, l.SQLText, l.ReceivedAt.UTC().UnixMilli(), boolInt(l.Processed))
	}

	query := `INSERT INTO sql_command_log (server_id, command_id, sql_text, received_at_utc, processed) VALUES ` +
		strings.Join(values, ", ") + ` ON CONFLICT (server_id, command_id) DO NOTHING`

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("insert %d sql logs: %w", len(logs), err)
	}
	return res.RowsAffected()
}

// UpsertBalanceBatch applies last-write-wins balance rows.
func (s *Storage) UpsertBalanceBatch(ctx context.Context, balances []moonbot.Balance) error {
	if len(balances) == 0 {
		return nil
	}

	args := make([]any, 0, len(balances)*7)
	values := make([]string, 0, len(balances))
	for _, b := range balances {
		values = append(values, "(?, ?, ?, ?, ?, ?, ?)")
		args = append(args, int64(b.ServerID), b.BotName, b.Available, b.Total, boolInt(b.IsRunning), b.Version, b.UpdatedAt.UTC().UnixMilli())
	}

	query := `INSERT INTO server_balance (server_id, bot_name, available, total, is_running, version, updated_at_utc) VALUES ` +
		strings.Join(values, ", ") + `
ON CONFLICT (server_id) DO UPDATE SET
	bot_name = excluded.bot_name,
	available = excluded.available,
	total = excluded.total,
	is_running = excluded.is_running,
	version = excluded.version,
	updated_at_utc = excluded.updated_at_utc`

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d balances: %w", len(balances), err)
	}
	return nil
}

// UpsertStrategyBatch refreshes the per-server strategy feed.
func (s *Storage) UpsertStrategyBatch(ctx context.Context, strategies []moonbot.Strategy) error {
	if len(strategies) == 0 {
		return nil
	}

	args := make([]any, 0, len(strategies)*4)
	values := make([]string, 0, len(strategies))
	for _, st := range strategies {
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, int64(st.ServerID), st.Name, st.Payload, st.ReceivedAt.UTC().UnixMilli())
	}

	query := `INSERT INTO strategy_cache (server_id, name, payload, received_at_utc) VALUES ` +
		strings.Join(values, ", ") + `
ON CONFLICT (server_id, name) DO UPDATE SET
	payload = excluded.payload,
	received_at_utc = excluded.received_at_utc`

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %d strategies: %w", len(strategies), err)
	}
	return nil
}

// InsertChartBatch appends chart snapshots.
func (s *Storage) InsertChartBatch(ctx context.Context, charts []moonbot.Chart) error {
	if len(charts) == 0 {
		return nil
	}

	args := make([]any, 0, len(charts)*4)
	values := make([]string, 0, len(charts))
	for _, c := range charts {
		values = append(values, "(?, ?, ?, ?)")
		args = append(args, int64(c.ServerID), c.Symbol, c.Payload, c.ReceivedAt.UTC().UnixMilli())
	}

	query := `INSERT INTO moonbot_charts (server_id, symbol, payload, received_at_utc) VALUES ` + strings.Join(values, ", ")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d charts: %w", len(charts), err)
	}
	return nil
}

// InsertAPIErrorBatch appends the bot error feed.
func (s *Storage) InsertAPIErrorBatch(ctx context.Context, errs []moonbot.APIError) error {
	if len(errs) == 0 {
		return nil
	}

	args := make([]any, 0, len(errs)*3)
	values := make([]string, 0, len(errs))
	for _, e := range errs {
		values = append(values, "(?, ?, ?)")
		args = append(args, int64(e.ServerID), e.Message, e.ReceivedAt.UTC().UnixMilli())
	}

	query := `INSERT INTO moonbot_api_errors (server_id, message, received_at_utc) VALUES ` + strings.Join(values, ", ")

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %d api errors: %w", len(errs), err)
	}
	return nil
}

// InsertDeadLetter records a batch that failed its retry. Rows here are the
// system's admission that a write was lost to the primary tables; nothing is
// dropped without a trace.
func (s *Storage) InsertDeadLetter(ctx context.Context, targetTable, payload, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO dead_letters (target_table, payload, reason, processed, created_at_utc)
		VALUES (?, ?, ?, 0, ?)`,
		targetTable, payload, reason, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// CountDeadLetters reports unprocessed dead-letter rows, exposed via metrics.
func (s *Storage) CountDeadLetters(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters WHERE processed = 0`).Scan(&n)
	return n, err
}
