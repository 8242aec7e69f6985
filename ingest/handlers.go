package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/sqlparse"
)

// process dispatches one work item by its cmd field. Replication payloads
// sometimes arrive without cmd, so anything carrying an [SQLCommand tag is
// treated as sql.
func (p *Pool) process(ctx context.Context, item Item) {
	pkt := item.Packet

	if pkt.Incomplete {
		p.metrics.IncompletePacket()
		p.logger.Debug("incomplete datagram skipped", slog.Int64("server_id", int64(item.ServerID)))
		return
	}

	cmd := strings.ToLower(pkt.Cmd)
	switch {
	case cmd == "sql" || strings.Contains(pkt.PreferredText(), "[SQLCommand"):
		p.handleSQL(ctx, item)
	case cmd == "balance":
		p.handleBalance(ctx, item)
	case cmd == "strategies" || cmd == "strategy":
		p.handleStrategies(ctx, item)
	case cmd == "chart":
		p.handleChart(item)
	case cmd == "apierror":
		p.handleAPIError(item)
	default:
		p.logger.Debug("unhandled packet kind",
			slog.Int64("server_id", int64(item.ServerID)), slog.String("cmd", pkt.Cmd))
	}
}

// handleSQL splits the replication payload into numbered commands, dedups
// them and turns Orders statements into mutations. The statement text is
// always logged; malformed Orders SQL additionally lands in the error feed.
func (p *Pool) handleSQL(_ context.Context, item Item) {
	cmds := item.Packet.SQLCommands()
	if len(cmds) == 0 {
		p.logger.Debug("sql packet without commands", slog.Int64("server_id", int64(item.ServerID)))
		return
	}

	for _, cmd := range cmds {
		if !p.admitCommand(item.ServerID, cmd.CommandID) {
			continue
		}

		p.persister.EnqueueSQLLog(item.UserID, moonbot.SQLLog{
			ServerID:   item.ServerID,
			CommandID:  cmd.CommandID,
			SQLText:    cmd.Statement,
			ReceivedAt: item.ReceivedAt,
			Processed:  true,
		})

		mut, err := sqlparse.Parse(cmd)
		switch {
		case err == nil:
			if mut.UnknownCurrency {
				p.metrics.UnknownCurrency()
			}
			p.persister.EnqueueOrderMutation(item.UserID, item.ServerID, *mut)
		case errors.Is(err, sqlparse.ErrMalformed):
			p.metrics.ProcessingError()
			p.persister.EnqueueAPIError(item.UserID, moonbot.APIError{
				ServerID:   item.ServerID,
				Message:    fmt.Sprintf("unparseable replication statement: %v", err),
				ReceivedAt: item.ReceivedAt,
			})
		default:
			// Statements against other tables are expected noise.
		}
	}
}

// balancePayload is the wire shape of a balance report.
type balancePayload struct {
	Available float64 `json:"avail"`
	Total     float64 `json:"total"`
	BotName   string  `json:"bot"`
	IsRunning bool    `json:"run"`
	Version   int64   `json:"ver"`
}

func (p *Pool) handleBalance(ctx context.Context, item Item) {
	var payload balancePayload
	if err := json.Unmarshal(item.Packet.Data, &payload); err != nil {
		p.metrics.ProcessingError()
		p.logger.Debug("undecodable balance payload",
			slog.Int64("server_id", int64(item.ServerID)), slog.Any("err", err))
		return
	}

	b := moonbot.Balance{
		ServerID:  item.ServerID,
		BotName:   payload.BotName,
		Available: payload.Available,
		Total:     payload.Total,
		IsRunning: payload.IsRunning,
		Version:   payload.Version,
		UpdatedAt: item.ReceivedAt,
	}

	if p.cache != nil {
		if err := p.cache.SetBalance(ctx, b); err != nil {
			p.logger.Debug("balance cache refresh failed", slog.Any("err", err))
		}
	}
	p.persister.EnqueueBalance(item.UserID, b)
}

// strategyPayload is one strategy definition in a strategies report.
type strategyPayload struct {
	Name string `json:"name"`
}

func (p *Pool) handleStrategies(ctx context.Context, item Item) {
	var raws []json.RawMessage
	if err := json.Unmarshal(item.Packet.Data, &raws); err != nil {
		p.metrics.ProcessingError()
		p.logger.Debug("undecodable strategies payload",
			slog.Int64("server_id", int64(item.ServerID)), slog.Any("err", err))
		return
	}

	strategies := make([]moonbot.Strategy, 0, len(raws))
	for _, raw := range raws {
		var sp strategyPayload
		if err := json.Unmarshal(raw, &sp); err != nil || sp.Name == "" {
			continue
		}
		strategies = append(strategies, moonbot.Strategy{
			ServerID:   item.ServerID,
			Name:       sp.Name,
			Payload:    string(raw),
			ReceivedAt: item.ReceivedAt,
		})
	}
	if len(strategies) == 0 {
		return
	}

	if p.cache != nil {
		if err := p.cache.SetStrategies(ctx, item.ServerID, strategies); err != nil {
			p.logger.Debug("strategy cache refresh failed", slog.Any("err", err))
		}
	}
	p.persister.EnqueueStrategies(item.UserID, strategies)
}

// chartPayload is the wire shape of a chart snapshot.
type chartPayload struct {
	Symbol string `json:"symbol"`
}

func (p *Pool) handleChart(item Item) {
	var payload chartPayload
	if err := json.Unmarshal(item.Packet.Data, &payload); err != nil {
		p.metrics.ProcessingError()
		p.logger.Debug("undecodable chart payload",
			slog.Int64("server_id", int64(item.ServerID)), slog.Any("err", err))
		return
	}

	p.persister.EnqueueChart(item.UserID, moonbot.Chart{
		ServerID:   item.ServerID,
		Symbol:     payload.Symbol,
		Payload:    string(item.Packet.Data),
		ReceivedAt: item.ReceivedAt,
	})
}

func (p *Pool) handleAPIError(item Item) {
	pkt := item.Packet
	message := pkt.Message
	if message == "" {
		message = pkt.Error
	}
	if message == "" {
		message = pkt.PreferredText()
	}

	p.persister.EnqueueAPIError(item.UserID, moonbot.APIError{
		ServerID:   item.ServerID,
		Message:    message,
		ReceivedAt: item.ReceivedAt,
	})
}
