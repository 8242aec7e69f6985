package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// InsertCommandHistory records one dispatched command and its outcome.
func (s *Storage) InsertCommandHistory(ctx context.Context, h moonbot.CommandHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO command_history (id, server_id, user_id, command, response, status, execution_time_ms, created_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.ServerID, h.UserID, h.Command, h.Response, string(h.Status),
		h.ExecutionTime.Milliseconds(), h.CreatedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert command history: %w", err)
	}
	return nil
}

// ListCommandHistory pages one server's dispatch audit trail, newest first.
func (s *Storage) ListCommandHistory(ctx context.Context, serverID moonbot.ServerID, limit int) ([]moonbot.CommandHistory, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `
		SELECT id, server_id, user_id, command, response, status, execution_time_ms, created_at_utc
		FROM command_history WHERE server_id = ?
		ORDER BY created_at_utc DESC LIMIT ?`, serverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.CommandHistory
	for rows.Next() {
		var (
			h       moonbot.CommandHistory
			status  string
			execMs  int64
			created int64
		)
		if err := rows.Scan(&h.ID, &h.ServerID, &h.UserID, &h.Command, &h.Response, &status, &execMs, &created); err != nil {
			return nil, err
		}
		h.Status = moonbot.CommandStatus(status)
		h.ExecutionTime = time.Duration(execMs) * time.Millisecond
		h.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}
