package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

// ErrServerNotFound is returned for lookups of unknown server ids.
var ErrServerNotFound = errors.New("storage: server not found")

const serverColumns = "id, user_id, name, host, port, password, is_active, is_localhost, keepalive_enabled, COALESCE(group_name, ''), default_currency"

func scanServer(row interface{ Scan(...any) error }) (moonbot.Server, error) {
	var (
		srv      moonbot.Server
		active   int64
		local    int64
		keep     int64
		currency int64
	)
	err := row.Scan(&srv.ID, &srv.UserID, &srv.Name, &srv.Host, &srv.Port, &srv.Password,
		&active, &local, &keep, &srv.GroupName, &currency)
	if err != nil {
		return moonbot.Server{}, err
	}
	srv.IsActive = active != 0
	srv.IsLocalhost = local != 0
	srv.KeepaliveEnabled = keep != 0
	srv.DefaultCurrency = moonbot.BaseCurrency(currency)
	return srv, nil
}

// UpsertServer inserts or updates a server row and returns its id.
func (s *Storage) UpsertServer(ctx context.Context, srv moonbot.Server) (moonbot.ServerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv.ID == 0 {
		res, err := s.q.ExecContext(ctx, `
			INSERT INTO servers (user_id, name, host, port, password, is_active, is_localhost, keepalive_enabled, group_name, default_currency)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			srv.UserID, srv.Name, srv.Host, srv.Port, srv.Password,
			boolInt(srv.IsActive), boolInt(srv.IsLocalhost), boolInt(srv.KeepaliveEnabled),
			nullString(srv.GroupName), int64(srv.DefaultCurrency))
		if err != nil {
			return 0, fmt.Errorf("insert server: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, err
		}
		return moonbot.ServerID(id), nil
	}

	_, err := s.q.ExecContext(ctx, `
		UPDATE servers SET user_id = ?, name = ?, host = ?, port = ?, password = ?,
			is_active = ?, is_localhost = ?, keepalive_enabled = ?, group_name = ?, default_currency = ?
		WHERE id = ?`,
		srv.UserID, srv.Name, srv.Host, srv.Port, srv.Password,
		boolInt(srv.IsActive), boolInt(srv.IsLocalhost), boolInt(srv.KeepaliveEnabled),
		nullString(srv.GroupName), int64(srv.DefaultCurrency), srv.ID)
	if err != nil {
		return 0, fmt.Errorf("update server: %w", err)
	}
	return srv.ID, nil
}

// DeleteServer removes the server; every per-server table cascades.
func (s *Storage) DeleteServer(ctx context.Context, id moonbot.ServerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.q.ExecContext(ctx, `DELETE FROM servers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete server: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (s *Storage) GetServer(ctx context.Context, id moonbot.ServerID) (moonbot.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, err := scanServer(s.q.QueryRowContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return moonbot.Server{}, ErrServerNotFound
	}
	if err != nil {
		return moonbot.Server{}, err
	}
	return srv, nil
}

// ListActiveServers returns every server whose listener should run.
func (s *Storage) ListActiveServers(ctx context.Context) ([]moonbot.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.q.QueryContext(ctx, `SELECT `+serverColumns+` FROM servers WHERE is_active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []moonbot.Server
	for rows.Next() {
		srv, err := scanServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// UserIDForServer backs the registry's server→user cache on a miss.
func (s *Storage) UserIDForServer(ctx context.Context, id moonbot.ServerID) (moonbot.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var userID moonbot.UserID
	err := s.q.QueryRowContext(ctx, `SELECT user_id FROM servers WHERE id = ?`, id).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrServerNotFound
	}
	return userID, err
}

// UpsertServerStatus persists probe health for one server.
func (s *Storage) UpsertServerStatus(ctx context.Context, st moonbot.ServerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO server_status (server_id, is_online, last_ping_utc, response_time_ms, uptime_percentage, consecutive_failures, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			is_online = excluded.is_online,
			last_ping_utc = excluded.last_ping_utc,
			response_time_ms = excluded.response_time_ms,
			uptime_percentage = excluded.uptime_percentage,
			consecutive_failures = excluded.consecutive_failures,
			last_error = excluded.last_error`,
		st.ServerID, boolInt(st.IsOnline), st.LastPing.UTC().UnixMilli(),
		st.ResponseTime.Milliseconds(), st.UptimePercentage, st.ConsecutiveFailures, st.LastError)
	return err
}

func (s *Storage) GetServerStatus(ctx context.Context, id moonbot.ServerID) (moonbot.ServerStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		st     moonbot.ServerStatus
		online int64
		ping   int64
		rtMs   int64
	)
	err := s.q.QueryRowContext(ctx, `
		SELECT server_id, is_online, last_ping_utc, response_time_ms, uptime_percentage, consecutive_failures, last_error
		FROM server_status WHERE server_id = ?`, id).
		Scan(&st.ServerID, &online, &ping, &rtMs, &st.UptimePercentage, &st.ConsecutiveFailures, &st.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return moonbot.ServerStatus{ServerID: id}, nil
	}
	if err != nil {
		return moonbot.ServerStatus{}, err
	}
	st.IsOnline = online != 0
	st.LastPing = time.UnixMilli(ping).UTC()
	st.ResponseTime = time.Duration(rtMs) * time.Millisecond
	return st, nil
}

// UpsertListenerStatus mirrors listener runtime state; the registry refreshes
// it on lifecycle changes and once per probe sweep.
func (s *Storage) UpsertListenerStatus(ctx context.Context, serverID moonbot.ServerID, running bool, bindPort int, received int64, lastActivity time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO udp_listener_status (server_id, is_running, bind_port, messages_received, last_activity_utc, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (server_id) DO UPDATE SET
			is_running = excluded.is_running,
			bind_port = excluded.bind_port,
			messages_received = excluded.messages_received,
			last_activity_utc = excluded.last_activity_utc,
			last_error = excluded.last_error`,
		serverID, boolInt(running), bindPort, received, lastActivity.UTC().UnixMilli(), lastError)
	return err
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
