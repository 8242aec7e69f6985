package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/moonbot"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "moonfleet.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestServer(t *testing.T, s *Storage) moonbot.ServerID {
	t.Helper()
	id, err := s.UpsertServer(context.Background(), moonbot.Server{
		UserID:   7,
		Name:     "alpha",
		Host:     "10.0.0.5",
		Port:     5005,
		Password: "hunter2",
		IsActive: true,
	})
	require.NoError(t, err)
	return id
}

func TestServerRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	id := newTestServer(t, s)
	require.NotZero(t, id)

	srv, err := s.GetServer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "alpha", srv.Name)
	require.Equal(t, "10.0.0.5", srv.Host)
	require.Equal(t, 5005, srv.Port)
	require.True(t, srv.IsActive)
	require.Equal(t, moonbot.UserID(7), srv.UserID)

	srv.Host = "10.0.0.6"
	srv.KeepaliveEnabled = true
	_, err = s.UpsertServer(ctx, srv)
	require.NoError(t, err)

	srv, err = s.GetServer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.6", srv.Host)
	require.True(t, srv.KeepaliveEnabled)

	uid, err := s.UserIDForServer(ctx, id)
	require.NoError(t, err)
	require.Equal(t, moonbot.UserID(7), uid)

	active, err := s.ListActiveServers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestGetServerNotFound(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.GetServer(context.Background(), 999)
	require.ErrorIs(t, err, ErrServerNotFound)

	_, err = s.UserIDForServer(context.Background(), 999)
	require.ErrorIs(t, err, ErrServerNotFound)

	err = s.DeleteServer(context.Background(), 999)
	require.ErrorIs(t, err, ErrServerNotFound)
}

func TestDeleteServerCascades(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := newTestServer(t, s)

	_, err := s.InsertSQLLogBatch(ctx, []moonbot.SQLLog{{
		ServerID:   id,
		CommandID:  1,
		SQLText:    "INSERT INTO Orders ...",
		ReceivedAt: time.Now(),
		Processed:  true,
	}})
	require.NoError(t, err)
	require.NoError(t, s.UpsertBalanceBatch(ctx, []moonbot.Balance{{
		ServerID: id, BotName: "alpha", Available: 10, Total: 20, UpdatedAt: time.Now(),
	}}))

	require.NoError(t, s.DeleteServer(ctx, id))

	logs, err := s.ListSQLLog(ctx, id, PageOptions{})
	require.NoError(t, err)
	require.Empty(t, logs)

	_, ok, err := s.GetBalance(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServerStatusRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := newTestServer(t, s)

	st := moonbot.ServerStatus{
		ServerID:            id,
		IsOnline:            true,
		LastPing:            time.Now().Truncate(time.Millisecond),
		ResponseTime:        42 * time.Millisecond,
		UptimePercentage:    99.5,
		ConsecutiveFailures: 0,
		LastError:           "",
	}
	require.NoError(t, s.UpsertServerStatus(ctx, st))

	got, err := s.GetServerStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, got.IsOnline)
	require.Equal(t, 42*time.Millisecond, got.ResponseTime)
	require.InDelta(t, 99.5, got.UptimePercentage, 0.001)

	// Unknown server yields a zero status, not an error.
	got, err = s.GetServerStatus(ctx, 12345)
	require.NoError(t, err)
	require.False(t, got.IsOnline)
}

func TestCommandHistoryRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	id := newTestServer(t, s)

	h := moonbot.CommandHistory{
		ID:            "b4c2a7e0-0000-4000-8000-000000000001",
		ServerID:      id,
		UserID:        7,
		Command:       "status",
		Response:      "OK",
		Status:        moonbot.CommandSuccess,
		ExecutionTime: 120 * time.Millisecond,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, s.InsertCommandHistory(ctx, h))

	list, err := s.ListCommandHistory(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, h.ID, list[0].ID)
	require.Equal(t, moonbot.CommandSuccess, list[0].Status)
	require.Equal(t, 120*time.Millisecond, list[0].ExecutionTime)
}

func TestDeadLetters(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.InsertDeadLetter(ctx, "moonbot_orders", `[{"order_id":7}]`, "database locked"))

	n, err := s.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
