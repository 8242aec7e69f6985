package sqllogger

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHandlerPersistsRecord(t *testing.T) {
	entries := make(chan InsertLogEntryParams, 1)
	handler, err := NewHandler(func(_ context.Context, params InsertLogEntryParams) error {
		entries <- params
		return nil
	}, WithMinLevel(slog.LevelDebug))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handler.Close(context.Background()) })

	record := slog.NewRecord(time.Unix(0, 0), slog.LevelInfo, "hello world", 0)
	record.AddAttrs(slog.Int("count", 42))
	require.NoError(t, handler.Handle(context.Background(), record))

	select {
	case entry := <-entries:
		require.Equal(t, "hello world", entry.Message)
		require.Empty(t, entry.Scope)
		require.Equal(t, "INFO", entry.LevelText)

		var attrs map[string]any
		require.NoError(t, json.Unmarshal(entry.AttrsJSON, &attrs))
		require.Equal(t, float64(42), attrs["count"])
	case <-time.After(5 * time.Second):
		t.Fatal("log entry never reached the sink")
	}
}

func TestHandlerGroupsAndAttrs(t *testing.T) {
	entries := make(chan InsertLogEntryParams, 1)
	handler, err := NewHandler(func(_ context.Context, params InsertLogEntryParams) error {
		entries <- params
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handler.Close(context.Background()) })

	scoped := handler.WithGroup("listener").WithAttrs([]slog.Attr{slog.Int64("server_id", 3)})

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "peer updated", 0)
	record.AddAttrs(slog.Group("peer", slog.String("host", "10.0.0.1")))
	require.NoError(t, scoped.Handle(context.Background(), record))

	entry := <-entries
	require.Equal(t, "listener", entry.Scope)

	var attrs map[string]any
	require.NoError(t, json.Unmarshal(entry.AttrsJSON, &attrs))
	group, ok := attrs["listener"].(map[string]any)
	require.True(t, ok, "attrs missing listener group: %v", attrs)
	require.Equal(t, float64(3), group["server_id"])
	peer, ok := group["peer"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", peer["host"])
}

func TestHandlerBelowMinLevelSkipped(t *testing.T) {
	calls := make(chan struct{}, 1)
	handler, err := NewHandler(func(context.Context, InsertLogEntryParams) error {
		calls <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = handler.Close(context.Background()) })

	record := slog.NewRecord(time.Now(), slog.LevelDebug, "noise", 0)
	require.NoError(t, handler.Handle(context.Background(), record))

	select {
	case <-calls:
		t.Fatal("debug record persisted despite info min level")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerQueueFullDrops(t *testing.T) {
	inserting := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	handler, err := NewHandler(func(context.Context, InsertLogEntryParams) error {
		once.Do(func() { close(inserting) })
		<-release
		return nil
	}, WithQueueSize(2))
	require.NoError(t, err)
	defer close(release)
	t.Cleanup(func() { _ = handler.Close(context.Background()) })

	// Wedge the writer, then fill the queue.
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0)
	require.NoError(t, handler.Handle(context.Background(), record))
	<-inserting
	require.NoError(t, handler.Handle(context.Background(), record))
	require.NoError(t, handler.Handle(context.Background(), record))

	require.ErrorIs(t, handler.Handle(context.Background(), record), ErrQueueFull)
}

func TestHandlerCloseFlushes(t *testing.T) {
	var (
		mu       sync.Mutex
		messages []string
	)
	handler, err := NewHandler(func(_ context.Context, params InsertLogEntryParams) error {
		mu.Lock()
		messages = append(messages, params.Message)
		mu.Unlock()
		return nil
	}, WithQueueSize(4))
	require.NoError(t, err)

	for _, msg := range []string{"one", "two"} {
		rec := slog.NewRecord(time.Now(), slog.LevelInfo, msg, 0)
		require.NoError(t, handler.Handle(context.Background(), rec))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handler.Close(closeCtx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, messages, 2)
}

func TestHandleAfterClose(t *testing.T) {
	handler, err := NewHandler(func(context.Context, InsertLogEntryParams) error { return nil })
	require.NoError(t, err)

	require.NoError(t, handler.Close(context.Background()))
	rec := slog.NewRecord(time.Now(), slog.LevelInfo, "late", 0)
	require.ErrorIs(t, handler.Handle(context.Background(), rec), ErrHandlerClosed)
}
