package log

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	count int
}

func (h *recordingHandler) Enabled(context.Context, slog.Level) bool  { return true }
func (h *recordingHandler) Handle(context.Context, slog.Record) error { h.count++; return nil }
func (h *recordingHandler) WithAttrs([]slog.Attr) slog.Handler        { return h }
func (h *recordingHandler) WithGroup(string) slog.Handler             { return h }

func TestGroupFilterAllowsConfiguredGroups(t *testing.T) {
	rec := &recordingHandler{}
	handler := NewGroupFilterHandler(rec, []string{"listener"})
	require.NotSame(t, slog.Handler(rec), handler)

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "test", 0)
	require.NoError(t, handler.Handle(context.Background(), record))
	require.Zero(t, rec.count, "ungrouped record must be filtered")

	require.NoError(t, handler.WithGroup("listener").Handle(context.Background(), record))
	require.Equal(t, 1, rec.count)

	require.NoError(t, handler.WithGroup("persist").Handle(context.Background(), record))
	require.Equal(t, 1, rec.count, "other groups stay filtered")
}

func TestGroupFilterNestedGroupMatches(t *testing.T) {
	rec := &recordingHandler{}
	handler := NewGroupFilterHandler(rec, []string{"registry"})

	nested := handler.WithGroup("listener").WithGroup("registry")
	record := slog.NewRecord(time.Now(), slog.LevelInfo, "test", 0)
	require.NoError(t, nested.Handle(context.Background(), record))
	require.Equal(t, 1, rec.count)
}

func TestGroupFilterPassthroughWhenNoAllowlist(t *testing.T) {
	rec := &recordingHandler{}
	require.Same(t, slog.Handler(rec), NewGroupFilterHandler(rec, nil))
	require.Same(t, slog.Handler(rec), NewGroupFilterHandler(rec, []string{" ", ""}))
}

func TestMultiHandlerFansOut(t *testing.T) {
	a := &recordingHandler{}
	b := &recordingHandler{}
	handler := NewMultiHandler(a, nil, b)

	record := slog.NewRecord(time.Now(), slog.LevelInfo, "test", 0)
	require.NoError(t, handler.Handle(context.Background(), record))
	require.Equal(t, 1, a.count)
	require.Equal(t, 1, b.count)
	require.True(t, handler.Enabled(context.Background(), slog.LevelDebug))
}
