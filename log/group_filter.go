package log

import (
	"context"
	"log/slog"
	"strings"
)

// GroupFilterHandler drops records whose logger group path never touches the
// allow list. Used with --log-groups to isolate one subsystem (listener,
// persist, fanout, ...) at debug volume.
type GroupFilterHandler struct {
	next    slog.Handler
	allowed map[string]struct{}
	path    []string
}

// NewGroupFilterHandler wraps next with group filtering. An empty allow list
// means no filtering and next is returned as is.
func NewGroupFilterHandler(next slog.Handler, allowedGroups []string) slog.Handler {
	if next == nil || len(allowedGroups) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(allowedGroups))
	for _, group := range allowedGroups {
		if name := strings.ToLower(strings.TrimSpace(group)); name != "" {
			allowed[name] = struct{}{}
		}
	}
	if len(allowed) == 0 {
		return next
	}
	return &GroupFilterHandler{next: next, allowed: allowed}
}

func (h *GroupFilterHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *GroupFilterHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, name := range h.path {
		if _, ok := h.allowed[name]; ok {
			return h.next.Handle(ctx, record)
		}
	}
	return nil
}

func (h *GroupFilterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &GroupFilterHandler{
		next:    h.next.WithAttrs(attrs),
		allowed: h.allowed,
		path:    h.path,
	}
}

func (h *GroupFilterHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := &GroupFilterHandler{
		next:    h.next.WithGroup(name),
		allowed: h.allowed,
		path:    append(append([]string{}, h.path...), strings.ToLower(name)),
	}
	return clone
}
