// Package sqllogger is a slog handler that persists log records through the
// storage layer's app_log table. Records are queued and written by a single
// background goroutine so logging never blocks the hot path; a full queue
// drops the record rather than stalling the caller.
package sqllogger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultQueueSize = 256

var (
	ErrQueueFull     = errors.New("sqllogger: queue full")
	ErrHandlerClosed = errors.New("sqllogger: handler closed")
)

// InsertLogEntryParams is one row destined for app_log.
type InsertLogEntryParams struct {
	TimestampMillis int64
	LevelText       string
	Scope           string
	Message         string
	AttrsJSON       []byte
	SourceFile      string
	SourceLine      int
	SourceFunction  string
}

// InsertFunc performs the actual write; storage.InsertLogEntry satisfies it.
type InsertFunc func(context.Context, InsertLogEntryParams) error

type Option func(*Handler)

func WithMinLevel(level slog.Level) Option {
	return func(h *Handler) { h.minLevel = level }
}

func WithQueueSize(size int) Option {
	return func(h *Handler) {
		if size > 0 {
			h.queue = make(chan InsertLogEntryParams, size)
		}
	}
}

// Handler is the shared core; WithAttrs and WithGroup return cheap views over
// it, so one queue and one writer goroutine serve the whole logger tree.
type Handler struct {
	insert   InsertFunc
	minLevel slog.Level

	queue  chan InsertLogEntryParams
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	attrs  []slog.Attr
	groups []string
	root   *Handler
}

func NewHandler(insert InsertFunc, opts ...Option) (*Handler, error) {
	if insert == nil {
		return nil, errors.New("sqllogger: insert function is required")
	}

	h := &Handler{
		insert:   insert,
		minLevel: slog.LevelInfo,
		queue:    make(chan InsertLogEntryParams, defaultQueueSize),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.root = h

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.wg.Add(1)
	go h.run(ctx)
	return h, nil
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.root.minLevel
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if !h.Enabled(ctx, record.Level) {
		return nil
	}
	if h.root.closed.Load() {
		return ErrHandlerClosed
	}

	select {
	case h.root.queue <- h.buildParams(record):
		return nil
	default:
		return ErrQueueFull
	}
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.view()
	clone.attrs = append(clone.attrs, attrs...)
	return clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.view()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *Handler) view() *Handler {
	return &Handler{
		root:   h.root,
		attrs:  append([]slog.Attr{}, h.attrs...),
		groups: append([]string{}, h.groups...),
	}
}

// Close stops accepting records, drains the queue and waits for the writer,
// bounded by ctx.
func (h *Handler) Close(ctx context.Context) error {
	root := h.root
	if !root.closed.CompareAndSwap(false, true) {
		return nil
	}
	root.cancel()

	done := make(chan struct{})
	go func() {
		root.wg.Wait()
		close(done)
	}()

	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case params := <-h.queue:
			// Insert failures are swallowed; a log sink must never log.
			_ = h.insert(context.Background(), params)
		case <-ctx.Done():
			for {
				select {
				case params := <-h.queue:
					_ = h.insert(context.Background(), params)
				default:
					return
				}
			}
		}
	}
}

func (h *Handler) buildParams(record slog.Record) InsertLogEntryParams {
	ts := record.Time.UTC().UnixMilli()
	if ts == 0 {
		ts = time.Now().UTC().UnixMilli()
	}

	params := InsertLogEntryParams{
		TimestampMillis: ts,
		LevelText:       record.Level.String(),
		Message:         record.Message,
		Scope:           strings.Join(h.groups, "."),
	}
	if frame := record.Source(); frame != nil {
		params.SourceFile = frame.File
		params.SourceLine = frame.Line
		params.SourceFunction = frame.Function
	}

	attrs := make([]slog.Attr, 0, len(h.attrs)+record.NumAttrs())
	attrs = append(attrs, h.attrs...)
	record.Attrs(func(attr slog.Attr) bool {
		attrs = append(attrs, attr)
		return true
	})
	params.AttrsJSON = encodeAttrs(h.groups, attrs)
	return params
}

// encodeAttrs renders the attrs as a JSON object nested under the handler's
// group path, mirroring what a JSONHandler would emit.
func encodeAttrs(groups []string, attrs []slog.Attr) []byte {
	root := map[string]any{}
	target := root
	for _, name := range groups {
		child := map[string]any{}
		target[name] = child
		target = child
	}
	for _, attr := range attrs {
		putAttr(target, attr)
	}
	if len(root) == 0 {
		return []byte("{}")
	}
	data, err := json.Marshal(root)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func putAttr(dst map[string]any, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Key == "" && attr.Value.Kind() != slog.KindGroup {
		return
	}

	if attr.Value.Kind() == slog.KindGroup {
		target := dst
		if attr.Key != "" {
			child := map[string]any{}
			dst[attr.Key] = child
			target = child
		}
		for _, nested := range attr.Value.Group() {
			putAttr(target, nested)
		}
		return
	}

	switch attr.Value.Kind() {
	case slog.KindString:
		dst[attr.Key] = attr.Value.String()
	case slog.KindInt64:
		dst[attr.Key] = attr.Value.Int64()
	case slog.KindUint64:
		dst[attr.Key] = attr.Value.Uint64()
	case slog.KindFloat64:
		dst[attr.Key] = attr.Value.Float64()
	case slog.KindBool:
		dst[attr.Key] = attr.Value.Bool()
	case slog.KindDuration:
		dst[attr.Key] = attr.Value.Duration().String()
	case slog.KindTime:
		dst[attr.Key] = attr.Value.Time()
	default:
		dst[attr.Key] = attr.Value.Any()
	}
}
