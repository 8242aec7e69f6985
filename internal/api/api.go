// Package api is the thin HTTP boundary over the control plane: command
// dispatch, listener lifecycle, telemetry reads, metrics and the WebSocket
// upgrade. Auth and server CRUD live outside this process.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/moonfleet/moonfleet/listener"
	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/storage"
	"github.com/moonfleet/moonfleet/wire"
)

// Store is the slice of the storage layer the HTTP surface reads from.
type Store interface {
	GetServer(ctx context.Context, id moonbot.ServerID) (moonbot.Server, error)
	GetServerStatus(ctx context.Context, id moonbot.ServerID) (moonbot.ServerStatus, error)
	GetBalance(ctx context.Context, serverID moonbot.ServerID) (moonbot.Balance, bool, error)
	ListOrders(ctx context.Context, serverID moonbot.ServerID, opts storage.PageOptions) ([]moonbot.Order, error)
	ListSQLLog(ctx context.Context, serverID moonbot.ServerID, opts storage.PageOptions) ([]moonbot.SQLLog, error)
	ListCharts(ctx context.Context, serverID moonbot.ServerID, opts storage.PageOptions) ([]moonbot.Chart, error)
	ListAPIErrors(ctx context.Context, serverID moonbot.ServerID, opts storage.PageOptions) ([]moonbot.APIError, error)
	ListCommandHistory(ctx context.Context, serverID moonbot.ServerID, limit int) ([]moonbot.CommandHistory, error)
}

// Dispatcher is the slice of the command dispatcher the handlers call.
type Dispatcher interface {
	Send(ctx context.Context, server moonbot.Server, cmd string, timeout time.Duration) (*wire.Packet, error)
	SendMulti(ctx context.Context, server moonbot.Server, cmd string, overall, interPacket time.Duration) (string, error)
}

// Server wires the handlers together.
type Server struct {
	store      Store
	registry   *listener.Registry
	dispatcher Dispatcher
	metrics    *metrics.Metrics
	ws         http.Handler
	logger     *slog.Logger
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithWebSocket mounts the fan-out upgrade handler at /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) { s.ws = h }
}

func NewServer(store Store, registry *listener.Registry, dispatcher Dispatcher, m *metrics.Metrics, opts ...Option) *Server {
	s := &Server{
		store:      store,
		registry:   registry,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithGroup("api")
	return s
}

// Handler returns the full route set behind CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/commands/send", s.handleSendCommand)

	mux.HandleFunc("POST /api/servers/{id}/listener/start", s.handleListenerStart)
	mux.HandleFunc("POST /api/servers/{id}/listener/stop", s.handleListenerStop)
	mux.HandleFunc("POST /api/servers/{id}/listener/refresh", s.handleListenerRefresh)
	mux.HandleFunc("POST /api/servers/{id}/listener/send-command", s.handleListenerSendCommand)
	mux.HandleFunc("GET /api/servers/{id}/listener/status", s.handleListenerStatus)

	mux.HandleFunc("GET /api/servers/{id}/sql-log", s.handleSQLLog)
	mux.HandleFunc("GET /api/servers/{id}/orders", s.handleOrders)
	mux.HandleFunc("GET /api/servers/{id}/charts", s.handleCharts)
	mux.HandleFunc("GET /api/servers/{id}/errors", s.handleAPIErrors)
	mux.HandleFunc("GET /api/servers/{id}/balance", s.handleBalance)
	mux.HandleFunc("GET /api/servers/{id}/history", s.handleHistory)

	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/metrics/{section}", s.handleMetricsSection)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))

	if s.ws != nil {
		mux.Handle("GET /ws", s.ws)
	}

	return cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)
}

type apiError struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("response encode failed", slog.Any("err", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, apiError{Error: msg})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrServerNotFound):
		s.writeError(w, http.StatusNotFound, "server not found")
	case errors.Is(err, moonbot.ErrLifecycleConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, moonbot.ErrCommandTooLong):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, moonbot.ErrOverload):
		s.writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, moonbot.ErrPeerUnreachable):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	default:
		s.logger.Error("request failed", slog.Any("err", err))
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) serverID(w http.ResponseWriter, r *http.Request) (moonbot.ServerID, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid server id")
		return 0, false
	}
	return moonbot.ServerID(id), true
}

// pageOptions reads ?limit= and ?before_id= for keyset pagination.
func pageOptions(r *http.Request) storage.PageOptions {
	var opts storage.PageOptions
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		opts.Limit = v
	}
	if v, err := strconv.ParseInt(r.URL.Query().Get("before_id"), 10, 64); err == nil {
		opts.BeforeID = v
	}
	return opts
}
