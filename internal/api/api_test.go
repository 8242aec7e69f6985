package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/moonfleet/moonfleet/listener"
	"github.com/moonfleet/moonfleet/metrics"
	"github.com/moonfleet/moonfleet/moonbot"
	"github.com/moonfleet/moonfleet/storage"
	"github.com/moonfleet/moonfleet/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nullSink struct{}

func (nullSink) Submit(moonbot.ServerID, moonbot.UserID, *wire.Packet, time.Time) error { return nil }

type fakeDispatcher struct {
	pkt  *wire.Packet
	text string
	err  error

	lastCommand string
	lastTimeout time.Duration
}

func (f *fakeDispatcher) Send(_ context.Context, _ moonbot.Server, cmd string, timeout time.Duration) (*wire.Packet, error) {
	f.lastCommand = cmd
	f.lastTimeout = timeout
	return f.pkt, f.err
}

func (f *fakeDispatcher) SendMulti(_ context.Context, _ moonbot.Server, cmd string, _, _ time.Duration) (string, error) {
	f.lastCommand = cmd
	return f.text, f.err
}

type harness struct {
	t          *testing.T
	store      *storage.Storage
	registry   *listener.Registry
	dispatcher *fakeDispatcher
	metrics    *metrics.Metrics
	serverID   moonbot.ServerID
	http       *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	store, err := storage.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	id, err := store.UpsertServer(context.Background(), moonbot.Server{
		UserID: 10, Name: "bot-1", Host: "127.0.0.1", Port: 19999, Password: "pw", IsActive: true,
	})
	require.NoError(t, err)

	m := metrics.New()
	registry := listener.NewRegistry(listener.ModeLocal, nullSink{}, store, m,
		listener.WithRegistryLogger(discardLogger()))
	t.Cleanup(registry.StopAll)

	dispatcher := &fakeDispatcher{}
	srv := NewServer(store, registry, dispatcher, m, WithLogger(discardLogger()))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{
		t: t, store: store, registry: registry, dispatcher: dispatcher,
		metrics: m, serverID: id, http: ts,
	}
}

func (h *harness) post(path string, body any) *http.Response {
	h.t.Helper()
	data, err := json.Marshal(body)
	require.NoError(h.t, err)
	resp, err := http.Post(h.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) get(path string) *http.Response {
	h.t.Helper()
	resp, err := http.Get(h.http.URL + path)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestSendCommand(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.pkt = &wire.Packet{Cmd: "balance", Text: "Balance: 42.5"}

	resp := h.post("/api/commands/send", map[string]any{
		"server_id": h.serverID, "command": "GetBalance", "timeout_seconds": 5,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[sendCommandResponse](t, resp)
	require.Equal(t, "Balance: 42.5", body.Response)
	require.False(t, body.IsError)
	require.Equal(t, "GetBalance", h.dispatcher.lastCommand)
	require.Equal(t, 5*time.Second, h.dispatcher.lastTimeout)
}

func TestSendCommandValidation(t *testing.T) {
	h := newHarness(t)

	resp := h.post("/api/commands/send", map[string]any{"server_id": h.serverID})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = h.post("/api/commands/send", map[string]any{"server_id": 999, "command": "x"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendCommandTimeoutMapsToGatewayTimeout(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = moonbot.ErrPeerUnreachable

	resp := h.post("/api/commands/send", map[string]any{
		"server_id": h.serverID, "command": "GetBalance",
	})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
}

func TestSendCommandMulti(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.text = "row one\nrow two"

	resp := h.post("/api/commands/send", map[string]any{
		"server_id": h.serverID, "command": "SQLSelect * FROM Orders", "multi": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[sendCommandResponse](t, resp)
	require.Equal(t, "row one\nrow two", body.Response)
}

func TestListenerLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	base := "/api/servers/1/listener"

	resp := h.post(base+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[listenerActionResponse](t, resp)
	require.True(t, body.Changed)
	require.Equal(t, "running", body.State)

	// Second start changes nothing.
	resp = h.post(base+"/start", nil)
	body = decodeBody[listenerActionResponse](t, resp)
	require.False(t, body.Changed)

	resp = h.get(base + "/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decodeBody[listenerStatusResponse](t, resp)
	require.Equal(t, "running", status.State)
	require.NotZero(t, status.BindPort)

	resp = h.post(base+"/stop", nil)
	body = decodeBody[listenerActionResponse](t, resp)
	require.True(t, body.Changed)
	require.Equal(t, "stopped", body.State)

	resp = h.post(base+"/stop", nil)
	body = decodeBody[listenerActionResponse](t, resp)
	require.False(t, body.Changed)
}

func TestListenerStartUnknownServer(t *testing.T) {
	h := newHarness(t)
	resp := h.post("/api/servers/999/listener/start", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTelemetryReads(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.store.InsertSQLLogBatch(ctx, []moonbot.SQLLog{{
		ServerID: h.serverID, CommandID: 1, SQLText: "INSERT ...", ReceivedAt: time.Now(),
	}})
	require.NoError(t, err)
	require.NoError(t, h.store.UpsertBalanceBatch(ctx, []moonbot.Balance{{
		ServerID: h.serverID, Available: 42.5, Total: 50, UpdatedAt: time.Now(),
	}}))

	resp := h.get("/api/servers/1/sql-log?limit=10")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	logs := decodeBody[map[string]json.RawMessage](t, resp)
	var count int
	require.NoError(t, json.Unmarshal(logs["count"], &count))
	require.Equal(t, 1, count)

	resp = h.get("/api/servers/1/balance")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	balance := decodeBody[moonbot.Balance](t, resp)
	require.Equal(t, 42.5, balance.Available)

	// Nothing reported for this feed yet.
	resp = h.get("/api/servers/1/orders")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = h.get("/api/servers/1/history")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBalanceNotReported(t *testing.T) {
	h := newHarness(t)
	resp := h.get("/api/servers/1/balance")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetricsEndpoints(t *testing.T) {
	h := newHarness(t)
	h.metrics.PacketReceived()

	resp := h.get("/api/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	snap := decodeBody[metrics.Snapshot](t, resp)
	require.Equal(t, int64(1), snap.PacketsTotal)

	resp = h.get("/api/metrics/capacity")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	report := decodeBody[metrics.CapacityReport](t, resp)
	require.GreaterOrEqual(t, report.MaxServers, int64(0))

	resp = h.get("/api/metrics/udp")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	udp := decodeBody[map[string]any](t, resp)
	require.Equal(t, float64(1), udp["packets_total"])

	resp = h.get("/api/metrics/servers-load")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	load := decodeBody[map[string]any](t, resp)
	require.Equal(t, float64(0), load["count"])

	resp = h.get("/api/metrics/nonsense")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Prometheus exposition endpoint.
	resp = h.get("/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(raw), "moonfleet_")
}

func TestInvalidServerID(t *testing.T) {
	h := newHarness(t)
	resp := h.get("/api/servers/abc/orders")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr apiError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&apiErr))
	require.NotEmpty(t, apiErr.Error)
}
