package api

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/moonfleet/moonfleet/moonbot"
)

func (s *Server) handleSQLLog(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	logs, err := s.store.ListSQLLog(r.Context(), id, pageOptions(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sql_log": logs, "count": len(logs)})
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	orders, err := s.store.ListOrders(r.Context(), id, pageOptions(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"orders": orders, "count": len(orders)})
}

func (s *Server) handleCharts(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	charts, err := s.store.ListCharts(r.Context(), id, pageOptions(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"charts": charts, "count": len(charts)})
}

func (s *Server) handleAPIErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	errs, err := s.store.ListAPIErrors(r.Context(), id, pageOptions(r))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"errors": errs, "count": len(errs)})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	balance, found, err := s.store.GetBalance(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	if !found {
		s.writeError(w, http.StatusNotFound, "no balance reported yet")
		return
	}
	s.writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.serverID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	rows, err := s.store.ListCommandHistory(r.Context(), id, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if rows == nil {
		rows = []moonbot.CommandHistory{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"history": rows, "count": len(rows)})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleMetricsSection serves one carved-out view of the snapshot. Sections
// mirror the dashboard tabs; "all" is the full snapshot.
func (s *Server) handleMetricsSection(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	switch r.PathValue("section") {
	case "all":
		s.writeJSON(w, http.StatusOK, snap)
	case "system":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"active_listeners":  snap.ActiveListeners,
			"workers":           snap.Workers,
			"queue_depth":       snap.QueueDepth,
			"queue_capacity":    snap.QueueCapacity,
			"queue_utilization": snap.QueueUtilization,
			"processing_errors": snap.ProcessingErrors,
			"avg_processing_ms": snap.AvgProcessingMs,
		})
	case "database":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"flushes":            snap.DBFlushes,
			"flush_failures":     snap.DBFlushFailures,
			"dead_lettered_rows": snap.DeadLetteredRows,
		})
	case "websocket":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"messages_sent":     snap.WSMessagesSent,
			"bytes_sent":        snap.WSBytesSent,
			"compression_ratio": snap.WSCompressionRate,
			"rate_limited":      snap.WSRateLimited,
		})
	case "udp":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"packets_total":      snap.PacketsTotal,
			"packets_per_second": snap.PacketsPerSecond,
			"messages_dropped":   snap.MessagesDropped,
			"unmapped_packets":   snap.UnmappedPackets,
			"incomplete_packets": snap.IncompletePackets,
			"auth_failures":      snap.AuthFailures,
			"keepalive_skipped":  snap.KeepaliveSkipped,
		})
	case "redis":
		s.writeJSON(w, http.StatusOK, map[string]any{
			"hits":      snap.CacheHits,
			"misses":    snap.CacheMisses,
			"hit_ratio": snap.CacheHitRatio,
		})
	case "capacity":
		s.writeJSON(w, http.StatusOK, s.metrics.Capacity())
	case "servers-load":
		s.handleServersLoad(w, r)
	default:
		s.writeError(w, http.StatusNotFound, "unknown metrics section")
	}
}

type serverLoad struct {
	ServerID         moonbot.ServerID `json:"server_id"`
	State            string           `json:"state"`
	BindPort         int              `json:"bind_port,omitempty"`
	MessagesReceived int64            `json:"messages_received"`
	LastActivity     *time.Time       `json:"last_activity,omitempty"`
	LastError        string           `json:"last_error,omitempty"`
}

func (s *Server) handleServersLoad(w http.ResponseWriter, _ *http.Request) {
	statuses := s.registry.Statuses()
	loads := make([]serverLoad, 0, len(statuses))
	for id, st := range statuses {
		load := serverLoad{
			ServerID:         id,
			State:            st.State.String(),
			BindPort:         st.BindPort,
			MessagesReceived: st.MessagesReceived,
			LastError:        st.LastError,
		}
		if !st.LastActivity.IsZero() {
			t := st.LastActivity
			load.LastActivity = &t
		}
		loads = append(loads, load)
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].ServerID < loads[j].ServerID })
	s.writeJSON(w, http.StatusOK, map[string]any{"servers": loads, "count": len(loads)})
}
