package metrics

import "fmt"

// Safety margin: plan for each bot averaging ~0.3 messages per second so a
// burst from one fleet does not saturate the pool.
const assumedMsgsPerServerPerSec = 0.3

// CapacityReport estimates how many bot endpoints the current worker pool can
// sustain and flags the bottlenecks.
type CapacityReport struct {
	Workers         int64    `json:"workers"`
	AvgProcessingMs float64  `json:"avg_processing_ms"`
	MaxServers      int64    `json:"max_servers"`
	ActiveListeners int64    `json:"active_listeners"`
	UtilizationPct  float64  `json:"utilization_pct"`
	QueuePct        float64  `json:"queue_pct"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Capacity derives the report from the live snapshot. With no processing
// samples yet it assumes 1 ms per message rather than reporting infinity.
func (m *Metrics) Capacity() CapacityReport {
	s := m.Snapshot()

	avgMs := s.AvgProcessingMs
	if avgMs <= 0 {
		avgMs = 1
	}

	perWorker := 1000 / avgMs
	maxServers := int64(float64(s.Workers) * perWorker / assumedMsgsPerServerPerSec)

	r := CapacityReport{
		Workers:         s.Workers,
		AvgProcessingMs: s.AvgProcessingMs,
		MaxServers:      maxServers,
		ActiveListeners: s.ActiveListeners,
		QueuePct:        s.QueueUtilization * 100,
	}
	if maxServers > 0 {
		r.UtilizationPct = float64(s.ActiveListeners) / float64(maxServers) * 100
	}

	if r.UtilizationPct > 80 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("fleet utilization at %.0f%%: increase workers or shard servers across instances", r.UtilizationPct))
	}
	if r.QueuePct > 50 {
		r.Recommendations = append(r.Recommendations,
			fmt.Sprintf("ingest queue at %.0f%%: increase queue size or worker count", r.QueuePct))
	}
	return r
}
