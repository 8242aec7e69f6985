// Package metrics tracks the control plane's throughput and health. Counters
// feed two surfaces at once: a prometheus registry for scraping and a cheap
// atomic snapshot for the JSON endpoints, so the hot path never touches a
// mutex.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide collector. All Inc/Observe methods are safe for
// concurrent use from the listener and worker goroutines.
type Metrics struct {
	registry *prometheus.Registry

	activeListeners   atomic.Int64
	packetsTotal      atomic.Int64
	messagesDropped   atomic.Int64
	unmappedPackets   atomic.Int64
	processingErrors  atomic.Int64
	unknownCurrency   atomic.Int64
	authFailures      atomic.Int64
	keepaliveSkipped  atomic.Int64
	incompletePackets atomic.Int64

	queueDepth atomic.Int64
	queueCap   atomic.Int64
	workers    atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	wsMessages        atomic.Int64
	wsBytesRaw        atomic.Int64
	wsBytesSent       atomic.Int64
	wsDroppedRate     atomic.Int64
	flushesTotal      atomic.Int64
	flushFailures     atomic.Int64
	deadLetteredRows  atomic.Int64
	processingMicros  atomic.Int64
	processedMessages atomic.Int64

	rate *rateWindow

	promPackets     prometheus.Counter
	promDropped     prometheus.Counter
	promUnmapped    prometheus.Counter
	promErrors      prometheus.Counter
	promAuthFail    prometheus.Counter
	promListeners   prometheus.GaugeFunc
	promQueueDepth  prometheus.GaugeFunc
	promWSMessages  prometheus.Counter
	promWSBytes     prometheus.Counter
	promFlushes     prometheus.Counter
	promFlushErrors prometheus.Counter
	promProcessing  prometheus.Histogram
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rate:     newRateWindow(time.Now),
	}

	m.promPackets = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "packets_received_total",
		Help: "UDP datagrams accepted by listeners.",
	})
	m.promDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "messages_dropped_total",
		Help: "Work items dropped because the ingest queue was full.",
	})
	m.promUnmapped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "unmapped_packets_total",
		Help: "Shared-socket datagrams from peers with no registered listener.",
	})
	m.promErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "processing_errors_total",
		Help: "Work items that failed or panicked in a handler.",
	})
	m.promAuthFail = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "auth_failures_total",
		Help: "Frames rejected by MAC verification.",
	})
	m.promListeners = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "moonfleet", Name: "active_listeners",
		Help: "Listeners currently in the running state.",
	}, func() float64 { return float64(m.activeListeners.Load()) })
	m.promQueueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "moonfleet", Name: "ingest_queue_depth",
		Help: "Work items waiting in the ingest queue.",
	}, func() float64 { return float64(m.queueDepth.Load()) })
	m.promWSMessages = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "ws_messages_sent_total",
		Help: "WebSocket frames written to clients.",
	})
	m.promWSBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "ws_bytes_sent_total",
		Help: "WebSocket payload bytes after compression.",
	})
	m.promFlushes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "db_flushes_total",
		Help: "Persister batch flushes.",
	})
	m.promFlushErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "moonfleet", Name: "db_flush_failures_total",
		Help: "Persister flushes that failed and went to retry.",
	})
	m.promProcessing = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "moonfleet", Name: "message_processing_seconds",
		Help:    "Per-message handler latency.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})

	m.registry.MustRegister(
		m.promPackets, m.promDropped, m.promUnmapped, m.promErrors, m.promAuthFail,
		m.promListeners, m.promQueueDepth,
		m.promWSMessages, m.promWSBytes,
		m.promFlushes, m.promFlushErrors, m.promProcessing,
	)
	return m
}

// Registry exposes the prometheus registry for promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ListenerStarted() { m.activeListeners.Add(1) }
func (m *Metrics) ListenerStopped() { m.activeListeners.Add(-1) }

func (m *Metrics) PacketReceived() {
	m.packetsTotal.Add(1)
	m.promPackets.Inc()
	m.rate.mark()
}

func (m *Metrics) MessageDropped() {
	m.messagesDropped.Add(1)
	m.promDropped.Inc()
}

func (m *Metrics) UnmappedPacket() {
	m.unmappedPackets.Add(1)
	m.promUnmapped.Inc()
}

func (m *Metrics) ProcessingError() {
	m.processingErrors.Add(1)
	m.promErrors.Inc()
}

func (m *Metrics) AuthFailure() {
	m.authFailures.Add(1)
	m.promAuthFail.Inc()
}

func (m *Metrics) UnknownCurrency()  { m.unknownCurrency.Add(1) }
func (m *Metrics) KeepaliveSkipped() { m.keepaliveSkipped.Add(1) }
func (m *Metrics) IncompletePacket() { m.incompletePackets.Add(1) }

func (m *Metrics) CacheHit()  { m.cacheHits.Add(1) }
func (m *Metrics) CacheMiss() { m.cacheMisses.Add(1) }

// SetQueueState is called by the pool after every enqueue/dequeue batch.
func (m *Metrics) SetQueueState(depth, capacity, workers int) {
	m.queueDepth.Store(int64(depth))
	m.queueCap.Store(int64(capacity))
	m.workers.Store(int64(workers))
}

// ObserveProcessing records one handled message's latency.
func (m *Metrics) ObserveProcessing(d time.Duration) {
	m.processedMessages.Add(1)
	m.processingMicros.Add(d.Microseconds())
	m.promProcessing.Observe(d.Seconds())
}

func (m *Metrics) WSMessageSent(rawBytes, sentBytes int) {
	m.wsMessages.Add(1)
	m.wsBytesRaw.Add(int64(rawBytes))
	m.wsBytesSent.Add(int64(sentBytes))
	m.promWSMessages.Inc()
	m.promWSBytes.Add(float64(sentBytes))
}

func (m *Metrics) WSRateLimited() { m.wsDroppedRate.Add(1) }

func (m *Metrics) FlushOK() {
	m.flushesTotal.Add(1)
	m.promFlushes.Inc()
}

func (m *Metrics) FlushFailed() {
	m.flushesTotal.Add(1)
	m.flushFailures.Add(1)
	m.promFlushes.Inc()
	m.promFlushErrors.Inc()
}

func (m *Metrics) DeadLettered(rows int) { m.deadLetteredRows.Add(int64(rows)) }

// Snapshot is the JSON view of the counters for /api/metrics.
type Snapshot struct {
	ActiveListeners   int64   `json:"active_listeners"`
	PacketsTotal      int64   `json:"packets_total"`
	PacketsPerSecond  float64 `json:"packets_per_second"`
	MessagesDropped   int64   `json:"messages_dropped"`
	UnmappedPackets   int64   `json:"unmapped_packets"`
	ProcessingErrors  int64   `json:"processing_errors"`
	UnknownCurrency   int64   `json:"unknown_currency"`
	AuthFailures      int64   `json:"auth_failures"`
	KeepaliveSkipped  int64   `json:"keepalive_skipped"`
	IncompletePackets int64   `json:"incomplete_packets"`
	QueueDepth        int64   `json:"queue_depth"`
	QueueCapacity     int64   `json:"queue_capacity"`
	QueueUtilization  float64 `json:"queue_utilization"`
	Workers           int64   `json:"workers"`
	AvgProcessingMs   float64 `json:"avg_processing_ms"`
	CacheHits         int64   `json:"cache_hits"`
	CacheMisses       int64   `json:"cache_misses"`
	CacheHitRatio     float64 `json:"cache_hit_ratio"`
	WSMessagesSent    int64   `json:"ws_messages_sent"`
	WSBytesSent       int64   `json:"ws_bytes_sent"`
	WSCompressionRate float64 `json:"ws_compression_ratio"`
	WSRateLimited     int64   `json:"ws_rate_limited"`
	DBFlushes         int64   `json:"db_flushes"`
	DBFlushFailures   int64   `json:"db_flush_failures"`
	DeadLetteredRows  int64   `json:"dead_lettered_rows"`
}

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		ActiveListeners:   m.activeListeners.Load(),
		PacketsTotal:      m.packetsTotal.Load(),
		PacketsPerSecond:  m.rate.perSecond(),
		MessagesDropped:   m.messagesDropped.Load(),
		UnmappedPackets:   m.unmappedPackets.Load(),
		ProcessingErrors:  m.processingErrors.Load(),
		UnknownCurrency:   m.unknownCurrency.Load(),
		AuthFailures:      m.authFailures.Load(),
		KeepaliveSkipped:  m.keepaliveSkipped.Load(),
		IncompletePackets: m.incompletePackets.Load(),
		QueueDepth:        m.queueDepth.Load(),
		QueueCapacity:     m.queueCap.Load(),
		Workers:           m.workers.Load(),
		CacheHits:         m.cacheHits.Load(),
		CacheMisses:       m.cacheMisses.Load(),
		WSMessagesSent:    m.wsMessages.Load(),
		WSBytesSent:       m.wsBytesSent.Load(),
		WSRateLimited:     m.wsDroppedRate.Load(),
		DBFlushes:         m.flushesTotal.Load(),
		DBFlushFailures:   m.flushFailures.Load(),
		DeadLetteredRows:  m.deadLetteredRows.Load(),
	}
	if s.QueueCapacity > 0 {
		s.QueueUtilization = float64(s.QueueDepth) / float64(s.QueueCapacity)
	}
	if n := m.processedMessages.Load(); n > 0 {
		s.AvgProcessingMs = float64(m.processingMicros.Load()) / float64(n) / 1000
	}
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		s.CacheHitRatio = float64(s.CacheHits) / float64(total)
	}
	if raw := m.wsBytesRaw.Load(); raw > 0 {
		s.WSCompressionRate = float64(s.WSBytesSent) / float64(raw)
	}
	return s
}

// rateWindow keeps 1 second buckets and smooths them with an EWMA so the
// packets/sec figure survives bursty bots.
type rateWindow struct {
	mu      sync.Mutex
	now     func() time.Time
	bucket  int64
	current int64
	ewma    float64
	primed  bool
}

const rateAlpha = 0.3

func newRateWindow(now func() time.Time) *rateWindow {
	return &rateWindow{now: now}
}

func (r *rateWindow) mark() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(r.now().Unix())
	r.current++
}

func (r *rateWindow) perSecond() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roll(r.now().Unix())
	return r.ewma
}

func (r *rateWindow) roll(sec int64) {
	if sec == r.bucket {
		return
	}
	if r.bucket == 0 || sec-r.bucket > 60 {
		// First sample, or a long idle gap: restart rather than folding in
		// thousands of empty seconds.
		r.ewma = 0
		r.primed = false
		r.bucket = sec
		r.current = 0
		return
	}
	// Fold every elapsed full second into the EWMA, empty seconds included.
	for s := r.bucket; s < sec; s++ {
		sample := float64(0)
		if s == r.bucket {
			sample = float64(r.current)
		}
		if !r.primed {
			r.ewma = sample
			r.primed = true
			continue
		}
		r.ewma = rateAlpha*sample + (1-rateAlpha)*r.ewma
	}
	r.bucket = sec
	r.current = 0
}
