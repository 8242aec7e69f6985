package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotCounters(t *testing.T) {
	m := New()

	m.ListenerStarted()
	m.ListenerStarted()
	m.ListenerStopped()
	m.PacketReceived()
	m.PacketReceived()
	m.MessageDropped()
	m.UnmappedPacket()
	m.ProcessingError()
	m.AuthFailure()
	m.SetQueueState(250, 1000, 16)
	m.ObserveProcessing(2 * time.Millisecond)
	m.ObserveProcessing(4 * time.Millisecond)
	m.WSMessageSent(2000, 500)
	m.FlushOK()
	m.FlushFailed()
	m.DeadLettered(3)

	s := m.Snapshot()
	require.Equal(t, int64(1), s.ActiveListeners)
	require.Equal(t, int64(2), s.PacketsTotal)
	require.Equal(t, int64(1), s.MessagesDropped)
	require.Equal(t, int64(1), s.UnmappedPackets)
	require.Equal(t, int64(1), s.ProcessingErrors)
	require.Equal(t, int64(1), s.AuthFailures)
	require.Equal(t, int64(250), s.QueueDepth)
	require.InDelta(t, 0.25, s.QueueUtilization, 0.001)
	require.InDelta(t, 3.0, s.AvgProcessingMs, 0.001)
	require.Equal(t, int64(1), s.WSMessagesSent)
	require.InDelta(t, 0.25, s.WSCompressionRate, 0.001)
	require.Equal(t, int64(2), s.DBFlushes)
	require.Equal(t, int64(1), s.DBFlushFailures)
	require.Equal(t, int64(3), s.DeadLetteredRows)
}

func TestRateWindowEWMA(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := newRateWindow(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		r.mark()
	}
	require.Zero(t, r.perSecond()) // bucket not yet complete

	now = now.Add(time.Second)
	require.InDelta(t, 100, r.perSecond(), 0.001)

	// A quiet second decays the average.
	now = now.Add(time.Second)
	require.InDelta(t, 70, r.perSecond(), 0.001)

	// A long idle gap resets instead of folding in empty seconds.
	now = now.Add(2 * time.Minute)
	require.Zero(t, r.perSecond())
}

func TestCapacityEstimate(t *testing.T) {
	m := New()
	m.SetQueueState(0, 1000, 16)

	// 2ms average => 500 msg/s per worker => 16*500/0.3 ≈ 26666 servers.
	m.ObserveProcessing(2 * time.Millisecond)

	report := m.Capacity()
	require.Equal(t, int64(16), report.Workers)
	require.InDelta(t, 26666, report.MaxServers, 1)
	require.Empty(t, report.Recommendations)
}

func TestCapacityRecommendations(t *testing.T) {
	m := New()
	m.SetQueueState(600, 1000, 1)
	m.ObserveProcessing(100 * time.Millisecond) // 10 msg/s per worker => 33 servers

	for i := 0; i < 30; i++ {
		m.ListenerStarted()
	}

	report := m.Capacity()
	require.Greater(t, report.UtilizationPct, 80.0)
	require.Greater(t, report.QueuePct, 50.0)
	require.Len(t, report.Recommendations, 2)
}
