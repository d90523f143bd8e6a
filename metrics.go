package xfsjournal

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the iclog-sync latency histogram boundaries in
// nanoseconds, logarithmically spaced from 1us to 10s.
var LatencyBuckets = []uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = 8

// Metrics tracks the operational counters for a mount: buffer cache
// traffic, pinning, delwri queue depth, iclog syncs, AIL pushes, and
// recovery.
type Metrics struct {
	BufferHits   atomic.Uint64
	BufferMisses atomic.Uint64

	PinCount atomic.Int64

	DelwriDepthTotal atomic.Uint64
	DelwriDepthCount atomic.Uint64
	MaxDelwriDepth   atomic.Uint32

	IclogSyncs     atomic.Uint64
	IclogBytes     atomic.Uint64
	IclogLatencyNs atomic.Uint64
	LatencyBucketCounts [numLatencyBuckets]atomic.Uint64

	AILPushes     atomic.Uint64
	ItemsPushed   atomic.Uint64

	RecoveryItemsReplayed atomic.Uint64
	RecoveryItemsCanceled atomic.Uint64

	StartTime atomic.Int64
}

// NewMetrics creates a zeroed Metrics with StartTime set to now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) recordLatency(ns uint64) {
	for i, b := range LatencyBuckets {
		if ns <= b {
			m.LatencyBucketCounts[i].Add(1)
			return
		}
	}
}

// ObserveBufferLookup implements interfaces.Observer.
func (m *Metrics) ObserveBufferLookup(hit bool) {
	if hit {
		m.BufferHits.Add(1)
	} else {
		m.BufferMisses.Add(1)
	}
}

// ObservePin implements interfaces.Observer.
func (m *Metrics) ObservePin(delta int) {
	m.PinCount.Add(int64(delta))
}

// ObserveDelwriDepth implements interfaces.Observer.
func (m *Metrics) ObserveDelwriDepth(depth int) {
	m.DelwriDepthTotal.Add(uint64(depth))
	m.DelwriDepthCount.Add(1)
	for {
		cur := m.MaxDelwriDepth.Load()
		if uint32(depth) <= cur {
			return
		}
		if m.MaxDelwriDepth.CompareAndSwap(cur, uint32(depth)) {
			return
		}
	}
}

// ObserveIclogSync implements interfaces.Observer.
func (m *Metrics) ObserveIclogSync(bytes int, latencyNs uint64) {
	m.IclogSyncs.Add(1)
	m.IclogBytes.Add(uint64(bytes))
	m.IclogLatencyNs.Add(latencyNs)
	m.recordLatency(latencyNs)
}

// ObserveAILPush implements interfaces.Observer.
func (m *Metrics) ObserveAILPush(itemsPushed int) {
	m.AILPushes.Add(1)
	m.ItemsPushed.Add(uint64(itemsPushed))
}

// ObserveRecoveryItem implements interfaces.Observer.
func (m *Metrics) ObserveRecoveryItem(kind string) {
	switch kind {
	case "canceled":
		m.RecoveryItemsCanceled.Add(1)
	default:
		m.RecoveryItemsReplayed.Add(1)
	}
}

// MetricsSnapshot is a point-in-time copy of Metrics suitable for
// marshaling or logging.
type MetricsSnapshot struct {
	BufferHits, BufferMisses   uint64
	PinCount                   int64
	AvgDelwriDepth             float64
	MaxDelwriDepth             uint32
	IclogSyncs, IclogBytes     uint64
	AvgIclogLatencyNs          float64
	AILPushes, ItemsPushed     uint64
	RecoveryItemsReplayed      uint64
	RecoveryItemsCanceled      uint64
	UptimeSeconds              float64
}

// Snapshot returns a consistent-enough point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	depthCount := m.DelwriDepthCount.Load()
	var avgDepth float64
	if depthCount > 0 {
		avgDepth = float64(m.DelwriDepthTotal.Load()) / float64(depthCount)
	}
	syncs := m.IclogSyncs.Load()
	var avgLatency float64
	if syncs > 0 {
		avgLatency = float64(m.IclogLatencyNs.Load()) / float64(syncs)
	}
	return MetricsSnapshot{
		BufferHits:            m.BufferHits.Load(),
		BufferMisses:          m.BufferMisses.Load(),
		PinCount:              m.PinCount.Load(),
		AvgDelwriDepth:        avgDepth,
		MaxDelwriDepth:        m.MaxDelwriDepth.Load(),
		IclogSyncs:            syncs,
		IclogBytes:            m.IclogBytes.Load(),
		AvgIclogLatencyNs:     avgLatency,
		AILPushes:             m.AILPushes.Load(),
		ItemsPushed:           m.ItemsPushed.Load(),
		RecoveryItemsReplayed: m.RecoveryItemsReplayed.Load(),
		RecoveryItemsCanceled: m.RecoveryItemsCanceled.Load(),
		UptimeSeconds:         time.Since(time.Unix(0, m.StartTime.Load())).Seconds(),
	}
}
