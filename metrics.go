package hazcat

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a hazcat
// process: every Publisher and Subscriber in the process shares one
// instance unless the caller constructs more than one Context.
type Metrics struct {
	PublishOps atomic.Uint64
	TakeOps    atomic.Uint64

	PublishBytes atomic.Uint64
	TakeBytes    atomic.Uint64

	PublishErrors atomic.Uint64
	TakeErrors    atomic.Uint64

	// CrossDomainCopies counts Take calls that had to stage a payload
	// through crossDomainCopy rather than share the publisher's column
	// directly.
	CrossDomainCopies atomic.Uint64

	InterestCountTotal atomic.Uint64 // cumulative interest_count samples
	InterestCountNum   atomic.Uint64
	MaxInterestCount   atomic.Uint32

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// LatencyBuckets[i] holds the cumulative count of operations with
	// latency <= LatencyBuckets[i].
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordPublish records a Publish call.
func (m *Metrics) RecordPublish(bytes uint64, latencyNs uint64, success bool) {
	m.PublishOps.Add(1)
	if success {
		m.PublishBytes.Add(bytes)
	} else {
		m.PublishErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordTake records a Take call.
func (m *Metrics) RecordTake(bytes uint64, latencyNs uint64, success, crossDomain bool) {
	m.TakeOps.Add(1)
	if success {
		m.TakeBytes.Add(bytes)
		if crossDomain {
			m.CrossDomainCopies.Add(1)
		}
	} else {
		m.TakeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInterestCount records an observed row interest_count.
func (m *Metrics) RecordInterestCount(count uint32) {
	m.InterestCountTotal.Add(uint64(count))
	m.InterestCountNum.Add(1)
	for {
		current := m.MaxInterestCount.Load()
		if count <= current {
			break
		}
		if m.MaxInterestCount.CompareAndSwap(current, count) {
			break
		}
	}
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the process's metrics as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of Metrics.
type MetricsSnapshot struct {
	PublishOps uint64
	TakeOps    uint64

	PublishBytes uint64
	TakeBytes    uint64

	PublishErrors uint64
	TakeErrors    uint64

	CrossDomainCopies uint64

	AvgInterestCount float64
	MaxInterestCount uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	PublishOpsPerSec float64
	TakeOpsPerSec    float64
	TotalOps         uint64
	TotalBytes       uint64
	ErrorRate        float64
}

// Snapshot creates a point-in-time snapshot of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		PublishOps:        m.PublishOps.Load(),
		TakeOps:           m.TakeOps.Load(),
		PublishBytes:      m.PublishBytes.Load(),
		TakeBytes:         m.TakeBytes.Load(),
		PublishErrors:     m.PublishErrors.Load(),
		TakeErrors:        m.TakeErrors.Load(),
		CrossDomainCopies: m.CrossDomainCopies.Load(),
		MaxInterestCount:  m.MaxInterestCount.Load(),
	}

	snap.TotalOps = snap.PublishOps + snap.TakeOps
	snap.TotalBytes = snap.PublishBytes + snap.TakeBytes

	interestTotal := m.InterestCountTotal.Load()
	interestNum := m.InterestCountNum.Load()
	if interestNum > 0 {
		snap.AvgInterestCount = float64(interestTotal) / float64(interestNum)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.PublishOpsPerSec = float64(snap.PublishOps) / uptimeSeconds
		snap.TakeOpsPerSec = float64(snap.TakeOps) / uptimeSeconds
	}

	totalErrors := snap.PublishErrors + snap.TakeErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes all counters; useful for tests.
func (m *Metrics) Reset() {
	m.PublishOps.Store(0)
	m.TakeOps.Store(0)
	m.PublishBytes.Store(0)
	m.TakeBytes.Store(0)
	m.PublishErrors.Store(0)
	m.TakeErrors.Store(0)
	m.CrossDomainCopies.Store(0)
	m.InterestCountTotal.Store(0)
	m.InterestCountNum.Store(0)
	m.MaxInterestCount.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable metrics collection at the Context boundary.
type Observer interface {
	ObservePublish(bytes uint64, latencyNs uint64, success bool)
	ObserveTake(bytes uint64, latencyNs uint64, success, crossDomain bool)
	ObserveInterestCount(count uint32)
}

// NoOpObserver discards every observation.
type NoOpObserver struct{}

func (NoOpObserver) ObservePublish(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveTake(uint64, uint64, bool, bool) {}
func (NoOpObserver) ObserveInterestCount(uint32)            {}

// MetricsObserver implements Observer by recording into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to m.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObservePublish(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordPublish(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveTake(bytes uint64, latencyNs uint64, success, crossDomain bool) {
	o.metrics.RecordTake(bytes, latencyNs, success, crossDomain)
}

func (o *MetricsObserver) ObserveInterestCount(count uint32) {
	o.metrics.RecordInterestCount(count)
}

var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
