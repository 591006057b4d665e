package hazcat

import "testing"

func TestMetricsRecordPublishAndTake(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordPublish(1024, 1_000_000, true)  // 1KB, 1ms, success
	m.RecordPublish(512, 500_000, false)    // error, no bytes counted
	m.RecordTake(1024, 2_000_000, true, false)

	snap = m.Snapshot()

	if snap.PublishOps != 2 {
		t.Errorf("expected 2 publish ops, got %d", snap.PublishOps)
	}
	if snap.TakeOps != 1 {
		t.Errorf("expected 1 take op, got %d", snap.TakeOps)
	}
	if snap.PublishBytes != 1024 {
		t.Errorf("expected 1024 publish bytes, got %d", snap.PublishBytes)
	}
	if snap.PublishErrors != 1 {
		t.Errorf("expected 1 publish error, got %d", snap.PublishErrors)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsCrossDomainCopies(t *testing.T) {
	m := NewMetrics()

	m.RecordTake(64, 100_000, true, true)
	m.RecordTake(64, 100_000, true, false)
	m.RecordTake(64, 100_000, true, true)

	snap := m.Snapshot()
	if snap.CrossDomainCopies != 2 {
		t.Errorf("expected 2 cross-domain copies, got %d", snap.CrossDomainCopies)
	}
}

func TestMetricsInterestCount(t *testing.T) {
	m := NewMetrics()

	m.RecordInterestCount(3)
	m.RecordInterestCount(1)
	m.RecordInterestCount(5)

	snap := m.Snapshot()
	if snap.MaxInterestCount != 5 {
		t.Errorf("expected max interest count 5, got %d", snap.MaxInterestCount)
	}
	expectedAvg := float64(3+1+5) / 3.0
	if snap.AvgInterestCount < expectedAvg-0.01 || snap.AvgInterestCount > expectedAvg+0.01 {
		t.Errorf("expected avg interest count %.2f, got %.2f", expectedAvg, snap.AvgInterestCount)
	}
}

func TestMetricsLatencyPercentiles(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 100; i++ {
		m.RecordPublish(0, 1_000_000, true) // 1ms, below every bucket >= 1ms
	}

	snap := m.Snapshot()
	if snap.LatencyP50Ns == 0 {
		t.Error("expected non-zero p50 latency")
	}
	if snap.LatencyP50Ns > snap.LatencyP99Ns {
		t.Errorf("expected p50 (%d) <= p99 (%d)", snap.LatencyP50Ns, snap.LatencyP99Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordPublish(100, 1000, true)
	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("expected 0 ops after Reset, got %d", snap.TotalOps)
	}
}

func TestNoOpObserverDiscardsEverything(t *testing.T) {
	var o NoOpObserver
	o.ObservePublish(1, 2, true)
	o.ObserveTake(1, 2, true, false)
	o.ObserveInterestCount(3)
}

func TestMetricsObserverRecordsToMetrics(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)
	o.ObservePublish(10, 100, true)

	snap := m.Snapshot()
	if snap.PublishOps != 1 {
		t.Errorf("expected 1 publish op recorded via observer, got %d", snap.PublishOps)
	}
}
