package metrics

import (
	"sync"
	"testing"
	"time"
)

func findMetric(metrics map[string]*Metric, name string, labels Labels) *Metric {
	for _, m := range metrics {
		if m.Name != name {
			continue
		}
		match := true
		for k, v := range labels {
			if m.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m
		}
	}
	return nil
}

func TestCounter(t *testing.T) {
	r := NewRegistry()

	r.Counter(MetricProbesSent, Labels{LabelTechnique: "syn"})
	r.Counter(MetricProbesSent, Labels{LabelTechnique: "syn"})
	r.Counter(MetricProbesSent, Labels{LabelTechnique: "udp"})

	m := findMetric(r.GetMetrics(), MetricProbesSent, Labels{LabelTechnique: "syn"})
	if m == nil {
		t.Fatal("syn counter not found")
	}
	if m.Value != 2 {
		t.Errorf("Expected counter value 2, got %v", m.Value)
	}
	if m.Type != TypeCounter {
		t.Errorf("Expected type counter, got %s", m.Type)
	}

	udp := findMetric(r.GetMetrics(), MetricProbesSent, Labels{LabelTechnique: "udp"})
	if udp == nil || udp.Value != 1 {
		t.Error("Differently labeled counters must not share state")
	}
}

func TestGauge(t *testing.T) {
	r := NewRegistry()

	r.Gauge(MetricTrackerEntries, 100, nil)
	r.Gauge(MetricTrackerEntries, 42, nil)

	m := findMetric(r.GetMetrics(), MetricTrackerEntries, nil)
	if m == nil {
		t.Fatal("gauge not found")
	}
	if m.Value != 42 {
		t.Errorf("Gauge should hold the last value, got %v", m.Value)
	}
}

func TestDisabledRegistry(t *testing.T) {
	r := NewRegistry()
	r.SetEnabled(false)

	r.Counter(MetricProbesSent, nil)
	r.Gauge(MetricPacerRate, 1000, nil)

	if len(r.GetMetrics()) != 0 {
		t.Error("Disabled registry should record nothing")
	}

	r.SetEnabled(true)
	r.Counter(MetricProbesSent, nil)
	if len(r.GetMetrics()) != 1 {
		t.Error("Re-enabled registry should record again")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := NewRegistry()
	r.Counter(MetricProbesSent, Labels{LabelTechnique: "syn"})

	snap := r.GetMetrics()
	for _, m := range snap {
		m.Value = 999
		m.Labels[LabelTechnique] = "mutated"
	}

	m := findMetric(r.GetMetrics(), MetricProbesSent, Labels{LabelTechnique: "syn"})
	if m == nil || m.Value != 1 {
		t.Error("Snapshot mutation must not affect the registry")
	}
}

func TestReset(t *testing.T) {
	r := NewRegistry()
	r.Counter(MetricProbesSent, nil)
	r.Reset()
	if len(r.GetMetrics()) != 0 {
		t.Error("Reset should clear all metrics")
	}
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				r.Counter(MetricProbesSent, Labels{LabelTechnique: "syn"})
				r.Gauge(MetricPacerRate, float64(j), nil)
				_ = r.GetMetrics()
			}
		}()
	}
	wg.Wait()

	m := findMetric(r.GetMetrics(), MetricProbesSent, Labels{LabelTechnique: "syn"})
	if m == nil || m.Value != 8*500 {
		t.Errorf("Expected 4000 increments, got %v", m)
	}
}

func TestHelperFunctions(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	r := NewRegistry()
	SetDefault(r)

	RecordProbeSent("syn", "tcp")
	RecordProbeResolved("syn", "syn-ack")
	RecordProbeRTT("syn", 2*time.Millisecond)
	RecordParseError("tcp")
	SetPacerRate(1000)
	SetTrackerEntries(17)

	metrics := r.GetMetrics()
	checks := []struct {
		name   string
		labels Labels
	}{
		{MetricProbesSent, Labels{LabelTechnique: "syn", LabelProtocol: "tcp"}},
		{MetricProbesResolved, Labels{LabelTechnique: "syn", LabelOutcome: "syn-ack"}},
		{MetricProbeRTT, Labels{LabelTechnique: "syn"}},
		{MetricParseErrors, Labels{"layer": "tcp"}},
		{MetricPacerRate, nil},
		{MetricTrackerEntries, nil},
	}
	for _, c := range checks {
		if findMetric(metrics, c.name, c.labels) == nil {
			t.Errorf("Expected metric %s with labels %v", c.name, c.labels)
		}
	}

	if m := findMetric(metrics, MetricTrackerEntries, nil); m.Value != 17 {
		t.Errorf("Expected tracker entries 17, got %v", m.Value)
	}
}

func TestTimer(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	r := NewRegistry()
	SetDefault(r)

	timer := NewTimer(MetricIdleScanDuration, nil)
	time.Sleep(time.Millisecond)
	timer.Stop()

	m := findMetric(r.GetMetrics(), MetricIdleScanDuration, nil)
	if m == nil {
		t.Fatal("timer histogram not recorded")
	}
	if m.Value <= 0 {
		t.Errorf("Expected positive duration, got %v", m.Value)
	}
}
