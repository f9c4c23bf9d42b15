package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewPrometheusMetrics(t *testing.T) {
	pm := NewPrometheusMetrics()
	if pm == nil {
		t.Fatal("NewPrometheusMetrics returned nil")
	}
	if pm.GetRegistry() == nil {
		t.Fatal("registry should be set")
	}
}

func TestProbeCollectors(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementProbesSent("syn", "tcp")
	pm.IncrementProbesSent("syn", "tcp")
	pm.IncrementProbesResolved("syn", "syn-ack")
	pm.ObserveProbeRTT("syn", 2*time.Millisecond)
	pm.IncrementParseErrors("tcp")

	sent := testutil.ToFloat64(pm.probesSent.WithLabelValues("syn", "tcp"))
	if sent != 2 {
		t.Errorf("Expected 2 probes sent, got %v", sent)
	}
	resolved := testutil.ToFloat64(pm.probesResolved.WithLabelValues("syn", "syn-ack"))
	if resolved != 1 {
		t.Errorf("Expected 1 probe resolved, got %v", resolved)
	}
	parseErrs := testutil.ToFloat64(pm.parseErrors.WithLabelValues("tcp"))
	if parseErrs != 1 {
		t.Errorf("Expected 1 parse error, got %v", parseErrs)
	}
}

func TestTrackerAndRateCollectors(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.SetTrackerEntries(1234)
	pm.IncrementTrackerEvictions("deadline")
	pm.IncrementTrackerSaturated()
	pm.SetPacerRate(1000)
	pm.IncrementPermitsDenied("pacer")
	pm.SetTargetPenalties(3)

	if v := testutil.ToFloat64(pm.trackerEntries); v != 1234 {
		t.Errorf("Expected tracker entries 1234, got %v", v)
	}
	if v := testutil.ToFloat64(pm.pacerRate); v != 1000 {
		t.Errorf("Expected pacer rate 1000, got %v", v)
	}
	if v := testutil.ToFloat64(pm.permitsDenied.WithLabelValues("pacer")); v != 1 {
		t.Errorf("Expected 1 permit denial, got %v", v)
	}
}

func TestResultAndIdleCollectors(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.IncrementResultsPushed("open")
	pm.RecordDrain(16)
	pm.IncrementIdleRetries()
	pm.IncrementZombiesProbed("sequential")
	pm.IncrementZombiesAccepted()
	pm.ObserveIdleScanDuration(400 * time.Millisecond)

	if v := testutil.ToFloat64(pm.resultsPushed.WithLabelValues("open")); v != 1 {
		t.Errorf("Expected 1 result pushed, got %v", v)
	}
	if v := testutil.ToFloat64(pm.resultsDrained); v != 16 {
		t.Errorf("Expected 16 results drained, got %v", v)
	}
	if v := testutil.ToFloat64(pm.zombiesProbed.WithLabelValues("sequential")); v != 1 {
		t.Errorf("Expected 1 zombie probed, got %v", v)
	}
}

func TestGatherNamespacedFamilies(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.IncrementProbesSent("syn", "tcp")

	families, err := pm.GetRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "packetrake_probe_") {
			found = true
			break
		}
	}
	if !found {
		t.Error("Expected packetrake_probe_* metric families")
	}
}

func TestSystemMetricsUpdate(t *testing.T) {
	pm := NewPrometheusMetrics()
	pm.UpdateSystemMetrics()

	if v := testutil.ToFloat64(pm.goroutines); v <= 0 {
		t.Errorf("Expected positive goroutine count, got %v", v)
	}
	if pm.GetUptime() < 0 {
		t.Errorf("Uptime should be non-negative, got %v", pm.GetUptime())
	}
	if pm.GetLastUpdate().IsZero() {
		t.Error("Last update should be stamped")
	}
}

func TestStartPeriodicUpdates(t *testing.T) {
	pm := NewPrometheusMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	go pm.StartPeriodicUpdates(ctx, 10*time.Millisecond)

	deadline := time.After(time.Second)
	for pm.GetLastUpdate().IsZero() {
		select {
		case <-deadline:
			t.Fatal("periodic update never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
}
