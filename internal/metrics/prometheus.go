// Package metrics provides Prometheus-based metrics collection for packetrake.
// This complements the registry facade with industry-standard Prometheus
// collectors for proper observability and monitoring integration.
package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	// Namespace for all packetrake metrics
	namespace = "packetrake"

	// Subsystems
	subsystemProbe   = "probe"
	subsystemTracker = "tracker"
	subsystemRate    = "rate"
	subsystemResult  = "result"
	subsystemIdle    = "idle"
	subsystemSystem  = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Probe metrics
	probesSent     *prometheus.CounterVec
	probesResolved *prometheus.CounterVec
	probeRTT       *prometheus.HistogramVec
	parseErrors    *prometheus.CounterVec

	// Tracker metrics
	trackerEntries   prometheus.Gauge
	trackerEvictions *prometheus.CounterVec
	trackerSaturated prometheus.Counter

	// Rate controller metrics
	pacerRate       prometheus.Gauge
	permitsDenied   *prometheus.CounterVec
	targetPenalties prometheus.Gauge

	// Result aggregation metrics
	resultsPushed  *prometheus.CounterVec
	resultsDrained prometheus.Counter
	drainBatchSize prometheus.Histogram

	// Idle scan metrics
	idleRetries     prometheus.Counter
	zombiesProbed   *prometheus.CounterVec
	idleDuration    prometheus.Histogram
	zombiesAccepted prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
	uptime      prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initProbeMetrics()
	pm.initTrackerMetrics()
	pm.initRateMetrics()
	pm.initResultMetrics()
	pm.initIdleMetrics()
	pm.initSystemMetrics()

	pm.registerMetrics()

	// Register standard Go and process collectors for runtime visibility
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

// initProbeMetrics initializes probe-related metrics
func (pm *PrometheusMetrics) initProbeMetrics() {
	pm.probesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "sent_total",
			Help:      "Total number of probes sent by technique and protocol",
		},
		[]string{"technique", "protocol"},
	)

	pm.probesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "resolved_total",
			Help:      "Total number of probes resolved by technique and outcome",
		},
		[]string{"technique", "outcome"},
	)

	pm.probeRTT = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "rtt_seconds",
			Help:      "Round-trip time of answered probes in seconds",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"technique"},
	)

	pm.parseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemProbe,
			Name:      "parse_errors_total",
			Help:      "Total number of inbound packets dropped as malformed",
		},
		[]string{"layer"},
	)
}

// initTrackerMetrics initializes probe tracker metrics
func (pm *PrometheusMetrics) initTrackerMetrics() {
	pm.trackerEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTracker,
			Name:      "entries_active",
			Help:      "Number of in-flight probe entries in the tracker",
		},
	)

	pm.trackerEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTracker,
			Name:      "evictions_total",
			Help:      "Total number of tracker entries evicted by reason",
		},
		[]string{"reason"},
	)

	pm.trackerSaturated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTracker,
			Name:      "saturated_total",
			Help:      "Total number of registrations rejected at capacity",
		},
	)
}

// initRateMetrics initializes rate controller metrics
func (pm *PrometheusMetrics) initRateMetrics() {
	pm.pacerRate = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRate,
			Name:      "pacer_pps",
			Help:      "Current pacer rate estimate in packets per second",
		},
	)

	pm.permitsDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRate,
			Name:      "permits_denied_total",
			Help:      "Total number of send permits denied by reason",
		},
		[]string{"reason"},
	)

	pm.targetPenalties = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemRate,
			Name:      "target_penalties_active",
			Help:      "Number of targets currently under backoff penalty",
		},
	)
}

// initResultMetrics initializes result aggregation metrics
func (pm *PrometheusMetrics) initResultMetrics() {
	pm.resultsPushed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResult,
			Name:      "pushed_total",
			Help:      "Total number of scan results pushed by state",
		},
		[]string{"state"},
	)

	pm.resultsDrained = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemResult,
			Name:      "drained_total",
			Help:      "Total number of scan results drained to sinks",
		},
	)

	pm.drainBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemResult,
			Name:      "drain_batch_size",
			Help:      "Number of results per drain batch",
			Buckets:   []float64{1, 8, 32, 128, 512, 2048, 8192},
		},
	)
}

// initIdleMetrics initializes idle scan metrics
func (pm *PrometheusMetrics) initIdleMetrics() {
	pm.idleRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIdle,
			Name:      "interference_retries_total",
			Help:      "Total number of idle scan retries caused by traffic interference",
		},
	)

	pm.zombiesProbed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIdle,
			Name:      "zombies_probed_total",
			Help:      "Total number of zombie candidates probed by IPID pattern",
		},
		[]string{"pattern"},
	)

	pm.zombiesAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemIdle,
			Name:      "zombies_accepted_total",
			Help:      "Total number of zombie candidates accepted as usable",
		},
	)

	pm.idleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemIdle,
			Name:      "scan_duration_seconds",
			Help:      "Duration of complete idle scan sequences in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0},
		},
	)
}

// initSystemMetrics initializes system-related metrics
func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.memoryUsage = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current memory usage in bytes",
		},
	)

	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Application uptime in seconds",
		},
	)
}

// registerMetrics registers all metrics with the Prometheus registry
func (pm *PrometheusMetrics) registerMetrics() {
	pm.registry.MustRegister(pm.probesSent)
	pm.registry.MustRegister(pm.probesResolved)
	pm.registry.MustRegister(pm.probeRTT)
	pm.registry.MustRegister(pm.parseErrors)

	pm.registry.MustRegister(pm.trackerEntries)
	pm.registry.MustRegister(pm.trackerEvictions)
	pm.registry.MustRegister(pm.trackerSaturated)

	pm.registry.MustRegister(pm.pacerRate)
	pm.registry.MustRegister(pm.permitsDenied)
	pm.registry.MustRegister(pm.targetPenalties)

	pm.registry.MustRegister(pm.resultsPushed)
	pm.registry.MustRegister(pm.resultsDrained)
	pm.registry.MustRegister(pm.drainBatchSize)

	pm.registry.MustRegister(pm.idleRetries)
	pm.registry.MustRegister(pm.zombiesProbed)
	pm.registry.MustRegister(pm.zombiesAccepted)
	pm.registry.MustRegister(pm.idleDuration)

	pm.registry.MustRegister(pm.memoryUsage)
	pm.registry.MustRegister(pm.goroutines)
	pm.registry.MustRegister(pm.uptime)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// Probe Metrics Methods

// IncrementProbesSent increments the sent-probe counter
func (pm *PrometheusMetrics) IncrementProbesSent(technique, protocol string) {
	pm.probesSent.WithLabelValues(technique, protocol).Inc()
}

// IncrementProbesResolved increments the resolved-probe counter
func (pm *PrometheusMetrics) IncrementProbesResolved(technique, outcome string) {
	pm.probesResolved.WithLabelValues(technique, outcome).Inc()
}

// ObserveProbeRTT records a probe round-trip time
func (pm *PrometheusMetrics) ObserveProbeRTT(technique string, rtt time.Duration) {
	pm.probeRTT.WithLabelValues(technique).Observe(rtt.Seconds())
}

// IncrementParseErrors increments the malformed-packet counter
func (pm *PrometheusMetrics) IncrementParseErrors(layer string) {
	pm.parseErrors.WithLabelValues(layer).Inc()
}

// Tracker Metrics Methods

// SetTrackerEntries sets the live tracker entry count
func (pm *PrometheusMetrics) SetTrackerEntries(count int) {
	pm.trackerEntries.Set(float64(count))
}

// IncrementTrackerEvictions increments the tracker eviction counter
func (pm *PrometheusMetrics) IncrementTrackerEvictions(reason string) {
	pm.trackerEvictions.WithLabelValues(reason).Inc()
}

// IncrementTrackerSaturated increments the saturation rejection counter
func (pm *PrometheusMetrics) IncrementTrackerSaturated() {
	pm.trackerSaturated.Inc()
}

// Rate Metrics Methods

// SetPacerRate sets the pacer's current packets-per-second estimate
func (pm *PrometheusMetrics) SetPacerRate(rate float64) {
	pm.pacerRate.Set(rate)
}

// IncrementPermitsDenied increments the denied-permit counter
func (pm *PrometheusMetrics) IncrementPermitsDenied(reason string) {
	pm.permitsDenied.WithLabelValues(reason).Inc()
}

// SetTargetPenalties sets the number of penalized targets
func (pm *PrometheusMetrics) SetTargetPenalties(count int) {
	pm.targetPenalties.Set(float64(count))
}

// Result Metrics Methods

// IncrementResultsPushed increments the pushed-result counter
func (pm *PrometheusMetrics) IncrementResultsPushed(state string) {
	pm.resultsPushed.WithLabelValues(state).Inc()
}

// RecordDrain records a drain batch
func (pm *PrometheusMetrics) RecordDrain(batchSize int) {
	pm.resultsDrained.Add(float64(batchSize))
	pm.drainBatchSize.Observe(float64(batchSize))
}

// Idle Metrics Methods

// IncrementIdleRetries increments the interference retry counter
func (pm *PrometheusMetrics) IncrementIdleRetries() {
	pm.idleRetries.Inc()
}

// IncrementZombiesProbed increments the zombie candidate counter
func (pm *PrometheusMetrics) IncrementZombiesProbed(pattern string) {
	pm.zombiesProbed.WithLabelValues(pattern).Inc()
}

// IncrementZombiesAccepted increments the accepted zombie counter
func (pm *PrometheusMetrics) IncrementZombiesAccepted() {
	pm.zombiesAccepted.Inc()
}

// ObserveIdleScanDuration records a full idle scan sequence duration
func (pm *PrometheusMetrics) ObserveIdleScanDuration(d time.Duration) {
	pm.idleDuration.Observe(d.Seconds())
}

// System Metrics Methods

// UpdateSystemMetrics updates all system metrics with current values
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memoryUsage.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())

	pm.lastUpdate = time.Now()
}

// GetUptime returns the application uptime
func (pm *PrometheusMetrics) GetUptime() time.Duration {
	return time.Since(pm.startTime)
}

// GetLastUpdate returns the last metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates starts a goroutine that periodically updates system metrics
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}

// Global instance for easy access
var globalMetrics *PrometheusMetrics
var metricsOnce sync.Once

// GetGlobalMetrics returns the global Prometheus metrics instance
func GetGlobalMetrics() *PrometheusMetrics {
	metricsOnce.Do(func() {
		globalMetrics = NewPrometheusMetrics()
	})
	return globalMetrics
}
