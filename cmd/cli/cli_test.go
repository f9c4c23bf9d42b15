package cli

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetrake/packetrake/internal/config"
	"github.com/packetrake/packetrake/internal/idle"
	"github.com/packetrake/packetrake/internal/scan"
)

func TestNeedsRawSockets(t *testing.T) {
	tests := []struct {
		name       string
		techniques []scan.Technique
		want       bool
	}{
		{"connect only", []scan.Technique{scan.TechniqueConnect}, false},
		{"syn", []scan.Technique{scan.TechniqueSYN}, true},
		{"mixed", []scan.Technique{scan.TechniqueConnect, scan.TechniqueUDP}, true},
		{"idle", []scan.Technique{scan.TechniqueIdle}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, needsRawSockets(tt.techniques))
		})
	}
}

func TestMergeScanFlags(t *testing.T) {
	cfg := config.Default()
	scanFlags.ports = "8080"
	scanFlags.techniques = []string{"fin"}
	scanFlags.rate = 500
	scanFlags.timeout = time.Second
	scanFlags.maxRetries = 0
	scanFlags.zombie = "192.0.2.9"
	t.Cleanup(func() { scanFlags.ports, scanFlags.techniques, scanFlags.zombie = "", nil, "" })
	t.Cleanup(func() { scanFlags.rate, scanFlags.timeout, scanFlags.maxRetries = 0, 0, -1 })

	mergeScanFlags(scanCmd, cfg)

	assert.Equal(t, "8080", cfg.Scan.Ports)
	assert.Equal(t, []string{"fin"}, cfg.Scan.Techniques)
	assert.Equal(t, float64(500), cfg.Rate.PacketsPerSecond)
	assert.Equal(t, time.Second, cfg.Scan.Timeout)
	assert.Equal(t, 0, cfg.Scan.MaxRetries)
	assert.Equal(t, "192.0.2.9", cfg.Idle.Zombie)
	require.NoError(t, cfg.Validate())
}

func TestFormatRTT(t *testing.T) {
	assert.Equal(t, "-", formatRTT(0))
	assert.Equal(t, "1.5ms", formatRTT(1500*time.Microsecond))
}

func TestDisplayResultsEmpty(t *testing.T) {
	assert.NotPanics(t, func() { displayResults(nil) })
}

func TestDisplayResults(t *testing.T) {
	target := netip.MustParseAddr("192.0.2.10")
	results := []scan.Result{
		scan.NewResult(target, 443, scan.ProtocolTCP, scan.TechniqueSYN, scan.StateOpen, 2*time.Millisecond),
		scan.NewResult(target, 80, scan.ProtocolTCP, scan.TechniqueSYN, scan.StateClosed, time.Millisecond),
	}
	assert.NotPanics(t, func() { displayResults(results) })
}

func TestDisplayZombies(t *testing.T) {
	found := []idle.Candidate{{
		Addr:    netip.MustParseAddrPort("192.0.2.9:80"),
		Pattern: idle.PatternSequential,
		Quality: idle.QualityGood,
		RTT:     12 * time.Millisecond,
	}}
	assert.NotPanics(t, func() { displayZombies(found, 4) })
	assert.NotPanics(t, func() { displayZombies(nil, 4) })
}
