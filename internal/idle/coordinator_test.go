package idle

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/scan"
)

var (
	testZombie = netip.MustParseAddrPort("203.0.113.5:80")
	testPort   = netip.MustParseAddrPort("192.0.2.10:22")
)

// fakeProber feeds a scripted sequence of zombie IPIDs.
type fakeProber struct {
	ipids  []uint16
	calls  int
	rtt    time.Duration
	noResp bool
	forged []netip.AddrPort
}

func (f *fakeProber) ProbeZombie(ctx context.Context, zombie netip.AddrPort) (uint16, time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	if f.noResp {
		return 0, 0, context.DeadlineExceeded
	}
	ipid := f.ipids[f.calls%len(f.ipids)]
	f.calls++
	return ipid, f.rtt, nil
}

func (f *fakeProber) ForgeSYN(ctx context.Context, zombie, target netip.AddrPort) error {
	f.forged = append(f.forged, target)
	return ctx.Err()
}

func fastConfig() Config {
	return Config{
		ProbeSpacing:   time.Millisecond,
		MaxRetries:     3,
		RetryBase:      time.Millisecond,
		SequentialStep: 8,
	}
}

func newTestCoordinator(p Prober) *Coordinator {
	return NewCoordinator(fastConfig(), p, logging.NewDefault())
}

func TestAssessSequentialCandidate(t *testing.T) {
	p := &fakeProber{ipids: []uint16{100, 101}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	cand, err := c.Assess(context.Background(), testZombie)
	require.NoError(t, err)
	assert.Equal(t, PatternSequential, cand.Pattern)
	assert.Equal(t, QualityExcellent, cand.Quality)
	assert.Equal(t, uint16(101), cand.BaselineIPID)
	assert.True(t, cand.Quality.Usable())
}

func TestAssessRandomCandidate(t *testing.T) {
	p := &fakeProber{ipids: []uint16{100, 31337}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	cand, err := c.Assess(context.Background(), testZombie)
	require.NoError(t, err)
	assert.Equal(t, PatternRandom, cand.Pattern)
	assert.Equal(t, QualityPoor, cand.Quality)
	assert.False(t, cand.Quality.Usable())
}

func TestAssessSilentCandidate(t *testing.T) {
	p := &fakeProber{noResp: true}
	c := newTestCoordinator(p)

	cand, err := c.Assess(context.Background(), testZombie)
	require.NoError(t, err)
	assert.Equal(t, PatternUnknown, cand.Pattern)
	assert.Equal(t, QualityPoor, cand.Quality)
}

func TestQualityTiers(t *testing.T) {
	tests := []struct {
		rtt  time.Duration
		want Quality
	}{
		{5 * time.Millisecond, QualityExcellent},
		{9 * time.Millisecond, QualityExcellent},
		{10 * time.Millisecond, QualityGood},
		{49 * time.Millisecond, QualityGood},
		{50 * time.Millisecond, QualityFair},
		{99 * time.Millisecond, QualityFair},
		{100 * time.Millisecond, QualityPoor},
		{time.Second, QualityPoor},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, qualityFor(tt.rtt), "rtt %s", tt.rtt)
	}
}

func TestDiscoverKeepsUsableOnly(t *testing.T) {
	p := &fakeProber{ipids: []uint16{100, 101}, rtt: 30 * time.Millisecond}
	c := newTestCoordinator(p)

	usable, err := c.Discover(context.Background(), []netip.AddrPort{testZombie})
	require.NoError(t, err)
	require.Len(t, usable, 1)
	assert.Equal(t, QualityGood, usable[0].Quality)
}

func TestScanPortClosed(t *testing.T) {
	// Baseline 100, re-probe 101: only our own probe advanced the counter.
	p := &fakeProber{ipids: []uint16{100, 101}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	result, err := c.ScanPort(context.Background(), Candidate{Addr: testZombie}, testPort)
	require.NoError(t, err)
	assert.Equal(t, scan.StateClosed, result.State)
	assert.Equal(t, scan.TechniqueIdle, result.Technique)
	require.Len(t, p.forged, 1)
	assert.Equal(t, testPort, p.forged[0])
}

func TestScanPortOpenAcrossWraparound(t *testing.T) {
	// Baseline 65535, re-probe 1: delta 2 across the 16-bit boundary.
	p := &fakeProber{ipids: []uint16{65535, 1}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	result, err := c.ScanPort(context.Background(), Candidate{Addr: testZombie}, testPort)
	require.NoError(t, err)
	assert.Equal(t, scan.StateOpen, result.State)
}

func TestScanPortRetriesInterference(t *testing.T) {
	// First sequence jumps by 50 (cross traffic), second is clean.
	p := &fakeProber{ipids: []uint16{100, 150, 150, 151}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	result, err := c.ScanPort(context.Background(), Candidate{Addr: testZombie}, testPort)
	require.NoError(t, err)
	assert.Equal(t, scan.StateClosed, result.State)
	assert.Len(t, p.forged, 2)
}

func TestScanPortUnknownAfterExhaustion(t *testing.T) {
	// Every sequence sees interference.
	p := &fakeProber{ipids: []uint16{100, 200}, rtt: 5 * time.Millisecond}
	c := newTestCoordinator(p)

	result, err := c.ScanPort(context.Background(), Candidate{Addr: testZombie}, testPort)
	require.NoError(t, err)
	assert.Equal(t, scan.StateUnknown, result.State)
	assert.Len(t, p.forged, 4) // initial attempt plus three retries
}

func TestScanPortHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &fakeProber{ipids: []uint16{100, 101}}
	c := newTestCoordinator(p)

	_, err := c.ScanPort(ctx, Candidate{Addr: testZombie}, testPort)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIPIDDelta(t *testing.T) {
	tests := []struct {
		before, after, want uint16
	}{
		{100, 101, 1},
		{100, 102, 2},
		{65535, 0, 1},
		{65535, 1, 2},
		{65530, 10, 16},
		{5, 5, 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ipidDelta(tt.before, tt.after),
			"before=%d after=%d", tt.before, tt.after)
	}
}
