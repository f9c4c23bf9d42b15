// Package idle implements zombie-host discovery and the indirect idle scan.
// The technique never touches the target from our own address: a spoofed
// SYN carries the zombie's source, and the target's reaction is read back
// out of the zombie's IP-identifier counter.
package idle

import (
	"context"
	"net/netip"
	"time"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/scan"
)

// IPIDPattern classifies how a host allocates IP identifiers.
type IPIDPattern string

const (
	// PatternSequential means the IPID increases by a small constant per
	// packet, which is what makes a host usable as a zombie.
	PatternSequential IPIDPattern = "sequential"
	// PatternRandom means the IPID carries no usable signal.
	PatternRandom IPIDPattern = "random"
	// PatternUnknown means the candidate never answered.
	PatternUnknown IPIDPattern = "unknown"
)

// Quality scores a zombie candidate for scan reliability.
type Quality string

const (
	QualityExcellent Quality = "excellent" // sequential, RTT < 10ms
	QualityGood      Quality = "good"      // sequential, RTT < 50ms
	QualityFair      Quality = "fair"      // sequential, RTT < 100ms
	QualityPoor      Quality = "poor"
)

// RTT cutoffs for the quality tiers.
const (
	excellentRTT = 10 * time.Millisecond
	goodRTT      = 50 * time.Millisecond
	fairRTT      = 100 * time.Millisecond
)

// Usable reports whether the candidate can drive an idle scan.
func (q Quality) Usable() bool {
	return q == QualityExcellent || q == QualityGood || q == QualityFair
}

// Candidate is one assessed zombie host.
type Candidate struct {
	Addr         netip.AddrPort
	Pattern      IPIDPattern
	Quality      Quality
	BaselineIPID uint16
	RTT          time.Duration
}

// Prober performs the two wire exchanges the coordinator needs. The real
// implementation sits on raw sockets; tests substitute a fake.
type Prober interface {
	// ProbeZombie sends an unsolicited SYN/ACK to the zombie and returns
	// the IPID of its RST along with the round-trip time.
	ProbeZombie(ctx context.Context, zombie netip.AddrPort) (ipid uint16, rtt time.Duration, err error)

	// ForgeSYN sends a SYN to target with the source address spoofed as
	// the zombie, so any response goes to the zombie instead of us.
	ForgeSYN(ctx context.Context, zombie netip.AddrPort, target netip.AddrPort) error
}

// Config tunes the coordinator.
type Config struct {
	// ProbeSpacing separates the two discovery probes and leaves time for
	// the target's response to reach the zombie during a scan step.
	ProbeSpacing time.Duration

	// MaxRetries bounds re-runs of a scan sequence that saw interference.
	MaxRetries int

	// RetryBase is the first interference backoff; it doubles per retry.
	RetryBase time.Duration

	// SequentialStep is the largest per-packet IPID increment still
	// considered sequential.
	SequentialStep uint16
}

// DefaultConfig returns the coordinator defaults.
func DefaultConfig() Config {
	return Config{
		ProbeSpacing:   200 * time.Millisecond,
		MaxRetries:     3,
		RetryBase:      250 * time.Millisecond,
		SequentialStep: 8,
	}
}

// Coordinator drives zombie discovery and per-port idle scan sequences.
type Coordinator struct {
	cfg    Config
	prober Prober
	logger *logging.Logger
}

// NewCoordinator creates a coordinator over the given prober.
func NewCoordinator(cfg Config, prober Prober, logger *logging.Logger) *Coordinator {
	if cfg.ProbeSpacing <= 0 {
		cfg.ProbeSpacing = DefaultConfig().ProbeSpacing
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	if cfg.SequentialStep == 0 {
		cfg.SequentialStep = DefaultConfig().SequentialStep
	}
	return &Coordinator{
		cfg:    cfg,
		prober: prober,
		logger: logger.WithComponent("idle"),
	}
}

// Assess probes one candidate twice and classifies its IPID pattern and
// quality. A candidate that never answers comes back PatternUnknown rather
// than an error so discovery over a range can keep moving.
func (c *Coordinator) Assess(ctx context.Context, addr netip.AddrPort) (Candidate, error) {
	cand := Candidate{Addr: addr, Pattern: PatternUnknown, Quality: QualityPoor}

	first, rtt1, err := c.prober.ProbeZombie(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return cand, ctx.Err()
		}
		metrics.Counter(metrics.MetricZombiesProbed, metrics.Labels{"pattern": string(PatternUnknown)})
		return cand, nil
	}

	if err := sleepCtx(ctx, c.cfg.ProbeSpacing); err != nil {
		return cand, err
	}

	second, rtt2, err := c.prober.ProbeZombie(ctx, addr)
	if err != nil {
		if ctx.Err() != nil {
			return cand, ctx.Err()
		}
		metrics.Counter(metrics.MetricZombiesProbed, metrics.Labels{"pattern": string(PatternUnknown)})
		return cand, nil
	}

	delta := ipidDelta(first, second)
	rtt := (rtt1 + rtt2) / 2
	cand.BaselineIPID = second
	cand.RTT = rtt

	if delta >= 1 && delta <= c.cfg.SequentialStep {
		cand.Pattern = PatternSequential
		cand.Quality = qualityFor(rtt)
	} else {
		cand.Pattern = PatternRandom
	}

	metrics.Counter(metrics.MetricZombiesProbed, metrics.Labels{"pattern": string(cand.Pattern)})
	if cand.Quality.Usable() {
		metrics.Counter(metrics.MetricZombiesAccepted, nil)
	}

	c.logger.InfoZombie("assessed zombie candidate", addr.Addr().String(),
		"pattern", string(cand.Pattern), "quality", string(cand.Quality), "rtt", rtt)
	return cand, nil
}

// Discover assesses every candidate in order and returns the usable ones.
func (c *Coordinator) Discover(ctx context.Context, candidates []netip.AddrPort) ([]Candidate, error) {
	var usable []Candidate
	for _, addr := range candidates {
		cand, err := c.Assess(ctx, addr)
		if err != nil {
			return usable, err
		}
		if cand.Quality.Usable() {
			usable = append(usable, cand)
		}
	}
	return usable, nil
}

// ScanPort runs the three-step idle sequence against one target port:
// capture the zombie's baseline IPID, forge a SYN to the target as the
// zombie, then re-probe the zombie and read the target's reaction out of
// the IPID delta. A delta of three or more means unrelated traffic hit the
// zombie mid-sequence; the sequence retries with backoff and finalizes as
// Unknown when retries run out.
func (c *Coordinator) ScanPort(ctx context.Context, zombie Candidate, target netip.AddrPort) (scan.Result, error) {
	started := time.Now()
	defer func() {
		metrics.Histogram(metrics.MetricIdleScanDuration, time.Since(started).Seconds(), nil)
	}()

	backoff := c.cfg.RetryBase
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return scan.Result{}, err
			}
			backoff *= 2
			metrics.Counter(metrics.MetricIdleRetries, nil)
		}

		state, rtt, err := c.sequence(ctx, zombie, target)
		if err != nil {
			if errors.IsCode(err, errors.CodeTrafficInterference) {
				c.logger.Debug("idle sequence saw interference",
					"zombie", zombie.Addr.Addr().String(),
					"target", target.Addr().String(),
					"attempt", attempt+1)
				continue
			}
			return scan.Result{}, err
		}

		return scan.NewResult(target.Addr(), target.Port(), scan.ProtocolTCP,
			scan.TechniqueIdle, state, rtt), nil
	}

	// Retries exhausted under interference.
	return scan.NewResult(target.Addr(), target.Port(), scan.ProtocolTCP,
		scan.TechniqueIdle, scan.StateUnknown, 0), nil
}

// sequence executes one strictly ordered baseline/forge/re-probe exchange.
func (c *Coordinator) sequence(ctx context.Context, zombie Candidate, target netip.AddrPort) (scan.PortState, time.Duration, error) {
	before, rtt, err := c.prober.ProbeZombie(ctx, zombie.Addr)
	if err != nil {
		return "", 0, err
	}

	if err := c.prober.ForgeSYN(ctx, zombie.Addr, target); err != nil {
		return "", 0, err
	}

	// Leave time for the target's answer to reach the zombie.
	if err := sleepCtx(ctx, c.cfg.ProbeSpacing); err != nil {
		return "", 0, err
	}

	after, _, err := c.prober.ProbeZombie(ctx, zombie.Addr)
	if err != nil {
		return "", 0, err
	}

	switch delta := ipidDelta(before, after); {
	case delta == 1:
		// Only our own re-probe advanced the counter: the target sent
		// the zombie nothing (or an unanswered RST).
		return scan.StateClosed, rtt, nil
	case delta == 2:
		// The zombie answered the target's SYN/ACK with an RST, so the
		// counter moved one extra step.
		return scan.StateOpen, rtt, nil
	default:
		return "", 0, errors.NewProbeErrorWithTarget(errors.CodeTrafficInterference,
			"zombie ipid advanced by unrelated traffic", zombie.Addr.Addr().String(), target.Port())
	}
}

// ipidDelta computes (after - before) mod 65536, correct across the
// 65535 -> 0 wraparound.
func ipidDelta(before, after uint16) uint16 {
	return after - before
}

func qualityFor(rtt time.Duration) Quality {
	switch {
	case rtt < excellentRTT:
		return QualityExcellent
	case rtt < goodRTT:
		return QualityGood
	case rtt < fairRTT:
		return QualityFair
	default:
		return QualityPoor
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
