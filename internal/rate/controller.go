// Package rate meters probe transmission. A lock-free pacer spaces probes
// to hold a configured packets-per-second rate, a hostgroup limiter adapts
// in-flight concurrency to observed timeouts, and per-target penalties back
// off hosts whose network path pushed back with administrative filtering.
package rate

import (
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/metrics"
)

const (
	// DefaultRate is the default probe rate in packets per second.
	DefaultRate = 1000.0

	// GroupFloor and GroupCeiling bound the adaptive concurrency window.
	GroupFloor   = 8
	GroupCeiling = 64

	// correctionPermits and correctionInterval bound how long the pacer's
	// virtual clock may drift before it is re-anchored to wall time.
	correctionPermits  = 256
	correctionInterval = 250 * time.Millisecond

	// maxPenaltyFactor caps the per-target backoff multiplier.
	maxPenaltyFactor = 8
)

// Config tunes the controller.
type Config struct {
	// Rate is the target probe rate in packets per second.
	Rate float64

	// GroupFloor and GroupCeiling bound the adaptive in-flight window.
	// Zero selects the defaults.
	GroupFloor   int
	GroupCeiling int
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		Rate:         DefaultRate,
		GroupFloor:   GroupFloor,
		GroupCeiling: GroupCeiling,
	}
}

// Controller paces probe transmission. All hot-path methods are lock-free;
// TryAcquire never blocks.
type Controller struct {
	cfg Config

	// interval is the nanoseconds between probes; next is the virtual
	// time the next probe may be sent.
	interval atomic.Int64
	next     atomic.Int64

	// permits counts grants since the last convergence correction.
	permits    atomic.Int64
	lastAnchor atomic.Int64

	group     *hostGroup
	penalties sync.Map // netip.Addr -> *targetPenalty
}

// NewController creates a controller sending at cfg.Rate packets per second.
func NewController(cfg Config) *Controller {
	if cfg.Rate <= 0 {
		cfg.Rate = DefaultRate
	}
	if cfg.GroupFloor <= 0 {
		cfg.GroupFloor = GroupFloor
	}
	if cfg.GroupCeiling < cfg.GroupFloor {
		cfg.GroupCeiling = GroupCeiling
	}

	c := &Controller{
		cfg:   cfg,
		group: newHostGroup(cfg.GroupFloor, cfg.GroupCeiling),
	}
	c.interval.Store(int64(float64(time.Second) / cfg.Rate))
	now := time.Now().UnixNano()
	c.next.Store(now)
	c.lastAnchor.Store(now)
	metrics.SetPacerRate(cfg.Rate)
	return c
}

// Rate returns the current target rate in packets per second.
func (c *Controller) Rate() float64 {
	return float64(time.Second) / float64(c.interval.Load())
}

// SetRate retunes the pacer. Takes effect on the next permit.
func (c *Controller) SetRate(rate float64) {
	if rate <= 0 {
		return
	}
	c.interval.Store(int64(float64(time.Second) / rate))
	metrics.SetPacerRate(rate)
}

// TryAcquire requests permission to send one probe to target. It never
// blocks: on denial it returns a RateError whose RetryAfter tells the
// caller when to try again. A grant consumes one hostgroup slot which the
// caller must return through Release.
func (c *Controller) TryAcquire(target netip.Addr) error {
	now := time.Now().UnixNano()

	if wait := c.penaltyWait(target, now); wait > 0 {
		metrics.Counter(metrics.MetricPermitsDenied, metrics.Labels{"reason": "penalty"})
		return errors.NewRateError(target.String(), time.Duration(wait))
	}

	if !c.group.tryAcquire() {
		metrics.Counter(metrics.MetricPermitsDenied, metrics.Labels{"reason": "hostgroup"})
		return errors.NewRateError(target.String(), time.Duration(c.interval.Load()))
	}

	interval := c.interval.Load()
	for {
		next := c.next.Load()
		if next > now {
			c.group.release()
			metrics.Counter(metrics.MetricPermitsDenied, metrics.Labels{"reason": "pacer"})
			return errors.NewRateError(target.String(), time.Duration(next-now))
		}
		if c.next.CompareAndSwap(next, next+interval) {
			break
		}
	}

	c.markPenaltyUse(target, now)
	c.maybeCorrect(now)
	return nil
}

// Release returns the hostgroup slot taken by a successful TryAcquire and
// feeds the probe's fate back into the adaptive window. A response grows
// the window additively; a timeout shrinks it multiplicatively.
func (c *Controller) Release(target netip.Addr, timedOut bool) {
	c.group.release()
	if timedOut {
		c.group.shrink()
	} else {
		c.group.grow()
		c.clearPenalty(target)
	}
}

// Penalize doubles the minimum inter-probe spacing for target. Applied when
// the path answered with an administrative prohibition; cleared by the next
// successful exchange with that target.
func (c *Controller) Penalize(target netip.Addr) {
	p := c.penalty(target)
	for {
		f := p.factor.Load()
		if f >= maxPenaltyFactor {
			return
		}
		nf := f * 2
		if nf == 0 {
			nf = 2
		}
		if p.factor.CompareAndSwap(f, nf) {
			metrics.Counter(metrics.MetricTargetPenalties, metrics.Labels{"target": target.String()})
			return
		}
	}
}

// InFlight returns the current number of outstanding hostgroup slots.
func (c *Controller) InFlight() int {
	return int(c.group.inflight.Load())
}

// Window returns the current adaptive concurrency limit.
func (c *Controller) Window() int {
	return int(c.group.limit.Load())
}

// maybeCorrect re-anchors the pacer's virtual clock to wall time. Without
// this, a long idle gap would bank an unbounded burst credit, and clock
// drift would let the realized rate wander from the target. Runs after
// every correctionPermits grants or correctionInterval of wall time.
func (c *Controller) maybeCorrect(now int64) {
	n := c.permits.Add(1)
	anchor := c.lastAnchor.Load()
	if n < correctionPermits && now-anchor < int64(correctionInterval) {
		return
	}
	if !c.lastAnchor.CompareAndSwap(anchor, now) {
		return
	}
	c.permits.Store(0)

	// Clamp the virtual clock into [now, now+interval] so stale credit is
	// discarded without perturbing the steady-state spacing.
	interval := c.interval.Load()
	for {
		next := c.next.Load()
		if next >= now {
			return
		}
		if c.next.CompareAndSwap(next, now+interval) {
			return
		}
	}
}

type targetPenalty struct {
	factor      atomic.Int64
	nextAllowed atomic.Int64
}

func (c *Controller) penalty(target netip.Addr) *targetPenalty {
	if v, ok := c.penalties.Load(target); ok {
		return v.(*targetPenalty)
	}
	p := &targetPenalty{}
	p.factor.Store(1)
	v, _ := c.penalties.LoadOrStore(target, p)
	return v.(*targetPenalty)
}

// penaltyWait returns how long target must still wait under its penalty
// spacing, or zero when it may proceed.
func (c *Controller) penaltyWait(target netip.Addr, now int64) int64 {
	v, ok := c.penalties.Load(target)
	if !ok {
		return 0
	}
	p := v.(*targetPenalty)
	if p.factor.Load() <= 1 {
		return 0
	}
	if next := p.nextAllowed.Load(); next > now {
		return next - now
	}
	return 0
}

func (c *Controller) markPenaltyUse(target netip.Addr, now int64) {
	v, ok := c.penalties.Load(target)
	if !ok {
		return
	}
	p := v.(*targetPenalty)
	f := p.factor.Load()
	if f <= 1 {
		return
	}
	p.nextAllowed.Store(now + c.interval.Load()*f)
}

func (c *Controller) clearPenalty(target netip.Addr) {
	if v, ok := c.penalties.Load(target); ok {
		v.(*targetPenalty).factor.Store(1)
	}
}

// hostGroup is an adaptive concurrency window in the AIMD style. growCredit
// accumulates successes so the window grows by one per window of successes
// rather than per probe.
type hostGroup struct {
	floor      int64
	ceiling    int64
	limit      atomic.Int64
	inflight   atomic.Int64
	growCredit atomic.Int64
}

func newHostGroup(floor, ceiling int) *hostGroup {
	g := &hostGroup{floor: int64(floor), ceiling: int64(ceiling)}
	g.limit.Store(int64(floor))
	return g
}

func (g *hostGroup) tryAcquire() bool {
	for {
		in := g.inflight.Load()
		if in >= g.limit.Load() {
			return false
		}
		if g.inflight.CompareAndSwap(in, in+1) {
			return true
		}
	}
}

func (g *hostGroup) release() {
	if g.inflight.Add(-1) < 0 {
		g.inflight.Store(0)
	}
}

func (g *hostGroup) grow() {
	limit := g.limit.Load()
	if g.growCredit.Add(1) < limit {
		return
	}
	g.growCredit.Store(0)
	if limit < g.ceiling {
		g.limit.CompareAndSwap(limit, limit+1)
	}
}

func (g *hostGroup) shrink() {
	for {
		limit := g.limit.Load()
		nl := limit * 3 / 4
		if nl < g.floor {
			nl = g.floor
		}
		if nl == limit || g.limit.CompareAndSwap(limit, nl) {
			return
		}
	}
}
