// Package probe tracks in-flight scan probes so inbound responses can be
// matched back to the probe that triggered them. The tracker is sharded to
// keep lock contention off the hot send/receive paths and sweeps expired
// entries in the background, synthesizing timeouts for probes the network
// never answered.
package probe

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/scan"
)

const (
	// shardCount must be a power of two.
	shardCount = 64

	// DefaultCapacity bounds the number of outstanding probes.
	DefaultCapacity = 65536

	// DefaultSweepInterval is how often expired entries are collected.
	DefaultSweepInterval = 100 * time.Millisecond
)

// Key uniquely identifies an outstanding probe. Retries allocate a fresh
// probe ID, so a retry and the original never collide.
type Key struct {
	Target   netip.Addr
	Port     uint16
	Protocol scan.Protocol
	ProbeID  uint64
}

// Response is the raw signal delivered back to a waiting probe task, either
// decoded from an inbound packet or synthesized by the timeout sweep.
type Response struct {
	Outcome  scan.Outcome
	RTT      time.Duration
	IPID     uint16
	Evidence []byte
}

// Probe is one in-flight probe awaiting a response or a timeout.
type Probe struct {
	Key       Key
	Technique scan.Technique
	// LocalPort is the ephemeral source port the probe left from. A
	// response names it as its destination port, which is what keeps two
	// probes against the same target port from resolving each other.
	LocalPort uint16
	SentAt    time.Time
	Deadline  time.Time
	// Notify receives exactly one Response. Must be buffered; senders do
	// not block on a sluggish receiver.
	Notify chan Response
}

// Deliver hands resp to the probe's task without blocking. The drop case
// only fires when a caller violated the buffered-channel contract.
func (p *Probe) Deliver(resp Response) {
	if p.Notify == nil {
		return
	}
	select {
	case p.Notify <- resp:
	default:
	}
}

// Config tunes the tracker.
type Config struct {
	// Capacity is the maximum number of outstanding probes. Register
	// fails fast once it is reached.
	Capacity int

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration

	// OnTimeout receives probes evicted past their deadline. Called from
	// the sweep goroutine; must not block.
	OnTimeout func(*Probe)
}

// DefaultConfig returns the tracker defaults.
func DefaultConfig() Config {
	return Config{
		Capacity:      DefaultCapacity,
		SweepInterval: DefaultSweepInterval,
	}
}

type shard struct {
	mu      sync.Mutex
	entries map[Key]*Probe
}

// Tracker holds outstanding probes keyed by (target, port, protocol,
// probe ID). Safe for concurrent use.
type Tracker struct {
	cfg    Config
	shards [shardCount]shard
	count  atomic.Int64
	nextID atomic.Uint64
	logger *logging.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewTracker creates a tracker. Call Start to begin sweeping.
func NewTracker(cfg Config, logger *logging.Logger) *Tracker {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	t := &Tracker{
		cfg:    cfg,
		logger: logger.WithComponent("tracker"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[Key]*Probe)
	}
	return t
}

// NextProbeID returns a fresh probe identifier.
func (t *Tracker) NextProbeID() uint64 {
	return t.nextID.Add(1)
}

// Register adds an in-flight probe. It fails fast with a TrackerSaturated
// error at capacity so the caller can back off instead of queueing onto an
// already overloaded wire, and rejects a duplicate key since at most one
// probe per key may be outstanding.
func (t *Tracker) Register(p *Probe) error {
	if t.count.Load() >= int64(t.cfg.Capacity) {
		metrics.Counter(metrics.MetricTrackerSaturated, nil)
		return errors.ErrTrackerSaturated(t.cfg.Capacity)
	}

	s := t.shard(p.Key)
	s.mu.Lock()
	if _, exists := s.entries[p.Key]; exists {
		s.mu.Unlock()
		return errors.NewProbeErrorWithTarget(errors.CodeInvalidParameter,
			"probe already outstanding for key", p.Key.Target.String(), p.Key.Port)
	}
	s.entries[p.Key] = p
	s.mu.Unlock()

	metrics.SetTrackerEntries(int(t.count.Add(1)))
	return nil
}

// Resolve removes and returns the probe for key. The second resolution of
// the same key is a no-op returning false, which makes response handling
// idempotent under duplicate packets.
func (t *Tracker) Resolve(key Key) (*Probe, bool) {
	s := t.shard(key)
	s.mu.Lock()
	p, ok := s.entries[key]
	if ok {
		delete(s.entries, key)
	}
	s.mu.Unlock()

	if ok {
		metrics.SetTrackerEntries(int(t.count.Add(-1)))
	}
	return p, ok
}

// ResolveResponse finds the outstanding probe matching an inbound packet.
// Responses carry the probed port as their source and our probe ID cannot
// travel in the reply, so the lookup scans the key space for the
// (target, port, protocol) triple and then requires the response's
// destination port to equal the probe's ephemeral source port. Without the
// localPort check, two techniques probing the same target port would
// resolve each other's probes.
func (t *Tracker) ResolveResponse(target netip.Addr, port, localPort uint16, proto scan.Protocol) (*Probe, bool) {
	// Probe IDs are unknown on the inbound side; scan the target's shard
	// candidates. Shards are keyed by target and port, so only one shard
	// per triple needs inspection.
	s := t.shardFor(target, port)
	s.mu.Lock()
	for key, p := range s.entries {
		if key.Target == target && key.Port == port && key.Protocol == proto && p.LocalPort == localPort {
			delete(s.entries, key)
			s.mu.Unlock()
			metrics.SetTrackerEntries(int(t.count.Add(-1)))
			return p, true
		}
	}
	s.mu.Unlock()
	return nil, false
}

// Len returns the number of outstanding probes.
func (t *Tracker) Len() int {
	return int(t.count.Load())
}

// Start launches the background sweep. It stops when ctx is canceled or
// Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	go t.sweepLoop(ctx)
}

// Stop halts the sweep and waits for it to exit.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case now := <-ticker.C:
			t.sweep(now)
		}
	}
}

// sweep evicts probes past their deadline and hands them to the timeout
// callback. Each shard is locked only while its entries are examined.
func (t *Tracker) sweep(now time.Time) {
	var expired []*Probe
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for key, p := range s.entries {
			if now.After(p.Deadline) {
				delete(s.entries, key)
				expired = append(expired, p)
			}
		}
		s.mu.Unlock()
	}

	if len(expired) == 0 {
		return
	}

	metrics.SetTrackerEntries(int(t.count.Add(-int64(len(expired)))))
	for range expired {
		metrics.Counter(metrics.MetricTrackerEvictions, metrics.Labels{"reason": "deadline"})
	}
	t.logger.Debug("swept expired probes", "count", len(expired))

	if t.cfg.OnTimeout != nil {
		for _, p := range expired {
			t.cfg.OnTimeout(p)
		}
	}
}

func (t *Tracker) shard(key Key) *shard {
	return t.shardFor(key.Target, key.Port)
}

// shardFor hashes (target, port) so responses, which lack the probe ID,
// land in the same shard as their probe.
func (t *Tracker) shardFor(target netip.Addr, port uint16) *shard {
	b := target.As16()
	h := uint32(2166136261)
	for _, c := range b {
		h = (h ^ uint32(c)) * 16777619
	}
	h = (h ^ uint32(port)) * 16777619
	return &t.shards[h&(shardCount-1)]
}
