// Package engine orchestrates scan execution: it walks the targets × ports
// × techniques space under bounded concurrency, drives one probe task per
// pair through the rate controller and probe tracker, and funnels the
// aggregator's drained batches into the configured result sink.
package engine

import (
	"context"
	stderrors "errors"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sys/unix"

	"github.com/packetrake/packetrake/internal/aggregate"
	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/idle"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/netio"
	"github.com/packetrake/packetrake/internal/packet"
	"github.com/packetrake/packetrake/internal/probe"
	"github.com/packetrake/packetrake/internal/rate"
	"github.com/packetrake/packetrake/internal/scan"
)

const (
	// Parallelism bounds for the auto-computed task budget.
	minParallelism = 20
	maxParallelism = 1000

	// costlyDivisor lowers the budget for techniques with expensive
	// multi-exchange probes.
	costlyDivisor = 4

	// DefaultTimeout is the per-probe response deadline.
	DefaultTimeout = 2 * time.Second

	// DefaultDrainInterval is how often results move to the sink.
	DefaultDrainInterval = 200 * time.Millisecond

	// ephemeralBase and ephemeralSpan define the source port range.
	ephemeralBase = 32768
	ephemeralSpan = 28000
)

// Transport is the wire interface the engine sends and receives through.
// netio.SocketSet is the production implementation; tests use a loopback.
type Transport interface {
	Send(raw []byte, dst netip.Addr) error
	SendFragments(frags [][]byte, dst netip.Addr) error
	Receive(ctx context.Context, handler netio.Handler)
	Close()
}

// Config describes one scan run.
type Config struct {
	Techniques []scan.Technique
	Targets    []netip.Addr
	Ports      []uint16

	// SourceAddr is the local address stamped on raw probes. Required
	// for every technique except connect.
	SourceAddr netip.Addr

	// Zombie is the idle-scan relay host. Required when Techniques
	// includes idle.
	Zombie netip.AddrPort

	Timeout       time.Duration
	Rate          float64
	Parallelism   int
	MaxRetries    int
	DrainInterval time.Duration

	// TrackerCapacity and SweepInterval tune the probe tracker. Zero
	// selects the tracker defaults.
	TrackerCapacity int
	SweepInterval   time.Duration

	// GroupFloor and GroupCeiling bound the rate controller's adaptive
	// in-flight window. Zero selects the controller defaults.
	GroupFloor   int
	GroupCeiling int

	// ProbeSpacing is the pause between the idle coordinator's zombie
	// probes. Zero selects the coordinator default.
	ProbeSpacing time.Duration

	Evasion  packet.Evasion
	Payloads scan.PayloadProvider
	Sink     ResultSink
}

// Summary reports what a finished run did.
type Summary struct {
	RunID    string
	Targets  int
	Ports    int
	Results  int
	ByState  map[scan.PortState]int
	Duration time.Duration
}

// Engine executes scans. One engine drives one run.
type Engine struct {
	cfg       Config
	runID     string
	codec     *packet.Codec
	tracker   *probe.Tracker
	rate      *rate.Controller
	agg       *aggregate.Aggregator
	idle      *idle.Coordinator
	transport Transport
	logger    *logging.Logger

	zombieOnce sync.Once
	zombieCand idle.Candidate
	zombieErr  error

	statsMu sync.Mutex
	byState map[scan.PortState]int
	results int
}

// New validates cfg and assembles an engine over transport.
func New(cfg Config, transport Transport, logger *logging.Logger) (*Engine, error) {
	if len(cfg.Targets) == 0 {
		return nil, errors.ErrInvalidTarget("")
	}
	if len(cfg.Ports) == 0 {
		return nil, errors.ErrConfigInvalid("ports", "")
	}
	if len(cfg.Techniques) == 0 {
		return nil, errors.ErrConfigInvalid("techniques", "")
	}
	for _, tech := range cfg.Techniques {
		if !tech.Valid() {
			return nil, errors.ErrConfigInvalid("techniques", string(tech))
		}
		if tech != scan.TechniqueConnect && !cfg.SourceAddr.IsValid() {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				"raw techniques need a source address", "source_addr", "")
		}
		if tech == scan.TechniqueIdle && !cfg.Zombie.IsValid() {
			return nil, errors.NewConfigFieldError(errors.CodeConfiguration,
				"idle scans need a zombie host", "zombie", "")
		}
	}
	if err := cfg.Evasion.Validate(); err != nil {
		return nil, err
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.Payloads == nil {
		cfg.Payloads = scan.DefaultPayloads()
	}
	if cfg.Sink == nil {
		cfg.Sink = NewLogSink(logger)
	}

	e := &Engine{
		cfg:       cfg,
		runID:     uuid.New().String(),
		codec:     packet.NewCodec(),
		rate: rate.NewController(rate.Config{
			Rate:         cfg.Rate,
			GroupFloor:   cfg.GroupFloor,
			GroupCeiling: cfg.GroupCeiling,
		}),
		agg:       aggregate.New(),
		transport: transport,
		logger:    logger.WithComponent("engine"),
		byState:   make(map[scan.PortState]int),
	}
	e.tracker = probe.NewTracker(probe.Config{
		Capacity:      cfg.TrackerCapacity,
		SweepInterval: cfg.SweepInterval,
		OnTimeout:     e.onTimeout,
	}, logger)
	e.idle = idle.NewCoordinator(idle.Config{
		ProbeSpacing: cfg.ProbeSpacing,
		MaxRetries:   cfg.MaxRetries,
	}, &zombieProber{e: e}, logger)
	return e, nil
}

// RunID returns the run's unique identifier.
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes the whole scan and blocks until every probe has resolved
// and every result reached the sink. Cancel ctx to abandon early;
// outstanding probes are left to time out naturally.
func (e *Engine) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	e.logger.Info("scan starting",
		"run_id", e.runID,
		"targets", len(e.cfg.Targets),
		"ports", len(e.cfg.Ports),
		"techniques", len(e.cfg.Techniques))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.tracker.Start(runCtx)

	var rxWG sync.WaitGroup
	rxWG.Add(1)
	go func() {
		defer rxWG.Done()
		e.transport.Receive(runCtx, e.dispatch)
	}()

	drainDone := make(chan struct{})
	go e.drainLoop(runCtx, drainDone)

	sem := semaphore.NewWeighted(int64(e.parallelism()))
	var wg sync.WaitGroup

tasks:
	for _, tech := range e.cfg.Techniques {
		for _, target := range e.cfg.Targets {
			for _, port := range e.cfg.Ports {
				if err := sem.Acquire(runCtx, 1); err != nil {
					break tasks
				}
				wg.Add(1)
				go func(tech scan.Technique, target netip.Addr, port uint16) {
					defer wg.Done()
					defer sem.Release(1)
					e.scanOne(runCtx, tech, target, port)
				}(tech, target, port)
			}
		}
	}
	wg.Wait()

	cancel()
	rxWG.Wait()
	<-drainDone
	e.tracker.Stop()

	// Everything still in the aggregator moves out before we report.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer flushCancel()
	e.flushOnce(flushCtx)

	summary := e.summary(time.Since(started))
	e.logger.Info("scan finished",
		"run_id", e.runID,
		"results", summary.Results,
		"duration", summary.Duration)

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

// parallelism computes the task budget. UDP and idle probes cost multiple
// exchanges each, so their presence shrinks the budget.
func (e *Engine) parallelism() int {
	if e.cfg.Parallelism > 0 {
		return e.cfg.Parallelism
	}

	n := len(e.cfg.Targets) * len(e.cfg.Ports)
	for _, tech := range e.cfg.Techniques {
		if tech == scan.TechniqueUDP || tech == scan.TechniqueIdle {
			n /= costlyDivisor
			break
		}
	}
	if n < minParallelism {
		n = minParallelism
	}
	if n > maxParallelism {
		n = maxParallelism
	}
	return n
}

func (e *Engine) scanOne(ctx context.Context, tech scan.Technique, target netip.Addr, port uint16) {
	switch tech {
	case scan.TechniqueConnect:
		e.scanConnect(ctx, target, port)
	case scan.TechniqueIdle:
		e.scanIdle(ctx, target, port)
	default:
		e.scanRaw(ctx, tech, target, port)
	}
}

// scanRaw runs the send/await/classify loop for the packet techniques.
// Retries re-enter the loop with a fresh probe ID after the machine's
// backoff.
func (e *Engine) scanRaw(ctx context.Context, tech scan.Technique, target netip.Addr, port uint16) {
	proto := scan.ProtocolTCP
	if tech == scan.TechniqueUDP {
		proto = scan.ProtocolUDP
	}
	m := scan.NewMachine(tech, target, port, scan.Config{MaxRetries: e.cfg.MaxRetries})

	for {
		if err := e.awaitPermit(ctx, target); err != nil {
			return
		}

		id := e.tracker.NextProbeID()
		key := probe.Key{Target: target, Port: port, Protocol: proto, ProbeID: id}
		p := &probe.Probe{
			Key:       key,
			Technique: tech,
			LocalPort: ephemeralPort(id),
			SentAt:    time.Now(),
			Deadline:  time.Now().Add(e.cfg.Timeout),
			Notify:    make(chan probe.Response, 1),
		}
		if err := e.tracker.Register(p); err != nil {
			e.rate.Release(target, false)
			if !errors.IsRetryable(err) {
				e.logger.ErrorProbe("cannot track probe", target.String(), port, err)
				return
			}
			if sleepCtx(ctx, e.cfg.Timeout/4) != nil {
				return
			}
			continue
		}

		seq := uint32(id)*2654435761 + 1
		if err := e.sendProbe(tech, target, port, id, seq); err != nil {
			e.tracker.Resolve(key)
			e.rate.Release(target, false)
			e.logger.ErrorProbe("send failed", target.String(), port, err)
			return
		}
		m.MarkSent()
		metrics.RecordProbeSent(string(tech), string(proto))

		var resp probe.Response
		select {
		case <-ctx.Done():
			e.tracker.Resolve(key)
			e.rate.Release(target, false)
			return
		case resp = <-p.Notify:
		}

		e.rate.Release(target, resp.Outcome == scan.OutcomeTimedOut)
		if resp.Outcome == scan.OutcomeIcmpAdminProhibited {
			e.rate.Penalize(target)
		}

		tr := m.Observe(resp.Outcome, resp.RTT, resp.Evidence)
		switch tr.Action {
		case scan.ActionReset:
			// Tear down the half-open connection the SYN-ACK implies.
			e.sendReset(target, port, id, seq+1)
			e.agg.Push(tr.Result)
			return
		case scan.ActionFinal:
			e.agg.Push(tr.Result)
			return
		case scan.ActionRetry:
			if sleepCtx(ctx, tr.RetryAfter) != nil {
				return
			}
		}
	}
}

// scanConnect classifies a port through the OS connect path, which needs no
// privileges and completes the full handshake.
func (e *Engine) scanConnect(ctx context.Context, target netip.Addr, port uint16) {
	m := scan.NewMachine(scan.TechniqueConnect, target, port, scan.Config{MaxRetries: e.cfg.MaxRetries})

	if err := e.awaitPermit(ctx, target); err != nil {
		return
	}
	m.MarkSent()
	metrics.RecordProbeSent(string(scan.TechniqueConnect), string(scan.ProtocolTCP))

	started := time.Now()
	dialer := net.Dialer{Timeout: e.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", netip.AddrPortFrom(target, port).String())
	rtt := time.Since(started)

	outcome := scan.OutcomeTimedOut
	switch {
	case err == nil:
		conn.Close()
		outcome = scan.OutcomeConnected
	case ctx.Err() != nil:
		e.rate.Release(target, false)
		return
	case isConnRefused(err):
		outcome = scan.OutcomeConnRefused
	}

	e.rate.Release(target, outcome == scan.OutcomeTimedOut)
	tr := m.Observe(outcome, rtt, nil)
	e.agg.Push(tr.Result)
}

// scanIdle delegates to the idle coordinator after assessing the configured
// zombie exactly once per run.
func (e *Engine) scanIdle(ctx context.Context, target netip.Addr, port uint16) {
	e.zombieOnce.Do(func() {
		cand, err := e.idle.Assess(ctx, e.cfg.Zombie)
		if err != nil {
			e.zombieErr = err
			return
		}
		if !cand.Quality.Usable() {
			e.zombieErr = errors.NewProbeErrorWithTarget(errors.CodeZombieUnsuitable,
				"zombie has no usable ipid side channel", e.cfg.Zombie.Addr().String(), e.cfg.Zombie.Port())
			return
		}
		e.zombieCand = cand
	})

	if e.zombieErr != nil {
		e.logger.ErrorProbe("idle scan unavailable", target.String(), port, e.zombieErr)
		e.agg.Push(scan.NewResult(target, port, scan.ProtocolTCP,
			scan.TechniqueIdle, scan.StateUnknown, 0))
		return
	}

	result, err := e.idle.ScanPort(ctx, e.zombieCand, netip.AddrPortFrom(target, port))
	if err != nil {
		if ctx.Err() == nil {
			e.logger.ErrorProbe("idle sequence failed", target.String(), port, err)
		}
		return
	}
	e.agg.Push(result)
}

// awaitPermit yields until the rate controller grants a send permit.
func (e *Engine) awaitPermit(ctx context.Context, target netip.Addr) error {
	for {
		err := e.rate.TryAcquire(target)
		if err == nil {
			return nil
		}

		var rateErr *errors.RateError
		wait := time.Millisecond
		if stderrors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
			wait = rateErr.RetryAfter
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}

// sendProbe encodes and transmits one probe, fragmenting when evasion asks
// for it.
func (e *Engine) sendProbe(tech scan.Technique, target netip.Addr, port uint16, id uint64, seq uint32) error {
	src := netip.AddrPortFrom(e.cfg.SourceAddr, ephemeralPort(id))
	dst := netip.AddrPortFrom(target, port)

	var raw []byte
	var err error
	switch tech {
	case scan.TechniqueUDP:
		raw, err = e.codec.EncodeUDP(src, dst, e.cfg.Payloads.Payload(port), uint16(id), e.cfg.Evasion)
	default:
		raw, err = e.codec.EncodeTCP(src, dst, seq, flagsFor(tech), uint16(id), e.cfg.Evasion)
	}
	if err != nil {
		return err
	}

	if e.cfg.Evasion.FragmentSize > 0 {
		frags, err := packet.Fragment(raw, e.cfg.Evasion.FragmentSize)
		if err != nil {
			return err
		}
		return e.transport.SendFragments(frags, target)
	}
	return e.transport.Send(raw, target)
}

// sendReset aborts a half-open connection left by a SYN probe.
func (e *Engine) sendReset(target netip.Addr, port uint16, id uint64, seq uint32) {
	src := netip.AddrPortFrom(e.cfg.SourceAddr, ephemeralPort(id))
	raw, err := e.codec.EncodeTCP(src, netip.AddrPortFrom(target, port), seq,
		packet.TCPFlags{RST: true}, uint16(id)+1, packet.Evasion{})
	if err == nil {
		_ = e.transport.Send(raw, target)
	}
}

func (e *Engine) onTimeout(p *probe.Probe) {
	p.Deliver(probe.Response{Outcome: scan.OutcomeTimedOut})
}

// drainLoop periodically moves aggregated results to the sink.
func (e *Engine) drainLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.flushOnce(ctx)
		}
	}
}

func (e *Engine) flushOnce(ctx context.Context) {
	batch := e.agg.Drain()
	if len(batch) == 0 {
		return
	}

	e.statsMu.Lock()
	e.results += len(batch)
	for _, r := range batch {
		e.byState[r.State]++
	}
	e.statsMu.Unlock()

	if err := e.cfg.Sink.Consume(ctx, batch); err != nil {
		e.logger.Error("result sink failed", "error", err, "batch", len(batch))
	}
}

func (e *Engine) summary(elapsed time.Duration) *Summary {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()

	byState := make(map[scan.PortState]int, len(e.byState))
	for k, v := range e.byState {
		byState[k] = v
	}
	return &Summary{
		RunID:    e.runID,
		Targets:  len(e.cfg.Targets),
		Ports:    len(e.cfg.Ports),
		Results:  e.results,
		ByState:  byState,
		Duration: elapsed,
	}
}

func ephemeralPort(id uint64) uint16 {
	return uint16(ephemeralBase + id%ephemeralSpan)
}

func flagsFor(tech scan.Technique) packet.TCPFlags {
	switch tech {
	case scan.TechniqueSYN:
		return packet.TCPFlags{SYN: true}
	case scan.TechniqueACK:
		return packet.TCPFlags{ACK: true}
	case scan.TechniqueFIN:
		return packet.TCPFlags{FIN: true}
	case scan.TechniqueXmas:
		return packet.TCPFlags{FIN: true, PSH: true, URG: true}
	default: // null scan sends no flags at all
		return packet.TCPFlags{}
	}
}

func isConnRefused(err error) bool {
	return stderrors.Is(err, unix.ECONNREFUSED)
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
