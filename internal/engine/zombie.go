package engine

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/idle"
	"github.com/packetrake/packetrake/internal/packet"
	"github.com/packetrake/packetrake/internal/probe"
	"github.com/packetrake/packetrake/internal/scan"
)

// zombieProber backs the idle coordinator with the engine's raw sockets.
type zombieProber struct {
	e *Engine
}

// ProbeZombie sends an unsolicited SYN/ACK to the zombie. A healthy host
// answers with an RST whose IP header discloses its current IPID counter.
// The probe goes through the same rate permits as regular scan traffic; a
// spare host must not be hammered faster than the configured rate either.
func (z *zombieProber) ProbeZombie(ctx context.Context, zombie netip.AddrPort) (uint16, time.Duration, error) {
	e := z.e

	if err := e.awaitPermit(ctx, zombie.Addr()); err != nil {
		return 0, 0, err
	}

	id := e.tracker.NextProbeID()
	key := probe.Key{Target: zombie.Addr(), Port: zombie.Port(), Protocol: scan.ProtocolTCP, ProbeID: id}
	p := &probe.Probe{
		Key:       key,
		Technique: scan.TechniqueIdle,
		LocalPort: ephemeralPort(id),
		SentAt:    time.Now(),
		Deadline:  time.Now().Add(e.cfg.Timeout),
		Notify:    make(chan probe.Response, 1),
	}
	if err := e.tracker.Register(p); err != nil {
		e.rate.Release(zombie.Addr(), false)
		return 0, 0, err
	}

	src := netip.AddrPortFrom(e.cfg.SourceAddr, ephemeralPort(id))
	raw, err := e.codec.EncodeTCP(src, zombie, uint32(id)*2654435761, packet.TCPFlags{SYN: true, ACK: true},
		uint16(id), packet.Evasion{})
	if err != nil {
		e.tracker.Resolve(key)
		e.rate.Release(zombie.Addr(), false)
		return 0, 0, err
	}
	if err := e.transport.Send(raw, zombie.Addr()); err != nil {
		e.tracker.Resolve(key)
		e.rate.Release(zombie.Addr(), false)
		return 0, 0, err
	}

	select {
	case <-ctx.Done():
		e.tracker.Resolve(key)
		e.rate.Release(zombie.Addr(), false)
		return 0, 0, ctx.Err()
	case resp := <-p.Notify:
		e.rate.Release(zombie.Addr(), resp.Outcome == scan.OutcomeTimedOut)
		if resp.Outcome != scan.OutcomeRst {
			return 0, 0, errors.ErrProbeTimeout(zombie.Addr().String(), zombie.Port())
		}
		return resp.IPID, resp.RTT, nil
	}
}

// ForgeSYN sends a SYN to the target whose source is spoofed as the zombie.
// The response, if any, goes to the zombie; nothing is tracked locally, but
// the send still costs a rate permit like any other probe on the wire.
func (z *zombieProber) ForgeSYN(ctx context.Context, zombie, target netip.AddrPort) error {
	e := z.e
	if err := e.awaitPermit(ctx, target.Addr()); err != nil {
		return err
	}

	seq := uint32(e.tracker.NextProbeID()) * 2654435761
	raw, err := e.codec.EncodeTCP(zombie, target, seq, packet.TCPFlags{SYN: true}, 0, e.cfg.Evasion)
	if err != nil {
		e.rate.Release(target.Addr(), false)
		return err
	}
	err = e.transport.Send(raw, target.Addr())
	e.rate.Release(target.Addr(), false)
	return err
}

// DiscoverZombies assesses candidate hosts for idle-scan suitability
// without running a port scan. It brings up the tracker and the receive
// loop for the duration of the assessment.
func (e *Engine) DiscoverZombies(ctx context.Context, candidates []netip.AddrPort) ([]idle.Candidate, error) {
	rxCtx, cancel := context.WithCancel(ctx)

	e.tracker.Start(rxCtx)
	var rxWG sync.WaitGroup
	rxWG.Add(1)
	go func() {
		defer rxWG.Done()
		e.transport.Receive(rxCtx, e.dispatch)
	}()

	found, err := e.idle.Discover(ctx, candidates)

	cancel()
	rxWG.Wait()
	e.tracker.Stop()
	return found, err
}
