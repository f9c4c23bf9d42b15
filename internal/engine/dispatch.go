package engine

import (
	"time"

	"github.com/packetrake/packetrake/internal/packet"
	"github.com/packetrake/packetrake/internal/probe"
	"github.com/packetrake/packetrake/internal/scan"
)

// dispatch correlates one decoded inbound packet with its outstanding probe
// and delivers the raw outcome to the waiting task. Packets that match no
// probe are background noise and dropped silently.
func (e *Engine) dispatch(parsed *packet.Parsed) {
	switch {
	case parsed.TCP != nil:
		e.dispatchTCP(parsed)
	case parsed.UDP != nil:
		e.dispatchUDP(parsed)
	case parsed.ICMP != nil:
		e.dispatchICMP(parsed)
	}
}

func (e *Engine) dispatchTCP(parsed *packet.Parsed) {
	// Classify before resolving so an irrelevant segment does not consume
	// the tracker entry.
	var outcome scan.Outcome
	switch {
	case parsed.TCP.SYN && parsed.TCP.ACK:
		outcome = scan.OutcomeSynAck
	case parsed.TCP.RST:
		outcome = scan.OutcomeRst
	default:
		return
	}

	p, ok := e.tracker.ResolveResponse(parsed.Src, parsed.TCP.SrcPort, parsed.TCP.DstPort, scan.ProtocolTCP)
	if !ok {
		return
	}
	p.Deliver(probeResponse(p.SentAt, outcome, parsed))
}

func (e *Engine) dispatchUDP(parsed *packet.Parsed) {
	// Any UDP datagram back from the probed port is proof of life.
	p, ok := e.tracker.ResolveResponse(parsed.Src, parsed.UDP.SrcPort, parsed.UDP.DstPort, scan.ProtocolUDP)
	if !ok {
		return
	}
	p.Deliver(probeResponse(p.SentAt, scan.OutcomePayloadResponse, parsed))
}

func (e *Engine) dispatchICMP(parsed *packet.Parsed) {
	// ICMP errors quote the probe that caused them; without the quote
	// there is nothing to correlate against.
	q := parsed.ICMP.Original
	if q == nil {
		return
	}

	var outcome scan.Outcome
	switch {
	case parsed.ICMP.PortUnreachable():
		outcome = scan.OutcomeIcmpPortUnreachable
	case parsed.ICMP.AdminProhibited():
		outcome = scan.OutcomeIcmpAdminProhibited
	default:
		return
	}

	// The quoted source port is the ephemeral port our probe left from.
	p, ok := e.tracker.ResolveResponse(q.Dst, q.DstPort, q.SrcPort, q.Protocol)
	if !ok {
		return
	}
	p.Deliver(probeResponse(p.SentAt, outcome, parsed))
}

func probeResponse(sentAt time.Time, outcome scan.Outcome, parsed *packet.Parsed) probe.Response {
	return probe.Response{
		Outcome:  outcome,
		RTT:      time.Since(sentAt),
		IPID:     parsed.IPID,
		Evidence: parsed.Raw,
	}
}
