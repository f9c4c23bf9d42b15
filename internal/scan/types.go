// Package scan defines the scan techniques, probe outcomes, and the
// per-technique state machines that classify port state from raw network
// signals. Classification follows the standard half-open, stealth, ACK, UDP
// and idle scan semantics: an absent response is meaningful and maps to a
// technique-specific terminal state.
package scan

import (
	"net/netip"
	"time"
)

// Technique identifies a scan technique.
type Technique string

const (
	TechniqueSYN     Technique = "syn"
	TechniqueConnect Technique = "connect"
	TechniqueFIN     Technique = "fin"
	TechniqueNULL    Technique = "null"
	TechniqueXmas    Technique = "xmas"
	TechniqueACK     Technique = "ack"
	TechniqueUDP     Technique = "udp"
	TechniqueIdle    Technique = "idle"
)

// Valid reports whether t names a known technique.
func (t Technique) Valid() bool {
	switch t {
	case TechniqueSYN, TechniqueConnect, TechniqueFIN, TechniqueNULL,
		TechniqueXmas, TechniqueACK, TechniqueUDP, TechniqueIdle:
		return true
	}
	return false
}

// Stealth reports whether the technique relies on the RFC 793 behavior of
// unflagged segments against closed ports. These techniques are prone to
// silent packet loss and get retried before an absent response is trusted.
func (t Technique) Stealth() bool {
	switch t {
	case TechniqueFIN, TechniqueNULL, TechniqueXmas:
		return true
	}
	return false
}

// Protocol identifies the transport protocol of a probe.
type Protocol string

const (
	ProtocolTCP  Protocol = "tcp"
	ProtocolUDP  Protocol = "udp"
	ProtocolICMP Protocol = "icmp"
)

// PortState is the classified state of a scanned port.
type PortState string

const (
	StateOpen         PortState = "open"
	StateClosed       PortState = "closed"
	StateFiltered     PortState = "filtered"
	StateOpenFiltered PortState = "open|filtered"
	StateUnfiltered   PortState = "unfiltered"
	StateUnknown      PortState = "unknown"
)

// Outcome is the raw signal observed for a probe. Outcomes are transient:
// they are consumed immediately by the technique's state machine.
type Outcome string

const (
	OutcomeSynAck              Outcome = "syn-ack"
	OutcomeRst                 Outcome = "rst"
	OutcomePayloadResponse     Outcome = "payload-response"
	OutcomeIcmpPortUnreachable Outcome = "icmp-port-unreachable"
	OutcomeIcmpAdminProhibited Outcome = "icmp-admin-prohibited"
	OutcomeConnected           Outcome = "connected"
	OutcomeConnRefused         Outcome = "conn-refused"
	OutcomeTimedOut            Outcome = "timed-out"
)

// Result is a classified scan observation. Results are write-once: never
// mutated after construction, only appended to the aggregator.
type Result struct {
	Target    netip.Addr
	Port      uint16
	Protocol  Protocol
	State     PortState
	RTT       time.Duration
	Technique Technique
	// Evidence optionally carries the raw bytes of the packet that drove
	// the classification.
	Evidence []byte
}

// NewResult constructs a Result for the given probe coordinates.
func NewResult(target netip.Addr, port uint16, proto Protocol, technique Technique, state PortState, rtt time.Duration) Result {
	return Result{
		Target:    target,
		Port:      port,
		Protocol:  proto,
		State:     state,
		RTT:       rtt,
		Technique: technique,
	}
}

// WithEvidence returns a copy of the result carrying raw packet evidence.
func (r Result) WithEvidence(raw []byte) Result {
	if len(raw) > 0 {
		r.Evidence = append([]byte(nil), raw...)
	}
	return r
}
