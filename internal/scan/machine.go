package scan

import (
	"net/netip"
	"time"

	"github.com/packetrake/packetrake/internal/metrics"
)

// Phase is the lifecycle phase of a single probe's state machine.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseSent     Phase = "sent"
	PhaseResolved Phase = "resolved"
)

// Action tells the caller what to do after a transition.
type Action int

const (
	// ActionFinal means the machine produced its terminal classification.
	ActionFinal Action = iota
	// ActionRetry means the probe should be reissued after the backoff.
	ActionRetry
	// ActionReset means the classification is final and the engine must
	// emit a follow-up RST to tear down the half-open connection.
	ActionReset
)

// Transition is the outcome of feeding a signal to a state machine.
type Transition struct {
	Action     Action
	Result     Result
	RetryAfter time.Duration
}

// Config bounds retry behavior for techniques prone to silent loss.
type Config struct {
	// MaxRetries applies to FIN/NULL/Xmas/UDP timeouts before the
	// best-known classification is finalized.
	MaxRetries int
	// RetryBase is the initial backoff; each retry doubles it.
	RetryBase time.Duration
}

// DefaultConfig returns the retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries: 2,
		RetryBase:  250 * time.Millisecond,
	}
}

// Machine classifies one (target, port) pair under a single technique.
// It starts in PhaseIdle, moves to PhaseSent when the probe goes out, and
// terminates in PhaseResolved once an outcome (or final timeout) arrives.
type Machine struct {
	technique Technique
	target    netip.Addr
	port      uint16
	proto     Protocol
	cfg       Config

	phase    Phase
	attempts int
}

// NewMachine creates a state machine for one probe lifecycle. Zero config
// fields fall back to the defaults.
func NewMachine(technique Technique, target netip.Addr, port uint16, cfg Config) *Machine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultConfig().MaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig().RetryBase
	}
	proto := ProtocolTCP
	if technique == TechniqueUDP {
		proto = ProtocolUDP
	}
	return &Machine{
		technique: technique,
		target:    target,
		port:      port,
		proto:     proto,
		cfg:       cfg,
		phase:     PhaseIdle,
	}
}

// Phase returns the machine's current phase.
func (m *Machine) Phase() Phase {
	return m.phase
}

// Attempts returns how many probes have been issued so far.
func (m *Machine) Attempts() int {
	return m.attempts
}

// MarkSent records that a probe for this machine went on the wire.
func (m *Machine) MarkSent() {
	m.phase = PhaseSent
	m.attempts++
}

// Observe feeds a raw outcome into the machine and returns the transition.
// The mapping is exhaustive per technique; an outcome that a technique can
// never produce (e.g. SynAck on an ACK scan) is treated as interference and
// classified conservatively as the technique's timeout state.
func (m *Machine) Observe(outcome Outcome, rtt time.Duration, evidence []byte) Transition {
	metrics.RecordProbeResolved(string(m.technique), string(outcome))
	if outcome != OutcomeTimedOut {
		metrics.RecordProbeRTT(string(m.technique), rtt)
	}

	switch m.technique {
	case TechniqueSYN:
		return m.observeSYN(outcome, rtt, evidence)
	case TechniqueConnect:
		return m.observeConnect(outcome, rtt)
	case TechniqueFIN, TechniqueNULL, TechniqueXmas:
		return m.observeStealth(outcome, rtt, evidence)
	case TechniqueACK:
		return m.observeACK(outcome, rtt, evidence)
	case TechniqueUDP:
		return m.observeUDP(outcome, rtt, evidence)
	case TechniqueIdle:
		// Idle scans are classified by the coordinator from IPID deltas,
		// not from direct responses.
		return m.final(StateUnknown, rtt, nil)
	}
	return m.final(StateUnknown, rtt, nil)
}

// observeSYN implements the half-open table: SynAck→Open (plus a follow-up
// RST so the handshake never completes), Rst→Closed, timeout→Filtered.
func (m *Machine) observeSYN(outcome Outcome, rtt time.Duration, evidence []byte) Transition {
	switch outcome {
	case OutcomeSynAck:
		t := m.final(StateOpen, rtt, evidence)
		t.Action = ActionReset
		return t
	case OutcomeRst:
		return m.final(StateClosed, rtt, evidence)
	case OutcomeIcmpAdminProhibited, OutcomeIcmpPortUnreachable:
		return m.final(StateFiltered, rtt, evidence)
	default:
		return m.final(StateFiltered, rtt, nil)
	}
}

// observeConnect maps the OS handshake result.
func (m *Machine) observeConnect(outcome Outcome, rtt time.Duration) Transition {
	switch outcome {
	case OutcomeConnected:
		return m.final(StateOpen, rtt, nil)
	case OutcomeConnRefused:
		return m.final(StateClosed, rtt, nil)
	default:
		return m.final(StateFiltered, rtt, nil)
	}
}

// observeStealth covers FIN, NULL and Xmas. An RST proves the port closed;
// absence of any response after retries is open|filtered, since RFC 793
// silence does not distinguish an open port from a filter.
func (m *Machine) observeStealth(outcome Outcome, rtt time.Duration, evidence []byte) Transition {
	switch outcome {
	case OutcomeRst:
		return m.final(StateClosed, rtt, evidence)
	case OutcomeIcmpAdminProhibited, OutcomeIcmpPortUnreachable:
		return m.final(StateFiltered, rtt, evidence)
	case OutcomeTimedOut:
		if m.attempts <= m.cfg.MaxRetries {
			return m.retry()
		}
		return m.final(StateOpenFiltered, 0, nil)
	default:
		return m.final(StateOpenFiltered, rtt, nil)
	}
}

// observeACK maps firewall reachability: an RST means the port is reachable
// (unfiltered), silence means a filter ate the probe.
func (m *Machine) observeACK(outcome Outcome, rtt time.Duration, evidence []byte) Transition {
	switch outcome {
	case OutcomeRst:
		return m.final(StateUnfiltered, rtt, evidence)
	default:
		return m.final(StateFiltered, rtt, nil)
	}
}

// observeUDP maps datagram results; silent drops are retried before the
// ambiguous open|filtered verdict.
func (m *Machine) observeUDP(outcome Outcome, rtt time.Duration, evidence []byte) Transition {
	switch outcome {
	case OutcomePayloadResponse:
		return m.final(StateOpen, rtt, evidence)
	case OutcomeIcmpPortUnreachable:
		return m.final(StateClosed, rtt, evidence)
	case OutcomeIcmpAdminProhibited:
		return m.final(StateFiltered, rtt, evidence)
	case OutcomeTimedOut:
		if m.attempts <= m.cfg.MaxRetries {
			return m.retry()
		}
		return m.final(StateOpenFiltered, 0, nil)
	default:
		return m.final(StateOpenFiltered, rtt, nil)
	}
}

func (m *Machine) final(state PortState, rtt time.Duration, evidence []byte) Transition {
	m.phase = PhaseResolved
	result := NewResult(m.target, m.port, m.proto, m.technique, state, rtt)
	if evidence != nil {
		result = result.WithEvidence(evidence)
	}
	return Transition{Action: ActionFinal, Result: result}
}

func (m *Machine) retry() Transition {
	m.phase = PhaseIdle
	backoff := m.cfg.RetryBase << uint(m.attempts-1)
	return Transition{Action: ActionRetry, RetryAfter: backoff}
}
