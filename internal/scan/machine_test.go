package scan

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var machineTarget = netip.MustParseAddr("192.0.2.10")

func newMachine(tech Technique) *Machine {
	return NewMachine(tech, machineTarget, 80, Config{MaxRetries: 2, RetryBase: time.Millisecond})
}

// observeFinal drives a single sent probe to its terminal classification.
func observeFinal(t *testing.T, tech Technique, outcome Outcome) Transition {
	t.Helper()
	m := newMachine(tech)
	m.MarkSent()
	tr := m.Observe(outcome, 5*time.Millisecond, nil)
	require.Equal(t, PhaseResolved, m.Phase())
	return tr
}

func TestSYNClassification(t *testing.T) {
	tests := []struct {
		outcome Outcome
		state   PortState
		action  Action
	}{
		{OutcomeSynAck, StateOpen, ActionReset},
		{OutcomeRst, StateClosed, ActionFinal},
		{OutcomeIcmpPortUnreachable, StateFiltered, ActionFinal},
		{OutcomeIcmpAdminProhibited, StateFiltered, ActionFinal},
		{OutcomeTimedOut, StateFiltered, ActionFinal},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			tr := observeFinal(t, TechniqueSYN, tt.outcome)
			assert.Equal(t, tt.action, tr.Action)
			assert.Equal(t, tt.state, tr.Result.State)
			assert.Equal(t, TechniqueSYN, tr.Result.Technique)
		})
	}
}

func TestConnectClassification(t *testing.T) {
	tests := []struct {
		outcome Outcome
		state   PortState
	}{
		{OutcomeConnected, StateOpen},
		{OutcomeConnRefused, StateClosed},
		{OutcomeTimedOut, StateFiltered},
	}

	for _, tt := range tests {
		t.Run(string(tt.outcome), func(t *testing.T) {
			tr := observeFinal(t, TechniqueConnect, tt.outcome)
			assert.Equal(t, ActionFinal, tr.Action)
			assert.Equal(t, tt.state, tr.Result.State)
		})
	}
}

func TestStealthClassification(t *testing.T) {
	for _, tech := range []Technique{TechniqueFIN, TechniqueNULL, TechniqueXmas} {
		t.Run(string(tech), func(t *testing.T) {
			tr := observeFinal(t, tech, OutcomeRst)
			assert.Equal(t, ActionFinal, tr.Action)
			assert.Equal(t, StateClosed, tr.Result.State)

			tr = observeFinal(t, tech, OutcomeIcmpAdminProhibited)
			assert.Equal(t, StateFiltered, tr.Result.State)
		})
	}
}

func TestStealthTimeoutRetriesThenOpenFiltered(t *testing.T) {
	m := newMachine(TechniqueFIN)

	// Two retries are granted before silence becomes the classification.
	m.MarkSent()
	tr := m.Observe(OutcomeTimedOut, 0, nil)
	require.Equal(t, ActionRetry, tr.Action)
	assert.Equal(t, time.Millisecond, tr.RetryAfter)
	assert.Equal(t, PhaseIdle, m.Phase())

	m.MarkSent()
	tr = m.Observe(OutcomeTimedOut, 0, nil)
	require.Equal(t, ActionRetry, tr.Action)
	assert.Equal(t, 2*time.Millisecond, tr.RetryAfter, "backoff doubles per attempt")

	m.MarkSent()
	tr = m.Observe(OutcomeTimedOut, 0, nil)
	require.Equal(t, ActionFinal, tr.Action)
	assert.Equal(t, StateOpenFiltered, tr.Result.State)
	assert.Equal(t, PhaseResolved, m.Phase())
	assert.Equal(t, 3, m.Attempts())
}

func TestACKClassification(t *testing.T) {
	tr := observeFinal(t, TechniqueACK, OutcomeRst)
	assert.Equal(t, StateUnfiltered, tr.Result.State)

	tr = observeFinal(t, TechniqueACK, OutcomeTimedOut)
	assert.Equal(t, StateFiltered, tr.Result.State)

	tr = observeFinal(t, TechniqueACK, OutcomeIcmpAdminProhibited)
	assert.Equal(t, StateFiltered, tr.Result.State)
}

func TestUDPClassification(t *testing.T) {
	tr := observeFinal(t, TechniqueUDP, OutcomePayloadResponse)
	assert.Equal(t, StateOpen, tr.Result.State)
	assert.Equal(t, ProtocolUDP, tr.Result.Protocol)

	tr = observeFinal(t, TechniqueUDP, OutcomeIcmpPortUnreachable)
	assert.Equal(t, StateClosed, tr.Result.State)

	tr = observeFinal(t, TechniqueUDP, OutcomeIcmpAdminProhibited)
	assert.Equal(t, StateFiltered, tr.Result.State)
}

func TestUDPSilentDrop(t *testing.T) {
	m := newMachine(TechniqueUDP)

	for i := 0; i < 2; i++ {
		m.MarkSent()
		tr := m.Observe(OutcomeTimedOut, 0, nil)
		require.Equal(t, ActionRetry, tr.Action, "attempt %d", i+1)
	}

	m.MarkSent()
	tr := m.Observe(OutcomeTimedOut, 0, nil)
	require.Equal(t, ActionFinal, tr.Action)
	assert.Equal(t, StateOpenFiltered, tr.Result.State)
}

func TestMachineRecordsRTT(t *testing.T) {
	m := newMachine(TechniqueSYN)
	m.MarkSent()

	tr := m.Observe(OutcomeSynAck, 7*time.Millisecond, []byte{0x45})
	assert.Equal(t, 7*time.Millisecond, tr.Result.RTT)
	assert.Equal(t, []byte{0x45}, tr.Result.Evidence)
	assert.Equal(t, machineTarget, tr.Result.Target)
	assert.Equal(t, uint16(80), tr.Result.Port)
}

func TestTechniqueValidation(t *testing.T) {
	for _, tech := range []Technique{TechniqueSYN, TechniqueConnect, TechniqueFIN,
		TechniqueNULL, TechniqueXmas, TechniqueACK, TechniqueUDP, TechniqueIdle} {
		assert.True(t, tech.Valid(), string(tech))
	}
	assert.False(t, Technique("ping").Valid())

	assert.True(t, TechniqueFIN.Stealth())
	assert.True(t, TechniqueNULL.Stealth())
	assert.True(t, TechniqueXmas.Stealth())
	assert.False(t, TechniqueSYN.Stealth())
}

func TestResultEvidenceCopied(t *testing.T) {
	raw := []byte{1, 2, 3}
	r := NewResult(machineTarget, 80, ProtocolTCP, TechniqueSYN, StateOpen, time.Millisecond).WithEvidence(raw)
	raw[0] = 99
	assert.Equal(t, byte(1), r.Evidence[0])
}
