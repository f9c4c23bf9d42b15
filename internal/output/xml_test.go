package output

import (
	"encoding/xml"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetrake/packetrake/internal/scan"
)

func sampleResults() []scan.Result {
	a := netip.MustParseAddr("192.0.2.10")
	b := netip.MustParseAddr("192.0.2.5")
	return []scan.Result{
		scan.NewResult(a, 443, scan.ProtocolTCP, scan.TechniqueSYN, scan.StateOpen, 2*time.Millisecond),
		scan.NewResult(b, 53, scan.ProtocolUDP, scan.TechniqueUDP, scan.StateOpenFiltered, 0),
		scan.NewResult(a, 80, scan.ProtocolTCP, scan.TechniqueSYN, scan.StateClosed, time.Millisecond),
	}
}

func TestBuildReportGroupsAndOrders(t *testing.T) {
	report := BuildReport("run-1", time.Now(), 3*time.Second, sampleResults())

	require.Len(t, report.Hosts, 2)
	assert.Equal(t, "192.0.2.5", report.Hosts[0].Address)
	assert.Equal(t, "192.0.2.10", report.Hosts[1].Address)

	require.Len(t, report.Hosts[1].Ports, 2)
	assert.Equal(t, uint16(80), report.Hosts[1].Ports[0].Number)
	assert.Equal(t, uint16(443), report.Hosts[1].Ports[1].Number)
	assert.Equal(t, "open", report.Hosts[1].Ports[1].State)
	assert.Equal(t, "2ms", report.Hosts[1].Ports[1].RTT)

	// A silent UDP drop has no RTT to report.
	assert.Empty(t, report.Hosts[0].Ports[0].RTT)
}

func TestBuildReportEmpty(t *testing.T) {
	report := BuildReport("run-1", time.Now(), time.Second, nil)
	assert.Empty(t, report.Hosts)
}

func TestSaveXMLRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.xml")
	report := BuildReport("run-1", time.Now(), 3*time.Second, sampleResults())
	require.NoError(t, SaveXML(report, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), xml.Header[:14])

	var decoded Report
	require.NoError(t, xml.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded.RunID)
	require.Len(t, decoded.Hosts, 2)
	assert.Equal(t, report.Hosts[1].Ports, decoded.Hosts[1].Ports)
}

func TestSaveXMLBadPath(t *testing.T) {
	report := BuildReport("run-1", time.Now(), time.Second, nil)
	err := SaveXML(report, filepath.Join(t.TempDir(), "missing", "scan.xml"))
	require.Error(t, err)
}
