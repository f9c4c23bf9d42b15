// Package output renders finished scan runs into machine-readable
// report formats.
package output

import (
	"encoding/xml"
	"os"
	"sort"
	"time"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/scan"
)

// Report is the root element for XML serialization of a scan run.
type Report struct {
	XMLName   xml.Name  `xml:"scanrun"`
	RunID     string    `xml:"run_id,attr"`
	StartTime string    `xml:"start_time,attr"`
	Duration  string    `xml:"duration,attr"`
	Hosts     []HostXML `xml:"host"`
}

// HostXML groups one target's results for XML serialization.
type HostXML struct {
	Address string    `xml:"address,attr"`
	Ports   []PortXML `xml:"port"`
}

// PortXML is one classified port observation.
type PortXML struct {
	Number    uint16 `xml:"number,attr"`
	Protocol  string `xml:"protocol,attr"`
	State     string `xml:"state"`
	Technique string `xml:"technique"`
	RTT       string `xml:"rtt,omitempty"`
}

// BuildReport groups results by target, ordered by address and port.
func BuildReport(runID string, started time.Time, duration time.Duration, results []scan.Result) *Report {
	sorted := append([]scan.Result(nil), results...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Target != sorted[j].Target {
			return sorted[i].Target.Less(sorted[j].Target)
		}
		return sorted[i].Port < sorted[j].Port
	})

	report := &Report{
		RunID:     runID,
		StartTime: started.Format(time.RFC3339),
		Duration:  duration.String(),
	}
	for i := range sorted {
		r := &sorted[i]
		addr := r.Target.String()
		if len(report.Hosts) == 0 || report.Hosts[len(report.Hosts)-1].Address != addr {
			report.Hosts = append(report.Hosts, HostXML{Address: addr})
		}
		host := &report.Hosts[len(report.Hosts)-1]

		port := PortXML{
			Number:    r.Port,
			Protocol:  string(r.Protocol),
			State:     string(r.State),
			Technique: string(r.Technique),
		}
		if r.RTT > 0 {
			port.RTT = r.RTT.String()
		}
		host.Ports = append(host.Ports, port)
	}
	return report
}

// SaveXML writes the report to an XML file with readable indentation.
func SaveXML(report *Report, path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to create output file", err)
	}
	defer file.Close()

	if _, err := file.WriteString(xml.Header); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to write output file", err)
	}

	encoder := xml.NewEncoder(file)
	encoder.Indent("", "  ")
	if err := encoder.Encode(report); err != nil {
		return errors.WrapConfigError(errors.CodeConfiguration, "failed to encode results", err)
	}
	return encoder.Close()
}
