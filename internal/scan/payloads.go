package scan

// PayloadProvider supplies protocol-specific UDP payloads keyed by
// destination port. Services that ignore empty datagrams often answer a
// well-formed protocol request, turning a silent open|filtered into a
// definite open.
type PayloadProvider interface {
	// Payload returns the probe body for the given destination port.
	// An empty slice is a valid probe for ports with no known protocol.
	Payload(port uint16) []byte
}

// StaticPayloads is a PayloadProvider backed by a fixed port→payload map.
type StaticPayloads struct {
	byPort map[uint16][]byte
}

// NewStaticPayloads creates a provider from the given map.
func NewStaticPayloads(byPort map[uint16][]byte) *StaticPayloads {
	return &StaticPayloads{byPort: byPort}
}

// Payload implements PayloadProvider.
func (p *StaticPayloads) Payload(port uint16) []byte {
	if body, ok := p.byPort[port]; ok {
		return body
	}
	return nil
}

// DefaultPayloads returns a provider covering the common UDP services.
func DefaultPayloads() *StaticPayloads {
	return NewStaticPayloads(map[uint16][]byte{
		// DNS: standard query for the root NS record.
		53: {
			0x12, 0x34, 0x01, 0x00, 0x00, 0x01, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x01,
		},
		// NTP: client mode, version 4.
		123: {
			0x23, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
		},
		// NBNS: node status request.
		137: {
			0x80, 0xf0, 0x00, 0x10, 0x00, 0x01, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00, 0x20, 0x43, 0x4b, 0x41,
			0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
			0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
			0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41, 0x41,
			0x41, 0x41, 0x41, 0x41, 0x00, 0x00, 0x21, 0x00, 0x01,
		},
		// SNMP v1: GetRequest with community "public".
		161: {
			0x30, 0x26, 0x02, 0x01, 0x00, 0x04, 0x06, 0x70,
			0x75, 0x62, 0x6c, 0x69, 0x63, 0xa0, 0x19, 0x02,
			0x01, 0x00, 0x02, 0x01, 0x00, 0x02, 0x01, 0x00,
			0x30, 0x0e, 0x30, 0x0c, 0x06, 0x08, 0x2b, 0x06,
			0x01, 0x02, 0x01, 0x01, 0x01, 0x00, 0x05, 0x00,
		},
	})
}
