// Package packet builds and parses the raw IPv4/IPv6, TCP, UDP and ICMP
// packets the scan engine puts on the wire. Encoding is a pure transform:
// given in-range inputs it cannot fail at send time. Decoding is defensive:
// it must survive truncated, malformed, and adversarial input without
// panicking, because the receive path sees whatever the network delivers.
package packet

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/metrics"
	"github.com/packetrake/packetrake/internal/scan"
)

const (
	// defaultTTL is used when no evasion override is set.
	defaultTTL = 64

	// minIPv4Header is the length of an option-less IPv4 header.
	minIPv4Header = 20

	// icmpDstUnreachable codes of interest.
	icmpCodePortUnreachable = 3
	icmpCodeAdminProhibited = 13
)

// TCPFlags selects the flag bits of a crafted TCP segment.
type TCPFlags struct {
	SYN bool
	ACK bool
	FIN bool
	RST bool
	PSH bool
	URG bool
}

// Codec encodes and decodes scan probes. It is stateless and safe for
// concurrent use.
type Codec struct {
	opts gopacket.SerializeOptions
}

// NewCodec creates a codec with checksum and length fix-up enabled.
func NewCodec() *Codec {
	return &Codec{
		opts: gopacket.SerializeOptions{
			ComputeChecksums: true,
			FixLengths:       true,
		},
	}
}

// EncodeTCP builds a full IP datagram carrying a TCP segment with the given
// flags. The result includes the IP header so it can be written through a
// header-included raw socket, which is what allows source spoofing for idle
// scans. The ipid parameter sets the IPv4 Identification field; pass 0 to
// let the stack's counter show through on fragmentable datagrams.
func (c *Codec) EncodeTCP(src, dst netip.AddrPort, seq uint32, flags TCPFlags, ipid uint16, ev Evasion) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		Window:  1024,
		SYN:     flags.SYN,
		ACK:     flags.ACK,
		FIN:     flags.FIN,
		RST:     flags.RST,
		PSH:     flags.PSH,
		URG:     flags.URG,
		Options: []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   []byte{0x05, 0xb4},
		}},
	}

	raw, err := c.serializeTransport(src.Addr(), dst.Addr(), layers.IPProtocolTCP, ipid, tcp, nil, ev)
	if err != nil {
		return nil, err
	}
	return applyEvasion(raw, ev)
}

// EncodeUDP builds a full IP datagram carrying a UDP probe with the given
// payload.
func (c *Codec) EncodeUDP(src, dst netip.AddrPort, payload []byte, ipid uint16, ev Evasion) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}

	raw, err := c.serializeTransport(src.Addr(), dst.Addr(), layers.IPProtocolUDP, ipid, udp, payload, ev)
	if err != nil {
		return nil, err
	}
	return applyEvasion(raw, ev)
}

// EncodeICMPEcho builds an ICMP echo request datagram.
func (c *Codec) EncodeICMPEcho(src, dst netip.Addr, id, seq uint16, ev Evasion) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	if dst.Is4() {
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
			Id:       id,
			Seq:      seq,
		}
		ip := c.ipv4Header(src, dst, layers.IPProtocolICMPv4, 0, ev)
		raw, err := c.serialize(ip, icmp)
		if err != nil {
			return nil, err
		}
		return applyEvasion(raw, ev)
	}

	icmp := &layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0),
	}
	echo := &layers.ICMPv6Echo{Identifier: id, SeqNumber: seq}
	ip := c.ipv6Header(src, dst, layers.IPProtocolICMPv6, ev)
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, errors.WrapProbeError(errors.CodeInvalidParameter, "icmp checksum layer", err)
	}
	return c.serialize(ip, icmp, echo)
}

// serializeTransport wires the pseudo-header checksum and serializes the
// network + transport layers into a single datagram.
func (c *Codec) serializeTransport(src, dst netip.Addr, proto layers.IPProtocol, ipid uint16,
	transport gopacket.SerializableLayer, payload []byte, ev Evasion) ([]byte, error) {
	if src.Is4() != dst.Is4() {
		return nil, errors.NewConfigFieldError(errors.CodeInvalidParameter,
			"source and destination address families differ", "src", src.String())
	}

	var network gopacket.NetworkLayer
	var ipLayer gopacket.SerializableLayer
	if dst.Is4() {
		ip := c.ipv4Header(src, dst, proto, ipid, ev)
		network, ipLayer = ip, ip
	} else {
		ip := c.ipv6Header(src, dst, proto, ev)
		network, ipLayer = ip, ip
	}

	switch t := transport.(type) {
	case *layers.TCP:
		if err := t.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.WrapProbeError(errors.CodeInvalidParameter, "tcp checksum layer", err)
		}
	case *layers.UDP:
		if err := t.SetNetworkLayerForChecksum(network); err != nil {
			return nil, errors.WrapProbeError(errors.CodeInvalidParameter, "udp checksum layer", err)
		}
	}

	if payload != nil {
		return c.serialize(ipLayer, transport, gopacket.Payload(payload))
	}
	return c.serialize(ipLayer, transport)
}

func (c *Codec) ipv4Header(src, dst netip.Addr, proto layers.IPProtocol, ipid uint16, ev Evasion) *layers.IPv4 {
	ttl := uint8(defaultTTL)
	if ev.TTL > 0 {
		ttl = ev.TTL
	}
	return &layers.IPv4{
		Version:  4,
		TTL:      ttl,
		Id:       ipid,
		Protocol: proto,
		SrcIP:    src.AsSlice(),
		DstIP:    dst.AsSlice(),
	}
}

func (c *Codec) ipv6Header(src, dst netip.Addr, proto layers.IPProtocol, ev Evasion) *layers.IPv6 {
	hop := uint8(defaultTTL)
	if ev.TTL > 0 {
		hop = ev.TTL
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   hop,
		NextHeader: proto,
		SrcIP:      src.AsSlice(),
		DstIP:      dst.AsSlice(),
	}
}

func (c *Codec) serialize(l ...gopacket.SerializableLayer) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, c.opts, l...); err != nil {
		return nil, errors.WrapProbeError(errors.CodeInvalidParameter, "packet serialization failed", err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, nil
}

// TCPSegment is the decoded transport view of an inbound TCP packet.
type TCPSegment struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Window  uint16
	SYN     bool
	ACK     bool
	RST     bool
	FIN     bool
	Payload []byte
}

// UDPDatagram is the decoded transport view of an inbound UDP packet.
type UDPDatagram struct {
	SrcPort uint16
	DstPort uint16
	Payload []byte
}

// ICMPMessage is the decoded view of an inbound ICMP packet. For
// destination-unreachable messages the embedded original datagram is parsed
// so the error can be correlated back to the probe that triggered it.
type ICMPMessage struct {
	Type uint8
	Code uint8
	// Original describes the probe quoted inside an unreachable message.
	Original *QuotedProbe
}

// QuotedProbe identifies the offending datagram quoted in an ICMP error.
type QuotedProbe struct {
	Dst      netip.Addr
	Protocol scan.Protocol
	DstPort  uint16
	SrcPort  uint16
}

// PortUnreachable reports whether the message is a destination-unreachable
// with the port-unreachable code.
func (m *ICMPMessage) PortUnreachable() bool {
	return m.Type == uint8(layers.ICMPv4TypeDestinationUnreachable) && m.Code == icmpCodePortUnreachable
}

// AdminProhibited reports whether the message signals an administrative
// filter. Codes 9, 10 and 13 all mean a filter refused the probe.
func (m *ICMPMessage) AdminProhibited() bool {
	if m.Type != uint8(layers.ICMPv4TypeDestinationUnreachable) {
		return false
	}
	return m.Code == 9 || m.Code == 10 || m.Code == icmpCodeAdminProhibited
}

// Parsed is the decoded form of one inbound packet.
type Parsed struct {
	Version  int
	Src      netip.Addr
	Dst      netip.Addr
	TTL      uint8
	IPID     uint16
	Protocol scan.Protocol
	TCP      *TCPSegment
	UDP      *UDPDatagram
	ICMP     *ICMPMessage

	// Raw is a copy of the bytes the packet was decoded from, kept as
	// evidence for the classification the packet drives. A copy because
	// the receive path reuses its read buffer.
	Raw []byte
}

// Decode parses a full IP datagram. It never panics: gopacket's lazy
// decoding bounds-checks every header field, and any failure surfaces as a
// ParseError with the packet dropped.
func (c *Codec) Decode(raw []byte) (*Parsed, error) {
	if len(raw) == 0 {
		return nil, errors.NewParseError("empty packet", "ip", 0)
	}

	first := layers.LayerTypeIPv4
	if raw[0]>>4 == 6 {
		first = layers.LayerTypeIPv6
	}

	pkt := gopacket.NewPacket(raw, first, gopacket.Default)
	if errLayer := pkt.ErrorLayer(); errLayer != nil && pkt.NetworkLayer() == nil {
		metrics.RecordParseError("ip")
		return nil, errors.WrapParseError("undecodable packet", errLayer.Error())
	}

	parsed := &Parsed{Raw: append([]byte(nil), raw...)}
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		parsed.Version = 4
		parsed.TTL = ip.TTL
		parsed.IPID = ip.Id
		parsed.Src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		parsed.Dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		parsed.Version = 6
		parsed.TTL = ip.HopLimit
		parsed.Src, _ = netip.AddrFromSlice(ip.SrcIP)
		parsed.Dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		metrics.RecordParseError("ip")
		return nil, errors.NewParseError("no network layer", "ip", 0)
	}

	if tcpLayer := pkt.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp, ok := tcpLayer.(*layers.TCP)
		if !ok || !layerDecoded(tcp) {
			metrics.RecordParseError("tcp")
			return nil, errors.NewParseError("truncated tcp segment", "tcp", len(raw))
		}
		parsed.Protocol = scan.ProtocolTCP
		parsed.TCP = &TCPSegment{
			SrcPort: uint16(tcp.SrcPort),
			DstPort: uint16(tcp.DstPort),
			Seq:     tcp.Seq,
			Ack:     tcp.Ack,
			Window:  tcp.Window,
			SYN:     tcp.SYN,
			ACK:     tcp.ACK,
			RST:     tcp.RST,
			FIN:     tcp.FIN,
			Payload: tcp.Payload,
		}
		return parsed, nil
	}

	if udpLayer := pkt.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || !layerDecoded(udp) {
			metrics.RecordParseError("udp")
			return nil, errors.NewParseError("truncated udp datagram", "udp", len(raw))
		}
		parsed.Protocol = scan.ProtocolUDP
		parsed.UDP = &UDPDatagram{
			SrcPort: uint16(udp.SrcPort),
			DstPort: uint16(udp.DstPort),
			Payload: udp.Payload,
		}
		return parsed, nil
	}

	if icmpLayer := pkt.Layer(layers.LayerTypeICMPv4); icmpLayer != nil {
		icmp, ok := icmpLayer.(*layers.ICMPv4)
		if !ok || !layerDecoded(icmp) {
			metrics.RecordParseError("icmp")
			return nil, errors.NewParseError("truncated icmp message", "icmp", len(raw))
		}
		parsed.Protocol = scan.ProtocolICMP
		parsed.ICMP = &ICMPMessage{
			Type:     icmp.TypeCode.Type(),
			Code:     icmp.TypeCode.Code(),
			Original: decodeQuotedProbe(icmp.Payload),
		}
		return parsed, nil
	}

	if icmpLayer := pkt.Layer(layers.LayerTypeICMPv6); icmpLayer != nil {
		icmp, ok := icmpLayer.(*layers.ICMPv6)
		if !ok || !layerDecoded(icmp) {
			metrics.RecordParseError("icmp")
			return nil, errors.NewParseError("truncated icmpv6 message", "icmp", len(raw))
		}
		parsed.Protocol = scan.ProtocolICMP
		parsed.ICMP = &ICMPMessage{
			Type: icmp.TypeCode.Type(),
			Code: icmp.TypeCode.Code(),
		}
		return parsed, nil
	}

	metrics.RecordParseError("transport")
	return nil, errors.NewParseError("no transport layer", "transport", minIPv4Header)
}

// layerDecoded reports whether a transport layer was actually parsed.
// gopacket registers the layer on the packet before reporting a truncated
// or malformed header, so a zero-valued layer with empty header contents
// can sit behind a non-nil Layer() lookup.
func layerDecoded(l gopacket.Layer) bool {
	return len(l.LayerContents()) > 0
}

// DecodeTransport parses a transport segment whose IP header was already
// consumed by the receive path (the raw connection hands header and payload
// over separately).
func (c *Codec) DecodeTransport(proto scan.Protocol, src, dst netip.Addr, ipid uint16, ttl uint8, payload []byte) (*Parsed, error) {
	var first gopacket.LayerType
	switch proto {
	case scan.ProtocolTCP:
		first = layers.LayerTypeTCP
	case scan.ProtocolUDP:
		first = layers.LayerTypeUDP
	case scan.ProtocolICMP:
		first = layers.LayerTypeICMPv4
	default:
		return nil, errors.NewParseError(fmt.Sprintf("unknown protocol %q", proto), "transport", 0)
	}

	pkt := gopacket.NewPacket(payload, first, gopacket.Default)
	parsed := &Parsed{
		Version:  4,
		Src:      src,
		Dst:      dst,
		TTL:      ttl,
		IPID:     ipid,
		Protocol: proto,
		Raw:      append([]byte(nil), payload...),
	}

	switch proto {
	case scan.ProtocolTCP:
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok || !layerDecoded(tcp) {
			metrics.RecordParseError("tcp")
			return nil, errors.NewParseError("truncated tcp segment", "tcp", len(payload))
		}
		parsed.TCP = &TCPSegment{
			SrcPort: uint16(tcp.SrcPort),
			DstPort: uint16(tcp.DstPort),
			Seq:     tcp.Seq,
			Ack:     tcp.Ack,
			Window:  tcp.Window,
			SYN:     tcp.SYN,
			ACK:     tcp.ACK,
			RST:     tcp.RST,
			FIN:     tcp.FIN,
			Payload: tcp.Payload,
		}
	case scan.ProtocolUDP:
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok || !layerDecoded(udp) {
			metrics.RecordParseError("udp")
			return nil, errors.NewParseError("truncated udp datagram", "udp", len(payload))
		}
		parsed.UDP = &UDPDatagram{
			SrcPort: uint16(udp.SrcPort),
			DstPort: uint16(udp.DstPort),
			Payload: udp.Payload,
		}
	case scan.ProtocolICMP:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok || !layerDecoded(icmp) {
			metrics.RecordParseError("icmp")
			return nil, errors.NewParseError("truncated icmp message", "icmp", len(payload))
		}
		parsed.ICMP = &ICMPMessage{
			Type:     icmp.TypeCode.Type(),
			Code:     icmp.TypeCode.Code(),
			Original: decodeQuotedProbe(icmp.Payload),
		}
	}

	return parsed, nil
}

// decodeQuotedProbe parses the original datagram quoted in an ICMP error
// body. RFC 792 only guarantees the IP header plus eight bytes, which is
// enough for the ports of the offending TCP or UDP probe. Returns nil when
// the quote is too short or malformed; the caller then cannot correlate.
func decodeQuotedProbe(body []byte) *QuotedProbe {
	if len(body) < minIPv4Header+4 {
		return nil
	}

	pkt := gopacket.NewPacket(body, layers.LayerTypeIPv4, gopacket.Default)
	ip, ok := pkt.NetworkLayer().(*layers.IPv4)
	if !ok {
		return nil
	}

	dst, ok := netip.AddrFromSlice(ip.DstIP.To4())
	if !ok {
		return nil
	}

	quoted := &QuotedProbe{Dst: dst}
	switch ip.Protocol {
	case layers.IPProtocolTCP:
		quoted.Protocol = scan.ProtocolTCP
	case layers.IPProtocolUDP:
		quoted.Protocol = scan.ProtocolUDP
	default:
		return nil
	}

	// The quoted transport header may be truncated to 8 bytes; pull the
	// ports straight out rather than asking the decoder for a full layer.
	hdrLen := int(ip.IHL) * 4
	if hdrLen < minIPv4Header || len(body) < hdrLen+4 {
		return nil
	}
	quoted.SrcPort = uint16(body[hdrLen])<<8 | uint16(body[hdrLen+1])
	quoted.DstPort = uint16(body[hdrLen+2])<<8 | uint16(body[hdrLen+3])
	return quoted
}
