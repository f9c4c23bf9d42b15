package packet

import (
	"encoding/binary"

	"github.com/packetrake/packetrake/internal/errors"
)

// Evasion selects optional transforms applied to an encoded datagram before
// it is written to the wire.
type Evasion struct {
	// TTL overrides the IP time-to-live. Zero keeps the default.
	TTL uint8

	// BadChecksum corrupts the transport checksum after serialization.
	// Hosts drop such segments silently while naive middleboxes may still
	// react, which is the point.
	BadChecksum bool

	// FragmentSize splits the datagram into IP fragments carrying this
	// many payload bytes each. Must be a positive multiple of 8; zero
	// disables fragmentation.
	FragmentSize int
}

// Validate checks the evasion parameters. Called at configuration time so a
// bad fragment size never reaches the send path.
func (e Evasion) Validate() error {
	if e.FragmentSize != 0 && (e.FragmentSize < 8 || e.FragmentSize%8 != 0) {
		return errors.ErrInvalidMTU(e.FragmentSize)
	}
	return nil
}

// applyEvasion runs the post-serialization transforms. TTL is applied during
// header construction; this handles checksum corruption. Fragmentation is
// applied by the caller via Fragment because it changes the packet count.
func applyEvasion(raw []byte, ev Evasion) ([]byte, error) {
	if ev.BadChecksum {
		corruptTransportChecksum(raw)
	}
	return raw, nil
}

// Fragment splits a serialized IPv4 datagram into fragments carrying size
// payload bytes each. Every fragment repeats the IP header with its own
// total length, fragment offset, and a recomputed header checksum. All
// fragments except the last carry the More-Fragments flag; the last clears
// it. IPv6 datagrams and datagrams with the Don't-Fragment flag are
// returned unchanged.
func Fragment(raw []byte, size int) ([][]byte, error) {
	if size == 0 {
		return [][]byte{raw}, nil
	}
	if size < 8 || size%8 != 0 {
		return nil, errors.ErrInvalidMTU(size)
	}
	if len(raw) < minIPv4Header || raw[0]>>4 != 4 {
		return [][]byte{raw}, nil
	}

	hdrLen := int(raw[0]&0x0f) * 4
	if hdrLen < minIPv4Header || hdrLen > len(raw) {
		return nil, errors.NewParseError("bad header length", "ip", 0)
	}
	if raw[6]&0x40 != 0 { // Don't-Fragment set
		return [][]byte{raw}, nil
	}

	payload := raw[hdrLen:]
	if len(payload) <= size {
		return [][]byte{raw}, nil
	}

	var frags [][]byte
	for off := 0; off < len(payload); off += size {
		end := off + size
		last := false
		if end >= len(payload) {
			end = len(payload)
			last = true
		}

		frag := make([]byte, hdrLen+end-off)
		copy(frag, raw[:hdrLen])
		copy(frag[hdrLen:], payload[off:end])

		binary.BigEndian.PutUint16(frag[2:4], uint16(len(frag)))

		// Flags and offset share 16 bits; offset counts 8-byte units.
		fo := uint16(off / 8)
		if !last {
			fo |= 0x2000 // More-Fragments
		}
		binary.BigEndian.PutUint16(frag[6:8], fo)

		binary.BigEndian.PutUint16(frag[10:12], 0)
		binary.BigEndian.PutUint16(frag[10:12], ipChecksum(frag[:hdrLen]))

		frags = append(frags, frag)
	}
	return frags, nil
}

// corruptTransportChecksum flips the low bit of the TCP or UDP checksum in
// a serialized IPv4 datagram. Non-TCP/UDP packets are left alone.
func corruptTransportChecksum(raw []byte) {
	if len(raw) < minIPv4Header || raw[0]>>4 != 4 {
		return
	}
	hdrLen := int(raw[0]&0x0f) * 4
	if hdrLen < minIPv4Header {
		return
	}

	var sumOff int
	switch raw[9] {
	case 6: // TCP
		sumOff = hdrLen + 16
	case 17: // UDP
		sumOff = hdrLen + 6
	default:
		return
	}
	if sumOff+2 > len(raw) {
		return
	}
	raw[sumOff+1] ^= 0x01
}

// ipChecksum computes the ones'-complement checksum over an IPv4 header.
func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(hdr[i])<<8 | uint32(hdr[i+1])
	}
	if len(hdr)%2 == 1 {
		sum += uint32(hdr[len(hdr)-1]) << 8
	}
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return ^uint16(sum)
}
