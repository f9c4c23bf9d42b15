// Package netio owns the raw sockets behind the scan engine. One
// header-included send socket carries every crafted datagram, including the
// spoofed-source SYNs of idle scans, and three protocol-bound raw
// connections feed inbound TCP, UDP and ICMP back to the response
// dispatcher. Sockets are created once under elevated privilege at startup
// and shared across all probe tasks afterwards.
package netio

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/packetrake/packetrake/internal/errors"
	"github.com/packetrake/packetrake/internal/logging"
	"github.com/packetrake/packetrake/internal/packet"
	"github.com/packetrake/packetrake/internal/scan"
)

const (
	readBufferSize = 65536
	readTimeout    = 250 * time.Millisecond
)

// Handler consumes one decoded inbound packet. Called from the receive
// goroutines; must not block.
type Handler func(*packet.Parsed)

// SocketSet bundles the send and receive sockets of one scan run. Safe for
// concurrent sends.
type SocketSet struct {
	sendFD int
	sendMu sync.Mutex

	tcp  *rawListener
	udp  *rawListener
	icmp *rawListener

	codec  *packet.Codec
	logger *logging.Logger

	closeOnce sync.Once
}

type rawListener struct {
	pc    net.PacketConn
	raw   *ipv4.RawConn
	proto scan.Protocol
}

// Open creates the socket set. Raw sockets need CAP_NET_RAW; a permission
// failure surfaces as a PrivilegeDenied error, which is fatal at startup.
func Open(logger *logging.Logger) (*SocketSet, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.IPPROTO_RAW)
	if err != nil {
		return nil, errors.ErrPrivilegeDenied(err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_HDRINCL, 1); err != nil {
		unix.Close(fd)
		return nil, errors.WrapProbeError(errors.CodeSocketFailure, "cannot enable IP_HDRINCL", err)
	}

	s := &SocketSet{
		sendFD: fd,
		codec:  packet.NewCodec(),
		logger: logger.WithComponent("netio"),
	}

	for _, proto := range []scan.Protocol{scan.ProtocolTCP, scan.ProtocolUDP, scan.ProtocolICMP} {
		l, err := openListener(proto)
		if err != nil {
			s.Close()
			return nil, err
		}
		switch proto {
		case scan.ProtocolTCP:
			s.tcp = l
		case scan.ProtocolUDP:
			s.udp = l
		case scan.ProtocolICMP:
			s.icmp = l
		}
	}

	return s, nil
}

func openListener(proto scan.Protocol) (*rawListener, error) {
	pc, err := net.ListenPacket("ip4:"+string(proto), "0.0.0.0")
	if err != nil {
		return nil, errors.ErrPrivilegeDenied(err)
	}
	raw, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		return nil, errors.WrapProbeError(errors.CodeSocketFailure, "cannot wrap raw connection", err)
	}
	return &rawListener{pc: pc, raw: raw, proto: proto}, nil
}

// Send writes one serialized IP datagram. The kernel routes on the
// destination in the header, so a spoofed source address goes out as
// written.
func (s *SocketSet) Send(raw []byte, dst netip.Addr) error {
	if !dst.Is4() {
		return errors.NewProbeError(errors.CodeInvalidParameter, "send socket is IPv4 only")
	}
	sa := &unix.SockaddrInet4{Addr: dst.As4()}

	s.sendMu.Lock()
	err := unix.Sendto(s.sendFD, raw, 0, sa)
	s.sendMu.Unlock()

	if err != nil {
		return errors.WrapProbeError(errors.CodeNetworkUnreachable, "send failed", err)
	}
	return nil
}

// SendFragments writes each fragment of a split datagram in order.
func (s *SocketSet) SendFragments(frags [][]byte, dst netip.Addr) error {
	for _, frag := range frags {
		if err := s.Send(frag, dst); err != nil {
			return err
		}
	}
	return nil
}

// Receive runs one read loop per protocol, decoding inbound packets and
// handing them to the handler until ctx is canceled. Blocks until all loops
// exit.
func (s *SocketSet) Receive(ctx context.Context, handler Handler) {
	var wg sync.WaitGroup
	for _, l := range []*rawListener{s.tcp, s.udp, s.icmp} {
		wg.Add(1)
		go func(l *rawListener) {
			defer wg.Done()
			s.readLoop(ctx, l, handler)
		}(l)
	}
	wg.Wait()
}

func (s *SocketSet) readLoop(ctx context.Context, l *rawListener, handler Handler) {
	buf := make([]byte, readBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}

		// Bounded reads keep the loop responsive to cancellation.
		if err := l.raw.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}

		hdr, payload, _, err := l.raw.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("raw read failed", "protocol", string(l.proto), "error", err)
			continue
		}

		src, ok := netip.AddrFromSlice(hdr.Src.To4())
		if !ok {
			continue
		}
		dst, _ := netip.AddrFromSlice(hdr.Dst.To4())

		parsed, err := s.codec.DecodeTransport(l.proto, src, dst, uint16(hdr.ID), uint8(hdr.TTL), payload)
		if err != nil {
			s.logger.Debug("dropped undecodable packet", "protocol", string(l.proto), "error", err)
			continue
		}
		handler(parsed)
	}
}

// Close releases every socket. Safe to call more than once.
func (s *SocketSet) Close() {
	s.closeOnce.Do(func() {
		if s.sendFD > 0 {
			unix.Close(s.sendFD)
		}
		for _, l := range []*rawListener{s.tcp, s.udp, s.icmp} {
			if l != nil {
				l.pc.Close()
			}
		}
	})
}

// LocalAddr returns the source address the kernel would pick for reaching
// dst. No packets are sent; the connect only resolves a route.
func LocalAddr(dst netip.Addr) (netip.Addr, error) {
	conn, err := net.Dial("udp4", net.JoinHostPort(dst.String(), "53"))
	if err != nil {
		return netip.Addr{}, errors.WrapProbeError(errors.CodeNetworkUnreachable,
			"no route to target", err)
	}
	defer conn.Close()

	ua, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, errors.NewProbeError(errors.CodeSocketFailure, "unexpected local address type")
	}
	addr, ok := netip.AddrFromSlice(ua.IP.To4())
	if !ok {
		return netip.Addr{}, errors.NewProbeError(errors.CodeSocketFailure, "local address is not IPv4")
	}
	return addr, nil
}
