package conenat

import (
	"encoding/binary"
	"errors"
)

const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
)

const (
	ICMPTypeEchoReply        = 0
	ICMPTypeDestUnreachable  = 3
	ICMPTypeSourceQuench     = 4
	ICMPTypeEchoRequest      = 8
	ICMPTypeTimeExceeded     = 11
	ICMPTypeParameterProblem = 12
	ICMPTypeTimestamp        = 13
	ICMPTypeTimestampReply   = 14
)

var (
	errShortPacket = errors.New("packet too short")
	errNotIPv4     = errors.New("not an IPv4 packet")
	errBadHeader   = errors.New("invalid IPv4 header length")
	errFragment    = errors.New("fragmented packet")
	errUnsupported = errors.New("unsupported protocol or message")
)

// packet is a parsed view over a raw IPv4 datagram. Offsets index the
// original buffer so rewrites happen in place.
type packet struct {
	flow Flow
	end  int // end of the datagram (total length, bounded by the buffer)
	l4   int // transport header

	// quoted datagram of an ICMP error, zero otherwise
	inner   int
	innerL4 int
}

func icmpIsQuery(t uint8) bool {
	switch t {
	case ICMPTypeEchoRequest, ICMPTypeEchoReply, ICMPTypeTimestamp, ICMPTypeTimestampReply:
		return true
	}
	return false
}

func icmpIsError(t uint8) bool {
	switch t {
	case ICMPTypeDestUnreachable, ICMPTypeSourceQuench, ICMPTypeTimeExceeded, ICMPTypeParameterProblem:
		return true
	}
	return false
}

// parseIPv4 validates the IPv4 header at off and returns the protocol, the
// header length and the datagram end.
func parseIPv4(b []byte, off int) (proto Protocol, ihl, end int, err error) {
	if len(b) < off+20 {
		return 0, 0, 0, errShortPacket
	}
	if b[off]>>4 != 4 {
		return 0, 0, 0, errNotIPv4
	}
	ihl = int(b[off]&0x0f) * 4
	if ihl < 20 || len(b) < off+ihl {
		return 0, 0, 0, errBadHeader
	}
	end = off + int(binary.BigEndian.Uint16(b[off+2:]))
	if end > len(b) || end < off+ihl {
		end = len(b)
	}
	return Protocol(b[off+9]), ihl, end, nil
}

// parseTransport reads the ports (or ICMP query identifier) at off. Quoted
// headers may be cut after 8 bytes so only what is needed is required.
func parseTransport(b []byte, proto Protocol, off, end int) (src, dst uint16, flags uint8, err error) {
	switch proto {
	case ProtocolTCP, ProtocolUDP:
		if end < off+4 {
			return 0, 0, 0, errShortPacket
		}
		src = binary.BigEndian.Uint16(b[off:])
		dst = binary.BigEndian.Uint16(b[off+2:])
		if proto == ProtocolTCP && end >= off+14 {
			flags = b[off+13]
		}
		return src, dst, flags, nil
	case ProtocolICMP:
		if end < off+8 {
			return 0, 0, 0, errShortPacket
		}
		if !icmpIsQuery(b[off]) {
			return 0, 0, 0, errUnsupported
		}
		// the identifier stands in for the port on both sides of the mapping
		id := binary.BigEndian.Uint16(b[off+4:])
		return id, id, 0, nil
	}
	return 0, 0, 0, errUnsupported
}

// parsePacket builds the Flow of a raw datagram. Fragments and anything
// that is not TCP, UDP, an ICMP query or an ICMP error are refused.
func parsePacket(b []byte) (packet, error) {
	var p packet
	proto, ihl, end, err := parseIPv4(b, 0)
	if err != nil {
		return p, err
	}
	if binary.BigEndian.Uint16(b[6:])&0x3fff != 0 {
		return p, errFragment
	}
	p.end, p.l4 = end, ihl
	p.flow.Proto = proto
	copy(p.flow.Src.Addr[:], b[12:16])
	copy(p.flow.Dst.Addr[:], b[16:20])

	if proto == ProtocolICMP && end >= ihl+8 && icmpIsError(b[ihl]) {
		return p, p.parseICMPError(b)
	}
	if proto == ProtocolTCP && end < ihl+20 {
		return p, errShortPacket
	}
	if proto == ProtocolUDP && end < ihl+8 {
		return p, errShortPacket
	}
	src, dst, flags, err := parseTransport(b, proto, ihl, end)
	if err != nil {
		return p, err
	}
	p.flow.Src.Port, p.flow.Dst.Port, p.flow.TCPFlags = src, dst, flags
	return p, nil
}

func (p *packet) parseICMPError(b []byte) error {
	p.inner = p.l4 + 8
	proto, ihl, _, err := parseIPv4(b, p.inner)
	if err != nil {
		return err
	}
	p.innerL4 = p.inner + ihl
	src, dst, _, err := parseTransport(b, proto, p.innerL4, p.end)
	if err != nil {
		return err
	}
	// reversed: the error travels opposite to the datagram it quotes
	p.flow = Flow{
		Proto:     proto,
		ICMPError: true,
	}
	copy(p.flow.Dst.Addr[:], b[p.inner+12:p.inner+16])
	copy(p.flow.Src.Addr[:], b[p.inner+16:p.inner+20])
	p.flow.Dst.Port, p.flow.Src.Port = src, dst
	return nil
}

// checksumField locates a 16-bit ones-complement checksum in the buffer.
// UDP checksums of zero mean "none" and are left alone.
type checksumField struct {
	at  int
	udp bool
}

func (c checksumField) adjust(b, old, new []byte) {
	if c.at < 0 || c.at+2 > len(b) {
		return
	}
	cur := binary.BigEndian.Uint16(b[c.at:])
	if c.udp && cur == 0 {
		return
	}
	v := checksumAdjust(cur, old, new)
	if c.udp && v == 0 {
		v = 0xffff
	}
	binary.BigEndian.PutUint16(b[c.at:], v)
}

// checksumAdjust applies RFC 1624 incremental update for the replacement of
// old by new. Both must have the same even length.
func checksumAdjust(sum uint16, old, new []byte) uint16 {
	acc := uint32(^sum)
	for i := 0; i+1 < len(old); i += 2 {
		acc += uint32(^binary.BigEndian.Uint16(old[i:]))
		acc += uint32(binary.BigEndian.Uint16(new[i:]))
	}
	for acc>>16 != 0 {
		acc = acc&0xffff + acc>>16
	}
	return ^uint16(acc)
}

// checksum computes the internet checksum of data.
func checksum(data []byte) uint16 {
	sum := uint32(0)
	for i := 0; i < len(data); i += 2 {
		if i+1 < len(data) {
			sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
		} else {
			sum += uint32(data[i]) << 8
		}
	}
	for (sum >> 16) > 0 {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(^sum)
}

// replace overwrites b[off:off+len(val)] and folds the change into each
// checksum.
func replace(b []byte, off int, val []byte, sums ...checksumField) {
	if off < 0 || off+len(val) > len(b) {
		return
	}
	var buf [4]byte
	old := buf[:len(val)]
	copy(old, b[off:])
	copy(b[off:], val)
	for _, s := range sums {
		s.adjust(b, old, val)
	}
}

// l4Checksum returns where the transport checksum of a header at off lives,
// or -1 when the protocol has none covering the pseudo header.
func l4Checksum(proto Protocol, off int) checksumField {
	switch proto {
	case ProtocolTCP:
		return checksumField{at: off + 16}
	case ProtocolUDP:
		return checksumField{at: off + 6, udp: true}
	case ProtocolICMP:
		return checksumField{at: off + 2}
	}
	return checksumField{at: -1}
}

// portOffset is where the source (or destination) port of the transport
// header at off lives. ICMP queries keep their identifier at +4 for both.
func portOffset(proto Protocol, off int, dst bool) int {
	if proto == ProtocolICMP {
		return off + 4
	}
	if dst {
		return off + 2
	}
	return off
}

func putEndpoint(b []byte, addrOff, l4 int, proto Protocol, dst bool, ep Endpoint, ipSum int) {
	ipc := checksumField{at: ipSum}
	l4c := l4Checksum(proto, l4)
	if proto == ProtocolICMP {
		// ICMP has no pseudo header
		replace(b, addrOff, ep.Addr[:], ipc)
	} else {
		replace(b, addrOff, ep.Addr[:], ipc, l4c)
	}
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], ep.Port)
	replace(b, portOffset(proto, l4, dst), port[:], l4c)
}

// rewriteSource sets the source endpoint of an outbound datagram. For an
// ICMP error the quoted datagram's destination is rewritten instead and the
// outer source address follows.
func (p *packet) rewriteSource(b []byte, ep Endpoint) {
	if !p.flow.ICMPError {
		putEndpoint(b, 12, p.l4, p.flow.Proto, false, ep, 10)
		return
	}
	replace(b, 12, ep.Addr[:], checksumField{at: 10})
	putEndpoint(b, p.inner+16, p.innerL4, p.flow.Proto, true, ep, p.inner+10)
	p.fixICMP(b)
}

// rewriteDest sets the destination endpoint of an inbound datagram.
func (p *packet) rewriteDest(b []byte, ep Endpoint) {
	if !p.flow.ICMPError {
		putEndpoint(b, 16, p.l4, p.flow.Proto, true, ep, 10)
		return
	}
	replace(b, 16, ep.Addr[:], checksumField{at: 10})
	putEndpoint(b, p.inner+12, p.innerL4, p.flow.Proto, false, ep, p.inner+10)
	p.fixICMP(b)
}

// fixICMP recomputes the outer ICMP checksum of an error message, which
// covers the quoted datagram.
func (p *packet) fixICMP(b []byte) {
	binary.BigEndian.PutUint16(b[p.l4+2:], 0)
	binary.BigEndian.PutUint16(b[p.l4+2:], checksum(b[p.l4:p.end]))
}
