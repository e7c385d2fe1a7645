package conenat

import "fmt"

type IPv4 [4]byte

// Protocol is the IP protocol number of a translated flow.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "icmp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// Supported reports whether the translator handles this protocol at all.
func (p Protocol) Supported() bool {
	return p == ProtocolICMP || p == ProtocolTCP || p == ProtocolUDP
}

// Endpoint is an address and port pair. For ICMP queries Port holds the
// query identifier.
type Endpoint struct {
	Addr IPv4
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Flow is the parsed header tuple handed to the translators.
type Flow struct {
	Proto    Protocol
	Src, Dst Endpoint
	TCPFlags uint8

	// ICMPError is set when the packet is an ICMP error message. Src and Dst
	// then describe the quoted packet reversed, so the tuple reads like the
	// flow the error belongs to as seen in the packet's own direction.
	ICMPError bool
}

func (f Flow) String() string {
	s := fmt.Sprintf("%s %s -> %s", f.Proto, f.Src, f.Dst)
	if f.ICMPError {
		s += " (icmp error)"
	}
	return s
}

// Direction tells which translator saw a packet.
type Direction uint8

const (
	DirEgress Direction = iota
	DirIngress
)

func (d Direction) String() string {
	if d == DirIngress {
		return "ingress"
	}
	return "egress"
}

// Verdict is the per-packet decision taken by a translator.
type Verdict uint8

const (
	// PassThrough leaves the packet untouched, it is not this NAT's traffic.
	PassThrough Verdict = iota
	// Forward means the packet was translated and must be sent on.
	Forward
	// Drop discards the packet.
	Drop
)

func (v Verdict) String() string {
	switch v {
	case PassThrough:
		return "pass"
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Result is what a translator returns for a Flow. Rewrite is the new source
// endpoint for egress and the new destination endpoint for ingress, and is
// only meaningful when Verdict is Forward.
type Result struct {
	Verdict Verdict
	Rewrite Endpoint
	Mark    uint32
	Err     error
}

// MappingKey identifies a mapping by its internal endpoint.
type MappingKey struct {
	Proto    Protocol
	Internal Endpoint
}

// ExternalKey identifies a mapping by its external port.
type ExternalKey struct {
	Proto Protocol
	Port  uint16
}

// ConnKey identifies a tracked flow.
type ConnKey struct {
	Proto    Protocol
	Internal Endpoint
	Remote   Endpoint
}

func (k ConnKey) mappingKey() MappingKey {
	return MappingKey{Proto: k.Proto, Internal: k.Internal}
}

func (k ConnKey) String() string {
	return fmt.Sprintf("%s %s <-> %s", k.Proto, k.Internal, k.Remote)
}
