package conenat

import (
	"fmt"
	"net"
	"net/netip"
)

// String returns the string representation of an IPv4 address
func (ip IPv4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

// Equal checks if two IPv4 addresses are equal
func (ip IPv4) Equal(other IPv4) bool {
	return ip == other
}

// IsZero checks if the IPv4 address is zero
func (ip IPv4) IsZero() bool {
	return ip == IPv4{}
}

// Addr converts to a netip.Addr.
func (ip IPv4) Addr() netip.Addr {
	return netip.AddrFrom4(ip)
}

// IPv4From converts a netip.Addr, unmapping IPv4-in-IPv6 forms.
func IPv4From(addr netip.Addr) (IPv4, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return IPv4{}, false
	}
	return addr.As4(), true
}

// ParseIPv4 parses a string representation of an IPv4 address
func ParseIPv4(s string) (IPv4, error) {
	netIP := net.ParseIP(s)
	if netIP == nil {
		return IPv4{}, fmt.Errorf("invalid IP address: %s", s)
	}

	ipv4 := netIP.To4()
	if ipv4 == nil {
		return IPv4{}, fmt.Errorf("not an IPv4 address: %s", s)
	}

	var ip IPv4
	copy(ip[:], ipv4)
	return ip, nil
}

// MustParseIPv4 is like ParseIPv4 but panics on error. Meant for tests and
// static tables.
func MustParseIPv4(s string) IPv4 {
	ip, err := ParseIPv4(s)
	if err != nil {
		panic(err)
	}
	return ip
}
