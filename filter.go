package conenat

import "fmt"

// FilteringMode selects how inbound traffic to a mapping is admitted.
type FilteringMode uint8

const (
	// EndpointIndependent admits any remote once the mapping is live (full cone).
	EndpointIndependent FilteringMode = 1
	// AddressDependent admits only remote addresses the internal endpoint has
	// contacted, from any port (address-restricted cone).
	AddressDependent FilteringMode = 2
)

func ParseFilteringMode(v int) (FilteringMode, error) {
	switch FilteringMode(v) {
	case EndpointIndependent, AddressDependent:
		return FilteringMode(v), nil
	}
	return 0, fmt.Errorf("%w: filtering mode %d (want 1 or 2)", ErrInvalidConfig, v)
}

func (m FilteringMode) String() string {
	switch m {
	case EndpointIndependent:
		return "endpoint-independent"
	case AddressDependent:
		return "address-dependent"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

type Decision bool

const (
	Deny  Decision = false
	Allow Decision = true
)

func (d Decision) String() string {
	if d {
		return "allow"
	}
	return "deny"
}

// Admit decides whether an inbound packet from remote may use m. A mapping
// is live once one of its tracked connections has carried outbound traffic;
// a mapping idling through its grace period admits nothing.
func Admit(remote IPv4, m *Mapping) Decision {
	if m == nil || m.Active() <= 0 {
		return Deny
	}
	switch m.Mode() {
	case EndpointIndependent:
		return Allow
	case AddressDependent:
		return Decision(m.HasPeer(remote))
	}
	return Deny
}
