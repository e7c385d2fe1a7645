//go:build linux

package nfhook

import (
	"errors"
	"fmt"

	"github.com/KarpelesLab/conenat"
	"github.com/vishvananda/netlink"
)

// LookupInterface resolves an interface by name, or by index when name is
// empty, along with its first IPv4 address.
func LookupInterface(name string, index int) (Interface, error) {
	var (
		link netlink.Link
		err  error
	)
	switch {
	case name != "":
		link, err = netlink.LinkByName(name)
	case index > 0:
		link, err = netlink.LinkByIndex(index)
	default:
		return Interface{}, errors.New("no interface name or index")
	}
	if err != nil {
		return Interface{}, fmt.Errorf("lookup interface %q/%d: %w", name, index, err)
	}

	attrs := link.Attrs()
	res := Interface{
		Name:  attrs.Name,
		Index: attrs.Index,
		Up:    attrs.OperState == netlink.OperUp || attrs.OperState == netlink.OperUnknown,
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return res, fmt.Errorf("list addresses of %s: %w", attrs.Name, err)
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			copy(res.Addr[:], ip4)
			return res, nil
		}
	}
	return res, fmt.Errorf("interface %s has no IPv4 address", attrs.Name)
}

var _ conenat.Hook = (*Queue)(nil)
