// Package nfhook attaches conenat translators to a network interface with
// nftables rules feeding NFQUEUE, and discovers interfaces over rtnetlink.
package nfhook

import (
	"github.com/KarpelesLab/conenat"
	"github.com/sirupsen/logrus"
)

// Handler translates a raw IPv4 datagram in place.
type Handler func(pkt []byte) conenat.Verdict

// Config describes one direction of an interface hook.
type Config struct {
	Interface string
	Queue     uint16
	Direction conenat.Direction
	Handler   Handler
	// Mark returns the conntrack mark set on translated packets, zero for none.
	Mark   func() uint32
	Logger *logrus.Logger
}

// Interface is a resolved network interface.
type Interface struct {
	Name  string
	Index int
	Addr  conenat.IPv4
	Up    bool
}

// Hooks builds the ingress and egress queues of n on iface.
func Hooks(n *conenat.NAT, iface string, ingressQueue, egressQueue uint16) (ingress, egress *Queue) {
	mark := n.Control().Mark
	ingress = NewQueue(Config{
		Interface: iface,
		Queue:     ingressQueue,
		Direction: conenat.DirIngress,
		Handler:   n.HandleIngressPacket,
		Mark:      mark,
		Logger:    n.Logger(),
	})
	egress = NewQueue(Config{
		Interface: iface,
		Queue:     egressQueue,
		Direction: conenat.DirEgress,
		Handler:   n.HandleEgressPacket,
		Mark:      mark,
		Logger:    n.Logger(),
	})
	return ingress, egress
}
