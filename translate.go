package conenat

import (
	"errors"

	"github.com/sirupsen/logrus"
)

var passThrough = Result{Verdict: PassThrough}

// connKey builds the tracking key of a flow. ICMP queries are matched by
// identifier only, so the remote side carries no port.
func connKey(proto Protocol, internal, remote Endpoint) ConnKey {
	if proto == ProtocolICMP {
		remote.Port = 0
	}
	return ConnKey{Proto: proto, Internal: internal, Remote: remote}
}

// Egress translates an outbound flow: the source becomes the external
// address and the mapping's external port. It is the only place mappings
// are created and peers are permitted.
func (n *NAT) Egress(f Flow) (res Result) {
	defer func() { n.metrics.packet(DirEgress, res.Verdict) }()

	if n.closed.Load() {
		return Result{Verdict: PassThrough, Err: ErrClosed}
	}
	if !f.Proto.Supported() || n.exempted(f.Dst.Addr) {
		return passThrough
	}
	// Sockets of the NAT host itself are bound like any internal endpoint
	// when their port lies in the translated range, so replies to them are
	// never taken for another mapping's traffic.
	local := f.Src.Addr == n.ext
	if local && !n.cfg.Ports.get(f.Proto).Contains(f.Src.Port) {
		return passThrough
	}
	if f.ICMPError {
		return n.egressICMPError(f)
	}

	ck := connKey(f.Proto, f.Src, f.Dst)
	now := n.clock.Now().UnixNano()
	if c, ok := n.conns.Lookup(ck); ok && !c.InboundOnly() {
		m, err := n.mappings.Resolve(c.Mapping())
		if err == nil {
			c.observe(DirEgress, f.TCPFlags, now)
			m.touch(now)
			return n.forward(Endpoint{Addr: n.ext, Port: m.port})
		}
		n.metrics.StaleRefs.Inc()
	}

	var m *Mapping
	err := n.mutate(func() error {
		var err error
		m, err = n.mappings.allocate(MappingKey{Proto: f.Proto, Internal: f.Src}, local || n.cfg.PreservePort)
		if err != nil {
			return err
		}
		_, err = n.conns.TouchOrCreate(ck, DirEgress, m, f.TCPFlags)
		return err
	})
	if err != nil {
		return n.drop(err, f, DirEgress)
	}
	if n.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
		n.log.WithFields(logrus.Fields{"flow": f, "port": m.port}).Trace("egress")
	}
	return n.forward(Endpoint{Addr: n.ext, Port: m.port})
}

// egressICMPError handles an error sent by an internal host about inbound
// traffic it received. It never creates state.
func (n *NAT) egressICMPError(f Flow) Result {
	m, ok := n.mappings.Lookup(MappingKey{Proto: f.Proto, Internal: f.Src})
	if !ok {
		if f.Src.Addr == n.ext {
			// the host's own error about traffic no mapping owns
			return passThrough
		}
		return n.drop(errNoMapping, f, DirEgress)
	}
	if _, ok := n.conns.Lookup(connKey(f.Proto, f.Src, f.Dst)); !ok {
		return n.drop(errNoConn, f, DirEgress)
	}
	return n.forward(Endpoint{Addr: n.ext, Port: m.port})
}

// Ingress translates an inbound flow addressed to a mapping's external
// port back to its internal endpoint. Traffic the filter refuses, or that
// matches no mapping, passes through untranslated.
func (n *NAT) Ingress(f Flow) (res Result) {
	defer func() { n.metrics.packet(DirIngress, res.Verdict) }()

	if n.closed.Load() {
		return Result{Verdict: PassThrough, Err: ErrClosed}
	}
	if !f.Proto.Supported() || f.Dst.Addr != n.ext || n.exempted(f.Src.Addr) || !n.inRange(f) {
		return passThrough
	}
	return n.ingress(f, true)
}

func (n *NAT) ingress(f Flow, retry bool) Result {
	m, ok := n.mappings.LookupByExternal(f.Dst.Port, f.Proto)
	if !ok {
		return passThrough
	}
	ck := connKey(f.Proto, m.key.Internal, f.Src)
	if f.ICMPError {
		if c, ok := n.conns.Lookup(ck); !ok || c.Mapping() != m.Ref() {
			return n.drop(errNoConn, f, DirIngress)
		}
		return n.forward(m.key.Internal)
	}
	if Admit(f.Src.Addr, m) == Deny {
		if n.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			n.log.WithField("flow", f).Trace("ingress denied by filter")
		}
		return passThrough
	}

	now := n.clock.Now().UnixNano()
	if c, ok := n.conns.Lookup(ck); ok && c.Mapping() == m.Ref() {
		c.observe(DirIngress, f.TCPFlags, now)
		m.touch(now)
		return n.forward(m.key.Internal)
	}

	err := n.mutate(func() error {
		_, err := n.conns.TouchOrCreate(ck, DirIngress, m, f.TCPFlags)
		return err
	})
	switch {
	case err == nil:
		return n.forward(m.key.Internal)
	case errors.Is(err, ErrStaleReference) && retry:
		// evicted between lookup and gate, the port may have a new owner
		n.metrics.StaleRefs.Inc()
		return n.ingress(f, false)
	}
	return n.drop(err, f, DirIngress)
}

func (n *NAT) drop(err error, f Flow, dir Direction) Result {
	switch {
	case errors.Is(err, ErrPortExhaustion):
		n.metrics.PortExhaustion.Inc()
	case errors.Is(err, ErrConnLimit):
		n.metrics.ConnLimit.Inc()
	case errors.Is(err, ErrBusy):
		n.metrics.Busy.Inc()
	case errors.Is(err, ErrStaleReference):
		n.metrics.StaleRefs.Inc()
	}
	n.warn.Warn(err, f, dir)
	return Result{Verdict: Drop, Err: err}
}
