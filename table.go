package conenat

import (
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// NAT is a full cone / address-restricted cone translator for one external
// address. Egress and Ingress are safe for concurrent use.
type NAT struct {
	cfg Config
	ext IPv4

	ctl       *Control
	clock     clock.Clock
	log       *logrus.Entry
	mappings  *MappingTable
	conns     *ConnTable
	collector *Collector
	metrics   *Metrics
	warn      *rateLog

	closed atomic.Bool
}

type options struct {
	clock   clock.Clock
	logger  *logrus.Logger
	metrics *Metrics
}

type Option func(*options)

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithLogger(l *logrus.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// New validates cfg and builds a NAT from it.
func New(cfg *Config, opts ...Option) (*NAT, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = NewLogger(cfg.LogLevel, os.Stderr)
	}
	if o.metrics == nil {
		o.metrics = NewMetrics(nil)
	}
	mode, _ := ParseFilteringMode(cfg.Mode)

	n := &NAT{
		cfg:     *cfg,
		ext:     cfg.external,
		ctl:     NewControl(mode, cfg.CTMark, o.logger),
		clock:   o.clock,
		log:     logrus.NewEntry(o.logger),
		metrics: o.metrics,
	}
	n.mappings = NewMappingTable(cfg.Ports.byProto(), cfg.PreservePort, n.ctl, n.clock, n.log)
	n.conns = NewConnTable(n.mappings, cfg.MaxConnsPerHost, n.clock, n.log)
	n.collector = NewCollector(n.mappings, n.conns, n.ctl.Gate(), cfg, n.clock, n.metrics, n.log)
	n.warn = newRateLog(n.log.WithField("component", "translator"))

	n.log.WithFields(logrus.Fields{
		"external": n.ext,
		"mode":     mode,
		"mark":     cfg.CTMark,
	}).Info("nat ready")
	return n, nil
}

func (n *NAT) ExternalAddress() IPv4   { return n.ext }
func (n *NAT) Control() *Control       { return n.ctl }
func (n *NAT) Mappings() *MappingTable { return n.mappings }
func (n *NAT) Connections() *ConnTable { return n.conns }
func (n *NAT) Collector() *Collector   { return n.collector }
func (n *NAT) Metrics() *Metrics       { return n.metrics }
func (n *NAT) Logger() *logrus.Logger  { return n.ctl.logger }
func (n *NAT) Closed() bool            { return n.closed.Load() }
func (n *NAT) exempted(addr IPv4) bool { return inPrefixes(n.cfg.exempt, addr) }
func (n *NAT) inRange(f Flow) bool     { return n.cfg.Ports.get(f.Proto).Contains(f.Dst.Port) }
func (n *NAT) forward(ep Endpoint) Result {
	return Result{Verdict: Forward, Rewrite: ep, Mark: n.ctl.Mark()}
}

func inPrefixes(prefixes []netip.Prefix, addr IPv4) bool {
	if len(prefixes) == 0 {
		return false
	}
	a := addr.Addr()
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}

// HandleEgressPacket translates an outbound IPv4 datagram in place.
func (n *NAT) HandleEgressPacket(b []byte) Verdict {
	p, err := parsePacket(b)
	if err != nil {
		if n.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			n.log.WithError(err).Trace("egress packet not translated")
		}
		n.metrics.packet(DirEgress, PassThrough)
		return PassThrough
	}
	res := n.Egress(p.flow)
	if res.Verdict == Forward {
		p.rewriteSource(b, res.Rewrite)
	}
	return res.Verdict
}

// HandleIngressPacket translates an inbound IPv4 datagram in place.
func (n *NAT) HandleIngressPacket(b []byte) Verdict {
	p, err := parsePacket(b)
	if err != nil {
		if n.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			n.log.WithError(err).Trace("ingress packet not translated")
		}
		n.metrics.packet(DirIngress, PassThrough)
		return PassThrough
	}
	res := n.Ingress(p.flow)
	if res.Verdict == Forward {
		p.rewriteDest(b, res.Rewrite)
	}
	return res.Verdict
}

// mutate runs fn with the gate entered, retrying while the collector holds
// the tables.
func (n *NAT) mutate(fn func() error) error {
	gate := n.ctl.Gate()
	for i := 0; ; i++ {
		err := gate.Enter()
		if err == nil {
			break
		}
		if i >= n.cfg.BusyRetries {
			return err
		}
		time.Sleep(n.cfg.BusyBackoff)
	}
	defer gate.Exit()
	return fn()
}

// Shutdown stops translating. Packets seen afterwards pass through
// untouched.
func (n *NAT) Shutdown() {
	if n.closed.CompareAndSwap(false, true) {
		n.log.Info("nat shut down")
	}
}
