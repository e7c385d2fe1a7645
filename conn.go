package conenat

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// ConnState is the coarse TCP state of a connection. Other protocols stay
// in ConnNone.
type ConnState uint32

const (
	ConnNone ConnState = iota
	ConnEmbryonic
	ConnEstablished
	ConnClosing
)

func (s ConnState) String() string {
	switch s {
	case ConnNone:
		return "none"
	case ConnEmbryonic:
		return "embryonic"
	case ConnEstablished:
		return "established"
	case ConnClosing:
		return "closing"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// TimeoutClass groups protocols by how long idle flows are kept.
type TimeoutClass uint8

const (
	TimeoutShort TimeoutClass = iota // UDP, ICMP
	TimeoutLong                      // TCP
)

func timeoutClass(p Protocol) TimeoutClass {
	if p == ProtocolTCP {
		return TimeoutLong
	}
	return TimeoutShort
}

// Connection is one tracked flow. It refers to its mapping by key and
// generation, never by pointer.
type Connection struct {
	key     ConnKey
	mapping MappingRef
	created int64

	lastSeen    atomic.Int64
	state       atomic.Uint32
	inboundOnly atomic.Bool
	sawOut      atomic.Bool
	sawIn       atomic.Bool
	finOut      atomic.Bool
	finIn       atomic.Bool
	teardown    atomic.Bool
}

func newConnection(key ConnKey, dir Direction, m *Mapping, flags uint8, now int64) *Connection {
	c := &Connection{key: key, mapping: m.Ref(), created: now}
	c.inboundOnly.Store(dir == DirIngress)
	if key.Proto == ProtocolTCP {
		if flags&(TCPFlagSYN|TCPFlagACK) == TCPFlagSYN {
			c.state.Store(uint32(ConnEmbryonic))
		} else {
			// picked up mid-stream
			c.state.Store(uint32(ConnEstablished))
		}
	}
	c.observe(dir, flags, now)
	return c
}

func (c *Connection) Key() ConnKey          { return c.key }
func (c *Connection) Mapping() MappingRef   { return c.mapping }
func (c *Connection) State() ConnState      { return ConnState(c.state.Load()) }
func (c *Connection) Class() TimeoutClass   { return timeoutClass(c.key.Proto) }
func (c *Connection) InboundOnly() bool     { return c.inboundOnly.Load() }
func (c *Connection) TeardownPending() bool { return c.teardown.Load() }
func (c *Connection) Created() time.Time    { return time.Unix(0, c.created) }
func (c *Connection) LastSeen() time.Time   { return time.Unix(0, c.lastSeen.Load()) }
func (c *Connection) lastSeenNano() int64   { return c.lastSeen.Load() }
func (c *Connection) String() string        { return c.key.String() }

// advance moves the TCP state forward, never back.
func (c *Connection) advance(to ConnState) {
	for {
		cur := c.state.Load()
		if cur >= uint32(to) || c.state.CompareAndSwap(cur, uint32(to)) {
			return
		}
	}
}

// observe refreshes last-seen and folds TCP flags into the state.
func (c *Connection) observe(dir Direction, flags uint8, now int64) {
	if c.lastSeen.Load() < now {
		c.lastSeen.Store(now)
	}
	if c.key.Proto == ProtocolTCP && flags&(TCPFlagSYN|TCPFlagACK) == TCPFlagSYN && c.closing() {
		c.reopen()
	}
	if dir == DirEgress {
		c.sawOut.Store(true)
	} else {
		c.sawIn.Store(true)
	}
	if c.key.Proto != ProtocolTCP {
		return
	}
	switch {
	case flags&TCPFlagRST != 0:
		c.teardown.Store(true)
	case flags&TCPFlagFIN != 0:
		if dir == DirEgress {
			c.finOut.Store(true)
		} else {
			c.finIn.Store(true)
		}
		c.advance(ConnClosing)
		if c.finOut.Load() && c.finIn.Load() {
			c.teardown.Store(true)
		}
	case c.sawOut.Load() && c.sawIn.Load():
		c.advance(ConnEstablished)
	}
}

func (c *Connection) closing() bool {
	return c.teardown.Load() || c.State() == ConnClosing
}

// reopen recycles a closed or reset connection for a new handshake on the
// same tuple.
func (c *Connection) reopen() {
	c.teardown.Store(false)
	c.finOut.Store(false)
	c.finIn.Store(false)
	c.sawOut.Store(false)
	c.sawIn.Store(false)
	c.state.Store(uint32(ConnEmbryonic))
}

// Timeout is the idle time after which the connection expires.
func (c *Connection) Timeout(to *Timeouts) time.Duration {
	if c.InboundOnly() {
		return to.InboundOnly
	}
	switch c.key.Proto {
	case ProtocolUDP:
		return to.UDP
	case ProtocolICMP:
		return to.ICMP
	}
	switch c.State() {
	case ConnEmbryonic:
		return to.TCPEmbryonic
	case ConnClosing:
		return to.TCPClosing
	}
	return to.TCPEstablished
}

// Expired reports whether the collector should evict the connection.
func (c *Connection) Expired(now time.Time, to *Timeouts) bool {
	if c.TeardownPending() {
		return true
	}
	return now.UnixNano()-c.lastSeenNano() >= int64(c.Timeout(to))
}

// ConnTable owns every tracked connection.
type ConnTable struct {
	conns    *xsync.MapOf[ConnKey, *Connection]
	hosts    *xsync.MapOf[IPv4, int32]
	perHost  int
	mappings *MappingTable
	clock    clock.Clock
	log      *logrus.Entry
}

// NewConnTable returns an empty table. perHost caps the connections tracked
// for one internal address, zero means no cap.
func NewConnTable(mappings *MappingTable, perHost int, clk clock.Clock, log *logrus.Entry) *ConnTable {
	return &ConnTable{
		conns:    xsync.NewMapOf[ConnKey, *Connection](),
		hosts:    xsync.NewMapOf[IPv4, int32](),
		perHost:  perHost,
		mappings: mappings,
		clock:    clk,
		log:      log.WithField("component", "conntrack"),
	}
}

// reserve takes one of host's connection slots.
func (t *ConnTable) reserve(host IPv4) bool {
	if t.perHost <= 0 {
		return true
	}
	ok := false
	t.hosts.Compute(host, func(n int32, _ bool) (int32, bool) {
		if int(n) >= t.perHost {
			return n, false
		}
		ok = true
		return n + 1, false
	})
	return ok
}

func (t *ConnTable) unreserve(host IPv4) {
	if t.perHost <= 0 {
		return
	}
	t.hosts.Compute(host, func(n int32, loaded bool) (int32, bool) {
		return n - 1, !loaded || n <= 1
	})
}

// HostConnections is the number of connections counted against host's cap.
// It stays zero when there is no cap.
func (t *ConnTable) HostConnections(host IPv4) int {
	n, _ := t.hosts.Load(host)
	return int(n)
}

// TouchOrCreate refreshes the connection of key, creating it bound to m on
// first sight. A connection created by ingress traffic stays inbound-only
// until the first egress packet promotes it, which also makes the mapping
// live and registers the remote as a permitted peer.
//
// The Gate must be entered: creation and promotion are structural.
func (t *ConnTable) TouchOrCreate(key ConnKey, dir Direction, m *Mapping, flags uint8) (*Connection, error) {
	if m == nil {
		return nil, errNoMapping
	}
	if m.evicted.Load() {
		return nil, fmt.Errorf("%w: %s", ErrStaleReference, m)
	}
	now := t.clock.Now().UnixNano()

	created, refused := false, false
	c, _ := t.conns.LoadOrTryCompute(key, func() (*Connection, bool) {
		if !t.reserve(key.Internal.Addr) {
			refused = true
			return nil, true
		}
		created = true
		return newConnection(key, dir, m, flags, now), false
	})
	if refused {
		return nil, fmt.Errorf("%w: %s tracks %d connections", ErrConnLimit, key.Internal.Addr, t.perHost)
	}
	if created {
		m.refs.Add(1)
		if dir == DirEgress {
			m.activate(key.Remote.Addr)
		}
		m.touch(now)
		if t.log.Logger.IsLevelEnabled(logrus.TraceLevel) {
			t.log.WithFields(logrus.Fields{
				"conn": key,
				"dir":  dir,
				"port": m.port,
			}).Trace("connection created")
		}
		return c, nil
	}

	if c.mapping != m.Ref() {
		cur, err := t.mappings.Resolve(c.mapping)
		if err != nil {
			return nil, err
		}
		m = cur
	}
	c.observe(dir, flags, now)
	if dir == DirEgress && c.inboundOnly.CompareAndSwap(true, false) {
		m.activate(key.Remote.Addr)
		t.log.WithField("conn", key).Trace("connection promoted")
	}
	m.touch(now)
	return c, nil
}

// MarkTeardown flags a connection for eviction on the next sweep.
func (t *ConnTable) MarkTeardown(key ConnKey) bool {
	c, ok := t.conns.Load(key)
	if ok {
		c.teardown.Store(true)
	}
	return ok
}

func (t *ConnTable) Lookup(key ConnKey) (*Connection, bool) {
	return t.conns.Load(key)
}

func (t *ConnTable) Len() int { return t.conns.Size() }

func (t *ConnTable) Range(fn func(c *Connection) bool) {
	t.conns.Range(func(_ ConnKey, c *Connection) bool {
		return fn(c)
	})
}

// remove deletes c if it is still the entry for its key. The Gate must be
// paused.
func (t *ConnTable) remove(c *Connection) bool {
	removed := false
	t.conns.Compute(c.key, func(cur *Connection, loaded bool) (*Connection, bool) {
		if loaded && cur == c {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if removed {
		t.unreserve(c.key.Internal.Addr)
	}
	return removed
}
