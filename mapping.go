package conenat

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
)

// MappingRef is a non-owning reference to a mapping. Gen tells apart two
// mappings that held the same key at different times.
type MappingRef struct {
	Key MappingKey
	Gen uint64
}

// Mapping binds an internal endpoint to an external port.
type Mapping struct {
	key  MappingKey
	port uint16
	gen  uint64
	mode FilteringMode

	refs       atomic.Int32 // tracked connections
	active     atomic.Int32 // tracked connections that carried outbound traffic
	lastActive atomic.Int64 // unix nanos
	idleSince  atomic.Int64 // unix nanos of the last release to zero refs
	evicted    atomic.Bool

	// remote address -> active connections to it
	peers *xsync.MapOf[IPv4, int32]
}

func (m *Mapping) Ref() MappingRef       { return MappingRef{Key: m.key, Gen: m.gen} }
func (m *Mapping) Key() MappingKey       { return m.key }
func (m *Mapping) ExternalPort() uint16  { return m.port }
func (m *Mapping) Generation() uint64    { return m.gen }
func (m *Mapping) Mode() FilteringMode   { return m.mode }
func (m *Mapping) Refs() int32           { return m.refs.Load() }
func (m *Mapping) Active() int32         { return m.active.Load() }
func (m *Mapping) LastActive() time.Time { return time.Unix(0, m.lastActive.Load()) }
func (m *Mapping) IdleSince() time.Time  { return time.Unix(0, m.idleSince.Load()) }

// HasPeer reports whether addr was contacted through a still tracked
// connection of this mapping.
func (m *Mapping) HasPeer(addr IPv4) bool {
	n, ok := m.peers.Load(addr)
	return ok && n > 0
}

// Peers lists the permitted remote addresses.
func (m *Mapping) Peers() []IPv4 {
	res := make([]IPv4, 0, m.peers.Size())
	m.peers.Range(func(addr IPv4, n int32) bool {
		if n > 0 {
			res = append(res, addr)
		}
		return true
	})
	return res
}

func (m *Mapping) touch(now int64) {
	if m.lastActive.Load() < now {
		m.lastActive.Store(now)
	}
}

// activate records that a connection to remote carried outbound traffic.
func (m *Mapping) activate(remote IPv4) {
	m.active.Add(1)
	m.peers.Compute(remote, func(n int32, _ bool) (int32, bool) {
		return n + 1, false
	})
}

func (m *Mapping) deactivate(remote IPv4) {
	m.active.Add(-1)
	m.peers.Compute(remote, func(n int32, _ bool) (int32, bool) {
		return n - 1, false
	})
}

// prunePeers drops peer entries no connection refers to anymore.
func (m *Mapping) prunePeers() (pruned int) {
	m.peers.Range(func(addr IPv4, n int32) bool {
		if n <= 0 {
			m.peers.Delete(addr)
			pruned++
		}
		return true
	})
	return pruned
}

func (m *Mapping) String() string {
	return fmt.Sprintf("%s -> :%d (gen %d)", m.key.Internal, m.port, m.gen)
}

// PortRange is an inclusive range of external ports.
type PortRange struct {
	Lo, Hi uint16
}

func (r PortRange) Contains(p uint16) bool { return p >= r.Lo && p <= r.Hi }
func (r PortRange) Size() int              { return int(r.Hi) - int(r.Lo) + 1 }

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Lo, r.Hi)
}

// portPool hands out the lowest free port of a range.
type portPool struct {
	rng  PortRange
	used []uint64
	hint int // no free slot below this index
	free int
}

func newPortPool(r PortRange) *portPool {
	n := r.Size()
	return &portPool{rng: r, used: make([]uint64, (n+63)/64), free: n}
}

func (p *portPool) isUsed(i int) bool { return p.used[i/64]&(1<<(i%64)) != 0 }

func (p *portPool) mark(i int) {
	p.used[i/64] |= 1 << (i % 64)
	p.free--
}

// take allocates preferred when it is inside the range and free, otherwise
// the lowest free port.
func (p *portPool) take(preferred uint16, usePreferred bool) (uint16, bool) {
	if p.free == 0 {
		return 0, false
	}
	if usePreferred && p.rng.Contains(preferred) {
		if i := int(preferred - p.rng.Lo); !p.isUsed(i) {
			p.mark(i)
			return preferred, true
		}
	}
	n := p.rng.Size()
	for w := p.hint / 64; w < len(p.used); w++ {
		if p.used[w] == ^uint64(0) {
			continue
		}
		i := w*64 + bits.TrailingZeros64(^p.used[w])
		if i >= n {
			break
		}
		p.mark(i)
		p.hint = i + 1
		return p.rng.Lo + uint16(i), true
	}
	return 0, false
}

func (p *portPool) put(port uint16) {
	i := int(port - p.rng.Lo)
	if !p.rng.Contains(port) || !p.isUsed(i) {
		return
	}
	p.used[i/64] &^= 1 << (i % 64)
	p.free++
	if i < p.hint {
		p.hint = i
	}
}

// MappingTable owns every mapping, indexed by internal endpoint and by
// external port. Lookups are lock free. Allocation is serialized per table
// and must run with the Gate entered, eviction only while it is paused.
type MappingTable struct {
	byInternal *xsync.MapOf[MappingKey, *Mapping]
	byExternal *xsync.MapOf[ExternalKey, *Mapping]

	allocMu  sync.Mutex
	pools    map[Protocol]*portPool
	preserve bool

	gen   atomic.Uint64
	ctl   *Control
	clock clock.Clock
	log   *logrus.Entry
}

func NewMappingTable(ports map[Protocol]PortRange, preserve bool, ctl *Control, clk clock.Clock, log *logrus.Entry) *MappingTable {
	t := &MappingTable{
		byInternal: xsync.NewMapOf[MappingKey, *Mapping](),
		byExternal: xsync.NewMapOf[ExternalKey, *Mapping](),
		pools:      make(map[Protocol]*portPool, len(ports)),
		preserve:   preserve,
		ctl:        ctl,
		clock:      clk,
		log:        log.WithField("component", "mapping"),
	}
	for proto, r := range ports {
		t.pools[proto] = newPortPool(r)
	}
	return t
}

// AllocateOrGet returns the mapping of key, allocating the lowest free
// external port when there is none.
func (t *MappingTable) AllocateOrGet(key MappingKey) (*Mapping, error) {
	return t.allocate(key, t.preserve)
}

// allocate is AllocateOrGet with the port preference chosen by the caller:
// with preserve the internal port is tried first.
func (t *MappingTable) allocate(key MappingKey, preserve bool) (*Mapping, error) {
	if m, ok := t.byInternal.Load(key); ok {
		return m, nil
	}

	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	if m, ok := t.byInternal.Load(key); ok {
		return m, nil
	}
	pool, ok := t.pools[key.Proto]
	if !ok {
		return nil, fmt.Errorf("%w: no port range for %s", ErrPortExhaustion, key.Proto)
	}
	port, ok := pool.take(key.Internal.Port, preserve)
	if !ok {
		return nil, fmt.Errorf("%w: %s range %s full", ErrPortExhaustion, key.Proto, pool.rng)
	}

	m := &Mapping{
		key:   key,
		port:  port,
		gen:   t.gen.Add(1),
		mode:  t.ctl.Mode(),
		peers: xsync.NewMapOf[IPv4, int32](),
	}
	now := t.clock.Now().UnixNano()
	m.lastActive.Store(now)
	m.idleSince.Store(now)
	t.byExternal.Store(ExternalKey{Proto: key.Proto, Port: port}, m)
	t.byInternal.Store(key, m)

	t.log.WithFields(logrus.Fields{
		"internal": key.Internal,
		"proto":    key.Proto,
		"port":     port,
		"gen":      m.gen,
	}).Debug("mapping allocated")
	return m, nil
}

func (t *MappingTable) Lookup(key MappingKey) (*Mapping, bool) {
	return t.byInternal.Load(key)
}

func (t *MappingTable) LookupByExternal(port uint16, proto Protocol) (*Mapping, bool) {
	return t.byExternal.Load(ExternalKey{Proto: proto, Port: port})
}

// Resolve turns a reference back into its mapping, failing with
// ErrStaleReference when the mapping was evicted since.
func (t *MappingTable) Resolve(ref MappingRef) (*Mapping, error) {
	m, ok := t.byInternal.Load(ref.Key)
	if !ok || m.gen != ref.Gen {
		return nil, fmt.Errorf("%w: %s gen %d", ErrStaleReference, ref.Key.Internal, ref.Gen)
	}
	return m, nil
}

// Release drops one connection reference. The mapping stays in the table;
// only the collector evicts, once the grace period counted from the last
// release has passed.
func (t *MappingTable) Release(ref MappingRef) error {
	m, err := t.Resolve(ref)
	if err != nil {
		return err
	}
	if n := m.refs.Add(-1); n < 0 {
		m.refs.Add(1)
		return fmt.Errorf("%w: mapping %s released below zero", errIntegrity, m)
	} else if n == 0 {
		m.idleSince.Store(t.clock.Now().UnixNano())
	}
	return nil
}

func (t *MappingTable) Len() int { return t.byInternal.Size() }

// Generation is the number of allocations made so far.
func (t *MappingTable) Generation() uint64 { return t.gen.Load() }

func (t *MappingTable) Range(fn func(m *Mapping) bool) {
	t.byInternal.Range(func(_ MappingKey, m *Mapping) bool {
		return fn(m)
	})
}

// evict removes an unreferenced mapping and frees its port. The Gate must
// be paused.
func (t *MappingTable) evict(m *Mapping) bool {
	if m.refs.Load() != 0 {
		return false
	}
	t.allocMu.Lock()
	defer t.allocMu.Unlock()

	removed := false
	t.byInternal.Compute(m.key, func(cur *Mapping, loaded bool) (*Mapping, bool) {
		if loaded && cur == m {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if !removed {
		return false
	}
	t.byExternal.Compute(ExternalKey{Proto: m.key.Proto, Port: m.port}, func(cur *Mapping, loaded bool) (*Mapping, bool) {
		if loaded && cur == m {
			return nil, true
		}
		return cur, !loaded
	})
	m.evicted.Store(true)
	if pool, ok := t.pools[m.key.Proto]; ok {
		pool.put(m.port)
	}
	t.log.WithFields(logrus.Fields{
		"internal": m.key.Internal,
		"proto":    m.key.Proto,
		"port":     m.port,
	}).Debug("mapping evicted")
	return true
}
