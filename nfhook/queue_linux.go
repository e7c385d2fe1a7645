//go:build linux

package nfhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KarpelesLab/conenat"
	nfqueue "github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/mdlayher/netlink"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// verdictSetter is the part of the queue socket the packet callback
// answers through.
type verdictSetter interface {
	SetVerdict(id uint32, verdict int) error
	SetVerdictModPacket(id uint32, verdict int, packet []byte) error
	SetVerdictModPacketWithConnMark(id uint32, verdict, mark int, packet []byte) error
}

var _ verdictSetter = (*nfqueue.Nfqueue)(nil)

// Queue diverts one direction of an interface's traffic into an NFQUEUE
// and hands every packet to a translator. It implements conenat.Hook.
type Queue struct {
	cfg Config
	log *logrus.Entry

	nf     *nfqueue.Nfqueue
	out    verdictSetter
	conn   *nftables.Conn
	table  *nftables.Table
	chain  *nftables.Chain
	cancel context.CancelFunc
}

func NewQueue(cfg Config) *Queue {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Queue{
		cfg: cfg,
		log: cfg.Logger.WithFields(logrus.Fields{
			"component": "nfhook",
			"hook":      cfg.Direction.String(),
			"queue":     cfg.Queue,
		}),
	}
}

func (q *Queue) tableName() string {
	return "conenat_" + q.cfg.Direction.String()
}

// chainPlacement returns where the translate chain of dir hooks in.
//
// Ingress runs at raw priority, before conntrack, so conntrack only ever
// sees the internal destination. No conntrack entry exists there yet, so
// the mark is only set by egress verdicts: a connection is marked by its
// first translated outbound packet and inbound packets share that entry.
func chainPlacement(dir conenat.Direction) (*nftables.ChainHook, *nftables.ChainPriority) {
	if dir == conenat.DirIngress {
		return nftables.ChainHookPrerouting, nftables.ChainPriorityRaw
	}
	return nftables.ChainHookPostrouting, nftables.ChainPriorityNATSource
}

// Create opens the queue socket and installs an empty base chain.
func (q *Queue) Create() error {
	nf, err := nfqueue.Open(&nfqueue.Config{
		NfQueue:      q.cfg.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  0xFFFF,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("open queue %d: %w", q.cfg.Queue, err)
	}
	if err := nf.SetOption(netlink.NoENOBUFS, true); err != nil {
		nf.Close()
		return fmt.Errorf("set %v: %w", netlink.NoENOBUFS, err)
	}

	c := &nftables.Conn{}
	table := c.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   q.tableName(),
	})
	hook, prio := chainPlacement(q.cfg.Direction)
	chain := c.AddChain(&nftables.Chain{
		Name:     "translate",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  hook,
		Priority: prio,
	})
	if err := c.Flush(); err != nil {
		nf.Close()
		return fmt.Errorf("create table %s: %w", q.tableName(), err)
	}

	q.nf, q.out, q.conn, q.table, q.chain = nf, nf, c, table, chain
	q.log.Debug("queue created")
	return nil
}

// Attach starts consuming the queue, then adds the rules that feed it.
func (q *Queue) Attach() error {
	if q.nf == nil {
		return errors.New("queue not created")
	}
	ctx, cancel := context.WithCancel(context.Background())
	if err := q.nf.RegisterWithErrorFunc(ctx, q.handle, q.handleError); err != nil {
		cancel()
		return fmt.Errorf("register queue %d: %w", q.cfg.Queue, err)
	}
	q.cancel = cancel

	key := expr.MetaKeyOIFNAME
	if q.cfg.Direction == conenat.DirIngress {
		key = expr.MetaKeyIIFNAME
	}
	for _, proto := range []byte{unix.IPPROTO_TCP, unix.IPPROTO_UDP, unix.IPPROTO_ICMP} {
		q.conn.AddRule(&nftables.Rule{
			Table: q.table,
			Chain: q.chain,
			Exprs: []expr.Any{
				&expr.Meta{Key: key, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(q.cfg.Interface)},
				&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
				&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
				&expr.Queue{Num: q.cfg.Queue, Flag: expr.QueueFlagBypass},
			},
		})
	}
	if err := q.conn.Flush(); err != nil {
		cancel()
		q.cancel = nil
		return fmt.Errorf("add rules: %w", err)
	}
	q.log.WithField("interface", q.cfg.Interface).Info("queue attached")
	return nil
}

// Detach removes the rules so no more packets are queued, then stops the
// consumer.
func (q *Queue) Detach() error {
	var err error
	if q.conn != nil {
		q.conn.FlushChain(q.chain)
		err = q.conn.Flush()
	}
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	return err
}

// Destroy deletes the table and closes the socket.
func (q *Queue) Destroy() error {
	var err error
	if q.conn != nil {
		q.conn.DelTable(q.table)
		err = multierr.Append(err, q.conn.Flush())
		q.conn = nil
	}
	if q.nf != nil {
		err = multierr.Append(err, q.nf.Close())
		q.nf, q.out = nil, nil
	}
	return err
}

func (q *Queue) handle(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Payload == nil {
		q.setVerdict(id, nfqueue.NfAccept, nil, 0)
		return 0
	}
	pkt := *a.Payload
	verdict, altered, mark := q.decide(pkt)
	if !altered {
		pkt = nil
	}
	q.setVerdict(id, verdict, pkt, mark)
	return 0
}

func (q *Queue) setVerdict(id uint32, verdict int, pkt []byte, mark uint32) {
	var err error
	switch {
	case pkt == nil:
		err = q.out.SetVerdict(id, verdict)
	case mark != 0:
		err = q.out.SetVerdictModPacketWithConnMark(id, verdict, int(mark), pkt)
	default:
		err = q.out.SetVerdictModPacket(id, verdict, pkt)
	}
	if err != nil {
		q.log.WithError(err).Warn("set verdict")
	}
}

// decide runs the translator on pkt and maps its verdict onto netfilter.
// A panicking translator lets the packet through untouched.
func (q *Queue) decide(pkt []byte) (verdict int, altered bool, mark uint32) {
	defer func() {
		if r := recover(); r != nil {
			q.log.WithField("panic", r).Error("translator panicked, packet passed through")
			verdict, altered, mark = nfqueue.NfAccept, false, 0
		}
	}()
	switch q.cfg.Handler(pkt) {
	case conenat.Forward:
		if q.cfg.Mark != nil && q.cfg.Direction == conenat.DirEgress {
			mark = q.cfg.Mark()
		}
		return nfqueue.NfAccept, true, mark
	case conenat.Drop:
		return nfqueue.NfDrop, false, 0
	}
	return nfqueue.NfAccept, false, 0
}

func (q *Queue) handleError(err error) int {
	q.log.WithError(err).Warn("queue receive")
	return 0
}

// ifname pads an interface name the way the kernel stores it.
func ifname(name string) []byte {
	b := make([]byte, unix.IFNAMSIZ)
	copy(b, name)
	return b
}
