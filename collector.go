package conenat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// SweepStats summarizes one collector pass.
type SweepStats struct {
	Connections int // connections evicted
	Mappings    int // mappings evicted
	Peers       int // permitted peers pruned
	Skipped     bool
	Duration    time.Duration
}

// Collector expires idle connections and unreferenced mappings. It is the
// only component that removes entries from the tables.
type Collector struct {
	mappings *MappingTable
	conns    *ConnTable
	gate     *Gate
	clock    clock.Clock
	metrics  *Metrics
	log      *logrus.Entry

	timeouts Timeouts
	grace    time.Duration
	interval time.Duration
	quiesce  time.Duration
}

func NewCollector(mappings *MappingTable, conns *ConnTable, gate *Gate, cfg *Config, clk clock.Clock, metrics *Metrics, log *logrus.Entry) *Collector {
	return &Collector{
		mappings: mappings,
		conns:    conns,
		gate:     gate,
		clock:    clk,
		metrics:  metrics,
		log:      log.WithField("component", "collector"),
		timeouts: cfg.Timeouts,
		grace:    cfg.GracePeriod,
		interval: cfg.SweepInterval,
		quiesce:  cfg.QuiesceTimeout,
	}
}

// Run sweeps every interval until ctx ends or a sweep fails fatally.
// Skipped sweeps are retried on the next tick.
func (c *Collector) Run(ctx context.Context) error {
	t := c.clock.Ticker(c.interval)
	defer t.Stop()

	c.log.WithField("interval", c.interval).Debug("collector started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		stats, err := c.Sweep(ctx)
		switch {
		case err == nil:
			if stats.Connections+stats.Mappings > 0 {
				c.log.WithFields(logrus.Fields{
					"connections": stats.Connections,
					"mappings":    stats.Mappings,
					"peers":       stats.Peers,
				}).Debug("sweep")
			}
		case errors.Is(err, ErrFatal):
			c.log.WithError(err).Error("collector stopped")
			return err
		case ctx.Err() != nil:
			return nil
		default:
			c.log.WithError(err).Warn("sweep skipped")
		}
	}
}

// Sweep pauses the fast path, evicts what expired and resumes.
func (c *Collector) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	start := time.Now()
	if err := c.gate.Pause(ctx, c.quiesce); err != nil {
		c.metrics.Sweeps.WithLabelValues("skipped").Inc()
		stats.Skipped = true
		return stats, err
	}
	defer c.gate.Resume()

	err := c.sweep(c.clock.Now(), &stats)
	stats.Duration = time.Since(start)
	c.metrics.Mappings.Set(float64(c.mappings.Len()))
	c.metrics.Connections.Set(float64(c.conns.Len()))
	c.metrics.Evictions.WithLabelValues("connection").Add(float64(stats.Connections))
	c.metrics.Evictions.WithLabelValues("mapping").Add(float64(stats.Mappings))
	c.metrics.Evictions.WithLabelValues("peer").Add(float64(stats.Peers))
	if err != nil {
		c.metrics.Sweeps.WithLabelValues("fatal").Inc()
		return stats, err
	}
	c.metrics.Sweeps.WithLabelValues("ok").Inc()
	c.metrics.SweepDuration.Observe(stats.Duration.Seconds())
	return stats, nil
}

func (c *Collector) sweep(now time.Time, stats *SweepStats) error {
	var fatal error
	c.conns.Range(func(conn *Connection) bool {
		if !conn.Expired(now, &c.timeouts) {
			return true
		}
		m, err := c.mappings.Resolve(conn.Mapping())
		if err != nil {
			fatal = &CollectorError{Phase: "connections", Err: fmt.Errorf("%w: %s: %w", errIntegrity, conn, err)}
			return false
		}
		if !c.conns.remove(conn) {
			return true
		}
		if !conn.InboundOnly() {
			m.deactivate(conn.key.Remote.Addr)
		}
		if err := c.mappings.Release(conn.Mapping()); err != nil {
			fatal = &CollectorError{Phase: "connections", Err: err}
			return false
		}
		stats.Connections++
		return true
	})
	if fatal != nil {
		return fatal
	}

	grace := int64(c.grace)
	c.mappings.Range(func(m *Mapping) bool {
		refs, active := m.Refs(), m.Active()
		if refs < 0 || active < 0 || active > refs {
			fatal = &CollectorError{
				Phase: "mappings",
				Err:   fmt.Errorf("%w: %s has %d refs, %d active", errIntegrity, m, refs, active),
			}
			return false
		}
		stats.Peers += m.prunePeers()
		if refs == 0 && now.UnixNano()-m.idleSince.Load() >= grace && c.mappings.evict(m) {
			stats.Mappings++
		}
		return true
	})
	return fatal
}
