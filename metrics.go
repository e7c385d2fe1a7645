package conenat

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the Prometheus collectors of one NAT instance.
type Metrics struct {
	Mappings       prometheus.Gauge
	Connections    prometheus.Gauge
	Packets        *prometheus.CounterVec
	PortExhaustion prometheus.Counter
	ConnLimit      prometheus.Counter
	Busy           prometheus.Counter
	StaleRefs      prometheus.Counter
	Evictions      *prometheus.CounterVec
	Sweeps         *prometheus.CounterVec
	SweepDuration  prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Mappings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conenat_mappings",
			Help: "Mappings currently held.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conenat_connections",
			Help: "Connections currently tracked.",
		}),
		Packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conenat_packets_total",
			Help: "Packets seen by the translators.",
		}, []string{"direction", "verdict"}),
		PortExhaustion: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conenat_port_exhaustion_total",
			Help: "New flows dropped because no external port was free.",
		}),
		ConnLimit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conenat_conn_limit_total",
			Help: "New flows dropped because the internal host reached its connection cap.",
		}),
		Busy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conenat_busy_total",
			Help: "Packets dropped after exhausting the retry budget during a sweep.",
		}),
		StaleRefs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conenat_stale_references_total",
			Help: "Mapping references found stale by the translators.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conenat_evictions_total",
			Help: "Entries evicted by the collector.",
		}, []string{"kind"}),
		Sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conenat_sweeps_total",
			Help: "Collector sweeps by outcome.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "conenat_sweep_duration_seconds",
			Help:    "Time spent in completed sweeps, pause included.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Mappings, m.Connections, m.Packets, m.PortExhaustion, m.ConnLimit, m.Busy,
			m.StaleRefs, m.Evictions, m.Sweeps, m.SweepDuration,
		)
	}
	return m
}

func (m *Metrics) packet(dir Direction, v Verdict) {
	m.Packets.WithLabelValues(dir.String(), v.String()).Inc()
}
