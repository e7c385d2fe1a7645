package conenat

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Timeouts are the idle timeouts of tracked connections.
type Timeouts struct {
	UDP            time.Duration `yaml:"udp"`
	ICMP           time.Duration `yaml:"icmp"`
	TCPEmbryonic   time.Duration `yaml:"tcp_embryonic"`
	TCPEstablished time.Duration `yaml:"tcp_established"`
	TCPClosing     time.Duration `yaml:"tcp_closing"`
	InboundOnly    time.Duration `yaml:"inbound_only"`
}

type Ports struct {
	TCP  PortRange `yaml:"tcp"`
	UDP  PortRange `yaml:"udp"`
	ICMP PortRange `yaml:"icmp"`
}

func (p Ports) byProto() map[Protocol]PortRange {
	return map[Protocol]PortRange{
		ProtocolTCP:  p.TCP,
		ProtocolUDP:  p.UDP,
		ProtocolICMP: p.ICMP,
	}
}

func (p Ports) get(proto Protocol) PortRange {
	switch proto {
	case ProtocolTCP:
		return p.TCP
	case ProtocolUDP:
		return p.UDP
	}
	return p.ICMP
}

type Queues struct {
	Ingress uint16 `yaml:"ingress"`
	Egress  uint16 `yaml:"egress"`
}

// Config is the startup configuration of the NAT.
type Config struct {
	Interface       string `yaml:"interface"`
	IfIndex         int    `yaml:"ifindex"`
	Mode            int    `yaml:"mode"`
	CTMark          uint32 `yaml:"ct_mark"`
	LogLevel        int    `yaml:"log_level"`
	ExternalAddress string `yaml:"external_address"`

	Ports    Ports    `yaml:"ports"`
	Timeouts Timeouts `yaml:"timeouts"`

	GracePeriod     time.Duration `yaml:"grace_period"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	QuiesceTimeout  time.Duration `yaml:"quiesce_timeout"`
	BusyRetries     int           `yaml:"busy_retries"`
	BusyBackoff     time.Duration `yaml:"busy_backoff"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`

	Exempt       []string `yaml:"exempt"`
	PreservePort bool     `yaml:"preserve_port"`

	MetricsListen string `yaml:"metrics_listen"`
	Queues        Queues `yaml:"queues"`

	external IPv4
	exempt   []netip.Prefix
}

func DefaultConfig() *Config {
	return &Config{
		Mode:     int(EndpointIndependent),
		LogLevel: 2,
		Ports: Ports{
			TCP:  PortRange{Lo: 20000, Hi: 65535},
			UDP:  PortRange{Lo: 20000, Hi: 65535},
			ICMP: PortRange{Lo: 0, Hi: 65535},
		},
		Timeouts: Timeouts{
			UDP:            300 * time.Second,
			ICMP:           30 * time.Second,
			TCPEmbryonic:   120 * time.Second,
			TCPEstablished: 2*time.Hour + 4*time.Minute,
			TCPClosing:     60 * time.Second,
			InboundOnly:    30 * time.Second,
		},
		GracePeriod:     30 * time.Second,
		SweepInterval:   10 * time.Second,
		QuiesceTimeout:  100 * time.Millisecond,
		BusyRetries:     3,
		BusyBackoff:     50 * time.Microsecond,
		ShutdownTimeout: 5 * time.Second,
		MaxConnsPerHost: 4096,
		Queues:          Queues{Ingress: 100, Egress: 101},
	}
}

// LoadConfig reads a yaml file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}
	return cfg, nil
}

// Validate checks the configuration and resolves the derived fields. The
// external address must be known by then.
func (c *Config) Validate() error {
	if _, err := ParseFilteringMode(c.Mode); err != nil {
		return err
	}
	if c.LogLevel < 0 {
		return fmt.Errorf("%w: log level %d", ErrInvalidConfig, c.LogLevel)
	}
	if c.ExternalAddress == "" {
		return fmt.Errorf("%w: no external address", ErrInvalidConfig)
	}
	ip, err := ParseIPv4(c.ExternalAddress)
	if err != nil {
		return fmt.Errorf("%w: external address: %v", ErrInvalidConfig, err)
	}
	c.external = ip

	for _, r := range []PortRange{c.Ports.TCP, c.Ports.UDP, c.Ports.ICMP} {
		if r.Lo > r.Hi {
			return fmt.Errorf("%w: port range %s", ErrInvalidConfig, r)
		}
	}
	for name, d := range map[string]time.Duration{
		"timeouts.udp":             c.Timeouts.UDP,
		"timeouts.icmp":            c.Timeouts.ICMP,
		"timeouts.tcp_embryonic":   c.Timeouts.TCPEmbryonic,
		"timeouts.tcp_established": c.Timeouts.TCPEstablished,
		"timeouts.tcp_closing":     c.Timeouts.TCPClosing,
		"timeouts.inbound_only":    c.Timeouts.InboundOnly,
		"sweep_interval":           c.SweepInterval,
		"quiesce_timeout":          c.QuiesceTimeout,
		"shutdown_timeout":         c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, name)
		}
	}
	if c.GracePeriod < 0 || c.BusyRetries < 0 || c.BusyBackoff < 0 {
		return fmt.Errorf("%w: negative grace period or busy budget", ErrInvalidConfig)
	}
	if c.MaxConnsPerHost < 0 {
		return fmt.Errorf("%w: max_conns_per_host %d", ErrInvalidConfig, c.MaxConnsPerHost)
	}

	c.exempt = c.exempt[:0]
	for _, s := range c.Exempt {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return fmt.Errorf("%w: exempt %q: %v", ErrInvalidConfig, s, err)
		}
		c.exempt = append(c.exempt, p.Masked())
	}
	return nil
}

// UnmarshalYAML accepts "lo-hi" or a single port.
func (r *PortRange) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	pr, err := ParsePortRange(s)
	if err != nil {
		return err
	}
	*r = pr
	return nil
}

func (r PortRange) MarshalYAML() (any, error) {
	return r.String(), nil
}

func ParsePortRange(s string) (PortRange, error) {
	lo, hi, found := strings.Cut(strings.TrimSpace(s), "-")
	a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("%w: port range %q", ErrInvalidConfig, s)
	}
	b := a
	if found {
		if b, err = strconv.ParseUint(strings.TrimSpace(hi), 10, 16); err != nil {
			return PortRange{}, fmt.Errorf("%w: port range %q", ErrInvalidConfig, s)
		}
	}
	if a > b {
		return PortRange{}, fmt.Errorf("%w: port range %q is reversed", ErrInvalidConfig, s)
	}
	return PortRange{Lo: uint16(a), Hi: uint16(b)}, nil
}
