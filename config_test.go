package conenat

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 1, cfg.Mode)
	assert.Equal(t, 2, cfg.LogLevel)
	assert.Equal(t, PortRange{Lo: 20000, Hi: 65535}, cfg.Ports.UDP)
	assert.Equal(t, 2*time.Hour+4*time.Minute, cfg.Timeouts.TCPEstablished)
	assert.Equal(t, 4096, cfg.MaxConnsPerHost)

	// no external address yet
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
	cfg.ExternalAddress = "203.0.113.1"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, MustParseIPv4("203.0.113.1"), cfg.external)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conenat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interface: eth0
mode: 2
ct_mark: 0x1aa
external_address: 198.51.100.1
ports:
  udp: 30000-30999
  icmp: "100"
timeouts:
  udp: 2m
  tcp_closing: 10s
grace_period: 1m
exempt:
  - 10.0.0.0/8
  - 192.168.1.7/24
preserve_port: true
queues:
  ingress: 7
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "eth0", cfg.Interface)
	assert.Equal(t, 2, cfg.Mode)
	assert.Equal(t, uint32(0x1aa), cfg.CTMark)
	assert.Equal(t, PortRange{Lo: 30000, Hi: 30999}, cfg.Ports.UDP)
	assert.Equal(t, PortRange{Lo: 100, Hi: 100}, cfg.Ports.ICMP)
	assert.Equal(t, PortRange{Lo: 20000, Hi: 65535}, cfg.Ports.TCP, "defaults kept")
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.UDP)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.TCPClosing)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.ICMP)
	assert.Equal(t, time.Minute, cfg.GracePeriod)
	assert.True(t, cfg.PreservePort)
	assert.Equal(t, uint16(7), cfg.Queues.Ingress)
	assert.Equal(t, uint16(101), cfg.Queues.Egress)

	require.Len(t, cfg.exempt, 2)
	assert.Equal(t, "192.168.1.0/24", cfg.exempt[1].String())
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ports:\n  tcp: 9-1\n"), 0o600))
	_, err = LoadConfig(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"mode", func(c *Config) { c.Mode = 3 }},
		{"external address", func(c *Config) { c.ExternalAddress = "2001:db8::1" }},
		{"zero sweep interval", func(c *Config) { c.SweepInterval = 0 }},
		{"negative grace", func(c *Config) { c.GracePeriod = -time.Second }},
		{"reversed ports", func(c *Config) { c.Ports.TCP = PortRange{Lo: 10, Hi: 1} }},
		{"exempt", func(c *Config) { c.Exempt = []string{"10.0.0.0/33"} }},
		{"negative host cap", func(c *Config) { c.MaxConnsPerHost = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestParsePortRange(t *testing.T) {
	r, err := ParsePortRange("1024 - 2048")
	require.NoError(t, err)
	assert.Equal(t, PortRange{Lo: 1024, Hi: 2048}, r)
	assert.Equal(t, 1025, r.Size())
	assert.True(t, r.Contains(2048))
	assert.False(t, r.Contains(1023))
	assert.Equal(t, "1024-2048", r.String())

	for _, s := range []string{"", "a-b", "70000", "5-4"} {
		_, err := ParsePortRange(s)
		assert.ErrorIs(t, err, ErrInvalidConfig, s)
	}
}

func TestLogLevel(t *testing.T) {
	logger := NewLogger(2, os.Stderr)
	assert.Equal(t, LogLevel(2), logger.GetLevel())

	ctl := NewControl(EndpointIndependent, 0, logger)
	assert.Equal(t, 2, ctl.LogLevel())
	ctl.SetLogLevel(9)
	assert.Equal(t, 5, ctl.LogLevel(), "clamped to trace")
	assert.Equal(t, LogLevel(5), logger.GetLevel())
	ctl.SetLogLevel(0)
	assert.Equal(t, 0, ctl.LogLevel())
}

func TestPortsYAMLRoundTrip(t *testing.T) {
	in := Ports{
		TCP:  PortRange{Lo: 30000, Hi: 30999},
		UDP:  PortRange{Lo: 5000, Hi: 5000},
		ICMP: PortRange{Lo: 0, Hi: 65535},
	}
	out, err := yaml.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(out), "tcp: 30000-30999")

	var back Ports
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, in, back)
}

func TestControlMark(t *testing.T) {
	ctl := NewControl(AddressDependent, 0x10, quietLogger())
	assert.Equal(t, uint32(0x10), ctl.Mark())
	ctl.SetMark(0x1aa)
	assert.Equal(t, uint32(0x1aa), ctl.Mark())

	assert.Equal(t, AddressDependent, ctl.Mode())
	ctl.SetMode(EndpointIndependent)
	assert.Equal(t, EndpointIndependent, ctl.Mode())
}
