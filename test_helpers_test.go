package conenat

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// Test helper functions for creating and inspecting packets. Packets are
// built with gopacket so the translator's own codec is not used to produce
// its inputs.

func serialize(ip *layers.IPv4, l ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, append([]gopacket.SerializableLayer{ip}, l...)...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func ipLayer(src, dst IPv4, proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Protocol: proto,
		SrcIP:    net.IP(src[:]),
		DstIP:    net.IP(dst[:]),
	}
}

// CreateIPv4TCPPacket creates a test IPv4 packet with a TCP header and the given flags
func CreateIPv4TCPPacket(src, dst Endpoint, flags uint8) []byte {
	ip := ipLayer(src.Addr, dst.Addr, layers.IPProtocolTCP)
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port),
		DstPort: layers.TCPPort(dst.Port),
		Seq:     1000,
		Window:  65535,
		FIN:     flags&TCPFlagFIN != 0,
		SYN:     flags&TCPFlagSYN != 0,
		RST:     flags&TCPFlagRST != 0,
		PSH:     flags&TCPFlagPSH != 0,
		ACK:     flags&TCPFlagACK != 0,
	}
	_ = tcp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, tcp, gopacket.Payload("hello"))
}

// CreateIPv4UDPPacket creates a test IPv4 packet with a UDP header
func CreateIPv4UDPPacket(src, dst Endpoint, data []byte) []byte {
	ip := ipLayer(src.Addr, dst.Addr, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port), DstPort: layers.UDPPort(dst.Port)}
	_ = udp.SetNetworkLayerForChecksum(ip)
	return serialize(ip, udp, gopacket.Payload(data))
}

// CreateIPv4ICMPEcho creates an echo request (or reply when reply is set)
func CreateIPv4ICMPEcho(src, dst IPv4, reply bool, id, seq uint16) []byte {
	typ := uint8(layers.ICMPv4TypeEchoRequest)
	if reply {
		typ = layers.ICMPv4TypeEchoReply
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(typ, 0),
		Id:       id,
		Seq:      seq,
	}
	return serialize(ipLayer(src, dst, layers.IPProtocolICMPv4), icmp, gopacket.Payload("ping"))
}

// CreateICMPUnreachable creates a port unreachable error from src to dst
// quoting the first 28 bytes of the offending datagram.
func CreateICMPUnreachable(src, dst IPv4, offending []byte) []byte {
	quoted := offending
	if len(quoted) > 28 {
		quoted = quoted[:28]
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort),
	}
	return serialize(ipLayer(src, dst, layers.IPProtocolICMPv4), icmp, gopacket.Payload(quoted))
}

// decoded is what tests read back from a translated packet
type decoded struct {
	Src, Dst Endpoint
	Proto    Protocol
	Payload  []byte
}

// Decode reads a packet with gopacket, ICMP queries report their identifier
// as both ports.
func Decode(t testing.TB, b []byte) decoded {
	t.Helper()
	pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
	ipl, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok, "no IPv4 layer: %v", pkt.ErrorLayer())
	var d decoded
	copy(d.Src.Addr[:], ipl.SrcIP.To4())
	copy(d.Dst.Addr[:], ipl.DstIP.To4())
	d.Proto = Protocol(ipl.Protocol)
	switch l := pkt.TransportLayer().(type) {
	case *layers.TCP:
		d.Src.Port, d.Dst.Port, d.Payload = uint16(l.SrcPort), uint16(l.DstPort), l.Payload
	case *layers.UDP:
		d.Src.Port, d.Dst.Port, d.Payload = uint16(l.SrcPort), uint16(l.DstPort), l.Payload
	}
	if icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4); ok {
		d.Src.Port, d.Dst.Port, d.Payload = icmp.Id, icmp.Id, icmp.Payload
	}
	return d
}

func onesSum(data []byte, sum uint32) uint32 {
	for i := 0; i+1 < len(data); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
	}
	if len(data)%2 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func folds(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return uint16(sum)
}

// VerifyChecksums checks the IPv4 header checksum and the transport
// checksum of a full datagram.
func VerifyChecksums(t testing.TB, b []byte) {
	t.Helper()
	ihl := int(b[0]&0x0f) * 4
	require.Equal(t, uint16(0xffff), folds(onesSum(b[:ihl], 0)), "ip header checksum")
	end := int(binary.BigEndian.Uint16(b[2:]))
	seg := b[ihl:end]
	switch Protocol(b[9]) {
	case ProtocolTCP, ProtocolUDP:
		if b[9] == byte(ProtocolUDP) && binary.BigEndian.Uint16(seg[6:]) == 0 {
			return
		}
		var pseudo [12]byte
		copy(pseudo[0:8], b[12:20])
		pseudo[9] = b[9]
		binary.BigEndian.PutUint16(pseudo[10:], uint16(len(seg)))
		require.Equal(t, uint16(0xffff), folds(onesSum(seg, onesSum(pseudo[:], 0))), "transport checksum")
	case ProtocolICMP:
		require.Equal(t, uint16(0xffff), folds(onesSum(seg, 0)), "icmp checksum")
	}
}

func ep(addr string, port uint16) Endpoint {
	return Endpoint{Addr: MustParseIPv4(addr), Port: port}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.ExternalAddress = "203.0.113.1"
	cfg.QuiesceTimeout = 50 * time.Millisecond
	return cfg
}

// newTestNAT returns a NAT on a mock clock with its own registry.
func newTestNAT(t testing.TB, mutate func(*Config)) (*NAT, *clock.Mock, *prometheus.Registry) {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	n, err := New(cfg, WithClock(clk), WithLogger(quietLogger()), WithMetrics(NewMetrics(reg)))
	require.NoError(t, err)
	return n, clk, reg
}
