package sniff

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate_RequiresInterface(t *testing.T) {
	t.Parallel()
	cfg := Config{}
	require.Error(t, cfg.validate())

	cfg = Config{Interface: "eth0"}
	require.NoError(t, cfg.validate())
	require.Equal(t, defaultBPF, cfg.Filter)
	require.EqualValues(t, defaultSnapLen, cfg.SnapLen)
}

func buildEthernetIPv4ICMP(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
		DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       1,
		Seq:      1,
	}
	payload := gopacket.Payload([]byte("probe"))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, icmp, payload))
	return buf.Bytes()
}

func buildBareIPv4ICMP(t *testing.T) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4(10, 0, 0, 1),
		DstIP:    net.IPv4(10, 0, 0, 2),
	}
	icmp := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       1,
		Seq:      1,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, icmp))
	return buf.Bytes()
}

func TestIPv4Payload_StripsEthernetFraming(t *testing.T) {
	t.Parallel()
	frame := buildEthernetIPv4ICMP(t)
	got := ipv4Payload(frame)
	require.NotNil(t, got)

	pkt := gopacket.NewPacket(got, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", ip4.SrcIP.String())
	icmpLayer, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	require.True(t, ok)
	require.Equal(t, uint16(1), icmpLayer.Id)
}

func TestIPv4Payload_FallsBackToBareIPv4(t *testing.T) {
	t.Parallel()
	got := ipv4Payload(buildBareIPv4ICMP(t))
	require.NotNil(t, got)
	pkt := gopacket.NewPacket(got, layers.LayerTypeIPv4, gopacket.NoCopy)
	require.NotNil(t, pkt.Layer(layers.LayerTypeICMPv4))
}

func TestIPv4Payload_NonIPReturnsNil(t *testing.T) {
	t.Parallel()
	require.Nil(t, ipv4Payload([]byte{0xff, 0xff, 0xff}))
}
