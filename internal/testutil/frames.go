// Package testutil builds wire frames and pcap fixtures for tests.
package testutil

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	srcMAC = net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}
	dstMAC = net.HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}
)

// UDPFrame returns an Ethernet frame carrying payload from src to dst.
func UDPFrame(src, dst netip.AddrPort, payload []byte) []byte {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	return serialize(src.Addr(), dst.Addr(), layers.IPProtocolUDP, udp, gopacket.Payload(payload))
}

// TCPFrame returns an Ethernet frame with a PSH/ACK TCP segment.
func TCPFrame(src, dst netip.AddrPort, seq uint32, payload []byte) []byte {
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		ACK:     true,
		PSH:     true,
		Window:  65535,
	}
	return serialize(src.Addr(), dst.Addr(), layers.IPProtocolTCP, tcp, gopacket.Payload(payload))
}

// VXLANFrame wraps inner (an Ethernet frame) in VXLAN over UDP between
// the outer tunnel endpoints.
func VXLANFrame(outerSrc, outerDst netip.Addr, vni uint32, inner []byte) []byte {
	hdr := []byte{0x08, 0, 0, 0, byte(vni >> 16), byte(vni >> 8), byte(vni), 0}
	return UDPFrame(
		netip.AddrPortFrom(outerSrc, 54321),
		netip.AddrPortFrom(outerDst, 4789),
		append(hdr, inner...),
	)
}

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func serialize(src, dst netip.Addr, proto layers.IPProtocol, l4 transportLayer, payload gopacket.Payload) []byte {
	eth := &layers.Ethernet{SrcMAC: srcMAC, DstMAC: dstMAC}
	var l3 gopacket.SerializableLayer
	if src.Is4() {
		eth.EthernetType = layers.EthernetTypeIPv4
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: proto,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		_ = l4.SetNetworkLayerForChecksum(ip)
		l3 = ip
	} else {
		eth.EthernetType = layers.EthernetTypeIPv6
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		_ = l4.SetNetworkLayerForChecksum(ip)
		l3 = ip
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, l3, l4, payload); err != nil {
		panic(err)
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}
