// Package decoder implements protocol decoding.
package decoder

import (
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"

	"firestige.xyz/mediacore/internal/core"
)

func ipv4Header(ip *layers.IPv4) core.IPHeader {
	return core.IPHeader{
		Version:  4,
		SrcIP:    addrFrom(ip.SrcIP),
		DstIP:    addrFrom(ip.DstIP),
		Protocol: uint8(ip.Protocol),
		TTL:      ip.TTL,
		TotalLen: ip.Length,
	}
}

func ipv6Header(ip *layers.IPv6) core.IPHeader {
	return core.IPHeader{
		Version:  6,
		SrcIP:    addrFrom(ip.SrcIP),
		DstIP:    addrFrom(ip.DstIP),
		Protocol: uint8(ip.NextHeader),
		TTL:      ip.HopLimit,
		TotalLen: ip.Length + 40,
	}
}

// setIP stores the outermost header as-is and any deeper header as the
// inner (decapsulated) identity.
func setIP(out *core.DecodedPacket, h core.IPHeader, depth int) {
	if depth == 0 {
		out.IP = h
		return
	}
	out.IP.InnerSrcIP = h.SrcIP
	out.IP.InnerDstIP = h.DstIP
	out.IP.Protocol = h.Protocol
}

func addrFrom(ip net.IP) netip.Addr {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return addr.Unmap()
}
