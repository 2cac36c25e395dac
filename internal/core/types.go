package core

import "net/netip"

// EthernetHeader holds the L2 fields the decoder keeps from a frame.
type EthernetHeader struct {
	SrcMAC    [6]byte
	DstMAC    [6]byte
	EtherType uint16   // after any 802.1Q tags
	VLANs     []uint16 // outermost first, QinQ yields two
}

// IPHeader holds the outer L3 addresses and, when a tunnel was removed,
// the addresses of the encapsulated packet.
type IPHeader struct {
	Version    uint8
	SrcIP      netip.Addr
	DstIP      netip.Addr
	Protocol   uint8 // IANA number: 6 TCP, 17 UDP
	TTL        uint8
	TotalLen   uint16
	InnerSrcIP netip.Addr
	InnerDstIP netip.Addr
}

// Addrs returns the addresses that identify the media flow: the inner
// pair for tunneled traffic, otherwise the outer pair.
func (h IPHeader) Addrs() (src, dst netip.Addr) {
	if h.InnerSrcIP.IsValid() {
		return h.InnerSrcIP, h.InnerDstIP
	}
	return h.SrcIP, h.DstIP
}

// TransportHeader holds L4 ports. The TCP fields stay zero for UDP.
type TransportHeader struct {
	SrcPort  uint16
	DstPort  uint16
	Protocol uint8
	TCPFlags uint8
	SeqNum   uint32
	AckNum   uint32
}
