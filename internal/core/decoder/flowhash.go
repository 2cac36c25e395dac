// Package decoder implements protocol decoding.
package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/mediacore/internal/core"
)

// FlowHasher computes a direction-independent flow hash of a frame
// without a full decode, so A->B and B->A land on the same pipeline.
// Not safe for concurrent use.
type FlowHasher struct {
	eth   layers.Ethernet
	dot1q layers.Dot1Q
	sll   layers.LinuxSLL
	ip4   layers.IPv4
	ip6   layers.IPv6
	udp   layers.UDP
	tcp   layers.TCP

	parsers map[gopacket.LayerType]*gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewFlowHasher creates a FlowHasher.
func NewFlowHasher() *FlowHasher {
	h := &FlowHasher{
		parsers: make(map[gopacket.LayerType]*gopacket.DecodingLayerParser, 4),
		decoded: make([]gopacket.LayerType, 0, 8),
	}
	for _, first := range []gopacket.LayerType{
		layers.LayerTypeEthernet, layers.LayerTypeLinuxSLL, layers.LayerTypeIPv4, layers.LayerTypeIPv6,
	} {
		h.parsers[first] = h.newParser(first)
	}
	return h
}

func (h *FlowHasher) newParser(first gopacket.LayerType) *gopacket.DecodingLayerParser {
	p := gopacket.NewDecodingLayerParser(first, &h.eth, &h.dot1q, &h.sll, &h.ip4, &h.ip6, &h.udp, &h.tcp)
	p.IgnoreUnsupported = true
	return p
}

// Hash returns the symmetric hash of the innermost network and transport
// flows found in raw. Frames that do not decode hash to zero.
func (h *FlowHasher) Hash(raw core.RawPacket) uint64 {
	p := h.parsers[firstLayer(raw)]

	// Truncated frames still yield the layers decoded before the error.
	_ = p.DecodeLayers(raw.Data, &h.decoded)

	var network, transport uint64
	for _, t := range h.decoded {
		switch t {
		case layers.LayerTypeIPv4:
			network = h.ip4.NetworkFlow().FastHash()
		case layers.LayerTypeIPv6:
			network = h.ip6.NetworkFlow().FastHash()
		case layers.LayerTypeUDP:
			transport = h.udp.TransportFlow().FastHash()
		case layers.LayerTypeTCP:
			transport = h.tcp.TransportFlow().FastHash()
		}
	}
	return network*31 + transport
}
