// Package decoder implements protocol decoding.
package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/mediacore/internal/core"
)

func ethernetHeader(eth *layers.Ethernet) core.EthernetHeader {
	h := core.EthernetHeader{EtherType: uint16(eth.EthernetType)}
	copy(h.SrcMAC[:], eth.SrcMAC)
	copy(h.DstMAC[:], eth.DstMAC)
	return h
}
