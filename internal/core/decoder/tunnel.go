// Package decoder implements protocol decoding.
package decoder

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

const (
	vxlanPort  = 4789
	genevePort = 6081
)

// udpTunnel returns the encapsulation layer carried on dstPort, or
// LayerTypeZero when the port is not an enabled tunnel endpoint.
func (d *StandardDecoder) udpTunnel(dstPort uint16) gopacket.LayerType {
	switch {
	case dstPort == vxlanPort && d.cfg.Tunnel.VXLAN:
		return layers.LayerTypeVXLAN
	case dstPort == genevePort && d.cfg.Tunnel.Geneve:
		return layers.LayerTypeGeneve
	default:
		return gopacket.LayerTypeZero
	}
}
