// Package decoder implements protocol decoding.
package decoder

import (
	"github.com/google/gopacket/layers"

	"firestige.xyz/mediacore/internal/core"
)

const (
	protocolTCP = 6
	protocolUDP = 17
)

func udpHeader(udp *layers.UDP) core.TransportHeader {
	return core.TransportHeader{
		SrcPort:  uint16(udp.SrcPort),
		DstPort:  uint16(udp.DstPort),
		Protocol: protocolUDP,
	}
}

func tcpHeader(tcp *layers.TCP) core.TransportHeader {
	var flags uint8
	for i, set := range []bool{tcp.FIN, tcp.SYN, tcp.RST, tcp.PSH, tcp.ACK, tcp.URG} {
		if set {
			flags |= 1 << i
		}
	}
	return core.TransportHeader{
		SrcPort:  uint16(tcp.SrcPort),
		DstPort:  uint16(tcp.DstPort),
		Protocol: protocolTCP,
		TCPFlags: flags,
		SeqNum:   tcp.Seq,
		AckNum:   tcp.Ack,
	}
}
