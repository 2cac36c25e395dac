// Package decoder implements L2-L4 protocol stack decoding.
package decoder

import (
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/mediacore/internal/core"
)

// maxLayers bounds the decode loop so nested encapsulation cannot spin.
const maxLayers = 12

// Decoder decodes raw packets into structured format.
type Decoder interface {
	Decode(raw core.RawPacket) (core.DecodedPacket, error)
}

// TunnelConfig enables decapsulation per encapsulation type.
type TunnelConfig struct {
	VXLAN  bool `mapstructure:"vxlan" yaml:"vxlan"`
	Geneve bool `mapstructure:"geneve" yaml:"geneve"`
	GRE    bool `mapstructure:"gre" yaml:"gre"`
	IPIP   bool `mapstructure:"ipip" yaml:"ipip"`
}

// Config configures a StandardDecoder.
type Config struct {
	Tunnel TunnelConfig `mapstructure:"tunnel" yaml:"tunnel"`
}

// StandardDecoder walks the layer chain with reusable gopacket decoding
// layers. It is not safe for concurrent use; each pipeline owns one.
type StandardDecoder struct {
	cfg Config

	eth    layers.Ethernet
	dot1q  layers.Dot1Q
	sll    layers.LinuxSLL
	ip4    layers.IPv4
	ip6    layers.IPv6
	udp    layers.UDP
	tcp    layers.TCP
	vxlan  layers.VXLAN
	geneve layers.Geneve
	gre    layers.GRE
}

// NewStandardDecoder creates a decoder.
func NewStandardDecoder(cfg Config) *StandardDecoder {
	return &StandardDecoder{cfg: cfg}
}

// Decode resolves identity and payload of one frame. When the frame is
// encapsulated and the tunnel type is enabled, IP identity comes from the
// inner header and the outer addresses stay in IP.SrcIP/DstIP.
func (d *StandardDecoder) Decode(raw core.RawPacket) (core.DecodedPacket, error) {
	out := core.DecodedPacket{
		Timestamp:  raw.Timestamp,
		CaptureLen: raw.CaptureLen,
		OrigLen:    raw.OrigLen,
	}

	data := raw.Data
	next := firstLayer(raw)
	ipDepth := 0

	for hop := 0; hop < maxLayers; hop++ {
		switch next {
		case layers.LayerTypeEthernet:
			if err := d.eth.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("ethernet: %w", core.ErrPacketTooShort)
			}
			if ipDepth == 0 {
				out.Ethernet = ethernetHeader(&d.eth)
			}
			data, next = d.eth.Payload, d.eth.NextLayerType()

		case layers.LayerTypeDot1Q:
			if err := d.dot1q.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("vlan: %w", core.ErrPacketTooShort)
			}
			if ipDepth == 0 {
				out.Ethernet.VLANs = append(out.Ethernet.VLANs, d.dot1q.VLANIdentifier)
				out.Ethernet.EtherType = uint16(d.dot1q.Type)
			}
			data, next = d.dot1q.Payload, d.dot1q.NextLayerType()

		case layers.LayerTypeLinuxSLL:
			if err := d.sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("linux sll: %w", core.ErrPacketTooShort)
			}
			out.Ethernet.EtherType = uint16(d.sll.EthernetType)
			data, next = d.sll.Payload, d.sll.NextLayerType()

		case layers.LayerTypeIPv4:
			if err := d.ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("ipv4: %w", core.ErrPacketTooShort)
			}
			setIP(&out, ipv4Header(&d.ip4), ipDepth)
			ipDepth++
			data, next = d.ip4.Payload, d.ip4.NextLayerType()
			if isIP(next) && !d.enterIPIP(&out) {
				return out, fmt.Errorf("ipip: %w", core.ErrUnsupportedProto)
			}

		case layers.LayerTypeIPv6:
			if err := d.ip6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("ipv6: %w", core.ErrPacketTooShort)
			}
			setIP(&out, ipv6Header(&d.ip6), ipDepth)
			ipDepth++
			data, next = d.ip6.Payload, d.ip6.NextLayerType()
			if isIP(next) && !d.enterIPIP(&out) {
				return out, fmt.Errorf("ipip: %w", core.ErrUnsupportedProto)
			}

		case layers.LayerTypeUDP:
			if err := d.udp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("udp: %w", core.ErrPacketTooShort)
			}
			if tunnel := d.udpTunnel(uint16(d.udp.DstPort)); tunnel != gopacket.LayerTypeZero && out.Tunnel == "" {
				data, next = d.udp.Payload, tunnel
				continue
			}
			out.Transport = udpHeader(&d.udp)
			return finish(out, raw.Data, d.udp.Payload), nil

		case layers.LayerTypeTCP:
			if err := d.tcp.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("tcp: %w", core.ErrPacketTooShort)
			}
			out.Transport = tcpHeader(&d.tcp)
			return finish(out, raw.Data, d.tcp.Payload), nil

		case layers.LayerTypeVXLAN:
			if err := d.vxlan.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("vxlan: %w", core.ErrPacketTooShort)
			}
			out.Tunnel = "vxlan"
			data, next = d.vxlan.Payload, d.vxlan.NextLayerType()

		case layers.LayerTypeGeneve:
			if err := d.geneve.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("geneve: %w", core.ErrPacketTooShort)
			}
			out.Tunnel = "geneve"
			data, next = d.geneve.Payload, d.geneve.NextLayerType()

		case layers.LayerTypeGRE:
			if !d.cfg.Tunnel.GRE {
				return out, fmt.Errorf("gre: %w", core.ErrUnsupportedProto)
			}
			if err := d.gre.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
				return out, fmt.Errorf("gre: %w", core.ErrPacketTooShort)
			}
			out.Tunnel = "gre"
			data, next = d.gre.Payload, d.gre.NextLayerType()

		default:
			return out, fmt.Errorf("layer %s: %w", next, core.ErrUnsupportedProto)
		}
	}
	return out, fmt.Errorf("layer depth exceeded: %w", core.ErrUnsupportedProto)
}

func (d *StandardDecoder) enterIPIP(out *core.DecodedPacket) bool {
	if !d.cfg.Tunnel.IPIP {
		return false
	}
	if out.Tunnel == "" {
		out.Tunnel = "ipip"
	}
	return true
}

// firstLayer picks the outermost layer from the capture link type.
func firstLayer(raw core.RawPacket) gopacket.LayerType {
	switch raw.LinkType {
	case core.LinkLinuxSLL:
		return layers.LayerTypeLinuxSLL
	case core.LinkRaw:
		if len(raw.Data) > 0 && raw.Data[0]>>4 == 6 {
			return layers.LayerTypeIPv6
		}
		return layers.LayerTypeIPv4
	default:
		return layers.LayerTypeEthernet
	}
}

func isIP(t gopacket.LayerType) bool {
	return t == layers.LayerTypeIPv4 || t == layers.LayerTypeIPv6
}

// finish records the application payload and its offset inside frame.
// Every decoded slice aliases frame, so the offset falls out of the
// capacity difference.
func finish(out core.DecodedPacket, frame, payload []byte) core.DecodedPacket {
	out.Payload = payload
	if payload == nil {
		out.PayloadOff = len(frame)
		return out
	}
	out.PayloadOff = cap(frame) - cap(payload)
	return out
}
