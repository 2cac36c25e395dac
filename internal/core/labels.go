// Package core defines core types.
package core

// Labels represents key-value decorations attached to a packet by
// classifiers and protocol adapters.
type Labels map[string]string

// Label naming constants following {protocol}.{field} convention.
const (
	LabelSIPMethod = "sip.method"

	LabelRTPVersion     = "rtp.version"
	LabelRTPPayloadType = "rtp.payload_type" // 0-127
	LabelRTPSeq         = "rtp.seq"
	LabelRTPSSRC        = "rtp.ssrc" // hex, 0xXXXXXXXX

	LabelRTCPPayloadType = "rtcp.payload_type" // 200-209

	LabelDTLSContentType = "dtls.content_type"
	LabelDTLSEpoch       = "dtls.epoch"

	LabelTunnel = "tunnel" // vxlan, geneve, gre, ipip
)

// Clone returns an independent copy of l.
func (l Labels) Clone() Labels {
	if l == nil {
		return nil
	}
	out := make(Labels, len(l))
	for k, v := range l {
		out[k] = v
	}
	return out
}
