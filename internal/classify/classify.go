// Package classify tags packet payloads as signaling, RTP, RTCP, DTLS or
// other. First-byte demultiplexing follows RFC 7983; candidate headers are
// then validated with the pion parsers.
package classify

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/packet"
)

const (
	protocolUDP = 17

	rtcpPayloadTypeMin = 200
	rtcpPayloadTypeMax = 209
	rtcpMinLength      = 8
	rtpMinLength       = 12
)

// sipPrefixes are request methods and the response status-line prefix.
var sipPrefixes = [][]byte{
	[]byte("SIP/2.0 "),
	[]byte("INVITE "),
	[]byte("REGISTER "),
	[]byte("BYE "),
	[]byte("CANCEL "),
	[]byte("ACK "),
	[]byte("OPTIONS "),
	[]byte("SUBSCRIBE "),
	[]byte("NOTIFY "),
	[]byte("INFO "),
	[]byte("UPDATE "),
	[]byte("PRACK "),
	[]byte("REFER "),
	[]byte("MESSAGE "),
	[]byte("PUBLISH "),
}

// Result is the outcome of classifying one payload.
type Result struct {
	Class  packet.Class
	Labels core.Labels
}

// Payload classifies an application payload carried over proto.
func Payload(payload []byte, proto uint8) Result {
	if len(payload) == 0 {
		return Result{Class: packet.ClassOther}
	}
	if m := sipMethod(payload); m != "" {
		return Result{Class: packet.ClassSignaling, Labels: core.Labels{core.LabelSIPMethod: m}}
	}
	if proto != protocolUDP {
		return Result{Class: packet.ClassOther}
	}

	switch b := payload[0]; {
	case b >= 20 && b <= 63:
		if r, ok := dtlsRecord(payload); ok {
			return r
		}
	case b >= 128 && b <= 191:
		if r, ok := rtcpPacket(payload); ok {
			return r
		}
		if r, ok := rtpPacket(payload); ok {
			return r
		}
	}
	return Result{Class: packet.ClassOther}
}

// Option adjusts a result before Descriptor applies it.
type Option func(*Result)

// WithApplicationMedia turns an unrecognized payload into application media
// when the flow is known to carry it.
func WithApplicationMedia(enabled bool) Option {
	return func(r *Result) {
		if enabled && r.Class == packet.ClassOther {
			r.Class = packet.ClassAppMedia
		}
	}
}

// Descriptor classifies d's payload and tags d with the result.
func Descriptor(d *packet.Descriptor, opts ...Option) packet.Class {
	r := Payload(d.Payload(), d.Proto)
	for _, opt := range opts {
		opt(&r)
	}
	d.SetClass(r.Class)
	for k, v := range r.Labels {
		d.SetLabel(k, v)
	}
	return d.Class()
}

func sipMethod(payload []byte) string {
	for _, p := range sipPrefixes {
		if bytes.HasPrefix(payload, p) {
			if p[0] == 'S' {
				return "RESPONSE"
			}
			return string(p[:len(p)-1])
		}
	}
	return ""
}

func dtlsRecord(payload []byte) (Result, bool) {
	var h recordlayer.Header
	if err := h.Unmarshal(payload); err != nil {
		return Result{}, false
	}
	if h.Version != protocol.Version1_0 && h.Version != protocol.Version1_2 {
		return Result{}, false
	}
	switch h.ContentType {
	case protocol.ContentTypeChangeCipherSpec, protocol.ContentTypeAlert,
		protocol.ContentTypeHandshake, protocol.ContentTypeApplicationData:
	default:
		return Result{}, false
	}
	return Result{
		Class: packet.ClassDTLS,
		Labels: core.Labels{
			core.LabelDTLSContentType: strconv.Itoa(int(h.ContentType)),
			core.LabelDTLSEpoch:       strconv.Itoa(int(h.Epoch)),
		},
	}, true
}

func rtcpPacket(payload []byte) (Result, bool) {
	if len(payload) < rtcpMinLength {
		return Result{}, false
	}
	var h rtcp.Header
	if err := h.Unmarshal(payload); err != nil {
		return Result{}, false
	}
	if h.Type < rtcpPayloadTypeMin || h.Type > rtcpPayloadTypeMax {
		return Result{}, false
	}
	return Result{
		Class:  packet.ClassRTCP,
		Labels: core.Labels{core.LabelRTCPPayloadType: strconv.Itoa(int(h.Type))},
	}, true
}

func rtpPacket(payload []byte) (Result, bool) {
	if len(payload) < rtpMinLength {
		return Result{}, false
	}
	var h rtp.Header
	if _, err := h.Unmarshal(payload); err != nil || h.Version != 2 {
		return Result{}, false
	}
	return Result{
		Class: packet.ClassRTP,
		Labels: core.Labels{
			core.LabelRTPVersion:     "2",
			core.LabelRTPPayloadType: strconv.Itoa(int(h.PayloadType)),
			core.LabelRTPSeq:         strconv.Itoa(int(h.SequenceNumber)),
			core.LabelRTPSSRC:        fmt.Sprintf("0x%08X", h.SSRC),
		},
	}, true
}
