package testutil

import (
	"github.com/pion/dtls/v3/pkg/protocol"
	"github.com/pion/dtls/v3/pkg/protocol/recordlayer"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// RTP returns a marshalled RTP packet with a 160 byte PCMU payload.
func RTP(seq uint16, ssrc uint32) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    0,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 160,
			SSRC:           ssrc,
		},
		Payload: make([]byte, 160),
	}
	b, err := pkt.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

// RTCP returns a marshalled receiver report.
func RTCP(ssrc uint32) []byte {
	rr := &rtcp.ReceiverReport{SSRC: ssrc}
	b, err := rr.Marshal()
	if err != nil {
		panic(err)
	}
	return b
}

// DTLS returns a DTLS 1.2 handshake record header followed by body.
func DTLS(seq uint64, body []byte) []byte {
	hdr := &recordlayer.Header{
		ContentType:    protocol.ContentTypeHandshake,
		ContentLen:     uint16(len(body)),
		Version:        protocol.Version1_2,
		SequenceNumber: seq,
	}
	b, err := hdr.Marshal()
	if err != nil {
		panic(err)
	}
	return append(b, body...)
}

// SIP returns a minimal SIP request line and headers.
func SIP(method string) []byte {
	return []byte(method + " sip:bob@example.com SIP/2.0\r\nCall-ID: test@example.com\r\nContent-Length: 0\r\n\r\n")
}
