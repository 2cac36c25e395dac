// Package core defines core data structures with zero external dependencies.
package core

import "time"

// RawPacket is one captured frame. Data aliases capture memory and is only
// valid while whoever handed it out keeps that memory alive.
type RawPacket struct {
	Data           []byte    // Raw frame data, zero-copy slice
	Timestamp      time.Time // Capture timestamp
	CaptureLen     uint32    // Actual captured length
	OrigLen        uint32    // Original frame length
	InterfaceIndex int
	LinkType       LinkType
}

// LinkType identifies the L2 framing of RawPacket.Data.
type LinkType uint8

const (
	LinkEthernet LinkType = iota
	LinkLinuxSLL
	LinkRaw // bare IPv4/IPv6
)

// DecodedPacket is the result of L2-L4 protocol stack decoding.
type DecodedPacket struct {
	Timestamp  time.Time
	Ethernet   EthernetHeader
	IP         IPHeader
	Transport  TransportHeader
	Tunnel     string // encapsulation that was removed, empty if none
	Payload    []byte // Application layer payload, zero-copy slice
	PayloadOff int    // Offset of Payload within the original frame
	CaptureLen uint32
	OrigLen    uint32
}
