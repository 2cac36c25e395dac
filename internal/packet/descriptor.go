// Package packet implements the packet descriptor and its block ownership
// contract. A descriptor reads its frame only while it owns a private copy
// or holds a lease on the pool block the frame lives in.
package packet

import (
	"time"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/spin"
)

// Descriptor is one captured packet. Identity fields are written by the
// producer before hand-off and read-only afterwards. Lease operations are
// safe from any goroutine.
type Descriptor struct {
	Src       Endpoint
	Dst       Endpoint
	Proto     uint8
	Seq       uint32 // TCP sequence number
	Timestamp time.Time
	LinkType  core.LinkType
	Tunnel    string // encapsulation the identity was resolved through
	// Substituted is set when a protocol adapter replaced the identity.
	Substituted bool

	class Class

	arena      *blockpool.Arena
	ref        blockpool.Ref
	owned      []byte
	payloadOff int
	payloadLen int

	mu       spin.Mutex
	primary  *blockpool.Lease
	extra    []*blockpool.Lease
	released bool

	labels  core.Labels
	adopted []*Descriptor
}

// FromBlock creates a descriptor for the frame at ref. The caller must hold
// a reference on the block (its Writer) until the descriptor is locked.
// Ethernet framing is assumed; set LinkType otherwise.
func FromBlock(arena *blockpool.Arena, ref blockpool.Ref, ts time.Time) *Descriptor {
	return &Descriptor{
		Timestamp:  ts,
		arena:      arena,
		ref:        ref,
		payloadLen: ref.Length,
	}
}

// FromBytes creates a self-owned descriptor holding a copy of frame.
func FromBytes(frame []byte, ts time.Time) *Descriptor {
	owned := make([]byte, len(frame))
	copy(owned, frame)
	return &Descriptor{
		Timestamp:  ts,
		owned:      owned,
		payloadLen: len(owned),
	}
}

// SetDecoded adopts identity and payload bounds from a decode of Frame().
// For tunneled traffic the inner addresses become the identity.
func (d *Descriptor) SetDecoded(dp core.DecodedPacket) {
	src, dst := dp.IP.Addrs()
	if dp.Tunnel != "" {
		d.SetLabel(core.LabelTunnel, dp.Tunnel)
	}
	d.Src = Endpoint{Addr: src, Port: dp.Transport.SrcPort}
	d.Dst = Endpoint{Addr: dst, Port: dp.Transport.DstPort}
	d.Proto = dp.IP.Protocol
	d.Seq = dp.Transport.SeqNum
	d.Tunnel = dp.Tunnel
	d.payloadOff = dp.PayloadOff
	d.payloadLen = len(dp.Payload)
}

// Substitute replaces the identity with one supplied by an upstream
// protocol adapter.
func (d *Descriptor) Substitute(src, dst Endpoint) {
	d.Src, d.Dst = src, dst
	d.Substituted = true
}

// LinkKey returns the canonical key of the descriptor's endpoints.
func (d *Descriptor) LinkKey() LinkKey { return NewLinkKey(d.Src, d.Dst) }

// SetClass tags the descriptor. Only the first call takes effect.
func (d *Descriptor) SetClass(c Class) bool {
	if d.class != ClassUnknown || c == ClassUnknown {
		return false
	}
	d.class = c
	return true
}

// Class returns the classification tag.
func (d *Descriptor) Class() Class { return d.class }

// SetLabel attaches a decoration.
func (d *Descriptor) SetLabel(key, value string) {
	if d.labels == nil {
		d.labels = make(core.Labels, 4)
	}
	d.labels[key] = value
}

// Labels returns the decorations; nil when none were set.
func (d *Descriptor) Labels() core.Labels { return d.labels }

// BlockBacked reports whether the frame lives in a pool block.
func (d *Descriptor) BlockBacked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.arena != nil && d.owned == nil && !d.released
}

// Frame returns the captured frame, or nil when the descriptor has no
// private copy and holds no lease.
func (d *Descriptor) Frame() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frameLocked()
}

func (d *Descriptor) frameLocked() []byte {
	switch {
	case d.released:
		return nil
	case d.owned != nil:
		return d.owned
	case d.primary != nil:
		return d.primary.Bytes(d.ref)
	case len(d.extra) > 0:
		return d.extra[len(d.extra)-1].Bytes(d.ref)
	}
	return nil
}

// Raw returns the frame as a core.RawPacket for decoding, with Data nil
// when the frame is not readable.
func (d *Descriptor) Raw() core.RawPacket {
	frame := d.Frame()
	return core.RawPacket{
		Data:       frame,
		Timestamp:  d.Timestamp,
		CaptureLen: uint32(len(frame)),
		OrigLen:    uint32(len(frame)),
		LinkType:   d.LinkType,
	}
}

// Payload returns the application payload inside Frame().
func (d *Descriptor) Payload() []byte {
	frame := d.Frame()
	end := d.payloadOff + d.payloadLen
	if frame == nil || end > len(frame) {
		return nil
	}
	return frame[d.payloadOff:end]
}
