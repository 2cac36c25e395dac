package decoder

import (
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/testutil"
)

var (
	caller = netip.MustParseAddrPort("192.168.1.1:5000")
	callee = netip.MustParseAddrPort("192.168.1.2:5001")
)

func rawOf(frame []byte) core.RawPacket {
	return core.RawPacket{
		Data:       frame,
		Timestamp:  time.Now(),
		CaptureLen: uint32(len(frame)),
		OrigLen:    uint32(len(frame)),
	}
}

func TestStandardDecoderUDP(t *testing.T) {
	payload := []byte("hello")
	frame := testutil.UDPFrame(caller, callee, payload)

	decoded, err := NewStandardDecoder(Config{}).Decode(rawOf(frame))
	require.NoError(t, err)

	assert.Equal(t, uint16(0x0800), decoded.Ethernet.EtherType)
	assert.Equal(t, [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, decoded.Ethernet.SrcMAC)
	assert.Equal(t, uint8(4), decoded.IP.Version)
	assert.Equal(t, caller.Addr(), decoded.IP.SrcIP)
	assert.Equal(t, callee.Addr(), decoded.IP.DstIP)
	assert.Equal(t, uint8(protocolUDP), decoded.Transport.Protocol)
	assert.Equal(t, uint16(5000), decoded.Transport.SrcPort)
	assert.Equal(t, uint16(5001), decoded.Transport.DstPort)
	assert.Equal(t, payload, decoded.Payload)
	assert.Equal(t, 42, decoded.PayloadOff)
	assert.Equal(t, payload, frame[decoded.PayloadOff:decoded.PayloadOff+len(payload)])
	assert.Empty(t, decoded.Tunnel)
}

func TestStandardDecoderTCP(t *testing.T) {
	frame := testutil.TCPFrame(caller, callee, 1000, []byte("INVITE"))

	decoded, err := NewStandardDecoder(Config{}).Decode(rawOf(frame))
	require.NoError(t, err)

	assert.Equal(t, uint8(protocolTCP), decoded.Transport.Protocol)
	assert.Equal(t, uint32(1000), decoded.Transport.SeqNum)
	assert.NotZero(t, decoded.Transport.TCPFlags&(1<<4), "ACK flag")
	assert.Equal(t, []byte("INVITE"), decoded.Payload)
}

func TestStandardDecoderIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[2001:db8::1]:6000")
	dst := netip.MustParseAddrPort("[2001:db8::2]:6002")
	frame := testutil.UDPFrame(src, dst, []byte{1, 2, 3})

	decoded, err := NewStandardDecoder(Config{}).Decode(rawOf(frame))
	require.NoError(t, err)

	assert.Equal(t, uint8(6), decoded.IP.Version)
	assert.Equal(t, src.Addr(), decoded.IP.SrcIP)
	assert.Equal(t, dst.Addr(), decoded.IP.DstIP)
	assert.Equal(t, 62, decoded.PayloadOff)
}

func TestStandardDecoderVXLAN(t *testing.T) {
	inner := testutil.UDPFrame(caller, callee, []byte("media"))
	frame := testutil.VXLANFrame(netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), 42, inner)

	t.Run("Enabled", func(t *testing.T) {
		decoded, err := NewStandardDecoder(Config{Tunnel: TunnelConfig{VXLAN: true}}).Decode(rawOf(frame))
		require.NoError(t, err)

		assert.Equal(t, "vxlan", decoded.Tunnel)
		assert.Equal(t, netip.MustParseAddr("10.0.0.1"), decoded.IP.SrcIP)
		assert.Equal(t, caller.Addr(), decoded.IP.InnerSrcIP)
		assert.Equal(t, callee.Addr(), decoded.IP.InnerDstIP)
		assert.Equal(t, uint16(5000), decoded.Transport.SrcPort)
		assert.Equal(t, []byte("media"), decoded.Payload)
		assert.Equal(t, []byte("media"), frame[decoded.PayloadOff:decoded.PayloadOff+len(decoded.Payload)])
	})

	t.Run("Disabled", func(t *testing.T) {
		decoded, err := NewStandardDecoder(Config{}).Decode(rawOf(frame))
		require.NoError(t, err)

		assert.Empty(t, decoded.Tunnel)
		assert.Equal(t, uint16(4789), decoded.Transport.DstPort)
		assert.False(t, decoded.IP.InnerSrcIP.IsValid())
	})
}

func TestStandardDecoderErrors(t *testing.T) {
	d := NewStandardDecoder(Config{})

	_, err := d.Decode(rawOf([]byte{0x00, 0x01}))
	assert.True(t, errors.Is(err, core.ErrPacketTooShort), "got %v", err)

	arp := make([]byte, 42)
	arp[12], arp[13] = 0x08, 0x06
	_, err = d.Decode(rawOf(arp))
	assert.True(t, errors.Is(err, core.ErrUnsupportedProto), "got %v", err)
}

func TestStandardDecoderRawLink(t *testing.T) {
	frame := testutil.UDPFrame(caller, callee, []byte("x"))
	raw := rawOf(frame[14:])
	raw.LinkType = core.LinkRaw

	decoded, err := NewStandardDecoder(Config{}).Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, caller.Addr(), decoded.IP.SrcIP)
	assert.Equal(t, 28, decoded.PayloadOff)
}

func TestFlowHasherSymmetric(t *testing.T) {
	h := NewFlowHasher()

	forward := h.Hash(rawOf(testutil.UDPFrame(caller, callee, []byte("a"))))
	reverse := h.Hash(rawOf(testutil.UDPFrame(callee, caller, []byte("b"))))
	other := h.Hash(rawOf(testutil.UDPFrame(caller, netip.MustParseAddrPort("192.168.1.3:5001"), nil)))

	assert.Equal(t, forward, reverse)
	assert.NotEqual(t, forward, other)
	assert.NotZero(t, forward)
}
