package media

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/packet"
	"firestige.xyz/mediacore/internal/testutil"
)

// payloadPacket builds an owned descriptor whose whole frame is payload.
func payloadPacket(payload []byte, class packet.Class, ts time.Time) *packet.Descriptor {
	d := packet.FromBytes(payload, ts)
	d.SetClass(class)
	return d
}

func TestAnalyzerRTPSequence(t *testing.T) {
	call := NewCall("call-1", 0)
	a := NewAnalyzer()
	start := time.Unix(1700000000, 0)

	var jobs []dispatch.Job
	for i, seq := range []uint16{1, 2, 5, 4, 6} {
		jobs = append(jobs, dispatch.Job{
			Entity: call,
			Packet: payloadPacket(testutil.RTP(seq, 0xabc), packet.ClassRTP, start.Add(time.Duration(i)*20*time.Millisecond)),
			Side:   dispatch.SideCaller,
			Media:  dispatch.MediaAudio,
		})
	}
	a.Handle(0, jobs)

	st := call.Snapshot()
	assert.Equal(t, uint64(5), st.Caller.Packets)
	assert.Equal(t, uint32(0xabc), st.Caller.SSRC)
	assert.Equal(t, uint64(2), st.Caller.SeqGaps)
	assert.Equal(t, uint64(1), st.Caller.Reordered)
	assert.Equal(t, 80*time.Millisecond, st.Duration)
	assert.Zero(t, st.Callee.Packets)

	for _, j := range jobs {
		assert.True(t, j.Packet.Released())
	}
}

func TestSeqWraparound(t *testing.T) {
	var s StreamStats
	for _, seq := range []uint16{65534, 65535, 0, 1} {
		s.observeSeq(1, seq)
	}
	assert.Zero(t, s.SeqGaps)
	assert.Zero(t, s.Reordered)
}

func TestAnalyzerAdopted(t *testing.T) {
	call := NewCall("call-2", 1)
	a := NewAnalyzer()
	now := time.Now()

	parent := payloadPacket(testutil.DTLS(3, []byte{1}), packet.ClassDTLS, now)
	children := []*packet.Descriptor{
		payloadPacket(testutil.DTLS(0, []byte{1}), packet.ClassDTLS, now),
		payloadPacket(testutil.DTLS(1, []byte{1}), packet.ClassDTLS, now),
		payloadPacket(testutil.DTLS(2, []byte{1}), packet.ClassDTLS, now),
	}
	parent.Adopt(children...)

	a.Handle(1, []dispatch.Job{{Entity: call, Packet: parent, Side: dispatch.SideCallee}})

	st := call.Snapshot()
	assert.Equal(t, uint64(4), st.Callee.DTLS)
	assert.Equal(t, uint64(3), st.Adopted)
	assert.Equal(t, uint64(4), a.Handled())
	for _, c := range children {
		assert.True(t, c.Released())
	}
}

func TestAnalyzerOrphan(t *testing.T) {
	a := NewAnalyzer()
	d := payloadPacket([]byte("x"), packet.ClassOther, time.Now())
	a.Handle(0, []dispatch.Job{{Packet: d}})

	assert.Equal(t, uint64(1), a.Orphaned())
	assert.True(t, d.Released())
}

func TestCallPersistAndRTCP(t *testing.T) {
	call := NewCall("call-3", 0)
	a := NewAnalyzer()
	a.Handle(0, []dispatch.Job{
		{Entity: call, Packet: payloadPacket(testutil.RTCP(9), packet.ClassRTCP, time.Now()), RTCP: true, Persist: true},
	})
	st := call.Snapshot()
	assert.Equal(t, uint64(1), st.Caller.RTCP)
	assert.Equal(t, uint64(1), st.Persisted)
	assert.Equal(t, "call-3", call.ID())
	assert.Equal(t, 0, call.Worker())
}
