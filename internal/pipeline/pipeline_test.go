package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/core/decoder"
	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/linkqueue"
	"firestige.xyz/mediacore/internal/packet"
	"firestige.xyz/mediacore/internal/testutil"
)

var (
	caller = netip.MustParseAddrPort("10.0.0.1:40000")
	callee = netip.MustParseAddrPort("10.0.0.2:50000")
	other  = netip.MustParseAddrPort("10.0.0.9:30000")
)

type call string

func (c call) ID() string { return string(c) }

// stubResolver knows the caller/callee link only.
type stubResolver struct {
	media dispatch.MediaFlags
}

func (r stubResolver) Resolve(d *packet.Descriptor) (dispatch.Job, bool) {
	want := packet.NewLinkKey(packet.EndpointFrom(caller), packet.EndpointFrom(callee))
	if d.LinkKey() != want {
		return dispatch.Job{}, false
	}
	return dispatch.Job{Entity: call("call-1"), Media: r.media}, true
}

// switchResolver knows the other/callee link once known is set.
type switchResolver struct {
	known atomic.Bool
}

func (r *switchResolver) Resolve(d *packet.Descriptor) (dispatch.Job, bool) {
	want := packet.NewLinkKey(packet.EndpointFrom(other), packet.EndpointFrom(callee))
	if !r.known.Load() || d.LinkKey() != want {
		return dispatch.Job{}, false
	}
	return dispatch.Job{Entity: call("call-2")}, true
}

// recorder collects submitted jobs.
type recorder struct {
	mu      sync.Mutex
	jobs    []dispatch.Job
	err     error
	flushes int
	closed  bool
}

func (r *recorder) Submit(_ context.Context, job dispatch.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		job.Release()
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recorder) Flush(context.Context) error {
	r.mu.Lock()
	r.flushes++
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close(context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func newTestPipeline(res Resolver, sub Submitter, pending *linkqueue.Queue) *Pipeline {
	return New(Config{
		ID:       0,
		TaskID:   "test",
		Decoder:  decoder.NewStandardDecoder(decoder.Config{}),
		Resolver: res,
		Pending:  pending,
		Producer: sub,
	})
}

func run(t *testing.T, p *Pipeline, frames ...*packet.Descriptor) {
	t.Helper()
	in := make(chan *packet.Descriptor, len(frames))
	for _, d := range frames {
		in <- d
	}
	close(in)
	require.NoError(t, p.Run(context.Background(), in))
}

func desc(src, dst netip.AddrPort, payload []byte) *packet.Descriptor {
	return packet.FromBytes(testutil.UDPFrame(src, dst, payload), time.Unix(1700000000, 0))
}

func TestPipelineSubmitsKnownMedia(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{media: dispatch.MediaAudio}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	rtp := desc(caller, callee, testutil.RTP(1, 0xabc))
	rtcp := desc(callee, caller, testutil.RTCP(0xdef))
	run(t, p, rtp, rtcp)

	require.Len(t, rec.jobs, 2)
	assert.True(t, rec.closed)

	assert.Equal(t, packet.ClassRTP, rec.jobs[0].Packet.Class())
	assert.False(t, rec.jobs[0].RTCP)
	assert.Equal(t, "call-1", rec.jobs[0].Entity.ID())
	assert.Equal(t, "0x00000ABC", rec.jobs[0].Packet.Labels()[core.LabelRTPSSRC])

	assert.Equal(t, packet.ClassRTCP, rec.jobs[1].Packet.Class())
	assert.True(t, rec.jobs[1].RTCP)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Received)
	assert.Equal(t, uint64(2), stats.Submitted)
}

func TestPipelineReleasesUnmatchedMedia(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	d := desc(other, callee, testutil.RTP(1, 1))
	run(t, p, d)

	assert.Empty(t, rec.jobs)
	assert.True(t, d.Released())
	assert.Equal(t, uint64(1), p.Stats().Unmatched)
}

func TestPipelineReleasesSignaling(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	d := desc(caller, callee, testutil.SIP("INVITE"))
	run(t, p, d)

	assert.Empty(t, rec.jobs)
	assert.True(t, d.Released())
	assert.Equal(t, packet.ClassSignaling, d.Class())
	assert.Equal(t, uint64(1), p.Stats().Signaling)
}

func TestPipelineQueuesUnknownDTLSUntilResolved(t *testing.T) {
	rec := &recorder{}
	pending := linkqueue.New(linkqueue.DefaultConfig())
	res := &switchResolver{}
	p := newTestPipeline(res, rec, pending)

	early := desc(other, callee, testutil.DTLS(0, []byte("client-hello")))
	in := make(chan *packet.Descriptor, 2)
	in <- early

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), in) }()

	require.Eventually(t, func() bool { return pending.ExistsContent() }, time.Second, time.Millisecond)
	assert.False(t, early.Released())

	res.known.Store(true)
	in <- desc(callee, other, testutil.DTLS(1, []byte("server-hello")))
	close(in)
	require.NoError(t, <-done)

	require.Len(t, rec.jobs, 1)
	assert.False(t, pending.ExistsContent())
	adopted := rec.jobs[0].Packet.TakeAdopted()
	require.Len(t, adopted, 1)
	assert.Same(t, early, adopted[0])

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Pending)
	assert.Equal(t, uint64(1), stats.Adopted)
	assert.Equal(t, uint64(1), stats.Submitted)
}

func TestPipelineApplicationMedia(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{media: dispatch.MediaApplication}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	run(t, p, desc(caller, callee, []byte{0x40, 0x01, 0x02, 0x03}))

	require.Len(t, rec.jobs, 1)
	assert.Equal(t, packet.ClassAppMedia, rec.jobs[0].Packet.Class())
}

func TestPipelineDecodeError(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	d := packet.FromBytes([]byte{0x01, 0x02}, time.Now())
	run(t, p, d)

	assert.True(t, d.Released())
	assert.Equal(t, uint64(1), p.Stats().DecodeErrors)
}

func TestPipelineSubmitError(t *testing.T) {
	rec := &recorder{err: errors.New("ring closed")}
	p := newTestPipeline(stubResolver{media: dispatch.MediaAudio}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	d := desc(caller, callee, testutil.RTP(1, 1))
	run(t, p, d)

	assert.True(t, d.Released())
	assert.Equal(t, uint64(1), p.Stats().SubmitErrors)
}

func TestPipelineCancelReleasesBuffered(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	in := make(chan *packet.Descriptor, 4)
	ds := []*packet.Descriptor{
		desc(caller, callee, testutil.RTP(1, 1)),
		desc(caller, callee, testutil.RTP(2, 1)),
	}
	for _, d := range ds {
		in <- d
	}

	err := p.Run(ctx, in)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, rec.closed)
	for _, d := range ds {
		assert.True(t, d.Released() || d.Class() != packet.ClassUnknown)
	}
}

func TestStatsAdd(t *testing.T) {
	a := Stats{Received: 1, Submitted: 2}
	a.Add(Stats{Received: 3, Pending: 4})
	assert.Equal(t, Stats{Received: 4, Submitted: 2, Pending: 4}, a)
}

func TestPipelineFlushesWhenIdle(t *testing.T) {
	for _, staging := range []bool{false, true} {
		t.Run(fmt.Sprintf("staging=%t", staging), func(t *testing.T) {
			var handled atomic.Int64
			disp, err := dispatch.New(dispatch.Config{
				Workers:         1,
				Slots:           4,
				SlotCapacity:    8,
				Staging:         staging,
				StagingCapacity: 8,
			}, func(_ int, jobs []dispatch.Job) {
				for _, job := range jobs {
					handled.Add(1)
					job.Release()
				}
			})
			require.NoError(t, err)
			disp.Start(context.Background())

			p := newTestPipeline(stubResolver{media: dispatch.MediaAudio}, disp.NewProducer(), linkqueue.New(linkqueue.DefaultConfig()))
			in := make(chan *packet.Descriptor)
			done := make(chan error, 1)
			go func() { done <- p.Run(context.Background(), in) }()

			// One packet on a quiet flow must reach the worker while in stays open.
			in <- desc(caller, callee, testutil.RTP(1, 0xabc))
			assert.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
			assert.Equal(t, uint64(1), p.Stats().IdleFlushes)

			close(in)
			require.NoError(t, <-done)
			require.NoError(t, disp.Close(context.Background()))
			assert.Equal(t, int64(1), handled.Load())
		})
	}
}

func TestPipelineSkipsFlushWithoutSubmissions(t *testing.T) {
	rec := &recorder{}
	p := newTestPipeline(stubResolver{}, rec, linkqueue.New(linkqueue.DefaultConfig()))

	// Signaling is never submitted, so there is nothing to flush.
	run(t, p, desc(caller, callee, testutil.SIP("INVITE")))
	assert.Zero(t, rec.flushes)
	assert.Zero(t, p.Stats().IdleFlushes)

	rec = &recorder{}
	p = newTestPipeline(stubResolver{media: dispatch.MediaAudio}, rec, linkqueue.New(linkqueue.DefaultConfig()))
	in := make(chan *packet.Descriptor)
	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), in) }()

	in <- desc(caller, callee, testutil.RTP(1, 0xabc))
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.flushes == 1
	}, 2*time.Second, 5*time.Millisecond)
	close(in)
	require.NoError(t, <-done)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.jobs, 1)
	assert.Equal(t, 1, rec.flushes)
}
