package dispatch

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/packet"
)

type call struct {
	id     string
	worker int
}

func (c *call) ID() string  { return c.id }
func (c *call) Worker() int { return c.worker }

type namedEntity string

func (e namedEntity) ID() string { return string(e) }

// recorder is a Handler that remembers per-entity sequence order and
// releases every packet.
type recorder struct {
	mu      sync.Mutex
	seen    map[string][]uint32
	workers map[string]map[int]bool
	total   int
}

func newRecorder() *recorder {
	return &recorder{seen: make(map[string][]uint32), workers: make(map[string]map[int]bool)}
}

func (r *recorder) handle(worker int, jobs []Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		id := j.Entity.ID()
		r.seen[id] = append(r.seen[id], j.Packet.Seq)
		if r.workers[id] == nil {
			r.workers[id] = make(map[int]bool)
		}
		r.workers[id][worker] = true
		r.total++
		j.Release()
	}
}

func capturePackets(t *testing.T, arena *blockpool.Arena, n int) []*packet.Descriptor {
	t.Helper()
	w, err := arena.Alloc()
	require.NoError(t, err)
	defer w.Close()

	out := make([]*packet.Descriptor, n)
	for i := range out {
		ref, ok := w.Append([]byte{byte(i)})
		require.True(t, ok)
		d := packet.FromBlock(arena, ref, time.Now())
		d.Seq = uint32(i)
		require.True(t, d.Lock(blockpool.ReasonCapture))
		out[i] = d
	}
	return out
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Workers: 0, Slots: 1, SlotCapacity: 1}, func(int, []Job) {})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	_, err = New(Config{Workers: 1, Slots: 1, SlotCapacity: 1}, nil)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestWorkerFor(t *testing.T) {
	d, err := New(Config{Workers: 4, Slots: 2, SlotCapacity: 2}, func(int, []Job) {})
	require.NoError(t, err)

	assert.Equal(t, 3, d.WorkerFor(Job{Entity: &call{id: "a", worker: 3}}))
	assert.Equal(t, d.Assign("b"), d.WorkerFor(Job{Entity: &call{id: "b", worker: 9}}), "out of range pin falls back to the ring")
	assert.Equal(t, d.Assign("c"), d.WorkerFor(Job{Entity: namedEntity("c")}))

	fwd := packet.FromBytes(nil, time.Now())
	fwd.Src = packet.EndpointFrom(netip.MustParseAddrPort("10.0.0.1:1000"))
	fwd.Dst = packet.EndpointFrom(netip.MustParseAddrPort("10.0.0.2:2000"))
	rev := packet.FromBytes(nil, time.Now())
	rev.Src, rev.Dst = fwd.Dst, fwd.Src
	assert.Equal(t, d.WorkerFor(Job{Packet: fwd}), d.WorkerFor(Job{Packet: rev}))
}

func TestAssignerStable(t *testing.T) {
	a := NewAssigner(8)
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("call-%d", i)
		w := a.Assign(id)
		assert.GreaterOrEqual(t, w, 0)
		assert.Less(t, w, 8)
		assert.Equal(t, w, a.Assign(id))
	}
}

func runDispatch(t *testing.T, staging bool) {
	const producers, calls, perCall = 3, 6, 40

	arena, err := blockpool.New(blockpool.Config{Blocks: producers * calls, BlockSize: 1024})
	require.NoError(t, err)

	rec := newRecorder()
	d, err := New(Config{
		Workers:         3,
		Slots:           2,
		SlotCapacity:    4,
		Staging:         staging,
		StagingCapacity: 5,
	}, rec.handle)
	require.NoError(t, err)
	d.Start(context.Background())

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		batches := make([][]*packet.Descriptor, calls)
		for c := range batches {
			batches[c] = capturePackets(t, arena, perCall)
		}
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			prod := d.NewProducer()
			for i := 0; i < perCall; i++ {
				for c := 0; c < calls; c++ {
					e := namedEntity(fmt.Sprintf("p%d-c%d", p, c))
					if err := prod.Submit(context.Background(), Job{Entity: e, Packet: batches[c][i]}); err != nil {
						t.Error(err)
					}
				}
			}
			assert.NoError(t, prod.Close(context.Background()))
			assert.Zero(t, prod.Staged())
		}(p)
	}
	wg.Wait()
	require.NoError(t, d.Close(context.Background()))

	assert.Equal(t, producers*calls*perCall, rec.total)
	for id, seqs := range rec.seen {
		require.Len(t, seqs, perCall, id)
		for i, s := range seqs {
			assert.Equal(t, uint32(i), s, "entity %s out of order", id)
		}
		assert.Len(t, rec.workers[id], 1, "entity %s spread over workers", id)
	}
	assert.Equal(t, int64(0), arena.Stats().InUse, "every packet released")
	for reason, n := range arena.Outstanding() {
		assert.Zero(t, n, reason)
	}
	assert.Equal(t, uint64(producers*calls*perCall), d.Stats().Totals().Drained)
}

func TestDispatchDirect(t *testing.T)  { runDispatch(t, false) }
func TestDispatchStaged(t *testing.T) { runDispatch(t, true) }

func TestSubmitAfterClose(t *testing.T) {
	d, err := New(Config{Workers: 1, Slots: 1, SlotCapacity: 1}, func(_ int, jobs []Job) {
		for _, j := range jobs {
			j.Release()
		}
	})
	require.NoError(t, err)
	d.Start(context.Background())
	require.NoError(t, d.Close(context.Background()))

	pkt := packet.FromBytes([]byte("x"), time.Now())
	assert.ErrorIs(t, d.Submit(context.Background(), Job{Entity: namedEntity("a"), Packet: pkt}), core.ErrDispatcherClosed)
	assert.True(t, pkt.Released(), "rejected jobs are released")
}

func TestCloseWithoutStartReleases(t *testing.T) {
	d, err := New(Config{Workers: 2, Slots: 2, SlotCapacity: 2}, func(int, []Job) {})
	require.NoError(t, err)

	pkt := packet.FromBytes([]byte("x"), time.Now())
	require.NoError(t, d.Submit(context.Background(), Job{Entity: namedEntity("a"), Packet: pkt}))
	require.NoError(t, d.Close(context.Background()))
	assert.True(t, pkt.Released())
}

func TestStallHook(t *testing.T) {
	var (
		mu     sync.Mutex
		stalls = map[int]int{}
	)
	release := make(chan struct{})
	d, err := New(Config{Workers: 1, Slots: 1, SlotCapacity: 1}, func(_ int, jobs []Job) {
		<-release
		for _, j := range jobs {
			j.Release()
		}
	}, WithStallHook(func(w int, _ time.Duration) {
		mu.Lock()
		stalls[w]++
		mu.Unlock()
	}))
	require.NoError(t, err)
	d.Start(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.Submit(context.Background(), Job{Entity: namedEntity("a"), Packet: packet.FromBytes(nil, time.Now())}))
	}
	require.NoError(t, d.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Positive(t, stalls[0])
}

func TestProducerFlushPartialSlot(t *testing.T) {
	for _, staging := range []bool{false, true} {
		t.Run(fmt.Sprintf("staging=%t", staging), func(t *testing.T) {
			arena, err := blockpool.New(blockpool.Config{Blocks: 1, BlockSize: 1024})
			require.NoError(t, err)

			rec := newRecorder()
			d, err := New(Config{
				Workers:         1,
				Slots:           2,
				SlotCapacity:    8,
				Staging:         staging,
				StagingCapacity: 8,
			}, rec.handle)
			require.NoError(t, err)
			d.Start(context.Background())

			p := d.NewProducer()
			require.NoError(t, p.Submit(context.Background(), Job{Entity: namedEntity("quiet"), Packet: capturePackets(t, arena, 1)[0]}))

			handled := func() int {
				rec.mu.Lock()
				defer rec.mu.Unlock()
				return rec.total
			}
			// A single job does not fill a slot, so it waits for a flush.
			time.Sleep(20 * time.Millisecond)
			assert.Zero(t, handled())

			require.NoError(t, p.Flush(context.Background()))
			assert.Eventually(t, func() bool { return handled() == 1 }, 2*time.Second, 5*time.Millisecond)

			require.NoError(t, d.Close(context.Background()))
			assert.Zero(t, arena.Stats().InUse)
		})
	}
}
