package blockpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/mediacore/internal/core"
)

func newArena(t *testing.T, blocks, size int) *Arena {
	t.Helper()
	a, err := New(Config{Blocks: blocks, BlockSize: size})
	require.NoError(t, err)
	return a
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := New(Config{Blocks: 0, BlockSize: 1024})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestWriterAppend(t *testing.T) {
	a := newArena(t, 1, 16)
	w, err := a.Alloc()
	require.NoError(t, err)

	r1, ok := w.Append([]byte("0123456789"))
	require.True(t, ok)
	assert.Equal(t, 0, r1.Offset)
	assert.Equal(t, 10, r1.Length)

	_, ok = w.Append([]byte("0123456789"))
	assert.False(t, ok, "frame larger than remaining space")

	r2, ok := w.Append([]byte("abcdef"))
	require.True(t, ok)
	assert.Equal(t, 10, r2.Offset)
	assert.Equal(t, 0, w.Remaining())

	l, ok := a.Acquire(w.Handle(), ReasonWorker)
	require.True(t, ok)
	assert.Equal(t, []byte("abcdef"), l.Bytes(r2))
	l.Release()
	w.Close()
}

func TestRecycleOnLastRelease(t *testing.T) {
	a := newArena(t, 1, 64)
	w, err := a.Alloc()
	require.NoError(t, err)
	h := w.Handle()

	l1, ok := a.Acquire(h, ReasonDispatch)
	require.True(t, ok)
	l2, ok := a.Acquire(h, ReasonLinkQueue)
	require.True(t, ok)
	assert.Equal(t, uint32(3), a.Refs(h))

	_, err = a.Alloc()
	assert.ErrorIs(t, err, core.ErrPoolExhausted)

	w.Close()
	assert.True(t, l1.Release())
	assert.Equal(t, int64(1), a.Stats().InUse)

	assert.True(t, l2.Release())
	assert.Equal(t, int64(0), a.Stats().InUse)
	assert.Equal(t, uint32(0), a.Refs(h))

	// Stale handle cannot revive the recycled block.
	_, ok = a.Acquire(h, ReasonWorker)
	assert.False(t, ok)

	w2, err := a.Alloc()
	require.NoError(t, err)
	assert.Equal(t, h.Index, w2.Handle().Index)
	assert.NotEqual(t, h.Gen, w2.Handle().Gen)

	_, ok = a.Acquire(h, ReasonWorker)
	assert.False(t, ok, "old generation must not acquire the new incarnation")
	w2.Close()
}

func TestLeaseReleaseIdempotent(t *testing.T) {
	a := newArena(t, 1, 64)
	w, _ := a.Alloc()
	ref, _ := w.Append([]byte("frame"))

	l, ok := a.Acquire(w.Handle(), ReasonWorker)
	require.True(t, ok)
	w.Close()

	assert.True(t, l.Release())
	assert.False(t, l.Release())
	assert.Nil(t, l.Bytes(ref))
	assert.Equal(t, int64(0), a.Stats().InUse)

	var nilLease *Lease
	assert.False(t, nilLease.Release())
}

func TestOutstandingByReason(t *testing.T) {
	a := newArena(t, 2, 64)
	w, _ := a.Alloc()
	l, _ := a.Acquire(w.Handle(), ReasonLinkQueue)

	out := a.Outstanding()
	assert.Equal(t, int64(1), out["capture"])
	assert.Equal(t, int64(1), out["link_queue"])
	assert.Equal(t, int64(0), out["worker"])

	w.Close()
	l.Release()
	for reason, n := range a.Outstanding() {
		assert.Zero(t, n, reason)
	}
}

func TestConcurrentAcquireRelease(t *testing.T) {
	a := newArena(t, 4, 256)
	w, err := a.Alloc()
	require.NoError(t, err)
	h := w.Handle()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				l, ok := a.Acquire(h, ReasonWorker)
				if !ok {
					t.Error("acquire failed while capture reference held")
					return
				}
				l.Release()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint32(1), a.Refs(h))
	w.Close()
	assert.Equal(t, int64(0), a.Stats().InUse)
	assert.Equal(t, uint64(1), a.Stats().Recycled)
}
