package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAppendFlush(t *testing.T) {
	r := newRing(t, 4, 8)
	s := NewStage(r, 3)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(context.Background(), i))
	}
	assert.Equal(t, 3, s.Len())
	assert.Zero(t, r.Stats().Published, "nothing published until the stage fills")

	require.NoError(t, s.Append(context.Background(), 3))
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, uint64(3), r.Stats().Published)

	require.NoError(t, s.Flush(context.Background()))
	assert.Zero(t, s.Len())

	r.Close()
	assert.Equal(t, []int{0, 1, 2, 3}, drainAll(t, r))
}

func TestStageKeepsUnpublished(t *testing.T) {
	r := newRing(t, 1, 2)
	s := NewStage(r, 4)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Append(context.Background(), i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Error(t, s.Flush(ctx))
	assert.Equal(t, 2, s.Len(), "items the ring refused stay staged")

	var dropped []int
	s.Discard(func(v int) { dropped = append(dropped, v) })
	assert.Equal(t, []int{2, 3}, dropped)
	assert.Zero(t, s.Len())
}

func TestStagesFromManyProducers(t *testing.T) {
	r := newRing(t, 4, 4)
	done := make(chan []int)
	go func() { done <- drainAll(t, r) }()

	a, b := NewStage(r, 2), NewStage(r, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, a.Append(context.Background(), i))
		require.NoError(t, b.Append(context.Background(), 100+i))
	}
	require.NoError(t, a.Flush(context.Background()))
	require.NoError(t, b.Flush(context.Background()))
	r.Close()

	got := <-done
	assert.Len(t, got, 20)
	var fromA, fromB []int
	for _, v := range got {
		if v < 100 {
			fromA = append(fromA, v)
		} else {
			fromB = append(fromB, v-100)
		}
	}
	assert.Equal(t, fromA, fromB, "each producer keeps its order")
}
