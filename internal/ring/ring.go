// Package ring implements the lock-protected batch ring that hands captured
// packets from producer goroutines to one consumer. Producers fill a slot
// under the push lock and publish it whole; the consumer takes slots in
// order. A full ring stalls producers and never overwrites.
package ring

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/spin"
)

// Config sizes a Ring.
type Config struct {
	Slots        int
	SlotCapacity int
	Backoff      spin.Backoff
	// OnStall is called after a producer waited for a slot to drain.
	OnStall func(wait time.Duration)
}

type slot[T any] struct {
	items []T
	count int
	// ready hands the slot between the push side (false) and the consumer
	// (true). Each side touches items only while it owns the slot.
	ready atomic.Bool
}

// Ring is a fixed ring of batch slots with any number of producers and a
// single logical consumer.
type Ring[T any] struct {
	slots   []slot[T]
	backoff spin.Backoff
	onStall func(time.Duration)

	pushMu spin.Mutex
	write  int // guarded by pushMu
	fill   int // items in the write slot, guarded by pushMu

	drainMu sync.Mutex
	read    int // guarded by drainMu

	closed atomic.Bool

	published  atomic.Uint64
	batches    atomic.Uint64
	drained    atomic.Uint64
	stalls     atomic.Uint64
	stallNanos atomic.Int64
}

// New creates a ring. One slot degenerates to a synchronous hand-off.
func New[T any](cfg Config) (*Ring[T], error) {
	if cfg.Slots <= 0 || cfg.SlotCapacity <= 0 {
		return nil, fmt.Errorf("ring: slots=%d slot_capacity=%d: %w", cfg.Slots, cfg.SlotCapacity, core.ErrConfigInvalid)
	}
	if cfg.Backoff == (spin.Backoff{}) {
		cfg.Backoff = spin.DefaultBackoff
	}
	r := &Ring[T]{
		slots:   make([]slot[T], cfg.Slots),
		backoff: cfg.Backoff,
		onStall: cfg.OnStall,
	}
	for i := range r.slots {
		r.slots[i].items = make([]T, cfg.SlotCapacity)
	}
	return r, nil
}

// Publish appends item to the current write slot. The first write into a
// slot waits until the consumer has finished with it; a slot that reaches
// capacity is handed to the consumer immediately.
func (r *Ring[T]) Publish(ctx context.Context, item T) error {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	if r.closed.Load() {
		return core.ErrRingClosed
	}
	if err := r.appendLocked(ctx, item); err != nil {
		return err
	}
	r.published.Add(1)
	return nil
}

// PublishBatch appends items in order under one acquisition of the push
// lock, continuing a partially filled write slot, and then flushes, so the
// batch is visible to the consumer on return.
// Batches larger than a slot span consecutive slots. It returns how many
// items were published; on error the rest still belong to the caller.
func (r *Ring[T]) PublishBatch(ctx context.Context, items []T) (int, error) {
	r.pushMu.Lock()
	defer r.pushMu.Unlock()

	if r.closed.Load() {
		return 0, core.ErrRingClosed
	}
	for i, item := range items {
		if err := r.appendLocked(ctx, item); err != nil {
			r.published.Add(uint64(i))
			r.commitLocked()
			return i, err
		}
	}
	r.published.Add(uint64(len(items)))
	r.commitLocked()
	return len(items), nil
}

// Flush hands a partially filled write slot to the consumer.
func (r *Ring[T]) Flush() {
	r.pushMu.Lock()
	r.commitLocked()
	r.pushMu.Unlock()
}

func (r *Ring[T]) appendLocked(ctx context.Context, item T) error {
	s := &r.slots[r.write]
	if r.fill == 0 {
		if err := r.awaitFree(ctx, s); err != nil {
			return err
		}
	}
	s.items[r.fill] = item
	r.fill++
	if r.fill == len(s.items) {
		r.commitLocked()
	}
	return nil
}

func (r *Ring[T]) awaitFree(ctx context.Context, s *slot[T]) error {
	if !s.ready.Load() {
		return nil
	}
	start := time.Now()
	_, err := r.backoff.Wait(ctx, func() bool { return !s.ready.Load() })
	wait := time.Since(start)
	r.stalls.Add(1)
	r.stallNanos.Add(int64(wait))
	if r.onStall != nil {
		r.onStall(wait)
	}
	return err
}

func (r *Ring[T]) commitLocked() {
	if r.fill == 0 {
		return
	}
	s := &r.slots[r.write]
	s.count = r.fill
	s.ready.Store(true)
	r.fill = 0
	r.write = (r.write + 1) % len(r.slots)
	r.batches.Add(1)
}

// Drain waits for the slot at the read cursor, passes its items to fn and
// returns the slot to producers. Items are zeroed after fn returns, so fn
// must take ownership of anything it keeps. Returns core.ErrRingClosed once
// the ring is closed and fully drained.
func (r *Ring[T]) Drain(ctx context.Context, fn func([]T)) error {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	s := &r.slots[r.read]
	if _, err := r.backoff.Wait(ctx, func() bool { return s.ready.Load() || r.closed.Load() }); err != nil {
		return err
	}
	if !s.ready.Load() {
		return core.ErrRingClosed
	}
	r.consumeLocked(s, fn)
	return nil
}

// TryDrain consumes the slot at the read cursor if it is ready and reports
// whether it did.
func (r *Ring[T]) TryDrain(fn func([]T)) bool {
	r.drainMu.Lock()
	defer r.drainMu.Unlock()

	s := &r.slots[r.read]
	if !s.ready.Load() {
		return false
	}
	r.consumeLocked(s, fn)
	return true
}

func (r *Ring[T]) consumeLocked(s *slot[T], fn func([]T)) {
	items := s.items[:s.count]
	fn(items)
	clear(items)
	r.drained.Add(uint64(s.count))
	s.count = 0
	s.ready.Store(false)
	r.read = (r.read + 1) % len(r.slots)
}

// Close flushes the partial write slot and refuses further publishes.
// Consumers keep draining ready slots and then see core.ErrRingClosed.
func (r *Ring[T]) Close() {
	r.pushMu.Lock()
	r.commitLocked()
	r.closed.Store(true)
	r.pushMu.Unlock()
}

// Stats is a snapshot of ring counters.
type Stats struct {
	Slots     int           `json:"slots"`
	Capacity  int           `json:"slot_capacity"`
	Published uint64        `json:"published"`
	Batches   uint64        `json:"batches"`
	Drained   uint64        `json:"drained"`
	Stalls    uint64        `json:"stalls"`
	StallTime time.Duration `json:"stall_time"`
}

// Pending returns items published but not yet drained.
func (s Stats) Pending() uint64 { return s.Published - s.Drained }

// Stats returns a snapshot of ring counters.
func (r *Ring[T]) Stats() Stats {
	return Stats{
		Slots:     len(r.slots),
		Capacity:  len(r.slots[0].items),
		Published: r.published.Load(),
		Batches:   r.batches.Load(),
		Drained:   r.drained.Load(),
		Stalls:    r.stalls.Load(),
		StallTime: time.Duration(r.stallNanos.Load()),
	}
}
