// Package spin provides a spinning mutual-exclusion lock and a bounded
// backoff wait for short critical sections on the capture hot path.
package spin

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"
)

// Mutex is a CAS spin lock that yields, then sleeps, while contended.
// The zero value is unlocked. It implements sync.Locker.
type Mutex struct {
	state atomic.Int32
}

const (
	yieldSpins = 64
	lockSleep  = 10 * time.Microsecond
)

// Lock acquires m, spinning until it is free.
func (m *Mutex) Lock() {
	for i := 0; !m.state.CompareAndSwap(0, 1); i++ {
		if i < yieldSpins {
			runtime.Gosched()
			continue
		}
		time.Sleep(lockSleep)
	}
}

// TryLock acquires m if it is free and reports whether it did.
func (m *Mutex) TryLock() bool {
	return m.state.CompareAndSwap(0, 1)
}

// Unlock releases m. Unlocking an unlocked Mutex panics.
func (m *Mutex) Unlock() {
	if !m.state.CompareAndSwap(1, 0) {
		panic("spin: unlock of unlocked mutex")
	}
}

// Backoff configures a bounded busy-wait: Spins rounds of runtime.Gosched,
// then sleeps starting at Sleep and doubling up to MaxSleep.
type Backoff struct {
	Spins    int
	Sleep    time.Duration
	MaxSleep time.Duration
}

// DefaultBackoff matches the polling cadence of the capture path.
var DefaultBackoff = Backoff{Spins: 32, Sleep: 10 * time.Microsecond, MaxSleep: time.Millisecond}

// Wait polls cond until it returns true or ctx is done. It reports whether
// it had to wait at all, so callers can count stalls.
func (b Backoff) Wait(ctx context.Context, cond func() bool) (stalled bool, err error) {
	if cond() {
		return false, nil
	}
	sleep := b.Sleep
	if sleep <= 0 {
		sleep = DefaultBackoff.Sleep
	}
	maxSleep := b.MaxSleep
	if maxSleep < sleep {
		maxSleep = sleep
	}

	for i := 0; ; i++ {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if i < b.Spins {
			runtime.Gosched()
		} else {
			time.Sleep(sleep)
			if sleep *= 2; sleep > maxSleep {
				sleep = maxSleep
			}
		}
		if cond() {
			return true, nil
		}
	}
}
