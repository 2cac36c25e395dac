package blockpool

import "sync/atomic"

// Reason records why a lease was taken.
type Reason uint8

const (
	ReasonCapture Reason = iota
	ReasonDispatch
	ReasonLinkQueue
	ReasonStaging
	ReasonWorker
	numReasons
)

var reasonNames = [numReasons]string{"capture", "dispatch", "link_queue", "staging", "worker"}

func (r Reason) String() string {
	if r < numReasons {
		return reasonNames[r]
	}
	return "unknown"
}

// Lease is one reference on a block. Release is idempotent: only the first
// call drops the reference, so a doubled unlock cannot underflow the count.
type Lease struct {
	arena    *Arena
	h        Handle
	reason   Reason
	released atomic.Bool
}

// Handle returns the leased block handle.
func (l *Lease) Handle() Handle { return l.h }

// Reason returns why the lease was taken.
func (l *Lease) Reason() Reason { return l.reason }

// Released reports whether the lease has been given back.
func (l *Lease) Released() bool { return l.released.Load() }

// Release gives the reference back and reports whether this call did so.
func (l *Lease) Release() bool {
	if l == nil || !l.released.CompareAndSwap(false, true) {
		return false
	}
	l.arena.release(l.h, l.reason)
	return true
}

// Bytes returns the frame addressed by ref, or nil if the lease was
// released or ref belongs to another block.
func (l *Lease) Bytes(ref Ref) []byte {
	if l == nil || l.released.Load() || ref.Handle != l.h {
		return nil
	}
	end := ref.Offset + ref.Length
	return l.arena.blocks[l.h.Index].buf[ref.Offset:end:end]
}
