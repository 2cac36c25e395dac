package packet

import "firestige.xyz/mediacore/internal/blockpool"

// Lock takes the primary lease on the block. It is a no-op when the lease
// is already held or the descriptor is not block-backed, and reports
// whether the primary lease is held afterwards.
func (d *Descriptor) Lock(reason blockpool.Reason) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.primary != nil {
		return true
	}
	if d.released || d.arena == nil || d.owned != nil {
		return false
	}
	l, ok := d.arena.Acquire(d.ref.Handle, reason)
	if !ok {
		return false
	}
	d.primary = l
	return true
}

// Unlock gives back the primary lease. No-op when it is not held.
func (d *Descriptor) Unlock() {
	d.mu.Lock()
	l := d.primary
	d.primary = nil
	d.mu.Unlock()
	l.Release()
}

// Locked reports whether the primary lease is held.
func (d *Descriptor) Locked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.primary != nil
}

// ForceLock takes an additional lease regardless of the primary one, for
// a second independent holder of the same descriptor.
func (d *Descriptor) ForceLock(reason blockpool.Reason) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.released || d.arena == nil || d.owned != nil {
		return false
	}
	l, ok := d.arena.Acquire(d.ref.Handle, reason)
	if !ok {
		return false
	}
	d.extra = append(d.extra, l)
	return true
}

// ForceUnlock gives back exactly one lease: the newest additional lease,
// else the primary. It returns false and changes nothing when no lease is
// held, so it cannot drop a reference the descriptor never took.
func (d *Descriptor) ForceUnlock() bool {
	d.mu.Lock()
	var l *blockpool.Lease
	if n := len(d.extra); n > 0 {
		l = d.extra[n-1]
		d.extra[n-1] = nil
		d.extra = d.extra[:n-1]
	} else {
		l, d.primary = d.primary, nil
	}
	d.mu.Unlock()
	return l.Release()
}

// Leases returns the number of block leases held.
func (d *Descriptor) Leases() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.extra)
	if d.primary != nil {
		n++
	}
	return n
}

// Detach copies the frame into a private buffer and gives back every
// lease. It reports false when there was nothing readable to copy.
func (d *Descriptor) Detach() bool {
	d.mu.Lock()
	if d.owned != nil {
		d.mu.Unlock()
		return true
	}
	frame := d.frameLocked()
	if frame == nil {
		d.mu.Unlock()
		return false
	}
	d.owned = make([]byte, len(frame))
	copy(d.owned, frame)
	leases := d.takeLeasesLocked()
	d.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	return true
}

// Release ends the descriptor: leases are given back, the private copy and
// decorations dropped, and any adopted descriptors still attached are
// released too. Safe to call more than once.
func (d *Descriptor) Release() {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		return
	}
	d.released = true
	leases := d.takeLeasesLocked()
	d.owned = nil
	d.labels = nil
	adopted := d.adopted
	d.adopted = nil
	d.mu.Unlock()

	for _, l := range leases {
		l.Release()
	}
	for _, a := range adopted {
		a.Release()
	}
}

// Released reports whether Release was called.
func (d *Descriptor) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

func (d *Descriptor) takeLeasesLocked() []*blockpool.Lease {
	leases := d.extra
	d.extra = nil
	if d.primary != nil {
		leases = append(leases, d.primary)
		d.primary = nil
	}
	return leases
}

// Adopt attaches descriptors moved in from the pending buffer. Their
// leases travel with them; nothing is re-locked.
func (d *Descriptor) Adopt(ds ...*Descriptor) {
	d.mu.Lock()
	if d.released {
		d.mu.Unlock()
		for _, a := range ds {
			a.Release()
		}
		return
	}
	d.adopted = append(d.adopted, ds...)
	d.mu.Unlock()
}

// TakeAdopted detaches and returns the adopted descriptors. The caller
// becomes responsible for releasing them.
func (d *Descriptor) TakeAdopted() []*Descriptor {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.adopted
	d.adopted = nil
	return out
}
