// Package linkqueue holds packets of flows that cannot be attributed to a
// call yet, keyed by their unordered endpoint pair, until the call is
// resolved or the link expires.
package linkqueue

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gammazero/deque"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/packet"
	"firestige.xyz/mediacore/internal/spin"
)

// Config controls expiry of pending links.
type Config struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Expiration      time.Duration `mapstructure:"expiration" yaml:"expiration"`
	MaxPackets      int           `mapstructure:"max_packets" yaml:"max_packets"`
	// Detach copies queued frames out of the pool so a long-unresolved
	// link does not pin whole blocks.
	Detach bool `mapstructure:"detach" yaml:"detach"`
}

// DefaultConfig returns the default expiry settings.
func DefaultConfig() Config {
	return Config{
		CleanupInterval: 5 * time.Second,
		Expiration:      10 * time.Second,
		MaxPackets:      20,
	}
}

// DropReason says why queued packets were discarded.
type DropReason string

const (
	DropExpired  DropReason = "expired"
	DropOverflow DropReason = "overflow"
	DropShutdown DropReason = "shutdown"
)

// Holder receives the packets of a resolved link.
type Holder interface {
	LinkKey() packet.LinkKey
	Adopt(ds ...*packet.Descriptor)
}

type link struct {
	first   time.Time
	last    time.Time
	packets deque.Deque[*packet.Descriptor]
}

type dropped struct {
	key     packet.LinkKey
	reason  DropReason
	packets []*packet.Descriptor
}

// Queue is the link-keyed pending buffer. All operations are serialized by
// one spin lock.
type Queue struct {
	cfg    Config
	now    func() time.Time
	onDrop func(key packet.LinkKey, reason DropReason, n int)

	mu          spin.Mutex
	links       map[packet.LinkKey]*link
	size        int
	lastCleanup time.Time

	pushed   atomic.Uint64
	resolved atomic.Uint64
	dropped  atomic.Uint64
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithDropHook is called outside the lock for every discarded link.
func WithDropHook(fn func(key packet.LinkKey, reason DropReason, n int)) Option {
	return func(q *Queue) { q.onDrop = fn }
}

// New creates a Queue. Zero config fields take their defaults.
func New(cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = def.Expiration
	}
	if cfg.MaxPackets <= 0 {
		cfg.MaxPackets = def.MaxPackets
	}
	q := &Queue{
		cfg:   cfg,
		now:   time.Now,
		links: make(map[packet.LinkKey]*link),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.lastCleanup = q.now()
	return q
}

// Push stores d under its link key. The queue takes ownership: d is locked
// (or detached) first, and released later by cleanup unless a holder
// claims it. Push runs cleanup when the interval has elapsed. It returns
// false when d could not be secured and was released instead.
func (q *Queue) Push(d *packet.Descriptor) bool {
	if !q.secure(d) {
		d.Release()
		return false
	}

	now := q.now()
	key := d.LinkKey()

	q.mu.Lock()
	var drops []dropped
	if now.Sub(q.lastCleanup) >= q.cfg.CleanupInterval {
		drops = q.collectLocked(now)
		q.lastCleanup = now
	}
	l, ok := q.links[key]
	if !ok {
		l = &link{first: now}
		q.links[key] = l
	}
	l.packets.PushBack(d)
	l.last = now
	q.size++
	q.mu.Unlock()

	q.pushed.Add(1)
	q.release(drops)
	return true
}

func (q *Queue) secure(d *packet.Descriptor) bool {
	if q.cfg.Detach {
		return d.Detach()
	}
	return d.Lock(blockpool.ReasonLinkQueue) || !d.BlockBacked()
}

// MoveToEntity transfers every packet queued for h's link onto h, oldest
// first, and forgets the link. Leases move with the packets. It returns
// the number of packets moved.
func (q *Queue) MoveToEntity(h Holder) int {
	key := h.LinkKey()

	q.mu.Lock()
	l, ok := q.links[key]
	if !ok {
		q.mu.Unlock()
		return 0
	}
	delete(q.links, key)
	q.size -= l.packets.Len()
	ds := drainLink(l)
	q.mu.Unlock()

	h.Adopt(ds...)
	q.resolved.Add(uint64(len(ds)))
	return len(ds)
}

// ExistsLink reports whether packets are queued for d's link.
func (q *Queue) ExistsLink(d *packet.Descriptor) bool {
	key := d.LinkKey()
	q.mu.Lock()
	_, ok := q.links[key]
	q.mu.Unlock()
	return ok
}

// ExistsContent reports whether any link is pending.
func (q *Queue) ExistsContent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.links) > 0
}

// Len returns the number of pending links.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.links)
}

// Cleanup discards links idle longer than the expiration or holding more
// than the packet limit, releasing their packets. It returns the number of
// links removed.
func (q *Queue) Cleanup(now time.Time) int {
	q.mu.Lock()
	drops := q.collectLocked(now)
	q.lastCleanup = now
	q.mu.Unlock()

	q.release(drops)
	return len(drops)
}

func (q *Queue) collectLocked(now time.Time) []dropped {
	var drops []dropped
	for key, l := range q.links {
		var reason DropReason
		switch {
		case now.Sub(l.last) > q.cfg.Expiration:
			reason = DropExpired
		case l.packets.Len() > q.cfg.MaxPackets:
			reason = DropOverflow
		default:
			continue
		}
		delete(q.links, key)
		q.size -= l.packets.Len()
		drops = append(drops, dropped{key: key, reason: reason, packets: drainLink(l)})
	}
	return drops
}

func (q *Queue) release(drops []dropped) {
	for _, dr := range drops {
		for _, d := range dr.packets {
			d.Release()
		}
		q.dropped.Add(uint64(len(dr.packets)))
		slog.Debug("pending link dropped",
			"link", dr.key.String(),
			"reason", string(dr.reason),
			"packets", len(dr.packets))
		if q.onDrop != nil {
			q.onDrop(dr.key, dr.reason, len(dr.packets))
		}
	}
}

func drainLink(l *link) []*packet.Descriptor {
	ds := make([]*packet.Descriptor, 0, l.packets.Len())
	for l.packets.Len() > 0 {
		ds = append(ds, l.packets.PopFront())
	}
	return ds
}

// Run calls Cleanup every CleanupInterval until ctx is done, so links
// expire even when no new packets arrive.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := q.Cleanup(q.now()); n > 0 {
				slog.Debug("pending buffer cleanup", "links_removed", n, "links_left", q.Len())
			}
		}
	}
}

// Close releases every queued packet.
func (q *Queue) Close() {
	q.mu.Lock()
	drops := make([]dropped, 0, len(q.links))
	for key, l := range q.links {
		drops = append(drops, dropped{key: key, reason: DropShutdown, packets: drainLink(l)})
	}
	clear(q.links)
	q.size = 0
	q.mu.Unlock()

	q.release(drops)
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Links    int    `json:"links"`
	Packets  int    `json:"packets"`
	Pushed   uint64 `json:"pushed"`
	Resolved uint64 `json:"resolved"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns a snapshot of queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	links, size := len(q.links), q.size
	q.mu.Unlock()
	return Stats{
		Links:    links,
		Packets:  size,
		Pushed:   q.pushed.Load(),
		Resolved: q.resolved.Load(),
		Dropped:  q.dropped.Load(),
	}
}
