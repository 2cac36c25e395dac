package media

import (
	"log/slog"
	"sync/atomic"

	"github.com/pion/rtp"

	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/packet"
)

// Analyzer is the worker handler. It folds every job into its call and
// releases the packet, together with any packets adopted from the pending
// buffer.
type Analyzer struct {
	handled  atomic.Uint64
	orphaned atomic.Uint64
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer() *Analyzer { return &Analyzer{} }

// Handle implements dispatch.Handler.
func (a *Analyzer) Handle(worker int, jobs []dispatch.Job) {
	for _, job := range jobs {
		a.handle(worker, job)
	}
}

func (a *Analyzer) handle(worker int, job dispatch.Job) {
	defer job.Release()

	call, ok := job.Entity.(*Call)
	if !ok || job.Packet == nil {
		a.orphaned.Add(1)
		return
	}

	adopted := job.Packet.TakeAdopted()
	call.mu.Lock()
	call.observe(job, job.Packet)
	for _, d := range adopted {
		call.observe(job, d)
		call.adopted++
	}
	call.mu.Unlock()

	for _, d := range adopted {
		d.Release()
	}
	a.handled.Add(uint64(1 + len(adopted)))

	if len(adopted) > 0 {
		slog.Debug("pending packets attached to call",
			"call", call.id, "worker", worker, "packets", len(adopted))
	}
}

// observe must run with c.mu held.
func (c *Call) observe(job dispatch.Job, d *packet.Descriptor) {
	side := &c.sides[job.Side&1]
	if c.first.IsZero() || d.Timestamp.Before(c.first) {
		c.first = d.Timestamp
	}
	if d.Timestamp.After(c.last) {
		c.last = d.Timestamp
	}
	if job.Persist {
		c.persisted++
	}

	payload := d.Payload()
	side.Packets++
	side.Bytes += uint64(len(payload))

	switch d.Class() {
	case packet.ClassRTCP:
		side.RTCP++
	case packet.ClassDTLS:
		side.DTLS++
	case packet.ClassRTP:
		var h rtp.Header
		if _, err := h.Unmarshal(payload); err == nil {
			side.observeSeq(h.SSRC, h.SequenceNumber)
		}
	}
}

// Handled returns the number of packets folded into calls.
func (a *Analyzer) Handled() uint64 { return a.handled.Load() }

// Orphaned returns the number of jobs without a call.
func (a *Analyzer) Orphaned() uint64 { return a.orphaned.Load() }
