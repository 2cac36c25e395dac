// Package media holds per-call media state and the worker handler that
// folds dispatched packets into it.
package media

import (
	"sync"
	"time"
)

// StreamStats counts what one side of a call sent.
type StreamStats struct {
	Packets   uint64 `json:"packets"`
	Bytes     uint64 `json:"bytes"`
	RTCP      uint64 `json:"rtcp"`
	DTLS      uint64 `json:"dtls"`
	SSRC      uint32 `json:"ssrc"`
	SeqGaps   uint64 `json:"seq_gaps"`
	Reordered uint64 `json:"reordered"`

	lastSeq uint16
	started bool
}

// observeSeq tracks RTP sequence continuity with 16-bit wraparound.
func (s *StreamStats) observeSeq(ssrc uint32, seq uint16) {
	if !s.started || ssrc != s.SSRC {
		s.SSRC, s.lastSeq, s.started = ssrc, seq, true
		return
	}
	delta := int16(seq - s.lastSeq)
	switch {
	case delta > 1:
		s.SeqGaps += uint64(delta - 1)
	case delta <= 0:
		s.Reordered++
		return
	}
	s.lastSeq = seq
}

// Call is a resolved call: the entity jobs are dispatched for. All packets
// of a call are handled on the worker it is pinned to.
type Call struct {
	id     string
	worker int

	mu        sync.Mutex
	sides     [2]StreamStats
	adopted   uint64
	persisted uint64
	first     time.Time
	last      time.Time
}

// NewCall creates a call pinned to worker.
func NewCall(id string, worker int) *Call {
	return &Call{id: id, worker: worker}
}

// ID returns the call identifier.
func (c *Call) ID() string { return c.id }

// Worker returns the worker the call is pinned to.
func (c *Call) Worker() int { return c.worker }

// CallStats is a snapshot of a call.
type CallStats struct {
	ID        string        `json:"id"`
	Caller    StreamStats   `json:"caller"`
	Callee    StreamStats   `json:"callee"`
	Adopted   uint64        `json:"adopted"`
	Persisted uint64        `json:"persisted"`
	Duration  time.Duration `json:"duration"`
}

// Snapshot returns the current counters.
func (c *Call) Snapshot() CallStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CallStats{
		ID:        c.id,
		Caller:    c.sides[0],
		Callee:    c.sides[1],
		Adopted:   c.adopted,
		Persisted: c.persisted,
		Duration:  c.last.Sub(c.first),
	}
}
