// Package pipeline implements pipeline metrics.
package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters.
type Metrics struct {
	TaskID     string
	PipelineID int

	Received     atomic.Uint64
	Unreadable   atomic.Uint64
	Decoded      atomic.Uint64
	DecodeErrors atomic.Uint64
	Submitted    atomic.Uint64
	SubmitErrors atomic.Uint64
	Pending      atomic.Uint64 // pushed to the pending buffer
	Adopted      atomic.Uint64 // pending packets attached on resolution
	Unmatched    atomic.Uint64 // media without a registered stream
	Signaling    atomic.Uint64
	Other        atomic.Uint64
	IdleFlushes  atomic.Uint64 // producer flushes on an empty input
}

// NewMetrics creates a new metrics instance.
func NewMetrics(taskID string, pipelineID int) *Metrics {
	return &Metrics{
		TaskID:     taskID,
		PipelineID: pipelineID,
	}
}

// Stats represents pipeline statistics.
type Stats struct {
	Received     uint64 `json:"received"`
	Unreadable   uint64 `json:"unreadable"`
	Decoded      uint64 `json:"decoded"`
	DecodeErrors uint64 `json:"decode_errors"`
	Submitted    uint64 `json:"submitted"`
	SubmitErrors uint64 `json:"submit_errors"`
	Pending      uint64 `json:"pending"`
	Adopted      uint64 `json:"adopted"`
	Unmatched    uint64 `json:"unmatched"`
	Signaling    uint64 `json:"signaling"`
	Other        uint64 `json:"other"`
	IdleFlushes  uint64 `json:"idle_flushes"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Stats {
	return Stats{
		Received:     m.Received.Load(),
		Unreadable:   m.Unreadable.Load(),
		Decoded:      m.Decoded.Load(),
		DecodeErrors: m.DecodeErrors.Load(),
		Submitted:    m.Submitted.Load(),
		SubmitErrors: m.SubmitErrors.Load(),
		Pending:      m.Pending.Load(),
		Adopted:      m.Adopted.Load(),
		Unmatched:    m.Unmatched.Load(),
		Signaling:    m.Signaling.Load(),
		Other:        m.Other.Load(),
		IdleFlushes:  m.IdleFlushes.Load(),
	}
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Received += o.Received
	s.Unreadable += o.Unreadable
	s.Decoded += o.Decoded
	s.DecodeErrors += o.DecodeErrors
	s.Submitted += o.Submitted
	s.SubmitErrors += o.SubmitErrors
	s.Pending += o.Pending
	s.Adopted += o.Adopted
	s.Unmatched += o.Unmatched
	s.Signaling += o.Signaling
	s.Other += o.Other
	s.IdleFlushes += o.IdleFlushes
}
