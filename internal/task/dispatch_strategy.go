package task

import (
	"sync/atomic"

	"firestige.xyz/mediacore/internal/core/decoder"
	"firestige.xyz/mediacore/internal/packet"
)

// DispatchStrategy determines how descriptors are distributed across
// pipelines.
type DispatchStrategy interface {
	// Dispatch returns the pipeline index (0-based) for d.
	// numPipelines is guaranteed to be > 0.
	Dispatch(d *packet.Descriptor, numPipelines int) int

	// Name returns the strategy name for logging/metrics.
	Name() string
}

// FlowHashStrategy distributes descriptors by symmetric flow hash, so both
// directions of a link reach the same pipeline and its pending buffer
// lookups stay local. Not safe for concurrent use.
type FlowHashStrategy struct {
	hasher *decoder.FlowHasher
}

// NewFlowHashStrategy creates a flow-hash strategy.
func NewFlowHashStrategy() *FlowHashStrategy {
	return &FlowHashStrategy{hasher: decoder.NewFlowHasher()}
}

func (s *FlowHashStrategy) Dispatch(d *packet.Descriptor, numPipelines int) int {
	return int(s.hasher.Hash(d.Raw()) % uint64(numPipelines))
}

func (s *FlowHashStrategy) Name() string { return "flow-hash" }

// RoundRobinStrategy distributes descriptors in round-robin order.
// Provides even load distribution but no flow affinity.
type RoundRobinStrategy struct {
	counter atomic.Uint64
}

func (s *RoundRobinStrategy) Dispatch(_ *packet.Descriptor, numPipelines int) int {
	return int(s.counter.Add(1) % uint64(numPipelines))
}

func (s *RoundRobinStrategy) Name() string { return "round-robin" }

// NewDispatchStrategy creates a dispatch strategy by name.
// Supported strategies: "flow-hash" (default), "round-robin".
func NewDispatchStrategy(name string) DispatchStrategy {
	switch name {
	case "round-robin":
		return &RoundRobinStrategy{}
	default:
		return NewFlowHashStrategy()
	}
}
