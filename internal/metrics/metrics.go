// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SourcePacketsTotal counts frames read by the source.
	SourcePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_source_packets_total",
			Help: "Total number of frames read from the source",
		},
		[]string{"task", "result"},
	)

	// PipelinePacketsTotal counts descriptors routed by pipelines per class and outcome.
	PipelinePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_pipeline_packets_total",
			Help: "Total number of packets routed by pipelines",
		},
		[]string{"task", "class", "outcome"},
	)

	// RingJobsTotal counts jobs published to each worker ring.
	RingJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_ring_jobs_total",
			Help: "Total number of jobs published to worker rings",
		},
		[]string{"task", "worker"},
	)

	// RingStallsTotal counts producer waits on a full ring slot.
	RingStallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_ring_stalls_total",
			Help: "Total number of producer stalls on a full ring",
		},
		[]string{"task", "worker"},
	)

	// RingStallSeconds measures how long producers waited for a slot.
	RingStallSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediacore_ring_stall_seconds",
			Help:    "Duration of producer stalls on a full ring in seconds",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~0.3s
		},
		[]string{"task"},
	)

	// PendingLinks tracks unresolved links held by the pending buffer.
	PendingLinks = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacore_pending_links",
			Help: "Current number of links held in the pending buffer",
		},
		[]string{"task"},
	)

	// PendingDroppedPacketsTotal counts packets discarded by pending buffer cleanup.
	PendingDroppedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_pending_dropped_packets_total",
			Help: "Total number of pending packets dropped unresolved",
		},
		[]string{"task", "reason"},
	)

	// PendingResolvedPacketsTotal counts packets moved from the pending buffer to a call.
	PendingResolvedPacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediacore_pending_resolved_packets_total",
			Help: "Total number of pending packets attached to a resolved call",
		},
		[]string{"task"},
	)

	// PoolBlocksInUse tracks packet pool blocks that are still referenced.
	PoolBlocksInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacore_pool_blocks_in_use",
			Help: "Current number of packet pool blocks in use",
		},
		[]string{"task"},
	)

	// PoolLeasesOutstanding tracks live block leases per lock reason.
	PoolLeasesOutstanding = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacore_pool_leases_outstanding",
			Help: "Current number of outstanding pool block leases by reason",
		},
		[]string{"task", "reason"},
	)

	// StreamRegistrySize tracks registered media streams.
	StreamRegistrySize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacore_stream_registry_size",
			Help: "Current number of media streams in the registry",
		},
		[]string{"task"},
	)

	// TaskStatus tracks current task status
	TaskStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mediacore_task_status",
			Help: "Current status of tasks (0=stopped, 1=running, 2=error)",
		},
		[]string{"task"},
	)
)

// TaskStatusValue represents task status as a numeric value for Prometheus gauge
const (
	TaskStatusStopped = 0
	TaskStatusRunning = 1
	TaskStatusError   = 2
)
