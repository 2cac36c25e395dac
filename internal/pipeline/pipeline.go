// Package pipeline implements the producer side of packet distribution:
// each pipeline decodes and classifies the descriptors of its share of
// flows and routes them to workers or to the pending buffer.
package pipeline

import (
	"context"
	"log/slog"

	"firestige.xyz/mediacore/internal/classify"
	"firestige.xyz/mediacore/internal/core/decoder"
	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/linkqueue"
	"firestige.xyz/mediacore/internal/metrics"
	"firestige.xyz/mediacore/internal/packet"
)

// Resolver answers which call a descriptor belongs to. The returned job
// carries everything but the packet.
type Resolver interface {
	Resolve(d *packet.Descriptor) (dispatch.Job, bool)
}

// Submitter hands jobs to workers. dispatch.Producer implements it.
// Flush makes everything submitted so far visible to the workers.
type Submitter interface {
	Submit(ctx context.Context, job dispatch.Job) error
	Flush(ctx context.Context) error
	Close(ctx context.Context) error
}

// Pipeline is one producer goroutine.
type Pipeline struct {
	id       int
	taskID   string
	decoder  decoder.Decoder
	resolver Resolver
	pending  *linkqueue.Queue
	producer Submitter
	metrics  *Metrics
	dirty    bool // submitted since the last flush
}

// Config contains pipeline dependencies.
type Config struct {
	ID       int
	TaskID   string
	Decoder  decoder.Decoder
	Resolver Resolver
	Pending  *linkqueue.Queue
	Producer Submitter
}

// New creates a new pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		id:       cfg.ID,
		taskID:   cfg.TaskID,
		decoder:  cfg.Decoder,
		resolver: cfg.Resolver,
		pending:  cfg.Pending,
		producer: cfg.Producer,
		metrics:  NewMetrics(cfg.TaskID, cfg.ID),
	}
}

// ID returns the pipeline index.
func (p *Pipeline) ID() int { return p.id }

// Run consumes in until it is closed or ctx is done, then flushes staged
// jobs. Whenever in has nothing ready the producer is flushed, so a quiet
// flow is not held back waiting for a full batch. Every descriptor received
// is either handed on or released.
func (p *Pipeline) Run(ctx context.Context, in <-chan *packet.Descriptor) error {
	slog.Info("pipeline starting", "task_id", p.taskID, "pipeline_id", p.id)
	defer func() {
		if err := p.producer.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("pipeline flush failed", "task_id", p.taskID, "pipeline_id", p.id, "error", err)
		}
		slog.Info("pipeline stopped", "task_id", p.taskID, "pipeline_id", p.id)
	}()

	for {
		if ctx.Err() != nil {
			drain(in)
			return ctx.Err()
		}

		var (
			d  *packet.Descriptor
			ok bool
		)
		select {
		case d, ok = <-in:
		default:
			p.flush(ctx)
			select {
			case <-ctx.Done():
				drain(in)
				return ctx.Err()
			case d, ok = <-in:
			}
		}
		if !ok {
			return nil
		}
		p.metrics.Received.Add(1)
		p.process(ctx, d)
	}
}

// flush publishes whatever the producer holds when the input runs dry.
// Jobs the rings did not accept stay with the producer for the next try.
func (p *Pipeline) flush(ctx context.Context) {
	if !p.dirty {
		return
	}
	p.metrics.IdleFlushes.Add(1)
	if err := p.producer.Flush(ctx); err != nil {
		slog.Debug("idle flush failed", "task_id", p.taskID, "pipeline_id", p.id, "error", err)
		return
	}
	p.dirty = false
}

// drain releases whatever is still buffered in in without blocking.
func drain(in <-chan *packet.Descriptor) {
	for {
		select {
		case d, ok := <-in:
			if !ok {
				return
			}
			d.Release()
		default:
			return
		}
	}
}

func (p *Pipeline) process(ctx context.Context, d *packet.Descriptor) {
	raw := d.Raw()
	if raw.Data == nil {
		p.metrics.Unreadable.Add(1)
		d.Release()
		return
	}
	decoded, err := p.decoder.Decode(raw)
	if err != nil {
		p.metrics.DecodeErrors.Add(1)
		slog.Debug("packet decode failed", "task_id", p.taskID, "pipeline_id", p.id, "error", err)
		d.Release()
		return
	}
	p.metrics.Decoded.Add(1)
	d.SetDecoded(decoded)

	job, known := p.resolver.Resolve(d)
	class := classify.Descriptor(d, classify.WithApplicationMedia(known && job.Media.Has(dispatch.MediaApplication)))

	switch class {
	case packet.ClassRTP, packet.ClassRTCP, packet.ClassAppMedia:
		if !known {
			p.discard(d, &p.metrics.Unmatched, "unmatched")
			return
		}
		job.RTCP = class == packet.ClassRTCP
		p.submit(ctx, job, d)

	case packet.ClassDTLS:
		if !known {
			if p.pending.Push(d) {
				p.metrics.Pending.Add(1)
				p.count(d, "pending")
			}
			return
		}
		if n := p.pending.MoveToEntity(d); n > 0 {
			p.metrics.Adopted.Add(uint64(n))
			metrics.PendingResolvedPacketsTotal.WithLabelValues(p.taskID).Add(float64(n))
		}
		p.submit(ctx, job, d)

	case packet.ClassSignaling:
		// Call matching consumes signaling upstream of this pipeline.
		p.discard(d, &p.metrics.Signaling, "signaling")

	default:
		p.discard(d, &p.metrics.Other, "other")
	}
}

func (p *Pipeline) submit(ctx context.Context, job dispatch.Job, d *packet.Descriptor) {
	class := d.Class()
	job.Packet = d
	if err := p.producer.Submit(ctx, job); err != nil {
		p.metrics.SubmitErrors.Add(1)
		metrics.PipelinePacketsTotal.WithLabelValues(p.taskID, class.String(), "submit_error").Inc()
		slog.Debug("submit failed", "task_id", p.taskID, "pipeline_id", p.id, "error", err)
		return
	}
	p.metrics.Submitted.Add(1)
	p.dirty = true
	metrics.PipelinePacketsTotal.WithLabelValues(p.taskID, class.String(), "submitted").Inc()
}

func (p *Pipeline) discard(d *packet.Descriptor, counter interface{ Add(uint64) uint64 }, outcome string) {
	counter.Add(1)
	p.count(d, outcome)
	d.Release()
}

func (p *Pipeline) count(d *packet.Descriptor, outcome string) {
	metrics.PipelinePacketsTotal.WithLabelValues(p.taskID, d.Class().String(), outcome).Inc()
}

// Stats returns pipeline statistics.
func (p *Pipeline) Stats() Stats {
	return p.metrics.Snapshot()
}
