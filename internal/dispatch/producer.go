package dispatch

import (
	"context"
	"errors"

	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/ring"
)

// Producer is the submit handle of one producer goroutine. It is not safe
// for concurrent use.
type Producer struct {
	d      *Dispatcher
	stages []*ring.Stage[Job]
}

// Submit hands job to its worker. Submit takes ownership of job.Packet:
// on error it has been released.
func (p *Producer) Submit(ctx context.Context, job Job) error {
	if p.stages == nil {
		return p.d.Submit(ctx, job)
	}
	if err := secure(job); err != nil {
		return err
	}
	if p.d.closed.Load() {
		job.Release()
		return core.ErrDispatcherClosed
	}
	if err := p.stages[p.d.WorkerFor(job)].Append(ctx, job); err != nil {
		job.Release()
		return err
	}
	return nil
}

// Flush publishes every staged batch. Without staging it flushes the
// partially filled ring slots instead.
func (p *Producer) Flush(ctx context.Context) error {
	if p.stages == nil {
		p.d.Flush()
		return nil
	}
	var errs []error
	for _, s := range p.stages {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close flushes and releases anything the rings would not accept.
func (p *Producer) Close(ctx context.Context) error {
	err := p.Flush(ctx)
	for _, s := range p.stages {
		s.Discard(Job.Release)
	}
	return err
}

// Staged returns the number of jobs waiting in staging buffers.
func (p *Producer) Staged() int {
	n := 0
	for _, s := range p.stages {
		n += s.Len()
	}
	return n
}
