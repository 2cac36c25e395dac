package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/ring"
	"firestige.xyz/mediacore/internal/spin"
)

// Config sizes the worker pool.
type Config struct {
	Workers         int          `mapstructure:"workers"`
	Slots           int          `mapstructure:"slots"`
	SlotCapacity    int          `mapstructure:"slot_capacity"`
	Staging         bool         `mapstructure:"staging"`
	StagingCapacity int          `mapstructure:"staging_capacity"`
	Backoff         spin.Backoff `mapstructure:"-"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithStallHook is called when a producer waited for worker's ring.
func WithStallHook(fn func(worker int, wait time.Duration)) Option {
	return func(d *Dispatcher) { d.onStall = fn }
}

// Dispatcher owns one ring and one goroutine per worker.
type Dispatcher struct {
	cfg      Config
	rings    []*ring.Ring[Job]
	assigner *Assigner
	handler  Handler
	onStall  func(worker int, wait time.Duration)

	group   *errgroup.Group
	started atomic.Bool
	closed  atomic.Bool
}

// New creates a dispatcher. Workers are not running until Start.
func New(cfg Config, handler Handler, opts ...Option) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("dispatch: workers=%d: %w", cfg.Workers, core.ErrConfigInvalid)
	}
	if handler == nil {
		return nil, fmt.Errorf("dispatch: nil handler: %w", core.ErrConfigInvalid)
	}

	d := &Dispatcher{
		cfg:      cfg,
		rings:    make([]*ring.Ring[Job], cfg.Workers),
		assigner: NewAssigner(cfg.Workers),
		handler:  handler,
	}
	for _, opt := range opts {
		opt(d)
	}

	for i := range d.rings {
		worker := i
		r, err := ring.New[Job](ring.Config{
			Slots:        cfg.Slots,
			SlotCapacity: cfg.SlotCapacity,
			Backoff:      cfg.Backoff,
			OnStall: func(wait time.Duration) {
				if d.onStall != nil {
					d.onStall(worker, wait)
				}
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dispatch: worker %d: %w", i, err)
		}
		d.rings[i] = r
	}
	return d, nil
}

// Workers returns the worker count.
func (d *Dispatcher) Workers() int { return len(d.rings) }

// Assign returns the worker an entity id is pinned to.
func (d *Dispatcher) Assign(id string) int { return d.assigner.Assign(id) }

// WorkerFor picks the worker for job.
func (d *Dispatcher) WorkerFor(job Job) int {
	switch e := job.Entity.(type) {
	case nil:
	case pinned:
		if w := e.Worker(); w >= 0 && w < len(d.rings) {
			return w
		}
		return d.assigner.Assign(e.ID())
	default:
		return d.assigner.Assign(e.ID())
	}
	if job.Packet == nil {
		return 0
	}
	return linkWorker(job.Packet.LinkKey(), len(d.rings))
}

// Start launches the workers. Workers exit when their ring is closed and
// drained, or when ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	d.group = &errgroup.Group{}
	for i := range d.rings {
		worker := i
		d.group.Go(func() error { return d.work(ctx, worker) })
	}
	slog.Info("dispatcher started",
		"workers", len(d.rings),
		"slots", d.cfg.Slots,
		"slot_capacity", d.cfg.SlotCapacity,
		"staging", d.cfg.Staging)
}

func (d *Dispatcher) work(ctx context.Context, worker int) error {
	r := d.rings[worker]
	consume := func(jobs []Job) { d.handler(worker, jobs) }
	for {
		err := r.Drain(ctx, consume)
		switch {
		case err == nil:
		case errors.Is(err, core.ErrRingClosed):
			return nil
		default:
			// Canceled: hand over whatever is already published.
			for r.TryDrain(consume) {
			}
			slog.Debug("worker stopped", "worker", worker, "reason", err)
			return nil
		}
	}
}

// secure makes sure the job's packet stays readable until the worker runs.
func secure(job Job) error {
	if job.Packet == nil {
		return fmt.Errorf("dispatch: job without packet: %w", core.ErrUnsupportedProto)
	}
	if !job.Packet.Lock(blockpool.ReasonDispatch) && job.Packet.BlockBacked() {
		job.Packet.Release()
		return fmt.Errorf("dispatch: %w", core.ErrPacketUnreadable)
	}
	return nil
}

// Submit publishes job straight to its worker's ring, bypassing staging.
// Submit takes ownership of job.Packet: on error it has been released.
func (d *Dispatcher) Submit(ctx context.Context, job Job) error {
	if err := secure(job); err != nil {
		return err
	}
	if d.closed.Load() {
		job.Release()
		return core.ErrDispatcherClosed
	}
	if err := d.rings[d.WorkerFor(job)].Publish(ctx, job); err != nil {
		job.Release()
		return err
	}
	return nil
}

// Flush hands every partially filled ring slot to its worker.
func (d *Dispatcher) Flush() {
	for _, r := range d.rings {
		r.Flush()
	}
}

// NewProducer returns a submit handle for one producer goroutine. With
// staging enabled it batches per worker; otherwise it publishes directly.
func (d *Dispatcher) NewProducer() *Producer {
	p := &Producer{d: d}
	if d.cfg.Staging {
		p.stages = make([]*ring.Stage[Job], len(d.rings))
		for i, r := range d.rings {
			p.stages[i] = ring.NewStage(r, d.cfg.StagingCapacity)
		}
	}
	return p
}

// Close flushes and closes every ring, then waits for the workers to
// drain them. Jobs still published after ctx is done are released.
func (d *Dispatcher) Close(ctx context.Context) error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, r := range d.rings {
		r.Close()
	}
	if d.group == nil {
		d.releaseAll()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- d.group.Wait() }()
	select {
	case err := <-done:
		// Workers that left early on cancellation cannot see slots the
		// close just flushed.
		d.releaseAll()
		return err
	case <-ctx.Done():
		return fmt.Errorf("dispatch: close: %w", ctx.Err())
	}
}

// releaseAll empties rings that have no worker left.
func (d *Dispatcher) releaseAll() {
	for _, r := range d.rings {
		for r.TryDrain(func(jobs []Job) {
			for _, j := range jobs {
				j.Release()
			}
		}) {
		}
	}
}

// Stats is a snapshot of per-worker ring counters.
type Stats struct {
	Workers []ring.Stats `json:"workers"`
}

// Totals sums the per-worker counters.
func (s Stats) Totals() ring.Stats {
	var t ring.Stats
	for _, w := range s.Workers {
		t.Published += w.Published
		t.Batches += w.Batches
		t.Drained += w.Drained
		t.Stalls += w.Stalls
		t.StallTime += w.StallTime
	}
	return t
}

// Stats returns a snapshot of per-worker ring counters.
func (d *Dispatcher) Stats() Stats {
	s := Stats{Workers: make([]ring.Stats, len(d.rings))}
	for i, r := range d.rings {
		s.Workers[i] = r.Stats()
	}
	return s
}
