package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"firestige.xyz/mediacore/internal/blockpool"
	"firestige.xyz/mediacore/internal/config"
	"firestige.xyz/mediacore/internal/core"
	"firestige.xyz/mediacore/internal/core/decoder"
	"firestige.xyz/mediacore/internal/dispatch"
	"firestige.xyz/mediacore/internal/linkqueue"
	"firestige.xyz/mediacore/internal/media"
	"firestige.xyz/mediacore/internal/metrics"
	"firestige.xyz/mediacore/internal/packet"
	"firestige.xyz/mediacore/internal/pipeline"
	"firestige.xyz/mediacore/internal/source/file"
	"firestige.xyz/mediacore/internal/spin"
)

// TaskState represents the state of a task in its lifecycle.
type TaskState string

const (
	// StateCreated indicates task instance created but not started.
	StateCreated TaskState = "created"
	// StateStarting indicates task is in the process of starting.
	StateStarting TaskState = "starting"
	// StateRunning indicates task is running normally.
	StateRunning TaskState = "running"
	// StateStopping indicates task is draining.
	StateStopping TaskState = "stopping"
	// StateStopped indicates task has stopped cleanly.
	StateStopped TaskState = "stopped"
	// StateFailed indicates task failed during startup or runtime.
	StateFailed TaskState = "failed"
)

// shutdownTimeout bounds how long workers get to drain their rings.
const shutdownTimeout = 10 * time.Second

// Task replays one capture through the distribution backbone:
// Source → Fanout → Pipelines (producers) → rings → Workers.
// It owns every component:
// - Arena: 1 per Task, backs every descriptor
// - Pipelines: N per Task, each with its own decoder and staging
// - Pending: 1 per Task, shared by all pipelines
// - Registry: 1 per Task, media streams of known calls
// - Dispatcher: 1 per Task, fixed worker pool
type Task struct {
	Config config.GlobalConfig
	RunID  string

	Arena      *blockpool.Arena
	Source     *file.Source
	Registry   *FlowRegistry
	Pending    *linkqueue.Queue
	Dispatcher *dispatch.Dispatcher
	Analyzer   *media.Analyzer
	Pipelines  []*pipeline.Pipeline

	strategy DispatchStrategy

	// Runtime channels
	captureCh  chan *packet.Descriptor   // Source → Fanout
	rawStreams []chan *packet.Descriptor // Fanout → Pipelines (one per pipeline)
	doneCh     chan struct{}             // Closed once everything has drained

	// State management
	mu            sync.RWMutex
	state         TaskState
	createdAt     time.Time
	startedAt     time.Time
	stoppedAt     time.Time
	failureReason string
	err           error

	// ctx spans the whole run; srcCtx only the source, so Stop can end
	// the input while the rest drains.
	ctx       context.Context
	cancel    context.CancelFunc
	srcCtx    context.Context
	srcCancel context.CancelFunc
	pipes     *errgroup.Group
}

// NewTask builds every component from cfg. It does NOT start the task;
// call Start() to begin processing.
func NewTask(cfg config.GlobalConfig) (*Task, error) {
	id := cfg.Node.ID

	arena, err := blockpool.New(blockpool.Config{Blocks: cfg.Pool.Blocks, BlockSize: cfg.Pool.BlockSize})
	if err != nil {
		return nil, err
	}

	backoff := spin.Backoff{
		Spins:    cfg.Dispatch.Backoff.Spins,
		Sleep:    cfg.Dispatch.Backoff.Sleep,
		MaxSleep: cfg.Dispatch.Backoff.MaxSleep,
	}

	src, err := file.New(file.Config{
		TaskID:       id,
		Path:         cfg.Source.File,
		Filter:       cfg.Source.Filter,
		AllocTimeout: cfg.Pool.AllocTimeout,
		Backoff:      backoff,
	}, arena)
	if err != nil {
		return nil, err
	}

	workers := cfg.Dispatch.Workers
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	analyzer := media.NewAnalyzer()
	handler := func(worker int, jobs []dispatch.Job) {
		metrics.RingJobsTotal.WithLabelValues(id, strconv.Itoa(worker)).Add(float64(len(jobs)))
		analyzer.Handle(worker, jobs)
	}
	disp, err := dispatch.New(dispatch.Config{
		Workers:         workers,
		Slots:           cfg.Dispatch.Slots,
		SlotCapacity:    cfg.Dispatch.SlotCapacity,
		Staging:         cfg.Dispatch.Staging,
		StagingCapacity: cfg.Dispatch.StagingCapacity,
		Backoff:         backoff,
	}, handler, dispatch.WithStallHook(func(worker int, wait time.Duration) {
		metrics.RingStallsTotal.WithLabelValues(id, strconv.Itoa(worker)).Inc()
		metrics.RingStallSeconds.WithLabelValues(id).Observe(wait.Seconds())
	}))
	if err != nil {
		return nil, err
	}

	pending := linkqueue.New(cfg.Pending, linkqueue.WithDropHook(func(key packet.LinkKey, reason linkqueue.DropReason, n int) {
		metrics.PendingDroppedPacketsTotal.WithLabelValues(id, string(reason)).Add(float64(n))
	}))

	registry := NewFlowRegistry(cfg.Pipeline.StreamTTL, disp.Assign)
	for _, s := range cfg.Streams {
		spec, err := staticStream(s)
		if err != nil {
			return nil, err
		}
		registry.Register(spec)
	}

	n := cfg.Pipeline.Count
	if n < 1 {
		n = 1
	}
	pipes := make([]*pipeline.Pipeline, n)
	rawStreams := make([]chan *packet.Descriptor, n)
	for i := range pipes {
		pipes[i] = pipeline.New(pipeline.Config{
			ID:       i,
			TaskID:   id,
			Decoder:  decoder.NewStandardDecoder(cfg.Decoder),
			Resolver: registry,
			Pending:  pending,
			Producer: disp.NewProducer(),
		})
		rawStreams[i] = make(chan *packet.Descriptor, cfg.Pipeline.ChannelCapacity)
	}

	ctx, cancel := context.WithCancel(context.Background())
	srcCtx, srcCancel := context.WithCancel(ctx)

	return &Task{
		Config:     cfg,
		RunID:      uuid.NewString(),
		Arena:      arena,
		Source:     src,
		Registry:   registry,
		Pending:    pending,
		Dispatcher: disp,
		Analyzer:   analyzer,
		Pipelines:  pipes,
		strategy:   NewDispatchStrategy(cfg.Pipeline.Strategy),
		captureCh:  make(chan *packet.Descriptor, cfg.Pipeline.ChannelCapacity),
		rawStreams: rawStreams,
		doneCh:     make(chan struct{}),
		state:      StateCreated,
		createdAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		srcCtx:     srcCtx,
		srcCancel:  srcCancel,
	}, nil
}

// staticStream converts a configured stream into a registry entry.
func staticStream(s config.StreamConfig) (StreamSpec, error) {
	caller, err := netip.ParseAddrPort(s.Caller)
	if err != nil {
		return StreamSpec{}, fmt.Errorf("%w: stream %s caller: %v", core.ErrConfigInvalid, s.Call, err)
	}
	callee, err := netip.ParseAddrPort(s.Callee)
	if err != nil {
		return StreamSpec{}, fmt.Errorf("%w: stream %s callee: %v", core.ErrConfigInvalid, s.Call, err)
	}
	var flags dispatch.MediaFlags
	for _, m := range s.Media {
		switch m {
		case "audio":
			flags |= dispatch.MediaAudio
		case "video":
			flags |= dispatch.MediaVideo
		case "application":
			flags |= dispatch.MediaApplication
		}
	}
	if s.RTCPMux {
		flags |= dispatch.MediaRTCPMux
	}
	return StreamSpec{
		CallID:  s.Call,
		Caller:  packet.EndpointFrom(caller),
		Callee:  packet.EndpointFrom(callee),
		Media:   flags,
		Persist: s.Persist,
		Static:  true,
	}, nil
}

// ID returns the task ID.
func (t *Task) ID() string {
	return t.Config.Node.ID
}

// State returns the current task state.
func (t *Task) State() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// setState updates the task state (not thread-safe, must hold mu lock).
func (t *Task) setState(s TaskState) {
	t.state = s
	slog.Info("task state changed", "task_id", t.ID(), "run_id", t.RunID, "state", s)

	switch s {
	case StateRunning:
		metrics.TaskStatus.WithLabelValues(t.ID()).Set(metrics.TaskStatusRunning)
	case StateFailed:
		metrics.TaskStatus.WithLabelValues(t.ID()).Set(metrics.TaskStatusError)
	case StateStopped:
		metrics.TaskStatus.WithLabelValues(t.ID()).Set(metrics.TaskStatusStopped)
	}
}

// Start starts the task and transitions it to Running state.
// It starts all components in reverse dependency order:
// Workers → Pending janitor → Pipelines → Fanout → Source
// This ensures data has a destination before the source starts producing.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateCreated {
		return fmt.Errorf("%w: cannot start task in state %s", core.ErrTaskStartFailed, t.state)
	}

	t.setState(StateStarting)
	t.startedAt = time.Now()

	// Workers (ring consumers)
	t.Dispatcher.Start(t.ctx)

	// Pending buffer expiry without traffic
	go t.Pending.Run(t.ctx)

	// Pipelines (producers)
	t.pipes = &errgroup.Group{}
	for i, p := range t.Pipelines {
		slog.Debug("starting pipeline", "task_id", t.ID(), "pipeline_id", i)
		in := t.rawStreams[i]
		t.pipes.Go(func() error { return p.Run(t.ctx, in) })
	}

	// Fanout (captureCh → rawStreams)
	go t.fanoutLoop()

	// Gauges
	go t.collectLoop()

	// Source, then drain once it is exhausted or stopped
	slog.Debug("starting source", "task_id", t.ID(), "type", t.Source.Name())
	go t.run()

	t.setState(StateRunning)
	slog.Info("task started",
		"task_id", t.ID(),
		"run_id", t.RunID,
		"pipelines", len(t.Pipelines),
		"workers", t.Dispatcher.Workers(),
		"strategy", t.strategy.Name())

	return nil
}

// run drives the source and then shuts the rest down in forward
// dependency order: Fanout → Pipelines → Pending → Workers.
func (t *Task) run() {
	defer close(t.doneCh)

	srcErr := t.Source.Run(t.srcCtx, t.captureCh)
	if errors.Is(srcErr, context.Canceled) {
		srcErr = nil
	}
	if srcErr != nil {
		slog.Error("source error", "task_id", t.ID(), "error", srcErr)
	}

	t.mu.Lock()
	if t.state == StateRunning {
		t.setState(StateStopping)
	}
	t.mu.Unlock()

	// Fanout closes every raw stream once captureCh is empty, pipelines
	// flush their staging and exit.
	close(t.captureCh)
	if err := t.pipes.Wait(); err != nil {
		slog.Warn("pipeline exited with error", "task_id", t.ID(), "error", err)
	}

	// No producer is left; what is still pending will never resolve.
	t.Pending.Close()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := t.Dispatcher.Close(ctx)
	if closeErr != nil {
		slog.Warn("dispatcher close error", "task_id", t.ID(), "error", closeErr)
	}
	t.cancel()
	t.collect()

	t.mu.Lock()
	t.stoppedAt = time.Now()
	t.err = errors.Join(srcErr, closeErr)
	if t.err != nil {
		t.failureReason = t.err.Error()
		t.setState(StateFailed)
	} else {
		t.setState(StateStopped)
	}
	t.mu.Unlock()

	slog.Info("task stopped", "task_id", t.ID(), "run_id", t.RunID, "arena_in_use", t.Arena.Stats().InUse)
}

// fanoutLoop distributes descriptors from captureCh to the pipeline
// raw streams with the configured strategy. A full pipeline applies
// backpressure to the source instead of dropping.
func (t *Task) fanoutLoop() {
	defer func() {
		for i, ch := range t.rawStreams {
			close(ch)
			slog.Debug("closed raw stream", "task_id", t.ID(), "pipeline_id", i)
		}
	}()

	n := len(t.rawStreams)
	for d := range t.captureCh {
		t.rawStreams[t.strategy.Dispatch(d, n)] <- d
	}

	slog.Debug("fanout loop exited", "task_id", t.ID())
}

// collectLoop publishes gauges every metrics.collect_interval.
func (t *Task) collectLoop() {
	interval := t.Config.Metrics.CollectInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.collect()
		}
	}
}

func (t *Task) collect() {
	id := t.ID()
	pool := t.Arena.Stats()
	metrics.PoolBlocksInUse.WithLabelValues(id).Set(float64(pool.InUse))
	for reason, n := range pool.Outstanding {
		metrics.PoolLeasesOutstanding.WithLabelValues(id, reason).Set(float64(n))
	}
	metrics.PendingLinks.WithLabelValues(id).Set(float64(t.Pending.Len()))
	metrics.StreamRegistrySize.WithLabelValues(id).Set(float64(t.Registry.Count()))
}

// Wait blocks until the task has drained, then returns the failure, if
// any. For a replay this happens at end of file.
func (t *Task) Wait() error {
	<-t.doneCh
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Stop ends the input and waits for every queued packet to be processed
// or released.
func (t *Task) Stop() error {
	t.mu.Lock()
	if t.state != StateRunning && t.state != StateStopping {
		state := t.state
		t.mu.Unlock()
		return fmt.Errorf("%w: cannot stop task in state %s", core.ErrTaskNotRunning, state)
	}
	t.mu.Unlock()

	slog.Info("stopping task", "task_id", t.ID())
	t.srcCancel()
	return t.Wait()
}

// Status returns a snapshot of task status.
type Status struct {
	ID            string            `json:"id"`
	RunID         string            `json:"run_id"`
	State         TaskState         `json:"state"`
	CreatedAt     time.Time         `json:"created_at"`
	StartedAt     time.Time         `json:"started_at,omitempty"`
	StoppedAt     time.Time         `json:"stopped_at,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Uptime        string            `json:"uptime,omitempty"`
	PipelineCount int               `json:"pipeline_count"`
	Source        file.Stats        `json:"source"`
	Pipelines     pipeline.Stats    `json:"pipelines"`
	Pending       linkqueue.Stats   `json:"pending"`
	Pool          blockpool.Stats   `json:"pool"`
	Rings         dispatch.Stats    `json:"rings"`
	Handled       uint64            `json:"handled"`
	Calls         []media.CallStats `json:"calls"`
}

// GetStatus returns current task status.
func (t *Task) GetStatus() Status {
	t.mu.RLock()
	status := Status{
		ID:            t.ID(),
		RunID:         t.RunID,
		State:         t.state,
		CreatedAt:     t.createdAt,
		StartedAt:     t.startedAt,
		StoppedAt:     t.stoppedAt,
		FailureReason: t.failureReason,
		PipelineCount: len(t.Pipelines),
	}
	if t.state == StateRunning && !t.startedAt.IsZero() {
		status.Uptime = time.Since(t.startedAt).String()
	}
	t.mu.RUnlock()

	for _, p := range t.Pipelines {
		status.Pipelines.Add(p.Stats())
	}
	status.Source = t.Source.Stats()
	status.Pending = t.Pending.Stats()
	status.Pool = t.Arena.Stats()
	status.Rings = t.Dispatcher.Stats()
	status.Handled = t.Analyzer.Handled()
	status.Calls = t.Registry.Calls()
	return status
}
