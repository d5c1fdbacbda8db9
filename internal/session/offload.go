package session

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// OffloadConfig sizes the worker pool.
type OffloadConfig struct {
	// PerCPU is the number of workers per CPU.
	PerCPU int

	// Max caps the number of workers.
	Max int

	// QueueDepth bounds the tasks waiting for a worker.
	QueueDepth int

	// StuckThreshold marks a worker stuck once a single task runs longer.
	// Zero disables stuck detection.
	StuckThreshold time.Duration

	// CPUs overrides runtime.NumCPU when positive.
	CPUs int
}

// errExpired marks tasks dropped because their context ended while queued.
var errExpired = fmt.Errorf("%w: expired in queue", ErrTimeout)

// Task is a blocking unit of work run on a worker.
type Task func(ctx context.Context) (Result, error)

// OffloadStats is a point-in-time snapshot of the worker pool.
type OffloadStats struct {
	Workers       int    `json:"workers"`
	Busy          int    `json:"busy"`
	Stuck         int    `json:"stuck"`
	Queued        int    `json:"queued"`
	QueueCapacity int    `json:"queue_capacity"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Panics        uint64 `json:"panics"`
	Rejected      uint64 `json:"rejected"`
	Expired       uint64 `json:"expired"`
}

type job struct {
	ctx context.Context
	fn  Task
	fut *Future
}

// Offload runs blocking device calls on a fixed set of workers.
//
// Submit never blocks: when the queue is full the task is rejected with
// ErrOverloaded. A task that panics settles its future with ErrWorkerPanic
// and the worker keeps serving. Workers are never killed; a task running
// longer than the stuck threshold only shows up in Stats.
type Offload struct {
	cfg    OffloadConfig
	size   int
	tasks  chan job
	logger Logger
	now    func() time.Time

	// startedAt[i] is the UnixNano start of worker i's current task, 0 when idle.
	startedAt []atomic.Int64

	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	rejected  atomic.Uint64
	expired   atomic.Uint64

	mu        sync.RWMutex // guards closed against sends on a closed channel
	closed    bool
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewOffload creates a worker pool of min(CPUs*PerCPU, Max) workers.
//
// Parameters:
//   - cfg: Sizing; PerCPU, Max and QueueDepth must be positive
//
// Returns:
//   - *Offload: Call Start to launch the workers
//   - error: If the sizing is invalid
func NewOffload(cfg OffloadConfig) (*Offload, error) {
	if cfg.PerCPU < 1 || cfg.Max < 1 {
		return nil, fmt.Errorf("offload: per-cpu factor and max must be positive, got %d and %d", cfg.PerCPU, cfg.Max)
	}
	if cfg.QueueDepth < 1 {
		return nil, fmt.Errorf("offload: queue depth must be positive, got %d", cfg.QueueDepth)
	}

	cpus := cfg.CPUs
	if cpus < 1 {
		cpus = runtime.NumCPU()
	}
	size := min(cpus*cfg.PerCPU, cfg.Max)

	return &Offload{
		cfg:       cfg,
		size:      size,
		tasks:     make(chan job, cfg.QueueDepth),
		logger:    noopLogger{},
		now:       time.Now,
		startedAt: make([]atomic.Int64, size),
	}, nil
}

// SetLogger sets the logger for the worker pool.
func (o *Offload) SetLogger(logger Logger) {
	o.logger = logger
}

// Size returns the number of workers.
func (o *Offload) Size() int {
	return o.size
}

// Start launches the workers. Safe to call more than once.
func (o *Offload) Start() {
	o.startOnce.Do(func() {
		o.wg.Add(o.size)
		for i := range o.size {
			go o.worker(i)
		}
		o.logger.Info("worker pool started", "workers", o.size, "queue_depth", o.cfg.QueueDepth)
	})
}

// Submit queues fn for execution.
//
// The task receives ctx; a task whose ctx has ended by the time a worker
// picks it up is not run and its future fails with ErrTimeout.
//
// Returns:
//   - *Future: Settled with the task's outcome
//   - error: ErrOverloaded if the queue is full, ErrClosed after Shutdown
func (o *Offload) Submit(ctx context.Context, fn Task) (*Future, error) {
	fut := newFuture()

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.closed {
		return nil, ErrClosed
	}

	select {
	case o.tasks <- job{ctx: ctx, fn: fn, fut: fut}:
		return fut, nil
	default:
		o.rejected.Add(1)
		return nil, fmt.Errorf("%w: %d tasks queued", ErrOverloaded, cap(o.tasks))
	}
}

// Stats returns a snapshot of the worker pool.
func (o *Offload) Stats() OffloadStats {
	s := OffloadStats{
		Workers:       o.size,
		Queued:        len(o.tasks),
		QueueCapacity: cap(o.tasks),
		Completed:     o.completed.Load(),
		Failed:        o.failed.Load(),
		Panics:        o.panics.Load(),
		Rejected:      o.rejected.Load(),
		Expired:       o.expired.Load(),
	}

	now := o.now().UnixNano()
	for i := range o.startedAt {
		started := o.startedAt[i].Load()
		if started == 0 {
			continue
		}
		s.Busy++
		if o.cfg.StuckThreshold > 0 && time.Duration(now-started) > o.cfg.StuckThreshold {
			s.Stuck++
		}
	}
	return s
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish, or for ctx to end.
func (o *Offload) Shutdown(ctx context.Context) error {
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.tasks)
		o.mu.Unlock()
	})

	drained := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		stats := o.Stats()
		return fmt.Errorf("offload: %d workers still busy: %w", stats.Busy, ctx.Err())
	}
}

func (o *Offload) worker(i int) {
	defer o.wg.Done()

	for j := range o.tasks {
		if err := j.ctx.Err(); err != nil {
			o.expired.Add(1)
			j.fut.settle(Result{}, fmt.Errorf("%w: %w", errExpired, err))
			continue
		}

		o.startedAt[i].Store(o.now().UnixNano())
		res, err := o.run(j)
		o.startedAt[i].Store(0)

		if err != nil {
			o.failed.Add(1)
		} else {
			o.completed.Add(1)
		}
		j.fut.settle(res, err)
	}
}

func (o *Offload) run(j job) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.panics.Add(1)
			o.logger.Error("worker task panic recovered",
				"panic", r,
				"stack", string(debug.Stack()),
			)
			res, err = Result{}, fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
	}()

	return j.fn(j.ctx)
}
