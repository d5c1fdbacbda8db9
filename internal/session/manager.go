package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Strategy is how the Manager dispatches an operation.
type Strategy int

const (
	// StrategyDirect acquires a connection and invokes on a worker.
	StrategyDirect Strategy = iota

	// StrategyCached serves idempotent reads from the result cache.
	StrategyCached

	// StrategyBatched groups same-type operations per device.
	StrategyBatched
)

// String returns the configuration name of the strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyCached:
		return "cached"
	case StrategyBatched:
		return "batched"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseStrategy converts a configuration name to a Strategy.
func ParseStrategy(name string) (Strategy, error) {
	switch name {
	case "direct", "":
		return StrategyDirect, nil
	case "cached":
		return StrategyCached, nil
	case "batched":
		return StrategyBatched, nil
	default:
		return 0, fmt.Errorf("session: unknown strategy %q", name)
	}
}

// OperationSpec is one row of the operation table.
type OperationSpec struct {
	Strategy Strategy

	// TTL is how long a cached result stays fresh. Cached operations only.
	TTL time.Duration

	// Timeout overrides ManagerConfig.DefaultTimeout when positive.
	Timeout time.Duration
}

// OperationTable maps operation names to their handling.
type OperationTable map[string]OperationSpec

// ManagerConfig configures the session façade.
type ManagerConfig struct {
	Operations OperationTable

	// DefaultTimeout bounds Perform when the caller's context has no
	// earlier deadline. Zero means no bound.
	DefaultTimeout time.Duration

	// UnhealthyOnTimeout discards a connection whose invocation was still
	// running when the caller timed out. When false the connection is
	// returned to the pool once the invocation finishes.
	UnhealthyOnTimeout bool

	// Batch configures grouping of batched operations.
	Batch BatchConfig
}

// OperationEvent describes one completed Perform call.
type OperationEvent struct {
	DeviceID  string
	Operation string
	Strategy  Strategy
	Duration  time.Duration
	Err       error
}

// Observer receives an event for every Perform call.
// Implementations must not block.
type Observer interface {
	ObserveOperation(OperationEvent)
}

// Stats is a snapshot of every session component.
type Stats struct {
	Pool      PoolStats    `json:"pool"`
	Workers   OffloadStats `json:"workers"`
	Cache     CacheStats   `json:"cache"`
	Batch     BatchStats   `json:"batch"`
	Performed uint64       `json:"performed"`
	Failed    uint64       `json:"failed"`
}

// Manager is the single entry point for device operations.
//
// Each operation name is resolved once, at construction, to a strategy:
// cached reads go through the result cache, batched writes through the
// batch coordinator and everything else straight to a pooled connection.
// Whatever the strategy, the actual remote call runs on an offload worker
// and every acquired connection is released exactly once.
type Manager struct {
	cfg     ManagerConfig
	ops     OperationTable
	pool    *Pool
	workers *Offload
	cache   *Cache
	batcher *Batcher

	logger   Logger
	observer Observer

	performed atomic.Uint64
	failed    atomic.Uint64
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewManager creates the session façade over externally owned components.
//
// Parameters:
//   - cfg: Operation table and policies; every operation is validated here
//   - pool: Connection pool
//   - workers: Worker offload pool
//   - cache: Result cache for cached operations
//
// Returns:
//   - *Manager: Call Start before Perform, Close at shutdown
//   - error: If the operation table is invalid
func NewManager(cfg ManagerConfig, pool *Pool, workers *Offload, cache *Cache) (*Manager, error) {
	if pool == nil || workers == nil || cache == nil {
		return nil, errors.New("session: pool, workers and cache are required")
	}
	if len(cfg.Operations) == 0 {
		return nil, errors.New("session: operation table is empty")
	}

	ops := make(OperationTable, len(cfg.Operations))
	batched := false
	for name, spec := range cfg.Operations {
		if name == "" {
			return nil, errors.New("session: operation with empty name")
		}
		switch spec.Strategy {
		case StrategyDirect:
		case StrategyCached:
			if spec.TTL <= 0 {
				return nil, fmt.Errorf("session: cached operation %q needs a positive ttl", name)
			}
		case StrategyBatched:
			batched = true
		default:
			return nil, fmt.Errorf("session: operation %q has invalid strategy %v", name, spec.Strategy)
		}
		ops[name] = spec
	}

	m := &Manager{
		cfg:     cfg,
		ops:     ops,
		pool:    pool,
		workers: workers,
		cache:   cache,
		logger:  noopLogger{},
	}

	if batched {
		b, err := NewBatcher(cfg.Batch, m.executeGroup)
		if err != nil {
			return nil, err
		}
		m.batcher = b
	}
	return m, nil
}

// SetLogger sets the logger for the manager and its components.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
	m.pool.SetLogger(logger)
	m.workers.SetLogger(logger)
	if m.batcher != nil {
		m.batcher.SetLogger(logger)
	}
}

// SetObserver registers an observer for completed operations.
// Must be called before the first Perform.
func (m *Manager) SetObserver(o Observer) {
	m.observer = o
}

// Start launches the workers and the pool sweep.
func (m *Manager) Start() {
	m.workers.Start()
	m.pool.Start()
	m.logger.Info("session manager started",
		"operations", len(m.ops),
		"workers", m.workers.Size(),
	)
}

// Operations returns the configured operation names in alphabetical order.
func (m *Manager) Operations() []string {
	names := make([]string, 0, len(m.ops))
	for name := range m.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Operation returns the handling of one operation.
func (m *Manager) Operation(name string) (OperationSpec, bool) {
	spec, ok := m.ops[name]
	return spec, ok
}

// Perform runs operation against deviceID and returns its result.
//
// Errors wrap one of ErrUnknownOperation, ErrNotFound, ErrPoolExhausted,
// ErrConnectFailed, ErrRemote, ErrOverloaded, ErrTimeout or ErrClosed.
func (m *Manager) Perform(ctx context.Context, deviceID, operation string, args Args) (Result, error) {
	spec, ok := m.ops[operation]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownOperation, operation)
	}
	if m.closed.Load() {
		return Result{}, ErrClosed
	}

	timeout := m.timeoutFor(spec)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	var (
		res Result
		err error
	)
	switch spec.Strategy {
	case StrategyCached:
		key := NewCacheKey(deviceID, operation, args)
		res, err = m.cache.GetOrCompute(ctx, key, spec.TTL, func(cctx context.Context) (Result, error) {
			if timeout > 0 {
				var cancel context.CancelFunc
				cctx, cancel = context.WithTimeout(cctx, timeout)
				defer cancel()
			}
			return m.direct(cctx, deviceID, operation, args)
		})
	case StrategyBatched:
		var fut *Future
		fut, err = m.batcher.Enqueue(deviceID, operation, args)
		if err == nil {
			res, err = fut.Wait(ctx)
		}
	default:
		res, err = m.direct(ctx, deviceID, operation, args)
	}

	m.performed.Add(1)
	if err != nil {
		m.failed.Add(1)
	}
	if m.observer != nil {
		m.observer.ObserveOperation(OperationEvent{
			DeviceID:  deviceID,
			Operation: operation,
			Strategy:  spec.Strategy,
			Duration:  time.Since(start),
			Err:       err,
		})
	}
	return res, err
}

// Forget drops everything held for a device that went away.
func (m *Manager) Forget(deviceID string) {
	conns := m.pool.Forget(deviceID)
	entries := m.cache.InvalidateDevice(deviceID)
	m.logger.Debug("device forgotten", "device_id", deviceID, "connections", conns, "cache_entries", entries)
}

// Stats returns a snapshot of all components.
func (m *Manager) Stats() Stats {
	s := Stats{
		Pool:      m.pool.Stats(),
		Workers:   m.workers.Stats(),
		Cache:     m.cache.Stats(),
		Performed: m.performed.Load(),
		Failed:    m.failed.Load(),
	}
	if m.batcher != nil {
		s.Batch = m.batcher.Stats()
	}
	return s
}

// Close rejects pending batches, drains the workers and closes all
// connections. Safe to call multiple times.
func (m *Manager) Close(ctx context.Context) error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)

		if m.batcher != nil {
			m.batcher.Close()
		}

		var errs []error
		if err := m.workers.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := m.pool.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing connections: %w", err))
		}
		m.closeErr = errors.Join(errs...)
		m.logger.Info("session manager stopped")
	})
	return m.closeErr
}

func (m *Manager) timeoutFor(spec OperationSpec) time.Duration {
	if spec.Timeout > 0 {
		return spec.Timeout
	}
	return m.cfg.DefaultTimeout
}

// direct performs one invocation on a pooled connection.
func (m *Manager) direct(ctx context.Context, deviceID, operation string, args Args) (Result, error) {
	res, _, err := m.onConn(ctx, deviceID, func(tctx context.Context, pc *PooledConn) (Result, error) {
		return pc.Invoke(tctx, operation, args)
	})
	return res, err
}

// executeGroup runs a flushed batch sequentially on one connection.
// A transport failure ends the group; the remaining items fail with it.
// Items that never ran (the task panicked or expired in the queue) fail with
// the task's error.
func (m *Manager) executeGroup(ctx context.Context, deviceID, operation string, items []BatchItem) ([]Outcome, error) {
	outcomes := make([]Outcome, len(items))
	recorded := 0

	_, settled, err := m.onConn(ctx, deviceID, func(tctx context.Context, pc *PooledConn) (Result, error) {
		for i, item := range items {
			res, err := pc.Invoke(tctx, operation, item.Args)
			outcomes[i] = Outcome{Result: res, Err: err}
			recorded = i + 1
			if err != nil && (isTransportFailure(err) || tctx.Err() != nil) {
				for j := i + 1; j < len(items); j++ {
					outcomes[j] = Outcome{Err: err}
				}
				recorded = len(items)
				return Result{}, err
			}
		}
		return Result{}, nil
	})
	if !settled {
		return nil, err
	}
	if err != nil {
		for i := recorded; i < len(items); i++ {
			outcomes[i] = Outcome{Err: err}
		}
	}
	return outcomes, nil
}

// onConn acquires a connection, runs task on a worker and releases the
// connection exactly once. settled reports whether task ran to completion
// (or was dropped) before onConn returned; when false the release happens
// later, after the still running task finishes.
func (m *Manager) onConn(ctx context.Context, deviceID string, task func(context.Context, *PooledConn) (Result, error)) (res Result, settled bool, err error) {
	pc, err := m.pool.Acquire(ctx, deviceID)
	if err != nil {
		return Result{}, false, err
	}

	var once sync.Once
	release := func(healthy bool) {
		once.Do(func() { m.pool.Release(pc, healthy) })
	}

	fut, err := m.workers.Submit(ctx, func(tctx context.Context) (Result, error) {
		return task(tctx, pc)
	})
	if err != nil {
		release(true)
		return Result{}, false, err
	}

	_, waitErr := fut.Wait(ctx)
	select {
	case <-fut.Done():
	default:
		// Still running: release once the invocation returns.
		policy := m.cfg.UnhealthyOnTimeout
		fut.OnDone(func(_ Result, taskErr error) {
			release(!policy && !isTransportFailure(taskErr))
		})
		m.logger.Debug("operation timed out while running",
			"device_id", deviceID,
			"unhealthy_on_timeout", policy,
		)
		return Result{}, false, waitErr
	}

	res, err = fut.outcome()
	switch {
	case err == nil:
		release(true)
	case errors.Is(err, errExpired):
		release(true)
	case isContextError(err):
		release(!m.cfg.UnhealthyOnTimeout)
		if !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: %w", ErrTimeout, err)
		}
	default:
		release(!isTransportFailure(err))
	}
	return res, true, err
}

func isContextError(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
