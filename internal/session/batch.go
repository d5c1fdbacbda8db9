package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// BatchConfig holds the flush thresholds of the batch coordinator.
type BatchConfig struct {
	// Size flushes a group once it holds this many items.
	Size int

	// FlushInterval flushes a group this long after it opened.
	FlushInterval time.Duration

	// Timeout bounds one group execution. Zero means no bound.
	Timeout time.Duration
}

// BatchItem is one queued operation inside a flushed group.
type BatchItem struct {
	Args       Args
	EnqueuedAt time.Time
}

// Outcome is the result of one item of a flushed group.
type Outcome struct {
	Result Result
	Err    error
}

// GroupExecutor dispatches a flushed group as one unit.
//
// It returns one outcome per item, in item order. Returning a non-nil error
// without outcomes fails every item with that error.
type GroupExecutor func(ctx context.Context, deviceID, operation string, items []BatchItem) ([]Outcome, error)

// BatchStats is a point-in-time snapshot of the batch coordinator.
type BatchStats struct {
	OpenGroups   int    `json:"open_groups"`
	Pending      int    `json:"pending"`
	Enqueued     uint64 `json:"enqueued"`
	SizeFlushes  uint64 `json:"size_flushes"`
	TimerFlushes uint64 `json:"timer_flushes"`
	FailedGroups uint64 `json:"failed_groups"`
	Rejected     uint64 `json:"rejected"`
}

type groupKey struct {
	deviceID  string
	operation string
}

type pendingItem struct {
	item BatchItem
	fut  *Future
}

type batchGroup struct {
	key      groupKey
	pending  *queue.Queue // of pendingItem, FIFO
	openedAt time.Time
	timer    *time.Timer
}

// Batcher accumulates operations per device and operation type and hands
// them to a GroupExecutor as one unit once a group is full or old enough.
// Each caller's future is settled with the outcome of its own item.
type Batcher struct {
	cfg    BatchConfig
	exec   GroupExecutor
	logger Logger
	now    func() time.Time

	mu     sync.Mutex
	groups map[groupKey]*batchGroup
	closed bool
	stats  BatchStats

	inflight sync.WaitGroup
}

// NewBatcher creates a batch coordinator.
//
// Parameters:
//   - cfg: Flush thresholds; Size and FlushInterval must be positive
//   - exec: Dispatches flushed groups
func NewBatcher(cfg BatchConfig, exec GroupExecutor) (*Batcher, error) {
	if cfg.Size < 1 {
		return nil, fmt.Errorf("batch: size must be positive, got %d", cfg.Size)
	}
	if cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("batch: flush interval must be positive, got %v", cfg.FlushInterval)
	}
	if exec == nil {
		return nil, errors.New("batch: group executor is required")
	}

	return &Batcher{
		cfg:    cfg,
		exec:   exec,
		logger: noopLogger{},
		now:    time.Now,
		groups: make(map[groupKey]*batchGroup),
	}, nil
}

// SetLogger sets the logger for the coordinator.
func (b *Batcher) SetLogger(logger Logger) {
	b.logger = logger
}

// Enqueue adds an operation to the open group for (deviceID, operation),
// opening the group and starting its flush timer if needed.
//
// Returns:
//   - *Future: Settled when the group has been executed
//   - error: ErrClosed after Close
func (b *Batcher) Enqueue(deviceID, operation string, args Args) (*Future, error) {
	fut := newFuture()
	key := groupKey{deviceID: deviceID, operation: operation}

	b.mu.Lock()
	if b.closed {
		b.stats.Rejected++
		b.mu.Unlock()
		return nil, ErrClosed
	}

	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{key: key, pending: queue.New(), openedAt: b.now()}
		g.timer = time.AfterFunc(b.cfg.FlushInterval, func() { b.flushOnTimer(g) })
		b.groups[key] = g
	}
	g.pending.Add(pendingItem{item: BatchItem{Args: args, EnqueuedAt: b.now()}, fut: fut})
	b.stats.Enqueued++

	if g.pending.Length() < b.cfg.Size {
		b.mu.Unlock()
		return fut, nil
	}

	g.timer.Stop()
	items := b.detachLocked(g)
	b.stats.SizeFlushes++
	b.inflight.Add(1)
	b.mu.Unlock()

	go b.dispatch(key, items)
	return fut, nil
}

// Stats returns a snapshot of the coordinator counters.
func (b *Batcher) Stats() BatchStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.OpenGroups = len(b.groups)
	for _, g := range b.groups {
		s.Pending += g.pending.Length()
	}
	return s
}

// Close rejects all pending items with ErrClosed and waits for groups
// already being executed.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.inflight.Wait()
		return
	}
	b.closed = true

	var rejected []pendingItem
	for _, g := range b.groups {
		g.timer.Stop()
		rejected = append(rejected, b.detachLocked(g)...)
	}
	b.mu.Unlock()

	for _, p := range rejected {
		p.fut.settle(Result{}, ErrClosed)
	}
	b.inflight.Wait()
}

func (b *Batcher) flushOnTimer(g *batchGroup) {
	b.mu.Lock()
	if cur, ok := b.groups[g.key]; !ok || cur != g {
		// Already flushed on size or rejected by Close.
		b.mu.Unlock()
		return
	}
	items := b.detachLocked(g)
	b.stats.TimerFlushes++
	b.inflight.Add(1)
	b.mu.Unlock()

	b.dispatch(g.key, items)
}

// detachLocked removes g from the open groups and drains its queue in FIFO order.
func (b *Batcher) detachLocked(g *batchGroup) []pendingItem {
	delete(b.groups, g.key)

	items := make([]pendingItem, 0, g.pending.Length())
	for g.pending.Length() > 0 {
		items = append(items, g.pending.Remove().(pendingItem))
	}
	return items
}

func (b *Batcher) dispatch(key groupKey, pending []pendingItem) {
	defer b.inflight.Done()

	ctx := context.Background()
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	items := make([]BatchItem, len(pending))
	for i, p := range pending {
		items[i] = p.item
	}

	outcomes, err := b.execute(ctx, key, items)
	if outcomes != nil && len(outcomes) != len(items) {
		outcomes, err = nil, fmt.Errorf("%w: %d items, %d outcomes", ErrBatchMismatch, len(items), len(outcomes))
	}
	if outcomes == nil {
		if err == nil {
			err = fmt.Errorf("%w: %d items, no outcomes", ErrBatchMismatch, len(items))
		}

		b.mu.Lock()
		b.stats.FailedGroups++
		b.mu.Unlock()

		b.logger.Warn("batch group failed",
			"device_id", key.deviceID,
			"operation", key.operation,
			"items", len(items),
			"error", err,
		)
		for _, p := range pending {
			p.fut.settle(Result{}, err)
		}
		return
	}

	for i, p := range pending {
		p.fut.settle(outcomes[i].Result, outcomes[i].Err)
	}
}

func (b *Batcher) execute(ctx context.Context, key groupKey, items []BatchItem) (outcomes []Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcomes, err = nil, fmt.Errorf("%w: batch executor: %v", ErrWorkerPanic, r)
		}
	}()
	return b.exec(ctx, key.deviceID, key.operation, items)
}
