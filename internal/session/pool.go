package session

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeConcurrency bounds parallel health probes during one sweep.
const probeConcurrency = 8

// PoolConfig holds the connection pool limits and intervals.
type PoolConfig struct {
	// MaxConnections caps connections across all devices, in use or idle.
	MaxConnections int

	// MaxPerDevice caps connections to a single device.
	MaxPerDevice int

	// IdleTimeout closes connections idle for longer. Zero disables expiry.
	IdleTimeout time.Duration

	// HealthCheckInterval probes idle connections unused for longer. Zero disables probing.
	HealthCheckInterval time.Duration

	// SweepInterval is the period of the background sweep. Zero disables the sweeper.
	SweepInterval time.Duration

	// AcquireTimeout bounds how long Acquire waits for a free slot.
	// Zero means only the caller's context bounds the wait.
	AcquireTimeout time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration
}

// PooledConn is a connection borrowed from the Pool.
// It must be handed back with exactly one call to Pool.Release.
type PooledConn struct {
	deviceID string
	conn     Conn

	// Guarded by Pool.mu.
	createdAt    time.Time
	lastUsedAt   time.Time
	lastProbedAt time.Time
	healthy      bool
	inUse        bool
	probing      bool
	doomed       bool // unlinked and awaiting destroy
	removed      bool // slot freed
	lruElem      *list.Element
}

// DeviceID returns the device this connection belongs to.
func (pc *PooledConn) DeviceID() string { return pc.deviceID }

// Invoke performs a remote call on the underlying connection.
func (pc *PooledConn) Invoke(ctx context.Context, operation string, args Args) (Result, error) {
	return pc.conn.Invoke(ctx, operation, args)
}

// deviceConns is the per-device pool entry list.
type deviceConns struct {
	idle  []*PooledConn            // most recently used first
	busy  map[*PooledConn]struct{} // in use by callers
	total int                      // idle + in use + opening + closing
}

// PoolStats is a point-in-time snapshot of the pool.
type PoolStats struct {
	Total         int    `json:"total"`
	Idle          int    `json:"idle"`
	InUse         int    `json:"in_use"`
	Devices       int    `json:"devices"`
	Waiters       int    `json:"waiters"`
	Created       uint64 `json:"created"`
	Reused        uint64 `json:"reused"`
	Evicted       uint64 `json:"evicted"`
	Expired       uint64 `json:"expired"`
	Destroyed     uint64 `json:"destroyed"`
	ProbeFailures uint64 `json:"probe_failures"`
	Exhausted     uint64 `json:"exhausted"`
}

// Pool keeps reusable connections to device agents.
//
// Connections are kept per device, most recently used first, and all idle
// connections are additionally linked in a global LRU list used to evict
// when the global cap is reached. A background sweep closes idle-expired
// connections and probes the ones that have not been used for a while.
//
// All public methods are thread-safe.
type Pool struct {
	cfg       PoolConfig
	resolver  Resolver
	transport Transport
	logger    Logger
	now       func() time.Time

	mu      sync.Mutex
	devices map[string]*deviceConns
	idleLRU *list.List // front is most recently used
	total   int
	waiters int
	changed chan struct{} // closed and replaced on every state change
	closed  bool
	stats   PoolStats

	// Sweeper lifecycle
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// NewPool creates a connection pool.
//
// Parameters:
//   - cfg: Pool limits; MaxConnections and MaxPerDevice must be positive
//   - resolver: Maps device ids to agent endpoints
//   - transport: Opens connections to agents
//
// Returns:
//   - *Pool: Ready for Acquire; call Start to run the background sweep
//   - error: If the limits are invalid
func NewPool(cfg PoolConfig, resolver Resolver, transport Transport) (*Pool, error) {
	if cfg.MaxConnections < 1 {
		return nil, fmt.Errorf("pool: max connections must be positive, got %d", cfg.MaxConnections)
	}
	if cfg.MaxPerDevice < 1 {
		return nil, fmt.Errorf("pool: max per device must be positive, got %d", cfg.MaxPerDevice)
	}
	if cfg.MaxPerDevice > cfg.MaxConnections {
		cfg.MaxPerDevice = cfg.MaxConnections
	}
	if resolver == nil || transport == nil {
		return nil, errors.New("pool: resolver and transport are required")
	}

	return &Pool{
		cfg:       cfg,
		resolver:  resolver,
		transport: transport,
		logger:    noopLogger{},
		now:       time.Now,
		devices:   make(map[string]*deviceConns),
		idleLRU:   list.New(),
		changed:   make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// SetLogger sets the logger for the pool.
func (p *Pool) SetLogger(logger Logger) {
	p.logger = logger
}

// Start launches the background sweep. Safe to call more than once.
func (p *Pool) Start() {
	if p.cfg.SweepInterval <= 0 {
		return
	}
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.sweepLoop()
	})
}

// Acquire returns a healthy connection to deviceID.
//
// It reuses the most recently used idle connection of the device. Otherwise
// it opens a new one when the caps allow, evicting the globally least
// recently used idle connection of another device if the global cap is the
// only obstacle. When the device is at its own cap with nothing idle, it
// waits for a release until the acquire timeout (ErrPoolExhausted) or the
// caller's context (ErrTimeout) ends the wait.
//
// Returns:
//   - *PooledConn: In use by the caller until Release
//   - error: ErrPoolExhausted, ErrConnectFailed, ErrNotFound, ErrTimeout or ErrClosed
func (p *Pool) Acquire(ctx context.Context, deviceID string) (*PooledConn, error) {
	waitCtx := ctx
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}

		dc := p.deviceLocked(deviceID)

		if pc := p.takeIdleLocked(dc); pc != nil {
			p.stats.Reused++
			p.mu.Unlock()
			return pc, nil
		}

		if dc.total < p.cfg.MaxPerDevice {
			if p.total < p.cfg.MaxConnections {
				dc.total++
				p.total++
				p.mu.Unlock()
				return p.open(ctx, waitCtx, deviceID)
			}

			// The victim's global slot passes to us; its device slot stays
			// charged until the close returns.
			if victim := p.evictLocked(deviceID); victim != nil {
				dc.total++
				p.mu.Unlock()

				p.closeEvicted(victim)
				return p.open(ctx, waitCtx, deviceID)
			}
		}

		changed := p.changed
		p.waiters++
		p.mu.Unlock()

		select {
		case <-changed:
			p.mu.Lock()
			p.waiters--
			p.mu.Unlock()
		case <-waitCtx.Done():
			p.mu.Lock()
			p.waiters--
			p.stats.Exhausted++
			p.dropIfEmptyLocked(deviceID)
			p.mu.Unlock()

			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: acquiring connection to %s: %w", ErrTimeout, deviceID, ctx.Err())
			}
			return nil, fmt.Errorf("%w: device %s", ErrPoolExhausted, deviceID)
		}
	}
}

// Release hands a connection back to the pool.
//
// A healthy connection becomes idle and reusable; an unhealthy one is closed
// and its slot freed. Releasing the same connection twice is a no-op.
func (p *Pool) Release(pc *PooledConn, healthy bool) {
	if pc == nil {
		return
	}

	p.mu.Lock()
	if !pc.inUse {
		p.mu.Unlock()
		return
	}
	pc.inUse = false
	pc.lastUsedAt = p.now()
	if dc, ok := p.devices[pc.deviceID]; ok {
		delete(dc.busy, pc)
	}

	if !healthy || !pc.healthy || p.closed {
		reason := "unhealthy"
		if healthy && pc.healthy {
			reason = "pool closed"
		}
		pc.doomed = true
		p.mu.Unlock()

		p.destroy(pc, reason)
		return
	}

	dc := p.deviceLocked(pc.deviceID)
	dc.idle = append([]*PooledConn{pc}, dc.idle...)
	pc.lruElem = p.idleLRU.PushFront(pc)
	p.broadcastLocked()
	p.mu.Unlock()
}

// Forget closes the idle connections of a device, e.g. after it went
// offline. Connections in use are marked unhealthy and closed on release.
// Returns the number of idle connections closed.
func (p *Pool) Forget(deviceID string) int {
	p.mu.Lock()
	dc, ok := p.devices[deviceID]
	if !ok {
		p.mu.Unlock()
		return 0
	}

	for pc := range dc.busy {
		pc.healthy = false
	}

	var victims []*PooledConn
	for _, pc := range append([]*PooledConn(nil), dc.idle...) {
		p.unlinkIdleLocked(pc)
		pc.doomed = true
		// A connection being probed is destroyed when its probe returns.
		if !pc.probing {
			victims = append(victims, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range victims {
		p.destroy(pc, "forgotten")
	}
	return len(victims)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	s.Total = p.total
	s.Idle = p.idleLRU.Len()
	s.InUse = p.total - s.Idle
	s.Devices = len(p.devices)
	s.Waiters = p.waiters
	return s
}

// Close stops the sweep and closes all idle connections.
// Connections still in use are closed as they are released.
// Waiting Acquire calls return ErrClosed.
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		var idle []*PooledConn
		for e := p.idleLRU.Front(); e != nil; {
			next := e.Next()
			pc := e.Value.(*PooledConn)
			p.unlinkIdleLocked(pc)
			pc.doomed = true
			if !pc.probing {
				idle = append(idle, pc)
			}
			e = next
		}
		p.broadcastLocked()
		p.mu.Unlock()

		close(p.done)
		p.wg.Wait()

		var g errgroup.Group
		for _, pc := range idle {
			g.Go(func() error {
				closeErr := pc.conn.Close()
				p.mu.Lock()
				p.removeLocked(pc)
				p.stats.Destroyed++
				p.mu.Unlock()
				return closeErr
			})
		}
		err = g.Wait()
	})
	return err
}

// open dials a reserved slot. The reservation is returned on failure.
// waitCtx bounds the dial; an expired caller ctx is reported as ErrTimeout.
func (p *Pool) open(ctx, waitCtx context.Context, deviceID string) (*PooledConn, error) {
	conn, err := p.dial(waitCtx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: connecting to %s: %w", ErrTimeout, deviceID, ctx.Err())
		}
		p.mu.Lock()
		if dc, ok := p.devices[deviceID]; ok {
			dc.total--
		}
		p.total--
		p.dropIfEmptyLocked(deviceID)
		p.broadcastLocked()
		p.mu.Unlock()
		return nil, err
	}

	now := p.now()
	pc := &PooledConn{
		deviceID:   deviceID,
		conn:       conn,
		createdAt:  now,
		lastUsedAt: now,
		healthy:    true,
		inUse:      true,
	}

	p.mu.Lock()
	if p.closed {
		pc.doomed = true
		p.mu.Unlock()
		p.destroy(pc, "pool closed")
		return nil, ErrClosed
	}
	p.stats.Created++
	dc := p.deviceLocked(deviceID)
	if dc.busy == nil {
		dc.busy = make(map[*PooledConn]struct{})
	}
	dc.busy[pc] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("connection opened", "device_id", deviceID)
	return pc, nil
}

func (p *Pool) dial(ctx context.Context, deviceID string) (Conn, error) {
	ep, err := p.resolver.ResolveEndpoint(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: resolving %s: %w", ErrConnectFailed, deviceID, err)
	}

	conn, err := p.transport.Open(ctx, ep.Host, ep.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %s at %s:%d: %w", ErrConnectFailed, deviceID, ep.Host, ep.Port, err)
	}
	return conn, nil
}

// destroy closes a doomed connection and only then frees its slot, so the
// number of open connections never exceeds the caps.
func (p *Pool) destroy(pc *PooledConn, reason string) {
	err := pc.conn.Close()

	p.mu.Lock()
	p.removeLocked(pc)
	p.stats.Destroyed++
	p.broadcastLocked()
	p.mu.Unlock()

	p.logClose(pc, reason, err)
}

// closeEvicted closes a connection whose global slot was handed to another
// device, then frees its device slot.
func (p *Pool) closeEvicted(pc *PooledConn) {
	err := pc.conn.Close()

	p.mu.Lock()
	if dc, ok := p.devices[pc.deviceID]; ok {
		dc.total--
	}
	p.dropIfEmptyLocked(pc.deviceID)
	p.stats.Destroyed++
	p.broadcastLocked()
	p.mu.Unlock()

	p.logClose(pc, "evicted", err)
}

func (p *Pool) logClose(pc *PooledConn, reason string, err error) {
	if err != nil {
		p.logger.Warn("closing connection", "device_id", pc.deviceID, "reason", reason, "error", err)
		return
	}
	p.logger.Debug("connection closed", "device_id", pc.deviceID, "reason", reason)
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes idle-expired connections and probes stale idle ones.
// Probed connections stay linked but are skipped by Acquire until the
// probe finishes.
func (p *Pool) sweep() {
	now := p.now()

	p.mu.Lock()
	var expired, stale []*PooledConn
	for e := p.idleLRU.Back(); e != nil; {
		prev := e.Prev()
		pc := e.Value.(*PooledConn)
		e = prev

		if pc.probing {
			continue
		}
		if p.cfg.IdleTimeout > 0 && now.Sub(pc.lastUsedAt) >= p.cfg.IdleTimeout {
			p.unlinkIdleLocked(pc)
			pc.doomed = true
			p.stats.Expired++
			expired = append(expired, pc)
			continue
		}
		if p.cfg.HealthCheckInterval > 0 && now.Sub(latest(pc.lastUsedAt, pc.lastProbedAt)) >= p.cfg.HealthCheckInterval {
			pc.probing = true
			stale = append(stale, pc)
		}
	}
	p.mu.Unlock()

	for _, pc := range expired {
		p.destroy(pc, "idle timeout")
	}

	if len(stale) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(probeConcurrency)
	for _, pc := range stale {
		g.Go(func() error {
			p.probe(pc)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) probe(pc *PooledConn) {
	ctx := context.Background()
	if p.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		defer cancel()
	}
	ok := pc.conn.Probe(ctx)

	p.mu.Lock()
	pc.probing = false
	pc.lastProbedAt = p.now()
	if !ok {
		pc.healthy = false
		p.stats.ProbeFailures++
		if !pc.doomed {
			p.unlinkIdleLocked(pc)
			pc.doomed = true
		}
	}
	destroy := pc.doomed
	if !destroy {
		p.broadcastLocked()
	}
	p.mu.Unlock()

	if !ok {
		p.logger.Warn("connection failed health probe", "device_id", pc.deviceID)
	}
	if destroy {
		p.destroy(pc, "health probe")
	}
}

// takeIdleLocked pops the most recently used idle connection that is not
// being probed.
func (p *Pool) takeIdleLocked(dc *deviceConns) *PooledConn {
	for _, pc := range dc.idle {
		if pc.probing || !pc.healthy {
			continue
		}
		p.unlinkIdleLocked(pc)
		pc.inUse = true
		if dc.busy == nil {
			dc.busy = make(map[*PooledConn]struct{})
		}
		dc.busy[pc] = struct{}{}
		return pc
	}
	return nil
}

// evictLocked unlinks the least recently used idle connection that does
// not belong to deviceID and releases its global slot to the caller. The
// caller closes it outside the lock with closeEvicted.
func (p *Pool) evictLocked(deviceID string) *PooledConn {
	for e := p.idleLRU.Back(); e != nil; e = e.Prev() {
		pc := e.Value.(*PooledConn)
		if pc.probing || pc.deviceID == deviceID {
			continue
		}
		p.unlinkIdleLocked(pc)
		pc.doomed = true
		pc.removed = true
		p.stats.Evicted++
		return pc
	}
	return nil
}

// unlinkIdleLocked takes pc off the idle lists without freeing its slot.
func (p *Pool) unlinkIdleLocked(pc *PooledConn) {
	if pc.lruElem != nil {
		p.idleLRU.Remove(pc.lruElem)
		pc.lruElem = nil
	}
	dc, ok := p.devices[pc.deviceID]
	if !ok {
		return
	}
	for i, c := range dc.idle {
		if c == pc {
			dc.idle = append(dc.idle[:i], dc.idle[i+1:]...)
			break
		}
	}
}

// removeLocked frees the slot held by pc.
func (p *Pool) removeLocked(pc *PooledConn) {
	if pc.removed {
		return
	}
	pc.removed = true
	if dc, ok := p.devices[pc.deviceID]; ok {
		dc.total--
	}
	p.total--
	p.dropIfEmptyLocked(pc.deviceID)
}

func (p *Pool) deviceLocked(deviceID string) *deviceConns {
	dc, ok := p.devices[deviceID]
	if !ok {
		dc = &deviceConns{}
		p.devices[deviceID] = dc
	}
	return dc
}

func (p *Pool) dropIfEmptyLocked(deviceID string) {
	if dc, ok := p.devices[deviceID]; ok && dc.total <= 0 && len(dc.idle) == 0 {
		delete(p.devices, deviceID)
	}
}

func (p *Pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
