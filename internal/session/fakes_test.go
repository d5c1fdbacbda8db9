package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// errBrokenPipe stands in for a transport-level failure.
var errBrokenPipe = errors.New("broken pipe")

// fakeResolver resolves every device to host=deviceID unless it is missing.
type fakeResolver struct {
	mu      sync.Mutex
	missing map[string]bool
}

func (r *fakeResolver) ResolveEndpoint(_ context.Context, deviceID string) (Endpoint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing[deviceID] {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, deviceID)
	}
	return Endpoint{Host: deviceID, Port: 7912}, nil
}

// fakeConn records calls and delegates Invoke to its transport's behaviour.
type fakeConn struct {
	id       int
	deviceID string
	t        *fakeTransport

	invokes atomic.Int64
	probes  atomic.Int64
	closed  atomic.Bool
	probeOK atomic.Bool
}

func (c *fakeConn) Invoke(ctx context.Context, operation string, args Args) (Result, error) {
	c.invokes.Add(1)
	if fn := c.t.invokeFunc(); fn != nil {
		return fn(ctx, c, operation, args)
	}
	return Result{ContentType: "text/plain", Body: []byte(c.deviceID + ":" + operation)}, nil
}

func (c *fakeConn) Probe(context.Context) bool {
	c.probes.Add(1)
	return c.probeOK.Load()
}

func (c *fakeConn) Close() error {
	if hook := c.t.closeFunc(); hook != nil {
		hook(c)
	}
	if c.closed.CompareAndSwap(false, true) {
		c.t.live(c.deviceID, -1)
	}
	return nil
}

// fakeTransport opens fakeConns and tracks how many are alive per device.
type fakeTransport struct {
	mu       sync.Mutex
	opened   int
	conns    []*fakeConn
	openErr  error
	onOpen   func(ctx context.Context) error
	onClose  func(c *fakeConn)
	invoke   func(ctx context.Context, c *fakeConn, operation string, args Args) (Result, error)
	alive    map[string]int
	total    int
	maxAlive map[string]int
	maxTotal int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{alive: make(map[string]int), maxAlive: make(map[string]int)}
}

func (t *fakeTransport) Open(ctx context.Context, host string, _ int) (Conn, error) {
	t.mu.Lock()
	hook := t.onOpen
	t.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	if t.openErr != nil {
		err := t.openErr
		t.mu.Unlock()
		return nil, err
	}
	t.opened++
	c := &fakeConn{id: t.opened, deviceID: host, t: t}
	c.probeOK.Store(true)
	t.conns = append(t.conns, c)
	t.mu.Unlock()

	t.live(host, 1)
	return c, nil
}

func (t *fakeTransport) setInvoke(fn func(ctx context.Context, c *fakeConn, operation string, args Args) (Result, error)) {
	t.mu.Lock()
	t.invoke = fn
	t.mu.Unlock()
}

// setOpen runs fn inside every Open before the connection is created.
func (t *fakeTransport) setOpen(fn func(ctx context.Context) error) {
	t.mu.Lock()
	t.onOpen = fn
	t.mu.Unlock()
}

// setClose runs fn inside every Close while the connection still counts as alive.
func (t *fakeTransport) setClose(fn func(c *fakeConn)) {
	t.mu.Lock()
	t.onClose = fn
	t.mu.Unlock()
}

func (t *fakeTransport) closeFunc() func(c *fakeConn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onClose
}

func (t *fakeTransport) peak(deviceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxAlive[deviceID]
}

func (t *fakeTransport) invokeFunc() func(ctx context.Context, c *fakeConn, operation string, args Args) (Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.invoke
}

func (t *fakeTransport) live(deviceID string, delta int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.alive[deviceID] += delta
	t.total += delta
	t.maxAlive[deviceID] = max(t.maxAlive[deviceID], t.alive[deviceID])
	t.maxTotal = max(t.maxTotal, t.total)
}

func (t *fakeTransport) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[i]
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met: "+format, args...)
}

func testPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConnections:      10,
		MaxPerDevice:        2,
		IdleTimeout:         10 * time.Minute,
		HealthCheckInterval: 2 * time.Minute,
		AcquireTimeout:      time.Second,
		ProbeTimeout:        time.Second,
	}
}

func newTestPool(t *testing.T, cfg PoolConfig) (*Pool, *fakeTransport, *fakeResolver) {
	t.Helper()
	transport := newFakeTransport()
	resolver := &fakeResolver{missing: make(map[string]bool)}
	p, err := NewPool(cfg, resolver, transport)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p, transport, resolver
}
