// Package session manages the resources behind concurrent device control
// sessions: how many connections each device agent gets, where blocking
// device calls run, and when a cached or batched result is served instead
// of a fresh remote call.
//
// # Architecture
//
//	                     Manager.Perform(device, op, args)
//	                                   │
//	                     ┌─────────────┼──────────────┐
//	                     ▼             ▼              ▼
//	              ┌────────────┐ ┌────────────┐ ┌────────────┐
//	              │   Cache    │ │  Batcher   │ │   Direct   │
//	              │ (cache.go) │ │ (batch.go) │ │            │
//	              │ TTL + LRU  │ │ size/time  │ │            │
//	              │singleflight│ │ flush      │ │            │
//	              └─────┬──────┘ └─────┬──────┘ └─────┬──────┘
//	                    └──────────────┼──────────────┘
//	                                   ▼
//	              ┌─────────────────────────────────────────┐
//	              │ Pool.Acquire ─▶ Offload.Submit ─▶ Release│
//	              │  (pool.go)        (offload.go)           │
//	              └─────────────────────────────────────────┘
//	                                   │
//	                                   ▼
//	                          Transport / Conn (agent)
//
// # Key Types
//
//   - Pool: bounded per-device and global connection pool with idle eviction
//     and a periodic health sweep
//   - Offload: fixed worker pool with a bounded queue for blocking calls
//   - Cache: short-lived result cache with single-flight collapse
//   - Batcher: groups same-type operations per device and flushes on size or age
//   - Manager: the single entry point composing all of the above
//
// # Usage
//
//	pool, _ := session.NewPool(poolCfg, registry, transport)
//	workers, _ := session.NewOffload(workerCfg)
//	cache, _ := session.NewCache(500)
//	mgr, err := session.NewManager(session.ManagerConfig{...}, pool, workers, cache)
//	if err != nil {
//	    return err
//	}
//	mgr.Start()
//	defer mgr.Close(ctx)
//
//	res, err := mgr.Perform(ctx, "emulator-5554-sdk_phone", "screenshot", nil)
//
// # Thread Safety
//
// All exported types are safe for concurrent use. Each component guards its
// own state with a single mutex and never performs network I/O or calls into
// another component while holding it.
package session

// Logger defines the logging interface used by session components.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
