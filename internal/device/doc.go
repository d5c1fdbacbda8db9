// Package device provides the device registry of CloudControl Core.
//
// The registry is the catalogue of Android handsets whose on-device agents
// Core can reach. It persists devices in SQLite, keeps an in-memory cache
// for lookups on the hot path, and resolves device ids to agent endpoints
// for the session pool.
//
// # Architecture
//
//	 MQTT announce/offline            REST API
//	         │                           │
//	         ▼                           ▼
//	┌──────────────────┐      ┌──────────────────┐      ┌──────────────────┐
//	│    Discovery     │─────▶│     Registry     │─────▶│    Repository    │
//	│  (discovery.go)  │      │  (registry.go)   │      │ (repository.go)  │
//	└──────────────────┘      │ • cache          │      │ • SQLite queries │
//	                          │ • ResolveEndpoint│      └──────────────────┘
//	                          └────────┬─────────┘
//	                                   │ session.Resolver
//	                                   ▼
//	                             session.Pool
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	registry := device.NewRegistry(repo)
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	err := registry.RegisterDevice(ctx, &device.Device{
//	    Serial:  "emulator-5554",
//	    Model:   "sdk_gphone64",
//	    Host:    "10.0.0.12",
//	    Present: true,
//	})
//
// # Thread Safety
//
// Registry and Discovery are safe for concurrent use. The registry returns
// copies, so callers may modify what they get back.
package device
