package device

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// DefaultAgentPort is the agent port used for devices registered without one.
const DefaultAgentPort = 7912

// Logger defines the logging interface used by the Registry.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Registry provides device management with caching and thread safety.
// It wraps a Repository and adds an in-memory cache for fast lookups.
//
// The cache is populated on startup via RefreshCache() and kept in sync
// by the write operations. Returned devices are copies.
//
// Registry implements session.Resolver.
//
// All public methods are thread-safe.
type Registry struct {
	repo        Repository
	defaultPort int
	logger      Logger
	now         func() time.Time

	mu     sync.RWMutex
	cache  map[string]*Device
	loaded bool
}

var _ session.Resolver = (*Registry)(nil)

// NewRegistry creates a new device registry.
// The repository is used for persistence; the registry adds caching.
func NewRegistry(repo Repository) *Registry {
	return &Registry{
		repo:        repo,
		defaultPort: DefaultAgentPort,
		logger:      noopLogger{},
		now:         func() time.Time { return time.Now().UTC() },
		cache:       make(map[string]*Device),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// SetDefaultPort sets the agent port for devices stored without one.
func (r *Registry) SetDefaultPort(port int) {
	if port > 0 {
		r.defaultPort = port
	}
}

// RefreshCache reloads all devices from the repository into the cache.
// This should be called on application startup.
func (r *Registry) RefreshCache(ctx context.Context) error {
	devices, err := r.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	cache := make(map[string]*Device, len(devices))
	for i := range devices {
		cache[devices[i].ID] = devices[i].Clone()
	}

	r.mu.Lock()
	r.cache = cache
	r.loaded = true
	r.mu.Unlock()

	r.logger.Info("device cache refreshed", "count", len(devices))
	return nil
}

// GetDevice retrieves a device by ID.
// Returns ErrDeviceNotFound if the device does not exist.
func (r *Registry) GetDevice(ctx context.Context, id string) (*Device, error) {
	r.mu.RLock()
	cached, ok := r.cache[id]
	loaded := r.loaded
	r.mu.RUnlock()

	if ok {
		return cached.Clone(), nil
	}
	if loaded {
		return nil, ErrDeviceNotFound
	}

	d, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.cache[id] = d.Clone()
	r.mu.Unlock()
	return d, nil
}

// ListDevices returns all devices ordered by ID.
func (r *Registry) ListDevices(ctx context.Context) ([]Device, error) {
	return r.list(ctx, func(*Device) bool { return true }, r.repo.List)
}

// ListPresent returns the attached devices ordered by ID.
func (r *Registry) ListPresent(ctx context.Context) ([]Device, error) {
	return r.list(ctx, func(d *Device) bool { return d.Present }, r.repo.ListPresent)
}

func (r *Registry) list(ctx context.Context, keep func(*Device) bool, fallback func(context.Context) ([]Device, error)) ([]Device, error) {
	r.mu.RLock()
	if !r.loaded {
		r.mu.RUnlock()
		return fallback(ctx)
	}
	devices := make([]Device, 0, len(r.cache))
	for _, d := range r.cache {
		if keep(d) {
			devices = append(devices, *d.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

// RegisterDevice validates and stores a device, replacing any existing
// record with the same ID. An empty ID is derived from serial and model,
// and an empty connection type from the serial.
func (r *Registry) RegisterDevice(ctx context.Context, d *Device) error {
	if d.ID == "" {
		d.ID = GenerateUDID(d.Serial, d.Model)
	}
	if d.ConnectionType == "" {
		d.ConnectionType = DetectConnectionType(d.Serial)
	}
	if err := ValidateDevice(d); err != nil {
		return err
	}
	if err := r.repo.Upsert(ctx, d); err != nil {
		return err
	}

	r.mu.Lock()
	r.cache[d.ID] = d.Clone()
	r.mu.Unlock()

	r.logger.Info("device registered", "id", d.ID, "host", d.Host, "present", d.Present)
	return nil
}

// DeleteDevice removes a device.
func (r *Registry) DeleteDevice(ctx context.Context, id string) error {
	if err := r.repo.Delete(ctx, id); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.cache, id)
	r.mu.Unlock()

	r.logger.Info("device deleted", "id", id)
	return nil
}

// SetPresent records that a device attached or went away.
func (r *Registry) SetPresent(ctx context.Context, id string, present bool) error {
	if err := r.repo.UpdatePresence(ctx, id, present); err != nil {
		return err
	}

	r.update(id, func(d *Device) {
		d.Present = present
		if !present {
			d.Ready = false
		}
	})

	r.logger.Debug("device presence updated", "id", id, "present", present)
	return nil
}

// SetHealth updates the health status of a device.
func (r *Registry) SetHealth(ctx context.Context, id string, status HealthStatus) error {
	if err := ValidateHealthStatus(status); err != nil {
		return err
	}
	now := r.now()
	if err := r.repo.UpdateHealth(ctx, id, status, now); err != nil {
		return err
	}

	r.update(id, func(d *Device) {
		d.HealthStatus = status
		d.HealthLastSeen = &now
	})

	r.logger.Debug("device health updated", "id", id, "status", status)
	return nil
}

// update replaces the cached device with a modified copy.
func (r *Registry) update(id string, fn func(*Device)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.cache[id]; ok {
		updated := cached.Clone()
		fn(updated)
		updated.UpdatedAt = r.now()
		r.cache[id] = updated
	}
}

// ResolveEndpoint returns the agent address of a present device.
//
// Unknown and absent devices yield errors wrapping session.ErrNotFound.
func (r *Registry) ResolveEndpoint(ctx context.Context, id string) (session.Endpoint, error) {
	d, err := r.GetDevice(ctx, id)
	if err != nil {
		return session.Endpoint{}, fmt.Errorf("%w: %w", session.ErrNotFound, err)
	}
	if !d.Present {
		return session.Endpoint{}, fmt.Errorf("%w: %w: %s", session.ErrNotFound, ErrDeviceAbsent, id)
	}
	port := d.Port
	if port == 0 {
		port = r.defaultPort
	}
	return session.Endpoint{Host: d.Host, Port: port}, nil
}

// Stats returns registry statistics for monitoring.
type Stats struct {
	TotalDevices     int                    `json:"total_devices"`
	Present          int                    `json:"present"`
	ByConnectionType map[ConnectionType]int `json:"by_connection_type"`
	ByHealthStatus   map[HealthStatus]int   `json:"by_health_status"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices:     len(r.cache),
		ByConnectionType: make(map[ConnectionType]int),
		ByHealthStatus:   make(map[HealthStatus]int),
	}
	for _, d := range r.cache {
		if d.Present {
			stats.Present++
		}
		stats.ByConnectionType[d.ConnectionType]++
		stats.ByHealthStatus[d.HealthStatus]++
	}
	return stats
}
