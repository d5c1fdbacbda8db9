package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/cloudcontrol-core/internal/session"
)

// MockRepository is a test implementation of Repository.
type MockRepository struct {
	mu      sync.Mutex
	devices map[string]*Device
	lists   int

	// For testing error paths
	upsertErr error
	deleteErr error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{devices: make(map[string]*Device)}
}

func (m *MockRepository) GetByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.Clone(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *MockRepository) List(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	devices := make([]Device, 0, len(m.devices))
	for _, d := range m.devices {
		devices = append(devices, *d.Clone())
	}
	return devices, nil
}

func (m *MockRepository) ListPresent(ctx context.Context) ([]Device, error) {
	all, _ := m.List(ctx)
	var present []Device
	for _, d := range all {
		if d.Present {
			present = append(present, d)
		}
	}
	return present, nil
}

func (m *MockRepository) Upsert(_ context.Context, d *Device) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if old, ok := m.devices[d.ID]; ok {
		d.CreatedAt = old.CreatedAt
	} else {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.HealthStatus == "" {
		d.HealthStatus = HealthStatusUnknown
	}
	m.devices[d.ID] = d.Clone()
	return nil
}

func (m *MockRepository) Delete(_ context.Context, id string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.devices[id]; !ok {
		return ErrDeviceNotFound
	}
	delete(m.devices, id)
	return nil
}

func (m *MockRepository) UpdatePresence(_ context.Context, id string, present bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Present = present
	if !present {
		d.Ready = false
	}
	return nil
}

func (m *MockRepository) UpdateHealth(_ context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.HealthStatus = status
	d.HealthLastSeen = &lastSeen
	return nil
}

// testDevice creates a present emulator device for testing.
func testDevice(serial, model string) *Device {
	return &Device{
		Serial:  serial,
		Model:   model,
		Host:    "10.0.0.12",
		Present: true,
		Ready:   true,
		Display: Display{Width: 1080, Height: 2400},
	}
}

func newTestRegistry(t *testing.T) (*Registry, *MockRepository) {
	t.Helper()
	repo := NewMockRepository()
	reg := NewRegistry(repo)
	if err := reg.RefreshCache(context.Background()); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	return reg, repo
}

func TestRegistry_RegisterDevice_DerivesIdentity(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d := testDevice("emulator-5554", "sdk gphone64")
	if err := reg.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	if d.ID != "emulator-5554-sdk_gphone64" {
		t.Errorf("ID = %q, want emulator-5554-sdk_gphone64", d.ID)
	}
	if d.ConnectionType != ConnectionEmulator {
		t.Errorf("ConnectionType = %q, want emulator", d.ConnectionType)
	}
	if _, err := repo.GetByID(ctx, d.ID); err != nil {
		t.Errorf("device not persisted: %v", err)
	}
}

func TestRegistry_RegisterDevice_Invalid(t *testing.T) {
	reg, repo := newTestRegistry(t)

	d := testDevice("abc", "m")
	d.Host = "bad host!"
	if err := reg.RegisterDevice(context.Background(), d); !errors.Is(err, ErrInvalidHost) {
		t.Errorf("RegisterDevice() error = %v, want ErrInvalidHost", err)
	}
	if len(repo.devices) != 0 {
		t.Error("invalid device must not be persisted")
	}
}

func TestRegistry_RegisterDevice_RepositoryError(t *testing.T) {
	reg, repo := newTestRegistry(t)
	repo.upsertErr = errors.New("disk full")

	d := testDevice("abc", "m")
	if err := reg.RegisterDevice(context.Background(), d); err == nil {
		t.Fatal("RegisterDevice() should fail when the repository fails")
	}
	if _, err := reg.GetDevice(context.Background(), d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("failed register must not reach the cache, GetDevice() error = %v", err)
	}
}

func TestRegistry_GetDevice_ReturnsCopies(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	d := testDevice("abc", "m")
	if err := reg.RegisterDevice(ctx, d); err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}

	got, err := reg.GetDevice(ctx, d.ID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	got.Host = "changed"

	again, _ := reg.GetDevice(ctx, d.ID)
	if again.Host != "10.0.0.12" {
		t.Errorf("cache was modified through a returned device: host = %q", again.Host)
	}
}

func TestRegistry_GetDevice_BeforeRefreshFallsBack(t *testing.T) {
	repo := NewMockRepository()
	ctx := context.Background()
	d := testDevice("abc", "m")
	d.ID = "abc-m"
	_ = repo.Upsert(ctx, d)

	reg := NewRegistry(repo)
	got, err := reg.GetDevice(ctx, "abc-m")
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if got.ID != "abc-m" {
		t.Errorf("ID = %q", got.ID)
	}
	if _, err := reg.GetDevice(ctx, "missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ListPresentSorted(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, serial := range []string{"c", "a", "b"} {
		d := testDevice(serial, "m")
		d.Present = serial != "b"
		if err := reg.RegisterDevice(ctx, d); err != nil {
			t.Fatalf("RegisterDevice(%s) error = %v", serial, err)
		}
	}

	all, err := reg.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "a-m" || all[2].ID != "c-m" {
		t.Errorf("ListDevices() order = %v", ids(all))
	}

	present, err := reg.ListPresent(ctx)
	if err != nil {
		t.Fatalf("ListPresent() error = %v", err)
	}
	if got := ids(present); len(got) != 2 || got[0] != "a-m" || got[1] != "c-m" {
		t.Errorf("ListPresent() = %v, want [a-m c-m]", got)
	}
}

func ids(devices []Device) []string {
	out := make([]string, len(devices))
	for i, d := range devices {
		out[i] = d.ID
	}
	return out
}

func TestRegistry_SetPresent(t *testing.T) {
	reg, repo := newTestRegistry(t)
	ctx := context.Background()

	d := testDevice("abc", "m")
	_ = reg.RegisterDevice(ctx, d)

	if err := reg.SetPresent(ctx, d.ID, false); err != nil {
		t.Fatalf("SetPresent() error = %v", err)
	}
	got, _ := reg.GetDevice(ctx, d.ID)
	if got.Present || got.Ready {
		t.Errorf("absent device: present=%v ready=%v, want both false", got.Present, got.Ready)
	}
	if stored, _ := repo.GetByID(ctx, d.ID); stored.Present {
		t.Error("presence not persisted")
	}

	if err := reg.SetPresent(ctx, "missing", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("SetPresent(missing) error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_SetHealth(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	d := testDevice("abc", "m")
	_ = reg.RegisterDevice(ctx, d)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	if err := reg.SetHealth(ctx, d.ID, HealthStatusDegraded); err != nil {
		t.Fatalf("SetHealth() error = %v", err)
	}
	got, _ := reg.GetDevice(ctx, d.ID)
	if got.HealthStatus != HealthStatusDegraded {
		t.Errorf("HealthStatus = %q, want degraded", got.HealthStatus)
	}
	if got.HealthLastSeen == nil || !got.HealthLastSeen.Equal(fixed) {
		t.Errorf("HealthLastSeen = %v, want %v", got.HealthLastSeen, fixed)
	}

	if err := reg.SetHealth(ctx, d.ID, "sparkling"); !errors.Is(err, ErrInvalidDevice) {
		t.Errorf("SetHealth(invalid) error = %v, want ErrInvalidDevice", err)
	}
}

func TestRegistry_DeleteDevice(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	d := testDevice("abc", "m")
	_ = reg.RegisterDevice(ctx, d)

	if err := reg.DeleteDevice(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDevice() error = %v", err)
	}
	if _, err := reg.GetDevice(ctx, d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("GetDevice() after delete error = %v", err)
	}
	if err := reg.DeleteDevice(ctx, d.ID); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("second DeleteDevice() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRegistry_ResolveEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	withPort := testDevice("a", "m")
	withPort.Port = 9000
	noPort := testDevice("b", "m")
	absent := testDevice("c", "m")
	absent.Present = false
	for _, d := range []*Device{withPort, noPort, absent} {
		if err := reg.RegisterDevice(ctx, d); err != nil {
			t.Fatalf("RegisterDevice() error = %v", err)
		}
	}
	reg.SetDefaultPort(7999)

	tests := []struct {
		name     string
		id       string
		want     session.Endpoint
		wantErr  error
		alsoWant error
	}{
		{"explicit port", withPort.ID, session.Endpoint{Host: "10.0.0.12", Port: 9000}, nil, nil},
		{"default port", noPort.ID, session.Endpoint{Host: "10.0.0.12", Port: 7999}, nil, nil},
		{"absent", absent.ID, session.Endpoint{}, session.ErrNotFound, ErrDeviceAbsent},
		{"unknown", "nope", session.Endpoint{}, session.ErrNotFound, ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.ResolveEndpoint(ctx, tt.id)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) || !errors.Is(err, tt.alsoWant) {
					t.Errorf("ResolveEndpoint() error = %v, want %v and %v", err, tt.wantErr, tt.alsoWant)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolveEndpoint() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ResolveEndpoint() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRegistry_GetStats(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_ = reg.RegisterDevice(ctx, testDevice("emulator-5554", "m"))
	_ = reg.RegisterDevice(ctx, testDevice("192.168.1.20:5555", "m"))
	usb := testDevice("R58M123", "m")
	usb.Present = false
	_ = reg.RegisterDevice(ctx, usb)

	stats := reg.GetStats()
	if stats.TotalDevices != 3 || stats.Present != 2 {
		t.Errorf("stats = %+v, want 3 total, 2 present", stats)
	}
	for ct, want := range map[ConnectionType]int{ConnectionEmulator: 1, ConnectionWiFi: 1, ConnectionUSB: 1} {
		if stats.ByConnectionType[ct] != want {
			t.Errorf("ByConnectionType[%s] = %d, want %d", ct, stats.ByConnectionType[ct], want)
		}
	}
	if stats.ByHealthStatus[HealthStatusUnknown] != 3 {
		t.Errorf("ByHealthStatus[unknown] = %d, want 3", stats.ByHealthStatus[HealthStatusUnknown])
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	d := testDevice("abc", "m")
	_ = reg.RegisterDevice(ctx, d)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				_ = reg.SetPresent(ctx, d.ID, i%4 == 0)
				return
			}
			_, _ = reg.ResolveEndpoint(ctx, d.ID)
			_ = reg.GetStats()
		}()
	}
	wg.Wait()
}
