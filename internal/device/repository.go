package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices ordered by ID.
	List(ctx context.Context) ([]Device, error)

	// ListPresent retrieves the devices currently attached.
	ListPresent(ctx context.Context) ([]Device, error)

	// Upsert inserts the device or replaces an existing row with the same ID.
	// CreatedAt of an existing row is preserved.
	Upsert(ctx context.Context, device *Device) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error

	// UpdatePresence sets the present flag.
	UpdatePresence(ctx context.Context, id string, present bool) error

	// UpdateHealth updates the health status and last seen timestamp.
	UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection with the devices
// table migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const deviceColumns = `id, serial, host, port, model, brand, version, sdk,
	display_width, display_height, connection_type, present, ready, in_use,
	health_status, health_last_seen, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY id")
}

// ListPresent retrieves the devices currently attached.
func (r *SQLiteRepository) ListPresent(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices WHERE present = 1 ORDER BY id")
}

// Upsert inserts or replaces a device. On return CreatedAt and UpdatedAt
// reflect the stored row.
func (r *SQLiteRepository) Upsert(ctx context.Context, d *Device) error {
	now := r.now().Truncate(time.Second)
	if d.HealthStatus == "" {
		d.HealthStatus = HealthStatusUnknown
	}
	if d.ConnectionType == "" {
		d.ConnectionType = DetectConnectionType(d.Serial)
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serial = excluded.serial,
			host = excluded.host,
			port = excluded.port,
			model = excluded.model,
			brand = excluded.brand,
			version = excluded.version,
			sdk = excluded.sdk,
			display_width = excluded.display_width,
			display_height = excluded.display_height,
			connection_type = excluded.connection_type,
			present = excluded.present,
			ready = excluded.ready,
			in_use = excluded.in_use,
			health_status = excluded.health_status,
			health_last_seen = excluded.health_last_seen,
			updated_at = excluded.updated_at
		RETURNING created_at`

	var createdAt string
	err := r.db.QueryRowContext(ctx, query,
		d.ID, d.Serial, d.Host, d.Port, d.Model, d.Brand, d.Version, d.SDK,
		d.Display.Width, d.Display.Height, string(d.ConnectionType),
		boolToInt(d.Present), boolToInt(d.Ready), boolToInt(d.Using),
		string(d.HealthStatus), nullableTime(d.HealthLastSeen),
		now.Format(time.RFC3339), now.Format(time.RFC3339),
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("upserting device: %w", err)
	}

	d.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return fmt.Errorf("parsing created_at: %w", err)
	}
	d.UpdatedAt = now
	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	return expectOneRow(result)
}

// UpdatePresence sets the present flag. A device that goes away is also no
// longer ready.
func (r *SQLiteRepository) UpdatePresence(ctx context.Context, id string, present bool) error {
	query := `
		UPDATE devices
		SET present = ?, ready = CASE WHEN ? = 1 THEN ready ELSE 0 END, updated_at = ?
		WHERE id = ?`

	p := boolToInt(present)
	result, err := r.db.ExecContext(ctx, query, p, p, r.now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating device presence: %w", err)
	}
	return expectOneRow(result)
}

// UpdateHealth updates the health status and last seen timestamp.
func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	query := `
		UPDATE devices
		SET health_status = ?, health_last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(status),
		lastSeen.UTC().Format(time.RFC3339),
		r.now().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device health: %w", err)
	}
	return expectOneRow(result)
}

func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func expectOneRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(s rowScanner) (*Device, error) {
	var d Device
	var connType, health string
	var present, ready, inUse int
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := s.Scan(
		&d.ID, &d.Serial, &d.Host, &d.Port, &d.Model, &d.Brand, &d.Version, &d.SDK,
		&d.Display.Width, &d.Display.Height, &connType, &present, &ready, &inUse,
		&health, &lastSeen, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.ConnectionType = ConnectionType(connType)
	d.HealthStatus = HealthStatus(health)
	d.Present = present != 0
	d.Ready = ready != 0
	d.Using = inUse != 0

	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.HealthLastSeen = &t
		}
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &d, nil
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
