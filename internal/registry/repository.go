package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/homehub/internal/driver"
	"github.com/nerrad567/homehub/internal/store"
)

// Repository is the persistence contract the Registry drives. Hand
// written SQL, no ORM, matching the teacher's device.Repository shape.
type Repository interface {
	GetOrCreateHome(ctx context.Context, name, timezone string) (Home, error)

	GetDevice(ctx context.Context, id string) (Device, error)
	FindDeviceByFingerprint(ctx context.Context, homeID, fingerprint string) (Device, bool, error)
	FindDeviceByAddress(ctx context.Context, homeID, address, vendor, model string) (Device, bool, error)
	InsertDevice(ctx context.Context, d Device) error
	UpdateDevice(ctx context.Context, d Device) error
	DevicesByHome(ctx context.Context, homeID string) ([]Device, error)
	MarkDevicePaired(ctx context.Context, deviceID string, pairedAt time.Time) error
	UpdateDeviceLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error

	GetEntity(ctx context.Context, id string) (Entity, error)
	FindEntityByKey(ctx context.Context, deviceID, key string) (Entity, bool, error)
	InsertEntity(ctx context.Context, e Entity) error
	Entities(ctx context.Context, filter EntityFilter) ([]Entity, error)

	StoreCredentials(ctx context.Context, deviceID, kind string, ciphertext []byte) error
	GetCredentials(ctx context.Context, deviceID, kind string) ([]byte, bool, error)
}

// SQLiteRepository implements Repository over the shared *store.DB.
type SQLiteRepository struct {
	db *store.DB
}

// NewSQLiteRepository builds a SQLiteRepository over an already-migrated
// database.
func NewSQLiteRepository(db *store.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) GetOrCreateHome(ctx context.Context, name, timezone string) (Home, error) {
	var h Home
	row := r.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at, updated_at FROM homes WHERE name = ?`, name)
	err := row.Scan(&h.ID, &h.Name, &h.Timezone, &h.CreatedAt, &h.UpdatedAt)
	if err == nil {
		return h, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Home{}, fmt.Errorf("querying home: %w", err)
	}

	now := time.Now().UTC()
	h = Home{ID: uuid.New().String(), Name: name, Timezone: timezone, CreatedAt: now, UpdatedAt: now}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO homes (id, name, timezone, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		h.ID, h.Name, h.Timezone, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return Home{}, fmt.Errorf("inserting home: %w", err)
	}

	// Another caller may have raced us; re-read to get the row that won.
	row = r.db.QueryRowContext(ctx,
		`SELECT id, name, timezone, created_at, updated_at FROM homes WHERE name = ?`, name)
	if err := row.Scan(&h.ID, &h.Name, &h.Timezone, &h.CreatedAt, &h.UpdatedAt); err != nil {
		return Home{}, fmt.Errorf("re-querying home after insert: %w", err)
	}
	return h, nil
}

const deviceColumns = `id, home_id, protocol, name, vendor, model, address, fingerprint,
	paired_at, last_seen, created_at, updated_at`

func scanDevice(row interface{ Scan(...any) error }) (Device, error) {
	var d Device
	var name, address, fingerprint, vendor, model sql.NullString
	var pairedAt sql.NullTime
	err := row.Scan(&d.ID, &d.HomeID, &d.Protocol, &name, &vendor, &model, &address, &fingerprint,
		&pairedAt, &d.LastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return Device{}, err
	}
	d.Name, d.Vendor, d.Model, d.Address, d.Fingerprint = name.String, vendor.String, model.String, address.String, fingerprint.String
	if pairedAt.Valid {
		d.PairedAt = &pairedAt.Time
	}
	return d, nil
}

func (r *SQLiteRepository) GetDevice(ctx context.Context, id string) (Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

func (r *SQLiteRepository) FindDeviceByFingerprint(ctx context.Context, homeID, fingerprint string) (Device, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE home_id = ? AND fingerprint = ?`, homeID, fingerprint)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, false, nil
		}
		return Device{}, false, fmt.Errorf("querying device by fingerprint: %w", err)
	}
	return d, true, nil
}

func (r *SQLiteRepository) FindDeviceByAddress(ctx context.Context, homeID, address, vendor, model string) (Device, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE home_id = ? AND address = ? AND vendor = ? AND model = ?`,
		homeID, address, vendor, model)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Device{}, false, nil
		}
		return Device{}, false, fmt.Errorf("querying device by address: %w", err)
	}
	return d, true, nil
}

func (r *SQLiteRepository) InsertDevice(ctx context.Context, d Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO devices (id, home_id, protocol, name, vendor, model, address, fingerprint,
			paired_at, last_seen, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.HomeID, d.Protocol, d.Name, d.Vendor, d.Model, d.Address, d.Fingerprint,
		d.PairedAt, d.LastSeen, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateDevice(ctx context.Context, d Device) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET address = ?, name = ?, fingerprint = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		d.Address, d.Name, d.Fingerprint, d.LastSeen, d.UpdatedAt, d.ID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	return requireRowAffected(res, ErrDeviceNotFound)
}

func (r *SQLiteRepository) DevicesByHome(ctx context.Context, homeID string) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices WHERE home_id = ? ORDER BY vendor, model`, homeID)
	if err != nil {
		return nil, fmt.Errorf("querying devices by home: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) MarkDevicePaired(ctx context.Context, deviceID string, pairedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET paired_at = ?, last_seen = ?, updated_at = ? WHERE id = ?`,
		pairedAt, pairedAt, pairedAt, deviceID)
	if err != nil {
		return fmt.Errorf("marking device paired: %w", err)
	}
	return requireRowAffected(res, ErrDeviceNotFound)
}

func (r *SQLiteRepository) UpdateDeviceLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = ?, updated_at = ? WHERE id = ?`, lastSeen, lastSeen, deviceID)
	if err != nil {
		return fmt.Errorf("updating device last_seen: %w", err)
	}
	return requireRowAffected(res, ErrDeviceNotFound)
}

const entityColumns = `id, device_id, home_id, kind, key, name, capability, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var e Entity
	var kind, capabilityJSON string
	err := row.Scan(&e.ID, &e.DeviceID, &e.HomeID, &kind, &e.Key, &e.Name, &capabilityJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return Entity{}, err
	}
	e.Kind = driver.EntityKind(kind)
	if capabilityJSON != "" {
		if err := json.Unmarshal([]byte(capabilityJSON), &e.Capability); err != nil {
			return Entity{}, fmt.Errorf("decoding capability: %w", err)
		}
	}
	return e, nil
}

func (r *SQLiteRepository) GetEntity(ctx context.Context, id string) (Entity, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, id)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, ErrEntityNotFound
		}
		return Entity{}, fmt.Errorf("querying entity: %w", err)
	}
	return e, nil
}

func (r *SQLiteRepository) FindEntityByKey(ctx context.Context, deviceID, key string) (Entity, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE device_id = ? AND key = ?`, deviceID, key)
	e, err := scanEntity(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, false, nil
		}
		return Entity{}, false, fmt.Errorf("querying entity by key: %w", err)
	}
	return e, true, nil
}

func (r *SQLiteRepository) InsertEntity(ctx context.Context, e Entity) error {
	capabilityJSON, err := json.Marshal(e.Capability)
	if err != nil {
		return fmt.Errorf("encoding capability: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO entities (id, device_id, home_id, kind, key, name, capability, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DeviceID, e.HomeID, string(e.Kind), e.Key, e.Name, string(capabilityJSON), e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting entity: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Entities(ctx context.Context, filter EntityFilter) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE 1=1`
	var args []any
	if filter.HomeID != "" {
		query += ` AND home_id = ?`
		args = append(args, filter.HomeID)
	}
	if filter.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filter.DeviceID)
	}
	if filter.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(filter.Kind))
	}
	query += ` ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) StoreCredentials(ctx context.Context, deviceID, kind string, ciphertext []byte) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO credentials (device_id, kind, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(device_id, kind) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		deviceID, kind, ciphertext, now, now)
	if err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetCredentials(ctx context.Context, deviceID, kind string) ([]byte, bool, error) {
	var data []byte
	row := r.db.QueryRowContext(ctx, `SELECT data FROM credentials WHERE device_id = ? AND kind = ?`, deviceID, kind)
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("querying credentials: %w", err)
	}
	return data, true, nil
}

func requireRowAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
