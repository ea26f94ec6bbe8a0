package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// queryer is the subset of database/sql shared by *sql.DB and *sql.Tx,
// letting the same repository code run inside or outside a transaction.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository provides persistence for all Homeport entities over SQLite.
type Repository struct {
	db *sql.DB
	q  queryer
}

// NewRepository creates a repository over an open SQLite connection.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db, q: db}
}

// WithTx returns a repository view that executes against tx. The template
// engine uses this to make apply all-or-nothing.
func (r *Repository) WithTx(tx *sql.Tx) *Repository {
	return &Repository{db: r.db, q: tx}
}

// BeginTx starts a transaction on the underlying database.
func (r *Repository) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if r.db == nil {
		return nil, fmt.Errorf("repository has no root connection")
	}
	return r.db.BeginTx(ctx, nil)
}

// isUniqueViolation reports whether err is a SQLite uniqueness violation.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// =============================================================================
// Devices
// =============================================================================

const deviceColumns = `id, tag, device_type, gateway_id, platform, source_id,
	name, disabled, params, temp_id, temp_batch_id, created_at, update_at`

func scanDevice(row interface{ Scan(...any) error }) (*Device, error) {
	var (
		d         Device
		params    string
		created   string
		updated   string
	)
	err := row.Scan(&d.ID, &d.Tag, &d.Type, &d.GatewayID, &d.Platform,
		&d.SourceID, &d.Name, &d.Disabled, &params, &d.TempID,
		&d.TempBatchID, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &d.Params); err != nil {
		return nil, fmt.Errorf("decoding device params: %w", err)
	}
	d.CreatedAt = parseTime(created)
	d.UpdateAt = parseTime(updated)
	return &d, nil
}

// GetDevice retrieves a device by id.
func (r *Repository) GetDevice(ctx context.Context, id int64) (*Device, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting device: %w", err)
	}
	return d, nil
}

// ListDevices returns all devices, disabled included.
func (r *Repository) ListDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx, `SELECT `+deviceColumns+` FROM devices ORDER BY id`)
}

// ListEnabledDevices returns all enabled devices.
func (r *Repository) ListEnabledDevices(ctx context.Context) ([]Device, error) {
	return r.queryDevices(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE disabled = 0 ORDER BY id`)
}

func (r *Repository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
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
	return devices, rows.Err()
}

// CreateDevice inserts a new device and fills in its allocated id.
func (r *Repository) CreateDevice(ctx context.Context, d *Device) error {
	if d.Type.RequiresGateway() && d.GatewayID == nil {
		return fmt.Errorf("device type %s requires a gateway: %w", d.Type, ErrConflict)
	}
	params, err := marshalJSON(d.Params)
	if err != nil {
		return fmt.Errorf("encoding device params: %w", err)
	}

	ts := now()
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO devices (tag, device_type, gateway_id, platform, source_id,
			name, disabled, params, temp_id, temp_batch_id, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Tag, d.Type, d.GatewayID, d.Platform, d.SourceID, d.Name,
		d.Disabled, params, d.TempID, d.TempBatchID, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("device (%s,%s,%s): %w", d.Platform, d.SourceID, d.Tag, ErrConflict)
		}
		return fmt.Errorf("creating device: %w", err)
	}

	d.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading device id: %w", err)
	}
	d.CreatedAt = parseTime(ts)
	d.UpdateAt = d.CreatedAt
	return nil
}

// UpdateDevice rewrites a device row.
func (r *Repository) UpdateDevice(ctx context.Context, d *Device) error {
	params, err := marshalJSON(d.Params)
	if err != nil {
		return fmt.Errorf("encoding device params: %w", err)
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE devices SET tag = ?, device_type = ?, gateway_id = ?, platform = ?,
			source_id = ?, name = ?, disabled = ?, params = ?, temp_id = ?,
			temp_batch_id = ?, update_at = ?
		WHERE id = ?`,
		d.Tag, d.Type, d.GatewayID, d.Platform, d.SourceID, d.Name,
		d.Disabled, params, d.TempID, d.TempBatchID, now(), d.ID)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", d.ID, ErrNotFound)
	}
	return nil
}

// DeleteDevice removes a device. It fails with ErrDeviceInUse while any
// accessory still references the device.
func (r *Repository) DeleteDevice(ctx context.Context, id int64) error {
	var refs int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accessories WHERE device_id = ?`, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("counting accessory references: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("device %d: %w", id, ErrDeviceInUse)
	}

	res, err := r.q.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %d: %w", id, ErrNotFound)
	}
	return nil
}

// UpsertDevice inserts or updates a device keyed by (platform, source_id,
// tag). On conflict the existing row keeps its id; name, params and template
// stamps are refreshed. Returns the row id. Used by the template engine.
func (r *Repository) UpsertDevice(ctx context.Context, d *Device) (int64, error) {
	params, err := marshalJSON(d.Params)
	if err != nil {
		return 0, fmt.Errorf("encoding device params: %w", err)
	}

	ts := now()
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO devices (tag, device_type, gateway_id, platform, source_id,
			name, disabled, params, temp_id, temp_batch_id, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (platform, source_id, tag) DO UPDATE SET
			device_type = excluded.device_type,
			gateway_id = excluded.gateway_id,
			name = excluded.name,
			params = excluded.params,
			temp_id = excluded.temp_id,
			temp_batch_id = excluded.temp_batch_id,
			update_at = excluded.update_at`,
		d.Tag, d.Type, d.GatewayID, d.Platform, d.SourceID, d.Name,
		d.Disabled, params, d.TempID, d.TempBatchID, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upserting device: %w", err)
	}

	var id int64
	err = r.q.QueryRowContext(ctx,
		`SELECT id FROM devices WHERE platform = ? AND source_id = ? AND tag = ?`,
		d.Platform, d.SourceID, d.Tag).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving upserted device: %w", err)
	}
	d.ID = id
	return id, nil
}

// =============================================================================
// Mi-Home source records
// =============================================================================

// GetMiDevice retrieves a Mi-Home record by did.
func (r *Repository) GetMiDevice(ctx context.Context, did string) (*MiDevice, error) {
	var (
		m       MiDevice
		payload string
		created string
		updated string
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT did, token, model, mac, local_ip, account, payload, created_at, update_at
		FROM mi_devices WHERE did = ?`, did).
		Scan(&m.Did, &m.Token, &m.Model, &m.MAC, &m.LocalIP, &m.Account,
			&payload, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mi device %s: %w", did, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting mi device: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
		return nil, fmt.Errorf("decoding mi device payload: %w", err)
	}
	m.CreatedAt = parseTime(created)
	m.UpdateAt = parseTime(updated)
	return &m, nil
}

// ListMiDevices returns all Mi-Home records.
func (r *Repository) ListMiDevices(ctx context.Context) ([]MiDevice, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT did, token, model, mac, local_ip, account, payload, created_at, update_at
		FROM mi_devices ORDER BY did`)
	if err != nil {
		return nil, fmt.Errorf("querying mi devices: %w", err)
	}
	defer rows.Close()

	var out []MiDevice
	for rows.Next() {
		var (
			m       MiDevice
			payload string
			created string
			updated string
		)
		if err := rows.Scan(&m.Did, &m.Token, &m.Model, &m.MAC, &m.LocalIP,
			&m.Account, &payload, &created, &updated); err != nil {
			return nil, fmt.Errorf("scanning mi device: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			return nil, fmt.Errorf("decoding mi device payload: %w", err)
		}
		m.CreatedAt = parseTime(created)
		m.UpdateAt = parseTime(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMiDevice inserts or refreshes a Mi-Home record keyed by did.
func (r *Repository) UpsertMiDevice(ctx context.Context, m *MiDevice) error {
	payload, err := marshalJSON(m.Payload)
	if err != nil {
		return fmt.Errorf("encoding mi device payload: %w", err)
	}

	ts := now()
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO mi_devices (did, token, model, mac, local_ip, account, payload, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (did) DO UPDATE SET
			token = excluded.token,
			model = excluded.model,
			mac = excluded.mac,
			local_ip = excluded.local_ip,
			account = excluded.account,
			payload = excluded.payload,
			update_at = excluded.update_at`,
		m.Did, m.Token, m.Model, m.MAC, m.LocalIP, m.Account, payload, ts, ts)
	if err != nil {
		return fmt.Errorf("upserting mi device: %w", err)
	}
	return nil
}

// =============================================================================
// BLE keys
// =============================================================================

// GetBleKey returns the hex AES key registered for a BLE MAC, or ErrNotFound.
func (r *Repository) GetBleKey(ctx context.Context, mac string) (string, error) {
	var key string
	err := r.q.QueryRowContext(ctx,
		`SELECT key_hex FROM ble_keys WHERE mac = ?`, strings.ToUpper(mac)).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("ble key for %s: %w", mac, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting ble key: %w", err)
	}
	return key, nil
}

// SetBleKey registers (or replaces) the AES key for a BLE MAC.
func (r *Repository) SetBleKey(ctx context.Context, mac, keyHex string) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO ble_keys (mac, key_hex, created_at) VALUES (?, ?, ?)
		ON CONFLICT (mac) DO UPDATE SET key_hex = excluded.key_hex`,
		strings.ToUpper(mac), keyHex, now())
	if err != nil {
		return fmt.Errorf("setting ble key: %w", err)
	}
	return nil
}
