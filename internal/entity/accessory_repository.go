package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

const accessoryColumns = `aid, name, tag, device_id, bridge_id, disabled,
	category, delegates, memo, info, temp_id, created_at, update_at`

func scanAccessory(row interface{ Scan(...any) error }) (*Accessory, error) {
	var (
		a         Accessory
		delegates string
		info      string
		created   string
		updated   string
	)
	err := row.Scan(&a.Aid, &a.Name, &a.Tag, &a.DeviceID, &a.BridgeID,
		&a.Disabled, &a.Category, &delegates, &a.Memo, &info, &a.TempID,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(delegates), &a.Delegates); err != nil {
		return nil, fmt.Errorf("decoding accessory delegates: %w", err)
	}
	if err := json.Unmarshal([]byte(info), &a.Info); err != nil {
		return nil, fmt.Errorf("decoding accessory info: %w", err)
	}
	a.CreatedAt = parseTime(created)
	a.UpdateAt = parseTime(updated)
	return &a, nil
}

// GetAccessory retrieves an accessory by aid.
func (r *Repository) GetAccessory(ctx context.Context, aid int64) (*Accessory, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+accessoryColumns+` FROM accessories WHERE aid = ?`, aid)
	a, err := scanAccessory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("accessory %d: %w", aid, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting accessory: %w", err)
	}
	return a, nil
}

// ListAccessoriesByBridge returns the enabled accessories owned by a bridge.
func (r *Repository) ListAccessoriesByBridge(ctx context.Context, bridgeID int64) ([]Accessory, error) {
	return r.queryAccessories(ctx, `
		SELECT `+accessoryColumns+` FROM accessories
		WHERE bridge_id = ? AND disabled = 0 ORDER BY aid`, bridgeID)
}

// ListAccessoriesByDevice returns all accessories referencing a device.
func (r *Repository) ListAccessoriesByDevice(ctx context.Context, deviceID int64) ([]Accessory, error) {
	return r.queryAccessories(ctx, `
		SELECT `+accessoryColumns+` FROM accessories
		WHERE device_id = ? ORDER BY aid`, deviceID)
}

// ListAccessories returns every accessory row.
func (r *Repository) ListAccessories(ctx context.Context) ([]Accessory, error) {
	return r.queryAccessories(ctx,
		`SELECT `+accessoryColumns+` FROM accessories ORDER BY aid`)
}

func (r *Repository) queryAccessories(ctx context.Context, query string, args ...any) ([]Accessory, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying accessories: %w", err)
	}
	defer rows.Close()

	var out []Accessory
	for rows.Next() {
		a, err := scanAccessory(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning accessory: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// allocateAid hands out the next free accessory id. Aid 1 is reserved for
// the built-in bridge information accessory.
func (r *Repository) allocateAid(ctx context.Context) (int64, error) {
	var aid int64
	err := r.q.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(aid), 1) + 1 FROM accessories`).Scan(&aid)
	if err != nil {
		return 0, fmt.Errorf("allocating aid: %w", err)
	}
	return aid, nil
}

// CreateAccessory inserts a new accessory, allocating its aid.
func (r *Repository) CreateAccessory(ctx context.Context, a *Accessory) error {
	aid, err := r.allocateAid(ctx)
	if err != nil {
		return err
	}

	delegates, err := marshalJSON(a.Delegates)
	if err != nil {
		return fmt.Errorf("encoding accessory delegates: %w", err)
	}
	if a.Delegates == nil {
		delegates = "[]"
	}
	info, err := marshalJSON(a.Info)
	if err != nil {
		return fmt.Errorf("encoding accessory info: %w", err)
	}

	ts := now()
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO accessories (aid, name, tag, device_id, bridge_id, disabled,
			category, delegates, memo, info, temp_id, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		aid, a.Name, a.Tag, a.DeviceID, a.BridgeID, a.Disabled, a.Category,
		delegates, a.Memo, info, a.TempID, ts, ts)
	if err != nil {
		return fmt.Errorf("creating accessory: %w", err)
	}

	a.Aid = aid
	a.CreatedAt = parseTime(ts)
	a.UpdateAt = a.CreatedAt
	return nil
}

// UpdateAccessory rewrites an accessory row.
func (r *Repository) UpdateAccessory(ctx context.Context, a *Accessory) error {
	delegates, err := marshalJSON(a.Delegates)
	if err != nil {
		return fmt.Errorf("encoding accessory delegates: %w", err)
	}
	if a.Delegates == nil {
		delegates = "[]"
	}
	info, err := marshalJSON(a.Info)
	if err != nil {
		return fmt.Errorf("encoding accessory info: %w", err)
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE accessories SET name = ?, tag = ?, device_id = ?, bridge_id = ?,
			disabled = ?, category = ?, delegates = ?, memo = ?, info = ?,
			temp_id = ?, update_at = ?
		WHERE aid = ?`,
		a.Name, a.Tag, a.DeviceID, a.BridgeID, a.Disabled, a.Category,
		delegates, a.Memo, info, a.TempID, now(), a.Aid)
	if err != nil {
		return fmt.Errorf("updating accessory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("accessory %d: %w", a.Aid, ErrNotFound)
	}
	return nil
}

// DeleteAccessory removes an accessory and, through schema cascades, its
// services and characteristics.
func (r *Repository) DeleteAccessory(ctx context.Context, aid int64) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM accessories WHERE aid = ?`, aid)
	if err != nil {
		return fmt.Errorf("deleting accessory: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("accessory %d: %w", aid, ErrNotFound)
	}
	return nil
}

// UpsertAccessory inserts or refreshes an accessory keyed by
// (device_id, tag, temp_id). Existing rows keep their aid. Returns the aid.
func (r *Repository) UpsertAccessory(ctx context.Context, a *Accessory) (int64, error) {
	var aid int64
	err := r.q.QueryRowContext(ctx, `
		SELECT aid FROM accessories
		WHERE device_id = ? AND tag = ? AND temp_id IS ?`,
		a.DeviceID, a.Tag, a.TempID).Scan(&aid)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if err := r.CreateAccessory(ctx, a); err != nil {
			return 0, err
		}
		return a.Aid, nil
	case err != nil:
		return 0, fmt.Errorf("resolving accessory: %w", err)
	}

	a.Aid = aid
	if err := r.UpdateAccessory(ctx, a); err != nil {
		return 0, err
	}
	return aid, nil
}

// =============================================================================
// Services
// =============================================================================

const serviceColumns = `id, accessory_id, tag, service_type, configured_name,
	is_primary, disabled, created_at, update_at`

func scanService(row interface{ Scan(...any) error }) (*Service, error) {
	var (
		s       Service
		created string
		updated string
	)
	err := row.Scan(&s.ID, &s.AccessoryID, &s.Tag, &s.ServiceType,
		&s.ConfiguredName, &s.Primary, &s.Disabled, &created, &updated)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = parseTime(created)
	s.UpdateAt = parseTime(updated)
	return &s, nil
}

// ListServicesByAccessory returns the enabled services of an accessory.
func (r *Repository) ListServicesByAccessory(ctx context.Context, aid int64) ([]Service, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+serviceColumns+` FROM services
		WHERE accessory_id = ? AND disabled = 0 ORDER BY id`, aid)
	if err != nil {
		return nil, fmt.Errorf("querying services: %w", err)
	}
	defer rows.Close()

	var out []Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning service: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// UpsertService inserts or refreshes a service keyed by (accessory_id, tag).
// Returns the service id.
func (r *Repository) UpsertService(ctx context.Context, s *Service) (int64, error) {
	ts := now()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO services (accessory_id, tag, service_type, configured_name,
			is_primary, disabled, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (accessory_id, tag) DO UPDATE SET
			service_type = excluded.service_type,
			configured_name = excluded.configured_name,
			is_primary = excluded.is_primary,
			update_at = excluded.update_at`,
		s.AccessoryID, s.Tag, s.ServiceType, s.ConfiguredName, s.Primary,
		s.Disabled, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upserting service: %w", err)
	}

	var id int64
	err = r.q.QueryRowContext(ctx,
		`SELECT id FROM services WHERE accessory_id = ? AND tag = ?`,
		s.AccessoryID, s.Tag).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("resolving upserted service: %w", err)
	}
	s.ID = id
	return id, nil
}

// =============================================================================
// Characteristics
// =============================================================================

const charColumns = `cid, service_id, char_type, disabled, name, info,
	convertor, convertor_params, memo, created_at, update_at`

func scanCharacteristic(row interface{ Scan(...any) error }) (*Characteristic, error) {
	var (
		c          Characteristic
		info       string
		convParams string
		created    string
		updated    string
	)
	err := row.Scan(&c.Cid, &c.ServiceID, &c.CharType, &c.Disabled, &c.Name,
		&info, &c.Convertor, &convParams, &c.Memo, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(info), &c.Info); err != nil {
		return nil, fmt.Errorf("decoding characteristic info: %w", err)
	}
	if err := json.Unmarshal([]byte(convParams), &c.ConvertorParams); err != nil {
		return nil, fmt.Errorf("decoding convertor params: %w", err)
	}
	c.CreatedAt = parseTime(created)
	c.UpdateAt = parseTime(updated)
	return &c, nil
}

// ListCharacteristicsByService returns the enabled characteristics of a service.
func (r *Repository) ListCharacteristicsByService(ctx context.Context, serviceID int64) ([]Characteristic, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT `+charColumns+` FROM characteristics
		WHERE service_id = ? AND disabled = 0 ORDER BY cid`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("querying characteristics: %w", err)
	}
	defer rows.Close()

	var out []Characteristic
	for rows.Next() {
		c, err := scanCharacteristic(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning characteristic: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertCharacteristic inserts or refreshes a characteristic keyed by
// (service_id, char_type). Returns the cid.
func (r *Repository) UpsertCharacteristic(ctx context.Context, c *Characteristic) (int64, error) {
	info, err := marshalJSON(c.Info)
	if err != nil {
		return 0, fmt.Errorf("encoding characteristic info: %w", err)
	}
	convParams, err := marshalJSON(c.ConvertorParams)
	if err != nil {
		return 0, fmt.Errorf("encoding convertor params: %w", err)
	}

	ts := now()
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO characteristics (service_id, char_type, disabled, name,
			info, convertor, convertor_params, memo, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, char_type) DO UPDATE SET
			name = excluded.name,
			info = excluded.info,
			convertor = excluded.convertor,
			convertor_params = excluded.convertor_params,
			memo = excluded.memo,
			update_at = excluded.update_at`,
		c.ServiceID, c.CharType, c.Disabled, c.Name, info, c.Convertor,
		convParams, c.Memo, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("upserting characteristic: %w", err)
	}

	var cid int64
	err = r.q.QueryRowContext(ctx,
		`SELECT cid FROM characteristics WHERE service_id = ? AND char_type = ?`,
		c.ServiceID, c.CharType).Scan(&cid)
	if err != nil {
		return 0, fmt.Errorf("resolving upserted characteristic: %w", err)
	}
	c.Cid = cid
	return cid, nil
}

// CountRows returns the total row count of the named tables. Used by tests
// asserting template-apply idempotence.
func (r *Repository) CountRows(ctx context.Context, tables ...string) (map[string]int, error) {
	out := make(map[string]int, len(tables))
	for _, table := range tables {
		var n int
		// table names come from callers, never user input
		if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("counting %s: %w", table, err)
		}
		out[table] = n
	}
	return out, nil
}
