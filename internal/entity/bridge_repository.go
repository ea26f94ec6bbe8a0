package entity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const bridgeColumns = `id, name, pin_code, port, category, device_id, setup_id,
	private_key, config_version, status_flag, max_peers, pairings, disabled,
	single_accessory, created_at, update_at`

func scanBridge(row interface{ Scan(...any) error }) (*Bridge, error) {
	var (
		b        Bridge
		pairings string
		created  string
		updated  string
	)
	err := row.Scan(&b.ID, &b.Name, &b.PinCode, &b.Port, &b.Category,
		&b.DeviceID, &b.SetupID, &b.PrivateKey, &b.ConfigVersion,
		&b.StatusFlag, &b.MaxPeers, &pairings, &b.Disabled,
		&b.SingleAccessory, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(pairings), &b.Pairings); err != nil {
		return nil, fmt.Errorf("decoding bridge pairings: %w", err)
	}
	if b.Pairings == nil {
		b.Pairings = map[string]Pairing{}
	}
	b.CreatedAt = parseTime(created)
	b.UpdateAt = parseTime(updated)
	return &b, nil
}

// GetBridge retrieves a bridge by id.
func (r *Repository) GetBridge(ctx context.Context, id int64) (*Bridge, error) {
	row := r.q.QueryRowContext(ctx,
		`SELECT `+bridgeColumns+` FROM bridges WHERE id = ?`, id)
	b, err := scanBridge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("bridge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting bridge: %w", err)
	}
	return b, nil
}

// ListBridges returns all bridges, disabled included.
func (r *Repository) ListBridges(ctx context.Context) ([]Bridge, error) {
	return r.queryBridges(ctx, `SELECT `+bridgeColumns+` FROM bridges ORDER BY id`)
}

// ListEnabledBridges returns all bridges eligible to run.
func (r *Repository) ListEnabledBridges(ctx context.Context) ([]Bridge, error) {
	return r.queryBridges(ctx,
		`SELECT `+bridgeColumns+` FROM bridges WHERE disabled = 0 ORDER BY id`)
}

func (r *Repository) queryBridges(ctx context.Context, query string, args ...any) ([]Bridge, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying bridges: %w", err)
	}
	defer rows.Close()

	var bridges []Bridge
	for rows.Next() {
		b, err := scanBridge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning bridge: %w", err)
		}
		bridges = append(bridges, *b)
	}
	return bridges, rows.Err()
}

// CreateBridge inserts a new bridge. Pin validity, MAC and port uniqueness
// are enforced here and by the schema.
func (r *Repository) CreateBridge(ctx context.Context, b *Bridge) error {
	if !ValidPin(b.PinCode) {
		return fmt.Errorf("pin %q is trivial or malformed: %w", b.PinCode, ErrConflict)
	}
	pairings, err := marshalJSON(b.Pairings)
	if err != nil {
		return fmt.Errorf("encoding bridge pairings: %w", err)
	}

	ts := now()
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO bridges (name, pin_code, port, category, device_id, setup_id,
			private_key, config_version, status_flag, max_peers, pairings,
			disabled, single_accessory, created_at, update_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.PinCode, b.Port, b.Category, b.DeviceID, b.SetupID,
		b.PrivateKey, b.ConfigVersion, b.StatusFlag, b.MaxPeers, pairings,
		b.Disabled, b.SingleAccessory, ts, ts)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("bridge port %d or device id %s: %w", b.Port, b.DeviceID, ErrConflict)
		}
		return fmt.Errorf("creating bridge: %w", err)
	}

	b.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading bridge id: %w", err)
	}
	b.CreatedAt = parseTime(ts)
	b.UpdateAt = b.CreatedAt
	return nil
}

// UpdateBridge rewrites a bridge row, refusing status-flag regressions.
// Use ResetBridge to clear pairings and return to not_paired.
func (r *Repository) UpdateBridge(ctx context.Context, b *Bridge) error {
	current, err := r.GetBridge(ctx, b.ID)
	if err != nil {
		return err
	}
	if current.StatusFlag == StatusPaired && b.StatusFlag == StatusNotPaired {
		return ErrStatusFlagRegression
	}

	pairings, err := marshalJSON(b.Pairings)
	if err != nil {
		return fmt.Errorf("encoding bridge pairings: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE bridges SET name = ?, pin_code = ?, port = ?, category = ?,
			device_id = ?, setup_id = ?, private_key = ?, config_version = ?,
			status_flag = ?, max_peers = ?, pairings = ?, disabled = ?,
			single_accessory = ?, update_at = ?
		WHERE id = ?`,
		b.Name, b.PinCode, b.Port, b.Category, b.DeviceID, b.SetupID,
		b.PrivateKey, b.ConfigVersion, b.StatusFlag, b.MaxPeers, pairings,
		b.Disabled, b.SingleAccessory, now(), b.ID)
	if err != nil {
		return fmt.Errorf("updating bridge: %w", err)
	}
	return nil
}

// BumpConfigVersion increments the bridge's HAP configuration number and
// returns the new value.
func (r *Repository) BumpConfigVersion(ctx context.Context, id int64) (int, error) {
	_, err := r.q.ExecContext(ctx, `
		UPDATE bridges SET config_version = config_version + 1, update_at = ?
		WHERE id = ?`, now(), id)
	if err != nil {
		return 0, fmt.Errorf("bumping config version: %w", err)
	}

	var version int
	err = r.q.QueryRowContext(ctx,
		`SELECT config_version FROM bridges WHERE id = ?`, id).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("bridge %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading config version: %w", err)
	}
	return version, nil
}

// SavePairing persists a pairing record and advances the status flag in the
// same statement, so a crash can never leave a paired flag without its
// pairing (or the reverse).
func (r *Repository) SavePairing(ctx context.Context, bridgeID int64, uuid string, p Pairing) error {
	b, err := r.GetBridge(ctx, bridgeID)
	if err != nil {
		return err
	}
	b.Pairings[uuid] = p

	status := b.StatusFlag
	if p.Admin {
		status = StatusPaired
	}

	pairings, err := marshalJSON(b.Pairings)
	if err != nil {
		return fmt.Errorf("encoding bridge pairings: %w", err)
	}

	_, err = r.q.ExecContext(ctx, `
		UPDATE bridges SET pairings = ?, status_flag = ?, update_at = ?
		WHERE id = ?`, pairings, status, now(), bridgeID)
	if err != nil {
		return fmt.Errorf("saving pairing: %w", err)
	}
	return nil
}

// DeletePairing removes one pairing record. The status flag is untouched;
// HomeKit only returns to not_paired through ResetBridge.
func (r *Repository) DeletePairing(ctx context.Context, bridgeID int64, uuid string) error {
	b, err := r.GetBridge(ctx, bridgeID)
	if err != nil {
		return err
	}
	if _, ok := b.Pairings[uuid]; !ok {
		return fmt.Errorf("pairing %s: %w", uuid, ErrNotFound)
	}
	delete(b.Pairings, uuid)

	pairings, err := marshalJSON(b.Pairings)
	if err != nil {
		return fmt.Errorf("encoding bridge pairings: %w", err)
	}
	_, err = r.q.ExecContext(ctx, `
		UPDATE bridges SET pairings = ?, update_at = ? WHERE id = ?`,
		pairings, now(), bridgeID)
	if err != nil {
		return fmt.Errorf("deleting pairing: %w", err)
	}
	return nil
}

// ResetBridge clears all pairings and returns the status flag to not_paired.
// This is the only sanctioned paired -> not_paired transition.
func (r *Repository) ResetBridge(ctx context.Context, id int64) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE bridges SET pairings = '{}', status_flag = ?, update_at = ?
		WHERE id = ?`, StatusNotPaired, now(), id)
	if err != nil {
		return fmt.Errorf("resetting bridge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bridge %d: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteBridge removes a bridge that owns no accessories.
func (r *Repository) DeleteBridge(ctx context.Context, id int64) error {
	var refs int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM accessories WHERE bridge_id = ?`, id).Scan(&refs)
	if err != nil {
		return fmt.Errorf("counting bridge accessories: %w", err)
	}
	if refs > 0 {
		return fmt.Errorf("bridge %d: %w", id, ErrBridgeInUse)
	}

	res, err := r.q.ExecContext(ctx, `DELETE FROM bridges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting bridge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bridge %d: %w", id, ErrNotFound)
	}
	return nil
}

// NextFreePort returns the lowest unused bridge port at or above start.
// Used when a template creates a single-accessory bridge.
func (r *Repository) NextFreePort(ctx context.Context, start int) (int, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT port FROM bridges ORDER BY port`)
	if err != nil {
		return 0, fmt.Errorf("querying bridge ports: %w", err)
	}
	defer rows.Close()

	used := map[int]bool{}
	for rows.Next() {
		var port int
		if err := rows.Scan(&port); err != nil {
			return 0, fmt.Errorf("scanning port: %w", err)
		}
		used[port] = true
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	port := start
	for used[port] {
		port++
	}
	return port, nil
}

// =============================================================================
// Per-bridge HAP key-value store
// =============================================================================

// StoreGet loads one key from a bridge's HAP scratch store.
func (r *Repository) StoreGet(ctx context.Context, bridgeID int64, key string) ([]byte, error) {
	var value []byte
	err := r.q.QueryRowContext(ctx,
		`SELECT value FROM bridge_store WHERE bridge_id = ? AND key = ?`,
		bridgeID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store key %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading store key: %w", err)
	}
	return value, nil
}

// StoreSet writes one key of a bridge's HAP scratch store.
func (r *Repository) StoreSet(ctx context.Context, bridgeID int64, key string, value []byte) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO bridge_store (bridge_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (bridge_id, key) DO UPDATE SET value = excluded.value`,
		bridgeID, key, value)
	if err != nil {
		return fmt.Errorf("writing store key: %w", err)
	}
	return nil
}

// StoreDelete removes one key from a bridge's HAP scratch store.
func (r *Repository) StoreDelete(ctx context.Context, bridgeID int64, key string) error {
	_, err := r.q.ExecContext(ctx,
		`DELETE FROM bridge_store WHERE bridge_id = ? AND key = ?`, bridgeID, key)
	if err != nil {
		return fmt.Errorf("deleting store key: %w", err)
	}
	return nil
}

// StoreKeysWithSuffix lists the store keys of a bridge ending in suffix.
func (r *Repository) StoreKeysWithSuffix(ctx context.Context, bridgeID int64, suffix string) ([]string, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT key FROM bridge_store WHERE bridge_id = ? ORDER BY key`, bridgeID)
	if err != nil {
		return nil, fmt.Errorf("listing store keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning store key: %w", err)
		}
		if strings.HasSuffix(key, suffix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}
