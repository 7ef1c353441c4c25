package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/doc-attest/internal/errs"
	"github.com/and161185/doc-attest/internal/model"
)

const deviceColumns = `id, user_id, device_id, device_name, platform, os_version, app_version,
token_enc, token_hash, token_expiry, is_active, is_revoked, revocation_reason,
registered_at, last_used_at, last_ip_address, scan_count`

func scanDevice(row pgx.Row) (*model.Device, error) {
	var d model.Device
	err := row.Scan(&d.ID, &d.UserID, &d.DeviceID, &d.DeviceName, &d.Platform, &d.OSVersion, &d.AppVersion,
		&d.TokenEnc, &d.TokenHash, &d.TokenExpiry, &d.IsActive, &d.IsRevoked, &d.RevocationReason,
		&d.RegisteredAt, &d.LastUsedAt, &d.LastIPAddress, &d.ScanCount)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// InsertDevice persists a newly registered device.
func (r queries) InsertDevice(ctx context.Context, d *model.Device) error {
	const q = `
INSERT INTO registered_devices (user_id, device_id, device_name, platform, os_version, app_version,
    token_enc, token_hash, token_expiry, is_active, registered_at, last_ip_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, $10, $11)
RETURNING id`
	err := r.q.QueryRow(ctx, q, d.UserID, d.DeviceID, d.DeviceName, d.Platform, d.OSVersion, d.AppVersion,
		d.TokenEnc, d.TokenHash, d.TokenExpiry, d.RegisteredAt, d.LastIPAddress).Scan(&d.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("device %s: %w", d.DeviceID, errs.ErrAlreadyExists)
	}
	if err != nil {
		return err
	}
	d.IsActive = true
	return nil
}

// RotateDevice issues new token material to an existing device and reactivates it.
func (r queries) RotateDevice(ctx context.Context, d *model.Device) error {
	const q = `
UPDATE registered_devices
SET device_name = $2, platform = $3, os_version = $4, app_version = $5,
    token_enc = $6, token_hash = $7, token_expiry = $8, is_active = true, last_ip_address = $9
WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, d.ID, d.DeviceName, d.Platform, d.OSVersion, d.AppVersion,
		d.TokenEnc, d.TokenHash, d.TokenExpiry, d.LastIPAddress)
	if err := mustAffect(tag.RowsAffected(), err, fmt.Sprintf("device %d", d.ID)); err != nil {
		return err
	}
	d.IsActive = true
	return nil
}

// GetDevice selects a device by id.
func (r queries) GetDevice(ctx context.Context, id int64) (*model.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM registered_devices WHERE id = $1`
	d, err := scanDevice(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("device %d", id))
	}
	return d, nil
}

// GetDeviceByTokenHash selects a device by token hash.
func (r queries) GetDeviceByTokenHash(ctx context.Context, hash string) (*model.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM registered_devices WHERE token_hash = $1`
	d, err := scanDevice(r.q.QueryRow(ctx, q, hash))
	if err != nil {
		return nil, notFound(err, "device")
	}
	return d, nil
}

// ListDevices lists a user's devices.
func (r queries) ListDevices(ctx context.Context, userID uuid.UUID) ([]model.Device, error) {
	const q = `SELECT ` + deviceColumns + ` FROM registered_devices WHERE user_id = $1 ORDER BY registered_at DESC, id DESC`
	rows, err := r.q.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// RevokeDevice marks a device revoked.
func (r queries) RevokeDevice(ctx context.Context, id int64, reason string) error {
	const q = `UPDATE registered_devices SET is_revoked = true, is_active = false, revocation_reason = $2 WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, reason)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("device %d", id))
}

// TouchDevice records a successful use.
func (r queries) TouchDevice(ctx context.Context, id int64, at time.Time, ip string) error {
	const q = `
UPDATE registered_devices
SET last_used_at = $2, last_ip_address = $3, scan_count = scan_count + 1
WHERE id = $1`
	tag, err := r.q.Exec(ctx, q, id, at, ip)
	return mustAffect(tag.RowsAffected(), err, fmt.Sprintf("device %d", id))
}
