package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go-wisp/internal/models"
)

const deviceColumns = `host, kind, name, username, password, port, enabled, poll_interval_seconds,
	last_status, last_checked_at, last_seen_at, hostname, model, firmware, mac, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

// UpsertDevice registers a device or updates its configuration. Poll state
// (status, timestamps, metadata) is left untouched on update.
func (db *DB) UpsertDevice(ctx context.Context, d *models.Device) error {
	if !d.Kind.Valid() {
		return fmt.Errorf("invalid device kind %q", d.Kind)
	}
	if d.Host == "" {
		return errors.New("device host is required")
	}

	password, err := db.cipher.Encrypt(d.Credentials.Password)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO devices (host, kind, name, username, password, port, enabled, poll_interval_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(host) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			username = excluded.username,
			password = excluded.password,
			port = excluded.port,
			enabled = excluded.enabled,
			poll_interval_seconds = excluded.poll_interval_seconds,
			updated_at = CURRENT_TIMESTAMP
	`, d.Host, d.Kind, d.Name, d.Credentials.Username, password, d.Credentials.Port, d.Enabled, d.PollIntervalSeconds)
	return err
}

// DeleteDevice removes a device and its transition log
func (db *DB) DeleteDevice(ctx context.Context, host string) error {
	res, err := db.ExecContext(ctx, "DELETE FROM devices WHERE host = ?", host)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDevice retrieves a device by host
func (db *DB) GetDevice(ctx context.Context, host string) (*models.Device, error) {
	row := db.QueryRowContext(ctx, "SELECT "+deviceColumns+" FROM devices WHERE host = ?", host)
	d, err := db.scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// ListDevices returns every registered device ordered by kind and host
func (db *DB) ListDevices(ctx context.Context) ([]*models.Device, error) {
	return db.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices ORDER BY kind, host")
}

// ListEnabledDevices returns the enabled devices of one family
func (db *DB) ListEnabledDevices(ctx context.Context, kind models.DeviceKind) ([]*models.Device, error) {
	return db.queryDevices(ctx, "SELECT "+deviceColumns+" FROM devices WHERE enabled = 1 AND kind = ? ORDER BY host", string(kind))
}

func (db *DB) queryDevices(ctx context.Context, query string, args ...any) ([]*models.Device, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		d, err := db.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

func (db *DB) scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var lastChecked, lastSeen, createdAt, updatedAt sql.NullTime
	var password string

	err := row.Scan(
		&d.Host, &d.Kind, &d.Name, &d.Credentials.Username, &password, &d.Credentials.Port,
		&d.Enabled, &d.PollIntervalSeconds, &d.LastStatus, &lastChecked, &lastSeen,
		&d.Hostname, &d.Model, &d.Firmware, &d.MAC, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Credentials.Password, err = db.cipher.Decrypt(password)
	if err != nil {
		db.logger.Warn().Err(err).Str("host", d.Host).Msg("device password could not be decrypted")
		d.Credentials.Password = ""
	}
	d.LastCheckedAt = timePtr(lastChecked)
	d.LastSeenAt = timePtr(lastSeen)
	d.CreatedAt = createdAt.Time
	d.UpdatedAt = updatedAt.Time

	return &d, nil
}

// GetStatus returns the last persisted status of a device
func (db *DB) GetStatus(ctx context.Context, host string) (models.DeviceStatus, error) {
	var status string
	err := db.QueryRowContext(ctx, "SELECT last_status FROM devices WHERE host = ?", host).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StatusUnknown, ErrNotFound
	}
	if err != nil {
		return models.StatusUnknown, err
	}
	return models.DeviceStatus(status), nil
}

// SetStatus persists the result of a poll. Online polls also refresh
// last_seen_at and any non-empty metadata; offline polls only touch
// last_status and last_checked_at. A change of status is appended to
// device_logs in the same transaction.
func (db *DB) SetStatus(ctx context.Context, host string, status models.DeviceStatus, meta map[string]string, at time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var oldStatus string
	err = tx.QueryRowContext(ctx, "SELECT last_status FROM devices WHERE host = ?", host).Scan(&oldStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	at = at.UTC()
	if status == models.StatusOnline {
		_, err = tx.ExecContext(ctx, `
			UPDATE devices SET
				last_status = ?,
				last_checked_at = ?,
				last_seen_at = ?,
				hostname = COALESCE(NULLIF(?, ''), hostname),
				model = COALESCE(NULLIF(?, ''), model),
				firmware = COALESCE(NULLIF(?, ''), firmware),
				mac = COALESCE(NULLIF(?, ''), mac),
				updated_at = CURRENT_TIMESTAMP
			WHERE host = ?
		`, status, at, at,
			meta[models.MetaHostname], meta[models.MetaModel], meta[models.MetaFirmware], meta[models.MetaMAC],
			host)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE devices SET last_status = ?, last_checked_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE host = ?
		`, status, at, host)
	}
	if err != nil {
		return err
	}

	if oldStatus != string(status) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO device_logs (host, status, changed_at) VALUES (?, ?, ?)", host, status, at); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetDeviceLogs retrieves the newest status transitions for a device
func (db *DB) GetDeviceLogs(ctx context.Context, host string, limit int) ([]models.DeviceLog, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT id, host, status, changed_at FROM device_logs WHERE host = ? ORDER BY changed_at DESC, id DESC LIMIT ?",
		host, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]models.DeviceLog, 0)
	for rows.Next() {
		var l models.DeviceLog
		if err := rows.Scan(&l.ID, &l.Host, &l.Status, &l.ChangedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
