package database

import (
	"database/sql"
	"errors"
)

// GetSetting retrieves a configuration value by key, empty when unset
func (db *DB) GetSetting(key string) (string, error) {
	var value sql.NullString
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value.String, err
}

// SaveSetting saves or updates a configuration value
func (db *DB) SaveSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// GetSettings retrieves all settings
func (db *DB) GetSettings() (map[string]string, error) {
	rows, err := db.Query("SELECT key, COALESCE(value, '') FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}
