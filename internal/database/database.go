package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-wisp/internal/security"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a keyed row does not exist
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a persistence failure that survived retries
	ErrStoreUnavailable = errors.New("store unavailable")
)

// DB wraps the database connection
type DB struct {
	*sql.DB
	cipher *security.Cipher
	logger zerolog.Logger
}

// InitDB initializes the database connection and creates tables
func InitDB(dbPath string, cipher *security.Cipher, logger zerolog.Logger) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	wrapper := &DB{DB: db, cipher: cipher, logger: logger}

	if err := wrapper.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	wrapper.checkAndMigrateDevicesTable()

	return wrapper, nil
}

func (db *DB) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS devices (
			host TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK (kind IN ('ap', 'router')),
			name TEXT NOT NULL DEFAULT '',
			username TEXT NOT NULL DEFAULT '',
			password TEXT NOT NULL DEFAULT '',
			port INTEGER NOT NULL DEFAULT 0,
			enabled INTEGER NOT NULL DEFAULT 1,
			poll_interval_seconds INTEGER NOT NULL DEFAULT 0,
			last_status TEXT NOT NULL DEFAULT 'unknown',
			last_checked_at DATETIME,
			last_seen_at DATETIME,
			hostname TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			firmware TEXT NOT NULL DEFAULT '',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devices_kind ON devices(kind, enabled)`,

		`CREATE TABLE IF NOT EXISTS device_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			host TEXT NOT NULL REFERENCES devices(host) ON DELETE CASCADE,
			status TEXT NOT NULL,
			changed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_device_logs_host ON device_logs(host, changed_at)`,

		`CREATE TABLE IF NOT EXISTS clients (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			billing_day INTEGER NOT NULL,
			service_status TEXT NOT NULL DEFAULT 'active',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_clients_billing_day ON clients(billing_day)`,

		`CREATE TABLE IF NOT EXISTS service_bindings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			router_host TEXT NOT NULL,
			enforcement_method TEXT NOT NULL DEFAULT 'pppoe_secret_disable',
			external_service_ref TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_service_bindings_client ON service_bindings(client_id)`,

		`CREATE TABLE IF NOT EXISTS payments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id INTEGER NOT NULL REFERENCES clients(id) ON DELETE CASCADE,
			amount REAL NOT NULL DEFAULT 0,
			billing_cycle TEXT NOT NULL,
			paid_at DATETIME NOT NULL,
			notes TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_cycle ON payments(client_id, billing_cycle)`,

		`CREATE TABLE IF NOT EXISTS enforcement_failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL DEFAULT '',
			client_id INTEGER NOT NULL,
			binding_id INTEGER NOT NULL,
			router_host TEXT NOT NULL,
			action TEXT NOT NULL,
			error TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return err
		}
	}

	return nil
}

// checkAndMigrateDevicesTable adds columns introduced after the first schema
func (db *DB) checkAndMigrateDevicesTable() {
	var count int
	db.QueryRow("SELECT COUNT(*) FROM pragma_table_info('devices') WHERE name='mac'").Scan(&count)
	if count == 0 {
		db.logger.Info().Msg("migrating devices table: adding mac")
		if _, err := db.Exec("ALTER TABLE devices ADD COLUMN mac TEXT NOT NULL DEFAULT ''"); err != nil {
			db.logger.Error().Err(err).Msg("failed to add mac column")
		}
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
