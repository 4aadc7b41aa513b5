// Package timeseries keeps poll snapshots in one SQLite file per calendar
// month (stats_YYYY_MM.db). Writes go to the file of the snapshot's month;
// the handle is swapped lazily when the month changes.
package timeseries

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go-wisp/internal/models"

	"github.com/rs/zerolog"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNoSnapshots is returned when a device has nothing stored for the period
var ErrNoSnapshots = errors.New("no snapshots stored")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	host TEXT NOT NULL,
	kind TEXT NOT NULL,
	ts DATETIME NOT NULL,
	online INTEGER NOT NULL,
	metrics TEXT NOT NULL,
	metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_host_ts ON snapshots(host, ts);
CREATE TABLE IF NOT EXISTS stations (
	snapshot_id INTEGER NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
	mac TEXT NOT NULL,
	hostname TEXT NOT NULL DEFAULT '',
	ip_address TEXT NOT NULL DEFAULT '',
	signal REAL NOT NULL DEFAULT 0,
	noise_floor REAL NOT NULL DEFAULT 0,
	distance_meters REAL NOT NULL DEFAULT 0,
	tx_power REAL NOT NULL DEFAULT 0,
	rx_bytes INTEGER NOT NULL DEFAULT 0,
	tx_bytes INTEGER NOT NULL DEFAULT 0,
	uptime_seconds INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_stations_snapshot ON stations(snapshot_id);
`

// Store is safe for concurrent use by the polling workers
type Store struct {
	dir    string
	now    func() time.Time
	logger zerolog.Logger

	mu      sync.Mutex
	month   string
	current *sql.DB
}

// Option customizes a Store
type Option func(*Store)

// WithClock overrides the clock used to pick the current month
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(dir string, logger zerolog.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory: %w", err)
	}
	s := &Store{dir: dir, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func monthKey(t time.Time) string {
	return t.UTC().Format("2006_01")
}

func (s *Store) pathFor(month string) string {
	return filepath.Join(s.dir, "stats_"+month+".db")
}

func openFile(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// handle returns the open database for month, rotating the write handle.
// Callers hold s.mu.
func (s *Store) handle(month string) (*sql.DB, error) {
	if s.current != nil && s.month == month {
		return s.current, nil
	}

	db, err := openFile(s.pathFor(month))
	if err != nil {
		return nil, fmt.Errorf("open stats file for %s: %w", month, err)
	}
	if s.current != nil {
		s.logger.Info().Str("from", s.month).Str("to", month).Msg("rotating stats file")
		s.current.Close()
	}
	s.current = db
	s.month = month
	return db, nil
}

// AppendSnapshot stores one snapshot in the file of its month
func (s *Store) AppendSnapshot(ctx context.Context, snap *models.StatusSnapshot) error {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(snap.Metadata)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle(monthKey(snap.Timestamp))
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO snapshots (host, kind, ts, online, metrics, metadata) VALUES (?, ?, ?, ?, ?, ?)",
		snap.DeviceHost, snap.Kind, snap.Timestamp.UTC(), snap.Online, string(metrics), string(metadata))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}

	for _, st := range snap.ConnectedClients {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO stations (snapshot_id, mac, hostname, ip_address, signal, noise_floor,
				distance_meters, tx_power, rx_bytes, tx_bytes, uptime_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, st.MAC, st.Hostname, st.IPAddress, st.Signal, st.NoiseFloor,
			st.DistanceMeters, st.TxPower, st.RxBytes, st.TxBytes, st.UptimeSeconds); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// QueryLatest returns the newest snapshot of host in the current month
func (s *Store) QueryLatest(ctx context.Context, host string) (*models.StatusSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	month := monthKey(s.now())
	if s.month != month {
		if _, err := os.Stat(s.pathFor(month)); errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoSnapshots
		}
	}
	db, err := s.handle(month)
	if err != nil {
		return nil, err
	}

	snaps, err := querySnapshots(ctx, db,
		"SELECT id, host, kind, ts, online, metrics, metadata FROM snapshots WHERE host = ? ORDER BY ts DESC, id DESC LIMIT 1",
		host)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoSnapshots
	}
	return snaps[0], nil
}

// QueryRange returns the snapshots of host with from <= ts <= to, oldest
// first, reading every month file that exists in the range.
func (s *Store) QueryRange(ctx context.Context, host string, from, to time.Time) ([]*models.StatusSnapshot, error) {
	if to.Before(from) {
		return nil, fmt.Errorf("invalid range: %s is before %s", to, from)
	}

	out := make([]*models.StatusSnapshot, 0)
	first := time.Date(from.UTC().Year(), from.UTC().Month(), 1, 0, 0, 0, 0, time.UTC)
	for m := first; !m.After(to.UTC()); m = m.AddDate(0, 1, 0) {
		snaps, err := s.queryMonth(ctx, monthKey(m), host, from.UTC(), to.UTC())
		if err != nil {
			return nil, err
		}
		out = append(out, snaps...)
	}
	return out, nil
}

func (s *Store) queryMonth(ctx context.Context, month, host string, from, to time.Time) ([]*models.StatusSnapshot, error) {
	const q = "SELECT id, host, kind, ts, online, metrics, metadata FROM snapshots WHERE host = ? AND ts >= ? AND ts <= ? ORDER BY ts, id"

	s.mu.Lock()
	if s.current != nil && s.month == month {
		defer s.mu.Unlock()
		return querySnapshots(ctx, s.current, q, host, from, to)
	}
	s.mu.Unlock()

	path := s.pathFor(month)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	db, err := openFile(path)
	if err != nil {
		return nil, fmt.Errorf("open stats file for %s: %w", month, err)
	}
	defer db.Close()
	return querySnapshots(ctx, db, q, host, from, to)
}

func querySnapshots(ctx context.Context, db *sql.DB, query string, args ...any) ([]*models.StatusSnapshot, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type keyed struct {
		id   int64
		snap *models.StatusSnapshot
	}
	found := make([]keyed, 0)
	for rows.Next() {
		var id int64
		var snap models.StatusSnapshot
		var metrics, metadata string
		if err := rows.Scan(&id, &snap.DeviceHost, &snap.Kind, &snap.Timestamp, &snap.Online, &metrics, &metadata); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metrics), &snap.Metrics); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(metadata), &snap.Metadata); err != nil {
			return nil, err
		}
		found = append(found, keyed{id: id, snap: &snap})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	out := make([]*models.StatusSnapshot, 0, len(found))
	for _, k := range found {
		stations, err := queryStations(ctx, db, k.id)
		if err != nil {
			return nil, err
		}
		k.snap.ConnectedClients = stations
		out = append(out, k.snap)
	}
	return out, nil
}

func queryStations(ctx context.Context, db *sql.DB, snapshotID int64) ([]models.ClientStationInfo, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT mac, hostname, ip_address, signal, noise_floor, distance_meters, tx_power, rx_bytes, tx_bytes, uptime_seconds
		FROM stations WHERE snapshot_id = ?
	`, snapshotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stations := make([]models.ClientStationInfo, 0)
	for rows.Next() {
		var st models.ClientStationInfo
		if err := rows.Scan(&st.MAC, &st.Hostname, &st.IPAddress, &st.Signal, &st.NoiseFloor,
			&st.DistanceMeters, &st.TxPower, &st.RxBytes, &st.TxBytes, &st.UptimeSeconds); err != nil {
			return nil, err
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

// Close releases the current month's handle
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	err := s.current.Close()
	s.current = nil
	s.month = ""
	return err
}
