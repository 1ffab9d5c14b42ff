// Package store persists named, versioned run-configuration profiles and a
// history of traffic-generation runs to a local SQLite database, so the
// CLI's `save`/`load` commands and the REST `/api/v1/profiles` endpoints
// have durable backing across restarts. The REST `/api/v1/config`
// endpoints read and replace only the in-memory live configuration.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/jroosing/packetforge/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding run-configuration profiles and run
// history.
type Store struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens (creating if necessary) a SQLite database at path and applies
// any pending migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(time.Hour)

	s := &Store{conn: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.conn, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("store: migrator: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Profile is one named, versioned config.Config snapshot.
type Profile struct {
	ID        int64
	Name      string
	Version   int
	Config    *config.Config
	CreatedAt time.Time
}

// SaveProfile inserts a new version of the named profile, returning the
// version number assigned (versions for a name are monotonically
// increasing, starting at 1).
func (s *Store) SaveProfile(name string, cfg *config.Config) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("store: marshal config: %w", err)
	}

	var nextVersion int
	row := s.conn.QueryRow(`SELECT COALESCE(MAX(version), 0) + 1 FROM profiles WHERE name = ?`, name)
	if err := row.Scan(&nextVersion); err != nil {
		return 0, fmt.Errorf("store: next version: %w", err)
	}

	_, err = s.conn.Exec(`INSERT INTO profiles (name, version, config_json) VALUES (?, ?, ?)`,
		name, nextVersion, string(raw))
	if err != nil {
		return 0, fmt.Errorf("store: insert profile: %w", err)
	}
	return nextVersion, nil
}

// LoadProfile returns the latest saved version of the named profile.
func (s *Store) LoadProfile(name string) (*Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.conn.QueryRow(
		`SELECT id, name, version, config_json, created_at FROM profiles
		 WHERE name = ? ORDER BY version DESC LIMIT 1`, name)
	return scanProfile(row)
}

func scanProfile(row *sql.Row) (*Profile, error) {
	var (
		p         Profile
		rawJSON   string
		createdAt string
	)
	if err := row.Scan(&p.ID, &p.Name, &p.Version, &rawJSON, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("store: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("store: scan profile: %w", err)
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(rawJSON), &cfg); err != nil {
		return nil, fmt.Errorf("store: unmarshal config: %w", err)
	}
	p.Config = &cfg
	if t, err := time.Parse("2006-01-02T15:04:05.999Z", createdAt); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}

// ListProfiles returns the latest version of every distinct profile name,
// most recently created first.
func (s *Store) ListProfiles() ([]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.conn.Query(`
		SELECT p.id, p.name, p.version, p.config_json, p.created_at
		FROM profiles p
		INNER JOIN (SELECT name, MAX(version) AS max_version FROM profiles GROUP BY name) latest
		  ON p.name = latest.name AND p.version = latest.max_version
		ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer rows.Close()

	var out []Profile
	for rows.Next() {
		var (
			p         Profile
			rawJSON   string
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Version, &rawJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan profile row: %w", err)
		}
		var cfg config.Config
		if err := json.Unmarshal([]byte(rawJSON), &cfg); err != nil {
			return nil, fmt.Errorf("store: unmarshal config: %w", err)
		}
		p.Config = &cfg
		if t, err := time.Parse("2006-01-02T15:04:05.999Z", createdAt); err == nil {
			p.CreatedAt = t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordRunStart inserts a new run row tied to profileID (0 if the run was
// not started from a saved profile) and returns its run ID.
func (s *Store) RecordRunStart(profileID int64, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if profileID == 0 {
		res, err = s.conn.Exec(`INSERT INTO runs (started_at) VALUES (?)`, startedAt.UTC().Format(time.RFC3339Nano))
	} else {
		res, err = s.conn.Exec(`INSERT INTO runs (profile_id, started_at) VALUES (?, ?)`,
			profileID, startedAt.UTC().Format(time.RFC3339Nano))
	}
	if err != nil {
		return 0, fmt.Errorf("store: record run start: %w", err)
	}
	return res.LastInsertId()
}

// RecordRunStop marks runID stopped at stoppedAt and attaches a JSON stats
// snapshot.
func (s *Store) RecordRunStop(runID int64, stoppedAt time.Time, statsJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(`UPDATE runs SET stopped_at = ?, stats_json = ? WHERE id = ?`,
		stoppedAt.UTC().Format(time.RFC3339Nano), statsJSON, runID)
	if err != nil {
		return fmt.Errorf("store: record run stop: %w", err)
	}
	return nil
}

// ErrNotFound is returned when a named profile has no saved version.
var ErrNotFound = fmt.Errorf("profile not found")
