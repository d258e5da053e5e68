// Package identity manages the database and instance identities that stamp
// every replicated record. A DatabaseID is a random UUID minted once per
// database; an InstanceID identifies one (database, host, node) tuple and
// owns the monotonic counter embedded in serialized records.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/crypto"
)

const Schema = `
CREATE TABLE IF NOT EXISTS database_id (
    id TEXT PRIMARY KEY,
    current INTEGER NOT NULL DEFAULT 1,
    date_generated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS instance_id (
    id TEXT PRIMARY KEY,
    platform TEXT NOT NULL DEFAULT '',
    hostname TEXT NOT NULL DEFAULT '',
    sysversion TEXT NOT NULL DEFAULT '',
    node_id TEXT NOT NULL DEFAULT '',
    database_id TEXT NOT NULL REFERENCES database_id(id),
    db_path TEXT NOT NULL DEFAULT '',
    counter INTEGER NOT NULL DEFAULT 0,
    current INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_instance_id_current ON instance_id(current);
`

// InitSchema creates the identity tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Snapshot is an immutable view of the current instance at a point in time.
type Snapshot struct {
	ID         string
	DatabaseID string
	Platform   string
	Hostname   string
	NodeID     string
	Counter    int64
}

// Options configure how the instance tuple is derived.
type Options struct {
	// NodeID distinguishes multiple morango databases on one host.
	NodeID string
	// DBPath is the path of the backing database file.
	DBPath string
	// Hostname overrides os.Hostname, mainly for tests.
	Hostname string
}

// Manager provides access to the database and instance identity rows.
type Manager struct {
	db         *sql.DB
	platform   string
	sysversion string
	hostname   string
	nodeID     string
	dbPath     string
	log        *logrus.Entry
}

// NewManager initializes the identity schema and ensures a current
// DatabaseID exists.
func NewManager(db *sql.DB, opts Options) (*Manager, error) {
	if err := InitSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize identity schema: %w", err)
	}

	hostname := opts.Hostname
	if hostname == "" {
		if h, err := os.Hostname(); err == nil {
			hostname = h
		}
	}

	m := &Manager{
		db:         db,
		platform:   runtime.GOOS + "-" + runtime.GOARCH,
		sysversion: runtime.Version(),
		hostname:   hostname,
		nodeID:     opts.NodeID,
		dbPath:     opts.DBPath,
		log:        logrus.WithField("component", "identity"),
	}

	if _, err := m.DatabaseID(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

// DatabaseID returns the current database ID, creating one if none exists.
func (m *Manager) DatabaseID(ctx context.Context) (string, error) {
	var id string
	err := m.db.QueryRowContext(ctx, `SELECT id FROM database_id WHERE current = 1`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query database id: %w", err)
	}

	id = crypto.RandomID()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO database_id (id, current, date_generated) VALUES (?, 1, ?)
	`, id, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create database id: %w", err)
	}

	m.log.WithField("database_id", id).Info("Generated new database ID")
	return id, nil
}

// RegenerateDatabaseID demotes all existing database IDs and mints a new
// current one. Existing instance IDs stop being current as a consequence of
// the changed tuple.
func (m *Manager) RegenerateDatabaseID(ctx context.Context) (string, error) {
	if _, err := m.db.ExecContext(ctx, `UPDATE database_id SET current = 0`); err != nil {
		return "", fmt.Errorf("failed to demote database ids: %w", err)
	}
	id := crypto.RandomID()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO database_id (id, current, date_generated) VALUES (?, 1, ?)
	`, id, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("failed to create database id: %w", err)
	}
	return id, nil
}

// instanceID derives the deterministic ID of this tuple.
func (m *Manager) instanceID(databaseID string) string {
	return crypto.ContentID(m.platform, m.hostname, m.sysversion, m.nodeID, databaseID, m.dbPath)
}

// Current returns the current instance without touching its counter,
// creating the row if this tuple has never been seen.
func (m *Manager) Current(ctx context.Context) (Snapshot, error) {
	return m.fetch(ctx, false)
}

// CurrentAndIncrement atomically fetches or creates the instance row for
// this tuple, demotes all other rows, increments the counter and returns the
// new snapshot. Every record serialized in the same pass carries the
// returned (ID, Counter) pair.
func (m *Manager) CurrentAndIncrement(ctx context.Context) (Snapshot, error) {
	return m.fetch(ctx, true)
}

func (m *Manager) fetch(ctx context.Context, increment bool) (Snapshot, error) {
	var snap Snapshot

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return snap, fmt.Errorf("failed to begin identity transaction: %w", err)
	}
	defer tx.Rollback()

	databaseID, err := m.databaseIDTx(ctx, tx)
	if err != nil {
		return snap, err
	}

	id := m.instanceID(databaseID)

	_, err = tx.ExecContext(ctx, `UPDATE instance_id SET current = 0 WHERE id != ?`, id)
	if err != nil {
		return snap, fmt.Errorf("failed to demote instance ids: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO instance_id (id, platform, hostname, sysversion, node_id, database_id, db_path, counter, current)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, 1)
		ON CONFLICT(id) DO UPDATE SET current = 1
	`, id, m.platform, m.hostname, m.sysversion, m.nodeID, databaseID, m.dbPath)
	if err != nil {
		return snap, fmt.Errorf("failed to upsert instance id: %w", err)
	}

	if increment {
		_, err = tx.ExecContext(ctx, `UPDATE instance_id SET counter = counter + 1 WHERE id = ?`, id)
		if err != nil {
			return snap, fmt.Errorf("failed to increment instance counter: %w", err)
		}
	}

	err = tx.QueryRowContext(ctx, `
		SELECT id, database_id, platform, hostname, node_id, counter FROM instance_id WHERE id = ?
	`, id).Scan(&snap.ID, &snap.DatabaseID, &snap.Platform, &snap.Hostname, &snap.NodeID, &snap.Counter)
	if err != nil {
		return snap, fmt.Errorf("failed to read instance id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return snap, fmt.Errorf("failed to commit identity transaction: %w", err)
	}
	return snap, nil
}

func (m *Manager) databaseIDTx(ctx context.Context, tx *sql.Tx) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM database_id WHERE current = 1`).Scan(&id)
	if err == sql.ErrNoRows {
		id = crypto.RandomID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO database_id (id, current, date_generated) VALUES (?, 1, ?)
		`, id, time.Now().UTC())
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve database id: %w", err)
	}
	return id, nil
}
