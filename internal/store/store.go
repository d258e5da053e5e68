// Package store implements the content-addressed record store at the center
// of replication: persisted serialized records with per-record vector clocks
// (record max counters), the transit buffers used during transfers, and the
// database max counters from which FSICs are computed.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Store wraps the replication core tables.
type Store struct {
	db      *sql.DB
	backend Backend
	log     *logrus.Entry
}

// New initializes the schema and returns a Store bound to the backend for
// the given driver.
func New(db *sql.DB, driverName string) (*Store, error) {
	backend, err := NewBackend(driverName)
	if err != nil {
		return nil, err
	}
	if err := InitSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &Store{
		db:      db,
		backend: backend,
		log:     logrus.WithField("component", "store"),
	}, nil
}

// DB exposes the underlying handle for collaborating subsystems that share
// the same database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Backend returns the dispatched SQL backend.
func (s *Store) Backend() Backend {
	return s.backend
}

const recordColumns = `id, profile, serialized, deleted, hard_deleted, last_saved_instance,
	last_saved_counter, partition, source_id, model_name, conflicting_serialized_data,
	_self_ref_fk, dirty_bit, deserialization_error, last_transfer_session_id`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	rec := &Record{}
	var deleted, hardDeleted, dirty int
	err := row.Scan(
		&rec.ID, &rec.Profile, &rec.Serialized, &deleted, &hardDeleted,
		&rec.LastSavedInstance, &rec.LastSavedCounter, &rec.Partition, &rec.SourceID,
		&rec.ModelName, &rec.ConflictingSerializedData, &rec.SelfRefFK, &dirty,
		&rec.DeserializationError, &rec.LastTransferSessionID,
	)
	if err != nil {
		return nil, err
	}
	rec.Deleted = deleted == 1
	rec.HardDeleted = hardDeleted == 1
	rec.DirtyBit = dirty == 1
	return rec, nil
}

// GetRecord loads one store record, returning nil when absent.
func (s *Store) GetRecord(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM store WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load store record: %w", err)
	}
	return rec, nil
}

// GetRecords batch-loads store records by ID, returned as a map.
func (s *Store) GetRecords(ctx context.Context, ids []string) (map[string]*Record, error) {
	out := map[string]*Record{}
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM store WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to batch-load store records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// SaveRecord upserts a store record.
func (s *Store) SaveRecord(ctx context.Context, rec *Record) error {
	return s.saveRecord(ctx, s.db, rec)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveRecord(ctx context.Context, e execer, rec *Record) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO store (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			serialized = excluded.serialized,
			deleted = excluded.deleted,
			hard_deleted = excluded.hard_deleted,
			last_saved_instance = excluded.last_saved_instance,
			last_saved_counter = excluded.last_saved_counter,
			conflicting_serialized_data = excluded.conflicting_serialized_data,
			_self_ref_fk = excluded._self_ref_fk,
			dirty_bit = excluded.dirty_bit,
			deserialization_error = excluded.deserialization_error,
			last_transfer_session_id = excluded.last_transfer_session_id
	`, rec.ID, rec.Profile, rec.Serialized, boolToInt(rec.Deleted), boolToInt(rec.HardDeleted),
		rec.LastSavedInstance, rec.LastSavedCounter, rec.Partition, rec.SourceID,
		rec.ModelName, rec.ConflictingSerializedData, rec.SelfRefFK, boolToInt(rec.DirtyBit),
		rec.DeserializationError, rec.LastTransferSessionID)
	if err != nil {
		return fmt.Errorf("failed to save store record: %w", err)
	}
	return nil
}

// DirtyRecords returns store rows of a profile and model that still need
// deserialization, optionally restricted to partition prefixes.
func (s *Store) DirtyRecords(ctx context.Context, profile, modelName string, partitions []string) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM store WHERE profile = ? AND model_name = ? AND dirty_bit = 1`
	args := []any{profile, modelName}
	if len(partitions) > 0 {
		clauses := make([]string, len(partitions))
		for i, p := range partitions {
			clauses[i] = "partition LIKE ?"
			args = append(args, p+"%")
		}
		query += " AND (" + strings.Join(clauses, " OR ") + ")"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty store records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SetDirty updates a record's dirty bit and deserialization error.
func (s *Store) SetDirty(ctx context.Context, id string, dirty bool, deserializationError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE store SET dirty_bit = ?, deserialization_error = ? WHERE id = ?
	`, boolToInt(dirty), deserializationError, id)
	if err != nil {
		return fmt.Errorf("failed to update dirty bit: %w", err)
	}
	return nil
}

// UpsertRMC raises (or creates) a vector-clock entry; counters never fall.
func (s *Store) UpsertRMC(ctx context.Context, storeModelID, instanceID string, counter int64) error {
	return s.upsertRMC(ctx, s.db, storeModelID, instanceID, counter)
}

func (s *Store) upsertRMC(ctx context.Context, e execer, storeModelID, instanceID string, counter int64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO record_max_counter (store_model_id, instance_id, counter)
		VALUES (?, ?, ?)
		ON CONFLICT(store_model_id, instance_id) DO UPDATE SET
			counter = MAX(record_max_counter.counter, excluded.counter)
	`, storeModelID, instanceID, counter)
	if err != nil {
		return fmt.Errorf("failed to upsert record max counter: %w", err)
	}
	return nil
}

// RMCs returns the vector clock of one record as {instance → counter}.
func (s *Store) RMCs(ctx context.Context, storeModelID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, counter FROM record_max_counter WHERE store_model_id = ?
	`, storeModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load record max counters: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var instance string
		var counter int64
		if err := rows.Scan(&instance, &counter); err != nil {
			return nil, err
		}
		out[instance] = counter
	}
	return out, rows.Err()
}

// MarkDeleted records an app-model delete for the next serialization pass.
func (s *Store) MarkDeleted(ctx context.Context, id, profile string, hard bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deleted_models (id, profile) VALUES (?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, profile)
	if err != nil {
		return fmt.Errorf("failed to mark record deleted: %w", err)
	}
	if hard {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO hard_deleted_models (id, profile) VALUES (?, ?)
			ON CONFLICT(id) DO NOTHING
		`, id, profile)
		if err != nil {
			return fmt.Errorf("failed to mark record hard-deleted: %w", err)
		}
	}
	return nil
}

// DeletedModelIDs returns the pending (hard-)delete set for a profile.
func (s *Store) DeletedModelIDs(ctx context.Context, profile string, hard bool) ([]string, error) {
	table := "deleted_models"
	if hard {
		table = "hard_deleted_models"
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM `+table+` WHERE profile = ?`, profile)
	if err != nil {
		return nil, fmt.Errorf("failed to query deleted models: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearDeletedModels empties the (hard-)delete set for a profile.
func (s *Store) ClearDeletedModels(ctx context.Context, profile string, hard bool) error {
	table := "deleted_models"
	if hard {
		table = "hard_deleted_models"
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE profile = ?`, profile)
	if err != nil {
		return fmt.Errorf("failed to clear deleted models: %w", err)
	}
	return nil
}
