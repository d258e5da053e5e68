package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/morango/morango/internal/filters"
)

const appSchema = `
CREATE TABLE IF NOT EXISTS app_record (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL,
    fields TEXT NOT NULL DEFAULT '{}',
    dirty_bit INTEGER NOT NULL DEFAULT 1
);

CREATE INDEX IF NOT EXISTS idx_app_record_dirty ON app_record(profile, model_name, dirty_bit);
CREATE INDEX IF NOT EXISTS idx_app_record_partition ON app_record(partition);
`

// SQLiteModelStore is a generic ModelStore holding app records as JSON rows
// in a single table. The CLI demo and the test suites use it as the host
// application; real hosts provide their own ModelStore over their ORM.
type SQLiteModelStore struct {
	db      *sql.DB
	profile string
	// ValidateFunc, when set, is invoked by Validate.
	ValidateFunc func(rec *Record) error
}

// NewSQLiteModelStore initializes the app-record table for a profile.
func NewSQLiteModelStore(db *sql.DB, profile string) (*SQLiteModelStore, error) {
	if _, err := db.Exec(appSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize app record schema: %w", err)
	}
	return &SQLiteModelStore{db: db, profile: profile}, nil
}

// Save stores an app record and flags it dirty for the next serialization.
func (s *SQLiteModelStore) Save(ctx context.Context, rec *Record) error {
	rec.Profile = s.profile
	rec.ID = rec.ContentID()
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_record (id, profile, partition, source_id, model_name, fields, dirty_bit)
		VALUES (?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET fields = excluded.fields, dirty_bit = 1
	`, rec.ID, rec.Profile, rec.Partition, rec.SourceID, rec.ModelName, string(fields))
	if err != nil {
		return fmt.Errorf("failed to save app record: %w", err)
	}
	return nil
}

// Get loads one app record by ID.
func (s *SQLiteModelStore) Get(ctx context.Context, id string) (*Record, error) {
	rec := &Record{}
	var fields string
	var dirty int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, profile, partition, source_id, model_name, fields, dirty_bit
		FROM app_record WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Profile, &rec.Partition, &rec.SourceID, &rec.ModelName, &fields, &dirty)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load app record: %w", err)
	}
	rec.Dirty = dirty == 1
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return rec, nil
}

// DirtyRecords implements ModelStore.
func (s *SQLiteModelStore) DirtyRecords(ctx context.Context, modelName string, partitions filters.Filter) ([]*Record, error) {
	query := `
		SELECT id, profile, partition, source_id, model_name, fields
		FROM app_record
		WHERE profile = ? AND model_name = ? AND dirty_bit = 1
	`
	args := []any{s.profile, modelName}
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
		return nil, fmt.Errorf("failed to query dirty records: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{Dirty: true}
		var fields string
		if err := rows.Scan(&rec.ID, &rec.Profile, &rec.Partition, &rec.SourceID, &rec.ModelName, &fields); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode record fields: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ClearDirty implements ModelStore.
func (s *SQLiteModelStore) ClearDirty(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `UPDATE app_record SET dirty_bit = 0 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to clear dirty bit: %w", err)
		}
	}
	return nil
}

// Upsert implements ModelStore: save without setting the dirty bit.
func (s *SQLiteModelStore) Upsert(ctx context.Context, rec *Record) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode record fields: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_record (id, profile, partition, source_id, model_name, fields, dirty_bit)
		VALUES (?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET fields = excluded.fields, dirty_bit = 0
	`, rec.ContentID(), s.profile, rec.Partition, rec.SourceID, rec.ModelName, string(fields))
	if err != nil {
		return fmt.Errorf("failed to upsert app record: %w", err)
	}
	return nil
}

// Delete implements ModelStore.
func (s *SQLiteModelStore) Delete(ctx context.Context, id string, hard bool) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM app_record WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete app record: %w", err)
	}
	return nil
}

// Validate implements ModelStore.
func (s *SQLiteModelStore) Validate(rec *Record) error {
	if s.ValidateFunc != nil {
		return s.ValidateFunc(rec)
	}
	return nil
}
