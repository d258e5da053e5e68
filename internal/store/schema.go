package store

import "database/sql"

const Schema = `
-- Canonical replicated records, keyed by content-addressed UUID
CREATE TABLE IF NOT EXISTS store (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL,
    serialized TEXT NOT NULL DEFAULT '{}',
    deleted INTEGER NOT NULL DEFAULT 0,
    hard_deleted INTEGER NOT NULL DEFAULT 0,
    last_saved_instance TEXT NOT NULL,
    last_saved_counter INTEGER NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL,
    conflicting_serialized_data TEXT NOT NULL DEFAULT '',
    _self_ref_fk TEXT NOT NULL DEFAULT '',
    dirty_bit INTEGER NOT NULL DEFAULT 0,
    deserialization_error TEXT NOT NULL DEFAULT '',
    last_transfer_session_id TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_store_profile_model ON store(profile, model_name);
CREATE INDEX IF NOT EXISTS idx_store_partition ON store(partition);
CREATE INDEX IF NOT EXISTS idx_store_dirty ON store(profile, dirty_bit);

-- Per-record vector clock entries
CREATE TABLE IF NOT EXISTS record_max_counter (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    store_model_id TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    counter INTEGER NOT NULL,
    UNIQUE(store_model_id, instance_id)
);

CREATE INDEX IF NOT EXISTS idx_rmc_store ON record_max_counter(store_model_id);

-- Transit form of store records within one transfer session
CREATE TABLE IF NOT EXISTS buffer (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transfer_session_id TEXT NOT NULL,
    model_uuid TEXT NOT NULL,
    profile TEXT NOT NULL,
    serialized TEXT NOT NULL DEFAULT '{}',
    deleted INTEGER NOT NULL DEFAULT 0,
    hard_deleted INTEGER NOT NULL DEFAULT 0,
    last_saved_instance TEXT NOT NULL,
    last_saved_counter INTEGER NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    model_name TEXT NOT NULL,
    conflicting_serialized_data TEXT NOT NULL DEFAULT '',
    _self_ref_fk TEXT NOT NULL DEFAULT '',
    UNIQUE(transfer_session_id, model_uuid)
);

CREATE INDEX IF NOT EXISTS idx_buffer_session ON buffer(transfer_session_id);

-- Transit form of record_max_counter rows
CREATE TABLE IF NOT EXISTS record_max_counter_buffer (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    transfer_session_id TEXT NOT NULL,
    model_uuid TEXT NOT NULL,
    instance_id TEXT NOT NULL,
    counter INTEGER NOT NULL,
    UNIQUE(transfer_session_id, model_uuid, instance_id)
);

CREATE INDEX IF NOT EXISTS idx_rmcb_session ON record_max_counter_buffer(transfer_session_id);

-- Highest counter per (instance, partition prefix); source of truth for FSICs
CREATE TABLE IF NOT EXISTS database_max_counter (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    instance_id TEXT NOT NULL,
    partition TEXT NOT NULL DEFAULT '',
    counter INTEGER NOT NULL,
    UNIQUE(instance_id, partition)
);

CREATE INDEX IF NOT EXISTS idx_dmc_partition ON database_max_counter(partition);

-- Transient sets consumed by the next serialization pass
CREATE TABLE IF NOT EXISTS deleted_models (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS hard_deleted_models (
    id TEXT PRIMARY KEY,
    profile TEXT NOT NULL
);
`

// InitSchema creates the replication core tables.
func InitSchema(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
