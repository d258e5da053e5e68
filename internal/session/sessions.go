package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/filters"
)

const Schema = `
CREATE TABLE IF NOT EXISTS sync_session (
    id TEXT PRIMARY KEY,
    start_timestamp TIMESTAMP NOT NULL,
    last_activity_timestamp TIMESTAMP NOT NULL,
    active INTEGER NOT NULL DEFAULT 1,
    is_server INTEGER NOT NULL DEFAULT 0,
    client_certificate_id TEXT NOT NULL DEFAULT '',
    server_certificate_id TEXT NOT NULL DEFAULT '',
    profile TEXT NOT NULL DEFAULT '',
    connection_kind TEXT NOT NULL DEFAULT '',
    connection_path TEXT NOT NULL DEFAULT '',
    client_ip TEXT NOT NULL DEFAULT '',
    server_ip TEXT NOT NULL DEFAULT '',
    client_instance TEXT NOT NULL DEFAULT '{}',
    server_instance TEXT NOT NULL DEFAULT '{}',
    extra_fields TEXT NOT NULL DEFAULT '{}',
    process_id INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_session_active ON sync_session(active);

CREATE TABLE IF NOT EXISTS transfer_session (
    id TEXT PRIMARY KEY,
    sync_session_id TEXT NOT NULL REFERENCES sync_session(id),
    filter TEXT NOT NULL DEFAULT '',
    push INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    records_transferred INTEGER NOT NULL DEFAULT 0,
    records_total INTEGER NOT NULL DEFAULT 0,
    bytes_sent INTEGER NOT NULL DEFAULT 0,
    bytes_received INTEGER NOT NULL DEFAULT 0,
    client_fsic TEXT NOT NULL DEFAULT '',
    server_fsic TEXT NOT NULL DEFAULT '',
    transfer_stage TEXT NOT NULL DEFAULT '',
    transfer_stage_status TEXT NOT NULL DEFAULT '',
    transfer_error TEXT NOT NULL DEFAULT '',
    last_activity_timestamp TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfer_session_sync ON transfer_session(sync_session_id, active);
`

// SyncSession is one authorized connection between two peers, under which any
// number of transfer sessions run.
type SyncSession struct {
	ID                  string
	StartTimestamp      time.Time
	LastActivity        time.Time
	Active              bool
	IsServer            bool
	ClientCertificateID string
	ServerCertificateID string
	Profile             string
	ConnectionKind      string
	ConnectionPath      string
	ClientIP            string
	ServerIP            string
	ClientInstance      string
	ServerInstance      string
	ExtraFields         string
	ProcessID           int
}

// TransferSession is one directional dataset movement within a sync session.
type TransferSession struct {
	ID                 string
	SyncSessionID      string
	Filter             filters.Filter
	Push               bool
	Active             bool
	RecordsTransferred int64
	RecordsTotal       int64
	BytesSent          int64
	BytesReceived      int64
	ClientFSIC         string
	ServerFSIC         string
	Stage              Stage
	StageStatus        Status
	TransferError      string
	LastActivity       time.Time
}

// Store persists sync and transfer sessions.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// NewStore initializes the session schema.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return &Store{db: db, log: logrus.WithField("component", "sessions")}, nil
}

// CreateSyncSession persists a new sync session, minting an ID when absent.
func (s *Store) CreateSyncSession(ctx context.Context, ss *SyncSession) error {
	if ss.ID == "" {
		ss.ID = crypto.RandomID()
	}
	now := time.Now().UTC()
	if ss.StartTimestamp.IsZero() {
		ss.StartTimestamp = now
	}
	ss.LastActivity = now
	ss.Active = true

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_session (
			id, start_timestamp, last_activity_timestamp, active, is_server,
			client_certificate_id, server_certificate_id, profile, connection_kind,
			connection_path, client_ip, server_ip, client_instance, server_instance,
			extra_fields, process_id
		) VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ss.ID, ss.StartTimestamp, ss.LastActivity, boolToInt(ss.IsServer),
		ss.ClientCertificateID, ss.ServerCertificateID, ss.Profile, ss.ConnectionKind,
		ss.ConnectionPath, ss.ClientIP, ss.ServerIP, ss.ClientInstance, ss.ServerInstance,
		ss.ExtraFields, ss.ProcessID)
	if err != nil {
		return fmt.Errorf("failed to create sync session: %w", err)
	}
	return nil
}

// GetSyncSession loads a sync session, returning ErrSessionNotFound when
// absent.
func (s *Store) GetSyncSession(ctx context.Context, id string) (*SyncSession, error) {
	ss := &SyncSession{}
	var active, isServer int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, start_timestamp, last_activity_timestamp, active, is_server,
		       client_certificate_id, server_certificate_id, profile, connection_kind,
		       connection_path, client_ip, server_ip, client_instance, server_instance,
		       extra_fields, process_id
		FROM sync_session WHERE id = ?
	`, id).Scan(&ss.ID, &ss.StartTimestamp, &ss.LastActivity, &active, &isServer,
		&ss.ClientCertificateID, &ss.ServerCertificateID, &ss.Profile, &ss.ConnectionKind,
		&ss.ConnectionPath, &ss.ClientIP, &ss.ServerIP, &ss.ClientInstance, &ss.ServerInstance,
		&ss.ExtraFields, &ss.ProcessID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sync session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync session: %w", err)
	}
	ss.Active = active == 1
	ss.IsServer = isServer == 1
	return ss, nil
}

// TouchSyncSession bumps a sync session's activity timestamp.
func (s *Store) TouchSyncSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sync_session SET last_activity_timestamp = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch sync session: %w", err)
	}
	return nil
}

// CloseSyncSession marks a sync session inactive.
func (s *Store) CloseSyncSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_session SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to close sync session: %w", err)
	}
	return nil
}

// ClaimSyncSession stamps the sync session with this process's ID so a
// concurrent or crashed process can be detected on resume.
func (s *Store) ClaimSyncSession(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sync_session SET process_id = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("failed to claim sync session: %w", err)
	}
	return nil
}

// CreateTransferSession persists a new transfer session in the initializing
// stage, minting an ID when absent.
func (s *Store) CreateTransferSession(ctx context.Context, ts *TransferSession) error {
	if ts.ID == "" {
		ts.ID = crypto.RandomID()
	}
	if ts.Stage == "" {
		ts.Stage = StageInitializing
	}
	if ts.StageStatus == "" {
		ts.StageStatus = StatusPending
	}
	ts.Active = true
	ts.LastActivity = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_session (
			id, sync_session_id, filter, push, active, records_transferred,
			records_total, bytes_sent, bytes_received, client_fsic, server_fsic,
			transfer_stage, transfer_stage_status, transfer_error, last_activity_timestamp
		) VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ts.ID, ts.SyncSessionID, ts.Filter.String(), boolToInt(ts.Push),
		ts.RecordsTransferred, ts.RecordsTotal, ts.BytesSent, ts.BytesReceived,
		ts.ClientFSIC, ts.ServerFSIC, string(ts.Stage), string(ts.StageStatus),
		ts.TransferError, ts.LastActivity)
	if err != nil {
		return fmt.Errorf("failed to create transfer session: %w", err)
	}
	return nil
}

func scanTransferSession(row interface{ Scan(...any) error }) (*TransferSession, error) {
	ts := &TransferSession{}
	var push, active int
	var filter, stage, status string
	err := row.Scan(&ts.ID, &ts.SyncSessionID, &filter, &push, &active,
		&ts.RecordsTransferred, &ts.RecordsTotal, &ts.BytesSent, &ts.BytesReceived,
		&ts.ClientFSIC, &ts.ServerFSIC, &stage, &status, &ts.TransferError, &ts.LastActivity)
	if err != nil {
		return nil, err
	}
	ts.Filter = filters.New(filter)
	ts.Push = push == 1
	ts.Active = active == 1
	ts.Stage = Stage(stage)
	ts.StageStatus = Status(status)
	return ts, nil
}

const transferColumns = `id, sync_session_id, filter, push, active, records_transferred,
	records_total, bytes_sent, bytes_received, client_fsic, server_fsic,
	transfer_stage, transfer_stage_status, transfer_error, last_activity_timestamp`

// GetTransferSession loads a transfer session, returning ErrSessionNotFound
// when absent.
func (s *Store) GetTransferSession(ctx context.Context, id string) (*TransferSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transferColumns+` FROM transfer_session WHERE id = ?`, id)
	ts, err := scanTransferSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("transfer session %s: %w", id, ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load transfer session: %w", err)
	}
	return ts, nil
}

// ActiveTransferSession returns the active transfer session under a sync
// session, or nil when there is none.
func (s *Store) ActiveTransferSession(ctx context.Context, syncSessionID string) (*TransferSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transferColumns+` FROM transfer_session
		WHERE sync_session_id = ? AND active = 1
		ORDER BY last_activity_timestamp DESC LIMIT 1
	`, syncSessionID)
	ts, err := scanTransferSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load active transfer session: %w", err)
	}
	return ts, nil
}

// SaveTransferSession writes back every mutable transfer session field.
func (s *Store) SaveTransferSession(ctx context.Context, ts *TransferSession) error {
	ts.LastActivity = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfer_session SET
			active = ?, records_transferred = ?, records_total = ?,
			bytes_sent = ?, bytes_received = ?, client_fsic = ?, server_fsic = ?,
			transfer_stage = ?, transfer_stage_status = ?, transfer_error = ?,
			last_activity_timestamp = ?
		WHERE id = ?
	`, boolToInt(ts.Active), ts.RecordsTransferred, ts.RecordsTotal,
		ts.BytesSent, ts.BytesReceived, ts.ClientFSIC, ts.ServerFSIC,
		string(ts.Stage), string(ts.StageStatus), ts.TransferError,
		ts.LastActivity, ts.ID)
	if err != nil {
		return fmt.Errorf("failed to save transfer session: %w", err)
	}
	return nil
}

// AddBytes accumulates transfer byte counters.
func (s *Store) AddBytes(ctx context.Context, id string, sent, received int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE transfer_session SET bytes_sent = bytes_sent + ?,
			bytes_received = bytes_received + ?, last_activity_timestamp = ?
		WHERE id = ?
	`, sent, received, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update byte counters: %w", err)
	}
	return nil
}

// StaleTransferSessions returns active transfer sessions idle since before
// the cutoff, optionally restricted by direction or sync session.
func (s *Store) StaleTransferSessions(ctx context.Context, cutoff time.Time, push *bool, syncSessionID string) ([]*TransferSession, error) {
	query := `SELECT ` + transferColumns + ` FROM transfer_session
		WHERE active = 1 AND last_activity_timestamp < ?`
	args := []any{cutoff}
	if push != nil {
		query += ` AND push = ?`
		args = append(args, boolToInt(*push))
	}
	if syncSessionID != "" {
		query += ` AND sync_session_id = ?`
		args = append(args, syncSessionID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale transfer sessions: %w", err)
	}
	defer rows.Close()

	var out []*TransferSession
	for rows.Next() {
		ts, err := scanTransferSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// DeactivateIdleSyncSessions closes active sync sessions idle since before
// the cutoff whose transfer sessions are all inactive, returning how many
// were closed.
func (s *Store) DeactivateIdleSyncSessions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_session SET active = 0
		WHERE active = 1 AND last_activity_timestamp < ? AND NOT EXISTS (
			SELECT 1 FROM transfer_session ts
			WHERE ts.sync_session_id = sync_session.id AND ts.active = 1
		)
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to deactivate sync sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// InstanceJSON renders an instance snapshot map for storage, tolerating nil.
func InstanceJSON(fields map[string]string) string {
	if len(fields) == 0 {
		return "{}"
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "{}"
	}
	return string(data)
}
