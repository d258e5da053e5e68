package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/fsic"
)

const (
	// fsicChunkSize bounds the number of (instance, counter) pairs per
	// queueing statement, keeping the expression tree under database limits.
	fsicChunkSize = 500
	// maxFSICEntries is the hard ceiling beyond which queueing aborts.
	maxFSICEntries = 100000
)

// Queue selects store records into the transfer buffer. diff maps partition
// prefixes to the per-instance lower bounds the sender must surpass: a store
// row qualifies when its profile matches, its partition falls under the
// prefix, and its (last_saved_instance, last_saved_counter) exceeds the
// instance's bound. Returns the number of buffered records.
func (s *Store) Queue(ctx context.Context, transferSessionID, profile string, diff map[string]fsic.V1) (int64, error) {
	if fsic.EntryCount(diff) > maxFSICEntries {
		return 0, fmt.Errorf("%w: %d entries", ErrLimitExceeded, fsic.EntryCount(diff))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin queue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.backend.LockAllPartitions(ctx, tx, true); err != nil {
		return 0, fmt.Errorf("failed to take shared partition lock: %w", err)
	}

	for partition, counters := range diff {
		if err := s.backend.LockPartition(ctx, tx, partition, true); err != nil {
			return 0, fmt.Errorf("failed to lock partition %q: %w", partition, err)
		}

		pairs := make([][2]any, 0, len(counters))
		for instance, lowerBound := range counters {
			pairs = append(pairs, [2]any{instance, lowerBound})
		}

		for start := 0; start < len(pairs); start += fsicChunkSize {
			end := start + fsicChunkSize
			if end > len(pairs) {
				end = len(pairs)
			}
			chunk := pairs[start:end]

			clauses := make([]string, len(chunk))
			args := []any{transferSessionID, profile, partition + "%"}
			for i, pair := range chunk {
				clauses[i] = "(last_saved_instance = ? AND last_saved_counter > ?)"
				args = append(args, pair[0], pair[1])
			}

			query := s.backend.Rebind(`
				INSERT INTO buffer (
					transfer_session_id, model_uuid, profile, serialized, deleted, hard_deleted,
					last_saved_instance, last_saved_counter, partition, source_id, model_name,
					conflicting_serialized_data, _self_ref_fk
				)
				SELECT ?, id, profile, serialized, deleted, hard_deleted,
				       last_saved_instance, last_saved_counter, partition, source_id, model_name,
				       conflicting_serialized_data, _self_ref_fk
				FROM store
				WHERE profile = ? AND partition LIKE ?
				  AND (` + strings.Join(clauses, " OR ") + `)
				ON CONFLICT(transfer_session_id, model_uuid) DO NOTHING
			`)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return 0, fmt.Errorf("failed to queue store records: %w", err)
			}
		}
	}

	// Mirror each buffered record's vector clock into the RMCB table.
	_, err = tx.ExecContext(ctx, s.backend.Rebind(`
		INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
		SELECT ?, rmc.store_model_id, rmc.instance_id, rmc.counter
		FROM record_max_counter rmc
		JOIN buffer b ON b.model_uuid = rmc.store_model_id AND b.transfer_session_id = ?
		ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO NOTHING
	`), transferSessionID, transferSessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to queue record max counters: %w", err)
	}

	var total int64
	err = tx.QueryRowContext(ctx, s.backend.Rebind(
		`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`), transferSessionID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to count buffered records: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit queue transaction: %w", err)
	}

	s.log.WithField("transfer_session_id", transferSessionID).
		WithField("records_total", total).Debug("Queued store records into buffer")
	return total, nil
}

// DiffToPartitionMap adapts a flat v1 diff into the per-partition shape
// Queue expects, applying the same bounds to every filter partition.
func DiffToPartitionMap(diff fsic.V1, filt filters.Filter) map[string]fsic.V1 {
	partitions := []string(filt)
	if len(partitions) == 0 {
		partitions = []string{""}
	}
	out := make(map[string]fsic.V1, len(partitions))
	for _, p := range partitions {
		out[p] = diff
	}
	return out
}

// CountBuffers returns the number of buffered records for a session.
func (s *Store) CountBuffers(ctx context.Context, transferSessionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ?`, transferSessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count buffers: %w", err)
	}
	return n, nil
}

// BufferPage returns one chunk of buffered records in wire form, with their
// vector-clock entries inlined.
func (s *Store) BufferPage(ctx context.Context, transferSessionID string, limit, offset int) ([]WireBuffer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model_uuid, profile, serialized, deleted, hard_deleted, last_saved_instance,
		       last_saved_counter, partition, source_id, model_name,
		       conflicting_serialized_data, _self_ref_fk
		FROM buffer WHERE transfer_session_id = ?
		ORDER BY model_uuid LIMIT ? OFFSET ?
	`, transferSessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to page buffers: %w", err)
	}
	defer rows.Close()

	var out []WireBuffer
	for rows.Next() {
		var b WireBuffer
		var deleted, hardDeleted int
		err := rows.Scan(&b.ModelUUID, &b.Profile, &b.Serialized, &deleted, &hardDeleted,
			&b.LastSavedInstance, &b.LastSavedCounter, &b.Partition, &b.SourceID,
			&b.ModelName, &b.ConflictingSerializedData, &b.SelfRefFK)
		if err != nil {
			return nil, err
		}
		b.Deleted = deleted == 1
		b.HardDeleted = hardDeleted == 1
		b.TransferSession = transferSessionID
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		rmcbs, err := s.rmcbsFor(ctx, transferSessionID, out[i].ModelUUID)
		if err != nil {
			return nil, err
		}
		out[i].RMCBList = rmcbs
	}
	return out, nil
}

func (s *Store) rmcbsFor(ctx context.Context, transferSessionID, modelUUID string) ([]WireRMCB, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instance_id, counter FROM record_max_counter_buffer
		WHERE transfer_session_id = ? AND model_uuid = ?
	`, transferSessionID, modelUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to load buffered record max counters: %w", err)
	}
	defer rows.Close()

	var out []WireRMCB
	for rows.Next() {
		r := WireRMCB{TransferSession: transferSessionID, ModelUUID: modelUUID}
		if err := rows.Scan(&r.InstanceID, &r.Counter); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertWireBuffers stores a received chunk of wire buffers (receiver side),
// in one transaction. Records whose partition falls outside allowed are
// rejected; the whole chunk fails.
func (s *Store) InsertWireBuffers(ctx context.Context, records []WireBuffer, allowed filters.Filter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin buffer transaction: %w", err)
	}
	defer tx.Rollback()

	for _, b := range records {
		if allowed != nil && !allowed.ContainsPartition(b.Partition) {
			return fmt.Errorf("buffer record %s partition %q outside transfer filter", b.ModelUUID, b.Partition)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO buffer (
				transfer_session_id, model_uuid, profile, serialized, deleted, hard_deleted,
				last_saved_instance, last_saved_counter, partition, source_id, model_name,
				conflicting_serialized_data, _self_ref_fk
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(transfer_session_id, model_uuid) DO NOTHING
		`, b.TransferSession, b.ModelUUID, b.Profile, b.Serialized, boolToInt(b.Deleted),
			boolToInt(b.HardDeleted), b.LastSavedInstance, b.LastSavedCounter, b.Partition,
			b.SourceID, b.ModelName, b.ConflictingSerializedData, b.SelfRefFK)
		if err != nil {
			return fmt.Errorf("failed to insert buffer record: %w", err)
		}
		for _, r := range b.RMCBList {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO record_max_counter_buffer (transfer_session_id, model_uuid, instance_id, counter)
				VALUES (?, ?, ?, ?)
				ON CONFLICT(transfer_session_id, model_uuid, instance_id) DO NOTHING
			`, b.TransferSession, b.ModelUUID, r.InstanceID, r.Counter)
			if err != nil {
				return fmt.Errorf("failed to insert buffered record max counter: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit buffer transaction: %w", err)
	}
	return nil
}

// ClearBuffers deletes all buffered data for a transfer session.
func (s *Store) ClearBuffers(ctx context.Context, transferSessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM buffer WHERE transfer_session_id = ?`, transferSessionID); err != nil {
		return fmt.Errorf("failed to clear buffers: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM record_max_counter_buffer WHERE transfer_session_id = ?`, transferSessionID); err != nil {
		return fmt.Errorf("failed to clear buffered record max counters: %w", err)
	}
	return nil
}
