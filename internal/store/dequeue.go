package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/morango/morango/internal/filters"
)

// reverseFastForwardIDs selects buffered records the local store already
// dominates: some local vector-clock entry covers the buffer's
// (last_saved_instance, last_saved_counter).
const reverseFastForwardIDs = `
	SELECT b.model_uuid FROM buffer b
	JOIN record_max_counter rmc ON rmc.store_model_id = b.model_uuid
	WHERE b.transfer_session_id = ?
	  AND rmc.instance_id = b.last_saved_instance
	  AND rmc.counter >= b.last_saved_counter
`

// mergeConflictIDs selects buffered records that exist locally but are not a
// fast-forward: no buffered vector-clock entry covers the store's
// (last_saved_instance, last_saved_counter). Reverse fast-forwards must be
// pruned first, so what remains is a genuine concurrent edit.
const mergeConflictIDs = `
	SELECT b.model_uuid FROM buffer b
	JOIN store s ON s.id = b.model_uuid
	WHERE b.transfer_session_id = ?
	  AND NOT EXISTS (
		SELECT 1 FROM record_max_counter_buffer rmcb
		WHERE rmcb.transfer_session_id = b.transfer_session_id
		  AND rmcb.model_uuid = b.model_uuid
		  AND rmcb.instance_id = s.last_saved_instance
		  AND rmcb.counter >= s.last_saved_counter
	  )
`

// Dequeue merges a transfer session's buffered records into the store in a
// single transaction, as eight set-oriented steps: prune reverse
// fast-forwards, absorb merge conflicts (raising vector clocks, appending
// the losing payload to conflicting_serialized_data and stamping the record
// with the current instance), then apply the remaining fast-forwards
// wholesale. Dequeuing an empty buffer is a no-op, and dequeuing the same
// buffer twice leaves the store unchanged.
func (s *Store) Dequeue(ctx context.Context, transferSessionID, currentInstanceID string, currentCounter int64, filt filters.Filter) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin dequeue transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.backend.LockAllPartitions(ctx, tx, true); err != nil {
		return fmt.Errorf("failed to take shared partition lock: %w", err)
	}
	for _, partition := range filt {
		if err := s.backend.LockPartition(ctx, tx, partition, false); err != nil {
			return fmt.Errorf("failed to lock partition %q: %w", partition, err)
		}
	}

	greatest := s.backend.Greatest()
	step := func(name, query string, args ...any) error {
		if _, err := tx.ExecContext(ctx, s.backend.Rebind(query), args...); err != nil {
			return fmt.Errorf("dequeue step %s failed: %w", name, err)
		}
		return nil
	}

	// 1. Drop vector-clock entries of records the store already dominates.
	if err := step("reverse-ff-rmcb", `
		DELETE FROM record_max_counter_buffer
		WHERE transfer_session_id = ? AND model_uuid IN (`+reverseFastForwardIDs+`)
	`, transferSessionID, transferSessionID); err != nil {
		return err
	}

	// 2. Drop the dominated buffers themselves.
	if err := step("reverse-ff-buffer", `
		DELETE FROM buffer
		WHERE transfer_session_id = ? AND model_uuid IN (`+reverseFastForwardIDs+`)
	`, transferSessionID, transferSessionID); err != nil {
		return err
	}

	// 3. Raise local vector clocks to the buffered ones on conflicting records.
	if err := step("merge-conflict-rmc", `
		INSERT INTO record_max_counter (store_model_id, instance_id, counter)
		SELECT rmcb.model_uuid, rmcb.instance_id, rmcb.counter
		FROM record_max_counter_buffer rmcb
		WHERE rmcb.transfer_session_id = ?
		  AND rmcb.model_uuid IN (`+mergeConflictIDs+`)
		ON CONFLICT(store_model_id, instance_id) DO UPDATE SET
			counter = `+greatest+`(record_max_counter.counter, excluded.counter)
	`, transferSessionID, transferSessionID); err != nil {
		return err
	}

	// 4. Fold the losing payload into the store record and stamp it with the
	// current instance so the conflict propagates onward.
	if err := step("merge-conflict-store", `
		UPDATE store SET
			serialized = CASE WHEN b.hard_deleted = 1 THEN '{}' ELSE store.serialized END,
			conflicting_serialized_data = CASE WHEN b.hard_deleted = 1 THEN ''
				ELSE b.serialized || ? || store.conflicting_serialized_data END,
			deleted = CASE WHEN store.deleted = 1 OR b.deleted = 1 THEN 1 ELSE 0 END,
			hard_deleted = CASE WHEN store.hard_deleted = 1 OR b.hard_deleted = 1 THEN 1 ELSE 0 END,
			last_saved_instance = ?,
			last_saved_counter = ?,
			dirty_bit = 1,
			last_transfer_session_id = ?
		FROM buffer b
		WHERE b.transfer_session_id = ? AND b.model_uuid = store.id
		  AND store.id IN (`+mergeConflictIDs+`)
	`, "\n", currentInstanceID, currentCounter, transferSessionID, transferSessionID, transferSessionID); err != nil {
		return err
	}

	// 5. Record the stamp in the vector clock.
	if err := step("merge-conflict-stamp", `
		INSERT INTO record_max_counter (store_model_id, instance_id, counter)
		SELECT b.model_uuid, ?, ? FROM buffer b
		WHERE b.transfer_session_id = ? AND b.model_uuid IN (`+mergeConflictIDs+`)
		ON CONFLICT(store_model_id, instance_id) DO UPDATE SET
			counter = `+greatest+`(record_max_counter.counter, excluded.counter)
	`, currentInstanceID, currentCounter, transferSessionID, transferSessionID); err != nil {
		return err
	}

	// 6. The conflicting buffers are absorbed; drop them.
	if err := step("merge-conflict-rmcb-delete", `
		DELETE FROM record_max_counter_buffer
		WHERE transfer_session_id = ? AND model_uuid IN (`+mergeConflictIDs+`)
	`, transferSessionID, transferSessionID); err != nil {
		return err
	}
	if err := step("merge-conflict-buffer-delete", `
		DELETE FROM buffer
		WHERE transfer_session_id = ? AND model_uuid IN (
			SELECT b.model_uuid FROM buffer b
			JOIN store s ON s.id = b.model_uuid
			WHERE b.transfer_session_id = ?
			  AND s.last_transfer_session_id = ?
			  AND s.last_saved_instance = ?
			  AND s.last_saved_counter = ?
		)
	`, transferSessionID, transferSessionID, transferSessionID, currentInstanceID, currentCounter); err != nil {
		return err
	}

	// 7. Everything left is a fast-forward: apply wholesale.
	if err := step("fast-forward-store", `
		INSERT INTO store (
			id, profile, serialized, deleted, hard_deleted, last_saved_instance,
			last_saved_counter, partition, source_id, model_name,
			conflicting_serialized_data, _self_ref_fk, dirty_bit,
			deserialization_error, last_transfer_session_id
		)
		SELECT b.model_uuid, b.profile, b.serialized, b.deleted, b.hard_deleted,
		       b.last_saved_instance, b.last_saved_counter, b.partition, b.source_id,
		       b.model_name, b.conflicting_serialized_data, b._self_ref_fk, 1, '', ?
		FROM buffer b WHERE b.transfer_session_id = ?
		ON CONFLICT(id) DO UPDATE SET
			serialized = excluded.serialized,
			deleted = excluded.deleted,
			hard_deleted = excluded.hard_deleted,
			last_saved_instance = excluded.last_saved_instance,
			last_saved_counter = excluded.last_saved_counter,
			conflicting_serialized_data = excluded.conflicting_serialized_data,
			_self_ref_fk = excluded._self_ref_fk,
			dirty_bit = 1,
			deserialization_error = '',
			last_transfer_session_id = excluded.last_transfer_session_id
	`, transferSessionID, transferSessionID); err != nil {
		return err
	}
	if err := step("fast-forward-rmc", `
		INSERT INTO record_max_counter (store_model_id, instance_id, counter)
		SELECT model_uuid, instance_id, counter FROM record_max_counter_buffer
		WHERE transfer_session_id = ?
		ON CONFLICT(store_model_id, instance_id) DO UPDATE SET
			counter = `+greatest+`(record_max_counter.counter, excluded.counter)
	`, transferSessionID); err != nil {
		return err
	}

	// 8. The buffer has served its purpose.
	if err := step("clear-buffer", `
		DELETE FROM buffer WHERE transfer_session_id = ?
	`, transferSessionID); err != nil {
		return err
	}
	if err := step("clear-rmcb", `
		DELETE FROM record_max_counter_buffer WHERE transfer_session_id = ?
	`, transferSessionID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit dequeue transaction: %w", err)
	}

	s.log.WithField("transfer_session_id", transferSessionID).Debug("Dequeued buffer into store")
	return nil
}

// HasBuffers reports whether any buffered data remains for a session.
func (s *Store) HasBuffers(ctx context.Context, transferSessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buffer WHERE transfer_session_id = ? LIMIT 1`, transferSessionID).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("failed to check buffers: %w", err)
	}
	return n > 0, nil
}
