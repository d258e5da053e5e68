package serialization

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/registry"
	"github.com/morango/morango/internal/store"
)

// DeserializeFromStore rehydrates dirty store records of a profile back into
// the application, restricted to the filter's partitions. Models are
// processed in dependency order; self-referential models are processed in
// waves so parents land before children. Per-record failures are written to
// the store row's deserialization_error and leave its dirty bit set; they do
// not abort the pass.
func (c *Controller) DeserializeFromStore(ctx context.Context, profileName string, filt filters.Filter) error {
	prof, err := registry.Get(profileName)
	if err != nil {
		return err
	}

	for _, model := range prof.Models {
		rows, err := c.store.DirtyRecords(ctx, profileName, model.Name, filt)
		if err != nil {
			return fmt.Errorf("failed to fetch dirty store rows for %s: %w", model.Name, err)
		}
		if len(rows) == 0 {
			continue
		}

		if model.SelfRefFK != "" {
			err = c.deserializeWaves(ctx, prof, model, rows)
		} else {
			for _, row := range rows {
				c.deserializeRow(ctx, prof, model, row)
			}
		}
		if err != nil {
			return err
		}
	}

	c.log.WithField("profile", profileName).Debug("Deserialized store records into app")
	return nil
}

// deserializeWaves handles a self-referential model: each wave rehydrates the
// records whose parent is either absent, already clean in the store, or
// landed in an earlier wave. Records left when a wave makes no progress get a
// parent error recorded and stay dirty for a later pass.
func (c *Controller) deserializeWaves(ctx context.Context, prof *registry.Profile, model *registry.ModelDescriptor, rows []*store.Record) error {
	landed := map[string]bool{}
	remaining := rows

	for len(remaining) > 0 {
		var next []*store.Record
		progressed := false

		pending := map[string]bool{}
		for _, row := range remaining {
			pending[row.ID] = true
		}

		for _, row := range remaining {
			parent := row.SelfRefFK
			if parent != "" && !landed[parent] {
				if pending[parent] {
					// Parent still in this batch; try again next wave.
					next = append(next, row)
					continue
				}
				prec, err := c.store.GetRecord(ctx, parent)
				if err != nil {
					return err
				}
				if prec == nil || prec.Deleted {
					c.failRow(ctx, row, "Parent does not exist")
					progressed = true
					continue
				}
				if prec.DirtyBit {
					c.failRow(ctx, row, "Parent is dirty")
					progressed = true
					continue
				}
			}
			if c.deserializeRow(ctx, prof, model, row) {
				landed[row.ID] = true
			}
			progressed = true
		}

		if !progressed {
			// Remaining records form a cycle among themselves.
			for _, row := range next {
				c.failRow(ctx, row, "Parent is dirty")
			}
			return nil
		}
		remaining = next
	}
	return nil
}

// deserializeRow rehydrates one store row. Returns true when the row landed
// cleanly in the application.
func (c *Controller) deserializeRow(ctx context.Context, prof *registry.Profile, model *registry.ModelDescriptor, row *store.Record) bool {
	if row.Deleted {
		if err := prof.Store.Delete(ctx, row.ID, row.HardDeleted); err != nil {
			c.failRow(ctx, row, err.Error())
			return false
		}
		c.clearRow(ctx, row)
		return true
	}

	payload := map[string]any{}
	if err := json.Unmarshal([]byte(row.Serialized), &payload); err != nil {
		c.failRow(ctx, row, fmt.Sprintf("invalid serialized payload: %v", err))
		return false
	}

	// Only fields the local schema knows about cross the boundary; unknown
	// keys stay behind in the store payload.
	fields := make(map[string]any, len(model.FieldNames))
	for _, name := range model.FieldNames {
		if v, ok := payload[name]; ok {
			fields[name] = v
		}
	}

	rec := &registry.Record{
		ID:        row.ID,
		Profile:   row.Profile,
		Partition: row.Partition,
		SourceID:  row.SourceID,
		ModelName: row.ModelName,
		Fields:    fields,
	}

	if err := prof.Store.Validate(rec); err != nil {
		if handled := c.probeForeignKeys(ctx, prof, model, row, fields); handled {
			return false
		}
		c.failRow(ctx, row, err.Error())
		return false
	}

	if err := prof.Store.Upsert(ctx, rec); err != nil {
		c.failRow(ctx, row, err.Error())
		return false
	}
	c.clearRow(ctx, row)
	return true
}

// probeForeignKeys checks whether a validation failure is explained by a
// referenced record having been deleted on another device. When it is, the
// deletion propagates: this record is tombstoned (hard when the target was
// hard-deleted) and removed from the application. Returns true when the
// failure was handled as a propagated delete.
func (c *Controller) probeForeignKeys(ctx context.Context, prof *registry.Profile, model *registry.ModelDescriptor, row *store.Record, fields map[string]any) bool {
	for field := range model.ForeignKeys {
		fkID, ok := fields[field].(string)
		if !ok || fkID == "" {
			continue
		}
		target, err := c.store.GetRecord(ctx, fkID)
		if err != nil {
			continue
		}
		if target != nil && !target.Deleted {
			continue
		}

		hard := target != nil && target.HardDeleted
		row.Deleted = true
		if hard {
			row.HardDeleted = true
			row.Serialized = "{}"
			row.ConflictingSerializedData = ""
		}
		row.DirtyBit = false
		row.DeserializationError = ""
		if err := c.store.SaveRecord(ctx, row); err != nil {
			c.log.WithError(err).WithField("id", row.ID).Warn("Failed to tombstone record for propagated delete")
			return false
		}
		if err := prof.Store.Delete(ctx, row.ID, hard); err != nil {
			c.log.WithError(err).WithField("id", row.ID).Warn("Failed to delete app record for propagated delete")
		}
		return true
	}
	return false
}

func (c *Controller) clearRow(ctx context.Context, row *store.Record) {
	if err := c.store.SetDirty(ctx, row.ID, false, ""); err != nil {
		c.log.WithError(err).WithField("id", row.ID).Warn("Failed to clear store dirty bit")
	}
}

func (c *Controller) failRow(ctx context.Context, row *store.Record, msg string) {
	c.log.WithFields(logrus.Fields{"id": row.ID, "error": msg}).Debug("Record failed to deserialize")
	if err := c.store.SetDirty(ctx, row.ID, true, msg); err != nil {
		c.log.WithError(err).WithField("id", row.ID).Warn("Failed to record deserialization error")
	}
}
