// Package serialization moves records across the app/store boundary: dirty
// application records are folded into the canonical store with fresh
// vector-clock stamps, and incoming store records are rehydrated back into
// the application in foreign-key dependency order.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/registry"
	"github.com/morango/morango/internal/store"
)

// Controller drives serialization passes over one database.
type Controller struct {
	store *store.Store
	ident *identity.Manager
	log   *logrus.Entry
}

// New returns a Controller over the given store and identity manager.
func New(st *store.Store, ident *identity.Manager) *Controller {
	return &Controller{
		store: st,
		ident: ident,
		log:   logrus.WithField("component", "serialization"),
	}
}

// SerializeIntoStore folds all dirty application records of a profile into
// the store, restricted to the filter's partitions. The whole pass shares one
// freshly incremented instance counter, so every record written here carries
// the same (instance, counter) stamp, and the filter's database max counters
// are raised to it at the end.
func (c *Controller) SerializeIntoStore(ctx context.Context, profileName string, filt filters.Filter) error {
	prof, err := registry.Get(profileName)
	if err != nil {
		return err
	}

	snap, err := c.ident.CurrentAndIncrement(ctx)
	if err != nil {
		return err
	}

	for _, model := range prof.Models {
		recs, err := prof.Store.DirtyRecords(ctx, model.Name, filt)
		if err != nil {
			return fmt.Errorf("failed to fetch dirty %s records: %w", model.Name, err)
		}

		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			if err := c.serializeRecord(ctx, model, rec, snap); err != nil {
				return err
			}
			ids = append(ids, rec.ContentID())
		}
		if err := prof.Store.ClearDirty(ctx, ids); err != nil {
			return fmt.Errorf("failed to clear dirty bits for %s: %w", model.Name, err)
		}
	}

	if err := c.drainDeleted(ctx, profileName, snap); err != nil {
		return err
	}

	if err := c.store.UpdateDMCForFilter(ctx, snap.ID, snap.Counter, filt); err != nil {
		return err
	}

	c.log.WithFields(logrus.Fields{
		"profile":  profileName,
		"instance": snap.ID,
		"counter":  snap.Counter,
	}).Debug("Serialized dirty records into store")
	return nil
}

// serializeRecord writes one app record into the store. Field values are
// merged over the existing payload so keys this instance does not know about
// survive the round trip. A store record still carrying an undeserialized
// incoming change loses it into conflicting_serialized_data.
func (c *Controller) serializeRecord(ctx context.Context, model *registry.ModelDescriptor, rec *registry.Record, snap identity.Snapshot) error {
	id := rec.ContentID()

	existing, err := c.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}

	payload := map[string]any{}
	conflicting := ""
	if existing != nil {
		conflicting = existing.ConflictingSerializedData
		if existing.DirtyBit {
			conflicting = existing.Serialized + "\n" + conflicting
		}
		if existing.Serialized != "" {
			if err := json.Unmarshal([]byte(existing.Serialized), &payload); err != nil {
				return fmt.Errorf("failed to decode existing payload for %s: %w", id, err)
			}
		}
	}
	for k, v := range rec.Fields {
		payload[k] = v
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload for %s: %w", id, err)
	}

	selfRefFK := ""
	if model.SelfRefFK != "" {
		if v, ok := rec.Fields[model.SelfRefFK].(string); ok {
			selfRefFK = v
		}
	}

	sr := &store.Record{
		ID:                        id,
		Profile:                   rec.Profile,
		Serialized:                string(serialized),
		LastSavedInstance:         snap.ID,
		LastSavedCounter:          snap.Counter,
		Partition:                 rec.Partition,
		SourceID:                  rec.SourceID,
		ModelName:                 rec.ModelName,
		ConflictingSerializedData: conflicting,
		SelfRefFK:                 selfRefFK,
	}
	if err := c.store.SaveRecord(ctx, sr); err != nil {
		return err
	}
	return c.store.UpsertRMC(ctx, id, snap.ID, snap.Counter)
}

// drainDeleted turns the pending delete sets into tombstoned store records.
// Hard deletes additionally erase the payload and any conflict data.
func (c *Controller) drainDeleted(ctx context.Context, profileName string, snap identity.Snapshot) error {
	hardIDs, err := c.store.DeletedModelIDs(ctx, profileName, true)
	if err != nil {
		return err
	}
	hard := make(map[string]bool, len(hardIDs))
	for _, id := range hardIDs {
		hard[id] = true
	}

	softIDs, err := c.store.DeletedModelIDs(ctx, profileName, false)
	if err != nil {
		return err
	}

	for _, id := range softIDs {
		rec, err := c.store.GetRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec == nil {
			// Never serialized before deletion; nothing to tombstone.
			continue
		}
		rec.Deleted = true
		rec.LastSavedInstance = snap.ID
		rec.LastSavedCounter = snap.Counter
		rec.DirtyBit = false
		if hard[id] {
			rec.HardDeleted = true
			rec.Serialized = "{}"
			rec.ConflictingSerializedData = ""
		}
		if err := c.store.SaveRecord(ctx, rec); err != nil {
			return err
		}
		if err := c.store.UpsertRMC(ctx, id, snap.ID, snap.Counter); err != nil {
			return err
		}
	}

	if err := c.store.ClearDeletedModels(ctx, profileName, false); err != nil {
		return err
	}
	return c.store.ClearDeletedModels(ctx, profileName, true)
}
