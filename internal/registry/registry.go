// Package registry holds the process-wide description of syncable models.
// The replication core never sees the host application's ORM; it sees each
// domain record as an opaque JSON field map tagged with a profile, a
// partition, a model name and a source ID. The registry tells the core which
// models exist per profile, in which foreign-key dependency order they must
// be (de)serialized, and how to reach the host's record storage.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/filters"
)

// Record is the core's view of one application row.
type Record struct {
	ID        string
	Profile   string
	Partition string
	SourceID  string
	ModelName string
	// Fields holds the app-level field values that get serialized into the
	// store record's JSON payload.
	Fields map[string]any
	Dirty  bool
}

// ContentID derives the record's content-addressed store ID.
func (r *Record) ContentID() string {
	if r.ID != "" {
		return r.ID
	}
	return crypto.ContentID(r.Partition, r.SourceID, r.ModelName)
}

// ModelDescriptor describes one syncable model within a profile.
type ModelDescriptor struct {
	Name    string
	Profile string
	// FieldNames are the app fields carried in the serialized payload.
	FieldNames []string
	// SelfRefFK is the field holding the ID of a parent record of the same
	// model, or empty when the model is not self-referential.
	SelfRefFK string
	// ForeignKeys maps field names to the model they reference.
	ForeignKeys map[string]string
	// Dependencies are models that must be deserialized before this one.
	Dependencies []string
}

// ModelStore is the host-provided access to application records. All methods
// operate within the store's profile.
type ModelStore interface {
	// DirtyRecords returns records of the model flagged for serialization,
	// optionally restricted to partition prefixes.
	DirtyRecords(ctx context.Context, modelName string, partitions filters.Filter) ([]*Record, error)
	// ClearDirty unflags the given records.
	ClearDirty(ctx context.Context, ids []string) error
	// Upsert saves a record rehydrated from the store without setting its
	// dirty bit.
	Upsert(ctx context.Context, rec *Record) error
	// Delete removes a record; hard deletes cascade payload erasure.
	Delete(ctx context.Context, id string, hard bool) error
	// Validate checks a rehydrated record before saving. A returned error
	// is recorded as the store row's deserialization error.
	Validate(rec *Record) error
}

// Profile binds a profile's ordered model descriptors to its record storage.
type Profile struct {
	Name   string
	Models []*ModelDescriptor
	Store  ModelStore
}

// Descriptor returns the descriptor for modelName, or nil.
func (p *Profile) Descriptor(modelName string) *ModelDescriptor {
	for _, m := range p.Models {
		if m.Name == modelName {
			return m
		}
	}
	return nil
}

var (
	mu       sync.RWMutex
	profiles = map[string]*Profile{}
	frozen   bool
)

// Register adds a profile to the process-wide registry. Models must be
// listed in dependency order: every dependency has to appear before its
// dependents. Register panics after Freeze; re-initialization requires a
// process restart.
func Register(p *Profile) error {
	mu.Lock()
	defer mu.Unlock()

	if frozen {
		panic("registry: Register called after Freeze")
	}
	if _, exists := profiles[p.Name]; exists {
		return fmt.Errorf("profile %q already registered", p.Name)
	}

	seen := map[string]bool{}
	for _, m := range p.Models {
		for _, dep := range m.Dependencies {
			if !seen[dep] && dep != m.Name {
				return fmt.Errorf("model %q depends on %q which is not registered before it", m.Name, dep)
			}
		}
		if seen[m.Name] {
			return fmt.Errorf("model %q registered twice", m.Name)
		}
		seen[m.Name] = true
	}

	profiles[p.Name] = p
	return nil
}

// Freeze forbids further registration.
func Freeze() {
	mu.Lock()
	defer mu.Unlock()
	frozen = true
}

// Get returns a registered profile.
func Get(name string) (*Profile, error) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("profile %q is not registered", name)
	}
	return p, nil
}

// Reset clears the registry. Only tests may call this.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	profiles = map[string]*Profile{}
	frozen = false
}
