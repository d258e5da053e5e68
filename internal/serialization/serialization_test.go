package serialization

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/morango/morango/internal/filters"
	"github.com/morango/morango/internal/identity"
	"github.com/morango/morango/internal/registry"
	"github.com/morango/morango/internal/store"
)

const testProfile = "testprofile"

type testEnv struct {
	db    *sql.DB
	store *store.Store
	app   *registry.SQLiteModelStore
	ctrl  *Controller
}

func setupSerializationTest(t *testing.T) *testEnv {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "serialization_test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.New(db, "sqlite")
	require.NoError(t, err)
	ident, err := identity.NewManager(db, identity.Options{DBPath: dbPath, Hostname: "testhost"})
	require.NoError(t, err)
	app, err := registry.NewSQLiteModelStore(db, testProfile)
	require.NoError(t, err)

	registry.Reset()
	t.Cleanup(registry.Reset)
	require.NoError(t, registry.Register(&registry.Profile{
		Name: testProfile,
		Models: []*registry.ModelDescriptor{
			{
				Name:       "facility",
				Profile:    testProfile,
				FieldNames: []string{"name", "parent"},
				SelfRefFK:  "parent",
			},
			{
				Name:         "user",
				Profile:      testProfile,
				FieldNames:   []string{"username", "facility"},
				ForeignKeys:  map[string]string{"facility": "facility"},
				Dependencies: []string{"facility"},
			},
		},
		Store: app,
	}))

	return &testEnv{db: db, store: st, app: app, ctrl: New(st, ident)}
}

func saveAppRecord(t *testing.T, env *testEnv, model, partition, sourceID string, fields map[string]any) *registry.Record {
	t.Helper()
	rec := &registry.Record{
		Partition: partition,
		SourceID:  sourceID,
		ModelName: model,
		Fields:    fields,
	}
	require.NoError(t, env.app.Save(context.Background(), rec))
	return rec
}

func TestSerializeStampsAndClears(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	rec := saveAppRecord(t, env, "user", "p:abc", "alice", map[string]any{"username": "alice"})
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, filters.New("p")))

	row, err := env.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.NotEmpty(t, row.LastSavedInstance)
	assert.Equal(t, int64(1), row.LastSavedCounter)
	assert.False(t, row.DirtyBit)
	assert.JSONEq(t, `{"username":"alice"}`, row.Serialized)

	rmcs, err := env.store.RMCs(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rmcs[row.LastSavedInstance])

	// App-side dirty bit cleared: a second pass writes nothing new.
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, filters.New("p")))
	row2, err := env.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row2.LastSavedCounter)

	// The counter still advanced, and the DMC tracks it.
	v1, err := env.store.CalculateFSICv1(ctx, filters.New("p"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v1[row.LastSavedInstance])
}

func TestSerializePreservesUnknownKeys(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	rec := saveAppRecord(t, env, "user", "p:abc", "alice", map[string]any{"username": "alice"})
	// A newer peer serialized a field this instance's schema does not know.
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         rec.ID,
		Profile:    testProfile,
		Serialized: `{"username":"old","future_field":42}`,
		Partition:  "p:abc",
		SourceID:   "alice",
		ModelName:  "user",
	}))

	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	row, err := env.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"alice","future_field":42}`, row.Serialized)
}

func TestSerializeOverUndeserializedChange(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	rec := saveAppRecord(t, env, "user", "p:abc", "alice", map[string]any{"username": "local"})
	// An incoming change landed in the store but was never deserialized.
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         rec.ID,
		Profile:    testProfile,
		Serialized: `{"username":"remote"}`,
		Partition:  "p:abc",
		SourceID:   "alice",
		ModelName:  "user",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	row, err := env.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"username":"local"}`, row.Serialized)
	assert.Equal(t, `{"username":"remote"}`+"\n", row.ConflictingSerializedData)
	assert.False(t, row.DirtyBit)
}

func TestSerializeDrainsDeletes(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	soft := saveAppRecord(t, env, "user", "p:abc", "soft", map[string]any{"username": "soft"})
	hard := saveAppRecord(t, env, "user", "p:abc", "hard", map[string]any{"username": "hard"})
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	require.NoError(t, env.store.MarkDeleted(ctx, soft.ID, testProfile, false))
	require.NoError(t, env.store.MarkDeleted(ctx, hard.ID, testProfile, true))
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	softRow, err := env.store.GetRecord(ctx, soft.ID)
	require.NoError(t, err)
	assert.True(t, softRow.Deleted)
	assert.False(t, softRow.HardDeleted)
	assert.JSONEq(t, `{"username":"soft"}`, softRow.Serialized)
	assert.Equal(t, int64(2), softRow.LastSavedCounter)

	hardRow, err := env.store.GetRecord(ctx, hard.ID)
	require.NoError(t, err)
	assert.True(t, hardRow.HardDeleted)
	assert.Equal(t, "{}", hardRow.Serialized)

	// The delete sets are drained.
	ids, err := env.store.DeletedModelIDs(ctx, testProfile, false)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestDeserializeRoundTrip(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	id := (&registry.Record{Partition: "p:abc", SourceID: "bob", ModelName: "user"}).ContentID()
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         id,
		Profile:    testProfile,
		Serialized: `{"username":"bob","future_field":1}`,
		Partition:  "p:abc",
		SourceID:   "bob",
		ModelName:  "user",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, filters.New("p")))

	rec, err := env.app.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "bob", rec.Fields["username"])
	// Unknown keys stay in the store payload only.
	assert.NotContains(t, rec.Fields, "future_field")

	row, err := env.store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.False(t, row.DirtyBit)
	assert.Empty(t, row.DeserializationError)
}

func TestDeserializeAppliesDeletes(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	rec := saveAppRecord(t, env, "user", "p:abc", "gone", map[string]any{"username": "gone"})
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	// The tombstone arrives from a peer.
	row, err := env.store.GetRecord(ctx, rec.ID)
	require.NoError(t, err)
	row.Deleted = true
	row.DirtyBit = true
	require.NoError(t, env.store.SaveRecord(ctx, row))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, nil))

	app, err := env.app.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, app)
}

func TestDeserializeRecordsValidationError(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	env.app.ValidateFunc = func(rec *registry.Record) error {
		if rec.Fields["username"] == "" || rec.Fields["username"] == nil {
			return errors.New("username is required")
		}
		return nil
	}

	id := (&registry.Record{Partition: "p:abc", SourceID: "bad", ModelName: "user"}).ContentID()
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         id,
		Profile:    testProfile,
		Serialized: `{}`,
		Partition:  "p:abc",
		SourceID:   "bad",
		ModelName:  "user",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, nil))

	row, err := env.store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, row.DirtyBit)
	assert.Equal(t, "username is required", row.DeserializationError)
}

func TestDeserializePropagatesForeignKeyDelete(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	facility := saveAppRecord(t, env, "facility", "p", "school", map[string]any{"name": "school"})
	require.NoError(t, env.ctrl.SerializeIntoStore(ctx, testProfile, nil))

	// The facility is hard-deleted on another device.
	frow, err := env.store.GetRecord(ctx, facility.ID)
	require.NoError(t, err)
	frow.Deleted = true
	frow.HardDeleted = true
	frow.Serialized = "{}"
	frow.DirtyBit = true
	require.NoError(t, env.store.SaveRecord(ctx, frow))

	env.app.ValidateFunc = func(rec *registry.Record) error {
		if rec.ModelName != "user" {
			return nil
		}
		fkID, _ := rec.Fields["facility"].(string)
		if fkID == "" {
			return nil
		}
		target, err := env.app.Get(ctx, fkID)
		if err != nil {
			return err
		}
		if target == nil {
			return errors.New("facility does not exist")
		}
		return nil
	}

	id := (&registry.Record{Partition: "p:abc", SourceID: "orphan", ModelName: "user"}).ContentID()
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         id,
		Profile:    testProfile,
		Serialized: `{"username":"orphan","facility":"` + facility.ID + `"}`,
		Partition:  "p:abc",
		SourceID:   "orphan",
		ModelName:  "user",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, nil))

	row, err := env.store.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, row.Deleted)
	assert.True(t, row.HardDeleted)
	assert.Equal(t, "{}", row.Serialized)
	assert.False(t, row.DirtyBit)
}

func TestDeserializeSelfRefWaves(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	parentID := (&registry.Record{Partition: "p", SourceID: "root", ModelName: "facility"}).ContentID()
	childID := (&registry.Record{Partition: "p", SourceID: "leaf", ModelName: "facility"}).ContentID()

	// Child sorts before or after parent by ID; both arrive in one batch.
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         childID,
		Profile:    testProfile,
		Serialized: `{"name":"leaf","parent":"` + parentID + `"}`,
		Partition:  "p",
		SourceID:   "leaf",
		ModelName:  "facility",
		SelfRefFK:  parentID,
		DirtyBit:   true,
	}))
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         parentID,
		Profile:    testProfile,
		Serialized: `{"name":"root"}`,
		Partition:  "p",
		SourceID:   "root",
		ModelName:  "facility",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, nil))

	for _, id := range []string{parentID, childID} {
		row, err := env.store.GetRecord(ctx, id)
		require.NoError(t, err)
		assert.False(t, row.DirtyBit, "record %s should have landed", id)
		rec, err := env.app.Get(ctx, id)
		require.NoError(t, err)
		assert.NotNil(t, rec)
	}
}

func TestDeserializeSelfRefMissingParent(t *testing.T) {
	env := setupSerializationTest(t)
	ctx := context.Background()

	orphanID := (&registry.Record{Partition: "p", SourceID: "orphan", ModelName: "facility"}).ContentID()
	require.NoError(t, env.store.SaveRecord(ctx, &store.Record{
		ID:         orphanID,
		Profile:    testProfile,
		Serialized: `{"name":"orphan","parent":"0123456789abcdef0123456789abcdef"}`,
		Partition:  "p",
		SourceID:   "orphan",
		ModelName:  "facility",
		SelfRefFK:  "0123456789abcdef0123456789abcdef",
		DirtyBit:   true,
	}))

	require.NoError(t, env.ctrl.DeserializeFromStore(ctx, testProfile, nil))

	row, err := env.store.GetRecord(ctx, orphanID)
	require.NoError(t, err)
	assert.True(t, row.DirtyBit)
	assert.Equal(t, "Parent does not exist", row.DeserializationError)
}
