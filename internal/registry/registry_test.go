package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/morango/morango/internal/crypto"
	"github.com/morango/morango/internal/filters"
)

func TestRegisterDependencyOrder(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	err := Register(&Profile{
		Name: "ordered",
		Models: []*ModelDescriptor{
			{Name: "facility"},
			{Name: "classroom", Dependencies: []string{"facility"}},
		},
	})
	require.NoError(t, err)

	p, err := Get("ordered")
	require.NoError(t, err)
	assert.Equal(t, "facility", p.Models[0].Name)
	assert.NotNil(t, p.Descriptor("classroom"))
	assert.Nil(t, p.Descriptor("missing"))
}

func TestRegisterRejectsUnorderedDependency(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	err := Register(&Profile{
		Name: "broken",
		Models: []*ModelDescriptor{
			{Name: "classroom", Dependencies: []string{"facility"}},
			{Name: "facility"},
		},
	})
	assert.Error(t, err)
}

func TestRegisterRejectsDuplicateProfile(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	require.NoError(t, Register(&Profile{Name: "dup"}))
	assert.Error(t, Register(&Profile{Name: "dup"}))
}

func TestFreezePanicsOnRegister(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Freeze()
	assert.Panics(t, func() {
		_ = Register(&Profile{Name: "late"})
	})
}

func TestRecordContentID(t *testing.T) {
	rec := &Record{Partition: "p", SourceID: "s", ModelName: "m"}
	assert.Equal(t, crypto.ContentID("p", "s", "m"), rec.ContentID())

	// An explicit ID wins.
	rec.ID = "0123456789abcdef0123456789abcdef"
	assert.Equal(t, rec.ID, rec.ContentID())
}

func setupModelStore(t *testing.T) *SQLiteModelStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "app_test.db")
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=30000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewSQLiteModelStore(db, "testprofile")
	require.NoError(t, err)
	return store
}

func TestSQLiteModelStoreDirtyLifecycle(t *testing.T) {
	store := setupModelStore(t)
	ctx := context.Background()

	rec := &Record{
		Partition: "p:abc",
		SourceID:  "src1",
		ModelName: "facility",
		Fields:    map[string]any{"name": "School"},
	}
	require.NoError(t, store.Save(ctx, rec))

	dirty, err := store.DirtyRecords(ctx, "facility", nil)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "School", dirty[0].Fields["name"])

	require.NoError(t, store.ClearDirty(ctx, []string{rec.ID}))
	dirty, err = store.DirtyRecords(ctx, "facility", nil)
	require.NoError(t, err)
	assert.Empty(t, dirty)
}

func TestSQLiteModelStorePartitionFilter(t *testing.T) {
	store := setupModelStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, &Record{Partition: "p:one", SourceID: "a", ModelName: "m", Fields: map[string]any{}}))
	require.NoError(t, store.Save(ctx, &Record{Partition: "q:two", SourceID: "b", ModelName: "m", Fields: map[string]any{}}))

	dirty, err := store.DirtyRecords(ctx, "m", filters.New("p"))
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	assert.Equal(t, "p:one", dirty[0].Partition)
}

func TestSQLiteModelStoreUpsertNotDirty(t *testing.T) {
	store := setupModelStore(t)
	ctx := context.Background()

	rec := &Record{Partition: "p", SourceID: "s", ModelName: "m", Fields: map[string]any{"k": "v"}}
	require.NoError(t, store.Upsert(ctx, rec))

	dirty, err := store.DirtyRecords(ctx, "m", nil)
	require.NoError(t, err)
	assert.Empty(t, dirty)

	loaded, err := store.Get(ctx, rec.ContentID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "v", loaded.Fields["k"])
	assert.False(t, loaded.Dirty)
}

func TestSQLiteModelStoreDelete(t *testing.T) {
	store := setupModelStore(t)
	ctx := context.Background()

	rec := &Record{Partition: "p", SourceID: "s", ModelName: "m", Fields: map[string]any{}}
	require.NoError(t, store.Save(ctx, rec))
	require.NoError(t, store.Delete(ctx, rec.ID, false))

	loaded, err := store.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, loaded)
}
