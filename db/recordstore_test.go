package db

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"speedcode/config"
	"speedcode/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.RecordFilePath = filepath.Join(t.TempDir(), "test_records.json")
	cfg.SaveInterval = 10 * time.Millisecond // short interval for debounced tests
	cfg.EnableBackup = true
	return cfg
}

func setupTestStore(t *testing.T) (*FileRecordStore, *config.Config) {
	cfg := createTestConfig(t)
	store, err := NewFileRecordStore(cfg)
	require.NoError(t, err, "NewFileRecordStore failed during setup")
	t.Cleanup(func() { _ = store.Close() })
	return store, cfg
}

// --- Read / Write Tests ---

func TestWrite_MergeCreatesDocument(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.Write("users/u1", Document{"username": "alice"}, true)
	require.NoError(t, err)

	doc, found, err := store.Read("users/u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "alice", doc["username"])
}

func TestWrite_MergePreservesExistingFields(t *testing.T) {
	store, _ := setupTestStore(t)

	require.NoError(t, store.Write("users/u1", Document{"username": "alice", "level": 3}, true))
	require.NoError(t, store.Write("users/u1", Document{"username": "bob"}, true))

	doc, _, _ := store.Read("users/u1")
	assert.Equal(t, "bob", doc["username"])
	assert.Equal(t, float64(3), doc["level"], "fields absent from the merge payload survive")
}

func TestWrite_ReplaceRequiresExistingDocument(t *testing.T) {
	store, _ := setupTestStore(t)

	err := store.Write("users/missing", Document{"a": 1}, false)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestWrite_ReplaceDropsUnmentionedFields(t *testing.T) {
	store, _ := setupTestStore(t)

	require.NoError(t, store.Write("users/u1", Document{"username": "alice", "level": 3}, true))
	require.NoError(t, store.Write("users/u1", Document{"username": "alice"}, false))

	doc, _, _ := store.Read("users/u1")
	_, hasLevel := doc["level"]
	assert.False(t, hasLevel, "replace is wholesale")
}

func TestUpdate_FailsWhenAbsent(t *testing.T) {
	store, _ := setupTestStore(t)
	err := store.Update("rooms/ABCDEF", Document{"name": "x"})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestRead_ReturnsIndependentCopy(t *testing.T) {
	store, _ := setupTestStore(t)
	require.NoError(t, store.Write("users/u1", Document{"tags": []any{"a"}}, true))

	doc, _, _ := store.Read("users/u1")
	doc["tags"] = []any{"mutated"}

	fresh, _, _ := store.Read("users/u1")
	assert.Equal(t, []any{"a"}, fresh["tags"], "mutating a read result must not touch the store")
}

// --- Array Operation Tests ---

func TestArrayUnion_CreatesDocumentAndIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)

	require.NoError(t, store.ArrayUnion("users/u1", "joinedRooms", "AB12CD"))
	require.NoError(t, store.ArrayUnion("users/u1", "joinedRooms", "AB12CD"))
	require.NoError(t, store.ArrayUnion("users/u1", "joinedRooms", "EF34GH"))

	doc, found, _ := store.Read("users/u1")
	require.True(t, found, "union on an absent document creates it")
	assert.Equal(t, []any{"AB12CD", "EF34GH"}, doc["joinedRooms"])
}

func TestArrayRemove_AbsentEverythingIsNoOp(t *testing.T) {
	store, _ := setupTestStore(t)

	assert.NoError(t, store.ArrayRemove("users/missing", "joinedRooms", "AB12CD"))

	require.NoError(t, store.Write("users/u1", Document{"username": "alice"}, true))
	assert.NoError(t, store.ArrayRemove("users/u1", "joinedRooms", "AB12CD"), "absent field is a no-op")

	require.NoError(t, store.ArrayUnion("users/u1", "joinedRooms", "AB12CD"))
	assert.NoError(t, store.ArrayRemove("users/u1", "joinedRooms", "ZZZZZZ"), "absent value is a no-op")

	doc, _, _ := store.Read("users/u1")
	assert.Equal(t, []any{"AB12CD"}, doc["joinedRooms"])
}

func TestArrayRemove_RemovesValue(t *testing.T) {
	store, _ := setupTestStore(t)

	require.NoError(t, store.ArrayUnion("users/u1", "joinedRooms", "AB12CD", "EF34GH"))
	require.NoError(t, store.ArrayRemove("users/u1", "joinedRooms", "AB12CD"))

	doc, _, _ := store.Read("users/u1")
	assert.Equal(t, []any{"EF34GH"}, doc["joinedRooms"])
}

// --- Subscription Tests ---

func TestSubscribe_DeliversInitialSnapshot(t *testing.T) {
	store, _ := setupTestStore(t)
	require.NoError(t, store.Write("rooms/AB12CD", Document{"name": "practice"}, true))

	var got []Snapshot
	cancel := store.Subscribe("rooms/AB12CD", func(snap Snapshot) {
		got = append(got, snap)
	}, nil)
	defer cancel()

	// Initial snapshot is synchronous.
	require.Len(t, got, 1)
	assert.True(t, got[0].Exists)
	assert.Equal(t, "practice", got[0].Data["name"])
}

func TestSubscribe_InitialSnapshotForAbsentDocument(t *testing.T) {
	store, _ := setupTestStore(t)

	var got []Snapshot
	cancel := store.Subscribe("rooms/MISSING", func(snap Snapshot) {
		got = append(got, snap)
	}, nil)
	defer cancel()

	require.Len(t, got, 1)
	assert.False(t, got[0].Exists)
}

func TestSubscribe_NotifiedOnEveryWrite(t *testing.T) {
	store, _ := setupTestStore(t)

	var mu sync.Mutex
	var names []any
	cancel := store.Subscribe("rooms/AB12CD", func(snap Snapshot) {
		mu.Lock()
		if snap.Exists {
			names = append(names, snap.Data["name"])
		}
		mu.Unlock()
	}, nil)
	defer cancel()

	require.NoError(t, store.Write("rooms/AB12CD", Document{"name": "first"}, true))
	require.NoError(t, store.Update("rooms/AB12CD", Document{"name": "second"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []any{"first", "second"}, names)
}

func TestSubscribe_CancelStopsDeliveryAndIsIdempotent(t *testing.T) {
	store, _ := setupTestStore(t)

	count := 0
	cancel := store.Subscribe("rooms/AB12CD", func(Snapshot) { count++ }, nil)
	require.Equal(t, 1, count) // initial

	cancel()
	cancel() // second cancel is a no-op

	require.NoError(t, store.Write("rooms/AB12CD", Document{"name": "x"}, true))
	assert.Equal(t, 1, count, "no delivery after cancel")
}

func TestSubscribe_PanickingSubscriberReportsError(t *testing.T) {
	store, _ := setupTestStore(t)

	var reported error
	cancel := store.Subscribe("rooms/AB12CD", func(Snapshot) {
		panic("observer bug")
	}, func(err error) {
		reported = err
	})
	defer cancel()

	require.Error(t, reported, "the initial delivery already panics")
	assert.Contains(t, reported.Error(), "observer bug")
}

// --- Persistence Tests ---

func TestPersistence_ReloadAfterDebouncedSave(t *testing.T) {
	cfg := createTestConfig(t)
	store, err := NewFileRecordStore(cfg)
	require.NoError(t, err)

	require.NoError(t, store.Write("users/u1", Document{"username": "alice"}, true))
	require.NoError(t, store.Close()) // Close flushes the pending save

	reloaded, err := NewFileRecordStore(cfg)
	require.NoError(t, err)
	defer reloaded.Close()

	doc, found, _ := reloaded.Read("users/u1")
	require.True(t, found)
	assert.Equal(t, "alice", doc["username"])
}

func TestPersistence_BackupFileCreated(t *testing.T) {
	cfg := createTestConfig(t)
	store, err := NewFileRecordStore(cfg)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Write("users/u1", Document{"v": 1}, true))
	time.Sleep(50 * time.Millisecond) // let the first debounced save land

	require.NoError(t, store.Write("users/u1", Document{"v": 2}, true))
	time.Sleep(50 * time.Millisecond)

	_, err = os.Stat(cfg.RecordFilePath + ".bak")
	assert.NoError(t, err, "second save should have backed up the first file")
}

func TestLoad_CorruptFileIsAnError(t *testing.T) {
	cfg := createTestConfig(t)
	require.NoError(t, os.WriteFile(cfg.RecordFilePath, []byte("{not json"), 0644))

	_, err := NewFileRecordStore(cfg)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, models.ErrNotFound))
}
