package hydrate

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func addSource(t *testing.T, store *db.DB, name string, enabled bool) *db.Source {
	t.Helper()
	src := &db.Source{Name: name, RemotePath: "/cal/" + name, Enabled: enabled}
	require.NoError(t, store.CreateSource(src))
	return src
}

func addEntry(t *testing.T, store *db.DB, entry db.CalendarEntry) *db.CalendarEntry {
	t.Helper()
	require.NoError(t, store.PutEntry(&entry))
	return &entry
}

func TestRebuildFiltersAndSorts(t *testing.T) {
	store := setupStore(t)
	on := addSource(t, store, "on", true)
	off := addSource(t, store, "off", false)

	late := addEntry(t, store, db.CalendarEntry{SourceID: on.ID, Title: "late", Start: "2026-03-02T15:00:00+01:00", End: "2026-03-02T16:00:00+01:00"})
	early := addEntry(t, store, db.CalendarEntry{SourceID: on.ID, Title: "early", Start: "2026-03-02T08:00:00Z", End: "2026-03-02T09:00:00Z"})
	addEntry(t, store, db.CalendarEntry{SourceID: off.ID, Title: "hidden", Start: "2026-03-02T07:00:00Z", End: "2026-03-02T08:00:00Z"})
	allDay := addEntry(t, store, db.CalendarEntry{SourceID: on.ID, Title: "holiday", Start: "2026-03-01", End: "2026-03-02", AllDay: true})

	h := New(store, nil)
	assert.Zero(t, h.Current().Generation)
	assert.Empty(t, h.Current().Entries)

	snap, err := h.Rebuild()
	require.NoError(t, err)
	assert.Same(t, snap, h.Current())
	assert.Equal(t, uint64(1), snap.Generation)

	require.Len(t, snap.Entries, 3)
	assert.Equal(t, allDay.ID, snap.Entries[0].ID)
	assert.Equal(t, early.ID, snap.Entries[1].ID)
	assert.Equal(t, late.ID, snap.Entries[2].ID)
	assert.Equal(t, time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC), snap.Entries[2].StartTime)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), snap.Entries[0].StartTime)

	require.Len(t, snap.Sources, 1)
	assert.Equal(t, on.ID, snap.Sources[0].ID)
}

func TestRebuildReplacesSnapshot(t *testing.T) {
	store := setupStore(t)
	src := addSource(t, store, "on", true)
	h := New(store, nil)

	first, err := h.Rebuild()
	require.NoError(t, err)
	assert.Empty(t, first.Entries)

	addEntry(t, store, db.CalendarEntry{SourceID: src.ID, Title: "new", Start: "2026-03-02T08:00:00Z", End: "2026-03-02T09:00:00Z"})

	second, err := h.Rebuild()
	require.NoError(t, err)

	assert.Empty(t, first.Entries, "published snapshots are never mutated")
	assert.Len(t, second.Entries, 1)
	assert.Equal(t, first.Generation+1, second.Generation)
	assert.Same(t, second, h.Current())

	require.NoError(t, store.SetSourceEnabled(src.ID, false))
	third, err := h.Rebuild()
	require.NoError(t, err)
	assert.Empty(t, third.Entries)
}

func TestRebuildSkipsInvalidTimes(t *testing.T) {
	store := setupStore(t)
	src := addSource(t, store, "on", true)
	addEntry(t, store, db.CalendarEntry{SourceID: src.ID, Title: "bad", Start: "tomorrow", End: "later"})
	addEntry(t, store, db.CalendarEntry{SourceID: src.ID, Title: "backwards", Start: "2026-03-02T09:00:00Z", End: "2026-03-02T08:00:00Z"})
	addEntry(t, store, db.CalendarEntry{SourceID: src.ID, Title: "ok", Start: "2026-03-02T08:00:00Z", End: "2026-03-02T09:00:00Z"})

	snap, err := New(store, nil).Rebuild()
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	assert.Equal(t, 2, snap.Skipped)
}

func TestConcurrentRebuildsPublishInOrder(t *testing.T) {
	store := setupStore(t)
	addSource(t, store, "on", true)
	h := New(store, nil)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.Rebuild()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(10), h.Current().Generation)
}
