// Package hydrate builds the read-only calendar snapshot served to the
// presentation layer and republishes it atomically.
package hydrate

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/logging"
)

// Entry is a stored entry with its boundaries parsed.
type Entry struct {
	db.CalendarEntry
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Snapshot is an immutable view of the enabled sources and their entries,
// ordered by start time. Callers must not modify it.
type Snapshot struct {
	Entries    []Entry      `json:"entries"`
	Sources    []*db.Source `json:"sources"`
	Skipped    int          `json:"skipped"` // Entries with unparseable timestamps
	BuiltAt    time.Time    `json:"built_at"`
	Generation uint64       `json:"generation"`
}

// Hydrator rebuilds snapshots from the store.
type Hydrator struct {
	store  *db.DB
	logger *slog.Logger

	mu      sync.Mutex // serializes rebuilds so generations publish in order
	current atomic.Pointer[Snapshot]
}

// New creates a hydrator holding an empty snapshot.
func New(store *db.DB, logger *slog.Logger) *Hydrator {
	h := &Hydrator{
		store:  store,
		logger: logging.OrDefault(logger).With("component", "hydrate"),
	}
	h.current.Store(&Snapshot{BuiltAt: time.Now()})
	return h
}

// Current returns the latest published snapshot.
func (h *Hydrator) Current() *Snapshot {
	return h.current.Load()
}

// Rebuild reads the store and replaces the published snapshot. On error the
// previous snapshot stays published. Rebuild publishes whatever is committed;
// callers that must not expose a reconciliation midway go through the
// scheduler's Refresh.
func (h *Hydrator) Rebuild() (*Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sources, entries, err := h.store.GetEnabledView()
	if err != nil {
		return nil, fmt.Errorf("failed to load store view: %w", err)
	}

	snap := &Snapshot{
		Entries:    make([]Entry, 0, len(entries)),
		Sources:    sources,
		BuiltAt:    time.Now(),
		Generation: h.current.Load().Generation + 1,
	}

	for _, e := range entries {
		parsed, err := normalize(e)
		if err != nil {
			snap.Skipped++
			h.logger.Warn("skipping entry with invalid time", "entry", e.ID, "error", err)
			continue
		}
		snap.Entries = append(snap.Entries, parsed)
	}

	sort.SliceStable(snap.Entries, func(i, j int) bool {
		if !snap.Entries[i].StartTime.Equal(snap.Entries[j].StartTime) {
			return snap.Entries[i].StartTime.Before(snap.Entries[j].StartTime)
		}
		return snap.Entries[i].ID < snap.Entries[j].ID
	})

	h.current.Store(snap)
	h.logger.Debug("snapshot rebuilt", "generation", snap.Generation, "entries", len(snap.Entries))

	return snap, nil
}

// normalize parses an entry's textual boundaries. All-day dates become
// midnight UTC; timed values keep their instant in UTC.
func normalize(e *db.CalendarEntry) (Entry, error) {
	layout := time.RFC3339
	if e.AllDay {
		layout = db.DateLayout
	}

	start, err := time.Parse(layout, e.Start)
	if err != nil {
		return Entry{}, fmt.Errorf("start: %w", err)
	}
	end, err := time.Parse(layout, e.End)
	if err != nil {
		return Entry{}, fmt.Errorf("end: %w", err)
	}
	if end.Before(start) {
		return Entry{}, fmt.Errorf("end %s before start %s", e.End, e.Start)
	}

	return Entry{CalendarEntry: *e, StartTime: start.UTC(), EndTime: end.UTC()}, nil
}
