// Package gatewaytest provides an in-memory Gateway for tests.
package gatewaytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/gateway"
)

type object struct {
	entry    db.CalendarEntry
	modified time.Time
	deleted  bool
}

// Memory is a Gateway holding remote calendars in memory, keyed by the
// source's RemotePath. It counts calls and can inject failures or block
// listings.
type Memory struct {
	mu        sync.Mutex
	calendars map[string]map[string]*object
	malformed map[string][]gateway.Malformed
	seq       int

	listErrs map[string]error
	writeErr error
	complete bool
	gate     chan struct{}
	gates    map[string]chan struct{}
	started  chan string

	listCalls map[string]int
	creates   int
	updates   int
	deletes   int
}

// NewMemory returns an empty remote.
func NewMemory() *Memory {
	return &Memory{
		calendars: make(map[string]map[string]*object),
		malformed: make(map[string][]gateway.Malformed),
		listErrs:  make(map[string]error),
		gates:     make(map[string]chan struct{}),
		listCalls: make(map[string]int),
		started:   make(chan string, 64),
	}
}

// Put stores an entry remotely as if another client wrote it and returns
// its remote id. An entry with a RemoteID replaces that object.
func (m *Memory) Put(remotePath string, entry db.CalendarEntry) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.RemoteID == "" {
		m.seq++
		entry.RemoteID = fmt.Sprintf("%s/remote-%d.ics", remotePath, m.seq)
	}
	m.store(remotePath, entry)
	return entry.RemoteID
}

// Remove deletes an object remotely as if another client did.
func (m *Memory) Remove(remotePath, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if obj, ok := m.calendars[remotePath][remoteID]; ok {
		obj.deleted = true
		obj.modified = time.Now()
	}
}

// Forget drops an object without leaving a deletion for incremental
// listings to report, as a server does after its sync history expires.
func (m *Memory) Forget(remotePath, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calendars[remotePath], remoteID)
}

// ListComplete makes listings report every live object id in Listed.
func (m *Memory) ListComplete(complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete = complete
}

// AddMalformed makes the next listings of remotePath report an undecodable object.
func (m *Memory) AddMalformed(remotePath, remoteID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.malformed[remotePath] = append(m.malformed[remotePath], gateway.Malformed{RemoteID: remoteID, Reason: reason})
}

// Entry returns the live remote copy of an object.
func (m *Memory) Entry(remotePath, remoteID string) (db.CalendarEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.calendars[remotePath][remoteID]
	if !ok || obj.deleted {
		return db.CalendarEntry{}, false
	}
	return obj.entry, true
}

// Len counts live objects in a calendar.
func (m *Memory) Len(remotePath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, obj := range m.calendars[remotePath] {
		if !obj.deleted {
			n++
		}
	}
	return n
}

// FailList makes ListChangedSince fail for remotePath. A nil err clears it.
func (m *Memory) FailList(remotePath string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.listErrs, remotePath)
		return
	}
	m.listErrs[remotePath] = err
}

// FailWrites makes Create, Update and Delete fail. A nil err clears it.
func (m *Memory) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Block holds every ListChangedSince call until release is called.
func (m *Memory) Block() (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := make(chan struct{})
	m.gate = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.gate = nil
			m.mu.Unlock()
			close(gate)
		})
	}
}

// BlockPath holds ListChangedSince calls for one calendar until release is
// called. Other calendars list normally.
func (m *Memory) BlockPath(remotePath string) (release func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	gate := make(chan struct{})
	m.gates[remotePath] = gate

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.gates, remotePath)
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Started receives the RemotePath of each ListChangedSince call as it begins.
func (m *Memory) Started() <-chan string {
	return m.started
}

// ListCalls returns how often a calendar was listed.
func (m *Memory) ListCalls(remotePath string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listCalls[remotePath]
}

// Creates returns the number of successful creates.
func (m *Memory) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Updates returns the number of successful updates.
func (m *Memory) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// Deletes returns the number of successful deletes.
func (m *Memory) Deletes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deletes
}

func (m *Memory) store(remotePath string, entry db.CalendarEntry) {
	cal, ok := m.calendars[remotePath]
	if !ok {
		cal = make(map[string]*object)
		m.calendars[remotePath] = cal
	}
	entry.ID = ""
	entry.SourceID = ""
	entry.OriginatedRemotely = false
	m.seq++
	entry.ETag = fmt.Sprintf("etag-%d", m.seq)
	cal[entry.RemoteID] = &object{entry: entry, modified: time.Now()}

	// A decodable object replaces an undecodable one with the same id.
	kept := m.malformed[remotePath][:0]
	for _, bad := range m.malformed[remotePath] {
		if bad.RemoteID != entry.RemoteID {
			kept = append(kept, bad)
		}
	}
	m.malformed[remotePath] = kept
}

// ListChangedSince implements gateway.Gateway.
func (m *Memory) ListChangedSince(ctx context.Context, src *db.Source, since *time.Time) (*gateway.ChangeSet, error) {
	m.mu.Lock()
	m.listCalls[src.RemotePath]++
	gates := []chan struct{}{m.gate, m.gates[src.RemotePath]}
	m.mu.Unlock()

	select {
	case m.started <- src.RemotePath:
	default:
	}

	for _, gate := range gates {
		if gate == nil {
			continue
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.listErrs[src.RemotePath]; err != nil {
		return nil, err
	}

	cs := &gateway.ChangeSet{SyncToken: fmt.Sprintf("token-%d", m.seq)}
	for _, obj := range m.calendars[src.RemotePath] {
		if since != nil && obj.modified.Before(*since) {
			continue
		}
		if obj.deleted && since == nil {
			continue
		}
		cs.Entries = append(cs.Entries, gateway.RemoteEntry{CalendarEntry: obj.entry, Deleted: obj.deleted})
	}
	sort.Slice(cs.Entries, func(i, j int) bool { return cs.Entries[i].RemoteID < cs.Entries[j].RemoteID })
	cs.Malformed = append(cs.Malformed, m.malformed[src.RemotePath]...)

	if m.complete {
		cs.Listed = make([]string, 0, len(m.calendars[src.RemotePath]))
		for id, obj := range m.calendars[src.RemotePath] {
			if !obj.deleted {
				cs.Listed = append(cs.Listed, id)
			}
		}
		for _, bad := range cs.Malformed {
			cs.Listed = append(cs.Listed, bad.RemoteID)
		}
	}

	return cs, nil
}

// Create implements gateway.Gateway.
func (m *Memory) Create(_ context.Context, src *db.Source, entry *db.CalendarEntry) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return "", "", m.writeErr
	}

	m.seq++
	created := *entry
	created.RemoteID = fmt.Sprintf("%s/%s.ics", src.RemotePath, entry.ID)
	m.store(src.RemotePath, created)
	m.creates++

	obj := m.calendars[src.RemotePath][created.RemoteID]
	return created.RemoteID, obj.entry.ETag, nil
}

// Update implements gateway.Gateway.
func (m *Memory) Update(_ context.Context, src *db.Source, remoteID string, entry *db.CalendarEntry) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return "", m.writeErr
	}

	obj, ok := m.calendars[src.RemotePath][remoteID]
	if !ok || obj.deleted {
		return "", gateway.ErrNotFound
	}

	updated := *entry
	updated.RemoteID = remoteID
	m.store(src.RemotePath, updated)
	m.updates++

	return m.calendars[src.RemotePath][remoteID].entry.ETag, nil
}

// Delete implements gateway.Gateway.
func (m *Memory) Delete(_ context.Context, src *db.Source, remoteID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writeErr != nil {
		return m.writeErr
	}

	obj, ok := m.calendars[src.RemotePath][remoteID]
	if !ok || obj.deleted {
		return gateway.ErrNotFound
	}

	obj.deleted = true
	obj.modified = time.Now()
	m.deletes++
	return nil
}

// ListCalendars implements gateway.Gateway.
func (m *Memory) ListCalendars(context.Context) ([]gateway.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	calendars := make([]gateway.Calendar, 0, len(m.calendars))
	for path := range m.calendars {
		calendars = append(calendars, gateway.Calendar{Path: path, Name: path})
	}
	sort.Slice(calendars, func(i, j int) bool { return calendars[i].Path < calendars[j].Path })
	return calendars, nil
}

var _ gateway.Gateway = (*Memory)(nil)
