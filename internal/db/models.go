package db

import (
	"time"
)

// SyncStatus represents the status of a sync operation.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSkipped SyncStatus = "skipped"
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusPartial SyncStatus = "partial" // Completed with some per-source or push errors
	SyncStatusError   SyncStatus = "error"   // Errors and nothing applied
)

// OutboxKind is the remote mutation an outbox operation will perform.
type OutboxKind string

const (
	OutboxCreate OutboxKind = "create"
	OutboxUpdate OutboxKind = "update"
	OutboxDelete OutboxKind = "delete"
)

// OutboxStatus tracks whether an outbox operation is still retried automatically.
type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxFailed  OutboxStatus = "failed" // Attempts exhausted; requeued only by an explicit retry
)

// DateLayout is the stored form of all-day entry boundaries.
const DateLayout = "2006-01-02"

// Source represents a remote calendar mirrored locally.
type Source struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Color           string     `json:"color"`
	RemotePath      string     `json:"remote_path"` // CalDAV collection path or Google calendar id
	Enabled         bool       `json:"enabled"`
	LastSyncedAt    *time.Time `json:"last_synced_at"`
	SyncToken       string     `json:"-"`
	LastSyncStatus  SyncStatus `json:"last_sync_status"`
	LastSyncMessage string     `json:"last_sync_message"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// CalendarEntry is the locally owned copy of a calendar event.
// An entry with an empty RemoteID has not been pushed yet.
type CalendarEntry struct {
	ID                 string    `json:"id"`
	SourceID           string    `json:"source_id"`
	RemoteID           string    `json:"remote_id,omitempty"`
	UID                string    `json:"uid,omitempty"` // iCalendar UID; the local ID is used when empty
	ETag               string    `json:"-"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Start              string    `json:"start"` // RFC3339, or DateLayout when AllDay
	End                string    `json:"end"`
	Location           string    `json:"location"`
	AllDay             bool      `json:"all_day"`
	Recurrence         string    `json:"recurrence,omitempty"` // RRULE value without the "RRULE:" prefix
	Color              string    `json:"color,omitempty"`
	OriginatedRemotely bool      `json:"originated_remotely"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Linked reports whether the entry has a remote counterpart.
func (e *CalendarEntry) Linked() bool {
	return e.RemoteID != ""
}

// OutboxOp is a persisted outward push waiting to reach the remote provider.
type OutboxOp struct {
	ID            string       `json:"id"`
	EntryID       string       `json:"entry_id"`
	SourceID      string       `json:"source_id"`
	RemoteID      string       `json:"remote_id,omitempty"`
	Kind          OutboxKind   `json:"kind"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"next_attempt_at"`
	Status        OutboxStatus `json:"status"`
	LastError     string       `json:"last_error,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// ApplyResult counts the rows changed by ApplySourceChanges.
type ApplyResult struct {
	Added   int
	Updated int
	Removed int
}

// SyncLog represents a log entry for a sync attempt.
type SyncLog struct {
	ID        string        `json:"id"`
	Status    SyncStatus    `json:"status"`
	Message   string        `json:"message"`
	Details   string        `json:"details"`
	Added     int           `json:"added"`
	Updated   int           `json:"updated"`
	Removed   int           `json:"removed"`
	Pushed    int           `json:"pushed"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// MalformedEntry tracks remote objects that could not be decoded.
type MalformedEntry struct {
	ID           string    `json:"id"`
	SourceID     string    `json:"source_id"`
	SourceName   string    `json:"source_name"` // Populated via join
	RemoteID     string    `json:"remote_id"`
	ErrorMessage string    `json:"error_message"`
	DiscoveredAt time.Time `json:"discovered_at"`
}
