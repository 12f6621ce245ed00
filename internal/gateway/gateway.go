// Package gateway talks to the authoritative remote calendar provider.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrNotFound         = errors.New("resource not found")
	ErrRateLimited      = errors.New("rate limited by provider")
	ErrMalformedContent = errors.New("malformed calendar content")
	ErrInvalidResponse  = errors.New("invalid server response")
	ErrTimeout          = errors.New("remote call timed out")
)

//go:generate mockgen -source=gateway.go -destination=mock_gateway.go -package=gateway

// Gateway is the remote calendar provider as seen by the reconciliation routine.
// Entries are exchanged as full records; the provider never receives patches.
type Gateway interface {
	// ListChangedSince returns entries changed after since, or every entry
	// when since is nil. Deletions are reported with Deleted set.
	ListChangedSince(ctx context.Context, src *db.Source, since *time.Time) (*ChangeSet, error)
	// Create stores a new remote entry and returns its remote id and version tag.
	Create(ctx context.Context, src *db.Source, entry *db.CalendarEntry) (remoteID, etag string, err error)
	// Update replaces the remote entry wholesale.
	Update(ctx context.Context, src *db.Source, remoteID string, entry *db.CalendarEntry) (etag string, err error)
	// Delete removes the remote entry. A missing entry yields ErrNotFound.
	Delete(ctx context.Context, src *db.Source, remoteID string) error
	// ListCalendars discovers the calendars available to the account.
	ListCalendars(ctx context.Context) ([]Calendar, error)
}

// Calendar is a remote calendar that can be mirrored as a source.
type Calendar struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Color       string `json:"color"`
}

// RemoteEntry is one changed remote object.
type RemoteEntry struct {
	db.CalendarEntry
	Deleted bool
}

// Malformed describes a remote object that could not be translated.
type Malformed struct {
	RemoteID string
	Reason   string
}

// ChangeSet is the result of one listing.
type ChangeSet struct {
	Entries   []RemoteEntry
	Malformed []Malformed
	// SyncToken is an opaque provider cursor to store alongside lastSyncedAt.
	SyncToken string
	// Listed is non-nil when the listing covered every live object, holding
	// their remote ids. Local entries missing from it were removed remotely.
	Listed []string
}

// Puts returns the live entries of the change set.
func (cs *ChangeSet) Puts() []*db.CalendarEntry {
	puts := make([]*db.CalendarEntry, 0, len(cs.Entries))
	for i := range cs.Entries {
		if !cs.Entries[i].Deleted {
			entry := cs.Entries[i].CalendarEntry
			puts = append(puts, &entry)
		}
	}
	return puts
}

// Deletes returns the remote ids reported as deleted or cancelled.
func (cs *ChangeSet) Deletes() []string {
	var ids []string
	for _, e := range cs.Entries {
		if e.Deleted {
			ids = append(ids, e.RemoteID)
		}
	}
	return ids
}

// IsRetryable reports whether a failed call may succeed later without user action.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrAuthFailed)
}
