package reconcile

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/macjediwizard/calmirror/internal/db"
)

// ErrSyncFailed is returned by Outcome.Err for attempts classified as error.
var ErrSyncFailed = errors.New("sync failed")

// Outcome is the immutable result of one reconciliation attempt.
type Outcome struct {
	Added      int       `json:"added"`
	Updated    int       `json:"updated"`
	Removed    int       `json:"removed"`
	Pushed     int       `json:"pushed"`
	Deferred   int       `json:"deferred"`  // Pushes that failed and stay queued
	Malformed  int       `json:"malformed"` // Remote objects that could not be decoded
	Errors     []string  `json:"errors,omitempty"`
	Skipped    bool      `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// State classifies the outcome. An attempt is an error only when it has
// errors and applied nothing.
func (o *Outcome) State() db.SyncStatus {
	switch {
	case o.Skipped:
		return db.SyncStatusSkipped
	case len(o.Errors) == 0:
		return db.SyncStatusSuccess
	case o.Added+o.Updated+o.Removed == 0:
		return db.SyncStatusError
	default:
		return db.SyncStatusPartial
	}
}

// Err returns a non-nil error only for the error state.
func (o *Outcome) Err() error {
	if o.State() != db.SyncStatusError {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSyncFailed, strings.Join(o.Errors, "; "))
}

// Duration is the wall time of the attempt.
func (o *Outcome) Duration() time.Duration {
	return o.FinishedAt.Sub(o.StartedAt)
}

// Message summarizes the outcome for logs and status.
func (o *Outcome) Message() string {
	switch o.State() {
	case db.SyncStatusSkipped:
		return "Skipped: not authenticated"
	case db.SyncStatusError:
		return fmt.Sprintf("Sync failed with %d errors", len(o.Errors))
	}

	msg := fmt.Sprintf("%d added, %d updated, %d removed, %d pushed", o.Added, o.Updated, o.Removed, o.Pushed)
	if len(o.Errors) > 0 {
		msg += fmt.Sprintf(" (%d errors)", len(o.Errors))
	}
	return msg
}
