// Package reconcile merges remote calendar changes into the local store and
// pushes local edits to the remote provider.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/macjediwizard/calmirror/internal/auth"
	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/gateway"
	"github.com/macjediwizard/calmirror/internal/logging"
	"golang.org/x/sync/errgroup"
)

// Config tunes an Engine.
type Config struct {
	Concurrency int           // Sources pulled in parallel
	MaxAttempts int           // Push attempts before an outbox op is marked failed
	RetryBase   time.Duration // First push retry delay, doubled per attempt
	RetryMax    time.Duration
}

// DefaultConfig returns the standard retry schedule: 60s doubling up to 1h,
// five attempts.
func DefaultConfig() Config {
	return Config{
		Concurrency: 4,
		MaxAttempts: 5,
		RetryBase:   time.Minute,
		RetryMax:    time.Hour,
	}
}

// Engine runs reconciliation attempts and outward pushes. Pushes and pulls
// for the same source are serialized by a per-source lock.
type Engine struct {
	store  *db.DB
	gw     gateway.Gateway
	authn  auth.Authenticator
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an engine.
func New(store *db.DB, gw gateway.Gateway, authn auth.Authenticator, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	return &Engine{
		store:  store,
		gw:     gw,
		authn:  authn,
		cfg:    cfg,
		logger: logging.OrDefault(logger).With("component", "reconcile"),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

// Authenticated reports the current authentication state.
func (e *Engine) Authenticated(ctx context.Context) bool {
	return e.authn.IsAuthenticated(ctx)
}

// sourceLock returns the mutex for a source, creating one if needed.
func (e *Engine) sourceLock(sourceID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	if lock, exists := e.locks[sourceID]; exists {
		return lock
	}

	lock := &sync.Mutex{}
	e.locks[sourceID] = lock
	return lock
}

// Reconcile runs one attempt: queued pushes first, then a pull of every
// enabled source. Per-source failures are collected, never fatal.
func (e *Engine) Reconcile(ctx context.Context) *Outcome {
	out := &Outcome{StartedAt: e.now()}

	if !e.authn.IsAuthenticated(ctx) {
		out.Skipped = true
		out.FinishedAt = e.now()
		e.logger.Debug("sync skipped, not authenticated")
		return out
	}

	e.drainOutbox(ctx, out)

	sources, err := e.store.GetEnabledSources()
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("failed to load sources: %v", err))
		return e.finish(out)
	}

	var mu sync.Mutex
	g := &errgroup.Group{}
	g.SetLimit(e.cfg.Concurrency)

	for _, src := range sources {
		g.Go(func() error {
			res, malformed, err := e.pullSource(ctx, src)

			mu.Lock()
			defer mu.Unlock()

			out.Malformed += malformed
			if err != nil {
				out.Errors = append(out.Errors, fmt.Sprintf("%s: %v", src.Name, err))
				return nil
			}
			out.Added += res.Added
			out.Updated += res.Updated
			out.Removed += res.Removed
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers record errors in the outcome

	return e.finish(out)
}

func (e *Engine) finish(out *Outcome) *Outcome {
	out.FinishedAt = e.now()

	syncLog := &db.SyncLog{
		Status:   out.State(),
		Message:  out.Message(),
		Added:    out.Added,
		Updated:  out.Updated,
		Removed:  out.Removed,
		Pushed:   out.Pushed,
		Duration: out.Duration(),
	}
	if len(out.Errors) > 0 {
		syncLog.Details = "Errors: " + strings.Join(out.Errors, "; ")
	}
	if err := e.store.CreateSyncLog(syncLog); err != nil {
		e.logger.Error("failed to create sync log", "error", err)
	}

	e.logger.Info("sync finished",
		"state", out.State(),
		"added", out.Added,
		"updated", out.Updated,
		"removed", out.Removed,
		"pushed", out.Pushed,
		"errors", len(out.Errors),
		"duration", out.Duration())

	return out
}

// pullSource fetches and applies one source's changes under its lock.
// lastSyncedAt advances to the time the fetch began, and only on success.
func (e *Engine) pullSource(ctx context.Context, src *db.Source) (*db.ApplyResult, int, error) {
	lock := e.sourceLock(src.ID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock so the cursor reflects any pull that just finished.
	current, err := e.store.GetSourceByID(src.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load source: %w", err)
	}

	began := e.now()
	cs, err := e.gw.ListChangedSince(ctx, current, current.LastSyncedAt)
	if err != nil {
		e.recordSourceError(current, err)
		return nil, 0, err
	}

	for _, m := range cs.Malformed {
		if err := e.store.SaveMalformedEntry(current.ID, m.RemoteID, m.Reason); err != nil {
			e.logger.Error("failed to record malformed entry", "source", current.ID, "error", err)
		}
	}

	// An unpushed local write wins over the remote copy until it is pushed.
	pending, err := e.store.PendingOutboxRemoteIDs(current.ID)
	if err != nil {
		e.recordSourceError(current, err)
		return nil, len(cs.Malformed), err
	}

	var puts []*db.CalendarEntry
	var deletes []string
	for _, re := range cs.Entries {
		if pending[re.RemoteID] {
			e.logger.Debug("keeping pending local write", "source", current.ID, "remote_id", re.RemoteID)
			continue
		}
		if re.Deleted {
			deletes = append(deletes, re.RemoteID)
			continue
		}
		entry := re.CalendarEntry
		puts = append(puts, &entry)
	}

	if cs.Listed != nil {
		vanished, err := e.vanished(current.ID, cs.Listed, pending)
		if err != nil {
			e.recordSourceError(current, err)
			return nil, len(cs.Malformed), err
		}
		deletes = append(deletes, vanished...)
	}

	res, err := e.store.ApplySourceChanges(current.ID, puts, deletes, began, cs.SyncToken)
	if err != nil {
		e.recordSourceError(current, err)
		return nil, len(cs.Malformed), fmt.Errorf("failed to apply changes: %w", err)
	}

	// Anything listed in decodable form, or deleted, is no longer malformed.
	seen := make([]string, 0, len(cs.Entries))
	for _, re := range cs.Entries {
		seen = append(seen, re.RemoteID)
	}
	if n, err := e.store.ClearMalformedEntries(current.ID, seen); err != nil {
		e.logger.Error("failed to clear malformed entries", "source", current.ID, "error", err)
	} else if n > 0 {
		e.logger.Info("malformed entries resolved", "source", current.ID, "count", n)
	}

	e.logger.Debug("source pulled", "source", current.ID,
		"added", res.Added, "updated", res.Updated, "removed", res.Removed)

	return res, len(cs.Malformed), nil
}

// vanished returns remote ids of linked local entries that a complete
// listing no longer contains. Entries with pending pushes are kept.
func (e *Engine) vanished(sourceID string, listed []string, pending map[string]bool) ([]string, error) {
	local, err := e.store.GetEntriesBySource(sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load local entries: %w", err)
	}

	present := make(map[string]bool, len(listed))
	for _, id := range listed {
		present[id] = true
	}

	var gone []string
	for _, entry := range local {
		if !entry.Linked() || present[entry.RemoteID] || pending[entry.RemoteID] {
			continue
		}
		gone = append(gone, entry.RemoteID)
	}
	return gone, nil
}

func (e *Engine) recordSourceError(src *db.Source, err error) {
	e.logger.Warn("source sync failed", "source", src.ID, "error", err)
	if uerr := e.store.UpdateSourceSyncStatus(src.ID, db.SyncStatusError, err.Error()); uerr != nil {
		e.logger.Error("failed to update sync status", "source", src.ID, "error", uerr)
	}
}

// RequeueOutbox makes every queued push due for the next attempt, including
// ops that exhausted their attempts or are waiting out a backoff.
func (e *Engine) RequeueOutbox() (int64, error) {
	return e.store.RequeueOutbox()
}

// PruneLogs removes sync logs older than retention.
func (e *Engine) PruneLogs(retention time.Duration) (int64, error) {
	return e.store.CleanOldSyncLogs(e.now().Add(-retention))
}

// retryDelay is RetryBase·2^attempts, capped at RetryMax.
func (e *Engine) retryDelay(attempts int) time.Duration {
	delay := min(e.cfg.RetryBase, e.cfg.RetryMax)
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= e.cfg.RetryMax {
			return e.cfg.RetryMax
		}
	}
	return delay
}
