package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/macjediwizard/calmirror/internal/db"
	"github.com/macjediwizard/calmirror/internal/gateway"
)

// CreateEntry saves a new entry locally and pushes it. The entry is always
// kept locally; when the push cannot happen now it is queued. The returned
// entry carries the remote id if the push succeeded.
func (e *Engine) CreateEntry(ctx context.Context, entry *db.CalendarEntry) (*db.CalendarEntry, error) {
	src, err := e.store.GetSourceByID(entry.SourceID)
	if err != nil {
		return nil, err
	}

	lock := e.sourceLock(src.ID)
	lock.Lock()
	defer lock.Unlock()

	created := *entry
	created.ID = ""
	created.RemoteID = ""
	created.ETag = ""
	created.OriginatedRemotely = false
	if err := e.store.PutEntry(&created); err != nil {
		return nil, err
	}

	e.pushOrQueue(ctx, src, &created, db.OutboxCreate)
	return &created, nil
}

// UpdateEntry replaces an entry's content and pushes the full record.
// Identity fields are kept from the stored entry. A failed push never rolls
// back the local write.
func (e *Engine) UpdateEntry(ctx context.Context, entry *db.CalendarEntry) (*db.CalendarEntry, error) {
	existing, err := e.store.GetEntryByID(entry.ID)
	if err != nil {
		return nil, err
	}

	src, err := e.store.GetSourceByID(existing.SourceID)
	if err != nil {
		return nil, err
	}

	lock := e.sourceLock(src.ID)
	lock.Lock()
	defer lock.Unlock()

	replacement := *entry
	replacement.SourceID = existing.SourceID
	replacement.RemoteID = existing.RemoteID
	replacement.UID = existing.UID
	replacement.ETag = existing.ETag
	replacement.OriginatedRemotely = existing.OriginatedRemotely
	if err := e.store.PutEntry(&replacement); err != nil {
		return nil, err
	}

	e.pushOrQueue(ctx, src, &replacement, db.OutboxUpdate)
	return &replacement, nil
}

// DeleteEntry removes an entry locally and deletes its remote counterpart.
// The local delete is never restored when the remote delete fails.
func (e *Engine) DeleteEntry(ctx context.Context, id string) error {
	existing, err := e.store.GetEntryByID(id)
	if err != nil {
		return err
	}

	lock := e.sourceLock(existing.SourceID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.store.DeleteEntry(id); err != nil {
		return err
	}

	src, err := e.store.GetSourceByID(existing.SourceID)
	if err != nil {
		return err
	}

	e.pushOrQueue(ctx, src, existing, db.OutboxDelete)
	return nil
}

// pushOrQueue pushes immediately when nothing is queued for the entry and
// the session is authenticated; otherwise the op joins the outbox, where it
// coalesces with earlier ops. Callers hold the source lock.
func (e *Engine) pushOrQueue(ctx context.Context, src *db.Source, entry *db.CalendarEntry, kind db.OutboxKind) {
	queued, err := e.store.GetOutboxForEntry(entry.ID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		e.logger.Error("failed to read outbox", "entry", entry.ID, "error", err)
	}

	if queued == nil && kind == db.OutboxDelete && !entry.Linked() {
		return
	}

	if queued == nil && e.authn.IsAuthenticated(ctx) {
		err := e.push(ctx, src, entry, kind, entry.RemoteID)
		if err == nil {
			return
		}
		e.logger.Warn("push failed, queued for retry", "entry", entry.ID, "kind", kind, "error", err)
	}

	op, err := e.store.EnqueueOutbox(&db.OutboxOp{
		EntryID:  entry.ID,
		SourceID: src.ID,
		RemoteID: entry.RemoteID,
		Kind:     kind,
	})
	if err != nil {
		e.logger.Error("failed to queue push", "entry", entry.ID, "kind", kind, "error", err)
		return
	}
	if op != nil {
		e.logger.Debug("push queued", "entry", entry.ID, "kind", op.Kind)
	}
}

// push performs one remote mutation and records the resulting linkage.
func (e *Engine) push(ctx context.Context, src *db.Source, entry *db.CalendarEntry, kind db.OutboxKind, remoteID string) error {
	switch kind {
	case db.OutboxDelete:
		err := e.gw.Delete(ctx, src, remoteID)
		if err != nil && !errors.Is(err, gateway.ErrNotFound) {
			return err
		}
		return nil

	case db.OutboxUpdate:
		if entry.Linked() {
			etag, err := e.gw.Update(ctx, src, entry.RemoteID, entry)
			if errors.Is(err, gateway.ErrNotFound) {
				// Deleted remotely while the edit was pending; the remote deletion stands.
				e.logger.Info("remote entry gone, dropping local copy", "entry", entry.ID)
				if derr := e.store.DeleteEntry(entry.ID); derr != nil && !errors.Is(derr, db.ErrNotFound) {
					return derr
				}
				return nil
			}
			if err != nil {
				return err
			}
			return e.store.SetEntryETag(entry.ID, etag)
		}
		// Never pushed: the first push is a create.
		fallthrough

	case db.OutboxCreate:
		newRemoteID, etag, err := e.gw.Create(ctx, src, entry)
		if err != nil {
			return err
		}
		if err := e.store.LinkEntry(entry.ID, newRemoteID, etag); err != nil {
			return fmt.Errorf("failed to link entry: %w", err)
		}
		entry.RemoteID = newRemoteID
		entry.ETag = etag
		return nil
	}

	return fmt.Errorf("unknown outbox kind %q", kind)
}

// drainOutbox pushes every due op in queue order. Failures are rescheduled
// with exponential backoff and never abort the attempt.
func (e *Engine) drainOutbox(ctx context.Context, out *Outcome) {
	ops, err := e.store.GetDueOutbox(e.now())
	if err != nil {
		out.Errors = append(out.Errors, fmt.Sprintf("failed to read outbox: %v", err))
		return
	}

	for _, op := range ops {
		if ctx.Err() != nil {
			return
		}

		err := e.drainOne(ctx, op)
		if err == nil {
			out.Pushed++
			continue
		}

		out.Deferred++
		maxAttempts := e.cfg.MaxAttempts
		if permanent(err) {
			maxAttempts = op.Attempts + 1
		}
		next := e.now().Add(e.retryDelay(op.Attempts))
		if ferr := e.store.FailOutbox(op.ID, err.Error(), next, maxAttempts); ferr != nil {
			e.logger.Error("failed to reschedule push", "op", op.ID, "error", ferr)
		}
		e.logger.Warn("queued push failed", "op", op.ID, "kind", op.Kind, "attempt", op.Attempts+1, "error", err)
	}
}

func (e *Engine) drainOne(ctx context.Context, op *db.OutboxOp) error {
	src, err := e.store.GetSourceByID(op.SourceID)
	if errors.Is(err, db.ErrNotFound) {
		return e.store.CompleteOutbox(op.ID)
	}
	if err != nil {
		return err
	}

	lock := e.sourceLock(src.ID)
	lock.Lock()
	defer lock.Unlock()

	entry := &db.CalendarEntry{ID: op.EntryID, SourceID: op.SourceID, RemoteID: op.RemoteID}
	if op.Kind != db.OutboxDelete {
		entry, err = e.store.GetEntryByID(op.EntryID)
		if errors.Is(err, db.ErrNotFound) {
			// Deleted locally before it was pushed.
			return e.store.CompleteOutbox(op.ID)
		}
		if err != nil {
			return err
		}
	}

	if err := e.push(ctx, src, entry, op.Kind, op.RemoteID); err != nil {
		return err
	}
	return e.store.CompleteOutbox(op.ID)
}

// permanent reports errors that retrying the same request cannot fix.
func permanent(err error) bool {
	return errors.Is(err, gateway.ErrMalformedContent) ||
		errors.Is(err, gateway.ErrNotFound) ||
		errors.Is(err, gateway.ErrInvalidResponse)
}
