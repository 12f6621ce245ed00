package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const outboxColumns = `id, entry_id, source_id, remote_id, kind, attempts, next_attempt_at,
	status, last_error, created_at, updated_at`

// EnqueueOutbox records a pending push for an entry, coalescing with any
// operation already queued for the same entry:
//   - a create followed by an update stays a create;
//   - a create followed by a delete was never pushed, so both are dropped;
//   - anything followed by a delete becomes a delete of the known remote id.
//
// Coalescing resets the retry schedule. It returns the stored operation, or
// nil when nothing remains to push.
func (db *DB) EnqueueOutbox(op *OutboxOp) (*OutboxOp, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	now := time.Now().UTC()

	existing, err := scanOutbox(tx.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE entry_id = ?`, op.EntryID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	var result *OutboxOp

	switch {
	case existing == nil:
		if op.Kind == OutboxDelete && op.RemoteID == "" {
			break
		}
		result = &OutboxOp{
			ID:        uuid.New().String(),
			EntryID:   op.EntryID,
			SourceID:  op.SourceID,
			RemoteID:  op.RemoteID,
			Kind:      op.Kind,
			CreatedAt: now,
		}
	case existing.Kind == OutboxCreate && op.Kind == OutboxDelete:
		if _, err := tx.Exec(`DELETE FROM outbox WHERE id = ?`, existing.ID); err != nil {
			return nil, fmt.Errorf("failed to drop outbox operation: %w", err)
		}
	default:
		result = existing
		if existing.Kind != OutboxCreate || op.Kind == OutboxCreate {
			result.Kind = op.Kind
		}
		if op.RemoteID != "" {
			result.RemoteID = op.RemoteID
		}
		result.SourceID = op.SourceID
	}

	if result != nil {
		result.Attempts = 0
		result.Status = OutboxPending
		result.NextAttemptAt = now
		result.LastError = ""
		result.UpdatedAt = now

		query := `INSERT INTO outbox (` + outboxColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				source_id = excluded.source_id, remote_id = excluded.remote_id, kind = excluded.kind,
				attempts = excluded.attempts, next_attempt_at = excluded.next_attempt_at,
				status = excluded.status, last_error = excluded.last_error, updated_at = excluded.updated_at`

		_, err := tx.Exec(query, result.ID, result.EntryID, result.SourceID, nullString(result.RemoteID),
			result.Kind, result.Attempts, result.NextAttemptAt, result.Status, nullString(result.LastError),
			result.CreatedAt, result.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to enqueue outbox operation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox operation: %w", err)
	}

	return result, nil
}

// GetOutboxForEntry returns the queued operation for an entry.
func (db *DB) GetOutboxForEntry(entryID string) (*OutboxOp, error) {
	return scanOutbox(db.conn.QueryRow(`SELECT `+outboxColumns+` FROM outbox WHERE entry_id = ?`, entryID))
}

// GetDueOutbox returns pending operations whose next attempt is due, oldest first.
func (db *DB) GetDueOutbox(now time.Time) ([]*OutboxOp, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox
		WHERE status = ? AND next_attempt_at <= ? ORDER BY created_at`
	return db.queryOutbox(query, OutboxPending, now.UTC())
}

// GetFailedOutbox returns operations that exhausted their attempts.
func (db *DB) GetFailedOutbox() ([]*OutboxOp, error) {
	query := `SELECT ` + outboxColumns + ` FROM outbox WHERE status = ? ORDER BY created_at`
	return db.queryOutbox(query, OutboxFailed)
}

// CompleteOutbox removes an operation that reached the remote provider.
func (db *DB) CompleteOutbox(id string) error {
	_, err := db.conn.Exec(`DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to complete outbox operation: %w", err)
	}
	return nil
}

// FailOutbox records a failed attempt. Once attempts reach maxAttempts the
// operation is marked failed and no longer returned by GetDueOutbox.
func (db *DB) FailOutbox(id, lastError string, nextAttemptAt time.Time, maxAttempts int) error {
	query := `UPDATE outbox SET
		attempts = attempts + 1,
		status = CASE WHEN attempts + 1 >= ? THEN ? ELSE status END,
		next_attempt_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`

	result, err := db.conn.Exec(query, maxAttempts, OutboxFailed, nextAttemptAt.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to record outbox failure: %w", err)
	}

	return requireAffected(result)
}

// RequeueOutbox makes every queued operation due now. Failed operations
// return to pending with their attempts reset; pending operations waiting
// out a backoff keep their attempt count.
func (db *DB) RequeueOutbox() (int64, error) {
	now := time.Now().UTC()
	query := `UPDATE outbox SET
		attempts = CASE WHEN status = ? THEN 0 ELSE attempts END,
		status = ?, next_attempt_at = ?, updated_at = ?
		WHERE status = ? OR next_attempt_at > ?`

	result, err := db.conn.Exec(query, OutboxFailed, OutboxPending, now, now, OutboxFailed, now)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue outbox operations: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// PendingOutboxRemoteIDs returns the remote ids of a source that have an
// unpushed local write, whatever the operation's retry status.
func (db *DB) PendingOutboxRemoteIDs(sourceID string) (map[string]bool, error) {
	rows, err := db.conn.Query(`SELECT remote_id FROM outbox WHERE source_id = ? AND remote_id IS NOT NULL`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox remote ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan outbox remote id: %w", err)
		}
		ids[id] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox remote ids: %w", err)
	}

	return ids, nil
}

// CountOutbox returns the number of pending and failed operations.
func (db *DB) CountOutbox() (pending, failed int, err error) {
	query := `SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM outbox`

	if err := db.conn.QueryRow(query, OutboxPending, OutboxFailed).Scan(&pending, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count outbox: %w", err)
	}

	return pending, failed, nil
}

func (db *DB) queryOutbox(query string, args ...any) ([]*OutboxOp, error) {
	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var ops []*OutboxOp
	for rows.Next() {
		op, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox: %w", err)
	}

	return ops, nil
}

func scanOutbox(row scanner) (*OutboxOp, error) {
	op := &OutboxOp{}
	var remoteID, lastError sql.NullString

	err := row.Scan(&op.ID, &op.EntryID, &op.SourceID, &remoteID, &op.Kind, &op.Attempts,
		&op.NextAttemptAt, &op.Status, &lastError, &op.CreatedAt, &op.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan outbox operation: %w", err)
	}

	op.RemoteID = remoteID.String
	op.LastError = lastError.String

	return op, nil
}
