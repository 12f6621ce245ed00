package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const entryColumns = `id, source_id, remote_id, uid, etag, title, description, start_at, end_at,
	location, all_day, recurrence, color, originated_remotely, updated_at`

// GetEntries returns every stored entry across all sources.
func (db *DB) GetEntries() ([]*CalendarEntry, error) {
	return queryEntries(db.conn, `SELECT ` + entryColumns + ` FROM calendar_entries ORDER BY start_at`)
}

// GetEntriesBySource returns the entries belonging to one source.
func (db *DB) GetEntriesBySource(sourceID string) ([]*CalendarEntry, error) {
	return queryEntries(db.conn, `SELECT `+entryColumns+` FROM calendar_entries WHERE source_id = ? ORDER BY start_at`, sourceID)
}

// GetEntryByID returns an entry by its local ID.
func (db *DB) GetEntryByID(id string) (*CalendarEntry, error) {
	row := db.conn.QueryRow(`SELECT `+entryColumns+` FROM calendar_entries WHERE id = ?`, id)
	return scanEntry(row)
}

// GetEntryByRemoteID returns the entry linked to a remote object.
func (db *DB) GetEntryByRemoteID(sourceID, remoteID string) (*CalendarEntry, error) {
	row := db.conn.QueryRow(`SELECT `+entryColumns+` FROM calendar_entries WHERE source_id = ? AND remote_id = ?`,
		sourceID, remoteID)
	return scanEntry(row)
}

// PutEntry inserts an entry or replaces the stored record with the same ID.
func (db *DB) PutEntry(entry *CalendarEntry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	entry.UpdatedAt = time.Now().UTC()

	if err := putEntry(db.conn, entry); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: remote id %s already linked", ErrDuplicate, entry.RemoteID)
		}
		return fmt.Errorf("failed to put entry: %w", err)
	}

	return nil
}

// LinkEntry stores the remote identity returned by a successful create on
// the same local record.
func (db *DB) LinkEntry(id, remoteID, etag string) error {
	query := `UPDATE calendar_entries SET remote_id = ?, etag = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, nullString(remoteID), nullString(etag), time.Now().UTC(), id)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: remote id %s already linked", ErrDuplicate, remoteID)
	}
	if err != nil {
		return fmt.Errorf("failed to link entry: %w", err)
	}

	return requireAffected(result)
}

// SetEntryETag records the version tag returned by a successful update.
func (db *DB) SetEntryETag(id, etag string) error {
	_, err := db.conn.Exec(`UPDATE calendar_entries SET etag = ? WHERE id = ?`, nullString(etag), id)
	if err != nil {
		return fmt.Errorf("failed to set entry etag: %w", err)
	}
	return nil
}

// DeleteEntry deletes an entry by its local ID.
func (db *DB) DeleteEntry(id string) error {
	result, err := db.conn.Exec(`DELETE FROM calendar_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}

	return requireAffected(result)
}

// ApplySourceChanges merges one pull for a source in a single transaction.
// Each put replaces the entry linked to the same remote id wholesale, or is
// inserted as a remotely originated entry. Deletes are by remote id.
// last_synced_at only ever moves forward and is stored with the sync token.
func (db *DB) ApplySourceChanges(sourceID string, puts []*CalendarEntry, deletes []string, syncedAt time.Time, syncToken string) (*ApplyResult, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var lastSyncedAt sql.NullTime
	err = tx.QueryRow(`SELECT last_synced_at FROM sources WHERE id = ?`, sourceID).Scan(&lastSyncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source: %w", err)
	}

	result := &ApplyResult{}
	now := time.Now().UTC()

	for _, put := range puts {
		if put.RemoteID == "" {
			return nil, fmt.Errorf("%w: remote entry without remote id", ErrInvalidEntry)
		}
		put.SourceID = sourceID
		if err := validateEntry(put); err != nil {
			return nil, err
		}

		var existingID string
		var originated bool
		err := tx.QueryRow(`SELECT id, originated_remotely FROM calendar_entries WHERE source_id = ? AND remote_id = ?`,
			sourceID, put.RemoteID).Scan(&existingID, &originated)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			put.ID = uuid.New().String()
			put.OriginatedRemotely = true
			result.Added++
		case err != nil:
			return nil, fmt.Errorf("failed to look up entry: %w", err)
		default:
			put.ID = existingID
			put.OriginatedRemotely = originated
			result.Updated++
		}

		put.UpdatedAt = now
		if err := putEntry(tx, put); err != nil {
			return nil, fmt.Errorf("failed to apply entry: %w", err)
		}
	}

	for _, remoteID := range deletes {
		res, err := tx.Exec(`DELETE FROM calendar_entries WHERE source_id = ? AND remote_id = ?`, sourceID, remoteID)
		if err != nil {
			return nil, fmt.Errorf("failed to remove entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to get rows affected: %w", err)
		}
		result.Removed += int(affected)
	}

	synced := syncedAt.UTC()
	if lastSyncedAt.Valid && lastSyncedAt.Time.After(synced) {
		synced = lastSyncedAt.Time.UTC()
	}

	_, err = tx.Exec(`UPDATE sources SET last_synced_at = ?, sync_token = ?, last_sync_status = ?, last_sync_message = '', updated_at = ? WHERE id = ?`,
		synced, nullString(syncToken), SyncStatusSuccess, now, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to advance last synced time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit source changes: %w", err)
	}

	return result, nil
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putEntry(conn execer, entry *CalendarEntry) error {
	query := `INSERT INTO calendar_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id, remote_id = excluded.remote_id, uid = excluded.uid, etag = excluded.etag,
			title = excluded.title, description = excluded.description,
			start_at = excluded.start_at, end_at = excluded.end_at, location = excluded.location,
			all_day = excluded.all_day, recurrence = excluded.recurrence, color = excluded.color,
			originated_remotely = excluded.originated_remotely, updated_at = excluded.updated_at`

	_, err := conn.Exec(query,
		entry.ID, entry.SourceID, nullString(entry.RemoteID), entry.UID, nullString(entry.ETag),
		entry.Title, entry.Description, entry.Start, entry.End, entry.Location,
		entry.AllDay, entry.Recurrence, entry.Color, entry.OriginatedRemotely, entry.UpdatedAt,
	)
	return err
}

func validateEntry(entry *CalendarEntry) error {
	if entry.SourceID == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEntry)
	}
	if entry.Start == "" || entry.End == "" {
		return fmt.Errorf("%w: missing start or end", ErrInvalidEntry)
	}
	return nil
}

func queryEntries(q querier, query string, args ...any) ([]*CalendarEntry, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*CalendarEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}

	return entries, nil
}

func scanEntry(row scanner) (*CalendarEntry, error) {
	entry := &CalendarEntry{}
	var remoteID, etag sql.NullString

	err := row.Scan(
		&entry.ID, &entry.SourceID, &remoteID, &entry.UID, &etag, &entry.Title, &entry.Description,
		&entry.Start, &entry.End, &entry.Location, &entry.AllDay, &entry.Recurrence,
		&entry.Color, &entry.OriginatedRemotely, &entry.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan entry: %w", err)
	}

	entry.RemoteID = remoteID.String
	entry.ETag = etag.String

	return entry, nil
}
