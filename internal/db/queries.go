package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sourceColumns = `id, name, color, remote_path, enabled, last_synced_at, sync_token,
	last_sync_status, last_sync_message, created_at, updated_at`

const enabledSourcesQuery = `SELECT ` + sourceColumns + ` FROM sources WHERE enabled = 1 ORDER BY name`

// CreateSource creates a new source.
func (db *DB) CreateSource(source *Source) error {
	if source.ID == "" {
		source.ID = uuid.New().String()
	}
	source.CreatedAt = time.Now().UTC()
	source.UpdatedAt = source.CreatedAt
	source.LastSyncStatus = SyncStatusPending

	query := `INSERT INTO sources (id, name, color, remote_path, enabled, last_sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query,
		source.ID, source.Name, source.Color, source.RemotePath, source.Enabled,
		source.LastSyncStatus, source.CreatedAt, source.UpdatedAt,
	)
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%w: source %s", ErrDuplicate, source.RemotePath)
	}
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}

	return nil
}

// GetSourceByID returns a source by its ID.
func (db *DB) GetSourceByID(id string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE id = ?`
	return scanSource(db.conn.QueryRow(query, id))
}

// GetSourceByRemotePath returns the source mirroring the given remote calendar.
func (db *DB) GetSourceByRemotePath(remotePath string) (*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources WHERE remote_path = ?`
	return scanSource(db.conn.QueryRow(query, remotePath))
}

// GetSources returns all sources ordered by name.
func (db *DB) GetSources() ([]*Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM sources ORDER BY name`
	return querySources(db.conn, query)
}

// GetEnabledSources returns all enabled sources.
func (db *DB) GetEnabledSources() ([]*Source, error) {
	return querySources(db.conn, enabledSourcesQuery)
}

// GetEnabledView returns the enabled sources and their entries read in one
// transaction, so both sides reflect the same committed state.
func (db *DB) GetEnabledView() ([]*Source, []*CalendarEntry, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // read-only

	sources, err := querySources(tx, enabledSourcesQuery)
	if err != nil {
		return nil, nil, err
	}

	entries, err := queryEntries(tx, `SELECT `+entryColumns+` FROM calendar_entries
		WHERE source_id IN (SELECT id FROM sources WHERE enabled = 1) ORDER BY start_at`)
	if err != nil {
		return nil, nil, err
	}

	return sources, entries, nil
}

func querySources(q querier, query string, args ...any) ([]*Source, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sources: %w", err)
	}
	defer rows.Close()

	var sources []*Source
	for rows.Next() {
		source, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, source)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}

	return sources, nil
}

// UpdateSource updates the user-editable fields of a source.
func (db *DB) UpdateSource(source *Source) error {
	source.UpdatedAt = time.Now().UTC()

	query := `UPDATE sources SET name = ?, color = ?, enabled = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, source.Name, source.Color, source.Enabled, source.UpdatedAt, source.ID)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}

	return requireAffected(result)
}

// SetSourceEnabled toggles whether a source participates in sync and the snapshot.
// Disabling never touches the source's entries.
func (db *DB) SetSourceEnabled(id string, enabled bool) error {
	query := `UPDATE sources SET enabled = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, enabled, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set source enabled: %w", err)
	}

	return requireAffected(result)
}

// UpdateSourceSyncStatus records the outcome of the latest pull for a source.
// It does not move last_synced_at; see ApplySourceChanges.
func (db *DB) UpdateSourceSyncStatus(id string, status SyncStatus, message string) error {
	query := `UPDATE sources SET last_sync_status = ?, last_sync_message = ?, updated_at = ? WHERE id = ?`

	result, err := db.conn.Exec(query, status, message, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update source sync status: %w", err)
	}

	return requireAffected(result)
}

// DeleteSource deletes a source and, by cascade, its local entries.
func (db *DB) DeleteSource(id string) error {
	result, err := db.conn.Exec(`DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}

	return requireAffected(result)
}

// CreateSyncLog creates a new sync log entry.
func (db *DB) CreateSyncLog(log *SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}
	log.CreatedAt = time.Now().UTC()

	query := `INSERT INTO sync_logs (id, status, message, details, duration_ms, added, updated, removed, pushed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.Exec(query, log.ID, log.Status, log.Message, log.Details, log.Duration.Milliseconds(),
		log.Added, log.Updated, log.Removed, log.Pushed, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

// GetSyncLogs returns the most recent sync logs.
func (db *DB) GetSyncLogs(limit int) ([]*SyncLog, error) {
	query := `SELECT id, status, message, details, duration_ms, added, updated, removed, pushed, created_at
		FROM sync_logs ORDER BY created_at DESC LIMIT ?`

	rows, err := db.conn.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync logs: %w", err)
	}
	defer rows.Close()

	var logs []*SyncLog
	for rows.Next() {
		log := &SyncLog{}
		var message, details sql.NullString
		var durationMs int64
		err := rows.Scan(&log.ID, &log.Status, &message, &details, &durationMs,
			&log.Added, &log.Updated, &log.Removed, &log.Pushed, &log.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync log: %w", err)
		}
		log.Message = message.String
		log.Details = details.String
		log.Duration = time.Duration(durationMs) * time.Millisecond
		logs = append(logs, log)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync logs: %w", err)
	}

	return logs, nil
}

// CleanOldSyncLogs deletes sync logs older than the given time.
func (db *DB) CleanOldSyncLogs(olderThan time.Time) (int64, error) {
	result, err := db.conn.Exec(`DELETE FROM sync_logs WHERE created_at < ?`, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to clean old sync logs: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return affected, nil
}

// SaveMalformedEntry records a remote object that could not be decoded.
func (db *DB) SaveMalformedEntry(sourceID, remoteID, errorMessage string) error {
	query := `INSERT INTO malformed_entries (id, source_id, remote_id, error_message, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(source_id, remote_id) DO UPDATE SET error_message = excluded.error_message, discovered_at = excluded.discovered_at`

	_, err := db.conn.Exec(query, uuid.New().String(), sourceID, remoteID, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save malformed entry: %w", err)
	}

	return nil
}

// GetMalformedEntries returns all recorded malformed remote objects.
func (db *DB) GetMalformedEntries() ([]*MalformedEntry, error) {
	query := `SELECT m.id, m.source_id, s.name, m.remote_id, m.error_message, m.discovered_at
		FROM malformed_entries m JOIN sources s ON s.id = m.source_id
		ORDER BY m.discovered_at DESC`

	rows, err := db.conn.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query malformed entries: %w", err)
	}
	defer rows.Close()

	var entries []*MalformedEntry
	for rows.Next() {
		m := &MalformedEntry{}
		if err := rows.Scan(&m.ID, &m.SourceID, &m.SourceName, &m.RemoteID, &m.ErrorMessage, &m.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("failed to scan malformed entry: %w", err)
		}
		entries = append(entries, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating malformed entries: %w", err)
	}

	return entries, nil
}

// ClearMalformedEntries forgets malformed objects of a source once they
// decode or disappear. It returns how many records were removed.
func (db *DB) ClearMalformedEntries(sourceID string, remoteIDs []string) (int64, error) {
	if len(remoteIDs) == 0 {
		return 0, nil
	}

	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var cleared int64
	for _, remoteID := range remoteIDs {
		result, err := tx.Exec(`DELETE FROM malformed_entries WHERE source_id = ? AND remote_id = ?`, sourceID, remoteID)
		if err != nil {
			return 0, fmt.Errorf("failed to clear malformed entry: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		cleared += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit malformed cleanup: %w", err)
	}

	return cleared, nil
}

type scanner interface {
	Scan(dest ...any) error
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// scanSource scans a single row into a Source struct.
func scanSource(row scanner) (*Source, error) {
	source := &Source{}
	var lastSyncedAt sql.NullTime
	var syncToken, lastSyncMessage sql.NullString

	err := row.Scan(
		&source.ID, &source.Name, &source.Color, &source.RemotePath, &source.Enabled,
		&lastSyncedAt, &syncToken, &source.LastSyncStatus, &lastSyncMessage,
		&source.CreatedAt, &source.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time.UTC()
		source.LastSyncedAt = &t
	}
	source.SyncToken = syncToken.String
	source.LastSyncMessage = lastSyncMessage.String

	return source, nil
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
