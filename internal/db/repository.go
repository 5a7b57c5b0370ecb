// Package db provides CRUD repository operations for GlucoTrack data models.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/diabetactic/glucotrack-core/internal/models"
	"github.com/diabetactic/glucotrack-core/internal/uuid"
)

// Repository provides persistence for readings and the mutation queue.
// Frequently used queries go through a prepared statement cache.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
// Key is the query string, value is the prepared statement.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
// Should be called when the Repository is no longer needed.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

const readingColumns = `id, remote_id, measured_at, tz_offset_sec, value, unit,
	   meal_context, notes, status, synced, is_local_only, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReading(row rowScanner) (*models.Reading, error) {
	var reading models.Reading
	err := row.Scan(
		&reading.ID, &reading.RemoteID, &reading.MeasuredAt, &reading.TZOffsetSec,
		&reading.Value, &reading.Unit, &reading.MealContext, &reading.Notes,
		&reading.Status, &reading.Synced, &reading.IsLocalOnly,
		&reading.CreatedAt, &reading.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &reading, nil
}

// =====================================================
// Reading Operations
// =====================================================

// CreateReading inserts a new reading. ID and timestamps are assigned here
// unless already set (import paths supply their own ids).
func (r *Repository) CreateReading(reading *models.Reading) error {
	now := time.Now().Unix()
	if reading.ID == "" {
		reading.ID = models.UUID(uuid.New())
	}
	if reading.CreatedAt == 0 {
		reading.CreatedAt = now
	}
	reading.UpdatedAt = now

	return r.execCreateReading(r.db, reading)
}

func (r *Repository) execCreateReading(ex execer, reading *models.Reading) error {
	query := `
	INSERT INTO readings (` + readingColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := ex.Exec(query, reading.ID, reading.RemoteID, reading.MeasuredAt,
		reading.TZOffsetSec, reading.Value, reading.Unit, reading.MealContext,
		reading.Notes, reading.Status, reading.Synced, reading.IsLocalOnly,
		reading.CreatedAt, reading.UpdatedAt)
	return err
}

// GetReading retrieves a reading by its local id.
func (r *Repository) GetReading(id string) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE id = ?`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanReading(stmt.QueryRow(id))
}

// GetReadingByRemoteID retrieves the reading holding the given backend id.
func (r *Repository) GetReadingByRemoteID(remoteID int64) (*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings WHERE remote_id = ? AND remote_id != 0`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	return scanReading(stmt.QueryRow(remoteID))
}

// ListReadings returns all readings ordered by measurement time descending.
func (r *Repository) ListReadings() ([]*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings ORDER BY measured_at DESC, id`
	return r.queryReadings(query)
}

// QueryReadingsByTimeRange returns readings measured within [start, end],
// ordered by measurement time descending.
func (r *Repository) QueryReadingsByTimeRange(start, end int64) ([]*models.Reading, error) {
	query := `SELECT ` + readingColumns + ` FROM readings
			  WHERE measured_at >= ? AND measured_at <= ?
			  ORDER BY measured_at DESC, id`
	return r.queryReadings(query, start, end)
}

func (r *Repository) queryReadings(query string, args ...interface{}) ([]*models.Reading, error) {
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []*models.Reading
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return readings, nil
}

// UpdateReading writes the mutable fields of a reading in a single statement,
// including the recomputed status and the synced flag.
func (r *Repository) UpdateReading(reading *models.Reading) error {
	reading.Touch()
	query := `
	UPDATE readings
	SET measured_at = ?, tz_offset_sec = ?, value = ?, unit = ?, meal_context = ?,
		notes = ?, status = ?, synced = ?, updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, reading.MeasuredAt, reading.TZOffsetSec,
		reading.Value, reading.Unit, reading.MealContext, reading.Notes,
		reading.Status, reading.Synced, reading.UpdatedAt, reading.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reading not found: %s", reading.ID)
	}
	return nil
}

// MarkReadingSynced flips the reading to the known-equal-to-remote state.
// A positive remoteID also stamps the backend id (create path); zero keeps
// the existing one (update/delete bookkeeping).
func (r *Repository) MarkReadingSynced(id string, remoteID int64) error {
	query := `
	UPDATE readings
	SET synced = 1, is_local_only = 0,
		remote_id = CASE WHEN ? > 0 THEN ? ELSE remote_id END,
		updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, remoteID, remoteID, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reading not found: %s", id)
	}
	return nil
}

// ApplyRemoteOverwrite writes server payload and sync state in a single
// statement so the row can never carry a new payload with stale flags.
func (r *Repository) ApplyRemoteOverwrite(reading *models.Reading) error {
	reading.Touch()
	query := `
	UPDATE readings
	SET measured_at = ?, tz_offset_sec = ?, value = ?, unit = ?, meal_context = ?,
		notes = ?, status = ?, synced = 1, is_local_only = 0,
		remote_id = CASE WHEN ? > 0 THEN ? ELSE remote_id END,
		updated_at = ?
	WHERE id = ?
	`
	result, err := r.db.Exec(query, reading.MeasuredAt, reading.TZOffsetSec,
		reading.Value, reading.Unit, reading.MealContext, reading.Notes,
		reading.Status, reading.RemoteID, reading.RemoteID, reading.UpdatedAt, reading.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reading not found: %s", reading.ID)
	}
	return nil
}

// DeleteReading removes a reading.
func (r *Repository) DeleteReading(id string) error {
	result, err := r.db.Exec(`DELETE FROM readings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("reading not found: %s", id)
	}
	return nil
}

// CountUnsynced returns the number of readings not known to match remote.
func (r *Repository) CountUnsynced() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM readings WHERE synced = 0`).Scan(&count)
	return count, err
}

// =====================================================
// Mutation Queue Operations
// =====================================================

// CreateMutation appends an entry to the tail of the mutation queue.
func (r *Repository) CreateMutation(entry *models.MutationEntry) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = time.Now().Unix()
	}
	return r.execCreateMutation(r.db, entry)
}

func (r *Repository) execCreateMutation(ex execer, entry *models.MutationEntry) error {
	query := `
	INSERT INTO mutation_queue (id, operation, reading_id, remote_id, payload, enqueued_at, retry_count, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	var payload interface{}
	if len(entry.Payload) > 0 {
		payload = string(entry.Payload)
	}
	_, err := ex.Exec(query, entry.ID, entry.Operation, entry.ReadingID,
		entry.RemoteID, payload, entry.EnqueuedAt, entry.RetryCount, entry.LastError)
	return err
}

// PendingMutations returns all queue entries in enqueue (FIFO) order.
// Iteration is non-destructive; entries stay queued until removed.
func (r *Repository) PendingMutations() ([]*models.MutationEntry, error) {
	query := `
	SELECT id, operation, reading_id, remote_id, payload, enqueued_at, retry_count, last_error
	FROM mutation_queue ORDER BY rowid
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.MutationEntry
	for rows.Next() {
		var entry models.MutationEntry
		var payload sql.NullString
		err := rows.Scan(&entry.ID, &entry.Operation, &entry.ReadingID,
			&entry.RemoteID, &payload, &entry.EnqueuedAt, &entry.RetryCount, &entry.LastError)
		if err != nil {
			return nil, err
		}
		if payload.Valid {
			entry.Payload = []byte(payload.String)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// RemoveMutation deletes a queue entry by id.
func (r *Repository) RemoveMutation(id string) error {
	result, err := r.db.Exec(`DELETE FROM mutation_queue WHERE id = ?`, id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("mutation entry not found: %s", id)
	}
	return nil
}

// MutationCount returns the number of queued entries.
func (r *Repository) MutationCount() (int, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM mutation_queue`).Scan(&count)
	return count, err
}

// =====================================================
// Atomic store+queue writes
// =====================================================

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// CreateReadingWithMutation inserts a reading and its queue entry in one
// transaction; a local write never leaves the store and queue disagreeing.
func (r *Repository) CreateReadingWithMutation(reading *models.Reading, entry *models.MutationEntry) error {
	now := time.Now().Unix()
	if reading.ID == "" {
		reading.ID = models.UUID(uuid.New())
	}
	if reading.CreatedAt == 0 {
		reading.CreatedAt = now
	}
	reading.UpdatedAt = now
	stampMutation(entry, now)
	if entry.ReadingID == "" {
		entry.ReadingID = reading.ID
	}

	return r.withTx(func(tx *sql.Tx) error {
		if err := r.execCreateReading(tx, reading); err != nil {
			return err
		}
		return r.execCreateMutation(tx, entry)
	})
}

// UpdateReadingWithMutation writes a reading's mutable fields and appends a
// queue entry in one transaction.
func (r *Repository) UpdateReadingWithMutation(reading *models.Reading, entry *models.MutationEntry) error {
	reading.Touch()
	stampMutation(entry, reading.UpdatedAt)

	return r.withTx(func(tx *sql.Tx) error {
		query := `
		UPDATE readings
		SET measured_at = ?, tz_offset_sec = ?, value = ?, unit = ?, meal_context = ?,
			notes = ?, status = ?, synced = ?, updated_at = ?
		WHERE id = ?
		`
		result, err := tx.Exec(query, reading.MeasuredAt, reading.TZOffsetSec,
			reading.Value, reading.Unit, reading.MealContext, reading.Notes,
			reading.Status, reading.Synced, reading.UpdatedAt, reading.ID)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("reading not found: %s", reading.ID)
		}
		return r.execCreateMutation(tx, entry)
	})
}

// DeleteReadingWithMutation removes a reading and, when entry is non-nil,
// appends the remote-delete intent in the same transaction. Never-synced
// readings pass a nil entry: there is nothing to delete remotely.
func (r *Repository) DeleteReadingWithMutation(id string, entry *models.MutationEntry) error {
	if entry == nil {
		return r.DeleteReading(id)
	}
	stampMutation(entry, time.Now().Unix())

	return r.withTx(func(tx *sql.Tx) error {
		result, err := tx.Exec(`DELETE FROM readings WHERE id = ?`, id)
		if err != nil {
			return err
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return fmt.Errorf("reading not found: %s", id)
		}
		return r.execCreateMutation(tx, entry)
	})
}

func stampMutation(entry *models.MutationEntry, now int64) {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = now
	}
}

func (r *Repository) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
