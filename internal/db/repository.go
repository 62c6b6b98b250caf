// Package db provides CRUD repository operations for the offline engine.
package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/uuid"
)

// Repository provides CRUD operations for all models.
// Frequently used queries go through a prepared statement cache to avoid
// repeated SQL parsing overhead.
type Repository struct {
	db *sql.DB

	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
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

// =====================================================
// SyncAction Operations
// =====================================================

const actionColumns = `id, user_id, type, payload, seq, status, retry_count,
	max_retries, next_retry_at, last_error, created_at, updated_at`

func scanAction(row interface{ Scan(...interface{}) error }) (*models.SyncAction, error) {
	var a models.SyncAction
	var payload string
	err := row.Scan(&a.ID, &a.UserID, &a.Type, &payload, &a.Seq, &a.Status,
		&a.RetryCount, &a.MaxRetries, &a.NextRetryAt, &a.LastError,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.Payload = json.RawMessage(payload)
	return &a, nil
}

// CreateAction persists a new queued action, assigning its id and a
// monotonically increasing sequence number.
func (r *Repository) CreateAction(a *models.SyncAction) error {
	now := time.Now().Unix()
	if a.ID == "" {
		a.ID = models.UUID(uuid.New())
	}
	a.CreatedAt = now
	a.UpdatedAt = now

	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := tx.QueryRow("SELECT COALESCE(MAX(seq), 0) + 1 FROM sync_actions").Scan(&a.Seq); err != nil {
		return err
	}

	_, err = tx.Exec(`
	INSERT INTO sync_actions (`+actionColumns+`)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Type, string(a.Payload), a.Seq, a.Status,
		a.RetryCount, a.MaxRetries, a.NextRetryAt, a.LastError,
		a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// GetAction retrieves an action by id.
func (r *Repository) GetAction(id string) (*models.SyncAction, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + actionColumns + ` FROM sync_actions WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanAction(stmt.QueryRow(id))
}

// UpdateAction persists the mutable fields of an action.
func (r *Repository) UpdateAction(a *models.SyncAction) error {
	a.UpdatedAt = time.Now().Unix()
	stmt, err := r.PrepareStmt(`
	UPDATE sync_actions
	SET status = ?, retry_count = ?, next_retry_at = ?, last_error = ?, updated_at = ?
	WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(a.Status, a.RetryCount, a.NextRetryAt, a.LastError, a.UpdatedAt, a.ID)
	return err
}

// UpdateActionPayload replaces an action's payload, keeping its sequence.
func (r *Repository) UpdateActionPayload(id string, payload json.RawMessage) error {
	stmt, err := r.PrepareStmt(`UPDATE sync_actions SET payload = ?, updated_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(string(payload), time.Now().Unix(), id)
	return err
}

// NextPendingAction returns the oldest eligible pending action for the user,
// or sql.ErrNoRows when none is due.
func (r *Repository) NextPendingAction(userID string, now int64) (*models.SyncAction, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + actionColumns + ` FROM sync_actions
	WHERE user_id = ? AND status = 'pending' AND next_retry_at <= ?
	ORDER BY seq ASC LIMIT 1`)
	if err != nil {
		return nil, err
	}
	return scanAction(stmt.QueryRow(userID, now))
}

// ListActions returns all actions for a user in sequence order.
func (r *Repository) ListActions(userID string) ([]*models.SyncAction, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + actionColumns + ` FROM sync_actions
	WHERE user_id = ? ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*models.SyncAction
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CountActionsByStatus counts a user's actions in the given status.
func (r *Repository) CountActionsByStatus(userID string, status models.ActionStatus) (int, error) {
	stmt, err := r.PrepareStmt(`SELECT COUNT(*) FROM sync_actions WHERE user_id = ? AND status = ?`)
	if err != nil {
		return 0, err
	}
	var n int
	err = stmt.QueryRow(userID, status).Scan(&n)
	return n, err
}

// DeleteAction removes an action permanently.
func (r *Repository) DeleteAction(id string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM sync_actions WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(id)
	return err
}

// ReleaseSyncingActions resets syncing actions back to pending. Used on
// startup and shutdown so a crash mid-drain never strands an action.
func (r *Repository) ReleaseSyncingActions(userID string) error {
	_, err := r.db.Exec(`
	UPDATE sync_actions SET status = 'pending', updated_at = ?
	WHERE user_id = ? AND status = 'syncing'`, time.Now().Unix(), userID)
	return err
}

// =====================================================
// CacheEntry Operations
// =====================================================

// PutCacheEntry inserts or replaces a cache entry.
func (r *Repository) PutCacheEntry(e *models.CacheEntry) error {
	stmt, err := r.PrepareStmt(`
	INSERT INTO cache_entries (user_id, key, data, timestamp, expiry)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, key) DO UPDATE SET
		data = excluded.data, timestamp = excluded.timestamp, expiry = excluded.expiry`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(e.UserID, e.Key, string(e.Data), e.Timestamp, e.Expiry)
	return err
}

// GetCacheEntry retrieves a cache entry, expired or not.
func (r *Repository) GetCacheEntry(userID, key string) (*models.CacheEntry, error) {
	stmt, err := r.PrepareStmt(`
	SELECT user_id, key, data, timestamp, expiry FROM cache_entries
	WHERE user_id = ? AND key = ?`)
	if err != nil {
		return nil, err
	}
	var e models.CacheEntry
	var data string
	err = stmt.QueryRow(userID, key).Scan(&e.UserID, &e.Key, &data, &e.Timestamp, &e.Expiry)
	if err != nil {
		return nil, err
	}
	e.Data = json.RawMessage(data)
	return &e, nil
}

// DeleteCacheEntry removes one cache entry.
func (r *Repository) DeleteCacheEntry(userID, key string) error {
	stmt, err := r.PrepareStmt(`DELETE FROM cache_entries WHERE user_id = ? AND key = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(userID, key)
	return err
}

// DeleteCacheEntries removes all cache entries for a user (logout / clear).
func (r *Repository) DeleteCacheEntries(userID string) error {
	_, err := r.db.Exec(`DELETE FROM cache_entries WHERE user_id = ?`, userID)
	return err
}

// =====================================================
// ProgressRecord Operations
// =====================================================

// UpsertProgress stores the progress record as a JSON document.
func (r *Repository) UpsertProgress(rec *models.ProgressRecord) error {
	rec.Touch()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	pending := 0
	if rec.PendingChanges {
		pending = 1
	}
	stmt, err := r.PrepareStmt(`
	INSERT INTO progress_records (user_id, course_id, data, pending_changes, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id, course_id) DO UPDATE SET
		data = excluded.data, pending_changes = excluded.pending_changes,
		updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(rec.UserID, rec.CourseID, string(data), pending, rec.UpdatedAt)
	return err
}

// GetProgress retrieves a user's progress record for one course.
func (r *Repository) GetProgress(userID, courseID string) (*models.ProgressRecord, error) {
	stmt, err := r.PrepareStmt(`
	SELECT data FROM progress_records WHERE user_id = ? AND course_id = ?`)
	if err != nil {
		return nil, err
	}
	var data string
	if err := stmt.QueryRow(userID, courseID).Scan(&data); err != nil {
		return nil, err
	}
	var rec models.ProgressRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal progress record: %w", err)
	}
	return &rec, nil
}

// ListProgress returns all progress records for a user.
func (r *Repository) ListProgress(userID string) ([]*models.ProgressRecord, error) {
	rows, err := r.db.Query(`
	SELECT data FROM progress_records WHERE user_id = ? ORDER BY course_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ProgressRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec models.ProgressRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal progress record: %w", err)
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// =====================================================
// ConflictRecord Operations
// =====================================================

// CreateConflict files a new conflict record.
func (r *Repository) CreateConflict(c *models.ConflictRecord) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}
	stmt, err := r.PrepareStmt(`
	INSERT INTO conflict_log (id, user_id, action_id, record_key, action_type,
		local_value, remote_value, resolution, detected_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(c.ID, c.UserID, c.ActionID, c.RecordKey, c.ActionType,
		string(c.LocalValue), string(c.RemoteValue), c.Resolution, c.DetectedAt, c.ResolvedAt)
	return err
}

func scanConflict(row interface{ Scan(...interface{}) error }) (*models.ConflictRecord, error) {
	var c models.ConflictRecord
	var local, remote string
	err := row.Scan(&c.ID, &c.UserID, &c.ActionID, &c.RecordKey, &c.ActionType,
		&local, &remote, &c.Resolution, &c.DetectedAt, &c.ResolvedAt)
	if err != nil {
		return nil, err
	}
	c.LocalValue = json.RawMessage(local)
	c.RemoteValue = json.RawMessage(remote)
	return &c, nil
}

const conflictColumns = `id, user_id, action_id, record_key, action_type,
	local_value, remote_value, resolution, detected_at, resolved_at`

// GetConflict retrieves a conflict record by id.
func (r *Repository) GetConflict(id string) (*models.ConflictRecord, error) {
	stmt, err := r.PrepareStmt(`SELECT ` + conflictColumns + ` FROM conflict_log WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanConflict(stmt.QueryRow(id))
}

// ListUnresolvedConflicts returns a user's open conflicts, oldest first.
func (r *Repository) ListUnresolvedConflicts(userID string) ([]*models.ConflictRecord, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + conflictColumns + ` FROM conflict_log
	WHERE user_id = ? AND resolved_at = 0 ORDER BY detected_at ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conflicts []*models.ConflictRecord
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, c)
	}
	return conflicts, rows.Err()
}

// MarkConflictResolved stamps the resolution on a conflict record.
func (r *Repository) MarkConflictResolved(id string, strategy models.ResolutionStrategy) error {
	stmt, err := r.PrepareStmt(`
	UPDATE conflict_log SET resolution = ?, resolved_at = ? WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(strategy, time.Now().Unix(), id)
	return err
}
