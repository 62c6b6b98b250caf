// Package sync provides the network-aware synchronization orchestrator.
//
// The engine reacts to connectivity transitions, explicit sync requests, and
// the periodic schedule. A drain processes one user's queued actions in FIFO
// order against the remote API; per-user drains are single-flight, so a sync
// requested while one is active joins the in-flight result instead of running
// twice.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/offline/internal/cache"
	"github.com/nexlearn/offline/internal/db"
	engerrors "github.com/nexlearn/offline/internal/errors"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/progress"
	"github.com/nexlearn/offline/internal/queue"
	"github.com/nexlearn/offline/internal/sync/conflict"
	"github.com/nexlearn/offline/internal/uuid"
)

// Status is the per-user orchestrator state.
type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
)

// Event types broadcast to observers.
const (
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
	EventOnlineChanged        = "connectivity.changed"
)

// Event is a status notification for the rendering layer.
type Event struct {
	Type      string                 `json:"type"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp int64                  `json:"timestamp"`
}

// SyncResult summarizes one drain.
type SyncResult struct {
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Conflicts int           `json:"conflicts"`
	Errors    []string      `json:"errors,omitempty"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// drain is one in-flight pass; joiners wait on done and share the result.
type drain struct {
	done   chan struct{}
	result *SyncResult
	err    error
}

// Engine composes the queue, cache, progress tracker, API client, and
// conflict resolver behind the operations the UI layer consumes.
type Engine struct {
	repo     *db.Repository
	queue    *queue.Queue
	cache    *cache.Cache
	tracker  *progress.Tracker
	client   *Client
	resolver *conflict.Resolver

	refreshTTL time.Duration

	mu       sync.Mutex
	online   bool
	drains   map[string]*drain
	lastSync map[string]time.Time
	users    map[string]struct{}
	eventFns []func(Event)
}

// Options configures the engine.
type Options struct {
	// RefreshTTL is the TTL applied to cache entries written back from
	// confirmed server state.
	RefreshTTL time.Duration
}

// NewEngine creates the orchestrator.
func NewEngine(repo *db.Repository, q *queue.Queue, c *cache.Cache, t *progress.Tracker, client *Client, opts Options) *Engine {
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = time.Hour
	}
	return &Engine{
		repo:       repo,
		queue:      q,
		cache:      c,
		tracker:    t,
		client:     client,
		resolver:   conflict.NewResolver(),
		refreshTTL: opts.RefreshTTL,
		drains:     make(map[string]*drain),
		lastSync:   make(map[string]time.Time),
		users:      make(map[string]struct{}),
	}
}

// OnEvent registers an observer for status events.
func (e *Engine) OnEvent(fn func(Event)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.eventFns = append(e.eventFns, fn)
}

func (e *Engine) emit(eventType, userID string, data map[string]interface{}) {
	e.mu.Lock()
	fns := make([]func(Event), len(e.eventFns))
	copy(fns, e.eventFns)
	e.mu.Unlock()

	ev := Event{Type: eventType, UserID: userID, Data: data, Timestamp: time.Now().Unix()}
	for _, fn := range fns {
		fn(ev)
	}
}

// RegisterUser opens a user session: stranded syncing actions from a previous
// process are released and the user becomes eligible for connectivity and
// scheduled drains.
func (e *Engine) RegisterUser(userID string) {
	e.queue.Recover(userID)
	e.mu.Lock()
	e.users[userID] = struct{}{}
	e.mu.Unlock()
}

// CloseUser tears the session down on logout: cached reference data is
// dropped; queued actions stay for the next session.
func (e *Engine) CloseUser(userID string) {
	e.mu.Lock()
	delete(e.users, userID)
	e.mu.Unlock()
	e.cache.Invalidate(userID)
}

// Online reports current connectivity as last signaled.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline feeds the platform connectivity signal. Regaining connectivity
// starts a drain for every registered user with pending work.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	was := e.online
	e.online = online
	e.mu.Unlock()

	e.emit(EventOnlineChanged, "", map[string]interface{}{"online": online})

	if online && !was {
		e.SyncPending()
	}
}

// SyncPending starts a drain for every registered user that still has queued
// work. No-op while offline. Used by the connectivity signal and the
// periodic schedule.
func (e *Engine) SyncPending() {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return
	}
	users := make([]string, 0, len(e.users))
	for userID := range e.users {
		users = append(users, userID)
	}
	e.mu.Unlock()

	for _, userID := range users {
		if e.queue.PendingCount(userID) == 0 {
			continue
		}
		go func(uid string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := e.SyncNow(ctx, uid); err != nil {
				logging.Warn("background sync failed",
					zap.String("user_id", uid), zap.Error(err))
			}
		}(userID)
	}
}

// Status returns idle or active for the user.
func (e *Engine) Status(userID string) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.drains[userID]; ok {
		return StatusActive
	}
	return StatusIdle
}

// LastSync returns the end time of the user's last successful drain.
func (e *Engine) LastSync(userID string) *time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ts, ok := e.lastSync[userID]; ok {
		return &ts
	}
	return nil
}

// PendingCount returns how many actions still await sync for the user.
func (e *Engine) PendingCount(userID string) int {
	return e.queue.PendingCount(userID)
}

// SyncNow drains the user's queue. A call made while a drain is active for
// the same user joins that drain and returns its result.
func (e *Engine) SyncNow(ctx context.Context, userID string) (*SyncResult, error) {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return nil, engerrors.New(engerrors.ErrSyncOffline, "device is offline")
	}
	if d, ok := e.drains[userID]; ok {
		e.mu.Unlock()
		select {
		case <-d.done:
			return d.result, d.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d := &drain{done: make(chan struct{})}
	e.drains[userID] = d
	e.users[userID] = struct{}{}
	e.mu.Unlock()

	result, err := e.drainQueue(ctx, userID)

	e.mu.Lock()
	d.result = result
	d.err = err
	delete(e.drains, userID)
	if err == nil {
		e.lastSync[userID] = result.EndTime
	}
	e.mu.Unlock()
	close(d.done)

	return result, err
}

// drainQueue processes the user's eligible actions in FIFO order. A failing
// action is skipped for the rest of the pass; the drain moves on to the next
// one rather than stalling the queue.
func (e *Engine) drainQueue(ctx context.Context, userID string) (*SyncResult, error) {
	result := &SyncResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	e.emit(EventSyncStarted, userID, map[string]interface{}{
		"pending": e.queue.PendingCount(userID),
	})

	for {
		select {
		case <-ctx.Done():
			// The batch stops; the in-flight action was already settled, and
			// everything still pending waits for the next drain.
			e.emit(EventSyncFailed, userID, map[string]interface{}{"error": ctx.Err().Error()})
			return result, ctx.Err()
		default:
		}

		action := e.queue.DequeueNext(userID)
		if action == nil {
			break
		}

		resp, err := e.client.Do(ctx, action)
		switch {
		case err == nil:
			e.applyConfirmed(userID, action, resp)
			if merr := e.queue.MarkCompleted(action.ID); merr != nil {
				logging.Warn("failed to finalize action", zap.Error(merr))
			}
			result.Synced++
			e.emit(EventSyncProgress, userID, map[string]interface{}{
				"action_id": action.ID.String(),
				"type":      string(action.Type),
				"synced":    result.Synced,
			})

		case isConflict(err):
			var cerr *ConflictError
			errors.As(err, &cerr)
			e.fileConflict(userID, action, cerr)
			result.Conflicts++
			result.Errors = append(result.Errors, cerr.Error())

		case isRejected(err):
			if _, merr := e.queue.MarkFailed(action.ID, err, true); merr != nil {
				logging.Warn("failed to mark action rejected", zap.Error(merr))
			}
			result.Failed++
			result.Errors = append(result.Errors, err.Error())

		default:
			// Transient: charge a retry; backoff keeps it out of this pass.
			if _, merr := e.queue.MarkFailed(action.ID, err, false); merr != nil {
				logging.Warn("failed to mark action failed", zap.Error(merr))
			}
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if e.queue.PendingCount(userID) == 0 {
		e.tracker.MarkAllSynced(userID)
	}

	e.emit(EventSyncCompleted, userID, map[string]interface{}{
		"synced":    result.Synced,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})

	logging.Info("sync pass finished",
		zap.String("user_id", userID),
		zap.Int("synced", result.Synced),
		zap.Int("failed", result.Failed),
		zap.Int("conflicts", result.Conflicts),
		zap.Duration("duration", time.Since(result.StartTime)))

	return result, nil
}

// applyConfirmed folds the server's confirmed response back into local state:
// quiz grades land in the progress record, and the response document
// refreshes the essential data cache.
func (e *Engine) applyConfirmed(userID string, action *models.SyncAction, resp *models.APIResponse) {
	switch action.Type {
	case models.ActionQuizSubmission:
		var p models.QuizSubmissionPayload
		if err := json.Unmarshal(action.Payload, &p); err == nil {
			var grade models.QuizGrade
			if err := json.Unmarshal(resp.Data, &grade); err == nil {
				e.tracker.RecordQuizResult(userID, p.CourseID, p.QuizID, grade, p.TimeSpent)
			}
		}
	case models.ActionEnrollment:
		e.cache.Invalidate(userID, models.CacheKeyEnrollments)
	case models.ActionProfileEdit:
		if len(resp.Data) > 0 {
			e.cache.Put(userID, models.CacheKeyProfile, json.RawMessage(resp.Data), e.refreshTTL)
		}
	}

	if len(resp.Data) > 0 {
		if key := recordKey(action); key != "" {
			e.cache.Put(userID, key, json.RawMessage(resp.Data), e.refreshTTL)
		}
	}
}

// recordKey derives the cache key of the logical record an action mutates.
func recordKey(action *models.SyncAction) string {
	switch action.Type {
	case models.ActionEnrollment:
		var p models.EnrollmentPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			return "enrollment/" + p.CourseID
		}
	case models.ActionQuizSubmission:
		var p models.QuizSubmissionPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			return "quiz/" + p.CourseID + "/" + p.QuizID
		}
	case models.ActionVideoProgress:
		var p models.VideoProgressPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			return "progress/" + p.CourseID + "/" + p.LessonID
		}
	case models.ActionCourseCompletion:
		var p models.CourseCompletionPayload
		if json.Unmarshal(action.Payload, &p) == nil {
			return "completion/" + p.CourseID
		}
	case models.ActionProfileEdit:
		return models.CacheKeyProfile
	}
	return ""
}

// fileConflict records the divergence and parks the action until the caller
// resolves it explicitly.
func (e *Engine) fileConflict(userID string, action *models.SyncAction, cerr *ConflictError) {
	key := cerr.Body.RecordKey
	if key == "" {
		key = recordKey(action)
	}
	record := &models.ConflictRecord{
		UserID:      userID,
		ActionID:    action.ID,
		RecordKey:   key,
		ActionType:  action.Type,
		LocalValue:  action.Payload,
		RemoteValue: cerr.Body.Remote,
	}
	if err := e.repo.CreateConflict(record); err != nil {
		logging.Error("failed to file conflict", zap.Error(err))
	}
	if _, err := e.queue.MarkFailed(action.ID, cerr, true); err != nil {
		logging.Warn("failed to park conflicted action", zap.Error(err))
	}

	logging.Warn("sync conflict detected",
		zap.String("user_id", userID),
		zap.String("action_id", action.ID.String()),
		zap.String("record_key", key))

	e.emit(EventSyncConflictDetected, userID, map[string]interface{}{
		"conflict_id": record.ID.String(),
		"action_id":   action.ID.String(),
		"record_key":  key,
	})
}

// Conflicts returns the user's unresolved conflicts, oldest first.
func (e *Engine) Conflicts(userID string) ([]*models.ConflictRecord, error) {
	records, err := e.repo.ListUnresolvedConflicts(userID)
	if err != nil {
		return nil, engerrors.Wrap(engerrors.ErrStorage, "failed to list conflicts", err)
	}
	return records, nil
}

// ResolveConflict settles one conflict with the given strategy. client_wins
// and merge put the (possibly merged) payload back on the queue under the
// original action; server_wins and merge refresh the cache. When online, a
// resubmission immediately triggers a drain.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) error {
	if err := uuid.Validate(conflictID); err != nil {
		return engerrors.Wrap(engerrors.ErrInvalid, "conflict id", err)
	}
	record, err := e.repo.GetConflict(conflictID)
	if err != nil {
		return engerrors.Wrap(engerrors.ErrConflictNotFound,
			fmt.Sprintf("conflict %s", conflictID), err)
	}

	outcome, err := e.resolver.Resolve(record, strategy)
	if err != nil {
		return err
	}

	if outcome.Refresh && record.RecordKey != "" {
		e.cache.Put(record.UserID, record.RecordKey, json.RawMessage(outcome.Remote), e.refreshTTL)
	}

	if outcome.Resubmit {
		if err := e.queue.Requeue(record.ActionID, outcome.Payload); err != nil {
			return err
		}
	} else {
		// The local mutation is discarded along with its queue entry.
		if err := e.queue.Evict(record.ActionID); err != nil && !engerrors.Is(err, engerrors.ErrActionNotFound) {
			logging.Warn("failed to drop resolved action", zap.Error(err))
		}
	}

	if err := e.repo.MarkConflictResolved(conflictID, strategy); err != nil {
		return engerrors.Wrap(engerrors.ErrStorage, "failed to stamp resolution", err)
	}

	if outcome.Resubmit && e.Online() {
		go func() {
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if _, err := e.SyncNow(drainCtx, record.UserID); err != nil {
				logging.Warn("post-resolution sync failed",
					zap.String("user_id", record.UserID), zap.Error(err))
			}
		}()
	}
	return nil
}

// RetryFailed resets the user's terminal failed actions for another run.
func (e *Engine) RetryFailed(userID string) int {
	return e.queue.RetryFailed(userID)
}

func isConflict(err error) bool {
	var cerr *ConflictError
	return errors.As(err, &cerr)
}

func isRejected(err error) bool {
	var rerr *RejectedError
	return errors.As(err, &rerr)
}
