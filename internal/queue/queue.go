// Package queue provides the durable action queue for offline mutations.
//
// Every user-initiated mutation (enrollment, quiz submission, progress
// update, profile edit, course completion) is recorded here before any
// network traffic happens. Actions are drained per user in creation order;
// a crash mid-sync loses at most the in-flight network call, never the
// record of intent.
package queue

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/offline/internal/db"
	engerrors "github.com/nexlearn/offline/internal/errors"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/uuid"
)

// Options configures queue behavior.
type Options struct {
	// MaxRetries is the retry ceiling before an action goes terminal failed.
	MaxRetries int
	// GraceWindow delays eviction of completed actions so callers can still
	// observe the "just synced" state.
	GraceWindow time.Duration
	// BackoffBase and BackoffCap bound the exponential retry delay.
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// Capacity caps a user's unsynced actions; zero means unbounded.
	Capacity int
}

// DefaultOptions returns the queue defaults.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  3,
		GraceWindow: 30 * time.Second,
		BackoffBase: 2 * time.Second,
		BackoffCap:  5 * time.Minute,
	}
}

// Queue is the persisted action queue. All mutations are flushed to the
// durable store before the call returns; if the store is unavailable the
// queue degrades to a session-scoped in-memory overlay with a warning.
type Queue struct {
	repo *db.Repository
	opts Options

	mu        sync.Mutex
	overlay   map[string]*models.SyncAction // actions the store refused
	memSeq    int64
	evictions map[string]*time.Timer
}

// New creates a Queue over the given repository.
func New(repo *db.Repository, opts Options) *Queue {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultOptions().MaxRetries
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultOptions().BackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultOptions().BackoffCap
	}
	return &Queue{
		repo:      repo,
		opts:      opts,
		overlay:   make(map[string]*models.SyncAction),
		evictions: make(map[string]*time.Timer),
	}
}

// Enqueue records a mutation for later transmission. It never requires the
// network and only fails on invalid input; storage trouble degrades to the
// in-memory overlay instead of surfacing an error.
func (q *Queue) Enqueue(actionType models.ActionType, payload interface{}, userID string) (models.UUID, error) {
	if !actionType.Valid() {
		return "", engerrors.New(engerrors.ErrInvalid, fmt.Sprintf("unknown action type %q", actionType))
	}
	if userID == "" {
		return "", engerrors.New(engerrors.ErrInvalid, "user id is required")
	}
	if q.opts.Capacity > 0 && q.PendingCount(userID) >= q.opts.Capacity {
		return "", engerrors.New(engerrors.ErrQueueFull,
			fmt.Sprintf("queue capacity %d reached for user %s", q.opts.Capacity, userID))
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", engerrors.Wrap(engerrors.ErrInvalid, "payload not serializable", err)
	}

	action := &models.SyncAction{
		ID:         models.UUID(uuid.New()),
		UserID:     userID,
		Type:       actionType,
		Payload:    data,
		Status:     models.ActionStatusPending,
		MaxRetries: q.opts.MaxRetries,
	}

	if err := q.repo.CreateAction(action); err != nil {
		logging.Warn("enqueue: store unavailable, keeping action in memory",
			zap.String("action_id", action.ID.String()),
			zap.String("type", string(actionType)), zap.Error(err))
		q.mu.Lock()
		if q.memSeq == 0 {
			// Overlay sequences start past any plausible row sequence so
			// degraded actions drain after durably stored ones.
			q.memSeq = time.Now().UnixNano()
		}
		q.memSeq++
		now := time.Now().Unix()
		action.Seq = q.memSeq
		action.CreatedAt = now
		action.UpdatedAt = now
		q.overlay[action.ID.String()] = action
		q.mu.Unlock()
		return action.ID, nil
	}

	logging.Debug("enqueued action",
		zap.String("action_id", action.ID.String()),
		zap.String("type", string(actionType)),
		zap.String("user_id", userID))

	return action.ID, nil
}

// DequeueNext returns the oldest eligible pending action for the user and
// atomically marks it syncing. Returns nil when nothing is due.
func (q *Queue) DequeueNext(userID string) *models.SyncAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().Unix()

	action, err := q.repo.NextPendingAction(userID, now)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		logging.Warn("dequeue: store read failed", zap.Error(err))
	}

	// A degraded overlay action with a lower sequence would have been stored
	// first had the store been healthy, so prefer the stored one; overlay
	// entries only win when the store has nothing due.
	if action == nil {
		var best *models.SyncAction
		for _, a := range q.overlay {
			if a.UserID == userID && a.Eligible(now) {
				if best == nil || a.Seq < best.Seq {
					best = a
				}
			}
		}
		action = best
	}

	if action == nil {
		return nil
	}

	action.Status = models.ActionStatusSyncing
	q.persist(action)
	return action
}

// MarkCompleted sets the action completed and schedules its eviction after
// the grace window.
func (q *Queue) MarkCompleted(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.get(id)
	if err != nil {
		return err
	}

	action.Status = models.ActionStatusCompleted
	action.RetryCount = 0
	action.NextRetryAt = 0
	action.LastError = ""
	q.persist(action)

	logging.Info("action completed",
		zap.String("action_id", id.String()),
		zap.String("type", string(action.Type)))

	q.scheduleEviction(id)
	return nil
}

// MarkFailed records a failure. Terminal failures (validation or business
// rejections) go straight to failed; transient ones charge a retry and
// schedule the next attempt with exponential backoff, turning failed once the
// ceiling is reached. The updated action is returned so callers can inspect
// the resulting state.
func (q *Queue) MarkFailed(id models.UUID, cause error, terminal bool) (*models.SyncAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.get(id)
	if err != nil {
		return nil, err
	}

	if cause != nil {
		action.LastError = cause.Error()
	}

	if terminal {
		action.Status = models.ActionStatusFailed
		q.persist(action)
		logging.Warn("action rejected",
			zap.String("action_id", id.String()), zap.Error(cause))
		return action, nil
	}

	action.RetryCount++
	if action.RetryCount >= action.MaxRetries {
		action.Status = models.ActionStatusFailed
		q.persist(action)
		logging.Warn("action failed permanently",
			zap.String("action_id", id.String()),
			zap.Int("retries", action.RetryCount), zap.Error(cause))
		return action, nil
	}

	delay := backoff(action.RetryCount, q.opts.BackoffBase, q.opts.BackoffCap)
	action.NextRetryAt = time.Now().Add(delay).Unix()
	action.Status = models.ActionStatusPending
	q.persist(action)

	logging.Info("action will be retried",
		zap.String("action_id", id.String()),
		zap.Int("retry", action.RetryCount),
		zap.Int("max_retries", action.MaxRetries),
		zap.Duration("backoff", delay))

	return action, nil
}

// Release puts a syncing action back to pending without charging a retry.
// Used on shutdown so an interrupted drain is picked up cleanly later.
func (q *Queue) Release(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.get(id)
	if err != nil {
		return err
	}
	if action.Status != models.ActionStatusSyncing {
		return nil
	}
	action.Status = models.ActionStatusPending
	q.persist(action)
	return nil
}

// RetryFailed resets a user's terminal failed actions to pending for manual
// retry. Returns how many were reset.
func (q *Queue) RetryFailed(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, a := range q.snapshot(userID) {
		if a.Status != models.ActionStatusFailed {
			continue
		}
		a.Status = models.ActionStatusPending
		a.RetryCount = 0
		a.NextRetryAt = 0
		a.LastError = ""
		q.persist(a)
		count++
	}

	if count > 0 {
		logging.Info("reset failed actions for retry",
			zap.String("user_id", userID), zap.Int("count", count))
	}
	return count
}

// Requeue resets an existing action to pending with a fresh retry budget and
// an optional replacement payload. Used by conflict resolution to re-submit.
func (q *Queue) Requeue(id models.UUID, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.get(id)
	if err != nil {
		return err
	}
	if payload != nil {
		action.Payload = payload
		if _, ok := q.overlay[id.String()]; !ok {
			if err := q.repo.UpdateActionPayload(id.String(), payload); err != nil {
				logging.Warn("queue: failed to persist replacement payload",
					zap.String("action_id", id.String()), zap.Error(err))
			}
		}
	}
	action.Status = models.ActionStatusPending
	action.RetryCount = 0
	action.NextRetryAt = 0
	action.LastError = ""
	q.cancelEviction(id)
	q.persist(action)
	return nil
}

// Evict removes an action permanently.
func (q *Queue) Evict(id models.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.evict(id)
}

// Get returns a copy of the action.
func (q *Queue) Get(id models.UUID) (*models.SyncAction, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	a, err := q.get(id)
	if err != nil {
		return nil, err
	}
	cp := *a
	return &cp, nil
}

// PendingCount returns how many of the user's actions still await sync
// (pending or currently syncing).
func (q *Queue) PendingCount(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, a := range q.snapshot(userID) {
		if a.Status == models.ActionStatusPending || a.Status == models.ActionStatusSyncing {
			count++
		}
	}
	return count
}

// List returns all of the user's actions in sequence order.
func (q *Queue) List(userID string) []*models.SyncAction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snapshot(userID)
}

// Stats returns per-status counts for a user.
func (q *Queue) Stats(userID string) map[models.ActionStatus]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[models.ActionStatus]int)
	for _, a := range q.snapshot(userID) {
		stats[a.Status]++
	}
	return stats
}

// Recover releases any syncing actions left behind by a previous process.
// Call once on startup per known user.
func (q *Queue) Recover(userID string) {
	if err := q.repo.ReleaseSyncingActions(userID); err != nil {
		logging.Warn("queue recover failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// Stop cancels pending eviction timers.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, timer := range q.evictions {
		timer.Stop()
		delete(q.evictions, id)
	}
}

// ---- internals (q.mu held) ----

func (q *Queue) get(id models.UUID) (*models.SyncAction, error) {
	if a, ok := q.overlay[id.String()]; ok {
		return a, nil
	}
	a, err := q.repo.GetAction(id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engerrors.New(engerrors.ErrActionNotFound, fmt.Sprintf("action %s not found", id))
	}
	if err != nil {
		return nil, engerrors.Wrap(engerrors.ErrStorage, "failed to load action", err)
	}
	return a, nil
}

// snapshot merges stored and overlay actions for a user, sorted by sequence.
func (q *Queue) snapshot(userID string) []*models.SyncAction {
	actions, err := q.repo.ListActions(userID)
	if err != nil {
		logging.Warn("queue list: store read failed", zap.Error(err))
	}
	for _, a := range q.overlay {
		if a.UserID == userID {
			actions = append(actions, a)
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Seq < actions[j].Seq })
	return actions
}

func (q *Queue) persist(a *models.SyncAction) {
	if _, ok := q.overlay[a.ID.String()]; ok {
		a.UpdatedAt = time.Now().Unix()
		return
	}
	if err := q.repo.UpdateAction(a); err != nil {
		logging.Warn("queue: failed to persist action state",
			zap.String("action_id", a.ID.String()), zap.Error(err))
	}
}

func (q *Queue) evict(id models.UUID) error {
	q.cancelEviction(id)
	if _, ok := q.overlay[id.String()]; ok {
		delete(q.overlay, id.String())
		return nil
	}
	return q.repo.DeleteAction(id.String())
}

func (q *Queue) scheduleEviction(id models.UUID) {
	if q.opts.GraceWindow <= 0 {
		_ = q.evict(id)
		return
	}
	q.cancelEviction(id)
	q.evictions[id.String()] = time.AfterFunc(q.opts.GraceWindow, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		delete(q.evictions, id.String())
		if err := q.evict(id); err != nil {
			logging.Warn("queue: eviction failed", zap.String("action_id", id.String()), zap.Error(err))
		}
	})
}

func (q *Queue) cancelEviction(id models.UUID) {
	if timer, ok := q.evictions[id.String()]; ok {
		timer.Stop()
		delete(q.evictions, id.String())
	}
}

// backoff computes the exponential retry delay: base * 2^(retry-1), capped.
func backoff(retry int, base, limit time.Duration) time.Duration {
	if retry < 1 {
		retry = 1
	}
	d := base << uint(retry-1)
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}
