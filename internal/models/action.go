// Package models provides data model definitions for the offline engine.
package models

import (
	"encoding/json"
	"time"
)

// ActionType identifies which remote API call a queued action maps to.
// The set is closed; the sync client keeps a handler per type.
type ActionType string

const (
	ActionEnrollment       ActionType = "enrollment"
	ActionQuizSubmission   ActionType = "quiz_submission"
	ActionProfileEdit      ActionType = "profile_edit"
	ActionVideoProgress    ActionType = "video_progress"
	ActionCourseCompletion ActionType = "course_completion"
)

// Valid reports whether t is a known action type.
func (t ActionType) Valid() bool {
	switch t {
	case ActionEnrollment, ActionQuizSubmission, ActionProfileEdit,
		ActionVideoProgress, ActionCourseCompletion:
		return true
	}
	return false
}

// ActionStatus represents the lifecycle state of a queued action.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusSyncing   ActionStatus = "syncing"
	ActionStatusCompleted ActionStatus = "completed"
	ActionStatusFailed    ActionStatus = "failed"
)

// SyncAction represents one queued mutation awaiting transmission.
type SyncAction struct {
	ID          UUID            `db:"id" json:"id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Type        ActionType      `db:"type" json:"type"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Seq         int64           `db:"seq" json:"seq"`
	Status      ActionStatus    `db:"status" json:"status"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	NextRetryAt int64           `db:"next_retry_at" json:"next_retry_at"`
	LastError   string          `db:"last_error" json:"last_error,omitempty"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	UpdatedAt   int64           `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for SyncAction.
func (SyncAction) TableName() string {
	return "sync_actions"
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (a *SyncAction) CreatedAtTime() time.Time {
	return time.Unix(a.CreatedAt, 0)
}

// Eligible reports whether the action may be drained at the given time.
func (a *SyncAction) Eligible(now int64) bool {
	return a.Status == ActionStatusPending && a.NextRetryAt <= now
}
