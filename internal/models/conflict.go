// Package models provides data model definitions for the offline engine.
package models

import (
	"encoding/json"
	"time"
)

// ResolutionStrategy defines how a conflict is settled.
type ResolutionStrategy string

const (
	ResolutionClientWins ResolutionStrategy = "client_wins"
	ResolutionServerWins ResolutionStrategy = "server_wins"
	ResolutionMerge      ResolutionStrategy = "merge"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolutionClientWins, ResolutionServerWins, ResolutionMerge:
		return true
	}
	return false
}

// ConflictRecord captures a detected divergence between the locally held and
// the server-confirmed state for the same logical record.
type ConflictRecord struct {
	ID          UUID               `db:"id" json:"id"`
	UserID      string             `db:"user_id" json:"user_id"`
	ActionID    UUID               `db:"action_id" json:"action_id"`
	RecordKey   string             `db:"record_key" json:"record_key"`
	ActionType  ActionType         `db:"action_type" json:"action_type"`
	LocalValue  json.RawMessage    `db:"local_value" json:"local_value"`
	RemoteValue json.RawMessage    `db:"remote_value" json:"remote_value"`
	Resolution  ResolutionStrategy `db:"resolution" json:"resolution,omitempty"`
	DetectedAt  int64              `db:"detected_at" json:"detected_at"`
	ResolvedAt  int64              `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_log"
}

// Resolved reports whether the conflict has been settled.
func (c *ConflictRecord) Resolved() bool {
	return c.ResolvedAt > 0
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.Unix(c.DetectedAt, 0)
}
