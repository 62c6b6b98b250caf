// Package models provides data model definitions for the offline engine.
package models

import (
	"encoding/json"
	"time"
)

// Well-known cache keys for essential reference data.
const (
	CacheKeyProfile      = "profile"
	CacheKeyCourses      = "courses"
	CacheKeyEnrollments  = "enrollments"
	CacheKeyCertificates = "certificates"
)

// CacheEntry is a reference-data snapshot with expiry.
type CacheEntry struct {
	UserID    string          `db:"user_id" json:"user_id"`
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data" json:"data"`
	Timestamp int64           `db:"timestamp" json:"timestamp"`
	Expiry    int64           `db:"expiry" json:"expiry"`
}

// TableName returns the table name for CacheEntry.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// Stale reports whether the entry has passed its expiry. Stale entries may
// still be served as a last-resort fallback while offline.
func (e *CacheEntry) Stale(now time.Time) bool {
	return now.Unix() >= e.Expiry
}
