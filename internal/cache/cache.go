// Package cache provides the TTL-based essential data cache.
//
// Reference data (profile, courses, enrollments, certificates) is stored with
// an absolute expiry. Reads past the expiry still return the data but flag it
// as stale, so the caller can fall back to degraded offline content instead of
// treating staleness as absence.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/offline/internal/db"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
)

// Cache wraps the durable store with expiry semantics. When the store is
// unavailable it degrades to a per-session in-memory map rather than failing
// the caller.
type Cache struct {
	repo *db.Repository

	mu  sync.RWMutex
	mem map[string]*models.CacheEntry // fallback entries keyed userID+"/"+key
}

// New creates a Cache over the given repository.
func New(repo *db.Repository) *Cache {
	return &Cache{
		repo: repo,
		mem:  make(map[string]*models.CacheEntry),
	}
}

func memKey(userID, key string) string {
	return userID + "/" + key
}

// Put stores a value with the given TTL.
func (c *Cache) Put(userID, key string, value interface{}, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		logging.Warn("cache put: value not serializable",
			zap.String("key", key), zap.Error(err))
		return
	}

	now := time.Now()
	entry := &models.CacheEntry{
		UserID:    userID,
		Key:       key,
		Data:      data,
		Timestamp: now.Unix(),
		Expiry:    now.Add(ttl).Unix(),
	}

	if err := c.repo.PutCacheEntry(entry); err != nil {
		logging.Warn("cache put: store unavailable, keeping entry in memory",
			zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		c.mu.Lock()
		c.mem[memKey(userID, key)] = entry
		c.mu.Unlock()
		return
	}

	// Entry durably stored; drop any degraded copy.
	c.mu.Lock()
	delete(c.mem, memKey(userID, key))
	c.mu.Unlock()
}

// Get returns the cached value for the key. The second result reports
// staleness; the third reports presence.
func (c *Cache) Get(userID, key string) (json.RawMessage, bool, bool) {
	entry, err := c.repo.GetCacheEntry(userID, key)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Warn("cache get: store unavailable, trying memory",
				zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		}
		c.mu.RLock()
		entry = c.mem[memKey(userID, key)]
		c.mu.RUnlock()
		if entry == nil {
			return nil, false, false
		}
	}
	return entry.Data, entry.Stale(time.Now()), true
}

// GetJSON unmarshals the cached value into v. Returns staleness and presence.
func (c *Cache) GetJSON(userID, key string, v interface{}) (bool, bool) {
	data, stale, ok := c.Get(userID, key)
	if !ok {
		return false, false
	}
	if err := json.Unmarshal(data, v); err != nil {
		logging.Warn("cache get: corrupt entry dropped",
			zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		c.Invalidate(userID, key)
		return false, false
	}
	return stale, true
}

// Invalidate removes the given keys for a user, or every key when none are
// given (logout / explicit cache clear).
func (c *Cache) Invalidate(userID string, keys ...string) {
	if len(keys) == 0 {
		if err := c.repo.DeleteCacheEntries(userID); err != nil {
			logging.Warn("cache invalidate all failed",
				zap.String("user_id", userID), zap.Error(err))
		}
		c.mu.Lock()
		for k := range c.mem {
			if len(k) > len(userID) && k[:len(userID)] == userID && k[len(userID)] == '/' {
				delete(c.mem, k)
			}
		}
		c.mu.Unlock()
		return
	}

	for _, key := range keys {
		if err := c.repo.DeleteCacheEntry(userID, key); err != nil {
			logging.Warn("cache invalidate failed",
				zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
		}
		c.mu.Lock()
		delete(c.mem, memKey(userID, key))
		c.mu.Unlock()
	}
}

// IsAvailableOffline reports whether the key is present at all, stale or not.
// Used to answer "is this course available offline".
func (c *Cache) IsAvailableOffline(userID, key string) bool {
	_, _, ok := c.Get(userID, key)
	return ok
}
