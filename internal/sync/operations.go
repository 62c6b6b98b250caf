// Package sync provides the network-aware synchronization orchestrator.
package sync

import (
	"encoding/json"
	"time"

	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/progress"
)

// The operations below are the surface consumed by the rendering layer. Each
// mutation applies optimistically to the local progress model and queues the
// matching action; none of them require connectivity.

// Enroll queues a course enrollment for the user.
func (e *Engine) Enroll(userID, courseID string) models.UUID {
	e.track(userID)
	return e.tracker.Enroll(userID, courseID)
}

// EditProfile queues a profile update.
func (e *Engine) EditProfile(userID string, payload models.ProfileEditPayload) models.UUID {
	e.track(userID)
	return e.tracker.EditProfile(userID, payload)
}

// StartLesson marks a lesson as current.
func (e *Engine) StartLesson(userID, courseID, lessonID string) {
	e.track(userID)
	e.tracker.StartLesson(userID, courseID, lessonID)
}

// CompleteLesson marks a lesson complete and queues the progress action.
func (e *Engine) CompleteLesson(userID, courseID, lessonID string) {
	e.track(userID)
	e.tracker.CompleteLesson(userID, courseID, lessonID)
}

// UpdatePosition records playback position for a lesson.
func (e *Engine) UpdatePosition(userID, courseID, lessonID string, position int, watchedPercent float64, timeDelta int64) {
	e.track(userID)
	e.tracker.UpdatePosition(userID, courseID, lessonID, position, watchedPercent, timeDelta)
}

// AddInteraction appends an in-lesson event.
func (e *Engine) AddInteraction(userID, courseID, lessonID string, in models.Interaction) {
	e.track(userID)
	e.tracker.AddInteraction(userID, courseID, lessonID, in)
}

// AddNote appends a learner note.
func (e *Engine) AddNote(userID, courseID, lessonID string, note models.Note) {
	e.track(userID)
	e.tracker.AddNote(userID, courseID, lessonID, note)
}

// AddBookmark appends a bookmark.
func (e *Engine) AddBookmark(userID, courseID, lessonID string, b models.Bookmark) {
	e.track(userID)
	e.tracker.AddBookmark(userID, courseID, lessonID, b)
}

// SubmitQuiz applies the attempt policy and queues the submission when
// allowed.
func (e *Engine) SubmitQuiz(userID, courseID, quizID string, answers []models.QuizAnswer, timeSpent int64) (*progress.SubmitResult, error) {
	e.track(userID)
	return e.tracker.SubmitQuiz(userID, courseID, quizID, answers, timeSpent)
}

// Read accessors.

// CompletionPercentage returns the derived overall progress for a course.
func (e *Engine) CompletionPercentage(userID, courseID string) float64 {
	return e.tracker.CompletionPercentage(userID, courseID)
}

// LessonProgress returns one lesson's progress, if started.
func (e *Engine) LessonProgress(userID, courseID, lessonID string) (*models.LessonProgress, bool) {
	return e.tracker.LessonProgress(userID, courseID, lessonID)
}

// QuizScore returns the attempt record for one quiz, if any.
func (e *Engine) QuizScore(userID, courseID, quizID string) (*models.QuizScoreRecord, bool) {
	return e.tracker.QuizScore(userID, courseID, quizID)
}

// ProgressRecord returns the full record for a course.
func (e *Engine) ProgressRecord(userID, courseID string) *models.ProgressRecord {
	return e.tracker.Record(userID, courseID)
}

// Cache surface.

// CacheReference stores reference data with the given TTL.
func (e *Engine) CacheReference(userID, key string, value interface{}, ttl time.Duration) {
	e.cache.Put(userID, key, value, ttl)
}

// CachedReference returns cached reference data plus its staleness.
func (e *Engine) CachedReference(userID, key string) (json.RawMessage, bool, bool) {
	return e.cache.Get(userID, key)
}

// IsAvailableOffline reports whether the key is cached at all.
func (e *Engine) IsAvailableOffline(userID, key string) bool {
	return e.cache.IsAvailableOffline(userID, key)
}

// track lazily registers a user the first time an operation names them.
func (e *Engine) track(userID string) {
	e.mu.Lock()
	_, known := e.users[userID]
	if !known {
		e.users[userID] = struct{}{}
	}
	e.mu.Unlock()
	if !known {
		e.queue.Recover(userID)
	}
}
