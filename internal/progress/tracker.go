// Package progress implements the local progress model and the quiz attempt
// policy.
//
// Mutations apply optimistically: the local record is updated first, then a
// matching action is queued for the server. Local storage trouble is logged
// and never fails the caller; only queue and sync operations expose errors
// outward.
package progress

import (
	"database/sql"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nexlearn/offline/internal/db"
	engerrors "github.com/nexlearn/offline/internal/errors"
	"github.com/nexlearn/offline/internal/logging"
	"github.com/nexlearn/offline/internal/models"
	"github.com/nexlearn/offline/internal/queue"
)

// Tracker owns the per-user, per-course progress records.
type Tracker struct {
	repo  *db.Repository
	queue *queue.Queue

	mu sync.Mutex
}

// NewTracker creates a Tracker over the given store and queue.
func NewTracker(repo *db.Repository, q *queue.Queue) *Tracker {
	return &Tracker{repo: repo, queue: q}
}

// load returns the stored record or a fresh one.
func (t *Tracker) load(userID, courseID string) *models.ProgressRecord {
	rec, err := t.repo.GetProgress(userID, courseID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			logging.Warn("progress load failed, starting fresh",
				zap.String("user_id", userID), zap.String("course_id", courseID), zap.Error(err))
		}
		return &models.ProgressRecord{
			UserID:         userID,
			CourseID:       courseID,
			LessonProgress: make(map[string]*models.LessonProgress),
			QuizScores:     make(map[string]*models.QuizScoreRecord),
		}
	}
	return rec
}

func (t *Tracker) save(rec *models.ProgressRecord) {
	if err := t.repo.UpsertProgress(rec); err != nil {
		logging.Warn("progress save failed",
			zap.String("user_id", rec.UserID),
			zap.String("course_id", rec.CourseID), zap.Error(err))
	}
}

// SeedCourse records the lesson count for a course, typically from the cached
// course document at startup, so overall percentages have a denominator.
func (t *Tracker) SeedCourse(userID, courseID string, totalLessons int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	rec.TotalLessons = totalLessons
	t.save(rec)
}

// StartLesson marks a lesson as the user's current lesson.
func (t *Tracker) StartLesson(userID, courseID, lessonID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.LastAccessedAt = time.Now().Unix()
	rec.CurrentLesson = lessonID
	t.save(rec)
}

// UpdatePosition records playback position and watched percentage for a
// lesson, queues a video_progress action, and auto-completes the lesson once
// the watched percentage crosses the completion threshold.
func (t *Tracker) UpdatePosition(userID, courseID, lessonID string, position int, watchedPercent float64, timeDelta int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.CurrentPosition = position
	if watchedPercent > lp.WatchedPercent {
		lp.WatchedPercent = watchedPercent
	}
	lp.TimeSpent += timeDelta
	lp.LastAccessedAt = time.Now().Unix()
	rec.TimeSpent += timeDelta
	rec.CurrentLesson = lessonID

	if lp.WatchedPercent >= models.CompletionThreshold && !lp.Completed {
		lp.Completed = true
		rec.MarkCompleted(lessonID)
	}

	rec.PendingChanges = true
	t.save(rec)
	t.enqueueVideoProgress(userID, rec, lp)
}

// CompleteLesson marks a lesson explicitly complete and queues the matching
// progress action.
func (t *Tracker) CompleteLesson(userID, courseID, lessonID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.Completed = true
	lp.LastAccessedAt = time.Now().Unix()
	rec.MarkCompleted(lessonID)
	rec.PendingChanges = true
	t.save(rec)
	t.enqueueVideoProgress(userID, rec, lp)

	// Completing the last lesson also queues the course completion call.
	if rec.TotalLessons > 0 && len(rec.CompletedLessons) >= rec.TotalLessons {
		t.enqueue(userID, models.ActionCourseCompletion, models.CourseCompletionPayload{
			CourseID:  courseID,
			TimeSpent: rec.TimeSpent,
		})
	}
}

// AddInteraction appends an in-lesson event.
func (t *Tracker) AddInteraction(userID, courseID, lessonID string, in models.Interaction) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if in.Timestamp == 0 {
		in.Timestamp = time.Now().Unix()
	}
	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.Interactions = append(lp.Interactions, in)
	rec.PendingChanges = true
	t.save(rec)
	t.enqueueVideoProgress(userID, rec, lp)
}

// AddNote appends a learner note to a lesson.
func (t *Tracker) AddNote(userID, courseID, lessonID string, note models.Note) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if note.CreatedAt == 0 {
		note.CreatedAt = time.Now().Unix()
	}
	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.Notes = append(lp.Notes, note)
	rec.PendingChanges = true
	t.save(rec)
	t.enqueueVideoProgress(userID, rec, lp)
}

// AddBookmark appends a bookmark to a lesson.
func (t *Tracker) AddBookmark(userID, courseID, lessonID string, b models.Bookmark) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b.CreatedAt == 0 {
		b.CreatedAt = time.Now().Unix()
	}
	rec := t.load(userID, courseID)
	lp := rec.Lesson(lessonID)
	lp.Bookmarks = append(lp.Bookmarks, b)
	rec.PendingChanges = true
	t.save(rec)
	t.enqueueVideoProgress(userID, rec, lp)
}

// SubmitResult reports the outcome of a local quiz submission.
type SubmitResult struct {
	ActionID     models.UUID `json:"action_id,omitempty"`
	Accepted     bool        `json:"accepted"`
	BestScore    float64     `json:"best_score"`
	Passed       bool        `json:"passed"`
	AttemptsLeft int         `json:"attempts_left"`
}

// SubmitQuiz applies the quiz attempt policy and, when allowed, queues the
// submission. A fourth attempt is rejected here, before any action is
// created, so duplicated offline submissions can never exhaust server-side
// attempts.
func (t *Tracker) SubmitQuiz(userID, courseID, quizID string, answers []models.QuizAnswer, timeSpent int64) (*SubmitResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	if rec.QuizScores == nil {
		rec.QuizScores = make(map[string]*models.QuizScoreRecord)
	}
	score, ok := rec.QuizScores[quizID]
	if !ok {
		score = &models.QuizScoreRecord{QuizID: quizID}
		rec.QuizScores[quizID] = score
	}

	if !score.ReserveAttempt() {
		return &SubmitResult{
				Accepted:  false,
				BestScore: score.BestPercentage,
				Passed:    score.Passed,
			}, engerrors.New(engerrors.ErrAttemptLimit,
				"max attempts reached for quiz "+quizID)
	}

	rec.TimeSpent += timeSpent
	rec.PendingChanges = true
	t.save(rec)

	actionID := t.enqueue(userID, models.ActionQuizSubmission, models.QuizSubmissionPayload{
		CourseID:  courseID,
		QuizID:    quizID,
		Answers:   answers,
		TimeSpent: timeSpent,
	})

	return &SubmitResult{
		ActionID:     actionID,
		Accepted:     true,
		BestScore:    score.BestPercentage,
		Passed:       score.Passed,
		AttemptsLeft: models.MaxQuizAttempts - score.TotalAttempts,
	}, nil
}

// RecordQuizResult stores the server-confirmed grade for a submission.
func (t *Tracker) RecordQuizResult(userID, courseID, quizID string, grade models.QuizGrade, timeSpent int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	if rec.QuizScores == nil {
		rec.QuizScores = make(map[string]*models.QuizScoreRecord)
	}
	score, ok := rec.QuizScores[quizID]
	if !ok {
		score = &models.QuizScoreRecord{QuizID: quizID}
		rec.QuizScores[quizID] = score
	}

	score.AddAttempt(models.QuizAttempt{
		Percentage:     grade.Score,
		Passed:         grade.Passed,
		CorrectAnswers: grade.CorrectAnswers,
		TotalQuestions: grade.TotalQuestions,
		TimeSpent:      timeSpent,
		SubmittedAt:    time.Now().Unix(),
	})
	t.save(rec)
}

// Enroll queues a course enrollment.
func (t *Tracker) Enroll(userID, courseID string) models.UUID {
	return t.enqueue(userID, models.ActionEnrollment, models.EnrollmentPayload{CourseID: courseID})
}

// EditProfile queues a profile update.
func (t *Tracker) EditProfile(userID string, payload models.ProfileEditPayload) models.UUID {
	return t.enqueue(userID, models.ActionProfileEdit, payload)
}

// MarkSynced clears the pending flag once the user's queue has drained for
// this course.
func (t *Tracker) MarkSynced(userID, courseID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.load(userID, courseID)
	if !rec.PendingChanges {
		return
	}
	rec.PendingChanges = false
	t.save(rec)
}

// MarkAllSynced clears the pending flag on every course of the user. Called
// by the orchestrator once the queue has fully drained.
func (t *Tracker) MarkAllSynced(userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	records, err := t.repo.ListProgress(userID)
	if err != nil {
		logging.Warn("progress list failed", zap.String("user_id", userID), zap.Error(err))
		return
	}
	for _, rec := range records {
		if rec.PendingChanges {
			rec.PendingChanges = false
			t.save(rec)
		}
	}
}

// Record returns the full progress record for a course.
func (t *Tracker) Record(userID, courseID string) *models.ProgressRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.load(userID, courseID)
}

// CompletionPercentage returns the derived overall progress, clamped [0,100].
func (t *Tracker) CompletionPercentage(userID, courseID string) float64 {
	return t.Record(userID, courseID).OverallProgress()
}

// LessonProgress returns one lesson's progress, if started.
func (t *Tracker) LessonProgress(userID, courseID, lessonID string) (*models.LessonProgress, bool) {
	rec := t.Record(userID, courseID)
	lp, ok := rec.LessonProgress[lessonID]
	return lp, ok
}

// QuizScore returns the attempt record for one quiz, if any.
func (t *Tracker) QuizScore(userID, courseID, quizID string) (*models.QuizScoreRecord, bool) {
	rec := t.Record(userID, courseID)
	score, ok := rec.QuizScores[quizID]
	return score, ok
}

// ---- internals ----

func (t *Tracker) enqueueVideoProgress(userID string, rec *models.ProgressRecord, lp *models.LessonProgress) {
	t.enqueue(userID, models.ActionVideoProgress, models.VideoProgressPayload{
		CourseID:        rec.CourseID,
		LessonID:        lp.LessonID,
		TimeSpent:       lp.TimeSpent,
		CurrentPosition: lp.CurrentPosition,
		WatchedPercent:  lp.WatchedPercent,
		Completed:       lp.Completed,
		Interactions:    lp.Interactions,
	})
}

func (t *Tracker) enqueue(userID string, actionType models.ActionType, payload interface{}) models.UUID {
	id, err := t.queue.Enqueue(actionType, payload, userID)
	if err != nil {
		// Local mutations never fail the caller; the optimistic state stands
		// and the miss is logged for diagnosis.
		logging.Warn("failed to queue action for local mutation",
			zap.String("user_id", userID),
			zap.String("type", string(actionType)), zap.Error(err))
		return ""
	}
	return id
}
