// Package models provides data model definitions for the offline engine.
package models

import "time"

// CompletionThreshold is the watched percentage at which a lesson is
// considered complete even without an explicit completion signal.
const CompletionThreshold = 90.0

// Interaction records a single in-lesson event (pause, seek, answer, ...).
type Interaction struct {
	Kind      string `json:"kind"`
	Detail    string `json:"detail,omitempty"`
	Position  int    `json:"position"`
	Timestamp int64  `json:"timestamp"`
}

// Note is a learner note anchored at a lesson position.
type Note struct {
	Text      string `json:"text"`
	Position  int    `json:"position"`
	CreatedAt int64  `json:"created_at"`
}

// Bookmark marks a lesson position for later.
type Bookmark struct {
	Label     string `json:"label,omitempty"`
	Position  int    `json:"position"`
	CreatedAt int64  `json:"created_at"`
}

// LessonProgress tracks one lesson inside a course.
type LessonProgress struct {
	LessonID         string        `json:"lesson_id"`
	WatchedPercent   float64       `json:"watched_percent"`
	CurrentPosition  int           `json:"current_position"`
	TimeSpent        int64         `json:"time_spent"`
	Completed        bool          `json:"completed"`
	StartedAt        int64         `json:"started_at"`
	LastAccessedAt   int64         `json:"last_accessed_at"`
	Interactions     []Interaction `json:"interactions,omitempty"`
	Notes            []Note        `json:"notes,omitempty"`
	Bookmarks        []Bookmark    `json:"bookmarks,omitempty"`
}

// ProgressRecord tracks one user's progress through one course.
// It is owned by the local device until the matching queued actions reach
// completed; afterwards the server copy is authoritative.
type ProgressRecord struct {
	UserID           string                      `json:"user_id"`
	CourseID         string                      `json:"course_id"`
	CompletedLessons []string                    `json:"completed_lessons"`
	LessonProgress   map[string]*LessonProgress  `json:"lesson_progress"`
	QuizScores       map[string]*QuizScoreRecord `json:"quiz_scores"`
	TimeSpent        int64                       `json:"time_spent"`
	CurrentLesson    string                      `json:"current_lesson,omitempty"`
	TotalLessons     int                         `json:"total_lessons"`
	PendingChanges   bool                        `json:"pending_changes"`
	UpdatedAt        int64                       `json:"updated_at"`
}

// TableName returns the table name for ProgressRecord.
func (ProgressRecord) TableName() string {
	return "progress_records"
}

// HasCompleted reports whether the lesson is in the completed set.
func (p *ProgressRecord) HasCompleted(lessonID string) bool {
	for _, id := range p.CompletedLessons {
		if id == lessonID {
			return true
		}
	}
	return false
}

// MarkCompleted adds the lesson to the completed set if absent.
func (p *ProgressRecord) MarkCompleted(lessonID string) {
	if !p.HasCompleted(lessonID) {
		p.CompletedLessons = append(p.CompletedLessons, lessonID)
	}
}

// OverallProgress returns completed/total as a percentage clamped to [0,100].
func (p *ProgressRecord) OverallProgress() float64 {
	if p.TotalLessons <= 0 {
		return 0
	}
	pct := float64(len(p.CompletedLessons)) / float64(p.TotalLessons) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Lesson returns the lesson progress entry, creating it if absent.
func (p *ProgressRecord) Lesson(lessonID string) *LessonProgress {
	if p.LessonProgress == nil {
		p.LessonProgress = make(map[string]*LessonProgress)
	}
	lp, ok := p.LessonProgress[lessonID]
	if !ok {
		lp = &LessonProgress{LessonID: lessonID, StartedAt: time.Now().Unix()}
		p.LessonProgress[lessonID] = lp
	}
	return lp
}

// Touch updates the UpdatedAt timestamp.
func (p *ProgressRecord) Touch() {
	p.UpdatedAt = time.Now().Unix()
}
