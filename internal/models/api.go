// Package models provides data model definitions for the offline engine.
package models

import "encoding/json"

// Queued action payloads. Each mirrors the JSON body of the remote endpoint
// its action type maps to.

// EnrollmentPayload enrolls the user in a course.
type EnrollmentPayload struct {
	CourseID string `json:"course_id"`
}

// QuizAnswer is one answered question inside a submission.
type QuizAnswer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// QuizSubmissionPayload submits a graded quiz attempt.
type QuizSubmissionPayload struct {
	CourseID  string       `json:"course_id"`
	QuizID    string       `json:"quiz_id"`
	Answers   []QuizAnswer `json:"answers"`
	TimeSpent int64        `json:"timeSpent"`
}

// VideoProgressPayload reports lesson progress.
type VideoProgressPayload struct {
	CourseID        string        `json:"course_id"`
	LessonID        string        `json:"lesson_id"`
	TimeSpent       int64         `json:"timeSpent"`
	CurrentPosition int           `json:"currentPosition"`
	WatchedPercent  float64       `json:"watchedPercent"`
	Completed       bool          `json:"completed"`
	Interactions    []Interaction `json:"interactions,omitempty"`
}

// CourseCompletionPayload marks a course finished.
type CourseCompletionPayload struct {
	CourseID  string `json:"course_id"`
	TimeSpent int64  `json:"timeSpent"`
}

// ProfileEditPayload updates the user profile document.
type ProfileEditPayload struct {
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	Bio    string `json:"bio,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// APIResponse is the envelope every remote endpoint returns.
type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// QuizGrade is the grading block returned for a quiz submission.
type QuizGrade struct {
	Score          float64 `json:"score"`
	Passed         bool    `json:"passed"`
	CorrectAnswers int     `json:"correctAnswers"`
	TotalQuestions int     `json:"totalQuestions"`
}

// ConflictBody is the 409 response body carrying the server's copy of the
// diverged record.
type ConflictBody struct {
	Conflict  bool            `json:"conflict"`
	RecordKey string          `json:"record_key"`
	Remote    json.RawMessage `json:"remote"`
	Message   string          `json:"message,omitempty"`
}
