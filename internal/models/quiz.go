// Package models provides data model definitions for the offline engine.
package models

// MaxQuizAttempts is the per-quiz attempt ceiling enforced locally before a
// submission is ever queued.
const MaxQuizAttempts = 3

// QuizAttempt is one graded submission.
type QuizAttempt struct {
	Percentage     float64 `json:"percentage"`
	Passed         bool    `json:"passed"`
	CorrectAnswers int     `json:"correct_answers"`
	TotalQuestions int     `json:"total_questions"`
	TimeSpent      int64   `json:"time_spent"`
	SubmittedAt    int64   `json:"submitted_at"`
}

// QuizScoreRecord aggregates a user's attempts at one quiz.
//
// TotalAttempts counts submissions, graded or still awaiting sync, and never
// exceeds MaxQuizAttempts; Attempts holds only server-graded results. The gap
// between the two is the number of submissions still in flight, which keeps
// duplicated offline submissions from burning extra server-side attempts.
type QuizScoreRecord struct {
	QuizID         string        `json:"quiz_id"`
	Attempts       []QuizAttempt `json:"attempts"`
	BestPercentage float64       `json:"best_percentage"`
	Passed         bool          `json:"passed"`
	TotalAttempts  int           `json:"total_attempts"`
}

// CanAttempt reports whether another submission is allowed.
func (q *QuizScoreRecord) CanAttempt() bool {
	return q.TotalAttempts < MaxQuizAttempts
}

// ReserveAttempt claims an attempt slot at submission time. Returns false
// when the ceiling is already reached.
func (q *QuizScoreRecord) ReserveAttempt() bool {
	if !q.CanAttempt() {
		return false
	}
	q.TotalAttempts++
	return true
}

// AddAttempt records a graded attempt and refreshes the aggregates.
func (q *QuizScoreRecord) AddAttempt(a QuizAttempt) {
	q.Attempts = append(q.Attempts, a)
	if len(q.Attempts) > q.TotalAttempts {
		q.TotalAttempts = len(q.Attempts)
	}
	if a.Percentage > q.BestPercentage {
		q.BestPercentage = a.Percentage
	}
	if a.Passed {
		q.Passed = true
	}
}
