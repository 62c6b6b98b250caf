package models

import (
	"testing"
	"time"
)

// TestOverallProgress tests the derived percentage and its clamping.
func TestOverallProgress(t *testing.T) {
	rec := &ProgressRecord{TotalLessons: 4}

	if got := rec.OverallProgress(); got != 0 {
		t.Errorf("Expected 0%% with no completions, got %f", got)
	}

	rec.MarkCompleted("l1")
	rec.MarkCompleted("l2")
	if got := rec.OverallProgress(); got != 50 {
		t.Errorf("Expected 50%%, got %f", got)
	}

	// Completing the same lesson twice must not change the set
	rec.MarkCompleted("l1")
	if len(rec.CompletedLessons) != 2 {
		t.Errorf("Expected 2 completed lessons, got %d", len(rec.CompletedLessons))
	}

	// More completions than lessons stays clamped at 100
	rec.MarkCompleted("l3")
	rec.MarkCompleted("l4")
	rec.MarkCompleted("l5")
	if got := rec.OverallProgress(); got != 100 {
		t.Errorf("Expected clamp at 100%%, got %f", got)
	}
}

// TestOverallProgressNoLessons tests the zero-denominator case.
func TestOverallProgressNoLessons(t *testing.T) {
	rec := &ProgressRecord{}
	rec.MarkCompleted("l1")
	if got := rec.OverallProgress(); got != 0 {
		t.Errorf("Expected 0%% with unknown lesson count, got %f", got)
	}
}

// TestQuizAttemptCeiling tests attempt reservation against the ceiling.
func TestQuizAttemptCeiling(t *testing.T) {
	score := &QuizScoreRecord{QuizID: "q1"}

	for i := 0; i < MaxQuizAttempts; i++ {
		if !score.CanAttempt() {
			t.Fatalf("Attempt %d should be allowed", i+1)
		}
		if !score.ReserveAttempt() {
			t.Fatalf("ReserveAttempt %d failed", i+1)
		}
	}

	if score.CanAttempt() {
		t.Error("Expected ceiling reached after max attempts")
	}
	if score.ReserveAttempt() {
		t.Error("Expected reservation beyond ceiling to fail")
	}
	if score.TotalAttempts != MaxQuizAttempts {
		t.Errorf("Expected TotalAttempts %d, got %d", MaxQuizAttempts, score.TotalAttempts)
	}
}

// TestQuizAddAttempt tests aggregate maintenance on graded results.
func TestQuizAddAttempt(t *testing.T) {
	score := &QuizScoreRecord{QuizID: "q1"}
	score.ReserveAttempt()
	score.ReserveAttempt()

	score.AddAttempt(QuizAttempt{Percentage: 60})
	score.AddAttempt(QuizAttempt{Percentage: 85, Passed: true})

	if score.BestPercentage != 85 {
		t.Errorf("Expected best 85, got %f", score.BestPercentage)
	}
	if !score.Passed {
		t.Error("Expected passed after a passing attempt")
	}
	// Graded results fill reserved slots, they don't add new ones
	if score.TotalAttempts != 2 {
		t.Errorf("Expected TotalAttempts 2, got %d", score.TotalAttempts)
	}

	// A lower later attempt must not lower the best
	score.ReserveAttempt()
	score.AddAttempt(QuizAttempt{Percentage: 40})
	if score.BestPercentage != 85 {
		t.Errorf("Expected best to stay 85, got %f", score.BestPercentage)
	}
}

// TestCacheEntryStale tests expiry evaluation.
func TestCacheEntryStale(t *testing.T) {
	now := time.Now()
	entry := &CacheEntry{Expiry: now.Add(time.Minute).Unix()}

	if entry.Stale(now) {
		t.Error("Entry should be fresh before expiry")
	}
	if !entry.Stale(now.Add(2 * time.Minute)) {
		t.Error("Entry should be stale after expiry")
	}
}

// TestActionTypeValid tests the closed action type set.
func TestActionTypeValid(t *testing.T) {
	valid := []ActionType{
		ActionEnrollment, ActionQuizSubmission, ActionProfileEdit,
		ActionVideoProgress, ActionCourseCompletion,
	}
	for _, at := range valid {
		if !at.Valid() {
			t.Errorf("Expected %q to be valid", at)
		}
	}
	if ActionType("bulk_delete").Valid() {
		t.Error("Unknown action type must not validate")
	}
}

// TestLessonAutoCreate tests lazy lesson entries.
func TestLessonAutoCreate(t *testing.T) {
	rec := &ProgressRecord{}
	lp := rec.Lesson("l1")
	if lp == nil || lp.LessonID != "l1" {
		t.Fatal("Expected lesson entry to be created")
	}
	if rec.Lesson("l1") != lp {
		t.Error("Expected the same entry on repeat access")
	}
}
