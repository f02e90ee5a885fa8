package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"quizrank-service/internal/domain"
)

func TestAttemptStoreFinalizeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewAttemptStore()
	key := domain.QuizKey{LevelID: "L1", WeekNo: 1, Difficulty: domain.DifficultyEasy}

	id, err := store.CreateAttempt(ctx, domain.Attempt{ID: "a1", StudentID: "s1", Key: key, TotalQuestions: 5})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if again, err := store.CreateAttempt(ctx, domain.Attempt{ID: "a1", StudentID: "s1", Key: key}); err != nil || again != id {
		t.Fatalf("expected idempotent create, got %q %v", again, err)
	}

	if got, _ := store.ListCompletedAttempts(ctx, key); len(got) != 0 {
		t.Fatalf("in-progress attempts must not be listed")
	}

	fin := domain.Finalization{CorrectAnswers: 4, Score: 80, TimeSpentSeconds: 30, CompletedAt: time.Unix(100, 0), EndReason: domain.EndCompleted}
	if err := store.FinalizeAttempt(ctx, id, fin); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	first, _ := store.GetAttempt(ctx, id)

	if err := store.FinalizeAttempt(ctx, id, fin); err != nil {
		t.Fatalf("second finalize with same payload: %v", err)
	}
	second, _ := store.GetAttempt(ctx, id)
	if store.Len() != 1 || !first.CompletedAt.Equal(*second.CompletedAt) || second.Score != 80 {
		t.Fatalf("second finalize changed the attempt: %+v", second)
	}

	fin.Score = 100
	if err := store.FinalizeAttempt(ctx, id, fin); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict for a different result, got %v", err)
	}
	if got, _ := store.ListCompletedAttempts(ctx, key); len(got) != 1 || got[0].Score != 80 {
		t.Fatalf("expected one completed attempt with score 80, got %+v", got)
	}
}

func TestAttemptStoreFinalizeUnknown(t *testing.T) {
	store := NewAttemptStore()
	err := store.FinalizeAttempt(context.Background(), "missing", domain.Finalization{})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
