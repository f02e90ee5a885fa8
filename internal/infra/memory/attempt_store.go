package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"quizrank-service/internal/domain"
)

// AttemptStore is an in-memory attempt store. Finalization is write-once.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.Attempt
}

func NewAttemptStore() *AttemptStore {
	return &AttemptStore{
		attempts: make(map[string]domain.Attempt),
	}
}

// CreateAttempt stores the draft unless an attempt with the same id exists. The draft's result
// fields are ignored; FinalizeAttempt sets them.
func (s *AttemptStore) CreateAttempt(_ context.Context, draft domain.Attempt) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	if existing, ok := s.attempts[draft.ID]; ok {
		if existing.StudentID != draft.StudentID || existing.Key != draft.Key {
			return "", fmt.Errorf("%w: attempt id %s is taken", domain.ErrConflict, draft.ID)
		}
		return draft.ID, nil
	}
	s.attempts[draft.ID] = domain.Attempt{
		ID:             draft.ID,
		StudentID:      draft.StudentID,
		StudentName:    draft.StudentName,
		Key:            draft.Key,
		TotalQuestions: draft.TotalQuestions,
		StartedAt:      draft.StartedAt,
	}
	return draft.ID, nil
}

// FinalizeAttempt completes the attempt once. Repeating it with the same result is a no-op.
func (s *AttemptStore) FinalizeAttempt(_ context.Context, id string, f domain.Finalization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return domain.ErrAttemptNotFound
	}
	if a.Completed() {
		if a.Finalization().SameResult(f) {
			return nil
		}
		return domain.ErrAttemptAlreadyFinalized
	}
	completedAt := f.CompletedAt
	a.Answers = append([]domain.Answer(nil), f.Answers...)
	a.CorrectAnswers = f.CorrectAnswers
	a.Score = f.Score
	a.Points = f.Points
	a.TimeSpentSeconds = f.TimeSpentSeconds
	a.CompletedAt = &completedAt
	a.EndReason = f.EndReason
	s.attempts[id] = a
	return nil
}

// GetAttempt returns a copy of the stored attempt.
func (s *AttemptStore) GetAttempt(_ context.Context, id string) (domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attempts[id]
	if !ok {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	return a, nil
}

// ListCompletedAttempts returns every completed attempt of the quiz.
func (s *AttemptStore) ListCompletedAttempts(_ context.Context, key domain.QuizKey) ([]domain.Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Attempt
	for _, a := range s.attempts {
		if a.Key == key && a.Completed() {
			out = append(out, a)
		}
	}
	return out, nil
}

// Len reports how many attempts are stored.
func (s *AttemptStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attempts)
}
