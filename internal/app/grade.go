package app

import (
	"context"
	"fmt"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/scoring"
)

// QuestionSource fetches the question bank for a level and week.
type QuestionSource interface {
	FetchQuestions(ctx context.Context, levelID string, weekNo int) ([]domain.Question, error)
}

// QuizQuestions returns the questions of key's difficulty, NotFound when there are none.
func QuizQuestions(ctx context.Context, src QuestionSource, key domain.QuizKey) ([]domain.Question, error) {
	all, err := src.FetchQuestions(ctx, key.LevelID, key.WeekNo)
	if err != nil {
		return nil, err
	}
	questions := make([]domain.Question, 0, len(all))
	for _, q := range all {
		if q.Difficulty == key.Difficulty {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrQuestionsNotFound, key)
	}
	return questions, nil
}

// Grade recomputes the result of a client-submitted attempt from the published questions.
// Correctness flags and aggregates sent by the client are ignored.
func Grade(questions []domain.Question, attempt domain.Attempt) (domain.Attempt, error) {
	byID := make(map[string]domain.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}

	seen := make(map[string]struct{}, len(attempt.Answers))
	answers := make([]domain.Answer, 0, len(attempt.Answers))
	spent := 0
	for _, a := range attempt.Answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			return domain.Attempt{}, domain.Invalid("question %s is not part of quiz %s", a.QuestionID, attempt.Key)
		}
		if _, dup := seen[a.QuestionID]; dup {
			return domain.Attempt{}, domain.Invalid("question %s answered twice", a.QuestionID)
		}
		if a.TimeTakenSeconds < 0 {
			return domain.Attempt{}, domain.Invalid("negative time on question %s", a.QuestionID)
		}
		seen[a.QuestionID] = struct{}{}
		a.IsCorrect = scoring.IsCorrect(q, a.SelectedAnswer)
		a.LivesLost = !a.IsCorrect
		spent += a.TimeTakenSeconds
		answers = append(answers, a)
	}

	res := scoring.Score(questions, answers)
	attempt.Answers = answers
	attempt.CorrectAnswers = res.CorrectAnswers
	attempt.TotalQuestions = res.TotalQuestions
	attempt.Score = res.Score
	attempt.Points = res.Points
	attempt.TimeSpentSeconds = spent
	return attempt, nil
}
