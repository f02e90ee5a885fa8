package app_test

import (
	"context"
	"errors"
	"testing"

	"quizrank-service/internal/app"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/infra/memory"
)

func bank() []domain.Question {
	mk := func(id string, d domain.Difficulty, answer string, points int) domain.Question {
		return domain.Question{
			ID: id, LevelID: "L1", WeekNo: 1, Difficulty: d,
			Prompt: id, Options: []string{answer, "other"}, CorrectAnswer: answer, Points: points,
		}
	}
	return []domain.Question{
		mk("q1", domain.DifficultyMedium, "Paris", 1),
		mk("q2", domain.DifficultyMedium, "Blue Whale", 2),
		mk("q3", domain.DifficultyMedium, "7", 1),
		mk("q4", domain.DifficultyMedium, "H2O", 1),
		mk("e1", domain.DifficultyEasy, "yes", 1),
	}
}

func strp(s string) *string { return &s }

func TestQuizQuestionsFiltersByDifficulty(t *testing.T) {
	src := memory.NewStaticQuestionLoader(bank())
	repo := memory.NewQuestionRepository(src, 0)

	qs, err := app.QuizQuestions(context.Background(), repo, quiz)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(qs) != 4 {
		t.Fatalf("expected 4 medium questions, got %d", len(qs))
	}
	hard := quiz
	hard.Difficulty = domain.DifficultyHard
	if _, err := app.QuizQuestions(context.Background(), repo, hard); !errors.Is(err, domain.ErrQuestionsNotFound) {
		t.Fatalf("expected questions not found, got %v", err)
	}
}

func TestGradeIgnoresClientAggregates(t *testing.T) {
	qs := bank()[:4]
	a := finished("a1", "s1", 100)
	a.CorrectAnswers = 4
	a.Answers = []domain.Answer{
		{QuestionID: "q1", SelectedAnswer: strp(" paris "), TimeTakenSeconds: 3},
		{QuestionID: "q2", SelectedAnswer: strp("shark"), IsCorrect: true, TimeTakenSeconds: 5},
		{QuestionID: "q3", SelectedAnswer: nil, TimeTakenSeconds: 10},
	}

	graded, err := app.Grade(qs, a)
	if err != nil {
		t.Fatalf("grade: %v", err)
	}
	if graded.CorrectAnswers != 1 || graded.TotalQuestions != 4 || graded.Score != 25 || graded.Points != 1 {
		t.Fatalf("unexpected aggregates %+v", graded)
	}
	if graded.TimeSpentSeconds != 18 {
		t.Fatalf("expected 18s spent, got %d", graded.TimeSpentSeconds)
	}
	if graded.Answers[1].IsCorrect || !graded.Answers[1].LivesLost {
		t.Fatalf("client correctness flag must be recomputed: %+v", graded.Answers[1])
	}
}

func TestGradeRejectsForeignAndRepeatedQuestions(t *testing.T) {
	qs := bank()[:4]
	a := finished("a1", "s1", 0)

	a.Answers = []domain.Answer{{QuestionID: "e1", SelectedAnswer: strp("yes")}}
	if _, err := app.Grade(qs, a); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for foreign question, got %v", err)
	}
	a.Answers = []domain.Answer{{QuestionID: "q1"}, {QuestionID: "q1"}}
	if _, err := app.Grade(qs, a); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error for repeated question, got %v", err)
	}
}
