// Package scoring maps submitted answers to correctness and aggregate scores. It has no side effects.
package scoring

import (
	"math"
	"strings"

	"golang.org/x/text/unicode/norm"

	"quizrank-service/internal/domain"
)

// Normalize folds an answer to its comparable form: NFKC, lower case, single spaces.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(norm.NFKC.String(s))), " ")
}

// IsCorrect compares a submission to the question's canonical answer. A nil submission is a timeout.
func IsCorrect(q domain.Question, submitted *string) bool {
	if submitted == nil {
		return false
	}
	return Normalize(*submitted) == Normalize(q.CorrectAnswer)
}

// Result is the aggregate outcome of an answer set.
type Result struct {
	CorrectAnswers int `json:"correctAnswers"`
	TotalQuestions int `json:"totalQuestions"`
	Score          int `json:"score"`
	Points         int `json:"points"`
	MaxPoints      int `json:"maxPoints"`
}

// Score aggregates answers over the full question set. Each question counts at most once and
// answers to unknown questions are ignored.
func Score(questions []domain.Question, answers []domain.Answer) Result {
	byID := make(map[string]domain.Question, len(questions))
	res := Result{TotalQuestions: len(questions)}
	for _, q := range questions {
		byID[q.ID] = q
		res.MaxPoints += q.Weight()
	}

	seen := make(map[string]struct{}, len(answers))
	for _, a := range answers {
		q, ok := byID[a.QuestionID]
		if !ok {
			continue
		}
		if _, dup := seen[a.QuestionID]; dup {
			continue
		}
		seen[a.QuestionID] = struct{}{}
		if IsCorrect(q, a.SelectedAnswer) {
			res.CorrectAnswers++
			res.Points += q.Weight()
		}
	}
	res.Score = Percent(res.CorrectAnswers, res.TotalQuestions)
	return res
}

// Percent returns round(correct / total * 100), or 0 for an empty quiz.
func Percent(correct, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(correct) * 100 / float64(total)))
}
