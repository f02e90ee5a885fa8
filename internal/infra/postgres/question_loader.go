package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"quizrank-service/internal/domain"
)

// QuestionLoader loads question banks from Postgres.
type QuestionLoader struct {
	pool *pgxpool.Pool
}

func NewQuestionLoader(pool *pgxpool.Pool) *QuestionLoader {
	return &QuestionLoader{pool: pool}
}

func (l *QuestionLoader) LoadQuestions(ctx context.Context, levelID string, weekNo int) ([]domain.Question, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, level_id, week_no, difficulty, prompt, options, correct_answer, points
		FROM questions
		WHERE level_id = $1 AND week_no = $2
		ORDER BY position, id`, levelID, weekNo)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("load questions: %w", err))
	}
	defer rows.Close()

	var out []domain.Question
	for rows.Next() {
		var (
			q          domain.Question
			difficulty string
			options    []byte
		)
		if err := rows.Scan(&q.ID, &q.LevelID, &q.WeekNo, &difficulty, &q.Prompt, &options, &q.CorrectAnswer, &q.Points); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Difficulty = domain.Difficulty(difficulty)
		if err := json.Unmarshal(options, &q.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options of %s: %w", q.ID, err)
		}
		out = append(out, q)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.Transient(fmt.Errorf("load questions: %w", err))
	}
	if len(out) == 0 {
		return nil, domain.ErrQuestionsNotFound
	}
	return out, nil
}
