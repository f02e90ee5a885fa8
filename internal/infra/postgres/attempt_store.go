package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"quizrank-service/internal/domain"
)

type attemptRow struct {
	bun.BaseModel `bun:"table:attempts,alias:a"`

	ID               string          `bun:"id,pk"`
	StudentID        string          `bun:"student_id,notnull"`
	StudentName      string          `bun:"student_name,notnull"`
	LevelID          string          `bun:"level_id,notnull"`
	WeekNo           int             `bun:"week_no,notnull"`
	Difficulty       string          `bun:"difficulty,notnull"`
	Answers          []domain.Answer `bun:"answers,type:jsonb,notnull"`
	Score            int             `bun:"score,notnull"`
	CorrectAnswers   int             `bun:"correct_answers,notnull"`
	TotalQuestions   int             `bun:"total_questions,notnull"`
	Points           int             `bun:"points,notnull"`
	TimeSpentSeconds int             `bun:"time_spent_seconds,notnull"`
	StartedAt        time.Time       `bun:"started_at,notnull"`
	CompletedAt      *time.Time      `bun:"completed_at"`
	EndReason        string          `bun:"end_reason,nullzero"`
}

func (r attemptRow) toDomain() domain.Attempt {
	return domain.Attempt{
		ID:               r.ID,
		StudentID:        r.StudentID,
		StudentName:      r.StudentName,
		Key:              domain.QuizKey{LevelID: r.LevelID, WeekNo: r.WeekNo, Difficulty: domain.Difficulty(r.Difficulty)},
		Answers:          r.Answers,
		Score:            r.Score,
		CorrectAnswers:   r.CorrectAnswers,
		TotalQuestions:   r.TotalQuestions,
		Points:           r.Points,
		TimeSpentSeconds: r.TimeSpentSeconds,
		StartedAt:        r.StartedAt,
		CompletedAt:      r.CompletedAt,
		EndReason:        domain.EndReason(r.EndReason),
	}
}

// AttemptStore persists attempts with bun. Finalization is a conditional update on
// completed_at IS NULL, so the first writer wins without locks.
type AttemptStore struct {
	db *bun.DB
}

func NewAttemptStore(db *bun.DB) *AttemptStore {
	return &AttemptStore{db: db}
}

func (s *AttemptStore) CreateAttempt(ctx context.Context, draft domain.Attempt) (string, error) {
	if draft.ID == "" {
		draft.ID = uuid.NewString()
	}
	row := attemptRow{
		ID:             draft.ID,
		StudentID:      draft.StudentID,
		StudentName:    draft.StudentName,
		LevelID:        draft.Key.LevelID,
		WeekNo:         draft.Key.WeekNo,
		Difficulty:     string(draft.Key.Difficulty),
		Answers:        []domain.Answer{},
		TotalQuestions: draft.TotalQuestions,
		StartedAt:      draft.StartedAt,
	}
	res, err := s.db.NewInsert().Model(&row).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("insert attempt: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return draft.ID, nil
	}

	existing, err := s.GetAttempt(ctx, draft.ID)
	if err != nil {
		return "", err
	}
	if existing.StudentID != draft.StudentID || existing.Key != draft.Key {
		return "", fmt.Errorf("%w: attempt id %s is taken", domain.ErrConflict, draft.ID)
	}
	return draft.ID, nil
}

func (s *AttemptStore) FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error {
	completedAt := f.CompletedAt
	answers := f.Answers
	if answers == nil {
		answers = []domain.Answer{}
	}
	row := attemptRow{
		ID:               id,
		Answers:          answers,
		Score:            f.Score,
		CorrectAnswers:   f.CorrectAnswers,
		Points:           f.Points,
		TimeSpentSeconds: f.TimeSpentSeconds,
		CompletedAt:      &completedAt,
		EndReason:        string(f.EndReason),
	}
	res, err := s.db.NewUpdate().
		Model(&row).
		Column("answers", "score", "correct_answers", "points", "time_spent_seconds", "completed_at", "end_reason").
		WherePK().
		Where("completed_at IS NULL").
		Exec(ctx)
	if err != nil {
		return domain.Transient(fmt.Errorf("finalize attempt: %w", err))
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	existing, err := s.GetAttempt(ctx, id)
	if err != nil {
		return err
	}
	if existing.Finalization().SameResult(f) {
		return nil
	}
	return domain.ErrAttemptAlreadyFinalized
}

func (s *AttemptStore) GetAttempt(ctx context.Context, id string) (domain.Attempt, error) {
	var row attemptRow
	err := s.db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Attempt{}, domain.ErrAttemptNotFound
	}
	if err != nil {
		return domain.Attempt{}, domain.Transient(fmt.Errorf("get attempt: %w", err))
	}
	return row.toDomain(), nil
}

func (s *AttemptStore) ListCompletedAttempts(ctx context.Context, key domain.QuizKey) ([]domain.Attempt, error) {
	var rows []attemptRow
	err := s.db.NewSelect().
		Model(&rows).
		Where("level_id = ?", key.LevelID).
		Where("week_no = ?", key.WeekNo).
		Where("difficulty = ?", string(key.Difficulty)).
		Where("completed_at IS NOT NULL").
		Scan(ctx)
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("list attempts: %w", err))
	}
	out := make([]domain.Attempt, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}
