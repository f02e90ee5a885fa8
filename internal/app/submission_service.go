package app

import (
	"context"

	"go.uber.org/zap"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/metrics"
)

// AttemptStore persists attempts. FinalizeAttempt is write-once and idempotent for an
// identical result.
type AttemptStore interface {
	CreateAttempt(ctx context.Context, draft domain.Attempt) (string, error)
	FinalizeAttempt(ctx context.Context, id string, f domain.Finalization) error
	GetAttempt(ctx context.Context, id string) (domain.Attempt, error)
}

// Ranker is the authoritative ranking side.
type Ranker interface {
	Record(ctx context.Context, attempt domain.Attempt) error
	Rank(ctx context.Context, studentID string, key domain.QuizKey) (domain.RankingResult, error)
}

// LiveView receives optimistic updates for connected viewers.
type LiveView interface {
	ApplyLocal(attempt domain.Attempt) (domain.RankingResult, bool)
}

// ChangePublisher announces stored attempts to other instances.
type ChangePublisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}

// SubmissionService contains the submit-attempt use case.
type SubmissionService struct {
	store   AttemptStore
	ranker  Ranker
	live    LiveView
	feed    ChangePublisher
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewSubmissionService wires the use case. live and feed are optional.
func NewSubmissionService(store AttemptStore, ranker Ranker, live LiveView, feed ChangePublisher, logger *zap.Logger, m *metrics.Metrics) *SubmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	return &SubmissionService{store: store, ranker: ranker, live: live, feed: feed, log: logger, metrics: m}
}

// Record persists a completed attempt and reports the student's standing. Recording the same
// attempt again returns the same outcome; a different result for a stored attempt is a conflict.
func (s *SubmissionService) Record(ctx context.Context, attempt domain.Attempt) (domain.Submission, error) {
	sub, err := s.record(ctx, attempt)
	outcome := "ok"
	if err != nil {
		outcome = domain.Code(err)
	}
	s.metrics.Submissions.WithLabelValues(outcome).Inc()
	return sub, err
}

func (s *SubmissionService) record(ctx context.Context, attempt domain.Attempt) (domain.Submission, error) {
	if err := validateAttempt(attempt); err != nil {
		return domain.Submission{}, err
	}

	id, err := s.store.CreateAttempt(ctx, attempt)
	if err != nil {
		return domain.Submission{}, err
	}
	attempt.ID = id
	if err := s.store.FinalizeAttempt(ctx, id, attempt.Finalization()); err != nil {
		return domain.Submission{AttemptID: id}, err
	}
	log := s.log.With(
		zap.String("attempt", id),
		zap.String("student", attempt.StudentID),
		zap.Stringer("quiz", attempt.Key),
	)
	log.Info("attempt recorded", zap.Int("score", attempt.Score))

	// The store is the source of truth from here on; the index and the live view catch up.
	if err := s.ranker.Record(ctx, attempt); err != nil {
		log.Warn("ranking index update failed", zap.Error(err))
	}

	var (
		res         domain.RankingResult
		provisional bool
	)
	if s.live != nil {
		res, provisional = s.live.ApplyLocal(attempt)
	}

	if s.feed != nil {
		ev := domain.ChangeEvent{Table: domain.TableAttempts, Key: attempt.Key, Row: attempt}
		if err := s.feed.Publish(ctx, ev); err != nil {
			log.Warn("change publish failed", zap.Error(err))
		}
	}

	if !provisional {
		if res, err = s.ranker.Rank(ctx, attempt.StudentID, attempt.Key); err != nil {
			return domain.Submission{AttemptID: id}, err
		}
	}
	return domain.Submission{AttemptID: id, Ranking: res, Provisional: provisional}, nil
}

func validateAttempt(a domain.Attempt) error {
	if err := a.Key.Validate(); err != nil {
		return err
	}
	if a.StudentID == "" {
		return domain.Invalid("student id is required")
	}
	if !a.Completed() {
		return domain.Invalid("attempt %s is not completed", a.ID)
	}
	if a.Score < 0 || a.Score > 100 {
		return domain.Invalid("score %d is out of range", a.Score)
	}
	if a.CorrectAnswers < 0 || a.TotalQuestions < 0 || a.CorrectAnswers > a.TotalQuestions {
		return domain.Invalid("correct answers %d exceed total %d", a.CorrectAnswers, a.TotalQuestions)
	}
	if len(a.Answers) > a.TotalQuestions {
		return domain.Invalid("attempt has %d answers for %d questions", len(a.Answers), a.TotalQuestions)
	}
	return nil
}
