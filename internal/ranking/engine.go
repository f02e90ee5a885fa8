package ranking

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/metrics"
)

// AttemptLister is the store side of the fallback path.
type AttemptLister interface {
	ListCompletedAttempts(ctx context.Context, key domain.QuizKey) ([]domain.Attempt, error)
}

// Index is a precomputed ordered index of best standings per quiz. It must order ties the same
// way Less does and count rank the same way RankOf does.
type Index interface {
	Ready(ctx context.Context, key domain.QuizKey) (bool, error)
	Record(ctx context.Context, key domain.QuizKey, s domain.Standing) error
	Rebuild(ctx context.Context, key domain.QuizKey, standings []domain.Standing) error
	// Invalidate clears readiness so reads scan until the next rebuild.
	Invalidate(ctx context.Context, key domain.QuizKey) error
	Rank(ctx context.Context, key domain.QuizKey, studentID string) (domain.RankingResult, error)
	Top(ctx context.Context, key domain.QuizKey, limit int) ([]domain.Standing, error)
}

// Engine answers rank and leaderboard queries. It prefers the index and falls back to a
// linear scan of completed attempts when the index is absent, cold or failing.
type Engine struct {
	store   AttemptLister
	index   Index
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine wires the engine. index may be nil, in which case every query scans.
func NewEngine(store AttemptLister, index Index, logger *zap.Logger, m *metrics.Metrics) *Engine {
	return &Engine{store: store, index: index, log: logger, metrics: m, now: time.Now}
}

// Record feeds a completed attempt into the index. Without an index it is a no-op. When the
// index misses the attempt it is marked not ready, so reads scan the store until a rebuild.
func (e *Engine) Record(ctx context.Context, attempt domain.Attempt) error {
	if e.index == nil || !attempt.Completed() {
		return nil
	}
	err := e.index.Record(ctx, attempt.Key, domain.StandingOf(attempt))
	if err == nil {
		return nil
	}
	if ierr := e.index.Invalidate(ctx, attempt.Key); ierr != nil {
		e.log.Error("ranking index may serve stale ranks until its readiness expires",
			zap.Stringer("quiz", attempt.Key),
			zap.Error(ierr),
		)
	}
	return err
}

// Rank computes a student's rank and percentile within the quiz cohort.
func (e *Engine) Rank(ctx context.Context, studentID string, key domain.QuizKey) (domain.RankingResult, error) {
	if e.indexReady(ctx, key) {
		res, err := e.index.Rank(ctx, key, studentID)
		if err == nil {
			e.metrics.RankingPath.WithLabelValues("index").Inc()
			return res, nil
		}
		// A missing member may only mean the index lags the store.
		if !errors.Is(err, domain.ErrNotRanked) {
			e.log.Warn("ranking index rank failed, scanning", zap.Stringer("quiz", key), zap.Error(err))
		}
	}
	return e.RankByScan(ctx, studentID, key)
}

// RankByScan always takes the fallback path.
func (e *Engine) RankByScan(ctx context.Context, studentID string, key domain.QuizKey) (domain.RankingResult, error) {
	standings, err := e.scan(ctx, key)
	if err != nil {
		return domain.RankingResult{}, err
	}
	return RankOf(standings, studentID)
}

// Standings returns every student's best standing, best first.
func (e *Engine) Standings(ctx context.Context, key domain.QuizKey) ([]domain.Standing, error) {
	if e.indexReady(ctx, key) {
		standings, err := e.index.Top(ctx, key, 0)
		if err == nil {
			e.metrics.RankingPath.WithLabelValues("index").Inc()
			return standings, nil
		}
		e.log.Warn("ranking index read failed, scanning", zap.Stringer("quiz", key), zap.Error(err))
	}
	return e.scan(ctx, key)
}

// StandingsByScan always takes the fallback path.
func (e *Engine) StandingsByScan(ctx context.Context, key domain.QuizKey) ([]domain.Standing, error) {
	return e.scan(ctx, key)
}

// Leaderboard returns the top limit students for the quiz.
func (e *Engine) Leaderboard(ctx context.Context, key domain.QuizKey, limit int) (domain.Leaderboard, error) {
	var (
		standings []domain.Standing
		err       error
	)
	if e.indexReady(ctx, key) {
		standings, err = e.index.Top(ctx, key, limit)
		if err != nil {
			e.log.Warn("ranking index top failed, scanning", zap.Stringer("quiz", key), zap.Error(err))
		} else {
			e.metrics.RankingPath.WithLabelValues("index").Inc()
		}
	}
	if standings == nil {
		if standings, err = e.scan(ctx, key); err != nil {
			return domain.Leaderboard{}, err
		}
	}
	return domain.Leaderboard{Key: key, Entries: Top(standings, limit), UpdatedAt: e.now()}, nil
}

func (e *Engine) indexReady(ctx context.Context, key domain.QuizKey) bool {
	if e.index == nil {
		return false
	}
	ready, err := e.index.Ready(ctx, key)
	if err != nil {
		e.log.Warn("ranking index unavailable", zap.Stringer("quiz", key), zap.Error(err))
		return false
	}
	return ready
}

func (e *Engine) scan(ctx context.Context, key domain.QuizKey) ([]domain.Standing, error) {
	attempts, err := e.store.ListCompletedAttempts(ctx, key)
	if err != nil {
		return nil, domain.Transient(err)
	}
	e.metrics.RankingPath.WithLabelValues("scan").Inc()
	standings := BestPerStudent(attempts)

	if e.index != nil {
		// Rebuild merges monotonically, so racing with Record cannot lose a better score.
		if err := e.index.Rebuild(ctx, key, standings); err != nil {
			e.log.Warn("ranking index rebuild failed", zap.Stringer("quiz", key), zap.Error(err))
		}
	}
	return standings, nil
}
