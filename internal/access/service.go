// Package access implements the level access request workflow.
package access

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/metrics"
)

// Store persists requests and grants. Review must move a request out of pending and record the
// grant of an approval atomically, and must return the current request together with
// domain.ErrRequestNotPending when the request was already reviewed.
type Store interface {
	Create(ctx context.Context, req domain.AccessRequest) (domain.AccessRequest, error)
	Get(ctx context.Context, id string) (domain.AccessRequest, error)
	FindPending(ctx context.Context, studentID, levelID string) (domain.AccessRequest, bool, error)
	List(ctx context.Context, status domain.AccessStatus) ([]domain.AccessRequest, error)
	Review(ctx context.Context, id string, status domain.AccessStatus, reviewerID string, at time.Time) (domain.AccessRequest, error)
	HasGrant(ctx context.Context, studentID, levelID string) (bool, error)
	Grant(ctx context.Context, g domain.LevelGrant) error
}

// BulkFailure is one request a bulk review could not transition.
type BulkFailure struct {
	ID  string
	Err error
}

// BulkResult lists outcomes in input order.
type BulkResult struct {
	Successful []domain.AccessRequest
	Failed     []BulkFailure
}

const bulkConcurrency = 8

type Service struct {
	store   Store
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func NewService(store Store, logger *zap.Logger, m *metrics.Metrics, clock func() time.Time) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Service{store: store, log: logger, metrics: m, now: clock}
}

// Request files a pending request for a level the student cannot play yet.
func (s *Service) Request(ctx context.Context, studentID, levelID string) (domain.AccessRequest, error) {
	if studentID == "" || levelID == "" {
		return domain.AccessRequest{}, domain.Invalid("student id and level id are required")
	}
	granted, err := s.store.HasGrant(ctx, studentID, levelID)
	if err != nil {
		return domain.AccessRequest{}, err
	}
	if granted {
		return domain.AccessRequest{}, domain.ErrAccessAlreadyGranted
	}
	if _, pending, err := s.store.FindPending(ctx, studentID, levelID); err != nil {
		return domain.AccessRequest{}, err
	} else if pending {
		return domain.AccessRequest{}, domain.ErrPendingRequestExists
	}

	req, err := s.store.Create(ctx, domain.AccessRequest{
		StudentID:   studentID,
		LevelID:     levelID,
		Status:      domain.StatusPending,
		RequestedAt: s.now(),
	})
	if err != nil {
		return domain.AccessRequest{}, err
	}
	s.log.Info("access requested", zap.String("request", req.ID), zap.String("student", studentID), zap.String("level", levelID))
	return req, nil
}

// Approve moves a pending request to approved and grants the level.
func (s *Service) Approve(ctx context.Context, id, reviewerID string) (domain.AccessRequest, error) {
	return s.review(ctx, id, domain.StatusApproved, reviewerID)
}

// Deny moves a pending request to denied.
func (s *Service) Deny(ctx context.Context, id, reviewerID string) (domain.AccessRequest, error) {
	return s.review(ctx, id, domain.StatusDenied, reviewerID)
}

func (s *Service) BulkApprove(ctx context.Context, ids []string, reviewerID string) BulkResult {
	return s.bulk(ctx, ids, domain.StatusApproved, reviewerID)
}

func (s *Service) BulkDeny(ctx context.Context, ids []string, reviewerID string) BulkResult {
	return s.bulk(ctx, ids, domain.StatusDenied, reviewerID)
}

// List returns the requests with status, all of them when status is empty.
func (s *Service) List(ctx context.Context, status domain.AccessStatus) ([]domain.AccessRequest, error) {
	return s.store.List(ctx, status)
}

func (s *Service) HasAccess(ctx context.Context, studentID, levelID string) (bool, error) {
	return s.store.HasGrant(ctx, studentID, levelID)
}

func (s *Service) review(ctx context.Context, id string, status domain.AccessStatus, reviewerID string) (domain.AccessRequest, error) {
	if id == "" || reviewerID == "" {
		return domain.AccessRequest{}, domain.Invalid("request id and reviewer are required")
	}
	req, err := s.store.Review(ctx, id, status, reviewerID, s.now())
	if errors.Is(err, domain.ErrRequestNotPending) && status == domain.StatusApproved && req.Status == domain.StatusApproved {
		// Re-approving repairs a missing grant without touching the review stamps.
		grantedAt := s.now()
		if req.ReviewedAt != nil {
			grantedAt = *req.ReviewedAt
		}
		if gerr := s.store.Grant(ctx, domain.LevelGrant{StudentID: req.StudentID, LevelID: req.LevelID, RequestID: req.ID, GrantedAt: grantedAt}); gerr != nil {
			s.log.Warn("re-asserting grant failed", zap.String("request", id), zap.Error(gerr))
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = domain.Code(err)
	}
	s.metrics.AccessReviews.WithLabelValues(string(status), outcome).Inc()
	if err != nil {
		return req, err
	}
	s.log.Info("access reviewed",
		zap.String("request", id),
		zap.String("status", string(status)),
		zap.String("reviewer", reviewerID),
	)
	return req, nil
}

func (s *Service) bulk(ctx context.Context, ids []string, status domain.AccessStatus, reviewerID string) BulkResult {
	ids = dedupe(ids)
	reqs := make([]domain.AccessRequest, len(ids))
	errs := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(bulkConcurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			reqs[i], errs[i] = s.review(ctx, id, status, reviewerID)
			return nil
		})
	}
	_ = g.Wait()

	var res BulkResult
	for i, id := range ids {
		if errs[i] != nil {
			res.Failed = append(res.Failed, BulkFailure{ID: id, Err: errs[i]})
			continue
		}
		res.Successful = append(res.Successful, reqs[i])
	}
	if len(res.Failed) > 0 {
		s.log.Warn("bulk review partially failed",
			zap.String("status", string(status)),
			zap.Int("succeeded", len(res.Successful)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
