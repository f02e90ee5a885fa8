package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"quizrank-service/internal/domain"
)

// AccessStore keeps access requests and level grants in process. A single mutex plays the role
// of the transaction that ties a review to its grant.
type AccessStore struct {
	mu       sync.RWMutex
	requests map[string]domain.AccessRequest
	grants   map[grantKey]domain.LevelGrant
}

type grantKey struct {
	studentID string
	levelID   string
}

func NewAccessStore() *AccessStore {
	return &AccessStore{
		requests: make(map[string]domain.AccessRequest),
		grants:   make(map[grantKey]domain.LevelGrant),
	}
}

// Create inserts a pending request. A second pending request for the same student and level
// is rejected.
func (s *AccessStore) Create(_ context.Context, req domain.AccessRequest) (domain.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.requests {
		if existing.Status == domain.StatusPending && existing.StudentID == req.StudentID && existing.LevelID == req.LevelID {
			return domain.AccessRequest{}, domain.ErrPendingRequestExists
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = domain.StatusPending
	req.ReviewedAt = nil
	req.ReviewedBy = ""
	s.requests[req.ID] = req
	return req, nil
}

func (s *AccessStore) Get(_ context.Context, id string) (domain.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.AccessRequest{}, domain.ErrRequestNotFound
	}
	return req, nil
}

// FindPending returns the pending request of a student for a level, if any.
func (s *AccessStore) FindPending(_ context.Context, studentID, levelID string) (domain.AccessRequest, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, req := range s.requests {
		if req.Status == domain.StatusPending && req.StudentID == studentID && req.LevelID == levelID {
			return req, true, nil
		}
	}
	return domain.AccessRequest{}, false, nil
}

// List returns requests with the given status, oldest first. An empty status lists all.
func (s *AccessStore) List(_ context.Context, status domain.AccessStatus) ([]domain.AccessRequest, error) {
	s.mu.RLock()
	out := make([]domain.AccessRequest, 0, len(s.requests))
	for _, req := range s.requests {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RequestedAt.Before(out[j].RequestedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Review moves a pending request to status and, for approvals, grants the level. A request that
// is no longer pending is returned unchanged together with ErrRequestNotPending.
func (s *AccessStore) Review(_ context.Context, id string, status domain.AccessStatus, reviewerID string, at time.Time) (domain.AccessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return domain.AccessRequest{}, domain.ErrRequestNotFound
	}
	if req.Status != domain.StatusPending {
		return req, domain.ErrRequestNotPending
	}
	req.Status = status
	req.ReviewedAt = &at
	req.ReviewedBy = reviewerID
	s.requests[id] = req
	if status == domain.StatusApproved {
		s.grantLocked(domain.LevelGrant{StudentID: req.StudentID, LevelID: req.LevelID, RequestID: req.ID, GrantedAt: at})
	}
	return req, nil
}

func (s *AccessStore) HasGrant(_ context.Context, studentID, levelID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.grants[grantKey{studentID, levelID}]
	return ok, nil
}

// Grant records a grant. An existing grant is kept as is.
func (s *AccessStore) Grant(_ context.Context, g domain.LevelGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantLocked(g)
	return nil
}

func (s *AccessStore) grantLocked(g domain.LevelGrant) {
	k := grantKey{g.StudentID, g.LevelID}
	if _, ok := s.grants[k]; ok {
		return
	}
	s.grants[k] = g
}
