package access_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"quizrank-service/internal/access"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/infra/memory"
	"quizrank-service/internal/metrics"
)

func newService(t *testing.T) (*access.Service, *memory.AccessStore, *time.Time) {
	t.Helper()
	now := time.Date(2024, 11, 22, 8, 0, 0, 0, time.UTC)
	store := memory.NewAccessStore()
	svc := access.NewService(store, zaptest.NewLogger(t), metrics.New(), func() time.Time { return now })
	return svc, store, &now
}

func TestRequestRejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	if _, err := svc.Request(ctx, "", "L2"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	req, err := svc.Request(ctx, "s1", "L2")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", req.Status)
	}
	if _, err := svc.Request(ctx, "s1", "L2"); !errors.Is(err, domain.ErrPendingRequestExists) {
		t.Fatalf("expected pending conflict, got %v", err)
	}

	if _, err := svc.Approve(ctx, req.ID, "admin"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := svc.Request(ctx, "s1", "L2"); !errors.Is(err, domain.ErrAccessAlreadyGranted) {
		t.Fatalf("expected granted conflict, got %v", err)
	}
}

func TestReviewOfTerminalRequestIsInvalidState(t *testing.T) {
	ctx := context.Background()
	svc, _, now := newService(t)
	req, _ := svc.Request(ctx, "s1", "L3")

	approvedAt := *now
	approved, err := svc.Approve(ctx, req.ID, "admin-1")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if ok, _ := svc.HasAccess(ctx, "s1", "L3"); !ok {
		t.Fatalf("approval must grant access")
	}

	*now = now.Add(time.Hour)
	denied, err := svc.Deny(ctx, req.ID, "admin-2")
	if !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if denied.Status != domain.StatusApproved || denied.ReviewedBy != "admin-1" || !denied.ReviewedAt.Equal(approvedAt) {
		t.Fatalf("review stamps changed: %+v", denied)
	}
	if _, err := svc.Approve(ctx, req.ID, "admin-2"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expected invalid state on re-approve, got %v", err)
	}
	if approved.ReviewedBy != "admin-1" {
		t.Fatalf("unexpected reviewer %q", approved.ReviewedBy)
	}

	if _, err := svc.Approve(ctx, "missing", "admin"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestBulkApprovePartialFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)

	a, _ := svc.Request(ctx, "s1", "L1")
	b, _ := svc.Request(ctx, "s2", "L1")
	c, _ := svc.Request(ctx, "s3", "L1")
	if _, err := svc.Deny(ctx, b.ID, "admin"); err != nil {
		t.Fatalf("deny: %v", err)
	}

	res := svc.BulkApprove(ctx, []string{a.ID, b.ID, "missing", c.ID, a.ID}, "admin")
	if len(res.Successful) != 2 || res.Successful[0].ID != a.ID || res.Successful[1].ID != c.ID {
		t.Fatalf("unexpected successes %+v", res.Successful)
	}
	if len(res.Failed) != 2 {
		t.Fatalf("expected 2 failures, got %+v", res.Failed)
	}
	if res.Failed[0].ID != b.ID || !errors.Is(res.Failed[0].Err, domain.ErrInvalidState) {
		t.Fatalf("expected b to fail with invalid state, got %+v", res.Failed[0])
	}
	if res.Failed[1].ID != "missing" || !errors.Is(res.Failed[1].Err, domain.ErrNotFound) {
		t.Fatalf("expected missing to fail with not found, got %+v", res.Failed[1])
	}
	for _, student := range []string{"s1", "s3"} {
		if ok, _ := svc.HasAccess(ctx, student, "L1"); !ok {
			t.Fatalf("expected %s to be granted", student)
		}
	}
	if ok, _ := svc.HasAccess(ctx, "s2", "L1"); ok {
		t.Fatalf("denied student must not be granted")
	}
}

func TestBulkDenyAndList(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newService(t)
	a, _ := svc.Request(ctx, "s1", "L1")
	_, _ = svc.Request(ctx, "s2", "L1")

	res := svc.BulkDeny(ctx, []string{a.ID}, "admin")
	if len(res.Successful) != 1 || res.Successful[0].Status != domain.StatusDenied || len(res.Failed) != 0 {
		t.Fatalf("unexpected bulk deny result %+v", res)
	}
	pending, err := svc.List(ctx, domain.StatusPending)
	if err != nil || len(pending) != 1 || pending[0].StudentID != "s2" {
		t.Fatalf("unexpected pending list %+v %v", pending, err)
	}
}
