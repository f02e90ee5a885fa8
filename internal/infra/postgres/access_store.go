package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/driver/pgdriver"

	"quizrank-service/internal/domain"
)

type accessRequestRow struct {
	bun.BaseModel `bun:"table:access_requests,alias:ar"`

	ID          string     `bun:"id,pk"`
	StudentID   string     `bun:"student_id,notnull"`
	LevelID     string     `bun:"level_id,notnull"`
	Status      string     `bun:"status,notnull"`
	RequestedAt time.Time  `bun:"requested_at,notnull"`
	ReviewedAt  *time.Time `bun:"reviewed_at"`
	ReviewedBy  string     `bun:"reviewed_by,nullzero"`
}

func (r accessRequestRow) toDomain() domain.AccessRequest {
	return domain.AccessRequest{
		ID:          r.ID,
		StudentID:   r.StudentID,
		LevelID:     r.LevelID,
		Status:      domain.AccessStatus(r.Status),
		RequestedAt: r.RequestedAt,
		ReviewedAt:  r.ReviewedAt,
		ReviewedBy:  r.ReviewedBy,
	}
}

type levelGrantRow struct {
	bun.BaseModel `bun:"table:level_access_grants,alias:g"`

	StudentID string    `bun:"student_id,pk"`
	LevelID   string    `bun:"level_id,pk"`
	RequestID string    `bun:"request_id,nullzero"`
	GrantedAt time.Time `bun:"granted_at,notnull"`
}

// AccessStore keeps access requests and grants in Postgres. The partial unique index on
// pending requests rejects a second pending request even under concurrent inserts.
type AccessStore struct {
	db *bun.DB
}

func NewAccessStore(db *bun.DB) *AccessStore {
	return &AccessStore{db: db}
}

func (s *AccessStore) Create(ctx context.Context, req domain.AccessRequest) (domain.AccessRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	row := accessRequestRow{
		ID:          req.ID,
		StudentID:   req.StudentID,
		LevelID:     req.LevelID,
		Status:      string(domain.StatusPending),
		RequestedAt: req.RequestedAt,
	}
	if _, err := s.db.NewInsert().Model(&row).Exec(ctx); err != nil {
		if uniqueViolation(err) {
			return domain.AccessRequest{}, domain.ErrPendingRequestExists
		}
		return domain.AccessRequest{}, domain.Transient(fmt.Errorf("insert access request: %w", err))
	}
	return row.toDomain(), nil
}

func (s *AccessStore) Get(ctx context.Context, id string) (domain.AccessRequest, error) {
	return s.get(ctx, s.db, id)
}

func (s *AccessStore) FindPending(ctx context.Context, studentID, levelID string) (domain.AccessRequest, bool, error) {
	var row accessRequestRow
	err := s.db.NewSelect().Model(&row).
		Where("student_id = ?", studentID).
		Where("level_id = ?", levelID).
		Where("status = ?", string(domain.StatusPending)).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccessRequest{}, false, nil
	}
	if err != nil {
		return domain.AccessRequest{}, false, domain.Transient(fmt.Errorf("find pending request: %w", err))
	}
	return row.toDomain(), true, nil
}

func (s *AccessStore) List(ctx context.Context, status domain.AccessStatus) ([]domain.AccessRequest, error) {
	var rows []accessRequestRow
	q := s.db.NewSelect().Model(&rows).Order("requested_at ASC", "id ASC")
	if status != "" {
		q = q.Where("status = ?", string(status))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, domain.Transient(fmt.Errorf("list access requests: %w", err))
	}
	out := make([]domain.AccessRequest, len(rows))
	for i, r := range rows {
		out[i] = r.toDomain()
	}
	return out, nil
}

// Review moves a pending request to status in one transaction with the grant it implies.
// A request that is no longer pending is returned unchanged with ErrRequestNotPending.
func (s *AccessStore) Review(ctx context.Context, id string, status domain.AccessStatus, reviewerID string, at time.Time) (domain.AccessRequest, error) {
	var (
		out    domain.AccessRequest
		result error
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		row := accessRequestRow{Status: string(status), ReviewedAt: &at, ReviewedBy: reviewerID}
		err := tx.NewUpdate().Model(&row).
			Column("status", "reviewed_at", "reviewed_by").
			Where("id = ?", id).
			Where("status = ?", string(domain.StatusPending)).
			Returning("*").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			current, err := s.get(ctx, tx, id)
			if err != nil {
				return err
			}
			out, result = current, domain.ErrRequestNotPending
			return nil
		}
		if err != nil {
			return err
		}
		out = row.toDomain()
		if status == domain.StatusApproved {
			return s.grant(ctx, tx, domain.LevelGrant{StudentID: out.StudentID, LevelID: out.LevelID, RequestID: out.ID, GrantedAt: at})
		}
		return nil
	})
	if err != nil {
		if domain.Classified(err) {
			return domain.AccessRequest{}, err
		}
		return domain.AccessRequest{}, domain.Transient(fmt.Errorf("review access request: %w", err))
	}
	return out, result
}

func (s *AccessStore) HasGrant(ctx context.Context, studentID, levelID string) (bool, error) {
	ok, err := s.db.NewSelect().Model((*levelGrantRow)(nil)).
		Where("student_id = ?", studentID).
		Where("level_id = ?", levelID).
		Exists(ctx)
	if err != nil {
		return false, domain.Transient(fmt.Errorf("check grant: %w", err))
	}
	return ok, nil
}

// Grant records a grant; an existing grant is kept.
func (s *AccessStore) Grant(ctx context.Context, g domain.LevelGrant) error {
	if err := s.grant(ctx, s.db, g); err != nil {
		return domain.Transient(fmt.Errorf("grant level: %w", err))
	}
	return nil
}

func (s *AccessStore) grant(ctx context.Context, db bun.IDB, g domain.LevelGrant) error {
	row := levelGrantRow{StudentID: g.StudentID, LevelID: g.LevelID, RequestID: g.RequestID, GrantedAt: g.GrantedAt}
	_, err := db.NewInsert().Model(&row).On("CONFLICT (student_id, level_id) DO NOTHING").Exec(ctx)
	return err
}

func (s *AccessStore) get(ctx context.Context, db bun.IDB, id string) (domain.AccessRequest, error) {
	var row accessRequestRow
	err := db.NewSelect().Model(&row).Where("id = ?", id).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AccessRequest{}, domain.ErrRequestNotFound
	}
	if err != nil {
		return domain.AccessRequest{}, domain.Transient(fmt.Errorf("get access request: %w", err))
	}
	return row.toDomain(), nil
}

func uniqueViolation(err error) bool {
	var pgErr pgdriver.Error
	return errors.As(err, &pgErr) && pgErr.Field('C') == "23505"
}
