package http

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"quizrank-service/internal/access"
	"quizrank-service/internal/app"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/livesync"
	"quizrank-service/internal/ranking"
)

// Submitter records completed attempts.
type Submitter interface {
	Record(ctx context.Context, attempt domain.Attempt) (domain.Submission, error)
}

// Leaderboards serves the live views of each quiz.
type Leaderboards interface {
	View(ctx context.Context, key domain.QuizKey) (livesync.View, error)
	Rank(ctx context.Context, key domain.QuizKey, studentID string) (domain.RankingResult, error)
	Subscribe(key domain.QuizKey) (<-chan livesync.View, func())
}

// AccessWorkflow is the level access request use case.
type AccessWorkflow interface {
	Request(ctx context.Context, studentID, levelID string) (domain.AccessRequest, error)
	Approve(ctx context.Context, id, reviewerID string) (domain.AccessRequest, error)
	Deny(ctx context.Context, id, reviewerID string) (domain.AccessRequest, error)
	BulkApprove(ctx context.Context, ids []string, reviewerID string) access.BulkResult
	BulkDeny(ctx context.Context, ids []string, reviewerID string) access.BulkResult
	List(ctx context.Context, status domain.AccessStatus) ([]domain.AccessRequest, error)
}

const (
	defaultLeaderboardLimit = 10
	maxLeaderboardLimit     = 100
)

// APIHandler serves the REST endpoints.
type APIHandler struct {
	questions    app.QuestionSource
	submissions  Submitter
	leaderboards Leaderboards
	access       AccessWorkflow
	log          *zap.Logger
}

func NewAPIHandler(s Services) *APIHandler {
	return &APIHandler{
		questions:    s.Questions,
		submissions:  s.Submissions,
		leaderboards: s.Leaderboards,
		access:       s.Access,
		log:          s.Logger,
	}
}

type answerRequest struct {
	QuestionID       string  `json:"questionId" validate:"required"`
	SelectedAnswer   *string `json:"selectedAnswer"`
	TimeTakenSeconds int     `json:"timeTakenSeconds" validate:"gte=0"`
}

type submitAttemptRequest struct {
	AttemptID   string          `json:"attemptId" validate:"omitempty,max=64"`
	LevelID     string          `json:"levelId" validate:"required,excludesall=:"`
	WeekNo      int             `json:"weekNo" validate:"required,gt=0"`
	Difficulty  string          `json:"difficulty" validate:"required,oneof=easy medium hard"`
	Answers     []answerRequest `json:"answers" validate:"dive"`
	StartedAt   time.Time       `json:"startedAt" validate:"required"`
	CompletedAt time.Time       `json:"completedAt" validate:"required"`
	EndReason   string          `json:"endReason" validate:"omitempty,oneof=completed out-of-lives"`
}

func (req submitAttemptRequest) toAttempt(id domain.Identity) domain.Attempt {
	completedAt := req.CompletedAt
	reason := domain.EndReason(req.EndReason)
	if reason == "" {
		reason = domain.EndCompleted
	}
	answers := make([]domain.Answer, 0, len(req.Answers))
	for _, a := range req.Answers {
		answers = append(answers, domain.Answer{
			QuestionID:       a.QuestionID,
			SelectedAnswer:   a.SelectedAnswer,
			TimeTakenSeconds: a.TimeTakenSeconds,
		})
	}
	return domain.Attempt{
		ID:          req.AttemptID,
		StudentID:   id.UserID,
		StudentName: id.Name,
		Key:         domain.QuizKey{LevelID: req.LevelID, WeekNo: req.WeekNo, Difficulty: domain.Difficulty(req.Difficulty)},
		Answers:     answers,
		StartedAt:   req.StartedAt,
		CompletedAt: &completedAt,
		EndReason:   reason,
	}
}

// SubmitAttempt grades and records an attempt finished on the client.
func (h *APIHandler) SubmitAttempt(w http.ResponseWriter, r *http.Request) {
	id, err := requireRole(r, domain.RoleStudent)
	if err != nil {
		writeError(w, err)
		return
	}
	var req submitAttemptRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.CompletedAt.Before(req.StartedAt) {
		writeError(w, domain.Invalid("completedAt is before startedAt"))
		return
	}

	attempt := req.toAttempt(id)
	if err := attempt.Key.Validate(); err != nil {
		writeError(w, err)
		return
	}
	questions, err := app.QuizQuestions(r.Context(), h.questions, attempt.Key)
	if err != nil {
		writeError(w, err)
		return
	}
	if attempt, err = app.Grade(questions, attempt); err != nil {
		writeError(w, err)
		return
	}

	sub, err := h.submissions.Record(r.Context(), attempt)
	if err != nil {
		h.log.Warn("attempt submission failed", zap.String("student", id.UserID), zap.Error(err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

type leaderboardResponse struct {
	Quiz        domain.QuizKey            `json:"quiz"`
	Entries     []domain.LeaderboardEntry `json:"entries"`
	Tier        livesync.Tier             `json:"tier"`
	Stale       bool                      `json:"stale"`
	RefreshedAt time.Time                 `json:"refreshedAt"`
}

// Leaderboard returns the top entries of a quiz from its live view.
func (h *APIHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	if _, err := identify(r); err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	key, err := quizKeyFrom(q)
	if err != nil {
		writeError(w, err)
		return
	}
	limit := defaultLeaderboardLimit
	if raw := q.Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > maxLeaderboardLimit {
			writeError(w, domain.Invalid("limit must be between 1 and %d", maxLeaderboardLimit))
			return
		}
	}

	view, err := h.leaderboards.View(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{
		Quiz:        key,
		Entries:     ranking.Top(view.Standings, limit),
		Tier:        view.Tier,
		Stale:       view.Stale,
		RefreshedAt: view.RefreshedAt,
	})
}

// Rank returns one student's standing. Students may only ask for their own.
func (h *APIHandler) Rank(w http.ResponseWriter, r *http.Request) {
	id, err := identify(r)
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	key, err := quizKeyFrom(q)
	if err != nil {
		writeError(w, err)
		return
	}
	studentID := q.Get("studentId")
	if studentID == "" {
		studentID = id.UserID
	}
	if studentID != id.UserID && id.Role != domain.RoleAdmin {
		writeError(w, domain.ErrForbidden)
		return
	}

	res, err := h.leaderboards.Rank(r.Context(), key, studentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type accessRequestBody struct {
	LevelID string `json:"levelId" validate:"required"`
}

// RequestAccess files a pending access request for the calling student.
func (h *APIHandler) RequestAccess(w http.ResponseWriter, r *http.Request) {
	id, err := requireRole(r, domain.RoleStudent)
	if err != nil {
		writeError(w, err)
		return
	}
	var body accessRequestBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	req, err := h.access.Request(r.Context(), id.UserID, body.LevelID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// ListAccessRequests lists requests, optionally filtered by ?status=.
func (h *APIHandler) ListAccessRequests(w http.ResponseWriter, r *http.Request) {
	if _, err := requireRole(r, domain.RoleAdmin); err != nil {
		writeError(w, err)
		return
	}
	var status domain.AccessStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := domain.ParseAccessStatus(raw)
		if err != nil {
			writeError(w, err)
			return
		}
		status = s
	}
	reqs, err := h.access.List(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if reqs == nil {
		reqs = []domain.AccessRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs})
}

// ApproveAccess and DenyAccess review a single request.
func (h *APIHandler) ApproveAccess(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.access.Approve)
}

func (h *APIHandler) DenyAccess(w http.ResponseWriter, r *http.Request) {
	h.review(w, r, h.access.Deny)
}

func (h *APIHandler) review(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id, reviewerID string) (domain.AccessRequest, error)) {
	admin, err := requireRole(r, domain.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	req, err := op(r.Context(), r.PathValue("id"), admin.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

type bulkReviewBody struct {
	IDs []string `json:"ids" validate:"required,min=1,max=500,dive,required"`
}

type bulkFailure struct {
	ID    string    `json:"id"`
	Error errorBody `json:"error"`
}

type bulkResponse struct {
	Successful []domain.AccessRequest `json:"successful"`
	Failed     []bulkFailure          `json:"failed"`
}

func (h *APIHandler) BulkApproveAccess(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.access.BulkApprove)
}

func (h *APIHandler) BulkDenyAccess(w http.ResponseWriter, r *http.Request) {
	h.bulk(w, r, h.access.BulkDeny)
}

// bulk always answers 200; per-id failures are reported in the body.
func (h *APIHandler) bulk(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, ids []string, reviewerID string) access.BulkResult) {
	admin, err := requireRole(r, domain.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	var body bulkReviewBody
	if err := decode(r, &body); err != nil {
		writeError(w, err)
		return
	}
	res := op(r.Context(), body.IDs, admin.UserID)

	out := bulkResponse{Successful: res.Successful, Failed: make([]bulkFailure, 0, len(res.Failed))}
	if out.Successful == nil {
		out.Successful = []domain.AccessRequest{}
	}
	for _, f := range res.Failed {
		out.Failed = append(out.Failed, bulkFailure{ID: f.ID, Error: newErrorBody(f.Err)})
	}
	writeJSON(w, http.StatusOK, out)
}

func quizKeyFrom(q url.Values) (domain.QuizKey, error) {
	week, err := strconv.Atoi(q.Get("week"))
	if err != nil {
		return domain.QuizKey{}, domain.Invalid("week must be a number")
	}
	key := domain.QuizKey{
		LevelID:    q.Get("level"),
		WeekNo:     week,
		Difficulty: domain.Difficulty(q.Get("difficulty")),
	}
	return key, key.Validate()
}
