// Package http exposes the REST and WebSocket surface of the service.
package http

import (
	"net/http"

	"go.uber.org/zap"

	"quizrank-service/internal/app"
	"quizrank-service/internal/metrics"
	"quizrank-service/internal/session"
)

// Services are the use cases the handlers call into.
type Services struct {
	Questions    app.QuestionSource
	Submissions  Submitter
	Leaderboards Leaderboards
	Access       AccessWorkflow
	Rules        session.Rules
	Logger       *zap.Logger
	Metrics      *metrics.Metrics
}

// NewRouter registers every route on a fresh mux.
func NewRouter(s Services) http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	if s.Metrics == nil {
		s.Metrics = metrics.New()
	}
	api := NewAPIHandler(s)
	ws := NewWSHandler(s)

	mux := http.NewServeMux()
	handle := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, s.Metrics.Middleware(pattern, h))
	}

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.Metrics.Handler())

	handle("POST /attempts", api.SubmitAttempt)
	handle("GET /leaderboard", api.Leaderboard)
	handle("GET /rank", api.Rank)
	handle("POST /access-requests", api.RequestAccess)
	handle("GET /access-requests", api.ListAccessRequests)
	handle("POST /access-requests/{id}/approve", api.ApproveAccess)
	handle("POST /access-requests/{id}/deny", api.DenyAccess)
	handle("POST /access-requests/bulk-approve", api.BulkApproveAccess)
	handle("POST /access-requests/bulk-deny", api.BulkDenyAccess)

	mux.HandleFunc("GET /ws", ws.ServeWS)
	mux.HandleFunc("GET /ws/leaderboard", ws.ServeLeaderboard)
	return mux
}
