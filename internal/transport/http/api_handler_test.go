package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"quizrank-service/internal/access"
	"quizrank-service/internal/app"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/infra/memory"
	"quizrank-service/internal/livesync"
	"quizrank-service/internal/metrics"
	"quizrank-service/internal/ranking"
	"quizrank-service/internal/session"
)

const quizQuery = "level=L1&week=1&difficulty=medium"

type testServer struct {
	*httptest.Server
	attempts *memory.AttemptStore
	hub      *livesync.Hub
}

func newTestServer(t *testing.T, rules session.Rules) *testServer {
	t.Helper()
	m := metrics.New()
	logger := zap.NewNop()
	questions := memory.NewQuestionRepository(memory.NewStaticQuestionLoader(sampleQuestions()), time.Minute)
	attempts := memory.NewAttemptStore()
	feed := memory.NewChangeFeed(16)
	engine := ranking.NewEngine(attempts, nil, logger, m)
	hub := livesync.NewHub(engine, feed, livesync.Options{Logger: logger, Metrics: m})

	router := NewRouter(Services{
		Questions:    questions,
		Submissions:  app.NewSubmissionService(attempts, engine, hub, feed, logger, m),
		Leaderboards: hub,
		Access:       access.NewService(memory.NewAccessStore(), logger, m, nil),
		Rules:        rules,
		Logger:       logger,
		Metrics:      m,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(hub.Close)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, attempts: attempts, hub: hub}
}

type identity struct {
	id, name, role string
}

var (
	alice = identity{"s1", "Alice", "student"}
	bob   = identity{"s2", "Bob", "student"}
	admin = identity{"admin-1", "Root", "admin"}
)

func (s *testServer) do(t *testing.T, who *identity, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if who != nil {
		req.Header.Set(headerUserID, who.id)
		req.Header.Set(headerUserName, who.name)
		req.Header.Set(headerUserRole, who.role)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func submission(id string, answers ...string) map[string]any {
	started := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	list := make([]map[string]any, 0, len(answers))
	for i, a := range answers {
		list = append(list, map[string]any{
			"questionId":       []string{"q1", "q2", "q3"}[i],
			"selectedAnswer":   a,
			"timeTakenSeconds": 4,
		})
	}
	return map[string]any{
		"attemptId":   id,
		"levelId":     "L1",
		"weekNo":      1,
		"difficulty":  "medium",
		"answers":     list,
		"startedAt":   started,
		"completedAt": started.Add(time.Minute),
	}
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestSubmitAttemptRanksAndServesLeaderboard(t *testing.T) {
	srv := newTestServer(t, session.Rules{})

	status, body := srv.do(t, &alice, http.MethodPost, "/attempts", submission("a1", "4", "Paris", "blue"))
	if status != http.StatusOK {
		t.Fatalf("submit alice: %d %v", status, body)
	}
	rk, _ := body["ranking"].(map[string]any)
	if body["attemptId"] != "a1" || rk["rank"] != float64(1) || rk["score"] != float64(100) {
		t.Fatalf("unexpected submission %v", body)
	}

	// One correct answer out of three.
	status, body = srv.do(t, &bob, http.MethodPost, "/attempts", submission("b1", "4", "Rome", "red"))
	if status != http.StatusOK {
		t.Fatalf("submit bob: %d %v", status, body)
	}
	rk, _ = body["ranking"].(map[string]any)
	if rk["rank"] != float64(2) || rk["totalStudents"] != float64(2) || rk["score"] != float64(33) {
		t.Fatalf("unexpected ranking for bob %v", body)
	}

	status, body = srv.do(t, &bob, http.MethodGet, "/leaderboard?"+quizQuery+"&limit=5", nil)
	if status != http.StatusOK {
		t.Fatalf("leaderboard: %d %v", status, body)
	}
	entries, _ := body["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %v", body)
	}
	first, _ := entries[0].(map[string]any)
	if first["studentId"] != "s1" || first["studentName"] != "Alice" {
		t.Fatalf("expected alice first, got %v", first)
	}

	status, body = srv.do(t, &bob, http.MethodGet, "/rank?"+quizQuery, nil)
	if status != http.StatusOK || body["rank"] != float64(2) || body["percentile"] != float64(0) {
		t.Fatalf("unexpected own rank: %d %v", status, body)
	}
	if status, _ = srv.do(t, &bob, http.MethodGet, "/rank?"+quizQuery+"&studentId=s1", nil); status != http.StatusForbidden {
		t.Fatalf("expected 403 for another student's rank, got %d", status)
	}
	status, body = srv.do(t, &admin, http.MethodGet, "/rank?"+quizQuery+"&studentId=s1", nil)
	if status != http.StatusOK || body["rank"] != float64(1) {
		t.Fatalf("unexpected admin rank read: %d %v", status, body)
	}
	if srv.attempts.Len() != 2 {
		t.Fatalf("expected 2 stored attempts, got %d", srv.attempts.Len())
	}
}

func TestSubmitAttemptErrors(t *testing.T) {
	srv := newTestServer(t, session.Rules{})

	cases := []struct {
		name   string
		who    *identity
		body   any
		status int
		code   string
	}{
		{"anonymous", nil, submission("x1", "4"), http.StatusUnauthorized, "unauthorized"},
		{"admin cannot submit", &admin, submission("x2", "4"), http.StatusForbidden, "forbidden"},
		{"unknown difficulty", &alice, func() map[string]any {
			b := submission("x3", "4")
			b["difficulty"] = "insane"
			return b
		}(), http.StatusBadRequest, "validation_error"},
		{"foreign question", &alice, func() map[string]any {
			b := submission("x4")
			b["answers"] = []map[string]any{{"questionId": "nope", "selectedAnswer": "x"}}
			return b
		}(), http.StatusBadRequest, "validation_error"},
		{"no questions for week", &alice, func() map[string]any {
			b := submission("x5", "4")
			b["weekNo"] = 9
			return b
		}(), http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		status, body := srv.do(t, tc.who, http.MethodPost, "/attempts", tc.body)
		if status != tc.status || errorCode(body) != tc.code {
			t.Fatalf("%s: expected %d %s, got %d %v", tc.name, tc.status, tc.code, status, body)
		}
	}

	if status, _ := srv.do(t, &alice, http.MethodPost, "/attempts", submission("a1", "4", "Paris", "blue")); status != http.StatusOK {
		t.Fatalf("submit: %d", status)
	}
	status, body := srv.do(t, &alice, http.MethodPost, "/attempts", submission("a1", "5", "Paris", "blue"))
	if status != http.StatusConflict || errorCode(body) != "conflict" {
		t.Fatalf("expected conflict for a changed result, got %d %v", status, body)
	}
	status, body = srv.do(t, &alice, http.MethodGet, "/leaderboard?level=L1&week=x&difficulty=medium", nil)
	if status != http.StatusBadRequest || body["error"].(map[string]any)["retryable"] != false {
		t.Fatalf("expected 400 for a bad week, got %d %v", status, body)
	}
}

func TestAccessRequestWorkflow(t *testing.T) {
	srv := newTestServer(t, session.Rules{})
	carol := identity{"s3", "Carol", "student"}

	ids := make(map[string]string)
	for _, who := range []identity{alice, bob, carol} {
		status, body := srv.do(t, &who, http.MethodPost, "/access-requests", map[string]any{"levelId": "L2"})
		if status != http.StatusCreated || body["status"] != "pending" {
			t.Fatalf("request for %s: %d %v", who.id, status, body)
		}
		ids[who.id] = body["id"].(string)
	}
	status, body := srv.do(t, &alice, http.MethodPost, "/access-requests", map[string]any{"levelId": "L2"})
	if status != http.StatusConflict || errorCode(body) != "conflict" {
		t.Fatalf("expected duplicate pending conflict, got %d %v", status, body)
	}

	if status, _ := srv.do(t, &alice, http.MethodGet, "/access-requests?status=pending", nil); status != http.StatusForbidden {
		t.Fatalf("students must not list requests, got %d", status)
	}
	status, body = srv.do(t, &admin, http.MethodGet, "/access-requests?status=pending", nil)
	if reqs, _ := body["requests"].([]any); status != http.StatusOK || len(reqs) != 3 {
		t.Fatalf("expected 3 pending requests, got %d %v", status, body)
	}

	status, body = srv.do(t, &admin, http.MethodPost, "/access-requests/"+ids["s2"]+"/deny", nil)
	if status != http.StatusOK || body["status"] != "denied" || body["reviewedBy"] != "admin-1" {
		t.Fatalf("deny: %d %v", status, body)
	}
	status, body = srv.do(t, &admin, http.MethodPost, "/access-requests/"+ids["s2"]+"/approve", nil)
	if status != http.StatusConflict || errorCode(body) != "invalid_state" {
		t.Fatalf("expected invalid state approving a denied request, got %d %v", status, body)
	}

	status, body = srv.do(t, &admin, http.MethodPost, "/access-requests/bulk-approve", map[string]any{
		"ids": []string{ids["s1"], ids["s2"], "missing", ids["s3"]},
	})
	if status != http.StatusOK {
		t.Fatalf("bulk approve: %d %v", status, body)
	}
	ok, _ := body["successful"].([]any)
	failed, _ := body["failed"].([]any)
	if len(ok) != 2 || len(failed) != 2 {
		t.Fatalf("expected 2 successes and 2 failures, got %v", body)
	}
	f0, _ := failed[0].(map[string]any)
	f1, _ := failed[1].(map[string]any)
	if f0["id"] != ids["s2"] || errorCode(f0) != "invalid_state" || f1["id"] != "missing" || errorCode(f1) != "not_found" {
		t.Fatalf("unexpected failures %v", failed)
	}

	status, body = srv.do(t, &alice, http.MethodPost, "/access-requests", map[string]any{"levelId": "L2"})
	if status != http.StatusConflict || !strings.Contains(body["error"].(map[string]any)["message"].(string), "granted") {
		t.Fatalf("expected already granted conflict, got %d %v", status, body)
	}
	status, body = srv.do(t, &admin, http.MethodPost, "/access-requests/bulk-deny", map[string]any{"ids": []string{}})
	if status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty ids, got %d %v", status, body)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, session.Rules{})
	srv.do(t, &alice, http.MethodGet, "/leaderboard?"+quizQuery, nil)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %v %v", resp, err)
	}
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `quizrank_http_requests_total{endpoint="GET /leaderboard"`) {
		t.Fatalf("expected request counter in exposition, got:\n%s", buf.String())
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[error]int{
		domain.Invalid("x"):               http.StatusBadRequest,
		domain.ErrUnauthorized:            http.StatusUnauthorized,
		domain.ErrForbidden:               http.StatusForbidden,
		domain.ErrRequestNotFound:         http.StatusNotFound,
		domain.ErrPendingRequestExists:    http.StatusConflict,
		domain.ErrRequestNotPending:       http.StatusConflict,
		domain.Transient(errString("io")): http.StatusServiceUnavailable,
		errString("boom"):                 http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Fatalf("%v: expected %d, got %d", err, want, got)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }

func sampleQuestions() []domain.Question {
	mk := func(id, prompt, answer string, options ...string) domain.Question {
		return domain.Question{
			ID:            id,
			LevelID:       "L1",
			WeekNo:        1,
			Difficulty:    domain.DifficultyMedium,
			Prompt:        prompt,
			Options:       options,
			CorrectAnswer: answer,
			Points:        1,
		}
	}
	return []domain.Question{
		mk("q1", "What is 2 + 2?", "4", "3", "4", "5"),
		mk("q2", "Capital of France?", "Paris", "Paris", "Rome"),
		mk("q3", "Colour of the sky?", "Blue", "Blue", "Red"),
	}
}
