package integration

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap/zaptest"

	"quizrank-service/internal/access"
	"quizrank-service/internal/app"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/infra/postgres"
	pgmigrations "quizrank-service/internal/infra/postgres/migrations"
	infraredis "quizrank-service/internal/infra/redis"
	"quizrank-service/internal/metrics"
	"quizrank-service/internal/ranking"
)

var quiz = domain.QuizKey{LevelID: "L1", WeekNo: 1, Difficulty: domain.DifficultyMedium}

func TestSubmitAttemptEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	redisURL, redisCleanup := startRedis(t, ctx)
	defer redisCleanup()

	db := migrated(t, ctx, pgURL)
	defer db.Close()
	seedQuestions(t, ctx, db, sampleQuestions())

	pool, err := pgxpool.Connect(ctx, pgURL)
	if err != nil {
		t.Fatalf("connect pg: %v", err)
	}
	defer pool.Close()

	redisClient, err := redisClientFromURL(redisURL)
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer redisClient.Close()

	logger := zaptest.NewLogger(t)
	m := metrics.New()
	questions := infraredis.NewQuestionCache(redisClient, postgres.NewQuestionLoader(pool), 5*time.Minute, logger)
	attempts := postgres.NewAttemptStore(db)
	engine := ranking.NewEngine(attempts, infraredis.NewRankIndex(redisClient, time.Minute), logger, m)
	feed := infraredis.NewChangeFeed(redisClient, logger)
	service := app.NewSubmissionService(attempts, engine, nil, feed, logger, m)

	qs, err := app.QuizQuestions(ctx, questions, quiz)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(qs) != 2 || qs[0].ID != "q1" {
		t.Fatalf("expected the two medium questions in order, got %+v", qs)
	}

	events, err := feed.Subscribe(ctx, domain.ChangeFilter{Table: domain.TableAttempts, Keys: []domain.QuizKey{quiz}})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	alice := graded(t, qs, "a1", "s1", "Alice", "4", "Paris")
	bob := graded(t, qs, "b1", "s2", "Bob", "4", "Rome")

	if _, err := service.Record(ctx, bob); err != nil {
		t.Fatalf("record bob: %v", err)
	}
	sub, err := service.Record(ctx, alice)
	if err != nil {
		t.Fatalf("record alice: %v", err)
	}
	if sub.Ranking.Rank != 1 || sub.Ranking.TotalStudents != 2 || sub.Ranking.Score != 100 {
		t.Fatalf("unexpected ranking for alice %+v", sub.Ranking)
	}

	// Repeating a submission is a no-op; changing its result is a conflict.
	if again, err := service.Record(ctx, alice); err != nil || again.Ranking != sub.Ranking {
		t.Fatalf("repeat submission changed the outcome: %+v %v", again, err)
	}
	changed := alice
	changed.Score = 50
	if _, err := service.Record(ctx, changed); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	viaIndex, err := engine.Rank(ctx, "s2", quiz)
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	viaScan, err := engine.RankByScan(ctx, "s2", quiz)
	if err != nil {
		t.Fatalf("rank by scan: %v", err)
	}
	if viaIndex != viaScan || viaIndex.Rank != 2 || viaIndex.Percentile != 0 {
		t.Fatalf("index and scan disagree: %+v vs %+v", viaIndex, viaScan)
	}

	select {
	case ev := <-events:
		if ev.Row.ID != "b1" {
			t.Fatalf("expected bob's attempt first on the feed, got %+v", ev.Row)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("no change event received")
	}
}

func TestAccessReviewEndToEnd(t *testing.T) {
	ctx := context.Background()
	requireDocker(t)

	pgURL, pgCleanup := startPostgres(t, ctx)
	defer pgCleanup()
	db := migrated(t, ctx, pgURL)
	defer db.Close()

	store := postgres.NewAccessStore(db)
	svc := access.NewService(store, zaptest.NewLogger(t), metrics.New(), nil)

	req, err := svc.Request(ctx, "s1", "L2")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := store.Create(ctx, domain.AccessRequest{StudentID: "s1", LevelID: "L2", Status: domain.StatusPending, RequestedAt: time.Now()}); !errors.Is(err, domain.ErrPendingRequestExists) {
		t.Fatalf("expected the partial unique index to reject a second pending request, got %v", err)
	}
	other, _ := svc.Request(ctx, "s2", "L2")

	res := svc.BulkApprove(ctx, []string{req.ID, other.ID, "missing"}, "admin")
	if len(res.Successful) != 2 || len(res.Failed) != 1 || !errors.Is(res.Failed[0].Err, domain.ErrNotFound) {
		t.Fatalf("unexpected bulk result %+v", res)
	}
	for _, student := range []string{"s1", "s2"} {
		if ok, err := svc.HasAccess(ctx, student, "L2"); err != nil || !ok {
			t.Fatalf("expected %s to be granted: %v", student, err)
		}
	}

	denied, err := svc.Deny(ctx, req.ID, "admin-2")
	if !errors.Is(err, domain.ErrInvalidState) || denied.Status != domain.StatusApproved || denied.ReviewedBy != "admin" {
		t.Fatalf("expected the approved request to stay approved, got %+v %v", denied, err)
	}
}

func graded(t *testing.T, qs []domain.Question, id, student, name string, answers ...string) domain.Attempt {
	t.Helper()
	started := time.Date(2024, 11, 22, 9, 0, 0, 0, time.UTC)
	completed := started.Add(time.Minute)
	a := domain.Attempt{
		ID:          id,
		StudentID:   student,
		StudentName: name,
		Key:         quiz,
		StartedAt:   started,
		CompletedAt: &completed,
		EndReason:   domain.EndCompleted,
	}
	for i, answer := range answers {
		answer := answer
		a.Answers = append(a.Answers, domain.Answer{QuestionID: qs[i].ID, SelectedAnswer: &answer, TimeTakenSeconds: 5})
	}
	out, err := app.Grade(qs, a)
	if err != nil {
		t.Fatalf("grade %s: %v", id, err)
	}
	return out
}

func startPostgres(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "postgres:15-alpine",
		Env:          map[string]string{"POSTGRES_USER": "quiz", "POSTGRES_PASSWORD": "quizpass", "POSTGRES_DB": "quizdb"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
		).WithDeadline(60 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start postgres: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://quiz:quizpass@%s:%s/quizdb?sslmode=disable", host, port.Port())
	return dsn, func() {
		_ = container.Terminate(ctx)
	}
}

func startRedis(t *testing.T, ctx context.Context) (string, func()) {
	t.Helper()
	req := tc.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
	}
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if strings.Contains(err.Error(), "Cannot connect to the Docker daemon") {
			t.Skipf("docker not available: %v", err)
		}
		t.Fatalf("start redis: %v", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	url := fmt.Sprintf("redis://%s:%s", host, port.Port())
	return url, func() {
		_ = container.Terminate(ctx)
	}
}

func migrated(t *testing.T, ctx context.Context, dsn string) *bun.DB {
	t.Helper()
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	db := bun.NewDB(sqldb, pgdialect.New())

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("migrator init: %v", err)
	}
	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedQuestions(t *testing.T, ctx context.Context, db *bun.DB, questions []domain.Question) {
	t.Helper()
	for i, q := range questions {
		options, err := json.Marshal(q.Options)
		if err != nil {
			t.Fatalf("marshal options: %v", err)
		}
		if _, err := db.ExecContext(ctx,
			`INSERT INTO questions (id, level_id, week_no, difficulty, position, prompt, options, correct_answer, points)
			 VALUES (?, ?, ?, ?, ?, ?, ?::jsonb, ?, ?)
			 ON CONFLICT (id) DO NOTHING`,
			q.ID, q.LevelID, q.WeekNo, string(q.Difficulty), i, q.Prompt, string(options), q.CorrectAnswer, q.Weight(),
		); err != nil {
			t.Fatalf("insert question %s: %v", q.ID, err)
		}
	}
}

func sampleQuestions() []domain.Question {
	mk := func(id string, d domain.Difficulty, prompt, answer string, options ...string) domain.Question {
		return domain.Question{
			ID: id, LevelID: "L1", WeekNo: 1, Difficulty: d,
			Prompt: prompt, Options: options, CorrectAnswer: answer, Points: 1,
		}
	}
	return []domain.Question{
		mk("q1", domain.DifficultyMedium, "What is 2 + 2?", "4", "3", "4", "5"),
		mk("q2", domain.DifficultyMedium, "Capital of France?", "Paris", "Paris", "Rome"),
		mk("e1", domain.DifficultyEasy, "Is water wet?", "yes", "yes", "no"),
	}
}

func redisClientFromURL(url string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}), nil
}

func requireDocker(t *testing.T) {
	t.Helper()
	if _, err := tc.NewDockerProvider(); err != nil {
		t.Skipf("docker not available: %v", err)
	}
}
