package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"quizrank-service/internal/access"
	"quizrank-service/internal/app"
	"quizrank-service/internal/config"
	"quizrank-service/internal/domain"
	"quizrank-service/internal/infra/memory"
	"quizrank-service/internal/infra/postgres"
	infraredis "quizrank-service/internal/infra/redis"
	"quizrank-service/internal/livesync"
	"quizrank-service/internal/logging"
	"quizrank-service/internal/metrics"
	"quizrank-service/internal/ranking"
	"quizrank-service/internal/session"
	transport "quizrank-service/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

type attemptStore interface {
	app.AttemptStore
	ranking.AttemptLister
}

type changeFeed interface {
	app.ChangePublisher
	livesync.ChangeFeed
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	m := metrics.New()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
	}

	var (
		loader   memory.QuestionLoader = memory.NewStaticQuestionLoader(sampleQuestions())
		attempts attemptStore          = memory.NewAttemptStore()
		accesses access.Store          = memory.NewAccessStore()
	)
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
		loader = postgres.NewQuestionLoader(pool)

		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		attempts = postgres.NewAttemptStore(db)
		accesses = postgres.NewAccessStore(db)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var (
		questions app.QuestionSource
		index     ranking.Index
		feed      changeFeed
	)
	if redisClient != nil {
		questions = infraredis.NewQuestionCache(redisClient, loader, quizTTL, logger)
		index = infraredis.NewRankIndex(redisClient, config.TTLDuration(cfg.Ranking.IndexReadyTTL, 10*time.Minute))
		feed = infraredis.NewChangeFeed(redisClient, logger)
	} else {
		questions = memory.NewQuestionRepository(loader, quizTTL)
		feed = memory.NewChangeFeed(64)
	}

	engine := ranking.NewEngine(attempts, index, logger, m)
	retryMax := config.TTLDuration(cfg.Ranking.RetryMax, time.Minute)
	hub := livesync.NewHub(engine, feed, livesync.Options{
		Logger:          logger,
		Metrics:         m,
		Freshness:       config.TTLDuration(cfg.Ranking.Freshness, 2*time.Minute),
		RefreshInterval: config.TTLDuration(cfg.Ranking.RefreshInterval, 30*time.Second),
		TopN:            cfg.Ranking.LeaderboardSize,
		RecomputeRate:   rate.Limit(cfg.Ranking.RecomputeRate),
		RecomputeBurst:  cfg.Ranking.RecomputeBurst,
		Backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = retryMax
			return b
		},
	})
	defer hub.Close()

	submissions := app.NewSubmissionService(attempts, engine, hub, feed, logger, m)
	router := transport.NewRouter(transport.Services{
		Questions:    questions,
		Submissions:  submissions,
		Leaderboards: hub,
		Access:       access.NewService(accesses, logger, m, nil),
		Rules:        sessionRules(cfg),
		Logger:       logger,
		Metrics:      m,
	})

	// No WriteTimeout: it would cut long-lived WebSocket connections.
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	hubDone := make(chan error, 1)
	go func() { hubDone <- hub.Run(ctx) }()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting quiz service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server failed", zap.Error(err))
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	stop()
	if hubErr := <-hubDone; hubErr != nil && !errors.Is(hubErr, context.Canceled) {
		logger.Warn("live sync stopped with error", zap.Error(hubErr))
	}
	return err
}

func sessionRules(cfg config.Config) session.Rules {
	rules := session.Rules{MaxLives: cfg.Session.Lives, TimeLimits: make(map[domain.Difficulty]time.Duration)}
	for difficulty, limit := range cfg.TimeLimits() {
		rules.TimeLimits[domain.Difficulty(difficulty)] = limit
	}
	return rules
}

// sampleQuestions seed the in-memory loader when no database is configured.
func sampleQuestions() []domain.Question {
	mk := func(id string, d domain.Difficulty, prompt, answer string, options ...string) domain.Question {
		return domain.Question{
			ID:            id,
			LevelID:       "level-1",
			WeekNo:        1,
			Difficulty:    d,
			Prompt:        prompt,
			Options:       options,
			CorrectAnswer: answer,
			Points:        1,
		}
	}
	return []domain.Question{
		mk("q-e1", domain.DifficultyEasy, "What is 2 + 2?", "4", "3", "4", "5"),
		mk("q-e2", domain.DifficultyEasy, "Which colour is the sky on a clear day?", "Blue", "Blue", "Green", "Red"),
		mk("q-m1", domain.DifficultyMedium, "What is 7 x 8?", "56", "54", "56", "64"),
		mk("q-m2", domain.DifficultyMedium, "Capital of Australia?", "Canberra", "Sydney", "Canberra", "Melbourne"),
		mk("q-h1", domain.DifficultyHard, "Square root of 1764?", "42", "38", "42", "46"),
		mk("q-h2", domain.DifficultyHard, "Chemical symbol for tungsten?", "W", "Tu", "W", "Tn"),
	}
}
