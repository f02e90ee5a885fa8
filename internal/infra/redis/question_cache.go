package redis

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"quizrank-service/internal/domain"
)

// QuestionLoader fetches the question bank from a backing store (e.g., Postgres).
type QuestionLoader interface {
	LoadQuestions(ctx context.Context, levelID string, weekNo int) ([]domain.Question, error)
}

// QuestionCache caches question banks in Redis and falls back to a loader on cache miss.
// Each bank is stored as one JSON blob: SET questions:{levelID}:{weekNo} [...] EX ttl
type QuestionCache struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	log    *zap.Logger
	sf     singleflight.Group
	rnd    *rand.Rand
	rndMu  sync.Mutex
}

func NewQuestionCache(client *redis.Client, loader QuestionLoader, ttl time.Duration, logger *zap.Logger) *QuestionCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QuestionCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		log:    logger,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// FetchQuestions returns the questions of a level and week, NotFound when there are none.
// Redis failures degrade to the loader.
func (c *QuestionCache) FetchQuestions(ctx context.Context, levelID string, weekNo int) ([]domain.Question, error) {
	key := c.key(levelID, weekNo)
	if qs, ok := c.cached(ctx, key); ok {
		return qs, nil
	}

	result, err, _ := c.sf.Do(key, func() (interface{}, error) {
		// Re-check cache in case another caller filled it.
		if qs, ok := c.cached(ctx, key); ok {
			return qs, nil
		}

		questions, err := c.loader.LoadQuestions(ctx, levelID, weekNo)
		if err != nil {
			return nil, err
		}
		if len(questions) == 0 {
			return nil, domain.ErrQuestionsNotFound
		}

		blob, err := json.Marshal(questions)
		if err == nil {
			err = c.client.Set(ctx, key, blob, c.ttlWithJitter()).Err()
		}
		if err != nil {
			c.log.Warn("question cache fill failed", zap.String("key", key), zap.Error(err))
		}
		return questions, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Question), nil
}

func (c *QuestionCache) cached(ctx context.Context, key string) ([]domain.Question, bool) {
	blob, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("question cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	var qs []domain.Question
	if err := json.Unmarshal(blob, &qs); err != nil || len(qs) == 0 {
		return nil, false
	}
	return qs, true
}

func (c *QuestionCache) key(levelID string, weekNo int) string {
	return "questions:" + levelID + ":" + strconv.Itoa(weekNo)
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
