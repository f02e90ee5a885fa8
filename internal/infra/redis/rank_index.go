package redis

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quizrank-service/internal/domain"
	"quizrank-service/internal/ranking"
)

// Composite scores pack (score, completedAt) into one float so that ascending order is best
// first. 1e15 plus millisecond timestamps stays below 2^53, so every value is exact.
const timeSpan = 1e13

// recordScript keeps the better of the stored and the offered entry. ZADD LT makes the sorted
// set monotonic; the hashes follow only when the member actually moved.
var recordScript = redis.NewScript(`
local changed = redis.call('ZADD', KEYS[1], 'LT', 'CH', ARGV[1], ARGV[2])
if changed == 1 then
  redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
  redis.call('HSET', KEYS[3], ARGV[2], ARGV[4])
end
return changed
`)

// RankIndex is the accelerated ranking path: one sorted set per quiz holding each student's
// best attempt.
//
//	ZSET rank:{quiz}          member=studentID score=composite
//	HASH rank:{quiz}:names    studentID -> display name
//	HASH rank:{quiz}:attempts studentID -> attempt id
//	STR  rank:{quiz}:ready    set after a full rebuild, expires after readyTTL
type RankIndex struct {
	client   *redis.Client
	readyTTL time.Duration
}

// NewRankIndex builds the index. readyTTL bounds how long the index is trusted before the
// engine rebuilds it from the store; zero keeps it forever.
func NewRankIndex(client *redis.Client, readyTTL time.Duration) *RankIndex {
	return &RankIndex{client: client, readyTTL: readyTTL}
}

func (i *RankIndex) Ready(ctx context.Context, key domain.QuizKey) (bool, error) {
	n, err := i.client.Exists(ctx, readyKey(key)).Result()
	if err != nil {
		return false, domain.Transient(err)
	}
	return n == 1, nil
}

func (i *RankIndex) Record(ctx context.Context, key domain.QuizKey, s domain.Standing) error {
	err := recordScript.Run(ctx, i.client, recordKeys(key), recordArgs(s)...).Err()
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

// Rebuild merges standings into the index and marks it ready. Merging never lowers an entry,
// so a concurrent Record is never lost.
func (i *RankIndex) Rebuild(ctx context.Context, key domain.QuizKey, standings []domain.Standing) error {
	_, err := i.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range standings {
			recordScript.Eval(ctx, pipe, recordKeys(key), recordArgs(s)...)
		}
		pipe.Set(ctx, readyKey(key), "1", i.readyTTL)
		return nil
	})
	if err != nil {
		return domain.Transient(err)
	}
	return nil
}

func (i *RankIndex) Invalidate(ctx context.Context, key domain.QuizKey) error {
	if err := i.client.Del(ctx, readyKey(key)).Err(); err != nil {
		return domain.Transient(err)
	}
	return nil
}

func (i *RankIndex) Rank(ctx context.Context, key domain.QuizKey, studentID string) (domain.RankingResult, error) {
	own, err := i.client.ZScore(ctx, setKey(key), studentID).Result()
	if errors.Is(err, redis.Nil) {
		return domain.RankingResult{}, domain.ErrNotRanked
	}
	if err != nil {
		return domain.RankingResult{}, domain.Transient(err)
	}

	pipe := i.client.Pipeline()
	ahead := pipe.ZCount(ctx, setKey(key), "-inf", "("+formatScore(own))
	total := pipe.ZCard(ctx, setKey(key))
	if _, err := pipe.Exec(ctx); err != nil {
		return domain.RankingResult{}, domain.Transient(err)
	}
	score, _ := decode(own)
	return ranking.Result(studentID, score, int(ahead.Val())+1, int(total.Val())), nil
}

// Top returns the best limit standings in leaderboard order; limit <= 0 returns all.
func (i *RankIndex) Top(ctx context.Context, key domain.QuizKey, limit int) ([]domain.Standing, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	members, err := i.client.ZRangeWithScores(ctx, setKey(key), 0, stop).Result()
	if err != nil {
		return nil, domain.Transient(err)
	}
	if len(members) == 0 {
		return []domain.Standing{}, nil
	}
	ids := make([]string, len(members))
	for n, m := range members {
		ids[n] = m.Member.(string)
	}

	pipe := i.client.Pipeline()
	names := pipe.HMGet(ctx, namesKey(key), ids...)
	attempts := pipe.HMGet(ctx, attemptsKey(key), ids...)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.Transient(err)
	}

	out := make([]domain.Standing, len(members))
	for n, m := range members {
		score, completedAt := decode(m.Score)
		out[n] = domain.Standing{
			StudentID:   ids[n],
			StudentName: str(names.Val()[n]),
			AttemptID:   str(attempts.Val()[n]),
			Score:       score,
			CompletedAt: completedAt,
		}
	}
	return out, nil
}

func recordKeys(key domain.QuizKey) []string {
	return []string{setKey(key), namesKey(key), attemptsKey(key)}
}

func recordArgs(s domain.Standing) []interface{} {
	return []interface{}{formatScore(encode(s)), s.StudentID, s.StudentName, s.AttemptID}
}

func encode(s domain.Standing) float64 {
	return -(float64(s.Score)*timeSpan + (timeSpan - 1 - float64(s.CompletedAt.UnixMilli())))
}

func decode(v float64) (int, time.Time) {
	composite := -v
	score := math.Floor(composite / timeSpan)
	millis := timeSpan - 1 - (composite - score*timeSpan)
	return int(score), time.UnixMilli(int64(millis)).UTC()
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func str(v interface{}) string {
	s, _ := v.(string)
	return s
}

func setKey(key domain.QuizKey) string      { return "rank:" + key.String() }
func namesKey(key domain.QuizKey) string    { return setKey(key) + ":names" }
func attemptsKey(key domain.QuizKey) string { return setKey(key) + ":attempts" }
func readyKey(key domain.QuizKey) string    { return setKey(key) + ":ready" }
