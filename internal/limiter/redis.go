package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "aoaisim:window:"
	defaultRedisRetries = 16
)

// ErrContention is returned when a redis transaction keeps losing its
// optimistic lock.
var ErrContention = errors.New("limiter: window contention")

// RedisStore keeps each window in a sorted set scored by admission time in
// microseconds. Members encode `<micros>:<cost>:<id>`.
//
// Evaluation runs under WATCH so a concurrent admission on the same key
// aborts the transaction, which is then retried against fresh history.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
}

// RedisOption customises a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix overrides the key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithMaxRetries sets how many lost optimistic locks Add tolerates before
// giving up with ErrContention.
func WithMaxRetries(n int) RedisOption {
	return func(s *RedisStore) {
		s.maxRetries = max(n, 0)
	}
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:     client,
		prefix:     defaultRedisPrefix,
		maxRetries: defaultRedisRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add evaluates and, when admitted, records a request.
func (s *RedisStore) Add(ctx context.Context, key string, w Window, cost int, now time.Time) (Result, error) {
	redisKey := s.prefix + key
	cutoff := strconv.FormatInt(now.Add(-w.Horizon()).UnixMicro(), 10)

	for attempt := 0; attempt < s.maxRetries; attempt++ {
		var res Result
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			members, err := tx.ZRangeByScoreWithScores(ctx, redisKey, &redis.ZRangeBy{
				Min: "(" + cutoff,
				Max: "+inf",
			}).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			entries := make([]Entry, 0, len(members))
			for _, m := range members {
				entries = append(entries, decodeMember(m))
			}
			res = w.evaluate(entries, now, cost)

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRemRangeByScore(ctx, redisKey, "-inf", cutoff)
				if res.Admitted {
					pipe.ZAdd(ctx, redisKey, redis.Z{
						Score:  float64(now.UnixMicro()),
						Member: encodeMember(now, cost),
					})
					pipe.Expire(ctx, redisKey, w.Horizon()+time.Second)
				}
				return nil
			})
			return err
		}, redisKey)

		if err == nil {
			return res, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Result{}, fmt.Errorf("redis window %s: %w", key, err)
	}
	return Result{}, fmt.Errorf("%w: %s", ErrContention, key)
}

// Ping checks the redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func encodeMember(at time.Time, cost int) string {
	return fmt.Sprintf("%d:%d:%s", at.UnixMicro(), cost, uuid.NewString())
}

func decodeMember(z redis.Z) Entry {
	e := Entry{At: time.UnixMicro(int64(z.Score))}
	member, _ := z.Member.(string)
	parts := strings.SplitN(member, ":", 3)
	if len(parts) == 3 {
		if cost, err := strconv.Atoi(parts[1]); err == nil {
			e.Cost = cost
		}
	}
	return e
}
