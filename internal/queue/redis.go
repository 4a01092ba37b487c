package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	WakeKeyPrefix = "taskworker:wake:"

	// maxPendingWakeups bounds the wake list of a task type when nobody is waiting on it
	maxPendingWakeups = 64
)

// WakeKey is the redis list that carries the wake ups of a task type
func WakeKey(taskType int) string {
	return WakeKeyPrefix + strconv.Itoa(taskType)
}

// RedisWaker implements Waker with one redis list per task type, so that producers and
// workers on different hosts can reach each other.
type RedisWaker struct {
	client *redis.Client
	logger zerolog.Logger
}

// NewRedisWaker creates a new Redis waker and verifies the connection
func NewRedisWaker(addr, password string, db int, logger zerolog.Logger) (*RedisWaker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}

	return &RedisWaker{client: client, logger: logger}, nil
}

func (r *RedisWaker) Wait(ctx context.Context, taskType int, timeout time.Duration) (bool, error) {
	// BLPOP treats 0 as "block forever"
	if timeout <= 0 {
		return false, nil
	}

	result, err := r.client.BLPop(ctx, timeout, WakeKey(taskType)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// timed out without a wake up
			return false, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("BLPOP from wake list went bad. %w", err)
	}

	// Invalid reply, this shouldn't usually happen
	if len(result) < 2 {
		r.logger.Warn().Strs("reply", result).Msg("Unexpected BLPOP reply")
		return false, nil
	}
	return true, nil
}

func (r *RedisWaker) Notify(ctx context.Context, taskType int) error {
	key := WakeKey(taskType)

	pipe := r.client.TxPipeline()
	pipe.LPush(ctx, key, time.Now().UnixNano())
	pipe.LTrim(ctx, key, 0, maxPendingWakeups-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("could not push wake up for task type %d: %w", taskType, err)
	}
	return nil
}

// Close terminates the Redis connection
func (r *RedisWaker) Close() error {
	return r.client.Close()
}

var (
	_ Waker = (*ChannelWaker)(nil)
	_ Waker = (*RedisWaker)(nil)
)
