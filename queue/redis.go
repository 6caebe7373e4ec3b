package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	advanceKey = "sequencer:advance"
	emailKey   = "sequencer:email:send"
)

// RedisAdvanceQueue keeps advance jobs in a sorted set scored by due time
// (unix millis). The member is the enrollment id, so repeated scheduling of
// the same enrollment collapses into one entry carrying the latest due time.
type RedisAdvanceQueue struct {
	client *redis.Client
	key    string
}

func NewRedisAdvanceQueue(client *redis.Client) *RedisAdvanceQueue {
	return &RedisAdvanceQueue{client: client, key: advanceKey}
}

func member(job AdvanceJob) string {
	return strconv.FormatUint(uint64(job.EnrollmentID), 10)
}

func (q *RedisAdvanceQueue) Enqueue(ctx context.Context, job AdvanceJob) error {
	return q.EnqueueAt(ctx, job, time.Now())
}

func (q *RedisAdvanceQueue) EnqueueAt(ctx context.Context, job AdvanceJob, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, &redis.Z{Score: float64(at.UnixMilli()), Member: member(job)}).Err()
	if err != nil {
		return fmt.Errorf("enqueue advance job for enrollment %d: %w", job.EnrollmentID, err)
	}
	return nil
}

func (q *RedisAdvanceQueue) EnqueueBatch(ctx context.Context, jobs []AdvanceJob) error {
	if len(jobs) == 0 {
		return nil
	}
	score := float64(time.Now().UnixMilli())
	members := make([]*redis.Z, 0, len(jobs))
	for _, job := range jobs {
		members = append(members, &redis.Z{Score: score, Member: member(job)})
	}
	if err := q.client.ZAdd(ctx, q.key, members...).Err(); err != nil {
		return fmt.Errorf("enqueue %d advance jobs: %w", len(jobs), err)
	}
	return nil
}

func (q *RedisAdvanceQueue) Dequeue(ctx context.Context, now time.Time, limit int) ([]AdvanceJob, error) {
	due, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read due advance jobs: %w", err)
	}

	jobs := make([]AdvanceJob, 0, len(due))
	for _, m := range due {
		// ZREM is the claim: only one consumer removes a given member
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return jobs, fmt.Errorf("claim advance job %s: %w", m, err)
		}
		if removed == 0 {
			continue
		}
		id, err := strconv.ParseUint(m, 10, 64)
		if err != nil {
			continue
		}
		jobs = append(jobs, AdvanceJob{EnrollmentID: uint(id)})
	}
	return jobs, nil
}

// RedisEmailQueue is a FIFO list of JSON encoded email jobs.
type RedisEmailQueue struct {
	client *redis.Client
	key    string
}

func NewRedisEmailQueue(client *redis.Client) *RedisEmailQueue {
	return &RedisEmailQueue{client: client, key: emailKey}
}

func (q *RedisEmailQueue) Enqueue(ctx context.Context, job EmailJob) (string, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode email job: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return "", fmt.Errorf("enqueue email job: %w", err)
	}
	return job.ID, nil
}

func (q *RedisEmailQueue) Dequeue(ctx context.Context, timeout time.Duration) (*EmailJob, error) {
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue email job: %w", err)
	}
	var job EmailJob
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		return nil, fmt.Errorf("decode email job: %w", err)
	}
	return &job, nil
}
