// Package redis implements the deferred fetch transport on Redis lists and
// keys: a job queue, per-key result lists and a response cache.
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/user/price-tracker/internal/entity"
)

const (
	fetchQueueKey   = "fetch:queue"
	resultKeyPrefix = "fetch:result:"
)

// QueueRepoImpl provides a concrete implementation for the JobQueue interface using Redis Lists.
type QueueRepoImpl struct {
	client redis.UniversalClient
}

// NewQueueRepo creates a new instance of QueueRepoImpl.
func NewQueueRepo(client redis.UniversalClient) *QueueRepoImpl {
	return &QueueRepoImpl{client: client}
}

// Push adds a job to the left side of the Redis list (acting as a queue).
func (r *QueueRepoImpl) Push(ctx context.Context, job entity.FetchJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to encode fetch job")
	}
	return errors.Wrap(r.client.LPush(ctx, fetchQueueKey, payload).Err(), "failed to push fetch job")
}

// Pop removes a job from the right side of the list, blocking up to timeout.
func (r *QueueRepoImpl) Pop(ctx context.Context, timeout time.Duration) (*entity.FetchJob, error) {
	vals, err := r.client.BRPop(ctx, timeout, fetchQueueKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to pop fetch job")
	}
	// BRPOP replies with [key, value]
	var job entity.FetchJob
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		return nil, errors.Wrap(err, "failed to decode fetch job")
	}
	return &job, nil
}

// Size returns the current number of jobs in the queue.
func (r *QueueRepoImpl) Size(ctx context.Context) (int64, error) {
	return r.client.LLen(ctx, fetchQueueKey).Result()
}

// ResultRepoImpl stores worker outcomes in one short list per correlation key.
type ResultRepoImpl struct {
	client redis.UniversalClient
	// poll bounds each blocking wait so cancellation is noticed promptly.
	poll time.Duration
}

// NewResultRepo creates a new instance of ResultRepoImpl.
func NewResultRepo(client redis.UniversalClient) *ResultRepoImpl {
	return &ResultRepoImpl{client: client, poll: time.Second}
}

func resultKey(key entity.CorrelationKey) string {
	return resultKeyPrefix + string(key)
}

// Publish pushes the outcome and sets the list to expire after ttl.
func (r *ResultRepoImpl) Publish(ctx context.Context, key entity.CorrelationKey, outcome entity.FetchOutcome, ttl time.Duration) error {
	payload, err := json.Marshal(outcome)
	if err != nil {
		return errors.Wrap(err, "failed to encode fetch outcome")
	}
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, resultKey(key), payload)
	if ttl > 0 {
		pipe.Expire(ctx, resultKey(key), ttl)
	}
	_, err = pipe.Exec(ctx)
	return errors.Wrapf(err, "failed to publish outcome for %s", key)
}

// Await blocks on the result list of key until an outcome arrives or ctx ends.
func (r *ResultRepoImpl) Await(ctx context.Context, key entity.CorrelationKey) (*entity.FetchOutcome, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vals, err := r.client.BLPop(ctx, r.poll, resultKey(key)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, errors.Wrapf(err, "failed to await outcome for %s", key)
		}
		var outcome entity.FetchOutcome
		if err := json.Unmarshal([]byte(vals[1]), &outcome); err != nil {
			return nil, errors.Wrapf(err, "failed to decode outcome for %s", key)
		}
		return &outcome, nil
	}
}
