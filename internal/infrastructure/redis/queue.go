package redis

import (
	"context"
	"encoding/json"
	"time"

	"crm-flow/internal/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	activityQueueKey = "crmflow:queue:activities"
	// popTimeout bounds each BLPOP so a cancelled context is noticed.
	popTimeout = time.Second
)

// RedisQueue is a ports.ActivityQueue on a Redis list.
type RedisQueue struct {
	client    *redis.Client
	queueName string
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{
		client:    client,
		queueName: activityQueueKey,
	}
}

// Push adds a job to the end of the list
func (q *RedisQueue) Push(ctx context.Context, job domain.ActivityJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.client.RPush(ctx, q.queueName, payload).Err()
}

// Pop waits for a job and removes it from the front of the list
func (q *RedisQueue) Pop(ctx context.Context) (domain.ActivityJob, error) {
	for {
		payload, err := blpop(ctx, q.client, q.queueName)
		if err != nil {
			return domain.ActivityJob{}, err
		}
		if payload == "" {
			continue
		}
		var job domain.ActivityJob
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			return domain.ActivityJob{}, errors.Wrap(err, "decode activity job")
		}
		return job, nil
	}
}

// blpop returns "" when the wait timed out without an element.
func blpop(ctx context.Context, client *redis.Client, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	result, err := client.BLPop(ctx, popTimeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	// BLPop returns a slice: [QueueName, Element]
	return result[1], nil
}
