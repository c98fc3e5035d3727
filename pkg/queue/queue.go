/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue hands delivery ids from the scheduler to workers over a
// Redis list. The message is only the id; workers re-read and re-validate
// the row under lock, so duplicate or stale messages are harmless.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultKey is the Redis list the delivery pipeline drains.
const DefaultKey = "hookway:deliveries"

// Queue is the scheduler → worker handoff.
type Queue interface {
	// Enqueue pushes a delivery id for asynchronous execution.
	Enqueue(ctx context.Context, deliveryID uuid.UUID) error
	// Dequeue pops the next delivery id, blocking up to timeout.
	// ok is false when the queue stayed empty for the whole wait.
	Dequeue(ctx context.Context, timeout time.Duration) (id uuid.UUID, ok bool, err error)
	// Len returns the number of queued delivery ids.
	Len(ctx context.Context) (int64, error)
}

// RedisQueue implements Queue over LPUSH/BRPOP.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

func NewRedisQueue(client redis.UniversalClient, key string) *RedisQueue {
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, deliveryID uuid.UUID) error {
	if err := q.client.LPush(ctx, q.key, deliveryID.String()).Err(); err != nil {
		return fmt.Errorf("enqueueing delivery %s: %w", deliveryID, err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (uuid.UUID, bool, error) {
	vals, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("dequeueing delivery: %w", err)
	}
	// BRPOP returns [key, value].
	id, err := uuid.Parse(vals[1])
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("malformed delivery id %q on queue: %w", vals[1], err)
	}
	return id, true, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}
