package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relialabs/doctext/internal/broker"
)

const recordKeyPrefix = "doctext:result:"

// RedisQueue is a Redis-list queue. LPUSH on enqueue, BRPOP on dequeue,
// so messages leave in arrival order. A message popped by a crashed
// worker is lost from the list; its record stays PENDING in the store
// until the record TTL expires, so status queries report the loss
// rather than hanging forever.
type RedisQueue struct {
	mgr *broker.Manager
	key string
}

func NewRedisQueue(mgr *broker.Manager, key string) *RedisQueue {
	return &RedisQueue{mgr: mgr, key: key}
}

func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message) error {
	client, err := q.mgr.Client()
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := client.LPush(ctx, q.key, data).Err(); err != nil {
		q.mgr.MarkFailure(err)
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	client, err := q.mgr.Client()
	if err != nil {
		return nil, err
	}
	vals, err := client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrQueueEmpty
	}
	if err != nil {
		q.mgr.MarkFailure(err)
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(vals))
	}
	var msg Message
	if err := json.Unmarshal([]byte(vals[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal message: %w", err)
	}
	return &msg, nil
}

func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	client, err := q.mgr.Client()
	if err != nil {
		return 0, err
	}
	n, err := client.LLen(ctx, q.key).Result()
	if err != nil {
		q.mgr.MarkFailure(err)
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// RedisStore keeps task records as JSON values with a TTL. Completed
// results age out on their own; no separate janitor needed.
type RedisStore struct {
	mgr *broker.Manager
	ttl time.Duration
}

func NewRedisStore(mgr *broker.Manager, ttl time.Duration) *RedisStore {
	return &RedisStore{mgr: mgr, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	client, err := s.mgr.Client()
	if err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := client.Set(ctx, recordKeyPrefix+rec.ID, data, s.ttl).Err(); err != nil {
		s.mgr.MarkFailure(err)
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Record, error) {
	client, err := s.mgr.Client()
	if err != nil {
		return nil, err
	}
	data, err := client.Get(ctx, recordKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.mgr.MarkFailure(err)
		return nil, fmt.Errorf("load record: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	client, err := s.mgr.Client()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, recordKeyPrefix+id).Err(); err != nil {
		s.mgr.MarkFailure(err)
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
