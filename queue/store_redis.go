package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// redisStore is a Redis-backed MessageStore, keeping every message for a
// destination in one hash (key -> message id, value -> JSON-encoded
// Message) so Recover can replay the whole backlog with a single HGETALL.
//
// Grounded on the teacher's modules/eventbus/redis.go (client
// construction, JSON payload marshaling) and modules/cache/redis.go's
// engine-binding shape.
type redisStore struct {
	client *redis.Client
	key    string
}

// NewRedisStore builds a Redis-backed MessageStore for destination,
// storing entries under a single hash key derived from its name.
func NewRedisStore(client *redis.Client, destination Destination) MessageStore {
	return &redisStore{client: client, key: "ptqueue:store:" + destination.Name}
}

func (s *redisStore) AddMessage(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrStoreFailure, err)
	}
	if err := s.client.HSet(ctx, s.key, msg.ID, payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *redisStore) RemoveMessage(ctx context.Context, ack AckRange) error {
	if ack.Count == 1 {
		if err := s.client.HDel(ctx, s.key, ack.FirstID).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreFailure, err)
		}
		return nil
	}
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	for id, raw := range all {
		var m Message
		if json.Unmarshal([]byte(raw), &m) != nil {
			continue
		}
		if m.Seq >= ack.FirstSeq && m.Seq <= ack.LastSeq {
			if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
				return fmt.Errorf("%w: %v", ErrStoreFailure, err)
			}
		}
	}
	return nil
}

func (s *redisStore) RemoveAllMessages(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	return nil
}

func (s *redisStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	raw, err := s.client.HGet(ctx, s.key, id).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchReference, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	var m Message
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrLoadFailure, err)
	}
	return &m, nil
}

func (s *redisStore) Recover(ctx context.Context, listener RecoverListener) error {
	all, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreFailure, err)
	}
	for _, raw := range all {
		var m Message
		if json.Unmarshal([]byte(raw), &m) != nil {
			continue
		}
		if err := listener(&m); err != nil {
			return err
		}
	}
	return nil
}

func (s *redisStore) SetUsageManager(UsageAccountant) {
	// The Redis store spills to Redis unconditionally; it does not need
	// to react to memory pressure the way an in-process store would, so
	// this is intentionally a no-op rather than a stub left unimplemented.
}
