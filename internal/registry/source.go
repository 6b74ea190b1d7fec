package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// changeChannel is the pub/sub topic the config watcher broadcasts on after
// every write, so every proxy instance hot-reloads without a restart.
const changeChannel = "config:changes"

const (
	modelKeyPrefix  = "config:models:"
	apiKeyKeyPrefix = "config:apikeys:"
	dataField       = "data"
)

// Source is the persistent document store backing the Registry. RedisSource
// is the production implementation; tests may substitute a fake.
type Source interface {
	LoadAll(ctx context.Context) (*Snapshot, error)
	SaveModel(ctx context.Context, m Model) error
	DeleteModel(ctx context.Context, name string) error
	SaveApiKey(ctx context.Context, k ApiKey) error
	DeleteApiKey(ctx context.Context, key string) error
	PublishChange(ctx context.Context) error
	// Subscribe returns a channel that receives a value on every change
	// notification, and a cancel func to stop the subscription.
	Subscribe(ctx context.Context) (<-chan struct{}, func())
}

// RedisSource persists Models and ApiKeys as JSON-encoded Redis hashes and
// broadcasts writes over a pub/sub channel.
type RedisSource struct {
	rdb *redis.Client
}

// NewRedisSource wraps an already-connected client.
func NewRedisSource(rdb *redis.Client) *RedisSource {
	return &RedisSource{rdb: rdb}
}

func (s *RedisSource) LoadAll(ctx context.Context) (*Snapshot, error) {
	snap := newEmptySnapshot()

	modelKeys, err := s.rdb.Keys(ctx, modelKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("registry: load models: %w", err)
	}
	for _, key := range modelKeys {
		raw, err := s.rdb.HGet(ctx, key, dataField).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: load model %q: %w", key, err)
		}
		var m Model
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("registry: decode model %q: %w", key, err)
		}
		snap.Models[m.Name] = m
	}

	keyKeys, err := s.rdb.Keys(ctx, apiKeyKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("registry: load api keys: %w", err)
	}
	for _, key := range keyKeys {
		raw, err := s.rdb.HGet(ctx, key, dataField).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: load api key %q: %w", key, err)
		}
		var k ApiKey
		if err := json.Unmarshal([]byte(raw), &k); err != nil {
			return nil, fmt.Errorf("registry: decode api key %q: %w", key, err)
		}
		snap.ApiKeys[k.Key] = k
	}

	return snap, nil
}

func (s *RedisSource) SaveModel(ctx context.Context, m Model) error {
	if err := m.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("registry: encode model: %w", err)
	}
	if err := s.rdb.HSet(ctx, modelKeyPrefix+m.Name, dataField, data).Err(); err != nil {
		return fmt.Errorf("registry: save model: %w", err)
	}
	return nil
}

func (s *RedisSource) DeleteModel(ctx context.Context, name string) error {
	if err := s.rdb.Del(ctx, modelKeyPrefix+name).Err(); err != nil {
		return fmt.Errorf("registry: delete model: %w", err)
	}
	return nil
}

func (s *RedisSource) SaveApiKey(ctx context.Context, k ApiKey) error {
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("registry: encode api key: %w", err)
	}
	if err := s.rdb.HSet(ctx, apiKeyKeyPrefix+k.Key, dataField, data).Err(); err != nil {
		return fmt.Errorf("registry: save api key: %w", err)
	}
	return nil
}

func (s *RedisSource) DeleteApiKey(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, apiKeyKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("registry: delete api key: %w", err)
	}
	return nil
}

func (s *RedisSource) PublishChange(ctx context.Context) error {
	if err := s.rdb.Publish(ctx, changeChannel, "reload").Err(); err != nil {
		return fmt.Errorf("registry: publish change: %w", err)
	}
	return nil
}

func (s *RedisSource) Subscribe(ctx context.Context) (<-chan struct{}, func()) {
	sub := s.rdb.Subscribe(ctx, changeChannel)
	out := make(chan struct{}, 1)

	go func() {
		ch := sub.Channel()
		for range ch {
			select {
			case out <- struct{}{}:
			default:
			}
		}
		close(out)
	}()

	return out, func() { _ = sub.Close() }
}
