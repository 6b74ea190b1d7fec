package affinity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const affinityKeyPrefix = "affinity:"

func redisKey(model, sessionID string) string {
	return affinityKeyPrefix + model + ":" + sessionID
}

// RedisStore is the distributed Store backend. TTL is enforced natively via
// PEXPIRE, reset on every touch/set, so eviction needs no background sweep.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, model, sessionID string) (Mapping, bool, error) {
	vals, err := s.rdb.HGetAll(ctx, redisKey(model, sessionID)).Result()
	if err != nil {
		return Mapping{}, false, fmt.Errorf("affinity: get: %w", err)
	}
	if len(vals) == 0 {
		return Mapping{}, false, nil
	}
	return mappingFromFields(model, sessionID, vals), true, nil
}

func (s *RedisStore) Touch(ctx context.Context, model, sessionID string) error {
	key := redisKey(model, sessionID)
	now := time.Now()

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, "lastAccessedAt", now.Format(time.RFC3339Nano))
	pipe.HIncrBy(ctx, key, "accessCount", 1)
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("affinity: touch: %w", err)
	}
	return nil
}

func (s *RedisStore) Set(ctx context.Context, model, sessionID, backendID string) error {
	key := redisKey(model, sessionID)
	now := time.Now()

	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("affinity: set: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	if exists == 0 {
		pipe.HSet(ctx, key, map[string]any{
			"backendId":      backendID,
			"createdAt":      now.Format(time.RFC3339Nano),
			"lastAccessedAt": now.Format(time.RFC3339Nano),
			"accessCount":    1,
		})
	} else {
		pipe.HSet(ctx, key, map[string]any{
			"backendId":      backendID,
			"lastAccessedAt": now.Format(time.RFC3339Nano),
		})
		pipe.HIncrBy(ctx, key, "accessCount", 1)
	}
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("affinity: set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, model, sessionID string) error {
	if err := s.rdb.Del(ctx, redisKey(model, sessionID)).Err(); err != nil {
		return fmt.Errorf("affinity: delete: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context) ([]Mapping, error) {
	keys, err := s.rdb.Keys(ctx, affinityKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("affinity: list: %w", err)
	}

	out := make([]Mapping, 0, len(keys))
	for _, key := range keys {
		model, sessionID, ok := splitKey(key)
		if !ok {
			continue
		}
		vals, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		out = append(out, mappingFromFields(model, sessionID, vals))
	}
	return out, nil
}

func (s *RedisStore) Close() error {
	return nil
}

func splitKey(key string) (model, sessionID string, ok bool) {
	rest := strings.TrimPrefix(key, affinityKeyPrefix)
	i := strings.IndexByte(rest, ':')
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func mappingFromFields(model, sessionID string, vals map[string]string) Mapping {
	m := Mapping{Model: model, SessionID: sessionID, BackendID: vals["backendId"]}
	if t, err := time.Parse(time.RFC3339Nano, vals["createdAt"]); err == nil {
		m.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, vals["lastAccessedAt"]); err == nil {
		m.LastAccessedAt = t
	}
	if n, err := strconv.Atoi(vals["accessCount"]); err == nil {
		m.AccessCount = n
	}
	return m
}
