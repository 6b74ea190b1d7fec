package activestore

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// tryRecordStartScript is an atomic Lua script implementing the check-and-
// insert semantics of TryRecordStart against a Redis sorted set, one per
// backend. Score is the entry's startedAt (unix nanoseconds); member encodes
// instanceID and requestID so Cleanup can scan for a specific owner.
//
// KEYS[1] = sorted set key (activereq:{backendID})
// ARGV[1] = now (unix nanoseconds)
// ARGV[2] = max entry age in nanoseconds
// ARGV[3] = maxLimit (0 = unlimited)
// ARGV[4] = member (instanceID:requestID)
// Returns 1 if the entry was inserted (or already present), 0 if rejected.
var tryRecordStartScript = redis.NewScript(`
	local key      = KEYS[1]
	local now      = tonumber(ARGV[1])
	local maxAge   = tonumber(ARGV[2])
	local maxLimit = tonumber(ARGV[3])
	local member   = ARGV[4]

	redis.call('ZREMRANGEBYSCORE', key, 0, now - maxAge)

	if redis.call('ZSCORE', key, member) then
		return 1
	end

	if maxLimit > 0 then
		local count = redis.call('ZCARD', key)
		if count >= maxLimit then
			return 0
		end
	end

	redis.call('ZADD', key, now, member)
	return 1
`)

const keyPrefix = "activereq:"

// RedisStore is the distributed Store backend. Safe for concurrent use
// across multiple proxy instances.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an already-connected client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func backendKey(backendID string) string {
	return keyPrefix + backendID
}

func member(instanceID, requestID string) string {
	return instanceID + ":" + requestID
}

func splitMember(m string) (instanceID, requestID string, ok bool) {
	i := strings.IndexByte(m, ':')
	if i < 0 {
		return "", "", false
	}
	return m[:i], m[i+1:], true
}

func (s *RedisStore) TryRecordStart(ctx context.Context, backendID, requestID, instanceID string, maxLimit int) (bool, error) {
	res, err := tryRecordStartScript.Run(ctx, s.rdb,
		[]string{backendKey(backendID)},
		time.Now().UnixNano(), maxEntryAge.Nanoseconds(), maxLimit, member(instanceID, requestID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("activestore: try record start: %w", err)
	}
	return res == 1, nil
}

func (s *RedisStore) RecordStart(ctx context.Context, backendID, requestID, instanceID string) error {
	err := s.rdb.ZAdd(ctx, backendKey(backendID), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: member(instanceID, requestID),
	}).Err()
	if err != nil {
		return fmt.Errorf("activestore: record start: %w", err)
	}
	return nil
}

func (s *RedisStore) RecordComplete(ctx context.Context, backendID, requestID string) error {
	// requestID alone does not identify the member (instanceID is also part
	// of it); scan the set and remove any member whose requestID matches.
	// Active-request sets are small (bounded by maxConcurrentRequests), so a
	// full scan per completion is cheap.
	members, err := s.rdb.ZRange(ctx, backendKey(backendID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("activestore: record complete: %w", err)
	}
	for _, m := range members {
		_, rid, ok := splitMember(m)
		if ok && rid == requestID {
			if err := s.rdb.ZRem(ctx, backendKey(backendID), m).Err(); err != nil {
				return fmt.Errorf("activestore: record complete: %w", err)
			}
			return nil
		}
	}
	return nil
}

func (s *RedisStore) GetCount(ctx context.Context, backendID string) (int, error) {
	key := backendKey(backendID)
	now := time.Now().UnixNano()
	if err := s.rdb.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now-maxEntryAge.Nanoseconds(), 10)).Err(); err != nil {
		return 0, fmt.Errorf("activestore: get count: %w", err)
	}
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("activestore: get count: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) GetAllCounts(ctx context.Context) (map[string]int, error) {
	keys, err := s.rdb.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("activestore: get all counts: %w", err)
	}
	out := make(map[string]int, len(keys))
	for _, k := range keys {
		backendID := strings.TrimPrefix(k, keyPrefix)
		n, err := s.GetCount(ctx, backendID)
		if err != nil {
			return nil, err
		}
		out[backendID] = n
	}
	return out, nil
}

func (s *RedisStore) Cleanup(ctx context.Context, instanceID string) (int, error) {
	keys, err := s.rdb.Keys(ctx, keyPrefix+"*").Result()
	if err != nil {
		return 0, fmt.Errorf("activestore: cleanup: %w", err)
	}
	removed := 0
	for _, key := range keys {
		members, err := s.rdb.ZRange(ctx, key, 0, -1).Result()
		if err != nil {
			return removed, fmt.Errorf("activestore: cleanup: %w", err)
		}
		for _, m := range members {
			owner, _, ok := splitMember(m)
			if ok && owner == instanceID {
				if err := s.rdb.ZRem(ctx, key, m).Err(); err != nil {
					return removed, fmt.Errorf("activestore: cleanup: %w", err)
				}
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RedisStore) Close() error {
	return nil
}
