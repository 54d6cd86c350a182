package attachment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "inbox:attachment:"

// RedisStore keeps entries in Redis hashes; Redis expires them itself.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisClient connects to a single node, or to a cluster when cluster is
// set and more than one address is given.
func NewRedisClient(addrs []string, password string, cluster bool) redis.UniversalClient {
	if cluster && len(addrs) > 1 {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	}
	addr := "127.0.0.1:6379"
	if len(addrs) > 0 {
		addr = addrs[0]
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, error) {
	fields, err := s.client.HGetAll(ctx, redisKeyPrefix+key).Result()
	if err != nil {
		return Entry{}, fmt.Errorf("redis hgetall: %w", err)
	}
	if len(fields) == 0 {
		return Entry{}, ErrMiss
	}
	e, err := decodeRedisEntry(key, fields)
	if err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (s *RedisStore) Put(ctx context.Context, e Entry) error {
	rkey := redisKeyPrefix + e.Key
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rkey, encodeRedisEntry(e))
		if !e.ExpiresAt.IsZero() {
			pipe.ExpireAt(ctx, rkey, e.ExpiresAt)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, redisKeyPrefix+key).Err()
}

// Sweep is a no-op; keys carry their own expiry.
func (s *RedisStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}

// Ping checks connectivity at startup.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func encodeRedisEntry(e Entry) map[string]any {
	return map[string]any{
		"url":          e.URL,
		"data":         e.Data,
		"content_type": e.ContentType,
		"stored_at":    strconv.FormatInt(e.StoredAt.UnixMilli(), 10),
		"expires_at":   strconv.FormatInt(e.ExpiresAt.UnixMilli(), 10),
	}
}

func decodeRedisEntry(key string, fields map[string]string) (Entry, error) {
	data, ok := fields["data"]
	if !ok {
		return Entry{}, errors.New("redis entry has no data")
	}
	e := Entry{
		Key:         key,
		URL:         fields["url"],
		Data:        []byte(data),
		ContentType: fields["content_type"],
		Size:        int64(len(data)),
	}
	for name, dst := range map[string]*time.Time{"stored_at": &e.StoredAt, "expires_at": &e.ExpiresAt} {
		raw, ok := fields[name]
		if !ok || raw == "" {
			continue
		}
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Entry{}, fmt.Errorf("redis entry %s: %w", name, err)
		}
		if ms > 0 {
			*dst = time.UnixMilli(ms).UTC()
		}
	}
	return e, nil
}
