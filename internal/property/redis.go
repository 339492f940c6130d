package property

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces the per-mailbox hashes.
const DefaultRedisPrefix = "mailwatch:mailbox:"

// casScript swaps a hash field only when it holds the expected value; an
// empty expected value requires the field to be absent.
var casScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if ARGV[2] == '' then
  if cur then return 0 end
elseif cur ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// RedisStore keeps one hash per mailbox.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hash(mailboxID string) string { return s.prefix + mailboxID }

func (s *RedisStore) Get(ctx context.Context, mailboxID, key string) (string, error) {
	v, err := s.client.HGet(ctx, s.hash(mailboxID), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redis hget %s: %w", key, err)
	}
	return v, nil
}

func (s *RedisStore) Set(ctx context.Context, mailboxID, key, value string) error {
	if err := s.client.HSet(ctx, s.hash(mailboxID), key, value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, mailboxID, key string) error {
	if err := s.client.HDel(ctx, s.hash(mailboxID), key).Err(); err != nil {
		return fmt.Errorf("redis hdel %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, mailboxID, key, prev, next string) error {
	swapped, err := casScript.Run(ctx, s.client, []string{s.hash(mailboxID)}, key, prev, next).Int()
	if err != nil {
		return fmt.Errorf("redis cas %s: %w", key, err)
	}
	if swapped == 0 {
		return ErrConflict
	}
	return nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

var _ Store = (*RedisStore)(nil)
