package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"otp-service/internal/repository"
	"otp-service/internal/util"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// incrWithTTLLua sets the expiry only on the increment that creates the key,
// so repeated hits inside a window never extend it.
var incrWithTTLLua = goredis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

func (s *Store) counterKey(key string) string {
	return s.prefix + ":" + key
}

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, repository.ErrInvalidTTL
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := incrWithTTLLua.Run(ctx, s.rdb, []string{s.counterKey(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		util.Error("Failed to increment counter", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return 0, unavailable(err)
	}

	util.Debug("Counter incremented", zap.String("key", key), zap.Int64("count", n))
	return n, nil
}

func (s *Store) SetTimestamp(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return repository.ErrInvalidTTL
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Set(ctx, s.counterKey(key), t.UnixMilli(), ttl).Err(); err != nil {
		util.Error("Failed to set timestamp", zap.String("key", key), zap.Error(err))
		return unavailable(err)
	}
	return nil
}

func (s *Store) GetTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	v, err := s.rdb.Get(ctx, s.counterKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		util.Error("Failed to get timestamp", zap.String("key", key), zap.Error(err))
		return time.Time{}, false, unavailable(err)
	}

	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		util.Warn("Ignoring malformed timestamp", zap.String("key", key), zap.String("value", v))
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}
