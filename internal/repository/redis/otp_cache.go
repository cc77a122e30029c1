package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"otp-service/internal/clock"
	"otp-service/internal/models"
	"otp-service/internal/repository"
	"otp-service/internal/util"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	recordSegment = ":record:"

	fieldHash          = "hash"
	fieldSalt          = "salt"
	fieldPepperVersion = "pv"
	fieldExpiresAt     = "exp"
	fieldAttempts      = "att"
	fieldSendCount     = "sc"
	fieldWindowStart   = "sw"
	fieldLastSent      = "ls"

	defaultOpTimeout = 3 * time.Second
)

// recordAttemptLua performs the whole verify-attempt step server side so two
// racing verifications can never both spend the same attempt.
var recordAttemptLua = goredis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'exp')
if not exp then
  return {err='not_found'}
end

local now = tonumber(ARGV[1])
local maxAttempts = tonumber(ARGV[2])
local expiresAt = tonumber(exp)

if now > expiresAt then
  redis.call('DEL', KEYS[1])
  return {err='not_found'}
end

local attempts = tonumber(redis.call('HGET', KEYS[1], 'att') or '0')
if attempts >= maxAttempts then
  redis.call('DEL', KEYS[1])
  return {err='exhausted'}
end

redis.call('HINCRBY', KEYS[1], 'att', 1)
local ttl = expiresAt - now
if ttl < 1 then
  ttl = 1
end
redis.call('PEXPIRE', KEYS[1], ttl)
return redis.call('HGETALL', KEYS[1])
`)

// compareAndDeleteLua removes the record only while it still holds the
// given hash. Attempt counter writes in between do not affect the outcome.
var compareAndDeleteLua = goredis.NewScript(`
local vals = redis.call('HMGET', KEYS[1], 'hash', 'exp')
if not vals[1] then
  return 0
end

local expiresAt = tonumber(vals[2])
if expiresAt and tonumber(ARGV[2]) > expiresAt then
  redis.call('DEL', KEYS[1])
  return 0
end

if vals[1] ~= ARGV[1] then
  return 0
end

redis.call('DEL', KEYS[1])
return 1
`)

// Store is the shared backend. Each record is a hash whose key TTL tracks
// the record's expiry.
type Store struct {
	rdb     goredis.UniversalClient
	prefix  string
	clock   clock.Clock
	timeout time.Duration
}

var _ repository.Backend = (*Store)(nil)

func NewStore(rdb goredis.UniversalClient, prefix string, clk clock.Clock, timeout time.Duration) *Store {
	if prefix == "" {
		prefix = "otp"
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &Store{
		rdb:     rdb,
		prefix:  prefix,
		clock:   clk,
		timeout: timeout,
	}
}

func (s *Store) recordKey(key string) string {
	return s.prefix + recordSegment + key
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", repository.ErrBackendUnavailable, err)
}

func (s *Store) Get(ctx context.Context, key string) (*models.OTPRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	fields, err := s.rdb.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		util.Error("Failed to get OTP record", zap.String("key", key), zap.Error(err))
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, repository.ErrNotFound
	}

	record, err := decodeRecord(fields)
	if err != nil {
		util.Warn("Dropping undecodable OTP record", zap.String("key", key), zap.Error(err))
		return nil, repository.ErrNotFound
	}
	if record.Expired(s.clock.Now()) {
		return nil, repository.ErrNotFound
	}
	return record, nil
}

func (s *Store) Set(ctx context.Context, key string, record *models.OTPRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return repository.ErrInvalidTTL
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	k := s.recordKey(key)
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, k)
	pipe.HSet(ctx, k, encodeRecord(record)...)
	pipe.PExpire(ctx, k, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP record", zap.String("key", key), zap.Duration("ttl", ttl), zap.Error(err))
		return unavailable(err)
	}

	util.Debug("OTP record stored", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, key string, maxAttempts int) (*models.OTPRecord, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock.Now().UnixMilli()
	result, err := recordAttemptLua.Run(ctx, s.rdb, []string{s.recordKey(key)}, now, maxAttempts).Result()
	if err != nil {
		switch err.Error() {
		case "not_found":
			return nil, repository.ErrNotFound
		case "exhausted":
			return nil, repository.ErrAttemptsExhausted
		}
		util.Error("Failed to record verify attempt", zap.String("key", key), zap.Error(err))
		return nil, unavailable(err)
	}

	fields, err := pairsToMap(result)
	if err != nil {
		return nil, unavailable(err)
	}
	record, err := decodeRecord(fields)
	if err != nil {
		return nil, unavailable(err)
	}
	return record, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, secretHash []byte) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.clock.Now().UnixMilli()
	n, err := compareAndDeleteLua.Run(ctx, s.rdb, []string{s.recordKey(key)}, string(secretHash), now).Int()
	if err != nil {
		util.Error("Failed to compare-and-delete OTP record", zap.String("key", key), zap.Error(err))
		return false, unavailable(err)
	}
	return n == 1, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.rdb.Del(ctx, s.recordKey(key)).Result()
	if err != nil {
		util.Error("Failed to delete OTP record", zap.String("key", key), zap.Error(err))
		return false, unavailable(err)
	}
	return n > 0, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close is a no-op; the connection belongs to client.RedisClient.
func (s *Store) Close() error {
	return nil
}

func encodeRecord(r *models.OTPRecord) []interface{} {
	return []interface{}{
		fieldHash, string(r.SecretHash),
		fieldSalt, string(r.Salt),
		fieldPepperVersion, r.PepperVersion,
		fieldExpiresAt, r.ExpiresAt.UnixMilli(),
		fieldAttempts, r.VerifyAttempts,
		fieldSendCount, r.SendCount,
		fieldWindowStart, unixMilliOrZero(r.SendWindowStart),
		fieldLastSent, unixMilliOrZero(r.LastSentAt),
	}
}

func decodeRecord(fields map[string]string) (*models.OTPRecord, error) {
	hash, ok := fields[fieldHash]
	if !ok {
		return nil, errors.New("record has no hash")
	}
	exp, err := parseInt(fields, fieldExpiresAt)
	if err != nil {
		return nil, err
	}
	pv, err := parseInt(fields, fieldPepperVersion)
	if err != nil {
		return nil, err
	}
	att, err := parseInt(fields, fieldAttempts)
	if err != nil {
		return nil, err
	}
	sc, _ := parseInt(fields, fieldSendCount)
	sw, _ := parseInt(fields, fieldWindowStart)
	ls, _ := parseInt(fields, fieldLastSent)

	return &models.OTPRecord{
		SecretHash:      []byte(hash),
		Salt:            []byte(fields[fieldSalt]),
		PepperVersion:   int(pv),
		ExpiresAt:       time.UnixMilli(exp),
		VerifyAttempts:  int(att),
		SendCount:       int(sc),
		SendWindowStart: timeOrZero(sw),
		LastSentAt:      timeOrZero(ls),
	}, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	v, ok := fields[name]
	if !ok {
		return 0, fmt.Errorf("record has no %s field", name)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s field: %w", name, err)
	}
	return n, nil
}

// pairsToMap converts a flat HGETALL reply returned from Lua.
func pairsToMap(result interface{}) (map[string]string, error) {
	items, ok := result.([]interface{})
	if !ok || len(items)%2 != 0 {
		return nil, fmt.Errorf("unexpected script reply %T", result)
	}
	out := make(map[string]string, len(items)/2)
	for i := 0; i < len(items); i += 2 {
		k, ok1 := items[i].(string)
		v, ok2 := items[i+1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("unexpected script reply element")
		}
		out[k] = v
	}
	return out, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
