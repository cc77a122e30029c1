package otp

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/clock"
	"otp-service/internal/hashing"
	"otp-service/internal/models"
	"otp-service/internal/ratelimit"
	"otp-service/internal/repository"
	"otp-service/internal/repository/memory"
	redisstore "otp-service/internal/repository/redis"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPhone = "+905551112233"

// fixedRandom yields the same big-endian uint64 on every 8-byte read.
type fixedRandom struct {
	value uint64
}

func (r fixedRandom) Read(p []byte) (int, error) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], r.value)
	for i := range p {
		p[i] = buf[i%8]
	}
	return len(p), nil
}

type sentMessage struct {
	destination string
	message     string
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (s *recordingSender) Deliver(_ context.Context, destination, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMessage{destination: destination, message: message})
	return nil
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []*models.OTPEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event *models.OTPEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) last() *models.OTPEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.events) == 0 {
		return nil
	}
	return p.events[len(p.events)-1]
}

type testEngine struct {
	engine    *Engine
	store     repository.Backend
	clock     *clock.Fake
	sender    *recordingSender
	publisher *recordingPublisher
	// advance moves the fake clock and whatever time the backend keeps.
	advance func(d time.Duration)
}

// backendFactory opens an empty backend on clk and returns how to move its
// notion of time along with the clock.
type backendFactory func(t *testing.T, clk *clock.Fake, buckets *bucketing.BucketingManager) (repository.Backend, func(time.Duration))

func memoryBackend(t *testing.T, clk *clock.Fake, buckets *bucketing.BucketingManager) (repository.Backend, func(time.Duration)) {
	store := memory.NewStore(buckets, clk, 0)
	t.Cleanup(func() { _ = store.Close() })
	return store, clk.Advance
}

func redisBackend(t *testing.T, clk *clock.Fake, _ *bucketing.BucketingManager) (repository.Backend, func(time.Duration)) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return redisstore.NewStore(rdb, "otp", clk, 0), func(d time.Duration) {
		clk.Advance(d)
		mr.FastForward(d)
	}
}

var backends = []struct {
	name string
	open backendFactory
}{
	{"memory", memoryBackend},
	{"redis", redisBackend},
}

// forEachBackend runs fn once per store implementation.
func forEachBackend(t *testing.T, fn func(t *testing.T, te *testEngine)) {
	for _, b := range backends {
		t.Run(b.name, func(t *testing.T) {
			fn(t, newTestEngineWith(t, b.open))
		})
	}
}

func newTestEngine(t *testing.T) *testEngine {
	return newTestEngineWith(t, memoryBackend)
}

func newTestEngineWith(t *testing.T, open backendFactory) *testEngine {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC))
	buckets := bucketing.NewBucketingManager(8)
	store, advance := open(t, clk, buckets)

	hasher, err := hashing.NewHasher(hashing.Pepper{Value: []byte("test-pepper"), Version: 1}, nil, 16, nil)
	require.NoError(t, err)
	normalizer, err := NewNormalizer("")
	require.NoError(t, err)

	snd := &recordingSender{}
	pub := &recordingPublisher{}

	engine, err := NewEngine(Dependencies{
		Store:      store,
		Limiter:    ratelimit.NewLimiter(store, buckets, clk, 30*time.Second, 2),
		Hasher:     hasher,
		Sender:     snd,
		Publisher:  pub,
		Normalizer: normalizer,
		Clock:      clk,
		Random:     fixedRandom{value: 123456},
	}, Options{
		Digits:            6,
		TTL:               5 * time.Minute,
		MaxVerifyAttempts: 3,
		MessageTemplate:   "Kodunuz: {code}",
	})
	require.NoError(t, err)

	return &testEngine{engine: engine, store: store, clock: clk, sender: snd, publisher: pub, advance: advance}
}

// cancelOnSetStore cancels the request right after the record is written.
type cancelOnSetStore struct {
	repository.CodeStore
	cancel context.CancelFunc
}

func (s *cancelOnSetStore) Set(ctx context.Context, key string, record *models.OTPRecord, ttl time.Duration) error {
	err := s.CodeStore.Set(ctx, key, record, ttl)
	s.cancel()
	return err
}

func TestEngine_SendThenVerifyAndConsume(t *testing.T) {
	forEachBackend(t, testSendThenVerifyAndConsume)
}

func testSendThenVerifyAndConsume(t *testing.T, te *testEngine) {
	ctx := context.Background()

	code, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)
	assert.Equal(t, "123456", code)

	require.Equal(t, 1, te.sender.count())
	assert.Equal(t, testPhone, te.sender.sent[0].destination)
	assert.Equal(t, "Kodunuz: 123456", te.sender.sent[0].message)
	assert.Equal(t, models.EventOTPSent, te.publisher.last().Type)

	key := StoreKey(testPhone)
	record, err := te.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, record.VerifyAttempts)
	assert.Equal(t, 1, record.SendCount)
	assert.True(t, te.clock.Now().Add(5*time.Minute).Equal(record.ExpiresAt))
	assert.NotContains(t, string(record.SecretHash), "123456")

	assert.False(t, te.engine.Verify(ctx, testPhone, "000000", false))
	record, err = te.store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 1, record.VerifyAttempts)
	assert.Equal(t, ReasonMismatch, te.publisher.last().Reason)

	assert.True(t, te.engine.Verify(ctx, testPhone, "123456", true))
	_, err = te.store.Get(ctx, key)
	assert.Error(t, err)

	assert.False(t, te.engine.Verify(ctx, testPhone, "123456", true))
	assert.Equal(t, ReasonNotFound, te.publisher.last().Reason)
}

func TestEngine_CheckDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	_, err := te.engine.Send(ctx, "0555 111 22 33", "")
	require.NoError(t, err)

	assert.True(t, te.engine.Verify(ctx, testPhone, "123456", false))
	assert.True(t, te.engine.Verify(ctx, "5551112233", "123456", true))
	assert.False(t, te.engine.Verify(ctx, testPhone, "123456", false))
}

func TestEngine_ConcurrentConsumeHasOneWinner(t *testing.T) {
	forEachBackend(t, testConcurrentConsumeHasOneWinner)
}

func testConcurrentConsumeHasOneWinner(t *testing.T, te *testEngine) {
	ctx := context.Background()

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	// One caller per allowed attempt, so none of them is turned away as exhausted.
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if te.engine.Verify(ctx, testPhone, "123456", true) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	_, err = te.store.Get(ctx, StoreKey(testPhone))
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEngine_WrongCodesExhaustAttempts(t *testing.T) {
	forEachBackend(t, testWrongCodesExhaustAttempts)
}

func testWrongCodesExhaustAttempts(t *testing.T, te *testEngine) {
	ctx := context.Background()

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	assert.False(t, te.engine.Verify(ctx, testPhone, "000001", false))
	assert.False(t, te.engine.Verify(ctx, testPhone, "000002", false))
	assert.False(t, te.engine.Verify(ctx, testPhone, "000003", false))
	assert.Equal(t, ReasonExhausted, te.publisher.last().Reason)

	// The right code no longer helps once attempts run out.
	assert.False(t, te.engine.Verify(ctx, testPhone, "123456", false))
	_, err = te.store.Get(ctx, StoreKey(testPhone))
	assert.Error(t, err)
}

func TestEngine_ResendCooldown(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	te.advance(10 * time.Second)
	_, err = te.engine.Send(ctx, testPhone, "c1")
	require.ErrorIs(t, err, ErrCooldownActive)
	wait, ok := ratelimit.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 20*time.Second, wait)
	assert.Equal(t, ReasonCooldown, te.publisher.last().Reason)
	assert.Equal(t, 1, te.sender.count())

	te.advance(20 * time.Second)
	_, err = te.engine.Send(ctx, testPhone, "c1")
	assert.NoError(t, err)
}

func TestEngine_HourlySendCap(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	for i := 0; i < 2; i++ {
		_, err := te.engine.Send(ctx, testPhone, "c1")
		require.NoError(t, err)
		te.advance(time.Minute)
	}

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.ErrorIs(t, err, ErrSendLimitExceeded)
	assert.Equal(t, ReasonSendLimit, te.publisher.last().Reason)

	// 09:32 -> 10:00 opens a fresh bucket.
	te.advance(28 * time.Minute)
	_, err = te.engine.Send(ctx, testPhone, "c1")
	assert.NoError(t, err)
}

func TestEngine_ResendReplacesCode(t *testing.T) {
	forEachBackend(t, testResendReplacesCode)
}

func testResendReplacesCode(t *testing.T, te *testEngine) {
	ctx := context.Background()

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)
	assert.False(t, te.engine.Verify(ctx, testPhone, "000000", false))

	te.advance(31 * time.Second)
	_, err = te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	record, err := te.store.Get(ctx, StoreKey(testPhone))
	require.NoError(t, err)
	assert.Equal(t, 0, record.VerifyAttempts)
	assert.Equal(t, 2, record.SendCount)
}

func TestEngine_ExpiredCodeFails(t *testing.T) {
	forEachBackend(t, testExpiredCodeFails)
}

func testExpiredCodeFails(t *testing.T, te *testEngine) {
	ctx := context.Background()

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	te.advance(5*time.Minute + time.Second)
	assert.False(t, te.engine.Verify(ctx, testPhone, "123456", true))
	assert.Equal(t, ReasonNotFound, te.publisher.last().Reason)
}

func TestEngine_TransportFailure(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)
	te.sender.err = errors.New("gateway down")

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.ErrorIs(t, err, ErrTransportFailure)
	assert.Equal(t, models.EventOTPDeliveryFailed, te.publisher.last().Type)

	// No cooldown starts when nothing was delivered.
	te.sender.err = nil
	_, err = te.engine.Send(ctx, testPhone, "c1")
	assert.NoError(t, err)
}

func TestEngine_CancelledAfterPersistDoesNotDeliver(t *testing.T) {
	te := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deps := te.engine.deps
	deps.Store = &cancelOnSetStore{CodeStore: te.store, cancel: cancel}
	engine, err := NewEngine(deps, te.engine.opts)
	require.NoError(t, err)

	code, err := engine.Send(ctx, testPhone, "c1")
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, code)
	assert.Zero(t, te.sender.count())
	for _, event := range te.publisher.events {
		assert.NotEqual(t, models.EventOTPSent, event.Type)
	}
}

func TestEngine_InvalidInput(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	_, err := te.engine.Send(ctx, "12345", "c1")
	require.ErrorIs(t, err, ErrInvalidPhone)
	assert.Zero(t, te.sender.count())

	_, err = te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		assert.False(t, te.engine.Verify(ctx, testPhone, code, false), code)
	}
	assert.False(t, te.engine.Verify(ctx, "not-a-phone", "123456", false))

	// Malformed input does not burn attempts.
	record, err := te.store.Get(ctx, StoreKey(testPhone))
	require.NoError(t, err)
	assert.Equal(t, 0, record.VerifyAttempts)
}

func TestEngine_EventsNeverCarryThePhone(t *testing.T) {
	ctx := context.Background()
	te := newTestEngine(t)

	_, err := te.engine.Send(ctx, testPhone, "c1")
	require.NoError(t, err)
	te.engine.Verify(ctx, testPhone, "123456", true)

	for _, event := range te.publisher.events {
		assert.NotContains(t, event.PhoneKey, "5551112233")
		assert.NotEmpty(t, event.ID)
	}
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(Dependencies{}, Options{Digits: 6, TTL: time.Minute, MaxVerifyAttempts: 1})
	assert.Error(t, err)

	te := newTestEngine(t)
	deps := te.engine.deps

	_, err = NewEngine(deps, Options{Digits: 0, TTL: time.Minute, MaxVerifyAttempts: 1})
	assert.Error(t, err)
	_, err = NewEngine(deps, Options{Digits: 6, TTL: 0, MaxVerifyAttempts: 1})
	assert.Error(t, err)
	_, err = NewEngine(deps, Options{Digits: 6, TTL: time.Minute, MaxVerifyAttempts: 0})
	assert.Error(t, err)

	engine, err := NewEngine(deps, Options{Digits: 6, TTL: time.Minute, MaxVerifyAttempts: 1})
	require.NoError(t, err)
	assert.Contains(t, engine.opts.MessageTemplate, codePlaceholder)
}
