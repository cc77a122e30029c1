package memory

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"otp-service/internal/bucketing"
	"otp-service/internal/clock"
	"otp-service/internal/models"
	"otp-service/internal/repository"
	"otp-service/internal/util"

	"go.uber.org/zap"
)

var errClosed = fmt.Errorf("%w: memory store closed", repository.ErrBackendUnavailable)

type recordEntry struct {
	record   *models.OTPRecord
	deadline time.Time
}

type counterEntry struct {
	value    int64
	deadline time.Time
}

type stampEntry struct {
	at       time.Time
	deadline time.Time
}

// shard guards every read-modify-write on the keys hashed to it.
type shard struct {
	mu       sync.Mutex
	records  map[string]*recordEntry
	counters map[string]*counterEntry
	stamps   map[string]*stampEntry
}

// Store is the process-local backend. Keys are spread over mutex stripes so
// unrelated phones do not contend.
type Store struct {
	shards    []*shard
	buckets   *bucketing.BucketingManager
	clock     clock.Clock
	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    bool
	closedMu  sync.RWMutex
}

var _ repository.Backend = (*Store)(nil)

// NewStore starts a janitor that sweeps expired entries every sweepInterval.
// A non-positive interval disables the janitor; expiry is still enforced on
// read.
func NewStore(buckets *bucketing.BucketingManager, clk clock.Clock, sweepInterval time.Duration) *Store {
	s := &Store{
		shards:  make([]*shard, buckets.Stripes()),
		buckets: buckets,
		clock:   clk,
		stop:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			records:  make(map[string]*recordEntry),
			counters: make(map[string]*counterEntry),
			stamps:   make(map[string]*stampEntry),
		}
	}

	if sweepInterval > 0 {
		s.wg.Add(1)
		go s.janitor(sweepInterval)
	}

	return s
}

func (s *Store) shardFor(key string) *shard {
	return s.shards[s.buckets.Stripe(key)]
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return errClosed
	}
	return nil
}

func (e *recordEntry) dead(now time.Time) bool {
	return now.After(e.deadline) || e.record.Expired(now)
}

func (s *Store) Get(ctx context.Context, key string) (*models.OTPRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.dead(s.clock.Now()) {
		delete(sh.records, key)
		return nil, repository.ErrNotFound
	}
	return e.record.Clone(), nil
}

func (s *Store) Set(ctx context.Context, key string, record *models.OTPRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return repository.ErrInvalidTTL
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.records[key] = &recordEntry{
		record:   record.Clone(),
		deadline: s.clock.Now().Add(ttl),
	}
	sh.mu.Unlock()

	util.Debug("OTP record stored", zap.String("key", key), zap.Duration("ttl", ttl))
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, key string, maxAttempts int) (*models.OTPRecord, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[key]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if e.dead(s.clock.Now()) {
		delete(sh.records, key)
		return nil, repository.ErrNotFound
	}
	if e.record.VerifyAttempts >= maxAttempts {
		delete(sh.records, key)
		return nil, repository.ErrAttemptsExhausted
	}

	// The deadline is left as is, which is the remaining TTL.
	e.record.VerifyAttempts++
	return e.record.Clone(), nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, secretHash []byte) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[key]
	if !ok || e.dead(s.clock.Now()) {
		return false, nil
	}
	if subtle.ConstantTimeCompare(e.record.SecretHash, secretHash) != 1 {
		return false, nil
	}

	delete(sh.records, key)
	return true, nil
}

func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.records[key]
	if !ok {
		return false, nil
	}
	delete(sh.records, key)
	return !e.dead(s.clock.Now()), nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.check(ctx)
}

// Close stops the janitor. Later calls fail with an error.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()
		close(s.stop)
		s.wg.Wait()
		util.Info("Memory store closed")
	})
	return nil
}

func (s *Store) janitor(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.sweep(); n > 0 {
				util.Debug("Expired entries swept", zap.Int("count", n))
			}
		}
	}
}

// sweep removes every expired entry and returns how many it removed.
func (s *Store) sweep() int {
	now := s.clock.Now()
	removed := 0

	for _, sh := range s.shards {
		sh.mu.Lock()
		for k, e := range sh.records {
			if e.dead(now) {
				delete(sh.records, k)
				removed++
			}
		}
		for k, e := range sh.counters {
			if now.After(e.deadline) {
				delete(sh.counters, k)
				removed++
			}
		}
		for k, e := range sh.stamps {
			if now.After(e.deadline) {
				delete(sh.stamps, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	return removed
}
