package memory

import (
	"context"
	"time"

	"otp-service/internal/repository"
)

func (s *Store) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, repository.ErrInvalidTTL
	}
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	now := s.clock.Now()
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.counters[key]
	if !ok || now.After(e.deadline) {
		e = &counterEntry{deadline: now.Add(ttl)}
		sh.counters[key] = e
	}
	e.value++
	return e.value, nil
}

func (s *Store) SetTimestamp(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return repository.ErrInvalidTTL
	}
	if err := s.check(ctx); err != nil {
		return err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.stamps[key] = &stampEntry{at: t, deadline: s.clock.Now().Add(ttl)}
	sh.mu.Unlock()
	return nil
}

func (s *Store) GetTimestamp(ctx context.Context, key string) (time.Time, bool, error) {
	if err := s.check(ctx); err != nil {
		return time.Time{}, false, err
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.stamps[key]
	if !ok {
		return time.Time{}, false, nil
	}
	if s.clock.Now().After(e.deadline) {
		delete(sh.stamps, key)
		return time.Time{}, false, nil
	}
	return e.at, true, nil
}
