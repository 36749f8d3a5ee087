package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process CounterStore. A single coarse lock over the
// table keeps the read-modify-write atomic per key; correctness over
// parallelism, matching single-instance deployments and tests.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memRecord
}

type memRecord struct {
	count           int
	windowStart     time.Time
	violations      int
	lastViolationAt time.Time
	lastSeenAt      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memRecord{}}
}

func (s *MemoryStore) Incr(ctx context.Context, key string, cfg Config, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(now, cfg.Retention)
	rec, ok := s.items[key]
	if !ok || now.Sub(rec.windowStart) >= cfg.Window {
		rec.count = 0
		rec.windowStart = now
	}
	rec.count++
	rec.lastSeenAt = now
	if rec.count > cfg.MaxAttempts {
		rec.violations++
		rec.lastViolationAt = now
	} else if rec.violations > 0 && !rec.lastViolationAt.IsZero() && now.Sub(rec.lastViolationAt) >= cfg.Cooldown {
		rec.violations = 0
	}
	s.items[key] = rec
	return Record{
		Key:                   key,
		Count:                 rec.count,
		WindowStart:           rec.windowStart,
		ConsecutiveViolations: rec.violations,
		LastViolationAt:       rec.lastViolationAt,
	}, nil
}

// gcLocked drops records idle past the retention horizon.
func (s *MemoryStore) gcLocked(now time.Time, retention time.Duration) {
	if retention <= 0 {
		return
	}
	for k, rec := range s.items {
		if now.Sub(rec.lastSeenAt) >= retention {
			delete(s.items, k)
		}
	}
}

// MemorySuspects is the in-process suspicious-IP set.
type MemorySuspects struct {
	mu    sync.Mutex
	items map[string]time.Time
}

func NewMemorySuspects() *MemorySuspects {
	return &MemorySuspects{items: map[string]time.Time{}}
}

func (s *MemorySuspects) Flag(ctx context.Context, ip string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(now)
	expiry, exists := s.items[ip]
	s.items[ip] = now.Add(ttl)
	return !exists || now.After(expiry), nil
}

func (s *MemorySuspects) IsFlagged(ctx context.Context, ip string) (bool, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.items[ip]
	return ok && now.Before(expiry), nil
}

func (s *MemorySuspects) List(ctx context.Context) ([]string, error) {
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcLocked(now)
	out := make([]string, 0, len(s.items))
	for ip := range s.items {
		out = append(out, ip)
	}
	return out, nil
}

func (s *MemorySuspects) Clear(ctx context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, ip)
	return nil
}

func (s *MemorySuspects) gcLocked(now time.Time) {
	for ip, expiry := range s.items {
		if now.After(expiry) {
			delete(s.items, ip)
		}
	}
}
